package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"strings"
	"text/tabwriter"

	"github.com/lstoll/credcache/persist"
	"github.com/lstoll/credcache/tokencache"
	"github.com/spf13/cobra"
	"github.com/tink-crypto/tink-go/v2/insecurecleartextkeyset"
	"github.com/tink-crypto/tink-go/v2/keyset"
)

type globals struct {
	file        string
	keysetPath  string
	configPath  string
	environment string
	debug       bool

	log *slog.Logger
}

func main() {
	g := &globals{}

	root := &cobra.Command{
		Use:          "credcache",
		Short:        "Inspect and manage a persisted token cache",
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			level := slog.LevelInfo
			if g.debug {
				level = slog.LevelDebug
			}
			g.log = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
			return nil
		},
	}
	root.PersistentFlags().StringVar(&g.file, "file", envOr("CREDCACHE_FILE", ""), "cache file (default is the user cache dir)")
	root.PersistentFlags().StringVar(&g.keysetPath, "keyset", envOr("CREDCACHE_KEYSET", ""), "cleartext Tink JSON keyset, seals the file with AEAD instead of a passphrase")
	root.PersistentFlags().StringVar(&g.configPath, "config", "", "YAML cache options")
	root.PersistentFlags().StringVar(&g.environment, "environment", "", "only act on this authority host")
	root.PersistentFlags().BoolVar(&g.debug, "debug", false, "debug logging")

	root.AddCommand(accountsCmd(g), keysCmd(g), tokenCmd(g), removeCmd(g), purgeCmd(g))

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func accountsCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "accounts",
		Short: "List cached accounts",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			tc, err := g.open(ctx)
			if err != nil {
				return err
			}
			accts, err := tc.NewSession(tokencache.SessionParams{Environment: g.environment}).GetAccounts(ctx)
			if err != nil {
				return err
			}
			sort.Slice(accts, func(i, j int) bool { return accts[i].Key() < accts[j].Key() })

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "HOME ACCOUNT\tENVIRONMENT\tUSERNAME")
			for _, a := range accts {
				fmt.Fprintf(w, "%s\t%s\t%s\n", a.HomeAccountID, a.Environment, a.Username)
			}
			return w.Flush()
		},
	}
}

func keysCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "keys",
		Short: "List every key in the cache",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			tc, err := g.open(ctx)
			if err != nil {
				return err
			}
			// a read loads the persisted state into the store
			if _, err := tc.NewSession(tokencache.SessionParams{}).GetAccounts(ctx); err != nil {
				return err
			}
			all, err := tc.Store().GetAll(ctx, nil)
			if err != nil {
				return err
			}
			keys := make([]string, 0, len(all))
			for k := range all {
				keys = append(keys, k)
			}
			sort.Strings(keys)
			for _, k := range keys {
				fmt.Fprintln(cmd.OutOrStdout(), k)
			}
			return nil
		},
	}
}

func tokenCmd(g *globals) *cobra.Command {
	var (
		clientID string
		account  string
		scopes   []string
	)
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Print a cached access token",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			tc, err := g.open(ctx)
			if err != nil {
				return err
			}
			params := tokencache.SessionParams{
				ClientID:           clientID,
				Environment:        g.environment,
				IsApplicationCache: account == "",
			}
			if account != "" {
				a, err := g.findAccount(ctx, tc, account)
				if err != nil {
					return err
				}
				params.Account = a
				params.Environment = a.Environment
			}
			e, err := tc.NewSession(params).FindAccessToken(ctx, scopes)
			if err != nil {
				return err
			}
			if e == nil {
				return fmt.Errorf("no usable access token for client %q", clientID)
			}
			fmt.Fprintln(cmd.OutOrStdout(), e.Value.Secret)
			return nil
		},
	}
	cmd.Flags().StringVar(&clientID, "client-id", "", "client ID the token was issued to")
	cmd.Flags().StringVar(&account, "account", "", "home account ID, empty for application tokens")
	cmd.Flags().StringSliceVar(&scopes, "scope", nil, "scopes the token must carry")
	_ = cmd.MarkFlagRequired("client-id")
	return cmd
}

func removeCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "remove HOME_ACCOUNT_ID",
		Short: "Remove an account and its tokens",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			tc, err := g.open(ctx)
			if err != nil {
				return err
			}
			a, err := g.findAccount(ctx, tc, args[0])
			if err != nil {
				return err
			}
			if err := tc.NewSession(tokencache.SessionParams{Environment: a.Environment}).RemoveAccount(ctx, a); err != nil {
				return err
			}
			g.log.InfoContext(ctx, "removed account", "home_account_id", a.HomeAccountID, "environment", a.Environment)
			return nil
		},
	}
}

func purgeCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "purge",
		Short: "Remove everything from the cache",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			tc, err := g.open(ctx)
			if err != nil {
				return err
			}
			if err := tc.NewSession(tokencache.SessionParams{}).Clear(ctx); err != nil {
				return err
			}
			g.log.InfoContext(ctx, "cache purged")
			return nil
		},
	}
}

func (g *globals) findAccount(ctx context.Context, tc *tokencache.TokenCache, homeAccountID string) (*tokencache.AccountItem, error) {
	accts, err := tc.NewSession(tokencache.SessionParams{Environment: g.environment}).GetAccounts(ctx)
	if err != nil {
		return nil, err
	}
	for _, a := range accts {
		if a.HomeAccountID == homeAccountID {
			return a, nil
		}
	}
	return nil, fmt.Errorf("account %q not found", homeAccountID)
}

// open builds a TokenCache persisted to the configured backend.
func (g *globals) open(ctx context.Context) (*tokencache.TokenCache, error) {
	opts := tokencache.DefaultOptions()
	if g.configPath != "" {
		f, err := os.Open(g.configPath)
		if err != nil {
			return nil, fmt.Errorf("opening config: %w", err)
		}
		defer f.Close()
		if opts, err = tokencache.LoadOptions(f); err != nil {
			return nil, err
		}
	}

	backend, err := g.backend()
	if err != nil {
		return nil, err
	}
	store, err := opts.OpenStore(ctx)
	if err != nil {
		return nil, err
	}

	cacheOpts := append(opts.CacheOptions(),
		tokencache.WithLogger(g.log),
		tokencache.WithHooks(persist.NewHooks(backend, g.log)),
	)
	return tokencache.New(store, cacheOpts...)
}

func (g *globals) backend() (persist.Backend, error) {
	if g.keysetPath == "" {
		return &persist.EncryptedFile{Path: g.file}, nil
	}

	f, err := os.Open(g.keysetPath)
	if err != nil {
		return nil, fmt.Errorf("opening keyset: %w", err)
	}
	defer f.Close()
	h, err := insecurecleartextkeyset.Read(keyset.NewJSONReader(f))
	if err != nil {
		return nil, fmt.Errorf("reading keyset %s: %w", g.keysetPath, err)
	}
	path := g.file
	if path == "" {
		if path, err = persist.DefaultPath(); err != nil {
			return nil, err
		}
		path = strings.TrimSuffix(path, ".enc") + ".aead"
	}
	return persist.NewAEADFile(path, h)
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
