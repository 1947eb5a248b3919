package persist

import (
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"os"
	"os/exec"
	"runtime"
)

// KeychainCLI uses /usr/bin/security to store the cache in the macOS
// keychain. This is flexible and doesn't require CGO, however any other
// process can read the item via the command.
type KeychainCLI struct {
	// Service and Account name the keychain item. They default to
	// "credcache" and "default".
	Service string
	Account string
}

var _ Backend = (*KeychainCLI)(nil)

func (k *KeychainCLI) names() (service, account string) {
	service, account = k.Service, k.Account
	if service == "" {
		service = "credcache"
	}
	if account == "" {
		account = "default"
	}
	return service, account
}

func (k *KeychainCLI) Load(ctx context.Context) ([]byte, error) {
	service, account := k.names()
	cmd := exec.CommandContext(ctx,
		"/usr/bin/security",
		"find-generic-password",
		"-s", service,
		"-a", account,
		"-w",
	)

	out, err := cmd.CombinedOutput()
	if err != nil {
		if bytes.Contains(out, []byte("could not be found")) {
			return nil, nil
		}

		return nil, fmt.Errorf("%s: %w", string(out), err)
	}

	data, err := base64.StdEncoding.DecodeString(string(bytes.TrimSpace(out)))
	if err != nil {
		return nil, fmt.Errorf("%w: keychain item: %w", ErrCorrupt, err)
	}
	return data, nil
}

func (k *KeychainCLI) Save(ctx context.Context, data []byte) error {
	service, account := k.names()
	cmd := exec.CommandContext(ctx,
		"/usr/bin/security",
		"add-generic-password",
		"-s", service,
		"-a", account,
		"-w", base64.StdEncoding.EncodeToString(data),
		"-U",
	)

	out, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("%s: %w", string(out), err)
	}

	return nil
}

func (k *KeychainCLI) Available() bool {
	if runtime.GOOS != "darwin" {
		return false
	}

	_, err := os.Stat("/usr/bin/security")

	return err == nil
}
