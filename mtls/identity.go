package mtls

import (
	"fmt"
	"strings"
)

// IdentityKind is how a managed identity is selected.
type IdentityKind string

const (
	SystemAssigned         IdentityKind = "system"
	UserAssignedClientID   IdentityKind = "client-id"
	UserAssignedResourceID IdentityKind = "resource-id"
	UserAssignedObjectID   IdentityKind = "object-id"
)

// IdentityKey identifies the managed identity configuration and token type a
// certificate was issued for. It is comparable, and used directly as a map
// key.
type IdentityKey struct {
	Kind IdentityKind
	// ID is the identifier for user assigned identities, empty for the
	// system assigned identity.
	ID string
	// TokenType is the type of token the certificate is used to obtain,
	// e.g. "Bearer" or "mtls_pop".
	TokenType string
}

// String renders the key for logging.
func (k IdentityKey) String() string {
	var sb strings.Builder
	sb.WriteString(string(k.Kind))
	if k.ID != "" {
		sb.WriteString(":")
		sb.WriteString(k.ID)
	}
	if k.TokenType != "" {
		sb.WriteString("/")
		sb.WriteString(k.TokenType)
	}
	return sb.String()
}

func (k IdentityKey) validate() error {
	switch k.Kind {
	case SystemAssigned:
		return nil
	case UserAssignedClientID, UserAssignedResourceID, UserAssignedObjectID:
		if strings.TrimSpace(k.ID) == "" {
			return fmt.Errorf("%w: %s identity requires an id", ErrInvalidKey, k.Kind)
		}
		return nil
	case "":
		return fmt.Errorf("%w: kind must be set", ErrInvalidKey)
	default:
		return fmt.Errorf("%w: unknown kind %q", ErrInvalidKey, k.Kind)
	}
}

// metadataKey is the key the metadata cache stores responses under. Both
// token types share one entry.
func (k IdentityKey) metadataKey() IdentityKey {
	k.TokenType = ""
	return k
}
