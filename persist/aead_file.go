package persist

import (
	"context"
	"errors"
	"fmt"

	"github.com/tink-crypto/tink-go/v2/aead"
	"github.com/tink-crypto/tink-go/v2/keyset"
	"github.com/tink-crypto/tink-go/v2/tink"
)

// AEADFile stores the cache in a file sealed with a Tink AEAD primitive, for
// hosts where a keyset is provisioned rather than a passphrase typed. The
// file path is bound to the ciphertext as associated data, so a file moved
// elsewhere will not open.
type AEADFile struct {
	path string
	aead tink.AEAD
}

var _ Backend = (*AEADFile)(nil)

// NewAEADFile creates an AEADFile at path, sealed with the primary key of
// handle.
func NewAEADFile(path string, handle *keyset.Handle) (*AEADFile, error) {
	if handle == nil {
		return nil, errors.New("a keyset handle must be provided")
	}
	p, err := resolvePath(path)
	if err != nil {
		return nil, err
	}
	a, err := aead.New(handle)
	if err != nil {
		return nil, fmt.Errorf("creating aead primitive: %w", err)
	}
	return &AEADFile{path: p, aead: a}, nil
}

func (f *AEADFile) Load(_ context.Context) ([]byte, error) {
	ct, err := readFile(f.path)
	if err != nil || ct == nil {
		return nil, err
	}
	pt, err := f.aead.Decrypt(ct, []byte(f.path))
	if err != nil {
		return nil, fmt.Errorf("%w: file %q: %w", ErrCorrupt, f.path, err)
	}
	return pt, nil
}

func (f *AEADFile) Save(_ context.Context, data []byte) error {
	ct, err := f.aead.Encrypt(data, []byte(f.path))
	if err != nil {
		return fmt.Errorf("encrypting cache: %w", err)
	}
	return writeFile(f.path, ct)
}

func (f *AEADFile) Available() bool {
	return true
}
