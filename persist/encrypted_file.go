package persist

import (
	"bytes"
	"context"
	"crypto/rand"
	"fmt"
	"io"
	"os"
	"sync"

	"golang.org/x/crypto/nacl/secretbox"
	"golang.org/x/crypto/scrypt"
	"golang.org/x/term"
)

// PassphraseEnv is read by the default prompt before asking on the
// terminal.
const PassphraseEnv = "CREDCACHE_PASSPHRASE"

type PassphrasePromptFunc func(prompt string) (passphrase string, err error)

const encryptedFileKeySize = 32
const encryptedFileNonceSize = 24
const encryptedFileSaltSize = 8

// EncryptedFile stores the cache in a file sealed with a key derived from a
// passphrase. The passphrase is requested the first time it is needed and
// kept for the life of the EncryptedFile.
type EncryptedFile struct {
	// Path of the cache file. If empty, DefaultPath is used. A leading ~/ is
	// expanded to the home directory.
	Path string

	// PassphrasePromptFunc is a function that prompts the user to enter a
	// passphrase used to encrypt and decrypt a file.
	PassphrasePromptFunc

	mu         sync.Mutex
	passphrase string
}

var _ Backend = (*EncryptedFile)(nil)

func (e *EncryptedFile) Load(_ context.Context) ([]byte, error) {
	filename, err := resolvePath(e.Path)
	if err != nil {
		return nil, err
	}
	contents, err := readFile(filename)
	if err != nil || contents == nil {
		return nil, err
	}

	if len(contents) < encryptedFileNonceSize+encryptedFileSaltSize {
		return nil, fmt.Errorf("%w: file %q missing nonce", ErrCorrupt, filename)
	}

	// File structure is:
	// 24 bytes: nonce
	// 8 bytes: salt
	// N bytes: ciphertext
	var nonce [encryptedFileNonceSize]byte
	copy(nonce[:], contents)
	var salt [encryptedFileSaltSize]byte
	copy(salt[:], contents[encryptedFileNonceSize:])
	ciphertext := contents[encryptedFileNonceSize+encryptedFileSaltSize:]

	passphrase, err := e.getPassphrase(fmt.Sprintf("Enter passphrase for decrypting %s", filename))
	if err != nil {
		return nil, err
	}

	ek, err := passphraseToKey(passphrase, salt)
	if err != nil {
		return nil, err
	}

	plaintext, ok := secretbox.Open(nil, ciphertext, &nonce, &ek)
	if !ok {
		return nil, fmt.Errorf("%w: file %q could not be decrypted", ErrCorrupt, filename)
	}
	return plaintext, nil
}

func (e *EncryptedFile) Save(_ context.Context, data []byte) error {
	filename, err := resolvePath(e.Path)
	if err != nil {
		return err
	}

	var nonce [encryptedFileNonceSize]byte
	if _, err := io.ReadFull(rand.Reader, nonce[:]); err != nil {
		return fmt.Errorf("failed to generate nonce: %w", err)
	}

	var salt [encryptedFileSaltSize]byte
	if _, err := io.ReadFull(rand.Reader, salt[:]); err != nil {
		return fmt.Errorf("failed to generate salt: %w", err)
	}

	passphrase, err := e.getPassphrase(fmt.Sprintf("Enter passphrase for encrypting %s", filename))
	if err != nil {
		return err
	}

	ek, err := passphraseToKey(passphrase, salt)
	if err != nil {
		return err
	}

	ciphertext := secretbox.Seal(nil, data, &nonce, &ek)

	// Writes to a bytes.Buffer always succeed (or panic)
	buf := new(bytes.Buffer)
	_, _ = buf.Write(nonce[:])
	_, _ = buf.Write(salt[:])
	_, _ = buf.Write(ciphertext)

	return writeFile(filename, buf.Bytes())
}

func (e *EncryptedFile) Available() bool {
	return true
}

func (e *EncryptedFile) getPassphrase(prompt string) (string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.passphrase != "" {
		return e.passphrase, nil
	}
	p, err := e.promptFuncOrDefault()(prompt)
	if err != nil {
		return "", err
	}
	e.passphrase = p
	return p, nil
}

func passphraseToKey(passphrase string, salt [encryptedFileSaltSize]byte) ([encryptedFileKeySize]byte, error) {
	var akey [encryptedFileKeySize]byte

	key, err := scrypt.Key([]byte(passphrase), salt[:], 1<<15, 8, 1, encryptedFileKeySize)
	if err != nil {
		return akey, err
	}

	copy(akey[:], key)
	return akey, nil
}

func (e *EncryptedFile) promptFuncOrDefault() PassphrasePromptFunc {
	if e.PassphrasePromptFunc != nil {
		return e.PassphrasePromptFunc
	}

	return func(prompt string) (string, error) {
		if cp := os.Getenv(PassphraseEnv); cp != "" {
			return cp, nil
		}

		fmt.Fprintf(os.Stderr, "%s: ", prompt)
		passphrase, err := term.ReadPassword(int(os.Stdin.Fd()))
		if err != nil {
			return "", err
		}
		fmt.Fprintln(os.Stderr)

		return string(passphrase), nil
	}
}
