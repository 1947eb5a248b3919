package mtls

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"fmt"
)

var probeMessage = []byte("credcache key usability probe")

// SignerUsable checks an entry's private key by signing a probe with it and
// verifying the signature against the certificate's public key. A key that
// no longer matches the certificate, or that fails to sign, e.g. a hardware
// bound key lost across a reboot, is not usable.
func SignerUsable(e *CertificateEntry) (bool, error) {
	pub, ok := e.key.Public().(interface{ Equal(crypto.PublicKey) bool })
	if !ok {
		return false, fmt.Errorf("public key type %T can not be compared", e.key.Public())
	}
	if !pub.Equal(e.cert.PublicKey) {
		return false, nil
	}

	digest := sha256.Sum256(probeMessage)
	switch certKey := e.cert.PublicKey.(type) {
	case *ecdsa.PublicKey:
		sig, err := e.key.Sign(rand.Reader, digest[:], crypto.SHA256)
		if err != nil {
			return false, fmt.Errorf("signing probe: %w", err)
		}
		return ecdsa.VerifyASN1(certKey, digest[:], sig), nil
	case *rsa.PublicKey:
		sig, err := e.key.Sign(rand.Reader, digest[:], crypto.SHA256)
		if err != nil {
			return false, fmt.Errorf("signing probe: %w", err)
		}
		return rsa.VerifyPKCS1v15(certKey, crypto.SHA256, digest[:], sig) == nil, nil
	case ed25519.PublicKey:
		sig, err := e.key.Sign(rand.Reader, probeMessage, crypto.Hash(0))
		if err != nil {
			return false, fmt.Errorf("signing probe: %w", err)
		}
		return ed25519.Verify(certKey, probeMessage, sig), nil
	default:
		return false, fmt.Errorf("unsupported public key type %T", certKey)
	}
}
