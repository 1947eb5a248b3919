package mtls

import (
	"crypto"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"slices"
	"time"
)

// CertificateEntry is an issued client certificate with its private key and
// the response that carried it. The validity window is read from the
// certificate when the entry is created, and never changes.
type CertificateEntry struct {
	cert      *x509.Certificate
	key       crypto.Signer
	response  []byte
	notBefore time.Time
	notAfter  time.Time
	createdAt time.Time
}

// NewCertificateEntry creates an entry. response is the issuance response,
// it is stored as is.
func NewCertificateEntry(cert *x509.Certificate, key crypto.Signer, response []byte, createdAt time.Time) (*CertificateEntry, error) {
	if cert == nil {
		return nil, fmt.Errorf("%w: certificate must be provided", ErrInvalidEntry)
	}
	if cert.PublicKey == nil {
		return nil, fmt.Errorf("%w: certificate has no public key", ErrInvalidEntry)
	}
	if key == nil {
		return nil, fmt.Errorf("%w: private key must be provided", ErrInvalidEntry)
	}
	return &CertificateEntry{
		cert:      cert,
		key:       key,
		response:  slices.Clone(response),
		notBefore: cert.NotBefore,
		notAfter:  cert.NotAfter,
		createdAt: createdAt,
	}, nil
}

// Certificate returns the cached certificate.
func (e *CertificateEntry) Certificate() *x509.Certificate { return e.cert }

// Signer returns the private key bound to the certificate.
func (e *CertificateEntry) Signer() crypto.Signer { return e.key }

// NotBefore is the start of the certificate's validity window.
func (e *CertificateEntry) NotBefore() time.Time { return e.notBefore }

// NotAfter is the end of the certificate's validity window.
func (e *CertificateEntry) NotAfter() time.Time { return e.notAfter }

// CreatedAt is when the entry was issued to the cache.
func (e *CertificateEntry) CreatedAt() time.Time { return e.createdAt }

// Response returns a copy of the issuance response.
func (e *CertificateEntry) Response() []byte { return slices.Clone(e.response) }

// TLSCertificate returns the certificate in the form used by a tls.Config
// for client authentication.
func (e *CertificateEntry) TLSCertificate() tls.Certificate {
	return tls.Certificate{
		Certificate: [][]byte{e.cert.Raw},
		PrivateKey:  e.key,
		Leaf:        e.cert,
	}
}

// compareFreshness orders the fresher entry first: later NotBefore, then
// later NotAfter, then later CreatedAt.
func compareFreshness(a, b *CertificateEntry) int {
	if c := b.notBefore.Compare(a.notBefore); c != 0 {
		return c
	}
	if c := b.notAfter.Compare(a.notAfter); c != 0 {
		return c
	}
	return b.createdAt.Compare(a.createdAt)
}
