// Package certtest creates certificates for tests.
package certtest

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/asn1"
	"math/big"
	"sync/atomic"
	"testing"
	"time"
)

var oidDomainComponent = asn1.ObjectIdentifier{0, 9, 2342, 19200300, 100, 1, 25}

var serial atomic.Int64

// Options control the generated certificate.
type Options struct {
	CommonName string
	// DomainComponent is added to the subject when set.
	DomainComponent string
	NotBefore       time.Time
	NotAfter        time.Time
}

// New returns a self signed ECDSA P-256 certificate and its key. The
// certificate is parsed back from DER, so its fields are populated the way a
// certificate received from an issuer would be.
func New(t testing.TB, opts Options) (*x509.Certificate, crypto.Signer) {
	t.Helper()

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("generating key: %v", err)
	}

	subject := pkix.Name{CommonName: opts.CommonName}
	if opts.DomainComponent != "" {
		subject.ExtraNames = append(subject.ExtraNames, pkix.AttributeTypeAndValue{
			Type:  oidDomainComponent,
			Value: opts.DomainComponent,
		})
	}

	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(serial.Add(1)),
		Subject:      subject,
		NotBefore:    opts.NotBefore,
		NotAfter:     opts.NotAfter,
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth},
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, key.Public(), key)
	if err != nil {
		t.Fatalf("creating certificate: %v", err)
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		t.Fatalf("parsing certificate: %v", err)
	}
	return cert, key
}

// Must is a helper for values in test tables.
func Must[T any](v T, err error) T {
	if err != nil {
		panic(err)
	}
	return v
}
