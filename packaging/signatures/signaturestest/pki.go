// Package signaturestest provides a throwaway PKI, an RFC 3161 timestamp
// authority and revocation responders for tests of signing code.
package signaturestest

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"math/big"
	"sync/atomic"
	"testing"
	"time"
)

var serial atomic.Int64

func nextSerial() *big.Int {
	return big.NewInt(1000 + serial.Add(1))
}

// Identity is a certificate together with its private key and issuers.
type Identity struct {
	Certificate *x509.Certificate
	Key         crypto.Signer

	// Chain holds the issuers up to and including the root.
	Chain []*x509.Certificate
}

// Certificates returns the certificate followed by its chain.
func (id *Identity) Certificates() []*x509.Certificate {
	return append([]*x509.Certificate{id.Certificate}, id.Chain...)
}

// Root returns the last certificate of the chain.
func (id *Identity) Root() *x509.Certificate {
	if len(id.Chain) == 0 {
		return id.Certificate
	}
	return id.Chain[len(id.Chain)-1]
}

// CertOptions customizes generated certificates. Zero values pick defaults:
// a P-256 key, validity from an hour ago to a year from now.
type CertOptions struct {
	CommonName  string
	ExtKeyUsage []x509.ExtKeyUsage
	NotBefore   time.Time
	NotAfter    time.Time

	// RSABits selects an RSA key of that size instead of ECDSA.
	RSABits int

	OCSPServer            []string
	CRLDistributionPoints []string
	IssuingCertificateURL []string
}

func (o CertOptions) validity() (time.Time, time.Time) {
	notBefore, notAfter := o.NotBefore, o.NotAfter
	if notBefore.IsZero() {
		notBefore = time.Now().Add(-time.Hour)
	}
	if notAfter.IsZero() {
		notAfter = time.Now().AddDate(1, 0, 0)
	}
	return notBefore, notAfter
}

// NewKey generates a private key: RSA when bits > 0, P-256 otherwise.
func NewKey(t testing.TB, bits int) crypto.Signer {
	t.Helper()
	if bits > 0 {
		key, err := rsa.GenerateKey(rand.Reader, bits)
		if err != nil {
			t.Fatalf("generate RSA key: %v", err)
		}
		return key
	}
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("generate ECDSA key: %v", err)
	}
	return key
}

// NewRootCA creates a self-signed certificate authority.
func NewRootCA(t testing.TB, name string) *Identity {
	t.Helper()
	key := NewKey(t, 0)
	template := caTemplate(name, CertOptions{})
	cert := createCertificate(t, template, template, key.Public(), key)
	return &Identity{Certificate: cert, Key: key}
}

// NewRootCAWithKey creates a self-signed authority for an existing key.
// Two calls with the same name and key yield interchangeable issuers.
func NewRootCAWithKey(t testing.TB, name string, key crypto.Signer) *Identity {
	t.Helper()
	template := caTemplate(name, CertOptions{})
	cert := createCertificate(t, template, template, key.Public(), key)
	return &Identity{Certificate: cert, Key: key}
}

// NewIntermediateCA creates a certificate authority issued by ca.
func (ca *Identity) NewIntermediateCA(t testing.TB, name string) *Identity {
	t.Helper()
	return ca.NewCA(t, CertOptions{CommonName: name})
}

// NewCA creates a certificate authority issued by ca with custom options.
func (ca *Identity) NewCA(t testing.TB, opts CertOptions) *Identity {
	t.Helper()
	key := NewKey(t, opts.RSABits)
	cert := createCertificate(t, caTemplate(opts.CommonName, opts), ca.Certificate, key.Public(), ca.Key)
	return &Identity{Certificate: cert, Key: key, Chain: ca.Certificates()}
}

// NewLeaf issues an end-entity certificate.
func (ca *Identity) NewLeaf(t testing.TB, opts CertOptions) *Identity {
	t.Helper()
	key := NewKey(t, opts.RSABits)
	notBefore, notAfter := opts.validity()
	template := &x509.Certificate{
		SerialNumber:          nextSerial(),
		Subject:               pkix.Name{CommonName: opts.CommonName, Organization: []string{"nusign tests"}},
		NotBefore:             notBefore,
		NotAfter:              notAfter,
		KeyUsage:              x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           opts.ExtKeyUsage,
		BasicConstraintsValid: true,
		OCSPServer:            opts.OCSPServer,
		CRLDistributionPoints: opts.CRLDistributionPoints,
		IssuingCertificateURL: opts.IssuingCertificateURL,
	}
	cert := createCertificate(t, template, ca.Certificate, key.Public(), ca.Key)
	return &Identity{Certificate: cert, Key: key, Chain: ca.Certificates()}
}

// NewCodeSigningLeaf issues a code signing certificate.
func (ca *Identity) NewCodeSigningLeaf(t testing.TB, name string) *Identity {
	t.Helper()
	return ca.NewLeaf(t, CertOptions{CommonName: name, ExtKeyUsage: []x509.ExtKeyUsage{x509.ExtKeyUsageCodeSigning}})
}

// NewTimestampingLeaf issues a timestamp authority certificate.
func (ca *Identity) NewTimestampingLeaf(t testing.TB, name string) *Identity {
	t.Helper()
	return ca.NewLeaf(t, CertOptions{CommonName: name, ExtKeyUsage: []x509.ExtKeyUsage{x509.ExtKeyUsageTimeStamping}})
}

// NewCrossSignedPair returns two authorities that issued each other, plus a
// code signing leaf under the first. Chain building from the leaf loops.
func NewCrossSignedPair(t testing.TB) (a, b, leaf *Identity) {
	t.Helper()
	keyA, keyB := NewKey(t, 0), NewKey(t, 0)
	templateA := caTemplate("Cross A", CertOptions{})
	templateB := caTemplate("Cross B", CertOptions{})

	certA := createCertificate(t, templateA, templateB, keyA.Public(), keyB)
	certB := createCertificate(t, templateB, templateA, keyB.Public(), keyA)
	a = &Identity{Certificate: certA, Key: keyA, Chain: []*x509.Certificate{certB}}
	b = &Identity{Certificate: certB, Key: keyB, Chain: []*x509.Certificate{certA}}
	leaf = a.NewCodeSigningLeaf(t, "Cross Leaf")
	return a, b, leaf
}

func caTemplate(name string, opts CertOptions) *x509.Certificate {
	notBefore, notAfter := opts.validity()
	if opts.NotAfter.IsZero() {
		notAfter = time.Now().AddDate(5, 0, 0)
	}
	return &x509.Certificate{
		SerialNumber:          nextSerial(),
		Subject:               pkix.Name{CommonName: name, Organization: []string{"nusign tests"}},
		NotBefore:             notBefore,
		NotAfter:              notAfter,
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageCRLSign | x509.KeyUsageDigitalSignature,
		BasicConstraintsValid: true,
		IsCA:                  true,
		OCSPServer:            opts.OCSPServer,
		CRLDistributionPoints: opts.CRLDistributionPoints,
		IssuingCertificateURL: opts.IssuingCertificateURL,
	}
}

func createCertificate(t testing.TB, template, parent *x509.Certificate, pub crypto.PublicKey, key crypto.Signer) *x509.Certificate {
	t.Helper()
	der, err := x509.CreateCertificate(rand.Reader, template, parent, pub, key)
	if err != nil {
		t.Fatalf("create certificate %q: %v", template.Subject.CommonName, err)
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		t.Fatalf("parse certificate: %v", err)
	}
	return cert
}
