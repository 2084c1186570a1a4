package signatures

import (
	"bytes"
	"crypto/x509"
	"encoding/pem"
	"fmt"
)

// TrustStore is an injected set of trust anchors. It never consults the
// host certificate store unless built with NewTrustStoreFromSystem.
type TrustStore struct {
	anchors []*x509.Certificate
	system  *x509.CertPool
}

// NewTrustStore creates an empty trust store.
func NewTrustStore(anchors ...*x509.Certificate) *TrustStore {
	ts := &TrustStore{}
	for _, cert := range anchors {
		ts.AddCertificate(cert)
	}
	return ts
}

// NewTrustStoreFromSystem creates a trust store that also accepts roots from
// the platform certificate store.
func NewTrustStoreFromSystem() (*TrustStore, error) {
	system, err := x509.SystemCertPool()
	if err != nil {
		return nil, err
	}
	ts := NewTrustStore()
	ts.system = system
	return ts, nil
}

// AddCertificate adds a trust anchor.
func (ts *TrustStore) AddCertificate(cert *x509.Certificate) {
	if ts.Contains(cert) {
		return
	}
	ts.anchors = append(ts.anchors, cert)
}

// AddCertificatePEM adds every certificate in PEM data.
func (ts *TrustStore) AddCertificatePEM(pemData []byte) error {
	added := 0
	for {
		var block *pem.Block
		block, pemData = pem.Decode(pemData)
		if block == nil {
			break
		}
		if block.Type != "CERTIFICATE" {
			continue
		}
		cert, err := x509.ParseCertificate(block.Bytes)
		if err != nil {
			return fmt.Errorf("parse certificate: %w", err)
		}
		ts.AddCertificate(cert)
		added++
	}
	if added == 0 {
		return fmt.Errorf("failed to parse PEM certificate")
	}
	return nil
}

// Contains reports whether the certificate is an injected anchor.
func (ts *TrustStore) Contains(cert *x509.Certificate) bool {
	if ts == nil || cert == nil {
		return false
	}
	for _, anchor := range ts.anchors {
		if bytes.Equal(anchor.Raw, cert.Raw) {
			return true
		}
	}
	return false
}

// Anchors returns the injected anchors.
func (ts *TrustStore) Anchors() []*x509.Certificate {
	if ts == nil {
		return nil
	}
	return ts.anchors
}

// IsTrusted reports whether any certificate of the chain is an anchor, or
// the root chains to the platform store when enabled.
func (ts *TrustStore) IsTrusted(chain CertificateChain) bool {
	if ts == nil || len(chain) == 0 {
		return false
	}
	for _, cert := range chain {
		if ts.Contains(cert) {
			return true
		}
	}
	if ts.system != nil {
		root := chain.Root()
		if _, err := root.Verify(x509.VerifyOptions{Roots: ts.system, KeyUsages: []x509.ExtKeyUsage{x509.ExtKeyUsageAny}}); err == nil {
			return true
		}
	}
	return false
}
