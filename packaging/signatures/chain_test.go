package signatures_test

import (
	"bytes"
	"context"
	"crypto/x509"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/willibrandon/nusign/packaging/signatures"
	"github.com/willibrandon/nusign/packaging/signatures/signaturestest"
)

func TestBuildChain(t *testing.T) {
	root := signaturestest.NewRootCA(t, "Chain Root")
	intermediate := root.NewIntermediateCA(t, "Chain Intermediate")
	leaf := intermediate.NewCodeSigningLeaf(t, "Chain Leaf")

	chain, err := signatures.BuildChain(context.Background(), leaf.Certificate, signatures.ChainOptions{
		Certificates: leaf.Certificates(),
		TrustStore:   signaturestest.TrustStore(root),
	})
	if err != nil {
		t.Fatalf("BuildChain() error = %v", err)
	}
	if len(chain) != 3 {
		t.Fatalf("len(chain) = %d, want 3", len(chain))
	}
	if chain.Leaf() != leaf.Certificate {
		t.Error("Leaf() is not the signing certificate")
	}
	if !bytes.Equal(chain.IssuerOf(0).Raw, intermediate.Certificate.Raw) {
		t.Error("IssuerOf(0) is not the intermediate")
	}
	if !bytes.Equal(chain.Root().Raw, root.Certificate.Raw) {
		t.Error("Root() is not the root certificate")
	}
}

func TestBuildChain_RootFromTrustStore(t *testing.T) {
	root := signaturestest.NewRootCA(t, "Anchor Root")
	leaf := root.NewCodeSigningLeaf(t, "Leaf")

	chain, err := signatures.BuildChain(context.Background(), leaf.Certificate, signatures.ChainOptions{
		Certificates: []*x509.Certificate{leaf.Certificate},
		TrustStore:   signaturestest.TrustStore(root),
	})
	if err != nil {
		t.Fatalf("BuildChain() error = %v", err)
	}
	if len(chain) != 2 {
		t.Errorf("len(chain) = %d, want 2", len(chain))
	}
}

func TestBuildChain_Incomplete(t *testing.T) {
	root := signaturestest.NewRootCA(t, "Root")
	intermediate := root.NewIntermediateCA(t, "Missing Intermediate")
	leaf := intermediate.NewCodeSigningLeaf(t, "Leaf")

	_, err := signatures.BuildChain(context.Background(), leaf.Certificate, signatures.ChainOptions{
		Certificates: []*x509.Certificate{leaf.Certificate, root.Certificate},
	})
	var buildErr *signatures.ChainBuildError
	if !errors.As(err, &buildErr) {
		t.Fatalf("BuildChain() error = %v, want *ChainBuildError", err)
	}
	if buildErr.Reason != signatures.ChainIncomplete {
		t.Errorf("Reason = %v, want ChainIncomplete", buildErr.Reason)
	}
	if buildErr.Certificate != leaf.Certificate {
		t.Error("error should name the certificate whose issuer is missing")
	}
}

func TestBuildChain_Cycle(t *testing.T) {
	a, b, leaf := signaturestest.NewCrossSignedPair(t)

	_, err := signatures.BuildChain(context.Background(), leaf.Certificate, signatures.ChainOptions{
		Certificates: []*x509.Certificate{leaf.Certificate, a.Certificate, b.Certificate},
	})
	var buildErr *signatures.ChainBuildError
	if !errors.As(err, &buildErr) {
		t.Fatalf("BuildChain() error = %v, want *ChainBuildError", err)
	}
	if buildErr.Reason != signatures.ChainCycle {
		t.Errorf("Reason = %v, want ChainCycle", buildErr.Reason)
	}
}

func TestBuildChain_PrefersTrustAnchor(t *testing.T) {
	first := signaturestest.NewRootCA(t, "Shared Root")
	second := signaturestest.NewRootCAWithKey(t, "Shared Root", first.Key)
	leaf := first.NewCodeSigningLeaf(t, "Leaf")
	pool := []*x509.Certificate{leaf.Certificate, first.Certificate, second.Certificate}

	chain, err := signatures.BuildChain(context.Background(), leaf.Certificate, signatures.ChainOptions{
		Certificates: pool,
		TrustStore:   signatures.NewTrustStore(second.Certificate),
	})
	if err != nil {
		t.Fatalf("BuildChain() error = %v", err)
	}
	if !bytes.Equal(chain.Root().Raw, second.Certificate.Raw) {
		t.Error("the trusted root should win over an earlier candidate")
	}

	chain, err = signatures.BuildChain(context.Background(), leaf.Certificate, signatures.ChainOptions{Certificates: pool})
	if err != nil {
		t.Fatalf("BuildChain() error = %v", err)
	}
	if !bytes.Equal(chain.Root().Raw, first.Certificate.Raw) {
		t.Error("without anchors the first discovered root should win")
	}
}

func TestBuildChain_FetchesIssuer(t *testing.T) {
	root := signaturestest.NewRootCA(t, "AIA Root")
	intermediate := root.NewIntermediateCA(t, "AIA Intermediate")

	var hits atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.Header().Set("Content-Type", "application/pkix-cert")
		_, _ = w.Write(intermediate.Certificate.Raw)
	}))
	defer server.Close()

	leaf := intermediate.NewLeaf(t, signaturestest.CertOptions{
		CommonName:            "AIA Leaf",
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageCodeSigning},
		IssuingCertificateURL: []string{server.URL + "/intermediate.cer"},
	})

	opts := signatures.ChainOptions{
		Certificates: []*x509.Certificate{leaf.Certificate},
		TrustStore:   signaturestest.TrustStore(root),
	}
	if _, err := signatures.BuildChain(context.Background(), leaf.Certificate, opts); err == nil {
		t.Fatal("BuildChain() without a fetcher should fail")
	}

	opts.Fetcher = signatures.NewAIAIssuerFetcher(nil, nil)
	chain, err := signatures.BuildChain(context.Background(), leaf.Certificate, opts)
	if err != nil {
		t.Fatalf("BuildChain() error = %v", err)
	}
	if len(chain) != 3 {
		t.Errorf("len(chain) = %d, want 3", len(chain))
	}
	if n := hits.Load(); n != 1 {
		t.Errorf("issuer fetched %d times, want 1", n)
	}
}

func TestBuildChain_FetcherFailure(t *testing.T) {
	root := signaturestest.NewRootCA(t, "AIA Root")
	intermediate := root.NewIntermediateCA(t, "AIA Intermediate")

	server := httptest.NewServer(http.NotFoundHandler())
	defer server.Close()

	leaf := intermediate.NewLeaf(t, signaturestest.CertOptions{
		CommonName:            "AIA Leaf",
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageCodeSigning},
		IssuingCertificateURL: []string{server.URL + "/missing.cer"},
	})

	_, err := signatures.BuildChain(context.Background(), leaf.Certificate, signatures.ChainOptions{
		Certificates: []*x509.Certificate{leaf.Certificate},
		Fetcher:      signatures.NewAIAIssuerFetcher(nil, nil),
	})
	var buildErr *signatures.ChainBuildError
	if !errors.As(err, &buildErr) || buildErr.Reason != signatures.ChainIncomplete {
		t.Fatalf("BuildChain() error = %v, want ChainIncomplete", err)
	}
	if buildErr.Err == nil {
		t.Error("fetch failure should be wrapped")
	}
}

func TestBuildChain_Cancelled(t *testing.T) {
	root := signaturestest.NewRootCA(t, "Root")
	leaf := root.NewIntermediateCA(t, "Intermediate").NewLeaf(t, signaturestest.CertOptions{
		CommonName:            "Leaf",
		IssuingCertificateURL: []string{"http://127.0.0.1:1/issuer.cer"},
	})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := signatures.BuildChain(ctx, leaf.Certificate, signatures.ChainOptions{
		Certificates: []*x509.Certificate{leaf.Certificate},
		Fetcher:      signatures.NewAIAIssuerFetcher(nil, nil),
	})
	if !errors.Is(err, context.Canceled) {
		t.Errorf("BuildChain() error = %v, want context.Canceled", err)
	}
}

func TestVerifyChainTrust(t *testing.T) {
	root := signaturestest.NewRootCA(t, "Trusted Root")
	leaf := root.NewCodeSigningLeaf(t, "Leaf")
	untrusted := signaturestest.NewRootCA(t, "Other Root")

	tests := []struct {
		name           string
		store          *signatures.TrustStore
		pool           []*x509.Certificate
		allowUntrusted bool
		wantFlags      signatures.StatusFlags
		wantLevel      signatures.LogLevel
		wantIssues     int
	}{
		{"trusted", signaturestest.TrustStore(root), leaf.Certificates(), false, signatures.StatusNoErrors, 0, 0},
		{"untrusted root", signaturestest.TrustStore(untrusted), leaf.Certificates(), false, signatures.StatusUntrustedRoot, signatures.LogLevelError, 1},
		{"untrusted root allowed", signaturestest.TrustStore(untrusted), leaf.Certificates(), true, signatures.StatusUntrustedRoot, signatures.LogLevelWarning, 1},
		{"chain not built", nil, []*x509.Certificate{leaf.Certificate}, false, signatures.StatusChainBuildingFailure, signatures.LogLevelError, 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var log []signatures.SignatureLog
			_, flags, err := signatures.VerifyChainTrust(context.Background(), leaf.Certificate, signatures.ChainTrustOptions{
				Chain:          signatures.ChainOptions{Certificates: tt.pool, TrustStore: tt.store},
				Code:           signatures.NU3018,
				AllowUntrusted: tt.allowUntrusted,
			}, &log)
			if err != nil {
				t.Fatalf("VerifyChainTrust() error = %v", err)
			}
			if flags != tt.wantFlags {
				t.Errorf("flags = %v, want %v", flags, tt.wantFlags)
			}
			if len(log) != tt.wantIssues {
				t.Fatalf("len(log) = %d, want %d: %v", len(log), tt.wantIssues, log)
			}
			if tt.wantIssues > 0 {
				if log[0].Level != tt.wantLevel || log[0].Code != signatures.NU3018 {
					t.Errorf("issue = %v, want %v %s", log[0], tt.wantLevel, signatures.NU3018)
				}
			}
		})
	}
}
