package signing

import (
	"archive/zip"
	"bytes"
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/willibrandon/nusign/packaging"
	"github.com/willibrandon/nusign/packaging/signatures"
	"github.com/willibrandon/nusign/packaging/signatures/signaturestest"
)

const testServiceIndex = "https://api.example.test/v3/index.json"

// newPackage returns an unsigned package archive holding name/content pairs.
func newPackage(t *testing.T, pairs ...string) []byte {
	t.Helper()
	if len(pairs) == 0 {
		pairs = []string{
			"Contoso.Utils.nuspec", `<package><metadata><id>Contoso.Utils</id></metadata></package>`,
			"lib/net8.0/Contoso.Utils.dll", "binary payload",
			"[Content_Types].xml", "<Types/>",
		}
	}
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for i := 0; i+1 < len(pairs); i += 2 {
		w, err := zw.Create(pairs[i])
		require.NoError(t, err)
		_, err = w.Write([]byte(pairs[i+1]))
		require.NoError(t, err)
	}
	require.NoError(t, zw.Close())
	return buf.Bytes()
}

// testPKI is a root with a code signing leaf and a timestamp server.
type testPKI struct {
	root   *signaturestest.Identity
	leaf   *signaturestest.Identity
	tsa    *signaturestest.TimestampAuthority
	tsaURL string
}

func newTestPKI(t *testing.T) *testPKI {
	t.Helper()
	root := signaturestest.NewRootCA(t, "Test Root")
	tsa, server := signaturestest.NewTimestampServer(t, root)
	return &testPKI{
		root:   root,
		leaf:   root.NewCodeSigningLeaf(t, "Contoso Signing"),
		tsa:    tsa,
		tsaURL: server.URL,
	}
}

func (p *testPKI) request(sigType signatures.SignatureType) *SignPackageRequest {
	return p.requestFor(p.leaf, sigType)
}

func (p *testPKI) requestFor(id *signaturestest.Identity, sigType signatures.SignatureType) *SignPackageRequest {
	req := &SignPackageRequest{
		Certificate:   id.Certificate,
		Chain:         id.Chain,
		Signer:        id.Key,
		SignatureType: sigType,
		TimestampURL:  p.tsaURL,
	}
	if sigType == signatures.SignatureTypeRepository {
		req.V3ServiceIndexURL = testServiceIndex
		req.PackageOwners = []string{"contoso", "fabrikam"}
	}
	return req
}

func (p *testPKI) trustOptions() TrustOptions {
	return TrustOptions{
		TrustStore:   signaturestest.TrustStore(p.root),
		Certificates: signaturestest.Pool(p.tsa.Identity),
	}
}

func (p *testPKI) verifier() *PackageSignatureVerifier {
	return NewPackageSignatureVerifier(DefaultVerificationProviders(p.trustOptions()), nil)
}

// signPackage signs pkg and returns the signed archive.
func signPackage(t *testing.T, pkg []byte, req *SignPackageRequest, overwrite bool) []byte {
	t.Helper()
	out, err := trySign(context.Background(), pkg, req, overwrite)
	require.NoError(t, err)
	return out
}

func trySign(ctx context.Context, pkg []byte, req *SignPackageRequest, overwrite bool) ([]byte, error) {
	var out bytes.Buffer
	err := Sign(ctx, &SigningOptions{
		Input:     bytes.NewReader(pkg),
		InputSize: int64(len(pkg)),
		Output:    &out,
		Overwrite: overwrite,
	}, req)
	return out.Bytes(), err
}

func openPackage(t *testing.T, pkg []byte) *packaging.PackageReader {
	t.Helper()
	r, err := packaging.OpenPackageFromReaderAt(bytes.NewReader(pkg), int64(len(pkg)))
	require.NoError(t, err)
	return r
}

func primaryOf(t *testing.T, pkg []byte) *signatures.PrimarySignature {
	t.Helper()
	primary, err := openPackage(t, pkg).GetPrimarySignature(context.Background())
	require.NoError(t, err)
	return primary
}

func unsign(t *testing.T, pkg []byte) []byte {
	t.Helper()
	var out bytes.Buffer
	require.NoError(t, packaging.RemoveSignature(context.Background(), bytes.NewReader(pkg), int64(len(pkg)), &out))
	return out.Bytes()
}

// withSignature writes sig into the unsigned package pkg.
func withSignature(t *testing.T, pkg, sig []byte) []byte {
	t.Helper()
	var out bytes.Buffer
	require.NoError(t, packaging.AddSignature(context.Background(), bytes.NewReader(pkg), int64(len(pkg)), sig, &out))
	return out.Bytes()
}

// testSettings is the verify command policy without network revocation.
func testSettings() signatures.VerifierSettings {
	s := signatures.VerifyCommandDefault()
	s.RevocationMode = signatures.RevocationNoCheck
	return s
}

func requireCode(t *testing.T, err error, code signatures.LogCode) {
	t.Helper()
	var sigErr *signatures.SignatureError
	require.True(t, errors.As(err, &sigErr), "expected *SignatureError, got %v", err)
	require.Equal(t, code, sigErr.Code)
}

func issueCodes(issues []signatures.SignatureLog) []signatures.LogCode {
	codes := make([]signatures.LogCode, 0, len(issues))
	for _, issue := range issues {
		codes = append(codes, issue.Code)
	}
	return codes
}
