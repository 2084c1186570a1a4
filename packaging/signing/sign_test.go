package signing

import (
	"bytes"
	"context"
	"crypto/x509"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/willibrandon/nusign/packaging/signatures"
	"github.com/willibrandon/nusign/packaging/signatures/signaturestest"
)

func TestSign_Author(t *testing.T) {
	pki := newTestPKI(t)
	pkg := newPackage(t)

	signed := signPackage(t, pkg, pki.request(signatures.SignatureTypeAuthor), false)

	primary := primaryOf(t, signed)
	assert.Equal(t, signatures.SignatureTypeAuthor, primary.Type)
	assert.True(t, primary.SignerCertificate.Equal(pki.leaf.Certificate))
	assert.Nil(t, primary.RepositoryCountersignature)
	require.Len(t, primary.Timestamps, 1)
	assert.Equal(t, 1, pki.tsa.Requests())

	result, err := pki.verifier().VerifySignatures(context.Background(), openPackage(t, signed), testSettings())
	require.NoError(t, err)
	assert.True(t, result.Valid, "errors: %v", result.GetErrorIssues())
	assert.True(t, result.Signed)
	require.Len(t, result.Results, 1)
	assert.Equal(t, signatures.VerificationValid, result.Results[0].Status)

	assert.Equal(t, pkg, unsign(t, signed), "removing the signature restores the original archive")
}

func TestSign_HashAlgorithms(t *testing.T) {
	pki := newTestPKI(t)
	pkg := newPackage(t)

	for _, alg := range []signatures.HashAlgorithmName{signatures.HashAlgorithmSHA384, signatures.HashAlgorithmSHA512} {
		t.Run(string(alg), func(t *testing.T) {
			req := pki.request(signatures.SignatureTypeAuthor)
			req.SignatureHashAlgorithm = alg
			req.TimestampHashAlgorithm = alg

			signed := signPackage(t, pkg, req, false)
			primary := primaryOf(t, signed)
			assert.Equal(t, alg, primary.HashAlgorithm)
			assert.Equal(t, alg, primary.Content.HashAlgorithm)
			require.Len(t, primary.Timestamps, 1)
			assert.Equal(t, alg, primary.Timestamps[0].HashAlgorithm)

			result, err := pki.verifier().VerifySignatures(context.Background(), openPackage(t, signed), testSettings())
			require.NoError(t, err)
			assert.True(t, result.Valid, "errors: %v", result.GetErrorIssues())
		})
	}
}

func TestSign_WithoutTimestamp(t *testing.T) {
	pki := newTestPKI(t)
	req := pki.request(signatures.SignatureTypeAuthor)
	req.TimestampURL = ""

	signed := signPackage(t, newPackage(t), req, false)

	assert.Empty(t, primaryOf(t, signed).Timestamps)
	assert.Zero(t, pki.tsa.Requests())
}

func TestSign_AuthorConflict(t *testing.T) {
	pki := newTestPKI(t)
	signed := signPackage(t, newPackage(t), pki.request(signatures.SignatureTypeAuthor), false)

	other := pki.root.NewCodeSigningLeaf(t, "Fabrikam Signing")
	_, err := trySign(context.Background(), signed, pki.requestFor(other, signatures.SignatureTypeAuthor), false)
	requireCode(t, err, signatures.NU3001)

	resigned := signPackage(t, signed, pki.requestFor(other, signatures.SignatureTypeAuthor), true)
	assert.True(t, primaryOf(t, resigned).SignerCertificate.Equal(other.Certificate))
	assert.Equal(t, unsign(t, signed), unsign(t, resigned))
}

func TestSign_RepositoryPrimary(t *testing.T) {
	pki := newTestPKI(t)
	signed := signPackage(t, newPackage(t), pki.request(signatures.SignatureTypeRepository), false)

	primary := primaryOf(t, signed)
	assert.Equal(t, signatures.SignatureTypeRepository, primary.Type)
	assert.Equal(t, testServiceIndex, primary.V3ServiceIndexURL)
	assert.Equal(t, []string{"contoso", "fabrikam"}, primary.PackageOwners)

	_, err := trySign(context.Background(), signed, pki.request(signatures.SignatureTypeRepository), false)
	requireCode(t, err, signatures.NU3001)

	_, err = trySign(context.Background(), signed, pki.request(signatures.SignatureTypeAuthor), false)
	requireCode(t, err, signatures.NU3001)

	replaced := signPackage(t, signed, pki.request(signatures.SignatureTypeAuthor), true)
	assert.Equal(t, signatures.SignatureTypeAuthor, primaryOf(t, replaced).Type)
}

func TestSign_RepositoryCountersignature(t *testing.T) {
	pki := newTestPKI(t)
	pkg := newPackage(t)
	authorSigned := signPackage(t, pkg, pki.request(signatures.SignatureTypeAuthor), false)

	repo := pki.root.NewCodeSigningLeaf(t, "Repository Signing")
	countersigned := signPackage(t, authorSigned, pki.requestFor(repo, signatures.SignatureTypeRepository), false)

	primary := primaryOf(t, countersigned)
	assert.Equal(t, signatures.SignatureTypeAuthor, primary.Type)
	assert.True(t, primary.SignerCertificate.Equal(pki.leaf.Certificate))
	require.NotNil(t, primary.RepositoryCountersignature)
	counter := primary.RepositoryCountersignature
	assert.True(t, counter.SignerCertificate.Equal(repo.Certificate))
	assert.Equal(t, testServiceIndex, counter.V3ServiceIndexURL)
	require.Len(t, counter.Timestamps, 1)
	assert.Len(t, primary.Timestamps, 1, "the author timestamp is carried over")
	assert.Equal(t, 2, pki.tsa.Requests())

	result, err := pki.verifier().VerifySignatures(context.Background(), openPackage(t, countersigned), testSettings())
	require.NoError(t, err)
	assert.True(t, result.Valid, "errors: %v", result.GetErrorIssues())
	require.Len(t, result.Results, 2)
	assert.Equal(t, signatures.PlacementPrimary, result.Results[0].Signature.Placement)
	assert.Equal(t, signatures.PlacementCountersignature, result.Results[1].Signature.Placement)

	assert.Equal(t, pkg, unsign(t, countersigned))

	// A second countersignature conflicts unless overwriting.
	other := pki.root.NewCodeSigningLeaf(t, "Other Repository")
	_, err = trySign(context.Background(), countersigned, pki.requestFor(other, signatures.SignatureTypeRepository), false)
	requireCode(t, err, signatures.NU3001)

	replaced := signPackage(t, countersigned, pki.requestFor(other, signatures.SignatureTypeRepository), true)
	primary = primaryOf(t, replaced)
	require.NotNil(t, primary.RepositoryCountersignature)
	assert.True(t, primary.RepositoryCountersignature.SignerCertificate.Equal(other.Certificate))
	assert.True(t, primary.SignerCertificate.Equal(pki.leaf.Certificate))
}

func TestSign_InvalidRequest(t *testing.T) {
	pki := newTestPKI(t)
	pkg := newPackage(t)
	otherKey := signaturestest.NewKey(t, 0)
	expired := pki.root.NewLeaf(t, signaturestest.CertOptions{
		CommonName:  "Expired",
		ExtKeyUsage: []x509.ExtKeyUsage{x509.ExtKeyUsageCodeSigning},
		NotBefore:   time.Now().AddDate(-2, 0, 0),
		NotAfter:    time.Now().AddDate(-1, 0, 0),
	})
	serverAuth := pki.root.NewLeaf(t, signaturestest.CertOptions{
		CommonName:  "Server",
		ExtKeyUsage: []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
	})

	tests := []struct {
		name   string
		mutate func(r *SignPackageRequest)
	}{
		{"nil certificate", func(r *SignPackageRequest) { r.Certificate = nil }},
		{"nil signer", func(r *SignPackageRequest) { r.Signer = nil }},
		{"key mismatch", func(r *SignPackageRequest) { r.Signer = otherKey }},
		{"unsupported signature hash", func(r *SignPackageRequest) { r.SignatureHashAlgorithm = "MD5" }},
		{"unsupported timestamp hash", func(r *SignPackageRequest) { r.TimestampHashAlgorithm = "SHA1" }},
		{"expired certificate", func(r *SignPackageRequest) {
			r.Certificate, r.Signer, r.Chain = expired.Certificate, expired.Key, expired.Chain
		}},
		{"missing code signing usage", func(r *SignPackageRequest) {
			r.Certificate, r.Signer, r.Chain = serverAuth.Certificate, serverAuth.Key, serverAuth.Chain
		}},
		{"repository without service index", func(r *SignPackageRequest) {
			r.SignatureType = signatures.SignatureTypeRepository
		}},
		{"unknown signature type", func(r *SignPackageRequest) { r.SignatureType = signatures.SignatureTypeUnknown }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := pki.request(signatures.SignatureTypeAuthor)
			tt.mutate(req)
			out, err := trySign(context.Background(), pkg, req, false)
			requireCode(t, err, signatures.NU3017)
			assert.Empty(t, out)
		})
	}
	assert.Zero(t, pki.tsa.Requests())
}

func TestSign_Cancelled(t *testing.T) {
	pki := newTestPKI(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	out, err := trySign(ctx, newPackage(t), pki.request(signatures.SignatureTypeAuthor), false)
	require.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, out)
	assert.Zero(t, pki.tsa.Requests())
}

func TestSign_TimestampRejected(t *testing.T) {
	pki := newTestPKI(t)
	pki.tsa.Reject = true

	out, err := trySign(context.Background(), newPackage(t), pki.request(signatures.SignatureTypeAuthor), false)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "timestamp")
	assert.Empty(t, out)
}

type recordingTimestamper struct {
	tsa   *signaturestest.TimestampAuthority
	t     *testing.T
	calls [][]byte
}

func (r *recordingTimestamper) Timestamp(_ context.Context, data []byte, hashAlg signatures.HashAlgorithmName) ([]byte, error) {
	r.calls = append(r.calls, append([]byte{}, data...))
	return r.tsa.TokenFor(r.t, hashAlg, data), nil
}

func TestSign_TimestampsSignatureValue(t *testing.T) {
	pki := newTestPKI(t)
	ts := &recordingTimestamper{tsa: pki.tsa, t: t}
	req := pki.request(signatures.SignatureTypeAuthor)

	var out bytes.Buffer
	pkg := newPackage(t)
	require.NoError(t, Sign(context.Background(), &SigningOptions{
		Input:       bytes.NewReader(pkg),
		InputSize:   int64(len(pkg)),
		Output:      &out,
		Timestamper: ts,
	}, req))

	primary := primaryOf(t, out.Bytes())
	require.Len(t, ts.calls, 1)
	assert.Equal(t, primary.SignatureValue(), ts.calls[0])
}

func TestRemoveRepositoryCountersignatures(t *testing.T) {
	pki := newTestPKI(t)
	pkg := newPackage(t)
	authorSigned := signPackage(t, pkg, pki.request(signatures.SignatureTypeAuthor), false)
	countersigned := signPackage(t, authorSigned, pki.request(signatures.SignatureTypeRepository), false)

	var out bytes.Buffer
	removed, err := RemoveRepositoryCountersignatures(context.Background(), bytes.NewReader(countersigned), int64(len(countersigned)), &out)
	require.NoError(t, err)
	assert.True(t, removed)

	primary := primaryOf(t, out.Bytes())
	assert.Nil(t, primary.RepositoryCountersignature)
	assert.Equal(t, primaryOf(t, authorSigned).SignatureValue(), primary.SignatureValue())
	assert.Len(t, primary.Timestamps, 1)

	result, err := pki.verifier().VerifySignatures(context.Background(), openPackage(t, out.Bytes()), testSettings())
	require.NoError(t, err)
	assert.True(t, result.Valid, "errors: %v", result.GetErrorIssues())

	out.Reset()
	removed, err = RemoveRepositoryCountersignatures(context.Background(), bytes.NewReader(authorSigned), int64(len(authorSigned)), &out)
	require.NoError(t, err)
	assert.False(t, removed)
	assert.Zero(t, out.Len())

	_, err = RemoveRepositoryCountersignatures(context.Background(), bytes.NewReader(pkg), int64(len(pkg)), &out)
	requireCode(t, err, signatures.NU3000)
}
