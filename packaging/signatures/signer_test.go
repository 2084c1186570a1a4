package signatures_test

import (
	"bytes"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"errors"
	"testing"
	"time"

	"github.com/willibrandon/nusign/packaging/signatures"
	"github.com/willibrandon/nusign/packaging/signatures/signaturestest"
)

func testContent() *signatures.SignatureContent {
	sum := sha256.Sum256([]byte("package archive"))
	return &signatures.SignatureContent{HashAlgorithm: signatures.HashAlgorithmSHA256, HashValue: sum[:]}
}

func signRequest(id *signaturestest.Identity, sigType signatures.SignatureType) signatures.SignRequest {
	req := signatures.SignRequest{
		Certificate:   id.Certificate,
		Chain:         id.Chain,
		Signer:        id.Key,
		SignatureType: sigType,
		HashAlgorithm: signatures.HashAlgorithmSHA256,
	}
	if sigType == signatures.SignatureTypeRepository {
		req.V3ServiceIndexURL = "https://api.example.org/v3/index.json"
		req.PackageOwners = []string{"alice", "bob"}
	}
	return req
}

func authorSignature(t *testing.T, id *signaturestest.Identity) *signatures.PrimarySignature {
	t.Helper()
	sig, err := signatures.CreatePrimarySignature(signRequest(id, signatures.SignatureTypeAuthor), testContent())
	if err != nil {
		t.Fatalf("CreatePrimarySignature() error = %v", err)
	}
	return sig
}

func TestCreatePrimarySignature_RoundTrip(t *testing.T) {
	root := signaturestest.NewRootCA(t, "Test Root")
	leaf := root.NewCodeSigningLeaf(t, "Test Author")

	sig := authorSignature(t, leaf)

	if sig.Type != signatures.SignatureTypeAuthor {
		t.Errorf("Type = %v, want Author", sig.Type)
	}
	if sig.Placement != signatures.PlacementPrimary {
		t.Errorf("Placement = %v, want primary", sig.Placement)
	}
	if sig.HashAlgorithm != signatures.HashAlgorithmSHA256 {
		t.Errorf("HashAlgorithm = %v, want SHA256", sig.HashAlgorithm)
	}
	if !bytes.Equal(sig.SignerCertificate.Raw, leaf.Certificate.Raw) {
		t.Error("SignerCertificate does not match the signing certificate")
	}
	if len(sig.Certificates) != 2 {
		t.Errorf("len(Certificates) = %d, want 2", len(sig.Certificates))
	}
	if !bytes.Equal(sig.Content.HashValue, testContent().HashValue) {
		t.Error("Content hash does not round-trip")
	}
	if sig.Primary() != sig {
		t.Error("Primary() should return the signature itself")
	}
	if err := sig.VerifySignatureValue(); err != nil {
		t.Errorf("VerifySignatureValue() error = %v", err)
	}

	reread, err := signatures.ReadSignature(sig.RawData)
	if err != nil {
		t.Fatalf("ReadSignature() error = %v", err)
	}
	if !bytes.Equal(reread.SignatureValue(), sig.SignatureValue()) {
		t.Error("signature value changed after re-reading")
	}
}

func TestCreatePrimarySignature_RSA(t *testing.T) {
	root := signaturestest.NewRootCA(t, "RSA Root")
	leaf := root.NewLeaf(t, signaturestest.CertOptions{
		CommonName:  "RSA Author",
		ExtKeyUsage: []x509.ExtKeyUsage{x509.ExtKeyUsageCodeSigning},
		RSABits:     2048,
	})

	req := signRequest(leaf, signatures.SignatureTypeAuthor)
	req.HashAlgorithm = signatures.HashAlgorithmSHA384
	sig, err := signatures.CreatePrimarySignature(req, testContent())
	if err != nil {
		t.Fatalf("CreatePrimarySignature() error = %v", err)
	}
	if sig.HashAlgorithm != signatures.HashAlgorithmSHA384 {
		t.Errorf("HashAlgorithm = %v, want SHA384", sig.HashAlgorithm)
	}
	if err := sig.VerifySignatureValue(); err != nil {
		t.Errorf("VerifySignatureValue() error = %v", err)
	}
}

func TestCreatePrimarySignature_Repository(t *testing.T) {
	root := signaturestest.NewRootCA(t, "Repo Root")
	leaf := root.NewCodeSigningLeaf(t, "Test Repository")

	sig, err := signatures.CreatePrimarySignature(signRequest(leaf, signatures.SignatureTypeRepository), testContent())
	if err != nil {
		t.Fatalf("CreatePrimarySignature() error = %v", err)
	}
	if sig.Type != signatures.SignatureTypeRepository {
		t.Errorf("Type = %v, want Repository", sig.Type)
	}
	if sig.V3ServiceIndexURL != "https://api.example.org/v3/index.json" {
		t.Errorf("V3ServiceIndexURL = %q", sig.V3ServiceIndexURL)
	}
	if len(sig.PackageOwners) != 2 || sig.PackageOwners[0] != "alice" || sig.PackageOwners[1] != "bob" {
		t.Errorf("PackageOwners = %v, want [alice bob]", sig.PackageOwners)
	}
}

func TestVerifySignatureValue_TamperedContent(t *testing.T) {
	root := signaturestest.NewRootCA(t, "Test Root")
	sig := authorSignature(t, root.NewCodeSigningLeaf(t, "Test Author"))

	encoded := []byte(base64.StdEncoding.EncodeToString(sig.Content.HashValue))
	i := bytes.Index(sig.RawData, encoded)
	if i < 0 {
		t.Fatal("content hash not found in the signature bytes")
	}
	tampered := bytes.Clone(sig.RawData)
	if tampered[i] == 'A' {
		tampered[i] = 'B'
	} else {
		tampered[i] = 'A'
	}

	reread, err := signatures.ReadSignature(tampered)
	if err != nil {
		t.Fatalf("ReadSignature() error = %v", err)
	}
	if err := reread.VerifySignatureValue(); !errors.Is(err, signatures.ErrMessageDigestMismatch) {
		t.Errorf("VerifySignatureValue() error = %v, want ErrMessageDigestMismatch", err)
	}
}

func TestCreateRepositoryCountersignature(t *testing.T) {
	authorRoot := signaturestest.NewRootCA(t, "Author Root")
	repoRoot := signaturestest.NewRootCA(t, "Repository Root")
	author := authorRoot.NewCodeSigningLeaf(t, "Test Author")
	repo := repoRoot.NewCodeSigningLeaf(t, "Test Repository")

	primary := authorSignature(t, author)
	signed, err := signatures.CreateRepositoryCountersignature(signRequest(repo, signatures.SignatureTypeRepository), primary)
	if err != nil {
		t.Fatalf("CreateRepositoryCountersignature() error = %v", err)
	}

	cs := signed.RepositoryCountersignature
	if cs == nil {
		t.Fatal("RepositoryCountersignature is nil")
	}
	if cs.Placement != signatures.PlacementCountersignature || cs.Type != signatures.SignatureTypeRepository {
		t.Errorf("countersignature placement/type = %v/%v", cs.Placement, cs.Type)
	}
	if !bytes.Equal(cs.SignerCertificate.Raw, repo.Certificate.Raw) {
		t.Error("countersigner certificate mismatch")
	}
	if cs.V3ServiceIndexURL == "" || len(cs.PackageOwners) != 2 {
		t.Errorf("repository metadata = %q %v", cs.V3ServiceIndexURL, cs.PackageOwners)
	}
	if cs.Primary() != signed {
		t.Error("countersignature should point at its primary signature")
	}
	if err := cs.VerifySignatureValue(); err != nil {
		t.Errorf("countersignature VerifySignatureValue() error = %v", err)
	}
	if err := signed.VerifySignatureValue(); err != nil {
		t.Errorf("primary VerifySignatureValue() after countersigning error = %v", err)
	}
	if !bytes.Equal(signed.SignerInfo.SignedAttrs.FullBytes, primary.SignerInfo.SignedAttrs.FullBytes) {
		t.Error("countersigning must not change the primary signed attributes")
	}

	_, err = signatures.CreateRepositoryCountersignature(signRequest(repo, signatures.SignatureTypeRepository), signed)
	if !errors.Is(err, &signatures.SignatureError{Code: signatures.NU3001}) {
		t.Errorf("second countersignature error = %v, want NU3001", err)
	}

	removed, err := signatures.RemoveRepositoryCountersignature(signed)
	if err != nil {
		t.Fatalf("RemoveRepositoryCountersignature() error = %v", err)
	}
	if removed.RepositoryCountersignature != nil {
		t.Error("countersignature still present after removal")
	}
	if !bytes.Equal(removed.SignatureValue(), primary.SignatureValue()) {
		t.Error("primary signature value changed by removal")
	}
	if err := removed.VerifySignatureValue(); err != nil {
		t.Errorf("VerifySignatureValue() after removal error = %v", err)
	}
}

func TestCreateRepositoryCountersignature_RepositoryPrimary(t *testing.T) {
	root := signaturestest.NewRootCA(t, "Repo Root")
	repo := root.NewCodeSigningLeaf(t, "Test Repository")

	primary, err := signatures.CreatePrimarySignature(signRequest(repo, signatures.SignatureTypeRepository), testContent())
	if err != nil {
		t.Fatalf("CreatePrimarySignature() error = %v", err)
	}
	_, err = signatures.CreateRepositoryCountersignature(signRequest(repo, signatures.SignatureTypeRepository), primary)
	if !errors.Is(err, &signatures.SignatureError{Code: signatures.NU3001}) {
		t.Errorf("error = %v, want NU3001", err)
	}
}

func TestAddTimestamp(t *testing.T) {
	root := signaturestest.NewRootCA(t, "Test Root")
	tsa := signaturestest.NewTimestampAuthority(t, root)
	primary := authorSignature(t, root.NewCodeSigningLeaf(t, "Test Author"))

	token := tsa.TokenFor(t, signatures.HashAlgorithmSHA256, primary.SignatureValue())
	stamped, err := signatures.AddTimestamp(&primary.Signature, token)
	if err != nil {
		t.Fatalf("AddTimestamp() error = %v", err)
	}
	if len(stamped.Timestamps) != 1 {
		t.Fatalf("len(Timestamps) = %d, want 1", len(stamped.Timestamps))
	}
	ts := stamped.Timestamps[0]
	if !bytes.Equal(ts.SignerCertificate.Raw, tsa.Identity.Certificate.Raw) {
		t.Error("timestamp signer certificate mismatch")
	}
	if err := ts.VerifyTokenSignature(); err != nil {
		t.Errorf("VerifyTokenSignature() error = %v", err)
	}
	if time.Since(ts.Time) > time.Minute {
		t.Errorf("timestamp time %v is not recent", ts.Time)
	}
	if err := stamped.VerifySignatureValue(); err != nil {
		t.Errorf("VerifySignatureValue() after timestamping error = %v", err)
	}
}

func TestAddTimestamp_Countersignature(t *testing.T) {
	root := signaturestest.NewRootCA(t, "Test Root")
	tsa := signaturestest.NewTimestampAuthority(t, root)
	primary := authorSignature(t, root.NewCodeSigningLeaf(t, "Test Author"))
	signed, err := signatures.CreateRepositoryCountersignature(
		signRequest(root.NewCodeSigningLeaf(t, "Test Repository"), signatures.SignatureTypeRepository), primary)
	if err != nil {
		t.Fatalf("CreateRepositoryCountersignature() error = %v", err)
	}

	cs := signed.RepositoryCountersignature
	token := tsa.TokenFor(t, signatures.HashAlgorithmSHA256, cs.SignatureValue())
	stamped, err := signatures.AddTimestamp(&cs.Signature, token)
	if err != nil {
		t.Fatalf("AddTimestamp() error = %v", err)
	}
	if len(stamped.Timestamps) != 0 {
		t.Errorf("primary has %d timestamps, want 0", len(stamped.Timestamps))
	}
	if stamped.RepositoryCountersignature == nil || len(stamped.RepositoryCountersignature.Timestamps) != 1 {
		t.Fatal("countersignature timestamp missing")
	}
	if err := stamped.RepositoryCountersignature.VerifySignatureValue(); err != nil {
		t.Errorf("countersignature VerifySignatureValue() error = %v", err)
	}
}

func TestSignRequest_Validate(t *testing.T) {
	root := signaturestest.NewRootCA(t, "Test Root")
	good := root.NewCodeSigningLeaf(t, "Good")
	other := root.NewCodeSigningLeaf(t, "Other")
	weak := root.NewLeaf(t, signaturestest.CertOptions{
		CommonName:  "Weak",
		ExtKeyUsage: []x509.ExtKeyUsage{x509.ExtKeyUsageCodeSigning},
		RSABits:     1024,
	})
	serverAuth := root.NewLeaf(t, signaturestest.CertOptions{
		CommonName:  "Server",
		ExtKeyUsage: []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
	})
	expired := root.NewLeaf(t, signaturestest.CertOptions{
		CommonName:  "Expired",
		ExtKeyUsage: []x509.ExtKeyUsage{x509.ExtKeyUsageCodeSigning},
		NotBefore:   time.Now().AddDate(-2, 0, 0),
		NotAfter:    time.Now().AddDate(-1, 0, 0),
	})

	tests := []struct {
		name   string
		modify func(*signatures.SignRequest)
	}{
		{"missing certificate", func(r *signatures.SignRequest) { r.Certificate = nil }},
		{"missing key", func(r *signatures.SignRequest) { r.Signer = nil }},
		{"mismatched key", func(r *signatures.SignRequest) { r.Signer = other.Key }},
		{"weak RSA key", func(r *signatures.SignRequest) { r.Certificate, r.Signer = weak.Certificate, weak.Key }},
		{"unsupported hash", func(r *signatures.SignRequest) { r.HashAlgorithm = "SHA1" }},
		{"wrong EKU", func(r *signatures.SignRequest) { r.Certificate, r.Signer = serverAuth.Certificate, serverAuth.Key }},
		{"expired certificate", func(r *signatures.SignRequest) { r.Certificate, r.Signer = expired.Certificate, expired.Key }},
		{"repository without service index", func(r *signatures.SignRequest) {
			r.SignatureType = signatures.SignatureTypeRepository
		}},
		{"unknown type", func(r *signatures.SignRequest) { r.SignatureType = signatures.SignatureTypeUnknown }},
	}

	valid := signRequest(good, signatures.SignatureTypeAuthor)
	if err := valid.Validate(time.Now()); err != nil {
		t.Fatalf("Validate() on a valid request error = %v", err)
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := signRequest(good, signatures.SignatureTypeAuthor)
			tt.modify(&req)
			err := req.Validate(time.Now())
			if !errors.Is(err, &signatures.SignatureError{Code: signatures.NU3017}) {
				t.Errorf("Validate() error = %v, want NU3017", err)
			}
		})
	}
}

func TestReadSignature_Malformed(t *testing.T) {
	root := signaturestest.NewRootCA(t, "Test Root")
	sig := authorSignature(t, root.NewCodeSigningLeaf(t, "Test Author"))

	tests := []struct {
		name string
		data []byte
	}{
		{"empty", nil},
		{"garbage", []byte{0xFF, 0xFF, 0xFF}},
		{"trailing data", append(bytes.Clone(sig.RawData), 0x30, 0x03, 0x01, 0x01, 0xFF)},
		{"truncated", sig.RawData[:len(sig.RawData)/2]},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := signatures.ReadSignature(tt.data)
			var formatErr *signatures.FormatError
			if !errors.As(err, &formatErr) {
				t.Errorf("ReadSignature() error = %v, want *FormatError", err)
			}
		})
	}
}
