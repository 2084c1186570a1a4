package packaging

import (
	"bytes"
	"context"
	"crypto/sha256"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/willibrandon/nusign/packaging/signatures"
	"github.com/willibrandon/nusign/packaging/signatures/signaturestest"
)

func openBytes(t *testing.T, pkg []byte) *PackageReader {
	t.Helper()
	r, err := OpenPackageFromReaderAt(bytes.NewReader(pkg), int64(len(pkg)))
	if err != nil {
		t.Fatalf("OpenPackageFromReaderAt() error = %v", err)
	}
	t.Cleanup(func() { _ = r.Close() })
	return r
}

func TestOpenPackage(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.nupkg")
	pkg := buildPackage(t, defaultFiles, "")
	if err := os.WriteFile(path, pkg, 0o644); err != nil {
		t.Fatal(err)
	}

	r, err := OpenPackage(path)
	if err != nil {
		t.Fatalf("OpenPackage() error = %v", err)
	}
	if r.Size() != int64(len(pkg)) {
		t.Errorf("Size() = %d, want %d", r.Size(), len(pkg))
	}
	if len(r.Files()) != len(defaultFiles) {
		t.Errorf("len(Files()) = %d, want %d", len(r.Files()), len(defaultFiles))
	}
	if err := r.Close(); err != nil {
		t.Errorf("Close() error = %v", err)
	}
}

func TestOpenPackage_Invalid(t *testing.T) {
	if _, err := OpenPackage(filepath.Join(t.TempDir(), "missing.nupkg")); err == nil {
		t.Error("OpenPackage() should fail for a missing file")
	}

	data := []byte("plain text")
	if _, err := OpenPackageFromReaderAt(bytes.NewReader(data), int64(len(data))); !errors.Is(err, ErrInvalidPackage) {
		t.Errorf("OpenPackageFromReaderAt() error = %v, want ErrInvalidPackage", err)
	}
}

func TestPackageReader_IsSigned(t *testing.T) {
	tests := []struct {
		name  string
		files []testFile
		want  bool
	}{
		{"unsigned", defaultFiles, false},
		{"signed", append([]testFile{{SignaturePath, "sig"}}, defaultFiles...), true},
		{"different case", append([]testFile{{".Signature.P7S", "sig"}}, defaultFiles...), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := openBytes(t, buildPackage(t, tt.files, ""))
			if got := r.IsSigned(); got != tt.want {
				t.Errorf("IsSigned() = %v, want %v", got, tt.want)
			}
			if got := r.IsSigned(); got != tt.want {
				t.Errorf("cached IsSigned() = %v, want %v", got, tt.want)
			}

			f, err := r.GetSignatureFile()
			if tt.want {
				if err != nil || f.Name != SignaturePath {
					t.Errorf("GetSignatureFile() = %v, %v", f, err)
				}
			} else if !errors.Is(err, ErrPackageNotSigned) {
				t.Errorf("GetSignatureFile() error = %v, want ErrPackageNotSigned", err)
			}
		})
	}
}

func TestPackageReader_GetPrimarySignature(t *testing.T) {
	ctx := context.Background()
	root := signaturestest.NewRootCA(t, "Package Test Root")
	leaf := root.NewCodeSigningLeaf(t, "Package Test Author")

	unsigned := buildPackage(t, defaultFiles, "")
	hash := sha256.Sum256(unsigned)
	sig, err := signatures.CreatePrimarySignature(signatures.SignRequest{
		Certificate:   leaf.Certificate,
		Chain:         leaf.Chain,
		Signer:        leaf.Key,
		SignatureType: signatures.SignatureTypeAuthor,
		HashAlgorithm: signatures.HashAlgorithmSHA256,
	}, &signatures.SignatureContent{HashAlgorithm: signatures.HashAlgorithmSHA256, HashValue: hash[:]})
	if err != nil {
		t.Fatalf("CreatePrimarySignature() error = %v", err)
	}

	r := openBytes(t, addSignature(t, unsigned, sig.RawData))

	got, err := r.GetPrimarySignature(ctx)
	if err != nil {
		t.Fatalf("GetPrimarySignature() error = %v", err)
	}
	if got.Type != signatures.SignatureTypeAuthor {
		t.Errorf("Type = %v, want Author", got.Type)
	}
	if !bytes.Equal(got.SignerCertificate.Raw, leaf.Certificate.Raw) {
		t.Error("signer certificate does not match")
	}

	contentHash, err := r.GetContentHash(ctx, got.Content.HashAlgorithm)
	if err != nil {
		t.Fatalf("GetContentHash() error = %v", err)
	}
	if !bytes.Equal(contentHash, got.Content.HashValue) {
		t.Errorf("content hash = %x, signed hash = %x", contentHash, got.Content.HashValue)
	}
}

func TestPackageReader_GetPrimarySignature_Errors(t *testing.T) {
	ctx := context.Background()

	unsigned := openBytes(t, buildPackage(t, defaultFiles, ""))
	if _, err := unsigned.GetPrimarySignature(ctx); !errors.Is(err, ErrPackageNotSigned) {
		t.Errorf("unsigned GetPrimarySignature() error = %v, want ErrPackageNotSigned", err)
	}

	garbage := openBytes(t, buildPackage(t, append(defaultFiles, testFile{SignaturePath, "garbage"}), ""))
	var formatErr *signatures.FormatError
	if _, err := garbage.GetPrimarySignature(ctx); !errors.As(err, &formatErr) {
		t.Errorf("garbage GetPrimarySignature() error = %v, want *FormatError", err)
	}
}
