// Package packaging reads, signs and unsigns package archives (.nupkg files).
package packaging

import (
	"archive/zip"
	"context"
	"fmt"
	"io"
	"os"

	"github.com/willibrandon/nusign/packaging/signatures"
)

// SignaturePath is the path to the signature file in a signed package.
const SignaturePath = ".signature.p7s"

// PackageReader provides read access to .nupkg files.
type PackageReader struct {
	zipReader *zip.Reader
	readerAt  io.ReaderAt
	size      int64
	closer    io.Closer
	path      string

	// Cached values
	isSigned *bool
}

// OpenPackage opens a .nupkg file from a file path.
func OpenPackage(path string) (*PackageReader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open package: %w", err)
	}
	info, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("stat package: %w", err)
	}

	r, err := OpenPackageFromReaderAt(f, info.Size())
	if err != nil {
		_ = f.Close()
		return nil, err
	}
	r.closer = f
	r.path = path
	return r, nil
}

// OpenPackageFromReaderAt opens a package from a ReaderAt.
func OpenPackageFromReaderAt(r io.ReaderAt, size int64) (*PackageReader, error) {
	zipReader, err := zip.NewReader(r, size)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPackage, err)
	}

	return &PackageReader{
		zipReader: zipReader,
		readerAt:  r,
		size:      size,
	}, nil
}

// Close closes the package reader.
func (r *PackageReader) Close() error {
	if r.closer == nil {
		return nil
	}
	return r.closer.Close()
}

// Path returns the file the package was opened from, or "" for in-memory packages.
func (r *PackageReader) Path() string {
	return r.path
}

// ReaderAt returns the underlying archive bytes.
func (r *PackageReader) ReaderAt() io.ReaderAt {
	return r.readerAt
}

// Size returns the archive size in bytes.
func (r *PackageReader) Size() int64 {
	return r.size
}

// Files returns the list of files in the ZIP.
func (r *PackageReader) Files() []*zip.File {
	return r.zipReader.File
}

// IsSigned checks if the package contains a signature file.
func (r *PackageReader) IsSigned() bool {
	if r.isSigned != nil {
		return *r.isSigned
	}

	_, err := r.GetSignatureFile()
	signed := err == nil
	r.isSigned = &signed
	return signed
}

// GetSignatureFile returns the signature file if package is signed.
// Only an exact, non-UTF-8 flagged name counts.
func (r *PackageReader) GetSignatureFile() (*zip.File, error) {
	for _, file := range r.Files() {
		if file.Name == SignaturePath && file.Flags&utf8NameFlag == 0 {
			return file, nil
		}
	}
	return nil, ErrPackageNotSigned
}

// GetPrimarySignature reads and parses the package signature.
func (r *PackageReader) GetPrimarySignature(ctx context.Context) (*signatures.PrimarySignature, error) {
	data, err := ReadSignatureEntry(ctx, r.readerAt, r.size)
	if err != nil {
		return nil, err
	}
	return signatures.ReadSignature(data)
}

// GetContentHash hashes the package content excluding the signature entry.
func (r *PackageReader) GetContentHash(ctx context.Context, hashAlgorithm signatures.HashAlgorithmName) ([]byte, error) {
	return GetContentHash(ctx, r.readerAt, r.size, hashAlgorithm)
}
