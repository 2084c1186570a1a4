package packaging

import (
	"errors"

	"github.com/willibrandon/nusign/packaging/signatures"
)

var (
	// ErrPackageNotSigned indicates the package does not contain a signature.
	// It is a NU3000 SignatureError so callers can match on either.
	ErrPackageNotSigned = signatures.ErrPackageNotSigned

	// ErrInvalidPackage indicates the package structure is invalid
	ErrInvalidPackage = errors.New("invalid package structure")

	// ErrZip64NotSupported is returned for ZIP64 archives, which cannot be signed.
	ErrZip64NotSupported = errors.New("ZIP64 packages are not supported")

	// ErrInvalidSignatureEntry indicates the signature entry is not stored
	// the way signing writes it.
	ErrInvalidSignatureEntry = errors.New("invalid package signature entry")
)

func signatureEntryError(msg string) error {
	return &signatures.SignatureError{Code: signatures.NU3011, Message: msg, Err: ErrInvalidSignatureEntry}
}
