package signatures

import (
	"crypto/x509"
	"errors"
	"fmt"
)

var (
	// ErrPackageNotSigned is returned when an operation requires a signature
	// and the package has none.
	ErrPackageNotSigned = &SignatureError{Code: NU3000, Message: "The package is not signed."}

	// ErrNoTimestamp is returned when a timestamp chain is requested for a
	// signature without timestamps.
	ErrNoTimestamp = errors.New("signature has no timestamp")

	// ErrUnsupportedHashAlgorithm is returned for hash algorithms outside SHA-256/384/512.
	ErrUnsupportedHashAlgorithm = errors.New("unsupported hash algorithm")

	// ErrMultipleTimestamps is returned when a timestamp must be selected
	// explicitly because more than one is present.
	ErrMultipleTimestamps = errors.New("signature has multiple timestamps")
)

// SignatureError is a signing or verification failure carrying a stable
// diagnostic code.
type SignatureError struct {
	Code    LogCode
	Message string
	Err     error
}

func (e *SignatureError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *SignatureError) Unwrap() error {
	return e.Err
}

// Is matches another SignatureError with the same code. A target that
// carries a message, such as ErrPackageNotSigned, must match it too.
func (e *SignatureError) Is(target error) bool {
	var t *SignatureError
	if !errors.As(target, &t) {
		return false
	}
	return t.Code == e.Code && (t.Message == "" || t.Message == e.Message)
}

// NewSignatureError creates a SignatureError with a formatted message.
func NewSignatureError(code LogCode, format string, args ...any) *SignatureError {
	return &SignatureError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// FormatError reports malformed signature or timestamp bytes.
// It is never subject to verification policy.
type FormatError struct {
	Msg string
	Err error
}

func (e *FormatError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", NU3011, e.Msg, e.Err)
	}
	return fmt.Sprintf("%s: %s", NU3011, e.Msg)
}

func (e *FormatError) Unwrap() error {
	return e.Err
}

func formatError(err error, format string, args ...any) *FormatError {
	return &FormatError{Msg: fmt.Sprintf(format, args...), Err: err}
}

// ChainBuildReason describes why a certificate chain could not be built.
type ChainBuildReason int

const (
	// ChainIncomplete means no issuer was found for a non-self-signed certificate.
	ChainIncomplete ChainBuildReason = iota
	// ChainCycle means the issuer walk revisited a certificate or exceeded the depth limit.
	ChainCycle
)

func (r ChainBuildReason) String() string {
	if r == ChainCycle {
		return "cycle detected"
	}
	return "issuer not found"
}

// ChainBuildError is returned by BuildChain.
type ChainBuildError struct {
	Certificate *x509.Certificate
	Reason      ChainBuildReason
	Err         error
}

func (e *ChainBuildError) Error() string {
	subject := "<nil>"
	if e.Certificate != nil {
		subject = e.Certificate.Subject.String()
	}
	if e.Err != nil {
		return fmt.Sprintf("build certificate chain for %q: %s: %v", subject, e.Reason, e.Err)
	}
	return fmt.Sprintf("build certificate chain for %q: %s", subject, e.Reason)
}

func (e *ChainBuildError) Unwrap() error {
	return e.Err
}
