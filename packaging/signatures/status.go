package signatures

import "strings"

// StatusFlags is an additive bitmask of conditions observed during verification.
type StatusFlags uint32

const (
	StatusNoErrors                           StatusFlags = 0
	StatusSignatureCouldNotBeVerified        StatusFlags = 1 << 0
	StatusSignatureAlgorithmUnsupported      StatusFlags = 1 << 1
	StatusCertificatePublicKeyInvalid        StatusFlags = 1 << 2
	StatusCertificateValidityInTheFuture     StatusFlags = 1 << 3
	StatusCertificateExpired                 StatusFlags = 1 << 4
	StatusHashAlgorithmUnsupported           StatusFlags = 1 << 5
	StatusMessageImprintUnsupportedAlgorithm StatusFlags = 1 << 6
	StatusIntegrityCheckFailed               StatusFlags = 1 << 7
	StatusChainBuildingFailure               StatusFlags = 1 << 8
	StatusUnknownRevocation                  StatusFlags = 1 << 9
	StatusCertificateRevoked                 StatusFlags = 1 << 10
	StatusUntrustedRoot                      StatusFlags = 1 << 11
	StatusGeneralizedTimeOutsideValidity     StatusFlags = 1 << 12
	StatusNoValidTimestamp                   StatusFlags = 1 << 13
	StatusMultipleTimestamps                 StatusFlags = 1 << 14
	StatusNoCertificate                      StatusFlags = 1 << 15
	StatusNoSignature                        StatusFlags = 1 << 16

	// StatusIllegal groups conditions where the signature does not conform
	// to the signing format or cannot be verified at all.
	StatusIllegal = StatusSignatureCouldNotBeVerified |
		StatusSignatureAlgorithmUnsupported |
		StatusCertificatePublicKeyInvalid |
		StatusHashAlgorithmUnsupported |
		StatusMessageImprintUnsupportedAlgorithm |
		StatusNoCertificate

	// StatusSuspect groups conditions that indicate tampering.
	StatusSuspect = StatusIntegrityCheckFailed | StatusCertificateRevoked
)

var statusFlagNames = []struct {
	flag StatusFlags
	name string
}{
	{StatusSignatureCouldNotBeVerified, "SignatureCouldNotBeVerified"},
	{StatusSignatureAlgorithmUnsupported, "SignatureAlgorithmUnsupported"},
	{StatusCertificatePublicKeyInvalid, "CertificatePublicKeyInvalid"},
	{StatusCertificateValidityInTheFuture, "CertificateValidityInTheFuture"},
	{StatusCertificateExpired, "CertificateExpired"},
	{StatusHashAlgorithmUnsupported, "HashAlgorithmUnsupported"},
	{StatusMessageImprintUnsupportedAlgorithm, "MessageImprintUnsupportedAlgorithm"},
	{StatusIntegrityCheckFailed, "IntegrityCheckFailed"},
	{StatusChainBuildingFailure, "ChainBuildingFailure"},
	{StatusUnknownRevocation, "UnknownRevocation"},
	{StatusCertificateRevoked, "CertificateRevoked"},
	{StatusUntrustedRoot, "UntrustedRoot"},
	{StatusGeneralizedTimeOutsideValidity, "GeneralizedTimeOutsideValidity"},
	{StatusNoValidTimestamp, "NoValidTimestamp"},
	{StatusMultipleTimestamps, "MultipleTimestamps"},
	{StatusNoCertificate, "NoCertificate"},
	{StatusNoSignature, "NoSignature"},
}

// Has reports whether all bits of flag are set.
func (f StatusFlags) Has(flag StatusFlags) bool {
	return flag != 0 && f&flag == flag
}

// Any reports whether any bit of mask is set.
func (f StatusFlags) Any(mask StatusFlags) bool {
	return f&mask != 0
}

// Names returns the names of the set flags in bit order.
func (f StatusFlags) Names() []string {
	var names []string
	for _, n := range statusFlagNames {
		if f&n.flag != 0 {
			names = append(names, n.name)
		}
	}
	return names
}

func (f StatusFlags) String() string {
	if f == StatusNoErrors {
		return "NoErrors"
	}
	return strings.Join(f.Names(), "|")
}

// VerificationStatus is the verdict of a single provider for a single signature.
type VerificationStatus int

const (
	// VerificationUnknown means the provider could not reach a verdict.
	VerificationUnknown VerificationStatus = iota
	// VerificationValid means the provider found nothing disqualifying.
	VerificationValid
	// VerificationDisallowed means policy rejects the signature.
	VerificationDisallowed
	// VerificationSuspect means the signature shows signs of tampering or revocation.
	VerificationSuspect
)

func (s VerificationStatus) String() string {
	switch s {
	case VerificationValid:
		return "Valid"
	case VerificationDisallowed:
		return "Disallowed"
	case VerificationSuspect:
		return "Suspect"
	default:
		return "Unknown"
	}
}

// StatusFromFlags derives a verdict from flags and the collected issues.
func StatusFromFlags(flags StatusFlags, issues []SignatureLog) VerificationStatus {
	switch {
	case flags.Any(StatusSuspect):
		return VerificationSuspect
	case HasErrors(issues):
		return VerificationDisallowed
	default:
		return VerificationValid
	}
}
