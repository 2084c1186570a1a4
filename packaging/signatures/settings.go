package signatures

import (
	"fmt"
	"strings"
)

// VerificationTarget selects which signature types are verified.
type VerificationTarget int

const (
	// TargetAll verifies author and repository signatures.
	TargetAll VerificationTarget = iota
	// TargetAuthor verifies author signatures only.
	TargetAuthor
	// TargetRepository verifies repository signatures only.
	TargetRepository
)

func (t VerificationTarget) String() string {
	switch t {
	case TargetAuthor:
		return "Author"
	case TargetRepository:
		return "Repository"
	default:
		return "All"
	}
}

// Includes reports whether a signature type falls under the target.
func (t VerificationTarget) Includes(sigType SignatureType) bool {
	switch t {
	case TargetAuthor:
		return sigType == SignatureTypeAuthor
	case TargetRepository:
		return sigType == SignatureTypeRepository
	default:
		return true
	}
}

// SignaturePlacement selects primary signatures, countersignatures or both.
type SignaturePlacement int

const (
	// PlacementAny allows primary signatures and countersignatures.
	PlacementAny SignaturePlacement = iota
	// PlacementPrimarySignature allows primary signatures only.
	PlacementPrimarySignature
	// PlacementCountersignatureOnly allows countersignatures only.
	PlacementCountersignatureOnly
)

func (p SignaturePlacement) String() string {
	switch p {
	case PlacementPrimarySignature:
		return "PrimarySignature"
	case PlacementCountersignatureOnly:
		return "Countersignature"
	default:
		return "Any"
	}
}

// Allows reports whether a signer at the given placement is selected.
func (p SignaturePlacement) Allows(placement Placement) bool {
	switch p {
	case PlacementPrimarySignature:
		return placement == PlacementPrimary
	case PlacementCountersignatureOnly:
		return placement == PlacementCountersignature
	default:
		return true
	}
}

// CountersignatureBehavior controls verification of repository countersignatures.
type CountersignatureBehavior int

const (
	// CountersignatureIfExistsAndIsNecessary verifies an existing countersignature
	// when the verification target includes repository signatures.
	CountersignatureIfExistsAndIsNecessary CountersignatureBehavior = iota
	// CountersignatureIfExists verifies a countersignature whenever one exists.
	CountersignatureIfExists
	// CountersignatureAlways requires and verifies a countersignature on author signatures.
	CountersignatureAlways
	// CountersignatureNever skips countersignatures.
	CountersignatureNever
)

func (b CountersignatureBehavior) String() string {
	switch b {
	case CountersignatureIfExists:
		return "IfExists"
	case CountersignatureAlways:
		return "Always"
	case CountersignatureNever:
		return "Never"
	default:
		return "IfExistsAndIsNecessary"
	}
}

// RevocationMode selects how certificate revocation is evaluated.
type RevocationMode int

const (
	// RevocationOnline queries OCSP responders and CRL distribution points.
	RevocationOnline RevocationMode = iota
	// RevocationOffline only consults previously cached responses.
	RevocationOffline
	// RevocationNoCheck skips revocation; every certificate is reported unknown.
	RevocationNoCheck
)

func (m RevocationMode) String() string {
	switch m {
	case RevocationOffline:
		return "offline"
	case RevocationNoCheck:
		return "nocheck"
	default:
		return "online"
	}
}

// ParseRevocationMode parses "online", "offline" or "nocheck".
func ParseRevocationMode(s string) (RevocationMode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "online":
		return RevocationOnline, nil
	case "offline":
		return RevocationOffline, nil
	case "nocheck", "none":
		return RevocationNoCheck, nil
	}
	return RevocationOnline, fmt.Errorf("invalid revocation mode %q", s)
}

// VerifierSettings is an immutable verification policy. It is passed by value.
type VerifierSettings struct {
	AllowUnsigned           bool
	AllowIllegal            bool
	AllowUntrusted          bool
	AllowIgnoreTimestamp    bool
	AllowMultipleTimestamps bool
	AllowNoTimestamp        bool
	AllowUnknownRevocation  bool
	ReportUnknownRevocation bool

	VerificationTarget       VerificationTarget
	SignaturePlacement       SignaturePlacement
	CountersignatureBehavior CountersignatureBehavior
	RevocationMode           RevocationMode
}

// DefaultVerifierSettings is permissive except that unsigned packages are rejected.
func DefaultVerifierSettings() VerifierSettings {
	return VerifierSettings{
		AllowUnsigned:            false,
		AllowIllegal:             true,
		AllowUntrusted:           true,
		AllowIgnoreTimestamp:     true,
		AllowMultipleTimestamps:  true,
		AllowNoTimestamp:         true,
		AllowUnknownRevocation:   true,
		ReportUnknownRevocation:  false,
		VerificationTarget:       TargetAll,
		SignaturePlacement:       PlacementAny,
		CountersignatureBehavior: CountersignatureIfExistsAndIsNecessary,
		RevocationMode:           RevocationOnline,
	}
}

// VerifyCommandDefault is the policy used by the verify command.
func VerifyCommandDefault() VerifierSettings {
	return VerifierSettings{
		AllowUnsigned:            false,
		AllowIllegal:             false,
		AllowUntrusted:           false,
		AllowIgnoreTimestamp:     false,
		AllowMultipleTimestamps:  true,
		AllowNoTimestamp:         true,
		AllowUnknownRevocation:   true,
		ReportUnknownRevocation:  true,
		VerificationTarget:       TargetAll,
		SignaturePlacement:       PlacementAny,
		CountersignatureBehavior: CountersignatureIfExistsAndIsNecessary,
		RevocationMode:           RevocationOnline,
	}
}

// AcceptModeDefault accepts unsigned packages and warns about everything else.
func AcceptModeDefault() VerifierSettings {
	return VerifierSettings{
		AllowUnsigned:            true,
		AllowIllegal:             true,
		AllowUntrusted:           true,
		AllowIgnoreTimestamp:     true,
		AllowMultipleTimestamps:  true,
		AllowNoTimestamp:         true,
		AllowUnknownRevocation:   true,
		ReportUnknownRevocation:  false,
		VerificationTarget:       TargetAll,
		SignaturePlacement:       PlacementAny,
		CountersignatureBehavior: CountersignatureIfExistsAndIsNecessary,
		RevocationMode:           RevocationOnline,
	}
}

// RequireModeDefault requires a trusted signature on every package.
func RequireModeDefault() VerifierSettings {
	return VerifierSettings{
		AllowUnsigned:            false,
		AllowIllegal:             false,
		AllowUntrusted:           false,
		AllowIgnoreTimestamp:     true,
		AllowMultipleTimestamps:  true,
		AllowNoTimestamp:         true,
		AllowUnknownRevocation:   true,
		ReportUnknownRevocation:  true,
		VerificationTarget:       TargetAll,
		SignaturePlacement:       PlacementAny,
		CountersignatureBehavior: CountersignatureIfExistsAndIsNecessary,
		RevocationMode:           RevocationOnline,
	}
}

// UnknownRevocationIssue returns the issue to log for a certificate whose
// revocation status could not be determined.
func (s VerifierSettings) UnknownRevocationIssue(code LogCode, format string, args ...any) SignatureLog {
	if s.ReportUnknownRevocation {
		return Issue(!s.AllowUnknownRevocation, code, format, args...)
	}
	if s.AllowUnknownRevocation {
		return InformationIssue(code, format, args...)
	}
	return ErrorIssue(code, format, args...)
}
