// Package signatures provides PKCS#7/CMS signature reading, creation and
// verification primitives for signed packages.
//
// This package implements RFC 5652 (Cryptographic Message Syntax) and RFC 3161
// (Time-Stamp Protocol) to read signatures embedded in package archives. It
// supports Author and Repository primary signatures, repository
// countersignatures, certificate chain building, timestamp validation and
// online/offline revocation checking.
package signatures

import (
	"crypto/x509"
	"encoding/asn1"
	"math/big"
	"time"
)

// SignatureType indicates the type of signature
type SignatureType string

const (
	// SignatureTypeAuthor indicates an author signature
	SignatureTypeAuthor SignatureType = "Author"

	// SignatureTypeRepository indicates a repository signature
	SignatureTypeRepository SignatureType = "Repository"

	// SignatureTypeUnknown indicates an unknown signature type
	SignatureTypeUnknown SignatureType = "Unknown"
)

// Placement distinguishes a primary signature from a countersignature.
type Placement int

const (
	// PlacementPrimary is the signer of the outer SignedData.
	PlacementPrimary Placement = iota
	// PlacementCountersignature is a signer nested in the primary's unsigned attributes.
	PlacementCountersignature
)

func (p Placement) String() string {
	if p == PlacementCountersignature {
		return "Countersignature"
	}
	return "Primary"
}

// Signature is the signer view shared by primary signatures and
// repository countersignatures.
type Signature struct {
	// Placement of the signer within the CMS structure
	Placement Placement

	// Type from the commitment-type-indication attribute
	Type SignatureType

	// SignerInfo as parsed from the CMS structure
	SignerInfo SignerInfo

	// Signer certificate
	SignerCertificate *x509.Certificate

	// Certificates embedded in the outer SignedData
	Certificates []*x509.Certificate

	// Digest algorithm of the signer info
	HashAlgorithm HashAlgorithmName

	// Timestamps from the signer's unsigned attributes (RFC 3161)
	Timestamps []*Timestamp

	// Repository metadata; set for repository signatures only
	V3ServiceIndexURL string
	PackageOwners     []string

	primary *PrimarySignature
}

// Primary returns the primary signature this signer belongs to.
func (s *Signature) Primary() *PrimarySignature {
	return s.primary
}

// SignatureValue returns the raw signature bytes of the signer info.
// Timestamp message imprints are computed over this value.
func (s *Signature) SignatureValue() []byte {
	return s.SignerInfo.Signature
}

// FriendlyName returns a short human-readable label used in diagnostics.
func (s *Signature) FriendlyName() string {
	if s.Placement == PlacementCountersignature {
		return "repository countersignature"
	}
	switch s.Type {
	case SignatureTypeAuthor:
		return "author primary signature"
	case SignatureTypeRepository:
		return "repository primary signature"
	default:
		return "primary signature"
	}
}

// PrimarySignature represents the primary package signature
type PrimarySignature struct {
	Signature

	// Raw PKCS#7 data
	RawData []byte

	// Parsed CMS structure
	SignedData *SignedData

	// Attached content: the package content hash being signed
	Content *SignatureContent

	// Repository countersignature, if any
	RepositoryCountersignature *RepositoryCountersignature
}

// RepositoryCountersignature is a repository signer nested inside an author
// primary signature.
type RepositoryCountersignature struct {
	Signature
}

// Timestamp represents an RFC 3161 timestamp
type Timestamp struct {
	// Generalized time from TSTInfo
	Time time.Time

	// Accuracy (optional)
	Accuracy time.Duration

	// Timestamp authority certificate
	SignerCertificate *x509.Certificate

	// Certificates embedded in the token
	Certificates []*x509.Certificate

	// Message imprint hash algorithm and value
	HashAlgorithm  HashAlgorithmName
	MessageImprint []byte

	Nonce        *big.Int
	SerialNumber *big.Int
	Policy       asn1.ObjectIdentifier

	// Raw token (ContentInfo) and its parsed SignedData
	RawData    []byte
	SignedData *SignedData
	SignerInfo SignerInfo

	// DER-encoded TSTInfo (the eContent the TSA signed)
	tstInfo []byte
}

// UpperLimit returns the latest instant the timestamp may represent.
func (t *Timestamp) UpperLimit() time.Time {
	return t.Time.Add(t.Accuracy)
}

// LowerLimit returns the earliest instant the timestamp may represent.
func (t *Timestamp) LowerLimit() time.Time {
	return t.Time.Add(-t.Accuracy)
}

// SignedData represents CMS SignedData structure (RFC 5652)
type SignedData struct {
	Version          int                   `asn1:"default:1"`
	DigestAlgorithms []AlgorithmIdentifier `asn1:"set"`
	ContentInfo      EncapsulatedContentInfo
	Certificates     asn1.RawValue `asn1:"optional,tag:0"`
	CRLs             asn1.RawValue `asn1:"optional,tag:1"`
	SignerInfos      []SignerInfo  `asn1:"set"`
}

// EncapsulatedContentInfo represents the signed content
type EncapsulatedContentInfo struct {
	ContentType asn1.ObjectIdentifier
	Content     asn1.RawValue `asn1:"optional,explicit,tag:0"`
}

// SignerInfo represents signer information (RFC 5652)
type SignerInfo struct {
	Version            int           `asn1:"default:1"`
	SID                asn1.RawValue // SignerIdentifier (CHOICE)
	DigestAlgorithm    AlgorithmIdentifier
	SignedAttrs        asn1.RawValue `asn1:"optional,tag:0"`
	SignatureAlgorithm AlgorithmIdentifier
	Signature          []byte
	UnsignedAttrs      asn1.RawValue `asn1:"optional,tag:1"`
}

// IssuerAndSerialNumber identifies a certificate
type IssuerAndSerialNumber struct {
	Issuer       asn1.RawValue
	SerialNumber *big.Int
}

// AlgorithmIdentifier represents an algorithm
type AlgorithmIdentifier struct {
	Algorithm  asn1.ObjectIdentifier
	Parameters asn1.RawValue `asn1:"optional"`
}

// Attribute represents a CMS attribute
type Attribute struct {
	Type   asn1.ObjectIdentifier
	Values asn1.RawValue `asn1:"set"`
}
