package signatures

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/rsa"
	"crypto/x509"
	"encoding/asn1"
	"encoding/hex"
	"fmt"
	"math/big"
	"strings"
)

// OID constants from RFC 5652, RFC 3161, RFC 5126 and the NuGet signing specification.
var (
	// oidData is the CMS content-type for arbitrary data (RFC 5652).
	oidData = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 7, 1}

	// oidSignedData is the CMS SignedData content type (RFC 5652).
	oidSignedData = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 7, 2}

	// oidTSTInfo is the content type of an RFC 3161 timestamp token.
	oidTSTInfo = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 9, 16, 1, 4}

	// PKCS#9 attributes (RFC 2985)
	oidContentType      = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 9, 3}
	oidMessageDigest    = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 9, 4}
	oidSigningTime      = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 9, 5}
	oidCounterSignature = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 9, 6}

	// ESS signing-certificate attributes (RFC 2634, RFC 5035)
	oidSigningCertificate   = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 9, 16, 2, 12}
	oidSigningCertificateV2 = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 9, 16, 2, 47}

	// RFC 5126 - Commitment Type Indication
	oidCommitmentTypeIndication = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 9, 16, 2, 16}
	oidAuthorSignature          = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 9, 16, 6, 1} // ProofOfOrigin
	oidRepositorySignature      = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 9, 16, 6, 2} // ProofOfReceipt

	// RFC 3161 - Timestamp token unsigned attribute
	oidTimestampToken = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 9, 16, 2, 14}

	// Repository signature metadata
	oidNuGetV3ServiceIndexURL = asn1.ObjectIdentifier{1, 3, 6, 1, 4, 1, 311, 84, 2, 1, 1, 1}
	oidNuGetPackageOwners     = asn1.ObjectIdentifier{1, 3, 6, 1, 4, 1, 311, 84, 2, 1, 1, 2}

	// Hash algorithm OIDs
	oidSHA1   = asn1.ObjectIdentifier{1, 3, 14, 3, 2, 26}
	oidSHA256 = asn1.ObjectIdentifier{2, 16, 840, 1, 101, 3, 4, 2, 1}
	oidSHA384 = asn1.ObjectIdentifier{2, 16, 840, 1, 101, 3, 4, 2, 2}
	oidSHA512 = asn1.ObjectIdentifier{2, 16, 840, 1, 101, 3, 4, 2, 3}

	// Signature algorithm OIDs
	oidRSAEncryption   = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 1, 1}
	oidSHA256WithRSA   = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 1, 11}
	oidSHA384WithRSA   = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 1, 12}
	oidSHA512WithRSA   = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 1, 13}
	oidECDSAWithSHA256 = asn1.ObjectIdentifier{1, 2, 840, 10045, 4, 3, 2}
	oidECDSAWithSHA384 = asn1.ObjectIdentifier{1, 2, 840, 10045, 4, 3, 3}
	oidECDSAWithSHA512 = asn1.ObjectIdentifier{1, 2, 840, 10045, 4, 3, 4}
	oidECPublicKey     = asn1.ObjectIdentifier{1, 2, 840, 10045, 2, 1}
)

// ContentInfo represents the outer wrapper for CMS structures (RFC 5652).
// It encapsulates content with a content type identifier.
type ContentInfo struct {
	ContentType asn1.ObjectIdentifier
	Content     asn1.RawValue `asn1:"explicit,optional,tag:0"`
}

// SigningCertificateV2 identifies the signing certificate using SHA-256 or stronger (RFC 5035).
// This attribute binds the signing certificate to the signature.
type SigningCertificateV2 struct {
	Certs    []ESSCertIDv2
	Policies asn1.RawValue `asn1:"optional"`
}

// ESSCertIDv2 identifies a certificate by its hash value (RFC 5035).
// A missing hash algorithm means SHA-256.
type ESSCertIDv2 struct {
	HashAlgorithm AlgorithmIdentifier `asn1:"optional"`
	CertHash      []byte
	IssuerSerial  IssuerSerial `asn1:"optional"`
}

// SigningCertificate is the SHA-1 based ESS signing-certificate attribute
// (RFC 2634). Only timestamp tokens may use it.
type SigningCertificate struct {
	Certs    []ESSCertID
	Policies asn1.RawValue `asn1:"optional"`
}

// ESSCertID identifies a certificate by its SHA-1 hash.
type ESSCertID struct {
	CertHash     []byte
	IssuerSerial IssuerSerial `asn1:"optional"`
}

// IssuerSerial identifies a certificate by issuer distinguished name and serial number.
type IssuerSerial struct {
	Issuer       []asn1.RawValue
	SerialNumber *big.Int
}

// HashAlgorithmName represents cryptographic hash algorithms
type HashAlgorithmName string

const (
	// HashAlgorithmSHA256 represents the SHA-256 hash algorithm.
	HashAlgorithmSHA256 HashAlgorithmName = "SHA256"
	// HashAlgorithmSHA384 represents the SHA-384 hash algorithm.
	HashAlgorithmSHA384 HashAlgorithmName = "SHA384"
	// HashAlgorithmSHA512 represents the SHA-512 hash algorithm.
	HashAlgorithmSHA512 HashAlgorithmName = "SHA512"
)

// ParseHashAlgorithm parses a case-insensitive hash algorithm name such as
// "sha256" or "SHA-384".
func ParseHashAlgorithm(name string) (HashAlgorithmName, error) {
	switch strings.ToUpper(strings.ReplaceAll(name, "-", "")) {
	case "SHA256":
		return HashAlgorithmSHA256, nil
	case "SHA384":
		return HashAlgorithmSHA384, nil
	case "SHA512":
		return HashAlgorithmSHA512, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnsupportedHashAlgorithm, name)
}

// CryptoHash returns the crypto.Hash for the algorithm.
func (h HashAlgorithmName) CryptoHash() (crypto.Hash, error) {
	switch h {
	case HashAlgorithmSHA256:
		return crypto.SHA256, nil
	case HashAlgorithmSHA384:
		return crypto.SHA384, nil
	case HashAlgorithmSHA512:
		return crypto.SHA512, nil
	}
	return 0, fmt.Errorf("%w: %q", ErrUnsupportedHashAlgorithm, string(h))
}

// OID returns the digest algorithm identifier.
func (h HashAlgorithmName) OID() asn1.ObjectIdentifier {
	switch h {
	case HashAlgorithmSHA384:
		return oidSHA384
	case HashAlgorithmSHA512:
		return oidSHA512
	default:
		return oidSHA256
	}
}

// Sum hashes data with the algorithm.
func (h HashAlgorithmName) Sum(data []byte) ([]byte, error) {
	ch, err := h.CryptoHash()
	if err != nil {
		return nil, err
	}
	hasher := ch.New()
	hasher.Write(data)
	return hasher.Sum(nil), nil
}

// oidToHashAlgorithm converts an OID to a hash algorithm name
func oidToHashAlgorithm(oid asn1.ObjectIdentifier) HashAlgorithmName {
	switch {
	case oid.Equal(oidSHA256):
		return HashAlgorithmSHA256
	case oid.Equal(oidSHA384):
		return HashAlgorithmSHA384
	case oid.Equal(oidSHA512):
		return HashAlgorithmSHA512
	default:
		return ""
	}
}

// signatureAlgorithmOID returns the signature algorithm for the key type and hash.
func signatureAlgorithmOID(pub crypto.PublicKey, hashAlg HashAlgorithmName) (asn1.ObjectIdentifier, error) {
	switch pub.(type) {
	case *rsa.PublicKey:
		switch hashAlg {
		case HashAlgorithmSHA384:
			return oidSHA384WithRSA, nil
		case HashAlgorithmSHA512:
			return oidSHA512WithRSA, nil
		default:
			return oidSHA256WithRSA, nil
		}
	case *ecdsa.PublicKey:
		switch hashAlg {
		case HashAlgorithmSHA384:
			return oidECDSAWithSHA384, nil
		case HashAlgorithmSHA512:
			return oidECDSAWithSHA512, nil
		default:
			return oidECDSAWithSHA256, nil
		}
	}
	return nil, fmt.Errorf("unsupported public key type %T", pub)
}

// isSupportedSignatureAlgorithm reports whether a signer info's signature
// algorithm identifier is one this package can verify.
func isSupportedSignatureAlgorithm(oid asn1.ObjectIdentifier) bool {
	for _, known := range []asn1.ObjectIdentifier{
		oidRSAEncryption, oidSHA256WithRSA, oidSHA384WithRSA, oidSHA512WithRSA,
		oidECPublicKey, oidECDSAWithSHA256, oidECDSAWithSHA384, oidECDSAWithSHA512,
	} {
		if oid.Equal(known) {
			return true
		}
	}
	return false
}

// CertificateFingerprint returns the uppercase hex hash of the certificate's
// DER encoding.
func CertificateFingerprint(cert *x509.Certificate, hashAlg HashAlgorithmName) (string, error) {
	sum, err := hashAlg.Sum(cert.Raw)
	if err != nil {
		return "", err
	}
	return strings.ToUpper(hex.EncodeToString(sum)), nil
}

// NormalizeFingerprint strips separators and upper-cases a fingerprint for comparison.
func NormalizeFingerprint(fingerprint string) string {
	r := strings.NewReplacer(":", "", " ", "", "-", "")
	return strings.ToUpper(r.Replace(strings.TrimSpace(fingerprint)))
}
