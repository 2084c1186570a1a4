package signatures

import (
	"bytes"
	"crypto/x509"
	"encoding/asn1"
	"errors"
	"fmt"
	"math/big"
	"time"
)

// ReadSignature reads and parses a PKCS#7/CMS package signature.
//
// Malformed input yields a *FormatError. The returned signature has its
// signer, timestamps and repository countersignature resolved, but nothing
// has been verified yet.
func ReadSignature(signatureData []byte) (*PrimarySignature, error) {
	if len(signatureData) == 0 {
		return nil, formatError(nil, "signature data is empty")
	}

	signedData, err := parseSignedData(signatureData)
	if err != nil {
		return nil, err
	}
	if !signedData.ContentInfo.ContentType.Equal(oidData) {
		return nil, formatError(nil, "unexpected content type %v", signedData.ContentInfo.ContentType)
	}

	certs, err := parseCertificates(signedData.Certificates)
	if err != nil {
		return nil, formatError(err, "parse certificates")
	}

	// Package signatures have exactly one signer
	if len(signedData.SignerInfos) != 1 {
		return nil, formatError(nil, "expected exactly one signer, found %d", len(signedData.SignerInfos))
	}

	eContent, err := encapsulatedContent(signedData)
	if err != nil {
		return nil, err
	}
	content, err := ParseSignatureContent(eContent)
	if err != nil {
		return nil, err
	}

	sig := &PrimarySignature{
		RawData:    signatureData,
		SignedData: signedData,
		Content:    content,
	}
	sig.primary = sig
	sig.Placement = PlacementPrimary
	if err := readSigner(&sig.Signature, signedData.SignerInfos[0], certs); err != nil {
		return nil, err
	}

	countersignature, err := readRepositoryCountersignature(sig)
	if err != nil {
		return nil, err
	}
	sig.RepositoryCountersignature = countersignature

	return sig, nil
}

// parseSignedData unwraps a ContentInfo holding SignedData.
func parseSignedData(data []byte) (*SignedData, error) {
	var contentInfo ContentInfo
	rest, err := asn1.Unmarshal(data, &contentInfo)
	if err != nil {
		return nil, formatError(err, "unmarshal content info")
	}
	if len(rest) > 0 {
		return nil, formatError(nil, "trailing data after content info")
	}
	if !contentInfo.ContentType.Equal(oidSignedData) {
		return nil, formatError(nil, "not a SignedData structure (got OID %v)", contentInfo.ContentType)
	}

	var signedData SignedData
	if _, err := asn1.Unmarshal(contentInfo.Content.Bytes, &signedData); err != nil {
		return nil, formatError(err, "unmarshal signed data")
	}
	return &signedData, nil
}

// encapsulatedContent returns the eContent octets of a SignedData.
func encapsulatedContent(sd *SignedData) ([]byte, error) {
	if len(sd.ContentInfo.Content.Bytes) == 0 {
		return nil, formatError(nil, "signed data has no encapsulated content")
	}
	var content []byte
	if _, err := asn1.Unmarshal(sd.ContentInfo.Content.Bytes, &content); err != nil {
		return nil, formatError(err, "unmarshal encapsulated content")
	}
	return content, nil
}

// parseCertificates extracts X.509 certificates from the raw value
func parseCertificates(certData asn1.RawValue) ([]*x509.Certificate, error) {
	if len(certData.Bytes) == 0 {
		return []*x509.Certificate{}, nil
	}

	certs, err := x509.ParseCertificates(certData.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parse x509 certificates: %w", err)
	}

	return certs, nil
}

// readSigner fills the shared signer view from a SignerInfo.
func readSigner(s *Signature, si SignerInfo, certs []*x509.Certificate) error {
	s.SignerInfo = si
	s.Certificates = certs

	signerCert, err := findSignerCertificate(si, certs)
	if err != nil {
		return formatError(err, "find signer certificate")
	}
	s.SignerCertificate = signerCert

	if s.HashAlgorithm = oidToHashAlgorithm(si.DigestAlgorithm.Algorithm); s.HashAlgorithm == "" {
		return formatError(ErrUnsupportedHashAlgorithm, "signer digest algorithm %v", si.DigestAlgorithm.Algorithm)
	}

	if len(si.SignedAttrs.Bytes) == 0 {
		return formatError(nil, "signer has no signed attributes")
	}
	attrs, err := parseAttributes(si.SignedAttrs)
	if err != nil {
		return formatError(err, "parse signed attributes")
	}

	if s.Type, err = readSignatureType(attrs); err != nil {
		return formatError(err, "read commitment type")
	}
	if s.Type != SignatureTypeUnknown {
		if err := validateSigningCertificate(attrs, signerCert, false); err != nil {
			return formatError(err, "validate signing certificate attribute")
		}
	}
	if s.Type == SignatureTypeRepository {
		if s.V3ServiceIndexURL, s.PackageOwners, err = readRepositoryMetadata(attrs); err != nil {
			return formatError(err, "read repository metadata")
		}
		if s.V3ServiceIndexURL == "" {
			return formatError(nil, "repository signature has no v3 service index URL")
		}
	}

	timestamps, err := extractTimestamps(si)
	if err != nil {
		return err
	}
	s.Timestamps = timestamps
	return nil
}

// findSignerCertificate matches the signer info to a certificate
func findSignerCertificate(signerInfo SignerInfo, certs []*x509.Certificate) (*x509.Certificate, error) {
	// SignerIdentifier is a CHOICE:
	// - IssuerAndSerialNumber (SEQUENCE)
	// - subjectKeyIdentifier [0] IMPLICIT
	if signerInfo.SID.Class == asn1.ClassContextSpecific && signerInfo.SID.Tag == 0 {
		for _, cert := range certs {
			if len(cert.SubjectKeyId) > 0 && bytes.Equal(cert.SubjectKeyId, signerInfo.SID.Bytes) {
				return cert, nil
			}
		}
		return nil, errors.New("no certificate matches the subject key identifier")
	}

	var ias IssuerAndSerialNumber
	if _, err := asn1.Unmarshal(signerInfo.SID.FullBytes, &ias); err != nil {
		return nil, fmt.Errorf("parse issuer and serial number: %w", err)
	}
	for _, cert := range certs {
		if cert.SerialNumber.Cmp(ias.SerialNumber) == 0 && bytes.Equal(cert.RawIssuer, ias.Issuer.FullBytes) {
			return cert, nil
		}
	}
	return nil, errors.New("no certificate matches the issuer and serial number")
}

// readRepositoryCountersignature finds the repository countersigner in the
// primary signer's unsigned attributes.
func readRepositoryCountersignature(primary *PrimarySignature) (*RepositoryCountersignature, error) {
	if len(primary.SignerInfo.UnsignedAttrs.Bytes) == 0 {
		return nil, nil
	}
	attrs, err := parseAttributes(primary.SignerInfo.UnsignedAttrs)
	if err != nil {
		return nil, formatError(err, "parse unsigned attributes")
	}

	var found *RepositoryCountersignature
	for _, attr := range findAttributes(attrs, oidCounterSignature) {
		values, err := attributeValues(attr)
		if err != nil {
			return nil, formatError(err, "parse countersignature attribute")
		}
		for _, value := range values {
			var si SignerInfo
			if _, err := asn1.Unmarshal(value, &si); err != nil {
				return nil, formatError(err, "unmarshal countersigner info")
			}
			cs := &RepositoryCountersignature{}
			cs.primary = primary
			cs.Placement = PlacementCountersignature
			if err := readSigner(&cs.Signature, si, primary.Certificates); err != nil {
				return nil, err
			}
			if cs.Type != SignatureTypeRepository {
				continue
			}
			if primary.Type == SignatureTypeRepository {
				return nil, formatError(nil, "a repository primary signature cannot have a repository countersignature")
			}
			if found != nil {
				return nil, formatError(nil, "multiple repository countersignatures")
			}
			found = cs
		}
	}
	return found, nil
}

// extractTimestamps extracts RFC 3161 timestamps from unsigned attributes
func extractTimestamps(signerInfo SignerInfo) ([]*Timestamp, error) {
	if len(signerInfo.UnsignedAttrs.Bytes) == 0 {
		return nil, nil
	}
	attrs, err := parseAttributes(signerInfo.UnsignedAttrs)
	if err != nil {
		return nil, formatError(err, "parse unsigned attributes")
	}

	var timestamps []*Timestamp
	for _, attr := range findAttributes(attrs, oidTimestampToken) {
		values, err := attributeValues(attr)
		if err != nil {
			return nil, formatError(err, "parse timestamp attribute")
		}
		for _, value := range values {
			ts, err := ParseTimestampToken(value)
			if err != nil {
				return nil, err
			}
			timestamps = append(timestamps, ts)
		}
	}
	return timestamps, nil
}

// tstInfo represents the RFC 3161 TSTInfo (Time-Stamp Token Info) structure.
type tstInfo struct {
	Version        int
	Policy         asn1.ObjectIdentifier
	MessageImprint messageImprint
	SerialNumber   *big.Int
	GenTime        time.Time     `asn1:"generalized"`
	Accuracy       accuracy      `asn1:"optional"`
	Ordering       bool          `asn1:"optional,default:false"`
	Nonce          *big.Int      `asn1:"optional"`
	TSA            asn1.RawValue `asn1:"optional,explicit,tag:0"`
	Extensions     asn1.RawValue `asn1:"optional,tag:1"`
}

type messageImprint struct {
	HashAlgorithm AlgorithmIdentifier
	HashedMessage []byte
}

type accuracy struct {
	Seconds int `asn1:"optional"`
	Millis  int `asn1:"optional,tag:0"`
	Micros  int `asn1:"optional,tag:1"`
}

func (a accuracy) duration() time.Duration {
	return time.Duration(a.Seconds)*time.Second +
		time.Duration(a.Millis)*time.Millisecond +
		time.Duration(a.Micros)*time.Microsecond
}

// ParseTimestampToken parses an RFC 3161 timestamp token (a ContentInfo
// holding SignedData over a TSTInfo).
func ParseTimestampToken(data []byte) (*Timestamp, error) {
	signedData, err := parseSignedData(data)
	if err != nil {
		return nil, err
	}
	if !signedData.ContentInfo.ContentType.Equal(oidTSTInfo) {
		return nil, formatError(nil, "timestamp content type is %v, not TSTInfo", signedData.ContentInfo.ContentType)
	}
	if len(signedData.SignerInfos) != 1 {
		return nil, formatError(nil, "timestamp has %d signers", len(signedData.SignerInfos))
	}

	eContent, err := encapsulatedContent(signedData)
	if err != nil {
		return nil, err
	}
	var info tstInfo
	if _, err := asn1.Unmarshal(eContent, &info); err != nil {
		return nil, formatError(err, "parse TSTInfo")
	}

	certs, err := parseCertificates(signedData.Certificates)
	if err != nil {
		return nil, formatError(err, "parse timestamp certificates")
	}

	ts := &Timestamp{
		Time:           info.GenTime,
		Accuracy:       info.Accuracy.duration(),
		Certificates:   certs,
		HashAlgorithm:  oidToHashAlgorithm(info.MessageImprint.HashAlgorithm.Algorithm),
		MessageImprint: info.MessageImprint.HashedMessage,
		Nonce:          info.Nonce,
		SerialNumber:   info.SerialNumber,
		Policy:         info.Policy,
		RawData:        data,
		SignedData:     signedData,
		SignerInfo:     signedData.SignerInfos[0],
		tstInfo:        eContent,
	}

	// A missing signer certificate is reported by the timestamp validator
	if cert, err := findSignerCertificate(ts.SignerInfo, certs); err == nil {
		ts.SignerCertificate = cert
	}
	return ts, nil
}
