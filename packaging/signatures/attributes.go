package signatures

import (
	"bytes"
	"crypto/sha1" //nolint:gosec // ESS signing-certificate v1 is defined over SHA-1
	"crypto/x509"
	"encoding/asn1"
	"errors"
	"fmt"
	"time"
)

// commitmentTypeIndication is the RFC 5126 commitment-type-indication value.
type commitmentTypeIndication struct {
	CommitmentTypeID asn1.ObjectIdentifier
	Qualifiers       asn1.RawValue `asn1:"optional"`
}

// signedAttributesRequest describes the attributes of one signer.
type signedAttributesRequest struct {
	contentType   asn1.ObjectIdentifier // omitted for countersignatures
	messageDigest []byte
	signatureType SignatureType
	certificate   *x509.Certificate
	hashAlgorithm HashAlgorithmName
	signingTime   time.Time

	v3ServiceIndexURL string
	packageOwners     []string
}

// buildSignedAttributes creates the authenticated attributes for a signer.
//
// Primary signatures carry content-type, signing-time, message-digest,
// commitment-type-indication and signing-certificate-v2. Repository signers
// add the v3 service index URL and the optional package owners.
func buildSignedAttributes(req signedAttributesRequest) ([]Attribute, error) {
	var attrs []Attribute
	add := func(oid asn1.ObjectIdentifier, value any) error {
		attr, err := newAttribute(oid, value)
		if err != nil {
			return fmt.Errorf("create attribute %v: %w", oid, err)
		}
		attrs = append(attrs, attr)
		return nil
	}

	if req.contentType != nil {
		if err := add(oidContentType, req.contentType); err != nil {
			return nil, err
		}
	}
	signingTime := req.signingTime
	if signingTime.IsZero() {
		signingTime = time.Now()
	}
	if err := add(oidSigningTime, signingTime.UTC()); err != nil {
		return nil, err
	}
	if err := add(oidMessageDigest, req.messageDigest); err != nil {
		return nil, err
	}

	switch req.signatureType {
	case SignatureTypeAuthor:
		if err := add(oidCommitmentTypeIndication, commitmentTypeIndication{CommitmentTypeID: oidAuthorSignature}); err != nil {
			return nil, err
		}
	case SignatureTypeRepository:
		if err := add(oidCommitmentTypeIndication, commitmentTypeIndication{CommitmentTypeID: oidRepositorySignature}); err != nil {
			return nil, err
		}
		if req.v3ServiceIndexURL == "" {
			return nil, NewSignatureError(NU3017, "a repository signature requires a v3 service index URL")
		}
		if err := add(oidNuGetV3ServiceIndexURL, asn1.RawValue{Tag: asn1.TagIA5String, Bytes: []byte(req.v3ServiceIndexURL)}); err != nil {
			return nil, err
		}
		if len(req.packageOwners) > 0 {
			owners := make([]asn1.RawValue, 0, len(req.packageOwners))
			for _, owner := range req.packageOwners {
				owners = append(owners, asn1.RawValue{Tag: asn1.TagUTF8String, Bytes: []byte(owner)})
			}
			if err := add(oidNuGetPackageOwners, owners); err != nil {
				return nil, err
			}
		}
	}

	if req.certificate != nil {
		certID, err := newESSCertIDv2(req.certificate, req.hashAlgorithm)
		if err != nil {
			return nil, err
		}
		if err := add(oidSigningCertificateV2, SigningCertificateV2{Certs: []ESSCertIDv2{certID}}); err != nil {
			return nil, err
		}
	}

	return attrs, nil
}

func newESSCertIDv2(cert *x509.Certificate, hashAlg HashAlgorithmName) (ESSCertIDv2, error) {
	certHash, err := hashAlg.Sum(cert.Raw)
	if err != nil {
		return ESSCertIDv2{}, err
	}
	id := ESSCertIDv2{
		CertHash: certHash,
		IssuerSerial: IssuerSerial{
			Issuer:       []asn1.RawValue{{Class: asn1.ClassContextSpecific, Tag: 4, IsCompound: true, Bytes: cert.RawIssuer}},
			SerialNumber: cert.SerialNumber,
		},
	}
	if hashAlg != HashAlgorithmSHA256 {
		id.HashAlgorithm = AlgorithmIdentifier{Algorithm: hashAlg.OID()}
	}
	return id, nil
}

// newAttribute encodes a single-valued attribute.
func newAttribute(oid asn1.ObjectIdentifier, value any) (Attribute, error) {
	encoded, err := asn1.Marshal(value)
	if err != nil {
		return Attribute{}, err
	}
	return newRawAttribute(oid, encoded)
}

// newRawAttribute builds an attribute from already encoded values.
func newRawAttribute(oid asn1.ObjectIdentifier, values ...[]byte) (Attribute, error) {
	set, err := asn1.Marshal(asn1.RawValue{Tag: asn1.TagSet, IsCompound: true, Bytes: bytes.Join(values, nil)})
	if err != nil {
		return Attribute{}, err
	}
	return Attribute{Type: oid, Values: asn1.RawValue{FullBytes: set}}, nil
}

// encodeAttributes encodes attributes as an implicitly tagged [tag] SET OF
// Attribute suitable for SignerInfo.SignedAttrs or UnsignedAttrs.
func encodeAttributes(attrs []Attribute, tag int) (asn1.RawValue, error) {
	set, err := asn1.MarshalWithParams(attrs, "set")
	if err != nil {
		return asn1.RawValue{}, fmt.Errorf("marshal attributes: %w", err)
	}
	var parsed asn1.RawValue
	if _, err := asn1.Unmarshal(set, &parsed); err != nil {
		return asn1.RawValue{}, err
	}
	return asn1.RawValue{Class: asn1.ClassContextSpecific, Tag: tag, IsCompound: true, Bytes: parsed.Bytes}, nil
}

// signedAttributesForSigning returns the DER SET OF encoding of signed
// attributes. The signature covers this encoding rather than the [0] IMPLICIT
// form stored in the SignerInfo (RFC 5652 Section 5.4).
func signedAttributesForSigning(raw asn1.RawValue) ([]byte, error) {
	return asn1.Marshal(asn1.RawValue{Tag: asn1.TagSet, IsCompound: true, Bytes: raw.Bytes})
}

// parseAttributes decodes the contents of a [0] or [1] attribute set.
func parseAttributes(raw asn1.RawValue) ([]Attribute, error) {
	var attrs []Attribute
	data := raw.Bytes
	for len(data) > 0 {
		var attr Attribute
		rest, err := asn1.Unmarshal(data, &attr)
		if err != nil {
			return nil, err
		}
		attrs = append(attrs, attr)
		data = rest
	}
	return attrs, nil
}

// attributeValues splits an attribute's SET into its encoded values.
func attributeValues(attr Attribute) ([][]byte, error) {
	var values [][]byte
	data := attr.Values.Bytes
	for len(data) > 0 {
		var v asn1.RawValue
		rest, err := asn1.Unmarshal(data, &v)
		if err != nil {
			return nil, err
		}
		values = append(values, v.FullBytes)
		data = rest
	}
	return values, nil
}

// findAttributes returns all attributes of the given type.
func findAttributes(attrs []Attribute, oid asn1.ObjectIdentifier) []Attribute {
	var found []Attribute
	for _, attr := range attrs {
		if attr.Type.Equal(oid) {
			found = append(found, attr)
		}
	}
	return found
}

// singleAttributeValue returns the only value of the only attribute of the given type.
func singleAttributeValue(attrs []Attribute, oid asn1.ObjectIdentifier) ([]byte, error) {
	found := findAttributes(attrs, oid)
	if len(found) == 0 {
		return nil, nil
	}
	if len(found) > 1 {
		return nil, fmt.Errorf("multiple %v attributes", oid)
	}
	values, err := attributeValues(found[0])
	if err != nil {
		return nil, err
	}
	if len(values) != 1 {
		return nil, fmt.Errorf("attribute %v has %d values", oid, len(values))
	}
	return values[0], nil
}

// readSignatureType reads the commitment-type-indication attribute.
// Multiple commitment types are illegal.
func readSignatureType(attrs []Attribute) (SignatureType, error) {
	found := findAttributes(attrs, oidCommitmentTypeIndication)
	if len(found) == 0 {
		return SignatureTypeUnknown, nil
	}
	if len(found) > 1 {
		return SignatureTypeUnknown, errors.New("multiple commitment-type-indication attributes")
	}
	values, err := attributeValues(found[0])
	if err != nil {
		return SignatureTypeUnknown, err
	}

	sigType := SignatureTypeUnknown
	for _, value := range values {
		var oid asn1.ObjectIdentifier
		var cti commitmentTypeIndication
		if _, err := asn1.Unmarshal(value, &cti); err == nil {
			oid = cti.CommitmentTypeID
		} else if _, err := asn1.Unmarshal(value, &oid); err != nil {
			return SignatureTypeUnknown, fmt.Errorf("parse commitment type: %w", err)
		}

		var t SignatureType
		switch {
		case oid.Equal(oidAuthorSignature):
			t = SignatureTypeAuthor
		case oid.Equal(oidRepositorySignature):
			t = SignatureTypeRepository
		default:
			continue
		}
		if sigType != SignatureTypeUnknown && sigType != t {
			return SignatureTypeUnknown, errors.New("conflicting commitment types")
		}
		sigType = t
	}
	return sigType, nil
}

// readRepositoryMetadata reads the v3 service index URL and package owners.
func readRepositoryMetadata(attrs []Attribute) (string, []string, error) {
	var serviceIndex string
	raw, err := singleAttributeValue(attrs, oidNuGetV3ServiceIndexURL)
	if err != nil {
		return "", nil, err
	}
	if raw != nil {
		var v asn1.RawValue
		if _, err := asn1.Unmarshal(raw, &v); err != nil {
			return "", nil, fmt.Errorf("parse v3 service index url: %w", err)
		}
		serviceIndex = string(v.Bytes)
	}

	var owners []string
	raw, err = singleAttributeValue(attrs, oidNuGetPackageOwners)
	if err != nil {
		return "", nil, err
	}
	if raw != nil {
		var values []asn1.RawValue
		if _, err := asn1.Unmarshal(raw, &values); err != nil {
			return "", nil, fmt.Errorf("parse package owners: %w", err)
		}
		for _, v := range values {
			owners = append(owners, string(v.Bytes))
		}
	}
	return serviceIndex, owners, nil
}

// readMessageDigest returns the message-digest attribute value.
func readMessageDigest(attrs []Attribute) ([]byte, error) {
	raw, err := singleAttributeValue(attrs, oidMessageDigest)
	if err != nil {
		return nil, err
	}
	if raw == nil {
		return nil, errors.New("message-digest attribute is missing")
	}
	var digest []byte
	if _, err := asn1.Unmarshal(raw, &digest); err != nil {
		return nil, fmt.Errorf("parse message-digest: %w", err)
	}
	return digest, nil
}

// validateSigningCertificate checks the ESS signing-certificate attributes
// against the signer certificate. Author and repository signers must carry
// exactly one signing-certificate-v2 attribute; timestamp signers may use
// either version.
func validateSigningCertificate(attrs []Attribute, cert *x509.Certificate, isTimestamp bool) error {
	v1 := findAttributes(attrs, oidSigningCertificate)
	v2 := findAttributes(attrs, oidSigningCertificateV2)

	if !isTimestamp {
		if len(v1) > 0 {
			return errors.New("signing-certificate attribute is not allowed")
		}
		if len(v2) != 1 {
			return errors.New("exactly one signing-certificate-v2 attribute is required")
		}
	} else if len(v1)+len(v2) == 0 {
		return errors.New("signing-certificate or signing-certificate-v2 attribute is required")
	}

	if len(v2) > 0 {
		raw, err := singleAttributeValue(attrs, oidSigningCertificateV2)
		if err != nil {
			return err
		}
		var sc SigningCertificateV2
		if _, err := asn1.Unmarshal(raw, &sc); err != nil {
			return fmt.Errorf("parse signing-certificate-v2: %w", err)
		}
		if len(sc.Certs) == 0 {
			return errors.New("signing-certificate-v2 has no certificate identifiers")
		}
		id := sc.Certs[0]
		alg := HashAlgorithmSHA256
		if len(id.HashAlgorithm.Algorithm) > 0 {
			if alg = oidToHashAlgorithm(id.HashAlgorithm.Algorithm); alg == "" {
				return fmt.Errorf("%w in signing-certificate-v2", ErrUnsupportedHashAlgorithm)
			}
		}
		sum, err := alg.Sum(cert.Raw)
		if err != nil {
			return err
		}
		if !bytes.Equal(sum, id.CertHash) {
			return errors.New("signing-certificate-v2 does not match the signer certificate")
		}
		return checkIssuerSerial(id.IssuerSerial, cert)
	}

	raw, err := singleAttributeValue(attrs, oidSigningCertificate)
	if err != nil {
		return err
	}
	var sc SigningCertificate
	if _, err := asn1.Unmarshal(raw, &sc); err != nil {
		return fmt.Errorf("parse signing-certificate: %w", err)
	}
	if len(sc.Certs) == 0 {
		return errors.New("signing-certificate has no certificate identifiers")
	}
	sum := sha1.Sum(cert.Raw) //nolint:gosec
	if !bytes.Equal(sum[:], sc.Certs[0].CertHash) {
		return errors.New("signing-certificate does not match the signer certificate")
	}
	return checkIssuerSerial(sc.Certs[0].IssuerSerial, cert)
}

func checkIssuerSerial(is IssuerSerial, cert *x509.Certificate) error {
	if is.SerialNumber == nil {
		return nil
	}
	if is.SerialNumber.Cmp(cert.SerialNumber) != 0 {
		return errors.New("signing certificate serial number mismatch")
	}
	return nil
}
