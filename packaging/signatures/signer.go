package signatures

import (
	"bytes"
	"crypto"
	"crypto/rand"
	"crypto/x509"
	"encoding/asn1"
	"errors"
	"fmt"
	"slices"
	"time"
)

// SignRequest describes who signs and how.
type SignRequest struct {
	Certificate *x509.Certificate

	// Chain holds the certificates to embed alongside the signing certificate.
	Chain []*x509.Certificate

	// Signer holds the private key. RSA signers produce PKCS#1 v1.5
	// signatures, ECDSA signers ASN.1 encoded ones.
	Signer crypto.Signer

	SignatureType SignatureType
	HashAlgorithm HashAlgorithmName

	// Repository signature metadata
	V3ServiceIndexURL string
	PackageOwners     []string

	// SigningTime defaults to now.
	SigningTime time.Time
}

// Validate checks the request before any signing work is done. Failures are
// *SignatureError values with code NU3017.
func (r *SignRequest) Validate(now time.Time) error {
	invalid := func(format string, args ...any) error {
		return NewSignatureError(NU3017, format, args...)
	}

	if r.Certificate == nil {
		return invalid("a signing certificate is required")
	}
	if r.Signer == nil {
		return invalid("a private key is required")
	}
	pub, ok := r.Signer.Public().(interface{ Equal(crypto.PublicKey) bool })
	if !ok || !pub.Equal(r.Certificate.PublicKey) {
		return invalid("the private key does not match the signing certificate")
	}
	if err := CheckSignerKeyLength(r.Certificate); err != nil {
		return invalid("%v", err)
	}
	if !slices.Contains([]HashAlgorithmName{HashAlgorithmSHA256, HashAlgorithmSHA384, HashAlgorithmSHA512}, r.HashAlgorithm) {
		return invalid("hash algorithm %q is not supported", r.HashAlgorithm)
	}
	if !HasExtKeyUsage(r.Certificate, x509.ExtKeyUsageCodeSigning) {
		return invalid("the signing certificate is not valid for code signing")
	}
	if now.After(r.Certificate.NotAfter) {
		return invalid("the signing certificate expired on %s", r.Certificate.NotAfter.UTC().Format(time.RFC3339))
	}
	if now.Before(r.Certificate.NotBefore) {
		return invalid("the signing certificate is not valid until %s", r.Certificate.NotBefore.UTC().Format(time.RFC3339))
	}

	switch r.SignatureType {
	case SignatureTypeAuthor:
	case SignatureTypeRepository:
		if r.V3ServiceIndexURL == "" {
			return invalid("a repository signature requires a v3 service index URL")
		}
	default:
		return invalid("signature type %q cannot be created", r.SignatureType)
	}
	return nil
}

// SignedDataRequest describes a CMS SignedData with a single signer and
// encapsulated content. It is the building block for package signatures
// and timestamp tokens alike.
type SignedDataRequest struct {
	ContentType   asn1.ObjectIdentifier
	Content       []byte
	Certificate   *x509.Certificate
	Signer        crypto.Signer
	HashAlgorithm HashAlgorithmName

	// Certificates are embedded after the signing certificate.
	Certificates []*x509.Certificate

	// SignatureType adds a commitment-type-indication; leave empty for
	// timestamp tokens.
	SignatureType     SignatureType
	SigningTime       time.Time
	V3ServiceIndexURL string
	PackageOwners     []string
}

// CreateSignedData builds and signs a DER encoded ContentInfo holding SignedData.
func CreateSignedData(req SignedDataRequest) ([]byte, error) {
	digest, err := req.HashAlgorithm.Sum(req.Content)
	if err != nil {
		return nil, err
	}
	si, err := createSignerInfo(signedAttributesRequest{
		contentType:       req.ContentType,
		messageDigest:     digest,
		signatureType:     req.SignatureType,
		certificate:       req.Certificate,
		hashAlgorithm:     req.HashAlgorithm,
		signingTime:       req.SigningTime,
		v3ServiceIndexURL: req.V3ServiceIndexURL,
		packageOwners:     req.PackageOwners,
	}, req.Signer)
	if err != nil {
		return nil, err
	}

	content, err := asn1.Marshal(req.Content)
	if err != nil {
		return nil, fmt.Errorf("marshal content: %w", err)
	}
	sd := SignedData{
		Version:          1,
		DigestAlgorithms: []AlgorithmIdentifier{{Algorithm: req.HashAlgorithm.OID()}},
		ContentInfo: EncapsulatedContentInfo{
			ContentType: req.ContentType,
			Content:     asn1.RawValue{Class: asn1.ClassContextSpecific, Tag: 0, IsCompound: true, Bytes: content},
		},
		Certificates: encodeCertificates(nil, append([]*x509.Certificate{req.Certificate}, req.Certificates...)),
		SignerInfos:  []SignerInfo{si},
	}
	return marshalSignedData(sd)
}

// CreatePrimarySignature signs the signature content and returns the parsed
// primary signature. The request must already be validated.
func CreatePrimarySignature(req SignRequest, content *SignatureContent) (*PrimarySignature, error) {
	if content == nil {
		return nil, errors.New("signature content is required")
	}
	data, err := CreateSignedData(SignedDataRequest{
		ContentType:       oidData,
		Content:           content.Bytes(),
		Certificate:       req.Certificate,
		Signer:            req.Signer,
		HashAlgorithm:     req.HashAlgorithm,
		Certificates:      req.Chain,
		SignatureType:     req.SignatureType,
		SigningTime:       req.SigningTime,
		V3ServiceIndexURL: req.V3ServiceIndexURL,
		PackageOwners:     req.PackageOwners,
	})
	if err != nil {
		return nil, fmt.Errorf("create primary signature: %w", err)
	}
	return ReadSignature(data)
}

// CreateRepositoryCountersignature countersigns an author primary signature
// and returns the re-encoded primary signature carrying it.
func CreateRepositoryCountersignature(req SignRequest, primary *PrimarySignature) (*PrimarySignature, error) {
	if primary.Type != SignatureTypeAuthor {
		return nil, NewSignatureError(NU3001, "only an author primary signature can be countersigned")
	}
	if primary.RepositoryCountersignature != nil {
		return nil, NewSignatureError(NU3001, "the primary signature already has a repository countersignature")
	}
	if req.SignatureType != SignatureTypeRepository {
		return nil, NewSignatureError(NU3017, "a countersignature must be a repository signature")
	}

	digest, err := req.HashAlgorithm.Sum(primary.SignerInfo.Signature)
	if err != nil {
		return nil, err
	}
	si, err := createSignerInfo(signedAttributesRequest{
		messageDigest:     digest,
		signatureType:     SignatureTypeRepository,
		certificate:       req.Certificate,
		hashAlgorithm:     req.HashAlgorithm,
		signingTime:       req.SigningTime,
		v3ServiceIndexURL: req.V3ServiceIndexURL,
		packageOwners:     req.PackageOwners,
	}, req.Signer)
	if err != nil {
		return nil, fmt.Errorf("create countersignature: %w", err)
	}
	encoded, err := asn1.Marshal(si)
	if err != nil {
		return nil, fmt.Errorf("marshal countersigner info: %w", err)
	}
	attr, err := newRawAttribute(oidCounterSignature, encoded)
	if err != nil {
		return nil, err
	}

	return primary.rebuild(func(sd *SignedData) error {
		updated, err := appendUnsignedAttribute(sd.SignerInfos[0], attr)
		if err != nil {
			return err
		}
		sd.SignerInfos[0] = updated
		sd.Certificates = encodeCertificates(primary.Certificates, append([]*x509.Certificate{req.Certificate}, req.Chain...))
		return nil
	})
}

// AddTimestamp embeds an RFC 3161 token into the unsigned attributes of
// sig, which may be the primary signer or its repository countersigner.
// The re-encoded primary signature is returned.
func AddTimestamp(sig *Signature, token []byte) (*PrimarySignature, error) {
	primary := sig.Primary()
	if primary == nil {
		return nil, errors.New("signature is not attached to a primary signature")
	}
	attr, err := newRawAttribute(oidTimestampToken, token)
	if err != nil {
		return nil, err
	}

	if sig.Placement == PlacementPrimary {
		return primary.rebuild(func(sd *SignedData) error {
			updated, err := appendUnsignedAttribute(sd.SignerInfos[0], attr)
			if err != nil {
				return err
			}
			sd.SignerInfos[0] = updated
			return nil
		})
	}

	return primary.rebuild(func(sd *SignedData) error {
		found := false
		updated, err := mapCountersigners(sd.SignerInfos[0], func(si SignerInfo) (*SignerInfo, error) {
			if found || !bytes.Equal(si.Signature, sig.SignerInfo.Signature) {
				return &si, nil
			}
			found = true
			stamped, err := appendUnsignedAttribute(si, attr)
			return &stamped, err
		})
		if err != nil {
			return err
		}
		if !found {
			return errors.New("countersignature not found in the primary signature")
		}
		sd.SignerInfos[0] = updated
		return nil
	})
}

// RemoveRepositoryCountersignature returns the primary signature re-encoded
// without its repository countersignature. Other countersigners are kept.
func RemoveRepositoryCountersignature(primary *PrimarySignature) (*PrimarySignature, error) {
	if primary.RepositoryCountersignature == nil {
		return primary, nil
	}
	target := primary.RepositoryCountersignature.SignerInfo.Signature
	return primary.rebuild(func(sd *SignedData) error {
		updated, err := mapCountersigners(sd.SignerInfos[0], func(si SignerInfo) (*SignerInfo, error) {
			if bytes.Equal(si.Signature, target) {
				return nil, nil
			}
			return &si, nil
		})
		if err != nil {
			return err
		}
		sd.SignerInfos[0] = updated
		return nil
	})
}

// rebuild re-encodes the signature after mutate has edited a copy of its
// SignedData. Signed attributes are carried over byte for byte, so existing
// signature values stay valid.
func (p *PrimarySignature) rebuild(mutate func(sd *SignedData) error) (*PrimarySignature, error) {
	sd := *p.SignedData
	sd.SignerInfos = slices.Clone(p.SignedData.SignerInfos)
	if err := mutate(&sd); err != nil {
		return nil, err
	}
	data, err := marshalSignedData(sd)
	if err != nil {
		return nil, err
	}
	return ReadSignature(data)
}

// mapCountersigners rewrites every counterSignature value of si. A nil
// result from fn drops that countersigner; attributes left empty are removed.
func mapCountersigners(si SignerInfo, fn func(SignerInfo) (*SignerInfo, error)) (SignerInfo, error) {
	attrs, err := parseAttributes(si.UnsignedAttrs)
	if err != nil {
		return si, formatError(err, "parse unsigned attributes")
	}

	var kept []Attribute
	for _, attr := range attrs {
		if !attr.Type.Equal(oidCounterSignature) {
			kept = append(kept, attr)
			continue
		}
		values, err := attributeValues(attr)
		if err != nil {
			return si, formatError(err, "parse countersignature attribute")
		}
		var rewritten [][]byte
		for _, value := range values {
			var counter SignerInfo
			if _, err := asn1.Unmarshal(value, &counter); err != nil {
				return si, formatError(err, "unmarshal countersigner info")
			}
			result, err := fn(counter)
			if err != nil {
				return si, err
			}
			if result == nil {
				continue
			}
			encoded, err := asn1.Marshal(*result)
			if err != nil {
				return si, err
			}
			rewritten = append(rewritten, encoded)
		}
		if len(rewritten) == 0 {
			continue
		}
		newAttr, err := newRawAttribute(oidCounterSignature, rewritten...)
		if err != nil {
			return si, err
		}
		kept = append(kept, newAttr)
	}

	si.UnsignedAttrs = asn1.RawValue{}
	if len(kept) > 0 {
		if si.UnsignedAttrs, err = encodeAttributes(kept, 1); err != nil {
			return si, err
		}
	}
	return si, nil
}

// appendUnsignedAttribute adds attr to the signer's unsigned attributes.
func appendUnsignedAttribute(si SignerInfo, attr Attribute) (SignerInfo, error) {
	attrs, err := parseAttributes(si.UnsignedAttrs)
	if err != nil {
		return si, formatError(err, "parse unsigned attributes")
	}
	if si.UnsignedAttrs, err = encodeAttributes(append(attrs, attr), 1); err != nil {
		return si, err
	}
	return si, nil
}

// createSignerInfo builds the signed attributes and signs them.
func createSignerInfo(req signedAttributesRequest, signer crypto.Signer) (SignerInfo, error) {
	cert := req.certificate
	if cert == nil || signer == nil {
		return SignerInfo{}, errors.New("a certificate and a signer are required")
	}
	hash, err := req.hashAlgorithm.CryptoHash()
	if err != nil {
		return SignerInfo{}, err
	}
	sigAlg, err := signatureAlgorithmOID(cert.PublicKey, req.hashAlgorithm)
	if err != nil {
		return SignerInfo{}, err
	}

	attrs, err := buildSignedAttributes(req)
	if err != nil {
		return SignerInfo{}, err
	}
	signedAttrs, err := encodeAttributes(attrs, 0)
	if err != nil {
		return SignerInfo{}, err
	}
	toSign, err := signedAttributesForSigning(signedAttrs)
	if err != nil {
		return SignerInfo{}, err
	}
	h := hash.New()
	h.Write(toSign)

	// A plain crypto.Hash selects PKCS#1 v1.5 for RSA keys
	signature, err := signer.Sign(rand.Reader, h.Sum(nil), hash)
	if err != nil {
		return SignerInfo{}, fmt.Errorf("sign attributes: %w", err)
	}

	sid, err := asn1.Marshal(IssuerAndSerialNumber{
		Issuer:       asn1.RawValue{FullBytes: cert.RawIssuer},
		SerialNumber: cert.SerialNumber,
	})
	if err != nil {
		return SignerInfo{}, fmt.Errorf("marshal issuer and serial number: %w", err)
	}

	return SignerInfo{
		Version:            1,
		SID:                asn1.RawValue{FullBytes: sid},
		DigestAlgorithm:    AlgorithmIdentifier{Algorithm: req.hashAlgorithm.OID()},
		SignedAttrs:        signedAttrs,
		SignatureAlgorithm: AlgorithmIdentifier{Algorithm: sigAlg},
		Signature:          signature,
	}, nil
}

// encodeCertificates returns the [0] IMPLICIT certificate set holding
// existing followed by every new certificate not already present.
func encodeCertificates(existing, added []*x509.Certificate) asn1.RawValue {
	var all []*x509.Certificate
	for _, cert := range append(slices.Clone(existing), added...) {
		if cert != nil && !containsCertificate(all, cert) {
			all = append(all, cert)
		}
	}
	var raw []byte
	for _, cert := range all {
		raw = append(raw, cert.Raw...)
	}
	return asn1.RawValue{Class: asn1.ClassContextSpecific, Tag: 0, IsCompound: true, Bytes: raw}
}

// marshalSignedData wraps SignedData in a ContentInfo.
func marshalSignedData(sd SignedData) ([]byte, error) {
	encoded, err := asn1.Marshal(sd)
	if err != nil {
		return nil, fmt.Errorf("marshal signed data: %w", err)
	}
	data, err := asn1.Marshal(ContentInfo{
		ContentType: oidSignedData,
		Content:     asn1.RawValue{Class: asn1.ClassContextSpecific, Tag: 0, IsCompound: true, Bytes: encoded},
	})
	if err != nil {
		return nil, fmt.Errorf("marshal content info: %w", err)
	}
	return data, nil
}
