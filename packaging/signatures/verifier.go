package signatures

import (
	"bytes"
	"crypto/ecdsa"
	"crypto/rsa"
	"crypto/x509"
	"errors"
	"fmt"
	"slices"
)

var (
	// ErrMessageDigestMismatch means the signed message-digest attribute does
	// not match the content it should cover.
	ErrMessageDigestMismatch = errors.New("message digest does not match the signed content")

	// ErrInvalidSignatureValue means the signature does not verify under the
	// signer certificate's public key.
	ErrInvalidSignatureValue = errors.New("signature value is invalid")

	// ErrUnsupportedSignatureAlgorithm means the signer used an algorithm this
	// package cannot verify.
	ErrUnsupportedSignatureAlgorithm = errors.New("unsupported signature algorithm")
)

// VerifySignatureValue checks the signer's message digest and signature.
//
// A primary signer covers the encapsulated signature content; a
// countersigner covers the primary signer's signature value.
func (s *Signature) VerifySignatureValue() error {
	var content []byte
	if s.Placement == PlacementCountersignature {
		if s.primary == nil {
			return errors.New("countersignature is detached from its primary signature")
		}
		content = s.primary.SignerInfo.Signature
	} else {
		if s.primary == nil || s.primary.Content == nil {
			return errors.New("primary signature has no content")
		}
		content = s.primary.Content.Bytes()
		if raw, err := encapsulatedContent(s.primary.SignedData); err == nil {
			content = raw
		}
	}
	return verifySignerInfo(s.SignerInfo, s.SignerCertificate, content)
}

// VerifyTokenSignature checks the timestamp authority's signature over TSTInfo.
func (t *Timestamp) VerifyTokenSignature() error {
	if t.SignerCertificate == nil {
		return errors.New("timestamp signer certificate not found")
	}
	return verifySignerInfo(t.SignerInfo, t.SignerCertificate, t.tstInfo)
}

// verifySignerInfo checks the message-digest attribute against content and
// the signature over the DER-encoded signed attributes.
func verifySignerInfo(si SignerInfo, cert *x509.Certificate, content []byte) error {
	if cert == nil {
		return errors.New("signer certificate not found")
	}
	hashAlg := oidToHashAlgorithm(si.DigestAlgorithm.Algorithm)
	if hashAlg == "" {
		return fmt.Errorf("%w: %v", ErrUnsupportedHashAlgorithm, si.DigestAlgorithm.Algorithm)
	}
	if !isSupportedSignatureAlgorithm(si.SignatureAlgorithm.Algorithm) {
		return fmt.Errorf("%w: %v", ErrUnsupportedSignatureAlgorithm, si.SignatureAlgorithm.Algorithm)
	}

	attrs, err := parseAttributes(si.SignedAttrs)
	if err != nil {
		return fmt.Errorf("parse signed attributes: %w", err)
	}
	digest, err := readMessageDigest(attrs)
	if err != nil {
		return err
	}
	contentHash, err := hashAlg.Sum(content)
	if err != nil {
		return err
	}
	if !bytes.Equal(digest, contentHash) {
		return ErrMessageDigestMismatch
	}

	signed, err := signedAttributesForSigning(si.SignedAttrs)
	if err != nil {
		return fmt.Errorf("encode signed attributes: %w", err)
	}
	ch, _ := hashAlg.CryptoHash()
	h := ch.New()
	h.Write(signed)
	hashed := h.Sum(nil)

	switch pub := cert.PublicKey.(type) {
	case *rsa.PublicKey:
		if err := rsa.VerifyPKCS1v15(pub, ch, hashed, si.Signature); err != nil {
			return ErrInvalidSignatureValue
		}
	case *ecdsa.PublicKey:
		if !ecdsa.VerifyASN1(pub, hashed, si.Signature) {
			return ErrInvalidSignatureValue
		}
	default:
		return fmt.Errorf("%w: public key %T", ErrUnsupportedSignatureAlgorithm, cert.PublicKey)
	}
	return nil
}

// CheckSignerKeyLength rejects RSA keys shorter than 2048 bits.
func CheckSignerKeyLength(cert *x509.Certificate) error {
	if cert.PublicKeyAlgorithm == x509.RSA {
		rsaPubKey, ok := cert.PublicKey.(*rsa.PublicKey)
		if !ok {
			return fmt.Errorf("invalid RSA public key")
		}
		if rsaPubKey.N.BitLen() < 2048 {
			return fmt.Errorf("RSA key length %d is less than minimum 2048 bits", rsaPubKey.N.BitLen())
		}
	}
	return nil
}

// HasExtKeyUsage reports whether the certificate permits the usage. A
// certificate without an EKU extension permits every usage.
func HasExtKeyUsage(cert *x509.Certificate, usage x509.ExtKeyUsage) bool {
	if len(cert.ExtKeyUsage) == 0 && len(cert.UnknownExtKeyUsage) == 0 {
		return true
	}
	return slices.Contains(cert.ExtKeyUsage, usage) || slices.Contains(cert.ExtKeyUsage, x509.ExtKeyUsageAny)
}
