package signatures

import (
	"context"
	"crypto/x509"
	"fmt"
)

// GetSigningCertificateChain builds the chain of a signer certificate using
// the signature's embedded certificates followed by opts.Certificates.
func GetSigningCertificateChain(ctx context.Context, sig *Signature, opts ChainOptions) (CertificateChain, error) {
	if sig == nil || sig.SignerCertificate == nil {
		return nil, &SignatureError{Code: NU3011, Message: "signature has no signer certificate"}
	}
	opts.Certificates = mergeCertificates(sig.Certificates, opts.Certificates)
	return BuildChain(ctx, sig.SignerCertificate, opts)
}

// GetTimestampCertificateChain builds the chain of a timestamp authority
// certificate. ts selects the timestamp; when nil, the signature must carry
// exactly one.
func GetTimestampCertificateChain(ctx context.Context, sig *Signature, ts *Timestamp, opts ChainOptions) (CertificateChain, error) {
	if ts == nil {
		if sig == nil || len(sig.Timestamps) == 0 {
			return nil, ErrNoTimestamp
		}
		if len(sig.Timestamps) > 1 {
			return nil, ErrMultipleTimestamps
		}
		ts = sig.Timestamps[0]
	}
	return timestampChain(ctx, ts, opts)
}

func timestampChain(ctx context.Context, ts *Timestamp, opts ChainOptions) (CertificateChain, error) {
	if ts.SignerCertificate == nil {
		return nil, &SignatureError{Code: NU3020, Message: "timestamp has no signer certificate"}
	}
	opts.Certificates = mergeCertificates(ts.Certificates, opts.Certificates)
	return BuildChain(ctx, ts.SignerCertificate, opts)
}

// GetRepositoryCountersignatureCertificateChain builds the chain of the
// repository countersigner of a primary signature.
func GetRepositoryCountersignatureCertificateChain(ctx context.Context, sig *PrimarySignature, opts ChainOptions) (CertificateChain, error) {
	if sig.RepositoryCountersignature == nil {
		return nil, fmt.Errorf("signature has no repository countersignature")
	}
	return GetSigningCertificateChain(ctx, &sig.RepositoryCountersignature.Signature, opts)
}

func mergeCertificates(first, second []*x509.Certificate) []*x509.Certificate {
	merged := make([]*x509.Certificate, 0, len(first)+len(second))
	merged = append(merged, first...)
	for _, c := range second {
		if !containsCertificate(merged, c) {
			merged = append(merged, c)
		}
	}
	return merged
}
