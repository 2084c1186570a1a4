package signing

import (
	"bytes"
	"context"
	"crypto"
	"crypto/x509"
	"errors"
	"fmt"
	"io"
	"slices"
	"time"

	"github.com/willibrandon/nusign/observability"
	"github.com/willibrandon/nusign/packaging"
	"github.com/willibrandon/nusign/packaging/signatures"
)

// DefaultTimestampTimeout bounds a single request to a timestamp authority.
const DefaultTimestampTimeout = 60 * time.Second

// Timestamper obtains an RFC 3161 token over data.
// *signatures.TimestampClient implements it.
type Timestamper interface {
	Timestamp(ctx context.Context, data []byte, hashAlg signatures.HashAlgorithmName) ([]byte, error)
}

// SignatureProvider produces CMS signatures for a package.
type SignatureProvider interface {
	CreatePrimarySignature(ctx context.Context, req *SignPackageRequest, content *signatures.SignatureContent) (*signatures.PrimarySignature, error)
	CreateRepositoryCountersignature(ctx context.Context, req *SignPackageRequest, primary *signatures.PrimarySignature) (*signatures.PrimarySignature, error)
}

// SignPackageRequest describes the signer and the signature to produce.
type SignPackageRequest struct {
	Certificate *x509.Certificate
	Chain       []*x509.Certificate

	// Signer may be backed by a hardware token.
	Signer crypto.Signer

	SignatureType          signatures.SignatureType
	SignatureHashAlgorithm signatures.HashAlgorithmName
	TimestampHashAlgorithm signatures.HashAlgorithmName

	// TimestampURL is the RFC 3161 authority. Empty skips timestamping
	// unless SigningOptions.Timestamper is set.
	TimestampURL string

	V3ServiceIndexURL string
	PackageOwners     []string
}

func (r *SignPackageRequest) signRequest(now time.Time) signatures.SignRequest {
	return signatures.SignRequest{
		Certificate:       r.Certificate,
		Chain:             r.Chain,
		Signer:            r.Signer,
		SignatureType:     r.SignatureType,
		HashAlgorithm:     r.SignatureHashAlgorithm,
		V3ServiceIndexURL: r.V3ServiceIndexURL,
		PackageOwners:     r.PackageOwners,
		SigningTime:       now,
	}
}

// Validate reports an invalid request as a *signatures.SignatureError
// with code NU3017.
func (r *SignPackageRequest) Validate(now time.Time) error {
	if r == nil {
		return signatures.NewSignatureError(signatures.NU3017, "a signing request is required")
	}
	if r.SignatureHashAlgorithm == "" {
		r.SignatureHashAlgorithm = signatures.HashAlgorithmSHA256
	}
	if r.TimestampHashAlgorithm == "" {
		r.TimestampHashAlgorithm = signatures.HashAlgorithmSHA256
	}
	if !slices.Contains([]signatures.HashAlgorithmName{signatures.HashAlgorithmSHA256, signatures.HashAlgorithmSHA384, signatures.HashAlgorithmSHA512}, r.TimestampHashAlgorithm) {
		return signatures.NewSignatureError(signatures.NU3017, "timestamp hash algorithm %q is not supported", r.TimestampHashAlgorithm)
	}
	req := r.signRequest(now)
	return req.Validate(now)
}

// SigningOptions carries the package streams and collaborators for Sign.
type SigningOptions struct {
	Input     io.ReaderAt
	InputSize int64
	Output    io.Writer

	// Overwrite replaces an existing conflicting signature.
	Overwrite bool

	// SignatureProvider defaults to an X509SignatureProvider using Timestamper.
	SignatureProvider SignatureProvider

	// Timestamper defaults to a TimestampClient for the request's TimestampURL.
	Timestamper Timestamper

	// HTTPClient is used by the default Timestamper.
	HTTPClient signatures.HTTPDoer

	// PackagePath labels logs and spans.
	PackagePath string

	Logger observability.Logger

	// Now defaults to time.Now.
	Now func() time.Time
}

// X509SignatureProvider signs with a certificate and crypto.Signer and
// timestamps each new signer when a Timestamper is set.
type X509SignatureProvider struct {
	Timestamper Timestamper
	Logger      observability.Logger
	Now         func() time.Time
}

// NewX509SignatureProvider returns a provider that timestamps with ts, which may be nil.
func NewX509SignatureProvider(ts Timestamper, logger observability.Logger) *X509SignatureProvider {
	if logger == nil {
		logger = observability.NewNullLogger()
	}
	return &X509SignatureProvider{Timestamper: ts, Logger: logger}
}

func (p *X509SignatureProvider) now() time.Time {
	if p.Now != nil {
		return p.Now()
	}
	return time.Now()
}

func (p *X509SignatureProvider) logger() observability.Logger {
	if p.Logger == nil {
		return observability.NewNullLogger()
	}
	return p.Logger
}

// CreatePrimarySignature signs content and timestamps the signature value.
func (p *X509SignatureProvider) CreatePrimarySignature(ctx context.Context, req *SignPackageRequest, content *signatures.SignatureContent) (*signatures.PrimarySignature, error) {
	primary, err := signatures.CreatePrimarySignature(req.signRequest(p.now()), content)
	if err != nil {
		return nil, err
	}
	return p.timestamp(ctx, req, &primary.Signature)
}

// CreateRepositoryCountersignature countersigns primary and timestamps the
// countersignature value.
func (p *X509SignatureProvider) CreateRepositoryCountersignature(ctx context.Context, req *SignPackageRequest, primary *signatures.PrimarySignature) (*signatures.PrimarySignature, error) {
	countersigned, err := signatures.CreateRepositoryCountersignature(req.signRequest(p.now()), primary)
	if err != nil {
		return nil, err
	}
	if countersigned.RepositoryCountersignature == nil {
		return nil, errors.New("countersignature missing from re-encoded primary signature")
	}
	return p.timestamp(ctx, req, &countersigned.RepositoryCountersignature.Signature)
}

func (p *X509SignatureProvider) timestamp(ctx context.Context, req *SignPackageRequest, sig *signatures.Signature) (*signatures.PrimarySignature, error) {
	if p.Timestamper == nil {
		p.logger().WarnContext(ctx, "The {Signature} is not timestamped; it will not be valid after the signing certificate expires", sig.FriendlyName())
		return sig.Primary(), nil
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	token, err := p.Timestamper.Timestamp(ctx, sig.SignatureValue(), req.TimestampHashAlgorithm)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, fmt.Errorf("timestamp %s: %w", sig.FriendlyName(), err)
	}
	p.logger().DebugContext(ctx, "Timestamped {Signature} ({Bytes} byte token)", sig.FriendlyName(), len(token))
	return signatures.AddTimestamp(sig, token)
}

// Sign writes a signed copy of opts.Input to opts.Output.
//
// An author request signs the package and fails with NU3001 if it is
// already signed, unless opts.Overwrite. A repository request creates a
// repository primary signature on an unsigned package and countersigns an
// author-signed one; an existing repository signature is a conflict unless
// opts.Overwrite.
func Sign(ctx context.Context, opts *SigningOptions, req *SignPackageRequest) (err error) {
	if opts == nil || opts.Input == nil || opts.Output == nil {
		return errors.New("signing requires an input and an output")
	}
	logger := opts.Logger
	if logger == nil {
		logger = observability.NewNullLogger()
	}
	now := time.Now
	if opts.Now != nil {
		now = opts.Now
	}

	sigType := ""
	if req != nil {
		sigType = string(req.SignatureType)
	}
	ctx, span := observability.StartPackageSignSpan(ctx, opts.PackagePath, sigType)
	defer func() {
		status := "success"
		if err != nil {
			status = "failure"
		}
		observability.SigningOperationsTotal.WithLabelValues(sigType, status).Inc()
		observability.EndSpanWithError(span, err)
	}()

	if err := ctx.Err(); err != nil {
		return err
	}
	if err := req.Validate(now()); err != nil {
		return err
	}

	provider := opts.SignatureProvider
	if provider == nil {
		ts := opts.Timestamper
		if ts == nil && req.TimestampURL != "" {
			ts = signatures.NewTimestampClient(req.TimestampURL, opts.HTTPClient, DefaultTimestampTimeout, logger)
		}
		provider = &X509SignatureProvider{Timestamper: ts, Logger: logger, Now: now}
	}

	s := &signer{ctx: ctx, opts: opts, req: req, provider: provider, logger: logger, in: opts.Input, size: opts.InputSize}
	return s.sign()
}

type signer struct {
	ctx      context.Context
	opts     *SigningOptions
	req      *SignPackageRequest
	provider SignatureProvider
	logger   observability.Logger

	in   io.ReaderAt
	size int64
}

func (s *signer) sign() error {
	existing, err := s.readExisting()
	if err != nil {
		return err
	}

	if existing == nil {
		return s.signPrimary()
	}

	switch {
	case s.req.SignatureType == signatures.SignatureTypeRepository && existing.Type == signatures.SignatureTypeAuthor:
		return s.countersign(existing)
	case !s.opts.Overwrite:
		return signatures.NewSignatureError(signatures.NU3001, "the package is already signed with an %s", existing.FriendlyName())
	}

	s.logger.DebugContext(s.ctx, "Replacing existing {Signature}", existing.FriendlyName())
	if err := s.stripSignature(); err != nil {
		return err
	}
	return s.signPrimary()
}

// readExisting returns the current primary signature or nil when unsigned.
func (s *signer) readExisting() (*signatures.PrimarySignature, error) {
	data, err := packaging.ReadSignatureEntry(s.ctx, s.in, s.size)
	if errors.Is(err, packaging.ErrPackageNotSigned) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return signatures.ReadSignature(data)
}

// stripSignature makes the unsigned package the new input.
func (s *signer) stripSignature() error {
	var buf bytes.Buffer
	if err := packaging.RemoveSignature(s.ctx, s.in, s.size, &buf); err != nil {
		return err
	}
	s.in = bytes.NewReader(buf.Bytes())
	s.size = int64(buf.Len())
	return nil
}

func (s *signer) signPrimary() error {
	hash, err := packaging.GetContentHash(s.ctx, s.in, s.size, s.req.SignatureHashAlgorithm)
	if err != nil {
		return err
	}
	content := &signatures.SignatureContent{HashAlgorithm: s.req.SignatureHashAlgorithm, HashValue: hash}

	primary, err := s.provider.CreatePrimarySignature(s.ctx, s.req, content)
	if err != nil {
		return err
	}
	s.logger.DebugContext(s.ctx, "Created {Signature} for {Package}", primary.FriendlyName(), s.opts.PackagePath)
	return packaging.AddSignature(s.ctx, s.in, s.size, primary.RawData, s.opts.Output)
}

func (s *signer) countersign(primary *signatures.PrimarySignature) error {
	if primary.RepositoryCountersignature != nil {
		if !s.opts.Overwrite {
			return signatures.NewSignatureError(signatures.NU3001, "the package already has a repository countersignature")
		}
		s.logger.DebugContext(s.ctx, "Replacing existing repository countersignature")
		stripped, err := signatures.RemoveRepositoryCountersignature(primary)
		if err != nil {
			return err
		}
		primary = stripped
	}

	countersigned, err := s.provider.CreateRepositoryCountersignature(s.ctx, s.req, primary)
	if err != nil {
		return err
	}
	if err := s.stripSignature(); err != nil {
		return err
	}
	s.logger.DebugContext(s.ctx, "Countersigned {Package}", s.opts.PackagePath)
	return packaging.AddSignature(s.ctx, s.in, s.size, countersigned.RawData, s.opts.Output)
}

// RemoveRepositoryCountersignatures writes a copy of an author-signed package
// without its repository countersignature. It returns false and writes
// nothing when there is no countersignature to remove.
func RemoveRepositoryCountersignatures(ctx context.Context, in io.ReaderAt, size int64, out io.Writer) (bool, error) {
	data, err := packaging.ReadSignatureEntry(ctx, in, size)
	if err != nil {
		return false, err
	}
	primary, err := signatures.ReadSignature(data)
	if err != nil {
		return false, err
	}
	if primary.RepositoryCountersignature == nil {
		return false, nil
	}

	stripped, err := signatures.RemoveRepositoryCountersignature(primary)
	if err != nil {
		return false, err
	}
	var unsigned bytes.Buffer
	if err := packaging.RemoveSignature(ctx, in, size, &unsigned); err != nil {
		return false, err
	}
	if err := packaging.AddSignature(ctx, bytes.NewReader(unsigned.Bytes()), int64(unsigned.Len()), stripped.RawData, out); err != nil {
		return false, err
	}
	return true, nil
}
