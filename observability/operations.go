package observability

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const (
	// TracerName is the tracer name for nusign operations
	TracerName = "github.com/willibrandon/nusign"
)

// Common attribute keys
const (
	AttrPackagePath     = attribute.Key("nusign.package.path")
	AttrSignatureType   = attribute.Key("nusign.signature.type")
	AttrProvider        = attribute.Key("nusign.provider")
	AttrCertificate     = attribute.Key("nusign.certificate.subject")
	AttrEndpoint        = attribute.Key("nusign.endpoint.url")
	AttrOperation       = attribute.Key("nusign.operation")
	AttrCacheHit        = attribute.Key("nusign.cache.hit")
	AttrRetryCount      = attribute.Key("nusign.retry.count")
	AttrVerificationRes = attribute.Key("nusign.verification.valid")
	AttrCorrelationID   = attribute.Key("nusign.correlation_id")
)

// StartCommandSpan starts the root span of a CLI invocation
func StartCommandSpan(ctx context.Context, command, correlationID string) (context.Context, trace.Span) {
	return StartSpan(ctx, TracerName, "cli."+command,
		trace.WithAttributes(
			AttrOperation.String(command),
			AttrCorrelationID.String(correlationID),
		),
	)
}

// StartPackageSignSpan starts a span for signing a package
func StartPackageSignSpan(ctx context.Context, packagePath, signatureType string) (context.Context, trace.Span) {
	return StartSpan(ctx, TracerName, "package.sign",
		trace.WithAttributes(
			AttrPackagePath.String(packagePath),
			AttrSignatureType.String(signatureType),
			AttrOperation.String("sign"),
		),
	)
}

// StartPackageVerifySpan starts a span for verifying a package's signatures
func StartPackageVerifySpan(ctx context.Context, packagePath string) (context.Context, trace.Span) {
	return StartSpan(ctx, TracerName, "package.verify",
		trace.WithAttributes(
			AttrPackagePath.String(packagePath),
			AttrOperation.String("verify"),
		),
	)
}

// StartProviderSpan starts a span for a single verification provider run
func StartProviderSpan(ctx context.Context, provider, signatureType string) (context.Context, trace.Span) {
	return StartSpan(ctx, TracerName, "signature.provider",
		trace.WithAttributes(
			AttrProvider.String(provider),
			AttrSignatureType.String(signatureType),
		),
	)
}

// StartRevocationCheckSpan starts a span for a certificate revocation lookup
func StartRevocationCheckSpan(ctx context.Context, subject string) (context.Context, trace.Span) {
	return StartSpan(ctx, TracerName, "certificate.revocation",
		trace.WithAttributes(
			AttrCertificate.String(subject),
			AttrOperation.String("revocation"),
		),
	)
}

// StartTimestampRequestSpan starts a span for an RFC 3161 timestamp request
func StartTimestampRequestSpan(ctx context.Context, url string) (context.Context, trace.Span) {
	return StartSpan(ctx, TracerName, "timestamp.request",
		trace.WithAttributes(
			AttrEndpoint.String(url),
			AttrOperation.String("timestamp"),
		),
	)
}

// StartCacheLookupSpan starts a span for cache lookup
func StartCacheLookupSpan(ctx context.Context, cacheKey string) (context.Context, trace.Span) {
	return StartSpan(ctx, TracerName, "cache.lookup",
		trace.WithAttributes(
			attribute.String("cache.key", cacheKey),
		),
	)
}

// RecordCacheHit records cache hit/miss on the current span
func RecordCacheHit(ctx context.Context, hit bool) {
	trace.SpanFromContext(ctx).SetAttributes(AttrCacheHit.Bool(hit))
}

// RecordRetry records a retry attempt on the current span
func RecordRetry(ctx context.Context, attempt int, err error) {
	trace.SpanFromContext(ctx).AddEvent("retry",
		trace.WithAttributes(
			AttrRetryCount.Int(attempt),
			attribute.String("retry.error", err.Error()),
		),
	)
}

// EndSpanWithError ends a span with an error status
func EndSpanWithError(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}
