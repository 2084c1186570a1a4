package observability

import (
	"context"
	"errors"
	"testing"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

func setupTestTracing(t *testing.T) context.Context {
	t.Helper()
	ctx := context.Background()
	config := DefaultTracerConfig()
	tp, err := SetupTracing(ctx, config)
	if err != nil {
		t.Fatalf("SetupTracing() failed: %v", err)
	}
	t.Cleanup(func() {
		if err := ShutdownTracing(ctx, tp); err != nil {
			t.Errorf("ShutdownTracing() failed: %v", err)
		}
	})
	return ctx
}

func TestOperationSpans(t *testing.T) {
	tests := []struct {
		name  string
		start func(context.Context) (context.Context, trace.Span)
	}{
		{"sign", func(ctx context.Context) (context.Context, trace.Span) {
			return StartPackageSignSpan(ctx, "/tmp/a.nupkg", "Author")
		}},
		{"verify", func(ctx context.Context) (context.Context, trace.Span) {
			return StartPackageVerifySpan(ctx, "/tmp/a.nupkg")
		}},
		{"provider", func(ctx context.Context) (context.Context, trace.Span) {
			return StartProviderSpan(ctx, "integrity", "Repository")
		}},
		{"revocation", func(ctx context.Context) (context.Context, trace.Span) {
			return StartRevocationCheckSpan(ctx, "CN=Test Signer")
		}},
		{"timestamp", func(ctx context.Context) (context.Context, trace.Span) {
			return StartTimestampRequestSpan(ctx, "http://tsa.example.com")
		}},
		{"cache", func(ctx context.Context) (context.Context, trace.Span) {
			return StartCacheLookupSpan(ctx, "revocation:AB:CD")
		}},
		{"command", func(ctx context.Context) (context.Context, trace.Span) {
			return StartCommandSpan(ctx, "verify", "5f0c6c3e-8d1a-4c52-9a55-3f1e1b0a7d21")
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := setupTestTracing(t)
			ctx, span := tt.start(ctx)
			defer span.End()

			if !span.SpanContext().IsValid() {
				t.Error("Span context should be valid")
			}
			if trace.SpanFromContext(ctx).SpanContext().SpanID() != span.SpanContext().SpanID() {
				t.Error("returned context should carry the new span")
			}
		})
	}
}

func TestRecordCacheHitAndRetry(t *testing.T) {
	ctx := setupTestTracing(t)
	ctx, span := StartCacheLookupSpan(ctx, "revocation:AB:CD")
	defer span.End()

	RecordCacheHit(ctx, true)
	RecordCacheHit(ctx, false)
	RecordRetry(ctx, 1, errors.New("connection timeout"))
}

func TestEndSpanWithError(t *testing.T) {
	ctx := setupTestTracing(t)

	_, span := StartTimestampRequestSpan(ctx, "http://tsa.example.com")
	EndSpanWithError(span, errors.New("timestamp authority unavailable"))

	_, span = StartTimestampRequestSpan(ctx, "http://tsa.example.com")
	EndSpanWithError(span, nil)
}

func TestTracerName(t *testing.T) {
	expected := "github.com/willibrandon/nusign"
	if TracerName != expected {
		t.Errorf("TracerName = %q, want %q", TracerName, expected)
	}
}

func TestAttributeKeys(t *testing.T) {
	tests := []struct {
		name     string
		key      attribute.Key
		expected string
	}{
		{"PackagePath", AttrPackagePath, "nusign.package.path"},
		{"SignatureType", AttrSignatureType, "nusign.signature.type"},
		{"Provider", AttrProvider, "nusign.provider"},
		{"Operation", AttrOperation, "nusign.operation"},
		{"CacheHit", AttrCacheHit, "nusign.cache.hit"},
		{"RetryCount", AttrRetryCount, "nusign.retry.count"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if string(tt.key) != tt.expected {
				t.Errorf("%s = %q, want %q", tt.name, string(tt.key), tt.expected)
			}
		})
	}
}
