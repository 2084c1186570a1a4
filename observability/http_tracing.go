package observability

import (
	"net/http"
	"path"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	"go.opentelemetry.io/otel/trace"
)

// AttrResponder is the kind of PKI endpoint a request went to.
const AttrResponder = attribute.Key("nusign.responder")

// Responder kinds reported by ResponderKind.
const (
	ResponderTimestamp = "tsa"
	ResponderOCSP      = "ocsp"
	ResponderCRL       = "crl"
	ResponderAIA       = "aia"
	ResponderOther     = "other"
)

// ResponderKind classifies a request by its content type, then by its
// Accept header, then by the URL extension.
func ResponderKind(req *http.Request) string {
	switch req.Header.Get("Content-Type") {
	case "application/timestamp-query":
		return ResponderTimestamp
	case "application/ocsp-request":
		return ResponderOCSP
	}
	switch accept := req.Header.Get("Accept"); {
	case strings.Contains(accept, "ocsp-response"):
		return ResponderOCSP
	case strings.Contains(accept, "pkix-crl"):
		return ResponderCRL
	case strings.Contains(accept, "pkix-cert"):
		return ResponderAIA
	}
	switch strings.ToLower(path.Ext(req.URL.Path)) {
	case ".crl":
		return ResponderCRL
	case ".crt", ".cer", ".p7c", ".der":
		return ResponderAIA
	}
	return ResponderOther
}

// TracingTransport starts a client span per responder request and
// propagates the trace context in the request headers.
type TracingTransport struct {
	base       http.RoundTripper
	tracerName string
}

// NewHTTPTracingTransport wraps base. A nil base uses http.DefaultTransport.
func NewHTTPTracingTransport(base http.RoundTripper, tracerName string) *TracingTransport {
	if base == nil {
		base = http.DefaultTransport
	}
	return &TracingTransport{base: base, tracerName: tracerName}
}

// RoundTrip implements http.RoundTripper.
func (t *TracingTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	kind := ResponderKind(req)
	ctx, span := Tracer(t.tracerName).Start(req.Context(), "HTTP "+req.Method+" "+kind,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			AttrResponder.String(kind),
			semconv.HTTPMethod(req.Method),
			semconv.HTTPURL(req.URL.String()),
			semconv.NetPeerName(req.URL.Hostname()),
		),
	)
	defer span.End()

	req = req.Clone(ctx)
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(req.Header))

	resp, err := t.base.RoundTrip(req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	span.SetAttributes(
		semconv.HTTPStatusCode(resp.StatusCode),
		attribute.String("http.response.content_type", resp.Header.Get("Content-Type")),
	)
	if resp.StatusCode >= 400 {
		span.SetStatus(codes.Error, resp.Status)
	} else {
		span.SetStatus(codes.Ok, "")
	}
	return resp, nil
}
