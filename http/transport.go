package http

import (
	"crypto/tls"
	"net"
	"net/http"
	"time"

	"github.com/quic-go/quic-go"
	"github.com/quic-go/quic-go/http3"
	"golang.org/x/net/http2"
)

// TransportConfig configures the round tripper shared by responder lookups.
type TransportConfig struct {
	// EnableHTTP2 negotiates HTTP/2 over TLS via ALPN.
	EnableHTTP2 bool

	// EnableHTTP3 tries QUIC first for https URLs and falls back to TCP.
	EnableHTTP3 bool

	// TLSClientConfig is used by both the TCP and QUIC transports. nil uses
	// the system roots.
	TLSClientConfig *tls.Config

	DialTimeout           time.Duration
	MaxIdleConns          int
	MaxIdleConnsPerHost   int
	IdleConnTimeout       time.Duration
	TLSHandshakeTimeout   time.Duration
	ResponseHeaderTimeout time.Duration
	MaxConnsPerHost       int
}

// DefaultTransportConfig suits OCSP, CRL and TSA endpoints: few hosts,
// small bodies, responders that occasionally hang.
func DefaultTransportConfig() TransportConfig {
	return TransportConfig{
		EnableHTTP2:           true,
		DialTimeout:           DefaultDialTimeout,
		MaxIdleConns:          32,
		MaxIdleConnsPerHost:   4,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ResponseHeaderTimeout: 15 * time.Second,
	}
}

// NewTransport builds a round tripper for config.
func NewTransport(config TransportConfig) http.RoundTripper {
	dialTimeout := config.DialTimeout
	if dialTimeout <= 0 {
		dialTimeout = DefaultDialTimeout
	}

	transport := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   dialTimeout,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSClientConfig:       config.TLSClientConfig,
		MaxIdleConns:          config.MaxIdleConns,
		MaxIdleConnsPerHost:   config.MaxIdleConnsPerHost,
		IdleConnTimeout:       config.IdleConnTimeout,
		TLSHandshakeTimeout:   config.TLSHandshakeTimeout,
		ResponseHeaderTimeout: config.ResponseHeaderTimeout,
		MaxConnsPerHost:       config.MaxConnsPerHost,
	}

	if config.EnableHTTP2 {
		// Falls back to HTTP/1.1 on error.
		_ = http2.ConfigureTransport(transport)
	}

	if config.EnableHTTP3 {
		return newHTTP3Transport(transport, config.TLSClientConfig)
	}
	return transport
}

// http3Transport tries HTTP/3 for https requests and falls back to TCP.
type http3Transport struct {
	fallback http.RoundTripper
	quic     *http3.Transport
}

func newHTTP3Transport(fallback http.RoundTripper, tlsConfig *tls.Config) *http3Transport {
	if tlsConfig == nil {
		tlsConfig = &tls.Config{MinVersion: tls.VersionTLS12}
	} else {
		tlsConfig = tlsConfig.Clone()
	}
	return &http3Transport{
		fallback: fallback,
		quic: &http3.Transport{
			TLSClientConfig: tlsConfig,
			// Responder requests are idempotent lookups, except TSA POSTs
			// which carry a fresh nonce each time.
			QUICConfig: &quic.Config{Allow0RTT: false},
		},
	}
}

func (t *http3Transport) RoundTrip(req *http.Request) (*http.Response, error) {
	if req.URL.Scheme == "https" && req.Body == nil {
		if resp, err := t.quic.RoundTrip(req); err == nil {
			return resp, nil
		}
	}
	return t.fallback.RoundTrip(req)
}

// Close releases QUIC connections.
func (t *http3Transport) Close() error {
	return t.quic.Close()
}

// ProtocolVersion returns the negotiated protocol of resp.
func ProtocolVersion(resp *http.Response) string {
	switch resp.ProtoMajor {
	case 3:
		return "HTTP/3"
	case 2:
		return "HTTP/2"
	default:
		return "HTTP/1.1"
	}
}
