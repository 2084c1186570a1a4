package signatures

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/asn1"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"time"

	"github.com/willibrandon/nusign/observability"
)

const maxTimestampResponseSize = 1024 * 1024

// TimestampClient provides RFC 3161 Time-Stamp Protocol (TSP) functionality.
// It sends timestamp requests to a timestamp authority (TSA) and validates responses.
type TimestampClient struct {
	url    string
	client HTTPDoer
	logger observability.Logger
}

// NewTimestampClient creates a new RFC 3161 timestamp client for the specified TSA.
// client may be nil, in which case a plain HTTP client with the timeout is used.
func NewTimestampClient(url string, client HTTPDoer, timeout time.Duration, logger observability.Logger) *TimestampClient {
	if client == nil {
		client = StdHTTPDoer{Client: &http.Client{Timeout: timeout}}
	}
	if logger == nil {
		logger = observability.NewNullLogger()
	}
	return &TimestampClient{url: url, client: client, logger: logger}
}

// URL returns the timestamp authority endpoint.
func (c *TimestampClient) URL() string {
	return c.url
}

// Timestamp hashes data and requests a token over the hash. For package
// signatures data is the signer's signature value.
func (c *TimestampClient) Timestamp(ctx context.Context, data []byte, hashAlg HashAlgorithmName) ([]byte, error) {
	hash, err := hashAlg.Sum(data)
	if err != nil {
		return nil, err
	}
	return c.RequestTimestamp(ctx, hash, hashAlg)
}

// RequestTimestamp requests an RFC 3161 timestamp token from the timestamp authority.
// It sends a TimeStampReq with the message hash and a random nonce, then
// checks the response status, imprint and nonce. The returned token is a
// DER-encoded ContentInfo ready to embed as an unsigned attribute.
func (c *TimestampClient) RequestTimestamp(ctx context.Context, messageHash []byte, hashAlg HashAlgorithmName) ([]byte, error) {
	ctx, span := observability.StartTimestampRequestSpan(ctx, c.url)
	defer span.End()

	token, err := c.requestTimestamp(ctx, messageHash, hashAlg)
	if err != nil {
		observability.TimestampRequestsTotal.WithLabelValues("failure").Inc()
		observability.RecordError(ctx, err)
		return nil, err
	}
	observability.TimestampRequestsTotal.WithLabelValues("success").Inc()
	return token, nil
}

func (c *TimestampClient) requestTimestamp(ctx context.Context, messageHash []byte, hashAlg HashAlgorithmName) ([]byte, error) {
	nonce, err := generateNonce()
	if err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}

	reqBytes, err := asn1.Marshal(buildTimestampRequest(messageHash, hashAlg, nonce))
	if err != nil {
		return nil, fmt.Errorf("marshal timestamp request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(reqBytes))
	if err != nil {
		return nil, fmt.Errorf("create HTTP request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/timestamp-query")

	c.logger.DebugContext(ctx, "Requesting timestamp from {URL}", c.url)
	httpResp, err := c.client.Do(ctx, httpReq)
	if err != nil {
		return nil, fmt.Errorf("send timestamp request: %w", err)
	}
	defer func() { _ = httpResp.Body.Close() }()

	if httpResp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("timestamp server error: HTTP %d", httpResp.StatusCode)
	}

	respBytes, err := io.ReadAll(io.LimitReader(httpResp.Body, maxTimestampResponseSize))
	if err != nil {
		return nil, fmt.Errorf("read timestamp response: %w", err)
	}

	var resp timestampResponse
	if _, err := asn1.Unmarshal(respBytes, &resp); err != nil {
		return nil, fmt.Errorf("unmarshal timestamp response: %w", err)
	}

	// 0 = granted, 1 = grantedWithMods
	if resp.Status.Status != 0 && resp.Status.Status != 1 {
		return nil, fmt.Errorf("timestamp request rejected: status=%d", resp.Status.Status)
	}
	if len(resp.TimeStampToken.FullBytes) == 0 {
		return nil, fmt.Errorf("timestamp response missing token")
	}

	if err := verifyTimestampResponse(resp.TimeStampToken.FullBytes, messageHash, nonce); err != nil {
		return nil, fmt.Errorf("verify timestamp response: %w", err)
	}

	return resp.TimeStampToken.FullBytes, nil
}

// RFC 3161 ASN.1 structures

type timestampRequest struct {
	Version        int
	MessageImprint messageImprint
	ReqPolicy      asn1.ObjectIdentifier `asn1:"optional"`
	Nonce          *big.Int              `asn1:"optional"`
	CertReq        bool                  `asn1:"optional,default:false"`
	Extensions     asn1.RawValue         `asn1:"optional,tag:0"`
}

type timestampResponse struct {
	Status         pkiStatusInfo
	TimeStampToken asn1.RawValue `asn1:"optional"`
}

type pkiStatusInfo struct {
	Status       int
	StatusString []string       `asn1:"optional"`
	FailInfo     asn1.BitString `asn1:"optional"`
}

// buildTimestampRequest creates a version 1 TimeStampReq that asks for the
// TSA certificate to be included in the token.
func buildTimestampRequest(messageHash []byte, hashAlg HashAlgorithmName, nonce []byte) timestampRequest {
	return timestampRequest{
		Version: 1,
		MessageImprint: messageImprint{
			HashAlgorithm: AlgorithmIdentifier{Algorithm: hashAlg.OID()},
			HashedMessage: messageHash,
		},
		Nonce:   new(big.Int).SetBytes(nonce),
		CertReq: true,
	}
}

// generateNonce generates a 32-byte nonce for timestamp requests.
func generateNonce() ([]byte, error) {
	nonce := make([]byte, 32)
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}

	// Keep the nonce a positive big-endian integer
	nonce[0] &= 0x7f

	return nonce, nil
}

// verifyTimestampResponse checks that a token answers the request: the
// imprint and nonce must match and the TSA signature must verify.
func verifyTimestampResponse(tokenBytes, expectedHash, expectedNonce []byte) error {
	ts, err := ParseTimestampToken(tokenBytes)
	if err != nil {
		return err
	}

	if !bytes.Equal(ts.MessageImprint, expectedHash) {
		return fmt.Errorf("timestamp message imprint mismatch")
	}

	if ts.Nonce == nil || ts.Nonce.Cmp(new(big.Int).SetBytes(expectedNonce)) != 0 {
		return fmt.Errorf("timestamp nonce mismatch")
	}

	if err := ts.VerifyTokenSignature(); err != nil {
		return fmt.Errorf("timestamp signature: %w", err)
	}
	return nil
}
