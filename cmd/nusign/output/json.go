package output

import (
	_ "embed"
	"encoding/json"
	"fmt"
	"io"
	"time"
)

// CurrentSchemaVersion is the schema version for all JSON outputs
const CurrentSchemaVersion = "1.0.0"

// VerifySchema is the JSON schema of VerifyOutput.
//
//go:embed schema/verify.schema.json
var VerifySchema string

// VerifyOutput represents the JSON output for the verify command
type VerifyOutput struct {
	SchemaVersion string          `json:"schemaVersion"`
	Packages      []PackageVerify `json:"packages"`
	Valid         bool            `json:"valid"`
	ElapsedMs     int64           `json:"elapsedMs"`
}

// PackageVerify is the verification result of one package
type PackageVerify struct {
	Path       string            `json:"path"`
	Signed     bool              `json:"signed"`
	Valid      bool              `json:"valid"`
	Flags      []string          `json:"flags"`
	Issues     []Issue           `json:"issues"`
	Signatures []SignatureResult `json:"signatures"`
}

// SignatureResult is the verdict for one signature of a package
type SignatureResult struct {
	Placement     string      `json:"placement"`
	Type          string      `json:"type"`
	Status        string      `json:"status"`
	Flags         []string    `json:"flags"`
	Subject       string      `json:"subject,omitempty"`
	Fingerprint   string      `json:"fingerprint,omitempty"`
	HashAlgorithm string      `json:"hashAlgorithm,omitempty"`
	ServiceIndex  string      `json:"serviceIndex,omitempty"`
	Owners        []string    `json:"owners,omitempty"`
	Timestamps    []Timestamp `json:"timestamps"`
	Issues        []Issue     `json:"issues"`
}

// Timestamp describes a timestamp attached to a signature
type Timestamp struct {
	Time      time.Time `json:"time"`
	Authority string    `json:"authority,omitempty"`
}

// Issue is a single verification issue
type Issue struct {
	Level   string `json:"level"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// TrustListOutput represents the JSON output for trust list
type TrustListOutput struct {
	SchemaVersion string          `json:"schemaVersion"`
	ConfigFile    string          `json:"configFile"`
	Signers       []TrustedSigner `json:"signers"`
}

// TrustedSigner is one configured signer and its certificates
type TrustedSigner struct {
	Name         string               `json:"name"`
	Kind         string               `json:"kind"` // "author" or "repository"
	ServiceIndex string               `json:"serviceIndex,omitempty"`
	Owners       []string             `json:"owners,omitempty"`
	Certificates []TrustedCertificate `json:"certificates"`
}

// TrustedCertificate is a certificate fingerprint entry
type TrustedCertificate struct {
	Fingerprint        string `json:"fingerprint"`
	HashAlgorithm      string `json:"hashAlgorithm"`
	AllowUntrustedRoot bool   `json:"allowUntrustedRoot"`
}

// NewVerifyOutput creates a new VerifyOutput with schema version
func NewVerifyOutput() *VerifyOutput {
	return &VerifyOutput{
		SchemaVersion: CurrentSchemaVersion,
		Packages:      []PackageVerify{},
		Valid:         true,
	}
}

// Add appends a package result and folds its validity into the total.
func (o *VerifyOutput) Add(p PackageVerify) {
	o.Packages = append(o.Packages, p)
	o.Valid = o.Valid && p.Valid
}

// NewTrustListOutput creates a new TrustListOutput with schema version
func NewTrustListOutput(configFile string) *TrustListOutput {
	return &TrustListOutput{
		SchemaVersion: CurrentSchemaVersion,
		ConfigFile:    configFile,
		Signers:       []TrustedSigner{},
	}
}

// WriteJSON writes a JSON object to the specified writer (typically stdout)
// When --format json is used, ALL JSON goes to stdout and ALL messages go to stderr
func WriteJSON(w io.Writer, v any) error {
	encoder := json.NewEncoder(w)
	encoder.SetIndent("", "  ")
	return encoder.Encode(v)
}

// MeasureElapsed returns elapsed time in milliseconds since start
func MeasureElapsed(start time.Time) int64 {
	return time.Since(start).Milliseconds()
}

// Format is an output format selected with --format.
type Format string

const (
	FormatText Format = "text"
	FormatJSON Format = "json"
)

// ParseFormat parses a --format value.
func ParseFormat(s string) (Format, error) {
	switch Format(s) {
	case "", FormatText:
		return FormatText, nil
	case FormatJSON:
		return FormatJSON, nil
	default:
		return "", fmt.Errorf("invalid format %q (text, json)", s)
	}
}
