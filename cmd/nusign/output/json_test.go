package output

import (
	"bytes"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xeipuuv/gojsonschema"
)

func validateVerifyJSON(t *testing.T, doc []byte) *gojsonschema.Result {
	t.Helper()
	schema, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(VerifySchema))
	require.NoError(t, err)
	result, err := schema.Validate(gojsonschema.NewBytesLoader(doc))
	require.NoError(t, err)
	return result
}

func sampleVerifyOutput() *VerifyOutput {
	out := NewVerifyOutput()
	out.Add(PackageVerify{
		Path:   "Contoso.Lib.1.0.0.nupkg",
		Signed: true,
		Valid:  false,
		Flags:  []string{"UntrustedRoot"},
		Issues: []Issue{},
		Signatures: []SignatureResult{{
			Placement:     "Primary",
			Type:          "Author",
			Status:        "Disallowed",
			Flags:         []string{"UntrustedRoot"},
			Subject:       "CN=Contoso",
			Fingerprint:   "3F9001EA83C560D712C24CF213C3D312CB3BFF51EE89435D3430BD06B5D0EECE",
			HashAlgorithm: "SHA256",
			Timestamps:    []Timestamp{{Time: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC), Authority: "CN=TSA"}},
			Issues:        []Issue{{Level: "Error", Code: "NU3018", Message: "untrusted root"}},
		}},
	})
	out.Add(PackageVerify{
		Path:       "Unsigned.1.0.0.nupkg",
		Valid:      true,
		Flags:      []string{},
		Issues:     []Issue{},
		Signatures: []SignatureResult{},
	})
	return out
}

func TestVerifyOutput_Add(t *testing.T) {
	out := sampleVerifyOutput()
	assert.Len(t, out.Packages, 2)
	assert.False(t, out.Valid, "one invalid package makes the run invalid")
	assert.Equal(t, CurrentSchemaVersion, out.SchemaVersion)
}

func TestVerifyOutput_MatchesSchema(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteJSON(&buf, sampleVerifyOutput()))

	result := validateVerifyJSON(t, buf.Bytes())
	assert.True(t, result.Valid(), "schema errors: %v", result.Errors())
}

func TestVerifyOutput_EmptyMatchesSchema(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteJSON(&buf, NewVerifyOutput()))

	result := validateVerifyJSON(t, buf.Bytes())
	assert.True(t, result.Valid(), "schema errors: %v", result.Errors())
}

func TestVerifySchema_RejectsMalformed(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(m map[string]any)
	}{
		{"missing valid", func(m map[string]any) { delete(m, "valid") }},
		{"unknown field", func(m map[string]any) { m["extra"] = 1 }},
		{"bad issue code", func(m map[string]any) {
			pkg := m["packages"].([]any)[0].(map[string]any)
			sig := pkg["signatures"].([]any)[0].(map[string]any)
			sig["issues"].([]any)[0].(map[string]any)["code"] = "CS0001"
		}},
		{"bad status", func(m map[string]any) {
			pkg := m["packages"].([]any)[0].(map[string]any)
			pkg["signatures"].([]any)[0].(map[string]any)["status"] = "Fine"
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			raw, err := json.Marshal(sampleVerifyOutput())
			require.NoError(t, err)
			var m map[string]any
			require.NoError(t, json.Unmarshal(raw, &m))
			tt.mutate(m)
			doc, err := json.Marshal(m)
			require.NoError(t, err)

			assert.False(t, validateVerifyJSON(t, doc).Valid())
		})
	}
}

func TestWriteJSON_Indented(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteJSON(&buf, map[string]int{"a": 1}))
	assert.Equal(t, "{\n  \"a\": 1\n}\n", buf.String())
}

func TestParseFormat(t *testing.T) {
	f, err := ParseFormat("")
	require.NoError(t, err)
	assert.Equal(t, FormatText, f)

	f, err = ParseFormat("json")
	require.NoError(t, err)
	assert.Equal(t, FormatJSON, f)

	_, err = ParseFormat("xml")
	assert.Error(t, err)
}

func TestNewTrustListOutput(t *testing.T) {
	out := NewTrustListOutput("/tmp/nusign.config")
	assert.Equal(t, CurrentSchemaVersion, out.SchemaVersion)
	assert.NotNil(t, out.Signers)
}
