package signatures

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestStatusFlags(t *testing.T) {
	flags := StatusUntrustedRoot | StatusCertificateRevoked

	assert.True(t, flags.Has(StatusUntrustedRoot))
	assert.False(t, flags.Has(StatusUntrustedRoot|StatusNoCertificate))
	assert.False(t, flags.Has(StatusNoErrors))
	assert.True(t, flags.Any(StatusSuspect))
	assert.False(t, flags.Any(StatusIllegal))
	assert.Equal(t, "CertificateRevoked|UntrustedRoot", flags.String())
	assert.Equal(t, "NoErrors", StatusNoErrors.String())
}

func TestStatusFromFlags(t *testing.T) {
	warning := []SignatureLog{WarningIssue(NU3018, "warn")}
	failure := []SignatureLog{ErrorIssue(NU3018, "fail")}

	assert.Equal(t, VerificationValid, StatusFromFlags(StatusNoErrors, nil))
	assert.Equal(t, VerificationValid, StatusFromFlags(StatusUntrustedRoot, warning))
	assert.Equal(t, VerificationDisallowed, StatusFromFlags(StatusUntrustedRoot, failure))
	assert.Equal(t, VerificationSuspect, StatusFromFlags(StatusIntegrityCheckFailed, nil))
	assert.Equal(t, VerificationSuspect, StatusFromFlags(StatusCertificateRevoked, failure))
}

func TestFilterIssues(t *testing.T) {
	issues := []SignatureLog{
		ErrorIssue(NU3008, "a"),
		WarningIssue(NU3027, "b"),
		InformationIssue(NU3018, "c"),
		Issue(false, NU3028, "d"),
	}
	assert.Len(t, FilterIssues(issues, LogLevelWarning), 2)
	assert.Len(t, FilterIssues(issues, LogLevelError), 1)
	assert.True(t, HasErrors(issues))
	assert.False(t, HasErrors(issues[1:]))
	assert.Equal(t, "Warning NU3027: b", issues[1].String())
}
