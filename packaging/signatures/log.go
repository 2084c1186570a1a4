package signatures

import "fmt"

// LogCode is a stable diagnostic code. Downstream tooling matches on these
// values, so they never change meaning.
type LogCode string

const (
	NU3000 LogCode = "NU3000" // generic signing failure, no signature to remove, multiple timestamps
	NU3001 LogCode = "NU3001" // signing conflict, package already signed
	NU3004 LogCode = "NU3004" // package is not signed
	NU3008 LogCode = "NU3008" // package integrity check failed
	NU3011 LogCode = "NU3011" // primary signature is invalid
	NU3013 LogCode = "NU3013" // unsupported signing key or algorithm
	NU3017 LogCode = "NU3017" // invalid signing request
	NU3018 LogCode = "NU3018" // primary signer chain or revocation problem
	NU3020 LogCode = "NU3020" // timestamp has no signer certificate
	NU3021 LogCode = "NU3021" // timestamp signature or imprint invalid
	NU3024 LogCode = "NU3024" // unsupported hash algorithm
	NU3027 LogCode = "NU3027" // signature should be timestamped
	NU3028 LogCode = "NU3028" // timestamp chain or revocation problem
	NU3031 LogCode = "NU3031" // repository countersignature is invalid
	NU3034 LogCode = "NU3034" // signer certificate not in the allow-list
	NU3035 LogCode = "NU3035" // countersigner chain or revocation problem
	NU3036 LogCode = "NU3036" // generalized time outside certificate validity
	NU3037 LogCode = "NU3037" // signature validity period has expired
	NU3038 LogCode = "NU3038" // required signature missing for the verification target
)

// LogLevel is the severity of a verification issue.
type LogLevel int

const (
	// LogLevelInformation is a diagnostic note.
	LogLevelInformation LogLevel = iota
	// LogLevelWarning does not affect validity.
	LogLevelWarning
	// LogLevelError makes the verification result invalid.
	LogLevelError
)

func (l LogLevel) String() string {
	switch l {
	case LogLevelError:
		return "Error"
	case LogLevelWarning:
		return "Warning"
	default:
		return "Information"
	}
}

// SignatureLog is a single verification issue.
type SignatureLog struct {
	Level   LogLevel
	Code    LogCode
	Message string
}

func (l SignatureLog) String() string {
	return fmt.Sprintf("%s %s: %s", l.Level, l.Code, l.Message)
}

// ErrorIssue creates an Error-level issue.
func ErrorIssue(code LogCode, format string, args ...any) SignatureLog {
	return SignatureLog{Level: LogLevelError, Code: code, Message: fmt.Sprintf(format, args...)}
}

// WarningIssue creates a Warning-level issue.
func WarningIssue(code LogCode, format string, args ...any) SignatureLog {
	return SignatureLog{Level: LogLevelWarning, Code: code, Message: fmt.Sprintf(format, args...)}
}

// InformationIssue creates an Information-level issue.
func InformationIssue(code LogCode, format string, args ...any) SignatureLog {
	return SignatureLog{Level: LogLevelInformation, Code: code, Message: fmt.Sprintf(format, args...)}
}

// Issue creates an Error-level issue when fatal, a Warning otherwise.
func Issue(fatal bool, code LogCode, format string, args ...any) SignatureLog {
	if fatal {
		return ErrorIssue(code, format, args...)
	}
	return WarningIssue(code, format, args...)
}

// FilterIssues returns the issues at the given level.
func FilterIssues(issues []SignatureLog, level LogLevel) []SignatureLog {
	var out []SignatureLog
	for _, issue := range issues {
		if issue.Level == level {
			out = append(out, issue)
		}
	}
	return out
}

// HasErrors reports whether any issue is Error-level.
func HasErrors(issues []SignatureLog) bool {
	for _, issue := range issues {
		if issue.Level == LogLevelError {
			return true
		}
	}
	return false
}
