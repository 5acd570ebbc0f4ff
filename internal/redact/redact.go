// Package redact scrubs sensitive material from strings before they are
// persisted in task records or written to logs. Handler errors routinely
// embed upstream detail — connection strings, API keys, signed URLs — and
// dead-lettered tasks retain their last error indefinitely, so everything
// that looks like a credential is replaced before storage.
package redact

import "regexp"

// Redaction placeholders
const (
	RedactedCredentialPlaceholder = "[REDACTED_CREDENTIAL]"
	RedactedKeyPlaceholder        = "[REDACTED_KEY]"
	RedactedTokenPlaceholder      = "[REDACTED_TOKEN]"
)

// Precompiled patterns, applied in order.
var (
	// Connection strings with embedded credentials
	connStringRegex = regexp.MustCompile(`(?i)(postgres|postgresql|mysql|redis|amqp|mongodb)://[^@\s]+@`)

	// password=..., pwd:..., etc.
	passwordRegex = regexp.MustCompile(`(?i)(password|passwd|pwd)([=:\s]['"]?)[^'"&\s]{3,}`)

	// API keys, tokens and secrets in key=value or header form
	apiKeyRegex = regexp.MustCompile(
		`(?i)(api[_-]?key|token|secret|bearer|authorization)(['"\s:=]+)[A-Za-z0-9_\-.~+/]{8,}`,
	)

	// Signed URL query parameters
	signedURLRegex = regexp.MustCompile(`(?i)([?&](sig|signature|key|token|apikey)=)[^&\s]+`)
)

// String redacts sensitive information from the input string.
func String(input string) string {
	if input == "" {
		return input
	}
	out := connStringRegex.ReplaceAllString(input, "$1://"+RedactedCredentialPlaceholder+"@")
	out = passwordRegex.ReplaceAllString(out, "$1$2"+RedactedCredentialPlaceholder)
	out = apiKeyRegex.ReplaceAllString(out, "$1$2"+RedactedKeyPlaceholder)
	out = signedURLRegex.ReplaceAllString(out, "$1"+RedactedTokenPlaceholder)
	return out
}

// Error redacts the error's message, returning the empty string for nil.
func Error(err error) string {
	if err == nil {
		return ""
	}
	return String(err.Error())
}
