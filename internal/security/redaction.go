// Package security scrubs secrets out of text before it is recorded. Typed
// input and sidebar log lines routinely carry tokens and passwords; the
// bytes delivered to a surface stay untouched, only the recorded copies are
// redacted.
package security

import (
	"regexp"
	"strings"
)

const marker = "[REDACTED]"

var (
	secretKeyExpr  = `(?:password|passwd|secret|api[_-]?key|[a-z0-9._-]*token[a-z0-9._-]*|client_secret|private_key|aws_access_key_id|aws_secret_access_key)`
	kvPattern      = regexp.MustCompile(`(?i)(` + secretKeyExpr + `)\s*[:=]\s*(?:"(?:[^"\\]|\\.)*"|'(?:[^'\\]|\\.)*'|[^\s"']+)`)
	jsonPattern    = regexp.MustCompile(`(?i)("` + secretKeyExpr + `"\s*:\s*)"(?:[^"\\]|\\.)*"`)
	authPattern    = regexp.MustCompile(`(?i)(authorization\s*:\s*)[^\r\n]+`)
	bearerPattern  = regexp.MustCompile(`(?i)\bbearer\s+[A-Za-z0-9._~+/=-]+`)
	cookiePattern  = regexp.MustCompile(`(?i)(cookie\s*:\s*)[^\r\n]+`)
	pemPattern     = regexp.MustCompile(`(?s)-----BEGIN [^-]+ PRIVATE KEY-----.*?-----END [^-]+ PRIVATE KEY-----`)
	sshUserPattern = regexp.MustCompile(`(?i)(ssh://)[^\s/@]+@`)

	sensitivePattern = regexp.MustCompile(`(?i)(-----BEGIN [^-]+ PRIVATE KEY-----|` + secretKeyExpr + `|authorization\s*:|bearer\s+[A-Za-z0-9._~+/=-]+|cookie\s*:|sessionid=)`)
)

// Redact replaces secret-looking values with a marker, leaving the
// surrounding text intact. Benign text passes through unchanged.
func Redact(input string) string {
	if input == "" {
		return ""
	}
	out := pemPattern.ReplaceAllString(input, "[REDACTED_PRIVATE_KEY]")
	out = jsonPattern.ReplaceAllString(out, `${1}"`+marker+`"`)
	out = kvPattern.ReplaceAllStringFunc(out, func(match string) string {
		idx := strings.IndexAny(match, ":=")
		if idx < 0 {
			return marker
		}
		return match[:idx+1] + " " + marker
	})
	out = authPattern.ReplaceAllString(out, `${1}`+marker)
	out = bearerPattern.ReplaceAllString(out, "Bearer "+marker)
	out = cookiePattern.ReplaceAllString(out, `${1}`+marker)
	out = sshUserPattern.ReplaceAllString(out, `${1}`+marker+`@`)
	return out
}

// LooksSensitive reports whether the text still smells like a secret. Used
// to fail closed: callers drop text that matches but survived Redact
// untransformed.
func LooksSensitive(input string) bool {
	return sensitivePattern.MatchString(input)
}

// RedactRecorded prepares text for a recorded copy. Text that looks
// sensitive but came through Redact unchanged is dropped entirely.
func RedactRecorded(input string) string {
	redacted := Redact(input)
	if redacted == input && LooksSensitive(input) {
		return ""
	}
	return redacted
}
