// Package security scrubs secret-looking material from text that leaves the
// tunnel subsystem: hook command payloads echoed into logs, injection tool
// output stored as a session's last error, and anything else persisted or
// shown to the user. Hooks run inside the target application's page, so
// payloads can legitimately contain editor buffer contents.
package security

import (
	"regexp"
	"strings"
)

var (
	secretKeyExpr     = `(?:password|passwd|secret|api[_-]?key|[a-z0-9._-]*token[a-z0-9._-]*)`
	kvSecretPattern   = regexp.MustCompile(`(?i)(` + secretKeyExpr + `)\s*[:=]\s*(?:"(?:[^"\\]|\\.)*"|'(?:[^'\\]|\\.)*'|[^\s"']+)`)
	jsonSecretPattern = regexp.MustCompile(`(?i)("` + secretKeyExpr + `"\s*:\s*)"(?:[^"\\]|\\.)*"`)
	bearerPattern     = regexp.MustCompile(`(?i)\bbearer\s+[A-Za-z0-9._~+/=-]+`)
	pemBlockPattern   = regexp.MustCompile(`(?s)-----BEGIN [^-]+ PRIVATE KEY-----.*?-----END [^-]+ PRIVATE KEY-----`)
)

// Redact masks secret-shaped substrings, leaving the surrounding text intact
// so error messages stay diagnosable.
func Redact(input string) string {
	if input == "" {
		return ""
	}
	out := pemBlockPattern.ReplaceAllString(input, "[REDACTED_PRIVATE_KEY]")
	out = jsonSecretPattern.ReplaceAllString(out, `${1}"[REDACTED]"`)
	out = kvSecretPattern.ReplaceAllStringFunc(out, func(match string) string {
		idx := strings.IndexAny(match, ":=")
		if idx < 0 {
			return "[REDACTED]"
		}
		return match[:idx+1] + " [REDACTED]"
	})
	out = bearerPattern.ReplaceAllString(out, "Bearer [REDACTED]")
	return out
}
