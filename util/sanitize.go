package util

import "regexp"

// MaxSanitizeLength bounds the input scanned by SanitizeString. Longer input
// is truncated first.
const MaxSanitizeLength = 64 * 1024

var redactions = []struct {
	pattern     *regexp.Regexp
	replacement string
}{
	// Credentials embedded in relay and database URLs
	{regexp.MustCompile(`(?i)\b((?:redis|rediss|nats|tls|sqlite|file)://)[^\s/@:]*:[^\s/@]+@`), "${1}REDACTED@"},

	{regexp.MustCompile(`(?i)(password|passwd|pwd)[\s:=]+[^\s]+`), "$1=REDACTED"},
	{regexp.MustCompile(`(?i)"password"\s*:\s*"[^"]+"`), `"password":"REDACTED"`},

	{regexp.MustCompile(`(?i)bearer\s+[a-zA-Z0-9_\-\.]+`), "bearer REDACTED"},
	{regexp.MustCompile(`(?i)\b(token|authorization)[\s:=]+[^\s]+`), "$1=REDACTED"},

	{regexp.MustCompile(`(?i)(x-api-key|api[_-]?key|apikey)[\s:=]+[^\s]+`), "$1=REDACTED"},
	{regexp.MustCompile(`(?i)"api[_-]?key"\s*:\s*"[^"]+"`), `"api_key":"REDACTED"`},

	{regexp.MustCompile(`(?i)\b(secret|client[_-]?secret)[\s:=]+[^\s]+`), "$1=REDACTED"},

	// PowerShell ConvertTo-SecureString -AsPlainText arguments
	{regexp.MustCompile(`(?i)(ConvertTo-SecureString\s+(?:-String\s+)?)("[^"]*"|'[^']*'|\S+)`), "${1}REDACTED"},

	{regexp.MustCompile(`(?s)-----BEGIN (RSA |DSA |EC |OPENSSH )?PRIVATE KEY-----.*?-----END (RSA |DSA |EC |OPENSSH )?PRIVATE KEY-----`), "REDACTED_PRIVATE_KEY"},
}

// SanitizeError returns err's message with secrets redacted
func SanitizeError(err error) string {
	if err == nil {
		return ""
	}
	return SanitizeString(err.Error())
}

// SanitizeString redacts passwords, tokens, API keys, URL credentials and
// private keys from text that may reach logs, job logs or API clients.
func SanitizeString(s string) string {
	if s == "" {
		return ""
	}
	if len(s) > MaxSanitizeLength {
		s = s[:MaxSanitizeLength] + "... [truncated]"
	}
	for _, r := range redactions {
		s = r.pattern.ReplaceAllString(s, r.replacement)
	}
	return s
}
