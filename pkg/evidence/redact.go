package evidence

import (
	"regexp"
	"strings"
	"unicode/utf8"
)

// PII patterns stripped from excerpts before persistence, applied in order:
// SSN, email, phone.
var piiPatterns = []struct {
	re          *regexp.Regexp
	replacement string
}{
	{regexp.MustCompile(`\b\d{3}-\d{2}-\d{4}\b`), "[SSN_REDACTED]"},
	{regexp.MustCompile(`(?i)\b[A-Za-z0-9._%+-]+@[A-Za-z0-9.-]+\.[A-Za-z]{2,}\b`), "[EMAIL_REDACTED]"},
	{regexp.MustCompile(`\(\d{3}\)\s*\d{3}[-.]?\d{4}|\b\d{3}[-.]?\d{3}[-.]?\d{4}\b`), "[PHONE_REDACTED]"},
}

// RedactPII replaces email, phone and SSN-like tokens with markers.
func RedactPII(text string) string {
	for _, p := range piiPatterns {
		text = p.re.ReplaceAllString(text, p.replacement)
	}
	return text
}

// ExtractExcerpt decodes payload bytes to text, truncates to maxLen and strips
// PII. Invalid UTF-8 is replaced rather than rejected.
func ExtractExcerpt(payload []byte, maxLen int) string {
	text := strings.ToValidUTF8(string(payload), string(utf8.RuneError))
	if len(text) > maxLen {
		text = text[:maxLen-3] + "..."
	}
	return RedactPII(text)
}
