package evidence

import (
	"regexp"
	"strings"
	"unicode/utf8"
)

var (
	emailPattern = regexp.MustCompile(`[A-Za-z0-9._%+\-]+@[A-Za-z0-9.\-]+\.[A-Za-z]{2,}`)
	phonePattern = regexp.MustCompile(`\+?\d[\d\-\s().]{7,}\d`)
	ssnPattern   = regexp.MustCompile(`\b\d{3}-\d{2}-\d{4}\b`)
)

// Redact strips obvious PII (emails, phone numbers, SSN-like digit groups)
// and truncates to maxLen characters. The result is safe to embed in packets
// and webhook payloads.
func Redact(text string, maxLen int) string {
	out := ssnPattern.ReplaceAllString(text, "[redacted-ssn]")
	out = emailPattern.ReplaceAllString(out, "[redacted-email]")
	out = phonePattern.ReplaceAllString(out, "[redacted-phone]")
	out = strings.ToValidUTF8(out, "")
	if utf8.RuneCountInString(out) <= maxLen {
		return out
	}
	runes := []rune(out)
	return string(runes[:maxLen])
}
