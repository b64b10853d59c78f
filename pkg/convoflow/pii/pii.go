// Package pii detects and redacts personally identifiable information
// in conversation content before it enters a prompt.
//
// Scrubbing is idempotent: redaction placeholders do not themselves
// match any pattern, so re-scrubbing scrubbed content is a no-op.
package pii

import "regexp"

// pattern pairs a detector with its fixed redaction placeholder.
// Order matters: more specific patterns run before broader ones so a
// card number is not half-consumed by the phone pattern.
type pattern struct {
	re          *regexp.Regexp
	placeholder string
}

var patterns = []pattern{
	{
		// Email addresses.
		re:          regexp.MustCompile(`[a-zA-Z0-9._%+\-]+@[a-zA-Z0-9.\-]+\.[a-zA-Z]{2,}`),
		placeholder: "[EMAIL]",
	},
	{
		// UUIDs.
		re:          regexp.MustCompile(`\b[0-9a-fA-F]{8}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{12}\b`),
		placeholder: "[UUID]",
	},
	{
		// Payment-card-like digit groups (13-19 digits, optional
		// space or dash separators every four).
		re:          regexp.MustCompile(`\b(?:\d[ \-]?){12,18}\d\b`),
		placeholder: "[CARD]",
	},
	{
		// US-style national id (SSN shape).
		re:          regexp.MustCompile(`\b\d{3}-\d{2}-\d{4}\b`),
		placeholder: "[NATIONAL_ID]",
	},
	{
		// Phone numbers with optional country code and separators.
		re:          regexp.MustCompile(`(?:\+?\d{1,3}[ \-.]?)?\(?\d{3}\)?[ \-.]\d{3}[ \-.]\d{4}\b`),
		placeholder: "[PHONE]",
	},
	{
		// Long opaque tokens (API keys, bearer tokens).
		re:          regexp.MustCompile(`\b[A-Za-z0-9_\-]{32,}\b`),
		placeholder: "[TOKEN]",
	},
	{
		// Postal codes: US ZIP(+4) and UK-style.
		re:          regexp.MustCompile(`\b\d{5}(?:-\d{4})?\b|\b[A-Z]{1,2}\d[A-Z\d]? ?\d[A-Z]{2}\b`),
		placeholder: "[POSTAL]",
	},
}

// Detect reports whether the content contains any recognized PII.
func Detect(content string) bool {
	for _, p := range patterns {
		if p.re.MatchString(content) {
			return true
		}
	}
	return false
}

// Scrub replaces every recognized PII occurrence with its fixed
// placeholder. Already-scrubbed content passes through unchanged.
func Scrub(content string) string {
	out := content
	for _, p := range patterns {
		out = p.re.ReplaceAllString(out, p.placeholder)
	}
	return out
}
