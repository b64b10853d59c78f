package interp

import "regexp"

// Patterns removed from interpolated output. Sanitization runs on
// every result; the detection flag exists for telemetry only.
var (
	scriptPattern      = regexp.MustCompile(`(?is)<script\b[^>]*>.*?</script\s*>`)
	scriptOpenPattern  = regexp.MustCompile(`(?i)<\s*/?\s*script\b[^>]*>`)
	htmlCommentPattern = regexp.MustCompile(`(?s)<!--.*?-->`)
	jsProtocolPattern  = regexp.MustCompile(`(?i)javascript\s*:`)
	eventHandlerAttr   = regexp.MustCompile(`(?i)\bon[a-z]+\s*=\s*("[^"]*"|'[^']*'|[^\s>]+)`)
)

// Sanitize strips script tags, HTML comments, javascript: protocols,
// and inline event-handler attributes. It returns the cleaned string
// and whether anything was removed.
func Sanitize(s string) (string, bool) {
	detected := false
	out := s

	for _, p := range []*regexp.Regexp{
		scriptPattern,
		scriptOpenPattern,
		htmlCommentPattern,
		jsProtocolPattern,
		eventHandlerAttr,
	} {
		if p.MatchString(out) {
			detected = true
			out = p.ReplaceAllString(out, "")
		}
	}
	return out, detected
}
