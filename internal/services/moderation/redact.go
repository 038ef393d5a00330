package moderation

import "regexp"

// RedactedPlaceholder replaces every redacted match
const RedactedPlaceholder = "[REDACTED]"

type redaction struct {
	pattern     *regexp.Regexp
	replacement string
}

// redactions run in this order
var redactions = []redaction{
	// long opaque tokens: keys, session ids, hashes; prefixes such as sk_ do not shield them
	{regexp.MustCompile(`[A-Za-z0-9]{32,}`), RedactedPlaceholder},
	{regexp.MustCompile(`[A-Za-z0-9._%+-]+@[A-Za-z0-9.-]+\.[A-Za-z]{2,}`), RedactedPlaceholder},
	{regexp.MustCompile(`\b\d{3}-\d{2}-\d{4}\b`), RedactedPlaceholder},
	// a privileged path must start the text or follow whitespace, a bracket or a quote
	{regexp.MustCompile(`(?i)(^|[\s("'])/(?:admin|internal|private)\b(?:/[\w\-./]*)?`), "${1}" + RedactedPlaceholder},
}

// RedactSensitiveContent masks tokens, emails, SSN-shaped numbers and privileged paths.
// Text without sensitive content is returned unchanged.
func RedactSensitiveContent(text string) string {
	for _, r := range redactions {
		text = r.pattern.ReplaceAllString(text, r.replacement)
	}
	return text
}
