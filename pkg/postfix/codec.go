package postfix

import "strings"

const (
	// FrameSuffix terminates one framed inquiry or response on the wire.
	FrameSuffix = "\n\n"

	// VerdictInvalid is sent for inquiries that fail the validity gate.
	VerdictInvalid = "REJECT Invalid request"

	// VerdictFallback is sent when neither a rule nor a rate limiter decides.
	VerdictFallback = "DUNNO"

	// RateLimitSentinel is the reject text for limiters without custom text.
	RateLimitSentinel = "400: Rate limit exceeded"
)

// ParseAttributes parses a framed request block into an attribute map.
// Each line has form key=value; only the first '=' separates, and both key
// and value are trimmed of surrounding whitespace. Blank lines and lines
// without '=' are ignored. Later duplicates of a key overwrite earlier ones.
func ParseAttributes(frame string) Attributes {
	attrs := make(Attributes)
	for _, line := range strings.Split(strings.TrimSpace(frame), "\n") {
		key, value, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		key = strings.TrimSpace(key)
		if key == "" {
			continue
		}
		attrs[key] = strings.TrimSpace(value)
	}
	return attrs
}

// Verdict joins an action token with an optional custom text suffix,
// collapsing the separator when the suffix is empty.
func Verdict(action, customText string) string {
	return strings.TrimSpace(action + " " + customText)
}

// FormatResponse renders a verdict line in wire framing: "<verdict>\n\n".
func FormatResponse(verdict string) []byte {
	return []byte(strings.TrimSpace(verdict) + FrameSuffix)
}
