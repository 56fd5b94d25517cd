package ca

import "strings"

const defaultCN = "OpenBotAuth Agent"

// specialChars are RDN-significant characters that must not appear
// unescaped in a Subject CN; they're replaced with a space rather than
// escaped, matching the "newline/tab/null -> space" treatment.
const specialChars = `=,+<>#;"\`

// SanitizeCN derives a safe X.509 Subject Common Name from an agent's
// display name: control characters and RDN-special characters become
// spaces, runs of whitespace collapse to one space, the result is
// trimmed and clipped to 64 characters, and an empty result falls back
// to a fixed default.
func SanitizeCN(name string) string {
	var b strings.Builder
	b.Grow(len(name))
	for _, r := range name {
		switch {
		case r == '\n' || r == '\t' || r == 0:
			b.WriteByte(' ')
		case strings.ContainsRune(specialChars, r):
			b.WriteByte(' ')
		default:
			b.WriteRune(r)
		}
	}

	collapsed := strings.Join(strings.Fields(b.String()), " ")
	if collapsed == "" {
		return defaultCN
	}
	if runes := []rune(collapsed); len(runes) > 64 {
		collapsed = string(runes[:64])
	}
	return collapsed
}
