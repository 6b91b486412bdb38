package helpers

import "strings"

// MaskSensitive redacts credentials from a POP3 command line before it is logged.
// For PASS everything after the verb is replaced. Other lines are returned unchanged.
func MaskSensitive(line string) string {
	verb, rest, found := strings.Cut(strings.TrimSpace(line), " ")
	if !strings.EqualFold(verb, "PASS") {
		return line
	}
	if !found || rest == "" {
		return verb
	}
	return verb + " [REDACTED]"
}
