package identity

import "strings"

// NormalizeID trims a participant id. Ids are case-sensitive.
func NormalizeID(s string) string {
	return strings.TrimSpace(s)
}

// NormalizeDisplayName trims and drops a leading handle marker ("@alice" -> "alice").
func NormalizeDisplayName(s string) string {
	s = strings.TrimSpace(s)
	s = strings.TrimPrefix(s, "@")
	return strings.TrimSpace(s)
}
