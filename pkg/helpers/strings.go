package helpers

import "strings"

// Truncate returns at most n leading runes of s.
func Truncate(s string, n int) string {
	if n <= 0 {
		return ""
	}
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}

// CollapseSpaces trims s and collapses every run of whitespace into a
// single space. Owner-facing tags are normalized this way before lookup
// and storage.
func CollapseSpaces(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
