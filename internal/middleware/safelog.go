package middleware

import "strings"

// MaskSecret keeps the first four characters of a session token for log lines.
func MaskSecret(s string) string {
	s = strings.TrimSpace(s)
	if len(s) <= 4 {
		return "****"
	}
	return s[:4] + "***"
}
