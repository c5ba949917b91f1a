package helpers

import "strings"

// MaskSecret hides all but the last two characters of a secret for logging.
func MaskSecret(secret string) string {
	if len(secret) <= 2 {
		return strings.Repeat("*", len(secret))
	}
	return strings.Repeat("*", len(secret)-2) + secret[len(secret)-2:]
}

// MaskDigits masks a collected DTMF sequence unless it is a menu selector.
// Passwords travel through the same digit buffers as mailbox numbers.
func MaskDigits(digits string, sensitive bool) string {
	if !sensitive {
		return digits
	}
	return strings.Repeat("*", len(digits))
}
