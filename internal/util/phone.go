package util

import "strings"

// DefaultCountryCode is prepended to numbers that do not start with it.
const DefaultCountryCode = "55"

// NormalizePhone converts a provider address to E.164, assuming Brazil when the number does not
// already start with the country code. It returns "" when there are no digits.
func NormalizePhone(raw string) string {
	var b strings.Builder
	for _, r := range raw {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	digits := b.String()
	if digits == "" {
		return ""
	}
	if strings.HasPrefix(digits, DefaultCountryCode) {
		return "+" + digits
	}
	return "+" + DefaultCountryCode + digits
}
