package domain

import (
	"strings"
	"unicode"
)

// DefaultCountryCode is prepended to bare 9-digit national numbers.
const DefaultCountryCode = "34"

// NormalizeSender canonicalizes a phone number into the key used for all
// per-sender state. Applying it twice yields the same result.
func NormalizeSender(phone string) string {
	phone = strings.Map(func(r rune) rune {
		if unicode.IsSpace(r) {
			return -1
		}
		return r
	}, phone)
	phone = strings.TrimPrefix(phone, "+")
	if len(phone) == 9 && !strings.HasPrefix(phone, DefaultCountryCode) {
		phone = DefaultCountryCode + phone
	}
	return phone
}
