/*
phone.go - Destination phone number normalization

Numbers arrive in whatever shape users typed them: "0712 345 678",
"+254712345678", "712345678". Storage uses the international form with
a leading +; the B2C wire format is digits only with the country code.
*/
package mpesa

import "strings"

// FormatPhoneNumber normalizes a phone number to international format
// with a leading + (e.g. +254712345678). countryCode is digits only,
// e.g. "254".
func FormatPhoneNumber(phone, countryCode string) string {
	cleaned := digitsOnly(phone)

	switch {
	case strings.HasPrefix(cleaned, countryCode):
		return "+" + cleaned
	case strings.HasPrefix(cleaned, "0"):
		return "+" + countryCode + cleaned[1:]
	default:
		return "+" + countryCode + cleaned
	}
}

// normalizeForWire returns the digits-only international form the
// provider expects in PartyB (no +, country code prefix).
func normalizeForWire(phone, countryCode string) string {
	return strings.TrimPrefix(FormatPhoneNumber(phone, countryCode), "+")
}

func digitsOnly(s string) string {
	var b strings.Builder
	for _, r := range s {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}
