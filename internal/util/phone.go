package util

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"unicode"
)

// countryPrefix is prepended to bare national numbers.
const countryPrefix = "55"

// jidSuffix is the WhatsApp user JID domain.
const jidSuffix = "@s.whatsapp.net"

var nonDigitRegex = regexp.MustCompile(`\D`)

// PhoneFromUserID derives the contact phone from a channel user identifier:
// the JID suffix is stripped and the country prefix enforced.
func PhoneFromUserID(userID string) string {
	phone := userID
	if i := strings.Index(phone, "@"); i >= 0 {
		phone = phone[:i]
	}
	phone = nonDigitRegex.ReplaceAllString(phone, "")
	if phone == "" {
		return ""
	}
	if !strings.HasPrefix(phone, countryPrefix) {
		phone = countryPrefix + phone
	}
	return phone
}

// JIDFromPhone turns a phone number into a WhatsApp user JID. Long numbers
// missing the country prefix get it prepended.
func JIDFromPhone(phone string) string {
	digits := nonDigitRegex.ReplaceAllString(phone, "")
	if digits == "" {
		return ""
	}
	if len(digits) >= 10 && !strings.HasPrefix(digits, countryPrefix) {
		digits = countryPrefix + digits
	}
	return digits + jidSuffix
}

// ClientNumber strips the JID domain from a user identifier for display.
func ClientNumber(userID string) string {
	if i := strings.Index(userID, "@"); i >= 0 {
		return userID[:i]
	}
	return userID
}

// HasDigit reports whether the string carries at least one digit.
func HasDigit(s string) bool {
	for _, r := range s {
		if unicode.IsDigit(r) {
			return true
		}
	}
	return false
}

// NormalizeTimeInput coerces free-text time expressions into "HH:MM".
// Examples: "7h" -> "07:00", "10" -> "10:00", "1330" -> "13:30". A morning
// word maps to the fixed 09:00 slot. Unrecognizable input yields "".
func NormalizeTimeInput(text string) string {
	lower := strings.ToLower(text)
	if strings.Contains(lower, "manhã") || strings.Contains(lower, "manha") {
		return "09:00"
	}

	digits := nonDigitRegex.ReplaceAllString(text, "")
	switch len(digits) {
	case 1:
		return fmt.Sprintf("0%s:00", digits)
	case 2:
		if n, err := strconv.Atoi(digits); err == nil && n < 24 {
			return fmt.Sprintf("%s:00", digits)
		}
	case 3:
		return fmt.Sprintf("0%c:%s", digits[0], digits[1:])
	case 4:
		return fmt.Sprintf("%s:%s", digits[:2], digits[2:])
	}
	return ""
}
