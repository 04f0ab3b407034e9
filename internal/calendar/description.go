package calendar

import (
	"fmt"
	"regexp"
)

// The event description doubles as a wire format: the cancellation lookup and
// the reminder attendee resolution both parse the contact back out of it, so
// the "Contato: <phone> | Observações: <notes>" shape must be kept stable.

var (
	contactRegex  = regexp.MustCompile(`Contato:\s*(\S+)`)
	nonDigitRegex = regexp.MustCompile(`\D`)
)

// FormatDescription builds the description text for a new event.
func FormatDescription(phone, notes string) string {
	if notes == "" {
		notes = "Nenhuma"
	}
	return fmt.Sprintf("Contato: %s | Observações: %s", phone, notes)
}

// PhoneFromDescription extracts the contact phone from an event description,
// or "" when the description carries no contact annotation.
func PhoneFromDescription(description string) string {
	m := contactRegex.FindStringSubmatch(description)
	if m == nil {
		return ""
	}
	return m[1]
}

// DigitsOnly strips everything but digits from a phone string.
func DigitsOnly(phone string) string {
	return nonDigitRegex.ReplaceAllString(phone, "")
}

// PhonesMatch applies the fuzzy phone comparison used for cancellation
// lookup: exact digits, either number a suffix of the other, or equal last
// eight digits when both are long enough.
func PhonesMatch(stored, input string) bool {
	stored = DigitsOnly(stored)
	input = DigitsOnly(input)
	if stored == "" || input == "" {
		return false
	}
	switch {
	case stored == input:
		return true
	case len(stored) > len(input) && stored[len(stored)-len(input):] == input:
		return true
	case len(input) > len(stored) && input[len(input)-len(stored):] == stored:
		return true
	case len(stored) >= 8 && len(input) >= 8 && stored[len(stored)-8:] == input[len(input)-8:]:
		return true
	}
	return false
}
