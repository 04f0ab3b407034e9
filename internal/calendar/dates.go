package calendar

import (
	"regexp"
	"strconv"
	"strings"
	"time"
)

// weekdayNames maps Portuguese weekday names (with and without accents) to
// time.Weekday. Sunday is deliberately absent: the studio is closed and the
// name should not resolve to a bookable day.
var weekdayNames = map[string]time.Weekday{
	"segunda": time.Monday,
	"terça":   time.Tuesday,
	"terca":   time.Tuesday,
	"quarta":  time.Wednesday,
	"quinta":  time.Thursday,
	"sexta":   time.Friday,
	"sábado":  time.Saturday,
	"sabado":  time.Saturday,
}

var digitsRegex = regexp.MustCompile(`\d+`)

// ParseNaturalDate interprets a Portuguese date expression relative to today.
// It recognizes "hoje", "amanhã", weekday names (optionally qualified by
// "próxima" to force the occurrence a week out) and day/month number pairs
// with year rollover. The second return is false for unparsable input, which
// is a normal control-flow branch rather than an error.
func ParseNaturalDate(text string, today time.Time) (time.Time, bool) {
	text = strings.ToLower(strings.TrimSpace(text))
	today = truncateToDay(today)

	if strings.Contains(text, "hoje") {
		return today, true
	}
	if strings.Contains(text, "amanhã") || strings.Contains(text, "amanha") {
		return today.AddDate(0, 0, 1), true
	}

	for name, weekday := range weekdayNames {
		if !strings.Contains(text, name) {
			continue
		}
		daysAhead := int(weekday) - int(today.Weekday())
		// "próxima sexta" always means next week's; a weekday that already
		// passed (or is today) also rolls forward a week.
		if strings.Contains(text, "próxima") || strings.Contains(text, "proxima") || daysAhead <= 0 {
			daysAhead += 7
		}
		return today.AddDate(0, 0, daysAhead), true
	}

	nums := digitsRegex.FindAllString(text, -1)
	if len(nums) < 2 {
		return time.Time{}, false
	}
	day, err1 := strconv.Atoi(nums[0])
	month, err2 := strconv.Atoi(nums[1])
	if err1 != nil || err2 != nil {
		return time.Time{}, false
	}
	if month < 1 || month > 12 || day < 1 || day > 31 {
		return time.Time{}, false
	}
	year := today.Year()
	if month < int(today.Month()) || (month == int(today.Month()) && day < today.Day()) {
		year++
	}
	parsed := time.Date(year, time.Month(month), day, 0, 0, 0, 0, today.Location())
	// Reject normalized overflow such as 31/02 becoming March 3rd.
	if parsed.Day() != day || parsed.Month() != time.Month(month) {
		return time.Time{}, false
	}
	return parsed, true
}

func truncateToDay(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, t.Location())
}
