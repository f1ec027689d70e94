package schedule

import (
	"regexp"
	"strconv"
	"strings"
	"time"
)

const (
	MinLead = time.Minute
	MaxLead = 180 * 24 * time.Hour

	defaultHour = 9
)

var (
	relativeRe = regexp.MustCompile(`^(\d+)\s*(m|min|mins|minute|minutes|h|hr|hrs|hour|hours|d|day|days)$`)
	clockRe    = regexp.MustCompile(`^(\d{1,2})(?::(\d{2}))?\s*(am|pm)?$`)
)

var absoluteLayouts = []string{
	"2006-01-02 15:04",
	"2006-01-02T15:04",
	"2006-01-02 15:04:05",
	"2006-01-02T15:04:05",
	"02.01.2006 15:04",
	"02/01/2006 15:04",
	"2006/01/02 15:04",
}

var dateLayouts = []string{
	"2006-01-02",
	"02.01.2006",
	"02/01/2006",
	"2006/01/02",
}

var weekdays = map[string]time.Weekday{
	"sunday": time.Sunday, "sun": time.Sunday,
	"monday": time.Monday, "mon": time.Monday,
	"tuesday": time.Tuesday, "tue": time.Tuesday, "tues": time.Tuesday,
	"wednesday": time.Wednesday, "wed": time.Wednesday,
	"thursday": time.Thursday, "thu": time.Thursday, "thurs": time.Thursday,
	"friday": time.Friday, "fri": time.Friday,
	"saturday": time.Saturday, "sat": time.Saturday,
}

// ParseTarget turns human time input into a UTC instant between one minute
// and 180 days after now. Wall-clock forms are read in loc.
func ParseTarget(input string, loc *time.Location, now time.Time) (time.Time, error) {
	if loc == nil {
		loc = time.UTC
	}
	raw := strings.Join(strings.Fields(input), " ")
	if raw == "" {
		return time.Time{}, &ParseError{Input: input, Reason: "empty"}
	}
	now = now.In(loc)

	t, err := parseTarget(raw, loc, now)
	if err != nil {
		return time.Time{}, err
	}
	switch lead := t.Sub(now); {
	case lead < MinLead:
		return time.Time{}, &ParseError{Input: input, Reason: "must be at least 1 minute in the future"}
	case lead > MaxLead:
		return time.Time{}, &ParseError{Input: input, Reason: "must be at most 180 days ahead"}
	}
	return t.UTC(), nil
}

func parseTarget(raw string, loc *time.Location, now time.Time) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, raw); err == nil {
		return t, nil
	}
	for _, layout := range absoluteLayouts {
		if t, err := time.ParseInLocation(layout, raw, loc); err == nil {
			return t, nil
		}
	}
	for _, layout := range dateLayouts {
		if d, err := time.ParseInLocation(layout, raw, loc); err == nil {
			return at(d, defaultHour, 0), nil
		}
	}

	s := strings.ToLower(raw)
	if rest, ok := strings.CutPrefix(s, "in "); ok {
		d, err := parseLead(rest)
		if err != nil {
			return time.Time{}, &ParseError{Input: raw, Reason: err.Error()}
		}
		return now.Add(d), nil
	}
	if rest, ok := cutWord(s, "tomorrow"); ok {
		h, m, err := optionalClock(rest)
		if err != nil {
			return time.Time{}, &ParseError{Input: raw, Reason: err.Error()}
		}
		return at(now.AddDate(0, 0, 1), h, m), nil
	}
	if rest, ok := cutWord(s, "today"); ok {
		if strings.TrimSpace(strings.TrimPrefix(rest, "at ")) == "" {
			return time.Time{}, &ParseError{Input: raw, Reason: "today needs a time"}
		}
		h, m, err := optionalClock(rest)
		if err != nil {
			return time.Time{}, &ParseError{Input: raw, Reason: err.Error()}
		}
		t := at(now, h, m)
		if !t.After(now) {
			return time.Time{}, &ParseError{Input: raw, Reason: "that time has already passed today"}
		}
		return t, nil
	}
	if t, ok, err := parseWeekday(s, now); ok {
		if err != nil {
			return time.Time{}, &ParseError{Input: raw, Reason: err.Error()}
		}
		return t, nil
	}
	if h, m, err := parseClock(s); err == nil {
		t := at(now, h, m)
		if !t.After(now) {
			t = at(now.AddDate(0, 0, 1), h, m)
		}
		return t, nil
	}
	return time.Time{}, &ParseError{Input: raw, Reason: "unrecognized time"}
}

func parseLead(s string) (time.Duration, error) {
	if m := relativeRe.FindStringSubmatch(s); m != nil {
		n, err := strconv.Atoi(m[1])
		if err != nil {
			return 0, errBadAmount
		}
		unit := time.Minute
		switch m[2][0] {
		case 'h':
			unit = time.Hour
		case 'd':
			unit = 24 * time.Hour
		}
		if n > int(MaxLead/unit)+1 {
			return 0, errTooFar
		}
		return time.Duration(n) * unit, nil
	}
	d, err := time.ParseDuration(strings.ReplaceAll(s, " ", ""))
	if err != nil {
		return 0, errBadAmount
	}
	return d, nil
}

type parseErr string

func (e parseErr) Error() string { return string(e) }

const (
	errBadAmount parseErr = "expected an amount like 15m, 2h or 3 days"
	errTooFar    parseErr = "must be at most 180 days ahead"
	errBadClock  parseErr = "expected a time like 18:30, 6pm or 6:30pm"
)

// parseWeekday handles "[next] <weekday> [[at] <time>]". ok is false when s
// does not name a weekday.
func parseWeekday(s string, now time.Time) (time.Time, bool, error) {
	next := false
	if rest, found := cutWord(s, "next"); found {
		next = true
		s = strings.TrimSpace(rest)
	}
	name, rest, _ := strings.Cut(s, " ")
	wd, ok := weekdays[name]
	if !ok {
		return time.Time{}, false, nil
	}
	h, m, err := optionalClock(rest)
	if err != nil {
		return time.Time{}, true, err
	}
	days := (int(wd) - int(now.Weekday()) + 7) % 7
	switch {
	case next && days == 0:
		days = 7
	case !next && days == 0 && !at(now, h, m).After(now):
		days = 7
	}
	return at(now.AddDate(0, 0, days), h, m), true, nil
}

func optionalClock(rest string) (int, int, error) {
	rest = strings.TrimSpace(rest)
	rest = strings.TrimSpace(strings.TrimPrefix(rest, "at "))
	if rest == "" || rest == "at" {
		return defaultHour, 0, nil
	}
	return parseClock(rest)
}

// parseClock reads 24h "18:30" or 12h "6pm" / "6:30 pm".
func parseClock(s string) (int, int, error) {
	m := clockRe.FindStringSubmatch(strings.TrimSpace(s))
	if m == nil {
		return 0, 0, errBadClock
	}
	h, _ := strconv.Atoi(m[1])
	minute := 0
	if m[2] != "" {
		minute, _ = strconv.Atoi(m[2])
	}
	switch m[3] {
	case "":
		if m[2] == "" || h > 23 {
			return 0, 0, errBadClock
		}
	default:
		if h < 1 || h > 12 {
			return 0, 0, errBadClock
		}
		h %= 12
		if m[3] == "pm" {
			h += 12
		}
	}
	if minute > 59 {
		return 0, 0, errBadClock
	}
	return h, minute, nil
}

// cutWord reports whether s starts with word as a whole word and returns
// the remainder.
func cutWord(s, word string) (string, bool) {
	if s == word {
		return "", true
	}
	if rest, ok := strings.CutPrefix(s, word+" "); ok {
		return rest, true
	}
	return "", false
}

func at(day time.Time, hour, minute int) time.Time {
	y, mo, d := day.Date()
	return time.Date(y, mo, d, hour, minute, 0, 0, day.Location())
}
