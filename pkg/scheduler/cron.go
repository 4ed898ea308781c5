package scheduler

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

// Schedule is a parsed 5-field cron expression. Field values are bitsets;
// bit n set means value n matches.
type Schedule struct {
	minute uint64
	hour   uint64
	dom    uint64
	month  uint64
	dow    uint64

	// Vixie rule: when both day fields are restricted they combine with
	// OR instead of AND, so we remember whether each was a bare "*".
	domStar bool
	dowStar bool
}

type cronField struct {
	name  string
	min   int
	max   int
	names map[string]int
}

var (
	monthNames = map[string]int{
		"jan": 1, "feb": 2, "mar": 3, "apr": 4, "may": 5, "jun": 6,
		"jul": 7, "aug": 8, "sep": 9, "oct": 10, "nov": 11, "dec": 12,
	}
	dowNames = map[string]int{
		"sun": 0, "mon": 1, "tue": 2, "wed": 3, "thu": 4, "fri": 5, "sat": 6,
	}

	cronFields = [5]cronField{
		{name: "minute", min: 0, max: 59},
		{name: "hour", min: 0, max: 23},
		{name: "day-of-month", min: 1, max: 31},
		{name: "month", min: 1, max: 12, names: monthNames},
		{name: "day-of-week", min: 0, max: 6, names: dowNames},
	}
)

const parseCacheSize = 256

var parseCache, _ = lru.New[string, *Schedule](parseCacheSize)

// ParseCron parses a 5-field cron expression. Parsed schedules are kept
// in a bounded cache keyed by the normalized expression text.
func ParseCron(expr string) (*Schedule, error) {
	normalized := strings.Join(strings.Fields(expr), " ")
	if cached, ok := parseCache.Get(normalized); ok {
		return cached, nil
	}

	fields := strings.Fields(normalized)
	if len(fields) != 5 {
		return nil, fmt.Errorf("invalid cron expression %q: expected 5 fields, got %d", expr, len(fields))
	}

	s := &Schedule{}
	sets := [5]*uint64{&s.minute, &s.hour, &s.dom, &s.month, &s.dow}
	for i, raw := range fields {
		set, err := parseField(raw, cronFields[i])
		if err != nil {
			return nil, fmt.Errorf("invalid cron expression %q: %w", expr, err)
		}
		*sets[i] = set
	}
	s.domStar = fields[2] == "*"
	s.dowStar = fields[4] == "*"

	parseCache.Add(normalized, s)
	return s, nil
}

// parseField handles "*", "*/n", "a", "a-b", "a-b/n" and comma lists of
// those, with name tokens where the field defines them.
func parseField(raw string, f cronField) (uint64, error) {
	var set uint64
	for _, part := range strings.Split(raw, ",") {
		if part == "" {
			return 0, fmt.Errorf("%s field has an empty list element", f.name)
		}

		step := 1
		if idx := strings.IndexByte(part, '/'); idx >= 0 {
			n, err := strconv.Atoi(part[idx+1:])
			if err != nil || n <= 0 {
				return 0, fmt.Errorf("%s field has invalid step %q", f.name, part[idx+1:])
			}
			step = n
			part = part[:idx]
		}

		lo, hi := f.min, f.max
		switch {
		case part == "*":
			// full range
		case strings.Contains(part, "-"):
			bounds := strings.SplitN(part, "-", 2)
			var err error
			if lo, err = parseValue(bounds[0], f); err != nil {
				return 0, err
			}
			if hi, err = parseValue(bounds[1], f); err != nil {
				return 0, err
			}
			if lo > hi {
				return 0, fmt.Errorf("%s field has inverted range %q", f.name, part)
			}
		default:
			v, err := parseValue(part, f)
			if err != nil {
				return 0, err
			}
			lo, hi = v, v
		}

		for v := lo; v <= hi; v += step {
			set |= 1 << uint(v)
		}
	}
	return set, nil
}

func parseValue(token string, f cronField) (int, error) {
	if f.names != nil {
		if v, ok := f.names[strings.ToLower(token)]; ok {
			return v, nil
		}
	}
	v, err := strconv.Atoi(token)
	if err != nil {
		return 0, fmt.Errorf("%s field has invalid value %q", f.name, token)
	}
	if v < f.min || v > f.max {
		return 0, fmt.Errorf("%s field value %d out of range %d-%d", f.name, v, f.min, f.max)
	}
	return v, nil
}

// dayMatches applies the Vixie day rule: when both day-of-month and
// day-of-week are restricted, either matching suffices; otherwise the
// restricted one (or neither) decides.
func (s *Schedule) dayMatches(t time.Time) bool {
	domOK := s.dom&(1<<uint(t.Day())) != 0
	dowOK := s.dow&(1<<uint(t.Weekday())) != 0

	switch {
	case s.domStar && s.dowStar:
		return true
	case s.domStar:
		return dowOK
	case s.dowStar:
		return domOK
	default:
		return domOK || dowOK
	}
}

// Matches reports whether the minute containing t satisfies the schedule.
func (s *Schedule) Matches(t time.Time) bool {
	return s.minute&(1<<uint(t.Minute())) != 0 &&
		s.hour&(1<<uint(t.Hour())) != 0 &&
		s.month&(1<<uint(int(t.Month()))) != 0 &&
		s.dayMatches(t)
}

// Next returns the first minute strictly after t that matches, searching
// at most one year ahead. The second return is false when nothing in that
// window matches (e.g. "0 0 30 2 *").
func (s *Schedule) Next(after time.Time) (time.Time, bool) {
	t := after.Truncate(time.Minute).Add(time.Minute)
	limit := after.AddDate(1, 0, 1)

	for t.Before(limit) {
		if s.month&(1<<uint(int(t.Month()))) == 0 {
			// jump to the first minute of the next month
			t = time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, t.Location()).AddDate(0, 1, 0)
			continue
		}
		if !s.dayMatches(t) {
			t = time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, t.Location()).AddDate(0, 0, 1)
			continue
		}
		if s.hour&(1<<uint(t.Hour())) == 0 {
			t = t.Truncate(time.Hour).Add(time.Hour)
			continue
		}
		if s.minute&(1<<uint(t.Minute())) == 0 {
			t = t.Add(time.Minute)
			continue
		}
		return t, true
	}
	return time.Time{}, false
}

// NextRun parses expr and evaluates the next match after t in one call.
func NextRun(expr string, after time.Time) (time.Time, bool, error) {
	s, err := ParseCron(expr)
	if err != nil {
		return time.Time{}, false, err
	}
	next, ok := s.Next(after)
	return next, ok, nil
}
