package report

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// cronSchedule is a parsed 5-field cron expression
// (minute hour day-of-month month day-of-week).
type cronSchedule struct {
	minute [60]bool
	hour   [24]bool
	dom    [32]bool
	month  [13]bool
	dow    [7]bool

	// restricted records whether dom/dow were given explicitly; when both
	// are, a time matches if either field matches (classic cron OR rule).
	domRestricted bool
	dowRestricted bool
}

type cronField struct {
	min, max int
	set      func(*cronSchedule, int)
	mark     func(*cronSchedule)
}

// ParseCron parses a standard 5-field cron expression. Supported syntax per
// field: `*`, single values, `a,b,c` lists, `a-b` ranges and `*/n` steps.
// In the day-of-week field Sunday may be written as 0 or 7. Six and seven
// field variants (seconds or years) are rejected.
func ParseCron(expr string) (*cronSchedule, error) {
	fields := strings.Fields(strings.TrimSpace(expr))
	if len(fields) != 5 {
		return nil, fmt.Errorf("cron expression must have 5 fields, got %d", len(fields))
	}

	s := &cronSchedule{}
	specs := []cronField{
		{0, 59, func(c *cronSchedule, v int) { c.minute[v] = true }, nil},
		{0, 23, func(c *cronSchedule, v int) { c.hour[v] = true }, nil},
		{1, 31, func(c *cronSchedule, v int) { c.dom[v] = true }, func(c *cronSchedule) { c.domRestricted = true }},
		{1, 12, func(c *cronSchedule, v int) { c.month[v] = true }, nil},
		// Sunday is 0; the setter folds a trailing 7 back onto it.
		{0, 7, func(c *cronSchedule, v int) { c.dow[v%7] = true }, func(c *cronSchedule) { c.dowRestricted = true }},
	}
	for i, spec := range specs {
		restricted, err := parseCronField(fields[i], spec.min, spec.max, func(v int) { spec.set(s, v) })
		if err != nil {
			return nil, fmt.Errorf("field %d (%q): %w", i+1, fields[i], err)
		}
		if restricted && spec.mark != nil {
			spec.mark(s)
		}
	}
	return s, nil
}

// parseCronField expands one field into set callbacks. Returns whether the
// field restricts values (anything but a bare `*`).
func parseCronField(field string, min, max int, set func(int)) (bool, error) {
	restricted := field != "*"
	for _, part := range strings.Split(field, ",") {
		step := 1
		if at := strings.Index(part, "/"); at >= 0 {
			n, err := strconv.Atoi(part[at+1:])
			if err != nil || n <= 0 {
				return false, fmt.Errorf("invalid step %q", part)
			}
			step = n
			part = part[:at]
		}

		lo, hi := min, max
		switch {
		case part == "*":
		case strings.Contains(part, "-"):
			bounds := strings.SplitN(part, "-", 2)
			var err1, err2 error
			lo, err1 = strconv.Atoi(bounds[0])
			hi, err2 = strconv.Atoi(bounds[1])
			if err1 != nil || err2 != nil {
				return false, fmt.Errorf("invalid range %q", part)
			}
		default:
			v, err := strconv.Atoi(part)
			if err != nil {
				return false, fmt.Errorf("invalid value %q", part)
			}
			lo, hi = v, v
		}

		if lo < min || hi > max || lo > hi {
			return false, fmt.Errorf("value out of range [%d,%d]: %q", min, max, part)
		}
		for v := lo; v <= hi; v += step {
			set(v)
		}
	}
	return restricted, nil
}

// matchesDay applies the classic cron rule: when both day-of-month and
// day-of-week are restricted, either one matching is enough.
func (s *cronSchedule) matchesDay(t time.Time) bool {
	domOK := s.dom[t.Day()]
	dowOK := s.dow[int(t.Weekday())]
	if s.domRestricted && s.dowRestricted {
		return domOK || dowOK
	}
	return domOK && dowOK
}

func (s *cronSchedule) matches(t time.Time) bool {
	return s.minute[t.Minute()] && s.hour[t.Hour()] &&
		s.month[int(t.Month())] && s.matchesDay(t)
}

// Next returns the first firing time strictly after from, in from's location.
// Cron expressions operate in wall-clock local time; times skipped or
// repeated by DST transitions follow the location's own clock.
func (s *cronSchedule) Next(from time.Time) (time.Time, error) {
	t := time.Date(from.Year(), from.Month(), from.Day(), from.Hour(), from.Minute(), 0, 0, from.Location()).Add(time.Minute)
	// A valid 5-field expression always fires within ~4 years (Feb 29
	// being the worst case).
	limit := from.AddDate(5, 0, 0)
	for t.Before(limit) {
		if !s.month[int(t.Month())] {
			t = time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, t.Location()).AddDate(0, 1, 0)
			continue
		}
		if !s.matchesDay(t) {
			t = midnight(t).AddDate(0, 0, 1)
			continue
		}
		if !s.hour[t.Hour()] {
			t = time.Date(t.Year(), t.Month(), t.Day(), t.Hour(), 0, 0, 0, t.Location()).Add(time.Hour)
			continue
		}
		if !s.minute[t.Minute()] {
			t = t.Add(time.Minute)
			continue
		}
		return t, nil
	}
	return time.Time{}, fmt.Errorf("cron expression never fires")
}

// NextCronRun parses expr and returns its next firing time after from.
func NextCronRun(expr string, from time.Time) (time.Time, error) {
	s, err := ParseCron(expr)
	if err != nil {
		return time.Time{}, err
	}
	return s.Next(from)
}
