package scheduler

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Expression is a parsed five-field cron expression:
// minute hour day-of-month month day-of-week.
type Expression struct {
	minutes  uint64
	hours    uint64
	days     uint64
	months   uint64
	weekdays uint64

	// Classic cron: when both day fields are restricted, a date
	// matches if either one does.
	dayStar     bool
	weekdayStar bool
}

type fieldSpec struct {
	name string
	min  int
	max  int
}

var cronFields = []fieldSpec{
	{"minute", 0, 59},
	{"hour", 0, 23},
	{"day of month", 1, 31},
	{"month", 1, 12},
	{"day of week", 0, 7}, // 7 means Sunday, folded to 0
}

// ParseCron parses a five-field cron expression. Supported syntax per
// field: "*", "*/n", "a", "a-b", "a-b/n", and comma lists of those.
func ParseCron(expr string) (*Expression, error) {
	fields := strings.Fields(expr)
	if len(fields) != 5 {
		return nil, fmt.Errorf("cron %q: want 5 fields, got %d", expr, len(fields))
	}

	var sets [5]uint64
	for i, field := range fields {
		set, err := parseField(field, cronFields[i])
		if err != nil {
			return nil, fmt.Errorf("cron %q: %w", expr, err)
		}
		sets[i] = set
	}

	// Fold weekday 7 onto 0.
	if sets[4]&(1<<7) != 0 {
		sets[4] |= 1
		sets[4] &^= 1 << 7
	}

	return &Expression{
		minutes:     sets[0],
		hours:       sets[1],
		days:        sets[2],
		months:      sets[3],
		weekdays:    sets[4],
		dayStar:     fields[2] == "*",
		weekdayStar: fields[4] == "*",
	}, nil
}

func parseField(field string, spec fieldSpec) (uint64, error) {
	var set uint64
	for _, part := range strings.Split(field, ",") {
		step := 1
		if i := strings.Index(part, "/"); i >= 0 {
			n, err := strconv.Atoi(part[i+1:])
			if err != nil || n < 1 {
				return 0, fmt.Errorf("%s: bad step in %q", spec.name, part)
			}
			step = n
			part = part[:i]
		}

		lo, hi := spec.min, spec.max
		switch {
		case part == "*":
			// full range
		case strings.Contains(part, "-"):
			bounds := strings.SplitN(part, "-", 2)
			var err1, err2 error
			lo, err1 = strconv.Atoi(bounds[0])
			hi, err2 = strconv.Atoi(bounds[1])
			if err1 != nil || err2 != nil {
				return 0, fmt.Errorf("%s: bad range %q", spec.name, part)
			}
		default:
			n, err := strconv.Atoi(part)
			if err != nil {
				return 0, fmt.Errorf("%s: bad value %q", spec.name, part)
			}
			lo, hi = n, n
		}

		if lo < spec.min || hi > spec.max || lo > hi {
			return 0, fmt.Errorf("%s: %q out of range %d-%d", spec.name, part, spec.min, spec.max)
		}
		for v := lo; v <= hi; v += step {
			set |= 1 << uint(v)
		}
	}
	if set == 0 {
		return 0, fmt.Errorf("%s: empty field", spec.name)
	}
	return set, nil
}

// Next returns the first time strictly after t that matches the
// expression.
func (e *Expression) Next(t time.Time) time.Time {
	// Start at the next whole minute.
	t = t.Truncate(time.Minute).Add(time.Minute)

	// Five years is beyond any satisfiable five-field expression.
	limit := t.AddDate(5, 0, 0)
	for day := t; day.Before(limit); day = nextDay(day) {
		if !e.dateMatches(day) {
			continue
		}
		for hour := day; hour.Day() == day.Day(); hour = hour.Add(time.Hour).Truncate(time.Hour) {
			if e.hours&(1<<uint(hour.Hour())) == 0 {
				continue
			}
			for min := hour; min.Hour() == hour.Hour() && min.Day() == day.Day(); min = min.Add(time.Minute) {
				if e.minutes&(1<<uint(min.Minute())) != 0 {
					return min
				}
			}
		}
	}
	return time.Time{}
}

// dateMatches checks month and the two day fields.
func (e *Expression) dateMatches(t time.Time) bool {
	if e.months&(1<<uint(t.Month())) == 0 {
		return false
	}
	dayOK := e.days&(1<<uint(t.Day())) != 0
	weekdayOK := e.weekdays&(1<<uint(t.Weekday())) != 0

	switch {
	case e.dayStar && e.weekdayStar:
		return true
	case e.dayStar:
		return weekdayOK
	case e.weekdayStar:
		return dayOK
	default:
		return dayOK || weekdayOK
	}
}

// nextDay advances to midnight of the following day.
func nextDay(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, t.Location()).AddDate(0, 0, 1)
}
