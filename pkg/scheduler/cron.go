// Package scheduler implements the cron engine, task store, executor, and
// tick loop described in spec §4.9.
package scheduler

import (
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"companiongw/pkg/apperror"
)

// field holds the set of values a single cron field accepts.
type field struct {
	values     map[int]struct{}
	isWildcard bool
}

func (f field) matches(v int) bool {
	if f.isWildcard {
		return true
	}
	_, ok := f.values[v]
	return ok
}

// parsedExpr is the five parsed fields of one cron expression, in the
// order minute, hour, day-of-month, month, day-of-week.
type parsedExpr struct {
	minute, hour, dom, month, dow field
}

var fieldRanges = map[string]struct {
	min, max int
	names    map[string]int
}{
	"minute": {0, 59, nil},
	"hour":   {0, 23, nil},
	"dom":    {1, 31, nil},
	"month": {1, 12, map[string]int{
		"jan": 1, "feb": 2, "mar": 3, "apr": 4, "may": 5, "jun": 6,
		"jul": 7, "aug": 8, "sep": 9, "oct": 10, "nov": 11, "dec": 12,
	}},
	"dow": {0, 6, map[string]int{
		"sun": 0, "mon": 1, "tue": 2, "wed": 3, "thu": 4, "fri": 5, "sat": 6,
	}},
}

const maxCacheSize = 1000

// Parser parses 5-field Vixie-style cron expressions with a FIFO-capped
// cache (spec §4.9: "Caches parsed expressions up to a fixed size (FIFO
// eviction)").
type Parser struct {
	mu    sync.Mutex
	cache map[string]parsedExpr
	order []string
	size  int
}

// NewParser creates a cron parser with the given cache capacity. A
// capacity of 0 uses the spec's default of 1000 entries.
func NewParser(capacity int) *Parser {
	if capacity <= 0 {
		capacity = maxCacheSize
	}
	return &Parser{cache: make(map[string]parsedExpr), size: capacity}
}

// Parse parses expr, returning a cached result if one exists.
func (p *Parser) Parse(expr string) (parsedExpr, error) {
	expr = strings.TrimSpace(expr)

	p.mu.Lock()
	if cached, ok := p.cache[expr]; ok {
		p.mu.Unlock()
		return cached, nil
	}
	p.mu.Unlock()

	parsed, err := parseExpr(expr)
	if err != nil {
		return parsedExpr{}, err
	}

	p.mu.Lock()
	if len(p.cache) >= p.size {
		oldest := p.order[0]
		p.order = p.order[1:]
		delete(p.cache, oldest)
	}
	p.cache[expr] = parsed
	p.order = append(p.order, expr)
	p.mu.Unlock()

	return parsed, nil
}

// Validate reports whether expr parses successfully.
func (p *Parser) Validate(expr string) bool {
	_, err := p.Parse(expr)
	return err == nil
}

// Matches reports whether t satisfies expr, applying Vixie-cron's
// day-of-month/day-of-week semantics: OR when both fields are
// non-wildcard, AND otherwise (spec §4.9).
func (p *Parser) Matches(expr string, t time.Time) (bool, error) {
	parsed, err := p.Parse(expr)
	if err != nil {
		return false, err
	}
	return matchesParsed(parsed, t), nil
}

func matchesParsed(parsed parsedExpr, t time.Time) bool {
	if !parsed.minute.matches(t.Minute()) {
		return false
	}
	if !parsed.hour.matches(t.Hour()) {
		return false
	}
	if !parsed.month.matches(int(t.Month())) {
		return false
	}

	domMatch := parsed.dom.matches(t.Day())
	dowMatch := parsed.dow.matches(int(t.Weekday()))

	if !parsed.dom.isWildcard && !parsed.dow.isWildcard {
		return domMatch || dowMatch
	}
	return domMatch && dowMatch
}

// maxSearchMinutes bounds NextRunTime to one year (spec §4.9: "hard upper
// bound of one year").
const maxSearchMinutes = 366 * 24 * 60

// NextRunTime returns the first minute-aligned instant after `after` that
// satisfies expr, or the zero time and false if none is found within one
// year.
func (p *Parser) NextRunTime(expr string, after time.Time) (time.Time, bool, error) {
	parsed, err := p.Parse(expr)
	if err != nil {
		return time.Time{}, false, err
	}

	current := after.Truncate(time.Minute).Add(time.Minute)
	for i := 0; i < maxSearchMinutes; i++ {
		if matchesParsed(parsed, current) {
			return current, true, nil
		}
		current = current.Add(time.Minute)
	}
	return time.Time{}, false, nil
}

func parseExpr(expr string) (parsedExpr, error) {
	parts := strings.Fields(expr)
	if len(parts) != 5 {
		return parsedExpr{}, apperror.NewWithField(apperror.CodeInvalidCron,
			fmt.Sprintf("cron expression must have 5 fields, got %d", len(parts)), "schedule")
	}

	minute, err := parseField(parts[0], "minute")
	if err != nil {
		return parsedExpr{}, err
	}
	hour, err := parseField(parts[1], "hour")
	if err != nil {
		return parsedExpr{}, err
	}
	dom, err := parseField(parts[2], "dom")
	if err != nil {
		return parsedExpr{}, err
	}
	month, err := parseField(parts[3], "month")
	if err != nil {
		return parsedExpr{}, err
	}
	dow, err := parseField(parts[4], "dow")
	if err != nil {
		return parsedExpr{}, err
	}

	return parsedExpr{minute: minute, hour: hour, dom: dom, month: month, dow: dow}, nil
}

func parseField(raw, name string) (field, error) {
	r := fieldRanges[name]

	if raw == "*" {
		return field{isWildcard: true}, nil
	}

	values := make(map[int]struct{})
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)

		if idx := strings.IndexByte(part, '/'); idx >= 0 {
			rangePart, stepStr := part[:idx], part[idx+1:]
			step, err := strconv.Atoi(stepStr)
			if err != nil || step <= 0 {
				return field{}, invalidFieldError(name, raw)
			}

			start, end := r.min, r.max
			if rangePart != "*" {
				var err error
				start, end, err = parseRange(rangePart, r, name, raw)
				if err != nil {
					return field{}, err
				}
			}
			for v := start; v <= end; v += step {
				if v >= r.min && v <= r.max {
					values[v] = struct{}{}
				}
			}
			continue
		}

		if strings.Contains(part, "-") {
			start, end, err := parseRange(part, r, name, raw)
			if err != nil {
				return field{}, err
			}
			for v := start; v <= end; v++ {
				if v >= r.min && v <= r.max {
					values[v] = struct{}{}
				}
			}
			continue
		}

		v, err := parseValue(part, r, name, raw)
		if err != nil {
			return field{}, err
		}
		if v >= r.min && v <= r.max {
			values[v] = struct{}{}
		}
	}

	if len(values) == 0 {
		return field{}, invalidFieldError(name, raw)
	}
	return field{values: values}, nil
}

func parseRange(part string, r struct {
	min, max int
	names    map[string]int
}, name, raw string) (int, int, error) {
	idx := strings.IndexByte(part, '-')
	if idx < 0 {
		v, err := parseValue(part, r, name, raw)
		return v, v, err
	}
	start, err := parseValue(part[:idx], r, name, raw)
	if err != nil {
		return 0, 0, err
	}
	end, err := parseValue(part[idx+1:], r, name, raw)
	if err != nil {
		return 0, 0, err
	}
	return start, end, nil
}

func parseValue(s string, r struct {
	min, max int
	names    map[string]int
}, name, raw string) (int, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	if r.names != nil {
		if v, ok := r.names[s]; ok {
			return v, nil
		}
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return 0, invalidFieldError(name, raw)
	}
	return v, nil
}

func invalidFieldError(name, raw string) error {
	return apperror.NewWithField(apperror.CodeInvalidCron,
		fmt.Sprintf("invalid %s field in cron expression %q", name, raw), "schedule")
}
