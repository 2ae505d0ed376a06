package model

import (
	"errors"
	"fmt"
	"math"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// ParseCron parses a five field cron expression or an @descriptor such as
// @hourly or @every 5m and returns the gap between two consecutive runs.
func ParseCron(expr string) (time.Duration, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return 0, errors.New("empty cron expression")
	}
	schedule, err := cronParser.Parse(expr)
	if err != nil {
		return 0, err
	}
	first := schedule.Next(time.Now())
	return schedule.Next(first).Sub(first), nil
}

type durationUnit struct {
	suffix byte
	size   time.Duration
}

// largest first; segments must follow this order
var durationUnits = []durationUnit{
	{'d', 24 * time.Hour},
	{'h', time.Hour},
	{'m', time.Minute},
	{'s', time.Second},
}

// ParseDuration parses values like "30s", "90m" or "1d2h3m4s". Each unit may
// appear at most once and units go from days down to seconds.
func ParseDuration(s string) (time.Duration, error) {
	if s == "" {
		return 0, errors.New("empty duration")
	}
	var total time.Duration
	rest, next := s, 0
	for rest != "" {
		digits := strings.IndexFunc(rest, func(r rune) bool { return r < '0' || r > '9' })
		if digits <= 0 {
			return 0, fmt.Errorf("invalid duration %q", s)
		}
		idx := slices.IndexFunc(durationUnits[next:], func(u durationUnit) bool { return u.suffix == rest[digits] })
		if idx < 0 {
			return 0, fmt.Errorf("invalid duration %q", s)
		}
		unit := durationUnits[next+idx].size
		n, err := strconv.ParseInt(rest[:digits], 10, 64)
		if err != nil || n > int64(math.MaxInt64/unit) || total > math.MaxInt64-unit*time.Duration(n) {
			return 0, fmt.Errorf("duration %q overflows", s)
		}
		total += unit * time.Duration(n)
		next += idx + 1
		rest = rest[digits+1:]
	}
	return total, nil
}
