package timer

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// Cadence computes the next due time of a periodic timer from the previous
// due time. Returning a time that is not after prev ends the timer.
//
// Every and any cron.Schedule satisfy Cadence.
type Cadence interface {
	Next(prev time.Time) time.Time
}

// Every is a fixed-rate cadence.
type Every time.Duration

func (e Every) Next(prev time.Time) time.Time { return prev.Add(time.Duration(e)) }

func (e Every) String() string { return "every " + time.Duration(e).String() }

var cronParser = cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// ParseCron parses a cron expression. A leading seconds field and
// descriptors such as "@hourly" or "@every 5s" are accepted.
func ParseCron(expr string) (cron.Schedule, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return nil, fmt.Errorf("%w: empty cron expression", ErrInvalidCadence)
	}
	sched, err := cronParser.Parse(expr)
	if err != nil {
		return nil, fmt.Errorf("%w: %q: %v", ErrInvalidCadence, expr, err)
	}
	return sched, nil
}

var reHHMM = regexp.MustCompile(`^\s*(\d{1,3}):(\d{2})\s*$`)

// ParseCadence turns a schedule string into a Cadence.
//
// Accepted forms:
//   - cron: "*/5 * * * *", "*/2 * * * * *", "@hourly", "@every 1s", "cron:0 0 * * *"
//   - interval: "1s", "2h30m", "01:30" (90 minutes), "interval:45s", "every:00:05"
func ParseCadence(raw string) (Cadence, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return nil, fmt.Errorf("%w: schedule required", ErrInvalidCadence)
	}

	low := strings.ToLower(s)
	switch {
	case strings.HasPrefix(low, "cron:"):
		return ParseCron(s[len("cron:"):])
	case strings.HasPrefix(low, "interval:"):
		return parseInterval(s[len("interval:"):])
	case strings.HasPrefix(low, "every:"):
		return parseInterval(s[len("every:"):])
	}

	// Whitespace or a descriptor means cron.
	if strings.ContainsAny(s, " \t\n\r") || strings.HasPrefix(s, "@") {
		return ParseCron(s)
	}
	if c, err := parseInterval(s); err == nil {
		return c, nil
	}
	return nil, fmt.Errorf("%w: %q (use cron like '*/5 * * * *', HH:MM like '02:30', or a duration like '55m')", ErrInvalidCadence, raw)
}

func parseInterval(v string) (Cadence, error) {
	v = strings.TrimSpace(v)
	if v == "" {
		return nil, fmt.Errorf("%w: interval required", ErrInvalidCadence)
	}
	var d time.Duration
	if m := reHHMM.FindStringSubmatch(v); m != nil {
		hh, _ := strconv.Atoi(m[1])
		mm, _ := strconv.Atoi(m[2])
		if mm > 59 {
			return nil, fmt.Errorf("%w: invalid minutes in %q", ErrInvalidCadence, v)
		}
		d = time.Duration(hh)*time.Hour + time.Duration(mm)*time.Minute
	} else {
		var err error
		if d, err = time.ParseDuration(v); err != nil {
			return nil, fmt.Errorf("%w: invalid interval %q", ErrInvalidCadence, v)
		}
	}
	if d <= 0 {
		return nil, fmt.Errorf("%w: interval must be > 0", ErrInvalidCadence)
	}
	return Every(d), nil
}
