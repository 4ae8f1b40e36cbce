package schedule

import (
	"encoding/json"
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"plugsched/internal/apperr"
	"plugsched/internal/storage"
)

// Rule computes occurrences of a compiled schedule.
type Rule interface {
	Kind() storage.ScheduleKind
	// Next returns the first occurrence strictly after t.
	Next(t time.Time) time.Time
	String() string
}

// NextOccurrenceAfter is the pure due-time function used everywhere.
func NextOccurrenceAfter(r Rule, t time.Time) time.Time { return r.Next(t) }

type IntervalRule struct {
	Every time.Duration
}

func (r IntervalRule) Kind() storage.ScheduleKind { return storage.ScheduleInterval }
func (r IntervalRule) Next(t time.Time) time.Time { return t.Add(r.Every) }
func (r IntervalRule) String() string             { return "every " + r.Every.String() }

type CronRule struct {
	Expr     string
	Location *time.Location
	sched    cron.Schedule
}

func (r CronRule) Kind() storage.ScheduleKind { return storage.ScheduleCron }

func (r CronRule) Next(t time.Time) time.Time {
	loc := r.Location
	if loc == nil {
		loc = time.Local
	}
	return r.sched.Next(t.In(loc)).In(t.Location())
}

func (r CronRule) String() string {
	if r.Location == nil || r.Location == time.Local {
		return r.Expr
	}
	return r.Expr + " (" + r.Location.String() + ")"
}

// Seconds are optional so "@every" style and quartz-like 6 field specs are
// accepted next to classic 5 field crontab lines.
var cronParser = cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// ParseCron compiles a cron expression evaluated in loc (nil means Local).
func ParseCron(expr string, loc *time.Location) (CronRule, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return CronRule{}, fmt.Errorf("cron expression required")
	}
	s, err := cronParser.Parse(expr)
	if err != nil {
		return CronRule{}, fmt.Errorf("invalid cron %q: %w", expr, err)
	}
	return CronRule{Expr: expr, Location: loc, sched: s}, nil
}

// ParseRule compiles a stored schedule config against its declared kind.
// defaultLoc applies to cron rules without an explicit timezone.
func ParseRule(kind storage.ScheduleKind, cfg map[string]any, defaultLoc *time.Location) (Rule, error) {
	const op = "schedule.parse"
	switch kind {
	case storage.ScheduleInterval:
		d, err := intervalFromConfig(cfg)
		if err != nil {
			return nil, apperr.New(apperr.Configuration, op, err)
		}
		return IntervalRule{Every: d}, nil
	case storage.ScheduleCron:
		expr, _ := cfg["cron"].(string)
		loc := defaultLoc
		if tz, _ := cfg["timezone"].(string); strings.TrimSpace(tz) != "" {
			l, err := time.LoadLocation(strings.TrimSpace(tz))
			if err != nil {
				return nil, apperr.Newf(apperr.Configuration, op, "invalid timezone %q: %v", tz, err)
			}
			loc = l
		}
		r, err := ParseCron(expr, loc)
		if err != nil {
			return nil, apperr.New(apperr.Configuration, op, err)
		}
		return r, nil
	default:
		return nil, apperr.Newf(apperr.Configuration, op, "unknown schedule kind %q", kind)
	}
}

func intervalFromConfig(cfg map[string]any) (time.Duration, error) {
	if v, ok := cfg["interval_seconds"]; ok {
		secs, err := toFloat(v)
		if err != nil {
			return 0, fmt.Errorf("interval_seconds: %w", err)
		}
		if secs <= 0 || math.IsNaN(secs) || math.IsInf(secs, 0) {
			return 0, fmt.Errorf("interval_seconds must be > 0")
		}
		ns := secs * float64(time.Second)
		if ns >= math.MaxInt64 {
			return 0, fmt.Errorf("interval_seconds %g is too large", secs)
		}
		d := time.Duration(ns)
		if d <= 0 {
			// Sub-nanosecond values truncate to zero.
			return 0, fmt.Errorf("interval_seconds %g is below 1ns", secs)
		}
		return d, nil
	}
	if v, ok := cfg["interval"].(string); ok {
		return ParseInterval(v)
	}
	return 0, fmt.Errorf("interval_seconds is required")
}

func toFloat(v any) (float64, error) {
	switch x := v.(type) {
	case float64:
		return x, nil
	case float32:
		return float64(x), nil
	case int:
		return float64(x), nil
	case int64:
		return float64(x), nil
	case json.Number:
		return x.Float64()
	case string:
		return strconv.ParseFloat(strings.TrimSpace(x), 64)
	default:
		return 0, fmt.Errorf("expected a number, got %T", v)
	}
}

var reHHMM = regexp.MustCompile(`^\s*(\d{1,3}):(\d{2})\s*$`)

// ParseInterval accepts Go durations ("55m", "2h30m") and HH:MM ("02:30").
func ParseInterval(v string) (time.Duration, error) {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0, fmt.Errorf("interval required")
	}
	if m := reHHMM.FindStringSubmatch(v); len(m) == 3 {
		hh, _ := strconv.Atoi(m[1])
		mm, _ := strconv.Atoi(m[2])
		if mm > 59 {
			return 0, fmt.Errorf("invalid minutes in %q", v)
		}
		d := time.Duration(hh)*time.Hour + time.Duration(mm)*time.Minute
		if d <= 0 {
			return 0, fmt.Errorf("interval must be > 0")
		}
		return d, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("invalid interval %q (use HH:MM or a duration like '55m')", v)
	}
	if d <= 0 {
		return 0, fmt.Errorf("interval must be > 0")
	}
	return d, nil
}
