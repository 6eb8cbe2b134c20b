package scheduleengine

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
)

// RecomputeNext is a pure function of (type, JSON config, now) implementing
// the §6 per-type next-fire rules. A nil return with no error means "never
// fires again" (deactivate the schedule).
func RecomputeNext(scheduleType, spec string, now time.Time) (*time.Time, error) {
	switch scheduleType {
	case "immediate":
		t := now
		return &t, nil

	case "once_at":
		var cfg onceAtConfig
		if err := json.Unmarshal([]byte(spec), &cfg); err != nil {
			return nil, fmt.Errorf("once_at: invalid config: %w", err)
		}
		at, err := time.ParseInLocation("2006-01-02 15:04:05", cfg.Datetime, time.UTC)
		if err != nil {
			return nil, fmt.Errorf("once_at: invalid datetime %q: %w", cfg.Datetime, err)
		}
		if !at.After(now) {
			return nil, nil // past target: never activates / never fires again
		}
		return &at, nil

	case "interval":
		var cfg intervalConfig
		if err := json.Unmarshal([]byte(spec), &cfg); err != nil {
			return nil, fmt.Errorf("interval: invalid config: %w", err)
		}
		d, err := cfg.duration()
		if err != nil {
			return nil, err
		}
		t := now.Add(d)
		return &t, nil

	case "daily":
		var cfg dailyConfig
		if err := json.Unmarshal([]byte(spec), &cfg); err != nil {
			return nil, fmt.Errorf("daily: invalid config: %w", err)
		}
		hh, mm, ss, err := parseHMS(cfg.Time)
		if err != nil {
			return nil, fmt.Errorf("daily: %w", err)
		}
		t := nextDailyAt(now, hh, mm, ss)
		return &t, nil

	case "weekly":
		var cfg weeklyConfig
		if err := json.Unmarshal([]byte(spec), &cfg); err != nil {
			return nil, fmt.Errorf("weekly: invalid config: %w", err)
		}
		hh, mm, ss, err := parseHMS(cfg.Time)
		if err != nil {
			return nil, fmt.Errorf("weekly: %w", err)
		}
		if len(cfg.Days) == 0 {
			return nil, fmt.Errorf("weekly: no days configured")
		}
		t := nextWeeklyAt(now, cfg.Days, hh, mm, ss)
		return &t, nil

	case "monthly":
		var cfg monthlyConfig
		if err := json.Unmarshal([]byte(spec), &cfg); err != nil {
			return nil, fmt.Errorf("monthly: invalid config: %w", err)
		}
		hh, mm, ss, err := parseHMS(cfg.Time)
		if err != nil {
			return nil, fmt.Errorf("monthly: %w", err)
		}
		if len(cfg.Dates) == 0 {
			return nil, fmt.Errorf("monthly: no dates configured")
		}
		t := nextMonthlyAt(now, cfg.Dates, hh, mm, ss)
		return &t, nil

	case "cron":
		var cfg cronConfig
		if err := json.Unmarshal([]byte(spec), &cfg); err != nil {
			return nil, fmt.Errorf("cron: invalid config: %w", err)
		}
		sched, err := cron.ParseStandard(cfg.CronExpression)
		if err != nil {
			return nil, fmt.Errorf("cron: invalid expression %q: %w", cfg.CronExpression, err)
		}
		t := sched.Next(now)
		return &t, nil

	default:
		return nil, fmt.Errorf("unrecognised schedule type %q", scheduleType)
	}
}

type onceAtConfig struct {
	Datetime string `json:"datetime"`
}

type intervalConfig struct {
	Interval int    `json:"interval"`
	Unit     string `json:"unit"` // seconds, minutes, hours
}

func (c intervalConfig) duration() (time.Duration, error) {
	switch c.Unit {
	case "seconds":
		return time.Duration(c.Interval) * time.Second, nil
	case "minutes":
		return time.Duration(c.Interval) * time.Minute, nil
	case "hours":
		return time.Duration(c.Interval) * time.Hour, nil
	default:
		return 0, fmt.Errorf("interval: unrecognised unit %q", c.Unit)
	}
}

type dailyConfig struct {
	Time string `json:"time"` // "HH:MM:SS"
}

type weeklyConfig struct {
	Days []int  `json:"days"` // 1=Monday .. 7=Sunday
	Time string `json:"time"`
}

type monthlyConfig struct {
	Dates []int  `json:"dates"` // 1..31, -1 = last day of month
	Time  string `json:"time"`
}

type cronConfig struct {
	CronExpression string `json:"cron_expression"`
}

func parseHMS(s string) (hh, mm, ss int, err error) {
	t, err := time.Parse("15:04:05", s)
	if err != nil {
		return 0, 0, 0, fmt.Errorf("invalid time %q: %w", s, err)
	}
	return t.Hour(), t.Minute(), t.Second(), nil
}

func atHMS(day time.Time, hh, mm, ss int) time.Time {
	return time.Date(day.Year(), day.Month(), day.Day(), hh, mm, ss, 0, day.Location())
}

func nextDailyAt(now time.Time, hh, mm, ss int) time.Time {
	candidate := atHMS(now, hh, mm, ss)
	if !candidate.After(now) {
		candidate = candidate.AddDate(0, 0, 1)
	}
	return candidate
}

// isoWeekday returns 1=Monday..7=Sunday matching the spec's convention
// (time.Weekday is 0=Sunday..6=Saturday).
func isoWeekday(t time.Time) int {
	wd := int(t.Weekday())
	if wd == 0 {
		return 7
	}
	return wd
}

func nextWeeklyAt(now time.Time, days []int, hh, mm, ss int) time.Time {
	wanted := make(map[int]bool, len(days))
	for _, d := range days {
		wanted[d] = true
	}
	for offset := 0; offset <= 7; offset++ {
		day := now.AddDate(0, 0, offset)
		if !wanted[isoWeekday(day)] {
			continue
		}
		candidate := atHMS(day, hh, mm, ss)
		if candidate.After(now) {
			return candidate
		}
	}
	// Unreachable for a non-empty days list: within 8 days every weekday
	// recurs at least once more after `now`.
	return now.AddDate(0, 0, 7)
}

func lastDayOfMonth(t time.Time) int {
	firstOfNext := time.Date(t.Year(), t.Month()+1, 1, 0, 0, 0, 0, t.Location())
	return firstOfNext.AddDate(0, 0, -1).Day()
}

// nextMonthlyAt scans forward month by month (skipping invalid dates, e.g.
// day 30 in February, per spec) and returns the first valid, future
// (day-of-month, time) match.
func nextMonthlyAt(now time.Time, dates []int, hh, mm, ss int) time.Time {
	wanted := make(map[int]bool, len(dates))
	for _, d := range dates {
		wanted[d] = true
	}
	cursor := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, now.Location())
	for m := 0; m < 24; m++ {
		month := cursor.AddDate(0, m, 0)
		last := lastDayOfMonth(month)
		var best *time.Time
		for day := range wanted {
			actualDay := day
			if day == -1 {
				actualDay = last
			}
			if actualDay < 1 || actualDay > last {
				continue
			}
			candidate := atHMS(time.Date(month.Year(), month.Month(), actualDay, 0, 0, 0, 0, month.Location()), hh, mm, ss)
			if !candidate.After(now) {
				continue
			}
			if best == nil || candidate.Before(*best) {
				c := candidate
				best = &c
			}
		}
		if best != nil {
			return *best
		}
	}
	// No valid date found in two years; fall back far in the future rather
	// than panicking the scheduler tick.
	return now.AddDate(1, 0, 0)
}
