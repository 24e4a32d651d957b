// Package recurrence computes the next run instant for a schedule rule.
// Evaluation happens in the rule's IANA timezone so that a rule saying
// "09:00" keeps meaning 09:00 local across DST transitions; results are
// always returned in UTC.
package recurrence

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/campaignloop/publisher/internal/models"
)

// ErrRuleExpired is returned for rules whose end date has passed. Such rules
// are skipped entirely: not materialized and not rescheduled.
var ErrRuleExpired = errors.New("schedule rule is past its end date")

// Next returns the earliest instant strictly after now that satisfies the
// rule's frequency, time of day and weekday set, converted to UTC.
func Next(rule *models.ScheduleRule, now time.Time) (time.Time, error) {
	if rule.EndDate.Valid && now.After(rule.EndDate.Time) {
		return time.Time{}, ErrRuleExpired
	}

	loc, err := time.LoadLocation(rule.Timezone)
	if err != nil {
		slog.Info("unknown timezone, falling back to UTC", "timezone", rule.Timezone, "rule_id", rule.ID)
		loc = time.UTC
	}

	hour, minute := parseTimeOfDay(rule.TimeOfDay)
	local := now.In(loc)

	switch rule.Frequency {
	case models.FrequencyDaily:
		candidate := time.Date(local.Year(), local.Month(), local.Day(), hour, minute, 0, 0, loc)
		if !candidate.After(now) {
			candidate = candidate.AddDate(0, 0, 1)
		}
		return candidate.UTC(), nil

	case models.FrequencyWeekly:
		return nextWeekly(rule, now, local, hour, minute, loc), nil

	case models.FrequencyMonthly:
		candidate := monthlyCandidate(local.Year(), local.Month(), local.Day(), hour, minute, loc)
		if !candidate.After(now) {
			year, month := local.Year(), local.Month()+1
			if month > time.December {
				month = time.January
				year++
			}
			candidate = monthlyCandidate(year, month, local.Day(), hour, minute, loc)
		}
		return candidate.UTC(), nil

	default:
		return time.Time{}, fmt.Errorf("unknown frequency %q", rule.Frequency)
	}
}

// Due reports whether the rule's next run falls on or before the end of the
// current day in the rule's timezone. Materialization runs ahead of the
// scheduled instant: a daily 09:00 rule evaluated at 08:00 is already due,
// and the resulting post carries scheduled_at = 09:00.
func Due(rule *models.ScheduleRule, now time.Time) bool {
	if !rule.IsActive || !rule.NextRunAt.Valid {
		return false
	}
	if rule.EndDate.Valid && now.After(rule.EndDate.Time) {
		return false
	}

	loc, err := time.LoadLocation(rule.Timezone)
	if err != nil {
		loc = time.UTC
	}
	local := now.In(loc)
	dayEnd := time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, loc).AddDate(0, 0, 1)
	return rule.NextRunAt.Time.Before(dayEnd)
}

func nextWeekly(rule *models.ScheduleRule, now, local time.Time, hour, minute int, loc *time.Location) time.Time {
	days := make([]int, 0, len(rule.DaysOfWeek))
	for _, d := range rule.DaysOfWeek {
		if d >= 0 && d <= 6 {
			days = append(days, int(d))
		}
	}
	today := mondayBased(local.Weekday())
	if len(days) == 0 {
		days = []int{today}
	}
	sort.Ints(days)

	for _, d := range days {
		if d < today {
			continue
		}
		candidate := time.Date(local.Year(), local.Month(), local.Day()+(d-today), hour, minute, 0, 0, loc)
		if candidate.After(now) {
			return candidate.UTC()
		}
	}

	// Nothing left this week; wrap to the smallest eligible day next week.
	candidate := time.Date(local.Year(), local.Month(), local.Day()+(7-today+days[0]), hour, minute, 0, 0, loc)
	return candidate.UTC()
}

// monthlyCandidate clamps the anchor day to the target month's length, so a
// rule anchored on the 31st fires on Feb 28 (29 in leap years) rather than
// spilling into March. The clamp is sticky: each occurrence re-anchors on
// its own day, so after the first short month a day-31 rule keeps firing on
// the 28th/29th of every following month.
func monthlyCandidate(year int, month time.Month, day, hour, minute int, loc *time.Location) time.Time {
	if last := daysIn(year, month, loc); day > last {
		day = last
	}
	return time.Date(year, month, day, hour, minute, 0, 0, loc)
}

func daysIn(year int, month time.Month, loc *time.Location) int {
	return time.Date(year, month+1, 0, 0, 0, 0, 0, loc).Day()
}

// mondayBased converts Go's Sunday-based weekday to the stored 0=Monday
// convention.
func mondayBased(d time.Weekday) int {
	return (int(d) + 6) % 7
}

func parseTimeOfDay(s string) (hour, minute int) {
	parts := strings.SplitN(strings.TrimSpace(s), ":", 2)
	if len(parts) != 2 {
		return 0, 0
	}
	h, err1 := strconv.Atoi(parts[0])
	m, err2 := strconv.Atoi(parts[1])
	if err1 != nil || err2 != nil || h < 0 || h > 23 || m < 0 || m > 59 {
		return 0, 0
	}
	return h, m
}
