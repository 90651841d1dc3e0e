package utils

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"maildrip/models"
)

// Legacy zone aliases carried over from older step definitions. Anything
// not listed here is resolved directly against the IANA database.
var zoneAliases = map[string]string{
	"Eastern":  "America/New_York",
	"Central":  "America/Chicago",
	"Mountain": "America/Denver",
	"Pacific":  "America/Los_Angeles",
	"UK":       "Europe/London",
	"CET":      "Europe/Berlin",
	"IST":      "Asia/Kolkata",
}

// ResolveZone maps a step's zone name to a time.Location, falling back to
// UTC when the name is unknown.
func ResolveZone(name string) *time.Location {
	if name == "" {
		return time.UTC
	}
	if alias, ok := zoneAliases[name]; ok {
		name = alias
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		return time.UTC
	}
	return loc
}

// NextSendTime computes the absolute send time for a step.
//
// Delay-only steps send DelayMinutes after the reference time (enrollment
// time for step 1, the previous step's actual send time otherwise).
//
// Anchored steps send at SendAtLocalTime in the step's zone, N days out,
// where N = max(1, DelayMinutes/1440); if the candidate is not in the
// future it slips one more day. The result never lands earlier than now,
// whatever time of day the computation runs.
func NextSendTime(step *models.SequenceStep, reference, now time.Time) time.Time {
	if step.SendAtLocalTime == "" {
		return reference.Add(time.Duration(step.DelayMinutes) * time.Minute)
	}

	hour, minute, err := parseLocalTime(step.SendAtLocalTime)
	if err != nil {
		// Malformed anchor degrades to a plain delay
		return reference.Add(time.Duration(step.DelayMinutes) * time.Minute)
	}

	days := step.DelayMinutes / (24 * 60)
	if days < 1 {
		days = 1
	}

	loc := ResolveZone(step.Timezone)
	local := now.In(loc)
	candidate := time.Date(local.Year(), local.Month(), local.Day(), hour, minute, 0, 0, loc)
	candidate = candidate.AddDate(0, 0, days)
	if !candidate.After(now) {
		candidate = candidate.AddDate(0, 0, 1)
	}
	return candidate
}

func parseLocalTime(s string) (hour, minute int, err error) {
	parts := strings.SplitN(s, ":", 2)
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("invalid local time %q", s)
	}
	hour, err = strconv.Atoi(parts[0])
	if err != nil || hour < 0 || hour > 23 {
		return 0, 0, fmt.Errorf("invalid hour in %q", s)
	}
	minute, err = strconv.Atoi(parts[1])
	if err != nil || minute < 0 || minute > 59 {
		return 0, 0, fmt.Errorf("invalid minute in %q", s)
	}
	return hour, minute, nil
}
