// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package scheduler

import (
	"fmt"
	"math/rand/v2"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/beer-garden/beergarden/internal/models"
	bgerrors "github.com/beer-garden/beergarden/pkg/errors"
)

// cronParser accepts an optional leading seconds field.
var cronParser = cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// maxCronScan bounds the walk over robfig matches rejected by the year,
// week and day_of_week filters.
const maxCronScan = 10000

// schedule computes fire times for a time-based trigger.
type schedule interface {
	// next returns the first fire time after prev, or the first at or after
	// now when prev is nil. ok is false once the trigger is exhausted.
	next(prev *time.Time, now time.Time) (t time.Time, ok bool)
}

// NextFireTime returns when trigger fires after prev, or its first fire at
// or after now when prev is nil. A nil time means the trigger will not fire
// again. File triggers are event driven and always return nil.
func NextFireTime(trigger models.Trigger, prev *time.Time, now time.Time) (*time.Time, error) {
	s, err := compile(trigger)
	if err != nil || s == nil {
		return nil, err
	}
	t, ok := s.next(prev, now)
	if !ok {
		return nil, nil
	}
	return &t, nil
}

func compile(trigger models.Trigger) (schedule, error) {
	switch t := trigger.(type) {
	case *models.DateTrigger:
		loc, err := location(t.Timezone)
		if err != nil {
			return nil, err
		}
		return dateSchedule{at: t.RunDate.In(loc)}, nil
	case *models.IntervalTrigger:
		loc, err := location(t.Timezone)
		if err != nil {
			return nil, err
		}
		if t.Interval() <= 0 {
			return nil, &bgerrors.ValidationError{Field: "trigger", Message: "interval must be positive"}
		}
		return intervalSchedule{every: t.Interval(), start: t.StartDate, end: t.EndDate, loc: loc}, nil
	case *models.CronTrigger:
		return compileCron(t)
	case *models.FileTrigger:
		return nil, nil
	}
	return nil, &bgerrors.ValidationError{Field: "trigger", Message: fmt.Sprintf("unsupported trigger %T", trigger)}
}

func location(name string) (*time.Location, error) {
	if name == "" {
		return time.UTC, nil
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		return nil, &bgerrors.ValidationError{Field: "trigger.timezone", Message: fmt.Sprintf("unknown timezone %q", name)}
	}
	return loc, nil
}

// jitterOf returns the maximum random delay added to each fire.
func jitterOf(trigger models.Trigger) time.Duration {
	switch t := trigger.(type) {
	case *models.IntervalTrigger:
		return time.Duration(t.Jitter) * time.Second
	case *models.CronTrigger:
		return time.Duration(t.Jitter) * time.Second
	}
	return 0
}

func applyJitter(t time.Time, max time.Duration) time.Time {
	if max <= 0 {
		return t
	}
	return t.Add(time.Duration(rand.Int64N(int64(max) + 1)))
}

type dateSchedule struct {
	at time.Time
}

func (s dateSchedule) next(prev *time.Time, _ time.Time) (time.Time, bool) {
	if prev != nil {
		return time.Time{}, false
	}
	return s.at, true
}

type intervalSchedule struct {
	every      time.Duration
	start, end *time.Time
	loc        *time.Location
}

func (s intervalSchedule) next(prev *time.Time, now time.Time) (time.Time, bool) {
	var t time.Time
	switch {
	case prev != nil:
		t = prev.Add(s.every)
	case s.start == nil:
		t = now.Add(s.every)
	case !now.After(*s.start):
		t = *s.start
	default:
		periods := (now.Sub(*s.start) + s.every - 1) / s.every
		t = s.start.Add(periods * s.every)
	}
	if s.end != nil && t.After(*s.end) {
		return time.Time{}, false
	}
	return t.In(s.loc), true
}

type cronSchedule struct {
	spec     cron.Schedule
	years    fieldSet
	weeks    fieldSet
	weekdays fieldSet
	start    *time.Time
	end      *time.Time
	loc      *time.Location
}

// cronDefaults holds the value each field takes when it is left empty and
// is finer than every field that was set.
var cronDefaults = [...]string{"*", "1", "1", "*", "*", "0", "0", "0"}

var weekdayNames = map[string]int{"mon": 0, "tue": 1, "wed": 2, "thu": 3, "fri": 4, "sat": 5, "sun": 6}

func compileCron(t *models.CronTrigger) (schedule, error) {
	loc, err := location(t.Timezone)
	if err != nil {
		return nil, err
	}

	// year, month, day, week, day_of_week, hour, minute, second
	fields := [...]string{t.Year, t.Month, t.Day, t.Week, t.DayOfWeek, t.Hour, t.Minute, t.Second}
	finest := -1
	for i := range fields {
		fields[i] = strings.TrimSpace(fields[i])
		if fields[i] != "" {
			finest = i
		}
	}
	for i := range fields {
		switch {
		case fields[i] != "":
		case i < finest:
			fields[i] = "*"
		default:
			fields[i] = cronDefaults[i]
		}
	}

	// Day of week is filtered here rather than by robfig, which counts from
	// Sunday and ORs it with day of month.
	expr := strings.Join([]string{fields[7], fields[6], fields[5], fields[2], fields[1], "*"}, " ")
	spec, err := cronParser.Parse(expr)
	if err != nil {
		return nil, &bgerrors.ValidationError{Field: "trigger", Message: fmt.Sprintf("invalid cron fields: %v", err)}
	}

	s := &cronSchedule{spec: spec, start: t.StartDate, end: t.EndDate, loc: loc}
	if s.years, err = parseFieldSet("trigger.year", fields[0], 1970, 9999, nil); err != nil {
		return nil, err
	}
	if s.weeks, err = parseFieldSet("trigger.week", fields[3], 1, 53, nil); err != nil {
		return nil, err
	}
	if s.weekdays, err = parseFieldSet("trigger.day_of_week", fields[4], 0, 6, weekdayNames); err != nil {
		return nil, err
	}
	if s.start != nil && s.end != nil && s.end.Before(*s.start) {
		return nil, &bgerrors.ValidationError{Field: "trigger.end_date", Message: "end_date is before start_date"}
	}
	return s, nil
}

func (s *cronSchedule) next(prev *time.Time, now time.Time) (time.Time, bool) {
	after := now.Add(-time.Nanosecond)
	if prev != nil {
		after = *prev
	}
	if s.start != nil && after.Before(*s.start) {
		after = s.start.Add(-time.Nanosecond)
	}
	after = after.In(s.loc)

	for range maxCronScan {
		t := s.spec.Next(after)
		if t.IsZero() || (s.end != nil && t.After(*s.end)) {
			return time.Time{}, false
		}
		if !s.years.contains(t.Year()) {
			y, ok := s.years.next(t.Year())
			if !ok {
				return time.Time{}, false
			}
			after = time.Date(y, time.January, 1, 0, 0, 0, 0, s.loc).Add(-time.Nanosecond)
			continue
		}
		_, week := t.ISOWeek()
		if !s.weeks.contains(week) || !s.weekdays.contains(mondayFirst(t.Weekday())) {
			y, m, d := t.Date()
			after = time.Date(y, m, d+1, 0, 0, 0, 0, s.loc).Add(-time.Nanosecond)
			continue
		}
		return t, true
	}
	return time.Time{}, false
}

func mondayFirst(d time.Weekday) int {
	return (int(d) + 6) % 7
}

type fieldRange struct {
	lo, hi, step int
}

// fieldSet is a parsed cron field. A nil set matches everything.
type fieldSet []fieldRange

func parseFieldSet(field, expr string, min, max int, names map[string]int) (fieldSet, error) {
	if expr == "" || expr == "*" {
		return nil, nil
	}
	bad := func(format string, args ...any) error {
		return &bgerrors.ValidationError{Field: field, Message: fmt.Sprintf(format, args...)}
	}
	value := func(s string) (int, error) {
		s = strings.TrimSpace(strings.ToLower(s))
		if n, ok := names[s]; ok {
			return n, nil
		}
		n, err := strconv.Atoi(s)
		if err != nil {
			return 0, bad("invalid value %q", s)
		}
		return n, nil
	}

	var set fieldSet
	for _, part := range strings.Split(expr, ",") {
		r := fieldRange{lo: min, hi: max, step: 1}
		body, step, hasStep := strings.Cut(strings.TrimSpace(part), "/")
		if hasStep {
			n, err := strconv.Atoi(step)
			if err != nil || n < 1 {
				return nil, bad("invalid step %q", step)
			}
			r.step = n
		}
		switch {
		case body == "*":
		case strings.Contains(body, "-"):
			lo, hi, _ := strings.Cut(body, "-")
			var err error
			if r.lo, err = value(lo); err != nil {
				return nil, err
			}
			if r.hi, err = value(hi); err != nil {
				return nil, err
			}
		default:
			v, err := value(body)
			if err != nil {
				return nil, err
			}
			r.lo = v
			if !hasStep {
				r.hi = v
			}
		}
		if r.lo < min || r.hi > max || r.lo > r.hi {
			return nil, bad("%q is outside %d-%d", part, min, max)
		}
		set = append(set, r)
	}
	return set, nil
}

func (s fieldSet) contains(v int) bool {
	if s == nil {
		return true
	}
	for _, r := range s {
		if v >= r.lo && v <= r.hi && (v-r.lo)%r.step == 0 {
			return true
		}
	}
	return false
}

// next returns the smallest member of s that is at least v.
func (s fieldSet) next(v int) (int, bool) {
	best, found := 0, false
	for _, r := range s {
		c := max(v, r.lo)
		if rem := (c - r.lo) % r.step; rem != 0 {
			c += r.step - rem
		}
		if c <= r.hi && (!found || c < best) {
			best, found = c, true
		}
	}
	return best, found
}
