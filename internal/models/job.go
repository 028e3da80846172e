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

package models

import (
	"encoding/json"
	"fmt"
	"time"

	bgerrors "github.com/beer-garden/beergarden/pkg/errors"
)

// TriggerType tags the trigger variant of a job.
type TriggerType string

const (
	TriggerDate     TriggerType = "date"
	TriggerInterval TriggerType = "interval"
	TriggerCron     TriggerType = "cron"
	TriggerFile     TriggerType = "file"
)

// JobStatus is whether a job is on the live schedule.
type JobStatus string

const (
	JobRunning JobStatus = "RUNNING"
	JobPaused  JobStatus = "PAUSED"
)

// Trigger is implemented by DateTrigger, IntervalTrigger, CronTrigger and
// FileTrigger.
type Trigger interface {
	TriggerType() TriggerType
}

// Job is a persistent schedule entry that fires its request template
// whenever its trigger does.
type Job struct {
	ID              string          `json:"id"`
	Name            string          `json:"name" validate:"required"`
	TriggerType     TriggerType     `json:"trigger_type" validate:"required,oneof=date interval cron file"`
	Trigger         Trigger         `json:"trigger"`
	RequestTemplate RequestTemplate `json:"request_template"`
	// MisfireGraceTime is in seconds; zero uses the scheduler default.
	MisfireGraceTime int  `json:"misfire_grace_time,omitempty"`
	Coalesce         bool `json:"coalesce"`
	// MaxInstances bounds concurrent fires of this job; zero means one.
	MaxInstances int        `json:"max_instances,omitempty"`
	NextRunTime  *time.Time `json:"next_run_time,omitempty"`
	Status       JobStatus  `json:"status" validate:"omitempty,oneof=RUNNING PAUSED"`
	SuccessCount int        `json:"success_count"`
	ErrorCount   int        `json:"error_count"`
	// Timeout in seconds a fire waits for its request; zero waits forever.
	Timeout   int       `json:"timeout,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// DateTrigger fires once at RunDate.
type DateTrigger struct {
	RunDate  time.Time `json:"run_date"`
	Timezone string    `json:"timezone,omitempty"`
}

// IntervalTrigger fires every interval within an optional window.
type IntervalTrigger struct {
	Weeks     int        `json:"weeks,omitempty"`
	Days      int        `json:"days,omitempty"`
	Hours     int        `json:"hours,omitempty"`
	Minutes   int        `json:"minutes,omitempty"`
	Seconds   int        `json:"seconds,omitempty"`
	StartDate *time.Time `json:"start_date,omitempty"`
	EndDate   *time.Time `json:"end_date,omitempty"`
	Timezone  string     `json:"timezone,omitempty"`
	// Jitter in seconds added to each fire time.
	Jitter int `json:"jitter,omitempty"`
	// RescheduleOnFinish measures the next interval from the end of the
	// previous run instead of from its scheduled time.
	RescheduleOnFinish bool `json:"reschedule_on_finish,omitempty"`
}

// CronTrigger fires on calendar expressions. Empty fields coarser than the
// finest set field are wildcards; finer ones take their minimum, except
// week and day_of_week which stay wildcards. DayOfWeek counts 0 as Monday.
type CronTrigger struct {
	Year      string     `json:"year,omitempty"`
	Month     string     `json:"month,omitempty"`
	Day       string     `json:"day,omitempty"`
	Week      string     `json:"week,omitempty"`
	DayOfWeek string     `json:"day_of_week,omitempty"`
	Hour      string     `json:"hour,omitempty"`
	Minute    string     `json:"minute,omitempty"`
	Second    string     `json:"second,omitempty"`
	StartDate *time.Time `json:"start_date,omitempty"`
	EndDate   *time.Time `json:"end_date,omitempty"`
	Timezone  string     `json:"timezone,omitempty"`
	Jitter    int        `json:"jitter,omitempty"`
}

// FileTrigger fires on filesystem events below Path.
type FileTrigger struct {
	Path      string        `json:"path"`
	Pattern   []string      `json:"pattern,omitempty"`
	Recursive bool          `json:"recursive"`
	Callbacks FileCallbacks `json:"callbacks"`
}

// FileCallbacks selects which filesystem events fire the job.
type FileCallbacks struct {
	OnCreated  bool `json:"on_created"`
	OnModified bool `json:"on_modified"`
	OnMoved    bool `json:"on_moved"`
	OnDeleted  bool `json:"on_deleted"`
	OnAnyEvent bool `json:"on_any_event"`
}

func (*DateTrigger) TriggerType() TriggerType     { return TriggerDate }
func (*IntervalTrigger) TriggerType() TriggerType { return TriggerInterval }
func (*CronTrigger) TriggerType() TriggerType     { return TriggerCron }
func (*FileTrigger) TriggerType() TriggerType     { return TriggerFile }

// Interval returns the trigger period.
func (t *IntervalTrigger) Interval() time.Duration {
	return time.Duration(t.Weeks)*7*24*time.Hour +
		time.Duration(t.Days)*24*time.Hour +
		time.Duration(t.Hours)*time.Hour +
		time.Duration(t.Minutes)*time.Minute +
		time.Duration(t.Seconds)*time.Second
}

// Wants reports whether an event of the given kind ("created", "modified",
// "moved", "deleted") fires the job.
func (c FileCallbacks) Wants(kind string) bool {
	if c.OnAnyEvent {
		return true
	}
	switch kind {
	case "created":
		return c.OnCreated
	case "modified":
		return c.OnModified
	case "moved":
		return c.OnMoved
	case "deleted":
		return c.OnDeleted
	}
	return false
}

// UnmarshalJSON decodes the trigger according to trigger_type.
func (j *Job) UnmarshalJSON(data []byte) error {
	type alias Job
	aux := struct {
		*alias
		Trigger json.RawMessage `json:"trigger"`
	}{alias: (*alias)(j)}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	j.Trigger = nil
	if len(aux.Trigger) == 0 || string(aux.Trigger) == "null" {
		return nil
	}
	trigger, err := NewTrigger(j.TriggerType)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(aux.Trigger, trigger); err != nil {
		return fmt.Errorf("decoding %s trigger: %w", j.TriggerType, err)
	}
	j.Trigger = trigger
	return nil
}

// NewTrigger returns an empty trigger of the given type.
func NewTrigger(t TriggerType) (Trigger, error) {
	switch t {
	case TriggerDate:
		return &DateTrigger{}, nil
	case TriggerInterval:
		return &IntervalTrigger{}, nil
	case TriggerCron:
		return &CronTrigger{}, nil
	case TriggerFile:
		return &FileTrigger{}, nil
	}
	return nil, &bgerrors.ValidationError{Field: "trigger_type", Message: fmt.Sprintf("unknown trigger type %q", t)}
}

// Validate checks job fields and that the trigger variant matches
// TriggerType.
func (j *Job) Validate() error {
	if err := validateStruct(j); err != nil {
		return err
	}
	if j.Trigger == nil {
		return &bgerrors.ValidationError{Field: "trigger", Message: "trigger is required"}
	}
	if j.Trigger.TriggerType() != j.TriggerType {
		return &bgerrors.ValidationError{
			Field:   "trigger",
			Message: fmt.Sprintf("trigger is %s but trigger_type is %s", j.Trigger.TriggerType(), j.TriggerType),
		}
	}
	if err := validateStruct(&j.RequestTemplate); err != nil {
		return err
	}
	if j.MaxInstances < 0 || j.MisfireGraceTime < 0 || j.Timeout < 0 {
		return &bgerrors.ValidationError{Field: "job", Message: "max_instances, misfire_grace_time and timeout must not be negative"}
	}

	switch t := j.Trigger.(type) {
	case *IntervalTrigger:
		if t.Interval() <= 0 {
			return &bgerrors.ValidationError{Field: "trigger", Message: "interval must be positive"}
		}
		if t.StartDate != nil && t.EndDate != nil && t.EndDate.Before(*t.StartDate) {
			return &bgerrors.ValidationError{Field: "trigger.end_date", Message: "end_date is before start_date"}
		}
	case *DateTrigger:
		if t.RunDate.IsZero() {
			return &bgerrors.ValidationError{Field: "trigger.run_date", Message: "run_date is required"}
		}
	case *FileTrigger:
		if t.Path == "" {
			return &bgerrors.ValidationError{Field: "trigger.path", Message: "path is required"}
		}
	}
	return nil
}

// EffectiveMaxInstances returns MaxInstances defaulted to one.
func (j *Job) EffectiveMaxInstances() int {
	if j.MaxInstances <= 0 {
		return 1
	}
	return j.MaxInstances
}

// Clone returns a deep copy of the job.
func (j *Job) Clone() *Job {
	if j == nil {
		return nil
	}
	c := *j
	c.RequestTemplate = j.RequestTemplate.Clone()
	if j.NextRunTime != nil {
		t := *j.NextRunTime
		c.NextRunTime = &t
	}
	switch t := j.Trigger.(type) {
	case *DateTrigger:
		cp := *t
		c.Trigger = &cp
	case *IntervalTrigger:
		cp := *t
		c.Trigger = &cp
	case *CronTrigger:
		cp := *t
		c.Trigger = &cp
	case *FileTrigger:
		cp := *t
		cp.Pattern = cloneStrings(t.Pattern)
		c.Trigger = &cp
	}
	return &c
}
