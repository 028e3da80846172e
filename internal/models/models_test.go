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
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	bgerrors "github.com/beer-garden/beergarden/pkg/errors"
)

func testSystem() *System {
	return &System{
		Namespace:    "default",
		Name:         "echo",
		Version:      "1.0.0",
		MaxInstances: 2,
		Instances:    []*Instance{{Name: "default"}},
		Commands: []*Command{{
			Name:        "say",
			CommandType: CommandTypeAction,
			Parameters: []*Parameter{
				{Key: "message", Type: TypeString},
				{Key: "loud", Type: TypeBoolean, Optional: true, Default: false},
			},
		}},
	}
}

func TestSystemValidate(t *testing.T) {
	tests := []struct {
		name      string
		modify    func(*System)
		wantField string
	}{
		{name: "valid", modify: func(*System) {}},
		{
			name:      "missing name",
			modify:    func(s *System) { s.Name = "" },
			wantField: "name",
		},
		{
			name: "too many instances",
			modify: func(s *System) {
				s.MaxInstances = 1
				s.Instances = append(s.Instances, &Instance{Name: "second"})
			},
			wantField: "instances",
		},
		{
			name:   "unbounded instances",
			modify: func(s *System) { s.MaxInstances = -1; s.Instances = append(s.Instances, &Instance{Name: "b"}) },
		},
		{
			name:      "duplicate instance",
			modify:    func(s *System) { s.Instances = append(s.Instances, &Instance{Name: "default"}) },
			wantField: "instances",
		},
		{
			name:      "duplicate command",
			modify:    func(s *System) { s.Commands = append(s.Commands, &Command{Name: "say"}) },
			wantField: "commands",
		},
		{
			name:      "bad command type",
			modify:    func(s *System) { s.Commands[0].CommandType = "BOGUS" },
			wantField: "commands[0].command_type",
		},
		{
			name: "optional non-nullable without default",
			modify: func(s *System) {
				s.Commands[0].Parameters[1].Default = nil
			},
			wantField: "commands.say.parameters.loud",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := testSystem()
			tt.modify(s)
			err := s.Validate()
			if tt.wantField == "" {
				require.NoError(t, err)
				return
			}
			var verr *bgerrors.ValidationError
			require.ErrorAs(t, err, &verr)
			assert.Equal(t, tt.wantField, verr.Field)
		})
	}
}

func TestSystemLookups(t *testing.T) {
	s := testSystem()
	s.Instances[0].ID = "i-1"

	assert.NotNil(t, s.Instance("default"))
	assert.Nil(t, s.Instance("missing"))
	assert.Equal(t, "default", s.InstanceByID("i-1").Name)
	assert.NotNil(t, s.Command("say"))
	assert.NotNil(t, s.Command("say").Parameter("loud"))
	assert.Equal(t, "default/echo/1.0.0", s.Key())
	assert.Equal(t, []string{"default"}, s.InstanceNames())
}

func TestSystemCloneIsDeep(t *testing.T) {
	s := testSystem()
	s.Metadata = map[string]any{"nested": map[string]any{"a": 1}}
	c := s.Clone()

	c.Instances[0].Name = "changed"
	c.Commands[0].Parameters[0].Key = "changed"
	c.Metadata["nested"].(map[string]any)["a"] = 2

	assert.Equal(t, "default", s.Instances[0].Name)
	assert.Equal(t, "message", s.Commands[0].Parameters[0].Key)
	assert.Equal(t, 1, s.Metadata["nested"].(map[string]any)["a"])
}

func TestRequestStatus(t *testing.T) {
	assert.False(t, StatusCreated.IsCompleted())
	assert.False(t, StatusInProgress.IsCompleted())
	assert.True(t, StatusSuccess.IsCompleted())
	assert.True(t, StatusError.IsCompleted())
	assert.True(t, StatusCanceled.IsCompleted())
	assert.False(t, RequestStatus("DONE").Valid())
}

func TestRequestValidateParentInvariant(t *testing.T) {
	r := NewRequest(RequestTemplate{System: "echo", SystemVersion: "1", InstanceName: "default", Command: "say"})
	require.NoError(t, r.Validate())

	r.Parent = "p1"
	assert.Error(t, r.Validate())

	r.HasParent = true
	assert.NoError(t, r.Validate())
}

func TestJobUnmarshalTrigger(t *testing.T) {
	tests := []struct {
		name string
		json string
		want Trigger
	}{
		{
			name: "interval",
			json: `{"name":"j","trigger_type":"interval","trigger":{"minutes":5,"reschedule_on_finish":true}}`,
			want: &IntervalTrigger{Minutes: 5, RescheduleOnFinish: true},
		},
		{
			name: "cron",
			json: `{"name":"j","trigger_type":"cron","trigger":{"hour":"3","day_of_week":"mon-fri"}}`,
			want: &CronTrigger{Hour: "3", DayOfWeek: "mon-fri"},
		},
		{
			name: "file",
			json: `{"name":"j","trigger_type":"file","trigger":{"path":"/tmp","pattern":["*.csv"],"callbacks":{"on_created":true}}}`,
			want: &FileTrigger{Path: "/tmp", Pattern: []string{"*.csv"}, Callbacks: FileCallbacks{OnCreated: true}},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var job Job
			require.NoError(t, json.Unmarshal([]byte(tt.json), &job))
			assert.Equal(t, tt.want, job.Trigger)
			assert.Equal(t, "j", job.Name)
		})
	}

	var job Job
	err := json.Unmarshal([]byte(`{"trigger_type":"weekly","trigger":{}}`), &job)
	assert.True(t, bgerrors.IsValidation(err))
}

func TestJobValidate(t *testing.T) {
	base := func() *Job {
		return &Job{
			Name:        "nightly",
			TriggerType: TriggerInterval,
			Trigger:     &IntervalTrigger{Hours: 1},
			RequestTemplate: RequestTemplate{
				System: "echo", SystemVersion: "1.0.0", InstanceName: "default", Command: "say",
			},
		}
	}

	require.NoError(t, base().Validate())

	j := base()
	j.TriggerType = TriggerCron
	assert.Error(t, j.Validate(), "trigger variant must match trigger_type")

	j = base()
	j.Trigger = &IntervalTrigger{}
	assert.Error(t, j.Validate(), "zero interval")

	j = base()
	j.RequestTemplate.Command = ""
	assert.Error(t, j.Validate())

	j = base()
	j.TriggerType = TriggerDate
	j.Trigger = &DateTrigger{RunDate: time.Now()}
	assert.NoError(t, j.Validate())
}

func TestIntervalAndCallbacks(t *testing.T) {
	it := &IntervalTrigger{Weeks: 1, Days: 1, Hours: 1, Minutes: 1, Seconds: 1}
	assert.Equal(t, 8*24*time.Hour+time.Hour+time.Minute+time.Second, it.Interval())

	cb := FileCallbacks{OnCreated: true}
	assert.True(t, cb.Wants("created"))
	assert.False(t, cb.Wants("deleted"))
	assert.True(t, FileCallbacks{OnAnyEvent: true}.Wants("deleted"))
}

func TestPermissionLadder(t *testing.T) {
	assert.True(t, PermissionGardenAdmin.Satisfies(PermissionReadOnly))
	assert.True(t, PermissionOperator.Satisfies(PermissionOperator))
	assert.False(t, PermissionReadOnly.Satisfies(PermissionOperator))
	assert.False(t, Permission("NONE").Satisfies(PermissionReadOnly))
	assert.Less(t, PermissionOperator.Level(), PermissionPluginAdmin.Level())
}

func TestChoicesDefaults(t *testing.T) {
	c := &Choices{Type: ChoicesStatic, Value: []any{"a"}}
	assert.True(t, c.IsStrict())
	_, ok := c.KeyReference()
	assert.False(t, ok)

	off := false
	c.Strict = &off
	c.Details = map[string]any{"key_reference": "color"}
	assert.False(t, c.IsStrict())
	ref, ok := c.KeyReference()
	assert.True(t, ok)
	assert.Equal(t, "color", ref)
}

func TestUserPublicStripsHash(t *testing.T) {
	u := &User{Username: "alice", PasswordHash: "hash", Roles: []string{"operator"}}
	p := u.Public()
	assert.Empty(t, p.PasswordHash)
	assert.Equal(t, "hash", u.PasswordHash)
}
