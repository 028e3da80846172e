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
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/beer-garden/beergarden/internal/models"
	bgerrors "github.com/beer-garden/beergarden/pkg/errors"
)

// Wednesday
var ref = time.Date(2025, 1, 15, 10, 30, 0, 0, time.UTC)

func ptr(t time.Time) *time.Time { return &t }

func TestNextFireTime_Date(t *testing.T) {
	trigger := &models.DateTrigger{RunDate: ref.Add(time.Hour), Timezone: "Europe/Berlin"}

	next, err := NextFireTime(trigger, nil, ref)
	require.NoError(t, err)
	require.NotNil(t, next)
	assert.True(t, next.Equal(ref.Add(time.Hour)))
	assert.Equal(t, "Europe/Berlin", next.Location().String())

	next, err = NextFireTime(trigger, next, ref)
	require.NoError(t, err)
	assert.Nil(t, next)
}

func TestNextFireTime_Interval(t *testing.T) {
	start := ref.Add(-95 * time.Second)
	end := ref.Add(time.Minute)

	tests := []struct {
		name    string
		trigger *models.IntervalTrigger
		prev    *time.Time
		want    *time.Time
	}{
		{
			name:    "first run one interval from now",
			trigger: &models.IntervalTrigger{Seconds: 30},
			want:    ptr(ref.Add(30 * time.Second)),
		},
		{
			name:    "aligned to past start date",
			trigger: &models.IntervalTrigger{Seconds: 30, StartDate: &start},
			want:    ptr(start.Add(120 * time.Second)),
		},
		{
			name:    "future start date",
			trigger: &models.IntervalTrigger{Minutes: 1, StartDate: ptr(ref.Add(time.Hour))},
			want:    ptr(ref.Add(time.Hour)),
		},
		{
			name:    "from previous fire",
			trigger: &models.IntervalTrigger{Hours: 1, Minutes: 30},
			prev:    ptr(ref),
			want:    ptr(ref.Add(90 * time.Minute)),
		},
		{
			name:    "past end date",
			trigger: &models.IntervalTrigger{Minutes: 2, EndDate: &end},
			prev:    ptr(ref),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := NextFireTime(tt.trigger, tt.prev, ref)
			require.NoError(t, err)
			if tt.want == nil {
				assert.Nil(t, got)
				return
			}
			require.NotNil(t, got)
			assert.True(t, got.Equal(*tt.want), "got %v want %v", got, tt.want)
		})
	}
}

func TestNextFireTime_Cron(t *testing.T) {
	tests := []struct {
		name    string
		trigger *models.CronTrigger
		want    time.Time
	}{
		{
			name:    "finer fields default to minimum",
			trigger: &models.CronTrigger{Hour: "5"},
			want:    time.Date(2025, 1, 16, 5, 0, 0, 0, time.UTC),
		},
		{
			name:    "coarser fields are wildcards",
			trigger: &models.CronTrigger{Minute: "*/15"},
			want:    time.Date(2025, 1, 15, 10, 30, 0, 0, time.UTC),
		},
		{
			name:    "day of week by name",
			trigger: &models.CronTrigger{DayOfWeek: "mon", Hour: "9"},
			want:    time.Date(2025, 1, 20, 9, 0, 0, 0, time.UTC),
		},
		{
			name:    "day of week zero is monday",
			trigger: &models.CronTrigger{DayOfWeek: "0", Hour: "9"},
			want:    time.Date(2025, 1, 20, 9, 0, 0, 0, time.UTC),
		},
		{
			name:    "weekend range",
			trigger: &models.CronTrigger{DayOfWeek: "sat-sun", Hour: "8"},
			want:    time.Date(2025, 1, 18, 8, 0, 0, 0, time.UTC),
		},
		{
			name:    "day and day of week both apply",
			trigger: &models.CronTrigger{Day: "1", DayOfWeek: "fri"},
			want:    time.Date(2025, 8, 1, 0, 0, 0, 0, time.UTC),
		},
		{
			name:    "year filter",
			trigger: &models.CronTrigger{Year: "2027", Month: "3"},
			want:    time.Date(2027, 3, 1, 0, 0, 0, 0, time.UTC),
		},
		{
			name:    "iso week",
			trigger: &models.CronTrigger{Week: "10"},
			want:    time.Date(2025, 3, 3, 0, 0, 0, 0, time.UTC),
		},
		{
			name:    "seconds",
			trigger: &models.CronTrigger{Second: "*/20"},
			want:    time.Date(2025, 1, 15, 10, 30, 0, 0, time.UTC),
		},
		{
			name:    "timezone",
			trigger: &models.CronTrigger{Hour: "9", Timezone: "America/New_York"},
			want:    time.Date(2025, 1, 15, 14, 0, 0, 0, time.UTC),
		},
		{
			name:    "start date",
			trigger: &models.CronTrigger{Minute: "0", StartDate: ptr(time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC))},
			want:    time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := NextFireTime(tt.trigger, nil, ref)
			require.NoError(t, err)
			require.NotNil(t, got)
			assert.True(t, got.Equal(tt.want), "got %v want %v", got, tt.want)
		})
	}
}

func TestNextFireTime_CronFromPrevious(t *testing.T) {
	trigger := &models.CronTrigger{Minute: "*/15"}
	prev := time.Date(2025, 1, 15, 10, 30, 0, 0, time.UTC)

	got, err := NextFireTime(trigger, &prev, ref)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.True(t, got.Equal(prev.Add(15*time.Minute)))
}

func TestNextFireTime_CronExhausted(t *testing.T) {
	tests := []*models.CronTrigger{
		{Year: "2020"},
		{Hour: "1", EndDate: ptr(ref.Add(time.Hour))},
	}
	for _, trigger := range tests {
		got, err := NextFireTime(trigger, nil, ref)
		require.NoError(t, err)
		assert.Nil(t, got)
	}
}

func TestNextFireTime_Invalid(t *testing.T) {
	tests := []struct {
		name    string
		trigger models.Trigger
	}{
		{"bad hour", &models.CronTrigger{Hour: "25"}},
		{"bad weekday", &models.CronTrigger{DayOfWeek: "funday"}},
		{"bad week", &models.CronTrigger{Week: "54"}},
		{"bad step", &models.CronTrigger{Year: "*/0"}},
		{"bad timezone", &models.CronTrigger{Hour: "1", Timezone: "Mars/Olympus"}},
		{"empty interval", &models.IntervalTrigger{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NextFireTime(tt.trigger, nil, ref)
			require.Error(t, err)
			assert.True(t, bgerrors.IsValidation(err))
		})
	}
}

func TestNextFireTime_File(t *testing.T) {
	got, err := NextFireTime(&models.FileTrigger{Path: "/tmp"}, nil, ref)
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestFieldSetNext(t *testing.T) {
	set, err := parseFieldSet("year", "2026,2030-2040/5", 1970, 9999, nil)
	require.NoError(t, err)

	tests := []struct {
		from int
		want int
		ok   bool
	}{
		{2020, 2026, true},
		{2026, 2026, true},
		{2027, 2030, true},
		{2031, 2035, true},
		{2041, 0, false},
	}
	for _, tt := range tests {
		got, ok := set.next(tt.from)
		assert.Equal(t, tt.ok, ok, "from %d", tt.from)
		assert.Equal(t, tt.want, got, "from %d", tt.from)
	}
	assert.True(t, set.contains(2035))
	assert.False(t, set.contains(2036))
}

func TestApplyJitter(t *testing.T) {
	assert.Equal(t, ref, applyJitter(ref, 0))
	for range 50 {
		got := applyJitter(ref, 5*time.Second)
		assert.False(t, got.Before(ref))
		assert.False(t, got.After(ref.Add(5*time.Second)))
	}
}
