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

package events

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/beer-garden/beergarden/internal/models"
)

func TestBus_ListenersAndSubscribers(t *testing.T) {
	bus := NewBus("local", nil)

	var seen []string
	bus.On(func(_ context.Context, e *models.Event) error {
		seen = append(seen, e.Name)
		return errors.New("ignored")
	})
	sub := bus.Subscribe(1)
	defer sub.Close()

	bus.Publish(context.Background(), &models.Event{Name: models.EventRequestCreated})
	bus.Publish(context.Background(), &models.Event{Name: models.EventRequestCompleted})

	assert.Equal(t, []string{models.EventRequestCreated, models.EventRequestCompleted}, seen)

	e := <-sub.C
	assert.Equal(t, models.EventRequestCreated, e.Name)
	assert.Equal(t, "local", e.Garden)
	assert.False(t, e.Timestamp.IsZero())

	// The second event overflowed the buffer.
	select {
	case e := <-sub.C:
		t.Fatalf("unexpected event %s", e.Name)
	default:
	}
}

func TestSubscription_Close(t *testing.T) {
	bus := NewBus("local", nil)
	sub := bus.Subscribe(4)
	sub.Close()
	sub.Close()

	_, ok := <-sub.C
	require.False(t, ok)

	bus.Publish(context.Background(), &models.Event{Name: "x"})
	assert.Empty(t, bus.subs)
}
