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

package queue_test

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/beer-garden/beergarden/internal/models"
	"github.com/beer-garden/beergarden/internal/queue"
	"github.com/beer-garden/beergarden/internal/queue/memory"
	bgerrors "github.com/beer-garden/beergarden/pkg/errors"
)

type recordingCanceler struct {
	mu       sync.Mutex
	canceled []string
	fail     map[string]bool
}

func (c *recordingCanceler) Cancel(_ context.Context, id string) (*models.Request, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.fail[id] {
		return nil, errors.New("boom")
	}
	c.canceled = append(c.canceled, id)
	return &models.Request{ID: id, Status: models.StatusCanceled}, nil
}

func echoSystem() (*models.System, *models.Instance) {
	inst := &models.Instance{Name: "default"}
	return &models.System{Namespace: "ns", Name: "echo", Version: "1.0.0", Instances: []*models.Instance{inst}}, inst
}

func echoRequest(id string) *models.Request {
	req := models.NewRequest(models.RequestTemplate{
		Namespace: "ns", System: "echo", SystemVersion: "1.0.0", InstanceName: "default", Command: "say",
	})
	req.ID = id
	return req
}

func TestManager_CreateAndPublish(t *testing.T) {
	ctx := context.Background()
	broker := memory.New()
	defer broker.Close()
	m := queue.NewManager(broker)

	sys, inst := echoSystem()
	info, err := m.CreateInstanceQueues(ctx, sys, inst)
	require.NoError(t, err)
	assert.Equal(t, "ns.echo.1-0-0.default", info.RequestQueue)
	assert.True(t, queue.IsAdminQueue(info.AdminQueue))
	assert.Equal(t, "memory://", info.URL)

	require.NoError(t, m.PublishRequest(ctx, echoRequest("r1"), queue.PublishOptions{Headers: map[string]string{"x": "y"}}))

	n, err := m.Size(ctx, info.RequestQueue)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	msg, err := broker.Get(ctx, info.RequestQueue)
	require.NoError(t, err)
	require.NotNil(t, msg)
	assert.Equal(t, "r1", msg.Headers[queue.RequestIDHeader])
	assert.Equal(t, "y", msg.Headers["x"])
	var decoded models.Request
	require.NoError(t, json.Unmarshal(msg.Body, &decoded))
	assert.Equal(t, "say", decoded.Command)

	// Admin broadcast at namespace level reaches the admin queue only.
	require.NoError(t, m.PublishAdmin(ctx, queue.AdminKeyPrefix("ns", "", "", ""), []byte("stop")))
	n, err = m.Size(ctx, info.AdminQueue)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	n, err = m.Size(ctx, info.RequestQueue)
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	require.NoError(t, m.PublishRequest(ctx, echoRequest("r2"), queue.PublishOptions{Admin: true}))
	n, err = m.Size(ctx, info.AdminQueue)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestManager_PublishUnroutable(t *testing.T) {
	broker := memory.New()
	defer broker.Close()
	m := queue.NewManager(broker)

	err := m.PublishRequest(context.Background(), echoRequest("r1"), queue.PublishOptions{})
	var pubErr *bgerrors.PublishError
	require.ErrorAs(t, err, &pubErr)
	assert.Equal(t, "ns.echo.1-0-0.default", pubErr.RoutingKey)
	assert.Equal(t, "unroutable", pubErr.Reason)
	assert.ErrorIs(t, err, queue.ErrUnroutable)
}

func TestManager_ClearCancelsRequests(t *testing.T) {
	ctx := context.Background()
	broker := memory.New()
	defer broker.Close()
	canceler := &recordingCanceler{fail: map[string]bool{"bad": true}}
	m := queue.NewManager(broker, queue.WithCanceler(canceler))

	sys, inst := echoSystem()
	info, err := m.CreateInstanceQueues(ctx, sys, inst)
	require.NoError(t, err)

	for _, id := range []string{"a", "bad", "b"} {
		require.NoError(t, m.PublishRequest(ctx, echoRequest(id), queue.PublishOptions{}))
	}
	require.NoError(t, broker.Publish(ctx, queue.Message{RoutingKey: info.RequestQueue, Body: []byte("not json")}))

	require.NoError(t, m.Clear(ctx, info.RequestQueue))
	assert.Equal(t, []string{"a", "b"}, canceler.canceled)

	n, err := m.Size(ctx, info.RequestQueue)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestManager_Destroy(t *testing.T) {
	ctx := context.Background()
	broker := memory.New()
	defer broker.Close()
	canceler := &recordingCanceler{}
	m := queue.NewManager(broker)
	m.SetCanceler(canceler)

	sys, inst := echoSystem()
	info, err := m.CreateInstanceQueues(ctx, sys, inst)
	require.NoError(t, err)
	require.NoError(t, m.PublishRequest(ctx, echoRequest("r1"), queue.PublishOptions{}))

	consumeCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	deliveries, err := broker.Consume(consumeCtx, info.AdminQueue)
	require.NoError(t, err)

	require.NoError(t, m.Destroy(ctx, info.RequestQueue, true, true))
	assert.Equal(t, []string{"r1"}, canceler.canceled)
	_, err = m.Size(ctx, info.RequestQueue)
	assert.True(t, bgerrors.IsNotFound(err))

	require.NoError(t, m.Destroy(ctx, info.AdminQueue, true, false))
	select {
	case _, ok := <-deliveries:
		assert.False(t, ok, "consumer channel should close")
	case <-time.After(2 * time.Second):
		t.Fatal("consumer was not disconnected")
	}

	// Already gone.
	assert.NoError(t, m.Destroy(ctx, info.RequestQueue, false, false))
}

func TestManager_ApplyAdminExpiryPolicy(t *testing.T) {
	broker := memory.New()
	defer broker.Close()
	m := queue.NewManager(broker)

	require.NoError(t, m.ApplyAdminExpiryPolicy(context.Background(), time.Hour))
	require.NoError(t, m.ApplyAdminExpiryPolicy(context.Background(), 0))
}
