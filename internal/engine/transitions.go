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

package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/beer-garden/beergarden/internal/log"
	"github.com/beer-garden/beergarden/internal/models"
	bgerrors "github.com/beer-garden/beergarden/pkg/errors"
)

type transition struct {
	from, to models.RequestStatus
}

// transitions lists every legal status change. Terminal states have no
// outgoing edges.
var transitions = map[transition]bool{
	{models.StatusCreated, models.StatusInProgress}:  true,
	{models.StatusCreated, models.StatusSuccess}:     true,
	{models.StatusCreated, models.StatusError}:       true,
	{models.StatusCreated, models.StatusCanceled}:    true,
	{models.StatusInProgress, models.StatusSuccess}:  true,
	{models.StatusInProgress, models.StatusError}:    true,
	{models.StatusInProgress, models.StatusCanceled}: true,
}

// CanTransition reports whether a request may move from one status to
// another.
func CanTransition(from, to models.RequestStatus) bool {
	return transitions[transition{from, to}]
}

// maxTransitionAttempts bounds retries when a concurrent writer changes the
// status between our read and our conditional write.
const maxTransitionAttempts = 3

// Start moves a CREATED request to IN_PROGRESS.
func (e *Engine) Start(ctx context.Context, id string) (*models.Request, error) {
	req, err := e.transition(ctx, id, models.StatusInProgress, nil)
	if err != nil {
		return nil, err
	}
	e.emit(ctx, models.EventRequestStarted, req)
	return req, nil
}

// Complete moves a request to a terminal status and releases anyone
// waiting on it.
func (e *Engine) Complete(ctx context.Context, id string, status models.RequestStatus, output, errorClass string) (*models.Request, error) {
	if !status.IsCompleted() {
		return nil, &bgerrors.ValidationError{Field: "status", Message: fmt.Sprintf("%s is not a completed status", status)}
	}
	req, err := e.transition(ctx, id, status, func(r *models.Request) {
		r.Output = output
		r.ErrorClass = errorClass
	})
	if err != nil {
		return nil, err
	}
	e.finish(ctx, req)
	return req, nil
}

// Cancel moves any request that has not completed to CANCELED.
func (e *Engine) Cancel(ctx context.Context, id string) (*models.Request, error) {
	req, err := e.transition(ctx, id, models.StatusCanceled, nil)
	if err != nil {
		return nil, err
	}
	e.finish(ctx, req)
	return req, nil
}

func (e *Engine) finish(ctx context.Context, req *models.Request) {
	requestsCompleted.WithLabelValues(string(req.Status)).Inc()
	e.waiters.fire(req)

	name := models.EventRequestCompleted
	if req.Status == models.StatusCanceled {
		name = models.EventRequestCanceled
	}
	log.WithRequestContext(e.logger, req.ID, req.Namespace, req.System, req.InstanceName, req.Command).
		Debug("request completed", "status", req.Status)
	e.emit(ctx, name, req)
}

func (e *Engine) transition(ctx context.Context, id string, to models.RequestStatus, mutate func(*models.Request)) (*models.Request, error) {
	for attempt := 0; attempt < maxTransitionAttempts; attempt++ {
		req, err := e.store.GetRequest(ctx, id)
		if err != nil {
			return nil, err
		}
		from := req.Status
		if !CanTransition(from, to) {
			return nil, &bgerrors.StatusTransitionError{ID: id, From: string(from), To: string(to)}
		}

		req.Status = to
		req.Children = nil
		if mutate != nil {
			mutate(req)
		}
		err = e.store.UpdateRequestIfStatus(ctx, req, from)
		if err == nil {
			return req, nil
		}
		if !bgerrors.IsConflict(err) {
			return nil, err
		}
	}
	return nil, &bgerrors.ConflictError{Resource: "request", ID: id, Message: "status changed concurrently"}
}

// Patch applies replace operations on /status, /output and /error_class.
// A status of IN_PROGRESS starts the request; a completed status completes
// it with the output and error class given alongside. Output or error
// class alone update a request that is in progress.
func (e *Engine) Patch(ctx context.Context, id string, ops []models.PatchOperation) (*models.Request, error) {
	var (
		status              models.RequestStatus
		output, errorClass  string
		hasOutput, hasClass bool
	)
	for _, op := range ops {
		if op.Operation != models.PatchReplace {
			return nil, &bgerrors.ValidationError{Field: "operation", Message: fmt.Sprintf("unsupported operation %q", op.Operation)}
		}
		switch op.Path {
		case "/status":
			s, ok := op.Value.(string)
			if !ok || !models.RequestStatus(s).Valid() {
				return nil, &bgerrors.ValidationError{Field: "status", Message: fmt.Sprintf("invalid status %v", op.Value)}
			}
			status = models.RequestStatus(s)
		case "/output":
			output, hasOutput = stringify(op.Value), true
		case "/error_class":
			errorClass, hasClass = stringify(op.Value), true
		default:
			return nil, &bgerrors.ValidationError{Field: "path", Message: fmt.Sprintf("unsupported path %q", op.Path)}
		}
	}

	switch {
	case status == models.StatusInProgress:
		return e.Start(ctx, id)
	case status.IsCompleted():
		return e.Complete(ctx, id, status, output, errorClass)
	case status != "":
		return nil, &bgerrors.ValidationError{Field: "status", Message: fmt.Sprintf("cannot set status to %s", status)}
	case hasOutput || hasClass:
		req, err := e.transitionSame(ctx, id, func(r *models.Request) {
			if hasOutput {
				r.Output = output
			}
			if hasClass {
				r.ErrorClass = errorClass
			}
		})
		if err != nil {
			return nil, err
		}
		e.emit(ctx, models.EventRequestUpdated, req)
		return req, nil
	}
	return nil, &bgerrors.ValidationError{Field: "operations", Message: "no operations given"}
}

// transitionSame updates an IN_PROGRESS request without changing status.
func (e *Engine) transitionSame(ctx context.Context, id string, mutate func(*models.Request)) (*models.Request, error) {
	req, err := e.store.GetRequest(ctx, id)
	if err != nil {
		return nil, err
	}
	if req.Status != models.StatusInProgress {
		return nil, &bgerrors.StatusTransitionError{ID: id, From: string(req.Status), To: string(req.Status)}
	}
	req.Children = nil
	mutate(req)
	if err := e.store.UpdateRequestIfStatus(ctx, req, models.StatusInProgress); err != nil {
		return nil, err
	}
	return req, nil
}

func stringify(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	}
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprint(v)
	}
	return string(data)
}

// waiters maps request ids to single-shot completion channels.
type waiters struct {
	mu sync.Mutex
	m  map[string]chan *models.Request
}

func newWaiters() *waiters {
	return &waiters{m: make(map[string]chan *models.Request)}
}

func (w *waiters) register(id string) <-chan *models.Request {
	ch := make(chan *models.Request, 1)
	w.mu.Lock()
	w.m[id] = ch
	w.mu.Unlock()
	return ch
}

func (w *waiters) drop(id string) {
	w.mu.Lock()
	delete(w.m, id)
	w.mu.Unlock()
}

func (w *waiters) fire(req *models.Request) {
	w.mu.Lock()
	ch, ok := w.m[req.ID]
	delete(w.m, req.ID)
	w.mu.Unlock()
	if ok {
		ch <- req.Clone()
		close(ch)
	}
}

func (w *waiters) len() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.m)
}
