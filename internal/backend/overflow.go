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

package backend

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/beer-garden/beergarden/internal/blob"
	"github.com/beer-garden/beergarden/internal/models"
)

// OverflowBackend moves request output and parameters larger than a
// threshold into a blob store and re-inlines them on read.
type OverflowBackend struct {
	Backend
	blobs     blob.Store
	threshold int
	logger    *slog.Logger
}

// WithOverflow wraps b. A non-positive threshold disables overflow and
// returns b unchanged.
func WithOverflow(b Backend, blobs blob.Store, threshold int) Backend {
	if threshold <= 0 || blobs == nil {
		return b
	}
	return &OverflowBackend{
		Backend:   b,
		blobs:     blobs,
		threshold: threshold,
		logger:    slog.Default().With(slog.String("component", "overflow")),
	}
}

// CreateRequest spills oversized fields before inserting.
func (o *OverflowBackend) CreateRequest(ctx context.Context, req *models.Request) error {
	stored := req.Clone()
	if err := o.spill(ctx, stored); err != nil {
		return err
	}
	if err := o.Backend.CreateRequest(ctx, stored); err != nil {
		o.release(ctx, stored.OutputRef, stored.ParametersRef)
		return err
	}
	req.ID = stored.ID
	req.CreatedAt, req.UpdatedAt = stored.CreatedAt, stored.UpdatedAt
	return nil
}

// UpdateRequest spills oversized fields and frees replaced blobs.
func (o *OverflowBackend) UpdateRequest(ctx context.Context, req *models.Request) error {
	return o.update(ctx, req, func(stored *models.Request) error {
		return o.Backend.UpdateRequest(ctx, stored)
	})
}

// UpdateRequestIfStatus spills oversized fields and frees replaced blobs.
func (o *OverflowBackend) UpdateRequestIfStatus(ctx context.Context, req *models.Request, expected models.RequestStatus) error {
	return o.update(ctx, req, func(stored *models.Request) error {
		return o.Backend.UpdateRequestIfStatus(ctx, stored, expected)
	})
}

func (o *OverflowBackend) update(ctx context.Context, req *models.Request, write func(*models.Request) error) error {
	previous, err := o.Backend.GetRequest(ctx, req.ID)
	if err != nil {
		return err
	}
	stored := req.Clone()
	stored.Children = nil
	stored.OutputRef, stored.ParametersRef = "", ""
	if err := o.spill(ctx, stored); err != nil {
		return err
	}
	if err := write(stored); err != nil {
		o.release(ctx, stored.OutputRef, stored.ParametersRef)
		return err
	}
	o.release(ctx, previous.OutputRef, previous.ParametersRef)
	req.UpdatedAt = stored.UpdatedAt
	return nil
}

// GetRequest re-inlines spilled fields.
func (o *OverflowBackend) GetRequest(ctx context.Context, id string) (*models.Request, error) {
	req, err := o.Backend.GetRequest(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := o.inline(ctx, req); err != nil {
		return nil, err
	}
	for _, child := range req.Children {
		if err := o.inline(ctx, child); err != nil {
			return nil, err
		}
	}
	return req, nil
}

// ListRequests re-inlines spilled fields on every result.
func (o *OverflowBackend) ListRequests(ctx context.Context, filter RequestFilter) ([]*models.Request, int, error) {
	items, total, err := o.Backend.ListRequests(ctx, filter)
	if err != nil {
		return nil, 0, err
	}
	for _, req := range items {
		if err := o.inline(ctx, req); err != nil {
			return nil, 0, err
		}
	}
	return items, total, nil
}

// DeleteRequest removes the request tree and then its blobs.
func (o *OverflowBackend) DeleteRequest(ctx context.Context, id string) error {
	refs, err := o.treeRefs(ctx, id)
	if err != nil {
		return err
	}
	if err := o.Backend.DeleteRequest(ctx, id); err != nil {
		return err
	}
	o.release(ctx, refs...)
	return nil
}

func (o *OverflowBackend) treeRefs(ctx context.Context, id string) ([]string, error) {
	req, err := o.Backend.GetRequest(ctx, id)
	if err != nil {
		return nil, err
	}
	refs := []string{req.OutputRef, req.ParametersRef}
	for _, child := range req.Children {
		childRefs, err := o.treeRefs(ctx, child.ID)
		if err != nil {
			return nil, err
		}
		refs = append(refs, childRefs...)
	}
	return refs, nil
}

func (o *OverflowBackend) spill(ctx context.Context, req *models.Request) error {
	if len(req.Output) > o.threshold {
		ref, err := o.blobs.Put(ctx, []byte(req.Output))
		if err != nil {
			return fmt.Errorf("spill output of request %s: %w", req.ID, err)
		}
		req.OutputRef = ref
		req.Output = ""
	}

	if req.Parameters != nil {
		data, err := json.Marshal(req.Parameters)
		if err != nil {
			return fmt.Errorf("encode parameters of request %s: %w", req.ID, err)
		}
		if len(data) > o.threshold {
			ref, err := o.blobs.Put(ctx, data)
			if err != nil {
				return fmt.Errorf("spill parameters of request %s: %w", req.ID, err)
			}
			req.ParametersRef = ref
			req.Parameters = nil
		}
	}
	return nil
}

func (o *OverflowBackend) inline(ctx context.Context, req *models.Request) error {
	if req.OutputRef != "" {
		data, err := o.blobs.Get(ctx, req.OutputRef)
		if err != nil {
			return fmt.Errorf("load output of request %s: %w", req.ID, err)
		}
		req.Output = string(data)
		req.OutputRef = ""
	}
	if req.ParametersRef != "" {
		data, err := o.blobs.Get(ctx, req.ParametersRef)
		if err != nil {
			return fmt.Errorf("load parameters of request %s: %w", req.ID, err)
		}
		var params map[string]any
		if err := json.Unmarshal(data, &params); err != nil {
			return fmt.Errorf("decode parameters of request %s: %w", req.ID, err)
		}
		req.Parameters = params
		req.ParametersRef = ""
	}
	return nil
}

func (o *OverflowBackend) release(ctx context.Context, refs ...string) {
	for _, ref := range refs {
		if ref == "" {
			continue
		}
		if err := o.blobs.Delete(ctx, ref); err != nil {
			o.logger.Warn("failed to delete blob", slog.String("ref", ref), slog.Any("error", err))
		}
	}
}
