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

package registry

import (
	"context"
	"fmt"
	"log/slog"
	"slices"

	"github.com/beer-garden/beergarden/internal/backend"
	"github.com/beer-garden/beergarden/internal/models"
	bgerrors "github.com/beer-garden/beergarden/pkg/errors"
)

// EnsureLocalGarden creates the LOCAL garden record on first start.
func (s *Service) EnsureLocalGarden(ctx context.Context) (*models.Garden, error) {
	g, err := s.store.GetGarden(ctx, s.cfg.Garden)
	if err == nil {
		return g, nil
	}
	if !bgerrors.IsNotFound(err) {
		return nil, err
	}

	g = &models.Garden{Name: s.cfg.Garden, ConnectionType: models.ConnectionLocal, Status: "RUNNING"}
	if err := s.store.CreateGarden(ctx, g); err != nil && !bgerrors.IsConflict(err) {
		return nil, fmt.Errorf("create local garden: %w", err)
	}
	s.logger.Info("created local garden", slog.String("garden", g.Name))
	return g, nil
}

// Garden returns a garden with its systems and namespaces filled in.
func (s *Service) Garden(ctx context.Context, name string) (*models.Garden, error) {
	g, err := s.store.GetGarden(ctx, name)
	if err != nil {
		return nil, err
	}
	if err := s.populate(ctx, g); err != nil {
		return nil, err
	}
	return g, nil
}

// Gardens lists the gardens matching q with their systems filled in.
func (s *Service) Gardens(ctx context.Context, q backend.Query) ([]*models.Garden, error) {
	gardens, err := s.store.ListGardens(ctx, q)
	if err != nil {
		return nil, err
	}
	for _, g := range gardens {
		if err := s.populate(ctx, g); err != nil {
			return nil, err
		}
	}
	return gardens, nil
}

func (s *Service) populate(ctx context.Context, g *models.Garden) error {
	systems, err := s.store.ListSystems(ctx, backend.Eq("garden", g.Name))
	if err != nil {
		return err
	}
	g.Systems = systems
	g.Namespaces = g.Namespaces[:0]
	for _, sys := range systems {
		if !slices.Contains(g.Namespaces, sys.Namespace) {
			g.Namespaces = append(g.Namespaces, sys.Namespace)
		}
	}
	slices.Sort(g.Namespaces)
	return nil
}
