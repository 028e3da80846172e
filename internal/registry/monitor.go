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
	"log/slog"
	"time"

	"github.com/beer-garden/beergarden/internal/backend"
	"github.com/beer-garden/beergarden/internal/log"
	"github.com/beer-garden/beergarden/internal/models"
)

// RunMonitor marks RUNNING instances whose heartbeat is older than the
// heartbeat timeout as UNRESPONSIVE, checking every interval until ctx is
// done.
func (s *Service) RunMonitor(ctx context.Context, interval time.Duration) {
	if s.cfg.HeartbeatTimeout <= 0 {
		return
	}
	if interval <= 0 {
		interval = s.cfg.HeartbeatTimeout / 4
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.CheckHeartbeats(ctx); err != nil {
				s.logger.Warn("heartbeat check failed", log.Error(err))
			}
		}
	}
}

// CheckHeartbeats runs one heartbeat sweep over local systems and returns
// the instances it marked UNRESPONSIVE.
func (s *Service) CheckHeartbeats(ctx context.Context) ([]*models.Instance, error) {
	systems, err := s.store.ListSystems(ctx, backend.Eq("garden", s.cfg.Garden))
	if err != nil {
		return nil, err
	}
	cutoff := s.now().Add(-s.cfg.HeartbeatTimeout)

	var stale []*models.Instance
	for _, sys := range systems {
		for _, inst := range sys.Instances {
			hb := inst.StatusInfo.Heartbeat
			if inst.Status != models.InstanceRunning || hb == nil || !hb.Before(cutoff) {
				continue
			}
			inst.Status = models.InstanceUnresponsive
			if err := s.store.UpdateInstance(ctx, inst); err != nil {
				s.logger.Warn("failed to mark instance unresponsive",
					slog.String(log.SystemKey, sys.Key()), slog.String(log.InstanceKey, inst.Name), log.Error(err))
				continue
			}
			instanceTransitions.WithLabelValues(string(models.InstanceUnresponsive)).Inc()
			s.logger.Warn("instance stopped sending heartbeats",
				slog.String(log.SystemKey, sys.Key()),
				slog.String(log.InstanceKey, inst.Name),
				slog.Time("last_heartbeat", *hb))
			s.emit(ctx, models.EventInstanceUpdated, inst)
			stale = append(stale, inst)
		}
	}
	return stale, nil
}
