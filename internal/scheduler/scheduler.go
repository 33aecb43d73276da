// Package scheduler promotes due pending tasks to scheduled. It performs no
// business logic beyond time comparison and is restart-safe: tasks missed by
// a crashed sweep are picked up by the next one.
package scheduler

import (
	"context"
	"time"

	"go.uber.org/zap"

	"followline/internal/domain"
	"followline/internal/engine"
	"followline/internal/observability"
	"followline/internal/repo"
)

type Scheduler struct {
	Engine    engine.Engine
	Log       *zap.Logger
	BatchSize int
	Now       func() time.Time
}

func (s *Scheduler) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

// Run sweeps until the context is cancelled.
func (s *Scheduler) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		if _, err := s.Sweep(ctx); err != nil {
			s.Log.Error("scheduler sweep aborted", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Sweep promotes every pending task whose due time has arrived. Individual
// transition failures (races with cancellation or another sweep) are logged
// and skipped; only a store-level listing failure aborts the sweep.
func (s *Scheduler) Sweep(ctx context.Context) (int, error) {
	start := time.Now()
	defer func() {
		observability.SweepDuration.WithLabelValues("scheduler").Observe(time.Since(start).Seconds())
	}()

	now := s.now().UTC().Format(time.RFC3339)
	tasks, err := s.Engine.ListTasks(ctx, repo.TaskFilters{
		Status:    string(domain.StatusPending),
		DueBefore: now,
		Limit:     s.batch(),
	})
	if err != nil {
		return 0, err
	}
	promoted := 0
	actor := domain.Actor{Type: domain.ActorSystem, ID: "scheduler"}
	for _, t := range tasks {
		if _, err := s.Engine.Transition(ctx, t.ID, domain.StatusScheduled, actor, ""); err != nil {
			s.Log.Warn("promotion skipped", zap.String("task_id", t.ID), zap.Error(err))
			observability.SweepErrors.WithLabelValues("scheduler").Inc()
			continue
		}
		promoted++
	}
	return promoted, nil
}

func (s *Scheduler) batch() int {
	if s.BatchSize > 0 {
		return s.BatchSize
	}
	return 100
}
