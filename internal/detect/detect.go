// Package detect turns external business conditions into task-creation
// requests. Detectors are producers only: they never mutate task state.
package detect

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"followline/internal/config"
	"followline/internal/domain"
	"followline/internal/engine"
	"followline/internal/observability"
)

// Candidate is one task-creation request found by a detector.
type Candidate struct {
	Type           string
	SubjectRefType string
	SubjectRefID   string
	Priority       domain.Priority
	DueAt          string
	Payload        map[string]any
}

// Detector scans an external system of record for one business signal.
type Detector interface {
	// Type is the task type this detector produces, also used as its id.
	Type() string
	// Fetch returns the candidates currently triggering.
	Fetch(ctx context.Context) ([]Candidate, error)
}

// Registry holds the configured detectors. New detectors plug in here
// without touching the engine.
type Registry struct {
	detectors []Detector
}

func (r *Registry) Register(d Detector) {
	r.detectors = append(r.detectors, d)
}

func (r *Registry) All() []Detector {
	return r.detectors
}

// Runner sweeps every registered detector on an interval and submits
// creations. Duplicate rejections mean "already being handled" and are
// skipped quietly.
type Runner struct {
	Engine   engine.Engine
	Registry *Registry
	Config   *config.Config
	Log      *zap.Logger
}

// Run sweeps until the context is cancelled.
func (r *Runner) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		r.Sweep(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Sweep runs each detector once. A failing detector never aborts the others.
func (r *Runner) Sweep(ctx context.Context) {
	start := time.Now()
	defer func() {
		observability.SweepDuration.WithLabelValues("detector").Observe(time.Since(start).Seconds())
	}()
	for _, d := range r.Registry.All() {
		candidates, err := d.Fetch(ctx)
		if err != nil {
			r.Log.Warn("detector fetch failed", zap.String("detector", d.Type()), zap.Error(err))
			observability.SweepErrors.WithLabelValues("detector").Inc()
			continue
		}
		for _, c := range candidates {
			r.submit(ctx, d.Type(), c)
		}
	}
}

func (r *Runner) submit(ctx context.Context, detectorType string, c Candidate) {
	actor := domain.Actor{Type: domain.ActorAI, ID: detectorType}
	_, err := r.Engine.CreateTask(ctx, engine.TaskCreateOptions{
		Type:           c.Type,
		Mode:           r.Config.ModeFor(c.Type),
		Priority:       c.Priority,
		OwnerType:      string(domain.ActorAI),
		OwnerID:        detectorType,
		SubjectRefType: c.SubjectRefType,
		SubjectRefID:   c.SubjectRefID,
		DueAt:          c.DueAt,
		Source:         detectorType,
		Payload:        c.Payload,
	}, actor)
	if err != nil {
		if errors.Is(err, engine.ErrDuplicate) {
			r.Log.Debug("subject already handled",
				zap.String("detector", detectorType),
				zap.String("subject", c.SubjectRefType+"/"+c.SubjectRefID))
			return
		}
		r.Log.Warn("task creation failed", zap.String("detector", detectorType), zap.Error(err))
		observability.SweepErrors.WithLabelValues("detector").Inc()
	}
}
