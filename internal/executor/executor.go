// Package executor claims scheduled tasks and carries each one through
// compose, risk evaluation, and delivery according to its autonomy mode.
package executor

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"followline/internal/compose"
	"followline/internal/config"
	"followline/internal/deliver"
	"followline/internal/domain"
	"followline/internal/engine"
	"followline/internal/observability"
	"followline/internal/policy"
	"followline/internal/repo"
)

// Executor processes due scheduled tasks with a bounded worker pool. Each
// task is claimed before work starts, so multiple executors can share a
// store without double-sending.
type Executor struct {
	Engine  engine.Engine
	Config  *config.Config
	Channel deliver.Channel
	Log     *zap.Logger
	Now     func() time.Time
	// Sleep is passed through to the delivery retry loop; nil means real time.
	Sleep func(time.Duration)
}

func (x *Executor) now() time.Time {
	if x.Now != nil {
		return x.Now()
	}
	return time.Now()
}

// Run sweeps until the context is cancelled.
func (x *Executor) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		if _, err := x.Sweep(ctx); err != nil {
			x.Log.Error("executor sweep aborted", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Sweep claims and executes every due scheduled task, then fails held tasks
// whose approval window has lapsed. Returns the number of tasks executed.
func (x *Executor) Sweep(ctx context.Context) (int, error) {
	start := time.Now()
	defer func() {
		observability.SweepDuration.WithLabelValues("executor").Observe(time.Since(start).Seconds())
	}()

	now := x.now().UTC().Format(time.RFC3339)
	// Eligibility is gated on due_at, not scheduled_at: a task scheduled
	// ahead of its due time (e.g. via the API) waits until it is due, and a
	// task with no due time is eligible immediately.
	tasks, err := x.Engine.ListTasks(ctx, repo.TaskFilters{
		Status:    string(domain.StatusScheduled),
		DueBefore: now,
		Limit:     x.Config.BatchSize(),
	})
	if err != nil {
		return 0, err
	}

	sem := make(chan struct{}, x.Config.PoolSize())
	var wg sync.WaitGroup
	for _, t := range tasks {
		wg.Add(1)
		sem <- struct{}{}
		go func(t domain.Task) {
			defer wg.Done()
			defer func() { <-sem }()
			x.execute(ctx, t)
		}(t)
	}
	wg.Wait()

	x.expireStaleApprovals(ctx)
	return len(tasks), nil
}

// execute runs one task end to end. All outcomes, including internal errors,
// resolve to a terminal status or awaiting_approval so the task never wedges
// in in_progress.
func (x *Executor) execute(ctx context.Context, t domain.Task) {
	actor := domain.Actor{Type: domain.ActorAI, ID: "executor"}
	claimed, err := x.Engine.Claim(ctx, t.ID, actor)
	if err != nil {
		if errors.Is(err, engine.ErrClaimLost) {
			x.Log.Debug("claim lost", zap.String("task_id", t.ID))
			return
		}
		x.Log.Warn("claim failed", zap.String("task_id", t.ID), zap.Error(err))
		observability.SweepErrors.WithLabelValues("executor").Inc()
		return
	}
	t = claimed

	draft, err := compose.Message(t.Type, t.PayloadJSON)
	if err != nil {
		x.finish(ctx, t.ID, domain.StatusFailed, actor, "compose: "+err.Error())
		return
	}

	switch x.decide(t) {
	case actionDraft:
		if err := x.storeDraft(ctx, t.ID, draft); err != nil {
			x.finish(ctx, t.ID, domain.StatusFailed, actor, "store draft: "+err.Error())
			return
		}
		observability.DraftsProduced.WithLabelValues(t.Type).Inc()
		x.finish(ctx, t.ID, domain.StatusCompleted, actor, "")
	case actionHold:
		if err := x.storeDraft(ctx, t.ID, draft); err != nil {
			x.finish(ctx, t.ID, domain.StatusFailed, actor, "store draft: "+err.Error())
			return
		}
		observability.DraftsProduced.WithLabelValues(t.Type).Inc()
		x.finish(ctx, t.ID, domain.StatusAwaitingApproval, actor, "")
	case actionSend:
		res, err := deliver.SendWithRetry(ctx, x.Channel, draft, deliver.RetryOptions{
			MaxRetries: x.Config.MaxRetries(),
			BaseDelay:  x.Config.BackoffBase(),
			Sleep:      x.Sleep,
		})
		if err != nil {
			x.finish(ctx, t.ID, domain.StatusFailed, actor, err.Error())
			return
		}
		observability.MessagesSent.WithLabelValues(t.Type).Inc()
		x.Log.Info("message sent",
			zap.String("task_id", t.ID),
			zap.String("recipient", draft.Recipient),
			zap.String("delivery_id", res.ID))
		x.finish(ctx, t.ID, domain.StatusCompleted, actor, "")
	}
}

type action int

const (
	actionDraft action = iota
	actionHold
	actionSend
)

// decide applies the mode and risk rules. Suggestion never sends, autonomous
// always sends, assisted sends only low-risk or explicitly approved work.
func (x *Executor) decide(t domain.Task) action {
	switch t.Mode {
	case domain.ModeSuggestion:
		return actionDraft
	case domain.ModeAutonomous:
		return actionSend
	case domain.ModeAssisted:
		if t.Approved() {
			return actionSend
		}
		assessment := policy.Evaluate(t, policy.FromConfig(x.Config))
		if assessment.HighRisk {
			x.Log.Info("holding for approval",
				zap.String("task_id", t.ID),
				zap.String("reason", assessment.Reason))
			return actionHold
		}
		return actionSend
	default:
		return actionDraft
	}
}

func (x *Executor) storeDraft(ctx context.Context, id string, draft compose.Draft) error {
	b, err := json.Marshal(draft)
	if err != nil {
		return err
	}
	return x.Engine.SetDraft(ctx, id, string(b))
}

func (x *Executor) finish(ctx context.Context, id string, status domain.Status, actor domain.Actor, reason string) {
	if _, err := x.Engine.Transition(ctx, id, status, actor, reason); err != nil {
		x.Log.Error("finalize failed",
			zap.String("task_id", id),
			zap.String("status", string(status)),
			zap.Error(err))
		observability.SweepErrors.WithLabelValues("executor").Inc()
	}
}

// expireStaleApprovals fails tasks that have sat in awaiting_approval longer
// than the configured window, so held work cannot linger forever.
func (x *Executor) expireStaleApprovals(ctx context.Context) {
	cutoff := x.now().UTC().Add(-x.Config.ApprovalMaxAge()).Format(time.RFC3339)
	stale, err := x.Engine.ListTasks(ctx, repo.TaskFilters{
		Status:        string(domain.StatusAwaitingApproval),
		UpdatedBefore: cutoff,
		Limit:         x.Config.BatchSize(),
	})
	if err != nil {
		x.Log.Warn("approval expiry listing failed", zap.Error(err))
		observability.SweepErrors.WithLabelValues("executor").Inc()
		return
	}
	actor := domain.Actor{Type: domain.ActorSystem, ID: "executor"}
	for _, t := range stale {
		if _, err := x.Engine.Transition(ctx, t.ID, domain.StatusFailed, actor, "approval window expired"); err != nil {
			x.Log.Warn("approval expiry failed", zap.String("task_id", t.ID), zap.Error(err))
			observability.SweepErrors.WithLabelValues("executor").Inc()
		}
	}
}
