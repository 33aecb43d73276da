package engine

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"followline/internal/config"
	"followline/internal/domain"
	"followline/internal/events"
	"followline/internal/observability"
	"followline/internal/repo"
)

// Sentinel errors for the lifecycle taxonomy. Callers distinguish them with
// errors.Is.
var (
	// ErrDuplicate rejects a creation that would leave two active tasks
	// tracking the same business subject.
	ErrDuplicate = errors.New("active task already exists for subject")
	// ErrInvalidTransition rejects an edge outside the state graph.
	ErrInvalidTransition = errors.New("invalid status transition")
	// ErrTerminal rejects any status change against a finished task.
	ErrTerminal = errors.New("task is in a terminal state")
	// ErrClaimLost signals that another worker claimed the task first.
	ErrClaimLost = errors.New("task already claimed")
)

// Engine owns Task and TaskEvent records. All lifecycle mutations go through
// it; workers and the API never touch rows directly.
type Engine struct {
	DB     *sql.DB
	Repo   repo.Repo
	Events events.Writer
	Config *config.Config
	Now    func() time.Time
}

func New(db *sql.DB, cfg *config.Config) Engine {
	return Engine{
		DB:     db,
		Repo:   repo.Repo{DB: db},
		Events: events.Writer{DB: db},
		Config: cfg,
		Now:    time.Now,
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

// TaskCreateOptions are parameters for creating a task.
type TaskCreateOptions struct {
	ID             string
	Type           string
	Mode           domain.Mode
	Priority       domain.Priority
	OwnerType      string
	OwnerID        string
	SubjectRefType string
	SubjectRefID   string
	DueAt          string // RFC3339; empty means eligible immediately
	Source         string
	Payload        map[string]any
}

// CreateTask inserts a new pending task, enforcing that at most one
// non-terminal task exists per (type, subject_ref_type, subject_ref_id).
func (e Engine) CreateTask(ctx context.Context, opts TaskCreateOptions, actor domain.Actor) (domain.Task, error) {
	if opts.Type == "" {
		return domain.Task{}, errors.New("type is required")
	}
	switch opts.Mode {
	case domain.ModeSuggestion, domain.ModeAssisted, domain.ModeAutonomous:
	default:
		return domain.Task{}, fmt.Errorf("mode %q unknown", opts.Mode)
	}
	if opts.SubjectRefType == "" || opts.SubjectRefID == "" {
		return domain.Task{}, errors.New("subject reference is required")
	}
	if opts.OwnerID == "" {
		return domain.Task{}, errors.New("owner is required")
	}
	if opts.Priority == "" {
		opts.Priority = domain.PriorityMedium
	}
	if opts.DueAt != "" {
		if _, err := time.Parse(time.RFC3339, opts.DueAt); err != nil {
			return domain.Task{}, fmt.Errorf("due_at: %w", err)
		}
	}
	payloadJSON := "{}"
	if opts.Payload != nil {
		b, err := json.Marshal(opts.Payload)
		if err != nil {
			return domain.Task{}, fmt.Errorf("marshal payload: %w", err)
		}
		payloadJSON = string(b)
	}
	id := opts.ID
	if id == "" {
		id = uuid.New().String()
	}
	now := e.now().UTC().Format(time.RFC3339)
	t := domain.Task{
		ID:             id,
		Type:           opts.Type,
		Status:         domain.StatusPending,
		Priority:       opts.Priority,
		Mode:           opts.Mode,
		OwnerType:      opts.OwnerType,
		OwnerID:        opts.OwnerID,
		SubjectRefType: opts.SubjectRefType,
		SubjectRefID:   opts.SubjectRefID,
		DueAt:          optionalString(opts.DueAt),
		Source:         opts.Source,
		PayloadJSON:    payloadJSON,
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Task{}, err
	}
	defer tx.Rollback()

	exists, err := e.Repo.ActiveTaskExists(ctx, tx, t.Type, t.SubjectRefType, t.SubjectRefID)
	if err != nil {
		return domain.Task{}, err
	}
	if exists {
		return domain.Task{}, fmt.Errorf("%w: %s %s/%s", ErrDuplicate, t.Type, t.SubjectRefType, t.SubjectRefID)
	}
	if err := e.Repo.InsertTask(ctx, tx, t); err != nil {
		return domain.Task{}, err
	}
	newStatus := t.Status
	if err := e.Events.Append(ctx, tx, t.ID, domain.EventTaskCreated, nil, &newStatus, actor, events.Metadata{
		"type":    t.Type,
		"mode":    string(t.Mode),
		"subject": t.SubjectRefType + "/" + t.SubjectRefID,
	}); err != nil {
		return domain.Task{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Task{}, err
	}
	observability.TasksCreated.WithLabelValues(t.Type).Inc()
	return t, nil
}

func ensureTransition(oldStatus, newStatus domain.Status) error {
	if oldStatus.Terminal() {
		return fmt.Errorf("%w (%s)", ErrTerminal, oldStatus)
	}
	switch oldStatus {
	case domain.StatusPending:
		if newStatus == domain.StatusScheduled || newStatus == domain.StatusCancelled {
			return nil
		}
	case domain.StatusScheduled:
		if newStatus == domain.StatusInProgress || newStatus == domain.StatusCancelled {
			return nil
		}
	case domain.StatusInProgress:
		switch newStatus {
		case domain.StatusCompleted, domain.StatusFailed, domain.StatusAwaitingApproval, domain.StatusCancelled:
			return nil
		}
	case domain.StatusAwaitingApproval:
		switch newStatus {
		case domain.StatusScheduled, domain.StatusFailed, domain.StatusCancelled:
			return nil
		}
	}
	return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, oldStatus, newStatus)
}

// Transition moves a task along one edge of the state graph, stamping
// lifecycle timestamps and appending exactly one audit event.
func (e Engine) Transition(ctx context.Context, id string, newStatus domain.Status, actor domain.Actor, transitionErr string) (domain.Task, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Task{}, err
	}
	defer tx.Rollback()

	t, err := e.Repo.GetTaskTx(ctx, tx, id)
	if err != nil {
		return t, err
	}
	if err := ensureTransition(t.Status, newStatus); err != nil {
		return t, err
	}
	oldStatus := t.Status
	now := e.now().UTC().Format(time.RFC3339)
	t.Status = newStatus
	t.UpdatedAt = now
	switch newStatus {
	case domain.StatusScheduled:
		if t.ScheduledAt == nil {
			t.ScheduledAt = &now
		}
	case domain.StatusCompleted:
		t.CompletedAt = &now
		t.LastError = nil
	case domain.StatusFailed:
		t.FailedAt = &now
		if transitionErr != "" {
			t.LastError = &transitionErr
		}
	}
	if err := e.Repo.UpdateTask(ctx, tx, t); err != nil {
		return t, err
	}
	metadata := events.Metadata{}
	if transitionErr != "" {
		metadata["error"] = transitionErr
	}
	if err := e.Events.Append(ctx, tx, t.ID, domain.EventTaskStatusChanged, &oldStatus, &newStatus, actor, metadata); err != nil {
		return t, err
	}
	if err := tx.Commit(); err != nil {
		return t, err
	}
	observability.TaskTransitions.WithLabelValues(string(newStatus)).Inc()
	return t, nil
}

// Claim atomically takes ownership of a scheduled task. Exactly one claimant
// succeeds; losers get ErrClaimLost and must skip the task this sweep.
func (e Engine) Claim(ctx context.Context, id string, actor domain.Actor) (domain.Task, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Task{}, err
	}
	defer tx.Rollback()

	now := e.now().UTC().Format(time.RFC3339)
	claimed, err := e.Repo.ClaimTask(ctx, tx, id, now)
	if err != nil {
		return domain.Task{}, err
	}
	if !claimed {
		t, err := e.Repo.GetTaskTx(ctx, tx, id)
		if err != nil {
			return domain.Task{}, err
		}
		return t, fmt.Errorf("%w: status is %s", ErrClaimLost, t.Status)
	}
	t, err := e.Repo.GetTaskTx(ctx, tx, id)
	if err != nil {
		return t, err
	}
	oldStatus := domain.StatusScheduled
	newStatus := domain.StatusInProgress
	if err := e.Events.Append(ctx, tx, t.ID, domain.EventTaskStatusChanged, &oldStatus, &newStatus, actor, nil); err != nil {
		return t, err
	}
	if err := tx.Commit(); err != nil {
		return t, err
	}
	observability.TaskTransitions.WithLabelValues(string(newStatus)).Inc()
	return t, nil
}

// Approve releases a held task for sending: awaiting_approval -> scheduled,
// recording who approved. The next executor claim sees the approval and
// delivers.
func (e Engine) Approve(ctx context.Context, id string, actor domain.Actor) (domain.Task, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Task{}, err
	}
	defer tx.Rollback()

	t, err := e.Repo.GetTaskTx(ctx, tx, id)
	if err != nil {
		return t, err
	}
	if err := ensureTransition(t.Status, domain.StatusScheduled); err != nil {
		return t, err
	}
	oldStatus := t.Status
	now := e.now().UTC().Format(time.RFC3339)
	t.Status = domain.StatusScheduled
	t.ApprovedAt = &now
	t.ApprovedBy = &actor.ID
	t.UpdatedAt = now
	if err := e.Repo.UpdateTask(ctx, tx, t); err != nil {
		return t, err
	}
	newStatus := t.Status
	if err := e.Events.Append(ctx, tx, t.ID, domain.EventTaskStatusChanged, &oldStatus, &newStatus, actor, events.Metadata{"approved": true}); err != nil {
		return t, err
	}
	if err := tx.Commit(); err != nil {
		return t, err
	}
	observability.TaskTransitions.WithLabelValues(string(newStatus)).Inc()
	return t, nil
}

// Cancel moves any non-terminal task to cancelled.
func (e Engine) Cancel(ctx context.Context, id string, actor domain.Actor, reason string) (domain.Task, error) {
	return e.Transition(ctx, id, domain.StatusCancelled, actor, reason)
}

// SetDraft persists composer output on a claimed task for later human
// review. Not a status change, so no audit event is written.
func (e Engine) SetDraft(ctx context.Context, id, draftJSON string) error {
	now := e.now().UTC().Format(time.RFC3339)
	res, err := e.DB.ExecContext(ctx, `UPDATE tasks SET draft_json=?, updated_at=? WHERE id=?`, draftJSON, now, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return repo.ErrNotFound
	}
	return nil
}

// ListTasks is a read-only projection with no side effects.
func (e Engine) ListTasks(ctx context.Context, f repo.TaskFilters) ([]domain.Task, error) {
	return e.Repo.ListTasks(ctx, f)
}

// GetTask fetches one task by id.
func (e Engine) GetTask(ctx context.Context, id string) (domain.Task, error) {
	return e.Repo.GetTask(ctx, id)
}

func optionalString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
