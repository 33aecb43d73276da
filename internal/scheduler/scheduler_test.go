package scheduler_test

import (
	"context"
	"testing"
	"time"

	"go.uber.org/zap"

	"followline/internal/config"
	"followline/internal/db"
	"followline/internal/domain"
	"followline/internal/engine"
	"followline/internal/migrate"
	"followline/internal/repo"
	"followline/internal/scheduler"
)

var baseTime = time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)

func newScheduler(t *testing.T) (*scheduler.Scheduler, engine.Engine) {
	t.Helper()
	dir := t.TempDir()
	if _, err := db.EnsureWorkspace(dir); err != nil {
		t.Fatal(err)
	}
	conn, err := db.Open(db.Config{Workspace: dir})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatal(err)
	}
	eng := engine.New(conn, config.Default())
	s := &scheduler.Scheduler{
		Engine: eng,
		Log:    zap.NewNop(),
		Now:    func() time.Time { return baseTime },
	}
	return s, eng
}

func createPending(t *testing.T, eng engine.Engine, id string, dueAt time.Time) {
	t.Helper()
	actor := domain.Actor{Type: domain.ActorHuman, ID: "tester"}
	_, err := eng.CreateTask(context.Background(), engine.TaskCreateOptions{
		ID:             id,
		Type:           domain.TypeInvoiceFollowUp,
		Mode:           domain.ModeSuggestion,
		OwnerID:        "tester",
		SubjectRefType: "invoice",
		SubjectRefID:   id,
		DueAt:          dueAt.UTC().Format(time.RFC3339),
		Source:         "test",
		Payload:        map[string]any{"invoice_number": id, "recipient_email": "a@b.test", "amount": 10, "days_overdue": 1},
	}, actor)
	if err != nil {
		t.Fatalf("create %s: %v", id, err)
	}
}

func TestSweepPromotesOnlyDueTasks(t *testing.T) {
	s, eng := newScheduler(t)
	ctx := context.Background()
	createPending(t, eng, "due-1", baseTime.Add(-time.Hour))
	createPending(t, eng, "due-2", baseTime.Add(-time.Minute))
	createPending(t, eng, "future", baseTime.Add(time.Hour))

	promoted, err := s.Sweep(ctx)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if promoted != 2 {
		t.Fatalf("expected 2 promotions, got %d", promoted)
	}
	for _, id := range []string{"due-1", "due-2"} {
		task, err := eng.GetTask(ctx, id)
		if err != nil {
			t.Fatal(err)
		}
		if task.Status != domain.StatusScheduled {
			t.Fatalf("%s: expected scheduled, got %s", id, task.Status)
		}
		if task.ScheduledAt == nil {
			t.Fatalf("%s: scheduled_at not stamped", id)
		}
	}
	task, err := eng.GetTask(ctx, "future")
	if err != nil {
		t.Fatal(err)
	}
	if task.Status != domain.StatusPending {
		t.Fatalf("future task promoted early: %s", task.Status)
	}
}

func TestSweepIsIdempotent(t *testing.T) {
	s, eng := newScheduler(t)
	ctx := context.Background()
	createPending(t, eng, "due-1", baseTime.Add(-time.Hour))

	if promoted, err := s.Sweep(ctx); err != nil || promoted != 1 {
		t.Fatalf("first sweep: %d %v", promoted, err)
	}
	if promoted, err := s.Sweep(ctx); err != nil || promoted != 0 {
		t.Fatalf("second sweep should find nothing: %d %v", promoted, err)
	}
}

func TestSweepIgnoresCancelledTasks(t *testing.T) {
	s, eng := newScheduler(t)
	ctx := context.Background()
	createPending(t, eng, "keep", baseTime.Add(-time.Hour))
	createPending(t, eng, "gone", baseTime.Add(-time.Hour))

	actor := domain.Actor{Type: domain.ActorHuman, ID: "tester"}
	if _, err := eng.Cancel(ctx, "gone", actor, "no longer needed"); err != nil {
		t.Fatal(err)
	}

	promoted, err := s.Sweep(ctx)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if promoted != 1 {
		t.Fatalf("expected 1 promotion, got %d", promoted)
	}
	tasks, err := eng.ListTasks(ctx, repo.TaskFilters{Status: string(domain.StatusScheduled)})
	if err != nil {
		t.Fatal(err)
	}
	if len(tasks) != 1 || tasks[0].ID != "keep" {
		t.Fatalf("unexpected scheduled set: %+v", tasks)
	}
}

func TestSweepHonorsBatchSize(t *testing.T) {
	s, eng := newScheduler(t)
	s.BatchSize = 2
	ctx := context.Background()
	for _, id := range []string{"a", "b", "c"} {
		createPending(t, eng, id, baseTime.Add(-time.Hour))
	}
	if promoted, err := s.Sweep(ctx); err != nil || promoted != 2 {
		t.Fatalf("first sweep: %d %v", promoted, err)
	}
	if promoted, err := s.Sweep(ctx); err != nil || promoted != 1 {
		t.Fatalf("second sweep: %d %v", promoted, err)
	}
}
