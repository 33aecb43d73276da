package detect_test

import (
	"context"
	"testing"

	"go.uber.org/zap"

	"followline/internal/config"
	"followline/internal/db"
	"followline/internal/detect"
	"followline/internal/domain"
	"followline/internal/engine"
	"followline/internal/migrate"
	"followline/internal/repo"
)

type fakeLedger struct {
	invoices []detect.Invoice
}

func (l fakeLedger) OverdueInvoices(_ context.Context) ([]detect.Invoice, error) {
	return l.invoices, nil
}

type fakeBook struct {
	leads []detect.Lead
}

func (b fakeBook) StaleLeads(_ context.Context) ([]detect.Lead, error) {
	return b.leads, nil
}

func newRunner(t *testing.T, detectors ...detect.Detector) (*detect.Runner, engine.Engine) {
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
	reg := &detect.Registry{}
	for _, d := range detectors {
		reg.Register(d)
	}
	return &detect.Runner{
		Engine:   eng,
		Registry: reg,
		Config:   config.Default(),
		Log:      zap.NewNop(),
	}, eng
}

func TestSweepCreatesTasksOnce(t *testing.T) {
	ledger := fakeLedger{invoices: []detect.Invoice{
		{Number: "INV-1", CustomerName: "Acme", RecipientEmail: "a@acme.test", Amount: 900, DaysOverdue: 5},
		{Number: "INV-2", CustomerName: "Beta", RecipientEmail: "b@beta.test", Amount: 100, DaysOverdue: 45},
	}}
	runner, eng := newRunner(t, detect.InvoiceDetector{Ledger: ledger})
	ctx := context.Background()

	runner.Sweep(ctx)
	tasks, err := eng.ListTasks(ctx, repo.TaskFilters{Type: domain.TypeInvoiceFollowUp})
	if err != nil {
		t.Fatal(err)
	}
	if len(tasks) != 2 {
		t.Fatalf("expected 2 tasks, got %d", len(tasks))
	}

	// A second sweep over the same ledger view creates nothing new.
	runner.Sweep(ctx)
	tasks, err = eng.ListTasks(ctx, repo.TaskFilters{Type: domain.TypeInvoiceFollowUp})
	if err != nil {
		t.Fatal(err)
	}
	if len(tasks) != 2 {
		t.Fatalf("duplicate suppression failed, got %d tasks", len(tasks))
	}
}

func TestSweepUsesConfiguredMode(t *testing.T) {
	ledger := fakeLedger{invoices: []detect.Invoice{
		{Number: "INV-1", RecipientEmail: "a@acme.test", Amount: 900, DaysOverdue: 5},
	}}
	runner, eng := newRunner(t, detect.InvoiceDetector{Ledger: ledger})
	ctx := context.Background()
	runner.Sweep(ctx)
	tasks, err := eng.ListTasks(ctx, repo.TaskFilters{Type: domain.TypeInvoiceFollowUp})
	if err != nil || len(tasks) != 1 {
		t.Fatalf("list: %v (%d)", err, len(tasks))
	}
	// default config maps invoice-follow-up to assisted
	if tasks[0].Mode != domain.ModeAssisted {
		t.Fatalf("expected assisted mode, got %s", tasks[0].Mode)
	}
	if tasks[0].OwnerType != string(domain.ActorAI) {
		t.Fatalf("expected ai owner, got %s", tasks[0].OwnerType)
	}
}

func TestInvoiceDetectorPriorities(t *testing.T) {
	d := detect.InvoiceDetector{Ledger: fakeLedger{invoices: []detect.Invoice{
		{Number: "SKIP", DaysOverdue: 0},
		{Number: "MED", DaysOverdue: 10},
		{Number: "HIGH", DaysOverdue: 31},
	}}}
	candidates, err := d.Fetch(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(candidates) != 2 {
		t.Fatalf("expected 2 candidates, got %d", len(candidates))
	}
	byID := map[string]domain.Priority{}
	for _, c := range candidates {
		byID[c.SubjectRefID] = c.Priority
	}
	if byID["MED"] != domain.PriorityMedium || byID["HIGH"] != domain.PriorityHigh {
		t.Fatalf("priorities wrong: %v", byID)
	}
}

func TestLeadDetectorStalenessFilter(t *testing.T) {
	d := detect.LeadDetector{Book: fakeBook{leads: []detect.Lead{
		{ID: "L1", DaysIdle: 3},
		{ID: "L2", DaysIdle: 14},
		{ID: "L3", DaysIdle: 40},
	}}}
	candidates, err := d.Fetch(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	got := map[string]bool{}
	for _, c := range candidates {
		got[c.SubjectRefID] = true
	}
	if got["L1"] || !got["L2"] || !got["L3"] {
		t.Fatalf("staleness filter wrong: %v", got)
	}
}
