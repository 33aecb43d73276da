package policy_test

import (
	"encoding/json"
	"testing"

	"followline/internal/domain"
	"followline/internal/policy"
)

func invoiceTask(t *testing.T, amount float64, daysOverdue int) domain.Task {
	t.Helper()
	b, err := json.Marshal(map[string]any{
		"invoice_number":  "INV-9",
		"recipient_email": "x@y.test",
		"amount":          amount,
		"days_overdue":    daysOverdue,
	})
	if err != nil {
		t.Fatal(err)
	}
	return domain.Task{Type: domain.TypeInvoiceFollowUp, PayloadJSON: string(b)}
}

func leadTask(t *testing.T, value float64, stage string) domain.Task {
	t.Helper()
	b, err := json.Marshal(map[string]any{
		"lead_name":       "Jo",
		"recipient_email": "jo@lead.test",
		"estimated_value": value,
		"stage":           stage,
	})
	if err != nil {
		t.Fatal(err)
	}
	return domain.Task{Type: domain.TypeLeadFollowUp, PayloadJSON: string(b)}
}

func TestInvoiceAmountBoundary(t *testing.T) {
	th := policy.DefaultThresholds()
	if a := policy.Evaluate(invoiceTask(t, 5000, 10), th); a.HighRisk {
		t.Fatalf("amount at threshold should be low risk: %+v", a)
	}
	if a := policy.Evaluate(invoiceTask(t, 5000.01, 10), th); !a.HighRisk {
		t.Fatalf("amount above threshold should be high risk")
	}
}

func TestInvoiceOverdueBoundary(t *testing.T) {
	th := policy.DefaultThresholds()
	if a := policy.Evaluate(invoiceTask(t, 100, 30), th); a.HighRisk {
		t.Fatalf("30 days should be low risk: %+v", a)
	}
	if a := policy.Evaluate(invoiceTask(t, 100, 31), th); !a.HighRisk {
		t.Fatalf("31 days should be high risk")
	}
}

func TestLeadValueBoundary(t *testing.T) {
	th := policy.DefaultThresholds()
	if a := policy.Evaluate(leadTask(t, 30000, "qualified"), th); a.HighRisk {
		t.Fatalf("value at threshold should be low risk: %+v", a)
	}
	if a := policy.Evaluate(leadTask(t, 30001, "qualified"), th); !a.HighRisk {
		t.Fatalf("value above threshold should be high risk")
	}
}

func TestLeadHoldStageIsCaseInsensitive(t *testing.T) {
	th := policy.DefaultThresholds()
	for _, stage := range []string{"proposal sent", "Proposal Sent", "PROPOSAL SENT"} {
		if a := policy.Evaluate(leadTask(t, 100, stage), th); !a.HighRisk {
			t.Fatalf("stage %q should be held", stage)
		}
	}
	if a := policy.Evaluate(leadTask(t, 100, "first contact"), th); a.HighRisk {
		t.Fatalf("non-hold stage flagged: %+v", a)
	}
}

func TestUndecodablePayloadIsHighRisk(t *testing.T) {
	th := policy.DefaultThresholds()
	task := domain.Task{Type: domain.TypeInvoiceFollowUp, PayloadJSON: "not json"}
	if a := policy.Evaluate(task, th); !a.HighRisk {
		t.Fatalf("broken payload should be high risk")
	}
}

func TestUnknownTypeIsLowRisk(t *testing.T) {
	task := domain.Task{Type: "something-else", PayloadJSON: "{}"}
	if a := policy.Evaluate(task, policy.DefaultThresholds()); a.HighRisk {
		t.Fatalf("unknown type should be low risk: %+v", a)
	}
}
