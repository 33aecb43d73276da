package compose_test

import (
	"strings"
	"testing"

	"followline/internal/compose"
	"followline/internal/domain"
)

func TestInvoiceMessage(t *testing.T) {
	payload := `{"invoice_number":"INV-7","customer_name":"Acme","recipient_email":"billing@acme.test","amount":1250.5,"currency":"USD","days_overdue":12}`
	draft, err := compose.Message(domain.TypeInvoiceFollowUp, payload)
	if err != nil {
		t.Fatalf("compose: %v", err)
	}
	if draft.Recipient != "billing@acme.test" {
		t.Fatalf("recipient: %s", draft.Recipient)
	}
	if !strings.Contains(draft.Subject, "INV-7") {
		t.Fatalf("subject missing invoice number: %s", draft.Subject)
	}
	for _, want := range []string{"Acme", "1250.50 USD", "12 days"} {
		if !strings.Contains(draft.BodyText, want) {
			t.Fatalf("body missing %q:\n%s", want, draft.BodyText)
		}
	}
	if !strings.Contains(draft.BodyHTML, "<p>") {
		t.Fatalf("html body not rendered: %s", draft.BodyHTML)
	}
}

func TestLeadMessage(t *testing.T) {
	payload := `{"lead_name":"Jordan","company":"Bright Co","recipient_email":"jordan@bright.test","estimated_value":9000,"stage":"qualified","days_idle":21}`
	draft, err := compose.Message(domain.TypeLeadFollowUp, payload)
	if err != nil {
		t.Fatalf("compose: %v", err)
	}
	if draft.Recipient != "jordan@bright.test" {
		t.Fatalf("recipient: %s", draft.Recipient)
	}
	for _, want := range []string{"Jordan", "21 days", "Bright Co"} {
		if !strings.Contains(draft.BodyText, want) {
			t.Fatalf("body missing %q:\n%s", want, draft.BodyText)
		}
	}
}

func TestMissingNamesFallBack(t *testing.T) {
	draft, err := compose.Message(domain.TypeInvoiceFollowUp, `{"invoice_number":"INV-8","recipient_email":"a@b.test","amount":10,"days_overdue":1}`)
	if err != nil {
		t.Fatalf("compose: %v", err)
	}
	if !strings.Contains(draft.BodyText, "Dear customer") {
		t.Fatalf("expected fallback salutation:\n%s", draft.BodyText)
	}
}

func TestUnknownTypeErrors(t *testing.T) {
	if _, err := compose.Message("mystery-task", "{}"); err == nil {
		t.Fatalf("expected error for unknown type")
	}
}

func TestHTMLEscaping(t *testing.T) {
	draft, err := compose.Message(domain.TypeInvoiceFollowUp, `{"invoice_number":"<script>","customer_name":"A & B","recipient_email":"a@b.test","amount":10,"days_overdue":1}`)
	if err != nil {
		t.Fatalf("compose: %v", err)
	}
	if strings.Contains(draft.BodyHTML, "<script>") {
		t.Fatalf("html not escaped: %s", draft.BodyHTML)
	}
	if !strings.Contains(draft.BodyHTML, "A &amp; B") {
		t.Fatalf("ampersand not escaped: %s", draft.BodyHTML)
	}
}
