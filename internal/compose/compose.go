// Package compose renders follow-up messages from task payloads. Pure
// templating; no decisions about whether or how to send.
package compose

import (
	"fmt"
	"strings"

	"followline/internal/domain"
)

// Draft is a rendered message ready for delivery or human review.
type Draft struct {
	Recipient string            `json:"recipient"`
	Subject   string            `json:"subject"`
	BodyText  string            `json:"body_text"`
	BodyHTML  string            `json:"body_html,omitempty"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// Message renders the draft for a task. Unknown task types fail explicitly
// rather than producing an empty message.
func Message(taskType, payloadJSON string) (Draft, error) {
	switch taskType {
	case domain.TypeInvoiceFollowUp:
		p, err := domain.DecodeInvoicePayload(payloadJSON)
		if err != nil {
			return Draft{}, fmt.Errorf("decode invoice payload: %w", err)
		}
		return invoiceDraft(p), nil
	case domain.TypeLeadFollowUp:
		p, err := domain.DecodeLeadPayload(payloadJSON)
		if err != nil {
			return Draft{}, fmt.Errorf("decode lead payload: %w", err)
		}
		return leadDraft(p), nil
	}
	return Draft{}, fmt.Errorf("no message template for task type %q", taskType)
}

func invoiceDraft(p domain.InvoicePayload) Draft {
	currency := p.Currency
	if currency == "" {
		currency = "EUR"
	}
	subject := fmt.Sprintf("Payment reminder: invoice %s", p.InvoiceNumber)
	var b strings.Builder
	fmt.Fprintf(&b, "Dear %s,\n\n", orUnknown(p.CustomerName, "customer"))
	fmt.Fprintf(&b, "Our records show invoice %s for %.2f %s is %d days past due.\n", p.InvoiceNumber, p.Amount, currency, p.DaysOverdue)
	b.WriteString("Please arrange payment at your earliest convenience, or let us know if it has already been made.\n\nKind regards\n")
	text := b.String()
	return Draft{
		Recipient: p.RecipientEmail,
		Subject:   subject,
		BodyText:  text,
		BodyHTML:  htmlParagraphs(text),
		Metadata: map[string]string{
			"invoice_number": p.InvoiceNumber,
		},
	}
}

func leadDraft(p domain.LeadPayload) Draft {
	subject := fmt.Sprintf("Following up on our conversation, %s", orUnknown(p.LeadName, "there"))
	var b strings.Builder
	fmt.Fprintf(&b, "Hi %s,\n\n", orUnknown(p.LeadName, "there"))
	if p.DaysIdle > 0 {
		fmt.Fprintf(&b, "It has been %d days since we last spoke", p.DaysIdle)
		if p.Company != "" {
			fmt.Fprintf(&b, " about %s", p.Company)
		}
		b.WriteString(".\n")
	} else {
		b.WriteString("I wanted to check in on where things stand.\n")
	}
	b.WriteString("Is there anything we can clarify to help you move forward?\n\nBest regards\n")
	text := b.String()
	return Draft{
		Recipient: p.RecipientEmail,
		Subject:   subject,
		BodyText:  text,
		BodyHTML:  htmlParagraphs(text),
		Metadata: map[string]string{
			"stage": p.Stage,
		},
	}
}

func orUnknown(v, fallback string) string {
	if strings.TrimSpace(v) == "" {
		return fallback
	}
	return v
}

func htmlParagraphs(text string) string {
	var b strings.Builder
	for _, para := range strings.Split(strings.TrimSpace(text), "\n\n") {
		b.WriteString("<p>")
		b.WriteString(strings.ReplaceAll(escape(para), "\n", "<br>"))
		b.WriteString("</p>")
	}
	return b.String()
}

func escape(s string) string {
	r := strings.NewReplacer("&", "&amp;", "<", "&lt;", ">", "&gt;")
	return r.Replace(s)
}
