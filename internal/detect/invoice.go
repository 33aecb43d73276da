package detect

import (
	"context"
	"os"

	"gopkg.in/yaml.v3"

	"followline/internal/domain"
)

// Invoice is one entry in the ledger collaborator's view.
type Invoice struct {
	Number         string  `yaml:"number" json:"number"`
	CustomerName   string  `yaml:"customer_name" json:"customer_name"`
	RecipientEmail string  `yaml:"recipient_email" json:"recipient_email"`
	Amount         float64 `yaml:"amount" json:"amount"`
	Currency       string  `yaml:"currency" json:"currency"`
	DaysOverdue    int     `yaml:"days_overdue" json:"days_overdue"`
}

// InvoiceLedger is the external system of record for invoices.
type InvoiceLedger interface {
	OverdueInvoices(ctx context.Context) ([]Invoice, error)
}

// InvoiceDetector produces invoice-follow-up tasks for overdue invoices.
type InvoiceDetector struct {
	Ledger InvoiceLedger
}

func (d InvoiceDetector) Type() string { return domain.TypeInvoiceFollowUp }

func (d InvoiceDetector) Fetch(ctx context.Context) ([]Candidate, error) {
	invoices, err := d.Ledger.OverdueInvoices(ctx)
	if err != nil {
		return nil, err
	}
	var out []Candidate
	for _, inv := range invoices {
		if inv.DaysOverdue <= 0 {
			continue
		}
		priority := domain.PriorityMedium
		if inv.DaysOverdue > 30 {
			priority = domain.PriorityHigh
		}
		out = append(out, Candidate{
			Type:           domain.TypeInvoiceFollowUp,
			SubjectRefType: "invoice",
			SubjectRefID:   inv.Number,
			Priority:       priority,
			Payload: map[string]any{
				"invoice_number":  inv.Number,
				"customer_name":   inv.CustomerName,
				"recipient_email": inv.RecipientEmail,
				"amount":          inv.Amount,
				"currency":        inv.Currency,
				"days_overdue":    inv.DaysOverdue,
			},
		})
	}
	return out, nil
}

// FileLedger reads invoices from a YAML file; the local stand-in for a real
// accounting system.
type FileLedger struct {
	Path string
}

func (l FileLedger) OverdueInvoices(_ context.Context) ([]Invoice, error) {
	data, err := os.ReadFile(l.Path)
	if err != nil {
		return nil, err
	}
	var doc struct {
		Invoices []Invoice `yaml:"invoices"`
	}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, err
	}
	return doc.Invoices, nil
}
