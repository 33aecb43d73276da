// Package policy classifies tasks as low- or high-risk from their domain
// payload. Evaluation is pure: no I/O, no clock, no mutation.
package policy

import (
	"fmt"
	"strings"

	"followline/internal/config"
	"followline/internal/domain"
)

// Assessment is the result of a risk evaluation.
type Assessment struct {
	HighRisk bool
	Reason   string
}

// Thresholds carries the configurable risk boundaries.
type Thresholds struct {
	InvoiceMaxAmount      float64
	InvoiceMaxDaysOverdue int
	LeadMaxValue          float64
	LeadHoldStages        []string
}

// DefaultThresholds matches the documented domain defaults.
func DefaultThresholds() Thresholds {
	return Thresholds{
		InvoiceMaxAmount:      5000,
		InvoiceMaxDaysOverdue: 30,
		LeadMaxValue:          30000,
		LeadHoldStages:        []string{"proposal sent"},
	}
}

// FromConfig builds thresholds from followline.yml, falling back to the
// defaults for unset values.
func FromConfig(cfg *config.Config) Thresholds {
	t := DefaultThresholds()
	if cfg == nil {
		return t
	}
	if cfg.Risk.Invoice.MaxAmount > 0 {
		t.InvoiceMaxAmount = cfg.Risk.Invoice.MaxAmount
	}
	if cfg.Risk.Invoice.MaxDaysOverdue > 0 {
		t.InvoiceMaxDaysOverdue = cfg.Risk.Invoice.MaxDaysOverdue
	}
	if cfg.Risk.Lead.MaxValue > 0 {
		t.LeadMaxValue = cfg.Risk.Lead.MaxValue
	}
	if len(cfg.Risk.Lead.HoldStages) > 0 {
		t.LeadHoldStages = cfg.Risk.Lead.HoldStages
	}
	return t
}

// Evaluate classifies a task. Unknown task types are low-risk.
func Evaluate(t domain.Task, th Thresholds) Assessment {
	switch t.Type {
	case domain.TypeInvoiceFollowUp:
		p, err := domain.DecodeInvoicePayload(t.PayloadJSON)
		if err != nil {
			// Undecodable payloads are held for review rather than sent.
			return Assessment{HighRisk: true, Reason: "payload not decodable as invoice data"}
		}
		if p.Amount > th.InvoiceMaxAmount {
			return Assessment{HighRisk: true, Reason: fmt.Sprintf("amount %.2f above %.2f", p.Amount, th.InvoiceMaxAmount)}
		}
		if p.DaysOverdue > th.InvoiceMaxDaysOverdue {
			return Assessment{HighRisk: true, Reason: fmt.Sprintf("%d days overdue, limit %d", p.DaysOverdue, th.InvoiceMaxDaysOverdue)}
		}
		return Assessment{}
	case domain.TypeLeadFollowUp:
		p, err := domain.DecodeLeadPayload(t.PayloadJSON)
		if err != nil {
			return Assessment{HighRisk: true, Reason: "payload not decodable as lead data"}
		}
		if p.EstimatedValue > th.LeadMaxValue {
			return Assessment{HighRisk: true, Reason: fmt.Sprintf("estimated value %.2f above %.2f", p.EstimatedValue, th.LeadMaxValue)}
		}
		for _, stage := range th.LeadHoldStages {
			if strings.EqualFold(p.Stage, stage) {
				return Assessment{HighRisk: true, Reason: fmt.Sprintf("stage %q requires review", p.Stage)}
			}
		}
		return Assessment{}
	}
	return Assessment{}
}
