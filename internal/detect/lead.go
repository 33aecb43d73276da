package detect

import (
	"context"
	"os"

	"gopkg.in/yaml.v3"

	"followline/internal/domain"
)

// Lead is one entry in the CRM collaborator's view.
type Lead struct {
	ID             string  `yaml:"id" json:"id"`
	Name           string  `yaml:"name" json:"name"`
	Company        string  `yaml:"company" json:"company"`
	RecipientEmail string  `yaml:"recipient_email" json:"recipient_email"`
	EstimatedValue float64 `yaml:"estimated_value" json:"estimated_value"`
	Stage          string  `yaml:"stage" json:"stage"`
	DaysIdle       int     `yaml:"days_idle" json:"days_idle"`
}

// LeadBook is the external CRM the lead detector reads from.
type LeadBook interface {
	StaleLeads(ctx context.Context) ([]Lead, error)
}

// LeadDetector produces lead-follow-up tasks for leads gone quiet.
type LeadDetector struct {
	Book LeadBook
	// StaleAfterDays filters the book's view; zero means 14.
	StaleAfterDays int
}

func (d LeadDetector) Type() string { return domain.TypeLeadFollowUp }

func (d LeadDetector) Fetch(ctx context.Context) ([]Candidate, error) {
	leads, err := d.Book.StaleLeads(ctx)
	if err != nil {
		return nil, err
	}
	staleAfter := d.StaleAfterDays
	if staleAfter <= 0 {
		staleAfter = 14
	}
	var out []Candidate
	for _, lead := range leads {
		if lead.DaysIdle < staleAfter {
			continue
		}
		out = append(out, Candidate{
			Type:           domain.TypeLeadFollowUp,
			SubjectRefType: "lead",
			SubjectRefID:   lead.ID,
			Priority:       domain.PriorityMedium,
			Payload: map[string]any{
				"lead_name":       lead.Name,
				"company":         lead.Company,
				"recipient_email": lead.RecipientEmail,
				"estimated_value": lead.EstimatedValue,
				"stage":           lead.Stage,
				"days_idle":       lead.DaysIdle,
			},
		})
	}
	return out, nil
}

// FileLeadBook reads leads from a YAML file; the local stand-in for a CRM.
type FileLeadBook struct {
	Path string
}

func (b FileLeadBook) StaleLeads(_ context.Context) ([]Lead, error) {
	data, err := os.ReadFile(b.Path)
	if err != nil {
		return nil, err
	}
	var doc struct {
		Leads []Lead `yaml:"leads"`
	}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, err
	}
	return doc.Leads, nil
}
