package domain

import "encoding/json"

// Status is the lifecycle state of a follow-up task.
type Status string

const (
	StatusPending          Status = "pending"
	StatusScheduled        Status = "scheduled"
	StatusInProgress       Status = "in_progress"
	StatusAwaitingApproval Status = "awaiting_approval"
	StatusCompleted        Status = "completed"
	StatusFailed           Status = "failed"
	StatusCancelled        Status = "cancelled"
)

// Terminal reports whether no further status change may succeed.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// Mode is the autonomy tier fixed at task creation.
type Mode string

const (
	ModeSuggestion Mode = "suggestion"
	ModeAssisted   Mode = "assisted"
	ModeAutonomous Mode = "autonomous"
)

// Priority orders tasks for reporting; it carries no scheduling guarantee.
type Priority string

const (
	PriorityLow      Priority = "low"
	PriorityMedium   Priority = "medium"
	PriorityHigh     Priority = "high"
	PriorityCritical Priority = "critical"
)

// Rank returns the ordinal position of a priority (low first).
func (p Priority) Rank() int {
	switch p {
	case PriorityMedium:
		return 1
	case PriorityHigh:
		return 2
	case PriorityCritical:
		return 3
	}
	return 0
}

// ActorType identifies who performed a lifecycle operation.
type ActorType string

const (
	ActorSystem ActorType = "system"
	ActorAI     ActorType = "ai"
	ActorHuman  ActorType = "human"
)

// Actor attributes an operation in the event log.
type Actor struct {
	Type ActorType `json:"type"`
	ID   string    `json:"id"`
}

// Well-known task types. The enumeration is open; detectors may register more.
const (
	TypeInvoiceFollowUp = "invoice-follow-up"
	TypeLeadFollowUp    = "lead-follow-up"
)

// Task is one unit of follow-up work tracked through the state machine.
// PayloadJSON is opaque to the engine; only the composer and the risk policy
// interpret it, keyed by Type.
type Task struct {
	ID             string   `json:"id"`
	Type           string   `json:"type"`
	Status         Status   `json:"status" enum:"pending,scheduled,in_progress,awaiting_approval,completed,failed,cancelled"`
	Priority       Priority `json:"priority" enum:"low,medium,high,critical"`
	Mode           Mode     `json:"mode" enum:"suggestion,assisted,autonomous"`
	OwnerType      string   `json:"owner_type"`
	OwnerID        string   `json:"owner_id"`
	SubjectRefType string   `json:"subject_ref_type"`
	SubjectRefID   string   `json:"subject_ref_id"`
	DueAt          *string  `json:"due_at,omitempty" format:"date-time"`
	ScheduledAt    *string  `json:"scheduled_at,omitempty" format:"date-time"`
	CompletedAt    *string  `json:"completed_at,omitempty" format:"date-time"`
	FailedAt       *string  `json:"failed_at,omitempty" format:"date-time"`
	ApprovedAt     *string  `json:"approved_at,omitempty" format:"date-time"`
	ApprovedBy     *string  `json:"approved_by,omitempty"`
	LastError      *string  `json:"last_error,omitempty"`
	Source         string   `json:"source"`
	PayloadJSON    string   `json:"payload_json,omitempty"`
	DraftJSON      *string  `json:"draft_json,omitempty"`
	CreatedAt      string   `json:"created_at" format:"date-time"`
	UpdatedAt      string   `json:"updated_at" format:"date-time"`
}

// Approved reports whether a human has released this task for sending.
func (t Task) Approved() bool {
	return t.ApprovedAt != nil && *t.ApprovedAt != ""
}

// Event types recorded in the audit trail.
const (
	EventTaskCreated       = "task.created"
	EventTaskStatusChanged = "task.status.changed"
)

// TaskEvent is one append-only audit record. Events are written exactly once
// per transition and never updated or deleted.
type TaskEvent struct {
	ID           int64     `json:"id"`
	TaskID       string    `json:"task_id"`
	EventType    string    `json:"event_type"`
	OldStatus    *string   `json:"old_status,omitempty"`
	NewStatus    *string   `json:"new_status,omitempty"`
	ActorType    ActorType `json:"actor_type"`
	ActorID      string    `json:"actor_id"`
	MetadataJSON string    `json:"metadata_json,omitempty"`
	CreatedAt    string    `json:"created_at" format:"date-time"`
}

// InvoicePayload is the typed view of an invoice-follow-up payload.
type InvoicePayload struct {
	InvoiceNumber  string  `json:"invoice_number"`
	CustomerName   string  `json:"customer_name"`
	RecipientEmail string  `json:"recipient_email"`
	Amount         float64 `json:"amount"`
	Currency       string  `json:"currency,omitempty"`
	DaysOverdue    int     `json:"days_overdue"`
}

// LeadPayload is the typed view of a lead-follow-up payload.
type LeadPayload struct {
	LeadName       string  `json:"lead_name"`
	Company        string  `json:"company,omitempty"`
	RecipientEmail string  `json:"recipient_email"`
	EstimatedValue float64 `json:"estimated_value"`
	Stage          string  `json:"stage,omitempty"`
	DaysIdle       int     `json:"days_idle,omitempty"`
}

// DecodeInvoicePayload parses a raw payload as invoice data.
func DecodeInvoicePayload(raw string) (InvoicePayload, error) {
	var p InvoicePayload
	err := json.Unmarshal([]byte(raw), &p)
	return p, err
}

// DecodeLeadPayload parses a raw payload as lead data.
func DecodeLeadPayload(raw string) (LeadPayload, error) {
	var p LeadPayload
	err := json.Unmarshal([]byte(raw), &p)
	return p, err
}
