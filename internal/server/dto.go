package server

import (
	"encoding/json"

	"followline/internal/domain"
)

// CreateTaskRequest is the POST /tasks body.
type CreateTaskRequest struct {
	ID             *string        `json:"id,omitempty"`
	Type           string         `json:"type" example:"invoice-follow-up"`
	Mode           string         `json:"mode" enum:"suggestion,assisted,autonomous"`
	Priority       *string        `json:"priority,omitempty" enum:"low,medium,high,critical"`
	OwnerType      *string        `json:"owner_type,omitempty" enum:"system,ai,human"`
	OwnerID        string         `json:"owner_id"`
	SubjectRefType string         `json:"subject_ref_type" example:"invoice"`
	SubjectRefID   string         `json:"subject_ref_id" example:"INV-1042"`
	DueAt          *string        `json:"due_at,omitempty" format:"date-time"`
	Source         *string        `json:"source,omitempty"`
	Payload        map[string]any `json:"payload,omitempty"`
}

// TransitionRequest is the POST /tasks/{id}/transition body.
type TransitionRequest struct {
	Status string `json:"status" enum:"pending,scheduled,in_progress,awaiting_approval,completed,failed,cancelled"`
	Error  string `json:"error,omitempty"`
}

// CancelRequest is the POST /tasks/{id}/cancel body.
type CancelRequest struct {
	Reason string `json:"reason,omitempty"`
}

// TaskResponse is the API view of a task. Payload and draft are surfaced as
// decoded JSON rather than raw strings.
type TaskResponse struct {
	ID             string          `json:"id"`
	Type           string          `json:"type"`
	Status         string          `json:"status"`
	Priority       string          `json:"priority"`
	Mode           string          `json:"mode"`
	OwnerType      string          `json:"owner_type"`
	OwnerID        string          `json:"owner_id"`
	SubjectRefType string          `json:"subject_ref_type"`
	SubjectRefID   string          `json:"subject_ref_id"`
	DueAt          *string         `json:"due_at,omitempty"`
	ScheduledAt    *string         `json:"scheduled_at,omitempty"`
	CompletedAt    *string         `json:"completed_at,omitempty"`
	FailedAt       *string         `json:"failed_at,omitempty"`
	ApprovedAt     *string         `json:"approved_at,omitempty"`
	ApprovedBy     *string         `json:"approved_by,omitempty"`
	LastError      *string         `json:"last_error,omitempty"`
	Source         string          `json:"source,omitempty"`
	Payload        json.RawMessage `json:"payload,omitempty"`
	Draft          json.RawMessage `json:"draft,omitempty"`
	CreatedAt      string          `json:"created_at"`
	UpdatedAt      string          `json:"updated_at"`
}

func taskResponse(t domain.Task) TaskResponse {
	resp := TaskResponse{
		ID:             t.ID,
		Type:           t.Type,
		Status:         string(t.Status),
		Priority:       string(t.Priority),
		Mode:           string(t.Mode),
		OwnerType:      t.OwnerType,
		OwnerID:        t.OwnerID,
		SubjectRefType: t.SubjectRefType,
		SubjectRefID:   t.SubjectRefID,
		DueAt:          t.DueAt,
		ScheduledAt:    t.ScheduledAt,
		CompletedAt:    t.CompletedAt,
		FailedAt:       t.FailedAt,
		ApprovedAt:     t.ApprovedAt,
		ApprovedBy:     t.ApprovedBy,
		LastError:      t.LastError,
		Source:         t.Source,
		CreatedAt:      t.CreatedAt,
		UpdatedAt:      t.UpdatedAt,
	}
	if json.Valid([]byte(t.PayloadJSON)) {
		resp.Payload = json.RawMessage(t.PayloadJSON)
	}
	if t.DraftJSON != nil && json.Valid([]byte(*t.DraftJSON)) {
		resp.Draft = json.RawMessage(*t.DraftJSON)
	}
	return resp
}

func mapTasks(items []domain.Task) []TaskResponse {
	out := []TaskResponse{}
	for _, t := range items {
		out = append(out, taskResponse(t))
	}
	return out
}

// EventResponse is the API view of one audit record.
type EventResponse struct {
	ID        int64           `json:"id"`
	TaskID    string          `json:"task_id"`
	EventType string          `json:"event_type"`
	OldStatus *string         `json:"old_status,omitempty"`
	NewStatus *string         `json:"new_status,omitempty"`
	ActorType string          `json:"actor_type"`
	ActorID   string          `json:"actor_id"`
	Metadata  json.RawMessage `json:"metadata,omitempty"`
	CreatedAt string          `json:"created_at"`
}

func eventResponse(e domain.TaskEvent) EventResponse {
	resp := EventResponse{
		ID:        e.ID,
		TaskID:    e.TaskID,
		EventType: e.EventType,
		OldStatus: e.OldStatus,
		NewStatus: e.NewStatus,
		ActorType: string(e.ActorType),
		ActorID:   e.ActorID,
		CreatedAt: e.CreatedAt,
	}
	if e.MetadataJSON != "" && json.Valid([]byte(e.MetadataJSON)) {
		resp.Metadata = json.RawMessage(e.MetadataJSON)
	}
	return resp
}

func mapEvents(items []domain.TaskEvent) []EventResponse {
	out := []EventResponse{}
	for _, e := range items {
		out = append(out, eventResponse(e))
	}
	return out
}
