package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"followline/internal/domain"
)

// Writer appends audit records inside the caller's transaction. Records are
// never updated or deleted here; retention is an operational concern.
type Writer struct {
	DB  *sql.DB
	Now func() time.Time
}

type Metadata map[string]any

func (w Writer) now() time.Time {
	if w.Now != nil {
		return w.Now()
	}
	return time.Now()
}

// Append writes one TaskEvent.
func (w Writer) Append(ctx context.Context, tx *sql.Tx, taskID, eventType string, oldStatus, newStatus *domain.Status, actor domain.Actor, metadata Metadata) error {
	ts := w.now().UTC().Format(time.RFC3339)
	if metadata == nil {
		metadata = Metadata{}
	}
	data, err := json.Marshal(metadata)
	if err != nil {
		return fmt.Errorf("marshal event metadata: %w", err)
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO task_events(task_id,event_type,old_status,new_status,actor_type,actor_id,metadata_json,created_at) VALUES (?,?,?,?,?,?,?,?)`,
		taskID, eventType, nullableStatus(oldStatus), nullableStatus(newStatus), string(actor.Type), actor.ID, string(data), ts)
	return err
}

func nullableStatus(s *domain.Status) any {
	if s == nil {
		return nil
	}
	return string(*s)
}
