package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"followline/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

const taskColumns = `id,type,status,priority,mode,owner_type,owner_id,subject_ref_type,subject_ref_id,due_at,scheduled_at,completed_at,failed_at,approved_at,approved_by,last_error,source,payload_json,draft_json,created_at,updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(row rowScanner) (domain.Task, error) {
	var t domain.Task
	var status, priority, mode string
	var dueAt, scheduledAt, completedAt, failedAt, approvedAt, approvedBy, lastError, draftJSON sql.NullString
	err := row.Scan(&t.ID, &t.Type, &status, &priority, &mode, &t.OwnerType, &t.OwnerID,
		&t.SubjectRefType, &t.SubjectRefID, &dueAt, &scheduledAt, &completedAt, &failedAt,
		&approvedAt, &approvedBy, &lastError, &t.Source, &t.PayloadJSON, &draftJSON,
		&t.CreatedAt, &t.UpdatedAt)
	if err == sql.ErrNoRows {
		return t, ErrNotFound
	}
	if err != nil {
		return t, err
	}
	t.Status = domain.Status(status)
	t.Priority = domain.Priority(priority)
	t.Mode = domain.Mode(mode)
	t.DueAt = nullablePtr(dueAt)
	t.ScheduledAt = nullablePtr(scheduledAt)
	t.CompletedAt = nullablePtr(completedAt)
	t.FailedAt = nullablePtr(failedAt)
	t.ApprovedAt = nullablePtr(approvedAt)
	t.ApprovedBy = nullablePtr(approvedBy)
	t.LastError = nullablePtr(lastError)
	t.DraftJSON = nullablePtr(draftJSON)
	return t, nil
}

func (r Repo) InsertTask(ctx context.Context, tx *sql.Tx, t domain.Task) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO tasks(`+taskColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		t.ID, t.Type, string(t.Status), string(t.Priority), string(t.Mode), t.OwnerType, t.OwnerID,
		t.SubjectRefType, t.SubjectRefID, nullableStringPtr(t.DueAt), nullableStringPtr(t.ScheduledAt),
		nullableStringPtr(t.CompletedAt), nullableStringPtr(t.FailedAt), nullableStringPtr(t.ApprovedAt),
		nullableStringPtr(t.ApprovedBy), nullableStringPtr(t.LastError), t.Source, t.PayloadJSON,
		nullableStringPtr(t.DraftJSON), t.CreatedAt, t.UpdatedAt)
	return err
}

func (r Repo) UpdateTask(ctx context.Context, tx *sql.Tx, t domain.Task) error {
	res, err := tx.ExecContext(ctx, `UPDATE tasks SET status=?,priority=?,due_at=?,scheduled_at=?,completed_at=?,failed_at=?,approved_at=?,approved_by=?,last_error=?,draft_json=?,updated_at=? WHERE id=?`,
		string(t.Status), string(t.Priority), nullableStringPtr(t.DueAt), nullableStringPtr(t.ScheduledAt),
		nullableStringPtr(t.CompletedAt), nullableStringPtr(t.FailedAt), nullableStringPtr(t.ApprovedAt),
		nullableStringPtr(t.ApprovedBy), nullableStringPtr(t.LastError), nullableStringPtr(t.DraftJSON),
		t.UpdatedAt, t.ID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) GetTask(ctx context.Context, id string) (domain.Task, error) {
	return scanTask(r.DB.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id=?`, id))
}

func (r Repo) GetTaskTx(ctx context.Context, tx *sql.Tx, id string) (domain.Task, error) {
	return scanTask(tx.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id=?`, id))
}

// ActiveTaskExists reports whether a non-terminal task already tracks the
// given business subject.
func (r Repo) ActiveTaskExists(ctx context.Context, tx *sql.Tx, taskType, refType, refID string) (bool, error) {
	row := tx.QueryRowContext(ctx, `SELECT 1 FROM tasks WHERE type=? AND subject_ref_type=? AND subject_ref_id=? AND status IN ('pending','scheduled','in_progress','awaiting_approval') LIMIT 1`,
		taskType, refType, refID)
	var n int
	err := row.Scan(&n)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// ClaimTask is the compare-and-swap claim: scheduled -> in_progress. It
// returns false when another worker won the race (zero rows updated).
func (r Repo) ClaimTask(ctx context.Context, tx *sql.Tx, id, now string) (bool, error) {
	res, err := tx.ExecContext(ctx, `UPDATE tasks SET status='in_progress', updated_at=? WHERE id=? AND status='scheduled'`, now, id)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// TaskFilters narrows ListTasks. Zero values are ignored.
type TaskFilters struct {
	Status         string
	Type           string
	OwnerID        string
	SubjectRefType string
	SubjectRefID   string
	CreatedAfter   string
	CreatedBefore  string
	DueBefore      string // matches tasks with due_at unset or <= the bound
	UpdatedBefore  string
	Limit          int
}

func (r Repo) ListTasks(ctx context.Context, f TaskFilters) ([]domain.Task, error) {
	var clauses []string
	var args []any
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, f.Status)
	}
	if f.Type != "" {
		clauses = append(clauses, "type=?")
		args = append(args, f.Type)
	}
	if f.OwnerID != "" {
		clauses = append(clauses, "owner_id=?")
		args = append(args, f.OwnerID)
	}
	if f.SubjectRefType != "" {
		clauses = append(clauses, "subject_ref_type=?")
		args = append(args, f.SubjectRefType)
	}
	if f.SubjectRefID != "" {
		clauses = append(clauses, "subject_ref_id=?")
		args = append(args, f.SubjectRefID)
	}
	if f.CreatedAfter != "" {
		clauses = append(clauses, "created_at>=?")
		args = append(args, f.CreatedAfter)
	}
	if f.CreatedBefore != "" {
		clauses = append(clauses, "created_at<=?")
		args = append(args, f.CreatedBefore)
	}
	if f.DueBefore != "" {
		clauses = append(clauses, "(due_at IS NULL OR due_at<=?)")
		args = append(args, f.DueBefore)
	}
	if f.UpdatedBefore != "" {
		clauses = append(clauses, "updated_at<=?")
		args = append(args, f.UpdatedBefore)
	}
	where := ""
	if len(clauses) > 0 {
		where = "WHERE " + strings.Join(clauses, " AND ")
	}
	query := `SELECT ` + taskColumns + ` FROM tasks ` + where + ` ORDER BY created_at ASC, id ASC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, t)
	}
	return res, rows.Err()
}

// EventFilters narrows event queries.
type EventFilters struct {
	TaskID    string
	EventType string
	Limit     int
}

func (r Repo) ListEvents(ctx context.Context, f EventFilters) ([]domain.TaskEvent, error) {
	clauses := []string{"1=1"}
	var args []any
	if f.TaskID != "" {
		clauses = append(clauses, "task_id=?")
		args = append(args, f.TaskID)
	}
	if f.EventType != "" {
		clauses = append(clauses, "event_type=?")
		args = append(args, f.EventType)
	}
	limit := f.Limit
	if limit <= 0 {
		limit = 100
	}
	where := "WHERE " + strings.Join(clauses, " AND ")
	query := fmt.Sprintf(`SELECT id,task_id,event_type,old_status,new_status,actor_type,actor_id,metadata_json,created_at FROM task_events %s ORDER BY id DESC LIMIT ?`, where)
	args = append(args, limit)
	return r.queryEvents(ctx, query, args...)
}

// EventsAfter returns events with IDs greater than the cursor in ascending
// order; used by the webhook dispatcher.
func (r Repo) EventsAfter(ctx context.Context, limit int, cursor int64) ([]domain.TaskEvent, error) {
	if limit <= 0 {
		limit = 100
	}
	return r.queryEvents(ctx, `SELECT id,task_id,event_type,old_status,new_status,actor_type,actor_id,metadata_json,created_at FROM task_events WHERE id>? ORDER BY id ASC LIMIT ?`, cursor, limit)
}

// LatestEventID returns the most recent event ID.
func (r Repo) LatestEventID(ctx context.Context) (int64, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT COALESCE(MAX(id),0) FROM task_events`)
	var id int64
	if err := row.Scan(&id); err != nil {
		return 0, err
	}
	return id, nil
}

func (r Repo) queryEvents(ctx context.Context, query string, args ...any) ([]domain.TaskEvent, error) {
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.TaskEvent
	for rows.Next() {
		var e domain.TaskEvent
		var oldStatus, newStatus, metadata sql.NullString
		var actorType string
		if err := rows.Scan(&e.ID, &e.TaskID, &e.EventType, &oldStatus, &newStatus, &actorType, &e.ActorID, &metadata, &e.CreatedAt); err != nil {
			return nil, err
		}
		e.ActorType = domain.ActorType(actorType)
		e.OldStatus = nullablePtr(oldStatus)
		e.NewStatus = nullablePtr(newStatus)
		if metadata.Valid {
			e.MetadataJSON = metadata.String
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

// CountTasksByStatus is a reporting helper for the status endpoint and CLI.
func (r Repo) CountTasksByStatus(ctx context.Context) (map[string]int, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT status, COUNT(1) FROM tasks GROUP BY status`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	counts := map[string]int{}
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		counts[status] = n
	}
	return counts, rows.Err()
}

func nullablePtr(v sql.NullString) *string {
	if !v.Valid {
		return nil
	}
	s := v.String
	return &s
}

func nullableStringPtr(v *string) any {
	if v == nil || *v == "" {
		return nil
	}
	return *v
}
