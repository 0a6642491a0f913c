package repo

import (
	"context"
	"fmt"
	"strings"

	"visaline/internal/domain"
)

type ActivityFilters struct {
	RequestID string
	Type      string
	Kind      string
	ActorID   string
	Limit     int
	Cursor    int64
}

// LatestActivity returns entries in reverse insertion order, newest first.
func (r Repo) LatestActivity(ctx context.Context, f ActivityFilters) ([]domain.ActivityEntry, error) {
	if f.Limit <= 0 {
		f.Limit = 50
	}
	clauses := []string{"1=1"}
	var args []any
	if f.RequestID != "" {
		clauses = append(clauses, "request_id=?")
		args = append(args, f.RequestID)
	}
	if f.Type != "" {
		clauses = append(clauses, "type=?")
		args = append(args, f.Type)
	}
	if f.Kind != "" {
		clauses = append(clauses, "kind=?")
		args = append(args, f.Kind)
	}
	if f.ActorID != "" {
		clauses = append(clauses, "actor_id=?")
		args = append(args, f.ActorID)
	}
	if f.Cursor > 0 {
		clauses = append(clauses, "id<?")
		args = append(args, f.Cursor)
	}
	where := "WHERE " + strings.Join(clauses, " AND ")
	query := fmt.Sprintf(`SELECT id,ts,type,ref_id,kind,COALESCE(request_id,''),actor_id,summary,read FROM activity %s ORDER BY id DESC LIMIT ?`, where)
	args = append(args, f.Limit)
	return r.queryActivity(ctx, query, args...)
}

// ActivityAfter returns entries with IDs greater than the cursor in ascending
// order. Pollers use it to tail the feed.
func (r Repo) ActivityAfter(ctx context.Context, limit int, cursor int64, requestID string) ([]domain.ActivityEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	clauses := []string{"1=1"}
	var args []any
	if requestID != "" {
		clauses = append(clauses, "request_id=?")
		args = append(args, requestID)
	}
	if cursor > 0 {
		clauses = append(clauses, "id>?")
		args = append(args, cursor)
	}
	where := "WHERE " + strings.Join(clauses, " AND ")
	query := fmt.Sprintf(`SELECT id,ts,type,ref_id,kind,COALESCE(request_id,''),actor_id,summary,read FROM activity %s ORDER BY id ASC LIMIT ?`, where)
	args = append(args, limit)
	return r.queryActivity(ctx, query, args...)
}

func (r Repo) queryActivity(ctx context.Context, query string, args ...any) ([]domain.ActivityEntry, error) {
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.ActivityEntry
	for rows.Next() {
		var e domain.ActivityEntry
		if err := rows.Scan(&e.ID, &e.Timestamp, &e.Type, &e.RefID, &e.Kind, &e.RequestID, &e.ActorID, &e.Summary, &e.Read); err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

// LatestActivityID returns the most recent entry ID, 0 when the feed is empty.
func (r Repo) LatestActivityID(ctx context.Context) (int64, error) {
	var id int64
	err := r.DB.QueryRowContext(ctx, `SELECT COALESCE(MAX(id),0) FROM activity`).Scan(&id)
	return id, err
}

// MarkActivityRead marks entries up to and including id as read.
func (r Repo) MarkActivityRead(ctx context.Context, upTo int64) error {
	_, err := r.DB.ExecContext(ctx, `UPDATE activity SET read=1 WHERE id<=? AND read=0`, upTo)
	return err
}
