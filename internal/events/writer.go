package events

import (
	"context"
	"database/sql"
	"time"
)

// Writer appends activity entries inside the caller's transaction.
type Writer struct {
	DB  *sql.DB
	Now func() time.Time
}

type Entry struct {
	Type      string
	RefID     string
	Kind      string
	RequestID string
	ActorID   string
	Summary   string
}

func (w Writer) Append(ctx context.Context, tx *sql.Tx, e Entry) error {
	if w.Now == nil {
		w.Now = time.Now
	}
	ts := w.Now().UTC().Format(time.RFC3339)
	_, err := tx.ExecContext(ctx, `INSERT INTO activity(ts,type,ref_id,kind,request_id,actor_id,summary) VALUES (?,?,?,?,?,?,?)`,
		ts, e.Type, e.RefID, e.Kind, nullable(e.RequestID), e.ActorID, e.Summary)
	return err
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
