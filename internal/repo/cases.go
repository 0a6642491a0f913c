package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"visaline/internal/domain"
)

const caseCols = `id,request_id,proposal_id,assignee_id,progress,milestones_json,created_at,updated_at`

func scanCase(row *sql.Row) (domain.Case, error) {
	var c domain.Case
	var milestones string
	err := row.Scan(&c.ID, &c.RequestID, &c.ProposalID, &c.AssigneeID, &c.Progress, &milestones, &c.CreatedAt, &c.UpdatedAt)
	if err == sql.ErrNoRows {
		return c, ErrNotFound
	}
	if err != nil {
		return c, err
	}
	if err := json.Unmarshal([]byte(milestones), &c.Milestones); err != nil {
		return c, fmt.Errorf("case %s milestones: %w", c.ID, err)
	}
	return c, nil
}

func (r Repo) InsertCase(ctx context.Context, tx *sql.Tx, c domain.Case) error {
	milestones, err := json.Marshal(c.Milestones)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO cases(id,request_id,proposal_id,assignee_id,progress,milestones_json,created_at,updated_at) VALUES (?,?,?,?,?,?,?,?)`,
		c.ID, c.RequestID, c.ProposalID, c.AssigneeID, c.Progress, string(milestones), c.CreatedAt, c.UpdatedAt)
	return err
}

func (r Repo) GetCase(ctx context.Context, id string) (domain.Case, error) {
	return scanCase(r.DB.QueryRowContext(ctx, `SELECT `+caseCols+` FROM cases WHERE id=?`, id))
}

func (r Repo) GetCaseTx(ctx context.Context, tx *sql.Tx, id string) (domain.Case, error) {
	return scanCase(tx.QueryRowContext(ctx, `SELECT `+caseCols+` FROM cases WHERE id=?`, id))
}

// GetCaseByProposal looks a case up by the proposal that spawned it.
func (r Repo) GetCaseByProposal(ctx context.Context, proposalID string) (domain.Case, error) {
	return scanCase(r.DB.QueryRowContext(ctx, `SELECT `+caseCols+` FROM cases WHERE proposal_id=?`, proposalID))
}

func (r Repo) UpdateCase(ctx context.Context, tx *sql.Tx, c domain.Case) error {
	milestones, err := json.Marshal(c.Milestones)
	if err != nil {
		return err
	}
	res, err := tx.ExecContext(ctx, `UPDATE cases SET progress=?, milestones_json=?, updated_at=? WHERE id=?`,
		c.Progress, string(milestones), c.UpdatedAt, c.ID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

type CaseFilters struct {
	RequestID       string
	AssigneeID      string
	Limit           int
	CursorCreatedAt string
	CursorID        string
}

func (r Repo) ListCases(ctx context.Context, f CaseFilters) ([]domain.Case, error) {
	clauses := []string{"1=1"}
	var args []any
	if f.RequestID != "" {
		clauses = append(clauses, "request_id=?")
		args = append(args, f.RequestID)
	}
	if f.AssigneeID != "" {
		clauses = append(clauses, "assignee_id=?")
		args = append(args, f.AssigneeID)
	}
	if f.CursorCreatedAt != "" && f.CursorID != "" {
		clauses = append(clauses, "(created_at < ? OR (created_at = ? AND id < ?))")
		args = append(args, f.CursorCreatedAt, f.CursorCreatedAt, f.CursorID)
	}
	query := `SELECT ` + caseCols + ` FROM cases WHERE `
	for i, c := range clauses {
		if i > 0 {
			query += " AND "
		}
		query += c
	}
	query += ` ORDER BY created_at DESC, id DESC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Case
	for rows.Next() {
		var c domain.Case
		var milestones string
		if err := rows.Scan(&c.ID, &c.RequestID, &c.ProposalID, &c.AssigneeID, &c.Progress, &milestones, &c.CreatedAt, &c.UpdatedAt); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(milestones), &c.Milestones); err != nil {
			return nil, fmt.Errorf("case %s milestones: %w", c.ID, err)
		}
		res = append(res, c)
	}
	return res, rows.Err()
}
