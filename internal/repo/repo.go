package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"visaline/internal/config"
	"visaline/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

const requestCols = `id,owner_id,title,service_type,target_country,budget_range,timeline_bucket,COALESCE(description,'') AS description,status,created_at,updated_at`

func scanRequest(row *sql.Row) (domain.Request, error) {
	var req domain.Request
	err := row.Scan(&req.ID, &req.OwnerID, &req.Title, &req.ServiceType, &req.TargetCountry, &req.BudgetRange, &req.TimelineBucket, &req.Description, &req.Status, &req.CreatedAt, &req.UpdatedAt)
	if err == sql.ErrNoRows {
		return req, ErrNotFound
	}
	return req, err
}

func (r Repo) InsertRequest(ctx context.Context, tx *sql.Tx, req domain.Request) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO requests(id,owner_id,title,service_type,target_country,budget_range,timeline_bucket,description,status,created_at,updated_at) VALUES (?,?,?,?,?,?,?,?,?,?,?)`,
		req.ID, req.OwnerID, req.Title, req.ServiceType, req.TargetCountry, req.BudgetRange, req.TimelineBucket, req.Description, req.Status, req.CreatedAt, req.UpdatedAt)
	return err
}

func (r Repo) GetRequest(ctx context.Context, id string) (domain.Request, error) {
	return scanRequest(r.DB.QueryRowContext(ctx, `SELECT `+requestCols+` FROM requests WHERE id=?`, id))
}

func (r Repo) GetRequestTx(ctx context.Context, tx *sql.Tx, id string) (domain.Request, error) {
	return scanRequest(tx.QueryRowContext(ctx, `SELECT `+requestCols+` FROM requests WHERE id=?`, id))
}

// UpdateRequestStatusFrom flips a request status only when it still holds the
// expected one. Returns ErrNotFound when the guard does not match.
func (r Repo) UpdateRequestStatusFrom(ctx context.Context, tx *sql.Tx, id string, from, to domain.RequestStatus, now string) error {
	res, err := tx.ExecContext(ctx, `UPDATE requests SET status=?, updated_at=? WHERE id=? AND status=?`, to, now, id, from)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) UpdateRequestStatus(ctx context.Context, tx *sql.Tx, id string, to domain.RequestStatus, now string) error {
	res, err := tx.ExecContext(ctx, `UPDATE requests SET status=?, updated_at=? WHERE id=?`, to, now, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

type RequestFilters struct {
	OwnerID         string
	Status          string
	ServiceType     string
	TargetCountry   string
	Limit           int
	CursorCreatedAt string
	CursorID        string
}

func (r Repo) ListRequests(ctx context.Context, f RequestFilters) ([]domain.Request, error) {
	var clauses []string
	var args []any
	if f.OwnerID != "" {
		clauses = append(clauses, "owner_id=?")
		args = append(args, f.OwnerID)
	}
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, f.Status)
	}
	if f.ServiceType != "" {
		clauses = append(clauses, "service_type=?")
		args = append(args, f.ServiceType)
	}
	if f.TargetCountry != "" {
		clauses = append(clauses, "target_country=?")
		args = append(args, f.TargetCountry)
	}
	if f.CursorCreatedAt != "" && f.CursorID != "" {
		clauses = append(clauses, "(created_at < ? OR (created_at = ? AND id < ?))")
		args = append(args, f.CursorCreatedAt, f.CursorCreatedAt, f.CursorID)
	}
	where := ""
	if len(clauses) > 0 {
		where = "WHERE " + strings.Join(clauses, " AND ")
	}
	query := `SELECT ` + requestCols + ` FROM requests ` + where + ` ORDER BY created_at DESC, id DESC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Request
	for rows.Next() {
		var req domain.Request
		if err := rows.Scan(&req.ID, &req.OwnerID, &req.Title, &req.ServiceType, &req.TargetCountry, &req.BudgetRange, &req.TimelineBucket, &req.Description, &req.Status, &req.CreatedAt, &req.UpdatedAt); err != nil {
			return nil, err
		}
		res = append(res, req)
	}
	return res, rows.Err()
}

const proposalCols = `id,request_id,submitter_id,submitter_name,proposed_budget,budget_unset,proposed_timeline,COALESCE(cover_letter,'') AS cover_letter,COALESCE(proposal_text,'') AS proposal_text,status,created_at,updated_at`

func scanProposal(row *sql.Row) (domain.Proposal, error) {
	var p domain.Proposal
	err := row.Scan(&p.ID, &p.RequestID, &p.SubmitterID, &p.SubmitterName, &p.ProposedBudget, &p.BudgetUnset, &p.ProposedTimeline, &p.CoverLetter, &p.ProposalText, &p.Status, &p.CreatedAt, &p.UpdatedAt)
	if err == sql.ErrNoRows {
		return p, ErrNotFound
	}
	return p, err
}

func (r Repo) InsertProposal(ctx context.Context, tx *sql.Tx, p domain.Proposal) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO proposals(id,request_id,submitter_id,submitter_name,proposed_budget,budget_unset,proposed_timeline,cover_letter,proposal_text,status,created_at,updated_at) VALUES (?,?,?,?,?,?,?,?,?,?,?,?)`,
		p.ID, p.RequestID, p.SubmitterID, p.SubmitterName, p.ProposedBudget, p.BudgetUnset, p.ProposedTimeline, p.CoverLetter, p.ProposalText, p.Status, p.CreatedAt, p.UpdatedAt)
	return err
}

func (r Repo) GetProposal(ctx context.Context, id string) (domain.Proposal, error) {
	return scanProposal(r.DB.QueryRowContext(ctx, `SELECT `+proposalCols+` FROM proposals WHERE id=?`, id))
}

func (r Repo) GetProposalTx(ctx context.Context, tx *sql.Tx, id string) (domain.Proposal, error) {
	return scanProposal(tx.QueryRowContext(ctx, `SELECT `+proposalCols+` FROM proposals WHERE id=?`, id))
}

// UpdateProposalStatusFrom flips a proposal status only when it still holds
// the expected one. Returns ErrNotFound when the guard does not match.
func (r Repo) UpdateProposalStatusFrom(ctx context.Context, tx *sql.Tx, id string, from, to domain.ProposalStatus, now string) error {
	res, err := tx.ExecContext(ctx, `UPDATE proposals SET status=?, updated_at=? WHERE id=? AND status=?`, to, now, id, from)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// RejectOpenSiblings marks every pending or counter-offered sibling of the
// accepted proposal as rejected and returns their IDs.
func (r Repo) RejectOpenSiblings(ctx context.Context, tx *sql.Tx, requestID, acceptedID, now string) ([]string, error) {
	rows, err := tx.QueryContext(ctx, `SELECT id FROM proposals WHERE request_id=? AND id!=? AND status IN ('pending','counter-offered')`, requestID, acceptedID)
	if err != nil {
		return nil, err
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, err
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	rows.Close()
	for _, id := range ids {
		if _, err := tx.ExecContext(ctx, `UPDATE proposals SET status='rejected', updated_at=? WHERE id=?`, now, id); err != nil {
			return nil, err
		}
	}
	return ids, nil
}

// AcceptedProposalID returns the accepted proposal for a request, or
// ErrNotFound when none has been accepted.
func (r Repo) AcceptedProposalID(ctx context.Context, tx *sql.Tx, requestID string) (string, error) {
	var id string
	err := tx.QueryRowContext(ctx, `SELECT id FROM proposals WHERE request_id=? AND status='accepted' LIMIT 1`, requestID).Scan(&id)
	if err == sql.ErrNoRows {
		return "", ErrNotFound
	}
	return id, err
}

type ProposalFilters struct {
	RequestID       string
	SubmitterID     string
	Status          string
	Limit           int
	CursorCreatedAt string
	CursorID        string
}

func (r Repo) ListProposals(ctx context.Context, f ProposalFilters) ([]domain.Proposal, error) {
	var clauses []string
	var args []any
	if f.RequestID != "" {
		clauses = append(clauses, "request_id=?")
		args = append(args, f.RequestID)
	}
	if f.SubmitterID != "" {
		clauses = append(clauses, "submitter_id=?")
		args = append(args, f.SubmitterID)
	}
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, f.Status)
	}
	if f.CursorCreatedAt != "" && f.CursorID != "" {
		clauses = append(clauses, "(created_at < ? OR (created_at = ? AND id < ?))")
		args = append(args, f.CursorCreatedAt, f.CursorCreatedAt, f.CursorID)
	}
	where := ""
	if len(clauses) > 0 {
		where = "WHERE " + strings.Join(clauses, " AND ")
	}
	query := `SELECT ` + proposalCols + ` FROM proposals ` + where + ` ORDER BY created_at DESC, id DESC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Proposal
	for rows.Next() {
		var p domain.Proposal
		if err := rows.Scan(&p.ID, &p.RequestID, &p.SubmitterID, &p.SubmitterName, &p.ProposedBudget, &p.BudgetUnset, &p.ProposedTimeline, &p.CoverLetter, &p.ProposalText, &p.Status, &p.CreatedAt, &p.UpdatedAt); err != nil {
			return nil, err
		}
		res = append(res, p)
	}
	return res, rows.Err()
}

func (r Repo) CountProposalsByStatus(ctx context.Context, requestID string) (map[string]int, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT status, count(*) FROM proposals WHERE request_id=? GROUP BY status`, requestID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := map[string]int{}
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, err
		}
		res[status] = count
	}
	return res, nil
}

func (r Repo) UpsertMarketplaceConfig(ctx context.Context, tx *sql.Tx, marketplaceID string, cfg *config.Config) error {
	if cfg == nil {
		return fmt.Errorf("config nil")
	}
	cfg.Marketplace.ID = marketplaceID
	if err := cfg.Validate(); err != nil {
		return err
	}
	payload, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}
	now := time.Now().UTC().Format(time.RFC3339)
	exec := func(query string, args ...any) (sql.Result, error) {
		if tx != nil {
			return tx.ExecContext(ctx, query, args...)
		}
		return r.DB.ExecContext(ctx, query, args...)
	}
	_, err = exec(`INSERT INTO marketplace_config(marketplace_id,yaml,updated_at) VALUES (?,?,?)
ON CONFLICT(marketplace_id) DO UPDATE SET yaml=excluded.yaml, updated_at=excluded.updated_at`, marketplaceID, string(payload), now)
	return err
}

func (r Repo) GetMarketplaceConfig(ctx context.Context, marketplaceID string) (*config.Config, error) {
	var payload string
	err := r.DB.QueryRowContext(ctx, `SELECT yaml FROM marketplace_config WHERE marketplace_id=?`, marketplaceID).Scan(&payload)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return config.FromYAML([]byte(payload))
}

// SingleMarketplaceConfig resolves the config when exactly one marketplace
// has been configured.
func (r Repo) SingleMarketplaceConfig(ctx context.Context) (*config.Config, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT yaml FROM marketplace_config`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var payloads []string
	for rows.Next() {
		var p string
		if err := rows.Scan(&p); err != nil {
			return nil, err
		}
		payloads = append(payloads, p)
	}
	if len(payloads) == 0 {
		return nil, ErrNotFound
	}
	if len(payloads) > 1 {
		return nil, fmt.Errorf("multiple marketplaces configured; specify --marketplace")
	}
	return config.FromYAML([]byte(payloads[0]))
}
