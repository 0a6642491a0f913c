package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"visaline/internal/config"
	"visaline/internal/domain"
	"visaline/internal/events"
	"visaline/internal/repo"
)

type Engine struct {
	DB     *sql.DB
	Repo   repo.Repo
	Events events.Writer
	Config *config.Config
	Now    func() time.Time
}

func New(db *sql.DB, cfg *config.Config) Engine {
	return Engine{
		DB:     db,
		Repo:   repo.Repo{DB: db},
		Events: events.Writer{DB: db},
		Config: cfg,
		Now:    time.Now,
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e Engine) nowRFC3339() string {
	return e.now().UTC().Format(time.RFC3339)
}

// InitMarketplace stores the default config for a new marketplace with
// migrations already run.
func (e Engine) InitMarketplace(ctx context.Context, marketplaceID, actorID string) (*config.Config, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	cfg := config.Default(marketplaceID)
	if err := e.Repo.UpsertMarketplaceConfig(ctx, tx, marketplaceID, cfg); err != nil {
		return nil, fmt.Errorf("insert marketplace config: %w", err)
	}
	if err := e.Events.Append(ctx, tx, events.Entry{
		Type: "marketplace", RefID: marketplaceID, Kind: "marketplace.init",
		ActorID: actorID, Summary: fmt.Sprintf("marketplace %s initialized", marketplaceID),
	}); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// RegisterActor creates or refreshes a marketplace participant.
func (e Engine) RegisterActor(ctx context.Context, a domain.Actor) (domain.Actor, error) {
	if a.ID == "" {
		return domain.Actor{}, &domain.ValidationError{Field: "id", Reason: "required"}
	}
	switch a.Role {
	case domain.RoleClient, domain.RoleAgent, domain.RoleOrganization:
	case "":
		a.Role = domain.RoleClient
	default:
		return domain.Actor{}, &domain.ValidationError{Field: "role", Reason: "unknown role " + a.Role}
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Actor{}, err
	}
	defer tx.Rollback()
	if a.CreatedAt == "" {
		a.CreatedAt = e.nowRFC3339()
	}
	if err := e.Repo.EnsureActor(ctx, tx, a); err != nil {
		return domain.Actor{}, err
	}
	stored, err := e.Repo.GetActorTx(ctx, tx, a.ID)
	if err != nil {
		return domain.Actor{}, err
	}
	return stored, tx.Commit()
}

// RequestCreateOptions are parameters for posting a request.
type RequestCreateOptions struct {
	ID             string
	OwnerID        string
	Title          string
	ServiceType    string
	TargetCountry  string
	BudgetRange    string
	TimelineBucket string
	Description    string
}

func (e Engine) CreateRequest(ctx context.Context, opts RequestCreateOptions) (domain.Request, error) {
	if e.Config == nil {
		return domain.Request{}, errors.New("config not loaded")
	}
	if opts.Title == "" {
		return domain.Request{}, &domain.ValidationError{Field: "title", Reason: "required"}
	}
	if opts.OwnerID == "" {
		return domain.Request{}, &domain.ValidationError{Field: "owner_id", Reason: "required"}
	}
	if opts.TargetCountry == "" {
		return domain.Request{}, &domain.ValidationError{Field: "target_country", Reason: "required"}
	}
	if !e.Config.HasServiceType(opts.ServiceType) {
		return domain.Request{}, &domain.ValidationError{Field: "service_type", Reason: "unknown service type " + opts.ServiceType}
	}
	if opts.BudgetRange != "" && !e.Config.HasBudgetRange(opts.BudgetRange) {
		return domain.Request{}, &domain.ValidationError{Field: "budget_range", Reason: "unknown budget range " + opts.BudgetRange}
	}
	if opts.TimelineBucket == "" {
		opts.TimelineBucket = "unspecified"
	}
	if !e.Config.HasTimelineBucket(opts.TimelineBucket) {
		return domain.Request{}, &domain.ValidationError{Field: "timeline_bucket", Reason: "unknown timeline bucket " + opts.TimelineBucket}
	}

	now := e.nowRFC3339()
	id := opts.ID
	if id == "" {
		id = uuid.NewSHA1(uuid.NameSpaceOID, []byte(opts.OwnerID+"|"+opts.Title+"|"+now)).String()
	}
	req := domain.Request{
		ID:             id,
		OwnerID:        opts.OwnerID,
		Title:          opts.Title,
		ServiceType:    opts.ServiceType,
		TargetCountry:  opts.TargetCountry,
		BudgetRange:    opts.BudgetRange,
		TimelineBucket: opts.TimelineBucket,
		Description:    opts.Description,
		Status:         domain.RequestOpen,
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Request{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.EnsureActor(ctx, tx, domain.Actor{ID: opts.OwnerID, Role: domain.RoleClient, CreatedAt: now}); err != nil {
		return domain.Request{}, err
	}
	if err := e.Repo.InsertRequest(ctx, tx, req); err != nil {
		return domain.Request{}, fmt.Errorf("insert request: %w", err)
	}
	if err := e.Events.Append(ctx, tx, events.Entry{
		Type: "request", RefID: req.ID, Kind: "request.created", RequestID: req.ID,
		ActorID: opts.OwnerID, Summary: fmt.Sprintf("request %q posted", req.Title),
	}); err != nil {
		return domain.Request{}, err
	}
	return req, tx.Commit()
}

// CancelRequest cancels an open or pending-review request owned by actorID.
// Every still-open proposal on it is rejected in the same transaction.
func (e Engine) CancelRequest(ctx context.Context, requestID, actorID string) (domain.Request, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Request{}, err
	}
	defer tx.Rollback()

	req, err := e.Repo.GetRequestTx(ctx, tx, requestID)
	if err != nil {
		return domain.Request{}, err
	}
	if req.OwnerID != actorID {
		return domain.Request{}, &domain.ForbiddenError{ActorID: actorID, Action: "cancel request " + requestID}
	}
	if !domain.CancellableRequest(req.Status) {
		return domain.Request{}, &domain.InvalidTransitionError{From: string(req.Status), Event: "cancel"}
	}
	now := e.nowRFC3339()
	if err := e.Repo.UpdateRequestStatusFrom(ctx, tx, requestID, req.Status, domain.RequestCancelled, now); err != nil {
		if err == repo.ErrNotFound {
			return domain.Request{}, &domain.InvalidTransitionError{From: string(req.Status), Event: "cancel"}
		}
		return domain.Request{}, err
	}
	rejected, err := e.Repo.RejectOpenSiblings(ctx, tx, requestID, "", now)
	if err != nil {
		return domain.Request{}, err
	}
	if err := e.Events.Append(ctx, tx, events.Entry{
		Type: "request", RefID: requestID, Kind: "request.cancelled", RequestID: requestID,
		ActorID: actorID, Summary: fmt.Sprintf("request %q cancelled", req.Title),
	}); err != nil {
		return domain.Request{}, err
	}
	for _, pid := range rejected {
		if err := e.Events.Append(ctx, tx, events.Entry{
			Type: "proposal", RefID: pid, Kind: "proposal.rejected", RequestID: requestID,
			ActorID: actorID, Summary: "proposal rejected: request cancelled",
		}); err != nil {
			return domain.Request{}, err
		}
	}
	req.Status = domain.RequestCancelled
	req.UpdatedAt = now
	return req, tx.Commit()
}

// ProposalSubmitOptions are parameters for submitting a proposal.
type ProposalSubmitOptions struct {
	ID               string
	RequestID        string
	SubmitterID      string
	SubmitterName    string
	ProposedBudget   float64
	BudgetUnset      bool
	ProposedTimeline string
	CoverLetter      string
	ProposalText     string
}

func (e Engine) SubmitProposal(ctx context.Context, opts ProposalSubmitOptions) (domain.Proposal, error) {
	if opts.RequestID == "" {
		return domain.Proposal{}, &domain.ValidationError{Field: "request_id", Reason: "required"}
	}
	if opts.SubmitterID == "" {
		return domain.Proposal{}, &domain.ValidationError{Field: "submitter_id", Reason: "required"}
	}
	if opts.ProposedBudget < 0 {
		return domain.Proposal{}, &domain.ValidationError{Field: "proposed_budget", Reason: "must not be negative"}
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Proposal{}, err
	}
	defer tx.Rollback()

	req, err := e.Repo.GetRequestTx(ctx, tx, opts.RequestID)
	if err != nil {
		return domain.Proposal{}, err
	}
	if req.OwnerID == opts.SubmitterID {
		return domain.Proposal{}, &domain.ForbiddenError{ActorID: opts.SubmitterID, Action: "propose on own request"}
	}
	// Submissions land only on open requests. A request in any other state,
	// pending-review included, reads as gone to a would-be submitter.
	if req.Status != domain.RequestOpen {
		return domain.Proposal{}, &domain.NotFoundError{Kind: "request", ID: opts.RequestID}
	}

	now := e.nowRFC3339()
	id := opts.ID
	if id == "" {
		id = uuid.NewSHA1(uuid.NameSpaceOID, []byte(opts.RequestID+"|"+opts.SubmitterID+"|"+now)).String()
	}
	name := opts.SubmitterName
	if name == "" {
		name = "Unknown submitter"
	}
	timeline := opts.ProposedTimeline
	if timeline == "" {
		timeline = "unspecified"
	}
	p := domain.Proposal{
		ID:               id,
		RequestID:        opts.RequestID,
		SubmitterID:      opts.SubmitterID,
		SubmitterName:    name,
		ProposedBudget:   opts.ProposedBudget,
		BudgetUnset:      opts.BudgetUnset,
		ProposedTimeline: timeline,
		CoverLetter:      opts.CoverLetter,
		ProposalText:     opts.ProposalText,
		Status:           domain.ProposalPending,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if err := e.Repo.EnsureActor(ctx, tx, domain.Actor{ID: opts.SubmitterID, Name: name, Role: domain.RoleAgent, CreatedAt: now}); err != nil {
		return domain.Proposal{}, err
	}
	if err := e.Repo.InsertProposal(ctx, tx, p); err != nil {
		return domain.Proposal{}, fmt.Errorf("insert proposal: %w", err)
	}
	if err := e.Events.Append(ctx, tx, events.Entry{
		Type: "proposal", RefID: p.ID, Kind: "proposal.submitted", RequestID: p.RequestID,
		ActorID: opts.SubmitterID, Summary: fmt.Sprintf("%s proposed on %q", name, req.Title),
	}); err != nil {
		return domain.Proposal{}, err
	}
	return p, tx.Commit()
}

// AcceptProposal accepts a proposal on behalf of the request owner. In one
// transaction the proposal becomes accepted, the request fulfilled, every
// still-open sibling rejected, and exactly one case created. A second accept
// on the same request fails with ConflictError no matter which proposal it
// targets.
func (e Engine) AcceptProposal(ctx context.Context, proposalID, actorID string) (domain.Proposal, domain.Case, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Proposal{}, domain.Case{}, err
	}
	defer tx.Rollback()

	p, err := e.Repo.GetProposalTx(ctx, tx, proposalID)
	if err != nil {
		return domain.Proposal{}, domain.Case{}, err
	}
	req, err := e.Repo.GetRequestTx(ctx, tx, p.RequestID)
	if err != nil {
		return domain.Proposal{}, domain.Case{}, err
	}
	if req.OwnerID != actorID {
		return domain.Proposal{}, domain.Case{}, &domain.ForbiddenError{ActorID: actorID, Action: "accept proposal " + proposalID}
	}
	if acceptedID, err := e.Repo.AcceptedProposalID(ctx, tx, p.RequestID); err == nil {
		return domain.Proposal{}, domain.Case{}, &domain.ConflictError{RequestID: p.RequestID, AcceptedID: acceptedID}
	} else if err != repo.ErrNotFound {
		return domain.Proposal{}, domain.Case{}, err
	}
	if _, err := domain.NextProposalStatus(p.Status, domain.EventAccept); err != nil {
		return domain.Proposal{}, domain.Case{}, err
	}

	now := e.nowRFC3339()
	if err := e.Repo.UpdateProposalStatusFrom(ctx, tx, proposalID, p.Status, domain.ProposalAccepted, now); err != nil {
		if err == repo.ErrNotFound {
			// Status moved under us. Re-read to report the right failure.
			if acceptedID, aerr := e.Repo.AcceptedProposalID(ctx, tx, p.RequestID); aerr == nil {
				return domain.Proposal{}, domain.Case{}, &domain.ConflictError{RequestID: p.RequestID, AcceptedID: acceptedID}
			}
			current, gerr := e.Repo.GetProposalTx(ctx, tx, proposalID)
			if gerr != nil {
				return domain.Proposal{}, domain.Case{}, gerr
			}
			return domain.Proposal{}, domain.Case{}, &domain.InvalidTransitionError{From: string(current.Status), Event: "accept"}
		}
		return domain.Proposal{}, domain.Case{}, err
	}
	if err := e.Repo.UpdateRequestStatus(ctx, tx, p.RequestID, domain.RequestFulfilled, now); err != nil {
		return domain.Proposal{}, domain.Case{}, err
	}
	rejected, err := e.Repo.RejectOpenSiblings(ctx, tx, p.RequestID, proposalID, now)
	if err != nil {
		return domain.Proposal{}, domain.Case{}, err
	}

	c := domain.Case{
		ID:         uuid.NewSHA1(uuid.NameSpaceOID, []byte("case|"+proposalID)).String(),
		RequestID:  p.RequestID,
		ProposalID: proposalID,
		AssigneeID: p.SubmitterID,
		Progress:   0,
		Milestones: e.defaultMilestones(),
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := e.Repo.InsertCase(ctx, tx, c); err != nil {
		return domain.Proposal{}, domain.Case{}, fmt.Errorf("insert case: %w", err)
	}

	entries := []events.Entry{
		{Type: "proposal", RefID: proposalID, Kind: "proposal.accepted", RequestID: p.RequestID,
			ActorID: actorID, Summary: fmt.Sprintf("%s accepted on %q", p.SubmitterName, req.Title)},
		{Type: "request", RefID: p.RequestID, Kind: "request.fulfilled", RequestID: p.RequestID,
			ActorID: actorID, Summary: fmt.Sprintf("request %q fulfilled", req.Title)},
		{Type: "case", RefID: c.ID, Kind: "case.created", RequestID: p.RequestID,
			ActorID: actorID, Summary: fmt.Sprintf("case opened for %q, assigned to %s", req.Title, p.SubmitterName)},
	}
	for _, pid := range rejected {
		entries = append(entries, events.Entry{
			Type: "proposal", RefID: pid, Kind: "proposal.rejected", RequestID: p.RequestID,
			ActorID: actorID, Summary: "proposal rejected: another proposal was accepted",
		})
	}
	for _, entry := range entries {
		if err := e.Events.Append(ctx, tx, entry); err != nil {
			return domain.Proposal{}, domain.Case{}, err
		}
	}
	if err := tx.Commit(); err != nil {
		return domain.Proposal{}, domain.Case{}, err
	}
	p.Status = domain.ProposalAccepted
	p.UpdatedAt = now
	return p, c, nil
}

// DeclineProposal rejects a proposal on behalf of the request owner.
// Declining an already-rejected proposal is a no-op, not an error.
func (e Engine) DeclineProposal(ctx context.Context, proposalID, actorID string) (domain.Proposal, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Proposal{}, err
	}
	defer tx.Rollback()

	p, err := e.Repo.GetProposalTx(ctx, tx, proposalID)
	if err != nil {
		return domain.Proposal{}, err
	}
	req, err := e.Repo.GetRequestTx(ctx, tx, p.RequestID)
	if err != nil {
		return domain.Proposal{}, err
	}
	if req.OwnerID != actorID {
		return domain.Proposal{}, &domain.ForbiddenError{ActorID: actorID, Action: "decline proposal " + proposalID}
	}
	if p.Status == domain.ProposalRejected {
		return p, tx.Commit()
	}
	if _, err := domain.NextProposalStatus(p.Status, domain.EventReject); err != nil {
		return domain.Proposal{}, err
	}
	now := e.nowRFC3339()
	if err := e.Repo.UpdateProposalStatusFrom(ctx, tx, proposalID, p.Status, domain.ProposalRejected, now); err != nil {
		if err == repo.ErrNotFound {
			return domain.Proposal{}, &domain.InvalidTransitionError{From: string(p.Status), Event: "reject"}
		}
		return domain.Proposal{}, err
	}
	if err := e.settleCounterReview(ctx, tx, req, p, now); err != nil {
		return domain.Proposal{}, err
	}
	if err := e.Events.Append(ctx, tx, events.Entry{
		Type: "proposal", RefID: proposalID, Kind: "proposal.rejected", RequestID: p.RequestID,
		ActorID: actorID, Summary: fmt.Sprintf("proposal by %s declined on %q", p.SubmitterName, req.Title),
	}); err != nil {
		return domain.Proposal{}, err
	}
	p.Status = domain.ProposalRejected
	p.UpdatedAt = now
	return p, tx.Commit()
}

// WithdrawProposal withdraws a proposal on behalf of its submitter.
func (e Engine) WithdrawProposal(ctx context.Context, proposalID, actorID string) (domain.Proposal, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Proposal{}, err
	}
	defer tx.Rollback()

	p, err := e.Repo.GetProposalTx(ctx, tx, proposalID)
	if err != nil {
		return domain.Proposal{}, err
	}
	if p.SubmitterID != actorID {
		return domain.Proposal{}, &domain.ForbiddenError{ActorID: actorID, Action: "withdraw proposal " + proposalID}
	}
	if _, err := domain.NextProposalStatus(p.Status, domain.EventWithdraw); err != nil {
		return domain.Proposal{}, err
	}
	now := e.nowRFC3339()
	if err := e.Repo.UpdateProposalStatusFrom(ctx, tx, proposalID, p.Status, domain.ProposalWithdrawn, now); err != nil {
		if err == repo.ErrNotFound {
			return domain.Proposal{}, &domain.InvalidTransitionError{From: string(p.Status), Event: "withdraw"}
		}
		return domain.Proposal{}, err
	}
	req, err := e.Repo.GetRequestTx(ctx, tx, p.RequestID)
	if err != nil {
		return domain.Proposal{}, err
	}
	if err := e.settleCounterReview(ctx, tx, req, p, now); err != nil {
		return domain.Proposal{}, err
	}
	if err := e.Events.Append(ctx, tx, events.Entry{
		Type: "proposal", RefID: proposalID, Kind: "proposal.withdrawn", RequestID: p.RequestID,
		ActorID: actorID, Summary: fmt.Sprintf("%s withdrew their proposal", p.SubmitterName),
	}); err != nil {
		return domain.Proposal{}, err
	}
	p.Status = domain.ProposalWithdrawn
	p.UpdatedAt = now
	return p, tx.Commit()
}

// CounterOptions are parameters for countering a pending proposal.
type CounterOptions struct {
	ProposalID       string
	ActorID          string
	ProposedBudget   float64
	ProposedTimeline string
	Note             string
}

// CounterProposal marks a pending proposal counter-offered and, on the first
// counter, moves the request to pending-review.
func (e Engine) CounterProposal(ctx context.Context, opts CounterOptions) (domain.Proposal, error) {
	if opts.ProposedBudget < 0 {
		return domain.Proposal{}, &domain.ValidationError{Field: "proposed_budget", Reason: "must not be negative"}
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Proposal{}, err
	}
	defer tx.Rollback()

	p, err := e.Repo.GetProposalTx(ctx, tx, opts.ProposalID)
	if err != nil {
		return domain.Proposal{}, err
	}
	req, err := e.Repo.GetRequestTx(ctx, tx, p.RequestID)
	if err != nil {
		return domain.Proposal{}, err
	}
	if req.OwnerID != opts.ActorID {
		return domain.Proposal{}, &domain.ForbiddenError{ActorID: opts.ActorID, Action: "counter proposal " + opts.ProposalID}
	}
	if _, err := domain.NextProposalStatus(p.Status, domain.EventCounter); err != nil {
		return domain.Proposal{}, err
	}
	now := e.nowRFC3339()
	if err := e.Repo.UpdateProposalStatusFrom(ctx, tx, opts.ProposalID, p.Status, domain.ProposalCounterOffered, now); err != nil {
		if err == repo.ErrNotFound {
			return domain.Proposal{}, &domain.InvalidTransitionError{From: string(p.Status), Event: "counter"}
		}
		return domain.Proposal{}, err
	}
	if opts.ProposedBudget > 0 || opts.ProposedTimeline != "" {
		budget := p.ProposedBudget
		unset := p.BudgetUnset
		if opts.ProposedBudget > 0 {
			budget = opts.ProposedBudget
			unset = false
		}
		timeline := p.ProposedTimeline
		if opts.ProposedTimeline != "" {
			timeline = opts.ProposedTimeline
		}
		if _, err := tx.ExecContext(ctx, `UPDATE proposals SET proposed_budget=?, budget_unset=?, proposed_timeline=?, updated_at=? WHERE id=?`,
			budget, unset, timeline, now, opts.ProposalID); err != nil {
			return domain.Proposal{}, err
		}
		p.ProposedBudget = budget
		p.BudgetUnset = unset
		p.ProposedTimeline = timeline
	}
	if req.Status == domain.RequestOpen {
		if err := e.Repo.UpdateRequestStatusFrom(ctx, tx, req.ID, domain.RequestOpen, domain.RequestPendingReview, now); err != nil && err != repo.ErrNotFound {
			return domain.Proposal{}, err
		}
	}
	summary := fmt.Sprintf("counter-offer sent to %s", p.SubmitterName)
	if opts.Note != "" {
		summary += ": " + opts.Note
	}
	if err := e.Events.Append(ctx, tx, events.Entry{
		Type: "proposal", RefID: opts.ProposalID, Kind: "proposal.counter-offered", RequestID: p.RequestID,
		ActorID: opts.ActorID, Summary: summary,
	}); err != nil {
		return domain.Proposal{}, err
	}
	p.Status = domain.ProposalCounterOffered
	p.UpdatedAt = now
	return p, tx.Commit()
}

// settleCounterReview returns a pending-review request to open once its last
// counter-offered proposal has resolved. The resolved proposal's row may not
// reflect the new status inside this tx snapshot, so it is excluded by ID.
func (e Engine) settleCounterReview(ctx context.Context, tx *sql.Tx, req domain.Request, resolved domain.Proposal, now string) error {
	if req.Status != domain.RequestPendingReview {
		return nil
	}
	var open int
	err := tx.QueryRowContext(ctx, `SELECT count(*) FROM proposals WHERE request_id=? AND id!=? AND status='counter-offered'`, req.ID, resolved.ID).Scan(&open)
	if err != nil {
		return err
	}
	if open > 0 {
		return nil
	}
	err = e.Repo.UpdateRequestStatusFrom(ctx, tx, req.ID, domain.RequestPendingReview, domain.RequestOpen, now)
	if err == repo.ErrNotFound {
		return nil
	}
	return err
}

// CaseProgressOptions are parameters for updating case progress.
type CaseProgressOptions struct {
	CaseID         string
	ActorID        string
	Progress       *int
	MilestonesDone []string
}

// UpdateCaseProgress updates progress and marks milestones done. Only the
// case assignee may mutate it.
func (e Engine) UpdateCaseProgress(ctx context.Context, opts CaseProgressOptions) (domain.Case, error) {
	if opts.Progress != nil && (*opts.Progress < 0 || *opts.Progress > 100) {
		return domain.Case{}, &domain.ValidationError{Field: "progress", Reason: "must be between 0 and 100"}
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Case{}, err
	}
	defer tx.Rollback()

	c, err := e.Repo.GetCaseTx(ctx, tx, opts.CaseID)
	if err != nil {
		return domain.Case{}, err
	}
	if c.AssigneeID != opts.ActorID {
		return domain.Case{}, &domain.ForbiddenError{ActorID: opts.ActorID, Action: "update case " + opts.CaseID}
	}
	if opts.Progress != nil {
		c.Progress = *opts.Progress
	}
	for _, name := range opts.MilestonesDone {
		found := false
		for i := range c.Milestones {
			if c.Milestones[i].Name == name {
				c.Milestones[i].Done = true
				found = true
			}
		}
		if !found {
			return domain.Case{}, &domain.ValidationError{Field: "milestones", Reason: "unknown milestone " + name}
		}
	}
	now := e.nowRFC3339()
	c.UpdatedAt = now
	if err := e.Repo.UpdateCase(ctx, tx, c); err != nil {
		return domain.Case{}, err
	}
	if err := e.Events.Append(ctx, tx, events.Entry{
		Type: "case", RefID: c.ID, Kind: "case.progress", RequestID: c.RequestID,
		ActorID: opts.ActorID, Summary: fmt.Sprintf("case progress %d%%", c.Progress),
	}); err != nil {
		return domain.Case{}, err
	}
	return c, tx.Commit()
}

// IssueAPIKey mints a raw API key for an actor and stores its hash. The raw
// key is returned once and never persisted.
func (e Engine) IssueAPIKey(ctx context.Context, actorID, name string) (string, domain.APIKey, error) {
	if actorID == "" {
		return "", domain.APIKey{}, &domain.ValidationError{Field: "actor_id", Reason: "required"}
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return "", domain.APIKey{}, err
	}
	defer tx.Rollback()

	now := e.nowRFC3339()
	if err := e.Repo.EnsureActor(ctx, tx, domain.Actor{ID: actorID, Role: domain.RoleClient, CreatedAt: now}); err != nil {
		return "", domain.APIKey{}, err
	}
	raw := uuid.NewString() + uuid.NewString()
	key := domain.APIKey{
		ID:        uuid.NewString(),
		ActorID:   actorID,
		Name:      name,
		KeyHash:   repo.HashAPIKey(raw),
		CreatedAt: now,
	}
	if err := e.Repo.InsertAPIKey(ctx, tx, key); err != nil {
		return "", domain.APIKey{}, err
	}
	return raw, key, tx.Commit()
}

func (e Engine) defaultMilestones() []domain.Milestone {
	if e.Config == nil {
		return nil
	}
	var out []domain.Milestone
	for _, name := range e.Config.Case.Milestones {
		out = append(out, domain.Milestone{Name: name})
	}
	return out
}
