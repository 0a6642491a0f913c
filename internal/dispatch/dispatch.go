// Package dispatch sends lifecycle actions to the Visaline API and maps the
// outcomes onto the domain error taxonomy. The server stays authoritative:
// the dispatcher never flips local state ahead of a confirmed response, it
// only blocks duplicate in-flight actions and invalidates cached reads once
// a mutation lands.
package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"

	"visaline/internal/cache"
	"visaline/internal/domain"
	visalinesdk "visaline/sdk/go"
)

// ErrActionPending is returned when an action for the same proposal is still
// in flight.
var ErrActionPending = errors.New("action already in flight for this proposal")

// SubmitProposalInput carries the fields a proposal submission requires.
type SubmitProposalInput struct {
	RequestID        string
	ProposedBudget   float64
	ProposedTimeline string
	CoverLetter      string
	ProposalText     string
	SubmitterName    string
}

// CounterInput carries the owner's counter terms.
type CounterInput struct {
	ProposalID       string
	ProposedBudget   float64
	ProposedTimeline string
	Note             string
}

// Dispatcher serializes lifecycle actions per proposal and keeps the read
// cache honest.
type Dispatcher struct {
	Client *visalinesdk.Client
	Cache  *cache.Store

	mu      sync.Mutex
	pending map[string]struct{}
}

// New builds a dispatcher over the client. The cache may be nil.
func New(client *visalinesdk.Client, store *cache.Store) *Dispatcher {
	return &Dispatcher{
		Client:  client,
		Cache:   store,
		pending: make(map[string]struct{}),
	}
}

// checkCredentials fails fast before any round trip when the client carries
// no credential at all.
func (d *Dispatcher) checkCredentials() error {
	if d.Client.BearerToken == "" && d.Client.APIKey == "" {
		return &domain.AuthError{Reason: "no credentials configured"}
	}
	return nil
}

// begin marks a key as in flight; callers must release it in all paths.
func (d *Dispatcher) begin(key string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, busy := d.pending[key]; busy {
		return ErrActionPending
	}
	d.pending[key] = struct{}{}
	return nil
}

func (d *Dispatcher) release(key string) {
	d.mu.Lock()
	delete(d.pending, key)
	d.mu.Unlock()
}

func (d *Dispatcher) invalidate(requestID string) {
	if d.Cache != nil {
		d.Cache.Invalidate(requestID)
	}
}

// SubmitProposal validates the payload locally, then submits. Every field
// must be present; the server would reject the gaps anyway but the round
// trip is pointless.
func (d *Dispatcher) SubmitProposal(ctx context.Context, in SubmitProposalInput) (visalinesdk.Proposal, error) {
	var zero visalinesdk.Proposal
	if err := d.checkCredentials(); err != nil {
		return zero, err
	}
	if in.RequestID == "" {
		return zero, &domain.ValidationError{Field: "request_id", Reason: "must not be empty"}
	}
	if in.ProposedBudget <= 0 {
		return zero, &domain.ValidationError{Field: "proposed_budget", Reason: "must be a positive amount"}
	}
	if strings.TrimSpace(in.ProposedTimeline) == "" {
		return zero, &domain.ValidationError{Field: "proposed_timeline", Reason: "must not be empty"}
	}
	if strings.TrimSpace(in.CoverLetter) == "" {
		return zero, &domain.ValidationError{Field: "cover_letter", Reason: "must not be empty"}
	}
	if strings.TrimSpace(in.ProposalText) == "" {
		return zero, &domain.ValidationError{Field: "proposal_text", Reason: "must not be empty"}
	}
	if strings.TrimSpace(in.SubmitterName) == "" {
		return zero, &domain.ValidationError{Field: "submitter_name", Reason: "must not be empty"}
	}
	key := "submit|" + in.RequestID
	if err := d.begin(key); err != nil {
		return zero, err
	}
	defer d.release(key)

	p, err := d.Client.SubmitProposal(ctx, in.RequestID, map[string]any{
		"proposed_budget":   in.ProposedBudget,
		"proposed_timeline": in.ProposedTimeline,
		"cover_letter":      in.CoverLetter,
		"proposal_text":     in.ProposalText,
		"submitter_name":    in.SubmitterName,
	})
	if err != nil {
		return zero, mapError("submit proposal", err)
	}
	d.invalidate(in.RequestID)
	return p, nil
}

// Accept accepts a proposal. The outcome carries the accepted proposal and
// the case the server created in the same transaction.
func (d *Dispatcher) Accept(ctx context.Context, proposalID string) (visalinesdk.AcceptOutcome, error) {
	var zero visalinesdk.AcceptOutcome
	if err := d.checkCredentials(); err != nil {
		return zero, err
	}
	if err := d.begin(proposalID); err != nil {
		return zero, err
	}
	defer d.release(proposalID)

	out, err := d.Client.AcceptProposal(ctx, proposalID)
	if err != nil {
		return zero, mapError("accept proposal", err)
	}
	d.invalidate(out.Case.RequestID)
	return out, nil
}

// Decline declines a proposal. Declining an already-rejected proposal
// succeeds; the server treats it as a no-op.
func (d *Dispatcher) Decline(ctx context.Context, proposalID string) (visalinesdk.Proposal, error) {
	return d.simpleAction(ctx, proposalID, "decline proposal", d.Client.DeclineProposal)
}

// Withdraw withdraws a proposal.
func (d *Dispatcher) Withdraw(ctx context.Context, proposalID string) (visalinesdk.Proposal, error) {
	return d.simpleAction(ctx, proposalID, "withdraw proposal", d.Client.WithdrawProposal)
}

func (d *Dispatcher) simpleAction(ctx context.Context, proposalID, op string, call func(context.Context, string) (visalinesdk.Proposal, error)) (visalinesdk.Proposal, error) {
	var zero visalinesdk.Proposal
	if err := d.checkCredentials(); err != nil {
		return zero, err
	}
	if err := d.begin(proposalID); err != nil {
		return zero, err
	}
	defer d.release(proposalID)

	p, err := call(ctx, proposalID)
	if err != nil {
		return zero, mapError(op, err)
	}
	d.invalidate(p.RequestID)
	return p, nil
}

// Counter sends the owner's counter-offer on a pending proposal.
func (d *Dispatcher) Counter(ctx context.Context, in CounterInput) (visalinesdk.Proposal, error) {
	var zero visalinesdk.Proposal
	if err := d.checkCredentials(); err != nil {
		return zero, err
	}
	if in.ProposalID == "" {
		return zero, &domain.ValidationError{Field: "proposal_id", Reason: "must not be empty"}
	}
	if err := d.begin(in.ProposalID); err != nil {
		return zero, err
	}
	defer d.release(in.ProposalID)

	body := map[string]any{}
	if in.ProposedBudget > 0 {
		body["proposed_budget"] = in.ProposedBudget
	}
	if in.ProposedTimeline != "" {
		body["proposed_timeline"] = in.ProposedTimeline
	}
	if in.Note != "" {
		body["note"] = in.Note
	}
	p, err := d.Client.CounterProposal(ctx, in.ProposalID, body)
	if err != nil {
		return zero, mapError("counter proposal", err)
	}
	d.invalidate(p.RequestID)
	return p, nil
}

// CancelRequest cancels a request the caller owns.
func (d *Dispatcher) CancelRequest(ctx context.Context, requestID string) (visalinesdk.Request, error) {
	var zero visalinesdk.Request
	if err := d.checkCredentials(); err != nil {
		return zero, err
	}
	key := "cancel|" + requestID
	if err := d.begin(key); err != nil {
		return zero, err
	}
	defer d.release(key)

	r, err := d.Client.CancelRequest(ctx, requestID)
	if err != nil {
		return zero, mapError("cancel request", err)
	}
	d.invalidate(requestID)
	return r, nil
}

// errorEnvelope mirrors the API error body.
type errorEnvelope struct {
	Error struct {
		Code    string         `json:"code"`
		Message string         `json:"message"`
		Details map[string]any `json:"details"`
	} `json:"error"`
}

// mapError converts transport and API failures into the domain taxonomy so
// callers branch on types instead of status codes.
func mapError(op string, err error) error {
	var apiErr *visalinesdk.APIError
	if !errors.As(err, &apiErr) {
		return &domain.NetworkError{Op: op, Err: err}
	}
	var env errorEnvelope
	_ = json.Unmarshal([]byte(apiErr.Body), &env)
	msg := env.Error.Message
	if msg == "" {
		msg = apiErr.Body
	}
	detail := func(key string) string {
		if v, ok := env.Error.Details[key].(string); ok {
			return v
		}
		return ""
	}
	switch apiErr.StatusCode {
	case http.StatusBadRequest:
		return &domain.ValidationError{Field: detail("field"), Reason: msg}
	case http.StatusUnauthorized:
		return &domain.AuthError{Reason: msg}
	case http.StatusForbidden:
		return &domain.ForbiddenError{ActorID: detail("actor_id"), Action: op}
	case http.StatusNotFound:
		return &domain.NotFoundError{Kind: detail("kind"), ID: detail("id")}
	case http.StatusConflict:
		return &domain.ConflictError{RequestID: detail("request_id"), AcceptedID: detail("accepted_id")}
	case http.StatusUnprocessableEntity:
		return &domain.InvalidTransitionError{From: detail("from"), Event: detail("event")}
	default:
		if apiErr.StatusCode >= 500 {
			return &domain.NetworkError{Op: op, Err: fmt.Errorf("server error: status=%d", apiErr.StatusCode)}
		}
		return err
	}
}
