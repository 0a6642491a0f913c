// Package normalize converts raw request and proposal records into canonical
// domain shapes. Records arrive in two dialects: the live API's snake_case
// form and the legacy fallback dataset's camelCase form. Each raw struct is a
// superset of both; Normalize resolves the union once so nothing downstream
// ever branches on shape.
package normalize

import (
	"encoding/json"
	"strconv"
	"strings"

	"visaline/internal/domain"
)

// UnknownSubmitter is the placeholder used when a record carries no
// submitter name.
const UnknownSubmitter = "Unknown submitter"

// UnspecifiedTimeline is the bucket used when a record carries no timeline.
const UnspecifiedTimeline = "unspecified"

// RawRequest is the superset of both request dialects.
type RawRequest struct {
	ID        string `json:"id"`
	RequestID string `json:"requestId"`

	Title        string `json:"title"`
	RequestTitle string `json:"requestTitle"`

	OwnerID  string `json:"owner_id"`
	ClientID string `json:"clientId"`

	ServiceType     string `json:"service_type"`
	ServiceTypeAlt  string `json:"serviceType"`
	VisaType        string `json:"visaType"`
	TargetCountry   string `json:"target_country"`
	Country         string `json:"country"`
	BudgetRange     string `json:"budget_range"`
	Budget          string `json:"budget"`
	TimelineBucket  string `json:"timeline_bucket"`
	Timeline        string `json:"timeline"`
	Description     string `json:"description"`
	Details         string `json:"details"`
	Status          string `json:"status"`
	CreatedAt       string `json:"created_at"`
	PostedAt        string `json:"postedAt"`
	UpdatedAt       string `json:"updated_at"`
	UpdatedAtLegacy string `json:"updatedAt"`
}

// RawProposal is the superset of both proposal dialects. Budgets stay raw
// until parseBudget: the legacy feed carries numbers, quoted numbers, and
// free text like "negotiable", and none of those may sink the record.
type RawProposal struct {
	ID         string `json:"id"`
	ProposalID string `json:"proposalId"`

	RequestID       string `json:"request_id"`
	RequestIDLegacy string `json:"requestId"`

	SubmitterID   string `json:"submitter_id"`
	AgentID       string `json:"agentId"`
	SubmitterName string `json:"submitter_name"`
	AgentName     string `json:"agentName"`

	ProposedBudget       json.RawMessage `json:"proposed_budget"`
	ProposedBudgetLegacy json.RawMessage `json:"budget"`

	ProposedTimeline string `json:"proposed_timeline"`
	Timeline         string `json:"timeline"`

	CoverLetter       string `json:"cover_letter"`
	CoverLetterLegacy string `json:"coverLetter"`
	ProposalText      string `json:"proposal_text"`
	Message           string `json:"message"`

	Status          string `json:"status"`
	CreatedAt       string `json:"created_at"`
	SubmittedAt     string `json:"submittedAt"`
	UpdatedAt       string `json:"updated_at"`
	UpdatedAtLegacy string `json:"updatedAt"`
}

// requestStatus canonicalizes the status spellings seen across both feeds.
// The legacy feed capitalizes freely and uses a few renamed terminals; an
// unrecognized spelling falls back to open rather than sinking the record.
func requestStatus(raw string) domain.RequestStatus {
	switch s := strings.ToLower(strings.TrimSpace(raw)); s {
	case "open", "pending-review", "fulfilled", "cancelled":
		return domain.RequestStatus(s)
	case "pendingreview", "pending_review":
		return domain.RequestPendingReview
	case "canceled":
		return domain.RequestCancelled
	case "closed", "completed":
		return domain.RequestFulfilled
	default:
		return domain.RequestOpen
	}
}

// proposalStatus canonicalizes proposal spellings. The legacy feed says
// "declined" where the live API says "rejected"; mapping it matters because
// a terminal proposal must not resurface as actionable pending.
func proposalStatus(raw string) domain.ProposalStatus {
	switch s := strings.ToLower(strings.TrimSpace(raw)); s {
	case "pending", "accepted", "rejected", "withdrawn", "counter-offered":
		return domain.ProposalStatus(s)
	case "declined":
		return domain.ProposalRejected
	case "counteroffered", "counter_offered":
		return domain.ProposalCounterOffered
	default:
		return domain.ProposalPending
	}
}

func coalesce(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

// Request normalizes one raw request record. A record without an identity
// field fails with MalformedRecordError; every other field has a default.
func Request(raw RawRequest) (domain.Request, error) {
	id := coalesce(raw.ID, raw.RequestID)
	if id == "" {
		return domain.Request{}, &domain.MalformedRecordError{Field: "id"}
	}
	status := requestStatus(raw.Status)
	created := coalesce(raw.CreatedAt, raw.PostedAt)
	return domain.Request{
		ID:             id,
		OwnerID:        coalesce(raw.OwnerID, raw.ClientID),
		Title:          raw.titleOrPlaceholder(),
		ServiceType:    coalesce(raw.ServiceType, raw.ServiceTypeAlt, raw.VisaType),
		TargetCountry:  coalesce(raw.TargetCountry, raw.Country),
		BudgetRange:    coalesce(raw.BudgetRange, raw.Budget),
		TimelineBucket: coalesce(raw.TimelineBucket, raw.Timeline, UnspecifiedTimeline),
		Description:    coalesce(raw.Description, raw.Details),
		Status:         status,
		CreatedAt:      created,
		UpdatedAt:      coalesce(raw.UpdatedAt, raw.UpdatedAtLegacy, created),
	}, nil
}

func (r RawRequest) titleOrPlaceholder() string {
	return coalesce(r.Title, r.RequestTitle, "Untitled request")
}

// Proposal normalizes one raw proposal record. Missing budgets stay 0 and
// are flagged unset instead of being coerced into a misleading number.
func Proposal(raw RawProposal) (domain.Proposal, error) {
	id := coalesce(raw.ID, raw.ProposalID)
	if id == "" {
		return domain.Proposal{}, &domain.MalformedRecordError{Field: "id"}
	}
	requestID := coalesce(raw.RequestID, raw.RequestIDLegacy)
	if requestID == "" {
		return domain.Proposal{}, &domain.MalformedRecordError{Field: "request_id"}
	}
	status := proposalStatus(raw.Status)
	budget, unset := parseBudget(raw.ProposedBudget, raw.ProposedBudgetLegacy)
	created := coalesce(raw.CreatedAt, raw.SubmittedAt)
	return domain.Proposal{
		ID:               id,
		RequestID:        requestID,
		SubmitterID:      coalesce(raw.SubmitterID, raw.AgentID),
		SubmitterName:    coalesce(raw.SubmitterName, raw.AgentName, UnknownSubmitter),
		ProposedBudget:   budget,
		BudgetUnset:      unset,
		ProposedTimeline: coalesce(raw.ProposedTimeline, raw.Timeline, UnspecifiedTimeline),
		CoverLetter:      coalesce(raw.CoverLetter, raw.CoverLetterLegacy),
		ProposalText:     coalesce(raw.ProposalText, raw.Message),
		Status:           status,
		CreatedAt:        created,
		UpdatedAt:        coalesce(raw.UpdatedAt, raw.UpdatedAtLegacy, created),
	}, nil
}

func parseBudget(vals ...json.RawMessage) (float64, bool) {
	for _, v := range vals {
		if len(v) == 0 {
			continue
		}
		s := strings.Trim(string(v), `"`)
		f, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
		if err != nil || f < 0 {
			continue
		}
		return f, false
	}
	return 0, true
}

// Requests normalizes a batch of raw JSON records, dropping malformed ones.
// The second return is the number dropped.
func Requests(raws []json.RawMessage) ([]domain.Request, int) {
	var out []domain.Request
	dropped := 0
	for _, data := range raws {
		var raw RawRequest
		if err := json.Unmarshal(data, &raw); err != nil {
			dropped++
			continue
		}
		req, err := Request(raw)
		if err != nil {
			dropped++
			continue
		}
		out = append(out, req)
	}
	return out, dropped
}

// Proposals normalizes a batch of raw JSON records, dropping malformed ones.
func Proposals(raws []json.RawMessage) ([]domain.Proposal, int) {
	var out []domain.Proposal
	dropped := 0
	for _, data := range raws {
		var raw RawProposal
		if err := json.Unmarshal(data, &raw); err != nil {
			dropped++
			continue
		}
		p, err := Proposal(raw)
		if err != nil {
			dropped++
			continue
		}
		out = append(out, p)
	}
	return out, dropped
}
