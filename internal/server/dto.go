package server

import (
	"visaline/internal/domain"
)

// Request payloads

type CreateRequestRequest struct {
	ID             *string `json:"id,omitempty"`
	Title          string  `json:"title"`
	ServiceType    string  `json:"service_type"`
	TargetCountry  string  `json:"target_country"`
	BudgetRange    *string `json:"budget_range,omitempty"`
	TimelineBucket *string `json:"timeline_bucket,omitempty"`
	Description    *string `json:"description,omitempty"`
}

type SubmitProposalRequest struct {
	ID               *string  `json:"id,omitempty"`
	ProposedBudget   *float64 `json:"proposed_budget,omitempty"`
	ProposedTimeline *string  `json:"proposed_timeline,omitempty"`
	CoverLetter      *string  `json:"cover_letter,omitempty"`
	ProposalText     *string  `json:"proposal_text,omitempty"`
	SubmitterName    *string  `json:"submitter_name,omitempty"`
}

type CounterProposalRequest struct {
	ProposedBudget   *float64 `json:"proposed_budget,omitempty"`
	ProposedTimeline *string  `json:"proposed_timeline,omitempty"`
	Note             *string  `json:"note,omitempty"`
}

type UpdateCaseRequest struct {
	Progress       *int     `json:"progress,omitempty" minimum:"0" maximum:"100"`
	MilestonesDone []string `json:"milestones_done,omitempty"`
}

type RegisterActorRequest struct {
	ID   string `json:"id"`
	Name string `json:"name,omitempty"`
	Role string `json:"role,omitempty" enum:"client,agent,organization"`
}

type CreateAPIKeyRequest struct {
	ActorID string `json:"actor_id"`
	Name    string `json:"name,omitempty"`
}

// Response payloads

type RequestResponse struct {
	ID             string `json:"id"`
	OwnerID        string `json:"owner_id"`
	Title          string `json:"title"`
	ServiceType    string `json:"service_type"`
	TargetCountry  string `json:"target_country"`
	BudgetRange    string `json:"budget_range"`
	TimelineBucket string `json:"timeline_bucket"`
	Description    string `json:"description,omitempty"`
	Status         string `json:"status" enum:"open,pending-review,fulfilled,cancelled"`
	CreatedAt      string `json:"created_at" format:"date-time"`
	UpdatedAt      string `json:"updated_at" format:"date-time"`
}

type ProposalResponse struct {
	ID               string  `json:"id"`
	RequestID        string  `json:"request_id"`
	SubmitterID      string  `json:"submitter_id"`
	SubmitterName    string  `json:"submitter_name"`
	ProposedBudget   float64 `json:"proposed_budget"`
	BudgetUnset      bool    `json:"budget_unset,omitempty"`
	ProposedTimeline string  `json:"proposed_timeline"`
	CoverLetter      string  `json:"cover_letter,omitempty"`
	ProposalText     string  `json:"proposal_text,omitempty"`
	Status           string  `json:"status" enum:"pending,accepted,rejected,withdrawn,counter-offered"`
	CreatedAt        string  `json:"created_at" format:"date-time"`
	UpdatedAt        string  `json:"updated_at" format:"date-time"`
}

type MilestoneResponse struct {
	Name    string `json:"name"`
	Done    bool   `json:"done"`
	DueDate string `json:"due_date,omitempty" format:"date-time"`
}

type CaseResponse struct {
	ID         string              `json:"id"`
	RequestID  string              `json:"request_id"`
	ProposalID string              `json:"proposal_id"`
	AssigneeID string              `json:"assignee_id"`
	Progress   int                 `json:"progress"`
	Milestones []MilestoneResponse `json:"milestones,omitempty"`
	CreatedAt  string              `json:"created_at" format:"date-time"`
	UpdatedAt  string              `json:"updated_at" format:"date-time"`
}

// AcceptResponse carries both records an acceptance produces in one
// transaction.
type AcceptResponse struct {
	Proposal ProposalResponse `json:"proposal"`
	Case     CaseResponse     `json:"case"`
}

type ActivityResponse struct {
	ID        int64  `json:"id"`
	Type      string `json:"type"`
	RefID     string `json:"ref_id"`
	Kind      string `json:"kind"`
	RequestID string `json:"request_id,omitempty"`
	ActorID   string `json:"actor_id"`
	Summary   string `json:"summary"`
	Timestamp string `json:"timestamp" format:"date-time"`
	Read      bool   `json:"read"`
}

type ActorResponse struct {
	ID        string `json:"id"`
	Name      string `json:"name,omitempty"`
	Role      string `json:"role" enum:"client,agent,organization"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

type APIKeyResponse struct {
	ID        string `json:"id"`
	ActorID   string `json:"actor_id"`
	Name      string `json:"name,omitempty"`
	Key       string `json:"key,omitempty"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

type RequestListResponse struct {
	Items      []RequestResponse `json:"items"`
	NextCursor string            `json:"next_cursor,omitempty"`
}

type ProposalListResponse struct {
	Items      []ProposalResponse `json:"items"`
	NextCursor string             `json:"next_cursor,omitempty"`
}

type CaseListResponse struct {
	Items      []CaseResponse `json:"items"`
	NextCursor string         `json:"next_cursor,omitempty"`
}

type ActivityListResponse struct {
	Items      []ActivityResponse `json:"items"`
	NextCursor int64              `json:"next_cursor,omitempty"`
}

func requestResponse(r domain.Request) RequestResponse {
	return RequestResponse{
		ID:             r.ID,
		OwnerID:        r.OwnerID,
		Title:          r.Title,
		ServiceType:    r.ServiceType,
		TargetCountry:  r.TargetCountry,
		BudgetRange:    r.BudgetRange,
		TimelineBucket: r.TimelineBucket,
		Description:    r.Description,
		Status:         string(r.Status),
		CreatedAt:      r.CreatedAt,
		UpdatedAt:      r.UpdatedAt,
	}
}

func mapRequests(in []domain.Request) []RequestResponse {
	out := make([]RequestResponse, 0, len(in))
	for _, r := range in {
		out = append(out, requestResponse(r))
	}
	return out
}

func proposalResponse(p domain.Proposal) ProposalResponse {
	return ProposalResponse{
		ID:               p.ID,
		RequestID:        p.RequestID,
		SubmitterID:      p.SubmitterID,
		SubmitterName:    p.SubmitterName,
		ProposedBudget:   p.ProposedBudget,
		BudgetUnset:      p.BudgetUnset,
		ProposedTimeline: p.ProposedTimeline,
		CoverLetter:      p.CoverLetter,
		ProposalText:     p.ProposalText,
		Status:           string(p.Status),
		CreatedAt:        p.CreatedAt,
		UpdatedAt:        p.UpdatedAt,
	}
}

func mapProposals(in []domain.Proposal) []ProposalResponse {
	out := make([]ProposalResponse, 0, len(in))
	for _, p := range in {
		out = append(out, proposalResponse(p))
	}
	return out
}

func caseResponse(c domain.Case) CaseResponse {
	milestones := make([]MilestoneResponse, 0, len(c.Milestones))
	for _, m := range c.Milestones {
		milestones = append(milestones, MilestoneResponse{Name: m.Name, Done: m.Done, DueDate: m.DueDate})
	}
	return CaseResponse{
		ID:         c.ID,
		RequestID:  c.RequestID,
		ProposalID: c.ProposalID,
		AssigneeID: c.AssigneeID,
		Progress:   c.Progress,
		Milestones: milestones,
		CreatedAt:  c.CreatedAt,
		UpdatedAt:  c.UpdatedAt,
	}
}

func mapCases(in []domain.Case) []CaseResponse {
	out := make([]CaseResponse, 0, len(in))
	for _, c := range in {
		out = append(out, caseResponse(c))
	}
	return out
}

func activityResponse(e domain.ActivityEntry) ActivityResponse {
	return ActivityResponse{
		ID:        e.ID,
		Type:      e.Type,
		RefID:     e.RefID,
		Kind:      e.Kind,
		RequestID: e.RequestID,
		ActorID:   e.ActorID,
		Summary:   e.Summary,
		Timestamp: e.Timestamp,
		Read:      e.Read,
	}
}

func mapActivity(in []domain.ActivityEntry) []ActivityResponse {
	out := make([]ActivityResponse, 0, len(in))
	for _, e := range in {
		out = append(out, activityResponse(e))
	}
	return out
}

func actorResponse(a domain.Actor) ActorResponse {
	return ActorResponse{ID: a.ID, Name: a.Name, Role: a.Role, CreatedAt: a.CreatedAt}
}
