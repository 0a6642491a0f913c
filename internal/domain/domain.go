package domain

// RequestStatus is the lifecycle status of a posted service request.
type RequestStatus string

// ProposalStatus is the lifecycle status of a proposal against a request.
type ProposalStatus string

const (
	RequestOpen          RequestStatus = "open"
	RequestPendingReview RequestStatus = "pending-review"
	RequestFulfilled     RequestStatus = "fulfilled"
	RequestCancelled     RequestStatus = "cancelled"

	ProposalPending        ProposalStatus = "pending"
	ProposalAccepted       ProposalStatus = "accepted"
	ProposalRejected       ProposalStatus = "rejected"
	ProposalWithdrawn      ProposalStatus = "withdrawn"
	ProposalCounterOffered ProposalStatus = "counter-offered"
)

// Marketplace roles.
const (
	RoleClient       = "client"
	RoleAgent        = "agent"
	RoleOrganization = "organization"
)

// Request is a posted visa-service need. It owns zero or more proposals;
// at most one of them may ever hold status accepted.
type Request struct {
	ID             string        `json:"id"`
	OwnerID        string        `json:"owner_id"`
	Title          string        `json:"title"`
	ServiceType    string        `json:"service_type"`
	TargetCountry  string        `json:"target_country"`
	BudgetRange    string        `json:"budget_range"`
	TimelineBucket string        `json:"timeline_bucket"`
	Description    string        `json:"description,omitempty"`
	Status         RequestStatus `json:"status" enum:"open,pending-review,fulfilled,cancelled"`
	CreatedAt      string        `json:"created_at" format:"date-time"`
	UpdatedAt      string        `json:"updated_at" format:"date-time"`
}

// Proposal is an offer against a request. Proposals are never deleted;
// withdrawal is a status, not a removal.
type Proposal struct {
	ID               string         `json:"id"`
	RequestID        string         `json:"request_id"`
	SubmitterID      string         `json:"submitter_id"`
	SubmitterName    string         `json:"submitter_name,omitempty"`
	ProposedBudget   float64        `json:"proposed_budget"`
	BudgetUnset      bool           `json:"budget_unset,omitempty"`
	ProposedTimeline string         `json:"proposed_timeline"`
	CoverLetter      string         `json:"cover_letter,omitempty"`
	ProposalText     string         `json:"proposal_text,omitempty"`
	Status           ProposalStatus `json:"status" enum:"pending,accepted,rejected,withdrawn,counter-offered"`
	CreatedAt        string         `json:"created_at" format:"date-time"`
	UpdatedAt        string         `json:"updated_at" format:"date-time"`
}

// Milestone is one step of a case work plan.
type Milestone struct {
	Name    string `json:"name"`
	Done    bool   `json:"done"`
	DueDate string `json:"due_date,omitempty" format:"date-time"`
}

// Case is the work artifact created when a proposal is accepted.
// Created exactly once, mutated only by the assigned submitter.
type Case struct {
	ID         string      `json:"id"`
	RequestID  string      `json:"request_id"`
	ProposalID string      `json:"proposal_id"`
	AssigneeID string      `json:"assignee_id"`
	Progress   int         `json:"progress"`
	Milestones []Milestone `json:"milestones,omitempty"`
	CreatedAt  string      `json:"created_at" format:"date-time"`
	UpdatedAt  string      `json:"updated_at" format:"date-time"`
}

// ActivityEntry is an append-only record of a committed lifecycle transition.
type ActivityEntry struct {
	ID        int64  `json:"id"`
	Type      string `json:"type" enum:"proposal,case,message"`
	RefID     string `json:"ref_id"`
	Kind      string `json:"kind"`
	RequestID string `json:"request_id,omitempty"`
	ActorID   string `json:"actor_id"`
	Summary   string `json:"summary"`
	Timestamp string `json:"timestamp" format:"date-time"`
	Read      bool   `json:"read"`
}

// Actor is a marketplace participant.
type Actor struct {
	ID        string `json:"id"`
	Name      string `json:"name,omitempty"`
	Role      string `json:"role" enum:"client,agent,organization"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

// APIKey authenticates an actor on the HTTP API.
type APIKey struct {
	ID        string `json:"id"`
	ActorID   string `json:"actor_id"`
	Name      string `json:"name,omitempty"`
	KeyHash   string `json:"key_hash"`
	CreatedAt string `json:"created_at" format:"date-time"`
}
