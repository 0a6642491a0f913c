package domain

// ProposalEvent names a transition request against a proposal.
type ProposalEvent string

const (
	EventAccept   ProposalEvent = "accept"
	EventReject   ProposalEvent = "reject"
	EventWithdraw ProposalEvent = "withdraw"
	EventCounter  ProposalEvent = "counter"
)

// NextProposalStatus returns the status a proposal moves to when the event is
// applied, or InvalidTransitionError. Accepted, rejected, and withdrawn are
// terminal. The "no sibling already accepted" guard for EventAccept is not
// evaluated here; it requires storage and belongs to the engine.
func NextProposalStatus(from ProposalStatus, ev ProposalEvent) (ProposalStatus, error) {
	switch from {
	case ProposalPending:
		switch ev {
		case EventAccept:
			return ProposalAccepted, nil
		case EventReject:
			return ProposalRejected, nil
		case EventWithdraw:
			return ProposalWithdrawn, nil
		case EventCounter:
			return ProposalCounterOffered, nil
		}
	case ProposalCounterOffered:
		switch ev {
		case EventAccept:
			return ProposalAccepted, nil
		case EventReject:
			return ProposalRejected, nil
		case EventWithdraw:
			return ProposalWithdrawn, nil
		}
	}
	return from, &InvalidTransitionError{From: string(from), Event: string(ev)}
}

// CanApply reports whether the event is legal for the status. Used by callers
// that disable actions ahead of the authoritative server check.
func CanApply(from ProposalStatus, ev ProposalEvent) bool {
	_, err := NextProposalStatus(from, ev)
	return err == nil
}

// TerminalProposal reports whether no further event can move the proposal.
func TerminalProposal(s ProposalStatus) bool {
	switch s {
	case ProposalAccepted, ProposalRejected, ProposalWithdrawn:
		return true
	}
	return false
}

// CancellableRequest reports whether the owner may still cancel the request.
// Pending-review covers requests parked by an outstanding counter-offer.
func CancellableRequest(s RequestStatus) bool {
	return s == RequestOpen || s == RequestPendingReview
}
