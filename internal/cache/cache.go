// Package cache is a read-through LRU over adapter fetches. Entries are
// invalidated explicitly by the action dispatcher after a successful
// mutation; nothing else writes to it.
package cache

import (
	"context"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"

	"visaline/internal/adapter"
)

const defaultSize = 256

// requestsKey is the single key for the top-level request list.
const requestsKey = "requests"

// Store caches normalized fetch results keyed by request ID.
type Store struct {
	Adapter *adapter.Adapter

	mu        sync.Mutex
	requests  *lru.Cache[string, adapter.RequestResult]
	proposals *lru.Cache[string, adapter.ProposalResult]
}

// New builds a store over the adapter.
func New(a *adapter.Adapter) (*Store, error) {
	requests, err := lru.New[string, adapter.RequestResult](defaultSize)
	if err != nil {
		return nil, err
	}
	proposals, err := lru.New[string, adapter.ProposalResult](defaultSize)
	if err != nil {
		return nil, err
	}
	return &Store{Adapter: a, requests: requests, proposals: proposals}, nil
}

// Requests returns the cached request list, fetching through the adapter on
// a miss. Filtered reads bypass the cache; only the unfiltered list is worth
// keeping.
func (s *Store) Requests(ctx context.Context, f adapter.Filter) adapter.RequestResult {
	if f.Status != "" || f.OwnerID != "" {
		return s.Adapter.FetchRequests(ctx, f)
	}
	s.mu.Lock()
	if res, ok := s.requests.Get(requestsKey); ok {
		s.mu.Unlock()
		return res
	}
	s.mu.Unlock()
	res := s.Adapter.FetchRequests(ctx, f)
	if res.Origin == adapter.OriginLive {
		s.mu.Lock()
		s.requests.Add(requestsKey, res)
		s.mu.Unlock()
	}
	return res
}

// Proposals returns cached proposals for one request, fetching on a miss.
func (s *Store) Proposals(ctx context.Context, requestID string) adapter.ProposalResult {
	s.mu.Lock()
	if res, ok := s.proposals.Get(requestID); ok {
		s.mu.Unlock()
		return res
	}
	s.mu.Unlock()
	res := s.Adapter.FetchProposals(ctx, adapter.Filter{RequestID: requestID})
	if res.Origin == adapter.OriginLive {
		s.mu.Lock()
		s.proposals.Add(requestID, res)
		s.mu.Unlock()
	}
	return res
}

// Invalidate drops the entries for a request and its proposals. Called by
// the dispatcher after any successful mutation touching the request.
func (s *Store) Invalidate(requestID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.requests.Remove(requestsKey)
	if requestID != "" {
		s.proposals.Remove(requestID)
	}
}

// InvalidateAll clears both caches.
func (s *Store) InvalidateAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.requests.Purge()
	s.proposals.Purge()
}
