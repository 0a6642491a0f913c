package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"

	"visaline/internal/adapter"
	"visaline/internal/cache"
	"visaline/internal/domain"
	visalinesdk "visaline/sdk/go"
)

func newTestDispatcher(t *testing.T, handler http.Handler) (*Dispatcher, *int64) {
	t.Helper()
	var hits int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt64(&hits, 1)
		handler.ServeHTTP(w, r)
	}))
	t.Cleanup(srv.Close)
	client := visalinesdk.New(srv.URL)
	client.BearerToken = "test-token"
	return New(client, nil), &hits
}

func jsonHandler(status int, body string) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_, _ = w.Write([]byte(body))
	})
}

func TestAcceptReturnsProposalAndCase(t *testing.T) {
	d, _ := newTestDispatcher(t, jsonHandler(http.StatusOK,
		`{"proposal": {"id": "prop-1", "request_id": "req-1", "status": "accepted"},
		  "case": {"id": "case-1", "request_id": "req-1", "proposal_id": "prop-1", "assignee_id": "agent-1", "progress": 0}}`))
	out, err := d.Accept(context.Background(), "prop-1")
	if err != nil {
		t.Fatalf("accept: %v", err)
	}
	if out.Proposal.ID != "prop-1" || out.Proposal.Status != "accepted" {
		t.Fatalf("proposal: %+v", out.Proposal)
	}
	if out.Case.ID != "case-1" || out.Case.RequestID != "req-1" {
		t.Fatalf("case: %+v", out.Case)
	}
}

func TestAcceptConflictMapsToConflictError(t *testing.T) {
	d, _ := newTestDispatcher(t, jsonHandler(http.StatusConflict,
		`{"error": {"code": "proposal_conflict", "message": "request already has an accepted proposal", "details": {"request_id": "req-1", "accepted_id": "prop-9"}}}`))
	_, err := d.Accept(context.Background(), "prop-1")
	var conflict *domain.ConflictError
	if !errors.As(err, &conflict) {
		t.Fatalf("want ConflictError, got %v", err)
	}
	if conflict.RequestID != "req-1" || conflict.AcceptedID != "prop-9" {
		t.Fatalf("conflict details: %+v", conflict)
	}
}

func TestInvalidTransitionMapsFromEnvelope(t *testing.T) {
	d, _ := newTestDispatcher(t, jsonHandler(http.StatusUnprocessableEntity,
		`{"error": {"code": "invalid_transition", "message": "cannot accept", "details": {"from": "withdrawn", "event": "accept"}}}`))
	_, err := d.Accept(context.Background(), "prop-1")
	var transition *domain.InvalidTransitionError
	if !errors.As(err, &transition) {
		t.Fatalf("want InvalidTransitionError, got %v", err)
	}
	if transition.From != "withdrawn" || transition.Event != "accept" {
		t.Fatalf("transition details: %+v", transition)
	}
}

func TestValidationMapsFromEnvelope(t *testing.T) {
	d, _ := newTestDispatcher(t, jsonHandler(http.StatusBadRequest,
		`{"error": {"code": "bad_request", "message": "unknown service type", "details": {"field": "service_type"}}}`))
	_, err := d.SubmitProposal(context.Background(), SubmitProposalInput{
		RequestID:        "req-1",
		ProposedBudget:   100,
		ProposedTimeline: "urgent",
		CoverLetter:      "hello",
		ProposalText:     "full plan",
		SubmitterName:    "Agent",
	})
	var validation *domain.ValidationError
	if !errors.As(err, &validation) {
		t.Fatalf("want ValidationError, got %v", err)
	}
	if validation.Field != "service_type" {
		t.Fatalf("field = %q", validation.Field)
	}
}

func TestSubmitProposalSendsFullBody(t *testing.T) {
	var body map[string]any
	d, _ := newTestDispatcher(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Errorf("decode body: %v", err)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id": "prop-1", "request_id": "req-1", "status": "pending"}`))
	}))
	_, err := d.SubmitProposal(context.Background(), SubmitProposalInput{
		RequestID:        "req-1",
		ProposedBudget:   2500,
		ProposedTimeline: "3 weeks",
		CoverLetter:      "short pitch",
		ProposalText:     "the full plan",
		SubmitterName:    "Agent",
	})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	want := map[string]string{
		"proposed_timeline": "3 weeks",
		"cover_letter":      "short pitch",
		"proposal_text":     "the full plan",
		"submitter_name":    "Agent",
	}
	for key, val := range want {
		if got, _ := body[key].(string); got != val {
			t.Fatalf("body[%q] = %v, want %q", key, body[key], val)
		}
	}
	if got, _ := body["proposed_budget"].(float64); got != 2500 {
		t.Fatalf("proposed_budget = %v", body["proposed_budget"])
	}
}

func TestServerErrorMapsToNetworkError(t *testing.T) {
	d, _ := newTestDispatcher(t, jsonHandler(http.StatusBadGateway, `upstream down`))
	_, err := d.Accept(context.Background(), "prop-1")
	var network *domain.NetworkError
	if !errors.As(err, &network) {
		t.Fatalf("want NetworkError, got %v", err)
	}
}

func TestNoCredentialsFailsBeforeRoundTrip(t *testing.T) {
	d, hits := newTestDispatcher(t, jsonHandler(http.StatusOK, `{}`))
	d.Client.BearerToken = ""
	_, err := d.Accept(context.Background(), "prop-1")
	var auth *domain.AuthError
	if !errors.As(err, &auth) {
		t.Fatalf("want AuthError, got %v", err)
	}
	if atomic.LoadInt64(hits) != 0 {
		t.Fatalf("credential check should not hit the server, got %d requests", *hits)
	}
}

func TestSubmitProposalLocalValidation(t *testing.T) {
	d, hits := newTestDispatcher(t, jsonHandler(http.StatusOK, `{}`))
	cases := []struct {
		field string
		in    SubmitProposalInput
	}{
		{"request_id", SubmitProposalInput{ProposedBudget: 100, ProposedTimeline: "urgent", CoverLetter: "x", ProposalText: "y", SubmitterName: "a"}},
		{"proposed_budget", SubmitProposalInput{RequestID: "req-1", ProposedTimeline: "urgent", CoverLetter: "x", ProposalText: "y", SubmitterName: "a"}},
		{"proposed_budget", SubmitProposalInput{RequestID: "req-1", ProposedBudget: -5, ProposedTimeline: "urgent", CoverLetter: "x", ProposalText: "y", SubmitterName: "a"}},
		{"proposed_timeline", SubmitProposalInput{RequestID: "req-1", ProposedBudget: 100, CoverLetter: "x", ProposalText: "y", SubmitterName: "a"}},
		{"cover_letter", SubmitProposalInput{RequestID: "req-1", ProposedBudget: 100, ProposedTimeline: "urgent", ProposalText: "y", SubmitterName: "a"}},
		{"proposal_text", SubmitProposalInput{RequestID: "req-1", ProposedBudget: 100, ProposedTimeline: "urgent", CoverLetter: "x", SubmitterName: "a"}},
		{"submitter_name", SubmitProposalInput{RequestID: "req-1", ProposedBudget: 100, ProposedTimeline: "urgent", CoverLetter: "x", ProposalText: "y"}},
	}
	for _, tc := range cases {
		_, err := d.SubmitProposal(context.Background(), tc.in)
		var validation *domain.ValidationError
		if !errors.As(err, &validation) {
			t.Fatalf("%s: want ValidationError, got %v", tc.field, err)
		}
		if validation.Field != tc.field {
			t.Fatalf("field = %q, want %q", validation.Field, tc.field)
		}
	}
	if atomic.LoadInt64(hits) != 0 {
		t.Fatalf("local validation should not hit the server, got %d requests", *hits)
	}
}

func TestLandedMutationInvalidatesCache(t *testing.T) {
	var listFetches int64
	mux := http.NewServeMux()
	mux.HandleFunc("/v0/requests/req-1/proposals", func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt64(&listFetches, 1)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"items": [{"id": "prop-1", "request_id": "req-1", "status": "pending"}]}`))
	})
	mux.HandleFunc("/v0/proposals/prop-1/accept", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"proposal": {"id": "prop-1", "request_id": "req-1", "status": "accepted"},
			"case": {"id": "case-1", "request_id": "req-1", "proposal_id": "prop-1"}}`))
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	client := visalinesdk.New(srv.URL)
	client.BearerToken = "test-token"
	store, err := cache.New(adapter.New(client, log.New(io.Discard, "", 0)))
	if err != nil {
		t.Fatalf("cache: %v", err)
	}
	d := New(client, store)

	ctx := context.Background()
	if res := store.Proposals(ctx, "req-1"); res.Origin != adapter.OriginLive {
		t.Fatalf("origin = %s", res.Origin)
	}
	store.Proposals(ctx, "req-1")
	if n := atomic.LoadInt64(&listFetches); n != 1 {
		t.Fatalf("fetches before mutation = %d, want 1 (second read cached)", n)
	}
	if _, err := d.Accept(ctx, "prop-1"); err != nil {
		t.Fatalf("accept: %v", err)
	}
	store.Proposals(ctx, "req-1")
	if n := atomic.LoadInt64(&listFetches); n != 2 {
		t.Fatalf("fetches after mutation = %d, want 2 (entry invalidated)", n)
	}
}

func TestDuplicateInFlightActionBlocked(t *testing.T) {
	entered := make(chan struct{})
	proceed := make(chan struct{})
	var once sync.Once
	d, _ := newTestDispatcher(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		once.Do(func() { close(entered) })
		<-proceed
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id": "prop-1", "request_id": "req-1", "status": "rejected"}`))
	}))

	var wg sync.WaitGroup
	wg.Add(1)
	var firstErr error
	go func() {
		defer wg.Done()
		_, firstErr = d.Decline(context.Background(), "prop-1")
	}()

	<-entered
	_, err := d.Decline(context.Background(), "prop-1")
	if !errors.Is(err, ErrActionPending) {
		t.Fatalf("want ErrActionPending, got %v", err)
	}
	// A different proposal is not blocked by prop-1's flight.
	if err := d.begin("prop-2"); err != nil {
		t.Fatalf("unrelated key blocked: %v", err)
	}
	d.release("prop-2")

	close(proceed)
	wg.Wait()
	if firstErr != nil {
		t.Fatalf("first decline: %v", firstErr)
	}
	// The key is released after completion.
	if _, err := d.Decline(context.Background(), "prop-1"); err != nil {
		t.Fatalf("retry after completion: %v", err)
	}
}
