package engine_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"visaline/internal/config"
	"visaline/internal/db"
	"visaline/internal/domain"
	"visaline/internal/engine"
	"visaline/internal/migrate"
	"visaline/internal/repo"
)

type testEnv struct {
	Engine engine.Engine
	Ctx    context.Context
}

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	dir := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: dir})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	cfg := config.Default("mkt-1")
	eng := engine.New(conn, cfg)
	eng.Now = func() time.Time { return time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC) }
	ctx := context.Background()
	if _, err := eng.InitMarketplace(ctx, "mkt-1", "tester"); err != nil {
		t.Fatalf("init marketplace: %v", err)
	}
	return testEnv{Engine: eng, Ctx: ctx}
}

func postRequest(t *testing.T, env testEnv, owner, title string) domain.Request {
	t.Helper()
	req, err := env.Engine.CreateRequest(env.Ctx, engine.RequestCreateOptions{
		OwnerID:       owner,
		Title:         title,
		ServiceType:   "work-visa",
		TargetCountry: "DE",
		BudgetRange:   "1500-3000",
	})
	if err != nil {
		t.Fatalf("create request: %v", err)
	}
	return req
}

func submitProposal(t *testing.T, env testEnv, requestID, submitter string) domain.Proposal {
	t.Helper()
	p, err := env.Engine.SubmitProposal(env.Ctx, engine.ProposalSubmitOptions{
		RequestID:        requestID,
		SubmitterID:      submitter,
		SubmitterName:    submitter,
		ProposedBudget:   2000,
		ProposedTimeline: "within-3-months",
		CoverLetter:      "I can handle this",
	})
	if err != nil {
		t.Fatalf("submit proposal: %v", err)
	}
	return p
}

func TestOptionalTextFieldsPersistEmpty(t *testing.T) {
	env := newTestEnv(t)
	// The helpers set no description and no proposal text.
	req := postRequest(t, env, "client-1", "Work visa for Berlin")
	prop := submitProposal(t, env, req.ID, "agent-1")

	gotReq, err := env.Engine.Repo.GetRequest(env.Ctx, req.ID)
	if err != nil {
		t.Fatalf("get request: %v", err)
	}
	if gotReq.Description != "" {
		t.Fatalf("description = %q, want empty", gotReq.Description)
	}
	gotProp, err := env.Engine.Repo.GetProposal(env.Ctx, prop.ID)
	if err != nil {
		t.Fatalf("get proposal: %v", err)
	}
	if gotProp.ProposalText != "" {
		t.Fatalf("proposal text = %q, want empty", gotProp.ProposalText)
	}
}

func TestAcceptProposalCascade(t *testing.T) {
	env := newTestEnv(t)
	req := postRequest(t, env, "client-1", "Work visa for Berlin")
	p1 := submitProposal(t, env, req.ID, "agent-1")
	p2 := submitProposal(t, env, req.ID, "agent-2")

	accepted, c, err := env.Engine.AcceptProposal(env.Ctx, p1.ID, "client-1")
	if err != nil {
		t.Fatalf("accept: %v", err)
	}
	if accepted.ID != p1.ID || accepted.Status != domain.ProposalAccepted {
		t.Fatalf("returned proposal: %+v", accepted)
	}
	if c.RequestID != req.ID || c.ProposalID != p1.ID {
		t.Fatalf("case links wrong: %+v", c)
	}
	if c.AssigneeID != "agent-1" {
		t.Fatalf("expected case assigned to agent-1, got %s", c.AssigneeID)
	}
	if len(c.Milestones) == 0 {
		t.Fatalf("expected milestones from config")
	}

	got, err := env.Engine.Repo.GetRequest(env.Ctx, req.ID)
	if err != nil || got.Status != domain.RequestFulfilled {
		t.Fatalf("request status = %s, err %v", got.Status, err)
	}
	winner, _ := env.Engine.Repo.GetProposal(env.Ctx, p1.ID)
	if winner.Status != domain.ProposalAccepted {
		t.Fatalf("winner status = %s", winner.Status)
	}
	loser, _ := env.Engine.Repo.GetProposal(env.Ctx, p2.ID)
	if loser.Status != domain.ProposalRejected {
		t.Fatalf("sibling status = %s, want rejected", loser.Status)
	}
}

func TestSimultaneousAcceptsSingleWinner(t *testing.T) {
	env := newTestEnv(t)
	req := postRequest(t, env, "client-1", "Work visa for Berlin")
	p1 := submitProposal(t, env, req.ID, "agent-1")
	p2 := submitProposal(t, env, req.ID, "agent-2")

	start := make(chan struct{})
	errs := make([]error, 2)
	var wg sync.WaitGroup
	for i, id := range []string{p1.ID, p2.ID} {
		wg.Add(1)
		go func(i int, id string) {
			defer wg.Done()
			<-start
			_, _, errs[i] = env.Engine.AcceptProposal(env.Ctx, id, "client-1")
		}(i, id)
	}
	close(start)
	wg.Wait()

	var wins, conflicts int
	for _, err := range errs {
		if err == nil {
			wins++
			continue
		}
		var conflict *domain.ConflictError
		if !errors.As(err, &conflict) {
			t.Fatalf("loser should conflict, got %v", err)
		}
		conflicts++
	}
	if wins != 1 || conflicts != 1 {
		t.Fatalf("wins = %d, conflicts = %d, want exactly one of each", wins, conflicts)
	}

	got, err := env.Engine.Repo.GetRequest(env.Ctx, req.ID)
	if err != nil || got.Status != domain.RequestFulfilled {
		t.Fatalf("request status = %s, err %v", got.Status, err)
	}
	var acceptedCount int
	for _, id := range []string{p1.ID, p2.ID} {
		p, err := env.Engine.Repo.GetProposal(env.Ctx, id)
		if err != nil {
			t.Fatalf("get proposal %s: %v", id, err)
		}
		if p.Status == domain.ProposalAccepted {
			acceptedCount++
		}
	}
	if acceptedCount != 1 {
		t.Fatalf("accepted proposals = %d, want 1", acceptedCount)
	}
}

func TestSecondAcceptConflicts(t *testing.T) {
	env := newTestEnv(t)
	req := postRequest(t, env, "client-1", "Study permit")
	p1 := submitProposal(t, env, req.ID, "agent-1")
	p2 := submitProposal(t, env, req.ID, "agent-2")

	if _, _, err := env.Engine.AcceptProposal(env.Ctx, p1.ID, "client-1"); err != nil {
		t.Fatalf("first accept: %v", err)
	}
	_, _, err := env.Engine.AcceptProposal(env.Ctx, p2.ID, "client-1")
	var conflict *domain.ConflictError
	if !errors.As(err, &conflict) {
		t.Fatalf("expected ConflictError, got %v", err)
	}
	if conflict.AcceptedID != p1.ID {
		t.Fatalf("conflict should name the winner %s, got %s", p1.ID, conflict.AcceptedID)
	}
	// Accepting the winner again conflicts too: the request is resolved.
	_, _, err = env.Engine.AcceptProposal(env.Ctx, p1.ID, "client-1")
	if !errors.As(err, &conflict) {
		t.Fatalf("expected ConflictError on re-accept, got %v", err)
	}
}

func TestAcceptRequiresOwner(t *testing.T) {
	env := newTestEnv(t)
	req := postRequest(t, env, "client-1", "Family sponsorship")
	p1 := submitProposal(t, env, req.ID, "agent-1")

	_, _, err := env.Engine.AcceptProposal(env.Ctx, p1.ID, "agent-2")
	var forbidden *domain.ForbiddenError
	if !errors.As(err, &forbidden) {
		t.Fatalf("expected ForbiddenError, got %v", err)
	}
}

func TestDeclineIsIdempotent(t *testing.T) {
	env := newTestEnv(t)
	req := postRequest(t, env, "client-1", "Citizenship application")
	p1 := submitProposal(t, env, req.ID, "agent-1")

	first, err := env.Engine.DeclineProposal(env.Ctx, p1.ID, "client-1")
	if err != nil || first.Status != domain.ProposalRejected {
		t.Fatalf("decline: %v status %s", err, first.Status)
	}
	second, err := env.Engine.DeclineProposal(env.Ctx, p1.ID, "client-1")
	if err != nil {
		t.Fatalf("second decline should be a no-op, got %v", err)
	}
	if second.Status != domain.ProposalRejected {
		t.Fatalf("second decline status = %s", second.Status)
	}
}

func TestWithdrawOnlyBySubmitter(t *testing.T) {
	env := newTestEnv(t)
	req := postRequest(t, env, "client-1", "Business visa")
	p1 := submitProposal(t, env, req.ID, "agent-1")

	var forbidden *domain.ForbiddenError
	if _, err := env.Engine.WithdrawProposal(env.Ctx, p1.ID, "client-1"); !errors.As(err, &forbidden) {
		t.Fatalf("expected ForbiddenError for non-submitter, got %v", err)
	}
	p, err := env.Engine.WithdrawProposal(env.Ctx, p1.ID, "agent-1")
	if err != nil || p.Status != domain.ProposalWithdrawn {
		t.Fatalf("withdraw: %v status %s", err, p.Status)
	}
	// A withdrawn proposal cannot be accepted.
	_, _, err = env.Engine.AcceptProposal(env.Ctx, p1.ID, "client-1")
	var invalid *domain.InvalidTransitionError
	if !errors.As(err, &invalid) {
		t.Fatalf("expected InvalidTransitionError, got %v", err)
	}
}

func TestCounterMovesRequestToPendingReview(t *testing.T) {
	env := newTestEnv(t)
	req := postRequest(t, env, "client-1", "PR application")
	p1 := submitProposal(t, env, req.ID, "agent-1")

	countered, err := env.Engine.CounterProposal(env.Ctx, engine.CounterOptions{
		ProposalID:       p1.ID,
		ActorID:          "client-1",
		ProposedBudget:   1200,
		ProposedTimeline: "within-6-months",
		Note:             "Can you do it cheaper?",
	})
	if err != nil {
		t.Fatalf("counter: %v", err)
	}
	if countered.Status != domain.ProposalCounterOffered {
		t.Fatalf("status = %s", countered.Status)
	}
	if countered.ProposedBudget != 1200 || countered.ProposedTimeline != "within-6-months" {
		t.Fatalf("terms not updated: %+v", countered)
	}
	got, _ := env.Engine.Repo.GetRequest(env.Ctx, req.ID)
	if got.Status != domain.RequestPendingReview {
		t.Fatalf("request status = %s, want pending-review", got.Status)
	}

	// Resolving the countered proposal returns the request to open.
	if _, err := env.Engine.WithdrawProposal(env.Ctx, p1.ID, "agent-1"); err != nil {
		t.Fatalf("withdraw countered: %v", err)
	}
	got, _ = env.Engine.Repo.GetRequest(env.Ctx, req.ID)
	if got.Status != domain.RequestOpen {
		t.Fatalf("request status = %s, want open after settle", got.Status)
	}
}

func TestCounteredProposalCanBeAccepted(t *testing.T) {
	env := newTestEnv(t)
	req := postRequest(t, env, "client-1", "Appeal case")
	p1 := submitProposal(t, env, req.ID, "agent-1")

	if _, err := env.Engine.CounterProposal(env.Ctx, engine.CounterOptions{
		ProposalID: p1.ID, ActorID: "client-1", ProposedBudget: 900,
	}); err != nil {
		t.Fatalf("counter: %v", err)
	}
	_, c, err := env.Engine.AcceptProposal(env.Ctx, p1.ID, "client-1")
	if err != nil {
		t.Fatalf("accept countered: %v", err)
	}
	if c.ProposalID != p1.ID {
		t.Fatalf("case proposal = %s", c.ProposalID)
	}
	got, _ := env.Engine.Repo.GetRequest(env.Ctx, req.ID)
	if got.Status != domain.RequestFulfilled {
		t.Fatalf("request status = %s", got.Status)
	}
}

func TestCancelRequestRejectsOpenProposals(t *testing.T) {
	env := newTestEnv(t)
	req := postRequest(t, env, "client-1", "Work visa, second try")
	p1 := submitProposal(t, env, req.ID, "agent-1")

	var forbidden *domain.ForbiddenError
	if _, err := env.Engine.CancelRequest(env.Ctx, req.ID, "agent-1"); !errors.As(err, &forbidden) {
		t.Fatalf("expected ForbiddenError for non-owner, got %v", err)
	}
	got, err := env.Engine.CancelRequest(env.Ctx, req.ID, "client-1")
	if err != nil || got.Status != domain.RequestCancelled {
		t.Fatalf("cancel: %v status %s", err, got.Status)
	}
	p, _ := env.Engine.Repo.GetProposal(env.Ctx, p1.ID)
	if p.Status != domain.ProposalRejected {
		t.Fatalf("open proposal should be rejected on cancel, got %s", p.Status)
	}
	// A cancelled request reads as gone to a would-be submitter.
	_, err = env.Engine.SubmitProposal(env.Ctx, engine.ProposalSubmitOptions{
		RequestID: req.ID, SubmitterID: "agent-2",
	})
	var notFound *domain.NotFoundError
	if !errors.As(err, &notFound) {
		t.Fatalf("expected NotFoundError, got %v", err)
	}
}

func TestCancelAllowedDuringCounterReview(t *testing.T) {
	env := newTestEnv(t)
	req := postRequest(t, env, "client-1", "Flexible request")
	p1 := submitProposal(t, env, req.ID, "agent-1")
	if _, err := env.Engine.CounterProposal(env.Ctx, engine.CounterOptions{
		ProposalID: p1.ID, ActorID: "client-1",
	}); err != nil {
		t.Fatalf("counter: %v", err)
	}
	got, err := env.Engine.CancelRequest(env.Ctx, req.ID, "client-1")
	if err != nil || got.Status != domain.RequestCancelled {
		t.Fatalf("cancel during review: %v status %s", err, got.Status)
	}
}

func TestSubmitProposalDefaults(t *testing.T) {
	env := newTestEnv(t)
	req := postRequest(t, env, "client-1", "Minimal proposal")

	p, err := env.Engine.SubmitProposal(env.Ctx, engine.ProposalSubmitOptions{
		RequestID:   req.ID,
		SubmitterID: "agent-1",
		BudgetUnset: true,
	})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if p.SubmitterName != "Unknown submitter" {
		t.Fatalf("name default = %q", p.SubmitterName)
	}
	if p.ProposedTimeline != "unspecified" {
		t.Fatalf("timeline default = %q", p.ProposedTimeline)
	}
	if !p.BudgetUnset || p.ProposedBudget != 0 {
		t.Fatalf("budget default wrong: %+v", p)
	}
}

func TestSubmitProposalGuards(t *testing.T) {
	env := newTestEnv(t)
	req := postRequest(t, env, "client-1", "Guarded request")

	if _, err := env.Engine.SubmitProposal(env.Ctx, engine.ProposalSubmitOptions{
		RequestID: "no-such-request", SubmitterID: "agent-1",
	}); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	var forbidden *domain.ForbiddenError
	if _, err := env.Engine.SubmitProposal(env.Ctx, engine.ProposalSubmitOptions{
		RequestID: req.ID, SubmitterID: "client-1",
	}); !errors.As(err, &forbidden) {
		t.Fatalf("owner proposing on own request should be forbidden, got %v", err)
	}

	// While a counter is under review the request accepts no new proposals.
	p := submitProposal(t, env, req.ID, "agent-1")
	if _, err := env.Engine.CounterProposal(env.Ctx, engine.CounterOptions{
		ProposalID: p.ID, ActorID: "client-1",
	}); err != nil {
		t.Fatalf("counter: %v", err)
	}
	var notFound *domain.NotFoundError
	if _, err := env.Engine.SubmitProposal(env.Ctx, engine.ProposalSubmitOptions{
		RequestID: req.ID, SubmitterID: "agent-2",
	}); !errors.As(err, &notFound) {
		t.Fatalf("submission during counter review should read not found, got %v", err)
	}
}

func TestCreateRequestValidation(t *testing.T) {
	env := newTestEnv(t)
	var invalid *domain.ValidationError

	_, err := env.Engine.CreateRequest(env.Ctx, engine.RequestCreateOptions{
		OwnerID: "client-1", Title: "Bad type", ServiceType: "helicopter-visa", TargetCountry: "DE",
	})
	if !errors.As(err, &invalid) || invalid.Field != "service_type" {
		t.Fatalf("expected service_type validation error, got %v", err)
	}
	_, err = env.Engine.CreateRequest(env.Ctx, engine.RequestCreateOptions{
		OwnerID: "client-1", Title: "Bad timeline", ServiceType: "work-visa", TargetCountry: "DE", TimelineBucket: "someday",
	})
	if !errors.As(err, &invalid) || invalid.Field != "timeline_bucket" {
		t.Fatalf("expected timeline_bucket validation error, got %v", err)
	}
	// Omitted timeline defaults to unspecified.
	req, err := env.Engine.CreateRequest(env.Ctx, engine.RequestCreateOptions{
		OwnerID: "client-1", Title: "Defaulted timeline", ServiceType: "work-visa", TargetCountry: "DE",
	})
	if err != nil || req.TimelineBucket != "unspecified" {
		t.Fatalf("timeline default: %v %q", err, req.TimelineBucket)
	}
}

func TestUpdateCaseProgress(t *testing.T) {
	env := newTestEnv(t)
	req := postRequest(t, env, "client-1", "Case work")
	p1 := submitProposal(t, env, req.ID, "agent-1")
	_, c, err := env.Engine.AcceptProposal(env.Ctx, p1.ID, "client-1")
	if err != nil {
		t.Fatalf("accept: %v", err)
	}

	var forbidden *domain.ForbiddenError
	progress := 40
	if _, err := env.Engine.UpdateCaseProgress(env.Ctx, engine.CaseProgressOptions{
		CaseID: c.ID, ActorID: "client-1", Progress: &progress,
	}); !errors.As(err, &forbidden) {
		t.Fatalf("only the assignee may update, got %v", err)
	}

	updated, err := env.Engine.UpdateCaseProgress(env.Ctx, engine.CaseProgressOptions{
		CaseID:         c.ID,
		ActorID:        "agent-1",
		Progress:       &progress,
		MilestonesDone: []string{"Document collection"},
	})
	if err != nil {
		t.Fatalf("update case: %v", err)
	}
	if updated.Progress != 40 {
		t.Fatalf("progress = %d", updated.Progress)
	}
	var done bool
	for _, m := range updated.Milestones {
		if m.Name == "Document collection" && m.Done {
			done = true
		}
	}
	if !done {
		t.Fatalf("milestone not marked done: %+v", updated.Milestones)
	}

	var invalid *domain.ValidationError
	if _, err := env.Engine.UpdateCaseProgress(env.Ctx, engine.CaseProgressOptions{
		CaseID: c.ID, ActorID: "agent-1", MilestonesDone: []string{"Not a milestone"},
	}); !errors.As(err, &invalid) {
		t.Fatalf("expected validation error for unknown milestone, got %v", err)
	}
	bad := 150
	if _, err := env.Engine.UpdateCaseProgress(env.Ctx, engine.CaseProgressOptions{
		CaseID: c.ID, ActorID: "agent-1", Progress: &bad,
	}); !errors.As(err, &invalid) {
		t.Fatalf("expected validation error for out-of-range progress, got %v", err)
	}
}

func TestActivityRecordsLifecycle(t *testing.T) {
	env := newTestEnv(t)
	req := postRequest(t, env, "client-1", "Audited request")
	p1 := submitProposal(t, env, req.ID, "agent-1")
	if _, _, err := env.Engine.AcceptProposal(env.Ctx, p1.ID, "client-1"); err != nil {
		t.Fatalf("accept: %v", err)
	}

	entries, err := env.Engine.Repo.LatestActivity(env.Ctx, repo.ActivityFilters{RequestID: req.ID, Limit: 50})
	if err != nil {
		t.Fatalf("latest activity: %v", err)
	}
	kinds := map[string]bool{}
	for _, e := range entries {
		kinds[e.Kind] = true
	}
	for _, want := range []string{"request.created", "proposal.submitted", "proposal.accepted", "request.fulfilled", "case.created"} {
		if !kinds[want] {
			t.Fatalf("missing activity kind %s in %v", want, kinds)
		}
	}
}

func TestIssueAPIKeyStoresOnlyHash(t *testing.T) {
	env := newTestEnv(t)
	raw, key, err := env.Engine.IssueAPIKey(env.Ctx, "client-1", "laptop")
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	if raw == "" || key.KeyHash == raw {
		t.Fatalf("raw key must not be stored verbatim")
	}
	stored, err := env.Engine.Repo.GetAPIKeyByHash(env.Ctx, repo.HashAPIKey(raw))
	if err != nil {
		t.Fatalf("lookup by hash: %v", err)
	}
	if stored.ActorID != "client-1" {
		t.Fatalf("key actor = %s", stored.ActorID)
	}
}
