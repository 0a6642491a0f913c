package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"testing"

	"visaline/internal/config"
	"visaline/internal/db"
	"visaline/internal/engine"
	"visaline/internal/migrate"
)

type testServer struct {
	URL    string
	client *http.Client
	close  func()
}

func (s *testServer) Client() *http.Client { return s.client }
func (s *testServer) Close()               { s.close() }

func newTestServer(t *testing.T) (*testServer, func()) {
	t.Helper()
	workspace := t.TempDir()
	if _, err := db.EnsureWorkspace(workspace); err != nil {
		t.Fatalf("ensure workspace: %v", err)
	}
	cfg := config.Default("visaline")
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	e := engine.New(conn, cfg)
	if _, err := e.InitMarketplace(context.Background(), cfg.Marketplace.ID, "tester"); err != nil {
		t.Fatalf("init marketplace: %v", err)
	}
	handler, err := New(Config{
		Engine:   e,
		BasePath: "/v0",
		Auth:     AuthConfig{JWTSecret: "test-secret", AllowLegacyActorHeader: true},
	})
	if err != nil {
		t.Fatalf("build handler: %v", err)
	}
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := &http.Server{Handler: handler}
	go srv.Serve(ln)
	testSrv := &testServer{
		URL:    "http://" + ln.Addr().String(),
		client: &http.Client{},
		close: func() {
			srv.Shutdown(context.Background())
			ln.Close()
			conn.Close()
		},
	}
	return testSrv, func() { testSrv.Close() }
}

func doJSON(t *testing.T, client *http.Client, method, url string, body any, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	res, err := client.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return res, data
}

func asActor(id string) map[string]string {
	return map[string]string{"X-Actor-Id": id}
}

type errorBody struct {
	Error struct {
		Code    string         `json:"code"`
		Message string         `json:"message"`
		Details map[string]any `json:"details"`
	} `json:"error"`
}

func decodeError(t *testing.T, data []byte) errorBody {
	t.Helper()
	var e errorBody
	if err := json.Unmarshal(data, &e); err != nil {
		t.Fatalf("unmarshal error body %s: %v", string(data), err)
	}
	return e
}

func createRequest(t *testing.T, srv *testServer, owner, title string) RequestResponse {
	t.Helper()
	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/requests", map[string]any{
		"title":          title,
		"service_type":   "work-visa",
		"target_country": "DE",
		"budget_range":   "1500-3000",
	}, asActor(owner))
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create request status %d: %s", res.StatusCode, string(data))
	}
	var out RequestResponse
	if err := json.Unmarshal(data, &out); err != nil {
		t.Fatalf("unmarshal request: %v", err)
	}
	return out
}

func submitProposal(t *testing.T, srv *testServer, requestID, submitter string) ProposalResponse {
	t.Helper()
	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/requests/"+requestID+"/proposals", map[string]any{
		"proposed_budget":   2000,
		"proposed_timeline": "within-3-months",
		"cover_letter":      "happy to help",
		"submitter_name":    submitter,
	}, asActor(submitter))
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("submit proposal status %d: %s", res.StatusCode, string(data))
	}
	var out ProposalResponse
	if err := json.Unmarshal(data, &out); err != nil {
		t.Fatalf("unmarshal proposal: %v", err)
	}
	return out
}

func TestAcceptProposalFlow(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	req := createRequest(t, srv, "client-1", "Work visa for Berlin")
	p1 := submitProposal(t, srv, req.ID, "agent-1")
	p2 := submitProposal(t, srv, req.ID, "agent-2")

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/proposals/"+p1.ID+"/accept", nil, asActor("client-1"))
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("accept status %d: %s", res.StatusCode, string(data))
	}
	var out AcceptResponse
	if err := json.Unmarshal(data, &out); err != nil {
		t.Fatalf("unmarshal accept response: %v", err)
	}
	if out.Proposal.ID != p1.ID || out.Proposal.Status != "accepted" {
		t.Fatalf("proposal wrong: %+v", out.Proposal)
	}
	if out.Case.ProposalID != p1.ID || out.Case.AssigneeID != "agent-1" {
		t.Fatalf("case wrong: %+v", out.Case)
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/requests/"+req.ID, nil, asActor("client-1"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("get request: %d %s", res.StatusCode, string(data))
	}
	var fetched RequestResponse
	_ = json.Unmarshal(data, &fetched)
	if fetched.Status != "fulfilled" {
		t.Fatalf("request status = %s", fetched.Status)
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/proposals/"+p2.ID, nil, asActor("client-1"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("get sibling: %d %s", res.StatusCode, string(data))
	}
	var sibling ProposalResponse
	_ = json.Unmarshal(data, &sibling)
	if sibling.Status != "rejected" {
		t.Fatalf("sibling status = %s", sibling.Status)
	}
}

func TestCreateRequestWithoutBudgetRange(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/requests", map[string]any{
		"title":          "No budget yet",
		"service_type":   "work-visa",
		"target_country": "DE",
	}, asActor("client-1"))
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create without budget_range: %d %s", res.StatusCode, string(data))
	}
	var out RequestResponse
	if err := json.Unmarshal(data, &out); err != nil {
		t.Fatalf("unmarshal request: %v", err)
	}
	if out.BudgetRange != "" {
		t.Fatalf("budget_range = %q, want empty", out.BudgetRange)
	}
}

func TestSubmitOnClosedRequestIsNotFound(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	req := createRequest(t, srv, "client-1", "Short-lived request")
	if res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/requests/"+req.ID+"/cancel", nil, asActor("client-1")); res.StatusCode != http.StatusOK {
		t.Fatalf("cancel: %d %s", res.StatusCode, string(data))
	}

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/requests/"+req.ID+"/proposals", map[string]any{
		"proposed_budget":   2000,
		"proposed_timeline": "within-3-months",
		"cover_letter":      "late to the party",
		"submitter_name":    "agent-1",
	}, asActor("agent-1"))
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("submit on cancelled request: %d %s", res.StatusCode, string(data))
	}
	e := decodeError(t, data)
	if e.Error.Details["kind"] != "request" || e.Error.Details["id"] != req.ID {
		t.Fatalf("details: %+v", e.Error.Details)
	}
}

func TestAcceptConflictEnvelope(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	req := createRequest(t, srv, "client-1", "Study permit")
	p1 := submitProposal(t, srv, req.ID, "agent-1")
	p2 := submitProposal(t, srv, req.ID, "agent-2")

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/proposals/"+p1.ID+"/accept", nil, asActor("client-1"))
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("first accept: %d %s", res.StatusCode, string(data))
	}
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/proposals/"+p2.ID+"/accept", nil, asActor("client-1"))
	if res.StatusCode != http.StatusConflict {
		t.Fatalf("expected 409, got %d: %s", res.StatusCode, string(data))
	}
	e := decodeError(t, data)
	if e.Error.Code != "proposal_conflict" {
		t.Fatalf("error code = %s", e.Error.Code)
	}
	if e.Error.Details["accepted_id"] != p1.ID {
		t.Fatalf("details should name the winner: %v", e.Error.Details)
	}
}

func TestInvalidTransitionEnvelope(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	req := createRequest(t, srv, "client-1", "Business visa")
	p1 := submitProposal(t, srv, req.ID, "agent-1")

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/proposals/"+p1.ID+"/withdraw", nil, asActor("agent-1"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("withdraw: %d %s", res.StatusCode, string(data))
	}
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/proposals/"+p1.ID+"/accept", nil, asActor("client-1"))
	if res.StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422, got %d: %s", res.StatusCode, string(data))
	}
	e := decodeError(t, data)
	if e.Error.Code != "invalid_transition" {
		t.Fatalf("error code = %s", e.Error.Code)
	}
	if e.Error.Details["from"] != "withdrawn" {
		t.Fatalf("details = %v", e.Error.Details)
	}
}

func TestForbiddenForNonOwner(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	req := createRequest(t, srv, "client-1", "Family sponsorship")
	p1 := submitProposal(t, srv, req.ID, "agent-1")

	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/proposals/"+p1.ID+"/accept", nil, asActor("agent-2"))
	if res.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403, got %d: %s", res.StatusCode, string(data))
	}
}

func TestValidationEnvelope(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/requests", map[string]any{
		"title":          "Helicopter visa",
		"service_type":   "helicopter-visa",
		"target_country": "DE",
	}, asActor("client-1"))
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d: %s", res.StatusCode, string(data))
	}
	e := decodeError(t, data)
	if e.Error.Code != "bad_request" {
		t.Fatalf("error code = %s", e.Error.Code)
	}
	if e.Error.Details["field"] != "service_type" {
		t.Fatalf("details = %v", e.Error.Details)
	}
}

func TestUnauthenticatedRejected(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/requests", nil, nil)
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d: %s", res.StatusCode, string(data))
	}
	// Health stays open.
	res, _ = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/health", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("health should not require auth, got %d", res.StatusCode)
	}
}

func TestDevLoginBearerFlow(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/auth/dev/login", map[string]any{
		"actor_id": "client-9",
		"role":     "client",
	}, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("dev login: %d %s", res.StatusCode, string(data))
	}
	var login DevLoginResponse
	if err := json.Unmarshal(data, &login); err != nil || login.Token == "" {
		t.Fatalf("token missing: %v %s", err, string(data))
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/me", nil, map[string]string{
		"Authorization": "Bearer " + login.Token,
	})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("me: %d %s", res.StatusCode, string(data))
	}
	var me ActorResponse
	_ = json.Unmarshal(data, &me)
	if me.ID != "client-9" {
		t.Fatalf("me = %+v", me)
	}

	res, _ = doJSON(t, client, http.MethodGet, srv.URL+"/v0/me", nil, map[string]string{
		"Authorization": "Bearer not-a-token",
	})
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("bad token should 401, got %d", res.StatusCode)
	}
}

func TestAPIKeyRoundTrip(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/auth/api-keys", map[string]any{
		"actor_id": "agent-7",
		"name":     "ci",
	}, asActor("agent-7"))
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("issue key: %d %s", res.StatusCode, string(data))
	}
	var key APIKeyResponse
	if err := json.Unmarshal(data, &key); err != nil || key.Key == "" {
		t.Fatalf("raw key missing: %v %s", err, string(data))
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/me", nil, map[string]string{
		"X-Api-Key": key.Key,
	})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("me with api key: %d %s", res.StatusCode, string(data))
	}
	var me ActorResponse
	_ = json.Unmarshal(data, &me)
	if me.ID != "agent-7" {
		t.Fatalf("me = %+v", me)
	}
}

func TestActivityTailAndRead(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	req := createRequest(t, srv, "client-1", "Audited request")
	p1 := submitProposal(t, srv, req.ID, "agent-1")
	if res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/proposals/"+p1.ID+"/accept", nil, asActor("client-1")); res.StatusCode != http.StatusCreated {
		t.Fatalf("accept: %d %s", res.StatusCode, string(data))
	}

	res, data := doJSON(t, client, http.MethodGet, srv.URL+"/v0/activity/after?limit=100", nil, asActor("client-1"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("tail: %d %s", res.StatusCode, string(data))
	}
	var page ActivityListResponse
	if err := json.Unmarshal(data, &page); err != nil {
		t.Fatalf("unmarshal page: %v", err)
	}
	if len(page.Items) == 0 || page.NextCursor == 0 {
		t.Fatalf("expected entries with a cursor: %s", string(data))
	}
	kinds := map[string]bool{}
	for _, e := range page.Items {
		kinds[e.Kind] = true
	}
	if !kinds["case.created"] {
		t.Fatalf("case.created missing from %v", kinds)
	}

	if res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/activity/read", map[string]any{
		"up_to": page.NextCursor,
	}, asActor("client-1")); res.StatusCode >= 300 {
		t.Fatalf("mark read: %d %s", res.StatusCode, string(data))
	}
	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/activity?limit=1", nil, asActor("client-1"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("list: %d %s", res.StatusCode, string(data))
	}
	var latest ActivityListResponse
	_ = json.Unmarshal(data, &latest)
	if len(latest.Items) != 1 || !latest.Items[0].Read {
		t.Fatalf("entry should be marked read: %s", string(data))
	}
}
