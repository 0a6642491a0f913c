package visalinesdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client is a minimal Visaline HTTP API client. List reads return raw JSON
// records so callers can run them through their own normalization layer;
// actions return partial typed models.
type Client struct {
	BaseURL     string
	APIKey      string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL: baseURL,
		Timeout: 10 * time.Second,
	}
}

// Request represents the API request model (partial).
type Request struct {
	ID      string `json:"id"`
	OwnerID string `json:"owner_id"`
	Title   string `json:"title"`
	Status  string `json:"status"`
}

// Proposal represents the API proposal model (partial).
type Proposal struct {
	ID        string `json:"id"`
	RequestID string `json:"request_id"`
	Status    string `json:"status"`
	UpdatedAt string `json:"updated_at"`
}

// Case represents the API case model (partial).
type Case struct {
	ID         string `json:"id"`
	RequestID  string `json:"request_id"`
	ProposalID string `json:"proposal_id"`
	AssigneeID string `json:"assignee_id"`
	Progress   int    `json:"progress"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// RawPage wraps raw list responses with cursors.
type RawPage struct {
	Items      []json.RawMessage `json:"items"`
	NextCursor string            `json:"next_cursor"`
}

// ActivityPage wraps activity tail responses.
type ActivityPage struct {
	Items      []json.RawMessage `json:"items"`
	NextCursor int64             `json:"next_cursor"`
}

// ListOptions filter and paginate list reads.
type ListOptions struct {
	Status string
	Limit  int
	Cursor string
}

func (o ListOptions) query() string {
	q := url.Values{}
	if o.Status != "" {
		q.Set("status", o.Status)
	}
	if o.Limit > 0 {
		q.Set("limit", fmt.Sprintf("%d", o.Limit))
	}
	if o.Cursor != "" {
		q.Set("cursor", o.Cursor)
	}
	if len(q) == 0 {
		return ""
	}
	return "?" + q.Encode()
}

// ListRequests returns raw request records.
func (c *Client) ListRequests(ctx context.Context, opts ListOptions) (RawPage, error) {
	var resp RawPage
	err := c.do(ctx, http.MethodGet, "v0/requests"+opts.query(), nil, &resp)
	return resp, err
}

// GetRequest returns one raw request record.
func (c *Client) GetRequest(ctx context.Context, id string) (json.RawMessage, error) {
	var resp json.RawMessage
	err := c.do(ctx, http.MethodGet, "v0/requests/"+url.PathEscape(id), nil, &resp)
	return resp, err
}

// ListProposals returns raw proposal records for a request.
func (c *Client) ListProposals(ctx context.Context, requestID string, opts ListOptions) (RawPage, error) {
	var resp RawPage
	endpoint := fmt.Sprintf("v0/requests/%s/proposals%s", url.PathEscape(requestID), opts.query())
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// GetProposal returns one raw proposal record.
func (c *Client) GetProposal(ctx context.Context, id string) (json.RawMessage, error) {
	var resp json.RawMessage
	err := c.do(ctx, http.MethodGet, "v0/proposals/"+url.PathEscape(id), nil, &resp)
	return resp, err
}

// ListCases returns raw case records.
func (c *Client) ListCases(ctx context.Context, opts ListOptions) (RawPage, error) {
	var resp RawPage
	err := c.do(ctx, http.MethodGet, "v0/cases"+opts.query(), nil, &resp)
	return resp, err
}

// ActivityAfter tails the activity feed past a cursor.
func (c *Client) ActivityAfter(ctx context.Context, cursor int64, limit int) (ActivityPage, error) {
	q := url.Values{}
	if cursor > 0 {
		q.Set("cursor", fmt.Sprintf("%d", cursor))
	}
	if limit > 0 {
		q.Set("limit", fmt.Sprintf("%d", limit))
	}
	endpoint := "v0/activity/after"
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}
	var resp ActivityPage
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// CreateRequest posts a service request.
func (c *Client) CreateRequest(ctx context.Context, body map[string]any) (Request, error) {
	var resp Request
	err := c.do(ctx, http.MethodPost, "v0/requests", body, &resp)
	return resp, err
}

// CancelRequest cancels a request.
func (c *Client) CancelRequest(ctx context.Context, id string) (Request, error) {
	var resp Request
	err := c.do(ctx, http.MethodPost, fmt.Sprintf("v0/requests/%s/cancel", url.PathEscape(id)), nil, &resp)
	return resp, err
}

// SubmitProposal submits a proposal on a request.
func (c *Client) SubmitProposal(ctx context.Context, requestID string, body map[string]any) (Proposal, error) {
	var resp Proposal
	err := c.do(ctx, http.MethodPost, fmt.Sprintf("v0/requests/%s/proposals", url.PathEscape(requestID)), body, &resp)
	return resp, err
}

// AcceptOutcome is the accept response: the accepted proposal and the case
// opened for it.
type AcceptOutcome struct {
	Proposal Proposal `json:"proposal"`
	Case     Case     `json:"case"`
}

// AcceptProposal accepts a proposal.
func (c *Client) AcceptProposal(ctx context.Context, proposalID string) (AcceptOutcome, error) {
	var resp AcceptOutcome
	err := c.do(ctx, http.MethodPost, fmt.Sprintf("v0/proposals/%s/accept", url.PathEscape(proposalID)), nil, &resp)
	return resp, err
}

// DeclineProposal declines a proposal.
func (c *Client) DeclineProposal(ctx context.Context, proposalID string) (Proposal, error) {
	var resp Proposal
	err := c.do(ctx, http.MethodPost, fmt.Sprintf("v0/proposals/%s/decline", url.PathEscape(proposalID)), nil, &resp)
	return resp, err
}

// WithdrawProposal withdraws a proposal.
func (c *Client) WithdrawProposal(ctx context.Context, proposalID string) (Proposal, error) {
	var resp Proposal
	err := c.do(ctx, http.MethodPost, fmt.Sprintf("v0/proposals/%s/withdraw", url.PathEscape(proposalID)), nil, &resp)
	return resp, err
}

// CounterProposal counters a pending proposal.
func (c *Client) CounterProposal(ctx context.Context, proposalID string, body map[string]any) (Proposal, error) {
	var resp Proposal
	err := c.do(ctx, http.MethodPost, fmt.Sprintf("v0/proposals/%s/counter", url.PathEscape(proposalID)), body, &resp)
	return resp, err
}

// UpdateCase patches case progress.
func (c *Client) UpdateCase(ctx context.Context, caseID string, body map[string]any) (Case, error) {
	var resp Case
	err := c.do(ctx, http.MethodPatch, "v0/cases/"+url.PathEscape(caseID), body, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.APIKey != "":
		req.Header.Set("X-Api-Key", c.APIKey)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return &APIError{StatusCode: resp.StatusCode, Body: string(b)}
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
