// Package adapter wraps the two possible data origins, the live backend and
// a static fallback dataset, behind one fetch contract. Reads always produce
// a displayable result: a live failure is logged and answered from fallback,
// never propagated.
package adapter

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"log"

	"visaline/internal/domain"
	"visaline/internal/normalize"
	visalinesdk "visaline/sdk/go"
)

//go:embed fallback.json
var fallbackJSON []byte

var errNoClient = errors.New("no backend client configured")

// Origin names where a fetch result came from.
type Origin string

const (
	OriginLive     Origin = "live"
	OriginFallback Origin = "fallback"
)

// Filter narrows fetches.
type Filter struct {
	Status    string
	OwnerID   string
	RequestID string
}

// RequestResult is a normalized request fetch.
type RequestResult struct {
	Items   []domain.Request
	Origin  Origin
	Dropped int
}

// ProposalResult is a normalized proposal fetch.
type ProposalResult struct {
	Items   []domain.Proposal
	Origin  Origin
	Dropped int
}

// Source fetches raw records from one origin.
type Source interface {
	FetchRequests(ctx context.Context, f Filter) ([]json.RawMessage, error)
	FetchProposals(ctx context.Context, f Filter) ([]json.RawMessage, error)
}

// LiveSource reads from the backend of record.
type LiveSource struct {
	Client *visalinesdk.Client
}

func (s LiveSource) FetchRequests(ctx context.Context, f Filter) ([]json.RawMessage, error) {
	if s.Client == nil {
		return nil, &domain.NetworkError{Op: "fetch requests", Err: errNoClient}
	}
	page, err := s.Client.ListRequests(ctx, visalinesdk.ListOptions{Status: f.Status})
	if err != nil {
		return nil, &domain.NetworkError{Op: "fetch requests", Err: err}
	}
	return page.Items, nil
}

func (s LiveSource) FetchProposals(ctx context.Context, f Filter) ([]json.RawMessage, error) {
	if s.Client == nil {
		return nil, &domain.NetworkError{Op: "fetch proposals", Err: errNoClient}
	}
	if f.RequestID == "" {
		return nil, &domain.ValidationError{Field: "request_id", Reason: "required"}
	}
	page, err := s.Client.ListProposals(ctx, f.RequestID, visalinesdk.ListOptions{Status: f.Status})
	if err != nil {
		return nil, &domain.NetworkError{Op: "fetch proposals", Err: err}
	}
	return page.Items, nil
}

// FallbackSource serves the embedded legacy dataset.
type FallbackSource struct{}

type fallbackData struct {
	Requests  []json.RawMessage `json:"requests"`
	Proposals []json.RawMessage `json:"proposals"`
}

func (FallbackSource) load() fallbackData {
	var data fallbackData
	// The dataset is embedded and validated by tests; a decode failure
	// yields empty slices, which is still a displayable result.
	_ = json.Unmarshal(fallbackJSON, &data)
	return data
}

func (s FallbackSource) FetchRequests(ctx context.Context, f Filter) ([]json.RawMessage, error) {
	return s.load().Requests, nil
}

func (s FallbackSource) FetchProposals(ctx context.Context, f Filter) ([]json.RawMessage, error) {
	return s.load().Proposals, nil
}

// Adapter tries the live source first and degrades to fallback.
type Adapter struct {
	Live     Source
	Fallback Source
	Logger   *log.Logger
}

// New wires the default live-then-fallback adapter.
func New(client *visalinesdk.Client, logger *log.Logger) *Adapter {
	return &Adapter{
		Live:     LiveSource{Client: client},
		Fallback: FallbackSource{},
		Logger:   logger,
	}
}

func (a *Adapter) logger() *log.Logger {
	if a.Logger != nil {
		return a.Logger
	}
	return log.Default()
}

// FetchRequests returns normalized requests, from live when reachable and
// from fallback otherwise. It never returns an error.
func (a *Adapter) FetchRequests(ctx context.Context, f Filter) RequestResult {
	raws, err := a.Live.FetchRequests(ctx, f)
	origin := OriginLive
	if err != nil {
		a.logger().Printf("adapter: live requests fetch failed, using fallback: %v", err)
		raws, _ = a.Fallback.FetchRequests(ctx, f)
		origin = OriginFallback
	}
	items, dropped := normalize.Requests(raws)
	if dropped > 0 {
		a.logger().Printf("adapter: dropped %d malformed request records", dropped)
	}
	return RequestResult{Items: filterRequests(items, f), Origin: origin, Dropped: dropped}
}

// FetchProposals returns normalized proposals for a request, live-else-fallback.
func (a *Adapter) FetchProposals(ctx context.Context, f Filter) ProposalResult {
	raws, err := a.Live.FetchProposals(ctx, f)
	origin := OriginLive
	if err != nil {
		a.logger().Printf("adapter: live proposals fetch failed, using fallback: %v", err)
		raws, _ = a.Fallback.FetchProposals(ctx, f)
		origin = OriginFallback
	}
	items, dropped := normalize.Proposals(raws)
	if dropped > 0 {
		a.logger().Printf("adapter: dropped %d malformed proposal records", dropped)
	}
	return ProposalResult{Items: filterProposals(items, f), Origin: origin, Dropped: dropped}
}

// The fallback dataset is unfiltered, so filters apply after normalization.
func filterRequests(in []domain.Request, f Filter) []domain.Request {
	if f.Status == "" && f.OwnerID == "" {
		return in
	}
	var out []domain.Request
	for _, r := range in {
		if f.Status != "" && string(r.Status) != f.Status {
			continue
		}
		if f.OwnerID != "" && r.OwnerID != f.OwnerID {
			continue
		}
		out = append(out, r)
	}
	return out
}

func filterProposals(in []domain.Proposal, f Filter) []domain.Proposal {
	if f.Status == "" && f.RequestID == "" {
		return in
	}
	var out []domain.Proposal
	for _, p := range in {
		if f.Status != "" && string(p.Status) != f.Status {
			continue
		}
		if f.RequestID != "" && p.RequestID != f.RequestID {
			continue
		}
		out = append(out, p)
	}
	return out
}
