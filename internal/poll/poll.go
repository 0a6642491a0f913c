// Package poll runs the periodic refresh loop behind the activity and
// request views. Fetches run concurrently with manual refresh triggers, so
// every fetch carries a sequence number and only the newest response is
// allowed to land; a slow response from an older fetch is discarded.
package poll

import (
	"context"
	"sync"
	"time"
)

const DefaultInterval = 30 * time.Second

// Fetch retrieves one snapshot. It should honor ctx cancellation.
type Fetch func(ctx context.Context) (any, error)

// Apply receives the snapshot of the winning fetch.
type Apply func(snapshot any)

// Poller drives Fetch on an interval and on demand.
type Poller struct {
	Interval time.Duration
	Fetch    Fetch
	Apply    Apply
	OnError  func(error)

	mu      sync.Mutex
	seq     uint64
	applied uint64
	trigger chan struct{}
}

// New builds a poller. A zero or negative interval falls back to the
// default.
func New(interval time.Duration, fetch Fetch, apply Apply) *Poller {
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Poller{
		Interval: interval,
		Fetch:    fetch,
		Apply:    apply,
		trigger:  make(chan struct{}, 1),
	}
}

// Trigger requests an immediate poll. Coalesces when one is already queued.
func (p *Poller) Trigger() {
	select {
	case p.trigger <- struct{}{}:
	default:
	}
}

// Run polls until ctx is done. It fires once immediately, then on every
// interval tick or trigger.
func (p *Poller) Run(ctx context.Context) {
	ticker := time.NewTicker(p.Interval)
	defer ticker.Stop()

	p.poll(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.poll(ctx)
		case <-p.trigger:
			p.poll(ctx)
		}
	}
}

// poll starts a fetch under the next sequence number. Responses apply only
// while no newer fetch has started or landed since.
func (p *Poller) poll(ctx context.Context) {
	p.mu.Lock()
	p.seq++
	seq := p.seq
	p.mu.Unlock()

	go func() {
		snapshot, err := p.Fetch(ctx)
		if err != nil {
			if p.OnError != nil && ctx.Err() == nil {
				p.OnError(err)
			}
			return
		}
		// Apply runs under the lock so a winner checked in cannot be
		// overtaken by a staler response between check and apply.
		p.mu.Lock()
		defer p.mu.Unlock()
		if seq < p.seq || seq <= p.applied {
			return
		}
		p.applied = seq
		p.Apply(snapshot)
	}()
}
