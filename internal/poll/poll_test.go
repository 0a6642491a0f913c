package poll

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

func TestNewDefaultsInterval(t *testing.T) {
	p := New(0, nil, nil)
	if p.Interval != DefaultInterval {
		t.Fatalf("interval = %v", p.Interval)
	}
	p = New(5*time.Second, nil, nil)
	if p.Interval != 5*time.Second {
		t.Fatalf("interval = %v", p.Interval)
	}
}

func TestStaleResponseDiscarded(t *testing.T) {
	var calls int64
	waits := []chan any{make(chan any), make(chan any)}
	fetch := func(ctx context.Context) (any, error) {
		n := atomic.AddInt64(&calls, 1)
		return <-waits[n-1], nil
	}
	applied := make(chan any, 2)
	p := New(time.Hour, fetch, func(s any) { applied <- s })

	ctx := context.Background()
	p.poll(ctx)
	p.poll(ctx)

	// The newer fetch returns first and lands.
	waits[1] <- "second"
	if got := <-applied; got != "second" {
		t.Fatalf("applied %v", got)
	}
	// The older fetch returns late and must be discarded.
	waits[0] <- "first"
	select {
	case got := <-applied:
		t.Fatalf("stale snapshot applied: %v", got)
	case <-time.After(200 * time.Millisecond):
	}
}

func TestSlowApplyCannotBeOvertaken(t *testing.T) {
	var calls int64
	waits := []chan any{make(chan any), make(chan any)}
	fetch := func(ctx context.Context) (any, error) {
		n := atomic.AddInt64(&calls, 1)
		return <-waits[n-1], nil
	}
	firstInApply := make(chan struct{})
	releaseFirst := make(chan struct{})
	applied := make(chan any, 2)
	apply := func(s any) {
		if s == "first" {
			close(firstInApply)
			<-releaseFirst
		}
		applied <- s
	}
	p := New(time.Hour, fetch, apply)

	ctx := context.Background()
	p.poll(ctx)
	p.poll(ctx)

	// The older fetch wins the check-in, then stalls inside Apply.
	waits[0] <- "first"
	<-firstInApply
	// The newer response arrives while the older apply is still running. It
	// must wait its turn and land after, never before.
	waits[1] <- "second"
	close(releaseFirst)

	if got := <-applied; got != "first" {
		t.Fatalf("first landed snapshot = %v", got)
	}
	if got := <-applied; got != "second" {
		t.Fatalf("newer snapshot did not land last, got %v", got)
	}
}

func TestRunFiresImmediatelyAndOnTrigger(t *testing.T) {
	fetched := make(chan struct{}, 10)
	fetch := func(ctx context.Context) (any, error) {
		fetched <- struct{}{}
		return nil, nil
	}
	p := New(time.Hour, fetch, func(any) {})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		p.Run(ctx)
		close(done)
	}()

	select {
	case <-fetched:
	case <-time.After(2 * time.Second):
		t.Fatal("no immediate poll")
	}
	p.Trigger()
	select {
	case <-fetched:
	case <-time.After(2 * time.Second):
		t.Fatal("trigger did not poll")
	}
	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not stop on cancel")
	}
}

func TestTriggerCoalesces(t *testing.T) {
	p := New(time.Hour, nil, nil)
	// Without a running loop both calls must return without blocking; the
	// second folds into the queued one.
	p.Trigger()
	p.Trigger()
	if len(p.trigger) != 1 {
		t.Fatalf("queued triggers = %d, want 1", len(p.trigger))
	}
}

func TestOnErrorReported(t *testing.T) {
	boom := errors.New("fetch failed")
	errs := make(chan error, 1)
	p := New(time.Hour, func(ctx context.Context) (any, error) {
		return nil, boom
	}, func(any) {
		t.Error("apply called on error")
	})
	p.OnError = func(err error) { errs <- err }

	p.poll(context.Background())
	select {
	case err := <-errs:
		if !errors.Is(err, boom) {
			t.Fatalf("got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("error not reported")
	}
}

func TestOnErrorSuppressedAfterCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	started := make(chan struct{})
	p := New(time.Hour, func(ctx context.Context) (any, error) {
		close(started)
		<-ctx.Done()
		return nil, ctx.Err()
	}, func(any) {})
	reported := make(chan error, 1)
	p.OnError = func(err error) { reported <- err }

	p.poll(ctx)
	<-started
	cancel()
	select {
	case err := <-reported:
		t.Fatalf("cancellation reported as error: %v", err)
	case <-time.After(200 * time.Millisecond):
	}
}
