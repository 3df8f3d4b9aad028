package resilience

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/WessleyAI/docchat/pkg/fn"
)

var errFail = errors.New("fail")

func failing(context.Context) error { return errFail }
func passing(context.Context) error { return nil }

// newClocked returns a breaker whose clock advances only through the returned func.
func newClocked(opts BreakerOpts) (*Breaker, func(time.Duration)) {
	now := time.Now()
	b := NewBreaker("test", opts)
	b.now = func() time.Time { return now }
	return b, func(d time.Duration) { now = now.Add(d) }
}

func TestBreaker_Defaults(t *testing.T) {
	b := NewBreaker("search", BreakerOpts{})
	if b.opts.FailThreshold != 5 || b.opts.Timeout != 30*time.Second || b.opts.HalfOpenMax != 1 {
		t.Errorf("unexpected defaults: %+v", b.opts)
	}
	if b.Name() != "search" || b.State() != StateClosed {
		t.Errorf("name=%q state=%v", b.Name(), b.State())
	}
}

func TestBreaker_TripsAfterThreshold(t *testing.T) {
	b := NewBreaker("test", BreakerOpts{FailThreshold: 3, Timeout: time.Second})
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if err := b.Call(ctx, failing); !errors.Is(err, errFail) {
			t.Fatalf("call %d: expected underlying error, got %v", i, err)
		}
	}
	if b.State() != StateOpen {
		t.Fatalf("expected open, got %v", b.State())
	}

	called := false
	err := b.Call(ctx, func(context.Context) error { called = true; return nil })
	if !errors.Is(err, ErrCircuitOpen) || called {
		t.Fatalf("expected rejection without calling through, got %v (called=%v)", err, called)
	}
}

func TestBreaker_SuccessResetsCount(t *testing.T) {
	b := NewBreaker("test", BreakerOpts{FailThreshold: 3, Timeout: time.Second})
	ctx := context.Background()

	b.Call(ctx, failing)
	b.Call(ctx, failing)
	b.Call(ctx, passing)
	b.Call(ctx, failing)
	b.Call(ctx, failing)
	if b.State() != StateClosed {
		t.Fatalf("expected closed, got %v", b.State())
	}
}

func TestBreaker_HalfOpen(t *testing.T) {
	tests := []struct {
		name  string
		trial func(context.Context) error
		want  State
	}{
		{"trial call succeeds", passing, StateClosed},
		{"trial call fails", failing, StateOpen},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b, advance := newClocked(BreakerOpts{FailThreshold: 2, Timeout: 5 * time.Second, HalfOpenMax: 1})
			ctx := context.Background()
			b.Call(ctx, failing)
			b.Call(ctx, failing)

			advance(4 * time.Second)
			if b.State() != StateOpen {
				t.Fatalf("expected open before timeout, got %v", b.State())
			}
			advance(2 * time.Second)
			if b.State() != StateHalfOpen {
				t.Fatalf("expected half-open, got %v", b.State())
			}

			b.Call(ctx, tt.trial)
			if b.State() != tt.want {
				t.Fatalf("expected %v, got %v", tt.want, b.State())
			}
		})
	}
}

func TestBreaker_HalfOpenLimitsTrialCalls(t *testing.T) {
	b, advance := newClocked(BreakerOpts{FailThreshold: 1, Timeout: time.Second, HalfOpenMax: 1})
	ctx := context.Background()
	b.Call(ctx, failing)
	advance(2 * time.Second)

	release := make(chan struct{})
	started := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		b.Call(ctx, func(context.Context) error {
			close(started)
			<-release
			return nil
		})
	}()
	<-started

	if err := b.Call(ctx, passing); !errors.Is(err, ErrCircuitOpen) {
		t.Errorf("second trial call should be rejected, got %v", err)
	}
	close(release)
	wg.Wait()
	if b.State() != StateClosed {
		t.Errorf("expected closed after trial call, got %v", b.State())
	}
}

func TestBreaker_OnStateChange(t *testing.T) {
	type transition struct{ from, to State }
	var got []transition
	b, advance := newClocked(BreakerOpts{
		FailThreshold: 1,
		Timeout:       time.Second,
		OnStateChange: func(name string, from, to State) {
			if name != "test" {
				t.Errorf("name = %q", name)
			}
			got = append(got, transition{from, to})
		},
	})
	ctx := context.Background()

	b.Call(ctx, failing)
	advance(2 * time.Second)
	b.Call(ctx, passing)

	want := []transition{
		{StateClosed, StateOpen},
		{StateOpen, StateHalfOpen},
		{StateHalfOpen, StateClosed},
	}
	if len(got) != len(want) {
		t.Fatalf("transitions = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("transition %d = %v, want %v", i, got[i], want[i])
		}
	}
}

func TestBreakerStage(t *testing.T) {
	b := NewBreaker("test", BreakerOpts{FailThreshold: 2, Timeout: time.Second})
	ctx := context.Background()

	calls := 0
	stage := BreakerStage(b, func(ctx context.Context, in int) fn.Result[int] {
		calls++
		return fn.Err[int](errFail)
	})

	stage(ctx, 1)
	stage(ctx, 2)
	_, err := stage(ctx, 3).Unwrap()
	if !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("expected ErrCircuitOpen, got %v", err)
	}
	if calls != 2 {
		t.Errorf("stage called %d times, want 2", calls)
	}
}

func TestCallResult_PassesValue(t *testing.T) {
	b := NewBreaker("test", BreakerOpts{})
	v, err := CallResult(b, context.Background(), func(context.Context) fn.Result[string] {
		return fn.Ok("ok")
	}).Unwrap()
	if err != nil || v != "ok" {
		t.Errorf("got %q, %v", v, err)
	}
}

func TestStateString(t *testing.T) {
	cases := map[State]string{
		StateClosed:   "closed",
		StateOpen:     "open",
		StateHalfOpen: "half-open",
		State(9):      "unknown",
	}
	for s, want := range cases {
		if s.String() != want {
			t.Errorf("%d.String() = %q, want %q", s, s.String(), want)
		}
	}
}
