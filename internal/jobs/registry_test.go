package jobs

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/loqalabs/loqa-voice/internal/fingerprint"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func key(text string) fingerprint.Key {
	return fingerprint.Compute(text, fingerprint.Params{MediaType: "wav"})
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newRegistry(opts Options) *Registry {
	if opts.Retention == 0 {
		opts.Retention = time.Minute
	}
	if opts.FailureRetention == 0 {
		opts.FailureRetention = time.Minute
	}
	return NewRegistry(opts, newLogger())
}

var errBoom = errors.New("boom")

func TestSubmitCoalesces(t *testing.T) {
	r := newRegistry(Options{})
	k := key("line-A")

	first := r.Submit(k, "line-A", Prefetch, "prefetch")
	if !first.IsNew || first.Job.State != Queued {
		t.Fatalf("expected new queued job, got %+v", first)
	}
	for i := 0; i < 10; i++ {
		if res := r.Submit(k, "line-A", Prefetch, "prefetch"); res.IsNew {
			t.Fatalf("submission %d created new work", i)
		}
	}
	if _, ok := r.ClaimNext(1); !ok {
		t.Fatal("expected claim")
	}
	if res := r.Submit(k, "line-A", OnDemand, "nats"); res.IsNew || res.Job.State != InFlight {
		t.Fatalf("expected coalesce into in-flight job, got %+v", res)
	}
	if _, ok := r.ClaimNext(1); ok {
		t.Fatal("key must not be claimed twice while in flight")
	}
}

func TestClaimPrefersOnDemand(t *testing.T) {
	r := newRegistry(Options{})
	r.Submit(key("p1"), "p1", Prefetch, "")
	r.Submit(key("p2"), "p2", Prefetch, "")
	r.Submit(key("d1"), "d1", OnDemand, "")
	r.Submit(key("d2"), "d2", OnDemand, "")

	var order []string
	for {
		job, ok := r.ClaimNext(1)
		if !ok {
			break
		}
		order = append(order, job.Text)
	}
	want := []string{"d1", "d2", "p1", "p2"}
	if fmt.Sprint(order) != fmt.Sprint(want) {
		t.Fatalf("expected %v, got %v", want, order)
	}
}

func TestSubmitUpgradesQueuedPriority(t *testing.T) {
	r := newRegistry(Options{})
	r.Submit(key("line-A"), "line-A", Prefetch, "")
	r.Submit(key("line-B"), "line-B", Prefetch, "")
	r.Submit(key("line-C"), "line-C", Prefetch, "")

	res := r.Submit(key("line-C"), "line-C", OnDemand, "")
	if res.IsNew || res.Job.Priority != OnDemand {
		t.Fatalf("expected in-place upgrade, got %+v", res)
	}
	job, ok := r.ClaimNext(1)
	if !ok || job.Text != "line-C" {
		t.Fatalf("expected upgraded line-C first, got %+v", job)
	}
	job, _ = r.ClaimNext(1)
	if job.Text != "line-A" {
		t.Fatalf("expected FIFO among prefetch, got %s", job.Text)
	}

	// A lower priority never downgrades.
	r.Submit(key("line-B"), "line-B", Prefetch, "")
	if got, _ := r.Lookup(key("line-B")); got.Priority != Prefetch {
		t.Fatalf("unexpected priority %s", got.Priority)
	}
}

func TestClaimNextRespectsCapacity(t *testing.T) {
	r := newRegistry(Options{MaxInFlight: 2})
	for i := 0; i < 5; i++ {
		r.Submit(key(fmt.Sprint(i)), fmt.Sprint(i), Prefetch, "")
	}
	if _, ok := r.ClaimNext(0); ok {
		t.Fatal("expected nothing claimed with zero capacity")
	}
	a, _ := r.ClaimNext(1)
	r.ClaimNext(1)
	if _, ok := r.ClaimNext(1); ok {
		t.Fatal("expected registry bound to refuse a third claim")
	}
	if _, err := r.Complete(a.Key, Outcome{}); err != nil {
		t.Fatalf("complete: %v", err)
	}
	if _, ok := r.ClaimNext(1); !ok {
		t.Fatal("expected claim after a slot freed")
	}
	if got := r.Stats().InFlight; got != 2 {
		t.Fatalf("expected 2 in flight, got %d", got)
	}
}

func TestCompleteRetainsTerminalJob(t *testing.T) {
	r := newRegistry(Options{})
	k := key("line-A")
	r.Submit(k, "line-A", OnDemand, "")
	r.ClaimNext(1)
	job, err := r.Complete(k, Outcome{})
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if job.State != Completed {
		t.Fatalf("expected completed, got %s", job.State)
	}
	res := r.Submit(k, "line-A", OnDemand, "")
	if res.IsNew || res.Job.State != Completed {
		t.Fatalf("expected late duplicate answered from retention, got %+v", res)
	}
	if _, ok := r.ClaimNext(1); ok {
		t.Fatal("late duplicate must not create work")
	}
	if _, err := r.Complete(k, Outcome{}); !errors.Is(err, ErrNotInFlight) {
		t.Fatalf("expected ErrNotInFlight, got %v", err)
	}

	if !r.Forget(k) {
		t.Fatal("expected retained entry forgotten")
	}
	if res := r.Submit(k, "line-A", OnDemand, ""); !res.IsNew {
		t.Fatal("expected fresh job after forget")
	}
}

func TestRetentionExpires(t *testing.T) {
	r := NewRegistry(Options{Retention: 30 * time.Millisecond, FailureRetention: 30 * time.Millisecond}, newLogger())
	k := key("line-A")
	r.Submit(k, "line-A", Prefetch, "")
	r.ClaimNext(1)
	r.Complete(k, Outcome{})

	deadline := time.Now().Add(2 * time.Second)
	for {
		if _, ok := r.Lookup(k); !ok {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("expected retained job to be evicted")
		}
		time.Sleep(10 * time.Millisecond)
	}
	if res := r.Submit(k, "line-A", Prefetch, ""); !res.IsNew {
		t.Fatal("expected new job after retention expired")
	}
}

func TestFailedAttemptIsDelayedThenRetried(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1000, 0)}
	r := newRegistry(Options{
		Retry: RetryPolicy{MaxAttempts: 3, Base: time.Second, Max: 10 * time.Second},
		Now:   clock.Now,
	})
	k := key("line-A")
	r.Submit(k, "line-A", OnDemand, "")
	r.ClaimNext(1)

	job, err := r.Complete(k, Outcome{Err: errBoom, Kind: KindProviderTimeout})
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if job.State != Queued || !job.NotBefore.Equal(clock.Now().Add(time.Second)) {
		t.Fatalf("expected delayed requeue, got %+v", job)
	}
	if _, ok := r.ClaimNext(1); ok {
		t.Fatal("delayed job claimed before NotBefore")
	}
	if d, ok := r.NextWake(); !ok || d != time.Second {
		t.Fatalf("expected wake in 1s, got %v %v", d, ok)
	}
	if s := r.Stats(); s.Delayed != 1 || s.QueuedOnDemand != 1 {
		t.Fatalf("unexpected stats %+v", s)
	}

	clock.Advance(time.Second)
	job, ok := r.ClaimNext(1)
	if !ok || job.Attempt != 2 {
		t.Fatalf("expected second attempt, got %+v", job)
	}
}

func TestRetriesExhausted(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1000, 0)}
	r := newRegistry(Options{
		Retry: RetryPolicy{MaxAttempts: 2, Base: time.Millisecond, Max: time.Millisecond},
		Now:   clock.Now,
	})
	k := key("line-A")
	r.Submit(k, "line-A", OnDemand, "")
	for i := 0; i < 2; i++ {
		clock.Advance(time.Second)
		if _, ok := r.ClaimNext(1); !ok {
			t.Fatalf("attempt %d not claimable", i+1)
		}
		r.Complete(k, Outcome{Err: errBoom, Kind: KindProviderUnreachable})
	}
	job, ok := r.Lookup(k)
	if !ok || job.State != Failed || job.LastKind != KindRetriesExhausted {
		t.Fatalf("expected exhausted failure, got %+v", job)
	}
	if res := r.Submit(k, "line-A", OnDemand, ""); res.IsNew {
		t.Fatal("failed job within retention must not be resubmitted")
	}
}

func TestNonRetryableFailsImmediately(t *testing.T) {
	r := newRegistry(Options{})
	k := key("line-A")
	r.Submit(k, "line-A", OnDemand, "")
	r.ClaimNext(1)
	job, _ := r.Complete(k, Outcome{Err: errBoom, Kind: KindStorageWrite})
	if job.State != Failed || job.LastKind != KindStorageWrite || job.Attempt != 1 {
		t.Fatalf("expected storage failure without retry, got %+v", job)
	}
}

func TestReadySignalsClaimableWork(t *testing.T) {
	r := newRegistry(Options{})
	r.Submit(key("a"), "a", Prefetch, "")
	r.Submit(key("b"), "b", Prefetch, "")
	select {
	case <-r.Ready():
	default:
		t.Fatal("expected ready signal after submit")
	}
	r.ClaimNext(1)
	select {
	case <-r.Ready():
	default:
		t.Fatal("expected re-signal while work remains")
	}
}

func TestConcurrentClaimsNeverDuplicate(t *testing.T) {
	r := newRegistry(Options{})
	const n = 200
	for i := 0; i < n; i++ {
		r.Submit(key(fmt.Sprint(i%50)), fmt.Sprint(i%50), Priority(i%2), "")
	}
	var (
		mu      sync.Mutex
		claimed = map[fingerprint.Key]int{}
		wg      sync.WaitGroup
	)
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				job, ok := r.ClaimNext(1)
				if !ok {
					return
				}
				mu.Lock()
				claimed[job.Key]++
				mu.Unlock()
				r.Complete(job.Key, Outcome{})
			}
		}()
	}
	wg.Wait()
	if len(claimed) != 50 {
		t.Fatalf("expected 50 distinct keys, got %d", len(claimed))
	}
	for k, c := range claimed {
		if c != 1 {
			t.Fatalf("key %s claimed %d times", k.Short(), c)
		}
	}
}

func TestRetryPolicyDelays(t *testing.T) {
	p := RetryPolicy{MaxAttempts: 5, Base: 100 * time.Millisecond, Max: 300 * time.Millisecond}
	want := []time.Duration{100 * time.Millisecond, 200 * time.Millisecond, 300 * time.Millisecond, 300 * time.Millisecond}
	for i, w := range want {
		d, ok := p.Next(i+1, KindProviderTimeout)
		if !ok || d != w {
			t.Fatalf("attempt %d: expected %v, got %v (%v)", i+1, w, d, ok)
		}
	}
	if _, ok := p.Next(5, KindProviderTimeout); ok {
		t.Fatal("expected budget exhausted")
	}
	if _, ok := p.Next(1, KindProviderRejected); ok {
		t.Fatal("rejected must not retry")
	}
}
