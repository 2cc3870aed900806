package jobs

import (
	"container/heap"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/loqalabs/loqa-voice/internal/fingerprint"
)

// Options configures a Registry. Zero values fall back to defaults.
type Options struct {
	Retry             RetryPolicy
	Retention         time.Duration // how long completed jobs answer duplicates
	FailureRetention  time.Duration // how long failed jobs answer duplicates
	RetentionCapacity int
	MaxInFlight       int // 0 means unbounded
	Now               func() time.Time
}

// Registry tracks every key that is queued, in flight, or recently finished.
// All methods are safe for concurrent use; none of them perform I/O.
type Registry struct {
	mu       sync.Mutex
	active   map[fingerprint.Key]*entry
	ready    readyQueue
	delayed  []*entry
	inFlight int
	seq      uint64

	completed *expirable.LRU[fingerprint.Key, Job]
	failed    *expirable.LRU[fingerprint.Key, Job]

	retry       RetryPolicy
	maxInFlight int
	now         func() time.Time
	wake        chan struct{}
	log         *slog.Logger
}

func NewRegistry(opts Options, log *slog.Logger) *Registry {
	if opts.Retry.MaxAttempts <= 0 {
		opts.Retry = DefaultRetryPolicy()
	}
	if opts.RetentionCapacity <= 0 {
		opts.RetentionCapacity = 4096
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	r := &Registry{
		active:      make(map[fingerprint.Key]*entry),
		retry:       opts.Retry,
		maxInFlight: opts.MaxInFlight,
		now:         opts.Now,
		wake:        make(chan struct{}, 1),
		log:         log.With(slog.String("component", "job-registry")),
	}
	if opts.Retention > 0 {
		r.completed = expirable.NewLRU[fingerprint.Key, Job](opts.RetentionCapacity, nil, opts.Retention)
	}
	if opts.FailureRetention > 0 {
		r.failed = expirable.NewLRU[fingerprint.Key, Job](opts.RetentionCapacity, nil, opts.FailureRetention)
	}
	return r
}

// Submit records interest in key. A key that is already queued or in flight
// is coalesced, and its priority is raised if p is higher. A key that finished
// within its retention window returns the terminal job without new work.
func (r *Registry) Submit(key fingerprint.Key, text string, p Priority, source string) SubmitResult {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	if e, ok := r.active[key]; ok {
		if p > e.job.Priority {
			e.job.Priority = p
			e.job.UpdatedAt = now
			if e.index >= 0 {
				heap.Fix(&r.ready, e.index)
			}
			r.log.Debug("job priority raised",
				slog.String("key", key.Short()),
				slog.String("priority", p.String()))
		}
		return SubmitResult{Job: e.job}
	}
	if job, ok := r.retained(key); ok {
		return SubmitResult{Job: job}
	}

	r.seq++
	e := &entry{
		job: Job{
			Key:         key,
			Text:        text,
			Priority:    p,
			State:       Queued,
			Source:      source,
			SubmittedAt: now,
			UpdatedAt:   now,
		},
		seq: r.seq,
	}
	r.active[key] = e
	heap.Push(&r.ready, e)
	r.signal()
	return SubmitResult{IsNew: true, Job: e.job}
}

// ClaimNext hands the best ready job to a worker and marks it in flight.
// capacity is the caller's number of free worker slots; nothing is claimed
// when it is not positive.
func (r *Registry) ClaimNext(capacity int) (Job, bool) {
	if capacity <= 0 {
		return Job{}, false
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.maxInFlight > 0 && r.inFlight >= r.maxInFlight {
		return Job{}, false
	}
	now := r.now()
	r.promoteDue(now)

	for r.ready.Len() > 0 {
		e := heap.Pop(&r.ready).(*entry)
		if e.job.State == InFlight {
			r.log.Error("queued entry already in flight",
				slog.String("key", e.job.Key.Short()),
				slog.String("error", ErrDuplicateInFlight.Error()))
			continue
		}
		e.job.State = InFlight
		e.job.Attempt++
		e.job.UpdatedAt = now
		e.job.NotBefore = time.Time{}
		r.inFlight++
		if r.ready.Len() > 0 {
			r.signal()
		}
		return e.job, true
	}
	return Job{}, false
}

// Complete records the outcome of the in-flight attempt for key. Failed
// attempts are requeued with a delay when the retry policy allows it;
// otherwise the job becomes terminal. The updated snapshot is returned.
func (r *Registry) Complete(key fingerprint.Key, out Outcome) (Job, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.active[key]
	if !ok || e.job.State != InFlight {
		return Job{}, fmt.Errorf("complete %s: %w", key.Short(), ErrNotInFlight)
	}
	r.inFlight--
	now := r.now()
	e.job.UpdatedAt = now

	if out.Err == nil {
		e.job.State = Completed
		e.job.LastKind = KindNone
		r.retire(e)
		r.signal()
		return e.job, nil
	}

	e.job.LastError = out.Err.Error()
	e.job.LastKind = out.Kind
	if delay, retry := r.retry.Next(e.job.Attempt, out.Kind); retry {
		e.job.State = Queued
		e.job.NotBefore = now.Add(delay)
		r.delayed = append(r.delayed, e)
		r.signal()
		return e.job, nil
	}

	if Retryable(out.Kind) {
		e.job.LastKind = KindRetriesExhausted
		e.job.LastError = fmt.Sprintf("%s after %d attempts: %s", KindRetriesExhausted, e.job.Attempt, out.Err)
	}
	e.job.State = Failed
	r.retire(e)
	r.signal()
	return e.job, nil
}

// Lookup returns the tracked job for key, active or retained.
func (r *Registry) Lookup(key fingerprint.Key) (Job, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.active[key]; ok {
		return e.job, true
	}
	return r.retained(key)
}

// Forget drops a terminal entry so the next submission creates fresh work.
// Active jobs are left alone.
func (r *Registry) Forget(key fingerprint.Key) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	removed := false
	if r.completed != nil {
		removed = r.completed.Remove(key) || removed
	}
	if r.failed != nil {
		removed = r.failed.Remove(key) || removed
	}
	return removed
}

func (r *Registry) Stats() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()
	var s Stats
	for _, e := range r.ready {
		if e.job.Priority == OnDemand {
			s.QueuedOnDemand++
		} else {
			s.QueuedPrefetch++
		}
	}
	for _, e := range r.delayed {
		s.Delayed++
		if e.job.Priority == OnDemand {
			s.QueuedOnDemand++
		} else {
			s.QueuedPrefetch++
		}
	}
	s.InFlight = r.inFlight
	if r.completed != nil {
		s.Completed = r.completed.Len()
	}
	if r.failed != nil {
		s.Failed = r.failed.Len()
	}
	return s
}

// Ready delivers a signal whenever claimable work may have appeared.
// Signals coalesce; a woken worker that claims a job re-signals if more
// remain.
func (r *Registry) Ready() <-chan struct{} { return r.wake }

// NextWake is how long until the earliest delayed retry becomes claimable.
// It returns false when nothing is delayed.
func (r *Registry) NextWake() (time.Duration, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.delayed) == 0 {
		return 0, false
	}
	earliest := r.delayed[0].job.NotBefore
	for _, e := range r.delayed[1:] {
		if e.job.NotBefore.Before(earliest) {
			earliest = e.job.NotBefore
		}
	}
	d := earliest.Sub(r.now())
	if d < 0 {
		d = 0
	}
	return d, true
}

// promoteDue moves delayed entries whose NotBefore has passed back into the
// ready queue. They keep their original sequence number.
func (r *Registry) promoteDue(now time.Time) {
	if len(r.delayed) == 0 {
		return
	}
	kept := r.delayed[:0]
	for _, e := range r.delayed {
		if now.Before(e.job.NotBefore) {
			kept = append(kept, e)
			continue
		}
		heap.Push(&r.ready, e)
	}
	for i := len(kept); i < len(r.delayed); i++ {
		r.delayed[i] = nil
	}
	r.delayed = kept
}

func (r *Registry) retire(e *entry) {
	delete(r.active, e.job.Key)
	switch e.job.State {
	case Completed:
		if r.failed != nil {
			r.failed.Remove(e.job.Key)
		}
		if r.completed != nil {
			r.completed.Add(e.job.Key, e.job)
		}
	case Failed:
		if r.failed != nil {
			r.failed.Add(e.job.Key, e.job)
		}
	}
}

func (r *Registry) retained(key fingerprint.Key) (Job, bool) {
	if r.completed != nil {
		if job, ok := r.completed.Get(key); ok {
			return job, true
		}
	}
	if r.failed != nil {
		if job, ok := r.failed.Get(key); ok {
			return job, true
		}
	}
	return Job{}, false
}

func (r *Registry) signal() {
	select {
	case r.wake <- struct{}{}:
	default:
	}
}
