// Package jobs is the in-memory deduplication authority for synthesis work.
//
// Every distinct key is tracked by at most one Job. Queued and in-flight jobs
// live in the active table; terminal jobs move to retention windows where
// they answer late duplicate submissions until they expire.
package jobs

import (
	"errors"
	"time"

	"github.com/loqalabs/loqa-voice/internal/fingerprint"
)

// Priority orders queued work. Higher values are claimed first.
type Priority int

const (
	Prefetch Priority = iota
	OnDemand
)

func (p Priority) String() string {
	if p == OnDemand {
		return "on_demand"
	}
	return "prefetch"
}

// State is the lifecycle position of a job.
type State int

const (
	Queued State = iota
	InFlight
	Completed
	Failed
)

func (s State) String() string {
	switch s {
	case Queued:
		return "queued"
	case InFlight:
		return "in_flight"
	case Completed:
		return "completed"
	case Failed:
		return "failed"
	default:
		return "unknown"
	}
}

// Terminal reports whether s ends a job instance.
func (s State) Terminal() bool { return s == Completed || s == Failed }

// ErrKind classifies why an attempt failed.
type ErrKind int

const (
	KindNone ErrKind = iota
	KindProviderTimeout
	KindProviderUnreachable
	KindProviderBadResponse
	KindProviderRejected
	KindStorageWrite
	KindStorageRead
	KindDuplicateInFlight
	KindRetriesExhausted
)

func (k ErrKind) String() string {
	switch k {
	case KindNone:
		return "none"
	case KindProviderTimeout:
		return "provider_timeout"
	case KindProviderUnreachable:
		return "provider_unreachable"
	case KindProviderBadResponse:
		return "provider_bad_response"
	case KindProviderRejected:
		return "provider_rejected"
	case KindStorageWrite:
		return "storage_write_failure"
	case KindStorageRead:
		return "storage_read_failure"
	case KindDuplicateInFlight:
		return "duplicate_in_flight"
	case KindRetriesExhausted:
		return "retries_exhausted"
	default:
		return "unknown"
	}
}

var (
	// ErrDuplicateInFlight guards the one-attempt-per-key invariant.
	ErrDuplicateInFlight = errors.New("job already in flight")
	// ErrNotInFlight is returned when completing a key nobody claimed.
	ErrNotInFlight = errors.New("job not in flight")
)

// Job is a value snapshot. Mutating it has no effect on the registry.
type Job struct {
	Key         fingerprint.Key `json:"key"`
	Text        string          `json:"text"`
	Priority    Priority        `json:"-"`
	State       State           `json:"-"`
	Source      string          `json:"source,omitempty"`
	Attempt     int             `json:"attempt"`
	SubmittedAt time.Time       `json:"submitted_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
	NotBefore   time.Time       `json:"not_before,omitempty"`
	LastError   string          `json:"last_error,omitempty"`
	LastKind    ErrKind         `json:"-"`
}

// SubmitResult reports whether a submission created new work.
type SubmitResult struct {
	IsNew bool
	Job   Job
}

// Outcome is what a worker reports back for one attempt. A nil Err means the
// artifact is in the cache.
type Outcome struct {
	Err  error
	Kind ErrKind
}

// Stats is a point-in-time count of tracked jobs.
type Stats struct {
	QueuedOnDemand int
	QueuedPrefetch int
	Delayed        int
	InFlight       int
	Completed      int
	Failed         int
}
