// Package provider adapts external speech synthesis backends behind a single
// blocking call. Adapters never retry; the dispatcher owns retry policy.
package provider

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/loqalabs/loqa-voice/internal/config"
	"github.com/loqalabs/loqa-voice/internal/fingerprint"
)

// Synthesizer is the contract for producing a complete audio artifact.
type Synthesizer interface {
	Synthesize(ctx context.Context, text string, p fingerprint.Params) ([]byte, error)
}

// Kind classifies a provider failure.
type Kind int

const (
	KindUnknown Kind = iota
	KindTimeout
	KindUnreachable
	KindBadResponse
	KindRejected
)

func (k Kind) String() string {
	switch k {
	case KindTimeout:
		return "timeout"
	case KindUnreachable:
		return "unreachable"
	case KindBadResponse:
		return "bad_response"
	case KindRejected:
		return "rejected"
	default:
		return "unknown"
	}
}

// Error is returned by every adapter for classified failures.
type Error struct {
	Kind Kind
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("provider %s: %v", e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

func newError(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Err: fmt.Errorf(format, args...)}
}

// KindOf extracts the failure kind from err. Context deadline errors that
// escaped classification are reported as timeouts.
func KindOf(err error) Kind {
	if err == nil {
		return KindUnknown
	}
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}
	return KindUnknown
}

// New builds the adapter selected by cfg.Mode.
func New(cfg config.ProviderConfig, log *slog.Logger) (Synthesizer, error) {
	log = log.With(slog.String("component", "provider"), slog.String("mode", cfg.Mode))
	switch cfg.Mode {
	case "gptsovits":
		return NewGPTSoVITS(cfg.BaseURL, cfg.Method, cfg.StreamingMode, log), nil
	case "exec":
		return NewExec(cfg.Command, log)
	case "mock":
		return NewMock(time.Duration(cfg.MockDelayMS) * time.Millisecond), nil
	default:
		return nil, fmt.Errorf("unknown provider mode %q", cfg.Mode)
	}
}
