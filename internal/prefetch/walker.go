// Package prefetch walks the game script ahead of the player and submits
// low-priority synthesis jobs for lines that are not cached yet.
package prefetch

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/loqalabs/loqa-voice/internal/cache"
	"github.com/loqalabs/loqa-voice/internal/fingerprint"
	"github.com/loqalabs/loqa-voice/internal/jobs"
	"github.com/loqalabs/loqa-voice/internal/observe"
	"go.opentelemetry.io/otel/metric/noop"
	"golang.org/x/time/rate"
)

const source = "prefetch"

type Config struct {
	// Count bounds how many new jobs the walker submits after the last
	// observed line. Cached lines do not count. Zero walks the whole list.
	Count         int
	RatePerSecond float64
	// QueueMultiple caps queued prefetch jobs at this multiple of free
	// worker slots.
	QueueMultiple int
	IdleInterval  time.Duration
	Concurrency   int
}

// LoadTextList reads one dialogue line per line of path. Positions are kept,
// so blank lines stay in the list and are skipped while walking.
func LoadTextList(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open text list: %w", err)
	}
	defer f.Close()

	var lines []string
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		lines = append(lines, strings.TrimRight(scanner.Text(), "\r"))
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read text list: %w", err)
	}
	return lines, nil
}

type Walker struct {
	cfg     Config
	lines   []string
	index   map[string]int
	reg     *jobs.Registry
	store   *cache.Store
	params  fingerprint.Params
	limiter *rate.Limiter
	metrics *observe.Metrics
	log     *slog.Logger

	mu        sync.Mutex
	cursor    int
	anchor    int
	submitted int
	nudge     chan struct{}
}

type Option func(*Walker)

func WithMetrics(m *observe.Metrics) Option {
	return func(w *Walker) { w.metrics = m }
}

func New(cfg Config, lines []string, reg *jobs.Registry, store *cache.Store, params fingerprint.Params, log *slog.Logger, opts ...Option) *Walker {
	if cfg.RatePerSecond <= 0 {
		cfg.RatePerSecond = 5
	}
	if cfg.QueueMultiple <= 0 {
		cfg.QueueMultiple = 2
	}
	if cfg.IdleInterval <= 0 {
		cfg.IdleInterval = 200 * time.Millisecond
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	index := make(map[string]int, len(lines))
	for i, line := range lines {
		text := fingerprint.Normalize(line)
		if _, seen := index[text]; !seen && text != "" {
			index[text] = i
		}
	}
	w := &Walker{
		cfg:     cfg,
		lines:   lines,
		index:   index,
		reg:     reg,
		store:   store,
		params:  params,
		limiter: rate.NewLimiter(rate.Limit(cfg.RatePerSecond), 1),
		log:     log.With(slog.String("component", "prefetch")),
		nudge:   make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(w)
	}
	if w.metrics == nil {
		w.metrics, _ = observe.NewMetrics(noop.NewMeterProvider())
	}
	return w
}

// Position is the index of the next line the walker will consider.
func (w *Walker) Position() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.cursor
}

// Observe reports that text was just requested or played. If it appears ahead
// of the cursor, the walker skips forward to the line after it. When the
// anchor moves the look-ahead budget is refilled. The cursor never moves back.
func (w *Walker) Observe(text string) {
	pos, ok := w.index[fingerprint.Normalize(text)]
	if !ok {
		return
	}
	next := pos + 1
	w.mu.Lock()
	if next > w.anchor {
		w.anchor = next
		w.submitted = 0
	}
	if next > w.cursor {
		w.log.Debug("prefetch cursor jumped", slog.Int("from", w.cursor), slog.Int("to", next))
		w.cursor = next
	}
	w.mu.Unlock()
	select {
	case w.nudge <- struct{}{}:
	default:
	}
}

// Run walks the list until ctx is done. Reaching the end of the list or of
// the look-ahead window parks the walker until Observe moves the window.
func (w *Walker) Run(ctx context.Context) error {
	w.log.Info("prefetch walker started",
		slog.Int("lines", len(w.lines)),
		slog.Int("count", w.cfg.Count))
	for {
		if ctx.Err() != nil {
			return nil
		}
		pos, ok := w.next()
		if !ok {
			select {
			case <-ctx.Done():
				return nil
			case <-w.nudge:
			}
			continue
		}

		text := fingerprint.Normalize(w.lines[pos])
		if text == "" {
			w.advance(pos)
			continue
		}
		key := fingerprint.Compute(text, w.params)
		if w.store.Has(key) {
			w.advance(pos)
			continue
		}

		if !w.waitForSlack(ctx) {
			return nil
		}
		if err := w.limiter.Wait(ctx); err != nil {
			return nil
		}
		res := w.reg.Submit(key, text, jobs.Prefetch, source)
		w.metrics.RecordSubmission(ctx, source, jobs.Prefetch.String(), res.IsNew)
		if res.IsNew {
			w.log.Debug("prefetch submitted", slog.Int("line", pos), slog.String("key", key.Short()))
			w.mu.Lock()
			w.submitted++
			w.mu.Unlock()
		}
		w.advance(pos)
		w.metrics.PrefetchPosition.Record(ctx, int64(w.Position()))
	}
}

// next returns the cursor while it lies inside the list and the submission
// budget for the current anchor is not spent.
func (w *Walker) next() (int, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.cursor >= len(w.lines) {
		return 0, false
	}
	if w.cfg.Count > 0 && w.submitted >= w.cfg.Count {
		return 0, false
	}
	return w.cursor, true
}

// advance moves past pos unless Observe already moved the cursor further.
func (w *Walker) advance(pos int) {
	w.mu.Lock()
	if pos+1 > w.cursor {
		w.cursor = pos + 1
	}
	w.mu.Unlock()
}

// saturated reports whether queued prefetch work already exceeds the
// configured multiple of free worker slots.
func (w *Walker) saturated() bool {
	s := w.reg.Stats()
	slack := w.cfg.Concurrency - s.InFlight - s.QueuedOnDemand
	if slack < 1 {
		slack = 1
	}
	return s.QueuedPrefetch >= w.cfg.QueueMultiple*slack
}

func (w *Walker) waitForSlack(ctx context.Context) bool {
	for w.saturated() {
		t := time.NewTimer(w.cfg.IdleInterval)
		select {
		case <-ctx.Done():
			t.Stop()
			return false
		case <-t.C:
		}
	}
	return true
}
