// Package voiceclient is the game-facing side: look the line up in the shared
// cache, copy it out on a hit, otherwise ask the server to generate it and
// return without audio.
package voiceclient

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/loqalabs/loqa-voice/internal/cache"
	"github.com/loqalabs/loqa-voice/internal/fingerprint"
	"github.com/loqalabs/loqa-voice/internal/protocol"
)

var ErrEmptyText = errors.New("text must not be empty")

// Publisher is the subset of bus.Client the client needs.
type Publisher interface {
	PublishJSON(subject string, v any) error
	RequestJSON(ctx context.Context, subject string, v, out any) error
}

// Result describes what Speak did.
type Result struct {
	Key  fingerprint.Key
	Hit  bool
	Path string // artifact path on a hit
	Ack  *protocol.Ack
}

type Client struct {
	store      *cache.Store
	params     fingerprint.Params
	pub        Publisher
	ackTimeout time.Duration
	log        *slog.Logger
}

// New returns a client reading cacheDir. ackTimeout > 0 makes generation
// requests wait that long for the server's acknowledgement.
func New(cacheDir string, params fingerprint.Params, pub Publisher, ackTimeout time.Duration, log *slog.Logger) *Client {
	return &Client{
		store:      cache.OpenReader(cacheDir, params.MediaType, log),
		params:     params,
		pub:        pub,
		ackTimeout: ackTimeout,
		log:        log.With(slog.String("component", "voice-client")),
	}
}

// Key returns the fingerprint the server will use for text.
func (c *Client) Key(text string) fingerprint.Key {
	return fingerprint.Compute(text, c.params)
}

// Speak serves text from the cache into output, or requests generation on a
// miss. A miss is not an error. Server notification failures are returned
// alongside a valid Result so callers can decide whether they matter.
func (c *Client) Speak(ctx context.Context, text, output string) (Result, error) {
	text = fingerprint.Normalize(text)
	if text == "" {
		return Result{}, ErrEmptyText
	}
	key := c.Key(text)
	req := protocol.VoiceRequest{
		Text:         text,
		Key:          key.String(),
		ParamsDigest: c.params.Digest(),
		Output:       output,
		Timestamp:    time.Now().UTC(),
	}

	entry, err := c.store.Get(key)
	switch {
	case err == nil:
		res := Result{Key: key, Hit: true, Path: entry.Path}
		if output != "" {
			if err := copyFile(entry.Path, output); err != nil {
				return res, fmt.Errorf("copy cached voice: %w", err)
			}
		}
		c.log.Debug("cache hit", slog.String("key", key.Short()))
		return res, c.notify(protocol.SubjectVoiceHit, req)
	case errors.Is(err, cache.ErrNotFound):
	default:
		c.log.Warn("cache lookup failed, treating as miss", slog.String("error", err.Error()))
	}

	res := Result{Key: key}
	if c.pub == nil {
		return res, errors.New("no server connection")
	}
	if c.ackTimeout <= 0 {
		return res, c.notify(protocol.SubjectVoiceGenerate, req)
	}
	ackCtx, cancel := context.WithTimeout(ctx, c.ackTimeout)
	defer cancel()
	var ack protocol.Ack
	if err := c.pub.RequestJSON(ackCtx, protocol.SubjectVoiceGenerate, req, &ack); err != nil {
		return res, err
	}
	res.Ack = &ack
	return res, nil
}

// ErrParamsDrift means the server fingerprints with different parameters, so
// its artifacts will never match this client's lookups.
var ErrParamsDrift = errors.New("server synthesis parameters differ from client")

// ServerInfo asks a running server to describe itself. The returned error
// wraps ErrParamsDrift when the server's parameter digest differs from ours.
func (c *Client) ServerInfo(ctx context.Context) (protocol.ServerInfo, error) {
	var info protocol.ServerInfo
	if c.pub == nil {
		return info, errors.New("no server connection")
	}
	if err := c.pub.RequestJSON(ctx, protocol.SubjectServerInfo, struct{}{}, &info); err != nil {
		return info, err
	}
	if digest := c.params.Digest(); info.ParamsDigest != digest {
		return info, fmt.Errorf("%w: server %s, client %s", ErrParamsDrift, info.ParamsDigest, digest)
	}
	return info, nil
}

func (c *Client) notify(subject string, req protocol.VoiceRequest) error {
	if c.pub == nil {
		return nil
	}
	return c.pub.PublishJSON(subject, req)
}

// copyFile publishes src at dst through a temp file so the game never reads
// a partial copy.
func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	dir := filepath.Dir(dst)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, ".voice-*.tmp")
	if err != nil {
		return err
	}
	if _, err := io.Copy(tmp, in); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	if err := os.Rename(tmp.Name(), dst); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return nil
}
