// Package cache is the durable, content-addressed store of synthesized audio.
//
// Artifacts live flat in one directory as <key>.<ext>. The client reads that
// layout directly, so the server only ever publishes complete files: writes go
// to a temp file in the same directory and are renamed into place.
package cache

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/loqalabs/loqa-voice/internal/fingerprint"
)

var (
	// ErrNotFound is returned when no artifact exists for a key.
	ErrNotFound = errors.New("cache entry not found")
	// ErrStorageWrite wraps every failure to persist an artifact.
	ErrStorageWrite = errors.New("cache storage write failure")
	// ErrStorageRead wraps failures to inspect or read an artifact.
	ErrStorageRead = errors.New("cache storage read failure")
	// ErrReadOnly is returned by mutating calls on a reader.
	ErrReadOnly = errors.New("cache opened read-only")
)

const tempPattern = ".partial-*.tmp"

// Entry describes a published artifact.
type Entry struct {
	Key       fingerprint.Key
	Path      string
	Size      int64
	CreatedAt time.Time
}

// Store maps keys to files under a single directory.
type Store struct {
	dir      string
	ext      string
	log      *slog.Logger
	readOnly bool
}

// Open prepares dir for use and removes temp files left by interrupted writes.
func Open(dir, ext string, log *slog.Logger) (*Store, error) {
	if dir == "" {
		return nil, errors.New("cache directory not configured")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create cache dir: %w", err)
	}
	s := &Store{
		dir: dir,
		ext: strings.TrimPrefix(ext, "."),
		log: log.With(slog.String("component", "cache")),
	}
	s.sweepTemp()
	return s, nil
}

// OpenReader returns a read-only view of dir for clients that share the
// server's cache. It neither creates the directory nor touches temp files,
// which may belong to writes the server has in progress.
func OpenReader(dir, ext string, log *slog.Logger) *Store {
	return &Store{
		dir:      dir,
		ext:      strings.TrimPrefix(ext, "."),
		log:      log.With(slog.String("component", "cache")),
		readOnly: true,
	}
}

// Dir returns the cache directory.
func (s *Store) Dir() string { return s.dir }

// Path returns where the artifact for key lives, whether or not it exists.
func (s *Store) Path(key fingerprint.Key) string {
	return filepath.Join(s.dir, key.Filename(s.ext))
}

// Has reports whether a complete artifact exists for key.
func (s *Store) Has(key fingerprint.Key) bool {
	info, err := os.Stat(s.Path(key))
	return err == nil && info.Mode().IsRegular()
}

// Get returns the entry for key or ErrNotFound.
func (s *Store) Get(key fingerprint.Key) (Entry, error) {
	path := s.Path(key)
	info, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return Entry{}, ErrNotFound
		}
		return Entry{}, fmt.Errorf("%w: stat %s: %v", ErrStorageRead, path, err)
	}
	return Entry{Key: key, Path: path, Size: info.Size(), CreatedAt: info.ModTime()}, nil
}

// Read returns the artifact bytes for key.
func (s *Store) Read(key fingerprint.Key) ([]byte, error) {
	data, err := os.ReadFile(s.Path(key))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("%w: %v", ErrStorageRead, err)
	}
	return data, nil
}

// Put durably writes data for key and publishes it atomically. Concurrent
// calls for different keys are safe.
func (s *Store) Put(key fingerprint.Key, data []byte) (Entry, error) {
	if s.readOnly {
		return Entry{}, fmt.Errorf("%w: %w", ErrStorageWrite, ErrReadOnly)
	}
	if len(data) == 0 {
		return Entry{}, fmt.Errorf("%w: refusing to store empty artifact", ErrStorageWrite)
	}
	tmp, err := os.CreateTemp(s.dir, tempPattern)
	if err != nil {
		return Entry{}, fmt.Errorf("%w: create temp file: %v", ErrStorageWrite, err)
	}
	tmpPath := tmp.Name()
	cleanup := func() { _ = os.Remove(tmpPath) }

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		cleanup()
		return Entry{}, fmt.Errorf("%w: write: %v", ErrStorageWrite, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		cleanup()
		return Entry{}, fmt.Errorf("%w: sync: %v", ErrStorageWrite, err)
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return Entry{}, fmt.Errorf("%w: close: %v", ErrStorageWrite, err)
	}
	// CreateTemp uses 0600; artifacts are read by the client process too.
	if err := os.Chmod(tmpPath, 0o644); err != nil {
		cleanup()
		return Entry{}, fmt.Errorf("%w: chmod: %v", ErrStorageWrite, err)
	}

	path := s.Path(key)
	if err := os.Rename(tmpPath, path); err != nil {
		cleanup()
		return Entry{}, fmt.Errorf("%w: publish: %v", ErrStorageWrite, err)
	}

	entry := Entry{Key: key, Path: path, Size: int64(len(data)), CreatedAt: time.Now()}
	s.log.Debug("artifact stored",
		slog.String("key", key.Short()),
		slog.String("size", humanize.Bytes(uint64(entry.Size))))
	return entry, nil
}

// Delete removes the artifact for key. Deleting a missing key is not an error.
func (s *Store) Delete(key fingerprint.Key) error {
	if s.readOnly {
		return ErrReadOnly
	}
	if err := os.Remove(s.Path(key)); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("delete cache entry: %w", err)
	}
	return nil
}

func (s *Store) sweepTemp() {
	matches, err := filepath.Glob(filepath.Join(s.dir, tempPattern))
	if err != nil {
		return
	}
	for _, m := range matches {
		if err := os.Remove(m); err == nil {
			s.log.Info("removed interrupted write", slog.String("path", m))
		}
	}
}
