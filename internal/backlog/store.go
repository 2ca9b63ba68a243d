// Package backlog persists the raw output history of each terminal session
// and serves it back for reflow replays and cold starts.
package backlog

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/BurntSushi/toml"

	"github.com/stevenwang288/termdeck/internal/termio"
)

const (
	cacheDataFile = "cache.bin"
	cacheMetaFile = "cache.toml"
)

// Store keeps one directory per session under a base dir. Each stream is an
// append-only log file; the cold-start cache is a separate snapshot with a
// TOML sidecar describing the offset and geometry it was taken at.
type Store struct {
	mu  sync.Mutex
	dir string

	// appenders caches open write handles, keyed by sessionID/stream.
	appenders map[string]*os.File
}

// NewStore opens (creating if needed) a backlog store rooted at dir.
func NewStore(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create backlog dir: %w", err)
	}
	return &Store{
		dir:       dir,
		appenders: make(map[string]*os.File),
	}, nil
}

// Dir returns the store's base directory.
func (s *Store) Dir() string { return s.dir }

// StreamPath returns the on-disk path of a session stream.
func (s *Store) StreamPath(sessionID, stream string) string {
	return filepath.Join(s.dir, sessionID, stream+".log")
}

// Append writes p to the end of a session stream, creating it on first use.
func (s *Store) Append(sessionID, stream string, p []byte) error {
	if len(p) == 0 {
		return nil
	}
	f, err := s.appender(sessionID, stream)
	if err != nil {
		return err
	}
	if _, err := f.Write(p); err != nil {
		return fmt.Errorf("failed to append to %s/%s: %w", sessionID, stream, err)
	}
	return nil
}

func (s *Store) appender(sessionID, stream string) (*os.File, error) {
	key := sessionID + "/" + stream
	s.mu.Lock()
	defer s.mu.Unlock()

	if f, ok := s.appenders[key]; ok {
		return f, nil
	}
	path := s.StreamPath(sessionID, stream)
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create session dir: %w", err)
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open stream %s: %w", path, err)
	}
	s.appenders[key] = f
	return f, nil
}

// Fetch reads a session stream from fromOffset to its current end. The
// returned FileInfo snapshots the size at read time so the caller can fetch
// the delta that arrives while it processes the data.
func (s *Store) Fetch(ctx context.Context, sessionID, stream string, fromOffset int64) ([]byte, termio.FileInfo, error) {
	if err := ctx.Err(); err != nil {
		return nil, termio.FileInfo{}, err
	}

	f, err := os.Open(s.StreamPath(sessionID, stream))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, termio.FileInfo{}, nil
		}
		return nil, termio.FileInfo{}, fmt.Errorf("failed to open stream: %w", err)
	}
	defer f.Close()

	stat, err := f.Stat()
	if err != nil {
		return nil, termio.FileInfo{}, fmt.Errorf("failed to stat stream: %w", err)
	}
	info := termio.FileInfo{Size: stat.Size()}

	if fromOffset >= info.Size {
		return nil, info, nil
	}
	if fromOffset > 0 {
		if _, err := f.Seek(fromOffset, io.SeekStart); err != nil {
			return nil, info, fmt.Errorf("failed to seek stream: %w", err)
		}
	}
	data := make([]byte, info.Size-fromOffset)
	if _, err := io.ReadFull(f, data); err != nil {
		return nil, info, fmt.Errorf("failed to read stream: %w", err)
	}
	return data, info, nil
}

// Size returns the current length of a session stream, zero if absent.
func (s *Store) Size(sessionID, stream string) int64 {
	stat, err := os.Stat(s.StreamPath(sessionID, stream))
	if err != nil {
		return 0
	}
	return stat.Size()
}

// Truncate empties a session stream. The append handle is reopened so later
// writes land at position zero on every platform.
func (s *Store) Truncate(sessionID, stream string) error {
	key := sessionID + "/" + stream
	s.mu.Lock()
	defer s.mu.Unlock()

	if f, ok := s.appenders[key]; ok {
		f.Close()
		delete(s.appenders, key)
	}
	path := s.StreamPath(sessionID, stream)
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return fmt.Errorf("failed to truncate stream: %w", err)
	}
	s.appenders[key] = f
	return nil
}

// FetchCache loads the cold-start snapshot and its sidecar metadata.
func (s *Store) FetchCache(ctx context.Context, sessionID string) ([]byte, termio.CacheMeta, error) {
	if err := ctx.Err(); err != nil {
		return nil, termio.CacheMeta{}, err
	}

	base := filepath.Join(s.dir, sessionID)
	data, err := os.ReadFile(filepath.Join(base, cacheDataFile))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, termio.CacheMeta{}, nil
		}
		return nil, termio.CacheMeta{}, fmt.Errorf("failed to read cache: %w", err)
	}

	var meta termio.CacheMeta
	if _, err := toml.DecodeFile(filepath.Join(base, cacheMetaFile), &meta); err != nil {
		// Snapshot without a readable sidecar is useless: the offset it was
		// taken at is unknown.
		return nil, termio.CacheMeta{}, fmt.Errorf("failed to read cache sidecar: %w", err)
	}
	return data, meta, nil
}

// WriteCache atomically replaces the cold-start snapshot. The sidecar is
// written after the data so a crash between the two leaves the previous
// sidecar pointing at the previous (still valid) offset semantics at worst.
func (s *Store) WriteCache(ctx context.Context, sessionID string, data []byte, meta termio.CacheMeta) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	base := filepath.Join(s.dir, sessionID)
	if err := os.MkdirAll(base, 0755); err != nil {
		return fmt.Errorf("failed to create session dir: %w", err)
	}

	if err := writeFileAtomic(filepath.Join(base, cacheDataFile), data); err != nil {
		return fmt.Errorf("failed to write cache: %w", err)
	}

	var buf bytes.Buffer
	if err := toml.NewEncoder(&buf).Encode(meta); err != nil {
		return fmt.Errorf("failed to encode cache sidecar: %w", err)
	}
	if err := writeFileAtomic(filepath.Join(base, cacheMetaFile), buf.Bytes()); err != nil {
		return fmt.Errorf("failed to write cache sidecar: %w", err)
	}
	return nil
}

// Remove deletes everything the store holds for a session.
func (s *Store) Remove(sessionID string) error {
	s.mu.Lock()
	prefix := sessionID + "/"
	for key, f := range s.appenders {
		if len(key) > len(prefix) && key[:len(prefix)] == prefix {
			f.Close()
			delete(s.appenders, key)
		}
	}
	s.mu.Unlock()
	return os.RemoveAll(filepath.Join(s.dir, sessionID))
}

// Close releases all open append handles.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for key, f := range s.appenders {
		f.Close()
		delete(s.appenders, key)
	}
	return nil
}

func writeFileAtomic(path string, data []byte) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return err
	}
	return nil
}
