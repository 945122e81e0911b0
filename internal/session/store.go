package session

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/kingkillery/ubuntu-on-android-sub000/internal/broadcast"
	"github.com/kingkillery/ubuntu-on-android-sub000/internal/fileutil"
)

// ErrNotFound is returned when no record exists for a session id.
var ErrNotFound = errors.New("session not found")

// Store persists one record per session under a directory and publishes a
// snapshot of all sessions after every write.
type Store struct {
	dir   string
	codec Codec

	mu    sync.Mutex
	cache map[string]Session
	hub   *broadcast.Hub[[]Session]
}

// NewStore opens (creating if needed) a store rooted at dir.
func NewStore(dir string, codec Codec) (*Store, error) {
	if codec == nil {
		codec = JSONCodec{}
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("failed to create sessions directory: %w", err)
	}

	s := &Store{
		dir:   dir,
		codec: codec,
		cache: make(map[string]Session),
		hub:   broadcast.New[[]Session](),
	}

	sessions, err := s.List()
	if err != nil {
		return nil, err
	}
	for _, sess := range sessions {
		s.cache[sess.ID] = sess.Clone()
	}
	return s, nil
}

// Save writes a full session record, replacing any previous one.
func (s *Store) Save(sess *Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if sess.UpdatedAt.IsZero() {
		sess.UpdatedAt = time.Now()
	}
	if err := s.write(sess); err != nil {
		return err
	}
	s.cache[sess.ID] = sess.Clone()
	s.publishLocked()
	return nil
}

// Load reads a session record from disk.
func (s *Store) Load(id string) (*Session, error) {
	path, err := s.path(id)
	if err != nil {
		return nil, err
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		return nil, fmt.Errorf("failed to read session file: %w", err)
	}

	var rec record
	if err := s.codec.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("failed to decode session %s: %w", id, err)
	}
	return rec.session()
}

// List returns every readable session ordered by creation time. Records that
// fail to decode are skipped.
func (s *Store) List() ([]*Session, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return []*Session{}, nil
		}
		return nil, fmt.Errorf("failed to read sessions directory: %w", err)
	}

	ext := s.codec.Ext()
	sessions := []*Session{}
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || filepath.Ext(name) != ext {
			continue
		}
		sess, err := s.Load(strings.TrimSuffix(name, ext))
		if err != nil {
			continue
		}
		sessions = append(sessions, sess)
	}

	sort.Slice(sessions, func(i, j int) bool {
		return sessions[i].CreatedAt.Before(sessions[j].CreatedAt)
	})
	return sessions, nil
}

// UpdateState replaces the state of an existing record and returns the
// updated session.
func (s *Store) UpdateState(id string, state State) (*Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok := s.cache[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	cur.State = state
	cur.UpdatedAt = time.Now()
	if err := s.write(&cur); err != nil {
		return nil, err
	}
	s.cache[id] = cur
	s.publishLocked()

	out := cur.Clone()
	return &out, nil
}

// Delete removes a session record. Deleting a missing record is not an error.
func (s *Store) Delete(id string) error {
	path, err := s.path(id)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to delete session file: %w", err)
	}
	if _, ok := s.cache[id]; ok {
		delete(s.cache, id)
		s.publishLocked()
	}
	return nil
}

// Snapshot returns a copy of all sessions known to the store.
func (s *Store) Snapshot() []Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

// ObserveAll streams snapshots of every session. The current snapshot is
// delivered first, followed by one snapshot per write, in write order.
func (s *Store) ObserveAll(ctx context.Context) <-chan []Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.hub.Subscribe(ctx, s.snapshotLocked())
}

// Close ends all observer streams.
func (s *Store) Close() {
	s.hub.Close()
}

// Dir returns the session storage directory
func (s *Store) Dir() string {
	return s.dir
}

func (s *Store) snapshotLocked() []Session {
	out := make([]Session, 0, len(s.cache))
	for _, sess := range s.cache {
		out = append(out, sess.Clone())
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

func (s *Store) publishLocked() {
	s.hub.Publish(s.snapshotLocked())
}

func (s *Store) path(id string) (string, error) {
	if id == "" || id == "." || id == ".." || strings.ContainsAny(id, `/\`) {
		return "", fmt.Errorf("invalid session id %q", id)
	}
	return filepath.Join(s.dir, id+s.codec.Ext()), nil
}

// write replaces the record atomically: temp file, fsync, rename.
func (s *Store) write(sess *Session) error {
	path, err := s.path(sess.ID)
	if err != nil {
		return err
	}

	data, err := s.codec.Marshal(toRecord(sess))
	if err != nil {
		return fmt.Errorf("failed to encode session: %w", err)
	}

	if err := fileutil.WriteAtomic(path, data, 0o600); err != nil {
		return fmt.Errorf("failed to save session: %w", err)
	}
	return nil
}
