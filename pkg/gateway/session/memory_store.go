package session

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"sync"
	"time"

	apperrors "github.com/deskgate/deskgate/pkg/gateway/errors"
)

// MemoryStore keeps session records in process memory. It backs local mode
// and tests.
type MemoryStore struct {
	mu       sync.RWMutex
	sessions map[string]*Session
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{sessions: make(map[string]*Session)}
}

func (s *MemoryStore) Create(ctx context.Context, sess *Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.sessions[sess.ID]; ok {
		return apperrors.New(apperrors.ErrCodeStore, fmt.Sprintf("session %s already exists", sess.ID), nil)
	}
	s.sessions[sess.ID] = clone(sess)
	return nil
}

func (s *MemoryStore) Get(ctx context.Context, id, ownerID string) (*Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sess, ok := s.sessions[id]
	if !ok || sess.OwnerID != ownerID {
		return nil, apperrors.NotFound(nil)
	}
	return clone(sess), nil
}

func (s *MemoryStore) Transition(ctx context.Context, id, ownerID string, from []Status, upd Update) (*Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[id]
	if !ok || sess.OwnerID != ownerID {
		return nil, apperrors.NotFound(nil)
	}
	if !slices.Contains(from, sess.Status) {
		return nil, ErrStatusConflict
	}
	upd.Apply(sess)
	return clone(sess), nil
}

func (s *MemoryStore) ListExpired(ctx context.Context, now time.Time, limit int) ([]*Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*Session
	for _, sess := range s.sessions {
		if sess.Status.Terminal() || !sess.TimeoutAt.Before(now) {
			continue
		}
		out = append(out, clone(sess))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TimeoutAt.Before(out[j].TimeoutAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func clone(sess *Session) *Session {
	c := *sess
	if sess.StoppedAt != nil {
		t := *sess.StoppedAt
		c.StoppedAt = &t
	}
	return &c
}
