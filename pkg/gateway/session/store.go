package session

import (
	"context"
	"errors"
	"time"
)

// ErrStatusConflict is returned by Store.Transition when the row exists but
// its status is not one of the expected source states.
var ErrStatusConflict = errors.New("session status changed concurrently")

// Update lists the columns a transition writes. Nil pointers and an empty
// Status leave the column unchanged.
type Update struct {
	Status         Status
	StreamEndpoint *string
	LastError      *string
	StoppedAt      *time.Time
	UpdatedAt      time.Time
}

// Store persists session records. Every read and write is keyed by
// (id, ownerID); a record owned by someone else is reported exactly like a
// missing one.
type Store interface {
	Create(ctx context.Context, sess *Session) error
	Get(ctx context.Context, id, ownerID string) (*Session, error)
	// Transition applies upd only if the current status is in from.
	Transition(ctx context.Context, id, ownerID string, from []Status, upd Update) (*Session, error)
	// ListExpired returns pending or running sessions whose TimeoutAt is before now.
	ListExpired(ctx context.Context, now time.Time, limit int) ([]*Session, error)
}

// Apply writes upd onto sess.
func (upd Update) Apply(sess *Session) {
	if upd.Status != "" {
		sess.Status = upd.Status
	}
	if upd.StreamEndpoint != nil {
		sess.StreamEndpoint = *upd.StreamEndpoint
	}
	if upd.LastError != nil {
		sess.LastError = *upd.LastError
	}
	if upd.StoppedAt != nil {
		t := *upd.StoppedAt
		sess.StoppedAt = &t
	}
	if !upd.UpdatedAt.IsZero() {
		sess.UpdatedAt = upd.UpdatedAt
	}
}
