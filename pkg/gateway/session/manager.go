package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-logr/logr"
	"github.com/hashicorp/go-multierror"
	"golang.org/x/sync/singleflight"
	"k8s.io/utils/clock"

	apperrors "github.com/deskgate/deskgate/pkg/gateway/errors"
	"github.com/deskgate/deskgate/pkg/gateway/metrics"
)

const (
	DefaultSessionTimeout = 24 * time.Hour
	DefaultReapInterval   = time.Minute
	DefaultReapBatch      = 100
	teardownTimeout       = 30 * time.Second
)

// Config holds the lifecycle settings.
type Config struct {
	DefaultTimeout time.Duration `mapstructure:"default_timeout" yaml:"default_timeout"`
	MaxTimeout     time.Duration `mapstructure:"max_timeout" yaml:"max_timeout"`
	Poll           PollConfig    `mapstructure:"poll" yaml:"poll"`
	ReapInterval   time.Duration `mapstructure:"reap_interval" yaml:"reap_interval"`
	ReapBatch      int           `mapstructure:"reap_batch" yaml:"reap_batch"`
}

// SetDefaults fills zero values.
func (c *Config) SetDefaults() {
	if c.DefaultTimeout == 0 {
		c.DefaultTimeout = DefaultSessionTimeout
	}
	if c.MaxTimeout == 0 {
		c.MaxTimeout = c.DefaultTimeout
	}
	if c.ReapInterval == 0 {
		c.ReapInterval = DefaultReapInterval
	}
	if c.ReapBatch == 0 {
		c.ReapBatch = DefaultReapBatch
	}
	c.Poll.SetDefaults()
}

// Manager owns the lifecycle of desktop sessions. It is the only writer of
// session records.
type Manager struct {
	store       Store
	provisioner Provisioner
	cfg         Config
	clock       clock.WithTicker
	log         logr.Logger
	metrics     *metrics.Metrics
	stops       singleflight.Group
}

type Option func(*Manager)

func WithClock(c clock.WithTicker) Option {
	return func(m *Manager) { m.clock = c }
}

func WithLogger(log logr.Logger) Option {
	return func(m *Manager) { m.log = log }
}

func WithMetrics(mt *metrics.Metrics) Option {
	return func(m *Manager) { m.metrics = mt }
}

// NewManager creates a Manager
func NewManager(store Store, provisioner Provisioner, cfg Config, opts ...Option) *Manager {
	cfg.SetDefaults()
	m := &Manager{
		store:       store,
		provisioner: provisioner,
		cfg:         cfg,
		clock:       clock.RealClock{},
		log:         logr.Discard(),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.log = m.log.WithName("session-manager")
	return m
}

// Create requests a desktop and records it as pending. It does not wait for
// the desktop to become ready.
func (m *Manager) Create(ctx context.Context, ownerID string, timeout *time.Duration) (*Session, error) {
	if ownerID == "" {
		return nil, apperrors.New(apperrors.ErrCodeUnauthenticated, "an owner is required to create a session", nil)
	}

	d := m.cfg.DefaultTimeout
	if timeout != nil {
		switch {
		case *timeout <= 0:
			return nil, apperrors.Validation("timeoutMs", "must be positive")
		case *timeout > m.cfg.MaxTimeout:
			return nil, apperrors.Validation("timeoutMs", fmt.Sprintf("must not exceed %d", m.cfg.MaxTimeout.Milliseconds()))
		}
		d = *timeout
	}

	desk, err := m.provisioner.Provision(ctx, ProvisionRequest{OwnerID: ownerID, TimeoutMs: d.Milliseconds()})
	if err != nil {
		return nil, apperrors.New(apperrors.ErrCodeProvisioningFailed, "failed to request a desktop", err)
	}

	now := m.clock.Now()
	sess := &Session{
		ID:        desk.ID,
		OwnerID:   ownerID,
		Status:    StatusPending,
		CreatedAt: now,
		UpdatedAt: now,
		TimeoutAt: now.Add(d),
	}
	if err := m.store.Create(ctx, sess); err != nil {
		// Without a record nobody can stop the desktop later.
		m.destroyDetached(ctx, desk.ID)
		return nil, err
	}

	m.log.Info("Session created", "sessionId", sess.ID, "ownerId", ownerID, "timeout", d)
	return sess, nil
}

// Get returns the session if it is owned by ownerID.
func (m *Manager) Get(ctx context.Context, id, ownerID string) (*Session, error) {
	return m.store.Get(ctx, id, ownerID)
}

// Refresh probes the backend once and applies the resulting transition.
// Terminal sessions are returned without a probe.
func (m *Manager) Refresh(ctx context.Context, id, ownerID string) (*Session, error) {
	sess, err := m.store.Get(ctx, id, ownerID)
	if err != nil {
		return nil, err
	}
	if sess.Status.Terminal() {
		return sess, nil
	}

	desk, err := m.provisioner.Describe(ctx, id)
	if err != nil {
		if apperrors.Is(err, apperrors.ErrCodeNotAuthorized) {
			return m.fail(ctx, sess, "desktop no longer exists at the provisioning backend")
		}
		return nil, err
	}

	switch desk.Status {
	case StatusRunning:
		if sess.Status == StatusPending {
			endpoint := desk.StreamEndpoint
			return m.transition(ctx, sess, StatusRunning, Update{StreamEndpoint: &endpoint})
		}
	case StatusError:
		msg := desk.Message
		if msg == "" {
			msg = "provisioning backend reported an error"
		}
		return m.fail(ctx, sess, msg)
	case StatusTerminated:
		if !m.clock.Now().Before(sess.TimeoutAt) {
			reason := "session timeout reached"
			return m.transition(ctx, sess, StatusTerminated, Update{LastError: &reason})
		}
		return m.fail(ctx, sess, "desktop was terminated by the provisioning backend")
	}
	return sess, nil
}

// MarkUnreachable moves a running session to error after its desktop stopped
// answering.
func (m *Manager) MarkUnreachable(ctx context.Context, id, ownerID, reason string) (*Session, error) {
	sess, err := m.store.Get(ctx, id, ownerID)
	if err != nil {
		return nil, err
	}
	if sess.Status != StatusRunning {
		return sess, nil
	}
	return m.fail(ctx, sess, reason)
}

// Stop tears the desktop down and marks the session terminated. Stopping a
// terminated session is a no-op. A session in error keeps its status and
// records the stop. Concurrent stops of one session share a single teardown.
func (m *Manager) Stop(ctx context.Context, id, ownerID string) (*Session, error) {
	sess, err := m.store.Get(ctx, id, ownerID)
	if err != nil {
		return nil, err
	}
	if sess.Stopped() {
		return sess, nil
	}

	v, err, shared := m.stops.Do(id, func() (interface{}, error) {
		return m.stop(ctx, sess)
	})
	if err != nil {
		return nil, err
	}
	if shared {
		m.log.V(1).Info("Joined in-flight stop", "sessionId", id)
	}
	return v.(*Session), nil
}

func (m *Manager) stop(ctx context.Context, sess *Session) (*Session, error) {
	if err := m.provisioner.Destroy(ctx, sess.ID); err != nil {
		m.log.Error(err, "Teardown failed", "sessionId", sess.ID)
		return nil, err
	}

	now := m.clock.Now()
	for {
		upd := Update{StoppedAt: &now, UpdatedAt: now}
		if sess.Status != StatusError {
			upd.Status = StatusTerminated
		}
		updated, err := m.store.Transition(ctx, sess.ID, sess.OwnerID, []Status{sess.Status}, upd)
		if err == nil {
			if upd.Status != "" {
				m.metrics.Transition(string(sess.Status), string(upd.Status))
			}
			m.log.Info("Session stopped", "sessionId", sess.ID, "status", updated.Status)
			return updated, nil
		}
		if !errors.Is(err, ErrStatusConflict) {
			return nil, err
		}

		// The record moved between read and write; retry against the new state.
		if sess, err = m.store.Get(ctx, sess.ID, sess.OwnerID); err != nil {
			return nil, err
		}
		if sess.Stopped() {
			return sess, nil
		}
	}
}

// ReapExpired destroys and terminates sessions whose timeout has passed.
// It returns how many sessions were reaped.
func (m *Manager) ReapExpired(ctx context.Context) (int, error) {
	expired, err := m.store.ListExpired(ctx, m.clock.Now(), m.cfg.ReapBatch)
	if err != nil {
		return 0, err
	}

	var (
		result *multierror.Error
		reaped int
	)
	for _, sess := range expired {
		if err := m.provisioner.Destroy(ctx, sess.ID); err != nil {
			result = multierror.Append(result, fmt.Errorf("destroy %s: %w", sess.ID, err))
			continue
		}
		now := m.clock.Now()
		reason := "session timeout reached"
		if _, err := m.transition(ctx, sess, StatusTerminated, Update{StoppedAt: &now, LastError: &reason}); err != nil {
			result = multierror.Append(result, fmt.Errorf("terminate %s: %w", sess.ID, err))
			continue
		}
		reaped++
	}
	if reaped > 0 {
		m.log.Info("Reaped expired sessions", "count", reaped)
	}
	return reaped, result.ErrorOrNil()
}

// RunReaper calls ReapExpired every ReapInterval until ctx is done.
func (m *Manager) RunReaper(ctx context.Context) {
	ticker := m.clock.NewTicker(m.cfg.ReapInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C():
			if _, err := m.ReapExpired(ctx); err != nil {
				m.log.Error(err, "Failed to reap expired sessions")
			}
		case <-ctx.Done():
			m.log.V(1).Info("Reaper stopped")
			return
		}
	}
}

func (m *Manager) fail(ctx context.Context, sess *Session, reason string) (*Session, error) {
	return m.transition(ctx, sess, StatusError, Update{LastError: &reason})
}

// transition moves sess to status to, conditional on the status observed in
// sess. If the record moved in the meantime the current record is returned.
func (m *Manager) transition(ctx context.Context, sess *Session, to Status, upd Update) (*Session, error) {
	if !CanTransition(sess.Status, to) {
		return sess, nil
	}

	upd.Status = to
	upd.UpdatedAt = m.clock.Now()
	updated, err := m.store.Transition(ctx, sess.ID, sess.OwnerID, []Status{sess.Status}, upd)
	if errors.Is(err, ErrStatusConflict) {
		m.log.V(1).Info("Transition lost a race", "sessionId", sess.ID, "from", sess.Status, "to", to)
		return m.store.Get(ctx, sess.ID, sess.OwnerID)
	}
	if err != nil {
		return nil, err
	}

	m.metrics.Transition(string(sess.Status), string(to))
	m.log.V(1).Info("Session transition", "sessionId", sess.ID, "from", sess.Status, "to", to)
	return updated, nil
}

func (m *Manager) destroyDetached(ctx context.Context, id string) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), teardownTimeout)
	defer cancel()
	if err := m.provisioner.Destroy(ctx, id); err != nil {
		m.log.Error(err, "Failed to release unrecorded desktop", "desktopId", id)
	}
}
