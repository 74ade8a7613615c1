package session

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"

	apperrors "github.com/deskgate/deskgate/pkg/gateway/errors"
)

const (
	DefaultPollInitialInterval = time.Second
	DefaultPollMultiplier      = 1.5
	DefaultPollMaxInterval     = 5 * time.Second
	DefaultPollDeadline        = 180 * time.Second
)

// PollConfig shapes the readiness polling schedule.
type PollConfig struct {
	InitialInterval time.Duration `mapstructure:"initial_interval" yaml:"initial_interval"`
	Multiplier      float64       `mapstructure:"multiplier" yaml:"multiplier"`
	MaxInterval     time.Duration `mapstructure:"max_interval" yaml:"max_interval"`
	Deadline        time.Duration `mapstructure:"deadline" yaml:"deadline"`
}

func (c *PollConfig) SetDefaults() {
	if c.InitialInterval == 0 {
		c.InitialInterval = DefaultPollInitialInterval
	}
	if c.Multiplier == 0 {
		c.Multiplier = DefaultPollMultiplier
	}
	if c.MaxInterval == 0 {
		c.MaxInterval = DefaultPollMaxInterval
	}
	if c.Deadline == 0 {
		c.Deadline = DefaultPollDeadline
	}
}

// backOff returns a jitter-free capped exponential schedule.
func (c PollConfig) backOff() *backoff.ExponentialBackOff {
	b := &backoff.ExponentialBackOff{
		InitialInterval:     c.InitialInterval,
		RandomizationFactor: 0,
		Multiplier:          c.Multiplier,
		MaxInterval:         c.MaxInterval,
	}
	b.Reset()
	return b
}

// PollUntilReady blocks until the session leaves pending, the deadline passes
// or ctx is done. A zero deadline uses the configured default. On overrun the
// session is moved to error and PROVISIONING_TIMEOUT is returned.
func (m *Manager) PollUntilReady(ctx context.Context, id, ownerID string, deadline time.Duration) (*Session, error) {
	if deadline <= 0 {
		deadline = m.cfg.Poll.Deadline
	}
	log := m.log.WithValues("sessionId", id)

	b := m.cfg.Poll.backOff()
	end := m.clock.Now().Add(deadline)

	for attempt := 1; ; attempt++ {
		m.metrics.Poll()
		sess, err := m.Refresh(ctx, id, ownerID)
		switch {
		case err == nil:
			switch sess.Status {
			case StatusRunning:
				log.Info("Session ready", "attempts", attempt)
				return sess, nil
			case StatusError:
				return nil, apperrors.New(apperrors.ErrCodeProvisioningFailed,
					fmt.Sprintf("desktop failed to start: %s", sess.LastError), nil)
			case StatusTerminated:
				return nil, apperrors.New(apperrors.ErrCodeProvisioningFailed,
					"session was stopped before it became ready", nil)
			}
		case apperrors.Retryable(apperrors.CodeOf(err)):
			// The backend is unreliable; a failed probe is not a verdict.
			log.V(1).Info("Status probe failed", "attempt", attempt, "error", err.Error())
		default:
			return nil, err
		}

		remaining := end.Sub(m.clock.Now())
		if remaining <= 0 {
			return nil, m.pollTimedOut(ctx, id, ownerID, deadline)
		}
		wait := b.NextBackOff()
		if wait > remaining {
			wait = remaining
		}
		log.V(1).Info("Session not ready", "attempt", attempt, "wait", wait)

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-m.clock.After(wait):
		}
	}
}

func (m *Manager) pollTimedOut(ctx context.Context, id, ownerID string, deadline time.Duration) error {
	timeoutErr := apperrors.New(apperrors.ErrCodeProvisioningTimeout,
		fmt.Sprintf("desktop was not ready within %s", deadline), nil)

	sess, err := m.store.Get(ctx, id, ownerID)
	if err != nil {
		return timeoutErr
	}
	if _, err := m.fail(ctx, sess, "provisioning deadline exceeded"); err != nil {
		m.log.Error(err, "Failed to record provisioning timeout", "sessionId", id)
	}
	return timeoutErr
}
