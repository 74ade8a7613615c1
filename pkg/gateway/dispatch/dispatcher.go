// Package dispatch delivers canonical actions to remote desktops, one at a
// time per session.
package dispatch

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/go-logr/logr"
	"golang.org/x/time/rate"

	"github.com/deskgate/deskgate/pkg/gateway/action"
	apperrors "github.com/deskgate/deskgate/pkg/gateway/errors"
	"github.com/deskgate/deskgate/pkg/gateway/metrics"
	"github.com/deskgate/deskgate/pkg/gateway/session"
)

const (
	DefaultActionTimeout = 30 * time.Second
	// maxAttempts covers the first try plus one retry after a transport failure.
	maxAttempts = 2
)

// Config tunes dispatching.
type Config struct {
	ActionTimeout time.Duration `mapstructure:"action_timeout" yaml:"action_timeout"`
	// RatePerSecond limits actions per session; zero disables the limit.
	RatePerSecond float64 `mapstructure:"rate_per_second" yaml:"rate_per_second"`
	RateBurst     int     `mapstructure:"rate_burst" yaml:"rate_burst"`
}

func (c *Config) SetDefaults() {
	if c.ActionTimeout == 0 {
		c.ActionTimeout = DefaultActionTimeout
	}
	if c.RatePerSecond > 0 && c.RateBurst == 0 {
		c.RateBurst = 1
	}
}

// Sessions is the part of the lifecycle manager the dispatcher relies on.
type Sessions interface {
	Get(ctx context.Context, id, ownerID string) (*session.Session, error)
	MarkUnreachable(ctx context.Context, id, ownerID, reason string) (*session.Session, error)
}

// Dispatcher executes actions against running sessions.
type Dispatcher struct {
	sessions Sessions
	client   DesktopClient
	cfg      Config
	log      logr.Logger
	metrics  *metrics.Metrics

	locks *keyedMutex

	limitersMu sync.Mutex
	limiters   map[string]*rate.Limiter
}

type Option func(*Dispatcher)

func WithLogger(log logr.Logger) Option {
	return func(d *Dispatcher) { d.log = log }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(d *Dispatcher) { d.metrics = m }
}

func New(sessions Sessions, client DesktopClient, cfg Config, opts ...Option) *Dispatcher {
	cfg.SetDefaults()
	d := &Dispatcher{
		sessions: sessions,
		client:   client,
		cfg:      cfg,
		log:      logr.Discard(),
		locks:    newKeyedMutex(),
		limiters: make(map[string]*rate.Limiter),
	}
	for _, opt := range opts {
		opt(d)
	}
	d.log = d.log.WithName("dispatcher")
	return d
}

// Dispatch runs a on the desktop of session id. Action-level failures come
// back as a Result with StatusError; only gateway-level failures are errors.
func (d *Dispatcher) Dispatch(ctx context.Context, id, ownerID string, a action.Action) (*action.Result, error) {
	if err := d.checkRunning(ctx, id, ownerID); err != nil {
		return nil, err
	}

	a = action.Normalize(a)
	if err := a.Validate(); err != nil {
		return nil, err
	}

	unlock, err := d.locks.lock(ctx, id)
	if err != nil {
		return nil, err
	}
	defer unlock()

	// The session may have been stopped while this call waited for the lock.
	if err := d.checkRunning(ctx, id, ownerID); err != nil {
		return nil, err
	}

	if lim := d.limiter(id); lim != nil {
		if err := lim.Wait(ctx); err != nil {
			return nil, err
		}
	}

	start := time.Now()
	res, err := d.execute(ctx, id, a)
	d.metrics.Dispatch(string(a.Kind()), outcome(res, err), time.Since(start))

	if err != nil {
		if errors.Is(err, ErrDesktopGone) {
			d.markGone(ctx, id, ownerID)
		}
		d.log.Error(err, "Dispatch failed", "sessionId", id, "kind", a.Kind())
		return nil, err
	}
	d.log.V(1).Info("Action dispatched", "sessionId", id, "kind", a.Kind(), "status", res.Status)
	return res, nil
}

func (d *Dispatcher) checkRunning(ctx context.Context, id, ownerID string) error {
	sess, err := d.sessions.Get(ctx, id, ownerID)
	if err != nil {
		return err
	}
	if sess.Status != session.StatusRunning {
		return apperrors.New(apperrors.ErrCodeSessionNotReady,
			"session is "+string(sess.Status)+", actions need a running session", nil)
	}
	return nil
}

func (d *Dispatcher) execute(ctx context.Context, id string, a action.Action) (*action.Result, error) {
	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if attempt > 1 {
			d.metrics.Retry()
			d.log.V(1).Info("Retrying action after transport failure", "sessionId", id, "kind", a.Kind(), "error", lastErr.Error())
		}

		res, err := d.attempt(ctx, id, a)
		if err == nil {
			return res, nil
		}
		lastErr = err
		if !apperrors.Retryable(apperrors.CodeOf(err)) || ctx.Err() != nil {
			break
		}
	}
	return nil, lastErr
}

func (d *Dispatcher) attempt(ctx context.Context, id string, a action.Action) (*action.Result, error) {
	actx, cancel := context.WithTimeout(ctx, d.timeoutFor(a))
	defer cancel()

	res, err := d.client.Execute(actx, id, a)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			return nil, apperrors.New(apperrors.ErrCodeTransport, "action timed out", err)
		}
		return nil, err
	}
	if err := action.CheckResult(a, res); err != nil {
		return nil, err
	}
	return res, nil
}

func (d *Dispatcher) timeoutFor(a action.Action) time.Duration {
	if w, ok := a.(action.Wait); ok {
		return d.cfg.ActionTimeout + time.Duration(w.Ms)*time.Millisecond
	}
	return d.cfg.ActionTimeout
}

func (d *Dispatcher) limiter(id string) *rate.Limiter {
	if d.cfg.RatePerSecond <= 0 {
		return nil
	}
	d.limitersMu.Lock()
	defer d.limitersMu.Unlock()
	lim, ok := d.limiters[id]
	if !ok {
		lim = rate.NewLimiter(rate.Limit(d.cfg.RatePerSecond), d.cfg.RateBurst)
		d.limiters[id] = lim
	}
	return lim
}

// Forget drops per-session state once a session has ended.
func (d *Dispatcher) Forget(id string) {
	d.limitersMu.Lock()
	defer d.limitersMu.Unlock()
	delete(d.limiters, id)
}

func (d *Dispatcher) markGone(ctx context.Context, id, ownerID string) {
	ctx = context.WithoutCancel(ctx)
	if _, err := d.sessions.MarkUnreachable(ctx, id, ownerID, "desktop no longer answers actions"); err != nil {
		d.log.Error(err, "Failed to mark session unreachable", "sessionId", id)
	}
}

func outcome(res *action.Result, err error) string {
	switch {
	case err != nil:
		return "failed"
	case res.IsError():
		return "action_error"
	default:
		return "ok"
	}
}
