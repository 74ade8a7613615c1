package auth

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/go-logr/logr"
	"k8s.io/utils/clock"

	apperrors "github.com/deskgate/deskgate/pkg/gateway/errors"
)

const (
	DefaultRefreshPeriod = 60 * time.Second
	userAgentHeader      = "X-Deskgate-Client"
)

// TokenService keeps the bearer token used for outbound calls to the
// provisioning and action APIs fresh by re-reading it from a file.
type TokenService struct {
	clientName    string
	tokenPath     string
	refreshPeriod time.Duration
	clock         clock.WithTicker
	log           logr.Logger

	mu       sync.RWMutex
	token    string
	started  bool
	stopOnce sync.Once
	stopCh   chan struct{}
	done     chan struct{}
}

type TokenOption func(*TokenService)

func WithRefreshPeriod(d time.Duration) TokenOption {
	return func(t *TokenService) { t.refreshPeriod = d }
}

func WithTokenClock(c clock.WithTicker) TokenOption {
	return func(t *TokenService) { t.clock = c }
}

func WithTokenLogger(log logr.Logger) TokenOption {
	return func(t *TokenService) { t.log = log }
}

// NewTokenService creates a new TokenService. An empty tokenPath yields a
// service that never sends a token.
func NewTokenService(clientName, tokenPath string, opts ...TokenOption) *TokenService {
	t := &TokenService{
		clientName:    clientName,
		tokenPath:     tokenPath,
		refreshPeriod: DefaultRefreshPeriod,
		clock:         clock.RealClock{},
		log:           logr.Discard(),
		stopCh:        make(chan struct{}),
		done:          make(chan struct{}),
	}
	for _, opt := range opts {
		opt(t)
	}
	t.log = t.log.WithName("token")
	return t
}

// Start loads the token and refreshes it every refresh period until ctx is
// done or Stop is called. A missing file at startup is a TOKEN_LOAD_FAILED
// error; later refresh failures keep the last good token.
func (t *TokenService) Start(ctx context.Context) error {
	t.mu.Lock()
	t.started = true
	t.mu.Unlock()

	if t.tokenPath == "" {
		close(t.done)
		return nil
	}
	if err := t.refreshToken(); err != nil {
		close(t.done)
		return apperrors.New(apperrors.ErrCodeTokenLoad, "failed to load initial token", err)
	}

	ticker := t.clock.NewTicker(t.refreshPeriod)
	go func() {
		defer close(t.done)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C():
				if err := t.refreshToken(); err != nil {
					t.log.Error(err, "Failed to refresh token, keeping previous value", "path", t.tokenPath)
				}
			case <-ctx.Done():
				return
			case <-t.stopCh:
				return
			}
		}
	}()
	return nil
}

// Stop ends the refresh cycle and waits for it to exit. It is safe to call
// more than once, or without Start.
func (t *TokenService) Stop() {
	t.stopOnce.Do(func() { close(t.stopCh) })

	t.mu.RLock()
	started := t.started
	t.mu.RUnlock()
	if started {
		<-t.done
	}
}

func (t *TokenService) refreshToken() error {
	data, err := os.ReadFile(t.tokenPath)
	if err != nil {
		return err
	}
	token := strings.TrimSpace(string(data))
	if token == "" {
		return fmt.Errorf("token file %s is empty", t.tokenPath)
	}

	t.mu.Lock()
	changed := t.token != token
	t.token = token
	t.mu.Unlock()

	if changed {
		t.log.V(1).Info("Loaded token", "path", t.tokenPath)
	}
	return nil
}

// GetToken returns the current token
func (t *TokenService) GetToken() string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.token
}

// AddHeaders adds authentication headers to an HTTP request
func (t *TokenService) AddHeaders(req *http.Request) {
	if token := t.GetToken(); token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if t.clientName != "" {
		req.Header.Set(userAgentHeader, t.clientName)
	}
}
