package gateway

import (
	"bytes"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/deskgate/deskgate/pkg/gateway/auth"
	apperrors "github.com/deskgate/deskgate/pkg/gateway/errors"
)

const (
	requestIDHeader = "X-Request-ID"
	maxBeaconBody   = 4 << 10
)

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(code int) {
	s.status = code
	s.ResponseWriter.WriteHeader(code)
}

func (a *App) requestLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(requestIDHeader)
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set(requestIDHeader, id)

		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()
		next.ServeHTTP(rec, r)
		a.log.V(1).Info("Handled request",
			"requestId", id,
			"method", r.Method,
			"path", r.URL.Path,
			"status", rec.status,
			"duration", time.Since(start))
	})
}

// authenticate requires an API key in the Authorization or X-API-Key header.
func (a *App) authenticate(next http.Handler) http.Handler {
	return a.authenticateWith(auth.KeyFromRequest, next)
}

// authenticateBeacon also accepts the key as an api_key query parameter or in
// a small {"apiKey": ...} body, for fire-and-forget senders that cannot set
// headers.
func (a *App) authenticateBeacon(next http.Handler) http.Handler {
	return a.authenticateWith(beaconKey, next)
}

func (a *App) authenticateWith(extract func(*http.Request) string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		principal, err := a.Authenticator.Authenticate(r.Context(), extract(r))
		if err != nil {
			a.writeError(w, r, err)
			return
		}
		next.ServeHTTP(w, r.WithContext(auth.WithPrincipal(r.Context(), principal)))
	})
}

func beaconKey(r *http.Request) string {
	if key := auth.KeyFromRequest(r); key != "" {
		return key
	}
	if key := r.URL.Query().Get("api_key"); key != "" {
		return key
	}
	if r.Body == nil {
		return ""
	}

	data, _ := io.ReadAll(io.LimitReader(r.Body, maxBeaconBody))
	r.Body = io.NopCloser(bytes.NewReader(data))
	var body struct {
		APIKey string `json:"apiKey"`
	}
	if err := json.Unmarshal(data, &body); err != nil {
		return ""
	}
	return strings.TrimSpace(body.APIKey)
}

// ownerOf returns the authenticated owner. Routes without authentication
// never call it.
func ownerOf(r *http.Request) (string, error) {
	p, ok := auth.PrincipalFrom(r.Context())
	if !ok {
		return "", apperrors.New(apperrors.ErrCodeUnauthenticated, "missing api key", nil)
	}
	return p.OwnerID, nil
}
