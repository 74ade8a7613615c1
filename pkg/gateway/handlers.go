package gateway

import (
	"context"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	jsoniter "github.com/json-iterator/go"

	"github.com/deskgate/deskgate/pkg/gateway/action"
	apperrors "github.com/deskgate/deskgate/pkg/gateway/errors"
	"github.com/deskgate/deskgate/pkg/gateway/session"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

const (
	maxActionBody   = 1 << 20
	teardownTimeout = 30 * time.Second
)

type createRequest struct {
	TimeoutMs *int64 `json:"timeoutMs,omitempty"`
	// Wait blocks until the desktop is ready or provisioning fails.
	Wait bool `json:"wait,omitempty"`
}

type sessionResponse struct {
	ID             string     `json:"id"`
	Status         string     `json:"status"`
	CreatedAt      time.Time  `json:"createdAt"`
	TimeoutAt      time.Time  `json:"timeoutAt"`
	StreamEndpoint string     `json:"streamEndpoint,omitempty"`
	LastError      string     `json:"lastError,omitempty"`
	StoppedAt      *time.Time `json:"stoppedAt,omitempty"`
}

type actionResponse struct {
	Output *string `json:"output,omitempty"`
	Error  *string `json:"error,omitempty"`
	Image  []byte  `json:"image,omitempty"`
}

type bashRequest struct {
	Command string `json:"command"`
}

type errorBody struct {
	Reason  string `json:"reason"`
	Message string `json:"message"`
	Field   string `json:"field,omitempty"`
}

func toSessionResponse(s *session.Session) sessionResponse {
	return sessionResponse{
		ID:             s.ID,
		Status:         string(s.Status),
		CreatedAt:      s.CreatedAt,
		TimeoutAt:      s.TimeoutAt,
		StreamEndpoint: s.StreamEndpoint,
		LastError:      s.LastError,
		StoppedAt:      s.StoppedAt,
	}
}

func (a *App) handleCreate(w http.ResponseWriter, r *http.Request) {
	owner, err := ownerOf(r)
	if err != nil {
		a.writeError(w, r, err)
		return
	}

	var req createRequest
	if err := decodeBody(r, &req, true); err != nil {
		a.writeError(w, r, err)
		return
	}
	var timeout *time.Duration
	if req.TimeoutMs != nil {
		d := time.Duration(*req.TimeoutMs) * time.Millisecond
		timeout = &d
	}

	sess, err := a.Sessions.Create(r.Context(), owner, timeout)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	if req.Wait {
		if sess, err = a.Sessions.PollUntilReady(r.Context(), sess.ID, owner, 0); err != nil {
			a.writeError(w, r, err)
			return
		}
	}
	writeJSON(w, http.StatusCreated, toSessionResponse(sess))
}

func (a *App) handleGet(w http.ResponseWriter, r *http.Request) {
	owner, err := ownerOf(r)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	sess, err := a.Sessions.Refresh(r.Context(), mux.Vars(r)["id"], owner)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toSessionResponse(sess))
}

// handleStop tears the session down on a context detached from the request,
// so a sender that disconnects right away still gets the desktop released.
func (a *App) handleStop(w http.ResponseWriter, r *http.Request) {
	owner, err := ownerOf(r)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	id := mux.Vars(r)["id"]

	ctx, cancel := context.WithTimeout(context.WithoutCancel(r.Context()), teardownTimeout)
	defer cancel()

	sess, err := a.Sessions.Stop(ctx, id, owner)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	a.Dispatcher.Forget(id)
	a.log.Info("Session stop requested", "sessionId", id, "status", sess.Status)
	writeJSON(w, http.StatusOK, map[string]string{"status": string(session.StatusTerminated)})
}

func (a *App) handleComputerAction(w http.ResponseWriter, r *http.Request) {
	data, err := readBody(r)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	act, err := action.Decode(data)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	if act.Kind() == action.KindBashCommand {
		a.writeError(w, r, apperrors.Validation("type", "bash commands go to the bash-action endpoint"))
		return
	}
	a.dispatch(w, r, act)
}

func (a *App) handleBashAction(w http.ResponseWriter, r *http.Request) {
	var req bashRequest
	if err := decodeBody(r, &req, false); err != nil {
		a.writeError(w, r, err)
		return
	}
	act := action.BashCommand{Command: req.Command}
	if err := act.Validate(); err != nil {
		a.writeError(w, r, err)
		return
	}
	a.dispatch(w, r, act)
}

func (a *App) dispatch(w http.ResponseWriter, r *http.Request, act action.Action) {
	owner, err := ownerOf(r)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	res, err := a.Dispatcher.Dispatch(r.Context(), mux.Vars(r)["id"], owner, act)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, actionResponse{Output: res.Output, Error: res.Error, Image: res.Image})
}

func readBody(r *http.Request) ([]byte, error) {
	data, err := io.ReadAll(io.LimitReader(r.Body, maxActionBody+1))
	if err != nil {
		return nil, apperrors.Validation("body", "could not be read")
	}
	if len(data) > maxActionBody {
		return nil, apperrors.Validation("body", "is too large")
	}
	return data, nil
}

// decodeBody parses a JSON body into v. An empty body is accepted when
// optional is set.
func decodeBody(r *http.Request, v any, optional bool) error {
	data, err := readBody(r)
	if err != nil {
		return err
	}
	if len(data) == 0 {
		if optional {
			return nil
		}
		return apperrors.Validation("body", "is required")
	}
	if err := json.Unmarshal(data, v); err != nil {
		return apperrors.Validation("body", "is not valid JSON for this endpoint")
	}
	return nil
}

func (a *App) writeError(w http.ResponseWriter, r *http.Request, err error) {
	var appErr *apperrors.AppError
	if !errors.As(err, &appErr) {
		a.log.Error(err, "Unhandled error", "path", r.URL.Path)
		writeJSON(w, http.StatusInternalServerError, errorBody{
			Reason:  apperrors.ErrCodeInternal,
			Message: "internal error",
		})
		return
	}

	status := apperrors.HTTPStatus(appErr.Code)
	if status >= http.StatusInternalServerError {
		a.log.Error(err, "Request failed", "path", r.URL.Path, "reason", appErr.Code)
	}
	writeJSON(w, status, errorBody{
		Reason:  appErr.Code,
		Message: appErr.Message,
		Field:   appErr.Field,
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
