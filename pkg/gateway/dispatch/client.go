package dispatch

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	jsoniter "github.com/json-iterator/go"

	"github.com/deskgate/deskgate/pkg/gateway/action"
	apperrors "github.com/deskgate/deskgate/pkg/gateway/errors"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// ErrDesktopGone marks a transport failure where the action API no longer
// knows the desktop.
var ErrDesktopGone = errors.New("desktop is gone")

// DesktopClient executes one canonical action on a desktop.
type DesktopClient interface {
	Execute(ctx context.Context, sessionID string, a action.Action) (*action.Result, error)
}

// HTTPClient posts canonical actions to the desktop action API.
type HTTPClient struct {
	baseURL    string
	httpClient *http.Client
	tokenFunc  func() string
}

// NewHTTPClient creates an action API client. Per-call deadlines come from
// the context, so the http.Client carries no timeout of its own.
func NewHTTPClient(baseURL string, tokenFunc func() string) *HTTPClient {
	return &HTTPClient{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{},
		tokenFunc:  tokenFunc,
	}
}

func (c *HTTPClient) Execute(ctx context.Context, sessionID string, a action.Action) (*action.Result, error) {
	body, err := action.Encode(a)
	if err != nil {
		return nil, apperrors.New(apperrors.ErrCodeInternal, "failed to encode action", err)
	}

	endpoint := fmt.Sprintf("%s/desktops/%s/actions", c.baseURL, url.PathEscape(sessionID))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, apperrors.New(apperrors.ErrCodeTransport, "failed to create request", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.tokenFunc != nil {
		if token := c.tokenFunc(); token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, apperrors.New(apperrors.ErrCodeTransport, "desktop did not answer", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK:
		var res action.Result
		if err := json.NewDecoder(resp.Body).Decode(&res); err != nil {
			return nil, apperrors.New(apperrors.ErrCodeTransport, "failed to decode desktop result", err)
		}
		return &res, nil
	case resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusGone:
		return nil, apperrors.New(apperrors.ErrCodeTransport, "desktop no longer exists", ErrDesktopGone)
	case resp.StatusCode == http.StatusBadRequest || resp.StatusCode == http.StatusUnprocessableEntity:
		// The desktop understood the request and refused the action itself.
		return action.Failure(readMessage(resp.Body)), nil
	default:
		return nil, apperrors.New(apperrors.ErrCodeTransport,
			fmt.Sprintf("desktop returned status %d: %s", resp.StatusCode, readMessage(resp.Body)), nil)
	}
}

func readMessage(r io.Reader) string {
	data, _ := io.ReadAll(io.LimitReader(r, 4096))
	var body struct {
		Error   string `json:"error"`
		Message string `json:"message"`
	}
	if json.Unmarshal(data, &body) == nil {
		if body.Error != "" {
			return body.Error
		}
		if body.Message != "" {
			return body.Message
		}
	}
	if msg := strings.TrimSpace(string(data)); msg != "" {
		return msg
	}
	return "action rejected by desktop"
}
