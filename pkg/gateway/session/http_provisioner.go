package session

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	jsoniter "github.com/json-iterator/go"

	apperrors "github.com/deskgate/deskgate/pkg/gateway/errors"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// HTTPProvisioner implements Provisioner against the provisioning backend's
// REST API.
type HTTPProvisioner struct {
	baseURL    string
	httpClient *http.Client
	tokenFunc  func() string // Function to get current token
}

// NewHTTPProvisioner creates a new HTTPProvisioner
func NewHTTPProvisioner(baseURL string, timeout time.Duration, tokenFunc func() string) *HTTPProvisioner {
	return &HTTPProvisioner{
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: timeout},
		tokenFunc:  tokenFunc,
	}
}

func (p *HTTPProvisioner) addAuthHeaders(req *http.Request) {
	if p.tokenFunc != nil {
		if token := p.tokenFunc(); token != "" {
			req.Header.Set("Authorization", fmt.Sprintf("Bearer %s", token))
		}
	}
}

func (p *HTTPProvisioner) Provision(ctx context.Context, req ProvisionRequest) (*Desktop, error) {
	data, err := json.Marshal(req)
	if err != nil {
		return nil, apperrors.New(apperrors.ErrCodeProvisioningFailed, "failed to marshal request", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/desktops", bytes.NewReader(data))
	if err != nil {
		return nil, apperrors.New(apperrors.ErrCodeProvisioningFailed, "failed to create request", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	p.addAuthHeaders(httpReq)

	resp, err := p.httpClient.Do(httpReq)
	if err != nil {
		return nil, apperrors.New(apperrors.ErrCodeTransport, "failed to send provisioning request", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated && resp.StatusCode != http.StatusAccepted {
		return nil, statusError(resp, apperrors.ErrCodeProvisioningFailed)
	}

	desk, err := decodeDesktop(resp.Body)
	if err != nil {
		return nil, err
	}
	if desk.ID == "" {
		return nil, apperrors.New(apperrors.ErrCodeProvisioningFailed, "backend returned a desktop without an id", nil)
	}
	return desk, nil
}

func (p *HTTPProvisioner) Describe(ctx context.Context, id string) (*Desktop, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, p.desktopURL(id), nil)
	if err != nil {
		return nil, apperrors.New(apperrors.ErrCodeTransport, "failed to create request", err)
	}
	p.addAuthHeaders(httpReq)

	resp, err := p.httpClient.Do(httpReq)
	if err != nil {
		return nil, apperrors.New(apperrors.ErrCodeTransport, "failed to send status request", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, apperrors.NotFound(nil)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, statusError(resp, apperrors.ErrCodeTransport)
	}

	desk, err := decodeDesktop(resp.Body)
	if err != nil {
		return nil, err
	}
	if !desk.Status.Valid() {
		return nil, apperrors.New(apperrors.ErrCodeTransport, fmt.Sprintf("backend reported unknown status %q", desk.Status), nil)
	}
	return desk, nil
}

func (p *HTTPProvisioner) Destroy(ctx context.Context, id string) error {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodDelete, p.desktopURL(id), nil)
	if err != nil {
		return apperrors.New(apperrors.ErrCodeTransport, "failed to create request", err)
	}
	p.addAuthHeaders(httpReq)

	resp, err := p.httpClient.Do(httpReq)
	if err != nil {
		return apperrors.New(apperrors.ErrCodeTransport, "failed to send teardown request", err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK, http.StatusAccepted, http.StatusNoContent, http.StatusNotFound, http.StatusGone:
		return nil
	default:
		return statusError(resp, apperrors.ErrCodeTransport)
	}
}

func (p *HTTPProvisioner) desktopURL(id string) string {
	return fmt.Sprintf("%s/desktops/%s", p.baseURL, url.PathEscape(id))
}

func decodeDesktop(r io.Reader) (*Desktop, error) {
	var desk Desktop
	if err := json.NewDecoder(r).Decode(&desk); err != nil {
		return nil, apperrors.New(apperrors.ErrCodeTransport, "failed to decode response", err)
	}
	return &desk, nil
}

// statusError treats 5xx as transport failures and 4xx as the given code.
func statusError(resp *http.Response, code string) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if resp.StatusCode >= 500 {
		code = apperrors.ErrCodeTransport
	}
	return apperrors.New(code, fmt.Sprintf("unexpected status %d: %s", resp.StatusCode, string(body)), nil)
}
