package action

import (
	"fmt"

	apperrors "github.com/deskgate/deskgate/pkg/gateway/errors"
)

// Status is the outcome of one dispatched action.
type Status string

const (
	StatusSuccess Status = "success"
	StatusError   Status = "error"
)

// Result is the canonical outcome of an action. Image is only ever set for
// Screenshot, and Error is set exactly when Status is StatusError.
type Result struct {
	Status Status  `json:"status"`
	Output *string `json:"output,omitempty"`
	Image  []byte  `json:"image,omitempty"`
	Error  *string `json:"error,omitempty"`
}

// Success returns a successful result carrying text output.
func Success(output string) *Result {
	return &Result{Status: StatusSuccess, Output: &output}
}

// Done returns a successful result with no payload.
func Done() *Result {
	return &Result{Status: StatusSuccess}
}

// ScreenshotResult returns a successful screenshot result.
func ScreenshotResult(png []byte) *Result {
	return &Result{Status: StatusSuccess, Image: png}
}

// Failure returns an action-level error result.
func Failure(message string) *Result {
	return &Result{Status: StatusError, Error: &message}
}

// IsError reports whether the action failed on the desktop.
func (r *Result) IsError() bool {
	return r.Status == StatusError
}

// Text returns the output or error text, whichever is present.
func (r *Result) Text() string {
	switch {
	case r.Error != nil:
		return *r.Error
	case r.Output != nil:
		return *r.Output
	default:
		return ""
	}
}

// CheckResult verifies a result against the action that produced it.
func CheckResult(a Action, r *Result) error {
	if r == nil {
		return apperrors.New(apperrors.ErrCodeTransport, "desktop returned no result", nil)
	}
	switch r.Status {
	case StatusSuccess:
		if r.Error != nil {
			return malformed("success result carries an error")
		}
	case StatusError:
		if r.Error == nil {
			return malformed("error result has no error message")
		}
	default:
		return malformed(fmt.Sprintf("unknown result status %q", r.Status))
	}

	_, isScreenshot := a.(Screenshot)
	if isScreenshot && r.Status == StatusSuccess {
		if len(r.Image) == 0 {
			return malformed("screenshot result has no image")
		}
		if r.Output != nil {
			return malformed("screenshot result carries text output")
		}
	}
	if !isScreenshot && len(r.Image) > 0 {
		return malformed(fmt.Sprintf("%s result carries an image", a.Kind()))
	}
	return nil
}

func malformed(msg string) error {
	return apperrors.New(apperrors.ErrCodeTransport, "malformed desktop result: "+msg, nil)
}
