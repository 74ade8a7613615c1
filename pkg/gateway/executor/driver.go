// Package executor runs the agent loop: it asks a model for the next step,
// executes the step's tool calls on a desktop session and feeds the results
// back, until the model stops calling tools.
package executor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-logr/logr"
	"k8s.io/utils/clock"

	"github.com/deskgate/deskgate/pkg/gateway/action"
	"github.com/deskgate/deskgate/pkg/gateway/converters"
	apperrors "github.com/deskgate/deskgate/pkg/gateway/errors"
	"github.com/deskgate/deskgate/pkg/gateway/llm"
	"github.com/deskgate/deskgate/pkg/gateway/metrics"
	"github.com/deskgate/deskgate/pkg/gateway/session"
)

const (
	DefaultMaxSteps = 25
	DefaultWaitMs   = 1000
	teardownTimeout = 30 * time.Second
)

// Config holds agent loop settings.
type Config struct {
	MaxSteps int `mapstructure:"max_steps" yaml:"max_steps"`
	// WaitMs is the pause used for provider wait actions that carry no duration.
	WaitMs int `mapstructure:"wait_ms" yaml:"wait_ms"`
}

func (c *Config) SetDefaults() {
	if c.MaxSteps == 0 {
		c.MaxSteps = DefaultMaxSteps
	}
	if c.WaitMs == 0 {
		c.WaitMs = DefaultWaitMs
	}
}

// Dispatcher executes canonical actions on a session's desktop.
type Dispatcher interface {
	Dispatch(ctx context.Context, id, ownerID string, a action.Action) (*action.Result, error)
}

// SessionStopper tears a session down.
type SessionStopper interface {
	Stop(ctx context.Context, id, ownerID string) (*session.Session, error)
}

// RunRequest names the session a run drives.
type RunRequest struct {
	SessionID string
	OwnerID   string
	// MaxSteps overrides the configured step budget when positive.
	MaxSteps int
}

// RunSummary describes a finished or interrupted run.
type RunSummary struct {
	Steps     int       `json:"steps"`
	Actions   int       `json:"actions"`
	FinalText string    `json:"final_text,omitempty"`
	Usage     llm.Usage `json:"usage"`
	State     State     `json:"state"`
}

// Driver runs agent loops. One Driver serves many runs; each run is
// sequential.
type Driver struct {
	dispatcher Dispatcher
	sessions   SessionStopper
	cfg        Config
	clock      clock.PassiveClock
	log        logr.Logger
	metrics    *metrics.Metrics
}

type Option func(*Driver)

func WithClock(c clock.PassiveClock) Option {
	return func(d *Driver) { d.clock = c }
}

func WithLogger(log logr.Logger) Option {
	return func(d *Driver) { d.log = log }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(d *Driver) { d.metrics = m }
}

// NewDriver creates a new Driver
func NewDriver(dispatcher Dispatcher, sessions SessionStopper, cfg Config, opts ...Option) *Driver {
	cfg.SetDefaults()
	d := &Driver{
		dispatcher: dispatcher,
		sessions:   sessions,
		cfg:        cfg,
		clock:      clock.RealClock{},
		log:        logr.Discard(),
	}
	for _, opt := range opts {
		opt(d)
	}
	d.log = d.log.WithName("agent-loop")
	return d
}

// run is the state of one Run call.
type run struct {
	*Driver
	conv       llm.Conversation
	translator converters.Translator
	req        RunRequest
	events     chan<- *Event
	summary    *RunSummary
	log        logr.Logger
}

// Run drives conv against the session in req until the model stops calling
// tools, the step budget runs out, ctx is cancelled between steps, or a
// step fails. Events are sent to events when it is non-nil.
func (d *Driver) Run(ctx context.Context, conv llm.Conversation, req RunRequest, events chan<- *Event) (*RunSummary, error) {
	translator, err := converters.NewTranslator(conv.Provider())
	if err != nil {
		return nil, err
	}
	if o, ok := translator.(*converters.OpenAI); ok {
		o.WaitMs = d.cfg.WaitMs
	}

	r := &run{
		Driver:     d,
		conv:       conv,
		translator: translator,
		req:        req,
		events:     events,
		summary:    &RunSummary{State: StateAwaitingModel},
		log:        d.log.WithValues("sessionId", req.SessionID, "provider", conv.Provider()),
	}

	maxSteps := d.cfg.MaxSteps
	if req.MaxSteps > 0 {
		maxSteps = req.MaxSteps
	}

	r.emit(&Event{Type: EventTypeStart})
	if err := r.loop(ctx, maxSteps); err != nil {
		r.emitError(err)
		return r.summary, err
	}
	r.summary.State = StateDone
	r.emit(&Event{Type: EventTypeComplete, Metadata: map[string]interface{}{
		"steps":   r.summary.Steps,
		"actions": r.summary.Actions,
	}})
	return r.summary, nil
}

func (r *run) loop(ctx context.Context, maxSteps int) error {
	for {
		// Cancellation is only observed between steps.
		if err := ctx.Err(); err != nil {
			return err
		}
		if r.summary.Steps >= maxSteps {
			return apperrors.New(apperrors.ErrCodeStepBudgetExceeded,
				fmt.Sprintf("the agent used all %d steps without finishing", maxSteps), nil)
		}

		r.summary.State = StateAwaitingModel
		step, err := r.conv.Next(ctx)
		if err != nil {
			return err
		}
		r.summary.Steps++
		r.summary.Usage.InputTokens += step.Usage.InputTokens
		r.summary.Usage.OutputTokens += step.Usage.OutputTokens
		r.metrics.Step(string(r.conv.Provider()))

		if step.Text != "" {
			r.emit(&Event{Type: EventTypeContent, Text: step.Text})
		}
		if len(step.ToolCalls) == 0 {
			r.summary.FinalText = step.Text
			r.log.Info("Agent finished", "steps", r.summary.Steps, "actions", r.summary.Actions)
			return nil
		}

		r.summary.State = StateDispatching
		for i, call := range step.ToolCalls {
			if err := r.handleCall(ctx, call); err != nil {
				r.skipRemaining(step.ToolCalls[i+1:])
				return err
			}
		}
	}
}

// handleCall executes one tool call and appends its result.
func (r *run) handleCall(ctx context.Context, call converters.ToolCall) error {
	r.emit(&Event{Type: EventTypeToolCall, Metadata: map[string]interface{}{
		"tool_name": call.Name,
		"tool_id":   call.ID,
		"input":     string(call.Input),
	}})

	actions, err := r.translator.ToCanonical(call)
	if err != nil {
		return r.rejectCall(ctx, call, err)
	}

	// In-flight work is not abandoned when the caller goes away; the
	// dispatcher's per-action timeout bounds it.
	dctx := context.WithoutCancel(ctx)

	res := action.Done()
	held := 0
	for i, a := range actions {
		res, err = r.dispatcher.Dispatch(dctx, r.req.SessionID, r.req.OwnerID, a)
		if err != nil {
			return r.dispatchFailed(dctx, call, err)
		}
		r.summary.Actions++
		if res.IsError() {
			if held > 0 {
				r.release(dctx, actions[i+1:])
			}
			break
		}
		held += holds(a)
	}

	if r.translator.RequiresImage(call) && len(res.Image) == 0 {
		if res, err = r.observe(dctx, res); err != nil {
			return r.dispatchFailed(dctx, call, err)
		}
	}

	toolRes, err := r.translator.FromCanonical(call, res)
	if err != nil {
		return r.rejectCall(dctx, call, err)
	}
	if err := r.conv.Append(toolRes); err != nil {
		return err
	}

	r.emit(&Event{Type: EventTypeToolResponse, Metadata: map[string]interface{}{
		"tool_name": call.Name,
		"tool_id":   call.ID,
		"is_error":  toolRes.IsError,
		"text":      toolRes.Text(),
		"has_image": toolRes.Image() != nil,
	}})
	return nil
}

// observe captures a screenshot to accompany a result that has none.
func (r *run) observe(ctx context.Context, res *action.Result) (*action.Result, error) {
	shot, err := r.dispatcher.Dispatch(ctx, r.req.SessionID, r.req.OwnerID, action.Screenshot{})
	if err != nil {
		return nil, err
	}
	r.summary.Actions++
	if shot.IsError() {
		r.log.V(1).Info("Observation screenshot failed", "error", shot.Text())
		return res, nil
	}
	merged := *res
	merged.Image = shot.Image
	return &merged, nil
}

// holds reports whether a presses (1) or releases (-1) a key or button.
func holds(a action.Action) int {
	switch a := a.(type) {
	case action.PressKeys:
		switch a.PressType {
		case action.PressTypeDown:
			return 1
		case action.PressTypeUp:
			return -1
		}
	case action.ClickMouse:
		switch a.ClickType {
		case action.ClickTypeDown:
			return 1
		case action.ClickTypeUp:
			return -1
		}
	}
	return 0
}

// release runs the releases left in a sequence that stopped early, so no key
// or button stays held on the desktop.
func (r *run) release(ctx context.Context, rest []action.Action) {
	for _, a := range rest {
		if holds(a) >= 0 {
			continue
		}
		res, err := r.dispatcher.Dispatch(ctx, r.req.SessionID, r.req.OwnerID, a)
		if err != nil {
			r.log.Error(err, "Failed to release held input", "kind", a.Kind())
			return
		}
		r.summary.Actions++
		if res.IsError() {
			r.log.Info("Release of held input failed", "kind", a.Kind(), "error", res.Text())
		}
	}
}

// rejectCall records a call that could not be translated in either
// direction. The conversation stays consistent, so the run can be resumed.
func (r *run) rejectCall(ctx context.Context, call converters.ToolCall, err error) error {
	r.log.Info("Tool call rejected", "toolName", call.Name, "toolId", call.ID, "reason", err.Error())
	r.appendError(context.WithoutCancel(ctx), call, err, true)
	return err
}

// appendError answers call with err. Channels that demand an image get a
// fresh screenshot when the desktop can still be reached.
func (r *run) appendError(ctx context.Context, call converters.ToolCall, err error, observe bool) {
	res := converters.ErrorResult(r.translator, call, err)
	if observe && r.translator.RequiresImage(call) {
		shot, shotErr := r.dispatcher.Dispatch(ctx, r.req.SessionID, r.req.OwnerID, action.Screenshot{})
		switch {
		case shotErr != nil:
			r.log.V(1).Info("Observation screenshot failed", "error", shotErr.Error())
		case shot.IsError():
			r.summary.Actions++
			r.log.V(1).Info("Observation screenshot failed", "error", shot.Text())
		default:
			r.summary.Actions++
			res.Blocks = append(res.Blocks, converters.Block{
				Type:      converters.BlockTypeImage,
				Image:     shot.Image,
				MediaType: "image/png",
			})
		}
	}
	if appendErr := r.conv.Append(res); appendErr != nil {
		r.log.Error(appendErr, "Failed to append error result", "toolId", call.ID)
	}
}

// skipRemaining answers calls that were never attempted because an earlier
// call of the same step failed.
func (r *run) skipRemaining(calls []converters.ToolCall) {
	for _, call := range calls {
		err := apperrors.New(apperrors.ErrCodeInternal, "not executed because an earlier call failed", nil)
		if appendErr := r.conv.Append(converters.ErrorResult(r.translator, call, err)); appendErr != nil {
			r.log.Error(appendErr, "Failed to append skipped result", "toolId", call.ID)
		}
	}
}

// dispatchFailed answers the call with the failure and stops the session
// when the failure leaves it unusable.
func (r *run) dispatchFailed(ctx context.Context, call converters.ToolCall, err error) error {
	switch apperrors.CodeOf(err) {
	case apperrors.ErrCodeTransport, apperrors.ErrCodeSessionNotReady, apperrors.ErrCodeNotAuthorized:
		r.appendError(ctx, call, err, false)
		r.teardown(ctx, err)
	default:
		r.appendError(ctx, call, err, true)
	}
	return err
}

func (r *run) teardown(ctx context.Context, cause error) {
	ctx, cancel := context.WithTimeout(ctx, teardownTimeout)
	defer cancel()

	r.log.Info("Stopping session after unrecoverable dispatch failure", "reason", cause.Error())
	if _, err := r.sessions.Stop(ctx, r.req.SessionID, r.req.OwnerID); err != nil {
		r.log.Error(err, "Failed to stop session")
	}
}

func (r *run) emit(e *Event) {
	if r.events == nil {
		return
	}
	e.Timestamp = r.clock.Now()
	r.events <- e
}

func (r *run) emitError(err error) {
	code := apperrors.CodeOf(err)
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		code = "CANCELLED"
	}
	r.emit(&Event{Type: EventTypeError, Error: &ErrorInfo{
		Code:    code,
		Message: "Agent execution failed",
		Details: err.Error(),
	}})
}
