package executor

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	clocktesting "k8s.io/utils/clock/testing"

	"github.com/deskgate/deskgate/pkg/gateway/action"
	"github.com/deskgate/deskgate/pkg/gateway/converters"
	apperrors "github.com/deskgate/deskgate/pkg/gateway/errors"
	"github.com/deskgate/deskgate/pkg/gateway/llm"
	"github.com/deskgate/deskgate/pkg/gateway/metrics"
	"github.com/deskgate/deskgate/pkg/gateway/session"
)

var testEpoch = time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

// fakeConversation replays scripted steps and records appended results.
type fakeConversation struct {
	provider converters.Provider
	steps    []*llm.Step
	nextErr  error
	calls    int
	appended []*converters.ToolResult
	onNext   func(call int)
}

func (f *fakeConversation) Provider() converters.Provider { return f.provider }

func (f *fakeConversation) Next(ctx context.Context) (*llm.Step, error) {
	f.calls++
	if f.onNext != nil {
		f.onNext(f.calls)
	}
	if f.nextErr != nil {
		return nil, f.nextErr
	}
	if len(f.steps) == 0 {
		return &llm.Step{Text: "done", StopReason: "end_turn"}, nil
	}
	step := f.steps[0]
	f.steps = f.steps[1:]
	return step, nil
}

func (f *fakeConversation) Append(res *converters.ToolResult) error {
	f.appended = append(f.appended, res)
	return nil
}

type dispatched struct {
	action action.Action
	at     time.Time
}

// fakeDispatcher records every action and answers from results keyed by kind.
type fakeDispatcher struct {
	mu      sync.Mutex
	clock   *clocktesting.FakeClock
	actions []dispatched
	results map[action.Kind]*action.Result
	errs    map[action.Kind]error
}

func newFakeDispatcher(clk *clocktesting.FakeClock) *fakeDispatcher {
	return &fakeDispatcher{
		clock:   clk,
		results: map[action.Kind]*action.Result{},
		errs:    map[action.Kind]error{},
	}
}

func (f *fakeDispatcher) Dispatch(ctx context.Context, id, ownerID string, a action.Action) (*action.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.actions = append(f.actions, dispatched{action: a, at: f.clock.Now()})
	f.clock.Step(10 * time.Millisecond)
	if err := f.errs[a.Kind()]; err != nil {
		return nil, err
	}
	if res, ok := f.results[a.Kind()]; ok {
		return res, nil
	}
	if a.Kind() == action.KindScreenshot {
		return action.ScreenshotResult([]byte("png")), nil
	}
	return action.Done(), nil
}

func (f *fakeDispatcher) kinds() []action.Kind {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]action.Kind, 0, len(f.actions))
	for _, d := range f.actions {
		out = append(out, d.action.Kind())
	}
	return out
}

type fakeStopper struct {
	stopped []string
}

func (f *fakeStopper) Stop(ctx context.Context, id, ownerID string) (*session.Session, error) {
	f.stopped = append(f.stopped, id)
	return &session.Session{ID: id, OwnerID: ownerID, Status: session.StatusTerminated}, nil
}

func newTestDriver(cfg Config, opts ...Option) (*Driver, *fakeDispatcher, *fakeStopper) {
	clk := clocktesting.NewFakeClock(testEpoch)
	disp := newFakeDispatcher(clk)
	stopper := &fakeStopper{}
	opts = append([]Option{WithClock(clk)}, opts...)
	return NewDriver(disp, stopper, cfg, opts...), disp, stopper
}

func toolStep(calls ...converters.ToolCall) *llm.Step {
	return &llm.Step{ToolCalls: calls, StopReason: "tool_use", Usage: llm.Usage{InputTokens: 10, OutputTokens: 2}}
}

func computerCall(id, input string) converters.ToolCall {
	return converters.ToolCall{ID: id, Name: converters.AnthropicComputerTool, Input: []byte(input)}
}

var testRequest = RunRequest{SessionID: "sess-1", OwnerID: "alice"}

func TestRun_DispatchesActionsInOrder(t *testing.T) {
	driver, disp, stopper := newTestDriver(Config{})
	conv := &fakeConversation{
		provider: converters.ProviderAnthropic,
		steps: []*llm.Step{
			toolStep(
				computerCall("t1", `{"action":"left_click","coordinate":[100,200]}`),
				computerCall("t2", `{"action":"type","text":"hello"}`),
			),
			{Text: "Typed hello.", StopReason: "end_turn"},
		},
	}

	summary, err := driver.Run(t.Context(), conv, testRequest, nil)
	require.NoError(t, err)

	assert.Equal(t, []action.Kind{action.KindClickMouse, action.KindTypeText}, disp.kinds())
	assert.True(t, disp.actions[0].at.Before(disp.actions[1].at))
	assert.Equal(t, 2, summary.Steps)
	assert.Equal(t, 2, summary.Actions)
	assert.Equal(t, "Typed hello.", summary.FinalText)
	assert.Equal(t, StateDone, summary.State)
	assert.Equal(t, int64(10), summary.Usage.InputTokens)

	require.Len(t, conv.appended, 2)
	assert.Equal(t, "t1", conv.appended[0].CallID)
	assert.Equal(t, "t2", conv.appended[1].CallID)
	assert.False(t, conv.appended[0].IsError)
	assert.Empty(t, stopper.stopped)
}

func TestRun_CompoundCallRunsEveryAction(t *testing.T) {
	driver, disp, _ := newTestDriver(Config{})
	conv := &fakeConversation{
		provider: converters.ProviderAnthropic,
		steps: []*llm.Step{
			toolStep(computerCall("t1", `{"action":"hold_key","text":"shift","duration":0.5}`)),
		},
	}

	summary, err := driver.Run(t.Context(), conv, testRequest, nil)
	require.NoError(t, err)
	assert.Equal(t, []action.Kind{action.KindPressKeys, action.KindWait, action.KindPressKeys}, disp.kinds())
	assert.Equal(t, 3, summary.Actions)
}

func TestRun_StepBudgetExceeded(t *testing.T) {
	driver, _, stopper := newTestDriver(Config{MaxSteps: 2})
	screenshot := computerCall("t", `{"action":"screenshot"}`)
	conv := &fakeConversation{
		provider: converters.ProviderAnthropic,
		steps:    []*llm.Step{toolStep(screenshot), toolStep(screenshot), toolStep(screenshot)},
	}

	summary, err := driver.Run(t.Context(), conv, testRequest, nil)
	require.Error(t, err)
	assert.Equal(t, apperrors.ErrCodeStepBudgetExceeded, apperrors.CodeOf(err))
	assert.Equal(t, 2, summary.Steps)
	assert.Equal(t, 2, conv.calls)
	assert.Empty(t, stopper.stopped)

	// The conversation is intact, so a new run continues it with a fresh budget.
	summary, err = driver.Run(t.Context(), conv, testRequest, nil)
	require.NoError(t, err)
	assert.Equal(t, 2, summary.Steps)
	assert.Equal(t, "done", summary.FinalText)
}

func TestRun_RequestOverridesStepBudget(t *testing.T) {
	driver, _, _ := newTestDriver(Config{MaxSteps: 10})
	screenshot := computerCall("t", `{"action":"screenshot"}`)
	conv := &fakeConversation{
		provider: converters.ProviderAnthropic,
		steps:    []*llm.Step{toolStep(screenshot), toolStep(screenshot)},
	}

	req := testRequest
	req.MaxSteps = 1
	_, err := driver.Run(t.Context(), conv, req, nil)
	assert.Equal(t, apperrors.ErrCodeStepBudgetExceeded, apperrors.CodeOf(err))
}

func TestRun_CancellationObservedBetweenSteps(t *testing.T) {
	driver, disp, _ := newTestDriver(Config{})
	ctx, cancel := context.WithCancel(t.Context())
	defer cancel()

	conv := &fakeConversation{
		provider: converters.ProviderAnthropic,
		steps: []*llm.Step{
			toolStep(
				computerCall("t1", `{"action":"left_click","coordinate":[1,1]}`),
				computerCall("t2", `{"action":"type","text":"x"}`),
			),
			toolStep(computerCall("t3", `{"action":"screenshot"}`)),
		},
		// Cancel while the first step is being produced; its calls still run.
		onNext: func(call int) {
			if call == 1 {
				cancel()
			}
		},
	}

	summary, err := driver.Run(ctx, conv, testRequest, nil)
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, summary.Steps)
	assert.Equal(t, []action.Kind{action.KindClickMouse, action.KindTypeText}, disp.kinds())
	assert.Len(t, conv.appended, 2)
}

func TestRun_ActionErrorIsFedBack(t *testing.T) {
	driver, disp, stopper := newTestDriver(Config{})
	disp.results[action.KindClickMouse] = action.Failure("no window at that position")
	conv := &fakeConversation{
		provider: converters.ProviderAnthropic,
		steps:    []*llm.Step{toolStep(computerCall("t1", `{"action":"left_click","coordinate":[5,5]}`))},
	}

	summary, err := driver.Run(t.Context(), conv, testRequest, nil)
	require.NoError(t, err)
	assert.Equal(t, StateDone, summary.State)
	require.Len(t, conv.appended, 1)
	assert.True(t, conv.appended[0].IsError)
	assert.Equal(t, "no window at that position", conv.appended[0].Text())
	assert.Empty(t, stopper.stopped)
}

func TestRun_ActionErrorStopsCompoundSequence(t *testing.T) {
	driver, disp, _ := newTestDriver(Config{})
	disp.results[action.KindPressKeys] = action.Failure("unknown key")
	conv := &fakeConversation{
		provider: converters.ProviderAnthropic,
		steps:    []*llm.Step{toolStep(computerCall("t1", `{"action":"hold_key","text":"hyper","duration":1}`))},
	}

	_, err := driver.Run(t.Context(), conv, testRequest, nil)
	require.NoError(t, err)
	assert.Equal(t, []action.Kind{action.KindPressKeys}, disp.kinds())
}

func TestRun_TranslationErrorDoesNotTearDown(t *testing.T) {
	driver, disp, stopper := newTestDriver(Config{})
	conv := &fakeConversation{
		provider: converters.ProviderAnthropic,
		steps: []*llm.Step{toolStep(
			computerCall("t1", `{"action":"zoom"}`),
			computerCall("t2", `{"action":"screenshot"}`),
		)},
	}

	_, err := driver.Run(t.Context(), conv, testRequest, nil)
	require.Error(t, err)
	assert.Equal(t, apperrors.ErrCodeUnsupportedAction, apperrors.CodeOf(err))
	assert.Empty(t, disp.kinds())
	assert.Empty(t, stopper.stopped)

	// Both calls are answered so the conversation stays resumable.
	require.Len(t, conv.appended, 2)
	assert.Equal(t, "t1", conv.appended[0].CallID)
	assert.True(t, conv.appended[0].IsError)
	assert.Contains(t, conv.appended[0].Text(), "zoom")
	assert.Equal(t, "t2", conv.appended[1].CallID)
	assert.True(t, conv.appended[1].IsError)
}

func TestRun_TransportFailureTearsDown(t *testing.T) {
	driver, disp, stopper := newTestDriver(Config{})
	disp.errs[action.KindTypeText] = apperrors.New(apperrors.ErrCodeTransport, "desktop unreachable", nil)
	conv := &fakeConversation{
		provider: converters.ProviderAnthropic,
		steps:    []*llm.Step{toolStep(computerCall("t1", `{"action":"type","text":"x"}`))},
	}

	summary, err := driver.Run(t.Context(), conv, testRequest, nil)
	require.Error(t, err)
	assert.Equal(t, apperrors.ErrCodeTransport, apperrors.CodeOf(err))
	assert.Equal(t, []string{"sess-1"}, stopper.stopped)
	assert.Equal(t, StateDispatching, summary.State)
	require.Len(t, conv.appended, 1)
	assert.True(t, conv.appended[0].IsError)
}

func TestRun_ModelFailureEndsRun(t *testing.T) {
	driver, _, stopper := newTestDriver(Config{})
	conv := &fakeConversation{
		provider: converters.ProviderOpenAI,
		nextErr:  apperrors.New(apperrors.ErrCodeModel, "model request failed", nil),
	}

	summary, err := driver.Run(t.Context(), conv, testRequest, nil)
	assert.Equal(t, apperrors.ErrCodeModel, apperrors.CodeOf(err))
	assert.Equal(t, 0, summary.Steps)
	assert.Empty(t, stopper.stopped)
}

func TestRun_OpenAIComputerCallGetsScreenshot(t *testing.T) {
	driver, disp, _ := newTestDriver(Config{})
	conv := &fakeConversation{
		provider: converters.ProviderOpenAI,
		steps: []*llm.Step{toolStep(
			converters.ToolCall{ID: "call_1", Name: converters.OpenAIComputerTool, Input: []byte(`{"type":"click","x":3,"y":4}`)},
			converters.ToolCall{ID: "call_2", Name: converters.OpenAIBashTool, Input: []byte(`{"command":"ls"}`)},
		)},
	}
	disp.results[action.KindBashCommand] = action.Success("a.txt")

	summary, err := driver.Run(t.Context(), conv, testRequest, nil)
	require.NoError(t, err)
	assert.Equal(t, []action.Kind{action.KindClickMouse, action.KindScreenshot, action.KindBashCommand}, disp.kinds())
	assert.Equal(t, 3, summary.Actions)

	require.Len(t, conv.appended, 2)
	assert.Equal(t, converters.ChannelComputerCallOutput, conv.appended[0].Channel)
	require.NotNil(t, conv.appended[0].Image())
	assert.Equal(t, []byte("png"), conv.appended[0].Image().Image)
	assert.Equal(t, converters.ChannelFunctionCallOutput, conv.appended[1].Channel)
	assert.Equal(t, "a.txt", conv.appended[1].Text())
}

func TestRun_OpenAIScreenshotIsNotTakenTwice(t *testing.T) {
	driver, disp, _ := newTestDriver(Config{})
	conv := &fakeConversation{
		provider: converters.ProviderOpenAI,
		steps: []*llm.Step{toolStep(
			converters.ToolCall{ID: "call_1", Name: converters.OpenAIComputerTool, Input: []byte(`{"type":"screenshot"}`)},
		)},
	}

	_, err := driver.Run(t.Context(), conv, testRequest, nil)
	require.NoError(t, err)
	assert.Equal(t, []action.Kind{action.KindScreenshot}, disp.kinds())
}

func TestRun_EventSequence(t *testing.T) {
	driver, _, _ := newTestDriver(Config{})
	conv := &fakeConversation{
		provider: converters.ProviderAnthropic,
		steps: []*llm.Step{
			{Text: "Looking at the screen.", ToolCalls: []converters.ToolCall{computerCall("t1", `{"action":"screenshot"}`)}},
			{Text: "Nothing to do."},
		},
	}

	events := make(chan *Event, 16)
	_, err := driver.Run(t.Context(), conv, testRequest, events)
	require.NoError(t, err)
	close(events)

	var types []string
	for e := range events {
		assert.Equal(t, testEpoch, e.Timestamp.Truncate(time.Second))
		types = append(types, e.Type)
	}
	assert.Equal(t, []string{
		EventTypeStart,
		EventTypeContent,
		EventTypeToolCall,
		EventTypeToolResponse,
		EventTypeContent,
		EventTypeComplete,
	}, types)
}

func TestRun_ErrorEventCarriesCode(t *testing.T) {
	driver, _, _ := newTestDriver(Config{MaxSteps: 1})
	conv := &fakeConversation{
		provider: converters.ProviderAnthropic,
		steps:    []*llm.Step{toolStep(computerCall("t", `{"action":"screenshot"}`))},
	}

	events := make(chan *Event, 16)
	_, err := driver.Run(t.Context(), conv, testRequest, events)
	require.Error(t, err)
	close(events)

	var last *Event
	for e := range events {
		last = e
	}
	require.NotNil(t, last)
	assert.Equal(t, EventTypeError, last.Type)
	assert.Equal(t, apperrors.ErrCodeStepBudgetExceeded, last.Error.Code)
}

func TestRun_CountsSteps(t *testing.T) {
	m := metrics.New(prometheus.NewRegistry())
	driver, _, _ := newTestDriver(Config{}, WithMetrics(m))
	conv := &fakeConversation{
		provider: converters.ProviderAnthropic,
		steps:    []*llm.Step{toolStep(computerCall("t", `{"action":"screenshot"}`))},
	}

	_, err := driver.Run(t.Context(), conv, testRequest, nil)
	require.NoError(t, err)
	assert.Equal(t, 2.0, testutil.ToFloat64(m.AgentSteps.WithLabelValues("anthropic")))
}

func TestRun_OpenAIWaitUsesConfiguredPause(t *testing.T) {
	driver, disp, _ := newTestDriver(Config{WaitMs: 250})
	conv := &fakeConversation{
		provider: converters.ProviderOpenAI,
		steps: []*llm.Step{toolStep(
			converters.ToolCall{ID: "call_1", Name: converters.OpenAIComputerTool, Input: []byte(`{"type":"wait"}`)},
		)},
	}

	_, err := driver.Run(t.Context(), conv, testRequest, nil)
	require.NoError(t, err)
	require.NotEmpty(t, disp.actions)
	assert.Equal(t, action.Wait{Ms: 250}, disp.actions[0].action)
}

func TestRun_ActionErrorReleasesHeldModifier(t *testing.T) {
	driver, disp, _ := newTestDriver(Config{})
	disp.results[action.KindClickMouse] = action.Failure("outside the screen")
	conv := &fakeConversation{
		provider: converters.ProviderAnthropic,
		steps:    []*llm.Step{toolStep(computerCall("t1", `{"action":"left_click","coordinate":[5,5],"text":"shift"}`))},
	}

	summary, err := driver.Run(t.Context(), conv, testRequest, nil)
	require.NoError(t, err)
	require.Equal(t, []action.Kind{action.KindPressKeys, action.KindClickMouse, action.KindPressKeys}, disp.kinds())
	assert.Equal(t, action.PressTypeDown, disp.actions[0].action.(action.PressKeys).PressType)
	assert.Equal(t, action.PressTypeUp, disp.actions[2].action.(action.PressKeys).PressType)
	assert.Equal(t, 3, summary.Actions)

	// The model still sees the failure, not the release.
	require.Len(t, conv.appended, 1)
	assert.True(t, conv.appended[0].IsError)
	assert.Equal(t, "outside the screen", conv.appended[0].Text())
}

func TestRun_ActionErrorReleasesHeldButton(t *testing.T) {
	driver, disp, _ := newTestDriver(Config{})
	disp.results[action.KindMoveMouse] = action.Failure("outside the screen")
	conv := &fakeConversation{
		provider: converters.ProviderAnthropic,
		steps:    []*llm.Step{toolStep(computerCall("t1", `{"action":"left_click_drag","coordinate":[5000,5]}`))},
	}

	_, err := driver.Run(t.Context(), conv, testRequest, nil)
	require.NoError(t, err)
	require.Equal(t, []action.Kind{action.KindClickMouse, action.KindMoveMouse, action.KindClickMouse}, disp.kinds())
	assert.Equal(t, action.ClickTypeUp, disp.actions[2].action.(action.ClickMouse).ClickType)
}

func TestRun_OpenAITranslationErrorCarriesScreenshot(t *testing.T) {
	driver, disp, stopper := newTestDriver(Config{})
	conv := &fakeConversation{
		provider: converters.ProviderOpenAI,
		steps: []*llm.Step{toolStep(
			converters.ToolCall{ID: "call_1", Name: converters.OpenAIComputerTool, Input: []byte(`{"type":"click","x":3,"y":4,"button":"back"}`)},
		)},
	}

	_, err := driver.Run(t.Context(), conv, testRequest, nil)
	require.Error(t, err)
	assert.Equal(t, apperrors.ErrCodeUnsupportedAction, apperrors.CodeOf(err))
	assert.Equal(t, []action.Kind{action.KindScreenshot}, disp.kinds())
	assert.Empty(t, stopper.stopped)

	require.Len(t, conv.appended, 1)
	assert.True(t, conv.appended[0].IsError)
	require.NotNil(t, conv.appended[0].Image())
	assert.Equal(t, []byte("png"), conv.appended[0].Image().Image)
}

func TestRun_OpenAITransportFailureSkipsScreenshot(t *testing.T) {
	driver, disp, stopper := newTestDriver(Config{})
	disp.errs[action.KindClickMouse] = apperrors.New(apperrors.ErrCodeTransport, "connection reset", nil)
	conv := &fakeConversation{
		provider: converters.ProviderOpenAI,
		steps: []*llm.Step{toolStep(
			converters.ToolCall{ID: "call_1", Name: converters.OpenAIComputerTool, Input: []byte(`{"type":"click","x":3,"y":4}`)},
		)},
	}

	_, err := driver.Run(t.Context(), conv, testRequest, nil)
	require.Error(t, err)
	assert.Equal(t, []action.Kind{action.KindClickMouse}, disp.kinds())
	assert.Equal(t, []string{"sess-1"}, stopper.stopped)
	require.Len(t, conv.appended, 1)
	assert.Nil(t, conv.appended[0].Image())
}
