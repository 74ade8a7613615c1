package converters

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/deskgate/deskgate/pkg/gateway/action"
	apperrors "github.com/deskgate/deskgate/pkg/gateway/errors"
)

func computerAction(input string) ToolCall {
	return ToolCall{ID: "call_01", Name: OpenAIComputerTool, Input: []byte(input)}
}

func TestOpenAI_ToCanonical(t *testing.T) {
	tr := &OpenAI{}

	tests := []struct {
		name  string
		input string
		want  []action.Action
	}{
		{
			name:  "click",
			input: `{"type":"click","x":10,"y":20,"button":"left"}`,
			want: []action.Action{action.ClickMouse{
				X: action.IntPtr(10), Y: action.IntPtr(20),
				Button: action.ButtonLeft, ClickType: action.ClickTypeClick, Count: 1,
			}},
		},
		{
			name:  "wheel click",
			input: `{"type":"click","x":1,"y":2,"button":"wheel"}`,
			want: []action.Action{action.ClickMouse{
				X: action.IntPtr(1), Y: action.IntPtr(2),
				Button: action.ButtonMiddle, ClickType: action.ClickTypeClick, Count: 1,
			}},
		},
		{
			name:  "double click",
			input: `{"type":"double_click","x":3,"y":4}`,
			want: []action.Action{action.ClickMouse{
				X: action.IntPtr(3), Y: action.IntPtr(4),
				Button: action.ButtonLeft, ClickType: action.ClickTypeClick, Count: 2,
			}},
		},
		{
			name:  "keypress normalizes return",
			input: `{"type":"keypress","keys":["CTRL","RETURN"]}`,
			want:  []action.Action{action.PressKeys{Keys: action.KeyList{"CTRL", "enter"}, PressType: action.PressTypePress}},
		},
		{
			name:  "type",
			input: `{"type":"type","text":"hi"}`,
			want:  []action.Action{action.TypeText{Text: "hi"}},
		},
		{
			name:  "move",
			input: `{"type":"move","x":7,"y":8}`,
			want:  []action.Action{action.MoveMouse{X: 7, Y: 8}},
		},
		{
			name:  "wait uses default",
			input: `{"type":"wait"}`,
			want:  []action.Action{action.Wait{Ms: 1000}},
		},
		{
			name:  "straight drag",
			input: `{"type":"drag","path":[{"x":1,"y":1},{"x":9,"y":9}]}`,
			want:  []action.Action{action.DragMouse{Start: action.Point{X: 1, Y: 1}, End: action.Point{X: 9, Y: 9}}},
		},
		{
			name:  "screenshot",
			input: `{"type":"screenshot"}`,
			want:  []action.Action{action.Screenshot{}},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := tr.ToCanonical(computerAction(tt.input))
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestOpenAI_WaitOverride(t *testing.T) {
	got, err := (&OpenAI{WaitMs: 250}).ToCanonical(computerAction(`{"type":"wait"}`))
	require.NoError(t, err)
	assert.Equal(t, []action.Action{action.Wait{Ms: 250}}, got)
}

func TestOpenAI_MultiPointDrag(t *testing.T) {
	got, err := (&OpenAI{}).ToCanonical(computerAction(`{"type":"drag","path":[{"x":0,"y":0},{"x":5,"y":5},{"x":10,"y":0}]}`))
	require.NoError(t, err)

	kinds := make([]action.Kind, len(got))
	for i, a := range got {
		kinds[i] = a.Kind()
	}
	assert.Equal(t, []action.Kind{
		action.KindMoveMouse, action.KindClickMouse, action.KindMoveMouse, action.KindMoveMouse, action.KindClickMouse,
	}, kinds)
	assert.Equal(t, action.MoveMouse{X: 10, Y: 0}, got[3])
}

func TestOpenAI_ScrollSplit(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  []action.Action
	}{
		{
			name:  "both components",
			input: `{"type":"scroll","x":100,"y":200,"scroll_x":-30,"scroll_y":120}`,
			want: []action.Action{
				action.MoveMouse{X: 100, Y: 200},
				action.Scroll{Direction: action.DirectionDown, Amount: 120},
				action.Scroll{Direction: action.DirectionLeft, Amount: 30},
			},
		},
		{
			name:  "vertical only",
			input: `{"type":"scroll","x":1,"y":2,"scroll_x":0,"scroll_y":-4}`,
			want: []action.Action{
				action.MoveMouse{X: 1, Y: 2},
				action.Scroll{Direction: action.DirectionUp, Amount: 4},
			},
		},
		{
			name:  "horizontal only without point",
			input: `{"type":"scroll","scroll_x":6}`,
			want: []action.Action{
				action.Scroll{Direction: action.DirectionRight, Amount: 6},
			},
		},
		{
			name:  "no movement",
			input: `{"type":"scroll","x":1,"y":2,"scroll_x":0,"scroll_y":0}`,
			want:  []action.Action{action.MoveMouse{X: 1, Y: 2}},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := (&OpenAI{}).ToCanonical(computerAction(tt.input))
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestSplitScroll_FixedOrder(t *testing.T) {
	at := &action.Point{X: 3, Y: 4}
	for _, withPoint := range []bool{false, true} {
		for dx := -2; dx <= 2; dx++ {
			for dy := -2; dy <= 2; dy++ {
				t.Run(fmt.Sprintf("point=%v dx=%d dy=%d", withPoint, dx, dy), func(t *testing.T) {
					var p *action.Point
					if withPoint {
						p = at
					}
					got := SplitScroll(p, dx, dy)

					var want []action.Action
					if withPoint {
						want = append(want, action.MoveMouse{X: 3, Y: 4})
					}
					if dy > 0 {
						want = append(want, action.Scroll{Direction: action.DirectionDown, Amount: dy})
					} else if dy < 0 {
						want = append(want, action.Scroll{Direction: action.DirectionUp, Amount: -dy})
					}
					if dx > 0 {
						want = append(want, action.Scroll{Direction: action.DirectionRight, Amount: dx})
					} else if dx < 0 {
						want = append(want, action.Scroll{Direction: action.DirectionLeft, Amount: -dx})
					}
					assert.Equal(t, want, got)
				})
			}
		}
	}
}

func TestOpenAI_ToCanonicalErrors(t *testing.T) {
	tests := []struct {
		name string
		call ToolCall
		code string
	}{
		{"back button", computerAction(`{"type":"click","x":1,"y":1,"button":"back"}`), apperrors.ErrCodeUnsupportedAction},
		{"unknown action", computerAction(`{"type":"pinch"}`), apperrors.ErrCodeUnsupportedAction},
		{"unknown function", ToolCall{Name: "browser", Input: []byte(`{}`)}, apperrors.ErrCodeUnsupportedAction},
		{"click without x", computerAction(`{"type":"click","y":1}`), apperrors.ErrCodeValidation},
		{"short drag", computerAction(`{"type":"drag","path":[{"x":1,"y":1}]}`), apperrors.ErrCodeValidation},
		{"empty keypress", computerAction(`{"type":"keypress","keys":[]}`), apperrors.ErrCodeValidation},
		{"empty bash", ToolCall{Name: OpenAIBashTool, Input: []byte(`{"command":""}`)}, apperrors.ErrCodeValidation},
		{"missing type", computerAction(`{}`), apperrors.ErrCodeValidation},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := (&OpenAI{}).ToCanonical(tt.call)
			require.Error(t, err)
			assert.Equal(t, tt.code, apperrors.CodeOf(err))
		})
	}
}

func TestOpenAI_FromCanonical(t *testing.T) {
	tr := &OpenAI{}
	png := []byte{0x89, 'P', 'N', 'G'}

	t.Run("computer call needs an image", func(t *testing.T) {
		call := computerAction(`{"type":"click","x":1,"y":1}`)
		assert.True(t, tr.RequiresImage(call))

		_, err := tr.FromCanonical(call, action.Done())
		require.Error(t, err)
		assert.Equal(t, apperrors.ErrCodeUnsupportedResult, apperrors.CodeOf(err))
	})

	t.Run("computer call keeps error text beside the image", func(t *testing.T) {
		call := computerAction(`{"type":"click","x":1,"y":1}`)
		res, err := tr.FromCanonical(call, &action.Result{
			Status: action.StatusError,
			Error:  strPtr("window closed"),
			Image:  png,
		})
		require.NoError(t, err)

		assert.Equal(t, ChannelComputerCallOutput, res.Channel)
		assert.Equal(t, png, res.Image().Image)
		assert.Equal(t, "window closed", res.Text())
		assert.True(t, res.IsError)
	})

	t.Run("bash function output is text only", func(t *testing.T) {
		call := ToolCall{ID: "call_02", Name: OpenAIBashTool, Input: []byte(`{"command":"pwd"}`)}
		assert.False(t, tr.RequiresImage(call))

		res, err := tr.FromCanonical(call, action.Success("/home/user"))
		require.NoError(t, err)
		assert.Equal(t, ChannelFunctionCallOutput, res.Channel)
		assert.Equal(t, "/home/user", res.Text())

		_, err = tr.FromCanonical(call, action.ScreenshotResult(png))
		assert.Equal(t, apperrors.ErrCodeUnsupportedResult, apperrors.CodeOf(err))
	})
}

func TestNewTranslator(t *testing.T) {
	tr, err := NewTranslator(ProviderAnthropic)
	require.NoError(t, err)
	assert.Equal(t, ProviderAnthropic, tr.Provider())

	tr, err = NewTranslator(ProviderOpenAI)
	require.NoError(t, err)
	assert.Equal(t, ProviderOpenAI, tr.Provider())

	_, err = NewTranslator("gemini")
	require.Error(t, err)
}

func TestErrorResult_UsesCallChannel(t *testing.T) {
	err := apperrors.New(apperrors.ErrCodeUnsupportedAction, "nope", nil)

	res := ErrorResult(&OpenAI{}, computerAction(`{}`), err)
	assert.Equal(t, ChannelComputerCallOutput, res.Channel)
	assert.True(t, res.IsError)

	res = ErrorResult(&Anthropic{}, computerCall(`{}`), err)
	assert.Equal(t, ChannelToolResult, res.Channel)
	assert.Contains(t, res.Text(), "nope")
}

func strPtr(s string) *string { return &s }
