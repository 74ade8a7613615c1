package converters

import (
	"fmt"
	"math"
	"strings"

	"github.com/deskgate/deskgate/pkg/gateway/action"
	apperrors "github.com/deskgate/deskgate/pkg/gateway/errors"
)

// Tool names of the Anthropic computer-use tool set.
const (
	AnthropicComputerTool = "computer"
	AnthropicBashTool     = "bash"
)

const defaultAnthropicWaitMs = 1000

// Anthropic translates the Anthropic computer and bash tools.
type Anthropic struct{}

type anthropicComputerInput struct {
	Action          string   `json:"action"`
	Coordinate      []int    `json:"coordinate,omitempty"`
	StartCoordinate []int    `json:"start_coordinate,omitempty"`
	Text            *string  `json:"text,omitempty"`
	Duration        *float64 `json:"duration,omitempty"`
	ScrollDirection string   `json:"scroll_direction,omitempty"`
	ScrollAmount    *int     `json:"scroll_amount,omitempty"`
}

type anthropicBashInput struct {
	Command string `json:"command"`
	Restart bool   `json:"restart,omitempty"`
}

func (a *Anthropic) Provider() Provider { return ProviderAnthropic }

func (a *Anthropic) RequiresImage(ToolCall) bool { return false }

func (a *Anthropic) ToCanonical(call ToolCall) ([]action.Action, error) {
	switch call.Name {
	case AnthropicComputerTool:
		var in anthropicComputerInput
		if err := json.Unmarshal(call.Input, &in); err != nil {
			return nil, apperrors.Validation("input", "is not a valid computer tool input")
		}
		return a.computer(in)
	case AnthropicBashTool:
		var in anthropicBashInput
		if err := json.Unmarshal(call.Input, &in); err != nil {
			return nil, apperrors.Validation("input", "is not a valid bash tool input")
		}
		if in.Restart {
			return nil, unsupportedAction("bash restart has no desktop equivalent")
		}
		return finish(action.BashCommand{Command: in.Command})
	default:
		return nil, unsupportedAction("unknown tool %q", call.Name)
	}
}

func (a *Anthropic) computer(in anthropicComputerInput) ([]action.Action, error) {
	at, err := point(in.Coordinate, "coordinate")
	if err != nil {
		return nil, err
	}

	switch in.Action {
	case "screenshot":
		return finish(action.Screenshot{})
	case "cursor_position":
		return finish(action.CursorPosition{})
	case "type":
		return finish(action.TypeText{Text: deref(in.Text)})
	case "key":
		if in.Text == nil {
			return nil, apperrors.Validation("text", "is required for key")
		}
		return finish(action.PressKeys{Keys: splitChord(*in.Text)})
	case "hold_key":
		if in.Text == nil {
			return nil, apperrors.Validation("text", "is required for hold_key")
		}
		if in.Duration == nil {
			return nil, apperrors.Validation("duration", "is required for hold_key")
		}
		keys := splitChord(*in.Text)
		return finish(
			action.PressKeys{Keys: keys, PressType: action.PressTypeDown},
			action.Wait{Ms: seconds(*in.Duration)},
			action.PressKeys{Keys: keys, PressType: action.PressTypeUp},
		)
	case "mouse_move":
		if at == nil {
			return nil, apperrors.Validation("coordinate", "is required for mouse_move")
		}
		return finish(action.MoveMouse{X: at.X, Y: at.Y})
	case "left_click", "right_click", "middle_click", "double_click", "triple_click":
		click := clickAt(at)
		switch in.Action {
		case "right_click":
			click.Button = action.ButtonRight
		case "middle_click":
			click.Button = action.ButtonMiddle
		case "double_click":
			click.Count = 2
		case "triple_click":
			click.Count = 3
		}
		return finish(withModifiers(in.Text, click)...)
	case "left_mouse_down", "left_mouse_up":
		click := clickAt(at)
		click.ClickType = action.ClickTypeDown
		if in.Action == "left_mouse_up" {
			click.ClickType = action.ClickTypeUp
		}
		return finish(click)
	case "left_click_drag":
		if at == nil {
			return nil, apperrors.Validation("coordinate", "is required for left_click_drag")
		}
		start, err := point(in.StartCoordinate, "start_coordinate")
		if err != nil {
			return nil, err
		}
		if start != nil {
			return finish(action.DragMouse{Start: *start, End: *at})
		}
		return finish(
			action.ClickMouse{ClickType: action.ClickTypeDown},
			action.MoveMouse{X: at.X, Y: at.Y},
			action.ClickMouse{ClickType: action.ClickTypeUp},
		)
	case "scroll":
		if in.ScrollAmount == nil {
			return nil, apperrors.Validation("scroll_amount", "is required for scroll")
		}
		var seq []action.Action
		if at != nil {
			seq = append(seq, action.MoveMouse{X: at.X, Y: at.Y})
		}
		seq = append(seq, withModifiers(in.Text, action.Scroll{
			Direction: action.Direction(in.ScrollDirection),
			Amount:    *in.ScrollAmount,
		})...)
		return finish(seq...)
	case "wait":
		ms := defaultAnthropicWaitMs
		if in.Duration != nil {
			ms = seconds(*in.Duration)
		}
		return finish(action.Wait{Ms: ms})
	case "":
		return nil, apperrors.Validation("action", "is required")
	default:
		return nil, unsupportedAction("unknown computer action %q", in.Action)
	}
}

func (a *Anthropic) FromCanonical(call ToolCall, result *action.Result) (*ToolResult, error) {
	out := &ToolResult{
		CallID:   call.ID,
		ToolName: call.Name,
		Channel:  ChannelToolResult,
		Blocks:   textBlocks(result),
		IsError:  result.IsError(),
	}

	switch call.Name {
	case AnthropicComputerTool:
		if len(result.Image) > 0 {
			out.Blocks = append(out.Blocks, imageBlock(result.Image))
		}
	case AnthropicBashTool:
		if len(result.Image) > 0 {
			return nil, unsupportedResult("bash tool results cannot carry images")
		}
	default:
		return nil, unsupportedResult("unknown tool %q", call.Name)
	}
	return out, nil
}

func clickAt(at *action.Point) action.ClickMouse {
	var click action.ClickMouse
	if at != nil {
		click.X, click.Y = action.IntPtr(at.X), action.IntPtr(at.Y)
	}
	return click
}

// withModifiers holds the given modifier chord around an action.
func withModifiers(text *string, a action.Action) []action.Action {
	if text == nil || *text == "" {
		return []action.Action{a}
	}
	keys := splitChord(*text)
	return []action.Action{
		action.PressKeys{Keys: keys, PressType: action.PressTypeDown},
		a,
		action.PressKeys{Keys: keys, PressType: action.PressTypeUp},
	}
}

func point(coord []int, field string) (*action.Point, error) {
	switch len(coord) {
	case 0:
		return nil, nil
	case 2:
		return &action.Point{X: coord[0], Y: coord[1]}, nil
	default:
		return nil, apperrors.Validation(field, fmt.Sprintf("must be [x, y], got %d values", len(coord)))
	}
}

// splitChord splits "ctrl+shift+t" into its keys. A lone "+" is a key.
func splitChord(text string) action.KeyList {
	var keys action.KeyList
	for _, k := range strings.Split(text, "+") {
		if k = strings.TrimSpace(k); k != "" {
			keys = append(keys, k)
		}
	}
	if len(keys) == 0 && text != "" {
		keys = action.KeyList{text}
	}
	return keys
}

func seconds(s float64) int {
	return int(math.Round(s * 1000))
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
