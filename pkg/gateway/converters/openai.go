package converters

import (
	"github.com/deskgate/deskgate/pkg/gateway/action"
	apperrors "github.com/deskgate/deskgate/pkg/gateway/errors"
)

// Tool names used for OpenAI calls. Computer calls carry the action object as
// input; function calls carry their JSON arguments.
const (
	OpenAIComputerTool = "computer"
	OpenAIBashTool     = "bash"
)

const defaultOpenAIWaitMs = 1000

// OpenAI translates OpenAI computer_call actions and the bash function tool.
type OpenAI struct {
	// WaitMs is the pause used for a wait action, which carries no duration.
	WaitMs int
}

type openaiComputerAction struct {
	Type    string         `json:"type"`
	X       *int           `json:"x,omitempty"`
	Y       *int           `json:"y,omitempty"`
	Button  string         `json:"button,omitempty"`
	Path    []action.Point `json:"path,omitempty"`
	Keys    []string       `json:"keys,omitempty"`
	ScrollX int            `json:"scroll_x,omitempty"`
	ScrollY int            `json:"scroll_y,omitempty"`
	Text    string         `json:"text,omitempty"`
}

type openaiBashArgs struct {
	Command string `json:"command"`
}

func (o *OpenAI) Provider() Provider { return ProviderOpenAI }

func (o *OpenAI) RequiresImage(call ToolCall) bool {
	return call.Name == OpenAIComputerTool
}

func (o *OpenAI) ToCanonical(call ToolCall) ([]action.Action, error) {
	switch call.Name {
	case OpenAIComputerTool:
		var in openaiComputerAction
		if err := json.Unmarshal(call.Input, &in); err != nil {
			return nil, apperrors.Validation("action", "is not a valid computer action")
		}
		return o.computer(in)
	case OpenAIBashTool:
		var in openaiBashArgs
		if err := json.Unmarshal(call.Input, &in); err != nil {
			return nil, apperrors.Validation("arguments", "are not valid bash arguments")
		}
		return finish(action.BashCommand{Command: in.Command})
	default:
		return nil, unsupportedAction("unknown tool %q", call.Name)
	}
}

func (o *OpenAI) computer(in openaiComputerAction) ([]action.Action, error) {
	switch in.Type {
	case "screenshot":
		return finish(action.Screenshot{})
	case "type":
		return finish(action.TypeText{Text: in.Text})
	case "keypress":
		return finish(action.PressKeys{Keys: in.Keys})
	case "wait":
		ms := o.WaitMs
		if ms == 0 {
			ms = defaultOpenAIWaitMs
		}
		return finish(action.Wait{Ms: ms})
	case "move":
		at, err := requirePoint(in)
		if err != nil {
			return nil, err
		}
		return finish(action.MoveMouse{X: at.X, Y: at.Y})
	case "click", "double_click":
		at, err := requirePoint(in)
		if err != nil {
			return nil, err
		}
		click := clickAt(at)
		switch in.Button {
		case "", "left":
			click.Button = action.ButtonLeft
		case "right":
			click.Button = action.ButtonRight
		case "wheel":
			click.Button = action.ButtonMiddle
		case "back", "forward":
			return nil, unsupportedAction("mouse button %q has no desktop equivalent", in.Button)
		default:
			return nil, apperrors.Validation("button", "unknown button "+in.Button)
		}
		if in.Type == "double_click" {
			click.Count = 2
		}
		return finish(click)
	case "drag":
		return o.drag(in.Path)
	case "scroll":
		var at *action.Point
		if in.X != nil && in.Y != nil {
			at = &action.Point{X: *in.X, Y: *in.Y}
		}
		return finish(SplitScroll(at, in.ScrollX, in.ScrollY)...)
	case "":
		return nil, apperrors.Validation("type", "is required")
	default:
		return nil, unsupportedAction("unknown computer action %q", in.Type)
	}
}

// drag maps a straight path to DragMouse and a multi-point path to a
// press, move through each point, release sequence.
func (o *OpenAI) drag(path []action.Point) ([]action.Action, error) {
	if len(path) < 2 {
		return nil, apperrors.Validation("path", "needs at least two points")
	}
	if len(path) == 2 {
		return finish(action.DragMouse{Start: path[0], End: path[1]})
	}
	seq := []action.Action{
		action.MoveMouse{X: path[0].X, Y: path[0].Y},
		action.ClickMouse{ClickType: action.ClickTypeDown},
	}
	for _, p := range path[1:] {
		seq = append(seq, action.MoveMouse{X: p.X, Y: p.Y})
	}
	seq = append(seq, action.ClickMouse{ClickType: action.ClickTypeUp})
	return finish(seq...)
}

func (o *OpenAI) FromCanonical(call ToolCall, result *action.Result) (*ToolResult, error) {
	switch call.Name {
	case OpenAIComputerTool:
		if len(result.Image) == 0 {
			return nil, unsupportedResult("computer_call_output requires a screenshot")
		}
		return &ToolResult{
			CallID:   call.ID,
			ToolName: call.Name,
			Channel:  ChannelComputerCallOutput,
			Blocks:   append([]Block{imageBlock(result.Image)}, textBlocks(result)...),
			IsError:  result.IsError(),
		}, nil
	case OpenAIBashTool:
		if len(result.Image) > 0 {
			return nil, unsupportedResult("function_call_output cannot carry images")
		}
		return &ToolResult{
			CallID:   call.ID,
			ToolName: call.Name,
			Channel:  ChannelFunctionCallOutput,
			Blocks:   textBlocks(result),
			IsError:  result.IsError(),
		}, nil
	default:
		return nil, unsupportedResult("unknown tool %q", call.Name)
	}
}

func requirePoint(in openaiComputerAction) (*action.Point, error) {
	if in.X == nil {
		return nil, apperrors.Validation("x", "is required for "+in.Type)
	}
	if in.Y == nil {
		return nil, apperrors.Validation("y", "is required for "+in.Type)
	}
	return &action.Point{X: *in.X, Y: *in.Y}, nil
}
