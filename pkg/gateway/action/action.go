// Package action defines the canonical desktop action protocol spoken by the
// gateway: a tagged union of low-level mouse, keyboard, wait, screenshot and
// shell actions, and the result shape every action produces.
package action

import (
	"fmt"

	apperrors "github.com/deskgate/deskgate/pkg/gateway/errors"
)

// Kind is the discriminant of an Action. It is serialized as the "type" field.
type Kind string

const (
	KindClickMouse     Kind = "click_mouse"
	KindMoveMouse      Kind = "move_mouse"
	KindDragMouse      Kind = "drag_mouse"
	KindScroll         Kind = "scroll"
	KindTypeText       Kind = "type_text"
	KindPressKeys      Kind = "press_keys"
	KindWait           Kind = "wait"
	KindScreenshot     Kind = "screenshot"
	KindCursorPosition Kind = "cursor_position"
	KindBashCommand    Kind = "bash_command"
)

// MaxWaitMs bounds a single Wait action.
const MaxWaitMs = 60_000

// Action is one canonical desktop action. The concrete types below are the
// only implementations.
type Action interface {
	Kind() Kind
	// Validate returns a VALIDATION_FAILED AppError naming the first invalid field.
	Validate() error
	sealed()
}

type Button string

const (
	ButtonLeft   Button = "left"
	ButtonRight  Button = "right"
	ButtonMiddle Button = "middle"
)

type ClickType string

const (
	ClickTypeClick ClickType = "click"
	ClickTypeDown  ClickType = "down"
	ClickTypeUp    ClickType = "up"
)

type PressType string

const (
	PressTypePress PressType = "press"
	PressTypeDown  PressType = "down"
	PressTypeUp    PressType = "up"
)

type Direction string

const (
	DirectionUp    Direction = "up"
	DirectionDown  Direction = "down"
	DirectionLeft  Direction = "left"
	DirectionRight Direction = "right"
)

// Point is a screen coordinate in pixels.
type Point struct {
	X int `json:"x"`
	Y int `json:"y"`
}

// ClickMouse presses a mouse button. Absent coordinates mean the current
// cursor position.
type ClickMouse struct {
	X         *int      `json:"x,omitempty"`
	Y         *int      `json:"y,omitempty"`
	Button    Button    `json:"button,omitempty"`
	ClickType ClickType `json:"clickType,omitempty"`
	Count     int       `json:"count,omitempty"`
}

type MoveMouse struct {
	X int `json:"x"`
	Y int `json:"y"`
}

type DragMouse struct {
	Start Point `json:"start"`
	End   Point `json:"end"`
}

type Scroll struct {
	Direction Direction `json:"direction"`
	Amount    int       `json:"amount"`
}

type TypeText struct {
	Text string `json:"text"`
}

// PressKeys presses one key or a chord. PressType down/up only presses or
// releases, which lets callers hold keys across other actions.
type PressKeys struct {
	Keys      KeyList   `json:"keys"`
	PressType PressType `json:"pressType,omitempty"`
}

type Wait struct {
	Ms int `json:"ms"`
}

type Screenshot struct{}

type CursorPosition struct{}

type BashCommand struct {
	Command string `json:"command"`
}

func (ClickMouse) Kind() Kind     { return KindClickMouse }
func (MoveMouse) Kind() Kind      { return KindMoveMouse }
func (DragMouse) Kind() Kind      { return KindDragMouse }
func (Scroll) Kind() Kind         { return KindScroll }
func (TypeText) Kind() Kind       { return KindTypeText }
func (PressKeys) Kind() Kind      { return KindPressKeys }
func (Wait) Kind() Kind           { return KindWait }
func (Screenshot) Kind() Kind     { return KindScreenshot }
func (CursorPosition) Kind() Kind { return KindCursorPosition }
func (BashCommand) Kind() Kind    { return KindBashCommand }

func (ClickMouse) sealed()     {}
func (MoveMouse) sealed()      {}
func (DragMouse) sealed()      {}
func (Scroll) sealed()         {}
func (TypeText) sealed()       {}
func (PressKeys) sealed()      {}
func (Wait) sealed()           {}
func (Screenshot) sealed()     {}
func (CursorPosition) sealed() {}
func (BashCommand) sealed()    {}

func (a ClickMouse) Validate() error {
	if (a.X == nil) != (a.Y == nil) {
		if a.X == nil {
			return apperrors.Validation("x", "is required when y is set")
		}
		return apperrors.Validation("y", "is required when x is set")
	}
	if a.X != nil {
		if err := validateCoordinate("", Point{X: *a.X, Y: *a.Y}); err != nil {
			return err
		}
	}
	switch a.Button {
	case "", ButtonLeft, ButtonRight, ButtonMiddle:
	default:
		return apperrors.Validation("button", fmt.Sprintf("unknown button %q", a.Button))
	}
	switch a.ClickType {
	case "", ClickTypeClick, ClickTypeDown, ClickTypeUp:
	default:
		return apperrors.Validation("clickType", fmt.Sprintf("unknown click type %q", a.ClickType))
	}
	if a.Count < 0 || a.Count > 3 {
		return apperrors.Validation("count", "must be between 1 and 3")
	}
	if a.Count > 1 && a.ClickType != "" && a.ClickType != ClickTypeClick {
		return apperrors.Validation("count", "only applies to click presses")
	}
	return nil
}

func (a MoveMouse) Validate() error {
	return validateCoordinate("", Point{X: a.X, Y: a.Y})
}

func (a DragMouse) Validate() error {
	if err := validateCoordinate("start.", a.Start); err != nil {
		return err
	}
	return validateCoordinate("end.", a.End)
}

func (a Scroll) Validate() error {
	switch a.Direction {
	case DirectionUp, DirectionDown, DirectionLeft, DirectionRight:
	case "":
		return apperrors.Validation("direction", "is required")
	default:
		return apperrors.Validation("direction", fmt.Sprintf("unknown direction %q", a.Direction))
	}
	if a.Amount <= 0 {
		return apperrors.Validation("amount", "must be positive")
	}
	return nil
}

func (a TypeText) Validate() error {
	if a.Text == "" {
		return apperrors.Validation("text", "is required")
	}
	return nil
}

func (a PressKeys) Validate() error {
	if len(a.Keys) == 0 {
		return apperrors.Validation("keys", "at least one key is required")
	}
	for i, k := range a.Keys {
		if k == "" {
			return apperrors.Validation(fmt.Sprintf("keys[%d]", i), "must not be empty")
		}
	}
	switch a.PressType {
	case "", PressTypePress, PressTypeDown, PressTypeUp:
	default:
		return apperrors.Validation("pressType", fmt.Sprintf("unknown press type %q", a.PressType))
	}
	return nil
}

func (a Wait) Validate() error {
	if a.Ms < 0 || a.Ms > MaxWaitMs {
		return apperrors.Validation("ms", fmt.Sprintf("must be between 0 and %d", MaxWaitMs))
	}
	return nil
}

func (Screenshot) Validate() error     { return nil }
func (CursorPosition) Validate() error { return nil }

func (a BashCommand) Validate() error {
	if a.Command == "" {
		return apperrors.Validation("command", "is required")
	}
	return nil
}

func validateCoordinate(prefix string, p Point) error {
	if p.X < 0 {
		return apperrors.Validation(prefix+"x", "must be non-negative")
	}
	if p.Y < 0 {
		return apperrors.Validation(prefix+"y", "must be non-negative")
	}
	return nil
}

// Normalize fills defaults and rewrites key names so the remote desktop
// receives a fully specified action. It is idempotent.
func Normalize(a Action) Action {
	switch v := a.(type) {
	case ClickMouse:
		if v.Button == "" {
			v.Button = ButtonLeft
		}
		if v.ClickType == "" {
			v.ClickType = ClickTypeClick
		}
		if v.Count == 0 {
			v.Count = 1
		}
		return v
	case PressKeys:
		v.Keys = NormalizeKeys(v.Keys)
		if v.PressType == "" {
			v.PressType = PressTypePress
		}
		return v
	default:
		return a
	}
}

// IntPtr is a convenience for optional coordinates.
func IntPtr(v int) *int {
	return &v
}
