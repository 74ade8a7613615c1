package action

import (
	"bytes"
	"errors"
	"fmt"

	jsoniter "github.com/json-iterator/go"

	apperrors "github.com/deskgate/deskgate/pkg/gateway/errors"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

type envelope struct {
	Type Kind `json:"type"`
}

// Decode parses a tagged action and validates it. Every failure is a
// VALIDATION_FAILED AppError naming one field.
func Decode(data []byte) (Action, error) {
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return nil, apperrors.Validation("body", "is required")
	}

	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, apperrors.Validation("body", "is not a JSON object with a string type field")
	}
	if env.Type == "" {
		return nil, apperrors.Validation("type", "is required")
	}

	a, err := decodeKind(env.Type, data)
	if err != nil {
		return nil, err
	}
	if err := a.Validate(); err != nil {
		return nil, err
	}
	return a, nil
}

func decodeKind(kind Kind, data []byte) (Action, error) {
	var (
		a   Action
		err error
	)
	switch kind {
	case KindClickMouse:
		a, err = decodeInto[ClickMouse](data)
	case KindMoveMouse:
		a, err = decodeInto[MoveMouse](data, "x", "y")
	case KindDragMouse:
		a, err = decodeInto[DragMouse](data, "start", "end")
	case KindScroll:
		a, err = decodeInto[Scroll](data)
	case KindTypeText:
		a, err = decodeInto[TypeText](data)
	case KindPressKeys:
		a, err = decodeInto[PressKeys](data)
	case KindWait:
		a, err = decodeInto[Wait](data, "ms")
	case KindScreenshot:
		a = Screenshot{}
	case KindCursorPosition:
		a = CursorPosition{}
	case KindBashCommand:
		a, err = decodeInto[BashCommand](data)
	default:
		return nil, apperrors.Validation("type", fmt.Sprintf("unknown action type %q", kind))
	}
	if err != nil {
		var appErr *apperrors.AppError
		if errors.As(err, &appErr) {
			return nil, appErr
		}
		return nil, apperrors.Validation("body", fmt.Sprintf("is not a valid %s action", kind))
	}
	return a, nil
}

func decodeInto[T Action](data []byte, required ...string) (Action, error) {
	if err := requireFields(data, required...); err != nil {
		return nil, err
	}
	var v T
	if err := json.Unmarshal(data, &v); err != nil {
		return nil, err
	}
	return v, nil
}

func requireFields(data []byte, fields ...string) error {
	if len(fields) == 0 {
		return nil
	}
	var raw map[string]jsoniter.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	for _, f := range fields {
		if _, ok := raw[f]; !ok {
			return apperrors.Validation(f, "is required")
		}
	}
	return nil
}

// Encode serializes an action with its "type" discriminant.
func Encode(a Action) ([]byte, error) {
	head, err := json.Marshal(envelope{Type: a.Kind()})
	if err != nil {
		return nil, err
	}
	body, err := json.Marshal(a)
	if err != nil {
		return nil, err
	}
	if bytes.Equal(body, []byte("{}")) {
		return head, nil
	}
	out := make([]byte, 0, len(head)+len(body))
	out = append(out, head[:len(head)-1]...)
	out = append(out, ',')
	out = append(out, body[1:]...)
	return out, nil
}
