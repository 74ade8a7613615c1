package converters

import "github.com/deskgate/deskgate/pkg/gateway/action"

// SplitScroll turns a "scroll by (dx, dy) at a point" request into canonical
// actions: an optional MoveMouse, then a vertical Scroll, then a horizontal
// Scroll. Components with zero magnitude are omitted. Positive dy scrolls
// down and positive dx scrolls right.
func SplitScroll(at *action.Point, dx, dy int) []action.Action {
	var out []action.Action
	if at != nil {
		out = append(out, action.MoveMouse{X: at.X, Y: at.Y})
	}
	if dy != 0 {
		dir := action.DirectionDown
		if dy < 0 {
			dir = action.DirectionUp
		}
		out = append(out, action.Scroll{Direction: dir, Amount: abs(dy)})
	}
	if dx != 0 {
		dir := action.DirectionRight
		if dx < 0 {
			dir = action.DirectionLeft
		}
		out = append(out, action.Scroll{Direction: dir, Amount: abs(dx)})
	}
	return out
}

func abs(v int) int {
	if v < 0 {
		return -v
	}
	return v
}
