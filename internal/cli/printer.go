package cli

import (
	"fmt"
	"io"
	"strings"

	"github.com/fatih/color"
	"github.com/jedib0t/go-pretty/v6/table"

	"github.com/deskgate/deskgate/pkg/gateway/executor"
)

const maxPreview = 120

// eventPrinter renders agent loop events as one line each.
type eventPrinter struct {
	out     io.Writer
	text    *color.Color
	call    *color.Color
	result  *color.Color
	failure *color.Color
}

func newEventPrinter(out io.Writer, noColor bool) *eventPrinter {
	p := &eventPrinter{
		out:     out,
		text:    color.New(color.FgWhite),
		call:    color.New(color.FgCyan, color.Bold),
		result:  color.New(color.FgGreen),
		failure: color.New(color.FgRed, color.Bold),
	}
	if noColor {
		for _, c := range []*color.Color{p.text, p.call, p.result, p.failure} {
			c.DisableColor()
		}
	}
	return p
}

func (p *eventPrinter) print(e *executor.Event) {
	switch e.Type {
	case executor.EventTypeContent:
		p.text.Fprintln(p.out, e.Text)
	case executor.EventTypeToolCall:
		p.call.Fprintf(p.out, "→ %v %s\n", e.Metadata["tool_name"], preview(fmt.Sprint(e.Metadata["input"])))
	case executor.EventTypeToolResponse:
		c := p.result
		if isErr, _ := e.Metadata["is_error"].(bool); isErr {
			c = p.failure
		}
		line := preview(fmt.Sprint(e.Metadata["text"]))
		if hasImage, _ := e.Metadata["has_image"].(bool); hasImage {
			line = strings.TrimSpace(line + " [screenshot]")
		}
		c.Fprintf(p.out, "← %s\n", line)
	case executor.EventTypeError:
		if e.Error != nil {
			p.failure.Fprintf(p.out, "✗ %s: %s\n", e.Error.Code, e.Error.Details)
		}
	}
}

func preview(s string) string {
	s = strings.Join(strings.Fields(s), " ")
	if len(s) > maxPreview {
		return s[:maxPreview-3] + "..."
	}
	return s
}

func printSummary(out io.Writer, sessionID string, s *executor.RunSummary) {
	t := table.NewWriter()
	t.SetOutputMirror(out)
	t.SetStyle(table.StyleLight)
	t.AppendHeader(table.Row{"Session", "State", "Steps", "Actions", "Input tokens", "Output tokens"})
	t.AppendRow(table.Row{sessionID, s.State, s.Steps, s.Actions, s.Usage.InputTokens, s.Usage.OutputTokens})
	t.Render()
}
