package local

import (
	"bytes"
	"image/png"
	"testing"

	"github.com/go-logr/logr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/deskgate/deskgate/pkg/gateway/action"
	"github.com/deskgate/deskgate/pkg/gateway/dispatch"
	apperrors "github.com/deskgate/deskgate/pkg/gateway/errors"
	"github.com/deskgate/deskgate/pkg/gateway/session"
)

func newRunningDesktop(t *testing.T, cfg Config) (*Backend, string) {
	t.Helper()
	b := NewBackend(cfg, logr.Discard())
	d, err := b.Provision(t.Context(), session.ProvisionRequest{OwnerID: "alice"})
	require.NoError(t, err)
	t.Cleanup(func() { _ = b.Destroy(t.Context(), d.ID) })
	return b, d.ID
}

func TestBackend_BecomesRunningAfterDescribes(t *testing.T) {
	b := NewBackend(Config{ReadyAfter: 2}, logr.Discard())
	d, err := b.Provision(t.Context(), session.ProvisionRequest{OwnerID: "alice"})
	require.NoError(t, err)
	assert.Equal(t, session.StatusPending, d.Status)

	var statuses []session.Status
	for range 3 {
		desc, err := b.Describe(t.Context(), d.ID)
		require.NoError(t, err)
		statuses = append(statuses, desc.Status)
	}
	assert.Equal(t, []session.Status{session.StatusPending, session.StatusPending, session.StatusRunning}, statuses)

	require.NoError(t, b.Destroy(t.Context(), d.ID))
	_, err = b.Describe(t.Context(), d.ID)
	assert.Equal(t, apperrors.ErrCodeNotAuthorized, apperrors.CodeOf(err))
	assert.NoError(t, b.Destroy(t.Context(), d.ID))
}

func TestBackend_ScreenshotIsPNG(t *testing.T) {
	b, id := newRunningDesktop(t, Config{Width: 64, Height: 48})

	res, err := b.Execute(t.Context(), id, action.Screenshot{})
	require.NoError(t, err)
	require.NoError(t, action.CheckResult(action.Screenshot{}, res))

	img, err := png.Decode(bytes.NewReader(res.Image))
	require.NoError(t, err)
	assert.Equal(t, 64, img.Bounds().Dx())
	assert.Equal(t, 48, img.Bounds().Dy())
}

func TestBackend_TracksCursorAndText(t *testing.T) {
	b, id := newRunningDesktop(t, Config{})

	steps := []action.Action{
		action.MoveMouse{X: 10, Y: 20},
		action.ClickMouse{Button: action.ButtonLeft, ClickType: action.ClickTypeClick, Count: 1},
		action.TypeText{Text: "hello "},
		action.TypeText{Text: "world"},
	}
	for _, a := range steps {
		res, err := b.Execute(t.Context(), id, a)
		require.NoError(t, err)
		assert.False(t, res.IsError(), a.Kind())
	}

	res, err := b.Execute(t.Context(), id, action.CursorPosition{})
	require.NoError(t, err)
	assert.Equal(t, "X=10,Y=20", res.Text())
	assert.Equal(t, "hello world", b.Typed(id))
}

func TestBackend_ActionErrors(t *testing.T) {
	b, id := newRunningDesktop(t, Config{Width: 100, Height: 100})

	res, err := b.Execute(t.Context(), id, action.MoveMouse{X: 100, Y: 5})
	require.NoError(t, err)
	assert.True(t, res.IsError())
	assert.Contains(t, res.Text(), "outside")

	res, err = b.Execute(t.Context(), id, action.ClickMouse{Button: action.ButtonRight, ClickType: action.ClickTypeUp})
	require.NoError(t, err)
	assert.True(t, res.IsError())
}

func TestBackend_Bash(t *testing.T) {
	b, id := newRunningDesktop(t, Config{})

	res, err := b.Execute(t.Context(), id, action.BashCommand{Command: "echo hi > note.txt && cat note.txt"})
	require.NoError(t, err)
	assert.False(t, res.IsError())
	assert.Equal(t, "hi\n", res.Text())

	res, err = b.Execute(t.Context(), id, action.BashCommand{Command: "exit 3"})
	require.NoError(t, err)
	assert.True(t, res.IsError())
	assert.Contains(t, res.Text(), "exit status 3")
}

func TestBackend_UnknownDesktopIsGone(t *testing.T) {
	b := NewBackend(Config{}, logr.Discard())

	_, err := b.Execute(t.Context(), "missing", action.Screenshot{})
	require.Error(t, err)
	assert.ErrorIs(t, err, dispatch.ErrDesktopGone)
	assert.Equal(t, apperrors.ErrCodeTransport, apperrors.CodeOf(err))
}
