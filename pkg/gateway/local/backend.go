// Package local is an in-process desktop backend for development. It plays
// both the provisioning API and the desktop action API: desktops are
// simulated screens whose input state is tracked in memory, and bash commands
// run on the host in a scratch directory per desktop.
package local

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/go-logr/logr"
	"github.com/google/uuid"

	"github.com/deskgate/deskgate/pkg/gateway/action"
	"github.com/deskgate/deskgate/pkg/gateway/dispatch"
	apperrors "github.com/deskgate/deskgate/pkg/gateway/errors"
	"github.com/deskgate/deskgate/pkg/gateway/session"
)

const (
	DefaultWidth       = 1024
	DefaultHeight      = 768
	DefaultBashTimeout = 30 * time.Second
)

// Config tunes the simulated desktops.
type Config struct {
	Width  int `mapstructure:"width" yaml:"width"`
	Height int `mapstructure:"height" yaml:"height"`
	// ReadyAfter is the number of Describe calls a desktop answers with
	// pending before it reports running.
	ReadyAfter  int           `mapstructure:"ready_after" yaml:"ready_after"`
	BashTimeout time.Duration `mapstructure:"bash_timeout" yaml:"bash_timeout"`
}

func (c *Config) SetDefaults() {
	if c.Width == 0 {
		c.Width = DefaultWidth
	}
	if c.Height == 0 {
		c.Height = DefaultHeight
	}
	if c.BashTimeout == 0 {
		c.BashTimeout = DefaultBashTimeout
	}
}

type desktop struct {
	id        string
	describes int
	workDir   string
	cursor    action.Point
	buttons   map[action.Button]bool
	keys      map[string]bool
	typed     strings.Builder
	clicks    int
}

// Backend implements session.Provisioner and dispatch.DesktopClient.
type Backend struct {
	cfg Config
	log logr.Logger

	mu       sync.Mutex
	desktops map[string]*desktop
}

var (
	_ session.Provisioner    = (*Backend)(nil)
	_ dispatch.DesktopClient = (*Backend)(nil)
)

func NewBackend(cfg Config, log logr.Logger) *Backend {
	cfg.SetDefaults()
	return &Backend{
		cfg:      cfg,
		log:      log.WithName("local-desktop"),
		desktops: make(map[string]*desktop),
	}
}

func (b *Backend) Provision(ctx context.Context, req session.ProvisionRequest) (*session.Desktop, error) {
	dir, err := os.MkdirTemp("", "deskgate-desktop-")
	if err != nil {
		return nil, apperrors.New(apperrors.ErrCodeProvisioningFailed, "failed to create desktop workspace", err)
	}
	d := &desktop{
		id:      uuid.NewString(),
		workDir: dir,
		cursor:  action.Point{X: b.cfg.Width / 2, Y: b.cfg.Height / 2},
		buttons: map[action.Button]bool{},
		keys:    map[string]bool{},
	}

	b.mu.Lock()
	b.desktops[d.id] = d
	b.mu.Unlock()

	b.log.Info("Provisioned local desktop", "desktopId", d.id, "ownerId", req.OwnerID, "workDir", dir)
	return &session.Desktop{ID: d.id, Status: b.status(d)}, nil
}

func (b *Backend) Describe(ctx context.Context, id string) (*session.Desktop, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	d, ok := b.desktops[id]
	if !ok {
		return nil, apperrors.NotFound(nil)
	}
	d.describes++
	return &session.Desktop{ID: id, Status: b.status(d), StreamEndpoint: "local://" + id}, nil
}

func (b *Backend) status(d *desktop) session.Status {
	if d.describes > b.cfg.ReadyAfter {
		return session.StatusRunning
	}
	return session.StatusPending
}

func (b *Backend) Destroy(ctx context.Context, id string) error {
	b.mu.Lock()
	d, ok := b.desktops[id]
	delete(b.desktops, id)
	b.mu.Unlock()

	if !ok {
		return nil
	}
	if err := os.RemoveAll(d.workDir); err != nil {
		b.log.Error(err, "Failed to remove desktop workspace", "desktopId", id)
	}
	b.log.Info("Destroyed local desktop", "desktopId", id)
	return nil
}

// Execute applies a to the desktop. Bash commands run outside the lock.
func (b *Backend) Execute(ctx context.Context, id string, a action.Action) (*action.Result, error) {
	b.mu.Lock()
	d, ok := b.desktops[id]
	if !ok {
		b.mu.Unlock()
		return nil, apperrors.New(apperrors.ErrCodeTransport, "desktop no longer exists", dispatch.ErrDesktopGone)
	}
	if cmd, isBash := a.(action.BashCommand); isBash {
		dir := d.workDir
		b.mu.Unlock()
		return b.bash(ctx, dir, cmd.Command), nil
	}
	defer b.mu.Unlock()
	return b.apply(d, a)
}

func (b *Backend) apply(d *desktop, a action.Action) (*action.Result, error) {
	switch a := a.(type) {
	case action.ClickMouse:
		if a.X != nil && a.Y != nil {
			if res := b.moveTo(d, action.Point{X: *a.X, Y: *a.Y}); res != nil {
				return res, nil
			}
		}
		switch a.ClickType {
		case action.ClickTypeDown:
			d.buttons[a.Button] = true
		case action.ClickTypeUp:
			if !d.buttons[a.Button] {
				return action.Failure(fmt.Sprintf("mouse button %s is not pressed", a.Button)), nil
			}
			delete(d.buttons, a.Button)
		default:
			d.clicks += a.Count
		}
	case action.MoveMouse:
		if res := b.moveTo(d, action.Point{X: a.X, Y: a.Y}); res != nil {
			return res, nil
		}
	case action.DragMouse:
		if res := b.moveTo(d, a.Start); res != nil {
			return res, nil
		}
		if res := b.moveTo(d, a.End); res != nil {
			return res, nil
		}
	case action.Scroll:
	case action.TypeText:
		d.typed.WriteString(a.Text)
	case action.PressKeys:
		for _, k := range a.Keys {
			switch a.PressType {
			case action.PressTypeDown:
				d.keys[k] = true
			case action.PressTypeUp:
				delete(d.keys, k)
			}
		}
	case action.Wait:
	case action.CursorPosition:
		return action.Success(fmt.Sprintf("X=%d,Y=%d", d.cursor.X, d.cursor.Y)), nil
	case action.Screenshot:
		img, err := b.render(d)
		if err != nil {
			return nil, apperrors.New(apperrors.ErrCodeInternal, "failed to render screenshot", err)
		}
		return action.ScreenshotResult(img), nil
	default:
		return action.Failure(fmt.Sprintf("%s is not supported by the local desktop", a.Kind())), nil
	}
	return action.Done(), nil
}

func (b *Backend) moveTo(d *desktop, p action.Point) *action.Result {
	if p.X >= b.cfg.Width || p.Y >= b.cfg.Height {
		return action.Failure(fmt.Sprintf("(%d, %d) is outside the %dx%d screen", p.X, p.Y, b.cfg.Width, b.cfg.Height))
	}
	d.cursor = p
	return nil
}

func (b *Backend) bash(ctx context.Context, dir, command string) *action.Result {
	ctx, cancel := context.WithTimeout(ctx, b.cfg.BashTimeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, "bash", "-c", command)
	cmd.Dir = dir
	cmd.Env = []string{"PATH=/usr/local/bin:/usr/bin:/bin", "HOME=" + dir}

	output, err := cmd.CombinedOutput()
	if err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return action.Failure(fmt.Sprintf("command timed out after %v", b.cfg.BashTimeout))
		}
		return action.Failure(strings.TrimSpace(fmt.Sprintf("%s\n%v", output, err)))
	}
	return action.Success(string(output))
}

var (
	background = color.RGBA{R: 0x2d, G: 0x34, B: 0x36, A: 0xff}
	pointer    = color.RGBA{R: 0xff, G: 0xff, B: 0xff, A: 0xff}
)

// render draws the screen background with a crosshair at the cursor.
func (b *Backend) render(d *desktop) ([]byte, error) {
	img := image.NewRGBA(image.Rect(0, 0, b.cfg.Width, b.cfg.Height))
	for y := 0; y < b.cfg.Height; y++ {
		for x := 0; x < b.cfg.Width; x++ {
			img.SetRGBA(x, y, background)
		}
	}
	for i := -8; i <= 8; i++ {
		img.SetRGBA(d.cursor.X+i, d.cursor.Y, pointer)
		img.SetRGBA(d.cursor.X, d.cursor.Y+i, pointer)
	}

	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Typed returns the text typed on a desktop so far.
func (b *Backend) Typed(id string) string {
	b.mu.Lock()
	defer b.mu.Unlock()
	if d, ok := b.desktops[id]; ok {
		return d.typed.String()
	}
	return ""
}
