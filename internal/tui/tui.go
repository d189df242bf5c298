// Package tui renders provisioning progress for people watching a terminal.
// Rich output is switched off automatically when piping or redirecting, so
// CI logs only ever see plain lines.
//
//   - Stage spinners only appear when stderr and stdin are TTYs
//   - Colors are disabled when piping or when NO_COLOR is set
//   - Plans render as markdown through glamour on a color TTY
//
// Environment Variables:
//   - NO_COLOR or ENVPROV_NO_COLOR: Disable colors (respects https://no-color.org/)
//   - TERM=dumb: Disable colors
//   - ENVPROV_QUIET: Disable all UI output
//
// Example usage:
//
//	tui.Progress("Installing tools...")
//	tui.ProgressSuccess("Installed 3 tools")
//
//	rendered, _ := tui.RenderMarkdown(plan.Markdown(), 80)
//	fmt.Print(rendered)
package tui

import (
	"fmt"
	"io"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/glamour"
	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/x/ansi"
	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"
	"golang.org/x/term"

	"github.com/dorcha-inc/envprov/internal/core"
)

const (
	symbolSuccess = "✓"
	symbolFailure = "✗"

	spinnerInterval = 100 * time.Millisecond
)

var (
	colorGreen = lipgloss.ANSIColor(2)
	colorRed   = lipgloss.ANSIColor(1)
	colorBlue  = lipgloss.ANSIColor(4)
	colorGray  = lipgloss.ANSIColor(8)
)

// UI writes progress to stderr with automatic TTY detection
type UI struct {
	stdoutIsTTY  bool
	stderrIsTTY  bool
	enabled      bool
	colorEnabled bool
	// showProgress gates spinners independently of TTY detection
	showProgress bool

	mu               sync.Mutex
	currentSpinner   *spinnerState
	markdownRenderer *glamour.TermRenderer
}

type spinnerState struct {
	started time.Time
	ticker  clockwork.Ticker
	message string
	done    chan struct{}
	stopped chan struct{}
}

var (
	defaultUI    *UI
	spinnerClock clockwork.Clock = clockwork.NewRealClock()

	// stderrRenderer detects color support on stderr, so colors work even
	// when stdout is piped
	stderrRenderer = lipgloss.NewRenderer(os.Stderr)

	successStyle = lipgloss.NewStyle().Renderer(stderrRenderer).Foreground(colorGreen).Bold(true)
	failureStyle = lipgloss.NewStyle().Renderer(stderrRenderer).Foreground(colorRed).Bold(true)
	spinnerStyle = lipgloss.NewStyle().Renderer(stderrRenderer).Foreground(colorBlue)
	detailStyle  = lipgloss.NewStyle().Renderer(stderrRenderer).Foreground(colorGray)
)

func init() {
	defaultUI = New()
}

// New creates a UI with automatic TTY detection
func New() *UI {
	stdoutIsTTY := IsTerminal(os.Stdout)
	stderrIsTTY := IsTerminal(os.Stderr)
	stdinIsTTY := IsTerminal(os.Stdin)

	// piped stdin means a script is driving us
	enabled := stderrIsTTY && stdinIsTTY && !isDisabled()
	colorEnabled := stderrIsTTY && !isColorDisabled()

	ui := &UI{
		stdoutIsTTY:  stdoutIsTTY,
		stderrIsTTY:  stderrIsTTY,
		enabled:      enabled,
		colorEnabled: colorEnabled,
		showProgress: true,
	}

	if colorEnabled && stdoutIsTTY {
		width := 80
		if w, _, err := term.GetSize(int(os.Stdout.Fd())); err == nil {
			width = w
		}

		renderer, err := glamour.NewTermRenderer(
			glamour.WithAutoStyle(),
			glamour.WithWordWrap(width),
		)
		if err == nil {
			ui.markdownRenderer = renderer
		}
	}

	return ui
}

// IsTerminal checks if a file is connected to a terminal
func IsTerminal(f *os.File) bool {
	return term.IsTerminal(int(f.Fd()))
}

func isDisabled() bool {
	if val := os.Getenv("ENVPROV_QUIET"); val != "" {
		if b, err := strconv.ParseBool(val); err == nil {
			return b
		}
		return true
	}
	return false
}

func isColorDisabled() bool {
	return core.GetEnv("NO_COLOR") != "" || os.Getenv("TERM") == "dumb"
}

// Enabled returns whether UI output should be shown
func (u *UI) Enabled() bool {
	return u.enabled
}

// ColorEnabled returns whether colors should be used
func (u *UI) ColorEnabled() bool {
	return u.colorEnabled
}

// StdoutIsTTY returns whether stdout is a terminal
func (u *UI) StdoutIsTTY() bool {
	return u.stdoutIsTTY
}

// StderrIsTTY returns whether stderr is a terminal
func (u *UI) StderrIsTTY() bool {
	return u.stderrIsTTY
}

// SetShowProgress turns stage spinners on or off
func (u *UI) SetShowProgress(show bool) {
	u.showProgress = show
}

func (u *UI) progressEnabled() bool {
	return u.showProgress && u.enabled
}

func (u *UI) printFrame(w io.Writer, s *spinnerState) {
	elapsed := spinnerClock.Since(s.started)
	frame := int(elapsed/spinner.Line.FPS) % len(spinner.Line.Frames)
	char := spinner.Line.Frames[frame]

	if u.colorEnabled {
		fmt.Fprintf(w, "\r%s %s", spinnerStyle.Render(char), s.message)
		return
	}
	fmt.Fprintf(w, "\r... %s", s.message)
}

// Progress shows message next to an animated spinner on stderr. Calling it
// again with a different message replaces the spinner.
func (u *UI) Progress(message string) {
	if !u.progressEnabled() {
		return
	}

	u.mu.Lock()
	defer u.mu.Unlock()

	if u.currentSpinner != nil {
		if u.currentSpinner.message == message {
			u.printFrame(os.Stderr, u.currentSpinner)
			return
		}
		u.stopSpinnerLocked()
	}

	s := &spinnerState{
		started: spinnerClock.Now(),
		message: message,
		ticker:  spinnerClock.NewTicker(spinnerInterval),
		done:    make(chan struct{}),
		stopped: make(chan struct{}),
	}
	u.currentSpinner = s

	w := os.Stderr
	u.printFrame(w, s)

	go func() {
		defer close(s.stopped)
		for {
			select {
			case <-s.ticker.Chan():
				u.printFrame(w, s)
			case <-s.done:
				return
			}
		}
	}()
}

// stopSpinnerLocked stops the animation and clears its line. Caller holds u.mu.
func (u *UI) stopSpinnerLocked() {
	s := u.currentSpinner
	s.ticker.Stop()
	close(s.done)
	<-s.stopped
	fmt.Fprint(os.Stderr, "\r", ansi.EraseLine(2))
	u.currentSpinner = nil
}

func (u *UI) finish(symbol string, style lipgloss.Style, message string) {
	if !u.progressEnabled() {
		return
	}

	u.mu.Lock()
	defer u.mu.Unlock()

	if u.currentSpinner == nil {
		zap.L().Error("Progress finished without a spinner")
		return
	}

	if message == "" {
		message = u.currentSpinner.message
	}
	u.stopSpinnerLocked()

	if u.colorEnabled {
		symbol = style.Render(symbol)
	}
	fmt.Fprintf(os.Stderr, "%s %s\n", symbol, message)
}

// ProgressSuccess stops the spinner and prints a checkmark line
func (u *UI) ProgressSuccess(message string) {
	u.finish(symbolSuccess, successStyle, message)
}

// ProgressFailure stops the spinner and prints a cross line
func (u *UI) ProgressFailure(message string) {
	u.finish(symbolFailure, failureStyle, message)
}

// Info prints an informational message to stderr, even when not a TTY.
// Respects ENVPROV_QUIET.
func (u *UI) Info(format string, args ...any) {
	if isDisabled() {
		return
	}
	fmt.Fprintf(os.Stderr, format, args...)
}

// Detail prints a dimmed secondary line to stderr, e.g. a backend diagnostic
func (u *UI) Detail(content string) {
	if isDisabled() {
		return
	}
	if !u.enabled || !u.colorEnabled {
		fmt.Fprintln(os.Stderr, content)
		return
	}
	fmt.Fprintln(os.Stderr, detailStyle.Render(content))
}

// RenderMarkdown renders markdown with glamour. Returns content unchanged
// when stdout is not a color TTY.
func (u *UI) RenderMarkdown(content string, width int) (string, error) {
	if width <= 0 {
		return "", fmt.Errorf("width must be greater than 0")
	}

	if !u.stdoutIsTTY || !u.colorEnabled {
		return content, nil
	}

	renderer := u.markdownRenderer
	if renderer == nil {
		var err error
		renderer, err = glamour.NewTermRenderer(
			glamour.WithAutoStyle(),
			glamour.WithWordWrap(width),
		)
		if err != nil {
			return content, err
		}
	}

	return renderer.Render(content)
}

// Default returns the default UI instance
func Default() *UI {
	return defaultUI
}

// Reset recreates the default UI, picking up environment changes
func Reset() {
	defaultUI = New()
}

// Info prints an informational message using the default UI
func Info(format string, args ...any) {
	defaultUI.Info(format, args...)
}

// Detail prints a dimmed line using the default UI
func Detail(content string) {
	defaultUI.Detail(content)
}

// SetShowProgress turns stage spinners on or off on the default UI
func SetShowProgress(show bool) {
	defaultUI.SetShowProgress(show)
}

// Progress shows a spinner using the default UI
func Progress(message string) {
	defaultUI.Progress(message)
}

// ProgressSuccess finishes the spinner using the default UI
func ProgressSuccess(message string) {
	defaultUI.ProgressSuccess(message)
}

// ProgressFailure finishes the spinner with a failure using the default UI
func ProgressFailure(message string) {
	defaultUI.ProgressFailure(message)
}

// RenderMarkdown renders markdown using the default UI
func RenderMarkdown(content string, width int) (string, error) {
	return defaultUI.RenderMarkdown(content, width)
}
