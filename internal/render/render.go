// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package render

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"github.com/charmbracelet/glamour"
	"github.com/charmbracelet/lipgloss"
	"golang.org/x/term"

	"github.com/jeranaias/overlaychat/internal/events"
	"github.com/jeranaias/overlaychat/internal/tools"
	"github.com/jeranaias/overlaychat/internal/util"
)

// =============================================================================
// TERMINAL DETECTION
// =============================================================================

const (
	// DefaultWidth is used when the output is not a terminal.
	DefaultWidth = 80

	// MinWidth is the narrowest width previews are wrapped to.
	MinWidth = 40
)

// IsTerminal reports whether w is a terminal.
func IsTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	return ok && term.IsTerminal(int(f.Fd()))
}

// Width returns the column count of w, or DefaultWidth.
func Width(w io.Writer) int {
	f, ok := w.(*os.File)
	if !ok {
		return DefaultWidth
	}
	width, _, err := term.GetSize(int(f.Fd()))
	if err != nil || width <= 0 {
		return DefaultWidth
	}
	if width < MinWidth {
		return MinWidth
	}
	return width
}

// =============================================================================
// STYLES
// =============================================================================

var (
	purple  = lipgloss.AdaptiveColor{Light: "#7C3AED", Dark: "#A78BFA"}
	emerald = lipgloss.AdaptiveColor{Light: "#059669", Dark: "#34D399"}
	amber   = lipgloss.AdaptiveColor{Light: "#D97706", Dark: "#FBBF24"}
	muted   = lipgloss.AdaptiveColor{Light: "#9CA3AF", Dark: "#6C7086"}
)

type styles struct {
	call    lipgloss.Style
	result  lipgloss.Style
	preview lipgloss.Style
	notice  lipgloss.Style
}

// newStyles binds the palette to a renderer so color detection follows the
// printer's writer rather than os.Stdout.
func newStyles(r *lipgloss.Renderer) styles {
	return styles{
		call:    r.NewStyle().Foreground(purple),
		result:  r.NewStyle().Foreground(emerald),
		preview: r.NewStyle().Foreground(muted),
		notice:  r.NewStyle().Foreground(amber),
	}
}

// =============================================================================
// PRINTER
// =============================================================================

// Options controls what a Printer shows.
type Options struct {
	// Markdown buffers streamed text and renders it with glamour on completion.
	Markdown bool
	// ShowTools prints tool-call and tool-result lines.
	ShowTools bool
	// Width bounds previews (0 = detect).
	Width int
}

// DefaultOptions enables markdown only when out is a terminal.
func DefaultOptions(out io.Writer) Options {
	return Options{
		Markdown:  IsTerminal(out),
		ShowTools: true,
		Width:     Width(out),
	}
}

// Printer writes presentation events to out. It is safe for concurrent use.
type Printer struct {
	out    io.Writer
	opts   Options
	styles styles

	mu       sync.Mutex
	md       *glamour.TermRenderer
	text     strings.Builder
	midLine  bool
	rendered int
}

// New creates a printer. If the markdown renderer cannot be built the
// printer falls back to streaming plain text.
func New(out io.Writer, opts Options) *Printer {
	if opts.Width <= 0 {
		opts.Width = DefaultWidth
	}
	p := &Printer{
		out:    out,
		opts:   opts,
		styles: newStyles(lipgloss.NewRenderer(out)),
	}
	if opts.Markdown {
		md, err := glamour.NewTermRenderer(
			glamour.WithAutoStyle(),
			glamour.WithWordWrap(opts.Width),
		)
		if err == nil {
			p.md = md
		}
	}
	return p
}

var _ events.Sink = (*Printer)(nil)

// Forward implements events.Sink.
func (p *Printer) Forward(_ context.Context, _ string, ev events.Event) error {
	return p.print(ev)
}

// Handle implements events.Handler for bus subscriptions.
func (p *Printer) Handle(_ events.Envelope, ev events.Event) error {
	return p.print(ev)
}

// Turns returns how many stream-complete events have been printed.
func (p *Printer) Turns() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.rendered
}

func (p *Printer) print(ev events.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	switch e := ev.(type) {
	case events.StreamChunk:
		return p.chunk(e.Chunk)
	case events.ToolCall:
		if !p.opts.ShowTools {
			return nil
		}
		return p.line(p.styles.call.Render("→ "+e.ToolName) + " " + p.styles.preview.Render(p.preview(string(e.Args), len(e.ToolName)+3)))
	case events.ToolResult:
		if !p.opts.ShowTools {
			return nil
		}
		return p.line(p.resultLine(e.Result))
	case events.StreamComplete:
		p.rendered++
		return p.complete()
	case events.SessionCleared:
		p.text.Reset()
		return p.line(p.styles.notice.Render("session cleared"))
	default:
		return fmt.Errorf("render: unexpected event %T", ev)
	}
}

func (p *Printer) chunk(s string) error {
	if p.md != nil {
		p.text.WriteString(s)
		return nil
	}
	if s == "" {
		return nil
	}
	p.midLine = !strings.HasSuffix(s, "\n")
	_, err := io.WriteString(p.out, s)
	return err
}

func (p *Printer) complete() error {
	if p.md == nil {
		return p.endLine()
	}
	content := p.text.String()
	p.text.Reset()
	if strings.TrimSpace(content) == "" {
		return nil
	}
	out, err := p.md.Render(content)
	if err != nil {
		out = content + "\n"
	}
	_, err = io.WriteString(p.out, out)
	return err
}

// line prints s on its own line, closing any partially streamed line first.
func (p *Printer) line(s string) error {
	if err := p.endLine(); err != nil {
		return err
	}
	_, err := fmt.Fprintln(p.out, s)
	return err
}

func (p *Printer) endLine() error {
	if !p.midLine {
		return nil
	}
	p.midLine = false
	_, err := io.WriteString(p.out, "\n")
	return err
}

func (p *Printer) resultLine(r tools.Result) string {
	head := "✓ " + string(r.Type)
	if r.Position != nil {
		head += fmt.Sprintf(" @ (%g,%g)", r.Position.X, r.Position.Y)
	}

	body := r.Content
	if r.Type == tools.TypeLayout {
		body = fmt.Sprintf("%d elements", len(r.Elements))
	}
	return p.styles.result.Render(head) + " " + p.styles.preview.Render(p.preview(body, len(head)+1))
}

// preview flattens s to one line that fits next to a prefix of used columns.
func (p *Printer) preview(s string, used int) string {
	flat := strings.Join(strings.Fields(s), " ")
	return util.TruncateWidth(flat, max(p.opts.Width-used, 10))
}
