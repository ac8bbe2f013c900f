package output

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/charmbracelet/lipgloss"

	"github.com/lorddemonos/killfeed/internal/model"
)

// Renderer writes activity entries to an output stream.
type Renderer interface {
	Render(entry model.Activity) error
}

// Stream renders entries until ctx is cancelled or the channel closes.
// Render errors are logged and do not stop the stream.
func Stream(ctx context.Context, entries <-chan model.Activity, r Renderer) {
	for {
		select {
		case <-ctx.Done():
			return
		case entry, ok := <-entries:
			if !ok {
				return
			}
			if err := r.Render(entry); err != nil {
				slog.Debug("render failed", "err", err)
			}
		}
	}
}

// ---------------------------------------------------------------------------
// Text Renderer (colorized terminal output)
// ---------------------------------------------------------------------------

var (
	stylePosted    = lipgloss.NewStyle().Foreground(lipgloss.Color("42")).Bold(true) // green bold
	styleDelivered = lipgloss.NewStyle().Foreground(lipgloss.Color("42"))
	styleDuplicate = lipgloss.NewStyle().Foreground(lipgloss.Color("245")).Faint(true)
	styleSkipped   = lipgloss.NewStyle().Foreground(lipgloss.Color("220")) // yellow
	styleFailed    = lipgloss.NewStyle().Foreground(lipgloss.Color("196")).Bold(true)
	styleTarget    = lipgloss.NewStyle().Foreground(lipgloss.Color("39")) // cyan
	styleReason    = lipgloss.NewStyle().Foreground(lipgloss.Color("245"))
)

// TextRenderer prints activity with status-based colors.
type TextRenderer struct {
	w io.Writer
}

// NewTextRenderer returns a Renderer that writes colorized text to w, or to
// stdout when w is nil.
func NewTextRenderer(w io.Writer) *TextRenderer {
	if w == nil {
		w = os.Stdout
	}
	return &TextRenderer{w: w}
}

func (r *TextRenderer) Render(entry model.Activity) error {
	tag := styleStatusTag(entry.Status)
	target := entry.Event.Target
	if entry.Annotation != "" {
		target += " (" + entry.Annotation + ")"
	}

	line := fmt.Sprintf("%s %s %s", entry.At.Format("15:04:05"), tag, styleTarget.Render(target))
	if entry.Event.Location != "" {
		line += " in " + entry.Event.Location
	}
	if entry.Reason != "" {
		line += " " + styleReason.Render("- "+entry.Reason)
	}
	_, err := fmt.Fprintln(r.w, line)
	return err
}

func styleStatusTag(s model.Status) string {
	padded := fmt.Sprintf("%-18s", s)
	switch {
	case s == model.StatusPosted:
		return stylePosted.Render(padded)
	case s == model.StatusDelivered:
		return styleDelivered.Render(padded)
	case s.IsDuplicate():
		return styleDuplicate.Render(padded)
	case s == model.StatusDeliveryFailed, s == model.StatusError, s == model.StatusQueueFull:
		return styleFailed.Render(padded)
	default:
		return styleSkipped.Render(padded)
	}
}

// ---------------------------------------------------------------------------
// JSON Renderer (structured output for piping)
// ---------------------------------------------------------------------------

// JSONRenderer prints each entry as a single JSON object per line.
type JSONRenderer struct {
	enc *json.Encoder
}

// NewJSONRenderer returns a Renderer that writes JSON lines to w, or to
// stdout when w is nil.
func NewJSONRenderer(w io.Writer) *JSONRenderer {
	if w == nil {
		w = os.Stdout
	}
	return &JSONRenderer{enc: json.NewEncoder(w)}
}

func (r *JSONRenderer) Render(entry model.Activity) error {
	return r.enc.Encode(entry)
}
