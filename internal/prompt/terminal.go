package prompt

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/lorddemonos/killfeed/internal/model"
	"github.com/lorddemonos/killfeed/internal/resolve"
)

// ErrTimeout is returned when the operator does not answer in time.
var ErrTimeout = errors.New("prompt timed out")

var (
	styleTitle  = lipgloss.NewStyle().Foreground(lipgloss.Color("220")).Bold(true)
	styleNumber = lipgloss.NewStyle().Foreground(lipgloss.Color("39")).Bold(true)
	styleHint   = lipgloss.NewStyle().Foreground(lipgloss.Color("245")).Faint(true)
)

// Terminal asks the operator on a line-oriented terminal. Only one question
// is shown at a time.
type Terminal struct {
	mu      sync.Mutex
	out     io.Writer
	timeout time.Duration
	store   Adder

	once  sync.Once
	in    io.Reader
	lines chan string
}

// NewTerminal creates a Terminal reading answers from in. A zero timeout
// waits until ctx is done.
func NewTerminal(in io.Reader, out io.Writer, timeout time.Duration, store Adder) *Terminal {
	return &Terminal{in: in, out: out, timeout: timeout, store: store}
}

// readLoop owns the reader. A timed-out question leaves its late answer
// queued for the next one.
func (t *Terminal) readLoop() {
	t.lines = make(chan string, 4)
	go func() {
		defer close(t.lines)
		sc := bufio.NewScanner(t.in)
		for sc.Scan() {
			t.lines <- sc.Text()
		}
	}()
}

func (t *Terminal) ask(ctx context.Context) (string, error) {
	t.once.Do(t.readLoop)

	var expire <-chan time.Time
	if t.timeout > 0 {
		timer := time.NewTimer(t.timeout)
		defer timer.Stop()
		expire = timer.C
	}

	select {
	case line, ok := <-t.lines:
		if !ok {
			return "", io.EOF
		}
		return line, nil
	case <-expire:
		return "", ErrTimeout
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// ChooseAmong lists the candidates and reads a number. An empty answer, 0
// or "c" cancels.
func (t *Terminal) ChooseAmong(ctx context.Context, name string, candidates []model.TrackedTarget) (model.TrackedTarget, bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	fmt.Fprintln(t.out, styleTitle.Render(fmt.Sprintf("%s was killed. Which one?", name)))
	for i, c := range candidates {
		fmt.Fprintf(t.out, "  %s %s  %s\n", styleNumber.Render(strconv.Itoa(i+1)+")"), c.Display(), styleHint.Render(c.Location))
	}
	fmt.Fprint(t.out, styleHint.Render("number, or c to cancel: "))

	for {
		line, err := t.ask(ctx)
		if err != nil {
			fmt.Fprintln(t.out)
			return model.TrackedTarget{}, false, err
		}
		ans := trimAnswer(line)
		if ans == "" || ans == "c" || ans == "0" {
			return model.TrackedTarget{}, false, nil
		}
		n, err := strconv.Atoi(ans)
		if err == nil && n >= 1 && n <= len(candidates) {
			return candidates[n-1], true, nil
		}
		fmt.Fprint(t.out, styleHint.Render(fmt.Sprintf("enter 1-%d or c: ", len(candidates))))
	}
}

// Decide asks whether to track a new name. "y" registers it enabled, "n"
// registers it disabled, anything else ignores the kill. An annotation may
// follow the answer, as in "y F1 North".
func (t *Terminal) Decide(ctx context.Context, name, category string) (resolve.NewTargetDecision, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	fmt.Fprintln(t.out, styleTitle.Render(fmt.Sprintf("New target: %s (%s)", name, category)))
	fmt.Fprint(t.out, styleHint.Render("track it? y [note] / n [note] / enter to ignore: "))

	line, err := t.ask(ctx)
	if err != nil {
		fmt.Fprintln(t.out)
		return resolve.NewTargetDecision{}, err
	}

	verb, note, _ := strings.Cut(strings.TrimSpace(line), " ")
	switch trimAnswer(verb) {
	case "y", "yes":
		note = strings.TrimSpace(note)
		if err := register(ctx, t.store, name, category, note, true); err != nil {
			return resolve.NewTargetDecision{}, err
		}
		return resolve.NewTargetDecision{Enable: true, Annotation: note}, nil
	case "n", "no":
		if err := register(ctx, t.store, name, category, strings.TrimSpace(note), false); err != nil {
			return resolve.NewTargetDecision{}, err
		}
		return resolve.NewTargetDecision{}, nil
	default:
		return resolve.NewTargetDecision{}, nil
	}
}
