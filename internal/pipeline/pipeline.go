// Package pipeline wires the stages between the tailer and the delivery
// queue and runs them on one goroutine.
//
// Run owns the ingest gate, the dedup engine, the window scheduler and all
// dispatch enqueueing. Window timers and operator prompts never touch that
// state; they post messages back to Run.
package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/lorddemonos/killfeed/internal/buffer"
	"github.com/lorddemonos/killfeed/internal/dedup"
	"github.com/lorddemonos/killfeed/internal/dispatch"
	"github.com/lorddemonos/killfeed/internal/gate"
	"github.com/lorddemonos/killfeed/internal/metrics"
	"github.com/lorddemonos/killfeed/internal/model"
	"github.com/lorddemonos/killfeed/internal/parser"
	"github.com/lorddemonos/killfeed/internal/resolve"
)

// Auditor receives every kill decision.
type Auditor interface {
	Record(a model.Activity)
}

// Config holds pipeline settings.
type Config struct {
	Buffer        buffer.Config
	GateLimit     int
	SnapshotPath  string
	SnapshotEvery time.Duration
}

func DefaultConfig() Config {
	return Config{
		Buffer:        buffer.DefaultConfig(),
		GateLimit:     gate.DefaultLimit,
		SnapshotEvery: 30 * time.Second,
	}
}

// Deps are the collaborators the pipeline drives.
type Deps struct {
	Parser     parser.Parser
	Dedup      *dedup.Engine
	Resolver   *resolve.Resolver
	Registry   resolve.Registry
	Dispatcher *dispatch.Dispatcher
	Audit      Auditor
}

// answer is the result of a blocking resolution, posted back to Run.
type answer struct {
	key string
	ev  model.KillEvent
	res resolve.Result
}

// Pipeline is the single processing context.
type Pipeline struct {
	cfg      Config
	parser   parser.Parser
	gate     *gate.Gate
	dedup    *dedup.Engine
	sched    *buffer.Scheduler
	resolver *resolve.Resolver
	registry resolve.Registry
	disp     *dispatch.Dispatcher
	audit    Auditor

	closings chan buffer.Closing
	answers  chan answer
	done     chan struct{}

	// waiting holds winners per target while an operator decision for that
	// target is outstanding. Presence of the key marks the target busy.
	waiting map[string][]model.KillEvent
	// asking is the kill each outstanding decision is about.
	asking map[string]model.KillEvent
}

// New creates a Pipeline.
func New(cfg Config, deps Deps) *Pipeline {
	if cfg.SnapshotEvery <= 0 {
		cfg.SnapshotEvery = DefaultConfig().SnapshotEvery
	}
	p := &Pipeline{
		cfg:      cfg,
		parser:   deps.Parser,
		gate:     gate.New(cfg.GateLimit),
		dedup:    deps.Dedup,
		resolver: deps.Resolver,
		registry: deps.Registry,
		disp:     deps.Dispatcher,
		audit:    deps.Audit,
		closings: make(chan buffer.Closing, 64),
		answers:  make(chan answer, 16),
		done:     make(chan struct{}),
		waiting:  make(map[string][]model.KillEvent),
		asking:   make(map[string]model.KillEvent),
	}
	if p.parser == nil {
		p.parser = parser.NewKillParser()
	}
	if p.dedup == nil {
		p.dedup = dedup.New(dedup.DefaultConfig())
	}
	p.sched = buffer.New(cfg.Buffer, p.notifyClosing)
	return p
}

// notifyClosing runs on timer goroutines.
func (p *Pipeline) notifyClosing(c buffer.Closing) {
	select {
	case p.closings <- c:
	case <-p.done:
	}
}

// Run processes lines until ctx is cancelled. A closed lines channel stops
// intake, but open windows and pending decisions still complete.
func (p *Pipeline) Run(ctx context.Context, lines <-chan model.RawLine) error {
	defer close(p.done)

	if p.cfg.SnapshotPath != "" {
		if err := p.dedup.LoadSnapshot(p.cfg.SnapshotPath); err != nil {
			slog.Warn("dedup snapshot ignored", "path", p.cfg.SnapshotPath, "err", err)
		} else {
			keys, targets := p.dedup.Len()
			slog.Debug("dedup snapshot loaded", "keys", keys, "targets", targets)
		}
	}

	ticker := time.NewTicker(p.cfg.SnapshotEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			p.shutdown()
			return nil

		case raw, ok := <-lines:
			if !ok {
				lines = nil
				continue
			}
			p.HandleLine(ctx, raw)

		case c := <-p.closings:
			p.closeWindow(ctx, c)

		case a := <-p.answers:
			p.handleAnswer(ctx, a)

		case <-ticker.C:
			p.saveSnapshot()
		}
	}
}

// HandleLine feeds one raw line through the gate and the grammars. It must
// only be called from the goroutine running Run, or before Run starts.
func (p *Pipeline) HandleLine(ctx context.Context, raw model.RawLine) {
	if !p.gate.Admit(raw.Text) {
		metrics.LinesDuplicate.Inc()
		return
	}

	ev, ok := p.parser.Parse(raw.Text, raw.Source)
	if !ok {
		return
	}
	metrics.KillsParsed.WithLabelValues(ev.Kind.String()).Inc()
	slog.Info("kill detected", "target", ev.Target, "location", ev.Location, "kind", ev.Kind, "timestamp", ev.Timestamp)
	p.ingest(ctx, ev)
}

// ingest runs the dedup checks and places ev into a window.
func (p *Pipeline) ingest(ctx context.Context, ev model.KillEvent) {
	v := p.dedup.Check(ev)
	if v == dedup.ExactDuplicate {
		p.record(ev, model.StatusExactDuplicate, "kill key already recorded", model.TrackedTarget{}, "")
		return
	}

	switch p.sched.Join(ev) {
	case buffer.Joined:
		p.dedup.RememberKey(ev)
		slog.Debug("buffered with open window", "target", ev.Target, "kind", ev.Kind)
		return
	case buffer.Parked:
		slog.Debug("distinct kill held until window closes", "target", ev.Target, "timestamp", ev.Timestamp)
		return
	}

	if v == dedup.WindowDuplicate {
		reason := "same target killed moments ago"
		if rk, ok := p.dedup.Nearest(ev); ok {
			reason = fmt.Sprintf("within the same-kill window of %s (%s)", rk.Timestamp, rk.Location)
		}
		p.record(ev, model.StatusWindowDuplicate, reason, model.TrackedTarget{}, "")
		return
	}

	p.dedup.Record(ev)
	p.sched.Open(ev)
	metrics.OpenWindows.Set(float64(p.sched.Len()))
}

func (p *Pipeline) closeWindow(ctx context.Context, c buffer.Closing) {
	sel, ok := p.sched.Close(c)
	if !ok {
		return
	}
	metrics.OpenWindows.Set(float64(p.sched.Len()))

	p.dedup.Record(sel.Winner)
	for _, ev := range sel.Skipped {
		p.record(ev, model.StatusBufferedDuplicate, "another report of the same kill was selected", model.TrackedTarget{}, "")
	}

	p.resolveWinner(ctx, sel.Winner)

	for _, ev := range sel.Overflow {
		p.ingest(ctx, ev)
	}
}

// resolveWinner resolves ev, or holds it while its target has an operator
// decision outstanding.
func (p *Pipeline) resolveWinner(ctx context.Context, ev model.KillEvent) {
	key := ev.TargetKey()
	if held, busy := p.waiting[key]; busy {
		p.waiting[key] = append(held, ev)
		slog.Info("kill held until pending decision completes", "target", ev.Target, "timestamp", ev.Timestamp)
		return
	}

	res := p.resolver.Lookup(ctx, ev)
	if !res.Pending() {
		p.finish(ctx, ev, res)
		return
	}

	p.waiting[key] = nil
	p.asking[key] = ev
	metrics.PendingResolutions.Inc()
	slog.Info("waiting for operator decision", "target", ev.Target, "outcome", res.Outcome, "candidates", len(res.Candidates))
	go p.ask(ctx, key, ev, res)
}

// ask performs the blocking call off the processing goroutine.
func (p *Pipeline) ask(ctx context.Context, key string, ev model.KillEvent, pending resolve.Result) {
	var res resolve.Result
	if pending.Outcome == resolve.NeedsChoice {
		res = p.resolver.Choose(ctx, ev, pending.Candidates)
	} else {
		res = p.resolver.DecideNew(ctx, ev)
	}

	select {
	case p.answers <- answer{key: key, ev: ev, res: res}:
	case <-ctx.Done():
	}
}

func (p *Pipeline) handleAnswer(ctx context.Context, a answer) {
	held := p.waiting[a.key]
	delete(p.waiting, a.key)
	delete(p.asking, a.key)
	metrics.PendingResolutions.Dec()

	p.finish(ctx, a.ev, a.res)
	for _, ev := range held {
		p.resolveWinner(ctx, ev)
	}
}

// finish applies the enabled check and dispatches.
func (p *Pipeline) finish(ctx context.Context, ev model.KillEvent, res resolve.Result) {
	res = p.resolver.Finalize(ctx, res)
	if res.Outcome != resolve.Resolved {
		if res.Err != nil && res.Outcome == resolve.Failed {
			slog.Error("resolution failed", "target", ev.Target, "err", res.Err)
		}
		p.record(ev, res.Status(), res.Reason, res.Target, "")
		return
	}

	env, out := p.disp.Dispatch(ev, res.Target)
	if out != dispatch.Queued {
		p.record(ev, out.Status(), out.String(), res.Target, env.Message)
		return
	}

	if err := p.registry.RecordKill(ctx, res.Target.ID, ev.Timestamp); err != nil {
		slog.Error("recording kill failed", "target", res.Target.Display(), "err", err)
	}
	p.record(ev, model.StatusPosted, "", res.Target, env.Message)
}

func (p *Pipeline) record(ev model.KillEvent, status model.Status, reason string, target model.TrackedTarget, message string) {
	a := model.Activity{
		Status:     status,
		Reason:     reason,
		Posted:     status == model.StatusPosted,
		Event:      ev,
		Annotation: target.Annotation,
		Message:    message,
	}
	if a.Status.IsDuplicate() {
		slog.Info("kill skipped", "target", ev.Target, "status", status, "reason", reason)
	} else {
		slog.Info("kill decision", "target", ev.Target, "status", status, "reason", reason, "annotation", target.Annotation)
	}
	if p.audit != nil {
		p.audit.Record(a)
	}
}

func (p *Pipeline) saveSnapshot() {
	if p.cfg.SnapshotPath == "" {
		return
	}
	if err := p.dedup.SaveSnapshot(p.cfg.SnapshotPath); err != nil {
		slog.Warn("dedup snapshot save failed", "path", p.cfg.SnapshotPath, "err", err)
	}
}

// shutdown audits every kill that never reached a decision so none of them
// disappears without a trail entry.
func (p *Pipeline) shutdown() {
	windows := p.sched.CloseAll()
	if len(windows) > 0 {
		slog.Warn("shutting down with open windows", "windows", len(windows))
	}
	for _, sel := range windows {
		p.record(sel.Winner, model.StatusError, "shutdown before window closed", model.TrackedTarget{}, "")
		for _, ev := range sel.Skipped {
			p.record(ev, model.StatusBufferedDuplicate, "another report of the same kill was selected", model.TrackedTarget{}, "")
		}
		for _, ev := range sel.Overflow {
			p.record(ev, model.StatusError, "shutdown before window closed", model.TrackedTarget{}, "")
		}
	}

	if len(p.waiting) > 0 {
		slog.Warn("shutting down with pending decisions", "targets", len(p.waiting))
	}
	for key, held := range p.waiting {
		if ev, ok := p.asking[key]; ok {
			p.record(ev, model.StatusError, "shutdown before decision completed", model.TrackedTarget{}, "")
		}
		for _, ev := range held {
			p.record(ev, model.StatusError, "shutdown before decision completed", model.TrackedTarget{}, "")
		}
	}
	metrics.PendingResolutions.Sub(float64(len(p.waiting)))
	p.waiting = make(map[string][]model.KillEvent)
	p.asking = make(map[string]model.KillEvent)

	metrics.OpenWindows.Set(0)
	p.saveSnapshot()
}
