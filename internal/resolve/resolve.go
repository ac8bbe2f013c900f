// Package resolve maps the target name of a winning kill onto a tracked
// registry record. Lookups that need an operator (several candidates, or a
// name nobody tracks yet) are split into separate blocking calls so the
// caller can run them off its processing goroutine.
package resolve

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/lorddemonos/killfeed/internal/model"
)

// ErrNoSelection is reported when the chooser returned without a pick.
var ErrNoSelection = errors.New("resolve: no target selected")

// Registry is the subset of the target store the resolver and the pipeline need.
type Registry interface {
	Exists(ctx context.Context, name string) (bool, error)
	FindAllByName(ctx context.Context, name string) ([]model.TrackedTarget, error)
	RecordKill(ctx context.Context, id string, timestamp string) error
	IsEnabled(ctx context.Context, id string) (bool, error)
}

// Chooser picks one of several records sharing a name. ok is false when
// the operator cancelled or the prompt timed out.
type Chooser interface {
	ChooseAmong(ctx context.Context, name string, candidates []model.TrackedTarget) (target model.TrackedTarget, ok bool, err error)
}

// NewTargetDecision is the answer for a name that is not tracked yet.
type NewTargetDecision struct {
	Enable     bool
	Annotation string
}

// Decider decides what to do with an untracked name. Implementations are
// expected to register the target themselves.
type Decider interface {
	Decide(ctx context.Context, name string, category string) (NewTargetDecision, error)
}

// Outcome is the state of a resolution.
type Outcome int

const (
	Resolved Outcome = iota
	NeedsDecision
	NeedsChoice
	LocationMismatch
	Cancelled
	NewTargetDeclined
	Disabled
	Failed
)

func (o Outcome) String() string {
	switch o {
	case Resolved:
		return "resolved"
	case NeedsDecision:
		return "needs_decision"
	case NeedsChoice:
		return "needs_choice"
	case LocationMismatch:
		return "location_mismatch"
	case Cancelled:
		return "cancelled"
	case NewTargetDeclined:
		return "new_target_declined"
	case Disabled:
		return "disabled"
	default:
		return "failed"
	}
}

// Result carries the outcome and whatever the next step needs.
type Result struct {
	Outcome    Outcome
	Target     model.TrackedTarget
	Candidates []model.TrackedTarget
	Reason     string
	Err        error
}

// Pending reports whether the result needs a blocking follow-up call.
func (r Result) Pending() bool {
	return r.Outcome == NeedsDecision || r.Outcome == NeedsChoice
}

// Status maps terminal non-resolved outcomes onto audit statuses.
func (r Result) Status() model.Status {
	switch r.Outcome {
	case LocationMismatch:
		return model.StatusLocationMismatch
	case Cancelled:
		return model.StatusCancelled
	case NewTargetDeclined:
		return model.StatusNewTarget
	case Disabled:
		return model.StatusDisabled
	case Failed:
		return model.StatusError
	default:
		return ""
	}
}

// Resolver resolves winning events against the registry.
type Resolver struct {
	reg     Registry
	chooser Chooser
	decider Decider
}

// New creates a Resolver. A nil chooser cancels every ambiguous kill and a
// nil decider declines every new name.
func New(reg Registry, chooser Chooser, decider Decider) *Resolver {
	return &Resolver{reg: reg, chooser: chooser, decider: decider}
}

// Lookup resolves ev without involving an operator.
func (r *Resolver) Lookup(ctx context.Context, ev model.KillEvent) Result {
	matches, err := r.reg.FindAllByName(ctx, ev.Target)
	if err != nil {
		return Result{Outcome: Failed, Err: fmt.Errorf("find %q: %w", ev.Target, err), Reason: "registry lookup failed"}
	}

	switch len(matches) {
	case 0:
		return Result{Outcome: NeedsDecision, Reason: "target is not tracked"}
	case 1:
		// A lone record accepts both its zone and lockout spellings.
		return Result{Outcome: Resolved, Target: matches[0]}
	}

	annotated := 0
	for _, m := range matches {
		if strings.TrimSpace(m.Annotation) != "" {
			annotated++
		}
	}
	if annotated >= 2 {
		return Result{Outcome: NeedsChoice, Candidates: matches, Reason: "name is tracked under several annotations"}
	}

	var same []model.TrackedTarget
	for _, m := range matches {
		if sameCategory(m, ev) {
			same = append(same, m)
		}
	}
	switch len(same) {
	case 0:
		return Result{Outcome: LocationMismatch, Reason: mismatchReason(ev)}
	case 1:
		return Result{Outcome: Resolved, Target: same[0]}
	default:
		return Result{Outcome: NeedsChoice, Candidates: same, Reason: "several records in the same category"}
	}
}

// Choose asks the chooser exactly once.
func (r *Resolver) Choose(ctx context.Context, ev model.KillEvent, candidates []model.TrackedTarget) Result {
	if r.chooser == nil {
		return Result{Outcome: Cancelled, Err: ErrNoSelection, Reason: "no chooser configured"}
	}

	picked, ok, err := r.chooser.ChooseAmong(ctx, ev.Target, candidates)
	if err != nil {
		slog.Warn("target choice failed", "target", ev.Target, "err", err)
		return Result{Outcome: Cancelled, Err: err, Reason: "choice failed"}
	}
	if !ok {
		return Result{Outcome: Cancelled, Err: ErrNoSelection, Reason: "choice cancelled"}
	}
	if !sameCategory(picked, ev) {
		return Result{Outcome: LocationMismatch, Target: picked, Reason: mismatchReason(ev)}
	}
	return Result{Outcome: Resolved, Target: picked}
}

// DecideNew asks the decider about an untracked name.
func (r *Resolver) DecideNew(ctx context.Context, ev model.KillEvent) Result {
	if r.decider == nil {
		return Result{Outcome: NewTargetDeclined, Reason: "new target ignored"}
	}

	dec, err := r.decider.Decide(ctx, ev.Target, ev.Location)
	if err != nil {
		return Result{Outcome: Cancelled, Err: err, Reason: "new target decision failed"}
	}
	if !dec.Enable {
		return Result{Outcome: NewTargetDeclined, Reason: "new target added as disabled"}
	}

	// The decider registered the target; read it back so the kill is
	// recorded against the stored record.
	var matches []model.TrackedTarget
	if ok, err := r.reg.Exists(ctx, ev.Target); err != nil {
		slog.Warn("re-reading new target failed", "target", ev.Target, "err", err)
	} else if ok {
		matches, err = r.reg.FindAllByName(ctx, ev.Target)
		if err != nil {
			slog.Warn("re-reading new target failed", "target", ev.Target, "err", err)
		}
	}
	for _, m := range matches {
		if strings.EqualFold(strings.TrimSpace(m.Annotation), strings.TrimSpace(dec.Annotation)) {
			return Result{Outcome: Resolved, Target: m}
		}
	}

	return Result{Outcome: Resolved, Target: model.TrackedTarget{
		ID:         model.TargetID(ev.Target, dec.Annotation),
		Name:       ev.Target,
		Annotation: dec.Annotation,
		Location:   ev.Location,
		Enabled:    true,
	}}
}

// Finalize turns a resolved but disabled target into Disabled.
func (r *Resolver) Finalize(ctx context.Context, res Result) Result {
	if res.Outcome != Resolved {
		return res
	}

	enabled, err := r.reg.IsEnabled(ctx, res.Target.ID)
	if err != nil {
		slog.Debug("enabled check fell back to record", "target", res.Target.ID, "err", err)
		enabled = res.Target.Enabled
	}
	if !enabled {
		return Result{Outcome: Disabled, Target: res.Target, Reason: "kill detected but target disabled"}
	}
	return res
}

func sameCategory(t model.TrackedTarget, ev model.KillEvent) bool {
	return t.IsLockout() == ev.IsLockout()
}

func mismatchReason(ev model.KillEvent) string {
	if ev.IsLockout() {
		return "lockout kill but no lockout record"
	}
	return "zone kill but only lockout records"
}
