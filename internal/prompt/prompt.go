// Package prompt answers the questions the resolver cannot settle alone:
// which of several records a kill belongs to, and what to do with a name
// that is not tracked yet.
package prompt

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/lorddemonos/killfeed/internal/model"
	"github.com/lorddemonos/killfeed/internal/registry"
	"github.com/lorddemonos/killfeed/internal/resolve"
)

// Adder registers new targets.
type Adder interface {
	Add(ctx context.Context, t model.TrackedTarget) (model.TrackedTarget, error)
}

// ---------------------------------------------------------------------------
// Policy chooser (unattended)
// ---------------------------------------------------------------------------

// Policy chooses among candidates without asking anyone.
type Policy string

const (
	// PolicyCancel drops every ambiguous kill.
	PolicyCancel Policy = "cancel"
	// PolicyFirst picks the first candidate in registry order.
	PolicyFirst Policy = "first"
)

func (p Policy) ChooseAmong(_ context.Context, name string, candidates []model.TrackedTarget) (model.TrackedTarget, bool, error) {
	if p != PolicyFirst || len(candidates) == 0 {
		slog.Info("ambiguous kill cancelled by policy", "target", name, "candidates", len(candidates))
		return model.TrackedTarget{}, false, nil
	}
	slog.Info("ambiguous kill resolved by policy", "target", name, "picked", candidates[0].Display())
	return candidates[0], true, nil
}

// ---------------------------------------------------------------------------
// Default-action decider
// ---------------------------------------------------------------------------

// Action is what happens to a kill of an untracked name.
type Action string

const (
	ActionEnable  Action = "enable"
	ActionDisable Action = "disable"
	ActionIgnore  Action = "ignore"
)

// DefaultDecider applies one action to every new name. Enable and disable
// register the target; ignore leaves the registry untouched.
type DefaultDecider struct {
	Action Action
	Store  Adder
}

func (d DefaultDecider) Decide(ctx context.Context, name, category string) (resolve.NewTargetDecision, error) {
	switch d.Action {
	case ActionEnable, ActionDisable:
		enable := d.Action == ActionEnable
		if err := register(ctx, d.Store, name, category, "", enable); err != nil {
			return resolve.NewTargetDecision{}, err
		}
		return resolve.NewTargetDecision{Enable: enable}, nil
	default:
		return resolve.NewTargetDecision{}, nil
	}
}

func register(ctx context.Context, store Adder, name, category, annotation string, enabled bool) error {
	if store == nil {
		return errors.New("no target store")
	}
	t, err := store.Add(ctx, model.TrackedTarget{
		Name:       name,
		Annotation: annotation,
		Location:   category,
		Enabled:    enabled,
	})
	switch {
	case errors.Is(err, registry.ErrExists):
		slog.Debug("new target already registered", "target", name)
		return nil
	case err != nil:
		return fmt.Errorf("register %q: %w", name, err)
	}
	slog.Info("new target registered", "target", t.Display(), "location", t.Location, "enabled", t.Enabled)
	return nil
}

func trimAnswer(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}
