// Package dispatch formats resolved kills and delivers them one at a time.
//
// Dispatch runs on the processing goroutine: it applies the wall-clock post
// cooldown and puts an envelope on a bounded queue. Run is the single
// delivery worker. Failed sends are logged and dropped, never retried.
package dispatch

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/lorddemonos/killfeed/internal/metrics"
	"github.com/lorddemonos/killfeed/internal/model"
)

// Sender delivers one message to a destination.
type Sender interface {
	Send(ctx context.Context, destination, message string) error
}

// Auditor receives delivery outcomes.
type Auditor interface {
	Record(a model.Activity)
}

// Cooldown tracks when each resolved target was last posted and which kill
// that post carried.
type Cooldown interface {
	CooldownRemaining(targetID string, ev model.KillEvent, now time.Time) time.Duration
	MarkPosted(targetID string, ev model.KillEvent, now time.Time)
}

// Outcome is the result of Dispatch.
type Outcome int

const (
	Queued Outcome = iota
	NoDestination
	CooldownActive
	QueueFull
)

func (o Outcome) String() string {
	switch o {
	case Queued:
		return "queued"
	case NoDestination:
		return "no_destination"
	case CooldownActive:
		return "cooldown"
	default:
		return "queue_full"
	}
}

// Status maps a non-queued outcome onto its audit status.
func (o Outcome) Status() model.Status {
	switch o {
	case Queued:
		return model.StatusPosted
	case NoDestination:
		return model.StatusNoDestination
	case CooldownActive:
		return model.StatusCooldown
	default:
		return model.StatusQueueFull
	}
}

// Config configures a Dispatcher.
type Config struct {
	Destination string
	QueueSize   int
	Spacing     time.Duration
	// Now overrides the wall clock used for the cooldown.
	Now func() time.Time
}

func DefaultConfig() Config {
	return Config{QueueSize: 64, Spacing: 500 * time.Millisecond}
}

// Dispatcher owns the delivery queue.
type Dispatcher struct {
	cfg      Config
	format   *Formatter
	sender   Sender
	cooldown Cooldown
	audit    Auditor
	queue    chan model.Envelope
	limiter  *rate.Limiter
	now      func() time.Time
}

// New creates a Dispatcher. audit may be nil.
func New(cfg Config, f *Formatter, sender Sender, cooldown Cooldown, audit Auditor) *Dispatcher {
	def := DefaultConfig()
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = def.QueueSize
	}
	if cfg.Spacing <= 0 {
		cfg.Spacing = def.Spacing
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &Dispatcher{
		cfg:      cfg,
		format:   f,
		sender:   sender,
		cooldown: cooldown,
		audit:    audit,
		queue:    make(chan model.Envelope, cfg.QueueSize),
		limiter:  rate.NewLimiter(rate.Every(cfg.Spacing), 1),
		now:      now,
	}
}

// Dispatch formats ev for target and enqueues it. The returned envelope is
// filled in whenever a message was formatted.
func (d *Dispatcher) Dispatch(ev model.KillEvent, target model.TrackedTarget) (model.Envelope, Outcome) {
	env := model.Envelope{
		TargetID:    target.ID,
		Target:      target.Display(),
		Message:     d.format.Format(ev, target),
		Destination: strings.TrimSpace(d.cfg.Destination),
		Event:       ev,
	}

	if env.Destination == "" {
		return env, NoDestination
	}

	now := d.now()
	if left := d.cooldown.CooldownRemaining(target.ID, ev, now); left > 0 {
		slog.Warn("post suppressed by cooldown", "target", env.Target, "remaining", left.Round(time.Millisecond))
		return env, CooldownActive
	}

	env.QueuedAt = now
	select {
	case d.queue <- env:
	default:
		slog.Error("delivery queue full, dropping message", "target", env.Target, "capacity", cap(d.queue))
		return env, QueueFull
	}

	d.cooldown.MarkPosted(target.ID, ev, now)
	metrics.QueueDepth.Set(float64(len(d.queue)))
	return env, Queued
}

// Pending returns the number of queued envelopes.
func (d *Dispatcher) Pending() int {
	return len(d.queue)
}

// Run delivers queued envelopes until ctx is cancelled.
func (d *Dispatcher) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case env := <-d.queue:
			metrics.QueueDepth.Set(float64(len(d.queue)))
			if err := d.limiter.Wait(ctx); err != nil {
				return nil
			}
			d.deliver(ctx, env)
		}
	}
}

func (d *Dispatcher) deliver(ctx context.Context, env model.Envelope) {
	start := time.Now()
	err := d.sender.Send(ctx, env.Destination, env.Message)
	metrics.DeliveryDuration.Observe(float64(time.Since(start).Milliseconds()))

	a := model.Activity{
		ID:      uuid.NewString(),
		At:      time.Now(),
		Event:   env.Event,
		Message: env.Message,
	}
	if err != nil {
		slog.Error("delivery failed", "target", env.Target, "destination", MaskURL(env.Destination), "err", err)
		metrics.Deliveries.WithLabelValues("failed").Inc()
		a.Status = model.StatusDeliveryFailed
		a.Reason = err.Error()
	} else {
		slog.Info("delivered", "target", env.Target, "destination", MaskURL(env.Destination))
		metrics.Deliveries.WithLabelValues("ok").Inc()
		a.Status = model.StatusDelivered
		a.Posted = true
	}
	if d.audit != nil {
		d.audit.Record(a)
	}
}
