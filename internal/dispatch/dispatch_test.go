package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/lorddemonos/killfeed/internal/dedup"
	"github.com/lorddemonos/killfeed/internal/model"
)

type recordingSender struct {
	mu   sync.Mutex
	sent []string
	at   []time.Time
	err  error
}

func (s *recordingSender) Send(_ context.Context, _ string, message string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = append(s.sent, message)
	s.at = append(s.at, time.Now())
	return s.err
}

func (s *recordingSender) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sent)
}

type auditLog struct {
	mu      sync.Mutex
	entries []model.Activity
}

func (a *auditLog) Record(act model.Activity) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.entries = append(a.entries, act)
}

func (a *auditLog) statuses() []model.Status {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]model.Status, 0, len(a.entries))
	for _, e := range a.entries {
		out = append(out, e.Status)
	}
	return out
}

var severilous = model.TrackedTarget{ID: "severilous|", Name: "Severilous", Location: "The Emerald Jungle", Enabled: true}

func zoneKill(ts string) model.KillEvent {
	return model.KillEvent{
		Timestamp:  ts,
		Kind:       model.SourceZone,
		Target:     "Severilous",
		Location:   "The Emerald Jungle",
		Actor:      "Soandso",
		ActorGroup: "Seekers",
	}
}

func TestFormatZoneDefault(t *testing.T) {
	f := NewFormatter(Templates{}, nil, "")

	got := f.Format(zoneKill("Sat Feb 07 12:00:00 2026"), severilous)
	// 12:00 EST is 17:00 UTC.
	want := "<t:1770483600:F> Severilous was killed in The Emerald Jungle!"
	if got != want {
		t.Errorf("expected %q, got %q", want, got)
	}
}

func TestFormatWithNote(t *testing.T) {
	f := NewFormatter(Templates{}, nil, "")
	target := model.TrackedTarget{ID: "thall va xakra|f1 north", Name: "Thall Va Xakra", Annotation: "F1 North", Location: "Vex Thal"}
	ev := model.KillEvent{Timestamp: "Sat Feb 07 12:00:00 2026", Kind: model.SourceZone, Target: "Thall Va Xakra", Location: "Vex Thal"}

	got := f.Format(ev, target)
	if !strings.Contains(got, "Thall Va Xakra (F1 North) was killed in Vex Thal!") {
		t.Errorf("expected annotated message, got %q", got)
	}
}

func TestFormatLockoutTemplate(t *testing.T) {
	f := NewFormatter(Templates{}, nil, "")
	ev := model.KillEvent{Timestamp: "Sat Feb 07 12:00:02 2026", Kind: model.SourceLockout, Target: "Severilous", Location: model.LockoutCategory}

	got := f.Format(ev, severilous)
	if got != "<t:1770483602:F> Severilous lockout detected!" {
		t.Errorf("unexpected lockout message %q", got)
	}
}

func TestFormatAllTokens(t *testing.T) {
	f := NewFormatter(Templates{Zone: "{timestamp}|{discord_timestamp_relative}|{player}|{guild}|{location}|{server}|[{note}]"}, time.UTC, "Quarm")

	got := f.Format(zoneKill("Sat Feb 07 12:00:00 2026"), severilous)
	want := "Sat Feb 07 12:00:00 2026|<t:1770465600:R>|Soandso|Seekers|The Emerald Jungle|Quarm|[ ]"
	if got != want {
		t.Errorf("expected %q, got %q", want, got)
	}
}

func TestFormatServerIsReporter(t *testing.T) {
	f := NewFormatter(Templates{Zone: "{server}: {monster}", Lockout: "{server}: {monster} lockout"}, nil, "pq.proj")
	ev := zoneKill("Sat Feb 07 12:00:00 2026")
	ev.Reporter = "Druzzil Ro"

	if got := f.Format(ev, severilous); got != "Druzzil Ro: Severilous" {
		t.Errorf("expected reporter in {server}, got %q", got)
	}

	lock := model.KillEvent{Timestamp: "Sat Feb 07 12:00:02 2026", Kind: model.SourceLockout, Target: "Severilous", Location: model.LockoutCategory}
	if got := f.Format(lock, severilous); got != "pq.proj: Severilous lockout" {
		t.Errorf("expected configured server for lockout, got %q", got)
	}
}

func TestFormatBadTimestampKeepsText(t *testing.T) {
	f := NewFormatter(Templates{Zone: "{discord_timestamp} {monster}"}, nil, "")

	if got := f.Format(zoneKill("yesterday"), severilous); got != "yesterday Severilous" {
		t.Errorf("unexpected message %q", got)
	}
}

func TestMaskURL(t *testing.T) {
	url := "https://discord.com/api/webhooks/123456789/abcdefghijklmnopqrstuvwxyz"
	masked := MaskURL(url)
	if strings.Contains(masked, "abcdefghijklmnop") {
		t.Errorf("expected token to be hidden, got %q", masked)
	}
	if MaskURL("") != "(empty)" || MaskURL("short") != "****" {
		t.Error("unexpected mask for short values")
	}
}

func newTestDispatcher(dest string, sender Sender, now func() time.Time, audit Auditor) *Dispatcher {
	cfg := DefaultConfig()
	cfg.Destination = dest
	cfg.Spacing = 50 * time.Millisecond
	cfg.Now = now
	return New(cfg, NewFormatter(Templates{}, nil, ""), sender, dedup.New(dedup.DefaultConfig()), audit)
}

func TestDispatchNoDestination(t *testing.T) {
	d := newTestDispatcher("  ", &recordingSender{}, nil, nil)

	if _, out := d.Dispatch(zoneKill("Sat Feb 07 12:00:00 2026"), severilous); out != NoDestination {
		t.Errorf("expected NoDestination, got %s", out)
	}
	if d.Pending() != 0 {
		t.Error("expected nothing queued")
	}
}

func TestDispatchCooldown(t *testing.T) {
	now := time.Date(2026, 2, 7, 12, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }
	d := newTestDispatcher("https://example.invalid/hook", &recordingSender{}, clock, nil)

	if _, out := d.Dispatch(zoneKill("Sat Feb 07 12:00:00 2026"), severilous); out != Queued {
		t.Fatalf("expected Queued, got %s", out)
	}

	now = now.Add(5 * time.Second)
	if _, out := d.Dispatch(zoneKill("Sat Feb 07 12:00:06 2026"), severilous); out != CooldownActive {
		t.Errorf("expected CooldownActive, got %s", out)
	}

	now = now.Add(5 * time.Second)
	if _, out := d.Dispatch(zoneKill("Sat Feb 07 12:00:40 2026"), severilous); out != Queued {
		t.Errorf("expected Queued after cooldown, got %s", out)
	}
	if d.Pending() != 2 {
		t.Errorf("expected 2 queued, got %d", d.Pending())
	}
}

func TestDispatchCooldownPassesLaterKillInBurst(t *testing.T) {
	now := time.Date(2026, 2, 7, 12, 0, 0, 0, time.UTC)
	d := newTestDispatcher("https://example.invalid/hook", &recordingSender{}, func() time.Time { return now }, nil)

	if _, out := d.Dispatch(zoneKill("Sat Feb 07 12:00:00 2026"), severilous); out != Queued {
		t.Fatalf("expected Queued, got %s", out)
	}
	if _, out := d.Dispatch(zoneKill("Sat Feb 07 12:00:15 2026"), severilous); out != Queued {
		t.Errorf("expected a kill 15s later in the log to be queued, got %s", out)
	}
	if d.Pending() != 2 {
		t.Errorf("expected 2 queued, got %d", d.Pending())
	}
}

func TestDispatchQueueFull(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Destination = "https://example.invalid/hook"
	cfg.QueueSize = 1
	d := New(cfg, NewFormatter(Templates{}, nil, ""), &recordingSender{}, dedup.New(dedup.DefaultConfig()), nil)

	other := model.TrackedTarget{ID: "talendor|", Name: "Talendor", Enabled: true}
	if _, out := d.Dispatch(zoneKill("Sat Feb 07 12:00:00 2026"), severilous); out != Queued {
		t.Fatalf("expected Queued, got %s", out)
	}
	if _, out := d.Dispatch(zoneKill("Sat Feb 07 12:00:00 2026"), other); out != QueueFull {
		t.Errorf("expected QueueFull, got %s", out)
	}
}

func TestRunDeliversInOrderWithSpacing(t *testing.T) {
	sender := &recordingSender{}
	audit := &auditLog{}
	d := newTestDispatcher("https://example.invalid/hook", sender, nil, audit)

	targets := []model.TrackedTarget{
		{ID: "a|", Name: "A", Enabled: true},
		{ID: "b|", Name: "B", Enabled: true},
		{ID: "c|", Name: "C", Enabled: true},
	}
	for _, tgt := range targets {
		ev := zoneKill("Sat Feb 07 12:00:00 2026")
		ev.Target = tgt.Name
		if _, out := d.Dispatch(ev, tgt); out != Queued {
			t.Fatalf("expected Queued, got %s", out)
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		_ = d.Run(ctx)
		close(done)
	}()

	deadline := time.After(3 * time.Second)
	for sender.count() < 3 {
		select {
		case <-deadline:
			t.Fatalf("timed out, %d delivered", sender.count())
		case <-time.After(10 * time.Millisecond):
		}
	}
	cancel()
	<-done

	sender.mu.Lock()
	defer sender.mu.Unlock()
	for i, name := range []string{"A", "B", "C"} {
		if !strings.Contains(sender.sent[i], name) {
			t.Errorf("message %d: expected %s, got %q", i, name, sender.sent[i])
		}
	}
	if gap := sender.at[2].Sub(sender.at[0]); gap < 80*time.Millisecond {
		t.Errorf("expected sends to be spaced, total gap %s", gap)
	}
	for _, st := range audit.statuses() {
		if st != model.StatusDelivered {
			t.Errorf("expected delivered, got %s", st)
		}
	}
}

func TestRunDropsFailedSend(t *testing.T) {
	sender := &recordingSender{err: errors.New("boom")}
	audit := &auditLog{}
	d := newTestDispatcher("https://example.invalid/hook", sender, nil, audit)
	d.Dispatch(zoneKill("Sat Feb 07 12:00:00 2026"), severilous)

	ctx, cancel := context.WithCancel(context.Background())
	go d.Run(ctx)

	deadline := time.After(2 * time.Second)
	for len(audit.statuses()) == 0 {
		select {
		case <-deadline:
			t.Fatal("timed out waiting for audit entry")
		case <-time.After(10 * time.Millisecond):
		}
	}
	cancel()

	if st := audit.statuses(); len(st) != 1 || st[0] != model.StatusDeliveryFailed {
		t.Errorf("expected one delivery_failed entry, got %v", st)
	}
	if sender.count() != 1 {
		t.Errorf("expected exactly one attempt, got %d", sender.count())
	}
}

func TestWebhookSender(t *testing.T) {
	var got map[string]string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("expected POST, got %s", r.Method)
		}
		_ = json.NewDecoder(r.Body).Decode(&got)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	s := NewWebhookSender(time.Second)
	if err := s.Send(context.Background(), srv.URL, "hello"); err != nil {
		t.Fatal(err)
	}
	if got["content"] != "hello" {
		t.Errorf("expected content 'hello', got %v", got)
	}
}

func TestWebhookSenderStatusError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "rate limited", http.StatusTooManyRequests)
	}))
	defer srv.Close()

	err := NewWebhookSender(time.Second).Send(context.Background(), srv.URL, "hello")
	if err == nil || !strings.Contains(err.Error(), "429") {
		t.Errorf("expected a 429 error, got %v", err)
	}
}
