package pipeline

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lorddemonos/killfeed/internal/buffer"
	"github.com/lorddemonos/killfeed/internal/dedup"
	"github.com/lorddemonos/killfeed/internal/dispatch"
	"github.com/lorddemonos/killfeed/internal/model"
	"github.com/lorddemonos/killfeed/internal/registry"
	"github.com/lorddemonos/killfeed/internal/resolve"
)

const source = "eqlog_Soandso_pq.proj.txt"

func zoneLine(ts, reporter, target, location string) string {
	return fmt.Sprintf("[%s] %s tells the guild, 'Soandso of <Seekers> has killed %s in %s!'", ts, reporter, target, location)
}

func lockoutLine(ts, target string) string {
	return fmt.Sprintf("[%s] You have incurred a lockout for %s that expires in 6 Days and 23 Hours.", ts, target)
}

type recordingSender struct {
	mu   sync.Mutex
	sent []string
}

func (s *recordingSender) Send(_ context.Context, _ string, message string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = append(s.sent, message)
	return nil
}

func (s *recordingSender) messages() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.sent...)
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

func (a *auditLog) count(status model.Status) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	n := 0
	for _, e := range a.entries {
		if e.Status == status {
			n++
		}
	}
	return n
}

type scriptedChooser struct {
	mu      sync.Mutex
	calls   int
	pick    string
	release chan struct{}
}

func (c *scriptedChooser) ChooseAmong(ctx context.Context, _ string, candidates []model.TrackedTarget) (model.TrackedTarget, bool, error) {
	c.mu.Lock()
	c.calls++
	c.mu.Unlock()

	if c.release != nil {
		select {
		case <-c.release:
		case <-ctx.Done():
			return model.TrackedTarget{}, false, ctx.Err()
		}
	}
	for _, t := range candidates {
		if t.Annotation == c.pick {
			return t, true, nil
		}
	}
	return model.TrackedTarget{}, false, nil
}

func (c *scriptedChooser) callCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls
}

type registeringDecider struct {
	store *registry.Store
}

func (d registeringDecider) Decide(ctx context.Context, name, category string) (resolve.NewTargetDecision, error) {
	if _, err := d.store.Add(ctx, model.TrackedTarget{Name: name, Location: category, Enabled: true}); err != nil {
		return resolve.NewTargetDecision{}, err
	}
	return resolve.NewTargetDecision{Enable: true}, nil
}

type harness struct {
	store  *registry.Store
	sender *recordingSender
	audit  *auditLog
	lines  chan model.RawLine
	stop   func()
}

// harnessOptions adjusts the pipeline under test.
type harnessOptions struct {
	// wallClock leaves the dispatcher on time.Now instead of the stepping clock.
	wallClock bool
	delay     time.Duration
}

func newHarness(t *testing.T, chooser resolve.Chooser, decider func(*registry.Store) resolve.Decider, targets ...model.TrackedTarget) *harness {
	t.Helper()
	return newHarnessWith(t, harnessOptions{}, chooser, decider, targets...)
}

func newHarnessWith(t *testing.T, opts harnessOptions, chooser resolve.Chooser, decider func(*registry.Store) resolve.Decider, targets ...model.TrackedTarget) *harness {
	t.Helper()
	if opts.delay <= 0 {
		opts.delay = 30 * time.Millisecond
	}

	store, err := registry.Open(registry.InMemoryConfig())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	ctx, cancel := context.WithCancel(context.Background())
	for _, tt := range targets {
		_, err := store.Add(ctx, tt)
		require.NoError(t, err)
	}

	h := &harness{
		store:  store,
		sender: &recordingSender{},
		audit:  &auditLog{},
		lines:  make(chan model.RawLine, 16),
	}

	// Each dispatch sees a wall clock ten seconds after the previous one so
	// the post cooldown never interferes with log-time dedup.
	var clockMu sync.Mutex
	clock := time.Date(2026, 2, 7, 17, 0, 0, 0, time.UTC)
	now := func() time.Time {
		clockMu.Lock()
		defer clockMu.Unlock()
		clock = clock.Add(10 * time.Second)
		return clock
	}
	if opts.wallClock {
		now = nil
	}

	engine := dedup.New(dedup.DefaultConfig())
	formatter := dispatch.NewFormatter(dispatch.DefaultTemplates(), time.UTC, "")
	disp := dispatch.New(dispatch.Config{
		Destination: "https://discord.example/api/webhooks/1/token",
		Spacing:     time.Millisecond,
		Now:         now,
	}, formatter, h.sender, engine, h.audit)

	var dec resolve.Decider
	if decider != nil {
		dec = decider(store)
	}

	p := New(Config{Buffer: buffer.Config{Delay: opts.delay, Span: 9 * time.Second}}, Deps{
		Dedup:      engine,
		Resolver:   resolve.New(store, chooser, dec),
		Registry:   store,
		Dispatcher: disp,
		Audit:      h.audit,
	})

	var wg sync.WaitGroup
	wg.Add(2)
	go func() { defer wg.Done(); _ = disp.Run(ctx) }()
	go func() { defer wg.Done(); _ = p.Run(ctx, h.lines) }()
	var once sync.Once
	h.stop = func() {
		once.Do(func() {
			cancel()
			wg.Wait()
		})
	}
	t.Cleanup(h.stop)
	return h
}

func (h *harness) send(text string) {
	h.lines <- model.RawLine{Text: text, Source: source}
}

func (h *harness) waitSent(t *testing.T, n int) {
	t.Helper()
	require.Eventually(t, func() bool { return len(h.sender.messages()) >= n }, 2*time.Second, 5*time.Millisecond)
}

func (h *harness) waitStatus(t *testing.T, status model.Status, n int) {
	t.Helper()
	require.Eventually(t, func() bool { return h.audit.count(status) >= n }, 2*time.Second, 5*time.Millisecond)
}

func (h *harness) kills(t *testing.T, name, annotation string) int {
	t.Helper()
	tt, err := h.store.Get(context.Background(), model.TargetID(name, annotation))
	require.NoError(t, err)
	return tt.KillCount
}

var severilous = model.TrackedTarget{Name: "Severilous", Location: "The Emerald Jungle", Enabled: true}

func TestZoneAndLockoutReportOneKill(t *testing.T) {
	h := newHarness(t, nil, nil, severilous)

	h.send(zoneLine("Sat Feb 07 12:00:00 2026", "Druzzil Ro", "Severilous", "The Emerald Jungle"))
	h.send(lockoutLine("Sat Feb 07 12:00:02 2026", "Severilous"))

	h.waitSent(t, 1)
	h.waitStatus(t, model.StatusBufferedDuplicate, 1)

	msgs := h.sender.messages()
	require.Len(t, msgs, 1)
	assert.Contains(t, msgs[0], "Severilous was killed in The Emerald Jungle!")
	assert.Equal(t, 1, h.kills(t, "Severilous", ""))
}

func TestLockoutFirstStillPostsZoneWording(t *testing.T) {
	h := newHarness(t, nil, nil, severilous)

	h.send(lockoutLine("Sat Feb 07 12:00:00 2026", "Severilous"))
	h.send(zoneLine("Sat Feb 07 12:00:02 2026", "Druzzil Ro", "Severilous", "The Emerald Jungle"))

	h.waitSent(t, 1)
	h.waitStatus(t, model.StatusPosted, 1)
	assert.Contains(t, h.sender.messages()[0], "was killed in The Emerald Jungle!")
	assert.NotContains(t, h.sender.messages()[0], "lockout detected")
}

func TestExactDuplicateFromAnotherReporter(t *testing.T) {
	h := newHarness(t, nil, nil, severilous)

	h.send(zoneLine("Sat Feb 07 12:00:00 2026", "Druzzil Ro", "Severilous", "The Emerald Jungle"))
	h.waitSent(t, 1)

	// Same key, different text: passes the gate, stopped by the key cache.
	h.send(zoneLine("Sat Feb 07 12:00:00 2026", "Erollisi Marr", "Severilous", "The Emerald Jungle"))
	h.waitStatus(t, model.StatusExactDuplicate, 1)

	// Identical text never reaches dedup.
	h.send(zoneLine("Sat Feb 07 12:00:00 2026", "Druzzil Ro", "Severilous", "The Emerald Jungle"))
	time.Sleep(80 * time.Millisecond)

	assert.Len(t, h.sender.messages(), 1)
	assert.Equal(t, 1, h.audit.count(model.StatusExactDuplicate))
	assert.Equal(t, 1, h.kills(t, "Severilous", ""))
}

func TestSameKillWindow(t *testing.T) {
	tests := []struct {
		name   string
		second string
		posts  int
	}{
		{name: "eight seconds apart", second: "Sat Feb 07 12:00:08 2026", posts: 1},
		{name: "nine seconds apart", second: "Sat Feb 07 12:00:09 2026", posts: 1},
		{name: "ten seconds apart", second: "Sat Feb 07 12:00:10 2026", posts: 2},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, nil, nil, severilous)

			h.send(zoneLine("Sat Feb 07 12:00:00 2026", "Druzzil Ro", "Severilous", "The Emerald Jungle"))
			h.waitSent(t, 1)

			h.send(zoneLine(tt.second, "Druzzil Ro", "Severilous", "The Emerald Jungle"))
			if tt.posts == 1 {
				h.waitStatus(t, model.StatusWindowDuplicate, 1)
			} else {
				h.waitSent(t, 2)
			}
			time.Sleep(50 * time.Millisecond)

			assert.Len(t, h.sender.messages(), tt.posts)
			assert.Equal(t, tt.posts, h.kills(t, "Severilous", ""))
		})
	}
}

func thallTargets() []model.TrackedTarget {
	return []model.TrackedTarget{
		{Name: "Thall Va Xakra", Annotation: "F1 North", Location: "Vex Thal", Enabled: true},
		{Name: "Thall Va Xakra", Annotation: "F1 South", Location: "Vex Thal", Enabled: true},
	}
}

func TestAmbiguousKillAsksOnce(t *testing.T) {
	chooser := &scriptedChooser{pick: "F1 North"}
	h := newHarness(t, chooser, nil, thallTargets()...)

	h.send(zoneLine("Sat Feb 07 12:00:00 2026", "Druzzil Ro", "Thall Va Xakra", "Vex Thal"))
	h.send(lockoutLine("Sat Feb 07 12:00:01 2026", "Thall Va Xakra"))
	h.waitSent(t, 1)

	assert.Equal(t, 1, chooser.callCount())
	assert.Contains(t, h.sender.messages()[0], "Thall Va Xakra (F1 North) was killed in Vex Thal!")
	assert.Equal(t, 1, h.kills(t, "Thall Va Xakra", "F1 North"))
	assert.Equal(t, 0, h.kills(t, "Thall Va Xakra", "F1 South"))
}

func TestCancelledChoiceDropsKill(t *testing.T) {
	chooser := &scriptedChooser{pick: ""}
	h := newHarness(t, chooser, nil, thallTargets()...)

	h.send(zoneLine("Sat Feb 07 12:00:00 2026", "Druzzil Ro", "Thall Va Xakra", "Vex Thal"))
	h.waitStatus(t, model.StatusCancelled, 1)

	assert.Empty(t, h.sender.messages())
	assert.Equal(t, 0, h.kills(t, "Thall Va Xakra", "F1 North"))
	assert.Equal(t, 0, h.kills(t, "Thall Va Xakra", "F1 South"))
}

func TestOtherTargetsFlowWhileChoicePending(t *testing.T) {
	chooser := &scriptedChooser{pick: "F1 South", release: make(chan struct{})}
	h := newHarness(t, chooser, nil, append(thallTargets(), severilous)...)

	h.send(zoneLine("Sat Feb 07 12:00:00 2026", "Druzzil Ro", "Thall Va Xakra", "Vex Thal"))
	require.Eventually(t, func() bool { return chooser.callCount() == 1 }, 2*time.Second, 5*time.Millisecond)

	h.send(zoneLine("Sat Feb 07 12:00:05 2026", "Druzzil Ro", "Severilous", "The Emerald Jungle"))
	h.waitSent(t, 1)
	assert.Contains(t, h.sender.messages()[0], "Severilous")

	close(chooser.release)
	h.waitSent(t, 2)
	assert.Contains(t, h.sender.messages()[1], "Thall Va Xakra (F1 South)")
}

func TestSecondKillWaitsForPendingChoice(t *testing.T) {
	chooser := &scriptedChooser{pick: "F1 North", release: make(chan struct{})}
	h := newHarness(t, chooser, nil, thallTargets()...)

	h.send(zoneLine("Sat Feb 07 12:00:00 2026", "Druzzil Ro", "Thall Va Xakra", "Vex Thal"))
	require.Eventually(t, func() bool { return chooser.callCount() == 1 }, 2*time.Second, 5*time.Millisecond)

	h.send(zoneLine("Sat Feb 07 12:00:30 2026", "Druzzil Ro", "Thall Va Xakra", "Vex Thal"))
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, 1, chooser.callCount(), "second kill must wait for the first choice")

	close(chooser.release)
	h.waitSent(t, 2)

	assert.Equal(t, 2, chooser.callCount())
	assert.Equal(t, 2, h.kills(t, "Thall Va Xakra", "F1 North"))
}

func TestDisabledTargetIsNotPosted(t *testing.T) {
	disabled := severilous
	disabled.Enabled = false
	h := newHarness(t, nil, nil, disabled)

	h.send(zoneLine("Sat Feb 07 12:00:00 2026", "Druzzil Ro", "Severilous", "The Emerald Jungle"))
	h.waitStatus(t, model.StatusDisabled, 1)

	assert.Empty(t, h.sender.messages())
	assert.Equal(t, 0, h.kills(t, "Severilous", ""))
}

func TestNewTargetRegisteredAndPosted(t *testing.T) {
	h := newHarness(t, nil, func(s *registry.Store) resolve.Decider { return registeringDecider{store: s} })

	h.send(zoneLine("Sat Feb 07 12:00:00 2026", "Druzzil Ro", "Lord Vyemm", "Veeshan's Peak"))
	h.waitSent(t, 1)

	assert.Contains(t, h.sender.messages()[0], "Lord Vyemm was killed in Veeshan's Peak!")
	assert.Equal(t, 1, h.kills(t, "Lord Vyemm", ""))
}

func TestNewTargetIgnoredWithoutDecider(t *testing.T) {
	h := newHarness(t, nil, nil)

	h.send(zoneLine("Sat Feb 07 12:00:00 2026", "Druzzil Ro", "Lord Vyemm", "Veeshan's Peak"))
	h.waitStatus(t, model.StatusNewTarget, 1)
	assert.Empty(t, h.sender.messages())
}

func TestBacklogBurstPostsEachDistinctKill(t *testing.T) {
	h := newHarnessWith(t, harnessOptions{wallClock: true}, nil, nil, severilous)

	h.send(zoneLine("Sat Feb 07 12:00:00 2026", "Druzzil Ro", "Severilous", "The Emerald Jungle"))
	h.send(zoneLine("Sat Feb 07 12:00:15 2026", "Druzzil Ro", "Severilous", "The Emerald Jungle"))

	h.waitSent(t, 2)
	assert.Equal(t, 0, h.audit.count(model.StatusCooldown))
	assert.Equal(t, 2, h.kills(t, "Severilous", ""))
}

func TestShutdownAuditsOpenWindow(t *testing.T) {
	h := newHarnessWith(t, harnessOptions{delay: time.Hour}, nil, nil, severilous)

	h.send(zoneLine("Sat Feb 07 12:00:00 2026", "Druzzil Ro", "Severilous", "The Emerald Jungle"))
	h.send(lockoutLine("Sat Feb 07 12:00:02 2026", "Severilous"))
	h.send(zoneLine("Sat Feb 07 12:00:30 2026", "Druzzil Ro", "Severilous", "The Emerald Jungle"))
	require.Eventually(t, func() bool { return len(h.lines) == 0 }, 2*time.Second, 5*time.Millisecond)
	time.Sleep(20 * time.Millisecond)

	h.stop()

	assert.Empty(t, h.sender.messages())
	assert.Equal(t, 2, h.audit.count(model.StatusError), "winner and parked kill must both be audited")
	assert.Equal(t, 1, h.audit.count(model.StatusBufferedDuplicate))
}

func TestShutdownAuditsPendingDecision(t *testing.T) {
	chooser := &scriptedChooser{pick: "F1 North", release: make(chan struct{})}
	h := newHarness(t, chooser, nil, thallTargets()...)

	h.send(zoneLine("Sat Feb 07 12:00:00 2026", "Druzzil Ro", "Thall Va Xakra", "Vex Thal"))
	require.Eventually(t, func() bool { return chooser.callCount() == 1 }, 2*time.Second, 5*time.Millisecond)
	h.send(zoneLine("Sat Feb 07 12:00:30 2026", "Druzzil Ro", "Thall Va Xakra", "Vex Thal"))
	time.Sleep(100 * time.Millisecond)

	h.stop()

	// The choice may lose its context before Run stops; either way each
	// kill gets exactly one trail entry.
	assert.Empty(t, h.sender.messages())
	assert.Equal(t, 2, h.audit.count(model.StatusError)+h.audit.count(model.StatusCancelled))
}
