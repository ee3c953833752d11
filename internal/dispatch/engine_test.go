package dispatch

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"eventbot/internal/source"
	"eventbot/internal/storage"
	logx "eventbot/pkg/logx"
)

type fakeSource struct {
	name   string
	events []storage.Event
	err    error
	calls  atomic.Int32
	gate   chan struct{}
}

func (f *fakeSource) Name() string { return f.name }

func (f *fakeSource) Fetch(ctx context.Context) ([]storage.Event, error) {
	f.calls.Add(1)
	if f.gate != nil {
		<-f.gate
	}
	if f.err != nil {
		return nil, f.err
	}
	return f.events, nil
}

type sendCall struct{ channel, text string }

type fakeNotifier struct {
	mu    sync.Mutex
	calls []sendCall
	fail  map[string]bool
	seq   int
}

func (f *fakeNotifier) Send(ctx context.Context, channelID, text string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail[channelID] {
		return "", errors.New("send failed")
	}
	f.seq++
	f.calls = append(f.calls, sendCall{channelID, text})
	return fmt.Sprint(f.seq), nil
}

func (f *fakeNotifier) sentTo(channel string) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for _, c := range f.calls {
		if c.channel == channel {
			out = append(out, c.text)
		}
	}
	return out
}

func (f *fakeNotifier) total() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func openStore(t *testing.T) *storage.Store {
	t.Helper()
	st, err := storage.Open(context.Background(), storage.Config{Path: filepath.Join(t.TempDir(), "d.db")}, logx.Nop())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func fixedClock(t time.Time) func() time.Time { return func() time.Time { return t } }

func addChannels(t *testing.T, st *storage.Store, ids ...string) {
	t.Helper()
	for _, id := range ids {
		if _, err := st.AddChannel(context.Background(), id); err != nil {
			t.Fatalf("add channel %s: %v", id, err)
		}
	}
}

func TestRunCycle_EndToEnd(t *testing.T) {
	t.Parallel()

	now := time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)
	st := openStore(t)
	addChannels(t, st, "-1001", "-1002")

	src := &fakeSource{name: "fake", events: []storage.Event{
		{ID: "src1", OccursAt: now.Add(3 * time.Hour), Message: "board games tonight"},
	}}
	n := &fakeNotifier{}
	e := NewEngine(st, []source.Source{src}, n, WithClock(fixedClock(now)), WithLocation(time.UTC))

	sum, err := e.RunCycle(context.Background())
	if err != nil {
		t.Fatalf("RunCycle: %v", err)
	}
	if sum.Fetched != 1 || sum.Inserted != 1 || sum.Due != 1 || sum.Sent != 2 || sum.Failed != 0 {
		t.Fatalf("unexpected summary: %+v", sum)
	}
	if sum.ID == "" {
		t.Fatalf("cycle id missing")
	}
	if !sum.StartedAt.Equal(now) {
		t.Fatalf("StartedAt = %v, want injected clock %v", sum.StartedAt, now)
	}
	if sum.Duration < 0 || sum.Duration > time.Minute {
		t.Fatalf("duration measured against the injected clock: %v", sum.Duration)
	}
	for _, ch := range []string{"-1001", "-1002"} {
		if got := n.sentTo(ch); len(got) != 1 || got[0] != "board games tonight" {
			t.Fatalf("channel %s received %v", ch, got)
		}
		ok, err := st.HasDelivery(context.Background(), "src1", ch)
		if err != nil || !ok {
			t.Fatalf("delivery not recorded for %s: %v", ch, err)
		}
	}

	sum, err = e.RunCycle(context.Background())
	if err != nil {
		t.Fatalf("second RunCycle: %v", err)
	}
	if sum.Inserted != 0 || sum.Duplicates != 1 || sum.Sent != 0 || sum.Due != 0 {
		t.Fatalf("rerun should send nothing: %+v", sum)
	}
	if n.total() != 2 {
		t.Fatalf("expected 2 sends total, got %d", n.total())
	}
}

func TestRunCycle_PartialFailureRetries(t *testing.T) {
	t.Parallel()

	now := time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)
	st := openStore(t)
	addChannels(t, st, "-1", "-2", "-3")

	src := &fakeSource{name: "fake", events: []storage.Event{
		{ID: "e1", OccursAt: now.Add(time.Hour), Message: "m"},
	}}
	n := &fakeNotifier{fail: map[string]bool{"-2": true}}
	e := NewEngine(st, []source.Source{src}, n, WithClock(fixedClock(now)), WithLocation(time.UTC))

	sum, err := e.RunCycle(context.Background())
	if err != nil {
		t.Fatalf("RunCycle: %v", err)
	}
	if sum.Sent != 2 || sum.Failed != 1 {
		t.Fatalf("unexpected summary: %+v", sum)
	}
	if ok, _ := st.HasDelivery(context.Background(), "e1", "-2"); ok {
		t.Fatalf("failed pair must not be recorded")
	}

	n.mu.Lock()
	n.fail = nil
	n.mu.Unlock()

	sum, err = e.RunCycle(context.Background())
	if err != nil {
		t.Fatalf("retry RunCycle: %v", err)
	}
	if sum.Sent != 1 || sum.Skipped != 2 || sum.Failed != 0 {
		t.Fatalf("retry should only deliver the missing pair: %+v", sum)
	}
	for _, ch := range []string{"-1", "-2", "-3"} {
		if got := n.sentTo(ch); len(got) != 1 {
			t.Fatalf("channel %s received %d messages", ch, len(got))
		}
	}
}

func TestRunCycle_WindowBoundaries(t *testing.T) {
	t.Parallel()

	loc := time.FixedZone("MSK", 3*60*60)
	now := time.Date(2025, 6, 1, 10, 0, 0, 0, loc)
	_, end := DueWindow(now, loc)

	st := openStore(t)
	addChannels(t, st, "@ch")
	src := &fakeSource{name: "fake", events: []storage.Event{
		{ID: "past", OccursAt: now.Add(-time.Minute), Message: "past"},
		{ID: "now", OccursAt: now, Message: "now"},
		{ID: "last", OccursAt: end.Truncate(time.Millisecond), Message: "last"},
		{ID: "late", OccursAt: end.Add(time.Millisecond), Message: "late"},
	}}
	n := &fakeNotifier{}
	e := NewEngine(st, []source.Source{src}, n, WithClock(fixedClock(now)), WithLocation(loc))

	sum, err := e.RunCycle(context.Background())
	if err != nil {
		t.Fatalf("RunCycle: %v", err)
	}
	got := n.sentTo("@ch")
	if sum.Due != 2 || len(got) != 2 || got[0] != "now" || got[1] != "last" {
		t.Fatalf("unexpected deliveries %v (summary %+v)", got, sum)
	}
}

func TestRunCycle_SourceFailureIsolated(t *testing.T) {
	t.Parallel()

	now := time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)
	st := openStore(t)
	addChannels(t, st, "-1")

	bad := &fakeSource{name: "bad", err: fmt.Errorf("%w: boom", source.ErrSourceUnavailable)}
	good := &fakeSource{name: "good", events: []storage.Event{{ID: "g1", OccursAt: now.Add(time.Hour), Message: "g"}}}
	n := &fakeNotifier{}
	e := NewEngine(st, []source.Source{bad, good}, n, WithClock(fixedClock(now)), WithLocation(time.UTC))

	sum, err := e.RunCycle(context.Background())
	if err != nil {
		t.Fatalf("RunCycle: %v", err)
	}
	if sum.SourceFailures != 1 || sum.Sent != 1 {
		t.Fatalf("unexpected summary: %+v", sum)
	}
}

func TestRunCycle_RejectsConcurrent(t *testing.T) {
	t.Parallel()

	now := time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)
	st := openStore(t)
	addChannels(t, st, "-1")

	gate := make(chan struct{})
	src := &fakeSource{name: "slow", gate: gate, events: []storage.Event{{ID: "s1", OccursAt: now.Add(time.Hour), Message: "s"}}}
	n := &fakeNotifier{}
	e := NewEngine(st, []source.Source{src}, n, WithClock(fixedClock(now)), WithLocation(time.UTC))

	done := make(chan error, 1)
	go func() {
		_, err := e.RunCycle(context.Background())
		done <- err
	}()
	deadline := time.Now().Add(2 * time.Second)
	for src.calls.Load() == 0 {
		if time.Now().After(deadline) {
			t.Fatalf("first cycle never started")
		}
		time.Sleep(5 * time.Millisecond)
	}

	if _, err := e.RunCycle(context.Background()); !errors.Is(err, ErrCycleInProgress) {
		t.Fatalf("expected ErrCycleInProgress, got %v", err)
	}
	close(gate)
	if err := <-done; err != nil {
		t.Fatalf("first cycle: %v", err)
	}
	if n.total() != 1 {
		t.Fatalf("expected exactly one send, got %d", n.total())
	}
}

func TestRunCycle_StorageErrorAborts(t *testing.T) {
	t.Parallel()

	st := openStore(t)
	if err := st.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	src := &fakeSource{name: "fake", events: []storage.Event{{ID: "x", OccursAt: time.Now(), Message: "x"}}}
	e := NewEngine(st, []source.Source{src}, &fakeNotifier{})

	if _, err := e.RunCycle(context.Background()); err == nil {
		t.Fatalf("expected storage failure")
	}
}

func TestDueWindow(t *testing.T) {
	t.Parallel()

	loc := time.FixedZone("MSK", 3*60*60)
	now := time.Date(2025, 12, 31, 23, 30, 0, 0, loc)
	start, end := DueWindow(now, loc)
	if !start.Equal(now) {
		t.Fatalf("start = %v", start)
	}
	want := time.Date(2026, 1, 1, 23, 59, 59, 999999999, loc)
	if !end.Equal(want) {
		t.Fatalf("end = %v, want %v", end, want)
	}
}
