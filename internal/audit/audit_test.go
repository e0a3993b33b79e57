package audit

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/jkaninda/toolgate/internal/security"
)

type memSink struct {
	mu     sync.Mutex
	name   string
	events []Event
	err    error
	panics bool
}

func (m *memSink) Name() string { return m.name }

func (m *memSink) SendEvent(ev Event) error {
	if m.panics {
		panic("boom")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, ev)
	return m.err
}

func (m *memSink) all() []Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Event(nil), m.events...)
}

type chanAlerter chan Event

func (c chanAlerter) Alert(_ context.Context, ev Event) error {
	c <- ev
	return nil
}

func TestLoggerFanOut(t *testing.T) {
	a, b := &memSink{name: "a"}, &memSink{name: "b"}
	l := NewLogger(nil, []Sink{a, b})

	ev := l.Log(context.Background(), Event{
		ToolID:  "list_directory",
		Type:    EventCompleted,
		Details: map[string]any{"path": "/w", "nested": map[string]any{"k": "v"}},
	})
	if ev.ID == "" || ev.Timestamp.IsZero() {
		t.Fatalf("event not stamped: %+v", ev)
	}

	ga, gb := a.all(), b.all()
	if len(ga) != 1 || len(gb) != 1 {
		t.Fatalf("sink counts = %d, %d", len(ga), len(gb))
	}
	if ga[0].ID != ev.ID || gb[0].ID != ev.ID {
		t.Error("sinks got different events")
	}

	// Each sink owns an independent copy.
	ga[0].Details["path"] = "mutated"
	ga[0].Details["nested"].(map[string]any)["k"] = "mutated"
	if gb[0].Details["path"] != "/w" || gb[0].Details["nested"].(map[string]any)["k"] != "v" {
		t.Error("details shared between sinks")
	}
	if ev.Details["path"] != "/w" {
		t.Error("returned event shares details with a sink")
	}
}

func TestLoggerSinkFailuresAreContained(t *testing.T) {
	failing := &memSink{name: "failing", err: errors.New("disk full")}
	panicking := &memSink{name: "panicking", panics: true}
	ok := &memSink{name: "ok"}

	var failed []string
	l := NewLogger(nil, []Sink{failing, panicking, ok}, WithSinkErrorHook(func(sink string, _ error) {
		failed = append(failed, sink)
	}))
	l.Log(context.Background(), Event{ToolID: "t", Type: EventDenied})

	if len(ok.all()) != 1 {
		t.Error("healthy sink must still receive the event")
	}
	if len(failed) != 2 || failed[0] != "failing" || failed[1] != "panicking" {
		t.Errorf("sink error hook calls = %v", failed)
	}
}

func TestLoggerAlertsOnCritical(t *testing.T) {
	alerts := make(chanAlerter, 2)
	l := NewLogger(nil, nil, WithAlerter(alerts, time.Second))

	l.Log(context.Background(), Event{ToolID: "t", Type: EventDenied, Risk: security.RiskHigh})
	l.Log(context.Background(), Event{ToolID: "t", Type: EventSecurityViolation, Risk: security.RiskCritical})
	if err := l.Close(); err != nil {
		t.Fatal(err)
	}

	if len(alerts) != 1 {
		t.Fatalf("alerts = %d, want 1", len(alerts))
	}
	if got := <-alerts; got.Type != EventSecurityViolation {
		t.Errorf("alerted on %s", got.Type)
	}
}

// blockingAlerter holds every delivery until release is closed and tracks
// how many deliveries were running at once.
type blockingAlerter struct {
	release   chan struct{}
	started   chan struct{}
	mu        sync.Mutex
	inFlight  int
	peak      int
	delivered int
}

func (b *blockingAlerter) Alert(ctx context.Context, _ Event) error {
	b.mu.Lock()
	b.inFlight++
	b.peak = max(b.peak, b.inFlight)
	b.mu.Unlock()
	select {
	case b.started <- struct{}{}:
	default:
	}
	select {
	case <-b.release:
	case <-ctx.Done():
	}
	b.mu.Lock()
	b.inFlight--
	b.delivered++
	b.mu.Unlock()
	return nil
}

func TestLoggerAlertQueueIsBounded(t *testing.T) {
	const queue, flood = 4, 500
	alerter := &blockingAlerter{release: make(chan struct{}), started: make(chan struct{}, 1)}
	var dropped int
	l := NewLogger(nil, nil,
		WithAlerter(alerter, time.Minute),
		WithAlertQueue(queue),
		WithSinkErrorHook(func(sink string, err error) {
			if sink == "alert" && errors.Is(err, ErrAlertDropped) {
				dropped++
			}
		}),
	)

	critical := func(session string) {
		l.Log(context.Background(), Event{
			ToolID:  "list_directory",
			Type:    EventSecurityViolation,
			Context: Context{UserID: "mallory", SessionFingerprint: session},
			Risk:    security.RiskCritical,
		})
	}

	critical("s-first")
	<-alerter.started // the worker is now stuck on the first delivery
	for i := range flood - 1 {
		critical(fmt.Sprintf("s-%d", i))
	}

	if want := flood - 1 - queue; dropped != want {
		t.Errorf("dropped = %d, want %d", dropped, want)
	}

	close(alerter.release)
	if err := l.Close(); err != nil {
		t.Fatal(err)
	}
	if alerter.peak != 1 {
		t.Errorf("peak concurrent deliveries = %d, want 1", alerter.peak)
	}
	if alerter.delivered != queue+1 {
		t.Errorf("delivered = %d, want %d", alerter.delivered, queue+1)
	}
}

func TestLoggerAlertCooldownPerSession(t *testing.T) {
	alerts := make(chanAlerter, 16)
	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	l := NewLogger(nil, nil,
		WithAlerter(alerts, time.Second),
		WithAlertCooldown(time.Minute),
		WithClock(func() time.Time { return now }),
	)

	critical := func(session string) {
		l.Log(context.Background(), Event{
			ToolID:  "list_directory",
			Type:    EventSecurityViolation,
			Context: Context{UserID: "mallory", SessionFingerprint: session},
			Risk:    security.RiskCritical,
		})
	}

	for range 100 {
		critical("a")
	}
	critical("b")
	now = now.Add(2 * time.Minute)
	critical("a")

	if err := l.Close(); err != nil {
		t.Fatal(err)
	}
	if len(alerts) != 3 {
		t.Errorf("alerts = %d, want 3 (one per session, then one after the cooldown)", len(alerts))
	}

	// Alerting stops with the logger.
	critical("c")
	if len(alerts) != 3 {
		t.Errorf("alert after Close was queued")
	}
}

func TestLoggerObserverAndClock(t *testing.T) {
	fixed := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	var seen []EventType
	l := NewLogger(nil, nil, WithClock(func() time.Time { return fixed }), WithObserver(func(ev Event) {
		seen = append(seen, ev.Type)
	}))
	ev := l.Log(context.Background(), Event{Type: EventFailed})
	if !ev.Timestamp.Equal(fixed) {
		t.Errorf("timestamp = %v", ev.Timestamp)
	}
	if len(seen) != 1 || seen[0] != EventFailed {
		t.Errorf("observer saw %v", seen)
	}
}

func TestRedact(t *testing.T) {
	perms, _ := security.ParsePermissions([]string{"file_read:/w", "env"})
	rc := Redact(security.Context{UserID: "u1", SessionID: "secret-session", TrustLevel: security.TrustVerified, Permissions: perms})

	if rc.UserID != "u1" || rc.TrustLevel != security.TrustVerified || rc.PermissionCount != 2 {
		t.Errorf("redacted = %+v", rc)
	}
	if rc.SessionFingerprint == "" || rc.SessionFingerprint == "secret-session" || len(rc.SessionFingerprint) != 16 {
		t.Errorf("fingerprint = %q", rc.SessionFingerprint)
	}
	if Fingerprint("secret-session") != rc.SessionFingerprint {
		t.Error("fingerprint must be deterministic")
	}
	if Fingerprint("") != "" {
		t.Error("empty session should have no fingerprint")
	}
}

func TestAssessRisk(t *testing.T) {
	tests := []struct {
		name string
		in   RiskInput
		want security.RiskLevel
	}{
		{"routine", RiskInput{Type: EventCompleted}, security.RiskLow},
		{"shallow recursion", RiskInput{Type: EventCompleted, Recursive: true, Depth: 5}, security.RiskLow},
		{"deep recursion", RiskInput{Type: EventCompleted, Recursive: true, Depth: 6}, security.RiskMedium},
		{"near limit", RiskInput{Type: EventCompleted, Usage: 0.9}, security.RiskMedium},
		{"below near limit", RiskInput{Type: EventCompleted, Usage: 0.89}, security.RiskLow},
		{"sensitive", RiskInput{Type: EventCompleted, Sensitive: true}, security.RiskHigh},
		{"sensitive denial", RiskInput{Type: EventDenied, Sensitive: true}, security.RiskHigh},
		{"violation", RiskInput{Type: EventSecurityViolation}, security.RiskHigh},
		{"escalated", RiskInput{Type: EventSecurityViolation, Escalated: true}, security.RiskCritical},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := AssessRisk(tt.in); got != tt.want {
				t.Errorf("AssessRisk = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestJSONLSink(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.jsonl")
	sink, err := OpenJSONL(path)
	if err != nil {
		t.Fatal(err)
	}
	l := NewLogger(nil, []Sink{sink})
	for _, typ := range []EventType{EventCompleted, EventDenied, EventFailed} {
		l.Log(context.Background(), Event{ToolID: "list_directory", Type: typ, Risk: security.RiskMedium})
	}
	if err := l.Close(); err != nil {
		t.Fatal(err)
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}
	if perm := info.Mode().Perm(); perm != 0o600 {
		t.Errorf("perm = %o, want 600", perm)
	}

	all, err := ReadJSONL(path, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 3 || all[0].Type != EventCompleted || all[0].Risk != security.RiskMedium {
		t.Fatalf("events = %+v", all)
	}
	last, _ := ReadJSONL(path, 2)
	if len(last) != 2 || last[0].Type != EventDenied || last[1].Type != EventFailed {
		t.Errorf("tail = %+v", last)
	}

	if err := sink.SendEvent(Event{}); !errors.Is(err, os.ErrClosed) {
		t.Errorf("send after close = %v", err)
	}
}

type recordingWriter struct {
	mu      sync.Mutex
	batches [][]Event
	closed  bool
}

func (w *recordingWriter) WriteBatch(_ context.Context, events []Event) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.batches = append(w.batches, append([]Event(nil), events...))
	return nil
}

func (w *recordingWriter) Close() error {
	w.closed = true
	return nil
}

func (w *recordingWriter) total() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	n := 0
	for _, b := range w.batches {
		n += len(b)
	}
	return n
}

func TestBatchSinkFlushesOnClose(t *testing.T) {
	w := &recordingWriter{}
	s := NewBatchSink("store", w, BatchConfig{BatchSize: 2, FlushInterval: time.Hour}, discard())

	for i := 0; i < 5; i++ {
		if err := s.SendEvent(Event{ToolID: "t"}); err != nil {
			t.Fatal(err)
		}
	}
	if err := s.Close(); err != nil {
		t.Fatal(err)
	}
	if got := w.total(); got != 5 {
		t.Errorf("written = %d, want 5", got)
	}
	if !w.closed {
		t.Error("writer not closed")
	}
	if err := s.SendEvent(Event{}); err == nil {
		t.Error("send after close should fail")
	}
}

type blockingWriter struct{ release chan struct{} }

func (w *blockingWriter) WriteBatch(ctx context.Context, _ []Event) error {
	select {
	case <-w.release:
	case <-ctx.Done():
	}
	return nil
}

func TestBatchSinkDropsWhenFull(t *testing.T) {
	w := &blockingWriter{release: make(chan struct{})}
	s := NewBatchSink("slow", w, BatchConfig{BufferSize: 1, BatchSize: 1, FlushInterval: time.Hour}, discard())
	defer func() {
		close(w.release)
		_ = s.Close()
	}()

	// The flush loop takes at most one event and blocks in WriteBatch, the
	// buffer holds one more, so a burst must overflow.
	var dropped bool
	for i := 0; i < 10; i++ {
		if err := s.SendEvent(Event{}); errors.Is(err, ErrBufferFull) {
			dropped = true
			break
		}
	}
	if !dropped {
		t.Error("expected ErrBufferFull")
	}
}

func TestFilterMatches(t *testing.T) {
	ts := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)
	ev := Event{ToolID: "list_directory", Type: EventDenied, Risk: security.RiskHigh, Timestamp: ts, Context: Context{UserID: "u"}}

	tests := []struct {
		f    Filter
		want bool
	}{
		{Filter{}, true},
		{Filter{ToolID: "list_directory", UserID: "u", Type: EventDenied}, true},
		{Filter{ToolID: "other"}, false},
		{Filter{UserID: "v"}, false},
		{Filter{Type: EventCompleted}, false},
		{Filter{MinRisk: security.RiskHigh}, true},
		{Filter{MinRisk: security.RiskCritical}, false},
		{Filter{Since: ts.Add(time.Second)}, false},
		{Filter{Since: ts}, true},
	}
	for i, tt := range tests {
		if got := tt.f.Matches(ev); got != tt.want {
			t.Errorf("case %d: Matches(%+v) = %v, want %v", i, tt.f, got, tt.want)
		}
	}
}

func discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}
