// Package audit records one immutable event per mediated tool call and fans
// it out to every registered sink. Logging is fire-and-forget: sink failures
// go to a fallback logger and never reach the caller.
package audit

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/blake2b"

	"github.com/jkaninda/toolgate/internal/security"
)

// EventType classifies an audit event.
type EventType string

const (
	EventInvoked           EventType = "invoked"
	EventDenied            EventType = "denied"
	EventCompleted         EventType = "completed"
	EventFailed            EventType = "failed"
	EventSecurityViolation EventType = "security_violation"
)

// Valid reports whether t is a known event type.
func (t EventType) Valid() bool {
	switch t {
	case EventInvoked, EventDenied, EventCompleted, EventFailed, EventSecurityViolation:
		return true
	}
	return false
}

// Context is the redacted form of a security.Context. The session id is
// replaced by an unkeyed blake2b fingerprint so events can be correlated
// without storing the raw id.
type Context struct {
	UserID             string              `json:"user_id"`
	SessionFingerprint string              `json:"session_fp,omitempty"`
	TrustLevel         security.TrustLevel `json:"trust_level"`
	PermissionCount    int                 `json:"permission_count"`
}

// Redact builds the audit form of ctx.
func Redact(ctx security.Context) Context {
	return Context{
		UserID:             ctx.UserID,
		SessionFingerprint: Fingerprint(ctx.SessionID),
		TrustLevel:         ctx.TrustLevel,
		PermissionCount:    len(ctx.Permissions),
	}
}

// Fingerprint returns the first 16 hex characters of the blake2b-256 digest
// of s, or "" for an empty string.
func Fingerprint(s string) string {
	if s == "" {
		return ""
	}
	sum := blake2b.Sum256([]byte(s))
	return hex.EncodeToString(sum[:8])
}

// Event is a single audit record. Events are never modified after Log;
// every sink receives its own copy.
type Event struct {
	ID        string             `json:"id"`
	Timestamp time.Time          `json:"timestamp"`
	ToolID    string             `json:"tool_id"`
	Type      EventType          `json:"event_type"`
	Context   Context            `json:"security_context"`
	Details   map[string]any     `json:"details,omitempty"`
	Risk      security.RiskLevel `json:"risk_level"`
}

// Clone returns a deep copy of e.
func (e Event) Clone() Event {
	if e.Details != nil {
		e.Details = cloneValue(e.Details).(map[string]any)
	}
	return e
}

func cloneValue(v any) any {
	switch x := v.(type) {
	case map[string]any:
		m := make(map[string]any, len(x))
		for k, val := range x {
			m[k] = cloneValue(val)
		}
		return m
	case []any:
		s := make([]any, len(x))
		for i, val := range x {
			s[i] = cloneValue(val)
		}
		return s
	case []string:
		return append([]string(nil), x...)
	default:
		return v
	}
}

// Sink consumes audit events. SendEvent must not block for long; sinks with
// slow backends buffer internally (see BatchSink).
type Sink interface {
	Name() string
	SendEvent(Event) error
}

// Alerter delivers out-of-band notifications for Critical events.
type Alerter interface {
	Alert(ctx context.Context, ev Event) error
}

// DefaultAlertTimeout bounds a single alert delivery.
const DefaultAlertTimeout = 10 * time.Second

// DefaultAlertQueue is how many Critical events may wait for delivery.
const DefaultAlertQueue = 64

// ErrAlertDropped is reported to the sink error hook, under the sink name
// "alert", when the alert queue is full.
var ErrAlertDropped = errors.New("alert queue full, alert dropped")

// maxAlertKeys caps the cooldown table before expired entries are swept.
const maxAlertKeys = 4096

type pendingAlert struct {
	ctx context.Context
	ev  Event
}

// Logger fans events out to sinks. Safe for concurrent use once built;
// AddSink is for startup only.
type Logger struct {
	sinks        []Sink
	fallback     *slog.Logger
	alerter      Alerter
	alertTimeout time.Duration
	onSinkError  func(sink string, err error)
	observers    []func(Event)
	now          func() time.Time

	alertQueueSize int
	alertCooldown  time.Duration
	alertQueue     chan pendingAlert
	alertDone      chan struct{}

	mu        sync.Mutex
	lastAlert map[string]time.Time // user and session -> last queued alert
	closed    bool
}

// Option configures a Logger.
type Option func(*Logger)

// WithAlerter calls a for Critical events. Deliveries run one at a time on
// a single worker, each bounded by timeout.
func WithAlerter(a Alerter, timeout time.Duration) Option {
	return func(l *Logger) {
		l.alerter = a
		if timeout > 0 {
			l.alertTimeout = timeout
		}
	}
}

// WithAlertQueue sets how many alerts may wait for the worker. Alerts
// beyond that are dropped.
func WithAlertQueue(n int) Option {
	return func(l *Logger) {
		if n > 0 {
			l.alertQueueSize = n
		}
	}
}

// WithAlertCooldown queues at most one alert per user and session within d.
func WithAlertCooldown(d time.Duration) Option {
	return func(l *Logger) { l.alertCooldown = d }
}

// WithSinkErrorHook is called once per failed SendEvent, after the fallback log.
func WithSinkErrorHook(fn func(sink string, err error)) Option {
	return func(l *Logger) { l.onSinkError = fn }
}

// WithObserver is called synchronously with every logged event.
func WithObserver(fn func(Event)) Option {
	return func(l *Logger) { l.observers = append(l.observers, fn) }
}

// WithClock overrides the timestamp source.
func WithClock(now func() time.Time) Option {
	return func(l *Logger) { l.now = now }
}

// NewLogger creates a Logger writing to sinks. A nil fallback logger
// discards sink errors.
func NewLogger(fallback *slog.Logger, sinks []Sink, opts ...Option) *Logger {
	if fallback == nil {
		fallback = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	l := &Logger{
		sinks:          append([]Sink(nil), sinks...),
		fallback:       fallback,
		alertTimeout:   DefaultAlertTimeout,
		alertQueueSize: DefaultAlertQueue,
		now:            time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	if l.alerter != nil {
		l.alertQueue = make(chan pendingAlert, l.alertQueueSize)
		l.alertDone = make(chan struct{})
		l.lastAlert = make(map[string]time.Time)
		go l.alertLoop()
	}
	return l
}

// AddSink registers another sink. Not safe once Log is in use.
func (l *Logger) AddSink(s Sink) {
	l.sinks = append(l.sinks, s)
}

// Sinks returns the registered sink names.
func (l *Logger) Sinks() []string {
	names := make([]string, len(l.sinks))
	for i, s := range l.sinks {
		names[i] = s.Name()
	}
	return names
}

// Log stamps ev with an id and timestamp when missing and delivers a copy
// to every sink. It returns the event as recorded.
func (l *Logger) Log(ctx context.Context, ev Event) Event {
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = l.now().UTC()
	}

	for _, s := range l.sinks {
		l.send(ctx, s, ev.Clone())
	}
	for _, fn := range l.observers {
		fn(ev.Clone())
	}

	if ev.Risk == security.RiskCritical && l.alerter != nil {
		l.alert(ctx, ev.Clone())
	}
	return ev
}

func (l *Logger) send(ctx context.Context, s Sink, ev Event) {
	var err error
	func() {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("sink panic: %v", r)
			}
		}()
		err = s.SendEvent(ev)
	}()
	if err == nil {
		return
	}
	l.fallback.WarnContext(ctx, "audit sink failed",
		slog.String("sink", s.Name()),
		slog.String("event_id", ev.ID),
		slog.String("tool_id", ev.ToolID),
		slog.String("event_type", string(ev.Type)),
		slog.String("error", err.Error()),
	)
	if l.onSinkError != nil {
		l.onSinkError(s.Name(), err)
	}
}

// alert queues ev for the worker. Events inside the cooldown of their user
// and session are skipped; a full queue drops the event.
func (l *Logger) alert(ctx context.Context, ev Event) {
	key := ev.Context.UserID + "\x00" + ev.Context.SessionFingerprint
	now := l.now()

	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return
	}
	if last, ok := l.lastAlert[key]; ok && l.alertCooldown > 0 && now.Sub(last) < l.alertCooldown {
		l.mu.Unlock()
		l.fallback.DebugContext(ctx, "security alert suppressed by cooldown",
			slog.String("event_id", ev.ID),
			slog.String("user_id", ev.Context.UserID),
		)
		return
	}
	select {
	case l.alertQueue <- pendingAlert{ctx: context.WithoutCancel(ctx), ev: ev}:
		if len(l.lastAlert) >= maxAlertKeys {
			l.sweepAlertKeys(now)
		}
		l.lastAlert[key] = now
		l.mu.Unlock()
	default:
		l.mu.Unlock()
		l.fallback.WarnContext(ctx, "security alert dropped",
			slog.String("event_id", ev.ID),
			slog.String("user_id", ev.Context.UserID),
		)
		if l.onSinkError != nil {
			l.onSinkError("alert", ErrAlertDropped)
		}
	}
}

// sweepAlertKeys forgets keys whose cooldown has passed. Caller holds l.mu.
func (l *Logger) sweepAlertKeys(now time.Time) {
	for k, t := range l.lastAlert {
		if now.Sub(t) >= l.alertCooldown {
			delete(l.lastAlert, k)
		}
	}
}

func (l *Logger) alertLoop() {
	defer close(l.alertDone)
	for p := range l.alertQueue {
		actx, cancel := context.WithTimeout(p.ctx, l.alertTimeout)
		if err := l.alerter.Alert(actx, p.ev); err != nil {
			l.fallback.ErrorContext(actx, "security alert delivery failed",
				slog.String("event_id", p.ev.ID),
				slog.String("user_id", p.ev.Context.UserID),
				slog.String("error", err.Error()),
			)
		}
		cancel()
	}
}

// Close delivers the queued alerts and closes every sink that is an
// io.Closer. Critical events logged after Close are not alerted.
func (l *Logger) Close() error {
	if l.alertQueue != nil {
		l.mu.Lock()
		if !l.closed {
			l.closed = true
			close(l.alertQueue)
		}
		l.mu.Unlock()
		<-l.alertDone
	}
	var errs []error
	for _, s := range l.sinks {
		if c, ok := s.(io.Closer); ok {
			if err := c.Close(); err != nil {
				errs = append(errs, fmt.Errorf("closing %s sink: %w", s.Name(), err))
			}
		}
	}
	return errors.Join(errs...)
}
