package observability

import (
	"log/slog"
	"sync"
	"time"

	"github.com/jkaninda/toolgate/internal/config"
)

// minErrorSamples is how many outcomes a tool needs before its error rate
// is judged.
const minErrorSamples = 5

// Anomaly kinds reported to metrics.
const (
	AnomalyRepeatedDenials = "repeated_denials"
	AnomalyErrorRate       = "error_rate"
)

// AnomalyDetector performs threshold-based anomaly detection using sliding
// windows: error rate per tool, and repeated denials per session.
type AnomalyDetector struct {
	mu            sync.Mutex
	errorCounts   map[string]*slidingWindow
	successCounts map[string]*slidingWindow
	denials       map[string]*slidingWindow
	cfg           config.AnomalyConfig
	window        time.Duration
	now           func() time.Time
	metrics       *MetricsCollector
	logger        *slog.Logger
}

type slidingWindow struct {
	entries []windowEntry
	window  time.Duration
}

type windowEntry struct {
	timestamp time.Time
	value     float64
}

// AnomalyOption configures an AnomalyDetector.
type AnomalyOption func(*AnomalyDetector)

// WithAnomalyClock replaces time.Now.
func WithAnomalyClock(now func() time.Time) AnomalyOption {
	return func(a *AnomalyDetector) { a.now = now }
}

// WithAnomalyMetrics counts detections on m.
func WithAnomalyMetrics(m *MetricsCollector) AnomalyOption {
	return func(a *AnomalyDetector) { a.metrics = m }
}

// NewAnomalyDetector creates an anomaly detector from config.
// Returns nil when detection is disabled; every method is nil-safe.
func NewAnomalyDetector(cfg config.AnomalyConfig, logger *slog.Logger, opts ...AnomalyOption) *AnomalyDetector {
	if !cfg.Enabled {
		return nil
	}
	a := &AnomalyDetector{
		errorCounts:   make(map[string]*slidingWindow),
		successCounts: make(map[string]*slidingWindow),
		denials:       make(map[string]*slidingWindow),
		cfg:           cfg,
		window:        cfg.Window(),
		now:           time.Now,
		logger:        logger,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// RecordError records a failed execution of a tool.
func (a *AnomalyDetector) RecordError(tool string) {
	if a == nil {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	a.getOrCreateWindow(a.errorCounts, tool).add(a.now(), 1)
	a.checkErrorRate(tool)
}

// RecordSuccess records a successful execution of a tool.
func (a *AnomalyDetector) RecordSuccess(tool string) {
	if a == nil {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	a.getOrCreateWindow(a.successCounts, tool).add(a.now(), 1)
}

// RecordDenial records a denial for session and reports whether the
// session has reached the denial threshold within the window. Every denial
// at or past the threshold reports true.
func (a *AnomalyDetector) RecordDenial(session string) bool {
	if a == nil || a.cfg.DenialThreshold <= 0 {
		return false
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	now := a.now()
	w := a.getOrCreateWindow(a.denials, session)
	w.add(now, 1)
	count := int(w.sum(now))
	if count < a.cfg.DenialThreshold {
		return false
	}

	a.metrics.RecordAnomaly(AnomalyRepeatedDenials)
	if a.logger != nil {
		a.logger.Warn("anomaly detected: repeated denials",
			slog.Int("denials", count),
			slog.Int("threshold", a.cfg.DenialThreshold),
			slog.Duration("window", a.window),
		)
	}
	return true
}

// Denials returns how many denials session has within the window.
func (a *AnomalyDetector) Denials(session string) int {
	if a == nil {
		return 0
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	w, ok := a.denials[session]
	if !ok {
		return 0
	}
	return int(w.sum(a.now()))
}

// ErrorRate returns the error rate of tool within the window and whether
// enough samples exist to judge it.
func (a *AnomalyDetector) ErrorRate(tool string) (float64, bool) {
	if a == nil {
		return 0, false
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.errorRate(tool)
}

// Prune drops windows with no entries left. Returns how many went.
func (a *AnomalyDetector) Prune() int {
	if a == nil {
		return 0
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	now := a.now()
	n := 0
	for _, m := range []map[string]*slidingWindow{a.errorCounts, a.successCounts, a.denials} {
		for key, w := range m {
			w.prune(now)
			if len(w.entries) == 0 {
				delete(m, key)
				n++
			}
		}
	}
	return n
}

// errorRate must be called with a.mu held.
func (a *AnomalyDetector) errorRate(tool string) (float64, bool) {
	now := a.now()
	var errs, oks float64
	if w, ok := a.errorCounts[tool]; ok {
		errs = w.sum(now)
	}
	if w, ok := a.successCounts[tool]; ok {
		oks = w.sum(now)
	}
	total := errs + oks
	if total < minErrorSamples {
		return 0, false
	}
	return errs / total, true
}

// checkErrorRate must be called with a.mu held.
func (a *AnomalyDetector) checkErrorRate(tool string) {
	threshold := a.cfg.ErrorRateThreshold
	if threshold <= 0 {
		return
	}
	rate, ok := a.errorRate(tool)
	if !ok || rate <= threshold {
		return
	}
	a.metrics.RecordAnomaly(AnomalyErrorRate)
	if a.logger != nil {
		a.logger.Warn("anomaly detected: high error rate",
			slog.String("tool", tool),
			slog.Float64("error_rate", rate),
			slog.Float64("threshold", threshold),
		)
	}
}

func (a *AnomalyDetector) getOrCreateWindow(m map[string]*slidingWindow, key string) *slidingWindow {
	w, ok := m[key]
	if !ok {
		w = &slidingWindow{window: a.window}
		m[key] = w
	}
	return w
}

// add appends a value and prunes expired entries.
func (w *slidingWindow) add(now time.Time, value float64) {
	w.entries = append(w.entries, windowEntry{timestamp: now, value: value})
	w.prune(now)
}

// sum returns the total value within the window.
func (w *slidingWindow) sum(now time.Time) float64 {
	w.prune(now)
	var total float64
	for _, e := range w.entries {
		total += e.value
	}
	return total
}

// prune removes entries older than the window duration.
func (w *slidingWindow) prune(now time.Time) {
	cutoff := now.Add(-w.window)
	i := 0
	for i < len(w.entries) && w.entries[i].timestamp.Before(cutoff) {
		i++
	}
	if i > 0 {
		w.entries = w.entries[i:]
	}
}
