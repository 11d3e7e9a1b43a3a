package observability

import (
	"log/slog"
	"sync"
	"time"

	"github.com/jkaninda/cometx/internal/config"
)

// Anomaly kinds reported to OnAnomaly hooks.
const (
	AnomalyErrorRate    = "error_rate"
	AnomalyTimeoutBurst = "timeout_burst"
)

const (
	defaultWindowSeconds    = 300
	defaultTimeoutThreshold = 5
	minSamples              = 5
)

// AnomalyDetector performs threshold-based anomaly detection using sliding windows.
// It watches two signals per operation: the share of failed executions and
// the number of timeouts inside the window.
type AnomalyDetector struct {
	mu            sync.Mutex
	errorCounts   map[string]*slidingWindow
	successCounts map[string]*slidingWindow
	timeoutCounts map[string]*slidingWindow
	hooks         []func(kind, operation string)
	cfg           *config.AnomalyConfig
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

// NewAnomalyDetector creates an anomaly detector from config.
func NewAnomalyDetector(cfg *config.AnomalyConfig, logger *slog.Logger) *AnomalyDetector {
	return &AnomalyDetector{
		errorCounts:   make(map[string]*slidingWindow),
		successCounts: make(map[string]*slidingWindow),
		timeoutCounts: make(map[string]*slidingWindow),
		cfg:           cfg,
		logger:        logger,
	}
}

// OnAnomaly registers a hook called (with the detector lock held) each time
// a threshold is crossed. Hooks must not call back into the detector.
func (a *AnomalyDetector) OnAnomaly(fn func(kind, operation string)) {
	if a == nil {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.hooks = append(a.hooks, fn)
}

func (a *AnomalyDetector) windowDuration() time.Duration {
	secs := a.cfg.WindowSeconds
	if secs <= 0 {
		secs = defaultWindowSeconds
	}
	return time.Duration(secs) * time.Second
}

func (a *AnomalyDetector) timeoutThreshold() int {
	if a.cfg.TimeoutThreshold <= 0 {
		return defaultTimeoutThreshold
	}
	return a.cfg.TimeoutThreshold
}

// RecordError records a failed operation for anomaly tracking.
func (a *AnomalyDetector) RecordError(operation string) {
	if a == nil {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	a.getOrCreateWindow(a.errorCounts, operation).add(1)
	a.checkErrorRate(operation)
}

// RecordSuccess records a successful operation.
func (a *AnomalyDetector) RecordSuccess(operation string) {
	if a == nil {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	a.getOrCreateWindow(a.successCounts, operation).add(1)
}

// RecordTimeout records a timed-out execution. A timeout also counts as an error.
func (a *AnomalyDetector) RecordTimeout(operation string) {
	if a == nil {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	a.getOrCreateWindow(a.errorCounts, operation).add(1)
	w := a.getOrCreateWindow(a.timeoutCounts, operation)
	w.add(1)

	a.checkErrorRate(operation)

	count := int(w.sum())
	if count >= a.timeoutThreshold() {
		if a.logger != nil {
			a.logger.Warn("anomaly detected: timeout burst",
				slog.String("operation", operation),
				slog.Int("timeouts", count),
				slog.Int("threshold", a.timeoutThreshold()),
			)
		}
		a.fire(AnomalyTimeoutBurst, operation)
	}
}

// checkErrorRate checks if the error rate exceeds the configured threshold.
// Must be called with a.mu held.
func (a *AnomalyDetector) checkErrorRate(operation string) {
	threshold := a.cfg.ErrorRateThreshold
	if threshold <= 0 {
		return
	}

	errors := a.getOrCreateWindow(a.errorCounts, operation).sum()
	successes := a.getOrCreateWindow(a.successCounts, operation).sum()
	total := errors + successes

	if total < minSamples {
		return
	}

	rate := errors / total
	if rate <= threshold {
		return
	}
	if a.logger != nil {
		a.logger.Warn("anomaly detected: high error rate",
			slog.String("operation", operation),
			slog.Float64("error_rate", rate),
			slog.Float64("threshold", threshold),
			slog.Float64("errors", errors),
			slog.Float64("total", total),
		)
	}
	a.fire(AnomalyErrorRate, operation)
}

func (a *AnomalyDetector) fire(kind, operation string) {
	for _, fn := range a.hooks {
		fn(kind, operation)
	}
}

func (a *AnomalyDetector) getOrCreateWindow(m map[string]*slidingWindow, key string) *slidingWindow {
	w, ok := m[key]
	if !ok {
		w = &slidingWindow{window: a.windowDuration()}
		m[key] = w
	}
	return w
}

// add appends a value and prunes expired entries.
func (w *slidingWindow) add(value float64) {
	now := time.Now()
	w.entries = append(w.entries, windowEntry{timestamp: now, value: value})
	w.prune(now)
}

// sum returns the total value within the window.
func (w *slidingWindow) sum() float64 {
	w.prune(time.Now())
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
