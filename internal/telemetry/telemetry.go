package telemetry

import (
	"log"
	"os"
	"sync"
	"time"
)

// Telemetry tracks engine health counters and periodically logs a summary.
// Everything here is best-effort observation; a nil *Telemetry is safe to call.
type Telemetry struct {
	logger  *log.Logger
	metrics *Metrics
	stop    chan struct{}
	once    sync.Once
}

// Metrics holds engine performance counters.
type Metrics struct {
	mu sync.RWMutex

	ValidationsRun   int64
	ValidationErrors int64
	IssuesDetected   map[string]int64 // issue type -> count
	IssuesResolved   int64

	ProviderCalls    int64
	ProviderFailures int64
	ProviderTimeouts int64

	CacheHits   int64
	CacheMisses int64

	TotalValidationTime time.Duration
}

// New builds a Telemetry instance. When periodicLogs is true a background
// goroutine dumps a summary every interval until Shutdown.
func New(periodicLogs bool, interval time.Duration) *Telemetry {
	t := &Telemetry{
		logger:  log.New(os.Stdout, "[TELEMETRY] ", log.LstdFlags),
		metrics: &Metrics{IssuesDetected: map[string]int64{}},
		stop:    make(chan struct{}),
	}
	if periodicLogs {
		if interval <= 0 {
			interval = 5 * time.Minute
		}
		go t.loop(interval)
	}
	return t
}

func (t *Telemetry) loop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-t.stop:
			return
		case <-ticker.C:
			t.LogSummary()
		}
	}
}

// Shutdown stops the periodic logger and emits a final summary.
func (t *Telemetry) Shutdown() {
	if t == nil {
		return
	}
	t.once.Do(func() {
		close(t.stop)
		t.LogSummary()
	})
}

// RecordValidation notes one completed validation call.
func (t *Telemetry) RecordValidation(d time.Duration, issueCount int, err error) {
	if t == nil {
		return
	}
	t.metrics.mu.Lock()
	defer t.metrics.mu.Unlock()
	t.metrics.ValidationsRun++
	t.metrics.TotalValidationTime += d
	if err != nil {
		t.metrics.ValidationErrors++
	}
}

// RecordIssue notes a detected issue by type.
func (t *Telemetry) RecordIssue(issueType string) {
	if t == nil {
		return
	}
	t.metrics.mu.Lock()
	defer t.metrics.mu.Unlock()
	t.metrics.IssuesDetected[issueType]++
}

// RecordResolution notes a resolved issue.
func (t *Telemetry) RecordResolution() {
	if t == nil {
		return
	}
	t.metrics.mu.Lock()
	defer t.metrics.mu.Unlock()
	t.metrics.IssuesResolved++
}

// RecordProviderCall notes one similarity-provider call and its outcome.
func (t *Telemetry) RecordProviderCall(timedOut bool, err error) {
	if t == nil {
		return
	}
	t.metrics.mu.Lock()
	defer t.metrics.mu.Unlock()
	t.metrics.ProviderCalls++
	if timedOut {
		t.metrics.ProviderTimeouts++
	} else if err != nil {
		t.metrics.ProviderFailures++
	}
}

// RecordCacheLookup notes a score-cache hit or miss.
func (t *Telemetry) RecordCacheLookup(hit bool) {
	if t == nil {
		return
	}
	t.metrics.mu.Lock()
	defer t.metrics.mu.Unlock()
	if hit {
		t.metrics.CacheHits++
	} else {
		t.metrics.CacheMisses++
	}
}

// Snapshot returns a copy of the current counters.
func (t *Telemetry) Snapshot() Metrics {
	if t == nil {
		return Metrics{IssuesDetected: map[string]int64{}}
	}
	t.metrics.mu.RLock()
	defer t.metrics.mu.RUnlock()
	out := Metrics{
		ValidationsRun:      t.metrics.ValidationsRun,
		ValidationErrors:    t.metrics.ValidationErrors,
		IssuesResolved:      t.metrics.IssuesResolved,
		ProviderCalls:       t.metrics.ProviderCalls,
		ProviderFailures:    t.metrics.ProviderFailures,
		ProviderTimeouts:    t.metrics.ProviderTimeouts,
		CacheHits:           t.metrics.CacheHits,
		CacheMisses:         t.metrics.CacheMisses,
		TotalValidationTime: t.metrics.TotalValidationTime,
		IssuesDetected:      make(map[string]int64, len(t.metrics.IssuesDetected)),
	}
	for k, v := range t.metrics.IssuesDetected {
		out.IssuesDetected[k] = v
	}
	return out
}

// LogSummary dumps current counters to the telemetry logger.
func (t *Telemetry) LogSummary() {
	if t == nil {
		return
	}
	m := t.Snapshot()
	avg := time.Duration(0)
	if m.ValidationsRun > 0 {
		avg = m.TotalValidationTime / time.Duration(m.ValidationsRun)
	}
	t.logger.Printf("validations=%d errors=%d avg=%s provider_calls=%d provider_failures=%d provider_timeouts=%d cache_hits=%d cache_misses=%d resolved=%d",
		m.ValidationsRun, m.ValidationErrors, avg, m.ProviderCalls, m.ProviderFailures, m.ProviderTimeouts, m.CacheHits, m.CacheMisses, m.IssuesResolved)
}
