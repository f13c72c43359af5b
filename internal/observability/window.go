package observability

import (
	"fmt"
	"math"
	"sort"
	"sync"
	"time"
)

// WindowSnapshot summarizes recent conversation processing health.
type WindowSnapshot struct {
	GeneratedAt         time.Time `json:"generated_at"`
	WindowSize          int       `json:"window_size"`
	Samples             int       `json:"samples"`
	LastMS              float64   `json:"last_ms"`
	AvgMS               float64   `json:"avg_ms"`
	P50MS               float64   `json:"p50_ms"`
	P95MS               float64   `json:"p95_ms"`
	P99MS               float64   `json:"p99_ms"`
	CacheHitRate        float64   `json:"cache_hit_rate"`
	ErrorRate           float64   `json:"error_rate"`
	ThroughputPerMinute float64   `json:"throughput_per_minute"`
}

// Alert signals a crossed health threshold.
type Alert struct {
	Source string
	Detail string
}

// AlertFunc receives alerts; it must not block.
type AlertFunc func(Alert)

// Thresholds configure when a ConversationWindow raises alerts.
// Zero values disable the corresponding check.
type Thresholds struct {
	P95Latency time.Duration
	ErrorRate  float64
}

// ConversationWindow keeps a bounded ring of latency samples plus
// hit/error counters for rate computation. Alerts are edge-triggered:
// one per threshold crossing until the value recovers.
type ConversationWindow struct {
	mu         sync.RWMutex
	maxSamples int
	values     []float64
	next       int
	filled     bool
	last       float64

	hits      int
	misses    int
	errors    int
	processed int
	startedAt time.Time

	thresholds Thresholds
	alertFn    AlertFunc
	alerted    map[string]bool
}

func NewConversationWindow(maxSamples int, thresholds Thresholds) *ConversationWindow {
	if maxSamples <= 0 {
		maxSamples = 256
	}
	return &ConversationWindow{
		maxSamples: maxSamples,
		values:     make([]float64, maxSamples),
		startedAt:  time.Now(),
		thresholds: thresholds,
		alerted:    make(map[string]bool),
	}
}

// SetAlertFunc registers the alert sink. Pass nil to disable.
func (w *ConversationWindow) SetAlertFunc(fn AlertFunc) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.alertFn = fn
}

// ObserveLatency records one end-to-end utterance latency sample.
func (w *ConversationWindow) ObserveLatency(d time.Duration) {
	ms := float64(d.Milliseconds())
	if ms < 0 {
		return
	}

	w.mu.Lock()
	w.values[w.next] = ms
	w.last = ms
	w.next++
	if w.next >= len(w.values) {
		w.next = 0
		w.filled = true
	}
	w.processed++
	alerts := w.pendingAlertsLocked()
	fn := w.alertFn
	w.mu.Unlock()

	dispatch(fn, alerts)
}

func (w *ConversationWindow) RecordCacheHit()  { w.bump(&w.hits) }
func (w *ConversationWindow) RecordCacheMiss() { w.bump(&w.misses) }

// RecordError counts a failed utterance and re-evaluates thresholds.
func (w *ConversationWindow) RecordError() {
	w.mu.Lock()
	w.errors++
	w.processed++
	alerts := w.pendingAlertsLocked()
	fn := w.alertFn
	w.mu.Unlock()

	dispatch(fn, alerts)
}

func (w *ConversationWindow) bump(field *int) {
	w.mu.Lock()
	*field++
	w.mu.Unlock()
}

func (w *ConversationWindow) Snapshot() WindowSnapshot {
	w.mu.RLock()
	defer w.mu.RUnlock()

	samples := w.sortedSamplesLocked()
	snap := WindowSnapshot{
		GeneratedAt:  time.Now().UTC(),
		WindowSize:   w.maxSamples,
		Samples:      len(samples),
		LastMS:       round2(w.last),
		CacheHitRate: rate(w.hits, w.hits+w.misses),
		ErrorRate:    rate(w.errors, w.processed),
	}
	if minutes := time.Since(w.startedAt).Minutes(); minutes > 0 {
		snap.ThroughputPerMinute = round2(float64(w.processed) / minutes)
	}
	if len(samples) > 0 {
		sum := 0.0
		for _, v := range samples {
			sum += v
		}
		snap.AvgMS = round2(sum / float64(len(samples)))
		snap.P50MS = round2(quantile(samples, 0.50))
		snap.P95MS = round2(quantile(samples, 0.95))
		snap.P99MS = round2(quantile(samples, 0.99))
	}
	return snap
}

func (w *ConversationWindow) sortedSamplesLocked() []float64 {
	n := w.next
	if w.filled {
		n = len(w.values)
	}
	if n <= 0 {
		return nil
	}
	samples := make([]float64, n)
	copy(samples, w.values[:n])
	sort.Float64s(samples)
	return samples
}

func (w *ConversationWindow) pendingAlertsLocked() []Alert {
	var alerts []Alert

	if w.thresholds.P95Latency > 0 {
		samples := w.sortedSamplesLocked()
		if len(samples) >= 4 {
			p95 := quantile(samples, 0.95)
			limit := float64(w.thresholds.P95Latency.Milliseconds())
			if p95 > limit {
				if !w.alerted["p95_latency"] {
					w.alerted["p95_latency"] = true
					alerts = append(alerts, Alert{
						Source: "p95_latency",
						Detail: fmt.Sprintf("p95 %.0fms exceeds %.0fms", p95, limit),
					})
				}
			} else {
				w.alerted["p95_latency"] = false
			}
		}
	}

	if w.thresholds.ErrorRate > 0 && w.processed >= 4 {
		er := rate(w.errors, w.processed)
		if er > w.thresholds.ErrorRate {
			if !w.alerted["error_rate"] {
				w.alerted["error_rate"] = true
				alerts = append(alerts, Alert{
					Source: "error_rate",
					Detail: fmt.Sprintf("error rate %.2f exceeds %.2f", er, w.thresholds.ErrorRate),
				})
			}
		} else {
			w.alerted["error_rate"] = false
		}
	}

	return alerts
}

func dispatch(fn AlertFunc, alerts []Alert) {
	if fn == nil {
		return
	}
	for _, a := range alerts {
		fn(a)
	}
}

func rate(part, total int) float64 {
	if total <= 0 {
		return 0
	}
	return round2(float64(part) / float64(total))
}

func quantile(sorted []float64, q float64) float64 {
	if len(sorted) == 0 {
		return 0
	}
	if q <= 0 {
		return sorted[0]
	}
	if q >= 1 {
		return sorted[len(sorted)-1]
	}
	idx := q * float64(len(sorted)-1)
	lo := int(math.Floor(idx))
	hi := int(math.Ceil(idx))
	if lo == hi {
		return sorted[lo]
	}
	frac := idx - float64(lo)
	return sorted[lo]*(1-frac) + sorted[hi]*frac
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
