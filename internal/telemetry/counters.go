package telemetry

import (
	"strconv"
	"sync"
	"time"
)

// Counters is the in-process aggregate behind the JSON metrics endpoint.
// It mirrors a subset of the Prometheus collectors in a resettable form.
type Counters struct {
	mu           sync.Mutex
	since        time.Time
	total        int64
	success      int64
	byStatus     map[string]int64
	byVendor     map[string]int64
	inputTokens  int64
	outputTokens int64
	latencySum   time.Duration
}

// NewCounters returns an empty aggregate.
func NewCounters() *Counters {
	return &Counters{
		since:    time.Now(),
		byStatus: make(map[string]int64),
		byVendor: make(map[string]int64),
	}
}

// ObserveRequest records one completed request.
func (c *Counters) ObserveRequest(vendor, model string, status int, latency time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.total++
	if status >= 200 && status < 400 {
		c.success++
	}
	c.byStatus[strconv.Itoa(status)]++
	c.byVendor[vendor]++
	c.latencySum += latency
}

// ObserveTokens records token usage for one request.
func (c *Counters) ObserveTokens(_ string, input, output int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.inputTokens += int64(input)
	c.outputTokens += int64(output)
}

// CountersView is the JSON snapshot of the aggregate.
type CountersView struct {
	Since        time.Time        `json:"since"`
	Total        int64            `json:"total_requests"`
	Success      int64            `json:"success_count"`
	ByStatus     map[string]int64 `json:"by_status"`
	ByVendor     map[string]int64 `json:"by_vendor"`
	InputTokens  int64            `json:"input_tokens"`
	OutputTokens int64            `json:"output_tokens"`
	AvgLatencyMs float64          `json:"avg_latency_ms"`
}

// Snapshot copies the current counters.
func (c *Counters) Snapshot() CountersView {
	c.mu.Lock()
	defer c.mu.Unlock()

	v := CountersView{
		Since:        c.since,
		Total:        c.total,
		Success:      c.success,
		ByStatus:     make(map[string]int64, len(c.byStatus)),
		ByVendor:     make(map[string]int64, len(c.byVendor)),
		InputTokens:  c.inputTokens,
		OutputTokens: c.outputTokens,
	}
	for k, n := range c.byStatus {
		v.ByStatus[k] = n
	}
	for k, n := range c.byVendor {
		v.ByVendor[k] = n
	}
	if c.total > 0 {
		v.AvgLatencyMs = float64(c.latencySum.Milliseconds()) / float64(c.total)
	}
	return v
}

// Reset zeroes all counters and restarts the window.
func (c *Counters) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.since = time.Now()
	c.total, c.success = 0, 0
	c.inputTokens, c.outputTokens = 0, 0
	c.latencySum = 0
	clear(c.byStatus)
	clear(c.byVendor)
}
