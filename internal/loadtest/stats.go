package loadtest

import (
	"fmt"
	"math"
	"slices"
	"sync"
	"time"

	"github.com/samber/lo"
)

// Collector aggregates metrics from many load test clients. All methods are
// safe for concurrent use.
type Collector struct {
	mu               sync.Mutex
	connectLatencies []time.Duration
	msgLatencies     []time.Duration
	errors           int
	connections      int
	sent             int
	received         int
	startTime        time.Time
}

// NewCollector creates a Collector with the start time set to now.
func NewCollector() *Collector {
	return &Collector{startTime: time.Now()}
}

// AddConnect records a successful connection with its connect latency.
func (c *Collector) AddConnect(d time.Duration) {
	c.mu.Lock()
	c.connectLatencies = append(c.connectLatencies, d)
	c.connections++
	c.mu.Unlock()
}

// AddSent counts one submitted message.
func (c *Collector) AddSent() {
	c.mu.Lock()
	c.sent++
	c.mu.Unlock()
}

// AddMsgLatency records the time from submitting a message until the sender
// saw it relayed back.
func (c *Collector) AddMsgLatency(d time.Duration) {
	c.mu.Lock()
	c.msgLatencies = append(c.msgLatencies, d)
	c.received++
	c.mu.Unlock()
}

// AddError increments the error counter.
func (c *Collector) AddError() {
	c.mu.Lock()
	c.errors++
	c.mu.Unlock()
}

// ConnectionCount returns the number of recorded connections.
func (c *Collector) ConnectionCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connections
}

// ErrorCount returns the number of recorded errors.
func (c *Collector) ErrorCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.errors
}

// Summary is a percentile distribution of latency samples.
type Summary struct {
	N                       int
	Avg, P50, P95, P99, Max time.Duration
}

// Summarize computes the distribution of samples. It returns a zero Summary
// for no samples.
func Summarize(samples []time.Duration) Summary {
	n := len(samples)
	if n == 0 {
		return Summary{}
	}
	sorted := slices.Clone(samples)
	slices.Sort(sorted)

	rank := func(p float64) time.Duration {
		return sorted[int(math.Ceil(float64(n)*p))-1]
	}
	return Summary{
		N:   n,
		Avg: lo.Sum(sorted) / time.Duration(n),
		P50: sorted[n/2],
		P95: rank(0.95),
		P99: rank(0.99),
		Max: sorted[n-1],
	}
}

func (s Summary) String() string {
	r := func(d time.Duration) time.Duration { return d.Round(time.Microsecond) }
	return fmt.Sprintf("avg: %v  p50: %v  p95: %v  p99: %v  max: %v  (n=%d)",
		r(s.Avg), r(s.P50), r(s.P95), r(s.P99), r(s.Max), s.N)
}

// Report prints a summary of the collected metrics to stdout.
func (c *Collector) Report() {
	c.mu.Lock()
	defer c.mu.Unlock()

	fmt.Println("\n=== Load Test Results ===")
	fmt.Printf("Duration:     %s\n", time.Since(c.startTime).Round(time.Second))
	fmt.Printf("Connections:  %d\n", c.connections)
	fmt.Printf("Errors:       %d\n", c.errors)
	if c.sent > 0 {
		fmt.Printf("Sent:         %d\n", c.sent)
		fmt.Printf("Echoed:       %d (%.2f%%)\n", c.received, float64(c.received)/float64(c.sent)*100)
	}

	if len(c.connectLatencies) > 0 {
		fmt.Println("\n--- Connect Latency ---")
		fmt.Println("  " + Summarize(c.connectLatencies).String())
	}
	if len(c.msgLatencies) > 0 {
		fmt.Println("\n--- Relay Latency ---")
		fmt.Println("  " + Summarize(c.msgLatencies).String())
	}
	fmt.Println()
}
