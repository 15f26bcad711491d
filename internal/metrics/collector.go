// Package metrics provides simple built-in metrics collection with no
// external dependencies.
package metrics

import (
	"sync"
	"sync/atomic"
	"time"
)

// Collector tracks session and render counters.
type Collector struct {
	sessionMetrics    *SessionMetrics
	operationCounters map[string]*int64
	mu                sync.RWMutex
	startTime         time.Time
}

// SessionMetrics tracks server-level performance data.
type SessionMetrics struct {
	// Session lifecycle
	SessionsJoined        int64 `json:"sessions_joined"`
	SessionsClosed        int64 `json:"sessions_closed"`
	ActiveSessions        int64 `json:"active_sessions"`
	MaxConcurrentSessions int64 `json:"max_concurrent_sessions"`
	JoinRejections        int64 `json:"join_rejections"`

	// Dispatch
	EventsDispatched int64 `json:"events_dispatched"`
	DiffsSent        int64 `json:"diffs_sent"`
	EmptyAcks        int64 `json:"empty_acks"`
	Redirects        int64 `json:"redirects"`

	// Faults
	ContractFaults int64 `json:"contract_faults"`
	RenderErrors   int64 `json:"render_errors"`

	// Uptime
	StartTime time.Time     `json:"start_time"`
	Uptime    time.Duration `json:"uptime"`
}

// NewCollector creates a new metrics collector.
func NewCollector() *Collector {
	return &Collector{
		sessionMetrics:    &SessionMetrics{StartTime: time.Now()},
		operationCounters: make(map[string]*int64),
		startTime:         time.Now(),
	}
}

// IncrementSessionJoined records a successful join.
func (c *Collector) IncrementSessionJoined() {
	atomic.AddInt64(&c.sessionMetrics.SessionsJoined, 1)
	currentActive := atomic.AddInt64(&c.sessionMetrics.ActiveSessions, 1)

	for {
		max := atomic.LoadInt64(&c.sessionMetrics.MaxConcurrentSessions)
		if currentActive <= max {
			break
		}
		if atomic.CompareAndSwapInt64(&c.sessionMetrics.MaxConcurrentSessions, max, currentActive) {
			break
		}
	}
}

// IncrementSessionClosed records a session termination.
func (c *Collector) IncrementSessionClosed() {
	atomic.AddInt64(&c.sessionMetrics.SessionsClosed, 1)
	atomic.AddInt64(&c.sessionMetrics.ActiveSessions, -1)
}

// IncrementJoinRejection records a join rejected at descriptor verification.
func (c *Collector) IncrementJoinRejection() {
	atomic.AddInt64(&c.sessionMetrics.JoinRejections, 1)
}

// IncrementEventDispatched records a dispatched user event.
func (c *Collector) IncrementEventDispatched() {
	atomic.AddInt64(&c.sessionMetrics.EventsDispatched, 1)
}

// IncrementDiffSent records a non-empty diff delivery.
func (c *Collector) IncrementDiffSent() {
	atomic.AddInt64(&c.sessionMetrics.DiffsSent, 1)
}

// IncrementEmptyAck records a no-op acknowledgment.
func (c *Collector) IncrementEmptyAck() {
	atomic.AddInt64(&c.sessionMetrics.EmptyAcks, 1)
}

// IncrementRedirect records a delivered redirect of any kind.
func (c *Collector) IncrementRedirect() {
	atomic.AddInt64(&c.sessionMetrics.Redirects, 1)
}

// IncrementContractFault records a callback-contract fault.
func (c *Collector) IncrementContractFault() {
	atomic.AddInt64(&c.sessionMetrics.ContractFaults, 1)
}

// IncrementRenderError records a render failure.
func (c *Collector) IncrementRenderError() {
	atomic.AddInt64(&c.sessionMetrics.RenderErrors, 1)
}

// IncrementCustomCounter increments a custom named counter.
func (c *Collector) IncrementCustomCounter(name string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if counter, exists := c.operationCounters[name]; exists {
		atomic.AddInt64(counter, 1)
	} else {
		var newCounter int64 = 1
		c.operationCounters[name] = &newCounter
	}
}

// GetMetrics returns a copy of the current metrics.
func (c *Collector) GetMetrics() SessionMetrics {
	return SessionMetrics{
		SessionsJoined:        atomic.LoadInt64(&c.sessionMetrics.SessionsJoined),
		SessionsClosed:        atomic.LoadInt64(&c.sessionMetrics.SessionsClosed),
		ActiveSessions:        atomic.LoadInt64(&c.sessionMetrics.ActiveSessions),
		MaxConcurrentSessions: atomic.LoadInt64(&c.sessionMetrics.MaxConcurrentSessions),
		JoinRejections:        atomic.LoadInt64(&c.sessionMetrics.JoinRejections),
		EventsDispatched:      atomic.LoadInt64(&c.sessionMetrics.EventsDispatched),
		DiffsSent:             atomic.LoadInt64(&c.sessionMetrics.DiffsSent),
		EmptyAcks:             atomic.LoadInt64(&c.sessionMetrics.EmptyAcks),
		Redirects:             atomic.LoadInt64(&c.sessionMetrics.Redirects),
		ContractFaults:        atomic.LoadInt64(&c.sessionMetrics.ContractFaults),
		RenderErrors:          atomic.LoadInt64(&c.sessionMetrics.RenderErrors),
		StartTime:             c.sessionMetrics.StartTime,
		Uptime:                time.Since(c.startTime),
	}
}

// GetCustomCounters returns all custom counters.
func (c *Collector) GetCustomCounters() map[string]int64 {
	c.mu.RLock()
	defer c.mu.RUnlock()

	result := make(map[string]int64)
	for name, counter := range c.operationCounters {
		result[name] = atomic.LoadInt64(counter)
	}
	return result
}

// GetFaultRate returns contract faults per dispatched event, as a percentage.
func (c *Collector) GetFaultRate() float64 {
	events := atomic.LoadInt64(&c.sessionMetrics.EventsDispatched)
	faults := atomic.LoadInt64(&c.sessionMetrics.ContractFaults)

	if events == 0 {
		return 0.0
	}
	return float64(faults) / float64(events+faults) * 100.0
}

// Reset resets all metrics to zero.
func (c *Collector) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()

	atomic.StoreInt64(&c.sessionMetrics.SessionsJoined, 0)
	atomic.StoreInt64(&c.sessionMetrics.SessionsClosed, 0)
	atomic.StoreInt64(&c.sessionMetrics.ActiveSessions, 0)
	atomic.StoreInt64(&c.sessionMetrics.MaxConcurrentSessions, 0)
	atomic.StoreInt64(&c.sessionMetrics.JoinRejections, 0)
	atomic.StoreInt64(&c.sessionMetrics.EventsDispatched, 0)
	atomic.StoreInt64(&c.sessionMetrics.DiffsSent, 0)
	atomic.StoreInt64(&c.sessionMetrics.EmptyAcks, 0)
	atomic.StoreInt64(&c.sessionMetrics.Redirects, 0)
	atomic.StoreInt64(&c.sessionMetrics.ContractFaults, 0)
	atomic.StoreInt64(&c.sessionMetrics.RenderErrors, 0)

	c.operationCounters = make(map[string]*int64)

	c.startTime = time.Now()
	c.sessionMetrics.StartTime = time.Now()
}
