// Package metrics aggregates Agent Runner loop counters from the event bus
// and renders the /api/metrics payload.
package metrics

import (
	"sync"
	"time"

	"github.com/crypton-sys/crypton/internal/events"
	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
)

// errorRingSize bounds the retained error records served by /api/errors.
const errorRingSize = 100

// ErrorRecord is one captured failure.
type ErrorRecord struct {
	Timestamp time.Time              `json:"timestamp"`
	EventType string                 `json:"event_type"`
	Module    string                 `json:"module,omitempty"`
	Data      map[string]interface{} `json:"data,omitempty"`
}

// Counters are the monotonically increasing loop counters.
type Counters struct {
	CyclesStarted   uint64 `json:"cycles_started"`
	CyclesCompleted uint64 `json:"cycles_completed"`
	CyclesForced    uint64 `json:"cycles_forced"`
	StepsCompleted  uint64 `json:"steps_completed"`
	StepsFailed     uint64 `json:"steps_failed"`
	StepRetries     uint64 `json:"step_retries"`
	ToolCalls       uint64 `json:"tool_calls"`
	ToolFailures    uint64 `json:"tool_failures"`
}

// SystemStats is the host resource section.
type SystemStats struct {
	CPUPercent float64 `json:"cpu_percent"`
	RAMPercent float64 `json:"ram_percent"`
}

// Payload is the /api/metrics response body.
type Payload struct {
	UptimeSeconds float64     `json:"uptime_seconds"`
	Counters      Counters    `json:"counters"`
	System        SystemStats `json:"system"`
}

// Collector tallies loop events from the bus.
type Collector struct {
	log     zerolog.Logger
	started time.Time

	mu       sync.Mutex
	counters Counters
	errors   []ErrorRecord
}

// NewCollector creates a collector; call Attach to start tallying.
func NewCollector(log zerolog.Logger) *Collector {
	return &Collector{
		log:     log.With().Str("component", "metrics").Logger(),
		started: time.Now(),
	}
}

// Attach subscribes to the bus and consumes events until the subscription
// channel closes.
func (c *Collector) Attach(bus *events.Bus) {
	sub := bus.Subscribe()
	go func() {
		for ev := range sub.Events() {
			c.observe(ev)
		}
	}()
}

func (c *Collector) observe(ev events.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch ev.Type {
	case events.CycleStarted:
		c.counters.CyclesStarted++
	case events.CycleCompleted:
		c.counters.CyclesCompleted++
	case events.CycleForceComplete:
		c.counters.CyclesForced++
	case events.StepCompleted:
		c.counters.StepsCompleted++
	case events.StepFailed:
		c.counters.StepsFailed++
		c.recordErrorLocked(ev)
	case events.StepRetry:
		c.counters.StepRetries++
	case events.ToolExecuted:
		c.counters.ToolCalls++
	case events.ToolFailed:
		c.counters.ToolCalls++
		c.counters.ToolFailures++
	case events.ErrorOccurred:
		c.recordErrorLocked(ev)
	}
}

func (c *Collector) recordErrorLocked(ev events.Event) {
	c.errors = append(c.errors, ErrorRecord{
		Timestamp: ev.Timestamp,
		EventType: string(ev.Type),
		Module:    ev.Module,
		Data:      ev.Data,
	})
	if len(c.errors) > errorRingSize {
		c.errors = c.errors[len(c.errors)-errorRingSize:]
	}
}

// Errors returns retained error records, newest first.
func (c *Collector) Errors() []ErrorRecord {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]ErrorRecord, 0, len(c.errors))
	for i := len(c.errors) - 1; i >= 0; i-- {
		out = append(out, c.errors[i])
	}
	return out
}

// Assemble renders the metrics payload.
func (c *Collector) Assemble() Payload {
	c.mu.Lock()
	counters := c.counters
	c.mu.Unlock()

	return Payload{
		UptimeSeconds: time.Since(c.started).Seconds(),
		Counters:      counters,
		System:        systemStats(c.log),
	}
}

// systemStats samples host CPU and memory with a short CPU window so the
// handler stays responsive.
func systemStats(log zerolog.Logger) SystemStats {
	var s SystemStats
	if pct, err := cpu.Percent(100*time.Millisecond, false); err != nil {
		log.Warn().Err(err).Msg("Failed to read CPU percentage")
	} else if len(pct) > 0 {
		s.CPUPercent = pct[0]
	}
	if vm, err := mem.VirtualMemory(); err != nil {
		log.Warn().Err(err).Msg("Failed to read memory statistics")
	} else {
		s.RAMPercent = vm.UsedPercent
	}
	return s
}
