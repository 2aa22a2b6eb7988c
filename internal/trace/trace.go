// Package trace provides request-scoped event and counter collection with a
// stable JSON output schema (v1). Disabled collectors are near-free: every
// method returns before taking the lock.
package trace

import (
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// SchemaVersion identifies the output shape. New counters may be added as
// additional keys; removed counters become explicit nulls.
const SchemaVersion = "v1"

// Event is a single timed trace entry.
type Event struct {
	Stage  string                 `json:"stage"`
	Name   string                 `json:"name"`
	TSMS   float64                `json:"ts_ms"`
	Status string                 `json:"status"`
	Attrs  map[string]interface{} `json:"attrs"`
}

// TokenUsage is the summary token block.
type TokenUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
	TotalTokens  int `json:"total_tokens"`
}

// VectorSummary aggregates vector-search counters.
type VectorSummary struct {
	SearchCalls              int    `json:"search_calls"`
	CandidatesScored         int    `json:"candidates_scored"`
	CandidatesAfterThreshold int    `json:"candidates_after_threshold"`
	Returned                 int    `json:"returned"`
	VectorsScanned           int    `json:"vectors_scanned"`
	ScanUnavailableReason    string `json:"scan_unavailable_reason"`
}

// SemanticNodes is the final queue-population snapshot. Pointers so
// non-applicable fields serialise as null.
type SemanticNodes struct {
	TotalNodes      *int `json:"total_nodes"`
	DoneNodes       *int `json:"done_nodes"`
	PendingNodes    *int `json:"pending_nodes"`
	InProgressNodes *int `json:"in_progress_nodes"`
}

// MemorySummary reports extraction outcomes.
type MemorySummary struct {
	MemoriesExtracted *int `json:"memories_extracted"`
}

// ErrorSummary reports the first recorded failure.
type ErrorSummary struct {
	ErrorStage string `json:"error_stage"`
	ErrorCode  string `json:"error_code"`
	Message    string `json:"message"`
}

// Summary is the normalized metrics block.
type Summary struct {
	TraceID         string        `json:"trace_id"`
	Operation       string        `json:"operation"`
	Status          string        `json:"status"`
	TotalDurationMS float64       `json:"total_duration_ms"`
	TokenUsage      TokenUsage    `json:"token_usage"`
	Vector          VectorSummary `json:"vector"`
	SemanticNodes   SemanticNodes `json:"semantic_nodes"`
	Memory          MemorySummary `json:"memory"`
	Errors          ErrorSummary  `json:"errors"`
	EventsTruncated bool          `json:"events_truncated"`
	DroppedEvents   int           `json:"dropped_events"`
}

// Result is the final request trace output.
type Result struct {
	SchemaVersion string  `json:"schema_version"`
	Summary       Summary `json:"summary"`
	Events        []Event `json:"events"`
}

// Collector gathers per-request events, counters and gauges. A nil or
// disabled Collector is safe to call from any goroutine.
type Collector struct {
	operation string
	enabled   bool
	traceID   string
	maxEvents int
	start     time.Time

	mu       sync.Mutex
	events   []Event
	counters map[string]float64
	gauges   map[string]interface{}
	dropped  int
	errStage string
	errCode  string
	errMsg   string
}

// New creates a collector. When enabled is false every method no-ops.
func New(operation string, enabled bool, maxEvents int) *Collector {
	if maxEvents <= 0 {
		maxEvents = 500
	}
	c := &Collector{
		operation: operation,
		enabled:   enabled,
		maxEvents: maxEvents,
		start:     time.Now(),
	}
	if enabled {
		c.traceID = "tr_" + strings.ReplaceAll(uuid.NewString(), "-", "")
		c.counters = make(map[string]float64)
		c.gauges = make(map[string]interface{})
	}
	return c
}

// Enabled reports whether the collector records anything.
func (c *Collector) Enabled() bool { return c != nil && c.enabled }

// Event records one timed event. Events beyond the cap are dropped and
// counted.
func (c *Collector) Event(stage, name, status string, attrs map[string]interface{}) {
	if !c.Enabled() {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.events) >= c.maxEvents {
		c.dropped++
		return
	}
	if attrs == nil {
		attrs = map[string]interface{}{}
	}
	c.events = append(c.events, Event{
		Stage:  stage,
		Name:   name,
		TSMS:   float64(time.Since(c.start).Microseconds()) / 1000.0,
		Status: status,
		Attrs:  attrs,
	})
}

// Count adds delta to a cumulative counter.
func (c *Collector) Count(key string, delta float64) {
	if !c.Enabled() {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.counters[key] += delta
}

// Set records a gauge (final snapshot value).
func (c *Collector) Set(key string, value interface{}) {
	if !c.Enabled() {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.gauges[key] = value
}

// AddTokenUsage accumulates summariser token consumption.
func (c *Collector) AddTokenUsage(input, output int) {
	if !c.Enabled() {
		return
	}
	if input < 0 {
		input = 0
	}
	if output < 0 {
		output = 0
	}
	c.Count("token.input_tokens", float64(input))
	c.Count("token.output_tokens", float64(output))
	c.Count("token.total_tokens", float64(input+output))
}

// SetError records the first failure's stage/code/message.
func (c *Collector) SetError(stage, code, message string) {
	if !c.Enabled() {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.errCode != "" {
		return
	}
	c.errStage, c.errCode, c.errMsg = stage, code, message
}

// Finish freezes the collector into its stable output. Returns nil when
// disabled.
func (c *Collector) Finish(status string) *Result {
	if !c.Enabled() {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	duration := float64(time.Since(c.start).Microseconds()) / 1000.0

	intCounter := func(key string) int { return int(c.counters[key]) }
	intGauge := func(key string) (int, bool) {
		v, ok := c.gauges[key]
		if !ok {
			return 0, false
		}
		switch n := v.(type) {
		case int:
			return n, true
		case int64:
			return int(n), true
		case float64:
			return int(n), true
		}
		return 0, false
	}
	optGauge := func(key string) *int {
		if n, ok := intGauge(key); ok {
			return &n
		}
		return nil
	}

	vectorsScanned, ok := intGauge("vector.vectors_scanned")
	if !ok {
		vectorsScanned = intCounter("vector.vectors_scanned")
	}
	returned, ok := intGauge("vector.returned")
	if !ok {
		returned = intCounter("vector.returned")
	}
	scanReason, _ := c.gauges["vector.scan_unavailable_reason"].(string)

	summary := Summary{
		TraceID:         c.traceID,
		Operation:       c.operation,
		Status:          status,
		TotalDurationMS: duration,
		TokenUsage: TokenUsage{
			InputTokens:  intCounter("token.input_tokens"),
			OutputTokens: intCounter("token.output_tokens"),
			TotalTokens:  intCounter("token.total_tokens"),
		},
		Vector: VectorSummary{
			SearchCalls:              intCounter("vector.search_calls"),
			CandidatesScored:         intCounter("vector.candidates_scored"),
			CandidatesAfterThreshold: intCounter("vector.candidates_after_threshold"),
			Returned:                 returned,
			VectorsScanned:           vectorsScanned,
			ScanUnavailableReason:    scanReason,
		},
		SemanticNodes: SemanticNodes{
			TotalNodes:      optGauge("semantic_nodes.total_nodes"),
			DoneNodes:       optGauge("semantic_nodes.done_nodes"),
			PendingNodes:    optGauge("semantic_nodes.pending_nodes"),
			InProgressNodes: optGauge("semantic_nodes.in_progress_nodes"),
		},
		Memory: MemorySummary{
			MemoriesExtracted: optGauge("memory.memories_extracted"),
		},
		Errors: ErrorSummary{
			ErrorStage: c.errStage,
			ErrorCode:  c.errCode,
			Message:    c.errMsg,
		},
		EventsTruncated: c.dropped > 0,
		DroppedEvents:   c.dropped,
	}

	events := make([]Event, len(c.events))
	copy(events, c.events)

	return &Result{
		SchemaVersion: SchemaVersion,
		Summary:       summary,
		Events:        events,
	}
}
