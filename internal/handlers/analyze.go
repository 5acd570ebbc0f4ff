package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"sort"

	"github.com/taskwell/taskwell/internal/task"
)

// AnalyzePayload is the payload schema for data-analysis tasks: a metric
// name and the series to aggregate.
type AnalyzePayload struct {
	Metric string    `json:"metric"`
	Values []float64 `json:"values"`
}

// AnalyzeResult summarizes the series.
type AnalyzeResult struct {
	Metric string  `json:"metric"`
	Count  int     `json:"count"`
	Min    float64 `json:"min"`
	Max    float64 `json:"max"`
	Mean   float64 `json:"mean"`
	Median float64 `json:"median"`
	StdDev float64 `json:"std_dev"`
}

// AnalyzeHandler computes summary statistics over a numeric series.
type AnalyzeHandler struct {
	queue string
}

// NewAnalyzeHandler creates an AnalyzeHandler running on the given queue.
func NewAnalyzeHandler(queue string) *AnalyzeHandler {
	return &AnalyzeHandler{queue: queue}
}

// Type implements task.Handler.
func (h *AnalyzeHandler) Type() string { return "analyze" }

// Queue implements task.Handler.
func (h *AnalyzeHandler) Queue() string { return h.queue }

// ValidatePayload requires a metric name and a non-empty series.
func (h *AnalyzeHandler) ValidatePayload(payload json.RawMessage) error {
	var p AnalyzePayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return fmt.Errorf("%w: %v", task.ErrInvalidPayload, err)
	}
	if p.Metric == "" {
		return fmt.Errorf("%w: metric is required", task.ErrInvalidPayload)
	}
	if len(p.Values) == 0 {
		return fmt.Errorf("%w: values must be non-empty", task.ErrInvalidPayload)
	}
	return nil
}

// Execute aggregates the series. Analysis is pure computation, so any
// failure here is terminal: the same input always fails the same way.
func (h *AnalyzeHandler) Execute(ctx context.Context, payload json.RawMessage) (json.RawMessage, error) {
	var p AnalyzePayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return nil, task.Terminal(fmt.Errorf("malformed payload: %w", err))
	}
	if len(p.Values) == 0 {
		return nil, task.Terminal(fmt.Errorf("empty series"))
	}

	sorted := append([]float64(nil), p.Values...)
	sort.Float64s(sorted)

	var sum float64
	for _, v := range sorted {
		sum += v
	}
	mean := sum / float64(len(sorted))

	var variance float64
	for _, v := range sorted {
		variance += (v - mean) * (v - mean)
	}
	variance /= float64(len(sorted))

	median := sorted[len(sorted)/2]
	if len(sorted)%2 == 0 {
		median = (sorted[len(sorted)/2-1] + sorted[len(sorted)/2]) / 2
	}

	return json.Marshal(AnalyzeResult{
		Metric: p.Metric,
		Count:  len(sorted),
		Min:    sorted[0],
		Max:    sorted[len(sorted)-1],
		Mean:   mean,
		Median: median,
		StdDev: math.Sqrt(variance),
	})
}
