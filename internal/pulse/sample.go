// Package pulse samples host CPU and memory load and publishes the samples
// on a background loop that can be stopped.
package pulse

import (
	"context"
	"time"
)

// Sample is a coarse host load reading.
type Sample struct {
	CPUPercent float64   `json:"cpu_percent"`
	MemPercent float64   `json:"mem_percent"`
	CPUCount   int       `json:"cpu_count"`
	Time       time.Time `json:"time"`
}

// Env exposes the sample to expression engines.
func (s Sample) Env() map[string]any {
	return map[string]any{
		"cpu_percent": s.CPUPercent,
		"mem_percent": s.MemPercent,
		"cpu_count":   int64(s.CPUCount),
	}
}

// Sampler reads the current host load.
type Sampler interface {
	Sample(ctx context.Context) (Sample, error)
}

// SamplerFunc adapts a function to Sampler.
type SamplerFunc func(ctx context.Context) (Sample, error)

// Sample calls f.
func (f SamplerFunc) Sample(ctx context.Context) (Sample, error) { return f(ctx) }
