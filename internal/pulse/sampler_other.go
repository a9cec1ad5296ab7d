//go:build !linux

package pulse

import (
	"context"
	"runtime"

	"github.com/rendis/mnemos/pkg/schema"
)

type unsupportedSampler struct{}

// NewSampler returns the sampler for the running OS. Only Linux exposes host
// load without cgo; elsewhere sampling reports UNSUPPORTED_PLATFORM.
func NewSampler() Sampler {
	return unsupportedSampler{}
}

func (unsupportedSampler) Sample(context.Context) (Sample, error) {
	return Sample{CPUCount: runtime.NumCPU()}, schema.NewErrorf(schema.ErrCodeUnsupportedPlatform,
		"host load sampling is not supported on %s", runtime.GOOS)
}
