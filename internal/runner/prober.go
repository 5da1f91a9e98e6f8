package runner

import (
	"context"
	"slices"
	"time"
)

// modelLister is the local runtime surface the prober needs.
type modelLister interface {
	ListModels(ctx context.Context) ([]string, error)
}

// ProbeResult is the outcome of one runtime probe.
type ProbeResult struct {
	// Running reports whether the runtime answered.
	Running bool
	// Models is the installed model list, in runtime order. Empty when the
	// runtime is stopped.
	Models []string
}

// Prober determines liveness of the local runtime and its model list.
//
// Any network or connect error maps to a stopped result; a probe never
// fails hard.
type Prober struct {
	runtime modelLister
	timeout time.Duration

	probed bool
	last   ProbeResult

	// onChange fires when the result differs from the previous probe, and
	// always on the first probe.
	onChange func(ProbeResult)
}

// NewProber creates a prober over the given runtime. timeout bounds each
// probe request. onChange may be nil.
func NewProber(runtime modelLister, timeout time.Duration, onChange func(ProbeResult)) *Prober {
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	return &Prober{runtime: runtime, timeout: timeout, onChange: onChange}
}

// Probe performs a single bounded-timeout probe and fires onChange when the
// result changed.
func (p *Prober) Probe(ctx context.Context) ProbeResult {
	probeCtx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	var result ProbeResult
	if models, err := p.runtime.ListModels(probeCtx); err == nil {
		result = ProbeResult{Running: true, Models: models}
	}

	changed := !p.probed ||
		result.Running != p.last.Running ||
		!slices.Equal(result.Models, p.last.Models)
	p.probed = true
	p.last = result

	if changed && p.onChange != nil {
		p.onChange(result)
	}
	return result
}

// Run probes immediately and then on every interval tick until ctx ends.
func (p *Prober) Run(ctx context.Context, interval time.Duration) {
	p.Probe(ctx)

	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.Probe(ctx)
		}
	}
}
