package bench

import (
	"context"
	"log/slog"
	"sort"
	"time"

	"modelbroker/internal/core"
	"modelbroker/internal/perf"
)

// ProbeFunc issues one tiny calibration call against a model spec and
// returns its wall latency. The broker wires this to the transport.
type ProbeFunc func(ctx context.Context, spec core.ModelSpec) (time.Duration, error)

// Prober runs bounded benchmark passes: at most MaxSpecs specs per pass and
// RunsPerSpec probes per spec, so a pass can never turn into a storm.
type Prober struct {
	Bench *Store
	Perf  *perf.Store
	Probe ProbeFunc

	MaxSpecs    int
	RunsPerSpec int
}

// NewProber creates a prober with the default bounds.
func NewProber(bench *Store, perfStore *perf.Store, probe ProbeFunc) *Prober {
	return &Prober{
		Bench:       bench,
		Perf:        perfStore,
		Probe:       probe,
		MaxSpecs:    4,
		RunsPerSpec: 3,
	}
}

// Run benchmarks the given specs, recording the median latency of each into
// the benchmark store and a calibration sample into the performance store.
// Failed probes are skipped; a spec with no successful run records nothing.
func (p *Prober) Run(ctx context.Context, specs []core.ModelSpec) {
	limit := len(specs)
	if p.MaxSpecs > 0 && limit > p.MaxSpecs {
		limit = p.MaxSpecs
	}

	for _, spec := range specs[:limit] {
		if ctx.Err() != nil {
			return
		}

		runs := p.RunsPerSpec
		if runs <= 0 {
			runs = 1
		}

		latencies := make([]float64, 0, runs)
		for i := 0; i < runs; i++ {
			d, err := p.Probe(ctx, spec)
			if err != nil {
				slog.Warn("benchmark probe failed", "spec", spec.String(), "error", err)
				continue
			}
			latencies = append(latencies, float64(d)/float64(time.Millisecond))
		}
		if len(latencies) == 0 {
			continue
		}

		med := median(latencies)
		p.Bench.Put(ctx, spec, med, len(latencies))
		if p.Perf != nil {
			p.Perf.RecordSample(ctx, spec, perf.Sample{
				Latency: time.Duration(med * float64(time.Millisecond)),
				Kind:    perf.KindBench,
			})
		}
		slog.Info("benchmark recorded", "spec", spec.String(), "median_ms", med, "runs", len(latencies))
	}
}

func median(v []float64) float64 {
	sort.Float64s(v)
	n := len(v)
	if n%2 == 1 {
		return v[n/2]
	}
	return (v[n/2-1] + v[n/2]) / 2
}
