package metrics

import (
	rtmetrics "runtime/metrics"
	"sync"
	"time"
)

const (
	cpuTotal     = "/cpu/classes/total:cpu-seconds"
	cpuIdle      = "/cpu/classes/idle:cpu-seconds"
	memTotal     = "/memory/classes/total:bytes"
	memReleased  = "/memory/classes/heap/released:bytes"
	memHeapFree  = "/memory/classes/heap/free:bytes"
	sampleFields = 5
)

// RuntimeSampler derives a NodeHealth report from the Go runtime's own CPU
// and memory accounting. CPU usage is the busy share of the CPU time
// available to the process since the previous sample, in percent.
type RuntimeSampler struct {
	machine string

	mu        sync.Mutex
	samples   []rtmetrics.Sample
	lastTotal float64
	lastIdle  float64
}

// NewRuntimeSampler creates a sampler reporting as machine.
func NewRuntimeSampler(machine string) *RuntimeSampler {
	samples := make([]rtmetrics.Sample, sampleFields)
	for i, name := range []string{cpuTotal, cpuIdle, memTotal, memReleased, memHeapFree} {
		samples[i].Name = name
	}
	s := &RuntimeSampler{machine: machine, samples: samples}
	s.read()
	return s
}

// Sample returns the current report.
func (s *RuntimeSampler) Sample() NodeHealth {
	s.mu.Lock()
	defer s.mu.Unlock()

	prevTotal, prevIdle := s.lastTotal, s.lastIdle
	s.read()

	health := NodeHealth{MachineName: s.machine, ReportedAt: time.Now()}
	if dt := s.lastTotal - prevTotal; dt > 0 {
		busy := dt - (s.lastIdle - prevIdle)
		health.CPUUsage = clampPercent(busy / dt * 100)
	}

	total := value(s.samples[2])
	if total > 0 {
		unused := value(s.samples[3]) + value(s.samples[4])
		health.MemoryUsage = clampPercent((total - unused) / total * 100)
	}
	return health
}

func (s *RuntimeSampler) read() {
	rtmetrics.Read(s.samples)
	s.lastTotal = value(s.samples[0])
	s.lastIdle = value(s.samples[1])
}

func value(sample rtmetrics.Sample) float64 {
	switch sample.Value.Kind() {
	case rtmetrics.KindFloat64:
		return sample.Value.Float64()
	case rtmetrics.KindUint64:
		return float64(sample.Value.Uint64())
	default:
		return 0
	}
}

func clampPercent(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 100:
		return 100
	default:
		return v
	}
}
