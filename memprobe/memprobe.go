// Package memprobe reports host memory pressure and a chunk size tuned to
// it, derived from a single free-memory query.
package memprobe

import (
	"github.com/shirou/gopsutil/v4/mem"
)

const (
	// DefaultChunkSize is used when a free-memory reading is unavailable
	// or below the 1 GiB floor for scaling.
	DefaultChunkSize = 512 << 10 // 512 KiB

	minChunkSize = 512 << 10 // 512 KiB
	maxChunkSize = 2 << 20   // 2 MiB

	scaleFloor      = 1 << 30 // 1 GiB
	constrainedFree = 2 << 30 // 2 GiB
)

// Reading is a single free-memory observation.
type Reading struct {
	AvailableBytes uint64
	OK             bool
}

// QueryFunc returns the current free-memory reading. Tests pass one to
// NewWithQuery to substitute a deterministic reading without touching the
// host.
type QueryFunc func() Reading

// Probe reports memory-constrained status and optimal chunk size.
type Probe struct {
	query QueryFunc
}

// New creates a Probe backed by gopsutil's virtual memory query.
func New() *Probe {
	return &Probe{query: systemReading}
}

// NewWithQuery creates a Probe backed by a custom query function, for tests.
func NewWithQuery(query QueryFunc) *Probe {
	return &Probe{query: query}
}

func systemReading() Reading {
	vm, err := mem.VirtualMemory()
	if err != nil {
		return Reading{OK: false}
	}
	return Reading{AvailableBytes: vm.Available, OK: true}
}

// MemoryConstrained reports true iff free memory is reported and is below
// 2 GiB, or the query failed (fail-safe toward constrained).
func (p *Probe) MemoryConstrained() bool {
	r := p.query()
	if !r.OK {
		return true
	}
	return r.AvailableBytes < constrainedFree
}

// OptimalChunkSize returns the chunk size to use for streaming copies: the
// default 512 KiB, or free/1000 clamped to [512 KiB, 2 MiB] when free memory
// is known and at least 1 GiB.
func (p *Probe) OptimalChunkSize() int {
	r := p.query()
	if !r.OK || r.AvailableBytes < scaleFloor {
		return DefaultChunkSize
	}

	scaled := r.AvailableBytes / 1000
	switch {
	case scaled < minChunkSize:
		return minChunkSize
	case scaled > maxChunkSize:
		return maxChunkSize
	default:
		return int(scaled)
	}
}
