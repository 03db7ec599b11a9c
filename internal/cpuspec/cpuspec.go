// Package cpuspec sizes the default worker pool from the host CPU.
package cpuspec

import (
	"runtime"

	"github.com/klauspost/cpuid/v2"
)

const (
	// recordsPerCore accounts for workers blocking on the source and the
	// database most of the time.
	recordsPerCore = 2
	maxWorkers     = 64
)

// Spec describes the host CPU.
type Spec struct {
	Brand         string
	PhysicalCores int
	LogicalCores  int
	Hybrid        bool
	// Available is the number of CPUs usable by this process.
	Available int
}

// Detect reads the host CPU.
func Detect() Spec {
	return Spec{
		Brand:         cpuid.CPU.BrandName,
		PhysicalCores: cpuid.CPU.PhysicalCores,
		LogicalCores:  cpuid.CPU.LogicalCores,
		Hybrid:        cpuid.CPU.Supports(cpuid.HYBRID_CPU),
		Available:     runtime.NumCPU(),
	}
}

// Workers returns the default number of concurrent workers for a job.
// Physical cores are preferred; a CPU limit from affinity or a VM caps it.
// On hybrid parts efficiency cores are not counted twice.
func (s Spec) Workers() int {
	n := s.PhysicalCores
	if n <= 0 {
		n = s.LogicalCores
	}
	if s.Available > 0 && (n <= 0 || n > s.Available) {
		n = s.Available
	}
	if !s.Hybrid {
		n *= recordsPerCore
	}
	return min(max(n, 1), maxWorkers)
}
