// File: internal/normalize/normalizer.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Index normalization for NUMA nodes and CPU indices used when validating
// reclaim.Config's pinning fields before they reach affinity.SetAffinity.

package normalize

import (
	"fmt"
	"runtime"
)

// For logging normalization events (can be replaced with structured logger).
var logNormalize = func(msg string, args ...any) {
	fmt.Printf("[normalize] "+msg+"\n", args...)
}

// NUMANode validates and normalizes a NUMA node index against a known
// topology width.
//   - If requested < 0, or >= maxNodes, returns fallback value 0.
//   - If maxNodes < 1, always returns 0.
func NUMANode(requested int, maxNodes int) int {
	if maxNodes < 1 {
		logNormalize("NUMA nodes topology reported zero, fallback to node 0")
		return 0
	}
	if requested < 0 || requested >= maxNodes {
		logNormalize("NUMA node index %d out of range [0, %d), fallback to node 0", requested, maxNodes)
		return 0
	}
	return requested
}

// CPUIndex validates and normalizes a CPU index against runtime.NumCPU().
//   - If requested < 0, or >= maxCPUs, returns 0.
//   - If maxCPUs < 1, returns 0.
func CPUIndex(requested int, maxCPUs int) int {
	if maxCPUs < 1 {
		logNormalize("CPU topology returned <1 cores, fallback to 0")
		return 0
	}
	if requested < 0 || requested >= maxCPUs {
		logNormalize("CPU index %d out of range [0, %d), fallback to 0", requested, maxCPUs)
		return 0
	}
	return requested
}

// CPUIndexAuto normalizes requested against the host's logical CPU count,
// leaving negative values (meaning "no pin requested") untouched.
func CPUIndexAuto(requested int) int {
	if requested < 0 {
		return requested
	}
	return CPUIndex(requested, runtime.NumCPU())
}
