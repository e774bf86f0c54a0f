package trainer

import (
	"os"
	"strconv"
	"strings"

	log "github.com/go-pkgz/lgr"
	"github.com/shirou/gopsutil/v4/cpu"
)

// maxAutoParallelism caps the auto-computed concurrency. Past this point more
// containers thrash the page cache instead of finishing sooner.
const maxAutoParallelism = 16

// DetectCPUs returns the number of logical CPUs available to this process.
// Container cpuset limits take precedence over the host-wide count, the result is always >= 1.
func DetectCPUs() int {
	for _, p := range []string{
		"/sys/fs/cgroup/cpuset/cpuset.cpus",           // cgroup v1
		"/sys/fs/cgroup/cpuset.cpus",                  // cgroup v2
		"/sys/fs/cgroup/cpuset.cpus.effective",        // cgroup v2, effective set
	} {
		data, err := os.ReadFile(p) // nolint gosec // fixed sysfs paths
		if err != nil {
			continue
		}
		if n := parseCPUSet(strings.TrimSpace(string(data))); n > 0 {
			return n
		}
	}

	n, err := cpu.Counts(true)
	if err != nil || n < 1 {
		log.Printf("[WARN] can't detect cpu count, assuming 1: %v", err)
		return 1
	}
	return n
}

// parseCPUSet counts CPUs in a cpuset string like "0-3,6,8-9"
func parseCPUSet(cpuset string) int {
	total := 0
	for part := range strings.SplitSeq(cpuset, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		if a, b, found := strings.Cut(part, "-"); found {
			start, err1 := strconv.Atoi(a)
			end, err2 := strconv.Atoi(b)
			if err1 != nil || err2 != nil || end < start {
				continue
			}
			total += end - start + 1
			continue
		}
		if _, err := strconv.Atoi(part); err == nil {
			total++
		}
	}
	return total
}

// ChooseThreads picks threads per training container for the BLAS/torch pools.
// Small hosts get single-threaded jobs so more pairs run side by side.
func ChooseThreads(cpus int) int {
	switch {
	case cpus <= 4:
		return 1
	case cpus <= 8:
		return 2
	case cpus <= 24:
		return 4
	default:
		return 6
	}
}

// ComputeParallelism returns the concurrency cap: the lesser of the requested
// value and the number of whole thread-groups the host supports. Never below 1.
// With requested <= 0 the auto value is used, capped at maxAutoParallelism.
func ComputeParallelism(cpus, threadsPerJob, requested int) int {
	if threadsPerJob < 1 {
		threadsPerJob = 1
	}
	groups := cpus / threadsPerJob
	if groups < 1 {
		groups = 1
	}
	if requested > 0 {
		if requested < groups {
			return requested
		}
		return groups
	}
	if groups > maxAutoParallelism {
		groups = maxAutoParallelism
	}
	return groups
}
