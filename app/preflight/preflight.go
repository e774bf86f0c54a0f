// Package preflight gates training dispatch on host resource checks.
// A run starts only when the host looks idle enough, or after the
// configured wait deadline passes.
package preflight

import (
	"context"
	"fmt"
	"time"

	log "github.com/go-pkgz/lgr"
	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/disk"
	"github.com/shirou/gopsutil/v4/load"
	"github.com/shirou/gopsutil/v4/mem"

	"github.com/freqops/trainn/app/conf"
)

// Checker verifies host resource thresholds before a run starts
type Checker struct {
	cpuSample time.Duration // sampling window for cpu.Percent, 0 means default
}

// NewChecker makes a Checker, cpuSample 0 uses a one second window
func NewChecker(cpuSample time.Duration) *Checker {
	if cpuSample <= 0 {
		cpuSample = time.Second
	}
	return &Checker{cpuSample: cpuSample}
}

// Check verifies all configured thresholds.
// Returns true if the run may start, false with reason otherwise.
func (c *Checker) Check(cfg conf.Preflight) (bool, string) {
	if cfg.CPUBelow != nil {
		if ok, reason := c.checkCPU(*cfg.CPUBelow); !ok {
			return false, reason
		}
	}

	if cfg.MemoryBelow != nil {
		if ok, reason := c.checkMemory(*cfg.MemoryBelow); !ok {
			return false, reason
		}
	}

	if cfg.LoadAvgBelow != nil {
		if ok, reason := c.checkLoadAvg(*cfg.LoadAvgBelow); !ok {
			return false, reason
		}
	}

	if cfg.DiskFreeAbove != nil {
		path := cfg.DiskFreePath
		if path == "" {
			path = "/"
		}
		if ok, reason := c.checkDiskFree(*cfg.DiskFreeAbove, path); !ok {
			return false, reason
		}
	}

	return true, ""
}

// Wait blocks until the thresholds pass, the wait deadline expires, or ctx is
// canceled. Returns true if the run should proceed. On an expired deadline the
// on_timeout policy decides: proceed (default) starts the run on the busy host,
// abort drops it. Without a max_wait there is no wait window and a failed check
// only warns.
func (c *Checker) Wait(ctx context.Context, cfg conf.Preflight) bool {
	met, reason := c.Check(cfg)
	if met {
		return true
	}

	maxWait := cfg.MaxWait.V()
	if maxWait <= 0 {
		log.Printf("[WARN] preflight failed, starting anyway: %s", reason)
		return true
	}

	deadline := time.Now().Add(maxWait)
	log.Printf("[INFO] run postponed, reason: %s, deadline: %s", reason, deadline.Format(time.RFC3339))

	checkInterval := cfg.CheckInterval.V()
	if checkInterval <= 0 {
		checkInterval = 30 * time.Second
	}

	ticker := time.NewTicker(checkInterval)
	defer ticker.Stop()

	deadlineTimer := time.NewTimer(maxWait)
	defer deadlineTimer.Stop()

	for {
		select {
		case <-ticker.C:
			met, reason = c.Check(cfg)
			if met {
				log.Printf("[INFO] preflight passed, starting postponed run")
				return true
			}
			log.Printf("[DEBUG] preflight not met yet: %s", reason)

		case <-deadlineTimer.C:
			if cfg.OnTimeout == conf.OnTimeoutAbort {
				log.Printf("[WARN] preflight wait expired, run aborted: %s", reason)
				return false
			}
			log.Printf("[WARN] preflight wait expired, starting anyway: %s", reason)
			return true

		case <-ctx.Done():
			log.Printf("[INFO] postponed run canceled")
			return false
		}
	}
}

func (c *Checker) checkCPU(threshold int) (bool, string) {
	cpuPercent, err := cpu.Percent(c.cpuSample, false)
	if err != nil {
		return false, fmt.Sprintf("failed to get CPU: %v", err)
	}
	if len(cpuPercent) == 0 {
		return false, "no CPU data available"
	}
	current := int(cpuPercent[0])
	if current >= threshold {
		return false, fmt.Sprintf("CPU at %d%%, threshold %d%%", current, threshold)
	}
	return true, ""
}

func (c *Checker) checkMemory(threshold int) (bool, string) {
	v, err := mem.VirtualMemory()
	if err != nil {
		return false, fmt.Sprintf("failed to get memory: %v", err)
	}
	current := int(v.UsedPercent)
	if current >= threshold {
		return false, fmt.Sprintf("memory at %d%%, threshold %d%%", current, threshold)
	}
	return true, ""
}

func (c *Checker) checkLoadAvg(threshold float64) (bool, string) {
	loads, err := load.Avg()
	if err != nil {
		return false, fmt.Sprintf("failed to get load average: %v", err)
	}
	if loads.Load1 >= threshold {
		return false, fmt.Sprintf("load at %.2f, threshold %.2f", loads.Load1, threshold)
	}
	return true, ""
}

func (c *Checker) checkDiskFree(minFreePercent int, path string) (bool, string) {
	usage, err := disk.Usage(path)
	if err != nil {
		return false, fmt.Sprintf("failed to get disk usage for %s: %v", path, err)
	}
	freePercent := 100 - int(usage.UsedPercent)
	if freePercent < minFreePercent {
		return false, fmt.Sprintf("disk free at %d%%, need %d%% on %s", freePercent, minFreePercent, path)
	}
	return true, ""
}
