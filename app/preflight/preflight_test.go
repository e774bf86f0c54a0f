package preflight

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/freqops/trainn/app/conf"
)

func TestCheckNoThresholds(t *testing.T) {
	checker := NewChecker(0)
	ok, reason := checker.Check(conf.Preflight{})
	assert.True(t, ok)
	assert.Empty(t, reason)
}

func TestCheckCPU(t *testing.T) {
	checker := NewChecker(10 * time.Millisecond)

	// real cpu check, passes with a threshold above any possible reading
	ok, reason := checker.Check(conf.Preflight{CPUBelow: intPtr(101)})
	assert.True(t, ok, reason)

	// zero threshold can never pass
	ok, reason = checker.Check(conf.Preflight{CPUBelow: intPtr(0)})
	assert.False(t, ok)
	assert.Contains(t, reason, "CPU at")
}

func TestCheckMemory(t *testing.T) {
	checker := NewChecker(0)

	ok, reason := checker.Check(conf.Preflight{MemoryBelow: intPtr(101)})
	assert.True(t, ok, reason)

	ok, reason = checker.Check(conf.Preflight{MemoryBelow: intPtr(0)})
	assert.False(t, ok)
	assert.Contains(t, reason, "memory at")
}

func TestCheckLoadAvg(t *testing.T) {
	checker := NewChecker(0)

	ok, reason := checker.Check(conf.Preflight{LoadAvgBelow: float64Ptr(100000)})
	assert.True(t, ok, reason)

	ok, reason = checker.Check(conf.Preflight{LoadAvgBelow: float64Ptr(0)})
	assert.False(t, ok)
	assert.Contains(t, reason, "load at")
}

func TestCheckDiskFree(t *testing.T) {
	checker := NewChecker(0)

	ok, reason := checker.Check(conf.Preflight{DiskFreeAbove: intPtr(0), DiskFreePath: "/"})
	assert.True(t, ok, reason)

	ok, reason = checker.Check(conf.Preflight{DiskFreeAbove: intPtr(101), DiskFreePath: "/"})
	assert.False(t, ok)
	assert.Contains(t, reason, "disk free at")
}

func TestCheckDiskFreeDefaultPath(t *testing.T) {
	checker := NewChecker(0)
	// empty path defaults to root
	ok, reason := checker.Check(conf.Preflight{DiskFreeAbove: intPtr(0)})
	assert.True(t, ok, reason)
}

func TestCheckFirstFailureWins(t *testing.T) {
	checker := NewChecker(10 * time.Millisecond)
	ok, reason := checker.Check(conf.Preflight{
		CPUBelow:    intPtr(0),
		MemoryBelow: intPtr(0),
	})
	assert.False(t, ok)
	assert.Contains(t, reason, "CPU at", "cpu check runs first")
}

func TestWaitPassesImmediately(t *testing.T) {
	checker := NewChecker(10 * time.Millisecond)
	assert.True(t, checker.Wait(context.Background(), conf.Preflight{}))
}

func TestWaitNoMaxWaitStartsAnyway(t *testing.T) {
	checker := NewChecker(10 * time.Millisecond)
	cfg := conf.Preflight{CPUBelow: intPtr(0)}
	started := time.Now()
	assert.True(t, checker.Wait(context.Background(), cfg))
	assert.Less(t, time.Since(started), time.Second, "no blocking without max_wait")
}

func TestWaitDeadlineExpires(t *testing.T) {
	checker := NewChecker(10 * time.Millisecond)
	cfg := conf.Preflight{
		CPUBelow:      intPtr(0),
		MaxWait:       conf.Duration(50 * time.Millisecond),
		CheckInterval: conf.Duration(time.Hour), // never rechecks, deadline fires first
	}
	started := time.Now()
	assert.True(t, checker.Wait(context.Background(), cfg))
	assert.GreaterOrEqual(t, time.Since(started), 50*time.Millisecond)
}

func TestWaitDeadlineAborts(t *testing.T) {
	checker := NewChecker(10 * time.Millisecond)
	cfg := conf.Preflight{
		CPUBelow:      intPtr(0),
		MaxWait:       conf.Duration(50 * time.Millisecond),
		CheckInterval: conf.Duration(time.Hour),
		OnTimeout:     conf.OnTimeoutAbort,
	}
	assert.False(t, checker.Wait(context.Background(), cfg), "abort policy drops the run on expiry")
}

func TestWaitCanceled(t *testing.T) {
	checker := NewChecker(10 * time.Millisecond)
	cfg := conf.Preflight{
		CPUBelow:      intPtr(0),
		MaxWait:       conf.Duration(time.Hour),
		CheckInterval: conf.Duration(time.Hour),
	}
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()
	assert.False(t, checker.Wait(ctx, cfg))
}

func intPtr(i int) *int { return &i }

func float64Ptr(f float64) *float64 { return &f }
