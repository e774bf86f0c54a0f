// Package trainer implements the bounded-parallel training dispatcher: one
// containerized training run per trading pair, capped at a configured number of
// concurrent containers, with per-pair overlay configs and an input-order report.
package trainer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	log "github.com/go-pkgz/lgr"
	"github.com/go-pkgz/syncs"

	"github.com/freqops/trainn/app/pairs"
)

// Status is the outcome of a single training job
type Status string

// job outcomes
const (
	StatusOK      Status = "ok"
	StatusFailed  Status = "failed"
	StatusSkipped Status = "skipped" // queued but never started, i.e. interrupted run
)

// Result is the outcome record for one pair's job. One Result per input pair,
// in input order, regardless of completion order.
type Result struct {
	Pair         string
	Identifier   string
	Status       Status
	ExitCode     int
	Err          error
	Started      time.Time
	Finished     time.Time
	LogFile      string // container-side training log path
	ArtifactPath string // set when a packer is configured and produced an archive
	Output       string // tail of the combined job output, up to MaxLogLines
}

// Duration of the job execution, zero for skipped jobs
func (r Result) Duration() time.Duration {
	if r.Started.IsZero() || r.Finished.IsZero() {
		return 0
	}
	return r.Finished.Sub(r.Started)
}

// CommandRunner executes a shell command streaming combined output to logWriter
type CommandRunner interface {
	Run(ctx context.Context, command string, logWriter io.Writer) error
}

// Repeater retries failed functions, used for the data prefetch step only.
// Training jobs themselves are attempted exactly once.
type Repeater interface {
	Do(ctx context.Context, fun func() error, errs ...error) error
}

// EventHandler gets job lifecycle callbacks, used for run persistence and the status API
type EventHandler interface {
	OnJobStart(pair, identifier string, started time.Time)
	OnJobComplete(res Result)
}

// Packer turns a finished job's model directory and log into an artifact archive
type Packer interface {
	Pack(pair, identifier, logFile string) (string, error)
}

// Trainer launches one training container per pair with bounded parallelism.
// Zero values for Threads and Concurrency mean auto-detection from the CPU count.
type Trainer struct {
	ComposeFile string
	Service     string
	ConfigPath  string // host path to the freqtrade config with the pair whitelist
	OverlayDir  string // host dir for overlay configs, mounted into the container
	Timerange   string

	Threads     int
	Concurrency int
	IDPrefix    string
	IDSuffix    string
	Fresh       bool // train from scratch, disables checkpoint restore
	RewardDebug bool

	Pairs        []string // explicit list overriding the config whitelist
	OnlyPair     string   // restrict the run to a single whitelisted pair
	SkipPrefetch bool

	Runner      CommandRunner
	Prefetch    Repeater
	Events      EventHandler
	ArtifactPkr Packer
	Stdout      io.Writer
	MaxLogLines int // captured output tail per job, default 100

	now func() time.Time
}

const containerConfigDir = "/freqtrade/user_config"

// Do runs the whole training pass: resolve pairs, prefetch data, fan out jobs
// with at most the concurrency cap running at once, wait for all of them and
// report per-pair results in input order. A failed job doesn't cancel siblings;
// the returned error is non-nil if any job failed or the run was interrupted.
func (t *Trainer) Do(ctx context.Context) ([]Result, error) {
	if t.Runner == nil {
		t.Runner = &ShellRunner{}
	}
	if t.Stdout == nil {
		t.Stdout = os.Stdout
	}
	if t.MaxLogLines == 0 {
		t.MaxLogLines = 100
	}
	if t.now == nil {
		t.now = time.Now
	}
	if _, err := os.Stat(t.ComposeFile); err != nil {
		return nil, fmt.Errorf("compose file not found: %w", err)
	}

	pp, err := t.resolvePairs()
	if err != nil {
		return nil, err
	}

	cpus := DetectCPUs()
	threads := t.Threads
	if threads <= 0 {
		threads = ChooseThreads(cpus)
	}
	concurrency := ComputeParallelism(cpus, threads, t.Concurrency)
	log.Printf("[INFO] detected cpus=%d, threads per job=%d, concurrency=%d, pairs=%d", cpus, threads, concurrency, len(pp))

	jobs, err := t.makeJobs(pp, threads)
	if err != nil {
		return nil, err
	}

	if !t.SkipPrefetch {
		if err := t.prefetchData(ctx); err != nil {
			return nil, fmt.Errorf("prefetch failed: %w", err)
		}
	}

	if _, err := writeCPUDevice(t.OverlayDir); err != nil {
		return nil, err
	}

	results := make([]Result, len(jobs))
	for i, j := range jobs {
		// pre-filled as skipped, overwritten by the worker when the job actually runs
		results[i] = Result{Pair: j.pair, Identifier: j.identifier, Status: StatusSkipped, LogFile: j.logFile}
	}

	gr := syncs.NewSizedGroup(concurrency, syncs.Context(ctx), syncs.Preemptive)
	for i, j := range jobs {
		gr.Go(func(gctx context.Context) {
			results[i] = t.runJob(gctx, j)
		})
	}
	gr.Wait()

	return results, t.summarize(results, ctx.Err())
}

type job struct {
	pair       string
	safe       string
	identifier string
	threads    int
	logFile    string
}

func (t *Trainer) resolvePairs() ([]string, error) {
	pp := t.Pairs
	if len(pp) == 0 {
		var err error
		if pp, err = pairs.FromConfig(t.ConfigPath); err != nil {
			return nil, err
		}
	}
	if t.OnlyPair == "" {
		return pp, nil
	}
	for _, p := range pp {
		if p == t.OnlyPair {
			return []string{t.OnlyPair}, nil
		}
	}
	return nil, fmt.Errorf("pair %q not in the configured whitelist", t.OnlyPair)
}

// makeJobs derives identifiers for all pairs and fails fast on collisions,
// sanitization is many-to-one and a shared identifier means a shared checkpoint dir.
func (t *Trainer) makeJobs(pp []string, threads int) ([]job, error) {
	suffix := t.IDSuffix
	if t.Fresh && suffix == "" {
		suffix = freshToken(t.now())
	}

	jobs := make([]job, 0, len(pp))
	seen := map[string]string{}
	for _, p := range pp {
		ident := Identifier(t.IDPrefix, p, suffix)
		if prev, ok := seen[ident]; ok {
			return nil, fmt.Errorf("identifier collision: %q and %q both map to %s", prev, p, ident)
		}
		seen[ident] = p
		safe := pairs.SafeName(p)
		jobs = append(jobs, job{pair: p, safe: safe, identifier: ident, threads: threads,
			logFile: "user_data/logs/train-" + safe + ".log"})
	}
	return jobs, nil
}

func (t *Trainer) runJob(ctx context.Context, j job) Result {
	res := Result{Pair: j.pair, Identifier: j.identifier, Started: t.now(), LogFile: j.logFile}
	if t.Events != nil {
		t.Events.OnJobStart(j.pair, j.identifier, res.Started)
	}

	capture := NewOutputCapture(t.MaxLogLines)
	command, err := t.composeCommand(j)
	if err == nil {
		log.Printf("[INFO] starting %s (%s)", j.pair, j.identifier)
		writer := io.MultiWriter(capture, NewLogPrefixer(t.Stdout, j.pair))
		err = t.Runner.Run(ctx, command, writer)
	}

	res.Finished = t.now()
	res.Output = capture.String()
	switch {
	case err == nil:
		res.Status = StatusOK
		log.Printf("[INFO] %s: OK in %v", j.pair, res.Duration().Round(time.Second))
	default:
		res.Status = StatusFailed
		res.Err = err
		res.ExitCode = exitCode(err)
		log.Printf("[WARN] %s: FAIL(%d), %v", j.pair, res.ExitCode, err)
	}

	// pack before the completion event so persisted runs carry the archive path
	if t.ArtifactPkr != nil && res.Status == StatusOK {
		path, perr := t.ArtifactPkr.Pack(j.pair, j.identifier, j.logFile)
		if perr != nil {
			// packaging trouble is reported but never fails the pass
			log.Printf("[WARN] can't pack artifacts for %s, %v", j.pair, perr)
		} else {
			res.ArtifactPath = path
		}
	}

	if t.Events != nil {
		t.Events.OnJobComplete(res)
	}
	return res
}

// composeCommand builds the docker compose invocation for one pair, writing the
// per-pair overlay configs as a side effect.
func (t *Trainer) composeCommand(j job) (string, error) {
	if _, err := writeIdentifier(t.OverlayDir, j.safe, j.identifier); err != nil {
		return "", err
	}
	if _, err := writePairWhitelist(t.OverlayDir, j.safe, j.pair); err != nil {
		return "", err
	}

	// overlays live in user_data when it doubles as the overlay dir, otherwise
	// they need their own read-only mount
	ovContainer := "/freqtrade/overlays"
	ovMount := true
	if filepath.Base(filepath.Clean(t.OverlayDir)) == "user_data" {
		ovContainer = "/freqtrade/user_data"
		ovMount = false
	}

	inner := []string{
		"mkdir -p user_data/logs &&",
		"freqtrade backtesting",
		"--config " + containerConfigDir + "/" + shQuote(filepath.Base(t.ConfigPath)),
		"--config " + ovContainer + "/cpu-device.json",
		"--config " + ovContainer + "/id-" + j.safe + ".json",
		"--config " + ovContainer + "/pairs-" + j.safe + ".json",
	}
	if t.RewardDebug {
		if _, err := writeRewardDebug(t.OverlayDir, j.safe); err != nil {
			return "", err
		}
		inner = append(inner, "--config "+ovContainer+"/reward-debug-"+j.safe+".json")
	}
	if t.Fresh {
		if _, err := writeRestoreFalse(t.OverlayDir, j.safe); err != nil {
			return "", err
		}
		inner = append(inner, "--config "+ovContainer+"/restore-false-"+j.safe+".json")
	}
	inner = append(inner,
		"--strategy-path user_data/strategies --strategy MyRLStrategy",
		"--freqaimodel ReinforcementLearner",
		"-p "+shQuote(j.pair),
		"--timerange "+shQuote(t.Timerange),
		"-vv --logfile "+j.logFile,
	)

	cfgDir, err := filepath.Abs(filepath.Dir(t.ConfigPath))
	if err != nil {
		return "", fmt.Errorf("can't resolve config dir: %w", err)
	}

	cmd := []string{"docker compose -f", shQuote(t.ComposeFile), "run --rm"}
	for _, e := range []string{"OMP_NUM_THREADS", "OPENBLAS_NUM_THREADS", "MKL_NUM_THREADS", "NUMEXPR_MAX_THREADS", "TORCH_NUM_THREADS"} {
		cmd = append(cmd, fmt.Sprintf("-e %s=%d", e, j.threads))
	}
	cmd = append(cmd, "-v "+shQuote(cfgDir)+":"+containerConfigDir+":ro")
	if ovMount {
		ovDir, err := filepath.Abs(t.OverlayDir)
		if err != nil {
			return "", fmt.Errorf("can't resolve overlay dir: %w", err)
		}
		cmd = append(cmd, "-v "+shQuote(ovDir)+":"+ovContainer+":ro")
	}
	cmd = append(cmd, shQuote(t.Service), "bash -lc", shQuote(strings.Join(inner, " ")))
	return strings.Join(cmd, " "), nil
}

// prefetchData downloads historical OHLCV via the container's download script,
// retried through the repeater because exchange endpoints flake.
func (t *Trainer) prefetchData(ctx context.Context) error {
	cfgDir, err := filepath.Abs(filepath.Dir(t.ConfigPath))
	if err != nil {
		return fmt.Errorf("can't resolve config dir: %w", err)
	}
	command := strings.Join([]string{
		"docker compose -f", shQuote(t.ComposeFile), "run --rm",
		"-e FT_CONFIG=" + containerConfigDir + "/" + shQuote(filepath.Base(t.ConfigPath)),
		"-v " + shQuote(cfgDir) + ":" + containerConfigDir + ":ro",
		shQuote(t.Service), "bash -lc", shQuote("bash tools/download_data.sh"),
	}, " ")

	log.Printf("[INFO] prefetching historical data")
	run := func() error { return t.Runner.Run(ctx, command, NewLogPrefixer(t.Stdout, "prefetch")) }
	if t.Prefetch != nil {
		return t.Prefetch.Do(ctx, run)
	}
	return run()
}

func (t *Trainer) summarize(results []Result, ctxErr error) error {
	var failed, skipped int
	for _, r := range results {
		if r.Status == StatusFailed {
			failed++
			log.Printf("[WARN] failed: %s (exit %d)", r.Pair, r.ExitCode)
		}
		if r.Status == StatusSkipped {
			skipped++
		}
	}
	if ctxErr != nil {
		return fmt.Errorf("run interrupted, %d failed, %d skipped of %d jobs: %w", failed, skipped, len(results), ctxErr)
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d jobs failed", failed, len(results))
	}
	log.Printf("[INFO] all %d jobs completed", len(results))
	return nil
}

// exitCode extracts the process exit code, 1 for non-exec errors
func exitCode(err error) int {
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode()
	}
	return 1
}

// ShellRunner runs commands through "sh -c", the default CommandRunner.
// The context kills the process group on cancellation.
type ShellRunner struct{}

// Run executes the command with combined output streamed to logWriter
func (s *ShellRunner) Run(ctx context.Context, command string, logWriter io.Writer) error {
	cmd := exec.CommandContext(ctx, "sh", "-c", command) // nolint gosec // commands built from operator config
	cmd.Stdout = logWriter
	cmd.Stderr = logWriter
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("failed to execute command %s: %w", command, err)
	}
	return nil
}

var safeShellRe = regexp.MustCompile(`^[a-zA-Z0-9_@%+=:,./-]+$`)

// shQuote quotes a string for safe interpolation into an sh command line
func shQuote(s string) string {
	if s != "" && safeShellRe.MatchString(s) {
		return s
	}
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
