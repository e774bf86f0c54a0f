// Package report turns the newest backtest results into HTML plots. The plots
// come from the trading CLI, run locally when installed and through the
// reports compose stack otherwise.
package report

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	log "github.com/go-pkgz/lgr"
)

// Reporter locates the latest results and drives plot generation
type Reporter struct {
	Root           string // repo root, results and plots are under user_data here
	ConfigPath     string // freqtrade config, defaults to user_data/config.json
	ComposeFile    string // reports compose stack, defaults to docker/docker-compose.reports.cpu.x86.yml
	ComposeService string // defaults to freqai-reports-cpu-x86
	Strategy       string // defaults to MyRLStrategy
	UseDocker      bool   // force the compose path even when the CLI is installed

	// test seams
	runCmd   func(ctx context.Context, dir, name string, args, env []string) error
	lookPath func(name string) (string, error)
}

// Generate produces plots for the newest results file and returns the path of
// the newest HTML report.
func (r *Reporter) Generate(ctx context.Context, pair, timerange string) (string, error) {
	resultsDir := filepath.Join(r.Root, "user_data", "backtest_results")
	latest, err := newestByExt(resultsDir, ".json")
	if err != nil {
		return "", fmt.Errorf("no results found in %s: %w", resultsDir, err)
	}
	log.Printf("[INFO] using results %s", latest)

	if err = r.plot(ctx, latest, pair, timerange); err != nil {
		return "", err
	}

	plotDir := filepath.Join(r.Root, "user_data", "plot")
	html, err := newestByExt(plotDir, ".html")
	if err != nil {
		return "", fmt.Errorf("no HTML report produced in %s: %w", plotDir, err)
	}
	log.Printf("[INFO] report ready: %s", html)
	return html, nil
}

func (r *Reporter) plot(ctx context.Context, resultsJSON, pair, timerange string) error {
	lookPath := r.lookPath
	if lookPath == nil {
		lookPath = exec.LookPath
	}
	if _, err := lookPath("freqtrade"); err == nil && !r.UseDocker {
		return r.plotLocal(ctx, resultsJSON, pair, timerange)
	}
	return r.plotDocker(ctx, resultsJSON)
}

// plotLocal runs the installed CLI. plot-profit must succeed, the per pair
// dataframe plot is best effort.
func (r *Reporter) plotLocal(ctx context.Context, resultsJSON, pair, timerange string) error {
	config := r.ConfigPath
	if config == "" {
		config = filepath.Join(r.Root, "user_data", "config.json")
	}
	strategy := r.Strategy
	if strategy == "" {
		strategy = "MyRLStrategy"
	}
	env := []string{"MPLBACKEND=Agg"}

	err := r.run(ctx, r.Root, "freqtrade",
		[]string{"plot-profit", "--config", config, "--results", resultsJSON}, env)
	if err != nil {
		return fmt.Errorf("plot-profit failed: %w", err)
	}

	err = r.run(ctx, r.Root, "freqtrade",
		[]string{"plot-dataframe", "--config", config,
			"--strategy-path", "user_data/strategies", "--strategy", strategy,
			"-p", pair, "--timerange", timerange}, env)
	if err != nil {
		log.Printf("[WARN] plot-dataframe failed for %s, %v", pair, err)
	}
	return nil
}

func (r *Reporter) plotDocker(ctx context.Context, resultsJSON string) error {
	composeFile := r.ComposeFile
	if composeFile == "" {
		composeFile = filepath.Join(r.Root, "docker", "docker-compose.reports.cpu.x86.yml")
	}
	if _, err := os.Stat(composeFile); err != nil {
		return fmt.Errorf("no local freqtrade and no compose file %s: %w", composeFile, err)
	}
	service := r.ComposeService
	if service == "" {
		service = "freqai-reports-cpu-x86"
	}

	// container mounts user_data at /freqtrade/user_data, path must be relative
	rel, err := filepath.Rel(r.Root, resultsJSON)
	if err != nil || !strings.HasPrefix(filepath.ToSlash(rel), "user_data/") {
		return fmt.Errorf("results %s not under user_data", resultsJSON)
	}

	return r.run(ctx, r.Root, "docker",
		[]string{"compose", "-f", composeFile, "run", "--rm",
			"-e", "RESULTS_JSON=" + filepath.ToSlash(rel), service}, nil)
}

func (r *Reporter) run(ctx context.Context, dir, name string, args, env []string) error {
	if r.runCmd != nil {
		return r.runCmd(ctx, dir, name, args, env)
	}
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Dir = dir
	cmd.Env = append(os.Environ(), env...)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	return cmd.Run()
}

// newestByExt returns the most recently modified file with the extension
func newestByExt(dir, ext string) (string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return "", err
	}

	var newest string
	var newestMod int64
	for _, e := range entries {
		if e.IsDir() || !strings.EqualFold(filepath.Ext(e.Name()), ext) {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		if mod := info.ModTime().UnixNano(); newest == "" || mod > newestMod {
			newest = filepath.Join(dir, e.Name())
			newestMod = mod
		}
	}
	if newest == "" {
		return "", fmt.Errorf("no %s files", ext)
	}
	return newest, nil
}
