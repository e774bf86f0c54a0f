// Package provision brings up and prepares a training host. It creates the VM
// through the cloud CLI, waits out the apt/dpkg locks unattended-upgrades holds
// on a fresh boot, and runs the bootstrap script over ssh.
package provision

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"time"

	log "github.com/go-pkgz/lgr"
	"github.com/go-pkgz/repeater"
	"github.com/go-pkgz/repeater/strategy"

	"github.com/freqops/trainn/app/conf"
)

//go:generate moq -out mocks/executor.go -pkg mocks -skip-ensure -fmt goimports . Executor

// Executor runs commands on the target host
type Executor interface {
	Run(ctx context.Context, command string) (string, error)
	RunInput(ctx context.Context, command string, stdin io.Reader) (string, error)
}

// lock files held by apt/dpkg during unattended upgrades on a fresh boot
var aptLockFiles = []string{
	"/var/lib/dpkg/lock-frontend",
	"/var/lib/dpkg/lock",
	"/var/lib/apt/lists/lock",
}

// Provisioner prepares a host for training runs
type Provisioner struct {
	Config conf.Provision
	Exec   Executor
}

// Create runs the cloud CLI command making the VM. The command is operator
// supplied and runs locally, i.e. "gcloud compute instances create ...".
func (p *Provisioner) Create(ctx context.Context) error {
	if p.Config.CreateCmd == "" {
		return fmt.Errorf("no create_cmd configured")
	}
	log.Printf("[INFO] creating training host: %s", p.Config.CreateCmd)
	cmd := exec.CommandContext(ctx, "sh", "-c", p.Config.CreateCmd)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("create command failed: %w", err)
	}
	return nil
}

// WaitAptLock polls until no process holds the apt/dpkg locks, at the
// configured interval up to the configured timeout. On timeout it either
// force-clears the locks (opt-in, destructive) or fails.
func (p *Provisioner) WaitAptLock(ctx context.Context) error {
	interval := p.Config.AptLockInterval.V()
	if interval <= 0 {
		interval = 5 * time.Second
	}
	timeout := p.Config.AptLockTimeout.V()
	if timeout <= 0 {
		timeout = 10 * time.Minute
	}
	attempts := int(timeout/interval) + 1

	log.Printf("[INFO] waiting for apt locks to clear, up to %v at %v intervals", timeout, interval)
	rptr := repeater.New(&strategy.FixedDelay{Repeats: attempts, Delay: interval})
	err := rptr.Do(ctx, func() error { return p.checkAptLock(ctx) })
	if err == nil {
		log.Printf("[INFO] apt locks clear")
		return nil
	}

	if !p.Config.ForceUnlock {
		return fmt.Errorf("apt locks still held after %v: %w", timeout, err)
	}

	log.Printf("[WARN] apt locks still held after %v, force clearing", timeout)
	return p.ForceUnlock(ctx)
}

// checkAptLock reports an error while any lock is held. fuser exits non-zero
// when no process holds the files, so the echo keeps the remote status at 0
// and the answer in the output.
func (p *Provisioner) checkAptLock(ctx context.Context) error {
	command := fmt.Sprintf("sudo fuser %s >/dev/null 2>&1 && echo locked || echo free",
		strings.Join(aptLockFiles, " "))
	out, err := p.Exec.Run(ctx, command)
	if err != nil {
		return fmt.Errorf("lock check failed: %w", err)
	}
	if strings.TrimSpace(out) != "free" {
		return fmt.Errorf("apt lock held")
	}
	return nil
}

// ForceUnlock removes the lock files and reconfigures interrupted packages.
// Destructive if an install is genuinely in flight, callers gate it on the
// operator's explicit opt-in.
func (p *Provisioner) ForceUnlock(ctx context.Context) error {
	command := fmt.Sprintf("sudo rm -f %s && sudo dpkg --configure -a", strings.Join(aptLockFiles, " "))
	out, err := p.Exec.Run(ctx, command)
	if err != nil {
		return fmt.Errorf("force unlock failed: %w, output: %s", err, out)
	}
	log.Printf("[INFO] apt locks force cleared")
	return nil
}

// Bootstrap copies the bootstrap script to the host and runs it
func (p *Provisioner) Bootstrap(ctx context.Context) error {
	if p.Config.BootstrapScript == "" {
		log.Printf("[INFO] no bootstrap script configured, skipping")
		return nil
	}
	script, err := os.Open(p.Config.BootstrapScript) //nolint:gosec // operator supplied path
	if err != nil {
		return fmt.Errorf("can't open bootstrap script: %w", err)
	}
	defer script.Close() //nolint:errcheck // read only

	log.Printf("[INFO] running bootstrap script %s on %s", p.Config.BootstrapScript, p.Config.Host)
	out, err := p.Exec.RunInput(ctx, "cat > /tmp/trainn-bootstrap.sh", script)
	if err != nil {
		return fmt.Errorf("can't upload bootstrap script: %w, output: %s", err, out)
	}
	out, err = p.Exec.RunInput(ctx, "bash /tmp/trainn-bootstrap.sh", nil)
	if err != nil {
		return fmt.Errorf("bootstrap script failed: %w, output: %s", err, out)
	}
	log.Printf("[INFO] bootstrap completed on %s", p.Config.Host)
	return nil
}
