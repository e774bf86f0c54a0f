package provision

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/freqops/trainn/app/conf"
)

type fakeExecutor struct {
	mu       sync.Mutex
	commands []string
	inputs   []string
	respond  func(command string) (string, error)
}

func (f *fakeExecutor) Run(ctx context.Context, command string) (string, error) {
	return f.RunInput(ctx, command, nil)
}

func (f *fakeExecutor) RunInput(_ context.Context, command string, stdin io.Reader) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.commands = append(f.commands, command)
	if stdin != nil {
		b, _ := io.ReadAll(stdin)
		f.inputs = append(f.inputs, string(b))
	}
	if f.respond != nil {
		return f.respond(command)
	}
	return "", nil
}

func TestCreate(t *testing.T) {
	p := &Provisioner{Config: conf.Provision{CreateCmd: "true"}}
	require.NoError(t, p.Create(context.Background()))

	p = &Provisioner{Config: conf.Provision{CreateCmd: "exit 4"}}
	err := p.Create(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "create command failed")
}

func TestCreateNotConfigured(t *testing.T) {
	p := &Provisioner{}
	err := p.Create(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no create_cmd configured")
}

func TestWaitAptLockFreeImmediately(t *testing.T) {
	ex := &fakeExecutor{respond: func(string) (string, error) { return "free\n", nil }}
	p := &Provisioner{
		Exec: ex,
		Config: conf.Provision{
			AptLockTimeout:  conf.Duration(100 * time.Millisecond),
			AptLockInterval: conf.Duration(10 * time.Millisecond),
		},
	}
	require.NoError(t, p.WaitAptLock(context.Background()))
	assert.Len(t, ex.commands, 1)
	assert.Contains(t, ex.commands[0], "fuser")
	assert.Contains(t, ex.commands[0], "/var/lib/dpkg/lock-frontend")
}

func TestWaitAptLockClearsAfterRetries(t *testing.T) {
	calls := 0
	ex := &fakeExecutor{respond: func(string) (string, error) {
		calls++
		if calls < 3 {
			return "locked\n", nil
		}
		return "free\n", nil
	}}
	p := &Provisioner{
		Exec: ex,
		Config: conf.Provision{
			AptLockTimeout:  conf.Duration(time.Second),
			AptLockInterval: conf.Duration(5 * time.Millisecond),
		},
	}
	require.NoError(t, p.WaitAptLock(context.Background()))
	assert.Equal(t, 3, calls)
}

func TestWaitAptLockTimeout(t *testing.T) {
	ex := &fakeExecutor{respond: func(string) (string, error) { return "locked\n", nil }}
	p := &Provisioner{
		Exec: ex,
		Config: conf.Provision{
			AptLockTimeout:  conf.Duration(30 * time.Millisecond),
			AptLockInterval: conf.Duration(10 * time.Millisecond),
		},
	}
	err := p.WaitAptLock(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "apt locks still held")
}

func TestWaitAptLockForceUnlock(t *testing.T) {
	ex := &fakeExecutor{respond: func(command string) (string, error) {
		if strings.HasPrefix(command, "sudo rm -f") {
			return "", nil
		}
		return "locked\n", nil
	}}
	p := &Provisioner{
		Exec: ex,
		Config: conf.Provision{
			AptLockTimeout:  conf.Duration(30 * time.Millisecond),
			AptLockInterval: conf.Duration(10 * time.Millisecond),
			ForceUnlock:     true,
		},
	}
	require.NoError(t, p.WaitAptLock(context.Background()))
	last := ex.commands[len(ex.commands)-1]
	assert.Contains(t, last, "sudo rm -f")
	assert.Contains(t, last, "dpkg --configure -a")
}

func TestWaitAptLockCheckError(t *testing.T) {
	ex := &fakeExecutor{respond: func(string) (string, error) { return "", fmt.Errorf("connection reset") }}
	p := &Provisioner{
		Exec: ex,
		Config: conf.Provision{
			AptLockTimeout:  conf.Duration(20 * time.Millisecond),
			AptLockInterval: conf.Duration(10 * time.Millisecond),
		},
	}
	err := p.WaitAptLock(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "lock check failed")
}

func TestBootstrap(t *testing.T) {
	script := filepath.Join(t.TempDir(), "bootstrap.sh")
	require.NoError(t, os.WriteFile(script, []byte("#!/bin/sh\napt-get install -y docker.io\n"), 0o700))

	ex := &fakeExecutor{}
	p := &Provisioner{Exec: ex, Config: conf.Provision{BootstrapScript: script, Host: "10.0.0.5"}}
	require.NoError(t, p.Bootstrap(context.Background()))

	require.Len(t, ex.commands, 2)
	assert.Equal(t, "cat > /tmp/trainn-bootstrap.sh", ex.commands[0])
	assert.Equal(t, "bash /tmp/trainn-bootstrap.sh", ex.commands[1])
	require.Len(t, ex.inputs, 1)
	assert.Contains(t, ex.inputs[0], "apt-get install")
}

func TestBootstrapNoScript(t *testing.T) {
	p := &Provisioner{Exec: &fakeExecutor{}}
	require.NoError(t, p.Bootstrap(context.Background()))
}

func TestBootstrapMissingScript(t *testing.T) {
	p := &Provisioner{Exec: &fakeExecutor{}, Config: conf.Provision{BootstrapScript: "/no/such/file.sh"}}
	err := p.Bootstrap(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "can't open bootstrap script")
}

func TestBootstrapRemoteFailure(t *testing.T) {
	script := filepath.Join(t.TempDir(), "bootstrap.sh")
	require.NoError(t, os.WriteFile(script, []byte("exit 1\n"), 0o700))

	ex := &fakeExecutor{respond: func(command string) (string, error) {
		if command == "bash /tmp/trainn-bootstrap.sh" {
			return "boom", fmt.Errorf("exit status 1")
		}
		return "", nil
	}}
	p := &Provisioner{Exec: ex, Config: conf.Provision{BootstrapScript: script}}
	err := p.Bootstrap(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bootstrap script failed")
	assert.Contains(t, err.Error(), "boom")
}
