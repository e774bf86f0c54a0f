package provision

import (
	"context"
	"fmt"
	"io"
	"net"
	"os"
	"strconv"
	"time"

	"golang.org/x/crypto/ssh"
)

// SSHExecutor runs commands on a remote host over ssh, one session per command
type SSHExecutor struct {
	client *ssh.Client
}

// NewSSHExecutor dials the host with key based auth. Host keys are not
// verified, the target is a VM created moments earlier with no prior identity.
func NewSSHExecutor(host string, port int, user, keyFile string) (*SSHExecutor, error) {
	key, err := os.ReadFile(keyFile) //nolint:gosec // operator supplied path
	if err != nil {
		return nil, fmt.Errorf("can't read ssh key %s: %w", keyFile, err)
	}
	signer, err := ssh.ParsePrivateKey(key)
	if err != nil {
		return nil, fmt.Errorf("can't parse ssh key %s: %w", keyFile, err)
	}

	config := &ssh.ClientConfig{
		User:            user,
		Auth:            []ssh.AuthMethod{ssh.PublicKeys(signer)},
		HostKeyCallback: ssh.InsecureIgnoreHostKey(), //nolint:gosec // fresh VM, no known host key
		Timeout:         30 * time.Second,
	}

	addr := net.JoinHostPort(host, strconv.Itoa(port))
	client, err := ssh.Dial("tcp", addr, config)
	if err != nil {
		return nil, fmt.Errorf("can't dial %s: %w", addr, err)
	}
	return &SSHExecutor{client: client}, nil
}

// Run executes a command and returns its combined output
func (e *SSHExecutor) Run(ctx context.Context, command string) (string, error) {
	return e.RunInput(ctx, command, nil)
}

// RunInput executes a command with the given stdin and returns combined output.
// The ssh protocol has no cancel, on ctx done the session is closed to unblock.
func (e *SSHExecutor) RunInput(ctx context.Context, command string, stdin io.Reader) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	sess, err := e.client.NewSession()
	if err != nil {
		return "", fmt.Errorf("can't open ssh session: %w", err)
	}
	defer sess.Close() //nolint:errcheck // best effort, session may be closed already

	if stdin != nil {
		sess.Stdin = stdin
	}

	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			_ = sess.Close()
		case <-done:
		}
	}()

	out, err := sess.CombinedOutput(command)
	close(done)
	if ctxErr := ctx.Err(); ctxErr != nil {
		return string(out), ctxErr
	}
	if err != nil {
		return string(out), fmt.Errorf("remote command failed: %w", err)
	}
	return string(out), nil
}

// Close terminates the ssh connection
func (e *SSHExecutor) Close() error {
	return e.client.Close()
}
