package dut

import (
	"bytes"
	"context"
	"fmt"
	"net"
	"strings"

	"golang.org/x/crypto/ssh"
)

// Shell runs command lines on the device, e.g. "mesa-cmd Debug Port Polling
// disable".
type Shell interface {
	Run(ctx context.Context, cmd string) (string, error)
}

// SSHShell runs commands over one SSH connection.
type SSHShell struct {
	client *ssh.Client
}

// DialSSH opens an SSH connection with password authentication.
//
// Host keys are not verified: lab devices are reflashed often and present a
// new key each time.
func DialSSH(ctx context.Context, addr, user, password string) (*SSHShell, error) {
	if _, _, err := net.SplitHostPort(addr); err != nil {
		addr = net.JoinHostPort(addr, "22")
	}
	config := &ssh.ClientConfig{
		User:            user,
		Auth:            []ssh.AuthMethod{ssh.Password(password)},
		// Lab devices are reflashed often and carry no stable host key.
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
	}

	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("ssh dial %s: %w", addr, err)
	}
	c, chans, reqs, err := ssh.NewClientConn(conn, addr, config)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("ssh handshake %s: %w", addr, err)
	}
	return &SSHShell{client: ssh.NewClient(c, chans, reqs)}, nil
}

// Run implements Shell. A non-zero exit status is an error carrying stderr.
func (s *SSHShell) Run(ctx context.Context, cmd string) (string, error) {
	session, err := s.client.NewSession()
	if err != nil {
		return "", fmt.Errorf("ssh session: %w", err)
	}
	defer session.Close()

	var stdout, stderr bytes.Buffer
	session.Stdout = &stdout
	session.Stderr = &stderr

	done := make(chan error, 1)
	go func() { done <- session.Run(cmd) }()

	select {
	case err := <-done:
		if err != nil {
			return stdout.String(), fmt.Errorf("%q: %w (stderr: %s)", cmd, err, strings.TrimSpace(stderr.String()))
		}
		return stdout.String(), nil
	case <-ctx.Done():
		_ = session.Signal(ssh.SIGKILL)
		return "", fmt.Errorf("%q: %w", cmd, ctx.Err())
	}
}

// Close closes the connection.
func (s *SSHShell) Close() error {
	return s.client.Close()
}
