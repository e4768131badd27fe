// Package probe checks whether a freshly provisioned agent accepts
// connections.
package probe

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/alessio/shellescape"
	"github.com/gammadia/nimbus/cloud"
	"golang.org/x/crypto/ssh"
)

// TCP succeeds as soon as a TCP connection to the port is established.
type TCP struct{}

// TCP implements cloud.Prober
var _ cloud.Prober = TCP{}

func (TCP) TryConnect(ctx context.Context, address string, port int, timeout time.Duration) error {
	conn, err := dial(ctx, address, port, timeout)
	if err != nil {
		return err
	}
	return conn.Close()
}

// SSH succeeds once an SSH handshake with the agent completes and, when
// Command is set, the command exits with status 0.
type SSH struct {
	Username string
	Signer   ssh.Signer
	// Command is run through the remote shell, for instance to check that a
	// daemon is up.
	Command []string
}

// SSH implements cloud.Prober
var _ cloud.Prober = (*SSH)(nil)

func (p *SSH) TryConnect(ctx context.Context, address string, port int, timeout time.Duration) error {
	conn, err := dial(ctx, address, port, timeout)
	if err != nil {
		return err
	}
	defer conn.Close()

	var deadline time.Time
	if timeout > 0 {
		deadline = time.Now().Add(timeout)
	}
	if d, ok := ctx.Deadline(); ok && (deadline.IsZero() || d.Before(deadline)) {
		deadline = d
	}
	if !deadline.IsZero() {
		_ = conn.SetDeadline(deadline)
	}

	// Abort the handshake when ctx is done
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	addr := conn.RemoteAddr().String()
	sshConn, chans, reqs, err := ssh.NewClientConn(conn, addr, &ssh.ClientConfig{
		User:            p.Username,
		Timeout:         timeout,
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Auth:            []ssh.AuthMethod{ssh.PublicKeys(p.Signer)},
	})
	if err != nil {
		return fmt.Errorf("failed SSH handshake with '%s': %w", addr, err)
	}
	client := ssh.NewClient(sshConn, chans, reqs)
	defer client.Close()

	if len(p.Command) == 0 {
		return nil
	}

	session, err := client.NewSession()
	if err != nil {
		return fmt.Errorf("failed to create SSH session on '%s': %w", addr, err)
	}
	defer session.Close()

	command := shellescape.QuoteCommand(p.Command)
	if err := session.Run(command); err != nil {
		return fmt.Errorf("readiness command '%s' failed on '%s': %w", command, addr, err)
	}
	return nil
}

func dial(ctx context.Context, address string, port int, timeout time.Duration) (net.Conn, error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	addr := net.JoinHostPort(address, strconv.Itoa(port))
	var dialer net.Dialer
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to '%s': %w", addr, err)
	}
	return conn, nil
}
