// Package tunnel reaches services bound to a remote host's loopback through
// an SSH connection.
package tunnel

import (
	"context"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/agent"
	"golang.org/x/crypto/ssh/knownhosts"
)

type Config struct {
	// Addr is the SSH server, port 22 when omitted.
	Addr     string
	Username string
	Auth     []ssh.AuthMethod
	// HostKey pins the server key in authorized_keys format. The user's
	// known_hosts file is used when empty.
	HostKey string
}

// Dialer opens connections through a single SSH connection, established on
// first use.
type Dialer struct {
	config Config

	mu     sync.Mutex
	client *ssh.Client
}

func New(config Config) *Dialer {
	if _, _, err := net.SplitHostPort(config.Addr); err != nil {
		config.Addr = net.JoinHostPort(config.Addr, "22")
	}
	return &Dialer{config: config}
}

// DialContext connects to addr as seen from the SSH server.
func (d *Dialer) DialContext(ctx context.Context, network, addr string) (net.Conn, error) {
	if network != "tcp" {
		return nil, fmt.Errorf("unsupported network: %s", network)
	}

	client, err := d.connect(ctx)
	if err != nil {
		return nil, err
	}

	conn, err := client.DialContext(ctx, network, addr)
	if err != nil {
		return nil, fmt.Errorf("failed to open tunnel to '%s': %w", addr, err)
	}
	return conn, nil
}

func (d *Dialer) connect(ctx context.Context) (*ssh.Client, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.client != nil {
		return d.client, nil
	}

	hostKeyCallback, err := d.hostKeyCallback()
	if err != nil {
		return nil, err
	}

	var dialer net.Dialer
	conn, err := dialer.DialContext(ctx, "tcp", d.config.Addr)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to '%s': %w", d.config.Addr, err)
	}

	sshConn, chans, reqs, err := ssh.NewClientConn(conn, d.config.Addr, &ssh.ClientConfig{
		User:            d.config.Username,
		Auth:            d.config.Auth,
		HostKeyCallback: hostKeyCallback,
	})
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed SSH handshake with '%s': %w", d.config.Addr, err)
	}

	d.client = ssh.NewClient(sshConn, chans, reqs)
	return d.client, nil
}

func (d *Dialer) hostKeyCallback() (ssh.HostKeyCallback, error) {
	if d.config.HostKey != "" {
		key, _, _, _, err := ssh.ParseAuthorizedKey([]byte(d.config.HostKey))
		if err != nil {
			return nil, fmt.Errorf("failed to parse host key: %w", err)
		}
		return ssh.FixedHostKey(key), nil
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return nil, fmt.Errorf("failed to locate known_hosts: %w", err)
	}
	callback, err := knownhosts.New(filepath.Join(home, ".ssh", "known_hosts"))
	if err != nil {
		return nil, fmt.Errorf("failed to load known_hosts: %w", err)
	}
	return callback, nil
}

func (d *Dialer) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.client == nil {
		return nil
	}
	err := d.client.Close()
	d.client = nil
	return err
}

// AgentAuth authenticates with the keys of the running ssh-agent.
func AgentAuth() ([]ssh.AuthMethod, func() error, error) {
	socket := os.Getenv("SSH_AUTH_SOCK")
	if strings.TrimSpace(socket) == "" {
		return nil, nil, fmt.Errorf("SSH_AUTH_SOCK is not set, is ssh-agent running?")
	}

	conn, err := net.Dial("unix", socket)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to connect to ssh-agent: %w", err)
	}
	return []ssh.AuthMethod{ssh.PublicKeysCallback(agent.NewClient(conn).Signers)}, conn.Close, nil
}
