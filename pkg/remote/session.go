package remote

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
)

var (
	ErrNotConnected     = errors.New("session is not connected")
	ErrNotAuthenticated = errors.New("session is not authenticated")
)

// Session is a single-use command channel to the review server: connect,
// authenticate, run one command, disconnect.
type Session interface {
	Connect(ctx context.Context, host string, port int) error
	Authenticate(ctx context.Context, username, keyPath, passphrase string) error
	Execute(ctx context.Context, command string) (string, error)
	Disconnect() error
}

// TransportError wraps any failure of the remote session.
type TransportError struct {
	Op   string
	Addr string
	Err  error
}

func (e *TransportError) Error() string {
	if e.Addr == "" {
		return fmt.Sprintf("ssh %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("ssh %s %s: %v", e.Op, e.Addr, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// SSHSession implements Session with public key authentication.
type SSHSession struct {
	hostKeyCallback ssh.HostKeyCallback
	timeout         time.Duration

	addr   string
	conn   net.Conn
	client *ssh.Client
}

type Option func(*SSHSession)

// WithHostKeyCallback verifies the server's host key. Without it any host
// key is accepted.
func WithHostKeyCallback(cb ssh.HostKeyCallback) Option {
	return func(s *SSHSession) { s.hostKeyCallback = cb }
}

// WithTimeout bounds the TCP dial and the SSH handshake.
func WithTimeout(d time.Duration) Option {
	return func(s *SSHSession) { s.timeout = d }
}

// KnownHostsCallback builds a host key check from an OpenSSH known_hosts file.
func KnownHostsCallback(path string) (ssh.HostKeyCallback, error) {
	cb, err := knownhosts.New(ExpandHome(path))
	if err != nil {
		return nil, fmt.Errorf("load known hosts: %w", err)
	}
	return cb, nil
}

func NewSSHSession(opts ...Option) *SSHSession {
	s := &SSHSession{
		hostKeyCallback: ssh.InsecureIgnoreHostKey(),
		timeout:         30 * time.Second,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *SSHSession) Connect(ctx context.Context, host string, port int) error {
	s.addr = net.JoinHostPort(host, strconv.Itoa(port))
	dialer := net.Dialer{Timeout: s.timeout}
	conn, err := dialer.DialContext(ctx, "tcp", s.addr)
	if err != nil {
		return &TransportError{Op: "connect", Addr: s.addr, Err: err}
	}
	s.conn = conn
	return nil
}

func (s *SSHSession) Authenticate(ctx context.Context, username, keyPath, passphrase string) error {
	if s.conn == nil {
		return &TransportError{Op: "authenticate", Err: ErrNotConnected}
	}
	signer, err := LoadSigner(keyPath, passphrase)
	if err != nil {
		return &TransportError{Op: "authenticate", Addr: s.addr, Err: err}
	}

	config := &ssh.ClientConfig{
		User:            username,
		Auth:            []ssh.AuthMethod{ssh.PublicKeys(signer)},
		HostKeyCallback: s.hostKeyCallback,
		Timeout:         s.timeout,
	}

	stop := context.AfterFunc(ctx, func() { _ = s.conn.Close() })
	defer stop()
	if s.timeout > 0 {
		_ = s.conn.SetDeadline(time.Now().Add(s.timeout))
	}
	c, chans, reqs, err := ssh.NewClientConn(s.conn, s.addr, config)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			err = ctxErr
		}
		return &TransportError{Op: "authenticate", Addr: s.addr, Err: err}
	}
	_ = s.conn.SetDeadline(time.Time{})
	s.client = ssh.NewClient(c, chans, reqs)
	return nil
}

// Execute runs command in a new session channel and returns its stdout.
func (s *SSHSession) Execute(ctx context.Context, command string) (string, error) {
	if s.client == nil {
		return "", &TransportError{Op: "execute", Addr: s.addr, Err: ErrNotAuthenticated}
	}
	out, err := runCommand(ctx, s.client, command)
	if err != nil {
		return out, &TransportError{Op: "execute", Addr: s.addr, Err: err}
	}
	return out, nil
}

// Disconnect tears the connection down. It is safe to call on a session that
// never connected.
func (s *SSHSession) Disconnect() error {
	var err error
	switch {
	case s.client != nil:
		err = s.client.Close()
	case s.conn != nil:
		err = s.conn.Close()
	}
	s.client = nil
	s.conn = nil
	if err != nil && !errors.Is(err, net.ErrClosed) {
		return &TransportError{Op: "disconnect", Addr: s.addr, Err: err}
	}
	return nil
}

// Client exposes the authenticated connection, e.g. to open SFTP on it.
func (s *SSHSession) Client() *ssh.Client {
	return s.client
}

func runCommand(ctx context.Context, client *ssh.Client, command string) (string, error) {
	sess, err := client.NewSession()
	if err != nil {
		return "", err
	}
	defer sess.Close()

	var stdout, stderr bytes.Buffer
	sess.Stdout = &stdout
	sess.Stderr = &stderr

	done := make(chan error, 1)
	go func() {
		done <- sess.Run(command)
	}()

	select {
	case <-ctx.Done():
		_ = sess.Signal(ssh.SIGKILL)
		return "", ctx.Err()
	case err := <-done:
		if err != nil {
			return stdout.String(), fmt.Errorf("%w: %s", err, strings.TrimSpace(stderr.String()))
		}
	}

	return strings.TrimSpace(stdout.String()), nil
}

// Endpoint names an SSH account on a host.
type Endpoint struct {
	Host       string `mapstructure:"host" yaml:"host"`
	Port       int    `mapstructure:"port" yaml:"port"`
	Username   string `mapstructure:"username" yaml:"username"`
	KeyPath    string `mapstructure:"private_key_path" yaml:"private_key_path"`
	Passphrase string `mapstructure:"passphrase" yaml:"-"`
	// KnownHosts, when set, is an OpenSSH known_hosts file the host key is
	// checked against.
	KnownHosts string `mapstructure:"known_hosts" yaml:"known_hosts,omitempty"`
}

// Dial connects and authenticates in one step and returns the SSH client.
// The endpoint's known_hosts file is applied before opts.
func Dial(ctx context.Context, ep Endpoint, opts ...Option) (*ssh.Client, error) {
	port := ep.Port
	if port == 0 {
		port = 22
	}
	if ep.KnownHosts != "" {
		cb, err := KnownHostsCallback(ep.KnownHosts)
		if err != nil {
			return nil, err
		}
		opts = append([]Option{WithHostKeyCallback(cb)}, opts...)
	}
	s := NewSSHSession(opts...)
	if err := s.Connect(ctx, ep.Host, port); err != nil {
		return nil, err
	}
	if err := s.Authenticate(ctx, ep.Username, ep.KeyPath, ep.Passphrase); err != nil {
		_ = s.Disconnect()
		return nil, err
	}
	return s.Client(), nil
}
