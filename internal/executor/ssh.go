// SPDX-License-Identifier: AGPL-3.0-or-later

package executor

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"

	"github.com/edgefleet/edgefleet/internal/inventory"
	"github.com/edgefleet/edgefleet/internal/retry"
)

const (
	defaultSSHPort        = 22
	defaultDialTimeout    = 10 * time.Second
	defaultConnectRetries = 3
	defaultRetryDelay     = 2 * time.Second
	defaultMaxRetryDelay  = 10 * time.Second
	sessionDrainGrace     = 2 * time.Second
)

// AddressSource resolves a node's mesh address.
type AddressSource interface {
	ResolveAddress(ctx context.Context, id string) (string, error)
}

// SSHConfig holds the credentials and connection policy for SSH executors.
type SSHConfig struct {
	User   string
	Port   int
	Signer ssh.Signer
	// HostKeyCallback verifies host keys. Nil accepts any key.
	HostKeyCallback ssh.HostKeyCallback
	DialTimeout     time.Duration
	ConnectRetries  int
	RetryDelay      time.Duration
	DefaultTimeout  time.Duration
}

// LoadSigner parses a private key file.
func LoadSigner(path string) (ssh.Signer, error) {
	pem, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read ssh key %s: %w", path, err)
	}
	signer, err := ssh.ParsePrivateKey(pem)
	if err != nil {
		return nil, fmt.Errorf("parse ssh key %s: %w", path, err)
	}
	return signer, nil
}

// HostKeyCallback returns a known_hosts verifier for path, or an insecure
// callback when path is empty.
func HostKeyCallback(path string) (ssh.HostKeyCallback, error) {
	if strings.TrimSpace(path) == "" {
		return ssh.InsecureIgnoreHostKey(), nil //nolint:gosec // opt-in verification via known_hosts
	}
	cb, err := knownhosts.New(path)
	if err != nil {
		return nil, fmt.Errorf("load known_hosts %s: %w", path, err)
	}
	return cb, nil
}

// SSH runs commands on one remote node. The connection is established on
// first use and reused for later commands.
type SSH struct {
	cfg       SSHConfig
	addresses AddressSource
	logger    *slog.Logger
	dial      func(ctx context.Context, network, addr string, config *ssh.ClientConfig) (*ssh.Client, error)

	mu     sync.Mutex
	client *ssh.Client
	addr   string
}

// NewSSH returns an SSH executor. addresses may be nil, in which case the
// node's bootstrap host is always used.
func NewSSH(cfg SSHConfig, addresses AddressSource, logger *slog.Logger) *SSH {
	if cfg.Port == 0 {
		cfg.Port = defaultSSHPort
	}
	if cfg.DialTimeout == 0 {
		cfg.DialTimeout = defaultDialTimeout
	}
	if cfg.ConnectRetries == 0 {
		cfg.ConnectRetries = defaultConnectRetries
	}
	if cfg.RetryDelay == 0 {
		cfg.RetryDelay = defaultRetryDelay
	}
	if cfg.HostKeyCallback == nil {
		cfg.HostKeyCallback = ssh.InsecureIgnoreHostKey() //nolint:gosec // opt-in verification via known_hosts
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &SSH{cfg: cfg, addresses: addresses, logger: logger, dial: dialContext}
}

// dialContext is ssh.Dial bounded by ctx and config.Timeout for both the TCP
// connect and the handshake.
func dialContext(ctx context.Context, network, addr string, config *ssh.ClientConfig) (*ssh.Client, error) {
	d := net.Dialer{Timeout: config.Timeout}
	conn, err := d.DialContext(ctx, network, addr)
	if err != nil {
		return nil, err
	}
	deadline := time.Now().Add(config.Timeout)
	if dl, ok := ctx.Deadline(); ok && dl.Before(deadline) {
		deadline = dl
	}
	_ = conn.SetDeadline(deadline)
	stop := context.AfterFunc(ctx, func() { _ = conn.SetDeadline(time.Now()) })
	c, chans, reqs, err := ssh.NewClientConn(conn, addr, config)
	stop()
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		_ = c.Close()
		return nil, err
	}
	_ = conn.SetDeadline(time.Time{})
	return ssh.NewClient(c, chans, reqs), nil
}

// Execute runs command through bash on the node.
func (s *SSH) Execute(ctx context.Context, node inventory.Node, command string, timeout time.Duration) (Result, error) {
	timeout = effectiveTimeout(timeout, s.cfg.DefaultTimeout)
	start := time.Now()

	client, addr, err := s.connect(ctx, node, timeout)
	if err != nil {
		return Result{ExitCode: -1, Duration: time.Since(start)}, err
	}
	session, err := client.NewSession()
	if err != nil {
		s.reset()
		return Result{ExitCode: -1, Duration: time.Since(start)}, &UnreachableError{Node: node.ID, Addr: addr, Err: fmt.Errorf("open session: %w", err)}
	}
	defer func() { _ = session.Close() }()

	var stdout, stderr bytes.Buffer
	session.Stdout = &stdout
	session.Stderr = &stderr
	for k, v := range map[string]string{"EDGEFLEET_NODE": node.ID, "EDGEFLEET_ROLE": string(node.Role)} {
		// Most sshd configs reject Setenv; the command still runs.
		_ = session.Setenv(k, v)
	}

	done := make(chan error, 1)
	go func() {
		done <- session.Run("bash -c " + shellQuote(command))
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	var runErr error
	select {
	case runErr = <-done:
	case <-timer.C:
		s.abort(session, ssh.SIGKILL, done)
		return Result{Stdout: stdout.Bytes(), Stderr: stderr.Bytes(), ExitCode: -1, Duration: time.Since(start)},
			&TimeoutError{Node: node.ID, Timeout: timeout}
	case <-ctx.Done():
		s.abort(session, ssh.SIGTERM, done)
		return Result{Stdout: stdout.Bytes(), Stderr: stderr.Bytes(), ExitCode: -1, Duration: time.Since(start)},
			fmt.Errorf("command on %s: %w", node.ID, ctx.Err())
	}

	res := Result{Stdout: stdout.Bytes(), Stderr: stderr.Bytes(), Duration: time.Since(start)}
	if runErr == nil {
		return res, nil
	}
	res.ExitCode = -1
	var exitErr *ssh.ExitError
	if errors.As(runErr, &exitErr) {
		res.ExitCode = exitErr.ExitStatus()
		return res, &NonZeroExitError{Node: node.ID, Code: res.ExitCode}
	}
	var missing *ssh.ExitMissingError
	if errors.As(runErr, &missing) || errors.Is(runErr, io.EOF) {
		s.reset()
		return res, &UnreachableError{Node: node.ID, Addr: addr, Err: runErr}
	}
	return res, fmt.Errorf("run on %s: %w", node.ID, runErr)
}

// Close releases the cached connection.
func (s *SSH) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.client == nil {
		return nil
	}
	err := s.client.Close()
	s.client = nil
	return err
}

func (s *SSH) reset() {
	_ = s.Close()
}

// abort stops a running session and waits for Run to return so the output
// buffers are no longer written. A peer that ignores the close costs the
// cached connection.
func (s *SSH) abort(session *ssh.Session, sig ssh.Signal, done <-chan error) {
	_ = session.Signal(sig)
	_ = session.Close()
	grace := time.NewTimer(sessionDrainGrace)
	defer grace.Stop()
	select {
	case <-done:
	case <-grace.C:
		s.reset()
		<-done
	}
}

// connect returns the cached client or dials one. Dialing, the handshake and
// the retries between them all share one budget of timeout.
func (s *SSH) connect(ctx context.Context, node inventory.Node, timeout time.Duration) (*ssh.Client, string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.client != nil {
		return s.client, s.addr, nil
	}
	if s.cfg.Signer == nil {
		return nil, "", fmt.Errorf("ssh to %s: no private key configured", node.ID)
	}

	host := s.target(ctx, node)
	user := node.User
	if user == "" {
		user = s.cfg.User
	}
	port := node.Port
	if port == 0 {
		port = s.cfg.Port
	}
	addr := net.JoinHostPort(host, strconv.Itoa(port))
	config := &ssh.ClientConfig{
		User:            user,
		Auth:            []ssh.AuthMethod{ssh.PublicKeys(s.cfg.Signer)},
		HostKeyCallback: s.cfg.HostKeyCallback,
		Timeout:         s.cfg.DialTimeout,
	}

	cctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var client *ssh.Client
	err := retry.Do(cctx, func(int) error {
		c, dialErr := s.dial(cctx, "tcp", addr, config)
		if dialErr != nil {
			if isAuthError(dialErr) || cctx.Err() != nil {
				return retry.Fatal(dialErr)
			}
			return dialErr
		}
		client = c
		return nil
	},
		retry.WithMaxRetries(s.cfg.ConnectRetries),
		retry.WithInitialDelay(s.cfg.RetryDelay),
		retry.WithMaxDelay(defaultMaxRetryDelay),
		retry.WithOnRetry(func(attempt int, delay time.Duration, err error) {
			s.logger.Debug("ssh dial retry", "node", node.ID, "addr", addr, "attempt", attempt, "delay", delay, "error", err)
		}),
	)
	if err != nil {
		if ctx.Err() != nil {
			return nil, addr, fmt.Errorf("ssh to %s at %s: %w", node.ID, addr, ctx.Err())
		}
		if errors.Is(cctx.Err(), context.DeadlineExceeded) {
			s.logger.Debug("ssh connect timed out", "node", node.ID, "addr", addr, "error", err)
			return nil, addr, &TimeoutError{Node: node.ID, Timeout: timeout}
		}
		if retry.IsFatal(err) {
			return nil, addr, fmt.Errorf("ssh to %s at %s: %w", node.ID, addr, err)
		}
		return nil, addr, &UnreachableError{Node: node.ID, Addr: addr, Err: err}
	}
	s.client = client
	s.addr = addr
	return client, addr, nil
}

// target picks the mesh address once the node is networked and falls back to
// the bootstrap host otherwise.
func (s *SSH) target(ctx context.Context, node inventory.Node) string {
	if node.State >= inventory.StateNetworked {
		if node.Address != "" {
			return node.Address
		}
		if s.addresses != nil {
			addr, err := s.addresses.ResolveAddress(ctx, node.ID)
			if err == nil {
				return addr
			}
			s.logger.Debug("mesh address unavailable, using bootstrap host", "node", node.ID, "error", err)
		}
	}
	if node.Host != "" {
		return node.Host
	}
	return node.ID
}

func isAuthError(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "unable to authenticate") || strings.Contains(msg, "knownhosts:")
}

func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
