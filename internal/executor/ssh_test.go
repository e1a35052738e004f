package executor

import (
	"context"
	"errors"
	"net"
	"strconv"
	"sync"
	"testing"
	"time"

	"golang.org/x/crypto/ssh"

	"github.com/edgefleet/edgefleet/internal/inventory"
)

// startSSHServer runs an in-process sshd that hands every exec request to
// handle and returns the port it listens on.
func startSSHServer(t *testing.T, handle func(ch ssh.Channel, command string)) int {
	t.Helper()
	cfg := &ssh.ServerConfig{NoClientAuth: true}
	cfg.AddHostKey(testSigner(t))

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	var wg sync.WaitGroup
	t.Cleanup(func() {
		_ = ln.Close()
		wg.Wait()
	})
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go serveSSHConn(conn, cfg, handle)
		}
	}()
	return ln.Addr().(*net.TCPAddr).Port
}

func serveSSHConn(conn net.Conn, cfg *ssh.ServerConfig, handle func(ssh.Channel, string)) {
	sconn, chans, reqs, err := ssh.NewServerConn(conn, cfg)
	if err != nil {
		_ = conn.Close()
		return
	}
	defer sconn.Close()
	go ssh.DiscardRequests(reqs)
	for nc := range chans {
		if nc.ChannelType() != "session" {
			_ = nc.Reject(ssh.UnknownChannelType, "session only")
			continue
		}
		ch, chReqs, err := nc.Accept()
		if err != nil {
			return
		}
		go func() {
			for req := range chReqs {
				if req.Type != "exec" {
					_ = req.Reply(false, nil)
					continue
				}
				var payload struct{ Command string }
				if err := ssh.Unmarshal(req.Payload, &payload); err != nil {
					_ = req.Reply(false, nil)
					continue
				}
				_ = req.Reply(true, nil)
				go handle(ch, payload.Command)
			}
		}()
	}
}

func exitWith(ch ssh.Channel, code uint32) {
	_, _ = ch.SendRequest("exit-status", false, ssh.Marshal(struct{ Status uint32 }{code}))
	_ = ch.Close()
}

func sshNode(port int) inventory.Node {
	return inventory.Node{ID: "pi-1", Host: "127.0.0.1", Port: port}
}

func testSSH(t *testing.T) *SSH {
	return NewSSH(SSHConfig{User: "pi", Signer: testSigner(t), ConnectRetries: 1, RetryDelay: time.Millisecond}, nil, quietLogger())
}

func TestSSHExecuteCapturesOutputAndExitCode(t *testing.T) {
	port := startSSHServer(t, func(ch ssh.Channel, command string) {
		if command == "bash -c 'exit 3'" {
			_, _ = ch.Stderr().Write([]byte("boom\n"))
			exitWith(ch, 3)
			return
		}
		_, _ = ch.Write([]byte("hello\n"))
		exitWith(ch, 0)
	})
	s := testSSH(t)
	defer s.Close()

	res, err := s.Execute(context.Background(), sshNode(port), "echo hello", 5*time.Second)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if string(res.Stdout) != "hello\n" || res.ExitCode != 0 {
		t.Fatalf("unexpected result %+v", res)
	}

	res, err = s.Execute(context.Background(), sshNode(port), "exit 3", 5*time.Second)
	var nz *NonZeroExitError
	if !errors.As(err, &nz) || nz.Code != 3 {
		t.Fatalf("expected exit 3, got %v", err)
	}
	if string(res.Stderr) != "boom\n" {
		t.Fatalf("unexpected stderr %q", res.Stderr)
	}
}

func TestSSHTimeoutReturnsSettledOutput(t *testing.T) {
	port := startSSHServer(t, func(ch ssh.Channel, _ string) {
		for {
			if _, err := ch.Write([]byte("tick\n")); err != nil {
				return
			}
			time.Sleep(time.Millisecond)
		}
	})
	s := testSSH(t)
	defer s.Close()

	start := time.Now()
	res, err := s.Execute(context.Background(), sshNode(port), "yes tick", 200*time.Millisecond)
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("expected timeout, got %v", err)
	}
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Fatalf("timeout took %s", elapsed)
	}
	if len(res.Stdout) == 0 {
		t.Fatal("expected partial output")
	}
	snapshot := string(res.Stdout)
	time.Sleep(50 * time.Millisecond)
	if string(res.Stdout) != snapshot {
		t.Fatal("output changed after Execute returned")
	}
}

// silentListener accepts TCP connections and never sends an SSH banner.
func silentListener(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	var mu sync.Mutex
	var conns []net.Conn
	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			mu.Lock()
			conns = append(conns, c)
			mu.Unlock()
		}
	}()
	t.Cleanup(func() {
		_ = ln.Close()
		mu.Lock()
		defer mu.Unlock()
		for _, c := range conns {
			_ = c.Close()
		}
	})
	_, portStr, _ := net.SplitHostPort(ln.Addr().String())
	port, _ := strconv.Atoi(portStr)
	return port
}

func TestSSHHandshakeBoundedByTimeout(t *testing.T) {
	port := silentListener(t)
	s := testSSH(t)

	start := time.Now()
	_, err := s.Execute(context.Background(), sshNode(port), "true", 500*time.Millisecond)
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("expected timeout, got %v", err)
	}
	if elapsed := time.Since(start); elapsed > 3*time.Second {
		t.Fatalf("handshake wait took %s", elapsed)
	}
}

func TestSSHHandshakeHonoursCancellation(t *testing.T) {
	port := silentListener(t)
	s := testSSH(t)

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(200*time.Millisecond, cancel)
	start := time.Now()
	_, err := s.Execute(ctx, sshNode(port), "true", time.Minute)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected cancellation, got %v", err)
	}
	if elapsed := time.Since(start); elapsed > 3*time.Second {
		t.Fatalf("cancellation took %s", elapsed)
	}
}
