package ssh

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"
)

// testSSHServer provides a minimal SSH server with exec and sftp support.
type testSSHServer struct {
	listener net.Listener
	config   *ssh.ServerConfig
	addr     string
	done     chan struct{}
}

func newTestSSHServer(t *testing.T) *testSSHServer {
	t.Helper()

	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("failed to generate host key: %v", err)
	}
	hostKey, err := ssh.NewSignerFromKey(priv)
	if err != nil {
		t.Fatalf("failed to create signer: %v", err)
	}

	config := &ssh.ServerConfig{
		PasswordCallback: func(c ssh.ConnMetadata, pass []byte) (*ssh.Permissions, error) {
			if c.User() == "testuser" && string(pass) == "testpass" {
				return nil, nil
			}
			return nil, fmt.Errorf("invalid credentials")
		},
		PublicKeyCallback: func(c ssh.ConnMetadata, pubKey ssh.PublicKey) (*ssh.Permissions, error) {
			return nil, nil
		},
	}
	config.AddHostKey(hostKey)

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("failed to listen: %v", err)
	}

	server := &testSSHServer{
		listener: listener,
		config:   config,
		addr:     listener.Addr().String(),
		done:     make(chan struct{}),
	}
	go server.serve()
	t.Cleanup(server.close)

	return server
}

func (s *testSSHServer) serve() {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.done:
				return
			default:
				continue
			}
		}
		go s.handleConnection(conn)
	}
}

func (s *testSSHServer) handleConnection(netConn net.Conn) {
	defer netConn.Close()

	sshConn, chans, reqs, err := ssh.NewServerConn(netConn, s.config)
	if err != nil {
		return
	}
	defer sshConn.Close()

	go ssh.DiscardRequests(reqs)

	for newChannel := range chans {
		if newChannel.ChannelType() != "session" {
			_ = newChannel.Reject(ssh.UnknownChannelType, "unknown channel type")
			continue
		}
		channel, requests, err := newChannel.Accept()
		if err != nil {
			continue
		}
		go s.handleChannel(channel, requests)
	}
}

func (s *testSSHServer) handleChannel(channel ssh.Channel, requests <-chan *ssh.Request) {
	defer channel.Close()

	for req := range requests {
		switch req.Type {
		case "exec":
			var payload struct{ Command string }
			if err := ssh.Unmarshal(req.Payload, &payload); err != nil {
				_ = req.Reply(false, nil)
				return
			}
			_ = req.Reply(true, nil)
			go ssh.DiscardRequests(requests)
			s.exec(channel, payload.Command)
			return

		case "subsystem":
			var payload struct{ Name string }
			if err := ssh.Unmarshal(req.Payload, &payload); err != nil || payload.Name != "sftp" {
				_ = req.Reply(false, nil)
				continue
			}
			_ = req.Reply(true, nil)
			go ssh.DiscardRequests(requests)
			server, err := sftp.NewServer(channel)
			if err != nil {
				return
			}
			_ = server.Serve()
			return

		default:
			if req.WantReply {
				_ = req.Reply(false, nil)
			}
		}
	}
}

func (s *testSSHServer) exec(channel ssh.Channel, command string) {
	status := uint32(0)
	switch {
	case command == "true":
	case command == "echo test":
		_, _ = channel.Write([]byte("test\n"))
	case strings.HasPrefix(command, "exit "):
		code, _ := strconv.Atoi(strings.TrimPrefix(command, "exit "))
		_, _ = channel.Stderr().Write([]byte("failed\n"))
		status = uint32(code)
	case command == "sleep":
		select {
		case <-time.After(5 * time.Second):
		case <-s.done:
		}
	default:
		_, _ = channel.Write([]byte("command: " + command + "\n"))
	}
	_, _ = channel.SendRequest("exit-status", false, ssh.Marshal(struct{ Status uint32 }{status}))
}

func (s *testSSHServer) close() {
	close(s.done)
	_ = s.listener.Close()
}

func (s *testSSHServer) clientConfig(t *testing.T) *Config {
	t.Helper()
	host, portStr, err := net.SplitHostPort(s.addr)
	if err != nil {
		t.Fatalf("bad server address: %v", err)
	}
	port, _ := strconv.Atoi(portStr)

	config := DefaultConfig(host, "testuser")
	config.Port = port
	config.AuthMethod = AuthMethodPassword
	config.Password = "testpass"
	config.ConnectionTimeout = 5 * time.Second
	return config
}

func connectedClient(t *testing.T, server *testSSHServer) *Client {
	t.Helper()
	client, err := NewClient(server.clientConfig(t))
	if err != nil {
		t.Fatalf("NewClient failed: %v", err)
	}
	if err := client.Connect(context.Background()); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	t.Cleanup(func() { _ = client.Disconnect() })
	return client
}

func TestClientConnectAndHealthCheck(t *testing.T) {
	server := newTestSSHServer(t)
	client := connectedClient(t, server)

	if err := client.HealthCheck(context.Background()); err != nil {
		t.Fatalf("HealthCheck failed: %v", err)
	}

	// A second connect reuses the live connection.
	if err := client.Connect(context.Background()); err != nil {
		t.Fatalf("reconnect failed: %v", err)
	}

	if err := client.Disconnect(); err != nil {
		t.Fatalf("Disconnect failed: %v", err)
	}
	if err := client.HealthCheck(context.Background()); err == nil {
		t.Error("expected health check to fail after disconnect")
	}
}

func TestClientConnectAuthFailure(t *testing.T) {
	server := newTestSSHServer(t)
	config := server.clientConfig(t)
	config.Password = "wrong"

	client, err := NewClient(config)
	if err != nil {
		t.Fatalf("NewClient failed: %v", err)
	}

	err = client.Connect(context.Background())
	if err == nil {
		t.Fatal("expected authentication to fail")
	}
	if !IsAuthError(err) {
		t.Errorf("expected auth error, got %v", err)
	}
	if IsTemporary(err) {
		t.Error("auth failures must not be temporary")
	}
}

func TestClientConnectRefused(t *testing.T) {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("failed to listen: %v", err)
	}
	_, portStr, _ := net.SplitHostPort(listener.Addr().String())
	_ = listener.Close()

	config := DefaultConfig("127.0.0.1", "testuser")
	config.Port, _ = strconv.Atoi(portStr)
	config.AuthMethod = AuthMethodPassword
	config.Password = "testpass"
	config.ConnectionTimeout = time.Second

	client, err := NewClient(config)
	if err != nil {
		t.Fatalf("NewClient failed: %v", err)
	}

	err = client.Connect(context.Background())
	if err == nil {
		t.Fatal("expected connection to be refused")
	}
	if !IsTemporary(err) {
		t.Errorf("expected temporary error, got %v", err)
	}
}

func TestClientRun(t *testing.T) {
	server := newTestSSHServer(t)
	client := connectedClient(t, server)

	tests := []struct {
		name         string
		cmd          string
		wantStdout   string
		wantExitCode int
		wantErr      bool
	}{
		{"success", "echo test", "test", 0, false},
		{"true", "true", "", 0, false},
		{"non-zero exit", "exit 3", "", 3, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result, err := client.Run(context.Background(), tt.cmd)
			if (err != nil) != tt.wantErr {
				t.Fatalf("Run(%q) error = %v, wantErr %v", tt.cmd, err, tt.wantErr)
			}
			if result.Stdout != tt.wantStdout {
				t.Errorf("stdout = %q, want %q", result.Stdout, tt.wantStdout)
			}
			if result.ExitCode != tt.wantExitCode {
				t.Errorf("exit code = %d, want %d", result.ExitCode, tt.wantExitCode)
			}
			if err != nil && IsTemporary(err) {
				t.Error("a non-zero exit must not be temporary")
			}
		})
	}
}

func TestClientRunTimeout(t *testing.T) {
	server := newTestSSHServer(t)
	client := connectedClient(t, server)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	_, err := client.Run(ctx, "sleep")
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
	if !IsTemporary(err) {
		t.Error("expected timeout to be temporary")
	}
}

func TestClientRunNotConnected(t *testing.T) {
	server := newTestSSHServer(t)
	client, err := NewClient(server.clientConfig(t))
	if err != nil {
		t.Fatalf("NewClient failed: %v", err)
	}

	if _, err := client.Run(context.Background(), "true"); err == nil {
		t.Fatal("expected error when not connected")
	}
}

func TestClientUpload(t *testing.T) {
	server := newTestSSHServer(t)
	client := connectedClient(t, server)

	remote := filepath.Join(t.TempDir(), "factory", "build.json")
	content := []byte(`{"instance_id":"inst-1"}`)

	if err := client.Upload(context.Background(), bytes.NewReader(content), remote, 0o600); err != nil {
		t.Fatalf("Upload failed: %v", err)
	}

	got, err := os.ReadFile(remote)
	if err != nil {
		t.Fatalf("uploaded file missing: %v", err)
	}
	if !bytes.Equal(got, content) {
		t.Errorf("content = %q, want %q", got, content)
	}

	info, err := os.Stat(remote)
	if err != nil {
		t.Fatalf("stat failed: %v", err)
	}
	if info.Mode().Perm() != 0o600 {
		t.Errorf("mode = %v, want 0600", info.Mode().Perm())
	}
}

func TestClientUploadCancelled(t *testing.T) {
	server := newTestSSHServer(t)
	client := connectedClient(t, server)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	remote := filepath.Join(t.TempDir(), "build.json")
	err := client.Upload(ctx, strings.NewReader("payload"), remote, 0o644)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected cancellation, got %v", err)
	}
}
