package dispatch

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/rs/zerolog"

	"github.com/openfroyo/modulefactory/pkg/engine"
	"github.com/openfroyo/modulefactory/pkg/protocol"
	"github.com/openfroyo/modulefactory/pkg/transports/ssh"
)

// fakeTransport records what the dispatcher sends to a worker.
type fakeTransport struct {
	mu sync.Mutex

	connectErr error
	uploadErr  error
	runErr     error

	connected    bool
	disconnected bool
	uploads      map[string][]byte
	modes        map[string]os.FileMode
	commands     []string
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		uploads: make(map[string][]byte),
		modes:   make(map[string]os.FileMode),
	}
}

func (f *fakeTransport) Connect(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.connectErr != nil {
		return f.connectErr
	}
	f.connected = true
	return nil
}

func (f *fakeTransport) Disconnect() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.disconnected = true
	return nil
}

func (f *fakeTransport) HealthCheck(ctx context.Context) error { return nil }

func (f *fakeTransport) Run(ctx context.Context, cmd string) (ssh.ExecResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.commands = append(f.commands, cmd)
	if f.runErr != nil {
		return ssh.ExecResult{ExitCode: 1}, f.runErr
	}
	return ssh.ExecResult{ExitCode: 0}, nil
}

func (f *fakeTransport) Upload(ctx context.Context, r io.Reader, remotePath string, mode os.FileMode) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.uploadErr != nil {
		return f.uploadErr
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	f.uploads[remotePath] = data
	f.modes[remotePath] = mode
	return nil
}

func testWorker() engine.WorkerResource {
	return engine.WorkerResource{ID: "W1", Provider: "pool", Address: "10.0.1.15"}
}

func testSpec() engine.BuildSpec {
	return engine.BuildSpec{
		InstanceID:    "inst-1",
		WorkerID:      "W1",
		KernelVersion: "5.10.0-1057-aws",
		Artifacts:     engine.ArtifactKeys("file:///srv/artifacts", "W1", "5.10.0-1057-aws"),
		BuildTimeout:  360 * time.Second,
		CallbackURL:   "http://factory.internal:8080/v1/callbacks",
	}
}

func newTestDispatcher(transport *fakeTransport) (*SSHDispatcher, *[]engine.WorkerResource) {
	var dialed []engine.WorkerResource
	d := NewSSHDispatcher(Config{}, func(w engine.WorkerResource) (ssh.Transport, error) {
		dialed = append(dialed, w)
		return transport, nil
	}, zerolog.Nop())
	return d, &dialed
}

func TestDispatch_Success(t *testing.T) {
	transport := newFakeTransport()
	d, dialed := newTestDispatcher(transport)

	if err := d.Dispatch(context.Background(), testWorker(), testSpec(), "tok-123"); err != nil {
		t.Fatalf("Dispatch failed: %v", err)
	}

	if len(*dialed) != 1 || (*dialed)[0].ID != "W1" {
		t.Errorf("Expected one dial to W1, got %v", *dialed)
	}
	if !transport.disconnected {
		t.Error("Expected transport to be disconnected")
	}

	const specPath = "/var/lib/factory/inst-1.json"
	payload, ok := transport.uploads[specPath]
	if !ok {
		t.Fatalf("Expected upload to %s, got %v", specPath, transport.uploads)
	}
	if transport.modes[specPath] != 0o600 {
		t.Errorf("Expected mode 0600, got %v", transport.modes[specPath])
	}

	build, err := protocol.NewDecoder(bytes.NewReader(payload)).DecodeBuild()
	if err != nil {
		t.Fatalf("Uploaded payload does not decode: %v", err)
	}
	if build.Token != "tok-123" {
		t.Errorf("Expected token in build message, got %q", build.Token)
	}
	if diff := cmp.Diff(testSpec(), build.Spec()); diff != "" {
		t.Errorf("Build spec mismatch (-want +got):\n%s", diff)
	}

	if len(transport.commands) != 1 {
		t.Fatalf("Expected one launch command, got %v", transport.commands)
	}
	want := "nohup '/usr/local/bin/factory-agent' --spec '/var/lib/factory/inst-1.json' > '/var/lib/factory/inst-1.log' 2>&1 < /dev/null &"
	if transport.commands[0] != want {
		t.Errorf("Launch command = %q, want %q", transport.commands[0], want)
	}
}

func TestDispatch_Classification(t *testing.T) {
	tests := []struct {
		name      string
		configure func(*fakeTransport)
		transient bool
		code      string
	}{
		{
			name: "connection refused",
			configure: func(f *fakeTransport) {
				f.connectErr = &ssh.TransportError{Op: "connect", Err: errors.New("connection refused"), IsTemporary: true}
			},
			transient: true,
			code:      engine.ErrCodeUnreachable,
		},
		{
			name: "authentication rejected",
			configure: func(f *fakeTransport) {
				f.connectErr = &ssh.TransportError{Op: "handshake", Err: errors.New("unable to authenticate"), IsAuthError: true}
			},
			transient: false,
			code:      engine.ErrCodePermissionDenied,
		},
		{
			name: "sftp unavailable",
			configure: func(f *fakeTransport) {
				f.uploadErr = &ssh.TransportError{Op: "sftp-init", Err: errors.New("subsystem request failed"), IsTemporary: true}
			},
			transient: true,
			code:      engine.ErrCodeUnreachable,
		},
		{
			name: "launch timed out",
			configure: func(f *fakeTransport) {
				f.runErr = &ssh.TransportError{Op: "exec", Err: context.DeadlineExceeded, IsTemporary: true}
			},
			transient: true,
			code:      engine.ErrCodeTimeout,
		},
		{
			name: "agent missing",
			configure: func(f *fakeTransport) {
				f.runErr = &ssh.TransportError{Op: "exec", Err: errors.New("command exited with code 127")}
			},
			transient: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			transport := newFakeTransport()
			tt.configure(transport)
			d, _ := newTestDispatcher(transport)

			err := d.Dispatch(context.Background(), testWorker(), testSpec(), "tok")
			if err == nil {
				t.Fatal("Expected dispatch to fail")
			}
			if engine.IsTransient(err) != tt.transient {
				t.Errorf("IsTransient = %v, want %v (%v)", engine.IsTransient(err), tt.transient, err)
			}
			if engine.KindOf(err) != engine.ErrorKindDispatch {
				t.Errorf("KindOf = %s", engine.KindOf(err))
			}

			var engErr *engine.EngineError
			if !errors.As(err, &engErr) {
				t.Fatalf("Expected EngineError, got %T", err)
			}
			if engErr.Code != tt.code {
				t.Errorf("Code = %q, want %q", engErr.Code, tt.code)
			}
			if engErr.Instance != "inst-1" {
				t.Errorf("Instance = %q", engErr.Instance)
			}
		})
	}
}

func TestDispatch_InvalidSpecIsPermanent(t *testing.T) {
	transport := newFakeTransport()
	d, dialed := newTestDispatcher(transport)

	spec := testSpec()
	spec.CallbackURL = ""

	err := d.Dispatch(context.Background(), testWorker(), spec, "tok")
	if !engine.IsPermanent(err) {
		t.Fatalf("Expected permanent error, got %v", err)
	}
	if len(*dialed) != 0 {
		t.Error("Invalid specs must not reach the worker")
	}

	if err := d.Dispatch(context.Background(), testWorker(), testSpec(), ""); !engine.IsPermanent(err) {
		t.Errorf("Expected a missing token to be permanent, got %v", err)
	}
}

func TestDispatch_WorkerWithoutAddress(t *testing.T) {
	d, dialed := newTestDispatcher(newFakeTransport())

	worker := testWorker()
	worker.Address = ""

	if err := d.Dispatch(context.Background(), worker, testSpec(), "tok"); !engine.IsPermanent(err) {
		t.Fatalf("Expected permanent error, got %v", err)
	}
	if len(*dialed) != 0 {
		t.Error("Expected no dial without an address")
	}
}

func TestDispatch_DefaultFactoryRejectsBadConfig(t *testing.T) {
	// No key material configured, so ssh.NewClient refuses the config.
	d := NewSSHDispatcher(Config{}, nil, zerolog.Nop())

	err := d.Dispatch(context.Background(), testWorker(), testSpec(), "tok")
	if !engine.IsPermanent(err) {
		t.Fatalf("Expected permanent config error, got %v", err)
	}
	if !strings.Contains(err.Error(), "invalid transport configuration") {
		t.Errorf("Unexpected error: %v", err)
	}
}

func TestTransportConfig(t *testing.T) {
	config := Config{
		User:           "builder",
		Port:           2222,
		PrivateKeyPath: "/etc/factory/id_ed25519",
	}

	cfg := TransportConfig(config, testWorker())
	if cfg.Host != "10.0.1.15" || cfg.Port != 2222 || cfg.User != "builder" {
		t.Errorf("Unexpected defaults: %s@%s", cfg.User, cfg.Address())
	}
	if cfg.AuthMethod != ssh.AuthMethodKey || cfg.PrivateKeyPath != config.PrivateKeyPath {
		t.Errorf("Expected key auth, got %s", cfg.AuthMethod)
	}

	worker := testWorker()
	worker.User = "ubuntu"
	worker.Port = 22022
	cfg = TransportConfig(config, worker)
	if cfg.User != "ubuntu" || cfg.Port != 22022 {
		t.Errorf("Worker values must win, got %s", cfg.Address())
	}

	cfg = TransportConfig(Config{Password: "secret"}, testWorker())
	if cfg.AuthMethod != ssh.AuthMethodPassword || cfg.User != "ec2-user" || cfg.Port != 22 {
		t.Errorf("Expected password auth with defaults, got %s %s@%s", cfg.AuthMethod, cfg.User, cfg.Address())
	}
}
