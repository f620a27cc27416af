package dispatch

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"path"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/openfroyo/modulefactory/pkg/engine"
	"github.com/openfroyo/modulefactory/pkg/protocol"
	"github.com/openfroyo/modulefactory/pkg/transports/ssh"
)

const (
	// DefaultSpecDir is where build messages are written on the worker.
	DefaultSpecDir = "/var/lib/factory"

	// DefaultAgentPath is the build agent binary on the worker image.
	DefaultAgentPath = "/usr/local/bin/factory-agent"
)

// Config holds the connection settings shared by every worker.
type Config struct {
	// User is the login user when the worker does not name one.
	User string `json:"user" yaml:"user"`

	// Port is the SSH port when the worker does not name one.
	Port int `json:"port" yaml:"port"`

	PrivateKeyPath        string `json:"private_key_path,omitempty" yaml:"private_key_path,omitempty"`
	PrivateKey            []byte `json:"-" yaml:"-"`
	Password              string `json:"-" yaml:"-"`
	KnownHostsPath        string `json:"known_hosts_path,omitempty" yaml:"known_hosts_path,omitempty"`
	StrictHostKeyChecking bool   `json:"strict_host_key_checking" yaml:"strict_host_key_checking"`

	ConnectionTimeout time.Duration `json:"connection_timeout" yaml:"connection_timeout"`

	// SpecDir is the remote directory build messages are uploaded to.
	SpecDir string `json:"spec_dir" yaml:"spec_dir"`

	// AgentPath is the remote path of the build agent.
	AgentPath string `json:"agent_path" yaml:"agent_path"`
}

// DefaultConfig returns the dispatcher defaults.
func DefaultConfig() Config {
	return Config{
		User:              "ec2-user",
		Port:              22,
		ConnectionTimeout: 30 * time.Second,
		SpecDir:           DefaultSpecDir,
		AgentPath:         DefaultAgentPath,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.User == "" {
		c.User = d.User
	}
	if c.Port == 0 {
		c.Port = d.Port
	}
	if c.ConnectionTimeout == 0 {
		c.ConnectionTimeout = d.ConnectionTimeout
	}
	if c.SpecDir == "" {
		c.SpecDir = d.SpecDir
	}
	if c.AgentPath == "" {
		c.AgentPath = d.AgentPath
	}
	return c
}

// TransportFactory opens a transport to a worker.
type TransportFactory func(worker engine.WorkerResource) (ssh.Transport, error)

// SSHDispatcher implements engine.Dispatcher over SSH and SFTP.
type SSHDispatcher struct {
	config Config
	dial   TransportFactory
	logger zerolog.Logger
}

var _ engine.Dispatcher = (*SSHDispatcher)(nil)

// NewSSHDispatcher creates a dispatcher. A nil factory dials the worker
// with ssh.NewClient.
func NewSSHDispatcher(config Config, dial TransportFactory, logger zerolog.Logger) *SSHDispatcher {
	d := &SSHDispatcher{
		config: config.withDefaults(),
		dial:   dial,
		logger: logger.With().Str("component", "dispatcher").Logger(),
	}
	if d.dial == nil {
		d.dial = d.dialSSH
	}
	return d
}

// TransportConfig merges the shared settings with what the worker reports.
func TransportConfig(config Config, worker engine.WorkerResource) *ssh.Config {
	config = config.withDefaults()

	user := worker.User
	if user == "" {
		user = config.User
	}
	cfg := ssh.DefaultConfig(worker.Address, user)
	if worker.Port != 0 {
		cfg.Port = worker.Port
	} else {
		cfg.Port = config.Port
	}
	if len(config.PrivateKey) == 0 && config.PrivateKeyPath == "" && config.Password != "" {
		cfg.AuthMethod = ssh.AuthMethodPassword
		cfg.Password = config.Password
	}
	cfg.PrivateKey = config.PrivateKey
	cfg.PrivateKeyPath = config.PrivateKeyPath
	cfg.KnownHostsPath = config.KnownHostsPath
	cfg.StrictHostKeyChecking = config.StrictHostKeyChecking
	cfg.ConnectionTimeout = config.ConnectionTimeout
	return cfg
}

func (d *SSHDispatcher) dialSSH(worker engine.WorkerResource) (ssh.Transport, error) {
	return ssh.NewClient(TransportConfig(d.config, worker))
}

// Dispatch uploads the build message for spec and launches the agent.
func (d *SSHDispatcher) Dispatch(ctx context.Context, worker engine.WorkerResource, spec engine.BuildSpec, token string) error {
	logger := d.logger.With().
		Str("instance_id", spec.InstanceID).
		Str("worker_id", worker.ID).
		Logger()

	msg := protocol.NewBuildMessage(spec, token)
	if err := msg.Validate(); err != nil {
		return engine.NewPermanentDispatchError("invalid build spec", err).
			WithInstance(spec.InstanceID).
			WithCode(engine.ErrCodeValidation)
	}
	payload, err := protocol.MarshalBuild(msg)
	if err != nil {
		return engine.NewPermanentDispatchError("failed to encode build spec", err).
			WithInstance(spec.InstanceID).
			WithCode(engine.ErrCodeValidation)
	}

	if worker.Address == "" {
		return engine.NewPermanentDispatchError("worker has no address", nil).
			WithInstance(spec.InstanceID).
			WithCode(engine.ErrCodeValidation)
	}

	transport, err := d.dial(worker)
	if err != nil {
		return engine.NewPermanentDispatchError("invalid transport configuration", err).
			WithInstance(spec.InstanceID).
			WithCode(engine.ErrCodeValidation)
	}

	if err := transport.Connect(ctx); err != nil {
		return classify("connect", spec.InstanceID, err)
	}
	defer func() {
		if err := transport.Disconnect(); err != nil {
			logger.Debug().Err(err).Msg("Disconnect failed")
		}
	}()

	specPath := path.Join(d.config.SpecDir, spec.InstanceID+".json")
	if err := transport.Upload(ctx, bytes.NewReader(payload), specPath, 0o600); err != nil {
		return classify("upload", spec.InstanceID, err)
	}
	logger.Debug().Str("path", specPath).Int("bytes", len(payload)).Msg("Build spec uploaded")

	cmd := LaunchCommand(d.config.AgentPath, specPath)
	result, err := transport.Run(ctx, cmd)
	if err != nil {
		return classify("launch", spec.InstanceID, err)
	}

	logger.Info().
		Str("address", worker.Address).
		Dur("duration", result.Duration).
		Msg("Build agent launched")
	return nil
}

// LaunchCommand returns the shell command that starts the agent detached
// from the SSH session.
func LaunchCommand(agentPath, specPath string) string {
	logPath := strings.TrimSuffix(specPath, ".json") + ".log"
	return fmt.Sprintf("nohup %s --spec %s > %s 2>&1 < /dev/null &",
		shellQuote(agentPath), shellQuote(specPath), shellQuote(logPath))
}

// classify maps a transport failure onto the dispatch error classes.
func classify(op, instanceID string, err error) error {
	msg := op + " failed"
	switch {
	case ssh.IsAuthError(err):
		return engine.NewPermanentDispatchError(msg, err).
			WithInstance(instanceID).
			WithOperation(op).
			WithCode(engine.ErrCodePermissionDenied)
	case errors.Is(err, context.DeadlineExceeded):
		return engine.NewTransientDispatchError(msg, err).
			WithInstance(instanceID).
			WithOperation(op).
			WithCode(engine.ErrCodeTimeout)
	case ssh.IsTemporary(err), errors.Is(err, context.Canceled):
		return engine.NewTransientDispatchError(msg, err).
			WithInstance(instanceID).
			WithOperation(op).
			WithCode(engine.ErrCodeUnreachable)
	default:
		return engine.NewPermanentDispatchError(msg, err).
			WithInstance(instanceID).
			WithOperation(op)
	}
}

func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
