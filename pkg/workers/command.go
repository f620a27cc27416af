package workers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"sort"
	"strings"
	"text/template"
	"time"

	"github.com/rs/zerolog"

	"github.com/openfroyo/modulefactory/pkg/engine"
)

// Hooks are the shell templates CommandManager runs. Templates see a
// HookData value and may use the quote function for shell quoting.
type Hooks struct {
	// Provision launches a worker and prints its description as JSON
	// (see ProvisionOutput) on stdout. Required.
	Provision string `json:"provision" yaml:"provision" validate:"required"`

	// Ready exits zero once the worker accepts commands. It is retried
	// until it succeeds or the provision deadline passes. Optional.
	Ready string `json:"ready,omitempty" yaml:"ready,omitempty"`

	// Destroy terminates the worker. Required.
	Destroy string `json:"destroy" yaml:"destroy" validate:"required"`

	// Release frees network bindings held apart from the worker. Optional.
	Release string `json:"release,omitempty" yaml:"release,omitempty"`

	// Architecture prints the image's architecture (x86_64 or arm64) and
	// runs before sizing when a request carries neither an architecture nor
	// an instance type. Without it such requests are rejected. Optional.
	Architecture string `json:"architecture,omitempty" yaml:"architecture,omitempty"`
}

// DescribeImageArchitecture is an Architecture hook for the AWS CLI.
const DescribeImageArchitecture = `aws ec2 describe-images --image-ids {{quote .ImageID}} --query 'Images[0].Architecture' --output text`

// CommandConfig configures a CommandManager.
type CommandConfig struct {
	Hooks Hooks `json:"hooks" yaml:"hooks"`

	// Shell runs each rendered hook with "-c" (default /bin/sh).
	Shell string `json:"shell,omitempty" yaml:"shell,omitempty"`

	// Env is added to the environment of every hook.
	Env map[string]string `json:"env,omitempty" yaml:"env,omitempty"`

	// HookTimeout bounds a single hook run (default 5m).
	HookTimeout time.Duration `json:"hook_timeout,omitempty" yaml:"hook_timeout,omitempty"`

	// ReadyInterval is the pause between ready checks (default 15s).
	ReadyInterval time.Duration `json:"ready_interval,omitempty" yaml:"ready_interval,omitempty"`

	// Placement and Identity are applied to every worker.
	Placement engine.Placement `json:"placement" yaml:"placement"`
	Identity  engine.Identity  `json:"identity" yaml:"identity"`

	// User and Port are used when the provision output omits them.
	User string `json:"user,omitempty" yaml:"user,omitempty"`
	Port int    `json:"port,omitempty" yaml:"port,omitempty"`
}

// HookData is the value hook templates are rendered with.
type HookData struct {
	InstanceID   string
	ImageID      string
	Architecture string
	Kernel       string
	InstanceType string
	Labels       map[string]string
	Placement    engine.Placement
	Identity     engine.Identity

	// Worker is set for the ready, destroy and release hooks.
	Worker *engine.WorkerResource
}

// ProvisionOutput is the JSON document the provision hook prints.
type ProvisionOutput struct {
	ID           string `json:"id"`
	Address      string `json:"address"`
	Port         int    `json:"port,omitempty"`
	User         string `json:"user,omitempty"`
	InstanceType string `json:"instance_type,omitempty"`
	Zone         string `json:"zone,omitempty"`
}

type compiledHooks struct {
	provision    *template.Template
	ready        *template.Template
	destroy      *template.Template
	release      *template.Template
	architecture *template.Template
}

// CommandManager implements engine.WorkerManager with external commands.
type CommandManager struct {
	config CommandConfig
	hooks  compiledHooks
	sizer  Sizer
	clock  engine.Clock
	logger zerolog.Logger
}

var (
	_ engine.WorkerManager   = (*CommandManager)(nil)
	_ engine.NetworkReleaser = (*CommandManager)(nil)
)

// NewCommandManager parses the hook templates. A nil sizer uses
// DefaultSizer.
func NewCommandManager(config CommandConfig, sizer Sizer, logger zerolog.Logger) (*CommandManager, error) {
	if config.Hooks.Provision == "" || config.Hooks.Destroy == "" {
		return nil, fmt.Errorf("provision and destroy hooks are required")
	}
	if config.Shell == "" {
		config.Shell = "/bin/sh"
	}
	if config.HookTimeout == 0 {
		config.HookTimeout = 5 * time.Minute
	}
	if config.ReadyInterval == 0 {
		config.ReadyInterval = 15 * time.Second
	}
	if sizer == nil {
		sizer = DefaultSizer{}
	}

	m := &CommandManager{
		config: config,
		sizer:  sizer,
		clock:  engine.SystemClock{},
		logger: logger.With().Str("component", "workers").Str("manager", "command").Logger(),
	}

	var err error
	if m.hooks.provision, err = parseHook("provision", config.Hooks.Provision); err != nil {
		return nil, err
	}
	if m.hooks.ready, err = parseHook("ready", config.Hooks.Ready); err != nil {
		return nil, err
	}
	if m.hooks.destroy, err = parseHook("destroy", config.Hooks.Destroy); err != nil {
		return nil, err
	}
	if m.hooks.release, err = parseHook("release", config.Hooks.Release); err != nil {
		return nil, err
	}
	if m.hooks.architecture, err = parseHook("architecture", config.Hooks.Architecture); err != nil {
		return nil, err
	}
	return m, nil
}

// Name implements engine.WorkerManager.
func (m *CommandManager) Name() string { return "command" }

// Provision runs the provision hook, then polls the ready hook.
func (m *CommandManager) Provision(ctx context.Context, pc engine.ProvisionContext) (*engine.WorkerResource, error) {
	if pc.Target.Architecture == "" && pc.Target.InstanceType == "" {
		architecture, err := m.resolveArchitecture(ctx, pc)
		if err != nil {
			return nil, engine.NewProvisionError("failed to resolve image architecture", err).
				WithInstance(pc.InstanceID).
				WithCode(engine.ErrCodeValidation)
		}
		pc.Target.Architecture = architecture
	}

	instanceType, err := m.sizer.InstanceType(ctx, pc.Target)
	if err != nil {
		return nil, engine.NewProvisionError("failed to size worker", err).
			WithInstance(pc.InstanceID).
			WithCode(engine.ErrCodeValidation)
	}

	data := m.hookData(pc, instanceType, nil)
	stdout, err := m.run(ctx, "provision", m.hooks.provision, data)
	if err != nil {
		return nil, engine.NewProvisionError("provision hook failed", err).WithInstance(pc.InstanceID)
	}

	var out ProvisionOutput
	if err := json.Unmarshal(bytes.TrimSpace(stdout), &out); err != nil {
		return nil, engine.NewProvisionError("provision hook printed invalid JSON", err).WithInstance(pc.InstanceID)
	}
	if out.ID == "" {
		return nil, engine.NewProvisionError("provision hook printed no worker id", nil).WithInstance(pc.InstanceID)
	}

	worker := &engine.WorkerResource{
		ID:           out.ID,
		Provider:     m.Name(),
		Address:      out.Address,
		Port:         out.Port,
		User:         out.User,
		InstanceType: instanceType,
		Placement:    m.config.Placement,
		Identity:     m.config.Identity,
		CreatedAt:    m.clock.Now(),
	}
	if out.InstanceType != "" {
		worker.InstanceType = out.InstanceType
	}
	if out.Zone != "" {
		worker.Placement.Zone = out.Zone
	}
	if worker.User == "" {
		worker.User = m.config.User
	}
	if worker.Port == 0 {
		worker.Port = m.config.Port
	}

	m.logger.Info().
		Str("instance_id", pc.InstanceID).
		Str("worker_id", worker.ID).
		Str("instance_type", worker.InstanceType).
		Msg("Worker launched")

	if worker.Address == "" {
		return worker, engine.NewProvisionError("provision hook printed no address", nil).WithInstance(pc.InstanceID)
	}

	if err := m.waitReady(ctx, pc, worker); err != nil {
		// The worker exists, so it is returned for cleanup.
		return worker, engine.NewProvisionError("worker never became ready", err).WithInstance(pc.InstanceID)
	}
	return worker, nil
}

func (m *CommandManager) resolveArchitecture(ctx context.Context, pc engine.ProvisionContext) (string, error) {
	if m.hooks.architecture == nil {
		return "", ErrUnknownArchitecture
	}
	stdout, err := m.run(ctx, "architecture", m.hooks.architecture, m.hookData(pc, "", nil))
	if err != nil {
		return "", err
	}
	architecture := strings.TrimSpace(string(stdout))
	switch architecture {
	case "x86_64", "arm64":
	case "", "None", "null":
		return "", fmt.Errorf("image %s: %w", pc.Target.ImageID, ErrUnknownArchitecture)
	default:
		return "", fmt.Errorf("image %s has unsupported architecture %q", pc.Target.ImageID, architecture)
	}
	m.logger.Debug().
		Str("instance_id", pc.InstanceID).
		Str("image_id", pc.Target.ImageID).
		Str("architecture", architecture).
		Msg("Resolved image architecture")
	return architecture, nil
}

func (m *CommandManager) waitReady(ctx context.Context, pc engine.ProvisionContext, worker *engine.WorkerResource) error {
	if m.hooks.ready == nil {
		return nil
	}
	data := m.hookData(pc, worker.InstanceType, worker)

	for checks := 1; ; checks++ {
		_, err := m.run(ctx, "ready", m.hooks.ready, data)
		if err == nil {
			m.logger.Debug().Str("worker_id", worker.ID).Int("checks", checks).Msg("Worker ready")
			return nil
		}
		m.logger.Debug().Err(err).Str("worker_id", worker.ID).Int("checks", checks).Msg("Worker not ready")

		if err := m.clock.Sleep(ctx, m.config.ReadyInterval); err != nil {
			return err
		}
	}
}

// Destroy runs the destroy hook.
func (m *CommandManager) Destroy(ctx context.Context, worker engine.WorkerResource) error {
	if worker.ID == "" {
		return nil
	}
	data := m.hookData(engine.ProvisionContext{}, worker.InstanceType, &worker)
	if _, err := m.run(ctx, "destroy", m.hooks.destroy, data); err != nil {
		return fmt.Errorf("destroy %s: %w", worker.ID, err)
	}
	m.logger.Info().Str("worker_id", worker.ID).Msg("Worker destroyed")
	return nil
}

// Release runs the release hook if one is configured.
func (m *CommandManager) Release(ctx context.Context, worker engine.WorkerResource) error {
	if m.hooks.release == nil {
		return nil
	}
	data := m.hookData(engine.ProvisionContext{}, worker.InstanceType, &worker)
	if _, err := m.run(ctx, "release", m.hooks.release, data); err != nil {
		return fmt.Errorf("release %s: %w", worker.ID, err)
	}
	return nil
}

func (m *CommandManager) hookData(pc engine.ProvisionContext, instanceType string, worker *engine.WorkerResource) HookData {
	data := HookData{
		InstanceID:   pc.InstanceID,
		ImageID:      pc.Target.ImageID,
		Architecture: pc.Target.Architecture,
		Kernel:       pc.Target.KernelVersion,
		InstanceType: instanceType,
		Labels:       pc.Labels,
		Placement:    m.config.Placement,
		Identity:     m.config.Identity,
		Worker:       worker,
	}
	if worker != nil {
		data.Placement = worker.Placement
		data.Identity = worker.Identity
	}
	return data
}

// run renders a hook and executes it, returning stdout.
func (m *CommandManager) run(ctx context.Context, name string, tmpl *template.Template, data HookData) ([]byte, error) {
	var script bytes.Buffer
	if err := tmpl.Execute(&script, data); err != nil {
		return nil, fmt.Errorf("render %s hook: %w", name, err)
	}

	ctx, cancel := context.WithTimeout(ctx, m.config.HookTimeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, m.config.Shell, "-c", script.String())
	cmd.Env = append(os.Environ(), m.env()...)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	started := m.clock.Now()
	err := cmd.Run()
	m.logger.Debug().
		Str("hook", name).
		Dur("duration", m.clock.Now().Sub(started)).
		Err(err).
		Msg("Hook finished")

	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, fmt.Errorf("%s hook: %w", name, ctxErr)
		}
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return nil, fmt.Errorf("%s hook exited with code %d: %s",
				name, exitErr.ExitCode(), strings.TrimSpace(stderr.String()))
		}
		return nil, fmt.Errorf("%s hook: %w", name, err)
	}
	return stdout.Bytes(), nil
}

func (m *CommandManager) env() []string {
	keys := make([]string, 0, len(m.config.Env))
	for k := range m.config.Env {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	env := make([]string, 0, len(keys))
	for _, k := range keys {
		env = append(env, k+"="+m.config.Env[k])
	}
	return env
}

func parseHook(name, text string) (*template.Template, error) {
	if text == "" {
		return nil, nil
	}
	tmpl, err := template.New(name).
		Option("missingkey=error").
		Funcs(template.FuncMap{"quote": shellQuote}).
		Parse(text)
	if err != nil {
		return nil, fmt.Errorf("parse %s hook: %w", name, err)
	}
	return tmpl, nil
}

func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
