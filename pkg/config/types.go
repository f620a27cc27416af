package config

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/openfroyo/modulefactory/pkg/engine"
	"github.com/openfroyo/modulefactory/pkg/workers"
)

// Duration is a time.Duration written as a Go duration string ("30m",
// "360s"). A bare number is read as seconds.
type Duration time.Duration

// Std returns the duration as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d Duration) String() string { return time.Duration(d).String() }

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(string(text))
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", text, err)
	}
	*d = Duration(parsed)
	return nil
}

// UnmarshalJSON accepts either a duration string or a number of seconds.
func (d *Duration) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		return d.UnmarshalText([]byte(s))
	}
	seconds, err := strconv.ParseFloat(string(data), 64)
	if err != nil {
		return fmt.Errorf("invalid duration %s", data)
	}
	*d = Duration(seconds * float64(time.Second))
	return nil
}

// FactoryConfig is the complete configuration of a factory server.
type FactoryConfig struct {
	Server       ServerConfig       `json:"server" yaml:"server"`
	Orchestrator OrchestratorConfig `json:"orchestrator" yaml:"orchestrator"`
	Workers      WorkersConfig      `json:"workers" yaml:"workers"`
	Dispatch     DispatchConfig     `json:"dispatch" yaml:"dispatch"`
	Store        StoreConfig        `json:"store" yaml:"store"`
	Policy       PolicyConfig       `json:"policy" yaml:"policy"`
	Telemetry    TelemetryConfig    `json:"telemetry" yaml:"telemetry"`
}

// ServerConfig configures the HTTP API.
type ServerConfig struct {
	// Listen is the address the API binds to.
	Listen string `json:"listen" yaml:"listen" validate:"required,hostname_port"`

	// CallbackURL is the completion endpoint as reachable from workers.
	// Defaults to the callback route on the listen address.
	CallbackURL string `json:"callback_url,omitempty" yaml:"callback_url,omitempty" validate:"omitempty,url"`

	// APIToken, when set, is required as a bearer token on operator
	// routes. The callback route is authenticated by continuation token.
	APIToken string `json:"api_token,omitempty" yaml:"api_token,omitempty"`

	ReadHeaderTimeout Duration `json:"read_header_timeout" yaml:"read_header_timeout"`
	ShutdownTimeout   Duration `json:"shutdown_timeout" yaml:"shutdown_timeout"`

	// EventStream enables the server-sent event stream on /v1/events/stream.
	EventStream bool `json:"event_stream" yaml:"event_stream"`
}

// RetryConfig configures dispatch backoff.
type RetryConfig struct {
	Base       Duration `json:"base" yaml:"base"`
	MaxDelay   Duration `json:"max_delay,omitempty" yaml:"max_delay,omitempty"`
	MaxRetries int      `json:"max_retries" yaml:"max_retries" validate:"min=0,max=20"`
}

// OrchestratorConfig configures workflow timing and concurrency.
type OrchestratorConfig struct {
	AwaitTimeout     Duration `json:"await_timeout" yaml:"await_timeout"`
	BuildTimeout     Duration `json:"build_timeout" yaml:"build_timeout"`
	ProvisionTimeout Duration `json:"provision_timeout" yaml:"provision_timeout"`
	DispatchTimeout  Duration `json:"dispatch_timeout" yaml:"dispatch_timeout"`
	CleanupTimeout   Duration `json:"cleanup_timeout" yaml:"cleanup_timeout"`

	MaxConcurrentProvisions int64 `json:"max_concurrent_provisions" yaml:"max_concurrent_provisions" validate:"min=1"`

	Retry RetryConfig `json:"retry" yaml:"retry"`
}

// Worker manager names.
const (
	ManagerPool    = "pool"
	ManagerCommand = "command"
)

// WorkersConfig selects and configures the worker manager.
type WorkersConfig struct {
	Manager string `json:"manager" yaml:"manager" validate:"required,oneof=pool command"`

	// Only the section named by Manager is validated.
	Pool    PoolConfig    `json:"pool" yaml:"pool" validate:"-"`
	Command CommandConfig `json:"command" yaml:"command" validate:"-"`
}

// PoolConfig lists pre-registered build hosts.
type PoolConfig struct {
	Hosts         []workers.Host `json:"hosts,omitempty" yaml:"hosts,omitempty" validate:"min=1,dive"`
	ResetCommand  string         `json:"reset_command,omitempty" yaml:"reset_command,omitempty"`
	ProbeAttempts int            `json:"probe_attempts,omitempty" yaml:"probe_attempts,omitempty" validate:"min=0"`
}

// CommandConfig configures workers launched by shell hooks.
type CommandConfig struct {
	Hooks         workers.Hooks     `json:"hooks" yaml:"hooks"`
	Shell         string            `json:"shell,omitempty" yaml:"shell,omitempty"`
	Env           map[string]string `json:"env,omitempty" yaml:"env,omitempty"`
	HookTimeout   Duration          `json:"hook_timeout,omitempty" yaml:"hook_timeout,omitempty"`
	ReadyInterval Duration          `json:"ready_interval,omitempty" yaml:"ready_interval,omitempty"`
	Placement     engine.Placement  `json:"placement" yaml:"placement"`
	Identity      engine.Identity   `json:"identity" yaml:"identity"`
	User          string            `json:"user,omitempty" yaml:"user,omitempty"`
	Port          int               `json:"port,omitempty" yaml:"port,omitempty" validate:"omitempty,min=1,max=65535"`

	// SizingScript is a Starlark file defining size(target). Without one
	// the request's instance type or the architecture default is used.
	SizingScript  string   `json:"sizing_script,omitempty" yaml:"sizing_script,omitempty" validate:"omitempty,file"`
	SizingTimeout Duration `json:"sizing_timeout,omitempty" yaml:"sizing_timeout,omitempty"`
}

// DispatchConfig configures SSH access to workers.
type DispatchConfig struct {
	User                  string   `json:"user" yaml:"user" validate:"required"`
	Port                  int      `json:"port" yaml:"port" validate:"min=1,max=65535"`
	PrivateKeyPath        string   `json:"private_key_path,omitempty" yaml:"private_key_path,omitempty"`
	Password              string   `json:"-" yaml:"-"`
	KnownHostsPath        string   `json:"known_hosts_path,omitempty" yaml:"known_hosts_path,omitempty"`
	StrictHostKeyChecking bool     `json:"strict_host_key_checking" yaml:"strict_host_key_checking"`
	ConnectionTimeout     Duration `json:"connection_timeout" yaml:"connection_timeout"`
	SpecDir               string   `json:"spec_dir" yaml:"spec_dir" validate:"required"`
	AgentPath             string   `json:"agent_path" yaml:"agent_path" validate:"required"`
}

// StoreConfig configures the SQLite state store.
type StoreConfig struct {
	Path            string   `json:"path" yaml:"path" validate:"required"`
	MaxOpenConns    int      `json:"max_open_conns,omitempty" yaml:"max_open_conns,omitempty" validate:"min=0"`
	MaxIdleConns    int      `json:"max_idle_conns,omitempty" yaml:"max_idle_conns,omitempty" validate:"min=0"`
	ConnMaxLifetime Duration `json:"conn_max_lifetime,omitempty" yaml:"conn_max_lifetime,omitempty"`
}

// PolicyConfig configures admission policies.
type PolicyConfig struct {
	// Paths are .rego/.json files or directories loaded next to the
	// built-in policies.
	Paths []string `json:"paths,omitempty" yaml:"paths,omitempty"`

	// Watch reloads Paths when files change.
	Watch bool `json:"watch" yaml:"watch"`

	Environment          string   `json:"environment,omitempty" yaml:"environment,omitempty"`
	AllowedImagePrefixes []string `json:"allowed_image_prefixes,omitempty" yaml:"allowed_image_prefixes,omitempty"`
	AllowedDestinations  []string `json:"allowed_destinations,omitempty" yaml:"allowed_destinations,omitempty"`
	MaxLabels            int      `json:"max_labels,omitempty" yaml:"max_labels,omitempty" validate:"min=0"`
}

// TelemetryConfig configures logging, tracing, metrics and events.
type TelemetryConfig struct {
	Environment string `json:"environment,omitempty" yaml:"environment,omitempty"`

	LogLevel    string `json:"log_level" yaml:"log_level" validate:"oneof=trace debug info warn error"`
	LogFormat   string `json:"log_format" yaml:"log_format" validate:"oneof=console json"`
	LogOutput   string `json:"log_output,omitempty" yaml:"log_output,omitempty"`
	LogCaller   bool   `json:"log_caller" yaml:"log_caller"`
	LogEvents   bool   `json:"log_events" yaml:"log_events"`
	EventBuffer int    `json:"event_buffer" yaml:"event_buffer" validate:"min=0"`

	Tracing TracingConfig `json:"tracing" yaml:"tracing"`

	MetricsEnabled   bool   `json:"metrics_enabled" yaml:"metrics_enabled"`
	MetricsNamespace string `json:"metrics_namespace,omitempty" yaml:"metrics_namespace,omitempty"`
}

// TracingConfig configures the trace exporter.
type TracingConfig struct {
	Enabled       bool              `json:"enabled" yaml:"enabled"`
	Exporter      string            `json:"exporter" yaml:"exporter" validate:"oneof=otlp stdout none"`
	Endpoint      string            `json:"endpoint,omitempty" yaml:"endpoint,omitempty" validate:"required_if=Exporter otlp"`
	SamplingRate  float64           `json:"sampling_rate" yaml:"sampling_rate" validate:"min=0,max=1"`
	ExportTimeout Duration          `json:"export_timeout" yaml:"export_timeout"`
	Headers       map[string]string `json:"headers,omitempty" yaml:"headers,omitempty"`
	Insecure      bool              `json:"insecure" yaml:"insecure"`
}

// ValidationError is a configuration error with its source location.
type ValidationError struct {
	File    string `json:"file,omitempty"`
	Line    int    `json:"line,omitempty"`
	Column  int    `json:"column,omitempty"`
	Path    string `json:"path,omitempty"`
	Message string `json:"message"`
}

func (e ValidationError) Error() string {
	loc := e.File
	if loc != "" && e.Line > 0 {
		loc = fmt.Sprintf("%s:%d:%d", e.File, e.Line, e.Column)
	}
	switch {
	case loc != "" && e.Path != "":
		return fmt.Sprintf("%s: %s: %s", loc, e.Path, e.Message)
	case loc != "":
		return fmt.Sprintf("%s: %s", loc, e.Message)
	case e.Path != "":
		return fmt.Sprintf("%s: %s", e.Path, e.Message)
	default:
		return e.Message
	}
}

// LoadError collects every error found while loading a configuration.
type LoadError struct {
	Errors []ValidationError
}

func (e *LoadError) Error() string {
	switch len(e.Errors) {
	case 0:
		return "invalid configuration"
	case 1:
		return "invalid configuration: " + e.Errors[0].Error()
	default:
		return fmt.Sprintf("invalid configuration: %s (and %d more)", e.Errors[0].Error(), len(e.Errors)-1)
	}
}
