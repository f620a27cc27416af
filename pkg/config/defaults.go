package config

import (
	"fmt"
	"net"
	"os"
	"time"

	"github.com/openfroyo/modulefactory/pkg/dispatch"
	"github.com/openfroyo/modulefactory/pkg/engine"
	"github.com/openfroyo/modulefactory/pkg/policy"
	"github.com/openfroyo/modulefactory/pkg/stores"
	"github.com/openfroyo/modulefactory/pkg/telemetry"
	"github.com/openfroyo/modulefactory/pkg/workers"
)

// CallbackPath is the API route workers post completion signals to.
const CallbackPath = "/v1/callbacks"

// Defaults returns the configuration used for every field a document
// leaves unset.
func Defaults() *FactoryConfig {
	ec := engine.DefaultConfig()
	dc := dispatch.DefaultConfig()
	tc := telemetry.DefaultConfig()

	return &FactoryConfig{
		Server: ServerConfig{
			Listen:            ":8080",
			ReadHeaderTimeout: Duration(10 * time.Second),
			ShutdownTimeout:   Duration(30 * time.Second),
			EventStream:       true,
		},
		Orchestrator: OrchestratorConfig{
			AwaitTimeout:            Duration(ec.AwaitTimeout),
			BuildTimeout:            Duration(ec.BuildTimeout),
			ProvisionTimeout:        Duration(ec.ProvisionTimeout),
			DispatchTimeout:         Duration(ec.DispatchTimeout),
			CleanupTimeout:          Duration(ec.CleanupTimeout),
			MaxConcurrentProvisions: ec.MaxConcurrentProvisions,
			Retry: RetryConfig{
				Base:       Duration(ec.Retry.Base),
				MaxDelay:   Duration(ec.Retry.MaxDelay),
				MaxRetries: ec.Retry.MaxRetries,
			},
		},
		Workers: WorkersConfig{
			Manager: ManagerPool,
			Pool: PoolConfig{
				ResetCommand:  workers.DefaultResetCommand,
				ProbeAttempts: 3,
			},
			Command: CommandConfig{
				Shell:         "/bin/sh",
				HookTimeout:   Duration(5 * time.Minute),
				ReadyInterval: Duration(15 * time.Second),
				SizingTimeout: Duration(5 * time.Second),
			},
		},
		Dispatch: DispatchConfig{
			User:                  dc.User,
			Port:                  dc.Port,
			StrictHostKeyChecking: dc.StrictHostKeyChecking,
			ConnectionTimeout:     Duration(dc.ConnectionTimeout),
			SpecDir:               dc.SpecDir,
			AgentPath:             dc.AgentPath,
		},
		Store: StoreConfig{
			Path: "factory.db",
		},
		Telemetry: TelemetryConfig{
			Environment: tc.Environment,
			LogLevel:    tc.Logging.Level,
			LogFormat:   tc.Logging.Format,
			LogOutput:   tc.Logging.Output,
			LogEvents:   tc.Events.LogEvents,
			EventBuffer: tc.Events.BufferSize,
			Tracing: TracingConfig{
				Enabled:       tc.Tracing.Enabled,
				Exporter:      tc.Tracing.Exporter,
				Endpoint:      tc.Tracing.Endpoint,
				SamplingRate:  tc.Tracing.SamplingRate,
				ExportTimeout: Duration(tc.Tracing.ExportTimeout),
				Insecure:      tc.Tracing.Insecure,
			},
			MetricsEnabled:   tc.Metrics.Enabled,
			MetricsNamespace: tc.Metrics.Namespace,
		},
	}
}

// CallbackURL returns the configured callback URL, or the callback route
// on the listen address.
func (c *FactoryConfig) CallbackURL() string {
	if c.Server.CallbackURL != "" {
		return c.Server.CallbackURL
	}
	host, port, err := net.SplitHostPort(c.Server.Listen)
	if err != nil {
		return "http://" + c.Server.Listen + CallbackPath
	}
	if host == "" || host == "0.0.0.0" || host == "::" {
		host = "127.0.0.1"
	}
	return "http://" + net.JoinHostPort(host, port) + CallbackPath
}

// EngineConfig returns the orchestrator configuration.
func (c *FactoryConfig) EngineConfig() engine.Config {
	o := c.Orchestrator
	return engine.Config{
		AwaitTimeout:            o.AwaitTimeout.Std(),
		BuildTimeout:            o.BuildTimeout.Std(),
		ProvisionTimeout:        o.ProvisionTimeout.Std(),
		DispatchTimeout:         o.DispatchTimeout.Std(),
		CleanupTimeout:          o.CleanupTimeout.Std(),
		MaxConcurrentProvisions: o.MaxConcurrentProvisions,
		CallbackURL:             c.CallbackURL(),
		Retry: engine.RetryPolicy{
			Base:       o.Retry.Base.Std(),
			MaxDelay:   o.Retry.MaxDelay.Std(),
			MaxRetries: o.Retry.MaxRetries,
		},
	}
}

// DispatcherConfig returns the SSH dispatcher configuration.
func (c *FactoryConfig) DispatcherConfig() dispatch.Config {
	d := c.Dispatch
	return dispatch.Config{
		User:                  d.User,
		Port:                  d.Port,
		PrivateKeyPath:        d.PrivateKeyPath,
		Password:              d.Password,
		KnownHostsPath:        d.KnownHostsPath,
		StrictHostKeyChecking: d.StrictHostKeyChecking,
		ConnectionTimeout:     d.ConnectionTimeout.Std(),
		SpecDir:               d.SpecDir,
		AgentPath:             d.AgentPath,
	}
}

// PoolManagerConfig returns the host pool configuration.
func (c *FactoryConfig) PoolManagerConfig() workers.PoolConfig {
	p := c.Workers.Pool
	return workers.PoolConfig{
		Hosts:         append([]workers.Host(nil), p.Hosts...),
		ResetCommand:  p.ResetCommand,
		ProbeAttempts: p.ProbeAttempts,
	}
}

// CommandManagerConfig returns the hook-driven manager configuration.
func (c *FactoryConfig) CommandManagerConfig() workers.CommandConfig {
	cc := c.Workers.Command
	env := make(map[string]string, len(cc.Env))
	for k, v := range cc.Env {
		env[k] = v
	}
	return workers.CommandConfig{
		Hooks:         cc.Hooks,
		Shell:         cc.Shell,
		Env:           env,
		HookTimeout:   cc.HookTimeout.Std(),
		ReadyInterval: cc.ReadyInterval.Std(),
		Placement:     cc.Placement,
		Identity:      cc.Identity,
		User:          cc.User,
		Port:          cc.Port,
	}
}

// Sizer returns the Starlark sizer named by the command section, or the
// default sizer.
func (c *FactoryConfig) Sizer() (workers.Sizer, error) {
	cc := c.Workers.Command
	if cc.SizingScript == "" {
		return workers.DefaultSizer{}, nil
	}
	script, err := os.ReadFile(cc.SizingScript)
	if err != nil {
		return nil, fmt.Errorf("failed to read sizing script: %w", err)
	}
	return workers.NewStarlarkSizer(string(script), cc.SizingTimeout.Std())
}

// StoresConfig returns the state store configuration.
func (c *FactoryConfig) StoresConfig() stores.Config {
	return stores.Config{
		Path:            c.Store.Path,
		MaxOpenConns:    c.Store.MaxOpenConns,
		MaxIdleConns:    c.Store.MaxIdleConns,
		ConnMaxLifetime: c.Store.ConnMaxLifetime.Std(),
	}
}

// TelemetrySettings returns the telemetry configuration for the given
// build version.
func (c *FactoryConfig) TelemetrySettings(version string) *telemetry.Config {
	t := c.Telemetry
	tc := telemetry.DefaultConfig()
	if version != "" {
		tc.ServiceVersion = version
	}
	if t.Environment != "" {
		tc.Environment = t.Environment
	}
	tc.Logging.Level = t.LogLevel
	tc.Logging.Format = t.LogFormat
	if t.LogOutput != "" {
		tc.Logging.Output = t.LogOutput
	}
	tc.Logging.EnableCaller = t.LogCaller
	tc.Events.LogEvents = t.LogEvents
	tc.Events.BufferSize = t.EventBuffer

	tc.Tracing.Enabled = t.Tracing.Enabled
	tc.Tracing.Exporter = t.Tracing.Exporter
	tc.Tracing.Endpoint = t.Tracing.Endpoint
	tc.Tracing.SamplingRate = t.Tracing.SamplingRate
	tc.Tracing.ExportTimeout = t.Tracing.ExportTimeout.Std()
	tc.Tracing.Insecure = t.Tracing.Insecure
	for k, v := range t.Tracing.Headers {
		tc.Tracing.Headers[k] = v
	}

	tc.Metrics.Enabled = t.MetricsEnabled
	if t.MetricsNamespace != "" {
		tc.Metrics.Namespace = t.MetricsNamespace
	}
	return tc
}

// AdmissionData returns the data document for the admission policies.
func (c *FactoryConfig) AdmissionData() policy.AdmissionData {
	return policy.AdmissionData{
		AllowedImagePrefixes: append([]string(nil), c.Policy.AllowedImagePrefixes...),
		AllowedDestinations:  append([]string(nil), c.Policy.AllowedDestinations...),
		MaxLabels:            c.Policy.MaxLabels,
	}
}
