package config

import (
	"fmt"
	"strconv"
	"strings"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "FACTORY_"

type envOverride struct {
	name  string
	apply func(cfg *FactoryConfig, value string) error
}

func setString(dst *string) func(*FactoryConfig, string) error {
	return func(_ *FactoryConfig, v string) error {
		*dst = v
		return nil
	}
}

func setDuration(dst *Duration) func(*FactoryConfig, string) error {
	return func(_ *FactoryConfig, v string) error {
		return dst.UnmarshalText([]byte(v))
	}
}

func overrides(cfg *FactoryConfig) []envOverride {
	return []envOverride{
		{"LISTEN", setString(&cfg.Server.Listen)},
		{"CALLBACK_URL", setString(&cfg.Server.CallbackURL)},
		{"API_TOKEN", setString(&cfg.Server.APIToken)},
		{"STORE_PATH", setString(&cfg.Store.Path)},
		{"WORKER_MANAGER", setString(&cfg.Workers.Manager)},
		{"SSH_USER", setString(&cfg.Dispatch.User)},
		{"SSH_KEY", setString(&cfg.Dispatch.PrivateKeyPath)},
		{"SSH_PASSWORD", setString(&cfg.Dispatch.Password)},
		{"KNOWN_HOSTS", setString(&cfg.Dispatch.KnownHostsPath)},
		{"SSH_PORT", func(c *FactoryConfig, v string) error {
			port, err := strconv.Atoi(v)
			if err != nil {
				return err
			}
			c.Dispatch.Port = port
			return nil
		}},
		{"AWAIT_TIMEOUT", setDuration(&cfg.Orchestrator.AwaitTimeout)},
		{"BUILD_TIMEOUT", setDuration(&cfg.Orchestrator.BuildTimeout)},
		{"MAX_PROVISIONS", func(c *FactoryConfig, v string) error {
			n, err := strconv.ParseInt(v, 10, 64)
			if err != nil {
				return err
			}
			c.Orchestrator.MaxConcurrentProvisions = n
			return nil
		}},
		{"POLICY_PATHS", func(c *FactoryConfig, v string) error {
			c.Policy.Paths = splitList(v)
			return nil
		}},
		{"ENVIRONMENT", func(c *FactoryConfig, v string) error {
			c.Telemetry.Environment = v
			c.Policy.Environment = v
			return nil
		}},
		{"LOG_LEVEL", setString(&cfg.Telemetry.LogLevel)},
		{"LOG_FORMAT", setString(&cfg.Telemetry.LogFormat)},
		{"OTLP_ENDPOINT", func(c *FactoryConfig, v string) error {
			c.Telemetry.Tracing.Enabled = true
			c.Telemetry.Tracing.Exporter = "otlp"
			c.Telemetry.Tracing.Endpoint = v
			return nil
		}},
	}
}

// applyEnv applies FACTORY_* variables to cfg.
func (l *Loader) applyEnv(cfg *FactoryConfig) []ValidationError {
	var errs []ValidationError
	for _, o := range overrides(cfg) {
		name := EnvPrefix + o.name
		value, ok := l.lookupEnv(name)
		if !ok {
			continue
		}
		if err := o.apply(cfg, value); err != nil {
			errs = append(errs, ValidationError{
				Path:    name,
				Message: fmt.Sprintf("invalid value %q: %v", value, err),
			})
		}
	}
	return errs
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
