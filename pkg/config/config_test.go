package config

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"

	"github.com/openfroyo/modulefactory/pkg/engine"
	"github.com/openfroyo/modulefactory/pkg/workers"
)

const poolYAML = `
server:
  listen: "0.0.0.0:9000"
orchestrator:
  build_timeout: 300s
  await_timeout: 45m
  retry:
    base: 5s
    max_retries: 3
workers:
  manager: pool
  pool:
    hosts:
      - id: build-1
        address: 10.0.0.11
        architecture: x86_64
      - id: build-2
        address: 10.0.0.12
        port: 2222
        architecture: arm64
        placement:
          zone: eu-west-1a
dispatch:
  user: builder
  private_key_path: /etc/factory/id_ed25519
store:
  path: /var/lib/factory/state.db
policy:
  allowed_image_prefixes: ["ami-"]
  allowed_destinations: ["sftp://store.internal/"]
  max_labels: 8
telemetry:
  log_level: debug
  log_format: json
`

func newTestLoader(t *testing.T, env map[string]string) *Loader {
	t.Helper()
	l, err := NewLoader(WithLookupEnv(func(name string) (string, bool) {
		v, ok := env[name]
		return v, ok
	}))
	if err != nil {
		t.Fatalf("NewLoader failed: %v", err)
	}
	return l
}

// requireError asserts err is a LoadError with an entry containing fragment.
func requireError(t *testing.T, err error, fragment string) {
	t.Helper()
	var le *LoadError
	if !errors.As(err, &le) {
		t.Fatalf("expected *LoadError, got %T: %v", err, err)
	}
	for _, ve := range le.Errors {
		if strings.Contains(ve.Error(), fragment) {
			return
		}
	}
	t.Errorf("expected an error containing %q, got %v", fragment, le.Errors)
}

func TestLoader_ParseYAML(t *testing.T) {
	l := newTestLoader(t, nil)

	cfg, err := l.Parse([]byte(poolYAML), FormatYAML, "factory.yaml")
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}

	if cfg.Server.Listen != "0.0.0.0:9000" {
		t.Errorf("expected listen override, got %s", cfg.Server.Listen)
	}
	if cfg.Orchestrator.BuildTimeout.Std() != 300*time.Second {
		t.Errorf("expected build timeout 300s, got %s", cfg.Orchestrator.BuildTimeout)
	}
	if cfg.Orchestrator.DispatchTimeout.Std() != engine.DefaultConfig().DispatchTimeout {
		t.Errorf("expected default dispatch timeout, got %s", cfg.Orchestrator.DispatchTimeout)
	}
	if cfg.Dispatch.Port != 22 || cfg.Dispatch.User != "builder" {
		t.Errorf("unexpected dispatch section %+v", cfg.Dispatch)
	}

	wantHosts := []workers.Host{
		{ID: "build-1", Address: "10.0.0.11", Architecture: "x86_64"},
		{ID: "build-2", Address: "10.0.0.12", Port: 2222, Architecture: "arm64",
			Placement: engine.Placement{Zone: "eu-west-1a"}},
	}
	if diff := cmp.Diff(wantHosts, cfg.PoolManagerConfig().Hosts); diff != "" {
		t.Errorf("hosts mismatch (-want +got):\n%s", diff)
	}

	ec := cfg.EngineConfig()
	if got := ec.Retry.Schedule(); len(got) != 3 || got[0] != 5*time.Second {
		t.Errorf("unexpected retry schedule %v", got)
	}
	if ec.CallbackURL != "http://127.0.0.1:9000/v1/callbacks" {
		t.Errorf("unexpected callback URL %s", ec.CallbackURL)
	}

	tc := cfg.TelemetrySettings("1.2.3")
	if tc.Logging.Level != "debug" || tc.Logging.Format != "json" || tc.ServiceVersion != "1.2.3" {
		t.Errorf("unexpected telemetry config %+v", tc.Logging)
	}
	if err := tc.Validate(); err != nil {
		t.Errorf("telemetry config invalid: %v", err)
	}

	data := cfg.AdmissionData()
	if data.MaxLabels != 8 || len(data.AllowedImagePrefixes) != 1 {
		t.Errorf("unexpected admission data %+v", data)
	}
}

func TestLoader_ParseCUE(t *testing.T) {
	l := newTestLoader(t, nil)

	src := `
workers: {
	manager: "command"
	command: {
		hooks: {
			provision: "launch-worker {{ quote .ImageID }}"
			destroy:   "terminate-worker {{ quote .WorkerID }}"
			architecture: "describe-image {{ quote .ImageID }}"
		}
		env: AWS_REGION: "eu-west-1"
	}
}
dispatch: private_key_path: "/keys/id"
orchestrator: {
	build_timeout: 360
	await_timeout: "30m"
}
`
	cfg, err := l.Parse([]byte(src), FormatCUE, "factory.cue")
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}

	if cfg.Orchestrator.BuildTimeout.Std() != 360*time.Second {
		t.Errorf("expected numeric seconds to decode, got %s", cfg.Orchestrator.BuildTimeout)
	}
	cc := cfg.CommandManagerConfig()
	if cc.Shell != "/bin/sh" || cc.Env["AWS_REGION"] != "eu-west-1" {
		t.Errorf("unexpected command config %+v", cc)
	}
	if cc.Hooks.Architecture != "describe-image {{ quote .ImageID }}" {
		t.Errorf("expected architecture hook to decode, got %q", cc.Hooks.Architecture)
	}
	if cc.HookTimeout != 5*time.Minute {
		t.Errorf("expected default hook timeout, got %s", cc.HookTimeout)
	}

	sizer, err := cfg.Sizer()
	if err != nil {
		t.Fatalf("Sizer failed: %v", err)
	}
	if _, ok := sizer.(workers.DefaultSizer); !ok {
		t.Errorf("expected default sizer, got %T", sizer)
	}
}

func TestLoader_ParseJSON(t *testing.T) {
	l := newTestLoader(t, nil)

	src := `{
  "workers": {"manager": "pool", "pool": {"hosts": [{"id": "h1", "address": "h1.internal"}]}},
  "dispatch": {"private_key_path": "/keys/id"},
  "server": {"callback_url": "https://factory.example.com/v1/callbacks"}
}`
	cfg, err := l.Parse([]byte(src), FormatJSON, "factory.json")
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	if got := cfg.CallbackURL(); got != "https://factory.example.com/v1/callbacks" {
		t.Errorf("expected explicit callback URL, got %s", got)
	}
}

func TestDefaults_MatchEngine(t *testing.T) {
	got := Defaults().EngineConfig()
	want := engine.DefaultConfig()
	want.CallbackURL = "http://127.0.0.1:8080/v1/callbacks"

	if diff := cmp.Diff(want, got, cmpopts.IgnoreUnexported(engine.RetryPolicy{})); diff != "" {
		t.Errorf("engine config mismatch (-want +got):\n%s", diff)
	}
	if got.Retry.MaxAttempts() != 6 {
		t.Errorf("expected 6 attempts, got %d", got.Retry.MaxAttempts())
	}
}

func TestLoader_SchemaErrors(t *testing.T) {
	tests := []struct {
		name     string
		format   Format
		content  string
		fragment string
	}{
		{
			name:     "unknown key",
			format:   FormatYAML,
			content:  "server:\n  listn: \":80\"\n",
			fragment: "listn",
		},
		{
			name:     "bad manager",
			format:   FormatYAML,
			content:  "workers:\n  manager: k8s\n",
			fragment: "workers.manager",
		},
		{
			name:     "bad duration",
			format:   FormatJSON,
			content:  `{"orchestrator": {"await_timeout": "ten minutes"}}`,
			fragment: "orchestrator.await_timeout",
		},
		{
			name:     "destination scheme",
			format:   FormatCUE,
			content:  `policy: allowed_destinations: ["s3://bucket"]`,
			fragment: "policy.allowed_destinations",
		},
		{
			name:     "yaml syntax",
			format:   FormatYAML,
			content:  "server: [unterminated\n",
			fragment: "failed to parse YAML",
		},
	}

	l := newTestLoader(t, nil)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := l.Parse([]byte(tt.content), tt.format, "factory."+string(tt.format))
			requireError(t, err, tt.fragment)
		})
	}
}

func TestLoader_CUESyntaxErrorPosition(t *testing.T) {
	l := newTestLoader(t, nil)

	_, err := l.Parse([]byte("server: {\n\tlisten: \":8080\"\n"), FormatCUE, "broken.cue")
	var le *LoadError
	if !errors.As(err, &le) || len(le.Errors) == 0 {
		t.Fatalf("expected *LoadError, got %v", err)
	}
	if le.Errors[0].File != "broken.cue" || le.Errors[0].Line == 0 {
		t.Errorf("expected a located error, got %+v", le.Errors[0])
	}
}

func TestLoader_ValidationErrors(t *testing.T) {
	tests := []struct {
		name     string
		content  string
		fragment string
	}{
		{
			name:     "pool without hosts",
			content:  "workers: {manager: pool}\ndispatch: {private_key_path: /k}\n",
			fragment: "workers.pool.hosts",
		},
		{
			name:     "command without hooks",
			content:  "workers: {manager: command}\ndispatch: {private_key_path: /k}\n",
			fragment: "workers.command.hooks.provision",
		},
		{
			name:     "no ssh credentials",
			content:  "workers: {pool: {hosts: [{id: a, address: a}]}}\n",
			fragment: "dispatch.private_key_path",
		},
		{
			name: "await shorter than build",
			content: "workers: {pool: {hosts: [{id: a, address: a}]}}\n" +
				"dispatch: {private_key_path: /k}\n" +
				"orchestrator: {build_timeout: 10m, await_timeout: 5m}\n",
			fragment: "must exceed build_timeout",
		},
		{
			name: "duplicate hosts",
			content: "workers: {pool: {hosts: [{id: a, address: a}, {id: a, address: b}]}}\n" +
				"dispatch: {private_key_path: /k}\n",
			fragment: "duplicate host id",
		},
		{
			name: "otlp without endpoint",
			content: "workers: {pool: {hosts: [{id: a, address: a}]}}\n" +
				"dispatch: {private_key_path: /k}\n" +
				"telemetry: {tracing: {enabled: true, exporter: otlp}}\n",
			fragment: "telemetry.tracing.endpoint",
		},
	}

	l := newTestLoader(t, nil)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := l.Parse([]byte(tt.content), FormatYAML, "factory.yaml")
			requireError(t, err, tt.fragment)
		})
	}
}

func TestLoader_EnvOverrides(t *testing.T) {
	l := newTestLoader(t, map[string]string{
		"FACTORY_LISTEN":        "127.0.0.1:9090",
		"FACTORY_AWAIT_TIMEOUT": "45m",
		"FACTORY_POLICY_PATHS":  "policies/a.rego, policies/extra/",
		"FACTORY_SSH_PASSWORD":  "secret",
		"FACTORY_OTLP_ENDPOINT": "collector:4317",
		"FACTORY_ENVIRONMENT":   "staging",
	})

	src := "workers: {pool: {hosts: [{id: a, address: a}]}}\n"
	cfg, err := l.Parse([]byte(src), FormatYAML, "factory.yaml")
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}

	if cfg.Server.Listen != "127.0.0.1:9090" {
		t.Errorf("expected listen from env, got %s", cfg.Server.Listen)
	}
	if cfg.Orchestrator.AwaitTimeout.Std() != 45*time.Minute {
		t.Errorf("expected await timeout from env, got %s", cfg.Orchestrator.AwaitTimeout)
	}
	if diff := cmp.Diff([]string{"policies/a.rego", "policies/extra/"}, cfg.Policy.Paths); diff != "" {
		t.Errorf("policy paths mismatch (-want +got):\n%s", diff)
	}
	if cfg.DispatcherConfig().Password != "secret" {
		t.Error("expected password from env")
	}
	tr := cfg.Telemetry.Tracing
	if !tr.Enabled || tr.Exporter != "otlp" || tr.Endpoint != "collector:4317" {
		t.Errorf("expected OTLP tracing from env, got %+v", tr)
	}
	if cfg.Policy.Environment != "staging" || cfg.Telemetry.Environment != "staging" {
		t.Error("expected environment from env")
	}
}

func TestLoader_InvalidEnv(t *testing.T) {
	l := newTestLoader(t, map[string]string{
		"FACTORY_MAX_PROVISIONS": "many",
		"FACTORY_SSH_KEY":        "/k",
	})
	src := "workers: {pool: {hosts: [{id: a, address: a}]}}\n"
	_, err := l.Parse([]byte(src), FormatYAML, "factory.yaml")
	requireError(t, err, "FACTORY_MAX_PROVISIONS")
}

func TestLoader_LoadFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "factory.yml")
	if err := os.WriteFile(path, []byte(poolYAML), 0o600); err != nil {
		t.Fatal(err)
	}

	l := newTestLoader(t, nil)
	cfg, err := l.Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if len(cfg.Workers.Pool.Hosts) != 2 {
		t.Errorf("expected 2 hosts, got %d", len(cfg.Workers.Pool.Hosts))
	}

	if _, err := l.Load(filepath.Join(dir, "factory.toml")); err == nil {
		t.Error("expected unsupported extension to fail")
	}
	if _, err := l.Load(filepath.Join(dir, "missing.yaml")); err == nil {
		t.Error("expected missing file to fail")
	}
}

func TestCallbackURL(t *testing.T) {
	tests := []struct {
		listen string
		want   string
	}{
		{":8080", "http://127.0.0.1:8080/v1/callbacks"},
		{"0.0.0.0:80", "http://127.0.0.1:80/v1/callbacks"},
		{"factory.internal:8443", "http://factory.internal:8443/v1/callbacks"},
	}
	for _, tt := range tests {
		cfg := Defaults()
		cfg.Server.Listen = tt.listen
		if got := cfg.CallbackURL(); got != tt.want {
			t.Errorf("CallbackURL(%q) = %s, want %s", tt.listen, got, tt.want)
		}
	}
}

func TestSizer_Script(t *testing.T) {
	dir := t.TempDir()
	script := filepath.Join(dir, "sizing.star")
	src := "def size(target):\n    return \"c6i.2xlarge\" if target.labels.get(\"big\") else None\n"
	if err := os.WriteFile(script, []byte(src), 0o600); err != nil {
		t.Fatal(err)
	}

	cfg := Defaults()
	cfg.Workers.Command.SizingScript = script
	sizer, err := cfg.Sizer()
	if err != nil {
		t.Fatalf("Sizer failed: %v", err)
	}

	got, err := sizer.InstanceType(context.Background(), engine.TargetContext{
		Architecture: "x86_64",
		Labels:       map[string]string{"big": "yes"},
	})
	if err != nil {
		t.Fatalf("InstanceType failed: %v", err)
	}
	if got != "c6i.2xlarge" {
		t.Errorf("expected scripted size, got %s", got)
	}

	cfg.Workers.Command.SizingScript = filepath.Join(dir, "missing.star")
	if _, err := cfg.Sizer(); err == nil {
		t.Error("expected missing script to fail")
	}
}

func TestMarshal_YAMLReloads(t *testing.T) {
	l := newTestLoader(t, nil)
	cfg, err := l.Parse([]byte(poolYAML), FormatYAML, "factory.yaml")
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}

	out, err := Marshal(cfg, FormatYAML)
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}
	if !strings.Contains(string(out), "build_timeout: 5m0s") {
		t.Errorf("expected durations as strings, got:\n%s", out)
	}

	again, err := l.Parse(out, FormatYAML, "printed.yaml")
	if err != nil {
		t.Fatalf("printed config does not reload: %v", err)
	}
	if diff := cmp.Diff(cfg, again); diff != "" {
		t.Errorf("reloaded config mismatch (-want +got):\n%s", diff)
	}
}
