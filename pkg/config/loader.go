package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strings"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	cueerrors "cuelang.org/go/cue/errors"
	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// Format is a configuration file format.
type Format string

const (
	FormatCUE  Format = "cue"
	FormatYAML Format = "yaml"
	FormatJSON Format = "json"
)

// FormatFromPath returns the format implied by a file extension.
func FormatFromPath(path string) (Format, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".cue":
		return FormatCUE, nil
	case ".yaml", ".yml":
		return FormatYAML, nil
	case ".json":
		return FormatJSON, nil
	default:
		return "", fmt.Errorf("unsupported config file type: %s", path)
	}
}

// Loader reads factory configurations. Every document is unified with the
// #Factory CUE schema, decoded over Defaults, overridden from FACTORY_*
// environment variables and validated.
type Loader struct {
	ctx       *cue.Context
	schema    cue.Value
	validator *validator.Validate
	lookupEnv func(string) (string, bool)
}

// Option configures a Loader.
type Option func(*Loader)

// WithLookupEnv replaces os.LookupEnv for environment overrides.
func WithLookupEnv(fn func(string) (string, bool)) Option {
	return func(l *Loader) {
		l.lookupEnv = fn
	}
}

// NewLoader creates a loader with the built-in schema.
func NewLoader(opts ...Option) (*Loader, error) {
	ctx := cuecontext.New()
	schema := ctx.CompileString(factorySchema, cue.Filename("factory-schema.cue"))
	if err := schema.Err(); err != nil {
		return nil, fmt.Errorf("failed to compile config schema: %w", err)
	}

	v := validator.New()
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})

	l := &Loader{
		ctx:       ctx,
		schema:    schema.LookupPath(cue.ParsePath("#Factory")),
		validator: v,
		lookupEnv: os.LookupEnv,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l, nil
}

// Load reads the configuration at path. An empty path yields the defaults
// with environment overrides applied.
func (l *Loader) Load(path string) (*FactoryConfig, error) {
	if path == "" {
		cfg := Defaults()
		if err := l.finish(cfg); err != nil {
			return nil, err
		}
		return cfg, nil
	}

	format, err := FormatFromPath(path)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}
	return l.Parse(data, format, path)
}

// Parse decodes a configuration document. filename is used in error
// positions only.
func (l *Loader) Parse(data []byte, format Format, filename string) (*FactoryConfig, error) {
	val, err := l.compile(data, format, filename)
	if err != nil {
		return nil, err
	}

	unified := l.schema.Unify(val)
	if err := unified.Validate(); err != nil {
		return nil, &LoadError{Errors: convertCUEErrors(err, filename)}
	}

	doc, err := unified.MarshalJSON()
	if err != nil {
		return nil, &LoadError{Errors: convertCUEErrors(err, filename)}
	}

	cfg := Defaults()
	if err := json.Unmarshal(doc, cfg); err != nil {
		return nil, &LoadError{Errors: []ValidationError{{File: filename, Message: err.Error()}}}
	}

	if err := l.finish(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (l *Loader) compile(data []byte, format Format, filename string) (cue.Value, error) {
	var val cue.Value
	switch format {
	case FormatCUE, FormatJSON:
		val = l.ctx.CompileBytes(data, cue.Filename(filename))
	case FormatYAML:
		var doc map[string]interface{}
		if err := yaml.Unmarshal(data, &doc); err != nil {
			return cue.Value{}, &LoadError{Errors: []ValidationError{{
				File:    filename,
				Message: fmt.Sprintf("failed to parse YAML: %v", err),
			}}}
		}
		if doc == nil {
			doc = map[string]interface{}{}
		}
		val = l.ctx.Encode(doc)
	default:
		return cue.Value{}, fmt.Errorf("unsupported config format: %s", format)
	}

	if err := val.Err(); err != nil {
		return cue.Value{}, &LoadError{Errors: convertCUEErrors(err, filename)}
	}
	return val, nil
}

func (l *Loader) finish(cfg *FactoryConfig) error {
	var errs []ValidationError
	errs = append(errs, l.applyEnv(cfg)...)
	errs = append(errs, l.Validate(cfg)...)
	if len(errs) > 0 {
		return &LoadError{Errors: errs}
	}
	return nil
}

// Validate checks struct constraints and the rules that span sections.
func (l *Loader) Validate(cfg *FactoryConfig) []ValidationError {
	errs := l.validateStruct("", cfg)

	switch cfg.Workers.Manager {
	case ManagerPool:
		errs = append(errs, l.validateStruct("workers.pool", &cfg.Workers.Pool)...)
		seen := make(map[string]bool)
		for _, h := range cfg.Workers.Pool.Hosts {
			if seen[h.ID] {
				errs = append(errs, ValidationError{
					Path:    "workers.pool.hosts",
					Message: fmt.Sprintf("duplicate host id %q", h.ID),
				})
			}
			seen[h.ID] = true
		}
	case ManagerCommand:
		errs = append(errs, l.validateStruct("workers.command", &cfg.Workers.Command)...)
	}

	if cfg.Dispatch.PrivateKeyPath == "" && cfg.Dispatch.Password == "" {
		errs = append(errs, ValidationError{
			Path:    "dispatch.private_key_path",
			Message: "a private key path or FACTORY_SSH_PASSWORD is required",
		})
	}

	o := cfg.Orchestrator
	if o.AwaitTimeout > 0 && o.BuildTimeout > 0 && o.AwaitTimeout <= o.BuildTimeout {
		errs = append(errs, ValidationError{
			Path:    "orchestrator.await_timeout",
			Message: fmt.Sprintf("must exceed build_timeout (%s)", o.BuildTimeout),
		})
	}
	return errs
}

func (l *Loader) validateStruct(prefix string, s interface{}) []ValidationError {
	err := l.validator.Struct(s)
	if err == nil {
		return nil
	}

	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return []ValidationError{{Path: prefix, Message: err.Error()}}
	}

	out := make([]ValidationError, 0, len(verrs))
	for _, fe := range verrs {
		// Namespace starts with the Go type name.
		path := fe.Namespace()
		if i := strings.Index(path, "."); i >= 0 {
			path = path[i+1:]
		}
		if prefix != "" {
			path = prefix + "." + path
		}
		msg := "failed on " + fe.Tag()
		if fe.Param() != "" {
			msg += "=" + fe.Param()
		}
		out = append(out, ValidationError{Path: path, Message: msg})
	}
	return out
}

// convertCUEErrors flattens a CUE error into located validation errors.
func convertCUEErrors(err error, filename string) []ValidationError {
	var out []ValidationError
	for _, e := range cueerrors.Errors(err) {
		ve := ValidationError{
			File: filename,
			Path: strings.Join(e.Path(), "."),
		}
		if pos := cueerrors.Positions(e); len(pos) > 0 && pos[0].Filename() == filename {
			ve.Line = pos[0].Line()
			ve.Column = pos[0].Column()
		}
		format, args := e.Msg()
		ve.Message = fmt.Sprintf(format, args...)
		out = append(out, ve)
	}
	if len(out) == 0 {
		out = append(out, ValidationError{File: filename, Message: err.Error()})
	}
	return out
}

// Marshal renders cfg in the given format.
func Marshal(cfg *FactoryConfig, format Format) ([]byte, error) {
	switch format {
	case FormatYAML:
		// Go through JSON so keys follow the json tags of embedded types.
		doc, err := json.Marshal(cfg)
		if err != nil {
			return nil, err
		}
		var generic map[string]interface{}
		if err := json.Unmarshal(doc, &generic); err != nil {
			return nil, err
		}
		return yaml.Marshal(generic)
	case FormatJSON:
		return json.MarshalIndent(cfg, "", "  ")
	default:
		return nil, fmt.Errorf("cannot marshal config as %s", format)
	}
}
