package workers

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.starlark.net/starlark"
	"go.starlark.net/starlarkstruct"

	"github.com/openfroyo/modulefactory/pkg/engine"
)

// Default worker sizes by architecture.
const (
	InstanceTypeX86 = "t3.micro"
	InstanceTypeARM = "c6g.medium"
)

// DefaultInstanceType returns the worker size for an image architecture.
func DefaultInstanceType(architecture string) string {
	if architecture == "x86_64" {
		return InstanceTypeX86
	}
	return InstanceTypeARM
}

// Sizer chooses the instance type for a target.
type Sizer interface {
	InstanceType(ctx context.Context, target engine.TargetContext) (string, error)
}

// ErrUnknownArchitecture is returned when a worker must be sized by
// architecture and the target does not carry one.
var ErrUnknownArchitecture = errors.New("image architecture is unknown")

// DefaultSizer applies DefaultInstanceType unless the target names a size.
type DefaultSizer struct{}

// InstanceType implements Sizer.
func (DefaultSizer) InstanceType(_ context.Context, target engine.TargetContext) (string, error) {
	if target.InstanceType != "" {
		return target.InstanceType, nil
	}
	return fallbackInstanceType(target)
}

func fallbackInstanceType(target engine.TargetContext) (string, error) {
	if target.Architecture == "" {
		return "", fmt.Errorf("size worker for %s: %w", target.ImageID, ErrUnknownArchitecture)
	}
	return DefaultInstanceType(target.Architecture), nil
}

// StarlarkSizer evaluates a sizing script. The script must define
//
//	def size(target):
//	    return "t3.large" if target.labels.get("big") else None
//
// where target has the fields image_id, architecture, kernel_version,
// instance_type and labels. Returning None or "" falls back to
// DefaultInstanceType. An explicit instance type on the target always wins.
type StarlarkSizer struct {
	script  string
	timeout time.Duration
}

// NewStarlarkSizer checks that script defines a callable size and returns
// a sizer for it.
func NewStarlarkSizer(script string, timeout time.Duration) (*StarlarkSizer, error) {
	if timeout == 0 {
		timeout = 5 * time.Second
	}
	s := &StarlarkSizer{script: script, timeout: timeout}
	if _, _, err := s.load(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *StarlarkSizer) load() (*starlark.Thread, starlark.Callable, error) {
	thread := &starlark.Thread{
		Name:  "sizing",
		Print: func(_ *starlark.Thread, msg string) {},
	}
	predeclared := starlark.StringDict{
		"struct": starlark.NewBuiltin("struct", starlarkstruct.Make),
	}
	globals, err := starlark.ExecFile(thread, "sizing.star", s.script, predeclared)
	if err != nil {
		return nil, nil, fmt.Errorf("sizing script failed: %w", err)
	}
	fn, ok := globals["size"].(starlark.Callable)
	if !ok {
		return nil, nil, fmt.Errorf("sizing script must define size(target)")
	}
	return thread, fn, nil
}

// InstanceType implements Sizer.
func (s *StarlarkSizer) InstanceType(ctx context.Context, target engine.TargetContext) (string, error) {
	if target.InstanceType != "" {
		return target.InstanceType, nil
	}

	thread, fn, err := s.load()
	if err != nil {
		return "", err
	}

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			thread.Cancel(ctx.Err().Error())
		case <-done:
		}
	}()

	v, err := starlark.Call(thread, fn, starlark.Tuple{targetValue(target)}, nil)
	if err != nil {
		return "", fmt.Errorf("sizing script failed: %w", err)
	}

	switch v := v.(type) {
	case starlark.NoneType:
		return fallbackInstanceType(target)
	case starlark.String:
		if v == "" {
			return fallbackInstanceType(target)
		}
		return string(v), nil
	default:
		return "", fmt.Errorf("size(target) returned %s, want string or None", v.Type())
	}
}

func targetValue(target engine.TargetContext) starlark.Value {
	labels := starlark.NewDict(len(target.Labels))
	for k, v := range target.Labels {
		_ = labels.SetKey(starlark.String(k), starlark.String(v))
	}
	labels.Freeze()

	return starlarkstruct.FromStringDict(starlarkstruct.Default, starlark.StringDict{
		"image_id":       starlark.String(target.ImageID),
		"architecture":   starlark.String(target.Architecture),
		"kernel_version": starlark.String(target.KernelVersion),
		"instance_type":  starlark.String(target.InstanceType),
		"labels":         labels,
	})
}
