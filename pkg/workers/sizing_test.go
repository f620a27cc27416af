package workers

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/openfroyo/modulefactory/pkg/engine"
)

func TestDefaultSizer(t *testing.T) {
	tests := []struct {
		target engine.TargetContext
		want   string
	}{
		{engine.TargetContext{Architecture: "x86_64"}, "t3.micro"},
		{engine.TargetContext{Architecture: "arm64"}, "c6g.medium"},
		{engine.TargetContext{InstanceType: "m5.large"}, "m5.large"},
		{engine.TargetContext{Architecture: "x86_64", InstanceType: "m5.large"}, "m5.large"},
	}
	for _, tt := range tests {
		got, err := DefaultSizer{}.InstanceType(context.Background(), tt.target)
		if err != nil {
			t.Fatalf("InstanceType failed: %v", err)
		}
		if got != tt.want {
			t.Errorf("InstanceType(%+v) = %q, want %q", tt.target, got, tt.want)
		}
	}

	_, err := DefaultSizer{}.InstanceType(context.Background(), engine.TargetContext{ImageID: "ami-1"})
	if !errors.Is(err, ErrUnknownArchitecture) {
		t.Errorf("Expected ErrUnknownArchitecture without an architecture, got %v", err)
	}
}

func TestStarlarkSizer(t *testing.T) {
	script := `
def size(target):
    if target.labels.get("memory") == "high":
        return "r6i.large" if target.architecture == "x86_64" else "r6g.large"
    if target.kernel_version.startswith("6."):
        return "t3.small"
    return None
`
	sizer, err := NewStarlarkSizer(script, time.Second)
	if err != nil {
		t.Fatalf("NewStarlarkSizer failed: %v", err)
	}

	tests := []struct {
		name   string
		target engine.TargetContext
		want   string
	}{
		{"label match", engine.TargetContext{Architecture: "x86_64", Labels: map[string]string{"memory": "high"}}, "r6i.large"},
		{"label match arm", engine.TargetContext{Architecture: "arm64", Labels: map[string]string{"memory": "high"}}, "r6g.large"},
		{"kernel match", engine.TargetContext{Architecture: "x86_64", KernelVersion: "6.1.0"}, "t3.small"},
		{"fallback", engine.TargetContext{Architecture: "x86_64", KernelVersion: "5.10.0"}, "t3.micro"},
		{"explicit wins", engine.TargetContext{InstanceType: "c5.xlarge", Labels: map[string]string{"memory": "high"}}, "c5.xlarge"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := sizer.InstanceType(context.Background(), tt.target)
			if err != nil {
				t.Fatalf("InstanceType failed: %v", err)
			}
			if got != tt.want {
				t.Errorf("got %q, want %q", got, tt.want)
			}
		})
	}
}

func TestStarlarkSizer_Errors(t *testing.T) {
	if _, err := NewStarlarkSizer(`x = 1`, 0); err == nil {
		t.Error("Expected missing size() to fail")
	}
	if _, err := NewStarlarkSizer(`def size(:`, 0); err == nil {
		t.Error("Expected syntax error")
	}

	sizer, err := NewStarlarkSizer(`
def size(target):
    return 42
`, 0)
	if err != nil {
		t.Fatalf("NewStarlarkSizer failed: %v", err)
	}
	if _, err := sizer.InstanceType(context.Background(), engine.TargetContext{}); err == nil {
		t.Error("Expected non-string result to fail")
	}
}

func TestStarlarkSizer_Timeout(t *testing.T) {
	sizer, err := NewStarlarkSizer(`
def size(target):
    n = 0
    for i in range(100000000):
        n += i
    return "never"
`, 50*time.Millisecond)
	if err != nil {
		t.Fatalf("NewStarlarkSizer failed: %v", err)
	}

	if _, err := sizer.InstanceType(context.Background(), engine.TargetContext{}); err == nil {
		t.Error("Expected runaway script to be cancelled")
	}
}
