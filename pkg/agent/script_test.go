package agent

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestScriptBuilder_Environment(t *testing.T) {
	work := t.TempDir()
	out := filepath.Join(work, "out")
	if err := os.Mkdir(out, 0o755); err != nil {
		t.Fatal(err)
	}

	b := &ScriptBuilder{
		Script: `echo "building $KERNEL_VERSION for $WORKER_ID ($BUILD_FLAVOR)"
printf module > "$OUTPUT_DIR/lime-$KERNEL_VERSION.ko"
echo "done" >&2`,
		Env: map[string]string{"BUILD_FLAVOR": "test"},
	}

	var lines []string
	err := b.Build(context.Background(), BuildInput{
		InstanceID:    "inst-1",
		WorkerID:      "W1",
		KernelVersion: "5.10.0",
		WorkDir:       work,
		OutputDir:     out,
	}, func(line string) { lines = append(lines, line) })
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}

	if len(lines) != 2 || lines[0] != "building 5.10.0 for W1 (test)" || lines[1] != "done" {
		t.Errorf("unexpected progress lines %q", lines)
	}
	data, err := os.ReadFile(filepath.Join(out, "lime-5.10.0.ko"))
	if err != nil || string(data) != "module" {
		t.Errorf("expected the script to write the module, got %q (%v)", data, err)
	}
}

func TestScriptBuilder_ExitStatus(t *testing.T) {
	tests := []struct {
		name   string
		script string
		code   int
		reboot bool
	}{
		{name: "failure", script: "echo compiler missing; exit 3", code: 3},
		{name: "reboot required", script: "exit 194", code: ExitRebootRequired, reboot: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := &ScriptBuilder{Script: tt.script}
			err := b.Build(context.Background(), BuildInput{WorkDir: t.TempDir()}, nil)

			var exitErr *ExitError
			if !errors.As(err, &exitErr) || exitErr.Code != tt.code {
				t.Fatalf("expected exit %d, got %v", tt.code, err)
			}
			if got := strings.Contains(exitErr.Error(), "reboot required"); got != tt.reboot {
				t.Errorf("unexpected message %q", exitErr.Error())
			}
		})
	}

	b := &ScriptBuilder{Script: "echo compiler missing; exit 3"}
	err := b.Build(context.Background(), BuildInput{WorkDir: t.TempDir()}, nil)
	var exitErr *ExitError
	if errors.As(err, &exitErr) && exitErr.Output != "compiler missing" {
		t.Errorf("expected output tail to be kept, got %q", exitErr.Output)
	}
}

func TestScriptBuilder_Timeout(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	b := &ScriptBuilder{Script: "sleep 10"}
	start := time.Now()
	err := b.Build(ctx, BuildInput{WorkDir: t.TempDir()}, nil)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
	if time.Since(start) > 8*time.Second {
		t.Errorf("build was not interrupted")
	}
}
