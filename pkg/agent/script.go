package agent

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"
)

// DefaultBuildScript builds the LiME module and the Volatility 2 profile for
// $KERNEL_VERSION on an RPM based image and leaves both in $OUTPUT_DIR.
const DefaultBuildScript = `set -eu
cd "$WORK_DIR"
if [ "$(uname -r)" != "$KERNEL_VERSION" ]; then
	yum install -y "kernel-$KERNEL_VERSION"
	if ! needs-restarting -r; then
		exit 194
	fi
fi
yum install -y git gcc zip libdwarf-tools "kernel-devel-$KERNEL_VERSION"
if lsmod | grep -q '^lime'; then rmmod lime; fi

rm -rf LiME volatility
git clone --depth 1 https://github.com/504ensicsLabs/LiME
make -C LiME/src KVER="$KERNEL_VERSION"
cp "LiME/src/lime-$KERNEL_VERSION.ko" "$OUTPUT_DIR/"

git clone --depth 1 https://github.com/volatilityfoundation/volatility.git
make -C volatility/tools/linux KVER="$KERNEL_VERSION"
zip -j "$OUTPUT_DIR/$KERNEL_VERSION.zip" volatility/tools/linux/module.dwarf "/boot/System.map-$KERNEL_VERSION"
`

// ExitRebootRequired is the script exit status for an image that must be
// rebooted into the requested kernel before it can build.
const ExitRebootRequired = 194

// BuildInput describes one build run.
type BuildInput struct {
	InstanceID    string
	WorkerID      string
	KernelVersion string
	WorkDir       string
	OutputDir     string
}

// Builder produces the two artifacts for a kernel in OutputDir.
type Builder interface {
	Build(ctx context.Context, in BuildInput, progress func(line string)) error
}

// ScriptBuilder runs a shell script with the build input in its environment:
// KERNEL_VERSION, WORK_DIR, OUTPUT_DIR, INSTANCE_ID and WORKER_ID.
type ScriptBuilder struct {
	Script string
	Shell  string
	Env    map[string]string
}

// ExitError reports a non-zero script exit.
type ExitError struct {
	Code   int
	Output string
}

func (e *ExitError) Error() string {
	if e.Code == ExitRebootRequired {
		return "build script exited with status 194: reboot required to load the requested kernel"
	}
	return fmt.Sprintf("build script exited with status %d", e.Code)
}

// Build implements Builder. Every output line is passed to progress as it
// is written.
func (b *ScriptBuilder) Build(ctx context.Context, in BuildInput, progress func(line string)) error {
	script := b.Script
	if script == "" {
		script = DefaultBuildScript
	}
	shell := b.Shell
	if shell == "" {
		shell = "/bin/sh"
	}

	cmd := exec.CommandContext(ctx, shell, "-c", script)
	cmd.Dir = in.WorkDir
	cmd.Env = os.Environ()
	for k, v := range b.Env {
		cmd.Env = append(cmd.Env, k+"="+v)
	}
	cmd.Env = append(cmd.Env,
		"KERNEL_VERSION="+in.KernelVersion,
		"WORK_DIR="+in.WorkDir,
		"OUTPUT_DIR="+in.OutputDir,
		"INSTANCE_ID="+in.InstanceID,
		"WORKER_ID="+in.WorkerID,
	)
	cmd.WaitDelay = 5 * time.Second

	pr, pw := io.Pipe()
	cmd.Stdout = pw
	cmd.Stderr = pw

	tail := newTailBuffer(20)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		scanner := bufio.NewScanner(pr)
		scanner.Buffer(make([]byte, 64*1024), 1024*1024)
		for scanner.Scan() {
			line := scanner.Text()
			tail.add(line)
			if progress != nil {
				progress(line)
			}
		}
		// Drain so the script never blocks on a full pipe.
		_, _ = io.Copy(io.Discard, pr)
	}()

	err := cmd.Run()
	_ = pw.Close()
	wg.Wait()

	if err == nil {
		return nil
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return &ExitError{Code: exitErr.ExitCode(), Output: tail.String()}
	}
	return fmt.Errorf("failed to run build script: %w", err)
}

// tailBuffer keeps the last n lines written to it.
type tailBuffer struct {
	mu    sync.Mutex
	lines []string
	max   int
}

func newTailBuffer(n int) *tailBuffer {
	return &tailBuffer{max: n}
}

func (t *tailBuffer) add(line string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.lines = append(t.lines, line)
	if len(t.lines) > t.max {
		t.lines = t.lines[len(t.lines)-t.max:]
	}
}

func (t *tailBuffer) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return strings.Join(t.lines, "\n")
}
