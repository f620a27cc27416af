package agent

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/dogmatiq/linger"
	"github.com/dogmatiq/linger/backoff"
	"github.com/rs/zerolog"
	"go.uber.org/multierr"

	"github.com/openfroyo/modulefactory/pkg/engine"
	"github.com/openfroyo/modulefactory/pkg/protocol"
)

// Signaller delivers a completion callback. *api.Client implements it.
type Signaller interface {
	Signal(ctx context.Context, req protocol.CallbackRequest) (*protocol.CallbackResponse, error)
}

// Config holds agent settings.
type Config struct {
	// WorkDir holds the build checkout and the output directory.
	WorkDir string

	// SFTP holds credentials for sftp:// destinations.
	SFTP SFTPConfig

	// SignalAttempts bounds callback deliveries. Defaults to 5.
	SignalAttempts int

	// SignalBackoff is the base delay between callback deliveries.
	// Defaults to 2 seconds.
	SignalBackoff time.Duration

	// SignalTimeout bounds all callback deliveries together. It is
	// independent of the build timeout so a timed out build is still
	// reported. Defaults to 2 minutes.
	SignalTimeout time.Duration
}

// Options wires an agent to its collaborators. Builder and Signaller are
// required.
type Options struct {
	Config    Config
	Builder   Builder
	Signaller Signaller

	// Dial opens SFTP transports; nil uses ssh.NewClient.
	Dial TransportDialer

	// KernelRelease returns the running kernel when the build message names
	// none; nil reads /proc/sys/kernel/osrelease.
	KernelRelease func() (string, error)

	// Progress receives the agent's line-delimited progress stream; nil
	// discards it.
	Progress io.Writer

	Logger zerolog.Logger
}

// Agent runs one build on a worker and reports the outcome.
type Agent struct {
	config    Config
	builder   Builder
	signaller Signaller
	dial      TransportDialer
	kernel    func() (string, error)
	encoder   *protocol.Encoder
	retry     backoff.Strategy
	logger    zerolog.Logger
}

// Failure is a build failure with its agent error code.
type Failure struct {
	Code string
	Err  error
}

func (f *Failure) Error() string {
	return f.Code + ": " + f.Err.Error()
}

func (f *Failure) Unwrap() error {
	return f.Err
}

// New creates an agent.
func New(opts Options) (*Agent, error) {
	if opts.Builder == nil {
		return nil, fmt.Errorf("agent requires a builder")
	}
	if opts.Signaller == nil {
		return nil, fmt.Errorf("agent requires a signaller")
	}

	cfg := opts.Config
	if cfg.WorkDir == "" {
		cfg.WorkDir = os.TempDir()
	}
	if cfg.SignalAttempts <= 0 {
		cfg.SignalAttempts = 5
	}
	if cfg.SignalBackoff <= 0 {
		cfg.SignalBackoff = 2 * time.Second
	}
	if cfg.SignalTimeout <= 0 {
		cfg.SignalTimeout = 2 * time.Minute
	}

	kernel := opts.KernelRelease
	if kernel == nil {
		kernel = runningKernel
	}
	progress := opts.Progress
	if progress == nil {
		progress = io.Discard
	}

	return &Agent{
		config:    cfg,
		builder:   opts.Builder,
		signaller: opts.Signaller,
		dial:      opts.Dial,
		kernel:    kernel,
		encoder:   protocol.NewEncoder(progress),
		retry: backoff.WithTransforms(
			backoff.Exponential(cfg.SignalBackoff),
			linger.FullJitter,
			linger.Limiter(0, 10*cfg.SignalBackoff),
		),
		logger: opts.Logger.With().Str("component", "agent").Logger(),
	}, nil
}

// Run builds and uploads the artifacts described by msg, then signals the
// factory. The callback is sent on every path once msg is valid, with status
// failed and the failure when any step before it fails. The returned error
// is the build failure, if any, combined with a failure to deliver the
// callback.
func (a *Agent) Run(ctx context.Context, msg *protocol.BuildMessage) (*protocol.CallbackResponse, error) {
	if err := msg.Validate(); err != nil {
		return nil, &Failure{Code: protocol.ErrCodeInvalidSpec, Err: err}
	}

	logger := a.logger.With().
		Str("instance_id", msg.InstanceID).
		Str("worker_id", msg.WorkerID).
		Logger()

	start := time.Now()
	artifacts, buildErr := a.build(ctx, msg, logger)

	req := protocol.CallbackRequest{
		Token:  msg.Token,
		Result: protocol.CallbackResult{InstanceIdentifier: msg.WorkerID, Artifacts: artifacts},
		Status: string(engine.SignalStatusSucceeded),
	}
	if buildErr != nil {
		var failure *Failure
		code := protocol.ErrCodeBuildFailed
		if errors.As(buildErr, &failure) {
			code = failure.Code
		}
		req.Status = string(engine.SignalStatusFailed)
		req.Error = buildErr.Error()
		_ = a.encoder.EncodeError(&protocol.ErrorMessage{InstanceID: msg.InstanceID, Code: code, Message: buildErr.Error()})
		logger.Error().Err(buildErr).Str("code", code).Msg("Build failed")
	} else {
		_ = a.encoder.EncodeDone(&protocol.DoneMessage{
			InstanceID: msg.InstanceID,
			Artifacts:  artifacts,
			Duration:   time.Since(start).Seconds(),
		})
		logger.Info().Strs("artifacts", artifacts).Dur("duration", time.Since(start)).Msg("Build completed")
	}

	// The build context may already be done; the callback gets its own.
	signalCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), a.config.SignalTimeout)
	defer cancel()
	resp, signalErr := a.signal(signalCtx, req, logger)
	if signalErr != nil {
		signalErr = fmt.Errorf("failed to deliver completion callback: %w", signalErr)
	}
	return resp, multierr.Append(buildErr, signalErr)
}

// build runs the builder under the message's timeout and uploads both
// artifacts. It returns the uploaded keys.
func (a *Agent) build(ctx context.Context, msg *protocol.BuildMessage, logger zerolog.Logger) ([]string, error) {
	spec := msg.Spec()

	kernel := spec.KernelVersion
	if kernel == "" {
		k, err := a.kernel()
		if err != nil {
			return nil, &Failure{Code: protocol.ErrCodeInvalidSpec, Err: fmt.Errorf("failed to detect kernel release: %w", err)}
		}
		kernel = k
	}
	keys := spec.Artifacts
	if keys.ModuleKey == "" || keys.ProfileKey == "" {
		keys = engine.ArtifactKeys(spec.Artifacts.Destination, spec.WorkerID, kernel)
	}

	uploader, err := NewUploader(keys.Destination, a.config.SFTP, a.dial, logger)
	if err != nil {
		return nil, &Failure{Code: protocol.ErrCodeInvalidSpec, Err: err}
	}
	defer func() {
		if err := uploader.Close(); err != nil {
			logger.Debug().Err(err).Msg("Uploader close failed")
		}
	}()

	workDir, err := os.MkdirTemp(a.config.WorkDir, "build-"+spec.InstanceID+"-")
	if err != nil {
		return nil, &Failure{Code: protocol.ErrCodeBuildFailed, Err: err}
	}
	defer os.RemoveAll(workDir)
	outputDir := filepath.Join(workDir, "out")
	if err := os.Mkdir(outputDir, 0o755); err != nil {
		return nil, &Failure{Code: protocol.ErrCodeBuildFailed, Err: err}
	}

	a.event(msg.InstanceID, "build", fmt.Sprintf("Building artifacts for kernel %s", kernel), map[string]string{"kernel": kernel})

	buildCtx, cancel := context.WithTimeout(ctx, spec.BuildTimeout)
	defer cancel()
	err = a.builder.Build(buildCtx, BuildInput{
		InstanceID:    spec.InstanceID,
		WorkerID:      spec.WorkerID,
		KernelVersion: kernel,
		WorkDir:       workDir,
		OutputDir:     outputDir,
	}, func(line string) {
		a.event(msg.InstanceID, "build", line, nil)
	})
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(buildCtx.Err(), context.DeadlineExceeded) {
			return nil, &Failure{Code: protocol.ErrCodeBuildTimeout, Err: fmt.Errorf("build exceeded %s", spec.BuildTimeout)}
		}
		return nil, &Failure{Code: protocol.ErrCodeBuildFailed, Err: err}
	}

	files := []struct{ local, key string }{
		{filepath.Join(outputDir, engine.ModuleFileName(kernel)), keys.ModuleKey},
		{filepath.Join(outputDir, engine.ProfileFileName(kernel)), keys.ProfileKey},
	}
	var missing error
	for _, f := range files {
		if info, err := os.Stat(f.local); err != nil || info.Size() == 0 {
			missing = multierr.Append(missing, fmt.Errorf("expected artifact %s", filepath.Base(f.local)))
		}
	}
	if missing != nil {
		return nil, &Failure{Code: protocol.ErrCodeArtifactMissing, Err: missing}
	}

	uploaded := make([]string, 0, len(files))
	for _, f := range files {
		location, err := uploader.Upload(ctx, f.local, f.key)
		if err != nil {
			return nil, &Failure{Code: protocol.ErrCodeUploadFailed, Err: fmt.Errorf("upload %s: %w", f.key, err)}
		}
		a.event(msg.InstanceID, "upload", "Uploaded "+f.key, map[string]string{"location": location})
		uploaded = append(uploaded, f.key)
	}
	return uploaded, nil
}

// signal delivers req, retrying failed deliveries with jittered backoff. A
// delivered callback is not retried even when the factory rejects it.
func (a *Agent) signal(ctx context.Context, req protocol.CallbackRequest, logger zerolog.Logger) (*protocol.CallbackResponse, error) {
	var errs error
	for attempt := 1; attempt <= a.config.SignalAttempts; attempt++ {
		resp, err := a.signaller.Signal(ctx, req)
		if err == nil {
			if !resp.Accepted {
				logger.Warn().Str("reason", resp.Reason).Msg("Completion callback rejected")
			}
			return resp, nil
		}
		errs = multierr.Append(errs, err)
		if !retryableSignal(err) || attempt == a.config.SignalAttempts {
			break
		}

		delay := a.retry(nil, uint(attempt-1))
		logger.Warn().Err(err).Int("attempt", attempt).Dur("backoff", delay).Msg("Completion callback failed")
		if err := linger.Sleep(ctx, delay); err != nil {
			return nil, multierr.Append(errs, err)
		}
	}
	return nil, errs
}

// retryableSignal reports whether a failed delivery may succeed later.
// Client errors other than timeouts are final.
func retryableSignal(err error) bool {
	var status interface{ HTTPStatus() int }
	if errors.As(err, &status) {
		code := status.HTTPStatus()
		return code >= 500 || code == 408 || code == 429
	}
	return true
}

func (a *Agent) event(instanceID, stage, message string, metadata map[string]string) {
	if message == "" {
		return
	}
	_ = a.encoder.EncodeEvent(&protocol.EventMessage{
		InstanceID: instanceID,
		Level:      "info",
		Stage:      stage,
		Message:    message,
		Metadata:   metadata,
	})
}

func runningKernel() (string, error) {
	data, err := os.ReadFile("/proc/sys/kernel/osrelease")
	if err != nil {
		return "", err
	}
	release := strings.TrimSpace(string(data))
	if release == "" {
		return "", fmt.Errorf("empty kernel release")
	}
	return release, nil
}
