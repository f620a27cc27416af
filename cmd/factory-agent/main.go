// Package main implements the factory build agent. The factory uploads a
// build spec to the worker and starts the agent detached; the agent builds
// the LiME module and Volatility profile, uploads them and posts the
// completion callback with the spec's continuation token.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/openfroyo/modulefactory/pkg/agent"
	"github.com/openfroyo/modulefactory/pkg/api"
	"github.com/openfroyo/modulefactory/pkg/protocol"
)

// Version information (set via ldflags during build)
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildDate = "unknown"
)

type options struct {
	specPath   string
	scriptPath string
	shell      string
	keepSpec   bool
	config     agent.Config
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newCommand().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newCommand() *cobra.Command {
	opts := options{}

	cmd := &cobra.Command{
		Use:   "factory-agent",
		Short: "Build forensic artifacts on a factory worker",
		Long: `Run one build described by a factory build spec.

The agent installs the target kernel's headers, builds the LiME module and
the Volatility profile, uploads both to the spec's destination and posts
the completion callback. The callback is sent on failure too, so the
factory can clean up the worker without waiting for its timeout.

Progress is written to stdout as line-delimited JSON.`,
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", Version, Commit, BuildDate),
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), opts)
		},
	}

	f := cmd.Flags()
	f.StringVar(&opts.specPath, "spec", "", "build spec file (required)")
	f.StringVar(&opts.scriptPath, "script", "", "build script replacing the built-in one")
	f.StringVar(&opts.shell, "shell", "/bin/bash", "shell that runs the build script")
	f.BoolVar(&opts.keepSpec, "keep-spec", false, "do not delete the spec file after reading it")
	f.StringVar(&opts.config.WorkDir, "work-dir", os.TempDir(), "directory for build checkouts")
	f.IntVar(&opts.config.SignalAttempts, "signal-attempts", 5, "maximum completion callback deliveries")
	f.DurationVar(&opts.config.SignalBackoff, "signal-backoff", 2*time.Second, "base delay between callback deliveries")
	f.DurationVar(&opts.config.SignalTimeout, "signal-timeout", 2*time.Minute, "time allowed for all callback deliveries")
	f.StringVar(&opts.config.SFTP.User, "sftp-user", os.Getenv("FACTORY_SFTP_USER"), "user for sftp destinations without one")
	f.StringVar(&opts.config.SFTP.PrivateKeyPath, "sftp-key", os.Getenv("FACTORY_SFTP_KEY"), "private key for sftp destinations")
	f.StringVar(&opts.config.SFTP.KnownHostsPath, "sftp-known-hosts", "", "known_hosts file for sftp destinations")
	f.BoolVar(&opts.config.SFTP.StrictHostKeyChecking, "sftp-strict-host-key-checking", false, "verify the sftp host key")
	_ = cmd.MarkFlagRequired("spec")

	return cmd
}

func run(ctx context.Context, opts options) error {
	logger := zerolog.New(os.Stderr).With().Timestamp().Str("service", "factory-agent").Logger()
	opts.config.SFTP.Password = os.Getenv("FACTORY_SFTP_PASSWORD")

	msg, err := readSpec(opts.specPath, !opts.keepSpec)
	if err != nil {
		return err
	}

	script := agent.DefaultBuildScript
	if opts.scriptPath != "" {
		data, err := os.ReadFile(opts.scriptPath)
		if err != nil {
			return fmt.Errorf("failed to read build script: %w", err)
		}
		script = string(data)
	}

	a, err := agent.New(agent.Options{
		Config:    opts.config,
		Builder:   &agent.ScriptBuilder{Script: script, Shell: opts.shell},
		Signaller: api.NewClient(strings.TrimSuffix(msg.CallbackURL, api.CallbackPath)),
		Progress:  os.Stdout,
		Logger:    logger,
	})
	if err != nil {
		return err
	}

	resp, err := a.Run(ctx, msg)
	if err != nil {
		return err
	}
	if !resp.Accepted {
		// The factory already resolved the instance; nothing is left to do.
		logger.Warn().Str("reason", resp.Reason).Msg("Factory rejected the completion callback")
	}
	return nil
}

// readSpec decodes the build spec and optionally removes it, since it holds
// the continuation token.
func readSpec(path string, remove bool) (*protocol.BuildMessage, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open build spec: %w", err)
	}
	msg, err := protocol.NewDecoder(f).DecodeBuild()
	_ = f.Close()
	if err != nil {
		return nil, fmt.Errorf("failed to decode build spec: %w", err)
	}
	if remove {
		if err := os.Remove(path); err != nil {
			return nil, fmt.Errorf("failed to remove build spec: %w", err)
		}
	}
	if !strings.HasSuffix(msg.CallbackURL, api.CallbackPath) {
		return nil, fmt.Errorf("callback URL %q does not end in %s", msg.CallbackURL, api.CallbackPath)
	}
	return msg, nil
}
