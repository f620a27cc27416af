package commands

import (
	"fmt"
	"os"
	"strings"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/openfroyo/modulefactory/pkg/api"
	"github.com/openfroyo/modulefactory/pkg/engine"
)

func newSubmitCommand() *cobra.Command {
	var (
		req     api.SubmitRequest
		labels  []string
		meta    []string
		wait    bool
		timeout string
	)

	cmd := &cobra.Command{
		Use:   "submit",
		Short: "Submit a module build",
		Long: `Submit a build of the LiME module and Volatility profile for a target
image. The command returns once the factory has accepted the request; use
--wait to poll until the instance finishes.`,
		Example: `  # Build for an AMI and upload to a shared mount
  factory submit --image ami-0abc123 --destination file:///srv/modules

  # Pin the kernel and wait for the result
  factory submit --image ami-0abc123 --kernel 5.10.0-1057-aws \
    --destination sftp://forensics@store.internal/srv/modules --wait`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var err error
			if req.TargetContext.Labels, err = parsePairs(labels); err != nil {
				return fmt.Errorf("invalid --label: %w", err)
			}
			if req.Metadata, err = parsePairs(meta); err != nil {
				return fmt.Errorf("invalid --meta: %w", err)
			}

			client := newClient()
			resp, err := client.Submit(cmd.Context(), req)
			if err != nil {
				return err
			}
			log.Info().Str("instance_id", resp.InstanceID).Str("state", string(resp.State)).Msg("Build accepted")

			if !wait {
				if jsonOutput {
					return printJSON(os.Stdout, resp)
				}
				fmt.Println(resp.InstanceID)
				return nil
			}

			inst, err := waitForInstance(cmd.Context(), client, resp.InstanceID, timeout)
			if err != nil {
				return err
			}
			if err := printInstance(inst); err != nil {
				return err
			}
			if inst.State != engine.StateSucceeded {
				return fmt.Errorf("instance %s finished in state %s", inst.ID, inst.State)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&req.TargetContext.ImageID, "image", "", "target image ID (required)")
	cmd.Flags().StringVar(&req.TargetContext.Architecture, "arch", "", "target architecture (x86_64 or arm64)")
	cmd.Flags().StringVar(&req.TargetContext.KernelVersion, "kernel", "", "target kernel release; detected on the worker when empty")
	cmd.Flags().StringVar(&req.TargetContext.InstanceType, "instance-type", "", "worker instance type")
	cmd.Flags().StringSliceVar(&labels, "label", nil, "target label as key=value (repeatable)")
	cmd.Flags().StringVar(&req.ArtifactDestination, "destination", "", "artifact destination URI (required)")
	cmd.Flags().StringSliceVar(&meta, "meta", nil, "request metadata as key=value (repeatable)")
	cmd.Flags().StringVar(&req.RequestedBy, "requested-by", os.Getenv("USER"), "requester recorded in the audit trail")
	cmd.Flags().BoolVar(&wait, "wait", false, "wait for the instance to finish")
	cmd.Flags().StringVar(&timeout, "wait-timeout", "45m", "maximum time to wait with --wait")
	_ = cmd.MarkFlagRequired("image")
	_ = cmd.MarkFlagRequired("destination")

	return cmd
}

func parsePairs(pairs []string) (map[string]string, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	out := make(map[string]string, len(pairs))
	for _, p := range pairs {
		k, v, ok := strings.Cut(p, "=")
		if !ok || k == "" {
			return nil, fmt.Errorf("%q is not key=value", p)
		}
		out[k] = v
	}
	return out, nil
}
