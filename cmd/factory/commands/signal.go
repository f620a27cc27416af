package commands

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/openfroyo/modulefactory/pkg/protocol"
)

func newSignalCommand() *cobra.Command {
	var req protocol.CallbackRequest

	cmd := &cobra.Command{
		Use:   "signal",
		Short: "Post a completion callback by hand",
		Long: `Post a completion callback as a worker would. This resolves an instance
whose agent built the artifacts but could not reach the factory. The
token is the continuation token from the worker's build spec and the
worker ID must match the worker bound to the instance.`,
		Example: `  factory signal --token 3f1c... --worker i-0abc123 \
    --artifact tools/LiME/i-0abc123/lime-5.10.0-1057-aws.ko \
    --artifact tools/vol2/i-0abc123/5.10.0-1057-aws.zip`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := req.Validate(); err != nil {
				return err
			}
			resp, err := newClient().Signal(cmd.Context(), req)
			if err != nil {
				return err
			}
			if jsonOutput {
				return printJSON(os.Stdout, resp)
			}
			if !resp.Accepted {
				return fmt.Errorf("callback rejected: %s", resp.Reason)
			}
			fmt.Printf("accepted %s\n", resp.InstanceID)
			return nil
		},
	}

	cmd.Flags().StringVar(&req.Token, "token", "", "continuation token (required)")
	cmd.Flags().StringVar(&req.Result.InstanceIdentifier, "worker", "", "reporting worker ID (required)")
	cmd.Flags().StringSliceVar(&req.Result.Artifacts, "artifact", nil, "uploaded artifact key (repeatable)")
	cmd.Flags().StringVar(&req.Status, "status", "succeeded", "build status (succeeded or failed)")
	cmd.Flags().StringVar(&req.Error, "error", "", "failure message for --status failed")
	_ = cmd.MarkFlagRequired("token")
	_ = cmd.MarkFlagRequired("worker")

	return cmd
}
