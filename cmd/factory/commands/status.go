package commands

import (
	"context"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/dogmatiq/linger"
	"github.com/spf13/cobra"

	"github.com/openfroyo/modulefactory/pkg/api"
	"github.com/openfroyo/modulefactory/pkg/engine"
)

// pollInterval is the delay between status requests with --wait.
const pollInterval = 5 * time.Second

func newStatusCommand() *cobra.Command {
	var (
		wait    bool
		timeout string
	)

	cmd := &cobra.Command{
		Use:   "status <instance-id>",
		Short: "Show a build instance",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := newClient()
			var (
				inst *engine.WorkflowInstance
				err  error
			)
			if wait {
				inst, err = waitForInstance(cmd.Context(), client, args[0], timeout)
			} else {
				inst, err = client.Get(cmd.Context(), args[0])
			}
			if err != nil {
				return err
			}
			return printInstance(inst)
		},
	}

	cmd.Flags().BoolVar(&wait, "wait", false, "wait for the instance to finish")
	cmd.Flags().StringVar(&timeout, "wait-timeout", "45m", "maximum time to wait with --wait")

	return cmd
}

func newListCommand() *cobra.Command {
	var (
		states []string
		limit  int
		offset int
	)

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List build instances",
		Example: `  # Instances still waiting for their worker
  factory list --state awaiting_completion

  # The most recent failures
  factory list --state failed --limit 10`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			filter := engine.InstanceFilter{Limit: limit, Offset: offset}
			for _, s := range states {
				state := engine.WorkflowState(s)
				if err := state.Validate(); err != nil {
					return err
				}
				filter.States = append(filter.States, state)
			}

			instances, err := newClient().List(cmd.Context(), filter)
			if err != nil {
				return err
			}
			if jsonOutput {
				return printJSON(os.Stdout, instances)
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tSTATE\tIMAGE\tWORKER\tATTEMPTS\tCREATED")
			for _, inst := range instances {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%s\n",
					inst.ID, inst.State, inst.Request.Target.ImageID, dash(inst.WorkerID),
					len(inst.Attempts), inst.CreatedAt.Format(time.RFC3339))
			}
			return w.Flush()
		},
	}

	cmd.Flags().StringSliceVar(&states, "state", nil, "filter by state (repeatable)")
	cmd.Flags().IntVar(&limit, "limit", 50, "maximum instances to return")
	cmd.Flags().IntVar(&offset, "offset", 0, "instances to skip")

	return cmd
}

func newCancelCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <instance-id>",
		Short: "Cancel a build instance",
		Long: `Cancel a build instance. The instance moves to cleaning_up and its worker
is destroyed; a completion callback arriving afterwards is rejected.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			resp, err := newClient().Cancel(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if jsonOutput {
				return printJSON(os.Stdout, resp)
			}
			fmt.Printf("%s %s\n", resp.InstanceID, resp.State)
			return nil
		},
	}
}

func newEventsCommand() *cobra.Command {
	var (
		limit int
		audit bool
	)

	cmd := &cobra.Command{
		Use:   "events [instance-id]",
		Short: "Show workflow events or the audit trail",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var id string
			if len(args) > 0 {
				id = args[0]
			}
			client := newClient()

			if audit {
				resp, err := client.Audit(cmd.Context(), id, limit)
				if err != nil {
					return err
				}
				if jsonOutput {
					return printJSON(os.Stdout, resp.Entries)
				}
				w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
				fmt.Fprintln(w, "TIME\tACTION\tOUTCOME\tINSTANCE\tACTOR\tDETAIL")
				for _, e := range resp.Entries {
					fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
						e.Timestamp.Format(time.RFC3339), e.Action, e.Outcome, dash(e.InstanceID), dash(e.Actor), e.Detail)
				}
				return w.Flush()
			}

			events, err := client.Events(cmd.Context(), id, limit)
			if err != nil {
				return err
			}
			if jsonOutput {
				return printJSON(os.Stdout, events)
			}
			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "TIME\tLEVEL\tTYPE\tINSTANCE\tMESSAGE")
			for _, e := range events {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
					e.Timestamp.Format(time.RFC3339), e.Level, e.Type, dash(e.InstanceID), e.Message)
			}
			return w.Flush()
		},
	}

	cmd.Flags().IntVar(&limit, "limit", 100, "maximum entries to return")
	cmd.Flags().BoolVar(&audit, "audit", false, "show the audit trail instead of events")

	return cmd
}

// waitForInstance polls until the instance is terminal or timeout elapses.
func waitForInstance(ctx context.Context, client *api.Client, id, timeout string) (*engine.WorkflowInstance, error) {
	d, err := time.ParseDuration(timeout)
	if err != nil {
		return nil, fmt.Errorf("invalid wait timeout: %w", err)
	}
	ctx, cancel := context.WithTimeout(ctx, d)
	defer cancel()

	for {
		inst, err := client.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		if inst.State.IsTerminal() {
			return inst, nil
		}
		if err := linger.Sleep(ctx, pollInterval); err != nil {
			return nil, fmt.Errorf("instance %s still %s: %w", id, inst.State, err)
		}
	}
}

func printInstance(inst *engine.WorkflowInstance) error {
	if jsonOutput {
		return printJSON(os.Stdout, inst)
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintf(w, "ID:\t%s\n", inst.ID)
	fmt.Fprintf(w, "State:\t%s\n", inst.State)
	fmt.Fprintf(w, "Image:\t%s\n", inst.Request.Target.ImageID)
	if inst.Request.Target.KernelVersion != "" {
		fmt.Fprintf(w, "Kernel:\t%s\n", inst.Request.Target.KernelVersion)
	}
	fmt.Fprintf(w, "Destination:\t%s\n", inst.Request.ArtifactDestination)
	fmt.Fprintf(w, "Worker:\t%s\n", dash(inst.WorkerID))
	fmt.Fprintf(w, "Attempts:\t%d\n", len(inst.Attempts))
	if inst.Resolution != nil {
		cause := string(inst.Resolution.Cause)
		if inst.Resolution.Kind != "" {
			cause += " (" + string(inst.Resolution.Kind) + ")"
		}
		fmt.Fprintf(w, "Resolution:\t%s\n", cause)
		if inst.Resolution.Message != "" {
			fmt.Fprintf(w, "Message:\t%s\n", inst.Resolution.Message)
		}
	}
	if inst.Result != nil && len(inst.Result.Artifacts) > 0 {
		fmt.Fprintf(w, "Artifacts:\t%s\n", strings.Join(inst.Result.Artifacts, ", "))
	}
	if inst.Cleanup != nil {
		cleanup := fmt.Sprintf("destroyed=%t released=%t", inst.Cleanup.Destroyed, inst.Cleanup.Released)
		if inst.Cleanup.Error != "" {
			cleanup += " error=" + inst.Cleanup.Error
		}
		fmt.Fprintf(w, "Cleanup:\t%s\n", cleanup)
	}
	fmt.Fprintf(w, "Created:\t%s\n", inst.CreatedAt.Format(time.RFC3339))
	if inst.CompletedAt != nil {
		fmt.Fprintf(w, "Completed:\t%s\n", inst.CompletedAt.Format(time.RFC3339))
	}
	return w.Flush()
}

func dash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
