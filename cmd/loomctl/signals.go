package main

import (
	"fmt"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
)

// commandID returns the operator-supplied idempotency key or mints one.
// Re-issuing with the same key replays the original outcome instead of
// acting twice.
func commandID(given string) string {
	if given != "" {
		return given
	}
	return uuid.NewString()
}

func newApproveCmd(a *app) *cobra.Command {
	var cmdID, reason string
	cmd := &cobra.Command{
		Use:   "approve <run-id>",
		Short: "Approve the run's open gate",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ack, err := a.client().signal(cmd.Context(), args[0], "approve", commandBody{
				CommandID: commandID(cmdID),
				Reason:    reason,
			})
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s (command %s)\n", ack.Status, ack.CommandID)
			return nil
		},
	}
	cmd.Flags().StringVar(&cmdID, "command-id", "", "idempotency key, generated when empty")
	cmd.Flags().StringVar(&reason, "reason", "", "note recorded with the approval")
	return cmd
}

func newRejectCmd(a *app) *cobra.Command {
	var cmdID, reason string
	cmd := &cobra.Command{
		Use:   "reject <run-id>",
		Short: "Reject the run's open gate, failing the run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ack, err := a.client().signal(cmd.Context(), args[0], "reject", commandBody{
				CommandID: commandID(cmdID),
				Reason:    reason,
			})
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s (command %s)\n", ack.Status, ack.CommandID)
			return nil
		},
	}
	cmd.Flags().StringVar(&cmdID, "command-id", "", "idempotency key, generated when empty")
	cmd.Flags().StringVar(&reason, "reason", "", "why the output was rejected")
	_ = cmd.MarkFlagRequired("reason")
	return cmd
}

func newInputCmd(a *app) *cobra.Command {
	var cmdID string
	var values map[string]string
	cmd := &cobra.Command{
		Use:   "input <run-id>",
		Short: "Provide the extra input an open gate is waiting for",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ack, err := a.client().signal(cmd.Context(), args[0], "input", commandBody{
				CommandID: commandID(cmdID),
				Input:     values,
			})
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s (command %s)\n", ack.Status, ack.CommandID)
			return nil
		},
	}
	cmd.Flags().StringVar(&cmdID, "command-id", "", "idempotency key, generated when empty")
	cmd.Flags().StringToStringVar(&values, "set", nil, "input value, repeatable (key=value)")
	_ = cmd.MarkFlagRequired("set")
	return cmd
}

func newCancelCmd(a *app) *cobra.Command {
	var cmdID, reason string
	cmd := &cobra.Command{
		Use:   "cancel <run-id>",
		Short: "Cancel a live run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ack, err := a.client().signal(cmd.Context(), args[0], "cancel", commandBody{
				CommandID: commandID(cmdID),
				Reason:    reason,
			})
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s (command %s)\n", ack.Status, ack.CommandID)
			return nil
		},
	}
	cmd.Flags().StringVar(&cmdID, "command-id", "", "idempotency key, generated when empty")
	cmd.Flags().StringVar(&reason, "reason", "", "note recorded with the cancellation")
	return cmd
}

func newRetryCmd(a *app) *cobra.Command {
	return newSupersedeCmd(a, "retry", "Retry a finished run from a failed step",
		"step to retry; completed work upstream of it is inherited")
}

func newResumeCmd(a *app) *cobra.Command {
	return newSupersedeCmd(a, "resume", "Resume a finished run from a chosen step",
		"step to redo; completed work upstream of it is inherited")
}

// newSupersedeCmd builds retry and resume, which differ only in verb. Both
// create a successor run that inherits artifacts outside the redo cone.
func newSupersedeCmd(a *app, verb, short, stepHelp string) *cobra.Command {
	var cmdID, stepName, reason string
	cmd := &cobra.Command{
		Use:   verb + " <run-id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			successor, err := a.client().supersede(cmd.Context(), args[0], verb, commandBody{
				CommandID: commandID(cmdID),
				StepName:  stepName,
				Reason:    reason,
			})
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "run %s superseded by %s (%s)\n",
				args[0], successor.RunID, successor.Status)
			return nil
		},
	}
	cmd.Flags().StringVar(&cmdID, "command-id", "", "idempotency key, generated when empty")
	cmd.Flags().StringVar(&stepName, "step", "", stepHelp)
	cmd.Flags().StringVar(&reason, "reason", "", "note recorded on the successor")
	_ = cmd.MarkFlagRequired("step")
	return cmd
}
