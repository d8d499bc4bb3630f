// Command loomctl operates pipeline runs on a loomd daemon: submit and
// inspect runs, follow their journals, and signal gates.
package main

import (
	"context"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/loomworks/loom-go/internal/platform/env"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

// app holds the connection settings shared by every subcommand.
type app struct {
	server  string
	tenant  string
	timeout time.Duration
}

func (a *app) client() *client {
	return newClient(strings.TrimRight(a.server, "/"), a.tenant, a.timeout)
}

func newRootCmd() *cobra.Command {
	a := &app{}
	root := &cobra.Command{
		Use:          "loomctl",
		Short:        "Operate pipeline runs on a loomd daemon",
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&a.server, "server", env.String("LOOM_SERVER", "http://localhost:8080"), "base URL of the loomd API")
	root.PersistentFlags().StringVar(&a.tenant, "tenant", env.String("LOOM_TENANT", "default"), "tenant the command acts on")
	root.PersistentFlags().DurationVar(&a.timeout, "timeout", 30*time.Second, "per-request timeout")

	root.AddCommand(
		newPipelinesCmd(a),
		newSubmitCmd(a),
		newGetCmd(a),
		newListCmd(a),
		newEventsCmd(a),
		newWatchCmd(a),
		newArtifactCmd(a),
		newApproveCmd(a),
		newRejectCmd(a),
		newInputCmd(a),
		newCancelCmd(a),
		newRetryCmd(a),
		newResumeCmd(a),
	)
	return root
}
