package commands

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"ciphera/internal/app"
)

// agentCmd groups whole-agent lifecycle operations.
func agentCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "agent",
		Short: "Agent lifecycle",
	}
	cmd.AddCommand(agentActivateCmd(), agentSuspendCmd())
	return cmd
}

func agentActivateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "activate",
		Short: "Reopen the operation gate and resume outbox workers",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withAgent(cmd, func(ctx context.Context, a *app.Agent) error {
				return a.Manager.ActivateAgent(ctx)
			})
		},
	}
}

func agentSuspendCmd() *cobra.Command {
	var maxDelay time.Duration
	cmd := &cobra.Command{
		Use:   "suspend",
		Short: "Drain network work and suspend the agent",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withAgent(cmd, func(ctx context.Context, a *app.Agent) error {
				a.Manager.SuspendAgent(maxDelay)
				fmt.Printf("Agent %s\n", a.Gate.State())
				return nil
			})
		},
	}
	cmd.Flags().DurationVar(&maxDelay, "max-delay", 3*time.Second, "how long to wait for in-flight sends to drain")
	return cmd
}
