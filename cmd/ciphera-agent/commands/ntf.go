package commands

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"ciphera/internal/app"
	"ciphera/internal/domain"
)

// ntfCmd groups the notification token and subscription operations.
func ntfCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ntf",
		Short: "Manage push notification registration",
	}
	cmd.AddCommand(ntfRegisterCmd(), ntfVerifyCmd(), ntfCheckCmd(), ntfDeleteCmd(), ntfToggleCmd())
	return cmd
}

func ntfRegisterCmd() *cobra.Command {
	var periodic bool
	cmd := &cobra.Command{
		Use:   "register <device-token>",
		Short: "Register a device token with the notification relay",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withAgent(cmd, func(ctx context.Context, a *app.Agent) error {
				mode := domain.NtfInstant
				if periodic {
					mode = domain.NtfPeriodic
				}
				tok, err := a.Manager.RegisterNtfToken(ctx, args[0], mode)
				if err != nil {
					return err
				}
				fmt.Printf("Registered, token id %s\n", tok.TknId)
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&periodic, "periodic", false, "poll periodically instead of instant per-connection subscriptions")
	return cmd
}

func ntfVerifyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "verify <code>",
		Short: "Verify the registered token with its out-of-band code",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withAgent(cmd, func(ctx context.Context, a *app.Agent) error {
				tok, err := a.Manager.VerifyNtfToken(ctx, args[0])
				if err != nil {
					return err
				}
				fmt.Printf("Token status: %s\n", tok.Status)
				return nil
			})
		},
	}
}

func ntfCheckCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "check",
		Short: "Check the token's server-side status",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withAgent(cmd, func(ctx context.Context, a *app.Agent) error {
				tok, err := a.Manager.CheckNtfToken(ctx)
				if err != nil {
					return err
				}
				fmt.Printf("Token status: %s\n", tok.Status)
				return nil
			})
		},
	}
}

func ntfDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete",
		Short: "Delete the registered token",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withAgent(cmd, func(ctx context.Context, a *app.Agent) error {
				return a.Manager.DeleteNtfToken(ctx)
			})
		},
	}
}

func ntfToggleCmd() *cobra.Command {
	var disable bool
	cmd := &cobra.Command{
		Use:   "toggle <conn-id>",
		Short: "Enable or disable notifications for one connection",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withAgent(cmd, func(ctx context.Context, a *app.Agent) error {
				return a.Manager.ToggleConnectionNtfs(ctx, domain.ConnId(args[0]), !disable)
			})
		},
	}
	cmd.Flags().BoolVar(&disable, "off", false, "disable instead of enable")
	return cmd
}
