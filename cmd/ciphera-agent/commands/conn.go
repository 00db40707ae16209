package commands

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"ciphera/internal/app"
	"ciphera/internal/domain"
)

// createCmd allocates a new connection and prints the URI a peer joins with.
func createCmd() *cobra.Command {
	var contact bool
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a connection and print its invitation URI",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withAgent(cmd, func(ctx context.Context, a *app.Agent) error {
				mode := domain.ConnReqInvitation
				if contact {
					mode = domain.ConnReqContact
				}
				connId, uri, err := a.Manager.CreateConnection(ctx, mode)
				if err != nil {
					return err
				}
				fmt.Printf("Connection: %s\n", connId)
				fmt.Printf("URI: %s\n", uri)
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&contact, "contact", false, "create a reusable contact address instead of a one-shot invitation")
	return cmd
}

// joinCmd joins a peer's invitation or contact URI.
func joinCmd() *cobra.Command {
	var info string
	cmd := &cobra.Command{
		Use:   "join <uri>",
		Short: "Join a connection from its URI",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withAgent(cmd, func(ctx context.Context, a *app.Agent) error {
				connId, err := a.Manager.JoinConnection(ctx, args[0], info)
				if err != nil {
					return err
				}
				fmt.Printf("Connection: %s\n", connId)
				// Give the confirmation a moment to leave the outbox before
				// tearing the process down.
				drainEvents(a, 3*time.Second)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&info, "info", "", "info shown to the peer")
	return cmd
}

// allowCmd accepts a staged confirmation by id (shown in the CONF event).
func allowCmd() *cobra.Command {
	var info string
	cmd := &cobra.Command{
		Use:   "allow <conf-id>",
		Short: "Accept a pending connection confirmation",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withAgent(cmd, func(ctx context.Context, a *app.Agent) error {
				if err := a.Manager.AllowConnection(ctx, args[0], info); err != nil {
					return err
				}
				fmt.Println("Confirmation accepted")
				drainEvents(a, 3*time.Second)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&info, "info", "", "info shown to the peer")
	return cmd
}

// acceptCmd accepts a staged contact request (shown in the REQ event).
func acceptCmd() *cobra.Command {
	var info string
	cmd := &cobra.Command{
		Use:   "accept <invitation-id>",
		Short: "Accept a pending contact request",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withAgent(cmd, func(ctx context.Context, a *app.Agent) error {
				connId, err := a.Manager.AcceptContact(ctx, args[0], info)
				if err != nil {
					return err
				}
				fmt.Printf("Connection: %s\n", connId)
				drainEvents(a, 3*time.Second)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&info, "info", "", "info shown to the peer")
	return cmd
}

// rejectCmd discards a staged contact request.
func rejectCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reject <invitation-id>",
		Short: "Reject a pending contact request",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withAgent(cmd, func(ctx context.Context, a *app.Agent) error {
				if err := a.Manager.RejectContact(ctx, args[0]); err != nil {
					return err
				}
				fmt.Println("Rejected")
				return nil
			})
		},
	}
}

// switchCmd rotates a connection's receive queue to a new relay queue.
func switchCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "switch <conn-id>",
		Short: "Rotate the connection's receive queue",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withAgent(cmd, func(ctx context.Context, a *app.Agent) error {
				if err := a.Manager.SwitchConnection(ctx, domain.ConnId(args[0])); err != nil {
					return err
				}
				fmt.Println("Rotation started")
				drainEvents(a, 5*time.Second)
				return nil
			})
		},
	}
}

// suspendConnCmd stops a connection's receive queue from accepting new
// messages at the relay.
func suspendConnCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "suspend <conn-id>",
		Short: "Suspend a connection's receive queue",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withAgent(cmd, func(ctx context.Context, a *app.Agent) error {
				if err := a.Manager.SuspendConnection(ctx, domain.ConnId(args[0])); err != nil {
					return err
				}
				fmt.Println("Suspended")
				return nil
			})
		},
	}
}

// deleteCmd removes a connection and its relay queues.
func deleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <conn-id>",
		Short: "Delete a connection",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withAgent(cmd, func(ctx context.Context, a *app.Agent) error {
				if err := a.Manager.DeleteConnection(ctx, domain.ConnId(args[0])); err != nil {
					return err
				}
				fmt.Println("Deleted")
				return nil
			})
		},
	}
}

// serversCmd lists the relay servers a connection holds queues on.
func serversCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "servers <conn-id>",
		Short: "List the relay servers a connection uses",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withAgent(cmd, func(ctx context.Context, a *app.Agent) error {
				servers, err := a.Manager.GetConnectionServers(domain.ConnId(args[0]))
				if err != nil {
					return err
				}
				for _, s := range servers {
					fmt.Println(s.String())
				}
				return nil
			})
		},
	}
}
