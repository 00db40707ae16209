package commands

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"ciphera/internal/app"
	"ciphera/internal/domain"
)

// sendCmd stages a message on a connection's send queue and waits for its
// SENT (or MERR) before returning.
func sendCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "send <conn-id> <message>",
		Short: "Encrypt and send a message on a connection",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withAgent(cmd, func(ctx context.Context, a *app.Agent) error {
				connId := domain.ConnId(args[0])
				if err := a.Manager.SubscribeConnection(ctx, connId); err != nil {
					return err
				}
				msgId, err := a.Manager.SendMessage(ctx, connId, []byte(args[1]))
				if err != nil {
					return fmt.Errorf("sending on %q: %w", connId, err)
				}
				for {
					select {
					case ev := <-a.Manager.Events():
						switch {
						case ev.Tag == domain.EvSENT && ev.MsgId == msgId:
							fmt.Printf("Sent %d\n", msgId)
							return nil
						case ev.Tag == domain.EvMERR && ev.MsgId == msgId:
							return fmt.Errorf("send failed: %v", ev.Err)
						}
					case <-ctx.Done():
						return ctx.Err()
					}
				}
			})
		},
	}
}

// ackCmd acknowledges a received message back to its relay.
func ackCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "ack <conn-id> <msg-id>",
		Short: "Acknowledge a received message",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			msgId, err := strconv.ParseInt(args[1], 10, 64)
			if err != nil {
				return fmt.Errorf("bad message id %q", args[1])
			}
			return withAgent(cmd, func(ctx context.Context, a *app.Agent) error {
				return a.Manager.AckMessage(ctx, domain.ConnId(args[0]), msgId)
			})
		},
	}
}

// listenCmd subscribes every stored connection and prints the event stream
// until interrupted.
func listenCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "listen",
		Short: "Subscribe all connections and print agent events",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withAgent(cmd, func(ctx context.Context, a *app.Agent) error {
				conns, err := appCtx.Conns.ListConnections()
				if err != nil {
					return err
				}
				ids := make([]domain.ConnId, 0, len(conns))
				for _, c := range conns {
					ids = append(ids, c.ConnId)
				}
				for id, err := range a.Manager.SubscribeConnections(ctx, ids) {
					if err != nil {
						fmt.Printf("subscribe %s: %v\n", id, err)
					}
				}

				for {
					select {
					case ev := <-a.Manager.Events():
						printEvent(ev)
					case <-ctx.Done():
						return nil
					}
				}
			})
		},
	}
}

func printEvent(ev domain.AEvent) {
	switch ev.Tag {
	case domain.EvMSG:
		if ev.Message.Integrity == domain.MsgSkipped {
			fmt.Printf("[%s] MSG %d (skipped %d-%d): %s\n", ev.ConnId, ev.MsgId, ev.Message.SkippedFrom, ev.Message.SkippedTo, ev.Message.Plaintext)
			return
		}
		fmt.Printf("[%s] MSG %d (%s): %s\n", ev.ConnId, ev.MsgId, ev.Message.Integrity, ev.Message.Plaintext)
	case domain.EvSENT:
		fmt.Printf("[%s] SENT %d\n", ev.ConnId, ev.MsgId)
	case domain.EvMERR:
		fmt.Printf("[%s] MERR %d: %v\n", ev.ConnId, ev.MsgId, ev.Err)
	case domain.EvERR:
		fmt.Printf("[%s] ERR: %v\n", ev.ConnId, ev.Err)
	case domain.EvSWITCH:
		fmt.Printf("[%s] SWITCH %s\n", ev.ConnId, ev.Phase)
	default:
		if ev.Info != "" {
			fmt.Printf("[%s] %s %s\n", ev.ConnId, ev.Tag, ev.Info)
		} else {
			fmt.Printf("[%s] %s\n", ev.ConnId, ev.Tag)
		}
	}
}

// drainEvents prints whatever the agent emits for up to d, so short-lived
// commands surface the events their action produced.
func drainEvents(a *app.Agent, d time.Duration) {
	deadline := time.After(d)
	for {
		select {
		case ev := <-a.Manager.Events():
			printEvent(ev)
		case <-deadline:
			return
		}
	}
}
