package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/vovakirdan/slimchat/internal/client"
	"github.com/vovakirdan/slimchat/internal/log"
	"github.com/vovakirdan/slimchat/internal/proto"
)

const defaultServer = "http://localhost:8080"

func newListenCmd(opts *rootOptions) *cobra.Command {
	var server, receiver, room string

	cmd := &cobra.Command{
		Use:   "listen",
		Short: "Print messages for a receiver as they arrive",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			c := client.New(server)
			c.Logger = log.New(logLevelOr(opts, "warn"), "console")

			out := cmd.OutOrStdout()
			err := c.Listen(ctx, receiver, room, func(m proto.QueuedMessage) {
				ts := time.UnixMilli(m.Datetime).Format(time.TimeOnly)
				fmt.Fprintf(out, "[%s] %s: %s\n", ts, m.Sender, m.Message)
			})
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&server, "server", defaultServer, "server base URL")
	flags.StringVar(&receiver, "receiver", "", "user to receive as")
	flags.StringVar(&room, "room", "", "room ID")
	_ = cmd.MarkFlagRequired("receiver")
	_ = cmd.MarkFlagRequired("room")
	return cmd
}

func newSendCmd(_ *rootOptions) *cobra.Command {
	var server, sender, room string

	cmd := &cobra.Command{
		Use:   "send <text>...",
		Short: "Send a message to a room",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c := client.New(server)
			if err := c.Send(cmd.Context(), sender, room, strings.Join(args, " ")); err != nil {
				return fmt.Errorf("send: %w", err)
			}
			return nil
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&server, "server", defaultServer, "server base URL")
	flags.StringVar(&sender, "sender", "", "user to send as")
	flags.StringVar(&room, "room", "", "room ID")
	_ = cmd.MarkFlagRequired("sender")
	_ = cmd.MarkFlagRequired("room")
	return cmd
}

func logLevelOr(opts *rootOptions, fallback string) string {
	if opts.overrides.LogLevel != "" {
		return opts.overrides.LogLevel
	}
	return fallback
}
