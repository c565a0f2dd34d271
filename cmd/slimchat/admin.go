package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/vovakirdan/slimchat/internal/app"
	"github.com/vovakirdan/slimchat/internal/core"
)

// withService opens the configured store and runs fn against a fresh engine.
// Badger holds an exclusive lock on its directory, so this fails while a badger-backed server runs.
func withService(opts *rootOptions, fn func(*core.Service) error) error {
	cfg, logger, err := opts.load()
	if err != nil {
		return err
	}

	st, err := app.OpenStore(cfg.Store)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer func() {
		if err := st.Close(); err != nil {
			logger.Warn().Err(err).Msg("failed to close store")
		}
	}()

	return fn(core.NewService(st, logger))
}

func newUserCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "user",
		Short: "Manage users",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "create <id>",
		Short: "Create a user",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withService(opts, func(svc *core.Service) error {
				if err := svc.CreateUser(cmd.Context(), args[0]); err != nil {
					return fmt.Errorf("create user %s: %w", args[0], err)
				}
				fmt.Fprintln(cmd.OutOrStdout(), args[0])
				return nil
			})
		},
	})
	return cmd
}

func newRoomCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "room",
		Short: "Manage rooms and membership",
	}

	cmd.AddCommand(
		&cobra.Command{
			Use:   "create",
			Short: "Create an empty room and print its ID",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				return withService(opts, func(svc *core.Service) error {
					roomID, err := svc.CreateRoom(cmd.Context())
					if err != nil {
						return fmt.Errorf("create room: %w", err)
					}
					fmt.Fprintln(cmd.OutOrStdout(), roomID)
					return nil
				})
			},
		},
		&cobra.Command{
			Use:   "join <room> <user>",
			Short: "Add a user to a room",
			Args:  cobra.ExactArgs(2),
			RunE: func(cmd *cobra.Command, args []string) error {
				return withService(opts, func(svc *core.Service) error {
					if err := svc.AddUserToRoom(cmd.Context(), args[1], args[0]); err != nil {
						return fmt.Errorf("join %s to %s: %w", args[1], args[0], err)
					}
					return nil
				})
			},
		},
		&cobra.Command{
			Use:   "leave <room> <user>",
			Short: "Remove a user from a room; an emptied room is deleted",
			Args:  cobra.ExactArgs(2),
			RunE: func(cmd *cobra.Command, args []string) error {
				return withService(opts, func(svc *core.Service) error {
					if err := svc.RemoveUserFromRoom(cmd.Context(), args[1], args[0]); err != nil {
						return fmt.Errorf("remove %s from %s: %w", args[1], args[0], err)
					}
					return nil
				})
			},
		},
	)
	return cmd
}
