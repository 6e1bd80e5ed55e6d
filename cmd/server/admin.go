package main

import (
	"context"
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/vovakirdan/wirecall/internal/config"
	"github.com/vovakirdan/wirecall/internal/store"
	"github.com/vovakirdan/wirecall/internal/store/sqlite"
)

// Users and rooms normally belong to the chat application sharing the
// database. These commands seed them for local setups.

func openStore(configPath string) (*sqlite.SQLiteStore, error) {
	cfg, _, err := config.Load(nil, configPath)
	if err != nil {
		return nil, err
	}
	st, err := sqlite.New(cfg.DatabasePath, nil)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	return st, nil
}

func parseID(arg, what string) (int64, error) {
	id, err := strconv.ParseInt(arg, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid %s id %q", what, arg)
	}
	return id, nil
}

func newUserCmd(configPath *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "user",
		Short: "Manage users",
	}

	var sound string
	create := &cobra.Command{
		Use:   "create NAME",
		Short: "Create a user and print its id",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := openStore(*configPath)
			if err != nil {
				return err
			}
			defer st.Close()

			user, err := st.CreateUser(context.Background(), args[0], sound)
			if err != nil {
				return fmt.Errorf("create user: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), user.ID)
			return nil
		},
	}
	create.Flags().StringVar(&sound, "sound", "", "entrance sound file name")

	cmd.AddCommand(create)
	return cmd
}

func newRoomCmd(configPath *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "room",
		Short: "Manage rooms and memberships",
	}

	var ownerID int64
	create := &cobra.Command{
		Use:   "create NAME",
		Short: "Create a room and print its id",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := openStore(*configPath)
			if err != nil {
				return err
			}
			defer st.Close()

			var owner *int64
			if ownerID > 0 {
				owner = &ownerID
			}
			room, err := st.CreateRoom(context.Background(), args[0], owner)
			if err != nil {
				return fmt.Errorf("create room: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), room.ID)
			return nil
		},
	}
	create.Flags().Int64Var(&ownerID, "owner", 0, "owner user id")

	var role string
	addMember := &cobra.Command{
		Use:   "add-member ROOM_ID USER_ID",
		Short: "Add a user to a room",
		Args:  cobra.ExactArgs(2),
		RunE: func(_ *cobra.Command, args []string) error {
			roomID, err := parseID(args[0], "room")
			if err != nil {
				return err
			}
			userID, err := parseID(args[1], "user")
			if err != nil {
				return err
			}
			switch store.RoomRole(role) {
			case store.RoomRoleMember, store.RoomRoleModerator:
			default:
				return fmt.Errorf("invalid role %q", role)
			}

			st, err := openStore(*configPath)
			if err != nil {
				return err
			}
			defer st.Close()

			if err := st.AddMember(context.Background(), userID, roomID, store.RoomRole(role)); err != nil {
				return fmt.Errorf("add member: %w", err)
			}
			return nil
		},
	}
	addMember.Flags().StringVar(&role, "role", string(store.RoomRoleMember), "member or moderator")

	cmd.AddCommand(create, addMember)
	return cmd
}
