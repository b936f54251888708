package cli

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/spf13/cobra"

	"github.com/mcdev12/rollcall/go/internal/attendance/gateway"
)

func newStateClient(opts *ClientOptions) (*gateway.StateClient, error) {
	if opts.Token == "" {
		return nil, errors.New("--token is required (see rollcall token)")
	}
	httpClient := &http.Client{Timeout: opts.Timeout}
	return gateway.NewStateClient(httpClient, opts.Server, opts.Token), nil
}

// NewSnapshotCommand creates the snapshot command.
func NewSnapshotCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ClientOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "snapshot <gatheringId:date>",
		Short: "Print the authoritative state of a room",
		Long: `Fetch a room snapshot from the gateway's state service without joining
the room.`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			key, err := parseRoomArg(args[0])
			if err != nil {
				return err
			}
			client, err := newStateClient(opts)
			if err != nil {
				return err
			}
			snap, err := client.GetRoomSnapshot(cmd.Context(), key)
			if err != nil {
				return fmt.Errorf("get snapshot: %w", err)
			}
			return NewOutputFormatter(opts.Format, cmd.OutOrStdout()).Snapshot(snap)
		},
	}

	addStateFlags(cmd, opts)

	return cmd
}

// NewRoomsCommand creates the rooms command.
func NewRoomsCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ClientOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:           "rooms",
		Short:         "List rooms with active viewers",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := newStateClient(opts)
			if err != nil {
				return err
			}
			rooms, err := client.ListActiveRooms(cmd.Context())
			if err != nil {
				return fmt.Errorf("list active rooms: %w", err)
			}
			return NewOutputFormatter(opts.Format, cmd.OutOrStdout()).Rooms(rooms)
		},
	}

	addStateFlags(cmd, opts)

	return cmd
}

func addStateFlags(cmd *cobra.Command, opts *ClientOptions) {
	cmd.Flags().StringVar(&opts.Server, "server", envOr("ROLLCALL_SERVER", "http://localhost:8081"), "gateway base URL")
	cmd.Flags().StringVar(&opts.Token, "token", envOr("ROLLCALL_TOKEN", ""), "access token")
	cmd.Flags().DurationVar(&opts.Timeout, "timeout", 10*time.Second, "request timeout")
}
