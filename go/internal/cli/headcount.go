package cli

import (
	"context"
	"fmt"
	"strconv"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/mcdev12/rollcall/go/clients/session"
	"github.com/mcdev12/rollcall/go/internal/models"
)

// HeadcountOptions holds flags for the headcount command.
type HeadcountOptions struct {
	ClientOptions
	For string
}

// NewHeadcountCommand creates the headcount command.
func NewHeadcountCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &HeadcountOptions{ClientOptions: ClientOptions{RootOptions: rootOpts}}

	cmd := &cobra.Command{
		Use:   "headcount <gatheringId:date> <count>",
		Short: "Set a headcount contribution",
		Long: `Set your headcount contribution for a gathering occurrence, or another
user's with --for (admins and coordinators only). The value is written to the
offline queue first; when the gateway cannot be reached it is replayed by the
next client command that opens the room.`,
		Args:          cobra.ExactArgs(2),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			key, err := parseRoomArg(args[0])
			if err != nil {
				return err
			}
			count, err := strconv.Atoi(args[1])
			if err != nil {
				return fmt.Errorf("count must be a whole number: %w", err)
			}

			rt, err := openClient(&opts.ClientOptions)
			if err != nil {
				return err
			}
			defer rt.Close()

			return runEdit(cmd.Context(), rt, cmd, key, func(ctx context.Context) error {
				return rt.rec.SetHeadcount(ctx, key, opts.For, count)
			})
		},
	}

	addClientFlags(cmd, &opts.ClientOptions)
	cmd.Flags().StringVar(&opts.For, "for", "", "user whose contribution to set (defaults to you)")

	return cmd
}

// runEdit opens the room, applies edit and prints the room once the edit has
// settled. When the session is not connected the edit stays queued.
func runEdit(ctx context.Context, rt *clientRuntime, cmd *cobra.Command, key models.RoomKey, edit func(context.Context) error) error {
	st := rt.connect(ctx)
	if _, err := rt.rec.Open(ctx, key); err != nil {
		return fmt.Errorf("open room %s: %w", key, err)
	}

	if err := edit(ctx); err != nil {
		return err
	}

	out := NewOutputFormatter(rt.opts.Format, cmd.OutOrStdout())
	if st.State != session.StateConnected {
		log.Warn().Str("room", key.String()).Msg("change queued for replay")
		view, _ := rt.rec.View(key)
		return out.View(view, rt.opts.UserID)
	}
	return out.View(rt.awaitSettled(ctx, key), rt.opts.UserID)
}
