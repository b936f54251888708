package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/mcdev12/rollcall/go/clients/session"
)

// NewWatchCommand creates the watch command.
func NewWatchCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ClientOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "watch <gatheringId:date>",
		Short: "Follow a room live",
		Long: `Join a room and print it every time it changes. The connection is
retried with backoff when it drops; queued changes from earlier runs are
replayed once the room is joined. Stop with Ctrl-C.`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			key, err := parseRoomArg(args[0])
			if err != nil {
				return err
			}

			ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer cancel()

			rt, err := openClient(opts)
			if err != nil {
				return err
			}
			defer rt.Close()

			go logStatus(ctx, rt.session)
			rt.connect(ctx)

			out := NewOutputFormatter(opts.Format, cmd.OutOrStdout())
			view, err := rt.rec.Open(ctx, key)
			if err != nil {
				return fmt.Errorf("open room %s: %w", key, err)
			}
			if err := out.View(view, opts.UserID); err != nil {
				return err
			}

			for {
				select {
				case changed := <-rt.rec.Changes():
					if changed != key {
						continue
					}
					view, ok := rt.rec.View(key)
					if !ok {
						return nil
					}
					if err := out.View(view, opts.UserID); err != nil {
						return err
					}
				case <-ctx.Done():
					return nil
				}
			}
		},
	}

	addClientFlags(cmd, opts)

	return cmd
}

// logStatus logs session state changes until ctx is done.
func logStatus(ctx context.Context, s *session.Session) {
	watch := s.WatchStatus(ctx)
	defer watch.Close()
	for st := range watch.C {
		ev := log.Info()
		if st.Err != nil {
			ev = log.Warn().Err(st.Err)
		}
		ev.Str("state", string(st.State)).
			Bool("offline_mode", st.OfflineMode).
			Int("attempt", st.Attempt).
			Msg("session status")
		if errors.Is(st.Err, session.ErrReauthenticationRequired) {
			log.Error().Msg("token rejected; issue a new one with rollcall token")
		}
	}
}
