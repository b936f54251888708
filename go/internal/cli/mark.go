package cli

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/mcdev12/rollcall/go/internal/attendance/events"
)

// NewMarkCommand creates the mark command.
func NewMarkCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ClientOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "mark <gatheringId:date> <individualId>=<present|absent>...",
		Short: "Record attendance for individuals",
		Long: `Record attendance for members of a standard gathering. Each mark is
queued and confirmed on its own, so a partially applied batch shows which
marks are still pending.`,
		Example:       "  rollcall mark 2:2026-10-11 101=present 102=absent",
		Args:          cobra.MinimumNArgs(2),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			key, err := parseRoomArg(args[0])
			if err != nil {
				return err
			}
			marks, err := parseMarks(args[1:])
			if err != nil {
				return err
			}

			rt, err := openClient(opts)
			if err != nil {
				return err
			}
			defer rt.Close()

			return runEdit(cmd.Context(), rt, cmd, key, func(ctx context.Context) error {
				return rt.rec.SetMarks(ctx, key, marks)
			})
		},
	}

	addClientFlags(cmd, opts)

	return cmd
}

func parseMarks(args []string) ([]events.MarkInput, error) {
	marks := make([]events.MarkInput, 0, len(args))
	for _, arg := range args {
		id, state, ok := strings.Cut(arg, "=")
		if !ok {
			return nil, fmt.Errorf("mark %q must be <individualId>=<present|absent>", arg)
		}
		individualID, err := strconv.ParseInt(id, 10, 64)
		if err != nil || individualID <= 0 {
			return nil, fmt.Errorf("invalid individual id %q", id)
		}
		var present bool
		switch strings.ToLower(state) {
		case "present", "p", "yes", "true":
			present = true
		case "absent", "a", "no", "false":
		default:
			return nil, fmt.Errorf("invalid attendance %q for individual %d", state, individualID)
		}
		marks = append(marks, events.MarkInput{IndividualID: individualID, Present: present})
	}
	return marks, nil
}
