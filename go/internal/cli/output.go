package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"slices"
	"strings"
	"text/tabwriter"

	"github.com/mcdev12/rollcall/go/clients/offline"
	"github.com/mcdev12/rollcall/go/clients/reconciler"
	"github.com/mcdev12/rollcall/go/internal/attendance/aggregate"
	"github.com/mcdev12/rollcall/go/internal/attendance/hub"
	"github.com/mcdev12/rollcall/go/internal/models"
)

// OutputFormatter handles JSON vs text output for CLI commands.
type OutputFormatter struct {
	Format string
	Writer io.Writer
}

func NewOutputFormatter(format string, w io.Writer) *OutputFormatter {
	return &OutputFormatter{Format: format, Writer: w}
}

func (f *OutputFormatter) json(v any) error {
	enc := json.NewEncoder(f.Writer)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

type viewOutput struct {
	RoomKey      string                     `json:"roomKey"`
	Kind         models.GatheringKind       `json:"kind,omitempty"`
	Loaded       bool                       `json:"loaded"`
	Headcount    aggregate.HeadcountDisplay `json:"headcount"`
	Marks        []markOutput               `json:"marks,omitempty"`
	Visitors     []models.Visitor           `json:"visitors,omitempty"`
	OtherViewers []models.Viewer            `json:"otherViewers,omitempty"`
	Unconfirmed  []string                   `json:"unconfirmed,omitempty"`
}

type markOutput struct {
	IndividualID int64                 `json:"individualId"`
	Present      bool                  `json:"present"`
	State        reconciler.ValueState `json:"state"`
}

// View writes the display state of a room.
func (f *OutputFormatter) View(v reconciler.View, userID string) error {
	out := viewOutput{
		RoomKey:      v.RoomKey.String(),
		Kind:         v.Kind,
		Loaded:       v.Loaded,
		Headcount:    v.Headcount,
		Visitors:     v.Visitors,
		OtherViewers: v.OtherViewers,
	}
	for _, m := range v.Marks {
		out.Marks = append(out.Marks, markOutput{
			IndividualID: m.IndividualID,
			Present:      m.Present,
			State:        v.State(offline.MarkTarget(v.RoomKey, m.IndividualID)),
		})
	}
	for target, state := range v.States {
		if state != reconciler.StateConfirmed {
			out.Unconfirmed = append(out.Unconfirmed, target.String()+" "+string(state))
		}
	}
	slices.Sort(out.Unconfirmed)

	if f.Format == "json" {
		return f.json(out)
	}

	tw := tabwriter.NewWriter(f.Writer, 0, 4, 2, ' ', 0)
	fmt.Fprintf(tw, "room %s", out.RoomKey)
	if out.Kind != "" {
		fmt.Fprintf(tw, " (%s)", out.Kind)
	}
	if !out.Loaded {
		fmt.Fprint(tw, " [not loaded]")
	}
	fmt.Fprintln(tw)

	if v.Kind != models.GatheringKindStandard {
		fmt.Fprintf(tw, "total\t%d\n", v.Headcount.Total)
		if v.Headcount.ShowBreakdown {
			for _, e := range v.Headcount.Breakdown {
				state := v.State(offline.ContributionTarget(v.RoomKey, e.UserID))
				fmt.Fprintf(tw, "  %s\t%d\t%s\n", e.Label, e.Count, state)
			}
		} else {
			state := v.State(offline.ContributionTarget(v.RoomKey, userID))
			fmt.Fprintf(tw, "  %s\t%s\n", aggregate.SelfLabel, state)
		}
	}
	for _, m := range out.Marks {
		present := "absent"
		if m.Present {
			present = "present"
		}
		fmt.Fprintf(tw, "  #%d\t%s\t%s\n", m.IndividualID, present, m.State)
	}
	if len(out.Visitors) > 0 {
		fmt.Fprintf(tw, "visitors\t%d\n", len(out.Visitors))
	}
	if len(out.OtherViewers) > 0 {
		names := make([]string, 0, len(out.OtherViewers))
		for _, viewer := range out.OtherViewers {
			names = append(names, viewerName(viewer))
		}
		fmt.Fprintf(tw, "also viewing\t%s\n", strings.Join(names, ", "))
	}
	return tw.Flush()
}

// Snapshot writes an authoritative room snapshot.
func (f *OutputFormatter) Snapshot(s models.RoomSnapshot) error {
	if f.Format == "json" {
		return f.json(s)
	}
	tw := tabwriter.NewWriter(f.Writer, 0, 4, 2, ' ', 0)
	fmt.Fprintf(tw, "room %s (%s)\n", s.RoomKey, s.Kind)
	if s.Kind == models.GatheringKindHeadcount {
		fmt.Fprintf(tw, "total\t%d\n", s.Total)
		for _, c := range s.Contributions {
			name := c.UserName
			if name == "" {
				name = c.UserID
			}
			fmt.Fprintf(tw, "  %s\t%d\t%s\n", name, c.Count, c.UpdatedAt.Format("15:04:05"))
		}
	}
	for _, m := range s.Marks {
		present := "absent"
		if m.Present {
			present = "present"
		}
		fmt.Fprintf(tw, "  #%d\t%s\n", m.IndividualID, present)
	}
	fmt.Fprintf(tw, "visitors\t%d\n", len(s.Visitors))
	fmt.Fprintf(tw, "viewers\t%d\n", len(s.Viewers))
	return tw.Flush()
}

// Rooms writes the active rooms of a tenant.
func (f *OutputFormatter) Rooms(rooms []hub.RoomInfo) error {
	if f.Format == "json" {
		return f.json(rooms)
	}
	if len(rooms) == 0 {
		_, err := fmt.Fprintln(f.Writer, "no active rooms")
		return err
	}
	tw := tabwriter.NewWriter(f.Writer, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ROOM\tVIEWERS")
	for _, r := range rooms {
		names := make([]string, 0, len(r.Viewers))
		for _, v := range r.Viewers {
			names = append(names, viewerName(v))
		}
		fmt.Fprintf(tw, "%s\t%s\n", r.RoomKey, strings.Join(names, ", "))
	}
	return tw.Flush()
}

func viewerName(v models.Viewer) string {
	if v.UserName != "" {
		return v.UserName
	}
	return v.UserID
}
