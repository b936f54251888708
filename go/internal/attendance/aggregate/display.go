package aggregate

import (
	"slices"
	"strings"

	"github.com/mcdev12/rollcall/go/internal/models"
)

// SelfLabel replaces the viewer's own name in a breakdown.
const SelfLabel = "You"

// BreakdownEntry is one line of a personalised headcount breakdown.
type BreakdownEntry struct {
	UserID string `json:"userId"`
	Label  string `json:"label"`
	Count  int    `json:"count"`
	Self   bool   `json:"self"`
}

// HeadcountDisplay is what a viewer is shown for a headcount room.
type HeadcountDisplay struct {
	Total         int              `json:"total"`
	ShowBreakdown bool             `json:"showBreakdown"`
	Breakdown     []BreakdownEntry `json:"breakdown,omitempty"`
}

// Present renders contributions for viewerUserID: the viewer's own entry is
// relabeled and placed first, everyone else follows alphabetically. With a
// single contributor only the total is shown.
func Present(contributions []models.Contribution, viewerUserID string) HeadcountDisplay {
	d := HeadcountDisplay{}
	for _, c := range contributions {
		d.Total += c.Count
	}
	if len(contributions) <= 1 {
		return d
	}

	d.ShowBreakdown = true
	d.Breakdown = make([]BreakdownEntry, 0, len(contributions))
	for _, c := range contributions {
		entry := BreakdownEntry{UserID: c.UserID, Label: c.UserName, Count: c.Count}
		if entry.Label == "" {
			entry.Label = c.UserID
		}
		if c.UserID == viewerUserID {
			entry.Label = SelfLabel
			entry.Self = true
		}
		d.Breakdown = append(d.Breakdown, entry)
	}
	slices.SortStableFunc(d.Breakdown, func(a, b BreakdownEntry) int {
		switch {
		case a.Self && !b.Self:
			return -1
		case b.Self && !a.Self:
			return 1
		}
		if c := strings.Compare(strings.ToLower(a.Label), strings.ToLower(b.Label)); c != 0 {
			return c
		}
		return strings.Compare(a.UserID, b.UserID)
	})
	return d
}
