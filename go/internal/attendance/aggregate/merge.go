package aggregate

import (
	"slices"
	"time"

	"github.com/mcdev12/rollcall/go/internal/models"
)

// Diff describes what changed when a room adopted new state.
type Diff struct {
	Contributions bool
	Marks         []models.AttendanceMark
	Visitors      bool
}

// Empty reports whether nothing changed.
func (d Diff) Empty() bool {
	return !d.Contributions && len(d.Marks) == 0 && !d.Visitors
}

// Replace adopts a fresh storage snapshot wholesale and reports the
// differences from the previous state. Storage is authoritative here, so no
// timestamp comparison is made.
func (r *Room) Replace(snapshot models.RoomSnapshot) Diff {
	fresh := New(snapshot)
	var d Diff

	if len(fresh.contributions) != len(r.contributions) {
		d.Contributions = true
	} else {
		for id, c := range fresh.contributions {
			if old, ok := r.contributions[id]; !ok || old.Count != c.Count {
				d.Contributions = true
				break
			}
		}
	}

	for _, m := range fresh.Marks() {
		if old, ok := r.marks[m.IndividualID]; !ok || old.Present != m.Present {
			d.Marks = append(d.Marks, m)
		}
	}

	d.Visitors = !sameVisitors(r.visitors, fresh.visitors)

	r.kind = fresh.kind
	r.contributions = fresh.contributions
	r.marks = fresh.marks
	r.roster = fresh.roster
	r.visitors = fresh.visitors
	if d.Visitors || fresh.visitorsUpdatedAt.After(r.visitorsUpdatedAt) {
		r.visitorsUpdatedAt = fresh.visitorsUpdatedAt
	}
	return d
}

// MergeContributions applies remote contributions that are newer than the
// local ones. It reports whether anything changed.
func (r *Room) MergeContributions(remote []models.Contribution) bool {
	changed := false
	for _, c := range remote {
		if old, ok := r.contributions[c.UserID]; ok && !c.UpdatedAt.After(old.UpdatedAt) {
			continue
		}
		r.contributions[c.UserID] = c
		changed = true
	}
	return changed
}

// MergeMarks applies remote marks that are newer than the local ones and
// returns the marks that were adopted.
func (r *Room) MergeMarks(remote []models.AttendanceMark) []models.AttendanceMark {
	var adopted []models.AttendanceMark
	for _, m := range remote {
		if old, ok := r.marks[m.IndividualID]; ok && !m.UpdatedAt.After(old.UpdatedAt) {
			continue
		}
		r.marks[m.IndividualID] = m
		r.roster[m.IndividualID] = struct{}{}
		adopted = append(adopted, m)
	}
	return adopted
}

// MergeVisitors replaces the visitor list when the remote list is newer.
func (r *Room) MergeVisitors(remote []models.Visitor, updatedAt time.Time) bool {
	if !updatedAt.After(r.visitorsUpdatedAt) {
		return false
	}
	r.visitors = slices.Clone(remote)
	r.visitorsUpdatedAt = updatedAt
	return true
}

func sameVisitors(a, b []models.Visitor) bool {
	return slices.EqualFunc(a, b, func(x, y models.Visitor) bool {
		return x.ID == y.ID && x.Name == y.Name
	})
}
