// Package aggregate holds the in-memory attendance state of one room and the
// rules for changing it. It does no I/O and no locking; callers serialize
// access per room.
package aggregate

import (
	"cmp"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/mcdev12/rollcall/go/internal/models"
)

const maxVisitorNameLength = 200

var (
	ErrInvalidCount      = errors.New("count must not be negative")
	ErrWrongRoomKind     = errors.New("operation not supported for this gathering kind")
	ErrPermissionDenied  = errors.New("permission denied")
	ErrUnknownIndividual = errors.New("individual is not a member of this gathering")
	ErrUnknownVisitor    = errors.New("visitor not found")
	ErrInvalidVisitor    = errors.New("invalid visitor")
	ErrNoChanges         = errors.New("no changes requested")
)

// Room is the aggregated state of one gathering occurrence.
type Room struct {
	key               models.RoomKey
	kind              models.GatheringKind
	contributions     map[string]models.Contribution
	marks             map[int64]models.AttendanceMark
	roster            map[int64]struct{}
	visitors          []models.Visitor
	visitorsUpdatedAt time.Time
}

// New builds a room from a storage snapshot.
func New(snapshot models.RoomSnapshot) *Room {
	r := &Room{
		key:               snapshot.RoomKey,
		kind:              snapshot.Kind,
		contributions:     make(map[string]models.Contribution, len(snapshot.Contributions)),
		marks:             make(map[int64]models.AttendanceMark, len(snapshot.Marks)),
		roster:            make(map[int64]struct{}, len(snapshot.Roster)),
		visitors:          slices.Clone(snapshot.Visitors),
		visitorsUpdatedAt: snapshot.VisitorsUpdatedAt,
	}
	for _, c := range snapshot.Contributions {
		r.contributions[c.UserID] = c
	}
	for _, m := range snapshot.Marks {
		r.marks[m.IndividualID] = m
	}
	for _, id := range snapshot.Roster {
		r.roster[id] = struct{}{}
	}
	return r
}

func (r *Room) Key() models.RoomKey { return r.key }

func (r *Room) Kind() models.GatheringKind { return r.kind }

// Total is the sum of every contribution in the room.
func (r *Room) Total() int {
	total := 0
	for _, c := range r.contributions {
		total += c.Count
	}
	return total
}

// Contributions returns the contributions ordered by user id.
func (r *Room) Contributions() []models.Contribution {
	out := make([]models.Contribution, 0, len(r.contributions))
	for _, c := range r.contributions {
		out = append(out, c)
	}
	slices.SortFunc(out, func(a, b models.Contribution) int {
		return strings.Compare(a.UserID, b.UserID)
	})
	return out
}

// Marks returns the current marks ordered by individual id.
func (r *Room) Marks() []models.AttendanceMark {
	out := make([]models.AttendanceMark, 0, len(r.marks))
	for _, m := range r.marks {
		out = append(out, m)
	}
	slices.SortFunc(out, func(a, b models.AttendanceMark) int {
		return cmp.Compare(a.IndividualID, b.IndividualID)
	})
	return out
}

// Visitors returns the visitors in the order they were added.
func (r *Room) Visitors() []models.Visitor {
	return slices.Clone(r.visitors)
}

// VisitorsUpdatedAt is the server time of the last visitor list change.
func (r *Room) VisitorsUpdatedAt() time.Time {
	return r.visitorsUpdatedAt
}

// Snapshot returns the room state. Viewers and ServerTime are left for the
// caller to fill in.
func (r *Room) Snapshot() models.RoomSnapshot {
	roster := make([]int64, 0, len(r.roster))
	for id := range r.roster {
		roster = append(roster, id)
	}
	slices.Sort(roster)
	return models.RoomSnapshot{
		RoomKey:           r.key,
		Kind:              r.kind,
		Contributions:     r.Contributions(),
		Total:             r.Total(),
		Marks:             r.Marks(),
		Roster:            roster,
		Visitors:          r.Visitors(),
		VisitorsUpdatedAt: r.visitorsUpdatedAt,
	}
}

// PlanContribution validates a headcount write and returns the contribution
// that would result. changed is false when the target already holds count;
// nothing needs to be stored or broadcast in that case. The room is not
// modified until CommitContribution.
func (r *Room) PlanContribution(actor models.Identity, target models.Identity, count int, now time.Time) (c models.Contribution, changed bool, err error) {
	if r.kind != models.GatheringKindHeadcount {
		return models.Contribution{}, false, fmt.Errorf("update headcount: %w", ErrWrongRoomKind)
	}
	if count < 0 {
		return models.Contribution{}, false, fmt.Errorf("update headcount to %d: %w", count, ErrInvalidCount)
	}
	if target.UserID != actor.UserID && !actor.Role.Elevated() {
		return models.Contribution{}, false, fmt.Errorf("%s editing contribution of %s: %w", actor.UserID, target.UserID, ErrPermissionDenied)
	}
	if existing, ok := r.contributions[target.UserID]; ok && existing.Count == count {
		return existing, false, nil
	}
	return models.Contribution{
		UserID:    target.UserID,
		UserName:  target.DisplayName,
		Count:     count,
		UpdatedAt: now,
		UpdatedBy: actor.UserID,
	}, true, nil
}

// CommitContribution stores a planned contribution.
func (r *Room) CommitContribution(c models.Contribution) {
	r.contributions[c.UserID] = c
}

// PlanMarks validates an attendance write and returns only the marks whose
// present value differs from the current one. Later entries for the same
// individual win.
func (r *Room) PlanMarks(actor models.Identity, requested []models.AttendanceMark, now time.Time) ([]models.AttendanceMark, error) {
	if r.kind != models.GatheringKindStandard {
		return nil, fmt.Errorf("record attendance: %w", ErrWrongRoomKind)
	}
	if len(requested) == 0 {
		return nil, fmt.Errorf("record attendance: %w", ErrNoChanges)
	}

	wanted := make(map[int64]bool, len(requested))
	order := make([]int64, 0, len(requested))
	for _, m := range requested {
		if _, ok := r.roster[m.IndividualID]; !ok {
			return nil, fmt.Errorf("record attendance for %d: %w", m.IndividualID, ErrUnknownIndividual)
		}
		if _, seen := wanted[m.IndividualID]; !seen {
			order = append(order, m.IndividualID)
		}
		wanted[m.IndividualID] = m.Present
	}

	var changed []models.AttendanceMark
	for _, id := range order {
		present := wanted[id]
		if current, ok := r.marks[id]; ok && current.Present == present {
			continue
		}
		changed = append(changed, models.AttendanceMark{
			IndividualID: id,
			Present:      present,
			UpdatedAt:    now,
			UpdatedBy:    actor.UserID,
		})
	}
	return changed, nil
}

// CommitMarks stores planned marks.
func (r *Room) CommitMarks(marks []models.AttendanceMark) {
	for _, m := range marks {
		r.marks[m.IndividualID] = m
	}
}

// PlanVisitor validates a new visitor.
func (r *Room) PlanVisitor(actor models.Identity, id, name string, details json.RawMessage, now time.Time) (models.Visitor, error) {
	name = strings.TrimSpace(name)
	if name == "" || len(name) > maxVisitorNameLength {
		return models.Visitor{}, fmt.Errorf("visitor name must be 1-%d characters: %w", maxVisitorNameLength, ErrInvalidVisitor)
	}
	if len(details) > 0 && !json.Valid(details) {
		return models.Visitor{}, fmt.Errorf("visitor details must be JSON: %w", ErrInvalidVisitor)
	}
	return models.Visitor{
		ID:      id,
		Name:    name,
		Details: details,
		AddedAt: now,
		AddedBy: actor.UserID,
	}, nil
}

// CommitVisitor appends a planned visitor.
func (r *Room) CommitVisitor(v models.Visitor) {
	r.visitors = append(r.visitors, v)
	r.visitorsUpdatedAt = v.AddedAt
}

// PlanRemoveVisitor checks that actor may remove the visitor. Only the user
// who added a visitor or an elevated role may remove it.
func (r *Room) PlanRemoveVisitor(actor models.Identity, id string) error {
	idx := r.visitorIndex(id)
	if idx < 0 {
		return fmt.Errorf("remove visitor %s: %w", id, ErrUnknownVisitor)
	}
	if r.visitors[idx].AddedBy != actor.UserID && !actor.Role.Elevated() {
		return fmt.Errorf("remove visitor %s: %w", id, ErrPermissionDenied)
	}
	return nil
}

// CommitRemoveVisitor removes a visitor.
func (r *Room) CommitRemoveVisitor(id string, now time.Time) {
	if idx := r.visitorIndex(id); idx >= 0 {
		r.visitors = slices.Delete(r.visitors, idx, idx+1)
		r.visitorsUpdatedAt = now
	}
}

func (r *Room) visitorIndex(id string) int {
	return slices.IndexFunc(r.visitors, func(v models.Visitor) bool { return v.ID == id })
}
