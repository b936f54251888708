// Package offline persists unconfirmed mutations so they survive a client
// restart and can be replayed after the room is rejoined.
package offline

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/mcdev12/rollcall/go/internal/models"
)

var ErrNotQueued = errors.New("no pending change for target")

// Kind is the kind of value a pending change targets.
type Kind string

const (
	KindHeadcount Kind = "headcount"
	KindMark      Kind = "mark"
)

// Target identifies the value a pending change writes: a user's contribution
// in a headcount room or an individual's mark in a standard room.
type Target struct {
	RoomKey models.RoomKey
	Kind    Kind
	Subject string // target user id, or individual id in decimal
}

func ContributionTarget(key models.RoomKey, userID string) Target {
	return Target{RoomKey: key, Kind: KindHeadcount, Subject: userID}
}

func MarkTarget(key models.RoomKey, individualID int64) Target {
	return Target{RoomKey: key, Kind: KindMark, Subject: strconv.FormatInt(individualID, 10)}
}

// IndividualID returns the individual of a mark target.
func (t Target) IndividualID() (int64, error) {
	if t.Kind != KindMark {
		return 0, fmt.Errorf("target %s is not a mark", t)
	}
	return strconv.ParseInt(t.Subject, 10, 64)
}

func (t Target) String() string {
	return fmt.Sprintf("%s/%s/%s", t.RoomKey, t.Kind, t.Subject)
}

// PendingChange is one queued, unconfirmed mutation. There is at most one
// per owner and target; a newer edit of the same target replaces the
// intended value but keeps the original base.
type PendingChange struct {
	ID     string
	Owner  string
	Target Target

	Count   int  // intended count, headcount targets
	Present bool // intended mark, mark targets

	// BaseUpdatedAt is the authoritative timestamp of the target when the
	// first queued edit was made, or the snapshot time when the target had
	// no value. Zero when no snapshot had been loaded yet.
	BaseUpdatedAt time.Time
	QueuedAt      time.Time
	Attempts      int
	// RequestID is the id of the last request that carried this change.
	RequestID string
}

// Queue stores pending changes. Implementations are safe for concurrent use.
type Queue interface {
	// Enqueue stores c, coalescing with an existing change for the same
	// owner and target, and returns the stored change.
	Enqueue(ctx context.Context, c PendingChange) (PendingChange, error)
	Get(ctx context.Context, owner string, target Target) (PendingChange, error)
	List(ctx context.Context, owner string, key models.RoomKey) ([]PendingChange, error)
	// Rooms lists the rooms that have pending changes for owner.
	Rooms(ctx context.Context, owner string) ([]models.RoomKey, error)
	// MarkSent records a send attempt carrying requestID.
	MarkSent(ctx context.Context, owner string, target Target, requestID string) error
	// Remove deletes the change for target. Removing a missing change is
	// not an error.
	Remove(ctx context.Context, owner string, target Target) error
	Close() error
}

// Owner scopes queued changes to one signed-in user of one tenant.
func Owner(tenantID, userID string) string {
	return tenantID + "/" + userID
}

func validate(c PendingChange) error {
	if c.Owner == "" {
		return errors.New("pending change has no owner")
	}
	if err := c.Target.RoomKey.Validate(); err != nil {
		return err
	}
	switch c.Target.Kind {
	case KindHeadcount:
		if c.Count < 0 {
			return fmt.Errorf("pending count %d is negative", c.Count)
		}
	case KindMark:
		if _, err := c.Target.IndividualID(); err != nil {
			return fmt.Errorf("invalid mark target %q: %w", c.Target.Subject, err)
		}
	default:
		return fmt.Errorf("unknown pending change kind %q", c.Target.Kind)
	}
	if c.Target.Subject == "" {
		return errors.New("pending change has no subject")
	}
	return nil
}
