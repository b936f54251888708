// Package store is the storage collaborator of the attendance engine. Storage
// is the source of truth when a room is (re)loaded and the write target of
// every accepted mutation.
package store

import (
	"context"
	"errors"

	"github.com/mcdev12/rollcall/go/internal/models"
)

var (
	ErrGatheringNotFound = errors.New("gathering not found")
	ErrUserNotFound      = errors.New("user not found")
	ErrVisitorNotFound   = errors.New("visitor not found")
)

// Store loads and saves room state scoped to a tenant.
type Store interface {
	// LoadRoom returns the stored state of a room. Viewers and ServerTime are
	// left empty.
	LoadRoom(ctx context.Context, tenantID string, key models.RoomKey) (models.RoomSnapshot, error)
	SaveContribution(ctx context.Context, tenantID string, key models.RoomKey, c models.Contribution) error
	SaveMarks(ctx context.Context, tenantID string, key models.RoomKey, marks []models.AttendanceMark) error
	SaveVisitor(ctx context.Context, tenantID string, key models.RoomKey, v models.Visitor) error
	DeleteVisitor(ctx context.Context, tenantID string, key models.RoomKey, visitorID string) error
	// LookupIdentity returns the server's record of a user.
	LookupIdentity(ctx context.Context, tenantID, userID string) (models.Identity, error)
	Ping(ctx context.Context) error
}
