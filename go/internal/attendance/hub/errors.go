package hub

import (
	"errors"

	"github.com/mcdev12/rollcall/go/internal/attendance/aggregate"
	"github.com/mcdev12/rollcall/go/internal/attendance/events"
	"github.com/mcdev12/rollcall/go/internal/attendance/store"
	"github.com/mcdev12/rollcall/go/internal/models"
)

var (
	ErrNotJoined   = errors.New("session has not joined this room")
	ErrUnknownUser = errors.New("target user not found")
)

// WireError maps an engine error to the code reported to the issuing
// session. Unknown errors are reported as internal without their details.
func WireError(err error) *events.Error {
	var wireErr *events.Error
	switch {
	case err == nil:
		return nil
	case errors.As(err, &wireErr):
		return wireErr
	case errors.Is(err, aggregate.ErrPermissionDenied):
		return events.NewError(events.CodePermissionDenied, "%s", err.Error())
	case errors.Is(err, ErrNotJoined):
		return events.NewError(events.CodeNotJoined, "%s", err.Error())
	case errors.Is(err, store.ErrGatheringNotFound),
		errors.Is(err, store.ErrVisitorNotFound),
		errors.Is(err, aggregate.ErrUnknownVisitor):
		return events.NewError(events.CodeNotFound, "%s", err.Error())
	case errors.Is(err, aggregate.ErrInvalidCount),
		errors.Is(err, aggregate.ErrWrongRoomKind),
		errors.Is(err, aggregate.ErrUnknownIndividual),
		errors.Is(err, aggregate.ErrInvalidVisitor),
		errors.Is(err, aggregate.ErrNoChanges),
		errors.Is(err, models.ErrInvalidRoomKey),
		errors.Is(err, ErrUnknownUser):
		return events.NewError(events.CodeValidation, "%s", err.Error())
	default:
		return events.NewError(events.CodeInternal, "internal error")
	}
}
