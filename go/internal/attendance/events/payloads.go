package events

import (
	"encoding/json"
	"time"

	"github.com/mcdev12/rollcall/go/internal/models"
)

// Request payloads

// Handshake is the identity hint a client presents when connecting.
// The server re-validates it against the bearer token and its own records.
type Handshake struct {
	UserID       string      `json:"userId"`
	TenantID     string      `json:"tenantId"`
	Role         models.Role `json:"role,omitempty"`
	SessionID    string      `json:"sessionId"`
	ConnectionID string      `json:"connectionId"`
}

// RoomRequest is the payload of join_room, leave_room and load_attendance.
type RoomRequest struct {
	RoomKey models.RoomKey `json:"roomKey"`
}

// MarkInput is one requested attendance change.
type MarkInput struct {
	IndividualID int64 `json:"individualId"`
	Present      bool  `json:"present"`
}

// RecordAttendanceRequest is the payload of record_attendance.
type RecordAttendanceRequest struct {
	RoomKey models.RoomKey `json:"roomKey"`
	Marks   []MarkInput    `json:"marks"`
}

// UpdateHeadcountRequest is the payload of update_headcount. TargetUserID
// defaults to the caller.
type UpdateHeadcountRequest struct {
	RoomKey      models.RoomKey `json:"roomKey"`
	Count        int            `json:"count"`
	TargetUserID string         `json:"targetUserId,omitempty"`
}

// AddVisitorRequest is the payload of add_visitor.
type AddVisitorRequest struct {
	RoomKey models.RoomKey  `json:"roomKey"`
	Name    string          `json:"name"`
	Details json.RawMessage `json:"details,omitempty"`
}

// RemoveVisitorRequest is the payload of remove_visitor.
type RemoveVisitorRequest struct {
	RoomKey   models.RoomKey `json:"roomKey"`
	VisitorID string         `json:"visitorId"`
}

// Broadcast payloads

// Origin identifies the session request that caused a broadcast. It is empty
// for changes that came from storage or another gateway instance.
type Origin struct {
	SessionID string `json:"sessionId,omitempty"`
	RequestID string `json:"requestId,omitempty"`
}

// HeadcountChangedPayload is the payload of headcount_changed and of the
// update_headcount ack.
type HeadcountChangedPayload struct {
	RoomKey       models.RoomKey        `json:"roomKey"`
	Total         int                   `json:"total"`
	Contributions []models.Contribution `json:"contributions"`
	TargetUserID  string                `json:"targetUserId,omitempty"`
	UpdatedAt     time.Time             `json:"updatedAt"`
	UpdatedBy     string                `json:"updatedBy"`
	Origin        Origin                `json:"origin"`
}

// AttendanceChangedPayload is the payload of attendance_changed and of the
// record_attendance ack.
type AttendanceChangedPayload struct {
	RoomKey   models.RoomKey          `json:"roomKey"`
	Marks     []models.AttendanceMark `json:"marks"`
	UpdatedAt time.Time               `json:"updatedAt"`
	UpdatedBy string                  `json:"updatedBy"`
	Origin    Origin                  `json:"origin"`
}

// VisitorChangedPayload is the payload of visitor_changed.
type VisitorChangedPayload struct {
	RoomKey   models.RoomKey   `json:"roomKey"`
	Visitors  []models.Visitor `json:"visitors"`
	UpdatedAt time.Time        `json:"updatedAt"`
	UpdatedBy string           `json:"updatedBy"`
	Origin    Origin           `json:"origin"`
}

// ViewersChangedPayload is the payload of viewers_changed.
type ViewersChangedPayload struct {
	RoomKey models.RoomKey  `json:"roomKey"`
	Viewers []models.Viewer `json:"viewers"`
}

// ParseEventPayload parses broadcast data into the appropriate payload struct
func ParseEventPayload(msg *Message) (any, error) {
	switch msg.Type {
	case TypeHeadcountChanged:
		var payload HeadcountChangedPayload
		if err := msg.Decode(&payload); err != nil {
			return nil, err
		}
		return payload, nil

	case TypeAttendanceChanged:
		var payload AttendanceChangedPayload
		if err := msg.Decode(&payload); err != nil {
			return nil, err
		}
		return payload, nil

	case TypeVisitorChanged:
		var payload VisitorChangedPayload
		if err := msg.Decode(&payload); err != nil {
			return nil, err
		}
		return payload, nil

	case TypeViewersChanged:
		var payload ViewersChangedPayload
		if err := msg.Decode(&payload); err != nil {
			return nil, err
		}
		return payload, nil

	default:
		return nil, nil // Not a broadcast
	}
}

// RoomKeyOf extracts the room key carried by a broadcast, if any.
func RoomKeyOf(msg *Message) (models.RoomKey, bool) {
	if !msg.Type.IsBroadcast() {
		return models.RoomKey{}, false
	}
	var probe struct {
		RoomKey models.RoomKey `json:"roomKey"`
	}
	if err := msg.Decode(&probe); err != nil {
		return models.RoomKey{}, false
	}
	return probe.RoomKey, true
}
