package events

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Message is the envelope for every frame exchanged over a session.
type Message struct {
	ID        string          `json:"id,omitempty"` // Request correlation id
	Type      MessageType     `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data,omitempty"`
	Error     *Error          `json:"error,omitempty"`
}

// MessageType represents the type of a session frame
type MessageType string

const (
	// Client → server requests, each answered with an ack carrying the same id.
	TypeJoinRoom         MessageType = "join_room"
	TypeLeaveRoom        MessageType = "leave_room"
	TypeRecordAttendance MessageType = "record_attendance"
	TypeUpdateHeadcount  MessageType = "update_headcount"
	TypeLoadAttendance   MessageType = "load_attendance"
	TypeAddVisitor       MessageType = "add_visitor"
	TypeRemoveVisitor    MessageType = "remove_visitor"

	// Server → client.
	TypeAck               MessageType = "ack"
	TypeHeadcountChanged  MessageType = "headcount_changed"
	TypeAttendanceChanged MessageType = "attendance_changed"
	TypeVisitorChanged    MessageType = "visitor_changed"
	TypeViewersChanged    MessageType = "viewers_changed"
)

// IsBroadcast reports whether frames of this type are room broadcasts.
func (t MessageType) IsBroadcast() bool {
	switch t {
	case TypeHeadcountChanged, TypeAttendanceChanged, TypeVisitorChanged, TypeViewersChanged:
		return true
	}
	return false
}

// NewRequest builds a client request with a fresh correlation id.
func NewRequest(t MessageType, payload any, now time.Time) (*Message, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal %s payload: %w", t, err)
	}
	return &Message{
		ID:        uuid.NewString(),
		Type:      t,
		Timestamp: now,
		Data:      data,
	}, nil
}

// NewAck answers the request identified by requestID.
func NewAck(requestID string, payload any, now time.Time) (*Message, error) {
	msg := &Message{ID: requestID, Type: TypeAck, Timestamp: now}
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("marshal ack payload: %w", err)
		}
		msg.Data = data
	}
	return msg, nil
}

// NewErrorAck answers the request identified by requestID with a failure.
func NewErrorAck(requestID string, err *Error, now time.Time) *Message {
	return &Message{ID: requestID, Type: TypeAck, Timestamp: now, Error: err}
}

// NewBroadcast builds a server broadcast frame.
func NewBroadcast(t MessageType, payload any, now time.Time) (*Message, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal %s payload: %w", t, err)
	}
	return &Message{Type: t, Timestamp: now, Data: data}, nil
}

// Decode unmarshals the message data into out.
func (m *Message) Decode(out any) error {
	if len(m.Data) == 0 {
		return fmt.Errorf("%s message has no data", m.Type)
	}
	if err := json.Unmarshal(m.Data, out); err != nil {
		return fmt.Errorf("unmarshal %s payload: %w", m.Type, err)
	}
	return nil
}
