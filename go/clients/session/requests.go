package session

import (
	"context"
	"fmt"

	"github.com/mcdev12/rollcall/go/internal/attendance/events"
	"github.com/mcdev12/rollcall/go/internal/models"
)

func decodeAck[T any](ack *events.Message, err error) (T, error) {
	var out T
	if err != nil {
		return out, err
	}
	if err := ack.Decode(&out); err != nil {
		return out, fmt.Errorf("decode %s ack: %w", ack.Type, err)
	}
	return out, nil
}

// Join joins a room and returns its authoritative snapshot.
func (s *Session) Join(ctx context.Context, key models.RoomKey) (models.RoomSnapshot, error) {
	snap, err := decodeAck[models.RoomSnapshot](s.Request(ctx, events.TypeJoinRoom, events.RoomRequest{RoomKey: key}))
	if err != nil {
		return snap, err
	}
	s.setViewers(key, snap.Viewers)
	return snap, nil
}

func (s *Session) Leave(ctx context.Context, key models.RoomKey) error {
	_, err := s.Request(ctx, events.TypeLeaveRoom, events.RoomRequest{RoomKey: key})
	s.clearViewers(key)
	return err
}

// LoadAttendance asks the server to reload the room from storage.
func (s *Session) LoadAttendance(ctx context.Context, key models.RoomKey) (models.RoomSnapshot, error) {
	return decodeAck[models.RoomSnapshot](s.Request(ctx, events.TypeLoadAttendance, events.RoomRequest{RoomKey: key}))
}

func (s *Session) UpdateHeadcount(ctx context.Context, req events.UpdateHeadcountRequest) (events.HeadcountChangedPayload, error) {
	return decodeAck[events.HeadcountChangedPayload](s.Request(ctx, events.TypeUpdateHeadcount, req))
}

func (s *Session) RecordAttendance(ctx context.Context, req events.RecordAttendanceRequest) (events.AttendanceChangedPayload, error) {
	return decodeAck[events.AttendanceChangedPayload](s.Request(ctx, events.TypeRecordAttendance, req))
}

func (s *Session) AddVisitor(ctx context.Context, req events.AddVisitorRequest) (events.VisitorChangedPayload, error) {
	return decodeAck[events.VisitorChangedPayload](s.Request(ctx, events.TypeAddVisitor, req))
}

func (s *Session) RemoveVisitor(ctx context.Context, req events.RemoveVisitorRequest) (events.VisitorChangedPayload, error) {
	return decodeAck[events.VisitorChangedPayload](s.Request(ctx, events.TypeRemoveVisitor, req))
}
