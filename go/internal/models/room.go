package models

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// DateLayout is the calendar date format used in room keys.
const DateLayout = "2006-01-02"

var ErrInvalidRoomKey = errors.New("invalid room key")

// GatheringKind defines how attendance is recorded for a gathering.
type GatheringKind string

const (
	// GatheringKindHeadcount rooms aggregate per-user numeric contributions.
	GatheringKindHeadcount GatheringKind = "headcount"
	// GatheringKindStandard rooms record present/absent per named individual.
	GatheringKindStandard GatheringKind = "standard"
)

// RoomKey identifies one occurrence of a gathering: the synchronization scope.
type RoomKey struct {
	GatheringID int64  `json:"gatheringId"`
	Date        string `json:"date"`
}

// NewRoomKey builds a room key from a gathering id and a calendar date.
func NewRoomKey(gatheringID int64, date time.Time) RoomKey {
	return RoomKey{GatheringID: gatheringID, Date: date.Format(DateLayout)}
}

// ParseRoomKey parses the "<gatheringId>:<date>" form produced by String.
func ParseRoomKey(s string) (RoomKey, error) {
	id, date, ok := strings.Cut(s, ":")
	if !ok {
		return RoomKey{}, fmt.Errorf("%w: %q", ErrInvalidRoomKey, s)
	}
	gatheringID, err := strconv.ParseInt(id, 10, 64)
	if err != nil {
		return RoomKey{}, fmt.Errorf("%w: gathering id %q", ErrInvalidRoomKey, id)
	}
	key := RoomKey{GatheringID: gatheringID, Date: date}
	if err := key.Validate(); err != nil {
		return RoomKey{}, err
	}
	return key, nil
}

// Validate checks that the key names a real gathering occurrence.
func (k RoomKey) Validate() error {
	if k.GatheringID <= 0 {
		return fmt.Errorf("%w: gathering id must be positive", ErrInvalidRoomKey)
	}
	if _, err := time.Parse(DateLayout, k.Date); err != nil {
		return fmt.Errorf("%w: date %q", ErrInvalidRoomKey, k.Date)
	}
	return nil
}

func (k RoomKey) String() string {
	return fmt.Sprintf("%d:%s", k.GatheringID, k.Date)
}

// IsZero reports whether the key is unset.
func (k RoomKey) IsZero() bool {
	return k.GatheringID == 0 && k.Date == ""
}
