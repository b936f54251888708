package models

import (
	"encoding/json"
	"time"
)

// Contribution is one user's partial headcount within a room.
type Contribution struct {
	UserID    string    `json:"userId"`
	UserName  string    `json:"userName,omitempty"`
	Count     int       `json:"count"`
	UpdatedAt time.Time `json:"updatedAt"`
	UpdatedBy string    `json:"updatedBy"`
}

// AttendanceMark is the current present/absent value for one individual.
type AttendanceMark struct {
	IndividualID int64     `json:"individualId"`
	Present      bool      `json:"present"`
	UpdatedAt    time.Time `json:"updatedAt"`
	UpdatedBy    string    `json:"updatedBy"`
}

// Visitor is a guest recorded against a gathering occurrence.
type Visitor struct {
	ID      string          `json:"id"`
	Name    string          `json:"name"`
	Details json.RawMessage `json:"details,omitempty"`
	AddedAt time.Time       `json:"addedAt"`
	AddedBy string          `json:"addedBy"`
}

// RoomSnapshot is the authoritative state of a room at ServerTime.
type RoomSnapshot struct {
	RoomKey           RoomKey          `json:"roomKey"`
	Kind              GatheringKind    `json:"kind"`
	Contributions     []Contribution   `json:"contributions,omitempty"`
	Total             int              `json:"total"`
	Marks             []AttendanceMark `json:"marks,omitempty"`
	Roster            []int64          `json:"roster,omitempty"`
	Visitors          []Visitor        `json:"visitors,omitempty"`
	VisitorsUpdatedAt time.Time        `json:"visitorsUpdatedAt,omitempty"`
	Viewers           []Viewer         `json:"viewers,omitempty"`
	ServerTime        time.Time        `json:"serverTime"`
}

// Contribution returns the contribution for userID, if any.
func (s *RoomSnapshot) Contribution(userID string) (Contribution, bool) {
	for _, c := range s.Contributions {
		if c.UserID == userID {
			return c, true
		}
	}
	return Contribution{}, false
}

// Mark returns the mark for individualID, if any.
func (s *RoomSnapshot) Mark(individualID int64) (AttendanceMark, bool) {
	for _, m := range s.Marks {
		if m.IndividualID == individualID {
			return m, true
		}
	}
	return AttendanceMark{}, false
}
