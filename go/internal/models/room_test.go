package models

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseRoomKey(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    RoomKey
		wantErr bool
	}{
		{name: "valid", input: "42:2024-03-10", want: RoomKey{GatheringID: 42, Date: "2024-03-10"}},
		{name: "missing separator", input: "42", wantErr: true},
		{name: "bad id", input: "abc:2024-03-10", wantErr: true},
		{name: "zero id", input: "0:2024-03-10", wantErr: true},
		{name: "bad date", input: "42:2024-13-40", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseRoomKey(tt.input)
			if tt.wantErr {
				require.ErrorIs(t, err, ErrInvalidRoomKey)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
			assert.Equal(t, tt.input, got.String())
		})
	}
}

func TestNewRoomKey(t *testing.T) {
	key := NewRoomKey(7, time.Date(2024, 1, 2, 15, 4, 5, 0, time.UTC))
	assert.Equal(t, "7:2024-01-02", key.String())
	assert.NoError(t, key.Validate())
	assert.False(t, key.IsZero())
	assert.True(t, RoomKey{}.IsZero())
}

func TestRoleElevated(t *testing.T) {
	assert.True(t, RoleAdmin.Elevated())
	assert.True(t, RoleCoordinator.Elevated())
	assert.False(t, RoleAttendanceTaker.Elevated())
	assert.False(t, RoleMember.Elevated())
	assert.False(t, Role("").Elevated())
}
