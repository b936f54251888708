package events

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mcdev12/rollcall/go/internal/models"
)

func TestParseEventPayload(t *testing.T) {
	now := time.Date(2024, 3, 10, 9, 0, 0, 0, time.UTC)
	key := models.RoomKey{GatheringID: 3, Date: "2024-03-10"}

	msg, err := NewBroadcast(TypeHeadcountChanged, HeadcountChangedPayload{
		RoomKey: key,
		Total:   5,
		Contributions: []models.Contribution{
			{UserID: "a", Count: 3, UpdatedAt: now},
			{UserID: "b", Count: 2, UpdatedAt: now},
		},
		UpdatedAt: now,
		UpdatedBy: "b",
	}, now)
	require.NoError(t, err)

	payload, err := ParseEventPayload(msg)
	require.NoError(t, err)
	p, ok := payload.(HeadcountChangedPayload)
	require.True(t, ok)
	assert.Equal(t, 5, p.Total)
	assert.Len(t, p.Contributions, 2)

	gotKey, ok := RoomKeyOf(msg)
	require.True(t, ok)
	assert.Equal(t, key, gotKey)
}

func TestParseEventPayload_NotBroadcast(t *testing.T) {
	ack, err := NewAck("req-1", RoomRequest{}, time.Now())
	require.NoError(t, err)

	payload, err := ParseEventPayload(ack)
	require.NoError(t, err)
	assert.Nil(t, payload)

	_, ok := RoomKeyOf(ack)
	assert.False(t, ok)
}

func TestErrorIs(t *testing.T) {
	err := fmt.Errorf("update headcount: %w", NewError(CodePermissionDenied, "cannot edit %s", "b"))

	assert.True(t, errors.Is(err, ErrPermissionDenied))
	assert.False(t, errors.Is(err, ErrValidation))

	var wireErr *Error
	require.True(t, errors.As(err, &wireErr))
	assert.Equal(t, "permission_denied: cannot edit b", wireErr.Error())
}
