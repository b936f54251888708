package gateway

import (
	"context"
	"encoding/json"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mcdev12/rollcall/go/internal/attendance/events"
	"github.com/mcdev12/rollcall/go/internal/models"
)

type recordingApplier struct {
	mu      sync.Mutex
	tenants []string
	msgs    []*events.Message
	applied chan struct{}
}

func newRecordingApplier() *recordingApplier {
	return &recordingApplier{applied: make(chan struct{}, 16)}
}

func (a *recordingApplier) ApplyRemote(tenantID string, msg *events.Message) error {
	a.mu.Lock()
	a.tenants = append(a.tenants, tenantID)
	a.msgs = append(a.msgs, msg)
	a.mu.Unlock()
	a.applied <- struct{}{}
	return nil
}

func TestSubjectFor(t *testing.T) {
	key := models.RoomKey{GatheringID: 42, Date: "2024-03-10"}

	tests := []struct {
		tenant string
		want   string
	}{
		{"church-1", "attendance.events.church-1.42.2024-03-10"},
		{"acme.org", "attendance.events.acme_org.42.2024-03-10"},
		{"a b*>", "attendance.events.a_b__.42.2024-03-10"},
		{"", "attendance.events._.42.2024-03-10"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, SubjectFor("attendance.events", tt.tenant, key), tt.tenant)
	}
}

func TestRelaySkipsOwnMessages(t *testing.T) {
	r := &Relay{config: RelayConfig{InstanceID: "self"}}
	applier := newRecordingApplier()

	msg, err := events.NewBroadcast(events.TypeHeadcountChanged, events.HeadcountChangedPayload{
		RoomKey: models.RoomKey{GatheringID: 1, Date: "2024-03-10"},
		Total:   2,
	}, time.Now())
	require.NoError(t, err)

	own, err := json.Marshal(relayEnvelope{InstanceID: "self", TenantID: tenant, Message: msg})
	require.NoError(t, err)
	require.NoError(t, r.processMessage(own, applier))
	assert.Empty(t, applier.msgs)

	remote, err := json.Marshal(relayEnvelope{InstanceID: "other", TenantID: tenant, Message: msg})
	require.NoError(t, err)
	require.NoError(t, r.processMessage(remote, applier))
	require.Len(t, applier.msgs, 1)
	assert.Equal(t, tenant, applier.tenants[0])
	assert.Equal(t, events.TypeHeadcountChanged, applier.msgs[0].Type)

	empty, err := json.Marshal(relayEnvelope{InstanceID: "other", TenantID: tenant})
	require.NoError(t, err)
	assert.Error(t, r.processMessage(empty, applier))
	assert.Error(t, r.processMessage([]byte("{"), applier))
}

// TestRelayRoundTrip needs a JetStream-enabled NATS server, e.g.
// ROLLCALL_TEST_NATS_URL=nats://localhost:4222.
func TestRelayRoundTrip(t *testing.T) {
	natsURL := os.Getenv("ROLLCALL_TEST_NATS_URL")
	if natsURL == "" {
		t.Skip("ROLLCALL_TEST_NATS_URL not set")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	cfg := DefaultRelayConfig()
	cfg.URL = natsURL
	cfg.StreamName = "ATTENDANCE_TEST_" + uuid.NewString()[:8]
	cfg.SubjectPrefix = "attendance.test." + uuid.NewString()[:8]

	cfgA, cfgB := cfg, cfg
	cfgA.InstanceID, cfgB.InstanceID = "a", "b"
	relayA, err := NewRelay(ctx, cfgA)
	require.NoError(t, err)
	defer relayA.Close()
	relayB, err := NewRelay(ctx, cfgB)
	require.NoError(t, err)
	defer relayB.Close()
	assert.True(t, relayA.IsConnected())

	applier := newRecordingApplier()
	go func() { _ = relayB.Start(ctx, applier) }()
	time.Sleep(200 * time.Millisecond)

	msg, err := events.NewBroadcast(events.TypeHeadcountChanged, events.HeadcountChangedPayload{
		RoomKey: models.RoomKey{GatheringID: 1, Date: "2024-03-10"},
		Total:   5,
	}, time.Now())
	require.NoError(t, err)
	require.NoError(t, relayA.Publish(ctx, tenant, msg))

	select {
	case <-applier.applied:
	case <-ctx.Done():
		t.Fatal("relayed message not received")
	}
	p, err := events.ParseEventPayload(applier.msgs[0])
	require.NoError(t, err)
	assert.Equal(t, 5, p.(events.HeadcountChangedPayload).Total)
}
