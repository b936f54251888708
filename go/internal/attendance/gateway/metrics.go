package gateway

import (
	"sync/atomic"
	"time"

	"github.com/mcdev12/rollcall/go/internal/attendance/hub"
)

// Metrics keeps in-process counters for the engine and the websocket
// transport. It is exposed through the stats and health endpoints.
type Metrics struct {
	mutationsOK         atomic.Uint64
	mutationsFailed     atomic.Uint64
	mutationNanos       atomic.Int64
	broadcasts          atomic.Uint64
	deliveries          atomic.Uint64
	roomsEvicted        atomic.Uint64
	publishDropped      atomic.Uint64
	connectionsOpened   atomic.Uint64
	connectionsClosed   atomic.Uint64
	connectionsReplaced atomic.Uint64
	handshakesRejected  atomic.Uint64
}

var _ hub.MetricsCollector = (*Metrics)(nil)

func NewMetrics() *Metrics {
	return &Metrics{}
}

func (m *Metrics) RecordMutation(kind string, success bool, duration time.Duration) {
	if success {
		m.mutationsOK.Add(1)
	} else {
		m.mutationsFailed.Add(1)
	}
	m.mutationNanos.Add(int64(duration))
}

func (m *Metrics) RecordBroadcast(eventType string, recipients int) {
	m.broadcasts.Add(1)
	m.deliveries.Add(uint64(recipients))
}

func (m *Metrics) RecordRoomEvicted()    { m.roomsEvicted.Add(1) }
func (m *Metrics) RecordPublishDropped() { m.publishDropped.Add(1) }

func (m *Metrics) RecordConnectionOpened()   { m.connectionsOpened.Add(1) }
func (m *Metrics) RecordConnectionClosed()   { m.connectionsClosed.Add(1) }
func (m *Metrics) RecordConnectionReplaced() { m.connectionsReplaced.Add(1) }
func (m *Metrics) RecordHandshakeRejected()  { m.handshakesRejected.Add(1) }

// Snapshot returns the current counter values.
func (m *Metrics) Snapshot() map[string]interface{} {
	ok, failed := m.mutationsOK.Load(), m.mutationsFailed.Load()
	var avg time.Duration
	if total := ok + failed; total > 0 {
		avg = time.Duration(m.mutationNanos.Load() / int64(total))
	}
	return map[string]interface{}{
		"mutations_ok":         ok,
		"mutations_failed":     failed,
		"mutation_avg_ms":      float64(avg) / float64(time.Millisecond),
		"broadcasts":           m.broadcasts.Load(),
		"deliveries":           m.deliveries.Load(),
		"rooms_evicted":        m.roomsEvicted.Load(),
		"publish_dropped":      m.publishDropped.Load(),
		"connections_opened":   m.connectionsOpened.Load(),
		"connections_closed":   m.connectionsClosed.Load(),
		"connections_replaced": m.connectionsReplaced.Load(),
		"handshakes_rejected":  m.handshakesRejected.Load(),
	}
}
