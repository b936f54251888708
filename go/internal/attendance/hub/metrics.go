package hub

import "time"

// MetricsCollector defines the interface for collecting engine metrics
type MetricsCollector interface {
	RecordMutation(kind string, success bool, duration time.Duration)
	RecordBroadcast(eventType string, recipients int)
	RecordRoomEvicted()
	RecordPublishDropped()
}

// NoOpMetricsCollector is a no-op implementation for when metrics aren't needed
type NoOpMetricsCollector struct{}

func (NoOpMetricsCollector) RecordMutation(kind string, success bool, duration time.Duration) {}
func (NoOpMetricsCollector) RecordBroadcast(eventType string, recipients int)                 {}
func (NoOpMetricsCollector) RecordRoomEvicted()                                               {}
func (NoOpMetricsCollector) RecordPublishDropped()                                            {}
