package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog/log"

	"github.com/mcdev12/rollcall/go/internal/attendance/events"
	"github.com/mcdev12/rollcall/go/internal/attendance/hub"
	"github.com/mcdev12/rollcall/go/internal/models"
)

// RelayConfig holds configuration for the cross-instance relay
type RelayConfig struct {
	URL             string
	StreamName      string
	SubjectPrefix   string
	MaxReconnects   int
	ReconnectWait   time.Duration
	MaxAge          time.Duration // How long to keep messages
	DuplicateWindow time.Duration
	InstanceID      string // Identifies this gateway's own publications
}

// DefaultRelayConfig returns default relay configuration
func DefaultRelayConfig() RelayConfig {
	return RelayConfig{
		URL:             nats.DefaultURL,
		StreamName:      "ATTENDANCE_EVENTS",
		SubjectPrefix:   "attendance.events",
		MaxReconnects:   -1, // Infinite
		ReconnectWait:   2 * time.Second,
		MaxAge:          time.Hour,
		DuplicateWindow: 2 * time.Minute,
		InstanceID:      uuid.NewString(),
	}
}

// RemoteApplier merges a broadcast accepted by another instance.
type RemoteApplier interface {
	ApplyRemote(tenantID string, msg *events.Message) error
}

// relayEnvelope is the JetStream message body.
type relayEnvelope struct {
	InstanceID string          `json:"instanceId"`
	TenantID   string          `json:"tenantId"`
	Message    *events.Message `json:"message"`
}

// Relay publishes accepted broadcasts to JetStream and feeds broadcasts
// from other gateway instances back into the local engine.
type Relay struct {
	nc     *nats.Conn
	js     jetstream.JetStream
	config RelayConfig
}

var _ hub.Publisher = (*Relay)(nil)

// NewRelay connects to NATS and makes sure the stream exists.
func NewRelay(ctx context.Context, cfg RelayConfig) (*Relay, error) {
	if cfg.InstanceID == "" {
		cfg.InstanceID = uuid.NewString()
	}

	opts := []nats.Option{
		nats.Name("rollcall-gateway-" + cfg.InstanceID),
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			log.Error().Err(err).Msg("NATS disconnected")
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info().Str("url", nc.ConnectedUrl()).Msg("NATS reconnected")
		}),
		nats.ErrorHandler(func(nc *nats.Conn, sub *nats.Subscription, err error) {
			log.Error().Err(err).Msg("NATS error")
		}),
	}

	nc, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("connect to NATS: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("create JetStream context: %w", err)
	}

	r := &Relay{nc: nc, js: js, config: cfg}
	if err := r.ensureStream(ctx); err != nil {
		nc.Close()
		return nil, fmt.Errorf("ensure stream: %w", err)
	}
	return r, nil
}

func (r *Relay) streamConfig() jetstream.StreamConfig {
	return jetstream.StreamConfig{
		Name:        r.config.StreamName,
		Description: "Attendance room broadcasts relayed between gateway instances",
		Subjects:    []string{r.config.SubjectPrefix + ".>"},
		Retention:   jetstream.LimitsPolicy,
		MaxAge:      r.config.MaxAge,
		Storage:     jetstream.MemoryStorage,
		Replicas:    1,
		Duplicates:  r.config.DuplicateWindow,
	}
}

func (r *Relay) ensureStream(ctx context.Context) error {
	sc := r.streamConfig()

	stream, err := r.js.Stream(ctx, r.config.StreamName)
	if err != nil {
		if _, err = r.js.CreateStream(ctx, sc); err != nil {
			return fmt.Errorf("create stream: %w", err)
		}
		log.Info().
			Str("stream", r.config.StreamName).
			Msg("created JetStream stream")
		return nil
	}

	info, err := stream.Info(ctx)
	if err != nil {
		return fmt.Errorf("get stream info: %w", err)
	}
	if !isStreamConfigEqual(info.Config, sc) {
		if _, err = r.js.UpdateStream(ctx, sc); err != nil {
			return fmt.Errorf("update stream: %w", err)
		}
		log.Info().
			Str("stream", r.config.StreamName).
			Msg("updated JetStream stream")
	}
	return nil
}

// Publish sends one accepted broadcast to the room's subject.
func (r *Relay) Publish(ctx context.Context, tenantID string, msg *events.Message) error {
	key, ok := events.RoomKeyOf(msg)
	if !ok {
		return fmt.Errorf("publish %s: message has no room key", msg.Type)
	}
	subject := SubjectFor(r.config.SubjectPrefix, tenantID, key)

	data, err := json.Marshal(relayEnvelope{
		InstanceID: r.config.InstanceID,
		TenantID:   tenantID,
		Message:    msg,
	})
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}

	msgID := uuid.NewString()
	ack, err := r.js.PublishMsg(ctx, &nats.Msg{
		Subject: subject,
		Data:    data,
		Header: nats.Header{
			"Event-Type":  []string{string(msg.Type)},
			"Instance-ID": []string{r.config.InstanceID},
		},
	},
		jetstream.WithMsgID(msgID),
		jetstream.WithExpectStream(r.config.StreamName),
	)
	if err != nil {
		return fmt.Errorf("publish to JetStream: %w", err)
	}

	log.Debug().
		Str("subject", subject).
		Str("event_type", string(msg.Type)).
		Uint64("sequence", ack.Sequence).
		Msg("relayed broadcast")
	return nil
}

// Start consumes broadcasts from other instances until ctx is done. An
// ordered consumer delivers messages in stream order without acks; only
// messages published after start are delivered.
func (r *Relay) Start(ctx context.Context, applier RemoteApplier) error {
	consumer, err := r.js.OrderedConsumer(ctx, r.config.StreamName, jetstream.OrderedConsumerConfig{
		FilterSubjects: []string{r.config.SubjectPrefix + ".>"},
		DeliverPolicy:  jetstream.DeliverNewPolicy,
	})
	if err != nil {
		return fmt.Errorf("create ordered consumer: %w", err)
	}

	log.Info().
		Str("stream", r.config.StreamName).
		Str("instance_id", r.config.InstanceID).
		Msg("starting relay consumer")

	messageCh := make(chan jetstream.Msg, 100)
	consumeCtx, err := consumer.Consume(func(msg jetstream.Msg) {
		select {
		case messageCh <- msg:
		case <-ctx.Done():
		}
	})
	if err != nil {
		return fmt.Errorf("start consumer: %w", err)
	}
	defer consumeCtx.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("relay consumer shutting down")
			return nil
		case msg := <-messageCh:
			if err := r.processMessage(msg.Data(), applier); err != nil {
				log.Error().
					Err(err).
					Str("subject", msg.Subject()).
					Msg("failed to process relayed message")
			}
		}
	}
}

func (r *Relay) processMessage(data []byte, applier RemoteApplier) error {
	var env relayEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return fmt.Errorf("unmarshal envelope: %w", err)
	}
	if env.InstanceID == r.config.InstanceID {
		return nil
	}
	if env.Message == nil {
		return fmt.Errorf("envelope from %s has no message", env.InstanceID)
	}
	return applier.ApplyRemote(env.TenantID, env.Message)
}

// IsConnected reports NATS connectivity for health checks.
func (r *Relay) IsConnected() bool {
	return r.nc != nil && r.nc.IsConnected()
}

// Close disconnects from NATS.
func (r *Relay) Close() error {
	if r.nc != nil {
		r.nc.Close()
	}
	return nil
}

// SubjectFor returns the relay subject of a room:
// <prefix>.<tenant>.<gathering>.<date>.
func SubjectFor(prefix, tenantID string, key models.RoomKey) string {
	return strings.Join([]string{
		prefix,
		subjectToken(tenantID),
		strconv.FormatInt(key.GatheringID, 10),
		key.Date,
	}, ".")
}

// subjectToken replaces characters that are not allowed inside a single
// NATS subject token.
func subjectToken(s string) string {
	if s == "" {
		return "_"
	}
	return strings.Map(func(r rune) rune {
		switch r {
		case '.', '*', '>', ' ', '\t', '\r', '\n':
			return '_'
		}
		return r
	}, s)
}

func isStreamConfigEqual(a, b jetstream.StreamConfig) bool {
	return a.Name == b.Name &&
		a.MaxAge == b.MaxAge &&
		a.Replicas == b.Replicas &&
		a.Duplicates == b.Duplicates &&
		len(a.Subjects) == len(b.Subjects) &&
		(len(a.Subjects) == 0 || a.Subjects[0] == b.Subjects[0])
}
