package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/lib/pq"
	"github.com/rs/zerolog/log"

	"github.com/mcdev12/rollcall/go/internal/models"
)

type ListenerConfig struct {
	DatabaseURL      string        // Postgres DSN for LISTEN/NOTIFY
	NotifyChannel    string        // Channel name to LISTEN on
	FallbackInterval time.Duration // How often to resync every active room
	MaxRetries       int
	RetryDelay       time.Duration
	PingInterval     time.Duration
}

func DefaultListenerConfig() ListenerConfig {
	return ListenerConfig{
		DatabaseURL:      "",
		NotifyChannel:    "attendance_changes",
		FallbackInterval: 30 * time.Second,
		MaxRetries:       3,
		RetryDelay:       200 * time.Millisecond,
		PingInterval:     90 * time.Second,
	}
}

// Resyncer reloads rooms from storage.
type Resyncer interface {
	ResyncRoom(ctx context.Context, tenantID string, key models.RoomKey) error
	ResyncAll(ctx context.Context) error
}

// ChangeNotification is the payload of the attendance_changes channel.
type ChangeNotification struct {
	ChurchID    string `json:"churchId"`
	GatheringID int64  `json:"gatheringId"`
	Date        string `json:"date"`
}

// Listener turns storage change notifications into room resyncs so that
// writes made outside the engine reach connected viewers.
type Listener struct {
	listener *pq.Listener
	resyncer Resyncer
	cfg      ListenerConfig
}

func NewListener(resyncer Resyncer, cfg ListenerConfig) (*Listener, error) {
	l := pq.NewListener(
		cfg.DatabaseURL,
		10*time.Second,
		time.Minute,
		func(ev pq.ListenerEventType, err error) {
			if err != nil {
				log.Error().Err(err).Msg("listener event")
			}
		},
	)
	if err := l.Listen(cfg.NotifyChannel); err != nil {
		return nil, fmt.Errorf("failed to listen to channel: %w", err)
	}

	log.Info().
		Str("channel", cfg.NotifyChannel).
		Msg("listening for notifications")

	return &Listener{
		listener: l,
		resyncer: resyncer,
		cfg:      cfg,
	}, nil
}

func (l *Listener) Start(ctx context.Context) error {
	log.Info().
		Str("channel", l.cfg.NotifyChannel).
		Dur("ping_interval", l.cfg.PingInterval).
		Dur("fallback_interval", l.cfg.FallbackInterval).
		Msg("listener started")

	pingTicker := time.NewTicker(l.cfg.PingInterval)
	fallbackTicker := time.NewTicker(l.cfg.FallbackInterval)
	defer pingTicker.Stop()
	defer fallbackTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("listener shutting down")
			return l.Stop()
		case note := <-l.listener.Notify:
			if note == nil {
				// Connection was re-established; notifications may have been missed.
				if err := l.resyncer.ResyncAll(ctx); err != nil {
					log.Error().Err(err).Msg("failed to resync after reconnect")
				}
				continue
			}
			if err := l.handleNotification(ctx, note.Extra); err != nil {
				log.Error().Err(err).Msg("failed to handle notification")
			}
		case <-fallbackTicker.C:
			if err := l.resyncer.ResyncAll(ctx); err != nil {
				log.Error().Err(err).Msg("failed to resync active rooms")
			}
		case <-pingTicker.C:
			if err := l.listener.Ping(); err != nil {
				log.Error().Err(err).Msg("failed to ping listener")
			}
		}
	}
}

func (l *Listener) Stop() error {
	return l.listener.Close()
}

// handleNotification handles a pg listen notification. Extra is the payload on the note.
func (l *Listener) handleNotification(ctx context.Context, extra string) error {
	tenantID, key, err := ParseChangeNotification(extra)
	if err != nil {
		return err
	}
	return l.resyncWithRetry(ctx, tenantID, key)
}

// ParseChangeNotification decodes a notification payload into a room.
func ParseChangeNotification(extra string) (string, models.RoomKey, error) {
	var n ChangeNotification
	if err := json.Unmarshal([]byte(extra), &n); err != nil {
		return "", models.RoomKey{}, fmt.Errorf("invalid notification payload: %w", err)
	}
	key := models.RoomKey{GatheringID: n.GatheringID, Date: n.Date}
	if err := key.Validate(); err != nil {
		return "", models.RoomKey{}, fmt.Errorf("invalid notification payload: %w", err)
	}
	if n.ChurchID == "" {
		return "", models.RoomKey{}, fmt.Errorf("invalid notification payload: missing churchId")
	}
	return n.ChurchID, key, nil
}

// resyncWithRetry attempts a room resync with a given retry delay and max retries.
func (l *Listener) resyncWithRetry(ctx context.Context, tenantID string, key models.RoomKey) error {
	var lastErr error

	for attempt := 0; attempt <= l.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			delay := l.cfg.RetryDelay * time.Duration(attempt)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
		}

		if err := l.resyncer.ResyncRoom(ctx, tenantID, key); err != nil {
			lastErr = err
			log.Error().
				Err(err).
				Int("attempt", attempt+1).
				Str("room_key", key.String()).
				Msg("failed to resync room, retrying")
			continue
		}

		if attempt > 0 {
			log.Info().
				Int("attempt", attempt+1).
				Str("room_key", key.String()).
				Msg("resync succeeded after retry")
		}
		return nil
	}

	return fmt.Errorf("resync failed after %d attempts: %w", l.cfg.MaxRetries+1, lastErr)
}
