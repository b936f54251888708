package cli

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/mcdev12/rollcall/go/clients/offline"
	"github.com/mcdev12/rollcall/go/clients/reconciler"
	"github.com/mcdev12/rollcall/go/clients/session"
	"github.com/mcdev12/rollcall/go/internal/models"
)

// ClientOptions holds the connection flags shared by client commands.
type ClientOptions struct {
	*RootOptions
	Server      string
	UserID      string
	TenantID    string
	Role        string
	Token       string
	SessionID   string
	QueuePath   string
	ConnectWait time.Duration
	Timeout     time.Duration
}

func addClientFlags(cmd *cobra.Command, opts *ClientOptions) {
	cmd.Flags().StringVar(&opts.Server, "server", envOr("ROLLCALL_SERVER", "http://localhost:8081"), "gateway base URL")
	cmd.Flags().StringVar(&opts.UserID, "user", os.Getenv("ROLLCALL_USER"), "user id")
	cmd.Flags().StringVar(&opts.TenantID, "tenant", os.Getenv("ROLLCALL_TENANT"), "tenant (church) id")
	cmd.Flags().StringVar(&opts.Role, "role", "", "role hint sent with the handshake")
	cmd.Flags().StringVar(&opts.Token, "token", os.Getenv("ROLLCALL_TOKEN"), "access token")
	cmd.Flags().StringVar(&opts.SessionID, "session", "", "session id (generated when empty)")
	cmd.Flags().StringVar(&opts.QueuePath, "queue", defaultQueuePath(), "path of the offline change queue")
	cmd.Flags().DurationVar(&opts.ConnectWait, "connect-wait", 5*time.Second, "how long to wait for a connection before working offline")
	cmd.Flags().DurationVar(&opts.Timeout, "timeout", 15*time.Second, "how long to wait for changes to be confirmed")
}

func (o *ClientOptions) validate() error {
	var errs []error
	if o.UserID == "" {
		errs = append(errs, errors.New("--user is required"))
	}
	if o.TenantID == "" {
		errs = append(errs, errors.New("--tenant is required"))
	}
	if o.Token == "" {
		errs = append(errs, errors.New("--token is required (see rollcall token)"))
	}
	return errors.Join(errs...)
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func defaultQueuePath() string {
	dir, err := os.UserCacheDir()
	if err != nil {
		return "rollcall-queue.db"
	}
	return filepath.Join(dir, "rollcall", "queue.db")
}

// websocketURL maps the gateway base URL to its attendance endpoint.
func websocketURL(base string) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("parse server url: %w", err)
	}
	switch u.Scheme {
	case "http", "ws":
		u.Scheme = "ws"
	case "https", "wss":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("unsupported server scheme %q", u.Scheme)
	}
	u.Path = "/ws/attendance"
	u.RawQuery = ""
	return u.String(), nil
}

// staticIdentity serves the identity given on the command line. Refresh
// returns the same identity, so a rejected token ends the session.
type staticIdentity struct {
	id session.Identity
}

func (s staticIdentity) Identity(context.Context) (session.Identity, error) {
	return s.id, nil
}

func (s staticIdentity) Refresh(context.Context) (session.Identity, error) {
	return s.id, nil
}

// clientRuntime bundles the session, the offline queue and the reconciler
// used by the client commands.
type clientRuntime struct {
	opts    *ClientOptions
	session *session.Session
	queue   *offline.SQLiteQueue
	rec     *reconciler.Reconciler
}

func openClient(opts *ClientOptions) (*clientRuntime, error) {
	if err := opts.validate(); err != nil {
		return nil, err
	}
	wsURL, err := websocketURL(opts.Server)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(opts.QueuePath), 0o755); err != nil {
		return nil, fmt.Errorf("create queue directory: %w", err)
	}
	queue, err := offline.OpenSQLite(opts.QueuePath)
	if err != nil {
		return nil, err
	}

	cfg := session.DefaultConfig()
	cfg.Dialer = session.NewWebsocketDialer(wsURL)
	cfg.SessionID = opts.SessionID
	cfg.Identity = staticIdentity{id: session.Identity{
		UserID:   opts.UserID,
		TenantID: opts.TenantID,
		Role:     models.Role(opts.Role),
		Token:    opts.Token,
	}}
	sess := session.New(cfg)

	rec := reconciler.New(reconciler.Config{
		Transport:      sess,
		Queue:          queue,
		UserID:         opts.UserID,
		TenantID:       opts.TenantID,
		RequestTimeout: cfg.RequestTimeout,
	})

	return &clientRuntime{opts: opts, session: sess, queue: queue, rec: rec}, nil
}

// connect starts the session and waits up to ConnectWait for it to come up.
// Failing to connect is not an error: edits are queued until a later run.
func (rt *clientRuntime) connect(ctx context.Context) session.Status {
	watch := rt.session.WatchStatus(ctx)
	defer watch.Close()

	if err := rt.session.Connect(ctx); err != nil {
		log.Warn().Err(err).Msg("connect failed")
		return rt.session.Status()
	}

	wait := time.NewTimer(rt.opts.ConnectWait)
	defer wait.Stop()
	for {
		select {
		case st, ok := <-watch.C:
			if !ok {
				return rt.session.Status()
			}
			switch {
			case st.State == session.StateConnected:
				log.Debug().Str("session_id", st.SessionID).Msg("connected")
				return st
			case st.State == session.StateOffline, errors.Is(st.Err, session.ErrReauthenticationRequired):
				log.Warn().Err(st.Err).Str("state", string(st.State)).Msg("not connected; changes will be queued")
				return st
			}
		case <-wait.C:
			st := rt.session.Status()
			log.Warn().Str("state", string(st.State)).Msg("not connected; changes will be queued")
			return st
		case <-ctx.Done():
			return rt.session.Status()
		}
	}
}

// awaitSettled waits until no change in key is pending or the timeout ends.
func (rt *clientRuntime) awaitSettled(ctx context.Context, key models.RoomKey) reconciler.View {
	ctx, cancel := context.WithTimeout(ctx, rt.opts.Timeout)
	defer cancel()
	for {
		view, _ := rt.rec.View(key)
		if !hasPending(view) {
			return view
		}
		select {
		case <-rt.rec.Changes():
		case <-ctx.Done():
			return view
		}
	}
}

func hasPending(v reconciler.View) bool {
	for _, s := range v.States {
		if s == reconciler.StatePending {
			return true
		}
	}
	return false
}

func (rt *clientRuntime) Close() {
	rt.rec.Close()
	rt.session.Close()
	if err := rt.queue.Close(); err != nil {
		log.Warn().Err(err).Msg("failed to close offline queue")
	}
}

func parseRoomArg(arg string) (models.RoomKey, error) {
	key, err := models.ParseRoomKey(arg)
	if err != nil {
		return models.RoomKey{}, fmt.Errorf("room must be <gatheringId>:<YYYY-MM-DD>: %w", err)
	}
	return key, nil
}
