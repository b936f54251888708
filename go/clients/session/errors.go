package session

import (
	"errors"
	"fmt"
)

var (
	ErrNoIdentity               = errors.New("no authenticated identity available")
	ErrDebounced                = errors.New("connection attempt debounced")
	ErrClosed                   = errors.New("session closed")
	ErrNotConnected             = errors.New("session not connected")
	ErrNetworkOffline           = errors.New("device network offline")
	ErrOfflineMode              = errors.New("session offline, use Retry to reconnect")
	ErrRequestTimeout           = errors.New("request timed out")
	ErrConnectionLost           = errors.New("connection lost")
	ErrReauthenticationRequired = errors.New("reauthentication required")
	ErrSubscriptionLagged       = errors.New("subscriber fell behind")
)

// Cause classifies a failed connection attempt.
type Cause int

const (
	// CauseNetwork covers timeouts, refused connections and DNS failures.
	CauseNetwork Cause = iota
	// CauseIdentity means the server rejected the handshake identity.
	CauseIdentity
)

func (c Cause) String() string {
	switch c {
	case CauseIdentity:
		return "identity"
	default:
		return "network"
	}
}

// ConnectError is returned by a Dialer when an attempt fails.
type ConnectError struct {
	Cause  Cause
	Status int // HTTP status of a rejected handshake, 0 otherwise
	Err    error
}

func (e *ConnectError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("connect failed (%s, status %d): %v", e.Cause, e.Status, e.Err)
	}
	return fmt.Sprintf("connect failed (%s): %v", e.Cause, e.Err)
}

func (e *ConnectError) Unwrap() error { return e.Err }
