// Package proxy bridges a caller's websocket to the DevTools endpoint of a
// session's browser page.
package proxy

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/shehryarbajwa/webmcp-broker/internal/logging"
	"github.com/shehryarbajwa/webmcp-broker/internal/session"
)

const dialTimeout = 10 * time.Second

// Sessions resolves a live session by id.
type Sessions interface {
	Get(id string) (*session.Session, error)
}

// Bridge relays DevTools protocol frames in both directions.
type Bridge struct {
	sessions Sessions
	upgrader websocket.Upgrader
	dialer   *websocket.Dialer
	logger   *logging.Logger
}

// NewBridge creates a Bridge. Origin checks are left to the auth pipeline in
// front of it.
func NewBridge(sessions Sessions, logger *logging.Logger) *Bridge {
	if logger == nil {
		logger = logging.Nop()
	}
	return &Bridge{
		sessions: sessions,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		dialer: &websocket.Dialer{HandshakeTimeout: dialTimeout},
		logger: logger.Named("devtools"),
	}
}

// ErrNoEndpoint means the session's browser exposes no DevTools websocket.
var ErrNoEndpoint = errors.New("browser has no debugging endpoint")

// Target returns the DevTools URL the session would be bridged to.
func (b *Bridge) Target(sessionID string) (string, error) {
	s, err := b.sessions.Get(sessionID)
	if err != nil {
		return "", err
	}
	target := s.Instance().DebugURL()
	if target == "" {
		return "", ErrNoEndpoint
	}
	return target, nil
}

// Serve upgrades the request and relays frames until either side closes.
// Lookup failures are reported before the upgrade, so the caller still gets
// a normal HTTP error.
func (b *Bridge) Serve(w http.ResponseWriter, r *http.Request, sessionID string) error {
	target, err := b.Target(sessionID)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(r.Context(), dialTimeout)
	upstream, _, err := b.dialer.DialContext(ctx, target, nil)
	cancel()
	if err != nil {
		return err
	}
	defer upstream.Close()

	client, err := b.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the HTTP error.
		b.logger.Debug("upgrade failed", zap.String("session", sessionID), zap.Error(err))
		return nil
	}
	defer client.Close()

	b.logger.Info("devtools bridge opened", zap.String("session", sessionID))

	errc := make(chan error, 2)
	go func() { errc <- relay(client, upstream) }()
	go func() { errc <- relay(upstream, client) }()

	if err := <-errc; err != nil && websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
		b.logger.Warn("devtools bridge error", zap.String("session", sessionID), zap.Error(err))
	}
	b.logger.Info("devtools bridge closed", zap.String("session", sessionID))
	return nil
}

func relay(src, dst *websocket.Conn) error {
	for {
		kind, msg, err := src.ReadMessage()
		if err != nil {
			return err
		}
		if err := dst.WriteMessage(kind, msg); err != nil {
			return err
		}
	}
}
