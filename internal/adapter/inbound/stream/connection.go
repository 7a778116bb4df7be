// Package stream adapts component Q's stream half (service.StreamAuthInterceptor)
// and the rate limiter's connection/message accounting onto a WebSocket
// transport. It is the demo/reference stream transport: production
// deployments that front a different framed protocol implement the same
// pattern against their own connection type.
package stream

import (
	"context"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/gorilla/websocket"

	domainstream "github.com/accessguard/accessguard/internal/domain/stream"
	"github.com/accessguard/accessguard/internal/service"
	"github.com/accessguard/accessguard/pkg/frame"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingInterval   = (pongWait * 9) / 10
	maxMessageSize = 64 * 1024
)

// Upgrader wraps websocket.Upgrader with the origin policy the caller
// configures; without a policy (nil) it accepts upgrades from any origin.
type Upgrader struct {
	upgrader      websocket.Upgrader
	allowedOrigin func(r *http.Request) bool
}

// NewUpgrader builds an Upgrader that accepts connections only when
// CheckOrigin reports true, or always when allowedOrigin is nil.
func NewUpgrader(allowedOrigin func(r *http.Request) bool) *Upgrader {
	u := &Upgrader{allowedOrigin: allowedOrigin}
	u.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin: func(r *http.Request) bool {
			if u.allowedOrigin == nil {
				return true
			}
			return u.allowedOrigin(r)
		},
	}
	return u
}

// Handler serves stream protocol connections: it upgrades the HTTP
// request, authenticates the connection's first frame, and pumps
// authorized messages to MessageHandler.
type Handler struct {
	upgrader    *Upgrader
	streamAuth  *service.StreamAuthInterceptor
	abilities   *service.AbilityFactory
	rateLimiter *service.RateLimiterService
	logger      *slog.Logger

	// MessageHandler processes one authorized application frame. The
	// default (nil) handler echoes the received frame back to the sender.
	MessageHandler func(ctx context.Context, conn *domainstream.Connection, messageType string, payload []byte) ([]byte, error)
}

// NewHandler wires the stream auth interceptor, ability factory, and
// (optional) rate limiter a connection's lifecycle needs.
func NewHandler(upgrader *Upgrader, streamAuth *service.StreamAuthInterceptor, abilities *service.AbilityFactory, rateLimiter *service.RateLimiterService, logger *slog.Logger) *Handler {
	return &Handler{upgrader: upgrader, streamAuth: streamAuth, abilities: abilities, rateLimiter: rateLimiter, logger: logger}
}

// ServeHTTP upgrades the connection, authenticates its first frame, and
// on success runs the read loop until the peer disconnects. A message of
// an unauthorized type is answered with an error frame and dropped; the
// connection stays open.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	wsConn, err := h.upgrader.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer wsConn.Close()

	ctx := r.Context()
	conn, err := h.authenticate(ctx, wsConn, r)
	if err != nil {
		_ = wsConn.WriteMessage(websocket.TextMessage, frame.Must(frame.TypeAuthError, "", frame.AuthErrorFrame{Type: frame.TypeAuthError, Code: "NO_CREDENTIALS"}))
		return
	}

	if h.rateLimiter != nil {
		acquired, _, err := h.rateLimiter.AcquireConnection(ctx, conn.BucketKey())
		if err != nil || !acquired {
			_ = wsConn.WriteMessage(websocket.TextMessage, frame.Must(frame.TypeAuthError, "", frame.AuthErrorFrame{Type: frame.TypeAuthError, Code: "CONNECTION_LIMIT_EXCEEDED"}))
			return
		}
		defer func() { _ = h.rateLimiter.ReleaseConnection(context.Background(), conn.BucketKey()) }()
	}

	conn.Ability = h.abilities.CreateAbility(ctx, conn.Principal, conn.SessionID)
	_ = wsConn.WriteMessage(websocket.TextMessage, frame.Must(frame.TypeAuthOK, conn.SessionID, frame.AuthOKFrame{Type: frame.TypeAuthOK, UserID: conn.Principal.ID}))

	h.pump(ctx, wsConn, conn)
}

// authenticate reads exactly one frame (the client's first) and resolves
// it into an authenticated domainstream.Connection, trying bearer token,
// API key, and session cookie in the same precedence order request
// protocol auth uses.
func (h *Handler) authenticate(ctx context.Context, wsConn *websocket.Conn, r *http.Request) (*domainstream.Connection, error) {
	wsConn.SetReadDeadline(time.Now().Add(writeWait))
	_, raw, err := wsConn.ReadMessage()
	if err != nil {
		return nil, err
	}
	env, err := frame.Unmarshal(raw)
	if err != nil {
		return nil, err
	}
	var authFrame frame.AuthFrame
	_ = frame.Decode(env.Payload, &authFrame)

	reqRaw := service.RawRequest{
		Query:   url.Values{},
		Context: service.RequestContext{IPAddress: r.RemoteAddr, UserAgent: r.UserAgent()},
	}
	if authFrame.Token != "" {
		reqRaw.AuthorizationHeader = "Bearer " + authFrame.Token
	}
	reqRaw.APIKeyHeader = authFrame.APIKey
	reqRaw.CookieSessionID = authFrame.SID

	principal, snapshot, err := h.streamAuth.Authenticate(ctx, reqRaw)
	if err != nil {
		return nil, err
	}
	sessionID := env.SessionID
	if snapshot != nil {
		sessionID = snapshot.ID
	}
	return &domainstream.Connection{
		ID:          env.SessionID,
		Principal:   principal,
		SessionID:   sessionID,
		ConnectedAt: time.Now(),
		RemoteAddr:  r.RemoteAddr,
	}, nil
}

// pump runs the connection's read loop: every frame is checked against
// the per-message-type policy and, when a rate limiter is configured,
// against the message-rate accounting before reaching MessageHandler.
func (h *Handler) pump(ctx context.Context, wsConn *websocket.Conn, conn *domainstream.Connection) {
	wsConn.SetReadLimit(maxMessageSize)
	wsConn.SetReadDeadline(time.Now().Add(pongWait))
	wsConn.SetPongHandler(func(string) error {
		wsConn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	stop := make(chan struct{})
	go h.keepalive(wsConn, stop)
	defer close(stop)

	for {
		_, raw, err := wsConn.ReadMessage()
		if err != nil {
			return
		}
		env, err := frame.Unmarshal(raw)
		if err != nil {
			continue
		}
		if env.Type == frame.TypePing {
			_ = wsConn.WriteMessage(websocket.TextMessage, frame.Must(frame.TypePong, conn.SessionID, struct{}{}))
			continue
		}

		if h.rateLimiter != nil {
			if result, err := h.rateLimiter.CheckStreamMessage(ctx, conn.SessionID); err == nil && !result.Allowed {
				_ = wsConn.WriteMessage(websocket.TextMessage, frame.Must(frame.TypeAuthError, conn.SessionID, frame.AuthErrorFrame{Type: frame.TypeAuthError, Code: "RATE_LIMIT_EXCEEDED"}))
				continue
			}
		}

		if ok, deny := h.streamAuth.AuthorizeMessage(ctx, conn.Principal, conn.SessionID, env.Type, conn.Ability); !ok {
			wsConn.SetWriteDeadline(time.Now().Add(writeWait))
			_ = wsConn.WriteMessage(websocket.TextMessage, deny)
			continue
		}

		if h.MessageHandler == nil {
			wsConn.SetWriteDeadline(time.Now().Add(writeWait))
			_ = wsConn.WriteMessage(websocket.TextMessage, raw)
			continue
		}
		reply, err := h.MessageHandler(ctx, conn, env.Type, env.Payload)
		if err != nil {
			if h.logger != nil {
				h.logger.Warn("stream message handler error", "error", err, "type", env.Type)
			}
			continue
		}
		if reply != nil {
			wsConn.SetWriteDeadline(time.Now().Add(writeWait))
			_ = wsConn.WriteMessage(websocket.TextMessage, reply)
		}
	}
}

func (h *Handler) keepalive(wsConn *websocket.Conn, stop chan struct{}) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			wsConn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := wsConn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-stop:
			return
		}
	}
}
