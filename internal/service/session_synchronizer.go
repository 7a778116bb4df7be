package service

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	domaincache "github.com/accessguard/accessguard/internal/domain/cache"
)

// StreamConnection is the minimal surface SessionSynchronizer needs from a
// live protocol connection (WebSocket, SSE, gRPC stream) to fan events out
// to it and to close it.
type StreamConnection interface {
	// SessionID is the session this connection authenticated as.
	SessionID() string
	// Send delivers a JSON-encodable event to the connection.
	Send(payload []byte) error
	// Close terminates the connection with the given policy-violation-ish
	// close code and reason.
	Close(code int, reason string) error
}

// syncEvent is the wire shape published on the session:* cache channels.
type syncEvent struct {
	SessionID          string         `json:"sessionId"`
	UserID             string         `json:"userId,omitempty"`
	Updates            map[string]any `json:"updates,omitempty"`
	OriginConnectionID string         `json:"originConnectionId,omitempty"`
	Timestamp          time.Time      `json:"timestamp"`
}

const closeCodePolicyViolation = 1008

// SessionSynchronizer implements component M: it keeps every gateway node
// aware of session lifecycle changes made on other nodes by subscribing
// to cache pub/sub channels and fanning them out to the stream
// connections registered locally.
type SessionSynchronizer struct {
	cache domaincache.Facade

	mu          sync.RWMutex
	connections map[string]StreamConnection    // connectionId -> connection
	bySession   map[string]map[string]struct{} // sessionId -> set<connectionId>
}

// NewSessionSynchronizer constructs an unstarted synchronizer. Call Start
// to subscribe to the cache channels.
func NewSessionSynchronizer(cache domaincache.Facade) *SessionSynchronizer {
	return &SessionSynchronizer{
		cache:       cache,
		connections: make(map[string]StreamConnection),
		bySession:   make(map[string]map[string]struct{}),
	}
}

// Start subscribes to session:updates, session:created, session:deleted,
// and session:expired. Each subscription blocks on its own goroutine
// until ctx is cancelled.
func (s *SessionSynchronizer) Start(ctx context.Context) {
	channels := []string{"session:updates", "session:created", "session:deleted", "session:expired"}
	for _, ch := range channels {
		channel := ch
		go func() {
			if err := s.cache.Subscribe(ctx, channel, func(payload []byte) {
				s.handle(channel, payload)
			}); err != nil {
				slog.Warn("session synchronizer: subscribe failed", "channel", channel, "error", err)
			}
		}()
	}
}

func (s *SessionSynchronizer) handle(channel string, payload []byte) {
	var evt syncEvent
	if err := json.Unmarshal(payload, &evt); err != nil {
		slog.Warn("session synchronizer: malformed event payload", "channel", channel, "error", err)
		return
	}
	switch channel {
	case "session:updates":
		s.fanOutUpdate(evt)
	case "session:deleted", "session:expired":
		s.fanOutTermination(channel, evt)
	case "session:created":
		// No connection is registered for a brand-new session yet; nothing
		// to fan out locally beyond bookkeeping, which Register handles
		// once the owning connection attaches.
	}
}

func (s *SessionSynchronizer) fanOutUpdate(evt syncEvent) {
	frame, err := json.Marshal(map[string]any{
		"type":      "session:updated",
		"sessionId": evt.SessionID,
		"updates":   evt.Updates,
		"timestamp": evt.Timestamp,
	})
	if err != nil {
		return
	}
	s.broadcast(evt.SessionID, evt.OriginConnectionID, frame)
}

func (s *SessionSynchronizer) fanOutTermination(channel string, evt syncEvent) {
	eventType := "session:deleted"
	if channel == "session:expired" {
		eventType = "session:expired"
	}
	frame, err := json.Marshal(map[string]any{
		"type":      eventType,
		"sessionId": evt.SessionID,
		"timestamp": evt.Timestamp,
	})
	if err != nil {
		return
	}
	s.broadcast(evt.SessionID, evt.OriginConnectionID, frame)

	s.mu.RLock()
	conns := make([]StreamConnection, 0, len(s.bySession[evt.SessionID]))
	for connID := range s.bySession[evt.SessionID] {
		if conn, ok := s.connections[connID]; ok {
			conns = append(conns, conn)
		}
	}
	s.mu.RUnlock()

	go func() {
		time.Sleep(100 * time.Millisecond)
		for _, conn := range conns {
			if err := conn.Close(closeCodePolicyViolation, eventType); err != nil {
				slog.Warn("session synchronizer: close connection failed", "session_id", evt.SessionID, "error", err)
			}
		}
	}()

	s.mu.Lock()
	delete(s.bySession, evt.SessionID)
	s.mu.Unlock()
}

func (s *SessionSynchronizer) broadcast(sid, originConnectionID string, frame []byte) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for connID := range s.bySession[sid] {
		if connID == originConnectionID {
			continue
		}
		if conn, ok := s.connections[connID]; ok {
			if err := conn.Send(frame); err != nil {
				slog.Warn("session synchronizer: send failed", "session_id", sid, "connection_id", connID, "error", err)
			}
		}
	}
}

// PublishSessionUpdate serializes and publishes a session:updates event.
// originConnectionID, when non-empty, is excluded from the local fan-out
// to prevent the connection that triggered the update from receiving its
// own echo.
func (s *SessionSynchronizer) PublishSessionUpdate(ctx context.Context, sid, userID string, updates map[string]any, originConnectionID string) error {
	payload, err := json.Marshal(syncEvent{
		SessionID:          sid,
		UserID:             userID,
		Updates:            updates,
		OriginConnectionID: originConnectionID,
		Timestamp:          time.Now().UTC(),
	})
	if err != nil {
		return err
	}
	return s.cache.Publish(ctx, "session:updates", payload)
}

// Register associates a connection with a session id, thread-safe.
func (s *SessionSynchronizer) Register(connectionID string, conn StreamConnection) {
	sid := conn.SessionID()
	s.mu.Lock()
	defer s.mu.Unlock()
	s.connections[connectionID] = conn
	set, ok := s.bySession[sid]
	if !ok {
		set = make(map[string]struct{})
		s.bySession[sid] = set
	}
	set[connectionID] = struct{}{}
}

// Unregister removes a connection. If it was the last connection
// registered for its session, the session's entry is removed entirely.
func (s *SessionSynchronizer) Unregister(connectionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	conn, ok := s.connections[connectionID]
	if !ok {
		return
	}
	delete(s.connections, connectionID)
	sid := conn.SessionID()
	set, ok := s.bySession[sid]
	if !ok {
		return
	}
	delete(set, connectionID)
	if len(set) == 0 {
		delete(s.bySession, sid)
	}
}
