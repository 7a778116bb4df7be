package stream

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/accessguard/accessguard/internal/adapter/outbound/cel"
	"github.com/accessguard/accessguard/internal/adapter/outbound/memory"
	"github.com/accessguard/accessguard/internal/service"
	"github.com/accessguard/accessguard/pkg/frame"
)

func newTestHandler(t *testing.T) *Handler {
	t.Helper()
	evaluator, err := cel.NewEvaluator()
	if err != nil {
		t.Fatalf("cel.NewEvaluator: %v", err)
	}
	hierarchy := service.NewRoleHierarchyManager()
	catalog, additions := service.NewStaticCatalog([]service.RoleDefinitionInput{
		{Name: "anonymous", Permissions: []string{"session:read"}},
	})
	hierarchy.UpdateHierarchy(additions)
	abilities := service.NewAbilityFactory(hierarchy, catalog, evaluator, memory.NewCacheFacade())

	auth := service.NewAuthInterceptor(nil, nil, nil, abilities, service.AuthInterceptorConfig{AllowAnonymous: true})
	streamAuth := service.NewStreamAuthInterceptor(auth, nil)

	return NewHandler(NewUpgrader(nil), streamAuth, abilities, nil, nil)
}

func dialTestServer(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	return conn
}

func TestHandler_AnonymousHandshakeAndEcho(t *testing.T) {
	h := newTestHandler(t)
	srv := httptest.NewServer(http.HandlerFunc(h.ServeHTTP))
	defer srv.Close()

	conn := dialTestServer(t, srv)
	defer conn.Close()

	authRaw, err := frame.Marshal(frame.TypeAuth, "sess-1", frame.AuthFrame{})
	if err != nil {
		t.Fatalf("marshal auth frame: %v", err)
	}
	if err := conn.WriteMessage(websocket.TextMessage, authRaw); err != nil {
		t.Fatalf("write auth frame: %v", err)
	}

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, reply, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read auth reply: %v", err)
	}
	env, err := frame.Unmarshal(reply)
	if err != nil {
		t.Fatalf("unmarshal reply: %v", err)
	}
	if env.Type != frame.TypeAuthOK {
		t.Fatalf("reply type = %q, want %q", env.Type, frame.TypeAuthOK)
	}

	echoRaw, err := frame.Marshal(frame.TypeMessage, "sess-1", map[string]string{"hello": "world"})
	if err != nil {
		t.Fatalf("marshal message frame: %v", err)
	}
	if err := conn.WriteMessage(websocket.TextMessage, echoRaw); err != nil {
		t.Fatalf("write message frame: %v", err)
	}

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, echoed, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read echo: %v", err)
	}
	if string(echoed) != string(echoRaw) {
		t.Errorf("echo = %s, want %s", echoed, echoRaw)
	}
}

func TestHandler_BadFirstFrameClosesConnection(t *testing.T) {
	h := newTestHandler(t)
	srv := httptest.NewServer(http.HandlerFunc(h.ServeHTTP))
	defer srv.Close()

	conn := dialTestServer(t, srv)
	defer conn.Close()

	if err := conn.WriteMessage(websocket.TextMessage, []byte("not json")); err != nil {
		t.Fatalf("write garbage frame: %v", err)
	}

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, reply, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read error reply: %v", err)
	}
	env, err := frame.Unmarshal(reply)
	if err != nil {
		t.Fatalf("unmarshal reply: %v", err)
	}
	if env.Type != frame.TypeAuthError {
		t.Fatalf("reply type = %q, want %q", env.Type, frame.TypeAuthError)
	}
}

func TestNewUpgrader_OriginPolicy(t *testing.T) {
	allowed := NewUpgrader(func(r *http.Request) bool { return r.Header.Get("Origin") == "https://trusted.example" })

	ok := httptest.NewRequest(http.MethodGet, "/stream", nil)
	ok.Header.Set("Origin", "https://trusted.example")
	if !allowed.upgrader.CheckOrigin(ok) {
		t.Error("CheckOrigin: trusted origin rejected")
	}

	bad := httptest.NewRequest(http.MethodGet, "/stream", nil)
	bad.Header.Set("Origin", "https://evil.example")
	if allowed.upgrader.CheckOrigin(bad) {
		t.Error("CheckOrigin: untrusted origin accepted")
	}
}
