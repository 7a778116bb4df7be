package http

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/accessguard/accessguard/internal/apperr"
)

func TestStatusForKind(t *testing.T) {
	cases := []struct {
		kind apperr.Kind
		want int
	}{
		{apperr.KindInvalidRequest, http.StatusBadRequest},
		{apperr.KindUnauthorized, http.StatusUnauthorized},
		{apperr.KindTokenExpired, http.StatusUnauthorized},
		{apperr.KindSessionExpired, http.StatusUnauthorized},
		{apperr.KindInsufficientPerms, http.StatusForbidden},
		{apperr.KindRateLimitExceeded, http.StatusTooManyRequests},
		{apperr.KindConcurrentLimit, http.StatusTooManyRequests},
		{apperr.KindCacheUnavailable, http.StatusServiceUnavailable},
		{apperr.KindUpstreamTimeout, http.StatusGatewayTimeout},
		{apperr.KindInternal, http.StatusInternalServerError},
	}
	for _, c := range cases {
		if got := statusForKind(c.kind); got != c.want {
			t.Errorf("statusForKind(%s) = %d, want %d", c.kind, got, c.want)
		}
	}
}

func TestWriteError_SanitizesMessage(t *testing.T) {
	rec := httptest.NewRecorder()
	writeError(rec, apperr.Wrap(apperr.KindInternal, "should not leak", errFromDB()))

	if rec.Code != http.StatusInternalServerError {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusInternalServerError)
	}
	if got := rec.Body.String(); !strings.Contains(got, "internal server error") {
		t.Errorf("body = %q, want generic internal message", got)
	}
}

func TestSessionCookie_SetReadClear(t *testing.T) {
	rec := httptest.NewRecorder()
	setSessionCookie(rec, "sess-123")

	req := httptest.NewRequest(http.MethodGet, "/auth/validate", nil)
	for _, c := range rec.Result().Cookies() {
		req.AddCookie(c)
	}

	if got := readSessionCookie(req); got != "sess-123" {
		t.Errorf("readSessionCookie() = %q, want sess-123", got)
	}

	rec2 := httptest.NewRecorder()
	clearSessionCookie(rec2)
	cleared := rec2.Result().Cookies()
	if len(cleared) != 1 || cleared[0].MaxAge >= 0 {
		t.Errorf("clearSessionCookie did not expire the cookie: %+v", cleared)
	}
}

func errFromDB() error {
	return &dbError{}
}

type dbError struct{}

func (e *dbError) Error() string { return "connection refused to db.internal:5432" }
