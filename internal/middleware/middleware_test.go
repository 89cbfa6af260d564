package middleware

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"
	"golang.org/x/time/rate"

	"github.com/adoptapet/adoptapet-backend/internal/mocks"
	"github.com/adoptapet/adoptapet-backend/internal/services"
)

func echoUser() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		userID, _ := UserIDFromContext(r.Context())
		w.Write([]byte(userID))
	})
}

func TestBearerToken(t *testing.T) {
	r := httptest.NewRequest("GET", "/ws/chat?token=from-query", nil)
	assert.Equal(t, "from-query", BearerToken(r))

	r.Header.Set("Authorization", "bearer from-header")
	assert.Equal(t, "from-header", BearerToken(r))

	r = httptest.NewRequest("GET", "/", nil)
	r.Header.Set("Authorization", "Basic abc")
	assert.Empty(t, BearerToken(r))
}

func TestRequireAuth(t *testing.T) {
	ctrl := gomock.NewController(t)
	auth := mocks.NewMockAuthenticator(ctrl)
	h := RequireAuth(auth)(echoUser())

	t.Run("missing token", func(t *testing.T) {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest("GET", "/api/chats", nil))
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
		assert.JSONEq(t, `{"success":false,"code":"UNAUTHORIZED","message":"missing session token"}`, rec.Body.String())
	})

	t.Run("valid token", func(t *testing.T) {
		auth.EXPECT().Authenticate(gomock.Any(), "good").Return("alice", nil)
		req := httptest.NewRequest("GET", "/api/chats", nil)
		req.Header.Set("Authorization", "Bearer good")
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "alice", rec.Body.String())
	})

	t.Run("invalid token", func(t *testing.T) {
		auth.EXPECT().Authenticate(gomock.Any(), "bad").Return("", services.ErrInvalidCredential)
		req := httptest.NewRequest("GET", "/api/chats", nil)
		req.Header.Set("Authorization", "Bearer bad")
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	})

	t.Run("authenticator outage", func(t *testing.T) {
		auth.EXPECT().Authenticate(gomock.Any(), "tok").Return("", errors.New("redis down"))
		req := httptest.NewRequest("GET", "/api/chats", nil)
		req.Header.Set("Authorization", "Bearer tok")
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	})
}

func TestCORS(t *testing.T) {
	h := CORS([]string{"https://adoptapet.app"})(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))

	req := httptest.NewRequest("OPTIONS", "/api/chats", nil)
	req.Header.Set("Origin", "https://ADOPTAPET.app")
	req.Header.Set("Access-Control-Request-Method", "POST")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, "https://ADOPTAPET.app", rec.Header().Get("Access-Control-Allow-Origin"))
	assert.Equal(t, "true", rec.Header().Get("Access-Control-Allow-Credentials"))

	req = httptest.NewRequest("GET", "/api/chats", nil)
	req.Header.Set("Origin", "https://evil.example")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Empty(t, rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestCheckOrigin(t *testing.T) {
	check := CheckOrigin([]string{"http://localhost:3000"})

	r := httptest.NewRequest("GET", "/ws/chat", nil)
	assert.True(t, check(r), "non-browser clients send no origin")

	r.Header.Set("Origin", "http://localhost:3000")
	assert.True(t, check(r))

	r.Header.Set("Origin", "http://localhost:4000")
	assert.False(t, check(r))
}

func TestHostCheck(t *testing.T) {
	h := HostCheck("chat.adoptapet.app")(echoUser())

	req := httptest.NewRequest("GET", "http://chat.adoptapet.app:8080/health", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)

	req = httptest.NewRequest("GET", "http://other.example/health", nil)
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestChatRateLimit_KeyedByUser(t *testing.T) {
	h := ChatRateLimit()(echoUser())

	send := func(userID string) int {
		req := httptest.NewRequest("GET", "/api/chats", nil)
		req = req.WithContext(WithUserID(req.Context(), userID))
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		return rec.Code
	}

	for i := 0; i < chatAPIBurst; i++ {
		require.Equal(t, http.StatusOK, send("alice"))
	}
	assert.Equal(t, http.StatusTooManyRequests, send("alice"))
	assert.Equal(t, http.StatusOK, send("bob"), "other users keep their own bucket")
}

func TestGlobalRateLimit_ExemptsRealtime(t *testing.T) {
	h := GlobalRateLimit()(echoUser())
	for i := 0; i < globalRateLimitBurst*2; i++ {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest("GET", "/socket.io/?EIO=3&transport=polling", nil))
		require.Equal(t, http.StatusOK, rec.Code)
	}

	var limited bool
	for i := 0; i < globalRateLimitBurst*2; i++ {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest("GET", "/api/chats", nil))
		if rec.Code == http.StatusTooManyRequests {
			limited = true
			break
		}
	}
	assert.True(t, limited)
}

func TestKeyedLimiter_Sweep(t *testing.T) {
	k := newKeyedLimiter(rate.Limit(1), 1)
	k.allow("a")
	k.allow("b")
	require.Equal(t, 2, k.size())

	k.sweep(time.Now())
	assert.Equal(t, 2, k.size())

	k.sweep(time.Now().Add(limiterTTL + time.Minute))
	assert.Zero(t, k.size())
}

func TestRequestLogger_SeesAuthenticatedUser(t *testing.T) {
	ctrl := gomock.NewController(t)
	auth := mocks.NewMockAuthenticator(ctrl)
	auth.EXPECT().Authenticate(gomock.Any(), "tok").Return("alice", nil)

	var seen *requestInfo
	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen, _ = r.Context().Value(requestInfoKey).(*requestInfo)
	})
	h := RequestLogger(RequireAuth(auth)(inner))

	req := httptest.NewRequest("GET", "/api/chats", nil).WithContext(context.Background())
	req.Header.Set("Authorization", "Bearer tok")
	h.ServeHTTP(httptest.NewRecorder(), req)

	require.NotNil(t, seen)
	assert.Equal(t, "alice", seen.userID)
}
