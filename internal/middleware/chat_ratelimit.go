package middleware

import (
	"net/http"
	"strconv"

	"golang.org/x/time/rate"

	"github.com/adoptapet/adoptapet-backend/pkg/clientip"
)

// Chat API rate limit, per authenticated user (per IP when no user is on the
// context). 60 req/min, burst 30: enough for switching between chats quickly.
const (
	chatAPIRPS   = 1
	chatAPIBurst = 30
)

// ChatRateLimit must run after RequireAuth so requests are keyed by user.
func ChatRateLimit() func(http.Handler) http.Handler {
	limiter := newKeyedLimiter(rate.Limit(chatAPIRPS), chatAPIBurst)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := "ip:" + clientip.RealClientIP(r)
			if userID, ok := UserIDFromContext(r.Context()); ok {
				key = "user:" + userID
			}
			if !limiter.allow(key) {
				writeRateLimited(w, chatAPIBurst, "Too many chat requests. Please slow down.")
				return
			}
			w.Header().Set("X-RateLimit-Limit", strconv.Itoa(chatAPIBurst))
			next.ServeHTTP(w, r)
		})
	}
}
