package middleware

import (
	"context"
	"net/http"
	"time"

	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/adoptapet/adoptapet-backend/pkg/clientip"
	"github.com/adoptapet/adoptapet-backend/pkg/logger"
)

const requestInfoKey contextKey = "requestInfo"

// requestInfo is filled in by inner middleware (RequireAuth) so the access
// log, which wraps them, can report the user.
type requestInfo struct {
	userID string
}

func noteUserID(ctx context.Context, userID string) {
	if info, ok := ctx.Value(requestInfoKey).(*requestInfo); ok {
		info.userID = userID
	}
}

// RequestLogger logs every request with status and latency.
func RequestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
		info := &requestInfo{}

		next.ServeHTTP(ww, r.WithContext(context.WithValue(r.Context(), requestInfoKey, info)))

		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		event := logger.Info()
		if status >= 400 {
			event = logger.Warn()
		}
		if status >= 500 {
			event = logger.Error()
		}
		event.
			Str("request_id", chimw.GetReqID(r.Context())).
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", status).
			Dur("latency", time.Since(start)).
			Str("ip", clientip.RealClientIP(r)).
			Str("user_agent", r.UserAgent()).
			Str("user_id", info.userID).
			Int("body_size", ww.BytesWritten()).
			Msg("request")
	})
}
