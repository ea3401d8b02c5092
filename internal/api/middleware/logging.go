package middleware

import (
	"net/http"
	"time"

	chimw "github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"
)

// RequestLogger writes one access log line per request
func RequestLogger(log *zap.SugaredLogger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			ctx, slot := withPrincipalSlot(r.Context())
			r = r.WithContext(ctx)

			defer func() {
				fields := []interface{}{
					"method", r.Method,
					"path", r.URL.Path,
					"status", ww.Status(),
					"bytes", ww.BytesWritten(),
					"duration", time.Since(start),
					"request_id", chimw.GetReqID(r.Context()),
				}
				if p, ok := slot.get(); ok {
					fields = append(fields, "principal", p.Key())
				}
				switch {
				case ww.Status() >= 500:
					log.Errorw("Request failed", fields...)
				case ww.Status() >= 400:
					log.Infow("Request rejected", fields...)
				default:
					log.Debugw("Request served", fields...)
				}
			}()

			next.ServeHTTP(ww, r)
		})
	}
}
