package mid

import (
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5/middleware"

	"github.com/ahrav/market-scout/pkg/common/logger"
	"github.com/ahrav/market-scout/pkg/common/otel"
)

// Logger writes one line per request in the form "METHOD PATH STATUS".
func Logger(log *logger.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

			defer func() {
				ctx := r.Context()
				status := ww.Status()
				if status == 0 {
					status = http.StatusOK
				}
				log.Info(ctx, fmt.Sprintf("%s %s %d", r.Method, r.URL.Path, status),
					"remote_addr", r.RemoteAddr,
					"duration", time.Since(start),
					"request_id", middleware.GetReqID(ctx),
					"trace_id", otel.GetTraceID(ctx),
				)
			}()

			next.ServeHTTP(ww, r)
		})
	}
}
