package mid

import (
	"net/http"

	"go.opentelemetry.io/otel/trace"

	"github.com/ahrav/market-scout/pkg/common/otel"
)

// Otel stores the tracer in the request context so handlers can start child
// spans of the server span opened by otelhttp.
func Otel(tracer trace.Tracer) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := otel.InjectTracing(r.Context(), tracer)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
