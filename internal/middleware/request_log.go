package middleware

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/teamchat/internal/logger"
	"github.com/teamchat/internal/metrics"
)

// RequestLog логирует каждый HTTP-запрос: method, path, статус и время выполнения.
// Медленные запросы и ошибки 5xx пишутся на уровне info/error, остальные на debug.
func RequestLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrap := wrapWriter(w)
		next.ServeHTTP(wrap, r)
		d := time.Since(start)
		log := logger.With("method", r.Method, "path", r.URL.Path, "status", wrap.status, "duration", d)
		switch {
		case wrap.status >= http.StatusInternalServerError:
			log.Error("http request failed")
		case d >= logger.SlowThreshold:
			log.Info("slow http request")
		default:
			log.Debug("http request")
		}
	})
}

// Metrics считает запросы и задержку по шаблону маршрута chi (а не по сырому пути, чтобы не плодить метки).
func Metrics(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrap := wrapWriter(w)
		next.ServeHTTP(wrap, r)
		route := ""
		if rc := chi.RouteContext(r.Context()); rc != nil {
			route = rc.RoutePattern()
		}
		metrics.ObserveRequest(r.Method, route, wrap.status, time.Since(start))
	})
}
