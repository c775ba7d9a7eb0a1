package handler

import (
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/teamchat/internal/attachment"
	"github.com/teamchat/internal/config"
	"github.com/teamchat/internal/metrics"
	"github.com/teamchat/internal/middleware"
	"github.com/teamchat/internal/service"
	"github.com/teamchat/internal/storage"
	"github.com/teamchat/internal/ws"
)

// RouterDeps — всё, из чего собирается HTTP API.
type RouterDeps struct {
	Config   *config.Config
	Chat     *service.ChatService
	Users    middleware.UserUpserter
	Hub      *ws.Hub
	PushSubs storage.PushSubscriptionStore
	// VAPIDPublicKey пустой — push выключен.
	VAPIDPublicKey string
	// Uploads nil — загрузка вложений недоступна (503).
	Uploads *attachment.Service
	Files   *attachment.DiskStore
}

func NewRouter(d RouterDeps) http.Handler {
	cfg := d.Config
	convH := NewConversationHandler(d.Chat)
	msgH := NewMessageHandler(d.Chat)
	userH := NewUserHandler(d.Chat)
	pushH := NewPushHandler(d.PushSubs)
	configH := NewConfigHandler(cfg, d.VAPIDPublicKey)

	r := chi.NewRouter()
	r.Use(chimw.RealIP)
	r.Use(middleware.RecoverJSON)
	// Не сжимать WebSocket — иначе ResponseWriter не реализует http.Hijacker и upgrade даёт 500.
	compress := chimw.Compress(5)
	r.Use(func(next http.Handler) http.Handler {
		compressed := compress(next)
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			if strings.EqualFold(req.Header.Get("Upgrade"), "websocket") {
				next.ServeHTTP(w, req)
				return
			}
			compressed.ServeHTTP(w, req)
		})
	})
	r.Use(middleware.RequestLog)
	r.Use(middleware.Metrics)
	r.Use(middleware.SecureHeaders)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   splitOrigins(cfg.CORSAllowedOrigins),
		AllowedMethods:   []string{"GET", "POST", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK); w.Write([]byte("ok")) })
	r.With(middleware.InternalOnly(cfg.MetricsSecret)).Handle("/metrics", metrics.Handler())
	r.Get("/api/config/push", configH.GetPushConfig)
	r.Get("/api/config/client", configH.GetClientConfig)

	r.Group(func(r chi.Router) {
		r.Use(middleware.Auth(cfg.Auth.JWTSecret, cfg.Auth.CookieName, d.Users))
		r.Use(middleware.RateLimit(cfg.RateLimitRPS, cfg.RateLimitBurst))

		r.Get("/api/users", userH.List)
		r.Get("/api/users/me", userH.Me)

		r.Route("/api/conversations", func(r chi.Router) {
			r.Get("/", convH.List)
			r.Post("/", convH.Create)
			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", convH.Get)
				r.Patch("/", convH.Rename)
				r.Delete("/", convH.Delete)
				r.Post("/pin", convH.Pin)
				r.Post("/archive", convH.Archive)
				r.Post("/mute", convH.Mute)
				r.Post("/read", convH.MarkRead)
				r.Get("/typing", convH.ListTyping)
				r.Post("/typing", convH.SetTyping)
				r.Get("/messages", msgH.List)
				r.Post("/messages", msgH.Send)
				r.Patch("/messages/{msgId}", msgH.Edit)
				r.Delete("/messages/{msgId}", msgH.Delete)
				r.Post("/messages/{msgId}/reactions", msgH.ToggleReaction)
				r.Post("/messages/{msgId}/forward", msgH.Forward)
			})
		})

		if d.Uploads != nil {
			uploadH := NewUploadHandler(d.Uploads, d.Files)
			r.Post("/api/uploads", uploadH.Upload)
			r.Get("/api/files/*", uploadH.Serve)
		} else {
			r.Post("/api/uploads", func(w http.ResponseWriter, _ *http.Request) {
				writeError(w, http.StatusServiceUnavailable, "uploads are not configured")
			})
		}

		r.Post("/api/push/subscribe", pushH.Subscribe)
		r.Delete("/api/push/subscribe", pushH.Unsubscribe)

		if d.Hub != nil {
			r.Get("/ws", NewEventsHandler(d.Hub, cfg.CORSAllowedOrigins).Serve)
		}
	})

	return r
}

func splitOrigins(s string) []string {
	var out []string
	for _, o := range strings.Split(s, ",") {
		if o = strings.TrimSpace(o); o != "" {
			out = append(out, o)
		}
	}
	if len(out) == 0 {
		return []string{"*"}
	}
	return out
}
