package handler

import (
	"net/http"

	"github.com/teamchat/internal/config"
)

// ConfigHandler отдаёт публичные параметры для клиента (без авторизации).
type ConfigHandler struct {
	cfg            *config.Config
	vapidPublicKey string
}

func NewConfigHandler(cfg *config.Config, vapidPublicKey string) *ConfigHandler {
	return &ConfigHandler{cfg: cfg, vapidPublicKey: vapidPublicKey}
}

// GetPushConfig возвращает публичный VAPID-ключ для подписки на пуши (если включены).
func (h *ConfigHandler) GetPushConfig(w http.ResponseWriter, r *http.Request) {
	if h.vapidPublicKey == "" {
		writeJSON(w, http.StatusOK, map[string]any{"enabled": false})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"enabled":          true,
		"vapid_public_key": h.vapidPublicKey,
	})
}

// GetClientConfig — параметры, которые клиент синхронизации берёт с сервера.
func (h *ConfigHandler) GetClientConfig(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"typing_ttl_seconds": int(h.cfg.TypingTTL.Seconds()),
		"max_upload_size":    h.cfg.MaxUploadSize,
	})
}
