package handler

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/teamchat/internal/middleware"
	"github.com/teamchat/internal/ws"
)

func TestEventsOriginPolicy(t *testing.T) {
	h := NewEventsHandler(nil, "https://chat.example.com, https://Admin.example.com")
	cases := []struct {
		origin string
		want   bool
	}{
		{"", true},
		{"https://chat.example.com", true},
		{"https://admin.example.com", true},
		{"https://evil.example.com", false},
	}
	for _, tc := range cases {
		r := httptest.NewRequest(http.MethodGet, "/ws", nil)
		if tc.origin != "" {
			r.Header.Set("Origin", tc.origin)
		}
		assert.Equal(t, tc.want, h.originAllowed(r), tc.origin)
	}

	open := NewEventsHandler(nil, "")
	r := httptest.NewRequest(http.MethodGet, "/ws", nil)
	r.Header.Set("Origin", "https://anything.example")
	assert.True(t, open.originAllowed(r))
}

func TestEventsRejectsPlainRequests(t *testing.T) {
	h := NewEventsHandler(ws.NewHub(nil, nil, 1), "*")

	w := httptest.NewRecorder()
	h.Serve(w, httptest.NewRequest(http.MethodGet, "/ws", nil))
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	r := httptest.NewRequest(http.MethodGet, "/ws", nil)
	r = r.WithContext(middleware.WithUserID(r.Context(), "alice"))
	w = httptest.NewRecorder()
	h.Serve(w, r)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.JSONEq(t, `{"error":"websocket upgrade required"}`, w.Body.String())
}
