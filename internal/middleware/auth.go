package middleware

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/teamchat/internal/logger"
	"github.com/teamchat/internal/model"
)

// touchInterval — как часто обновлять строку пользователя (last_seen, имя, аватар) по одному и тому же токену.
const touchInterval = 30 * time.Second

// Claims — сессионный JWT внешнего сервиса авторизации. sub — id пользователя.
type Claims struct {
	Name   string `json:"name"`
	Avatar string `json:"avatar,omitempty"`
	jwt.RegisteredClaims
}

// UserUpserter — то, что Auth нужно от хранилища пользователей.
type UserUpserter interface {
	Upsert(ctx context.Context, u *model.User) error
}

// NewToken выпускает HS256-токен. Выпуск сессий делает внешний auth; здесь для CLI и тестов.
func NewToken(secret, userID, name, avatar string, ttl time.Duration) (string, error) {
	now := time.Now().UTC()
	claims := Claims{
		Name:   name,
		Avatar: avatar,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}

// ParseToken проверяет подпись и срок действия.
func ParseToken(secret, token string) (*Claims, error) {
	tok, err := jwt.ParseWithClaims(token, &Claims{}, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return []byte(secret), nil
	}, jwt.WithExpirationRequired())
	if err != nil {
		return nil, err
	}
	claims, ok := tok.Claims.(*Claims)
	if !ok || !tok.Valid || claims.Subject == "" {
		return nil, jwt.ErrTokenInvalidClaims
	}
	return claims, nil
}

// tokenFromRequest: сначала cookie сессии (браузер, same-origin), затем Authorization: Bearer (CLI).
func tokenFromRequest(r *http.Request, cookieName string) string {
	if c, err := r.Cookie(cookieName); err == nil && c.Value != "" {
		return c.Value
	}
	h := r.Header.Get("Authorization")
	if len(h) > 7 && strings.EqualFold(h[:7], "bearer ") {
		return strings.TrimSpace(h[7:])
	}
	return ""
}

// Auth проверяет сессионный JWT, обновляет пользователя в хранилище и кладёт user_id в контекст.
func Auth(secret, cookieName string, users UserUpserter) func(http.Handler) http.Handler {
	var (
		mu      sync.Mutex
		touched = make(map[string]time.Time)
	)
	needTouch := func(key string, now time.Time) bool {
		mu.Lock()
		defer mu.Unlock()
		if t, ok := touched[key]; ok && now.Sub(t) < touchInterval {
			return false
		}
		touched[key] = now
		if len(touched) > 10000 {
			for k, t := range touched {
				if now.Sub(t) >= touchInterval {
					delete(touched, k)
				}
			}
		}
		return true
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			raw := tokenFromRequest(r, cookieName)
			if raw == "" {
				writeError(w, http.StatusUnauthorized, "unauthorized")
				return
			}
			claims, err := ParseToken(secret, raw)
			if err != nil {
				if !errors.Is(err, jwt.ErrTokenExpired) {
					logger.Debugf("auth: invalid token %s: %v", maskToken(raw), err)
				}
				writeError(w, http.StatusUnauthorized, "unauthorized")
				return
			}
			now := time.Now().UTC()
			// Ключ включает имя и аватар: смена профиля в auth сразу доходит до чата.
			if users != nil && needTouch(claims.Subject+"\x00"+claims.Name+"\x00"+claims.Avatar, now) {
				name := claims.Name
				if name == "" {
					name = claims.Subject
				}
				u := &model.User{ID: claims.Subject, Username: name, AvatarURL: claims.Avatar, LastSeenAt: now}
				if err := users.Upsert(r.Context(), u); err != nil {
					logger.Errorf("auth: upsert user %s: %v", claims.Subject, err)
					writeError(w, http.StatusInternalServerError, "internal server error")
					return
				}
			}
			next.ServeHTTP(w, r.WithContext(WithUserID(r.Context(), claims.Subject)))
		})
	}
}

// maskToken: в логах только префикс JWT.
func maskToken(s string) string {
	if s = strings.TrimSpace(s); len(s) <= 8 {
		return "****"
	}
	return s[:8] + "***"
}
