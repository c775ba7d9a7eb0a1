// Package chatsync — клиентский слой синхронизации: запросы к API чата, кеш с инвалидацией,
// производные представления и машины состояний набора текста и записи голоса.
package chatsync

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/cookiejar"
	"net/textproto"
	"net/url"
	"strings"
	"time"

	"github.com/teamchat/internal/model"
)

// DefaultRequestTimeout ограничивает каждый запрос: без него зависший fetch неотличим от медленного.
const DefaultRequestTimeout = 15 * time.Second

// APIError — ответ сервера с кодом не 2xx. Message — поле error из тела, как есть.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("api: status %d", e.Status)
	}
	return fmt.Sprintf("api: status %d: %s", e.Status, e.Message)
}

// Client — HTTP-клиент API чата. Сессия передаётся cookie, как у браузера на том же origin.
type Client struct {
	base *url.URL
	http *http.Client
}

type ClientOption func(*Client)

// WithHTTPClient подменяет http.Client (jar у него должен быть свой).
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) { c.http = hc }
}

// WithTimeout задаёт таймаут одного запроса.
func WithTimeout(d time.Duration) ClientOption {
	return func(c *Client) { c.http.Timeout = d }
}

// NewClient: baseURL — адрес сервера без /api, token кладётся в cookie cookieName.
func NewClient(baseURL, cookieName, token string, opts ...ClientOption) (*Client, error) {
	u, err := url.Parse(strings.TrimSuffix(baseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("chatsync.NewClient: %w", err)
	}
	jar, err := cookiejar.New(nil)
	if err != nil {
		return nil, fmt.Errorf("chatsync.NewClient: %w", err)
	}
	if token != "" {
		jar.SetCookies(u, []*http.Cookie{{Name: cookieName, Value: token, Path: "/"}})
	}
	c := &Client{base: u, http: &http.Client{Jar: jar, Timeout: DefaultRequestTimeout}}
	for _, o := range opts {
		o(c)
	}
	return c, nil
}

// BaseURL returns the server address the client talks to.
func (c *Client) BaseURL() *url.URL { return c.base }

// Cookies returns the session cookies for the server (used to authenticate the event stream).
func (c *Client) Cookies() []*http.Cookie {
	if c.http.Jar == nil {
		return nil
	}
	return c.http.Jar.Cookies(c.base)
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var rd io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode %s %s: %w", method, path, err)
		}
		rd = bytes.NewReader(buf)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base.String()+path, rd)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return c.send(req, out)
}

func (c *Client) send(req *http.Request, out any) error {
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		apiErr := &APIError{Status: resp.StatusCode}
		var body struct {
			Error string `json:"error"`
		}
		if json.NewDecoder(io.LimitReader(resp.Body, 64<<10)).Decode(&body) == nil {
			apiErr.Message = body.Error
		}
		return apiErr
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s %s: %w", req.Method, req.URL.Path, err)
	}
	return nil
}

// ServerMessage возвращает текст ошибки сервера, если err — APIError с непустым сообщением.
func ServerMessage(err error) (string, bool) {
	var apiErr *APIError
	if errors.As(err, &apiErr) && apiErr.Message != "" {
		return apiErr.Message, true
	}
	return "", false
}

func convPath(id string, rest ...string) string {
	p := "/api/conversations/" + url.PathEscape(id)
	for _, r := range rest {
		p += "/" + r
	}
	return p
}

func (c *Client) ListConversations(ctx context.Context) ([]model.Conversation, error) {
	var out []model.Conversation
	return out, c.do(ctx, http.MethodGet, "/api/conversations", nil, &out)
}

func (c *Client) GetConversation(ctx context.Context, id string) (*model.Conversation, error) {
	var out model.Conversation
	if err := c.do(ctx, http.MethodGet, convPath(id), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) CreateDirect(ctx context.Context, userID string) (*model.Conversation, error) {
	var out model.Conversation
	if err := c.do(ctx, http.MethodPost, "/api/conversations", map[string]string{"user_id": userID}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) CreateGroup(ctx context.Context, name string, memberIDs []string) (*model.Conversation, error) {
	var out model.Conversation
	body := map[string]any{"name": name, "member_ids": memberIDs}
	if err := c.do(ctx, http.MethodPost, "/api/conversations", body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) Rename(ctx context.Context, id, name string) (*model.Conversation, error) {
	var out model.Conversation
	if err := c.do(ctx, http.MethodPatch, convPath(id), map[string]string{"name": name}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) DeleteConversation(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, convPath(id), nil, nil)
}

func (c *Client) setFlag(ctx context.Context, id, flag string, v bool) (*model.Conversation, error) {
	var out model.Conversation
	if err := c.do(ctx, http.MethodPost, convPath(id, flag), map[string]bool{"value": v}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) SetPinned(ctx context.Context, id string, v bool) (*model.Conversation, error) {
	return c.setFlag(ctx, id, "pin", v)
}

func (c *Client) SetArchived(ctx context.Context, id string, v bool) (*model.Conversation, error) {
	return c.setFlag(ctx, id, "archive", v)
}

func (c *Client) SetMuted(ctx context.Context, id string, v bool) (*model.Conversation, error) {
	return c.setFlag(ctx, id, "mute", v)
}

// MarkRead: пустой messageID — прочитано всё.
func (c *Client) MarkRead(ctx context.Context, id, messageID string) error {
	body := map[string]string{}
	if messageID != "" {
		body["message_id"] = messageID
	}
	return c.do(ctx, http.MethodPost, convPath(id, "read"), body, nil)
}

func (c *Client) ListMessages(ctx context.Context, convID string) ([]model.Message, error) {
	var out []model.Message
	return out, c.do(ctx, http.MethodGet, convPath(convID, "messages"), nil, &out)
}

// SendRequest — тело отправки сообщения.
type SendRequest struct {
	Content          string             `json:"content"`
	Attachments      []model.Attachment `json:"attachments,omitempty"`
	MentionedUserIDs []string           `json:"mentioned_user_ids,omitempty"`
	ReplyToID        string             `json:"reply_to_id,omitempty"`
}

func (c *Client) SendMessage(ctx context.Context, convID string, req SendRequest) (*model.Message, error) {
	var out model.Message
	if err := c.do(ctx, http.MethodPost, convPath(convID, "messages"), req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) EditMessage(ctx context.Context, convID, msgID, content string) (*model.Message, error) {
	var out model.Message
	if err := c.do(ctx, http.MethodPatch, convPath(convID, "messages", url.PathEscape(msgID)),
		map[string]string{"content": content}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) DeleteMessage(ctx context.Context, convID, msgID string) error {
	return c.do(ctx, http.MethodDelete, convPath(convID, "messages", url.PathEscape(msgID)), nil, nil)
}

func (c *Client) ToggleReaction(ctx context.Context, convID, msgID, emoji string) (*model.Message, error) {
	var out model.Message
	if err := c.do(ctx, http.MethodPost, convPath(convID, "messages", url.PathEscape(msgID), "reactions"),
		map[string]string{"emoji": emoji}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) ForwardMessage(ctx context.Context, convID, msgID, targetConvID string) (*model.Message, error) {
	var out model.Message
	if err := c.do(ctx, http.MethodPost, convPath(convID, "messages", url.PathEscape(msgID), "forward"),
		map[string]string{"conversation_id": targetConvID}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) ListTyping(ctx context.Context, convID string) ([]model.TypingUser, error) {
	var out []model.TypingUser
	return out, c.do(ctx, http.MethodGet, convPath(convID, "typing"), nil, &out)
}

func (c *Client) SetTyping(ctx context.Context, convID string, on bool) error {
	return c.do(ctx, http.MethodPost, convPath(convID, "typing"), map[string]bool{"typing": on}, nil)
}

func (c *Client) ListUsers(ctx context.Context) ([]model.UserPublic, error) {
	var out []model.UserPublic
	return out, c.do(ctx, http.MethodGet, "/api/users", nil, &out)
}

func (c *Client) Me(ctx context.Context) (*model.User, error) {
	var out model.User
	if err := c.do(ctx, http.MethodGet, "/api/users/me", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Upload отправляет файл (или запись голоса) и возвращает вложение для SendRequest.
func (c *Client) Upload(ctx context.Context, filename, contentType string, data io.Reader) (*model.Attachment, error) {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", fmt.Sprintf(`form-data; name="file"; filename=%q`, filename))
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	h.Set("Content-Type", contentType)
	part, err := mw.CreatePart(h)
	if err != nil {
		return nil, err
	}
	if _, err := io.Copy(part, data); err != nil {
		return nil, fmt.Errorf("upload %s: %w", filename, err)
	}
	if err := mw.Close(); err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base.String()+"/api/uploads", &buf)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	var out model.Attachment
	if err := c.send(req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}
