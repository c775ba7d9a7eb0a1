// Package attachment принимает файлы вложений (изображения, голосовые, файлы) и кладёт их в объектное хранилище.
package attachment

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"path/filepath"
	"strings"
	"time"
	"unicode"

	"github.com/google/uuid"

	"github.com/teamchat/internal/logger"
	"github.com/teamchat/internal/model"
)

// ErrRejected — файл не принят (тип, размер, содержимое). Текст ошибки можно показать пользователю.
var ErrRejected = errors.New("attachment rejected")

func rejected(msg string) error { return fmt.Errorf("%w: %s", ErrRejected, msg) }

// Блокируем только опасные расширения (исполняемые/скрипты). Остальные — разрешены.
var BlockedExt = map[string]bool{
	".exe": true, ".sh": true, ".js": true, ".bat": true, ".cmd": true,
	".php": true, ".py": true, ".rb": true, ".msi": true, ".ps1": true,
}

// ObjectStore — куда складываются байты. Put возвращает URL, по которому файл будет доступен клиенту.
type ObjectStore interface {
	Put(ctx context.Context, key string, r io.Reader, size int64, contentType string) (string, error)
}

// UploadInput — один загружаемый файл.
type UploadInput struct {
	Reader      io.Reader
	Filename    string
	ContentType string
	Size        int64
	// Sticker помечает вложение как стикер (тип по content-type не определить).
	Sticker bool
}

// Service проверяет и сохраняет вложения.
type Service struct {
	store   ObjectStore
	maxSize int64
	now     func() time.Time
	newID   func() string
}

func NewService(store ObjectStore, maxSize int64) *Service {
	return &Service{
		store:   store,
		maxSize: maxSize,
		now:     time.Now,
		newID:   func() string { return uuid.New().String() },
	}
}

// MaxSize — лимит размера одного файла в байтах.
func (s *Service) MaxSize() int64 { return s.maxSize }

// Upload сохраняет файл под ключом YYYY/MM/DD/<uuid><ext> и возвращает вложение для отправки в сообщении.
func (s *Service) Upload(ctx context.Context, in UploadInput) (*model.Attachment, error) {
	defer logger.DeferLogDuration("attachment.Upload", time.Now())()
	if s.maxSize > 0 && in.Size > s.maxSize {
		return nil, rejected("file too large")
	}

	// В ряде клиентов/прокси пробел в имени кодируется как "+"; нормализуем для отображения и расширения.
	rawFilename := strings.ReplaceAll(in.Filename, "+", " ")
	ext := strings.ToLower(filepath.Ext(rawFilename))
	if BlockedExt[ext] {
		return nil, rejected("file type not allowed")
	}

	head := make([]byte, 512)
	n, err := io.ReadFull(in.Reader, head)
	if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("attachment.Upload: read: %w", err)
	}
	head = head[:n]
	if n == 0 {
		return nil, rejected("file is empty")
	}
	if !matchMagic(ext, head) {
		return nil, rejected("file content does not match type")
	}

	contentType := in.ContentType
	if contentType == "" || contentType == "application/octet-stream" {
		contentType = http.DetectContentType(head)
	}
	if ext == "" {
		ext = extensionFor(contentType)
	}

	key := fmt.Sprintf("%s/%s%s", s.now().UTC().Format("2006/01/02"), s.newID(), ext)
	body := io.MultiReader(bytes.NewReader(head), in.Reader)
	url, err := s.store.Put(ctx, key, body, in.Size, contentType)
	if err != nil {
		return nil, fmt.Errorf("attachment.Upload: %w", err)
	}

	// Имя для отображения: только базовая часть без пути, безопасные символы; иначе — ключ.
	displayName := safeFilename(filepath.Base(rawFilename))
	if displayName == "" || displayName == "." {
		displayName = filepath.Base(key)
	}

	return &model.Attachment{
		ID:       strings.TrimSuffix(filepath.Base(key), ext),
		Filename: displayName,
		URL:      url,
		Size:     in.Size,
		Type:     TypeFor(contentType, in.Sticker),
	}, nil
}

// TypeFor: image/* → image, audio/* → voice, иначе file.
func TypeFor(contentType string, sticker bool) model.AttachmentType {
	if sticker {
		return model.AttachmentSticker
	}
	mt, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		mt = contentType
	}
	switch {
	case strings.HasPrefix(mt, "image/"):
		return model.AttachmentImage
	case strings.HasPrefix(mt, "audio/"):
		return model.AttachmentVoice
	}
	return model.AttachmentFile
}

func extensionFor(contentType string) string {
	mt, _, _ := mime.ParseMediaType(contentType)
	switch mt {
	case "image/jpeg":
		return ".jpg"
	case "image/png":
		return ".png"
	case "image/gif":
		return ".gif"
	case "image/webp":
		return ".webp"
	case "audio/webm":
		return ".webm"
	case "audio/ogg":
		return ".ogg"
	case "audio/mpeg":
		return ".mp3"
	case "application/pdf":
		return ".pdf"
	}
	return ""
}

func matchMagic(ext string, head []byte) bool {
	switch ext {
	case ".jpg", ".jpeg":
		return len(head) >= 3 && head[0] == 0xFF && head[1] == 0xD8 && head[2] == 0xFF
	case ".png":
		return len(head) >= 8 && bytes.Equal(head[:8], []byte{0x89, 0x50, 0x4E, 0x47, 0x0D, 0x0A, 0x1A, 0x0A})
	case ".gif":
		return len(head) >= 6 && (bytes.Equal(head[:6], []byte("GIF87a")) || bytes.Equal(head[:6], []byte("GIF89a")))
	case ".webp":
		return len(head) >= 12 && bytes.Equal(head[8:12], []byte("WEBP"))
	case ".pdf":
		return len(head) >= 5 && bytes.Equal(head[:5], []byte("%PDF-"))
	case ".webm":
		return len(head) >= 4 && bytes.Equal(head[:4], []byte{0x1A, 0x45, 0xDF, 0xA3})
	case ".ogg":
		return len(head) >= 4 && bytes.Equal(head[:4], []byte("OggS"))
	}
	return true
}

// safeFilename убирает управляющие символы, кавычки и разделители пути. UTF-8 сохраняется.
func safeFilename(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return ""
	}
	var b strings.Builder
	for _, r := range s {
		switch r {
		case '\r', '\n', '"', '\\', '/', '\x00':
			continue
		}
		if unicode.IsPrint(r) {
			b.WriteRune(r)
		}
	}
	return strings.TrimSpace(b.String())
}
