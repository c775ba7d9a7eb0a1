package push

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	webpush "github.com/SherClockHolmes/webpush-go"

	"github.com/teamchat/internal/logger"
)

// VAPIDKeys — пара ключей Web Push. Браузер получает PublicKey через GET /api/config/push.
type VAPIDKeys struct {
	PublicKey  string `json:"public_key"`
	PrivateKey string `json:"private_key"`
}

// Validate проверяет формат: base64url, публичный ключ — несжатая точка P-256, приватный — не длиннее 32 байт.
func (k *VAPIDKeys) Validate() error {
	pub, err := base64.RawURLEncoding.DecodeString(k.PublicKey)
	if err != nil || len(pub) != 65 || pub[0] != 0x04 {
		return errors.New("vapid: malformed public key")
	}
	priv, err := base64.RawURLEncoding.DecodeString(k.PrivateKey)
	if err != nil || len(priv) == 0 || len(priv) > 32 {
		return errors.New("vapid: malformed private key")
	}
	return nil
}

// EnsureVAPIDKeys читает ключи из path, а если файла нет — генерирует и сохраняет.
// Повреждённый файл — ошибка: новые ключи сделали бы недействительными все подписки.
func EnsureVAPIDKeys(path string) (*VAPIDKeys, error) {
	if path == "" {
		return nil, errors.New("vapid: keys file is not configured")
	}
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		var keys VAPIDKeys
		if err := json.Unmarshal(data, &keys); err != nil {
			return nil, fmt.Errorf("vapid: parse %s: %w", path, err)
		}
		if err := keys.Validate(); err != nil {
			return nil, fmt.Errorf("%w (%s)", err, path)
		}
		return &keys, nil
	case !errors.Is(err, fs.ErrNotExist):
		return nil, fmt.Errorf("vapid: read %s: %w", path, err)
	}

	priv, pub, err := webpush.GenerateVAPIDKeys()
	if err != nil {
		return nil, fmt.Errorf("vapid: generate: %w", err)
	}
	keys := &VAPIDKeys{PublicKey: pub, PrivateKey: priv}
	if err := writeFileAtomic(path, keys); err != nil {
		// ключи рабочие до рестарта; после рестарта подписки придётся оформить заново
		logger.Errorf("push: VAPID-ключи не сохранены в %s: %v", path, err)
		return keys, nil
	}
	logger.Infof("push: VAPID-ключи сгенерированы и сохранены в %s", path)
	return keys, nil
}

// writeFileAtomic пишет во временный файл рядом и переименовывает: полузаписанный файл ключей не остаётся.
func writeFileAtomic(path string, keys *VAPIDKeys) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	data, err := json.MarshalIndent(keys, "", "  ")
	if err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".vapid-*.json")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Chmod(0o600); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}
