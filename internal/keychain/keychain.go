package keychain

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"

	"github.com/zalando/go-keyring"

	"vpngate/internal/models"
	"vpngate/pkg/jsonhelper"
)

const (
	DefaultService = "vpngate-app"

	masterSecretKey = "vpngate-master-secret"
	credentialsKey  = "vpngate-credentials"
	authKey         = "vpngate-auth"
)

// Keychain keeps the session material in the OS keyring.
type Keychain struct {
	service string
}

func New(service string) *Keychain {
	if service == "" {
		service = DefaultService
	}
	return &Keychain{service: service}
}

// MasterSecret returns the secret the local database is sealed with,
// creating one on first use.
func (k *Keychain) MasterSecret() (string, error) {
	secret, err := keyring.Get(k.service, masterSecretKey)
	if err == nil && secret != "" {
		return secret, nil
	}
	if err != nil && !errors.Is(err, keyring.ErrNotFound) {
		return "", fmt.Errorf("read master secret: %w", err)
	}

	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	secret = base64.StdEncoding.EncodeToString(buf)
	if err := keyring.Set(k.service, masterSecretKey, secret); err != nil {
		return "", fmt.Errorf("store master secret: %w", err)
	}
	return secret, nil
}

// Credentials returns nil when nothing is cached.
func (k *Keychain) Credentials() (*models.Credentials, error) {
	return get[models.Credentials](k, credentialsKey)
}

func (k *Keychain) StoreCredentials(creds models.Credentials) error {
	return set(k, credentialsKey, creds)
}

// Auth returns nil when the user never logged in.
func (k *Keychain) Auth() (*models.AuthCredentials, error) {
	return get[models.AuthCredentials](k, authKey)
}

func (k *Keychain) StoreAuth(auth models.AuthCredentials) error {
	return set(k, authKey, auth)
}

// Clear drops the session material. The master secret stays so the local
// database can still be opened.
func (k *Keychain) Clear() error {
	for _, key := range []string{credentialsKey, authKey} {
		if err := keyring.Delete(k.service, key); err != nil && !errors.Is(err, keyring.ErrNotFound) {
			return err
		}
	}
	return nil
}

func get[T any](k *Keychain, key string) (*T, error) {
	raw, err := keyring.Get(k.service, key)
	if errors.Is(err, keyring.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	v, err := jsonhelper.Decode[T]([]byte(raw))
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", key, err)
	}
	return &v, nil
}

func set(k *Keychain, key string, v any) error {
	b, err := jsonhelper.Encode(v)
	if err != nil {
		return err
	}
	return keyring.Set(k.service, key, string(b))
}
