package storage

import (
	"bytes"
	"errors"
	"io/fs"
	"path/filepath"
	"sync"

	"github.com/pelletier/go-toml/v2"

	"vpngate/internal/models"
)

const settingsFileName = "settings.toml"

type settingsFile struct {
	Settings models.Settings `toml:"settings"`
}

// SettingsStore keeps the user's settings in a toml file next to the config.
type SettingsStore struct {
	storage   *AppStorage
	writeLock sync.Mutex
}

func NewSettingsStore(storage *AppStorage) *SettingsStore {
	return &SettingsStore{storage: storage}
}

func (s *SettingsStore) Path() string {
	return filepath.Join(s.storage.ConfigPath(), settingsFileName)
}

// Load returns the defaults when no file was written yet.
func (s *SettingsStore) Load() (models.Settings, error) {
	b, err := s.storage.ReadFile(s.Path())
	if errors.Is(err, fs.ErrNotExist) {
		return models.DefaultSettings(), nil
	}
	if err != nil {
		return models.Settings{}, err
	}

	f := settingsFile{Settings: models.DefaultSettings()}
	if err := toml.NewDecoder(bytes.NewReader(b)).Decode(&f); err != nil {
		return models.Settings{}, err
	}
	return f.Settings, nil
}

// Save skips the write when another one is in progress.
func (s *SettingsStore) Save(settings models.Settings) error {
	if !s.writeLock.TryLock() {
		return nil
	}
	defer s.writeLock.Unlock()

	b, err := toml.Marshal(settingsFile{Settings: settings})
	if err != nil {
		return err
	}
	return s.storage.WriteFile(s.Path(), b)
}
