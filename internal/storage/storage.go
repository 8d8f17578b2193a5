package storage

import (
	"os"
	"path/filepath"
)

const appDirName = "vpngate"

type AppStorage struct {
	configPath string
	dbPath     string
	cachePath  string
}

// NewAppStorage lays out config, db and cache directories under baseDir,
// or under the user config directory when baseDir is empty.
func NewAppStorage(baseDir string) (*AppStorage, error) {
	if baseDir == "" {
		userDir, err := os.UserConfigDir()
		if err != nil {
			return nil, err
		}
		baseDir = filepath.Join(userDir, appDirName)
	}

	configPath := filepath.Join(baseDir, "config")
	dbPath := filepath.Join(baseDir, "db")
	cachePath := filepath.Join(baseDir, "cache")

	dirs := []string{configPath, dbPath, cachePath}
	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, err
		}
	}

	return &AppStorage{
		configPath: configPath,
		dbPath:     dbPath,
		cachePath:  cachePath,
	}, nil
}

func (s *AppStorage) ConfigPath() string {
	return s.configPath
}

func (s *AppStorage) DBPath() string {
	return s.dbPath
}

func (s *AppStorage) CachePath() string {
	return s.cachePath
}

func (s *AppStorage) EnsureDirPermissions(dirpath string) error {
	if err := os.MkdirAll(dirpath, 0o700); err != nil {
		return err
	}
	return os.Chmod(dirpath, 0o700)
}

// WriteFile replaces path atomically so readers never see a half written file.
func (s *AppStorage) WriteFile(path string, data []byte) error {
	if err := s.EnsureDirPermissions(filepath.Dir(path)); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".*")
	if err != nil {
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), path)
}

func (s *AppStorage) ReadFile(path string) ([]byte, error) {
	return os.ReadFile(path)
}

func (s *AppStorage) ClearCache() error {
	entries, err := os.ReadDir(s.cachePath)
	if err != nil {
		return err
	}

	for _, entry := range entries {
		path := filepath.Join(s.cachePath, entry.Name())
		if err := os.RemoveAll(path); err != nil {
			return err
		}
	}
	return nil
}

func (s *AppStorage) CacheSize() (int64, error) {
	var size int64
	err := filepath.Walk(s.cachePath, func(_ string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if !info.IsDir() {
			size += info.Size()
		}
		return nil
	})
	return size, err
}
