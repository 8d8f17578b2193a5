package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"vpngate/internal/models"
	"vpngate/internal/security"
	"vpngate/pkg/jsonhelper"
)

const (
	dbFileName = "vpngate.db"

	metaSalt          = "salt"
	stateRetry        = "certificate_retry_interval"
	secretCertificate = "certificate"
	secretKeyPair     = "key_pair"
)

// Database persists the server cache, the last connection, the server-change
// history, the saved profiles and the sealed certificate material.
type Database struct {
	db *sql.DB
	cm *security.CryptoManager
}

func InitDatabase(storage *AppStorage, masterSecret string) (*Database, error) {
	dbPath := filepath.Join(storage.DBPath(), dbFileName)

	if err := storage.EnsureDirPermissions(filepath.Dir(dbPath)); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, err
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, err
	}

	if err := createTables(db); err != nil {
		db.Close()
		return nil, err
	}

	salt, err := loadOrCreateSalt(db)
	if err != nil {
		db.Close()
		return nil, err
	}

	cm, err := security.NewCryptoManager(masterSecret, salt)
	if err != nil {
		db.Close()
		return nil, err
	}

	return &Database{db: db, cm: cm}, nil
}

func createTables(db *sql.DB) error {
	_, err := db.Exec(`
        CREATE TABLE IF NOT EXISTS meta (
            name TEXT PRIMARY KEY,
            value BLOB NOT NULL
        );
        CREATE TABLE IF NOT EXISTS servers (
            id TEXT PRIMARY KEY,
            payload TEXT NOT NULL,
            updated_at TIMESTAMP NOT NULL
        );
        CREATE TABLE IF NOT EXISTS last_connection (
            id INTEGER PRIMARY KEY CHECK (id = 1),
            payload TEXT NOT NULL,
            created_at TIMESTAMP NOT NULL
        );
        CREATE TABLE IF NOT EXISTS server_changes (
            id INTEGER PRIMARY KEY AUTOINCREMENT,
            kind INTEGER NOT NULL,
            created_at TIMESTAMP NOT NULL
        );
        CREATE TABLE IF NOT EXISTS secrets (
            name TEXT PRIMARY KEY,
            value BLOB NOT NULL
        );
        CREATE TABLE IF NOT EXISTS profiles (
            id TEXT PRIMARY KEY,
            position INTEGER NOT NULL,
            payload TEXT NOT NULL
        );
        CREATE TABLE IF NOT EXISTS state (
            name TEXT PRIMARY KEY,
            value TEXT NOT NULL
        );
    `)
	return err
}

func loadOrCreateSalt(db *sql.DB) ([]byte, error) {
	var salt []byte
	err := db.QueryRow("SELECT value FROM meta WHERE name = ?", metaSalt).Scan(&salt)
	if err == nil {
		return salt, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}

	salt, err = security.NewSalt()
	if err != nil {
		return nil, err
	}
	if _, err := db.Exec("INSERT INTO meta (name, value) VALUES (?, ?)", metaSalt, salt); err != nil {
		return nil, err
	}
	return salt, nil
}

func (db *Database) SaveServers(servers []models.Server) error {
	tx, err := db.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.Exec("DELETE FROM servers"); err != nil {
		return err
	}

	stmt, err := tx.Prepare("INSERT INTO servers (id, payload, updated_at) VALUES (?, ?, ?)")
	if err != nil {
		return err
	}
	defer stmt.Close()

	now := time.Now().UTC()
	for _, s := range servers {
		payload, err := jsonhelper.Encode(s)
		if err != nil {
			return fmt.Errorf("encode server %s: %w", s.ID, err)
		}
		if _, err := stmt.Exec(s.ID, string(payload), now); err != nil {
			return err
		}
	}

	return tx.Commit()
}

func (db *Database) LoadServers() ([]models.Server, error) {
	rows, err := db.db.Query("SELECT payload FROM servers ORDER BY id")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var servers []models.Server
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, err
		}
		s, err := jsonhelper.Decode[models.Server]([]byte(payload))
		if err != nil {
			return nil, fmt.Errorf("decode server: %w", err)
		}
		servers = append(servers, s)
	}
	return servers, rows.Err()
}

func (db *Database) SaveLastConnection(cfg models.ConnectionConfiguration) error {
	payload, err := jsonhelper.Encode(cfg)
	if err != nil {
		return err
	}
	_, err = db.db.Exec(`
        INSERT INTO last_connection (id, payload, created_at) VALUES (1, ?, ?)
        ON CONFLICT(id) DO UPDATE SET payload = excluded.payload, created_at = excluded.created_at
    `, string(payload), time.Now().UTC())
	return err
}

// LastConnection returns nil without error when nothing was stored.
func (db *Database) LastConnection() (*models.ConnectionConfiguration, error) {
	var payload string
	err := db.db.QueryRow("SELECT payload FROM last_connection WHERE id = 1").Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	cfg, err := jsonhelper.Decode[models.ConnectionConfiguration]([]byte(payload))
	if err != nil {
		return nil, err
	}
	return &cfg, nil
}

// ServerChanges returns the recorded connections, newest first.
func (db *Database) ServerChanges() ([]models.ServerChangeItem, error) {
	rows, err := db.db.Query("SELECT kind, created_at FROM server_changes ORDER BY id DESC")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var items []models.ServerChangeItem
	for rows.Next() {
		var item models.ServerChangeItem
		if err := rows.Scan(&item.Kind, &item.At); err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

func (db *Database) PushServerChange(item models.ServerChangeItem) error {
	_, err := db.db.Exec("INSERT INTO server_changes (kind, created_at) VALUES (?, ?)", item.Kind, item.At.UTC())
	return err
}

func (db *Database) ResetServerChanges() error {
	_, err := db.db.Exec("DELETE FROM server_changes")
	return err
}

// SaveProfiles replaces the stored profiles, keeping their order.
func (db *Database) SaveProfiles(profiles []models.Profile) error {
	tx, err := db.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.Exec("DELETE FROM profiles"); err != nil {
		return err
	}

	stmt, err := tx.Prepare("INSERT INTO profiles (id, position, payload) VALUES (?, ?, ?)")
	if err != nil {
		return err
	}
	defer stmt.Close()

	for i, p := range profiles {
		payload, err := jsonhelper.Encode(p)
		if err != nil {
			return fmt.Errorf("encode profile %s: %w", p.ID, err)
		}
		if _, err := stmt.Exec(p.ID, i, string(payload)); err != nil {
			return err
		}
	}

	return tx.Commit()
}

func (db *Database) LoadProfiles() ([]models.Profile, error) {
	rows, err := db.db.Query("SELECT payload FROM profiles ORDER BY position")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var profiles []models.Profile
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, err
		}
		p, err := jsonhelper.Decode[models.Profile]([]byte(payload))
		if err != nil {
			return nil, fmt.Errorf("decode profile: %w", err)
		}
		profiles = append(profiles, p)
	}
	return profiles, rows.Err()
}

func (db *Database) saveSecret(name string, v any) error {
	payload, err := jsonhelper.Encode(v)
	if err != nil {
		return err
	}
	sealed, err := db.cm.Seal(payload)
	if err != nil {
		return err
	}
	_, err = db.db.Exec(`
        INSERT INTO secrets (name, value) VALUES (?, ?)
        ON CONFLICT(name) DO UPDATE SET value = excluded.value
    `, name, sealed)
	return err
}

func (db *Database) loadSecret(name string) ([]byte, error) {
	var sealed []byte
	err := db.db.QueryRow("SELECT value FROM secrets WHERE name = ?", name).Scan(&sealed)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return db.cm.Open(sealed)
}

func (db *Database) Certificate() (*models.Certificate, error) {
	payload, err := db.loadSecret(secretCertificate)
	if err != nil || payload == nil {
		return nil, err
	}
	cert, err := jsonhelper.Decode[models.Certificate](payload)
	if err != nil {
		return nil, err
	}
	return &cert, nil
}

func (db *Database) SaveCertificate(cert models.Certificate) error {
	return db.saveSecret(secretCertificate, cert)
}

func (db *Database) DeleteCertificate() error {
	_, err := db.db.Exec("DELETE FROM secrets WHERE name = ?", secretCertificate)
	return err
}

func (db *Database) KeyPair() (*models.KeyPair, error) {
	payload, err := db.loadSecret(secretKeyPair)
	if err != nil || payload == nil {
		return nil, err
	}
	kp, err := jsonhelper.Decode[models.KeyPair](payload)
	if err != nil {
		return nil, err
	}
	return &kp, nil
}

func (db *Database) SaveKeyPair(kp models.KeyPair) error {
	return db.saveSecret(secretKeyPair, kp)
}

// RetryInterval returns zero when no backoff was persisted.
func (db *Database) RetryInterval() (time.Duration, error) {
	var value string
	err := db.db.QueryRow("SELECT value FROM state WHERE name = ?", stateRetry).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return time.ParseDuration(value)
}

func (db *Database) SaveRetryInterval(d time.Duration) error {
	_, err := db.db.Exec(`
        INSERT INTO state (name, value) VALUES (?, ?)
        ON CONFLICT(name) DO UPDATE SET value = excluded.value
    `, stateRetry, d.String())
	return err
}

// Wipe removes every user bound row. The salt survives so the database stays usable.
func (db *Database) Wipe() error {
	tx, err := db.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, table := range []string{"last_connection", "server_changes", "profiles", "secrets", "state"} {
		if _, err := tx.Exec("DELETE FROM " + table); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (db *Database) Close() error {
	return db.db.Close()
}
