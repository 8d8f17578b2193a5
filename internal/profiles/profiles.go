// Package profiles keeps the user's saved connection profiles next to the
// built-in fastest and random ones.
package profiles

import (
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"vpngate/internal/models"
)

var (
	ErrNotFound        = errors.New("profile not found")
	ErrNameInUse       = errors.New("profile name already in use")
	ErrEmptyName       = errors.New("profile name is empty")
	ErrReadOnly        = errors.New("default profiles cannot be changed")
	ErrServerGone      = errors.New("profile server is no longer listed")
	ErrMissingServerID = errors.New("server profile without server id")
)

// Store persists the custom profiles. storage.Database implements it.
type Store interface {
	LoadProfiles() ([]models.Profile, error)
	SaveProfiles(profiles []models.Profile) error
}

// Servers looks up the server of a server profile. catalog.Catalog implements it.
type Servers interface {
	Server(id string) (models.Server, bool)
}

type Manager struct {
	store   Store
	servers Servers
	newID   func() string

	mu     sync.RWMutex
	custom []models.Profile
}

func New(store Store, servers Servers) *Manager {
	return &Manager{
		store:   store,
		servers: servers,
		newID:   uuid.NewString,
	}
}

// Refresh reloads the custom profiles from the store.
func (m *Manager) Refresh() error {
	loaded, err := m.store.LoadProfiles()
	if err != nil {
		return fmt.Errorf("load profiles: %w", err)
	}

	m.mu.Lock()
	m.custom = loaded
	m.mu.Unlock()

	log.WithField("profiles", len(loaded)).Debug("Profiles loaded")
	return nil
}

// All returns the default profiles followed by the custom ones.
func (m *Manager) All() []models.Profile {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append(models.DefaultProfiles(), m.custom...)
}

func (m *Manager) Profile(id string) (models.Profile, bool) {
	for _, p := range m.All() {
		if p.ID == id {
			return p, true
		}
	}
	return models.Profile{}, false
}

// Find matches an id first, then a name ignoring case.
func (m *Manager) Find(ref string) (models.Profile, bool) {
	if p, ok := m.Profile(ref); ok {
		return p, true
	}
	for _, p := range m.All() {
		if strings.EqualFold(p.Name, ref) {
			return p, true
		}
	}
	return models.Profile{}, false
}

// Create stores p under a fresh id. Names are unique ignoring case.
func (m *Manager) Create(p models.Profile) (models.Profile, error) {
	p.Name = strings.TrimSpace(p.Name)
	if p.Name == "" {
		return models.Profile{}, ErrEmptyName
	}
	if p.Offering == models.OfferServer && p.ServerID == "" {
		return models.Profile{}, ErrMissingServerID
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	for _, existing := range append(models.DefaultProfiles(), m.custom...) {
		if strings.EqualFold(existing.Name, p.Name) {
			return models.Profile{}, fmt.Errorf("%s: %w", p.Name, ErrNameInUse)
		}
	}

	p.ID = m.newID()
	next := append(slices.Clone(m.custom), p)
	if err := m.store.SaveProfiles(next); err != nil {
		return models.Profile{}, fmt.Errorf("save profiles: %w", err)
	}
	m.custom = next
	return p, nil
}

func (m *Manager) Delete(id string) error {
	if models.IsDefaultProfile(id) {
		return ErrReadOnly
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	i := slices.IndexFunc(m.custom, func(p models.Profile) bool { return p.ID == id })
	if i < 0 {
		return fmt.Errorf("%s: %w", id, ErrNotFound)
	}
	next := slices.Delete(slices.Clone(m.custom), i, i+1)
	if err := m.store.SaveProfiles(next); err != nil {
		return fmt.Errorf("save profiles: %w", err)
	}
	m.custom = next
	return nil
}

// Request resolves the profile into a connection request carrying the
// feature values of settings.
func (m *Manager) Request(id string, settings models.Settings, trigger models.Trigger) (models.ConnectionRequest, error) {
	p, ok := m.Profile(id)
	if !ok {
		return models.ConnectionRequest{}, fmt.Errorf("%s: %w", id, ErrNotFound)
	}

	var server *models.Server
	if p.Offering == models.OfferServer {
		s, ok := m.servers.Server(p.ServerID)
		if !ok {
			return models.ConnectionRequest{}, fmt.Errorf("%s (%s): %w", p.Name, p.ServerID, ErrServerGone)
		}
		server = &s
	}
	return p.Request(settings, server, trigger), nil
}
