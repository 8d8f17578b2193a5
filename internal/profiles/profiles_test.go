package profiles

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"vpngate/internal/catalog"
	"vpngate/internal/models"
)

type memoryStore struct {
	profiles []models.Profile
	err      error
	saves    int
}

func (s *memoryStore) LoadProfiles() ([]models.Profile, error) {
	return s.profiles, s.err
}

func (s *memoryStore) SaveProfiles(profiles []models.Profile) error {
	if s.err != nil {
		return s.err
	}
	s.saves++
	s.profiles = profiles
	return nil
}

func newManager(t *testing.T, servers ...models.Server) (*Manager, *memoryStore) {
	t.Helper()
	c := catalog.New()
	c.Store(servers)

	store := &memoryStore{}
	m := New(store, c)
	n := 0
	m.newID = func() string {
		n++
		return fmt.Sprintf("p-%d", n)
	}
	return m, store
}

func TestDefaultsAreAlwaysListed(t *testing.T) {
	m, _ := newManager(t)

	all := m.All()
	require.Len(t, all, 2)
	assert.Equal(t, models.ProfileFastestID, all[0].ID)
	assert.Equal(t, models.ProfileRandomID, all[1].ID)
	assert.ErrorIs(t, m.Delete(models.ProfileFastestID), ErrReadOnly)
}

func TestCreateFindDelete(t *testing.T) {
	m, store := newManager(t)

	p, err := m.Create(models.Profile{Name: " Streaming ", Offering: models.OfferFastest, CountryCode: "US"})
	require.NoError(t, err)
	assert.Equal(t, "p-1", p.ID)
	assert.Equal(t, "Streaming", p.Name)
	assert.Equal(t, 1, store.saves)

	found, ok := m.Find("streaming")
	require.True(t, ok)
	assert.Equal(t, p.ID, found.ID)

	_, err = m.Create(models.Profile{Name: "STREAMING"})
	assert.ErrorIs(t, err, ErrNameInUse)
	_, err = m.Create(models.Profile{Name: "fastest"})
	assert.ErrorIs(t, err, ErrNameInUse)
	_, err = m.Create(models.Profile{Name: "  "})
	assert.ErrorIs(t, err, ErrEmptyName)
	_, err = m.Create(models.Profile{Name: "Home", Offering: models.OfferServer})
	assert.ErrorIs(t, err, ErrMissingServerID)

	require.NoError(t, m.Delete(p.ID))
	assert.Len(t, m.All(), 2)
	assert.Empty(t, store.profiles)
	assert.ErrorIs(t, m.Delete(p.ID), ErrNotFound)
}

func TestCreateKeepsStateWhenSaveFails(t *testing.T) {
	m, store := newManager(t)
	store.err = errors.New("disk full")

	_, err := m.Create(models.Profile{Name: "Work"})
	assert.Error(t, err)
	assert.Len(t, m.All(), 2)
}

func TestRefreshReloadsStore(t *testing.T) {
	m, store := newManager(t)
	store.profiles = []models.Profile{{ID: "x", Name: "Saved"}}

	require.NoError(t, m.Refresh())
	_, ok := m.Profile("x")
	assert.True(t, ok)

	store.profiles = nil
	require.NoError(t, m.Refresh())
	_, ok = m.Profile("x")
	assert.False(t, ok)

	store.err = errors.New("locked")
	assert.Error(t, m.Refresh())
}

func TestRequestResolvesOffering(t *testing.T) {
	srv := models.Server{ID: "ch-1", Name: "CH#1", ExitCountry: "CH", Status: 1}
	m, store := newManager(t, srv)
	openvpn := models.ExplicitProtocol(models.OpenVPNTCP)
	store.profiles = []models.Profile{
		{ID: "random-se", Name: "Sweden", Offering: models.OfferRandom, CountryCode: "SE", ServerType: models.ServerTypeSecureCore},
		{ID: "home", Name: "Home", Offering: models.OfferServer, ServerID: "ch-1", Protocol: &openvpn},
		{ID: "gone", Name: "Gone", Offering: models.OfferServer, ServerID: "xx-9"},
	}
	require.NoError(t, m.Refresh())

	settings := models.DefaultSettings()
	settings.NetShield = models.NetShieldMalware

	req, err := m.Request(models.ProfileRandomID, settings, models.TriggerProfile)
	require.NoError(t, err)
	assert.Equal(t, models.Random(), req.Type)
	assert.Equal(t, models.ProfileRandomID, req.ProfileID)
	assert.True(t, req.Protocol.Smart)

	req, err = m.Request("random-se", settings, models.TriggerProfile)
	require.NoError(t, err)
	assert.Equal(t, models.Country("SE", models.PickRandom), req.Type)
	assert.Equal(t, models.ServerTypeSecureCore, req.ServerType)
	assert.Equal(t, models.NetShieldMalware, req.NetShield)

	req, err = m.Request("home", settings, models.TriggerProfile)
	require.NoError(t, err)
	assert.Equal(t, models.ConnectServer, req.Type.Kind)
	assert.Equal(t, "ch-1", req.Type.Server.ID)
	assert.Equal(t, openvpn, req.Protocol)
	assert.Equal(t, models.TriggerProfile, req.Trigger)

	_, err = m.Request("gone", settings, models.TriggerProfile)
	assert.ErrorIs(t, err, ErrServerGone)
	_, err = m.Request("missing", settings, models.TriggerProfile)
	assert.ErrorIs(t, err, ErrNotFound)
}
