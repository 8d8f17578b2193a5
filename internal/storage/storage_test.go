package storage

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"vpngate/internal/models"
)

func newDatabase(t *testing.T) (*AppStorage, *Database) {
	t.Helper()
	st, err := NewAppStorage(t.TempDir())
	require.NoError(t, err)
	db, err := InitDatabase(st, "master-secret")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return st, db
}

func TestAppStorageLayout(t *testing.T) {
	base := t.TempDir()
	st, err := NewAppStorage(base)
	require.NoError(t, err)

	for _, dir := range []string{st.ConfigPath(), st.DBPath(), st.CachePath()} {
		info, err := os.Stat(dir)
		require.NoError(t, err)
		assert.True(t, info.IsDir())
	}

	require.NoError(t, st.WriteFile(filepath.Join(st.CachePath(), "a.bin"), []byte("12345")))
	size, err := st.CacheSize()
	require.NoError(t, err)
	assert.EqualValues(t, 5, size)

	require.NoError(t, st.ClearCache())
	size, err = st.CacheSize()
	require.NoError(t, err)
	assert.Zero(t, size)
}

func TestServersRoundTrip(t *testing.T) {
	_, db := newDatabase(t)

	servers := []models.Server{
		{ID: "a", Name: "CH#1", ExitCountry: "CH", Tier: models.TierPlus, Score: 1.5, Status: 1,
			IPs: []models.ServerIP{{ID: "ip-a", EntryIP: "198.51.100.1", Status: 1,
				ProtocolEntries: map[models.VPNProtocol]*models.ProtocolEntry{models.WireGuardUDP: {Ports: []int{51820}}}}}},
		{ID: "b", Name: "SE#1", ExitCountry: "SE", Status: 0},
	}
	require.NoError(t, db.SaveServers(servers))
	require.NoError(t, db.SaveServers(servers[:1]))

	got, err := db.LoadServers()
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, servers[0], got[0])
}

func TestLastConnection(t *testing.T) {
	_, db := newDatabase(t)

	none, err := db.LastConnection()
	require.NoError(t, err)
	assert.Nil(t, none)

	cfg := models.ConnectionConfiguration{
		ID:       uuid.New(),
		Server:   models.Server{ID: "a", Name: "CH#1"},
		EntryIP:  "198.51.100.1",
		Protocol: models.WireGuardTLS,
		Ports:    []int{443},
	}
	require.NoError(t, db.SaveLastConnection(cfg))
	require.NoError(t, db.SaveLastConnection(cfg.WithPorts([]int{8443})))

	got, err := db.LastConnection()
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, cfg.ID, got.ID)
	assert.Equal(t, []int{8443}, got.Ports)
	assert.Equal(t, models.WireGuardTLS, got.Protocol)
}

func TestServerChangesNewestFirst(t *testing.T) {
	_, db := newDatabase(t)
	start := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)

	require.NoError(t, db.PushServerChange(models.ServerChangeItem{Kind: models.ConnectRandom, At: start}))
	require.NoError(t, db.PushServerChange(models.ServerChangeItem{Kind: models.ConnectFastest, At: start.Add(time.Minute)}))

	items, err := db.ServerChanges()
	require.NoError(t, err)
	require.Len(t, items, 2)
	assert.Equal(t, models.ConnectFastest, items[0].Kind)
	assert.True(t, items[1].At.Equal(start))

	require.NoError(t, db.ResetServerChanges())
	items, err = db.ServerChanges()
	require.NoError(t, err)
	assert.Empty(t, items)
}

func TestProfilesKeepOrderAndWipe(t *testing.T) {
	_, db := newDatabase(t)

	openvpn := models.ExplicitProtocol(models.OpenVPNUDP)
	profiles := []models.Profile{
		{ID: "z", Name: "Home", Offering: models.OfferServer, ServerID: "ch-1", Protocol: &openvpn},
		{ID: "a", Name: "Sweden", Offering: models.OfferRandom, CountryCode: "SE", ServerType: models.ServerTypeSecureCore},
	}
	require.NoError(t, db.SaveProfiles(profiles))

	got, err := db.LoadProfiles()
	require.NoError(t, err)
	assert.Equal(t, profiles, got)

	require.NoError(t, db.SaveProfiles(profiles[1:]))
	got, err = db.LoadProfiles()
	require.NoError(t, err)
	assert.Equal(t, profiles[1:], got)

	require.NoError(t, db.Wipe())
	got, err = db.LoadProfiles()
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestSealedSecretsSurviveReopen(t *testing.T) {
	st, db := newDatabase(t)

	cert := models.Certificate{
		Certificate: "-----BEGIN CERTIFICATE-----",
		ValidUntil:  time.Date(2024, 3, 2, 0, 0, 0, 0, time.UTC),
		RefreshTime: time.Date(2024, 3, 1, 18, 0, 0, 0, time.UTC),
		Features:    models.CertificateFeatures{NetShield: models.NetShieldMalware},
	}
	kp := models.KeyPair{PrivateKey: [32]byte{1}, PublicKey: [32]byte{2}}
	require.NoError(t, db.SaveCertificate(cert))
	require.NoError(t, db.SaveKeyPair(kp))
	require.NoError(t, db.SaveRetryInterval(40*time.Second))
	require.NoError(t, db.Close())

	reopened, err := InitDatabase(st, "master-secret")
	require.NoError(t, err)
	defer reopened.Close()

	gotCert, err := reopened.Certificate()
	require.NoError(t, err)
	require.NotNil(t, gotCert)
	assert.Equal(t, cert.Certificate, gotCert.Certificate)
	assert.True(t, cert.RefreshTime.Equal(gotCert.RefreshTime))

	gotKP, err := reopened.KeyPair()
	require.NoError(t, err)
	assert.Equal(t, kp, *gotKP)

	retry, err := reopened.RetryInterval()
	require.NoError(t, err)
	assert.Equal(t, 40*time.Second, retry)

	require.NoError(t, reopened.DeleteCertificate())
	gotCert, err = reopened.Certificate()
	require.NoError(t, err)
	assert.Nil(t, gotCert)

	require.NoError(t, reopened.Wipe())
	gotKP, err = reopened.KeyPair()
	require.NoError(t, err)
	assert.Nil(t, gotKP)
}

func TestWrongSecretCannotOpen(t *testing.T) {
	st, db := newDatabase(t)
	require.NoError(t, db.SaveKeyPair(models.KeyPair{PrivateKey: [32]byte{9}}))
	require.NoError(t, db.Close())

	other, err := InitDatabase(st, "another-secret")
	require.NoError(t, err)
	defer other.Close()

	_, err = other.KeyPair()
	assert.Error(t, err)
}

func TestSettingsStore(t *testing.T) {
	st, err := NewAppStorage(t.TempDir())
	require.NoError(t, err)
	store := NewSettingsStore(st)

	loaded, err := store.Load()
	require.NoError(t, err)
	assert.Equal(t, models.DefaultSettings(), loaded)

	safe := true
	settings := models.Settings{
		SecureCore:         true,
		ConnectionProtocol: models.ExplicitProtocol(models.OpenVPNTCP),
		NetShield:          models.NetShieldAdsAndMalware,
		NATType:            models.NATModerate,
		SafeMode:           &safe,
	}
	require.NoError(t, store.Save(settings))

	loaded, err = store.Load()
	require.NoError(t, err)
	assert.Equal(t, settings, loaded)
}
