package cmd

import (
	"bytes"
	"strings"
	"testing"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"vpngate/internal/catalog"
	"vpngate/internal/models"
	"vpngate/internal/profiles"
	"vpngate/internal/session"
)

type profileStore struct {
	saved []models.Profile
}

func (s *profileStore) LoadProfiles() ([]models.Profile, error) {
	return s.saved, nil
}

func (s *profileStore) SaveProfiles(p []models.Profile) error {
	s.saved = p
	return nil
}

func withConnectOpts(t *testing.T, fn func()) {
	t.Helper()
	saved := connectOpts
	t.Cleanup(func() { connectOpts = saved })
	fn()
}

func TestConnectionType(t *testing.T) {
	servers := catalog.New()
	servers.Store([]models.Server{{ID: "id-1", Name: "CH#1", ExitCountry: "CH", Status: 1}})
	a := &app{catalog: servers, profiles: profiles.New(&profileStore{}, servers)}
	home, err := a.profiles.Create(models.Profile{Name: "Home", Offering: models.OfferServer, ServerID: "id-1"})
	require.NoError(t, err)

	t.Run("fastest by default", func(t *testing.T) {
		ct, err := connectionType(a)
		require.NoError(t, err)
		assert.Equal(t, models.Fastest(), ct)
	})

	t.Run("random country", func(t *testing.T) {
		withConnectOpts(t, func() {
			connectOpts.country = "ch"
			connectOpts.random = true
		})
		ct, err := connectionType(a)
		require.NoError(t, err)
		assert.Equal(t, models.Country("CH", models.PickRandom), ct)
	})

	t.Run("server by name", func(t *testing.T) {
		withConnectOpts(t, func() { connectOpts.server = "ch#1" })
		ct, err := connectionType(a)
		require.NoError(t, err)
		assert.Equal(t, models.ConnectServer, ct.Kind)
		assert.Equal(t, "id-1", ct.Server.ID)
	})

	t.Run("unknown server", func(t *testing.T) {
		withConnectOpts(t, func() { connectOpts.server = "XX#9" })
		_, err := connectionType(a)
		assert.ErrorContains(t, err, "XX#9")
	})

	t.Run("profile by name", func(t *testing.T) {
		withConnectOpts(t, func() { connectOpts.profile = "home" })
		ct, err := connectionType(a)
		require.NoError(t, err)
		assert.Equal(t, models.ProfileConnection(home.ID), ct)

		req, err := a.request(ct, models.DefaultSettings())
		require.NoError(t, err)
		assert.Equal(t, models.ConnectServer, req.Type.Kind)
		assert.Equal(t, models.TriggerProfile, req.Trigger)
	})

	t.Run("unknown profile", func(t *testing.T) {
		withConnectOpts(t, func() { connectOpts.profile = "office" })
		_, err := connectionType(a)
		assert.ErrorContains(t, err, "office")
	})

	t.Run("city needs country", func(t *testing.T) {
		withConnectOpts(t, func() { connectOpts.city = "Zurich" })
		_, err := connectionType(a)
		assert.Error(t, err)
	})
}

func TestProfileFromFlags(t *testing.T) {
	servers := catalog.New()
	servers.Store([]models.Server{{ID: "id-1", Name: "CH#1", ExitCountry: "CH", Status: 1}})
	a := &app{catalog: servers}

	saved := profileOpts
	t.Cleanup(func() { profileOpts = saved })

	profileOpts.server = "ch#1"
	profileOpts.protocol = "openvpn-tcp"
	p, err := profileFromFlags(a, "Home")
	require.NoError(t, err)
	assert.Equal(t, models.OfferServer, p.Offering)
	assert.Equal(t, "id-1", p.ServerID)
	require.NotNil(t, p.Protocol)
	assert.Equal(t, models.ExplicitProtocol(models.OpenVPNTCP), *p.Protocol)

	profileOpts.server = ""
	profileOpts.protocol = ""
	profileOpts.country = "se"
	profileOpts.random = true
	p, err = profileFromFlags(a, "Sweden")
	require.NoError(t, err)
	assert.Equal(t, models.OfferRandom, p.Offering)
	assert.Equal(t, "SE", p.CountryCode)
	assert.Nil(t, p.Protocol)

	profileOpts.server = "XX#1"
	_, err = profileFromFlags(a, "Gone")
	assert.ErrorContains(t, err, "XX#1")
}

func TestConfirmer(t *testing.T) {
	for input, want := range map[string]bool{"y\n": true, "Yes\n": true, "n\n": false, "\n": false, "": false} {
		c := &cobra.Command{}
		var out bytes.Buffer
		c.SetIn(strings.NewReader(input))
		c.SetOut(&out)

		assert.Equal(t, want, confirmer(c)(session.PromptLogoutWhileConnected), "input %q", input)
		assert.Contains(t, out.String(), "[y/N]")
	}
}
