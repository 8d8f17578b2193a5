package catalog

import (
	"testing"
	"time"

	"vpngate/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func server(id, country string, tier models.Tier, features models.Feature) models.Server {
	return models.Server{ID: id, Name: id, ExitCountry: country, Tier: tier, Features: features, Status: 1}
}

func ids(servers []models.Server) []string {
	out := make([]string, 0, len(servers))
	for _, s := range servers {
		out = append(out, s.ID)
	}
	return out
}

func TestStoreReplacesWholeSet(t *testing.T) {
	c := New()
	c.Store([]models.Server{server("a", "CH", 0, 0), server("b", "SE", 1, 0)})
	c.Store([]models.Server{server("c", "DE", 0, 0)})

	assert.Equal(t, []string{"c"}, ids(c.Fetch()))
	_, ok := c.Server("a")
	assert.False(t, ok)
}

func TestStoreKeepingStalePaidServers(t *testing.T) {
	c := New()
	c.Store([]models.Server{
		server("free-1", "CH", models.TierFree, 0),
		server("paid-1", "CH", models.TierPlus, 0),
		server("free-2", "SE", models.TierFree, 0),
	})

	c.StoreKeepingStale([]models.Server{server("free-1", "CH", models.TierFree, 0)}, KeepStalePaidServers)

	assert.ElementsMatch(t, []string{"free-1", "paid-1"}, ids(c.Fetch()))
}

func TestFetchReturnsCopy(t *testing.T) {
	c := New()
	c.Store([]models.Server{server("a", "CH", 0, 0)})

	got := c.Fetch()
	got[0].Name = "mutated"

	s, ok := c.Server("a")
	require.True(t, ok)
	assert.Equal(t, "a", s.Name)
}

func TestGroupingByType(t *testing.T) {
	c := New()
	c.Store([]models.Server{
		server("se-1", "SE", 0, 0),
		server("ch-1", "CH", 0, 0),
		server("ch-sc", "CH", 2, models.FeatureSecureCore),
		server("ch-2", "CH", 1, models.FeatureP2P),
		server("gw-1", "US", 2, models.FeatureRestricted),
		server("tor-1", "IS", 2, models.FeatureTor),
	})
	gw := server("gw-2", "DE", 2, models.FeatureRestricted)
	gw.GatewayName = "acme"
	c.Store(append(c.Fetch(), gw))

	standard := c.Grouping(models.ServerTypeStandard)
	require.Len(t, standard, 5)
	assert.Equal(t, models.GroupGateway, standard[0].Kind)
	assert.Equal(t, "acme", standard[0].Key)
	var keys []string
	for _, g := range standard[1:] {
		keys = append(keys, g.Key)
	}
	assert.Equal(t, []string{"CH", "IS", "SE", "US"}, keys)
	assert.Equal(t, []string{"ch-1", "ch-2"}, ids(standard[1].Servers))

	secureCore := c.Grouping(models.ServerTypeSecureCore)
	require.Len(t, secureCore, 1)
	assert.Equal(t, []string{"ch-sc"}, ids(secureCore[0].Servers))

	p2p := c.Grouping(models.ServerTypeP2P)
	require.Len(t, p2p, 1)
	assert.Equal(t, "ch-2", p2p[0].Servers[0].ID)

	tor := c.Grouping(models.ServerTypeTor)
	require.Len(t, tor, 1)
	assert.Equal(t, "IS", tor[0].Key)
}

func TestStoreNotifiesSubscribers(t *testing.T) {
	c := New()
	events, cancel := c.Subscribe()
	defer cancel()

	c.Store([]models.Server{server("a", "CH", 0, 0), server("b", "CH", 0, 0)})

	select {
	case ev := <-events:
		assert.Equal(t, 2, ev.Count)
	case <-time.After(time.Second):
		t.Fatal("no content changed event")
	}
}

func TestAge(t *testing.T) {
	c := New()
	assert.Zero(t, c.Age())

	now := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	c.now = func() time.Time { return now }
	c.Store(nil)

	now = now.Add(5 * time.Minute)
	assert.Equal(t, 5*time.Minute, c.Age())
}
