package catalog

import (
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"vpngate/internal/models"
)

// Predicate decides whether a server missing from a fresh fetch stays in the catalog.
type Predicate func(models.Server) bool

// KeepStalePaidServers keeps paid servers visible when a free-tier scoped
// fetch leaves them out.
func KeepStalePaidServers(s models.Server) bool {
	return !s.IsFree()
}

type Event struct {
	Count     int
	UpdatedAt time.Time
}

type snapshot struct {
	servers   []models.Server
	updatedAt time.Time
}

// Catalog swaps the whole server set on every store; readers never see a
// partially updated list.
type Catalog struct {
	current atomic.Pointer[snapshot]
	writeMu sync.Mutex

	subsMu sync.RWMutex
	subs   map[int]chan Event
	nextID int

	now func() time.Time
}

func New() *Catalog {
	c := &Catalog{
		subs: make(map[int]chan Event),
		now:  time.Now,
	}
	c.current.Store(&snapshot{})
	return c
}

func (c *Catalog) Store(servers []models.Server) {
	c.StoreKeepingStale(servers, nil)
}

func (c *Catalog) StoreKeepingStale(servers []models.Server, keep Predicate) {
	c.writeMu.Lock()
	next := slices.Clone(servers)
	if keep != nil {
		fresh := make(map[string]struct{}, len(servers))
		for _, s := range servers {
			fresh[s.ID] = struct{}{}
		}
		for _, old := range c.current.Load().servers {
			if _, ok := fresh[old.ID]; !ok && keep(old) {
				next = append(next, old)
			}
		}
	}
	snap := &snapshot{servers: next, updatedAt: c.now()}
	c.current.Store(snap)
	c.writeMu.Unlock()

	c.publish(Event{Count: len(next), UpdatedAt: snap.updatedAt})
}

// Fetch returns every stored server. The returned slice is the caller's.
func (c *Catalog) Fetch() []models.Server {
	return slices.Clone(c.current.Load().servers)
}

func (c *Catalog) Server(id string) (models.Server, bool) {
	for _, s := range c.current.Load().servers {
		if s.ID == id {
			return s, true
		}
	}
	return models.Server{}, false
}

func (c *Catalog) Len() int {
	return len(c.current.Load().servers)
}

// Age is the time since the last store, zero if nothing was stored yet.
func (c *Catalog) Age() time.Duration {
	updated := c.current.Load().updatedAt
	if updated.IsZero() {
		return 0
	}
	return c.now().Sub(updated)
}

func matchesType(s models.Server, t models.ServerType) bool {
	switch t {
	case models.ServerTypeSecureCore:
		return s.IsSecureCore()
	case models.ServerTypeP2P:
		return s.Features.Has(models.FeatureP2P)
	case models.ServerTypeTor:
		return s.IsTor()
	default:
		return !s.IsSecureCore()
	}
}

// Grouping buckets servers of type t by country. Restricted servers that
// belong to a gateway are bucketed under the gateway instead. Gateways come
// first, then countries ordered by code.
func (c *Catalog) Grouping(t models.ServerType) []models.ServerGroup {
	type key struct {
		kind models.GroupKind
		name string
	}

	index := map[key]int{}
	var groups []models.ServerGroup
	for _, s := range c.current.Load().servers {
		if !matchesType(s, t) {
			continue
		}
		k := key{kind: models.GroupCountry, name: s.CountryCode()}
		if s.IsRestricted() && s.GatewayName != "" {
			k = key{kind: models.GroupGateway, name: s.GatewayName}
		}
		i, ok := index[k]
		if !ok {
			i = len(groups)
			index[k] = i
			groups = append(groups, models.ServerGroup{Kind: k.kind, Key: k.name})
		}
		groups[i].Servers = append(groups[i].Servers, s)
	}

	slices.SortStableFunc(groups, func(a, b models.ServerGroup) int {
		if a.Kind != b.Kind {
			if a.Kind == models.GroupGateway {
				return -1
			}
			return 1
		}
		return strings.Compare(a.Key, b.Key)
	})
	return groups
}

// Subscribe delivers content-changed events until the returned func is called.
// Slow subscribers miss events rather than block the writer.
func (c *Catalog) Subscribe() (<-chan Event, func()) {
	ch := make(chan Event, 1)

	c.subsMu.Lock()
	id := c.nextID
	c.nextID++
	c.subs[id] = ch
	c.subsMu.Unlock()

	return ch, func() {
		c.subsMu.Lock()
		if _, ok := c.subs[id]; ok {
			delete(c.subs, id)
			close(ch)
		}
		c.subsMu.Unlock()
	}
}

func (c *Catalog) publish(ev Event) {
	c.subsMu.RLock()
	defer c.subsMu.RUnlock()
	for _, ch := range c.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}
