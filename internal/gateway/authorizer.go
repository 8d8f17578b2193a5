package gateway

import (
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"

	"vpngate/internal/models"
)

// ServerChangeStore persists the recent connections of free users, newest first.
type ServerChangeStore interface {
	ServerChanges() ([]models.ServerChangeItem, error)
	PushServerChange(item models.ServerChangeItem) error
	ResetServerChanges() error
}

// Authorizer decides whether the current plan may start a connection of a
// given kind. Only the new free plan is restricted: no specific locations and
// a cooldown between random server changes.
type Authorizer struct {
	store ServerChangeStore
	now   func() time.Time
}

func NewAuthorizer(store ServerChangeStore) *Authorizer {
	return &Authorizer{store: store, now: time.Now}
}

func restricted(tier models.Tier, cfg models.ClientConfig) bool {
	return tier == models.TierFree && cfg.FeatureFlags.ShowNewFreePlan
}

func (a *Authorizer) Authorize(req models.ConnectionRequest, tier models.Tier, cfg models.ClientConfig) error {
	if !restricted(tier, cfg) {
		return nil
	}
	if req.Type.IsSpecific() {
		return ErrSpecificCountryUnavailable
	}
	if req.Type.Kind != models.ConnectRandom {
		return nil
	}

	until, exhausted, err := a.nextChange(cfg.ServerChange)
	if err != nil {
		return fmt.Errorf("read server changes: %w", err)
	}
	if a.now().Before(until) {
		return &CooldownError{Until: until, Exhausted: exhausted}
	}
	return nil
}

// nextChange returns when the next random change is allowed. Hitting the
// attempt limit switches the delay from the short to the long one.
func (a *Authorizer) nextChange(cfg models.ServerChangeConfig) (time.Time, bool, error) {
	randoms, err := a.randomChanges()
	if err != nil || len(randoms) == 0 {
		return time.Time{}, false, err
	}

	latest := randoms[0].At
	if cfg.AttemptLimit > 0 && len(randoms) >= cfg.AttemptLimit {
		return latest.Add(cfg.LongDelay), true, nil
	}
	return latest.Add(cfg.ShortDelay), false, nil
}

func (a *Authorizer) randomChanges() ([]models.ServerChangeItem, error) {
	items, err := a.store.ServerChanges()
	if err != nil {
		return nil, err
	}
	var out []models.ServerChangeItem
	for _, item := range items {
		if item.Kind == models.ConnectRandom {
			out = append(out, item)
		}
	}
	return out, nil
}

// Record stores a completed connection. Once the long delay was reached the
// history starts over.
func (a *Authorizer) Record(kind models.ConnectionKind, tier models.Tier, cfg models.ClientConfig) {
	if !restricted(tier, cfg) {
		return
	}

	if kind == models.ConnectRandom && cfg.ServerChange.AttemptLimit > 0 {
		randoms, err := a.randomChanges()
		if err == nil && len(randoms) >= cfg.ServerChange.AttemptLimit {
			if err := a.store.ResetServerChanges(); err != nil {
				log.WithError(err).Warn("Failed to reset server changes")
			}
		}
	}

	if err := a.store.PushServerChange(models.ServerChangeItem{Kind: kind, At: a.now()}); err != nil {
		log.WithError(err).Warn("Failed to record server change")
	}
}
