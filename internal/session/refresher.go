package session

import (
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	log "github.com/sirupsen/logrus"
)

const DefaultRefreshSpec = "@every 3m"

// refresher runs the properties refresh on a cron schedule while the
// session is established.
type refresher struct {
	spec string
	job  func()

	mu   sync.Mutex
	cron *cron.Cron
	id   cron.EntryID
}

func newRefresher(spec string, job func()) *refresher {
	if spec == "" {
		spec = DefaultRefreshSpec
	}
	return &refresher{spec: spec, job: job}
}

func (r *refresher) Start() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.cron != nil {
		return nil
	}

	c := cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)))
	id, err := c.AddFunc(r.spec, r.job)
	if err != nil {
		return fmt.Errorf("schedule properties refresh %q: %w", r.spec, err)
	}
	c.Start()
	r.cron = c
	r.id = id

	log.WithField("spec", r.spec).Debug("Properties refresh scheduled")
	return nil
}

// Stop does not wait for a running refresh since the refresh itself may
// end the session.
func (r *refresher) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.cron == nil {
		return
	}
	r.cron.Stop()
	r.cron = nil
}

// Next reports when the next refresh runs.
func (r *refresher) Next() (time.Time, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.cron == nil {
		return time.Time{}, false
	}
	next := r.cron.Entry(r.id).Next
	return next, !next.IsZero()
}
