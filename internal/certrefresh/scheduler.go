package certrefresh

import (
	"context"
	"errors"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"vpngate/internal/models"
	"vpngate/internal/security"
)

const (
	DefaultBaseInterval  = 10 * time.Second
	DefaultMaxInterval   = time.Hour
	DefaultCheckInterval = 2 * time.Minute
	DefaultRefreshMargin = 3 * time.Minute
	DefaultTimeout       = 30 * time.Second
)

// Store is the persistence the scheduler needs. storage.Database implements it.
type Store interface {
	Certificate() (*models.Certificate, error)
	SaveCertificate(cert models.Certificate) error
	DeleteCertificate() error
	KeyPair() (*models.KeyPair, error)
	SaveKeyPair(kp models.KeyPair) error
	RetryInterval() (time.Duration, error)
	SaveRetryInterval(d time.Duration) error
}

type Fetcher interface {
	FetchCertificate(ctx context.Context, kp models.KeyPair, features models.CertificateFeatures) (models.Certificate, error)
}

type Timer interface {
	Stop() bool
}

type AfterFunc func(d time.Duration, f func()) Timer

type Option func(*Scheduler)

func WithBackoff(base, limit time.Duration) Option {
	return func(s *Scheduler) {
		if base > 0 {
			s.base = base
		}
		if limit >= s.base {
			s.max = limit
		}
	}
}

func WithCheckInterval(d time.Duration) Option {
	return func(s *Scheduler) {
		if d > 0 {
			s.checkInterval = d
		}
	}
}

func WithRefreshMargin(d time.Duration) Option {
	return func(s *Scheduler) {
		s.margin = d
	}
}

func WithTimeout(d time.Duration) Option {
	return func(s *Scheduler) {
		if d > 0 {
			s.timeout = d
		}
	}
}

func WithClock(now func() time.Time, after AfterFunc) Option {
	return func(s *Scheduler) {
		s.now = now
		s.afterFunc = after
	}
}

// WithSessionExpiredHandler is called when the API reports the session is gone.
func WithSessionExpiredHandler(fn func()) Option {
	return func(s *Scheduler) {
		s.onSessionExpired = fn
	}
}

// Scheduler keeps the VPN certificate fresh. It plans a one-shot refresh at
// the certificate's refresh time, retries failures with a doubling backoff
// and, while armed, rechecks the certificate periodically.
type Scheduler struct {
	store   Store
	fetcher Fetcher

	base          time.Duration
	max           time.Duration
	checkInterval time.Duration
	margin        time.Duration
	timeout       time.Duration

	now              func() time.Time
	afterFunc        AfterFunc
	onSessionExpired func()

	refreshMu sync.Mutex

	mu        sync.Mutex
	armed     bool
	retrying  bool
	interval  time.Duration
	features  models.CertificateFeatures
	timer     Timer
	gen       uint64
	nextAt    time.Time
	stopCheck context.CancelFunc
}

func New(store Store, fetcher Fetcher, opts ...Option) *Scheduler {
	s := &Scheduler{
		store:         store,
		fetcher:       fetcher,
		base:          DefaultBaseInterval,
		max:           DefaultMaxInterval,
		checkInterval: DefaultCheckInterval,
		margin:        DefaultRefreshMargin,
		timeout:       DefaultTimeout,
		now:           time.Now,
		afterFunc: func(d time.Duration, f func()) Timer {
			return time.AfterFunc(d, f)
		},
	}
	for _, opt := range opts {
		opt(s)
	}

	s.interval = s.base
	if stored, err := store.RetryInterval(); err != nil {
		log.WithError(err).Warn("Failed to load certificate retry interval")
	} else if stored >= s.base {
		s.interval = min(stored, s.max)
	}
	return s
}

// Start arms the scheduler with the features the active connection needs.
// Calling it again with new features triggers a refresh when they differ
// from the stored certificate.
func (s *Scheduler) Start(features models.CertificateFeatures) {
	s.mu.Lock()
	s.features = features
	if !s.armed {
		s.armed = true
		ctx, cancel := context.WithCancel(context.Background())
		s.stopCheck = cancel
		go s.checkLoop(ctx)
	}
	s.mu.Unlock()

	s.Check()
}

// Stop cancels the pending timer and the periodic check.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.armed = false
	s.retrying = false
	s.cancelTimerLocked()
	if s.stopCheck != nil {
		s.stopCheck()
		s.stopCheck = nil
	}
}

// DeleteCertificate stops the scheduler and drops the stored certificate.
func (s *Scheduler) DeleteCertificate() error {
	s.Stop()
	return s.store.DeleteCertificate()
}

func (s *Scheduler) Armed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.armed
}

// RetryInterval is the delay the last failure was retried after.
func (s *Scheduler) RetryInterval() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.interval
}

// NextRefresh returns when the pending timer fires, if one is pending.
func (s *Scheduler) NextRefresh() (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.nextAt, s.timer != nil
}

// PlanNextRefresh schedules the one-shot refresh: immediately when there is
// no certificate or its refresh time already passed, else at the refresh time.
func (s *Scheduler) PlanNextRefresh() {
	cert, err := s.store.Certificate()
	if err != nil {
		log.WithError(err).Warn("Failed to read certificate, refreshing")
		s.schedule(0)
		return
	}
	if cert == nil {
		s.schedule(0)
		return
	}
	s.schedule(max(cert.RefreshTime.Sub(s.now()), 0))
}

// Check refreshes right away when the certificate is missing, was issued for
// other features or is within the refresh margin. A pending backoff retry is
// left alone.
func (s *Scheduler) Check() {
	s.mu.Lock()
	retrying := s.retrying
	features := s.features
	s.mu.Unlock()
	if retrying {
		return
	}

	cert, err := s.store.Certificate()
	if err != nil || s.needsRefresh(cert, features) {
		s.schedule(0)
		return
	}
	s.PlanNextRefresh()
}

func (s *Scheduler) needsRefresh(cert *models.Certificate, features models.CertificateFeatures) bool {
	if cert == nil {
		return true
	}
	if cert.Features != features {
		return true
	}
	return !s.now().Before(cert.RefreshTime.Add(-s.margin))
}

func (s *Scheduler) checkLoop(ctx context.Context) {
	ticker := time.NewTicker(s.checkInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Check()
		}
	}
}

func (s *Scheduler) schedule(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.armed {
		return
	}
	s.cancelTimerLocked()
	gen := s.gen
	s.nextAt = s.now().Add(d)
	s.timer = s.afterFunc(d, func() { s.fire(gen) })

	log.WithFields(log.Fields{
		"delay": d,
	}).Debug("Certificate refresh scheduled")
}

func (s *Scheduler) cancelTimerLocked() {
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	s.gen++
}

func (s *Scheduler) fire(gen uint64) {
	s.mu.Lock()
	if gen != s.gen {
		s.mu.Unlock()
		return
	}
	s.timer = nil
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()
	if err := s.Refresh(ctx); err != nil {
		log.WithError(err).Warn("Certificate refresh failed")
	}
}

// Refresh fetches a new certificate now and plans the follow-up: the next
// regular refresh on success, a backoff retry on failure.
func (s *Scheduler) Refresh(ctx context.Context) error {
	s.refreshMu.Lock()
	defer s.refreshMu.Unlock()

	s.mu.Lock()
	features := s.features
	s.mu.Unlock()

	cert, err := s.fetch(ctx, features)
	if err == nil {
		if err := s.store.SaveCertificate(cert); err != nil {
			s.handleFailure(err)
			return err
		}
		s.handleSuccess()
		return nil
	}

	var tooMany *TooManyRequestsError
	switch {
	case errors.Is(err, ErrSessionExpiredOrMissing):
		log.Warn("Session expired while refreshing certificate")
		s.Stop()
		if s.onSessionExpired != nil {
			s.onSessionExpired()
		}
	case errors.As(err, &tooMany) && tooMany.RetryAfter > 0:
		s.mu.Lock()
		s.retrying = true
		s.mu.Unlock()
		s.schedule(tooMany.RetryAfter)
	default:
		s.handleFailure(err)
	}
	return err
}

// fetch regenerates the key pair once when the API rejects the current one.
func (s *Scheduler) fetch(ctx context.Context, features models.CertificateFeatures) (models.Certificate, error) {
	kp, err := s.keyPair(false)
	if err != nil {
		return models.Certificate{}, err
	}

	cert, err := s.fetchOnce(ctx, kp, features)
	if !errors.Is(err, ErrNeedNewKeys) {
		return cert, err
	}

	log.Info("Regenerating certificate key pair")
	if kp, err = s.keyPair(true); err != nil {
		return models.Certificate{}, err
	}
	return s.fetchOnce(ctx, kp, features)
}

func (s *Scheduler) fetchOnce(ctx context.Context, kp models.KeyPair, features models.CertificateFeatures) (models.Certificate, error) {
	cert, err := s.fetcher.FetchCertificate(ctx, kp, features)
	if err == nil {
		return cert, nil
	}
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return cert, ErrTimedOut
	case errors.Is(err, context.Canceled):
		return cert, ErrCancelled
	}
	return cert, err
}

func (s *Scheduler) keyPair(regenerate bool) (models.KeyPair, error) {
	if !regenerate {
		kp, err := s.store.KeyPair()
		if err != nil {
			return models.KeyPair{}, err
		}
		if kp != nil {
			return *kp, nil
		}
	}

	kp, err := security.GenerateKeyPair()
	if err != nil {
		return kp, err
	}
	return kp, s.store.SaveKeyPair(kp)
}

func (s *Scheduler) handleSuccess() {
	s.mu.Lock()
	s.interval = s.base
	s.retrying = false
	s.mu.Unlock()

	if err := s.store.SaveRetryInterval(s.base); err != nil {
		log.WithError(err).Warn("Failed to persist certificate retry interval")
	}
	s.PlanNextRefresh()
}

func (s *Scheduler) handleFailure(err error) {
	s.mu.Lock()
	s.interval = min(s.interval*2, s.max)
	s.retrying = true
	delay := s.interval
	s.mu.Unlock()

	log.WithFields(log.Fields{
		"error": err,
		"retry": delay,
	}).Warn("Certificate refresh will be retried")

	if err := s.store.SaveRetryInterval(delay); err != nil {
		log.WithError(err).Warn("Failed to persist certificate retry interval")
	}
	s.schedule(delay)
}
