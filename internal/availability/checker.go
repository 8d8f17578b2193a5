package availability

import (
	"context"
	"math/rand/v2"
	"net"
	"slices"
	"strconv"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"vpngate/internal/models"
)

const DefaultTimeout = 3 * time.Second

// Result of probing one protocol on one server IP. Ports are ordered by
// response time, fastest first.
type Result struct {
	Available bool
	Ports     []int
}

func Unavailable() Result {
	return Result{}
}

func Available(ports []int) Result {
	return Result{Available: len(ports) > 0, Ports: ports}
}

type Checker interface {
	Protocol() models.VPNProtocol
	CheckAvailability(ctx context.Context, ip models.ServerIP) Result
	Ping(ctx context.Context, ip models.ServerIP, port int, timeout time.Duration) bool
}

// PingFunc returns nil once the peer answered on addr.
type PingFunc func(ctx context.Context, addr string, ip models.ServerIP) error

type Option func(*checker)

func WithTimeout(d time.Duration) Option {
	return func(c *checker) {
		if d > 0 {
			c.timeout = d
		}
	}
}

func WithPing(fn PingFunc) Option {
	return func(c *checker) {
		c.ping = fn
	}
}

// WithOpenVPNStaticKey sets the tls-auth key the OpenVPN probes sign with.
func WithOpenVPNStaticKey(key []byte) Option {
	return func(c *checker) {
		c.staticKey = key
	}
}

type checker struct {
	protocol  models.VPNProtocol
	timeout   time.Duration
	ping      PingFunc
	staticKey []byte
	shuffle   func(ports []int)
}

func NewChecker(protocol models.VPNProtocol, opts ...Option) Checker {
	c := &checker{
		protocol: protocol,
		timeout:  DefaultTimeout,
		shuffle: func(ports []int) {
			rand.Shuffle(len(ports), func(i, j int) { ports[i], ports[j] = ports[j], ports[i] })
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.ping == nil {
		c.ping = defaultPing(protocol, c.staticKey)
	}
	return c
}

func (c *checker) Protocol() models.VPNProtocol {
	return c.protocol
}

// CheckAvailability pings every candidate port concurrently. A port that does
// not answer within the timeout is left out of the result, never reported as an error.
func (c *checker) CheckAvailability(ctx context.Context, ip models.ServerIP) Result {
	if _, ok := ip.EntryIPFor(c.protocol); !ok {
		return Unavailable()
	}

	ports := ip.PortsFor(c.protocol)
	c.shuffle(ports)

	type answer struct {
		port    int
		elapsed time.Duration
	}

	var (
		mu      sync.Mutex
		answers []answer
		g       errgroup.Group
	)
	for _, port := range ports {
		g.Go(func() error {
			start := time.Now()
			if c.Ping(ctx, ip, port, c.timeout) {
				mu.Lock()
				answers = append(answers, answer{port: port, elapsed: time.Since(start)})
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()

	slices.SortStableFunc(answers, func(a, b answer) int {
		return int(a.elapsed - b.elapsed)
	})
	available := make([]int, 0, len(answers))
	for _, a := range answers {
		available = append(available, a.port)
	}

	log.WithFields(log.Fields{
		"protocol": c.protocol,
		"server":   ip.Domain,
		"ports":    available,
	}).Debug("Availability check finished")

	return Available(available)
}

func (c *checker) Ping(ctx context.Context, ip models.ServerIP, port int, timeout time.Duration) bool {
	host, ok := ip.EntryIPFor(c.protocol)
	if !ok {
		return false
	}

	pingCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	addr := net.JoinHostPort(host, strconv.Itoa(port))
	if err := c.ping(pingCtx, addr, ip); err != nil {
		log.WithFields(log.Fields{
			"protocol": c.protocol,
			"addr":     addr,
			"error":    err,
		}).Trace("Ping failed")
		return false
	}
	return true
}

// FirstToRespondPort is used when the user picked a protocol explicitly. It
// returns the port list reordered so the first responder leads, or the
// defaults unchanged if nothing answered.
func FirstToRespondPort(ctx context.Context, c Checker, ip models.ServerIP) []int {
	ports := ip.PortsFor(c.Protocol())
	if len(ports) == 0 {
		return ports
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	first := make(chan int, len(ports))
	for _, port := range ports {
		go func() {
			if c.Ping(ctx, ip, port, DefaultTimeout) {
				first <- port
			}
		}()
	}

	select {
	case port := <-first:
		out := []int{port}
		for _, p := range ports {
			if p != port {
				out = append(out, p)
			}
		}
		return out
	case <-time.After(DefaultTimeout):
		return ports
	case <-ctx.Done():
		return ports
	}
}

// Set maps protocols to their checkers.
type Set map[models.VPNProtocol]Checker

func NewSet(protocols []models.VPNProtocol, opts ...Option) Set {
	if len(protocols) == 0 {
		protocols = models.AllProtocols
	}
	set := make(Set, len(protocols))
	for _, p := range protocols {
		set[p] = NewChecker(p, opts...)
	}
	return set
}

func (s Set) Checkers() []Checker {
	out := make([]Checker, 0, len(s))
	for _, p := range models.AllProtocols {
		if c, ok := s[p]; ok {
			out = append(out, c)
		}
	}
	return out
}
