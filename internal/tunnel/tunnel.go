package tunnel

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"vpngate/internal/models"
)

var (
	ErrEndpointUnreachable = errors.New("tunnel endpoint unreachable")
	ErrNoEndpoint          = errors.New("connection configuration has no endpoint")
	ErrClosedBeforeActive  = errors.New("tunnel closed before it became active")
)

type EventKind int

const (
	BecameActive EventKind = iota
	Failed
	BetterPathAvailable
	Disconnected
)

func (k EventKind) String() string {
	switch k {
	case BecameActive:
		return "active"
	case Failed:
		return "failed"
	case BetterPathAvailable:
		return "better-path"
	case Disconnected:
		return "disconnected"
	default:
		return fmt.Sprintf("event(%d)", int(k))
	}
}

// Event is feedback from the platform tunnel layer about one connection
// attempt, identified by the configuration's id.
type Event struct {
	ConnectionID    uuid.UUID
	Kind            EventKind
	Err             error
	ShouldReconnect bool
}

// Establisher is the platform tunnel layer. Establish returns once the
// request was acknowledged; the outcome arrives later on Events.
type Establisher interface {
	Establish(ctx context.Context, cfg models.ConnectionConfiguration) error
	Cancel(id uuid.UUID)
	TearDown(ctx context.Context) error
	Events() <-chan Event
}
