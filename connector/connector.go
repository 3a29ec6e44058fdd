package connector

import (
	"context"
	"time"

	"github.com/jpillora/backoff"

	"marketstream/models"
)

// Emit delivers one normalized envelope to the stream manager. It is
// invoked synchronously from the connector's read loop and must not block.
type Emit func(models.Envelope)

// Connector owns exactly one websocket connection to one exchange. Run
// supervises the connection for the lifetime of the context; Subscribe and
// Unsubscribe mutate the subscription table at any time, connected or not.
type Connector interface {
	Exchange() string
	Run(ctx context.Context) error
	Subscribe(symbol string, kinds []models.StreamKind) error
	Unsubscribe(symbol string, kinds []models.StreamKind) error
}

// Options configures a venue connection.
type Options struct {
	URL            string
	DialTimeout    time.Duration
	WriteTimeout   time.Duration
	PingInterval   time.Duration
	BackoffInitial time.Duration
	BackoffMax     time.Duration
	SubscribeRPS   float64
	SubscribeBurst int
}

// WithDefaults fills zero-valued fields with production defaults.
func (o Options) WithDefaults() Options {
	if o.DialTimeout <= 0 {
		o.DialTimeout = 10 * time.Second
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = 5 * time.Second
	}
	if o.PingInterval <= 0 {
		o.PingInterval = 20 * time.Second
	}
	if o.BackoffInitial <= 0 {
		o.BackoffInitial = time.Second
	}
	if o.BackoffMax <= 0 {
		o.BackoffMax = 30 * time.Second
	}
	if o.SubscribeRPS <= 0 {
		o.SubscribeRPS = 5
	}
	if o.SubscribeBurst <= 0 {
		o.SubscribeBurst = 10
	}
	return o
}

// NewBackoff builds the reconnect backoff: delays double from the initial
// value up to the cap and reset after a successful connect.
func NewBackoff(o Options) *backoff.Backoff {
	return &backoff.Backoff{
		Min:    o.BackoffInitial,
		Max:    o.BackoffMax,
		Factor: 2,
		Jitter: false,
	}
}

// Wait sleeps for d or until the context is cancelled. It reports whether
// the full delay elapsed.
func Wait(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	}
}
