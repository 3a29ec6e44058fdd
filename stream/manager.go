package stream

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"marketstream/config"
	"marketstream/connector"
	"marketstream/logger"
	"marketstream/models"
	"marketstream/symbols"
)

var (
	ErrUnknownVenue  = errors.New("unknown venue")
	ErrUnknownSymbol = errors.New("symbol is not canonical")
	ErrInvalidKind   = errors.New("invalid stream kind")
	ErrNotSubscribed = errors.New("subscription is not active")
	ErrManagerClosed = errors.New("stream manager is closed")
)

// Handler receives normalized envelopes. OnEnvelope is invoked under the
// manager's serialization guarantee and must not block or call back into
// the manager.
type Handler interface {
	OnEnvelope(env models.Envelope)
}

// HandlerFunc adapts a plain function to the Handler interface.
type HandlerFunc func(models.Envelope)

func (f HandlerFunc) OnEnvelope(env models.Envelope) { f(env) }

// Factory builds a venue connector wired to the manager's envelope sink.
type Factory func(opts connector.Options, emit connector.Emit) connector.Connector

// Subscription is the opaque handle identifying one registered callback.
type Subscription struct {
	ID     string
	Symbol string
	Venue  string
	Kinds  []models.StreamKind
}

// Options tunes manager behavior and carries per-venue connection options.
type Options struct {
	// ResumeDelay is how long a switched-away symbol stays paused before
	// its buffer is flushed, absorbing frames already in flight when the
	// pause took effect.
	ResumeDelay time.Duration
	// BufferLimit caps buffered envelopes per paused symbol; overflow
	// drops the oldest entries.
	BufferLimit int
	Venues      map[string]connector.Options
}

func (o Options) withDefaults() Options {
	if o.ResumeDelay <= 0 {
		o.ResumeDelay = 500 * time.Millisecond
	}
	if o.BufferLimit <= 0 {
		o.BufferLimit = 4096
	}
	if o.Venues == nil {
		o.Venues = map[string]connector.Options{}
	}
	return o
}

// OptionsFromConfig converts the application configuration into manager
// options.
func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		ResumeDelay: cfg.Manager.ResumeDelay,
		BufferLimit: cfg.Manager.BufferLimit,
		Venues: map[string]connector.Options{
			"binance": venueOptions(cfg.Venues.Binance),
			"kraken":  venueOptions(cfg.Venues.Kraken),
		},
	}
}

func venueOptions(v config.VenueConfig) connector.Options {
	return connector.Options{
		URL:            v.URL,
		DialTimeout:    v.DialTimeout,
		WriteTimeout:   v.WriteTimeout,
		PingInterval:   v.PingInterval,
		BackoffInitial: v.Backoff.Initial,
		BackoffMax:     v.Backoff.Max,
		SubscribeRPS:   v.SubscribeRate.RequestsPerSecond,
		SubscribeBurst: v.SubscribeRate.BurstSize,
	}
}

type subEntry struct {
	handler Handler
	sub     *Subscription
}

type pauseState struct {
	pending int
	buf     []models.Envelope
	dropped int
}

// Manager multiplexes venue connectors to in-process subscribers. It is
// the single mutation point for subscriber bookkeeping, the latest-value
// cache and pause/buffer state; one mutex serializes all of it, including
// callback invocation.
type Manager struct {
	opts      Options
	factories map[string]Factory
	log       *logger.Log

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu         sync.Mutex
	closed     bool
	connectors map[string]connector.Connector
	subs       map[string]map[string]subEntry
	latest     map[string]models.Envelope
	paused     map[string]*pauseState
}

// NewManager builds a manager with injected connector factories, one per
// venue name.
func NewManager(opts Options, factories map[string]Factory) *Manager {
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		opts:       opts.withDefaults(),
		factories:  factories,
		log:        logger.GetLogger(),
		ctx:        ctx,
		cancel:     cancel,
		connectors: make(map[string]connector.Connector),
		subs:       make(map[string]map[string]subEntry),
		latest:     make(map[string]models.Envelope),
		paused:     make(map[string]*pauseState),
	}
}

// Start eagerly creates and runs connectors for the named venues.
func (m *Manager) Start(venues ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrManagerClosed
	}
	for _, venue := range venues {
		if _, err := m.ensureConnectorLocked(venue); err != nil {
			return err
		}
	}
	return nil
}

// Close stops all connectors, flushes outstanding pause buffers and waits
// for every goroutine the manager owns, including deferred resume tasks.
func (m *Manager) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	m.mu.Unlock()

	m.cancel()
	m.wg.Wait()
}

// Subscribe registers a handler for a symbol on a venue, lazily starting
// the venue connector. When a cached latest envelope exists it is
// delivered to the handler before Subscribe returns; every subsequent
// envelope for the symbol follows in arrival order until Unsubscribe.
func (m *Manager) Subscribe(symbol, venue string, kinds []models.StreamKind, h Handler) (*Subscription, error) {
	if !symbols.IsCanonical(symbol) {
		return nil, fmt.Errorf("%w: %q", ErrUnknownSymbol, symbol)
	}
	if len(kinds) == 0 {
		kinds = []models.StreamKind{models.KindTicker}
	}
	for _, k := range kinds {
		if !k.Valid() {
			return nil, fmt.Errorf("%w: %q", ErrInvalidKind, k)
		}
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, ErrManagerClosed
	}
	conn, err := m.ensureConnectorLocked(venue)
	if err != nil {
		m.mu.Unlock()
		return nil, err
	}

	sub := &Subscription{
		ID:     uuid.NewString(),
		Symbol: symbol,
		Venue:  venue,
		Kinds:  append([]models.StreamKind(nil), kinds...),
	}
	m.addEntryLocked(sub, h)

	if cached, ok := m.latest[symbol]; ok {
		m.invoke(sub.ID, h, cached)
	}
	m.mu.Unlock()

	return sub, conn.Subscribe(symbol, kinds)
}

// Unsubscribe removes a handler. It is a no-op for handles that are not
// registered and never tears down the vendor-side subscription; avoiding
// vendor subscribe/unsubscribe flapping is worth the idle stream.
func (m *Manager) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.removeEntryLocked(sub)
}

// SwitchSymbol atomically moves a subscription to a new symbol: the old
// symbol is paused and buffered, the handler is re-registered under the
// new symbol, and the cached latest envelope for the new symbol (when
// present) is delivered and returned so the switch feels instantaneous.
// The old symbol resumes after ResumeDelay and its buffer is flushed in
// arrival order to whoever remains subscribed.
func (m *Manager) SwitchSymbol(sub *Subscription, newSymbol string) (*Subscription, *models.Envelope, error) {
	if sub == nil {
		return nil, nil, ErrNotSubscribed
	}
	if !symbols.IsCanonical(newSymbol) {
		return nil, nil, fmt.Errorf("%w: %q", ErrUnknownSymbol, newSymbol)
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, nil, ErrManagerClosed
	}
	entry, ok := m.subs[sub.Symbol][sub.ID]
	if !ok {
		m.mu.Unlock()
		return nil, nil, fmt.Errorf("%w: %s on %q", ErrNotSubscribed, sub.ID, sub.Symbol)
	}
	conn, err := m.ensureConnectorLocked(sub.Venue)
	if err != nil {
		m.mu.Unlock()
		return nil, nil, err
	}

	ps, ok := m.paused[sub.Symbol]
	if !ok {
		ps = &pauseState{}
		m.paused[sub.Symbol] = ps
	}
	ps.pending++

	m.removeEntryLocked(sub)

	newSub := &Subscription{
		ID:     uuid.NewString(),
		Symbol: newSymbol,
		Venue:  sub.Venue,
		Kinds:  append([]models.StreamKind(nil), sub.Kinds...),
	}
	m.addEntryLocked(newSub, entry.handler)

	var cached *models.Envelope
	if env, ok := m.latest[newSymbol]; ok {
		cached = &env
		m.invoke(newSub.ID, entry.handler, env)
	}

	m.wg.Add(1)
	go m.resumeAfter(sub.Symbol, m.opts.ResumeDelay)
	m.mu.Unlock()

	return newSub, cached, conn.Subscribe(newSymbol, newSub.Kinds)
}

// GetLatest returns the most recent ticker envelope cached for a symbol.
// Entries persist across disconnects and unsubscribes; staleness is the
// caller's concern, observable via the envelope timestamp.
func (m *Manager) GetLatest(symbol string) (models.Envelope, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	env, ok := m.latest[symbol]
	return env, ok
}

func (m *Manager) addEntryLocked(sub *Subscription, h Handler) {
	set, ok := m.subs[sub.Symbol]
	if !ok {
		set = make(map[string]subEntry)
		m.subs[sub.Symbol] = set
	}
	set[sub.ID] = subEntry{handler: h, sub: sub}
}

func (m *Manager) removeEntryLocked(sub *Subscription) {
	set, ok := m.subs[sub.Symbol]
	if !ok {
		return
	}
	delete(set, sub.ID)
	if len(set) == 0 {
		delete(m.subs, sub.Symbol)
	}
}

func (m *Manager) ensureConnectorLocked(venue string) (connector.Connector, error) {
	if c, ok := m.connectors[venue]; ok {
		return c, nil
	}
	factory, ok := m.factories[venue]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownVenue, venue)
	}

	c := factory(m.opts.Venues[venue], m.onEnvelope)
	m.connectors[venue] = c

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		err := c.Run(m.ctx)
		m.log.WithComponent("stream_manager").WithFields(logger.Fields{
			"venue": venue,
		}).WithError(err).Info("connector stopped")
	}()

	m.log.WithComponent("stream_manager").WithFields(logger.Fields{"venue": venue}).Info("connector started")
	return c, nil
}

// onEnvelope is the single sink every connector read loop feeds. Paused
// symbols buffer in arrival order; everything else is dispatched
// immediately.
func (m *Manager) onEnvelope(env models.Envelope) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if ps, ok := m.paused[env.Symbol]; ok {
		if len(ps.buf) >= m.opts.BufferLimit {
			ps.buf = ps.buf[1:]
			ps.dropped++
		}
		ps.buf = append(ps.buf, env)
		return
	}
	m.dispatchLocked(env)
}

func (m *Manager) dispatchLocked(env models.Envelope) {
	if env.Kind == models.KindTicker {
		m.latest[env.Symbol] = env
	}
	for id, entry := range m.subs[env.Symbol] {
		m.invoke(id, entry.handler, env)
	}
}

// invoke isolates one callback so a panicking subscriber cannot starve
// the others or the connector read loop behind them.
func (m *Manager) invoke(id string, h Handler, env models.Envelope) {
	defer func() {
		if r := recover(); r != nil {
			m.log.WithComponent("stream_manager").WithFields(logger.Fields{
				"subscription": id,
				"symbol":       env.Symbol,
				"panic":        fmt.Sprint(r),
			}).Error("subscriber callback panicked")
		}
	}()
	h.OnEnvelope(env)
}

// resumeAfter is the deferred tail of SwitchSymbol: after the delay (or
// immediately on shutdown) the pause is lifted and the buffer flushed in
// arrival order to the symbol's current subscriber set.
func (m *Manager) resumeAfter(symbol string, delay time.Duration) {
	defer m.wg.Done()

	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-m.ctx.Done():
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	ps, ok := m.paused[symbol]
	if !ok {
		return
	}
	ps.pending--
	if ps.pending > 0 {
		return
	}
	delete(m.paused, symbol)

	for _, env := range ps.buf {
		m.dispatchLocked(env)
	}
	if ps.dropped > 0 {
		m.log.WithComponent("stream_manager").WithFields(logger.Fields{
			"symbol":  symbol,
			"dropped": ps.dropped,
		}).Warn("pause buffer overflowed, oldest envelopes dropped")
	}
}
