// Package presence keeps the signed-in user's online status alive against a
// server that marks users offline after a period of heartbeat silence.
package presence

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/mahaj/presence-sync/pkg/api"
	"github.com/mahaj/presence-sync/pkg/model"
	"github.com/mahaj/presence-sync/pkg/retry"
)

const (
	DefaultTimeoutMinutes = 5

	// Heartbeats are never further apart than this.
	maxInterval = time.Minute
)

// HeartbeatInterval fires at 80% of the server's inactivity window, capped
// at one minute.
func HeartbeatInterval(timeoutMinutes int) time.Duration {
	if timeoutMinutes <= 0 {
		timeoutMinutes = DefaultTimeoutMinutes
	}
	return min(time.Duration(timeoutMinutes)*time.Minute*4/5, maxInterval)
}

type Updater interface {
	UpdatePresence(ctx context.Context, status model.PresenceStatus) (*model.PresenceSnapshot, error)
}

type Credentials interface {
	Valid() bool
}

type Ticker interface {
	C() <-chan time.Time
	Stop()
}

type TickerFunc func(d time.Duration) Ticker

type stdTicker struct {
	t *time.Ticker
}

func (s stdTicker) C() <-chan time.Time { return s.t.C }
func (s stdTicker) Stop()               { s.t.Stop() }

func newStdTicker(d time.Duration) Ticker {
	return stdTicker{t: time.NewTicker(d)}
}

type Option func(*Controller)

func WithLogger(logger *zap.Logger) Option {
	return func(c *Controller) { c.logger = logger }
}

// WithRetry sets the policy every presence request goes through.
func WithRetry(p retry.Policy) Option {
	return func(c *Controller) { c.retry = p }
}

func WithTicker(fn TickerFunc) Option {
	return func(c *Controller) { c.newTicker = fn }
}

func WithClock(now func() time.Time) Option {
	return func(c *Controller) { c.now = now }
}

// Controller owns the heartbeat loop and the local PresenceState.
type Controller struct {
	api       Updater
	creds     Credentials
	logger    *zap.Logger
	retry     retry.Policy
	newTicker TickerFunc
	now       func() time.Time

	mu             sync.Mutex
	state          *model.PresenceState
	timeoutMinutes int
	// gen identifies the current loop; results from older loops are dropped.
	gen       uint64
	cancel    context.CancelFunc
	observers map[int]func(*model.PresenceState)
	nextObs   int
}

func NewController(updater Updater, creds Credentials, opts ...Option) *Controller {
	c := &Controller{
		api:            updater,
		creds:          creds,
		logger:         zap.NewNop(),
		retry:          retry.Default,
		newTicker:      newStdTicker,
		now:            time.Now,
		timeoutMinutes: DefaultTimeoutMinutes,
		observers:      make(map[int]func(*model.PresenceState)),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Start replaces any running heartbeat loop with one firing every
// HeartbeatInterval(timeoutMinutes).
func (c *Controller) Start(timeoutMinutes int) {
	if timeoutMinutes <= 0 {
		timeoutMinutes = DefaultTimeoutMinutes
	}
	interval := HeartbeatInterval(timeoutMinutes)
	ctx, cancel := context.WithCancel(context.Background())

	c.mu.Lock()
	if c.cancel != nil {
		c.cancel()
	}
	c.gen++
	gen := c.gen
	c.cancel = cancel
	c.timeoutMinutes = timeoutMinutes
	if c.state != nil {
		c.state.TimeoutMinutes = timeoutMinutes
	}
	t := c.newTicker(interval)
	c.mu.Unlock()

	c.logger.Info("presence heartbeat started",
		zap.Int("timeout_minutes", timeoutMinutes),
		zap.Duration("interval", interval),
	)
	go c.run(ctx, gen, t)
}

// Stop cancels the heartbeat loop. It is safe to call when stopped.
func (c *Controller) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stopLocked()
}

func (c *Controller) stopLocked() {
	if c.cancel == nil {
		return
	}
	c.cancel()
	c.cancel = nil
	c.gen++
}

// stopGeneration stops the loop only if gen is still the current one.
func (c *Controller) stopGeneration(gen uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.gen == gen {
		c.stopLocked()
	}
}

func (c *Controller) Running() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cancel != nil
}

func (c *Controller) TimeoutMinutes() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.timeoutMinutes
}

// State returns a copy of the current belief, or nil when signed out.
func (c *Controller) State() *model.PresenceState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.copyStateLocked()
}

func (c *Controller) copyStateLocked() *model.PresenceState {
	if c.state == nil {
		return nil
	}
	s := *c.state
	return &s
}

// Subscribe registers fn to receive every state change. The returned func
// removes it.
func (c *Controller) Subscribe(fn func(*model.PresenceState)) func() {
	c.mu.Lock()
	id := c.nextObs
	c.nextObs++
	c.observers[id] = fn
	c.mu.Unlock()

	return func() {
		c.mu.Lock()
		delete(c.observers, id)
		c.mu.Unlock()
	}
}

func (c *Controller) notify(state *model.PresenceState) {
	c.mu.Lock()
	fns := make([]func(*model.PresenceState), 0, len(c.observers))
	for _, fn := range c.observers {
		fns = append(fns, fn)
	}
	c.mu.Unlock()

	for _, fn := range fns {
		fn(state)
	}
}

// Login marks the user online locally before any round trip, starts the
// heartbeat and sends an explicit online transition.
func (c *Controller) Login(ctx context.Context, timeoutMinutes int) error {
	if timeoutMinutes <= 0 {
		timeoutMinutes = DefaultTimeoutMinutes
	}
	c.mu.Lock()
	c.state = &model.PresenceState{
		IsOnline:       true,
		LastSeenAt:     c.now(),
		TimeoutMinutes: timeoutMinutes,
	}
	state := c.copyStateLocked()
	c.mu.Unlock()
	c.notify(state)

	c.Start(timeoutMinutes)
	return c.MarkOnline(ctx)
}

// Logout sends the offline transition and clears the local state.
func (c *Controller) Logout(ctx context.Context) error {
	err := c.MarkOffline(ctx)

	c.mu.Lock()
	c.state = nil
	c.mu.Unlock()
	c.notify(nil)
	return err
}

func (c *Controller) MarkOnline(ctx context.Context) error {
	snap, err := c.send(ctx, c.retry, model.StatusOnline)
	if err != nil {
		c.logger.Warn("mark online failed", zap.Error(err))
		return err
	}
	c.apply(snap)
	return nil
}

// MarkOffline stops the heartbeat before sending so no tick can resurrect
// the online state. The local belief goes offline even if the request fails.
func (c *Controller) MarkOffline(ctx context.Context) error {
	c.Stop()

	snap, err := c.send(ctx, c.retry, model.StatusOffline)
	if err != nil {
		c.logger.Warn("mark offline failed", zap.Error(err))
		snap = &model.PresenceSnapshot{IsOnline: false, LastSeenAt: c.now()}
	}
	c.apply(snap)
	return err
}

func (c *Controller) run(ctx context.Context, gen uint64, t Ticker) {
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C():
			c.tick(ctx, gen)
		}
	}
}

// tick sends one heartbeat. A failed heartbeat is not retried; the next
// tick is the retry. Only the explicit online and offline transitions use
// the configured retry policy.
func (c *Controller) tick(ctx context.Context, gen uint64) {
	if ctx.Err() != nil {
		return
	}
	if !c.creds.Valid() {
		c.logger.Info("no valid session, stopping presence heartbeat")
		c.stopGeneration(gen)
		return
	}

	snap, err := c.send(ctx, retry.Once, model.StatusHeartbeat)
	switch {
	case err == nil:
		c.applyGeneration(gen, snap)
	case api.IsUnauthorized(err):
		c.logger.Warn("heartbeat rejected, stopping presence heartbeat", zap.Error(err))
		c.stopGeneration(gen)
	case ctx.Err() != nil:
	default:
		c.logger.Warn("heartbeat failed, waiting for next tick", zap.Error(err))
	}
}

func (c *Controller) send(ctx context.Context, policy retry.Policy, status model.PresenceStatus) (*model.PresenceSnapshot, error) {
	var snap *model.PresenceSnapshot
	err := policy.Do(ctx, func(ctx context.Context) error {
		s, err := c.api.UpdatePresence(ctx, status)
		if err != nil {
			return err
		}
		snap = s
		return nil
	}, func(err error) bool { return !api.IsUnauthorized(err) })
	return snap, err
}

func (c *Controller) applyGeneration(gen uint64, snap *model.PresenceSnapshot) {
	c.mu.Lock()
	if c.gen != gen {
		c.mu.Unlock()
		c.logger.Debug("dropping heartbeat result from stopped loop")
		return
	}
	state := c.applyLocked(snap)
	c.mu.Unlock()
	c.notify(state)
}

func (c *Controller) apply(snap *model.PresenceSnapshot) {
	c.mu.Lock()
	state := c.applyLocked(snap)
	c.mu.Unlock()
	c.notify(state)
}

func (c *Controller) applyLocked(snap *model.PresenceSnapshot) *model.PresenceState {
	seen := snap.LastSeenAt
	if seen.IsZero() {
		seen = c.now()
	}
	c.state = &model.PresenceState{
		IsOnline:       snap.IsOnline,
		LastSeenAt:     seen,
		TimeoutMinutes: c.timeoutMinutes,
	}
	return c.copyStateLocked()
}
