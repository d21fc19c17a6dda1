package controller

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/raterudder/sunsynk/pkg/log"
	"github.com/raterudder/sunsynk/pkg/sunsynk"
	"github.com/raterudder/sunsynk/pkg/types"
)

const (
	// LockoutWindow is the minimum spacing between two poll cycles of one
	// inverter.
	LockoutWindow = time.Minute
	// MinRefreshInterval is the shortest allowed timer period.
	MinRefreshInterval = time.Minute

	// Vendor is published as the vendor property of every inverter.
	Vendor = "Sunsynk"
)

var (
	// ErrSettingsNotLoaded is returned by commands that arrive before the
	// first successful poll. Every write carries all six slots so nothing can
	// be pushed until the remote values are known.
	ErrSettingsNotLoaded = errors.New("inverter settings not loaded yet")
	// ErrStopped is returned by commands sent to a stopped controller.
	ErrStopped = errors.New("controller stopped")
)

// State is the outcome of a tick.
type State int

const (
	StateIdle State = iota
	StatePolling
	StatePublished
	StateAuthRetry
	StateSuppressed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StatePolling:
		return "polling"
	case StatePublished:
		return "published"
	case StateAuthRetry:
		return "auth-retry"
	case StateSuppressed:
		return "suppressed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// MarshalText lets states appear by name in JSON.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText is the inverse of MarshalText.
func (s *State) UnmarshalText(text []byte) error {
	for st := StateIdle; st <= StateSuppressed; st++ {
		if st.String() == string(text) {
			*s = st
			return nil
		}
	}
	return fmt.Errorf("unknown state %q", text)
}

// PollState is the timing state of one inverter.
type PollState struct {
	LastPollAt   time.Time `json:"lastPollAt"`
	LockoutUntil time.Time `json:"lockoutUntil"`
	PendingWrite bool      `json:"pendingWrite"`
}

// Session hands out bearer tokens for the account the inverter belongs to.
type Session interface {
	Token(ctx context.Context) (string, error)
	Reauthenticate(ctx context.Context) error
}

// InverterClient talks to the remote on behalf of one inverter.
type InverterClient interface {
	FetchSettings(ctx context.Context, serial, token string) (types.Settings, error)
	FetchTelemetry(ctx context.Context, serial, token string) (types.Telemetry, error)
	PushSettings(ctx context.Context, settings types.Settings, token string) error
}

// Observer receives everything the controller learns about an inverter.
type Observer interface {
	Publish(ctx context.Context, serial string, values []types.ChannelValue)
	MarkOnline(ctx context.Context, serial string)
	MarkOffline(ctx context.Context, serial string, reason string)
	RequestReauthentication(ctx context.Context, serial string)
}

// Snapshot is a copy of what a controller currently knows.
type Snapshot struct {
	SerialNumber string          `json:"serialNumber"`
	State        State           `json:"state"`
	Poll         PollState       `json:"poll"`
	Online       bool            `json:"online"`
	LastError    string          `json:"lastError,omitempty"`
	Loaded       bool            `json:"loaded"`
	Settings     types.Settings  `json:"settings"`
	Telemetry    types.Telemetry `json:"telemetry"`
}

// Controller polls one inverter on a fixed delay and pushes local settings
// changes back to it. At most one remote exchange per inverter is in flight
// at any time.
type Controller struct {
	serial   string
	interval time.Duration
	session  Session
	client   InverterClient
	observer Observer
	now      func() time.Time

	mu        sync.Mutex
	poll      PollState
	state     State
	settings  types.Settings
	loaded    bool
	telemetry types.Telemetry
	online    bool
	lastErr   string
	// generation counts local mutations so a cycle can tell whether a command
	// landed while it was talking to the remote
	generation uint64
	busy       bool
	// dispatch is set when local mutations still need to be pushed
	dispatch bool
	stopped  bool
	// done is closed by Stop
	done  chan struct{}
	timer *time.Timer
}

// NewController returns a controller for serial. Intervals below
// MinRefreshInterval are raised to it.
func NewController(serial string, interval time.Duration, session Session, client InverterClient, observer Observer) *Controller {
	if interval < MinRefreshInterval {
		slog.Warn(
			"refresh interval below minimum, raising it",
			slog.String("serial", serial),
			slog.Duration("interval", interval),
			slog.Duration("minimum", MinRefreshInterval),
		)
		interval = MinRefreshInterval
	}
	return &Controller{
		serial:   serial,
		interval: interval,
		session:  session,
		client:   client,
		observer: observer,
		now:      time.Now,
		done:     make(chan struct{}),
	}
}

// Serial returns the serial number of the inverter.
func (c *Controller) Serial() string {
	return c.serial
}

// Interval returns the effective refresh interval.
func (c *Controller) Interval() time.Duration {
	return c.interval
}

// Snapshot returns a copy of the controller's current view of the inverter.
func (c *Controller) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := Snapshot{
		SerialNumber: c.serial,
		State:        c.state,
		Poll:         c.poll,
		Online:       c.online,
		LastError:    c.lastErr,
		Loaded:       c.loaded,
		Settings:     c.settings,
		Telemetry:    c.telemetry,
	}
	s.Settings.Token = ""
	return s
}

// Start begins polling: the first tick fires immediately and each following
// tick fires Interval after the previous one finished. Polling stops when ctx
// is done or Stop is called.
func (c *Controller) Start(ctx context.Context) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.timer != nil || c.stopped {
		return
	}
	ctx = log.WithAttrs(ctx, slog.String("serial", c.serial))
	c.timer = time.AfterFunc(0, func() {
		c.tick(ctx)
	})
	go func() {
		select {
		case <-ctx.Done():
			c.Stop()
		case <-c.done:
		}
	}()
	log.Ctx(ctx).InfoContext(ctx, "inverter polling started", slog.Duration("interval", c.interval))
}

func (c *Controller) tick(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	c.Refresh(ctx)

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stopped || ctx.Err() != nil {
		return
	}
	c.timer.Reset(c.interval)
}

// Stop cancels the timer. No tick fires after Stop returns and results of
// calls already in flight are discarded.
func (c *Controller) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stopped {
		return
	}
	c.stopped = true
	close(c.done)
	if c.timer != nil {
		c.timer.Stop()
	}
}

// Refresh runs one poll cycle unless the inverter is locked out or another
// exchange is in flight, in which case the tick is suppressed and the lockout
// deadline is left alone.
func (c *Controller) Refresh(ctx context.Context) State {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return StateIdle
	}
	now := c.now()
	if now.Before(c.poll.LockoutUntil) || c.busy {
		lockout, busy := c.poll.LockoutUntil, c.busy
		c.mu.Unlock()
		log.Ctx(ctx).DebugContext(ctx, "poll suppressed", slog.Time("lockoutUntil", lockout), slog.Bool("busy", busy))
		return StateSuppressed
	}
	c.poll.LastPollAt = now
	c.poll.LockoutUntil = now.Add(LockoutWindow)
	c.state = StatePolling
	c.busy = true
	pending := c.poll.PendingWrite
	local := c.settings
	gen := c.generation
	c.mu.Unlock()

	state := c.cycle(ctx, pending, local, gen)

	c.mu.Lock()
	if !c.stopped {
		c.state = state
	}
	c.mu.Unlock()

	c.release(ctx)
	return state
}

func (c *Controller) cycle(ctx context.Context, pending bool, local types.Settings, gen uint64) State {
	log.Ctx(ctx).DebugContext(ctx, "polling inverter", slog.Bool("pendingWrite", pending))

	token, err := c.session.Token(ctx)
	if err != nil {
		return c.sessionFailure(ctx, err)
	}

	if pending {
		local.Token = token
		if err := c.client.PushSettings(ctx, local, token); err != nil {
			return c.failure(ctx, fmt.Errorf("push pending settings: %w", err))
		}
		c.mu.Lock()
		if c.generation == gen {
			c.poll.PendingWrite = false
		}
		c.mu.Unlock()
	}

	settings, err := c.client.FetchSettings(ctx, c.serial, token)
	if err != nil {
		return c.failure(ctx, err)
	}
	telemetry, err := c.client.FetchTelemetry(ctx, c.serial, token)
	if err != nil {
		return c.failure(ctx, err)
	}

	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		log.Ctx(ctx).DebugContext(ctx, "discarding poll result after stop")
		return StateIdle
	}
	if c.generation == gen {
		c.settings = settings
	} else {
		// commands landed mid-cycle: keep them and push after the cycle
		c.settings.Token = settings.Token
		c.dispatch = true
	}
	c.loaded = true
	c.telemetry = telemetry
	c.online = true
	c.lastErr = ""
	values := publishValues(c.serial, c.settings, telemetry)
	c.mu.Unlock()

	c.observer.Publish(ctx, c.serial, values)
	c.observer.MarkOnline(ctx, c.serial)
	log.Ctx(ctx).DebugContext(ctx, "inverter state published", slog.Int("values", len(values)))
	return StatePublished
}

func publishValues(serial string, settings types.Settings, telemetry types.Telemetry) []types.ChannelValue {
	values := []types.ChannelValue{
		{Channel: "property-vendor", Value: Vendor},
		{Channel: "property-serial", Value: serial},
	}
	values = append(values, settings.Channels()...)
	return append(values, telemetry.Channels()...)
}

// failure ends a cycle that failed on a data call.
func (c *Controller) failure(ctx context.Context, err error) State {
	if errors.Is(err, sunsynk.ErrAuthFailure) {
		return c.authRetry(ctx, err)
	}

	log.Ctx(ctx).WarnContext(ctx, "inverter poll failed", slog.Any("error", err))
	c.markOffline(ctx, err.Error())
	return StateIdle
}

// authRetry re-authenticates the account once. The poll itself is retried
// by the next tick.
func (c *Controller) authRetry(ctx context.Context, cause error) State {
	log.Ctx(ctx).WarnContext(ctx, "inverter refused token, re-authenticating", slog.Any("error", cause))
	if !c.markOffline(ctx, "authentication failed") {
		return StateIdle
	}

	if err := c.session.Reauthenticate(ctx); err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "re-authentication failed", slog.Any("error", err))
		if unusable(err) {
			c.observer.RequestReauthentication(ctx, c.serial)
		}
	}
	return StateAuthRetry
}

// sessionFailure handles a cycle that could not get a token at all.
func (c *Controller) sessionFailure(ctx context.Context, err error) State {
	log.Ctx(ctx).WarnContext(ctx, "no token for inverter poll", slog.Any("error", err))
	if !c.markOffline(ctx, err.Error()) {
		return StateIdle
	}
	if unusable(err) {
		c.observer.RequestReauthentication(ctx, c.serial)
	}
	return StateIdle
}

func unusable(err error) bool {
	return errors.Is(err, sunsynk.ErrSessionUnusable) || sunsynk.Fatal(err)
}

// markOffline records the failure and tells the observer, unless the
// controller was stopped in the meantime. It reports whether it did.
func (c *Controller) markOffline(ctx context.Context, reason string) bool {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return false
	}
	c.online = false
	c.lastErr = reason
	c.mu.Unlock()

	c.observer.MarkOffline(ctx, c.serial, reason)
	return true
}

// HandleChannelCommand applies a command addressed by channel name, e.g.
// "interval-2-time".
func (c *Controller) HandleChannelCommand(ctx context.Context, channel, value string) error {
	slot, f, err := types.ParseChannel(channel)
	if err != nil {
		return err
	}
	return c.HandleCommand(ctx, slot, f, value)
}

// HandleCommand changes one field of one slot and pushes the full schedule
// right away. When another exchange is in flight the push happens as soon as
// it finishes. Invalid values are rejected before anything is sent. A push
// that fails keeps the change pending so the next cycle retries it.
func (c *Controller) HandleCommand(ctx context.Context, slot int, f types.Field, value string) error {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return ErrStopped
	}
	if !c.loaded {
		c.mu.Unlock()
		return ErrSettingsNotLoaded
	}
	if err := c.settings.Set(slot, f, value); err != nil {
		c.mu.Unlock()
		return err
	}
	c.generation++
	c.poll.PendingWrite = true
	c.dispatch = true
	if c.busy {
		c.mu.Unlock()
		log.Ctx(ctx).DebugContext(ctx, "command queued behind in-flight exchange", slog.String("channel", types.ChannelName(slot, f)))
		return nil
	}
	c.busy = true
	c.mu.Unlock()

	log.Ctx(ctx).InfoContext(ctx, "inverter command", slog.String("channel", types.ChannelName(slot, f)), slog.String("value", value))
	c.release(ctx)
	return nil
}

// release gives up the busy flag, first pushing any local mutations that are
// waiting for dispatch.
func (c *Controller) release(ctx context.Context) {
	for {
		c.mu.Lock()
		if !c.dispatch || c.stopped {
			c.busy = false
			c.mu.Unlock()
			return
		}
		c.dispatch = false
		local := c.settings
		gen := c.generation
		c.mu.Unlock()

		if !c.push(ctx, local, gen) {
			c.mu.Lock()
			c.busy = false
			c.mu.Unlock()
			return
		}
	}
}

func (c *Controller) push(ctx context.Context, local types.Settings, gen uint64) bool {
	token, err := c.session.Token(ctx)
	if err != nil {
		c.sessionFailure(ctx, err)
		return false
	}
	local.Token = token
	if err := c.client.PushSettings(ctx, local, token); err != nil {
		if errors.Is(err, sunsynk.ErrAuthFailure) {
			c.authRetry(ctx, err)
		} else {
			log.Ctx(ctx).WarnContext(ctx, "settings push failed, will retry next cycle", slog.Any("error", err))
			c.markOffline(ctx, err.Error())
		}
		return false
	}

	c.mu.Lock()
	if c.generation == gen {
		c.poll.PendingWrite = false
	}
	c.mu.Unlock()
	log.Ctx(ctx).DebugContext(ctx, "settings pushed")
	return true
}
