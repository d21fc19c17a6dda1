package controller

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/levenlabs/go-lflag"
	"github.com/raterudder/sunsynk/pkg/log"
	"github.com/raterudder/sunsynk/pkg/types"
	"github.com/samber/lo"
)

// DefaultRefreshInterval is used when no interval is configured.
const DefaultRefreshInterval = time.Minute

// ErrUnknownInverter is returned for serials the pool does not manage.
var ErrUnknownInverter = errors.New("unknown inverter")

// Lister finds the inverters registered to an account.
type Lister interface {
	ListInverters(ctx context.Context, token string) ([]types.Inverter, error)
}

// Client is what the pool needs from the remote.
type Client interface {
	InverterClient
	Lister
}

// Pool runs one controller per inverter of an account.
type Pool struct {
	session  Session
	client   Client
	observer Observer
	interval time.Duration

	mu          sync.Mutex
	controllers map[string]*Controller
	inverters   map[string]types.Inverter
	ctx         context.Context
}

// Configured registers the polling flags and returns a pool that picks them
// up once flags are parsed.
func Configured(session Session, client Client, observer Observer) *Pool {
	p := NewPool(session, client, observer, DefaultRefreshInterval)
	interval := lflag.Duration("refresh-interval", DefaultRefreshInterval, "how often each inverter is polled (minimum 1m)")
	lflag.Do(func() {
		p.interval = *interval
	})
	return p
}

// NewPool returns an empty pool.
func NewPool(session Session, client Client, observer Observer, interval time.Duration) *Pool {
	return &Pool{
		session:     session,
		client:      client,
		observer:    observer,
		interval:    interval,
		controllers: make(map[string]*Controller),
		inverters:   make(map[string]types.Inverter),
	}
}

// Discover lists the inverters of the account.
func (p *Pool) Discover(ctx context.Context) ([]types.Inverter, error) {
	token, err := p.session.Token(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get token for discovery: %w", err)
	}
	invs, err := p.client.ListInverters(ctx, token)
	if err != nil {
		return nil, fmt.Errorf("failed to list inverters: %w", err)
	}

	p.mu.Lock()
	for _, inv := range invs {
		p.inverters[inv.SerialNumber] = inv
	}
	p.mu.Unlock()

	log.Ctx(ctx).InfoContext(ctx, "discovered inverters", slog.Any("serials", lo.Map(invs, func(inv types.Inverter, _ int) string {
		return inv.SerialNumber
	})))
	return invs, nil
}

// Start starts polling serials, or every inverter of the account when
// serials is empty.
func (p *Pool) Start(ctx context.Context, serials []string) error {
	serials = lo.Uniq(lo.Compact(lo.Map(serials, func(s string, _ int) string {
		return strings.TrimSpace(s)
	})))
	if len(serials) == 0 {
		invs, err := p.Discover(ctx)
		if err != nil {
			return err
		}
		serials = lo.Map(invs, func(inv types.Inverter, _ int) string {
			return inv.SerialNumber
		})
		if len(serials) == 0 {
			return errors.New("no inverters registered to the account")
		}
	}

	p.mu.Lock()
	p.ctx = ctx
	p.mu.Unlock()

	for _, sn := range serials {
		p.Add(sn)
	}
	return nil
}

// Add starts polling serial if it is not already polled and returns its
// controller. Controllers added before Start begin polling when Start runs.
func (p *Pool) Add(serial string) *Controller {
	p.mu.Lock()
	defer p.mu.Unlock()
	if c, ok := p.controllers[serial]; ok {
		return c
	}
	c := NewController(serial, p.interval, p.session, p.client, p.observer)
	p.controllers[serial] = c
	if p.ctx != nil {
		c.Start(p.ctx)
	}
	return c
}

// Get returns the controller of serial.
func (p *Pool) Get(serial string) (*Controller, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	c, ok := p.controllers[serial]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownInverter, serial)
	}
	return c, nil
}

// Inverter returns what discovery learned about serial, if anything.
func (p *Pool) Inverter(serial string) (types.Inverter, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	inv, ok := p.inverters[serial]
	return inv, ok
}

// Controllers returns every controller ordered by serial.
func (p *Pool) Controllers() []*Controller {
	p.mu.Lock()
	defer p.mu.Unlock()
	serials := lo.Keys(p.controllers)
	slices.Sort(serials)
	return lo.Map(serials, func(sn string, _ int) *Controller {
		return p.controllers[sn]
	})
}

// Stop stops every controller.
func (p *Pool) Stop() {
	for _, c := range p.Controllers() {
		c.Stop()
	}
}
