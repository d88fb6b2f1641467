// Package pool manages bounded sets of long-lived service connections
// (recognition streams, synthesis streams) shared by concurrent sessions.
//
// A connection is checked out exclusively by one session at a time. When
// every slot is taken, callers queue in FIFO order for at most WaitTimeout
// before receiving ErrExhausted.
package pool

import (
	"container/list"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"
)

// Sentinel errors.
var (
	// ErrExhausted is returned when no connection becomes available within
	// the wait timeout.
	ErrExhausted = errors.New("pool: exhausted")

	// ErrClosed is returned by Checkout after Close.
	ErrClosed = errors.New("pool: closed")

	// ErrNotOwner is returned when a connection is released by a session
	// other than the one holding it.
	ErrNotOwner = errors.New("pool: released by non-owner")
)

// Policy selects how connections are created and recycled.
type Policy int

const (
	// Warmable keeps a low-water mark of idle connections open and returns
	// released connections to the idle set.
	Warmable Policy = iota

	// OnDemand dials a connection per checkout and closes it on release.
	OnDemand
)

func (p Policy) String() string {
	switch p {
	case Warmable:
		return "warmable"
	case OnDemand:
		return "on_demand"
	default:
		return "unknown"
	}
}

// ParsePolicy returns the policy for name.
func ParsePolicy(name string) (Policy, error) {
	switch name {
	case "", "warmable":
		return Warmable, nil
	case "on_demand", "on-demand":
		return OnDemand, nil
	default:
		return 0, fmt.Errorf("pool: unknown policy %q", name)
	}
}

// State is the state of a pooled connection.
type State int

const (
	Idle State = iota
	Busy
	Draining
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Busy:
		return "busy"
	case Draining:
		return "draining"
	default:
		return "unknown"
	}
}

// DialFunc opens a new service connection.
type DialFunc[C io.Closer] func(ctx context.Context) (C, error)

// Config configures a Pool.
type Config[C io.Closer] struct {
	// Name labels log lines.
	Name string

	// Dial opens connections. Required.
	Dial DialFunc[C]

	Policy Policy

	// MaxSize bounds the number of checked-out connections. Required.
	MaxSize int

	// MinIdle is the warm low-water mark. Warmable only. Warm fills it;
	// discards and reaper ticks top it back up in the background.
	MinIdle int

	// MaxIdleTime closes idle connections beyond MinIdle after this long.
	// Zero keeps them forever. Warmable only.
	MaxIdleTime time.Duration

	// WaitTimeout bounds how long Checkout queues. Zero rejects immediately
	// when the pool is full.
	WaitTimeout time.Duration

	Logger *slog.Logger
}

// Conn is a checked-out connection.
type Conn[C io.Closer] struct {
	Handle C

	id       uint64
	state    State
	owner    string
	lastUsed time.Time
}

// ID returns the pool-assigned connection id.
func (c *Conn[C]) ID() uint64 { return c.id }

// Owner returns the session currently holding the connection.
func (c *Conn[C]) Owner() string { return c.owner }

// Stats is a point-in-time view of a pool.
type Stats struct {
	Idle    int
	Busy    int
	Waiting int
}

type waiter[C io.Closer] struct {
	owner string
	ready chan *Conn[C]
	// granted is set under the pool lock once a slot has been handed over.
	granted bool
}

// Pool is a bounded connection pool. It is safe for concurrent use.
type Pool[C io.Closer] struct {
	cfg    Config[C]
	logger *slog.Logger

	mu      sync.Mutex
	idle    []*Conn[C]
	busy    map[uint64]*Conn[C]
	waiters *list.List
	// reserved counts slots claimed by a checkout that is still dialing.
	reserved int
	// warming counts dials in flight for Warm.
	warming int
	nextID   uint64
	closed   bool

	stopReap chan struct{}
	reapDone chan struct{}

	// Background refills of the low-water mark.
	refilling bool
	bg        sync.WaitGroup
	bgCtx     context.Context
	bgCancel  context.CancelFunc
}

// New creates a pool. Warmable pools with a MaxIdleTime start a background
// reaper; call Close to stop it.
func New[C io.Closer](cfg Config[C]) (*Pool[C], error) {
	if cfg.Dial == nil {
		return nil, errors.New("pool: Config.Dial is required")
	}
	if cfg.MaxSize <= 0 {
		return nil, errors.New("pool: Config.MaxSize must be positive")
	}
	if cfg.MinIdle > cfg.MaxSize {
		cfg.MinIdle = cfg.MaxSize
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	p := &Pool[C]{
		cfg:      cfg,
		logger:   logger.With("pool", cfg.Name),
		busy:     make(map[uint64]*Conn[C]),
		waiters:  list.New(),
		stopReap: make(chan struct{}),
		reapDone: make(chan struct{}),
	}
	p.bgCtx, p.bgCancel = context.WithCancel(context.Background())
	if cfg.Policy == Warmable && cfg.MaxIdleTime > 0 {
		go p.reapLoop()
	} else {
		close(p.reapDone)
	}
	return p, nil
}

// Warm opens connections until MinIdle are idle. It is a no-op for
// on-demand pools. A connection that finds the pool full once dialed is
// closed, so warming never makes a Checkout wait.
func (p *Pool[C]) Warm(ctx context.Context) error {
	if p.cfg.Policy != Warmable {
		return nil
	}
	for {
		p.mu.Lock()
		need := p.cfg.MinIdle - len(p.idle) - p.warming
		if p.closed || need <= 0 || len(p.idle)+p.warming+p.inUseLocked() >= p.cfg.MaxSize {
			p.mu.Unlock()
			return nil
		}
		p.warming++
		p.mu.Unlock()

		h, err := p.cfg.Dial(ctx)

		p.mu.Lock()
		p.warming--
		if err != nil {
			p.mu.Unlock()
			return fmt.Errorf("pool %s: warm: %w", p.cfg.Name, err)
		}
		if p.closed || len(p.idle)+p.inUseLocked() >= p.cfg.MaxSize {
			p.mu.Unlock()
			h.Close()
			return nil
		}
		p.nextID++
		p.idle = append(p.idle, &Conn[C]{Handle: h, id: p.nextID, state: Idle, lastUsed: time.Now()})
		p.mu.Unlock()
	}
}

// refillLocked starts a background Warm when the idle set is below the
// low-water mark.
func (p *Pool[C]) refillLocked() {
	if p.cfg.Policy != Warmable || p.closed || p.refilling || len(p.idle) >= p.cfg.MinIdle {
		return
	}
	p.refilling = true
	p.bg.Add(1)
	go func() {
		defer p.bg.Done()
		err := p.Warm(p.bgCtx)
		p.mu.Lock()
		p.refilling = false
		p.mu.Unlock()
		if err != nil && p.bgCtx.Err() == nil {
			p.logger.Warn("pool: refill failed", "error", err)
		}
	}()
}

// Checkout hands out a connection exclusively to owner.
func (p *Pool[C]) Checkout(ctx context.Context, owner string) (*Conn[C], error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, ErrClosed
	}

	if p.inUseLocked() < p.cfg.MaxSize && p.waiters.Len() == 0 {
		c := p.popIdleLocked()
		if c == nil {
			// Reserve the slot before dialing outside the lock.
			c = p.reserveLocked()
		}
		p.claimLocked(c, owner)
		p.mu.Unlock()
		return p.ensureDialed(ctx, c)
	}

	if p.cfg.WaitTimeout <= 0 {
		p.mu.Unlock()
		p.logger.Warn("pool: exhausted, rejecting", "owner", owner)
		return nil, ErrExhausted
	}

	w := &waiter[C]{owner: owner, ready: make(chan *Conn[C], 1)}
	elem := p.waiters.PushBack(w)
	p.mu.Unlock()

	timer := time.NewTimer(p.cfg.WaitTimeout)
	defer timer.Stop()

	select {
	case c := <-w.ready:
		return p.ensureDialed(ctx, c)
	case <-timer.C:
		if c, ok := p.abandon(w, elem); ok {
			return p.ensureDialed(ctx, c)
		}
		p.logger.Warn("pool: checkout timed out", "owner", owner, "wait", p.cfg.WaitTimeout)
		return nil, ErrExhausted
	case <-ctx.Done():
		if c, ok := p.abandon(w, elem); ok {
			p.giveBack(c)
		}
		return nil, ctx.Err()
	}
}

// abandon removes a waiter from the queue. If a slot was granted
// concurrently it returns that connection instead.
func (p *Pool[C]) abandon(w *waiter[C], elem *list.Element) (*Conn[C], bool) {
	p.mu.Lock()
	if !w.granted {
		p.waiters.Remove(elem)
		p.mu.Unlock()
		return nil, false
	}
	p.mu.Unlock()
	return <-w.ready, true
}

// giveBack returns a granted connection the caller no longer wants.
func (p *Pool[C]) giveBack(c *Conn[C]) {
	if c.id != 0 {
		p.Release(c)
		return
	}
	p.mu.Lock()
	p.reserved--
	p.handOffLocked()
	p.mu.Unlock()
}

// ensureDialed dials a reserved slot that has no handle yet.
func (p *Pool[C]) ensureDialed(ctx context.Context, c *Conn[C]) (*Conn[C], error) {
	if c.id != 0 {
		return c, nil
	}
	h, err := p.cfg.Dial(ctx)
	if err != nil {
		p.mu.Lock()
		p.reserved--
		p.handOffLocked()
		p.mu.Unlock()
		return nil, fmt.Errorf("pool %s: dial: %w", p.cfg.Name, err)
	}
	p.mu.Lock()
	p.reserved--
	p.nextID++
	c.id = p.nextID
	c.Handle = h
	p.busy[c.id] = c
	p.mu.Unlock()
	return c, nil
}

// Release returns c to the pool. On-demand connections are closed.
func (p *Pool[C]) Release(c *Conn[C]) error {
	return p.release(c, c.owner, false)
}

// ReleaseAs returns c on behalf of owner, failing with ErrNotOwner when
// owner does not hold it.
func (p *Pool[C]) ReleaseAs(owner string, c *Conn[C]) error {
	return p.release(c, owner, false)
}

// Discard closes c instead of returning it, freeing its slot. Use it when
// a connection failed and must not be reused.
func (p *Pool[C]) Discard(c *Conn[C]) error {
	return p.release(c, c.owner, true)
}

func (p *Pool[C]) release(c *Conn[C], owner string, discard bool) error {
	p.mu.Lock()
	held, ok := p.busy[c.id]
	if !ok || held != c {
		p.mu.Unlock()
		return fmt.Errorf("pool %s: release of connection %d not checked out", p.cfg.Name, c.id)
	}
	if c.owner != owner {
		p.mu.Unlock()
		return fmt.Errorf("%w: connection %d held by %q, released by %q", ErrNotOwner, c.id, c.owner, owner)
	}
	delete(p.busy, c.id)
	c.owner = ""
	c.lastUsed = time.Now()

	closeIt := discard || p.closed || p.cfg.Policy == OnDemand
	if closeIt {
		c.state = Draining
	} else {
		c.state = Idle
		p.idle = append(p.idle, c)
	}
	p.handOffLocked()
	if discard {
		p.refillLocked()
	}
	p.mu.Unlock()

	if closeIt {
		return c.Handle.Close()
	}
	return nil
}

// handOffLocked grants free slots to queued waiters in FIFO order.
func (p *Pool[C]) handOffLocked() {
	for p.waiters.Len() > 0 && p.inUseLocked() < p.cfg.MaxSize {
		front := p.waiters.Front()
		w := front.Value.(*waiter[C])
		p.waiters.Remove(front)
		c := p.popIdleLocked()
		if c == nil {
			c = p.reserveLocked()
		}
		p.claimLocked(c, w.owner)
		w.granted = true
		w.ready <- c
	}
}

// Close closes idle connections and fails future checkouts. Busy
// connections are closed when released.
func (p *Pool[C]) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	idle := p.idle
	p.idle = nil
	p.mu.Unlock()

	p.bgCancel()
	p.bg.Wait()
	close(p.stopReap)
	<-p.reapDone

	var errs []error
	for _, c := range idle {
		c.state = Draining
		if err := c.Handle.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Stats returns current pool occupancy.
func (p *Pool[C]) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Stats{
		Idle:    len(p.idle),
		Busy:    p.inUseLocked(),
		Waiting: p.waiters.Len(),
	}
}

func (p *Pool[C]) popIdleLocked() *Conn[C] {
	n := len(p.idle)
	if n == 0 {
		return nil
	}
	// Most recently used first keeps warm connections warm.
	c := p.idle[n-1]
	p.idle = p.idle[:n-1]
	return c
}

func (p *Pool[C]) claimLocked(c *Conn[C], owner string) {
	c.state = Busy
	c.owner = owner
	c.lastUsed = time.Now()
	if c.id != 0 {
		p.busy[c.id] = c
	}
}

func (p *Pool[C]) inUseLocked() int {
	return len(p.busy) + p.reserved
}

// reserveLocked claims a slot for a connection that has not been dialed.
func (p *Pool[C]) reserveLocked() *Conn[C] {
	p.reserved++
	return &Conn[C]{}
}

func (p *Pool[C]) reapLoop() {
	defer close(p.reapDone)
	interval := p.cfg.MaxIdleTime / 2
	if interval < 10*time.Millisecond {
		interval = 10 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-p.stopReap:
			return
		case <-ticker.C:
			p.reap(time.Now())
		}
	}
}

// reap closes connections idle longer than MaxIdleTime, keeping MinIdle.
func (p *Pool[C]) reap(now time.Time) {
	p.mu.Lock()
	var expired []*Conn[C]
	kept := p.idle[:0]
	// idle is ordered oldest first.
	for i, c := range p.idle {
		left := len(kept) + len(p.idle) - i
		if left > p.cfg.MinIdle && now.Sub(c.lastUsed) > p.cfg.MaxIdleTime {
			c.state = Draining
			expired = append(expired, c)
			continue
		}
		kept = append(kept, c)
	}
	p.idle = kept
	p.refillLocked()
	p.mu.Unlock()

	for _, c := range expired {
		if err := c.Handle.Close(); err != nil {
			p.logger.Warn("pool: close idle connection", "id", c.id, "error", err)
		}
	}
	if len(expired) > 0 {
		p.logger.Debug("pool: recycled idle connections", "count", len(expired))
	}
}
