package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/spandb/spandb.go/pkg/connection"
	"github.com/spandb/spandb.go/pkg/logger"
)

var (
	// ErrPoolExhausted is returned when no session became available within
	// the acquire timeout.
	ErrPoolExhausted = errors.New("session: pool exhausted, timed out waiting for a session")

	// ErrPoolClosed is returned by Acquire after Close.
	ErrPoolClosed = errors.New("session: pool is closed")
)

// sessionsPerConnection caps how many sessions one connection may carry.
const sessionsPerConnection = 100

// Config tunes the session pool.
type Config struct {
	// MinOpened is the number of sessions the pool keeps warm.
	MinOpened int
	// MaxOpened caps idle plus leased sessions. It must not exceed 100x the
	// number of connections.
	MaxOpened int
	// MaxIdle is the idle count above which long-unused sessions returned to
	// the pool are discarded rather than requeued.
	MaxIdle int
	// IncStep is how many sessions one growth request creates.
	IncStep int
	// IdleTimeout is how long a session may go unused before it becomes a
	// discard candidate above MaxIdle.
	IdleTimeout time.Duration
	// AliveTrustDuration is how long after the last successful use a session
	// is trusted to be alive without a ping.
	AliveTrustDuration time.Duration
	// AcquireTimeout bounds how long Acquire waits for a free session.
	AcquireTimeout time.Duration
	// RefreshInterval is the health check period.
	RefreshInterval time.Duration
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		MinOpened:          10,
		MaxOpened:          400,
		MaxIdle:            300,
		IncStep:            25,
		IdleTimeout:        30 * time.Minute,
		AliveTrustDuration: 55 * time.Minute,
		AcquireTimeout:     time.Second,
		RefreshInterval:    5 * time.Minute,
	}
}

// Pool owns the session inventory for one database.
type Pool struct {
	client   *connection.Client
	database string
	config   Config
	logger   logger.Logger

	mu          sync.Mutex
	idle        []*handle
	orphans     []*handle
	waiters     []chan struct{}
	numInUse    int
	numCreating int
	closed      bool

	creationCh chan int
	bgCancel   context.CancelFunc
	bgWG       sync.WaitGroup
}

// NewPool validates the config, starts the background creator and health
// check, and requests the initial MinOpened sessions.
func NewPool(client *connection.Client, database string, cfg Config, log logger.Logger) (*Pool, error) {
	if cfg.MaxOpened <= 0 {
		return nil, errors.New("session: MaxOpened must be positive")
	}
	if cfg.MinOpened < 0 || cfg.MinOpened > cfg.MaxOpened {
		return nil, errors.New("session: MinOpened must be between 0 and MaxOpened")
	}
	if cfg.IncStep <= 0 {
		return nil, errors.New("session: IncStep must be positive")
	}
	if limit := client.Conns().Num() * sessionsPerConnection; cfg.MaxOpened > limit {
		return nil, fmt.Errorf("session: MaxOpened %d exceeds %d sessions per connection (%d connections)",
			cfg.MaxOpened, sessionsPerConnection, client.Conns().Num())
	}
	if log == nil {
		log = logger.Discard()
	}

	p := &Pool{
		client:     client,
		database:   database,
		config:     cfg,
		logger:     log,
		creationCh: make(chan int, 64),
	}

	ctx, cancel := context.WithCancel(context.Background())
	p.bgCancel = cancel

	p.bgWG.Add(2)
	go p.creator(ctx)
	go p.healthCheck(ctx)

	if cfg.MinOpened > 0 {
		p.mu.Lock()
		p.requestCreateLocked(cfg.MinOpened)
		p.mu.Unlock()
	}

	return p, nil
}

// Acquire leases a session, waiting up to the configured acquire timeout
// for one to become available. Waiters are served before new arrivals.
func (p *Pool) Acquire(ctx context.Context) (*ManagedSession, error) {
	timeout := p.config.AcquireTimeout
	if timeout <= 0 {
		timeout = time.Second
	}
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()

	for {
		p.mu.Lock()
		if p.closed {
			p.mu.Unlock()
			return nil, ErrPoolClosed
		}

		if h := p.popIdleLocked(); h != nil {
			p.numInUse++
			p.mu.Unlock()
			h.markUsed(time.Now())
			return &ManagedSession{pool: p, h: h}, nil
		}

		p.growLocked()

		waiter := make(chan struct{}, 1)
		p.waiters = append(p.waiters, waiter)
		p.mu.Unlock()

		select {
		case <-ctx.Done():
			p.abandonWaiter(waiter)
			return nil, ctx.Err()
		case <-deadline.C:
			p.abandonWaiter(waiter)
			return nil, ErrPoolExhausted
		case <-waiter:
			// A session may have been grabbed by a concurrent Acquire in the
			// window between the signal and our lock, so loop.
		}
	}
}

func (p *Pool) popIdleLocked() *handle {
	for len(p.idle) > 0 {
		h := p.idle[0]
		p.idle = p.idle[1:]
		if h.isValid() {
			return h
		}
		p.orphans = append(p.orphans, h)
	}
	return nil
}

// growLocked requests a creation batch if the pool has headroom.
func (p *Pool) growLocked() {
	headroom := p.config.MaxOpened - p.totalLocked() - p.numCreating
	if headroom <= 0 {
		return
	}
	n := p.config.IncStep
	if n > headroom {
		n = headroom
	}
	p.requestCreateLocked(n)
}

func (p *Pool) requestCreateLocked(n int) {
	p.numCreating += n
	select {
	case p.creationCh <- n:
	default:
		// Creator is saturated; an earlier request will cover the demand.
		p.numCreating -= n
	}
}

func (p *Pool) totalLocked() int {
	return len(p.idle) + p.numInUse
}

// abandonWaiter removes a waiter that gave up. A signal already delivered
// to it is forwarded so no wakeup is lost.
func (p *Pool) abandonWaiter(waiter chan struct{}) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for i, w := range p.waiters {
		if w == waiter {
			p.waiters = append(p.waiters[:i], p.waiters[i+1:]...)
			break
		}
	}
	select {
	case <-waiter:
		p.wakeOneLocked()
	default:
	}
}

func (p *Pool) wakeOneLocked() {
	if len(p.waiters) == 0 {
		return
	}
	w := p.waiters[0]
	p.waiters = p.waiters[1:]
	w <- struct{}{}
}

// recycle takes a session back from a released lease.
func (p *Pool) recycle(h *handle) {
	p.mu.Lock()
	p.numInUse--

	if p.closed {
		p.mu.Unlock()
		p.deleteSession(context.Background(), h)
		return
	}

	if !h.isValid() {
		p.orphans = append(p.orphans, h)
		if p.totalLocked()+p.numCreating < p.config.MinOpened && len(p.waiters) > 0 {
			p.requestCreateLocked(1)
		}
		p.mu.Unlock()
		return
	}

	if len(p.waiters) == 0 &&
		len(p.idle) >= p.config.MaxIdle &&
		time.Since(h.idleSince()) > p.config.IdleTimeout {
		p.orphans = append(p.orphans, h)
		p.mu.Unlock()
		return
	}

	p.idle = append(p.idle, h)
	p.wakeOneLocked()
	p.mu.Unlock()
}

// creator consumes growth requests and creates sessions in batches. The
// server may return fewer sessions than asked for, so it keeps asking until
// the batch is filled or an attempt fails.
func (p *Pool) creator(ctx context.Context) {
	defer p.bgWG.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case n := <-p.creationCh:
			created := 0
			for created < n {
				sessions, err := p.client.BatchCreateSessions(ctx, p.database, n-created)
				if err != nil {
					p.logger.Warn("session batch creation failed", "requested", n-created, "error", err)
					break
				}
				if len(sessions) == 0 {
					break
				}
				now := time.Now()
				p.mu.Lock()
				for _, s := range sessions {
					p.idle = append(p.idle, newHandle(s, now))
					p.wakeOneLocked()
				}
				p.mu.Unlock()
				created += len(sessions)
			}
			p.mu.Lock()
			p.numCreating -= n
			p.mu.Unlock()
		}
	}
}

// healthCheck periodically deletes orphaned sessions, pings idle sessions
// that have gone quiet longer than the trust duration, and replenishes the
// pool back to MinOpened.
func (p *Pool) healthCheck(ctx context.Context) {
	defer p.bgWG.Done()

	interval := p.config.RefreshInterval
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.deleteOrphans(ctx)
			p.sweepIdle(ctx)
			p.replenish()
		}
	}
}

func (p *Pool) deleteOrphans(ctx context.Context) {
	p.mu.Lock()
	orphans := p.orphans
	p.orphans = nil
	p.mu.Unlock()

	for _, h := range orphans {
		p.deleteSession(ctx, h)
	}
}

// sweepIdle walks the idle queue once, pinging sessions whose liveness can
// no longer be trusted. Marking each visited handle with the sweep start
// time is what terminates the walk after one full cycle.
func (p *Pool) sweepIdle(ctx context.Context) {
	sweepStart := time.Now()

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		p.mu.Lock()
		if p.closed || len(p.idle) == 0 {
			p.mu.Unlock()
			return
		}
		h := p.idle[0]
		if !h.checkedAt().Before(sweepStart) {
			p.mu.Unlock()
			return
		}
		p.idle = p.idle[1:]
		p.mu.Unlock()

		now := time.Now()
		h.markChecked(now)

		if h.aliveUntrustedAfter(p.config.AliveTrustDuration).After(now) {
			p.requeue(h)
			continue
		}

		if err := ping(ctx, p.client, h.name()); err != nil {
			p.logger.Info("discarding unhealthy session", "session", h.name(), "error", err)
			h.invalidate(true)
			p.deleteSession(ctx, h)
			continue
		}
		h.markPong(time.Now())
		p.requeue(h)

		// Pace pings so a large pool does not burst the server.
		select {
		case <-ctx.Done():
			return
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func (p *Pool) requeue(h *handle) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		p.deleteSession(context.Background(), h)
		return
	}
	p.idle = append(p.idle, h)
	p.wakeOneLocked()
	p.mu.Unlock()
}

func (p *Pool) replenish() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	if missing := p.config.MinOpened - p.totalLocked() - p.numCreating; missing > 0 {
		p.requestCreateLocked(missing)
	}
}

func (p *Pool) deleteSession(ctx context.Context, h *handle) {
	if h.isDeleted() {
		return
	}
	if err := p.client.DeleteSession(ctx, h.name()); err != nil {
		p.logger.Debug("session delete failed", "session", h.name(), "error", err)
	}
}

// NumIdle returns the number of sessions sitting in the pool.
func (p *Pool) NumIdle() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.idle)
}

// NumInUse returns the number of leased sessions.
func (p *Pool) NumInUse() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.numInUse
}

// Close stops the background tasks and deletes every idle and orphaned
// session. Leased sessions are deleted as their leases are released.
func (p *Pool) Close(ctx context.Context) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	waiters := p.waiters
	p.waiters = nil
	p.mu.Unlock()

	for _, w := range waiters {
		close(w)
	}

	p.bgCancel()
	p.bgWG.Wait()

	p.mu.Lock()
	doomed := append(p.idle, p.orphans...)
	p.idle = nil
	p.orphans = nil
	p.mu.Unlock()

	for _, h := range doomed {
		p.deleteSession(ctx, h)
	}
	return nil
}
