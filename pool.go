package sftppool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// Factory creates and manages the objects a Pool hands out.
// Create, Validate, Activate and Destroy may block on I/O; the pool never
// calls them while holding its lock.
type Factory[T any] interface {
	// Create builds a new object.
	Create(ctx context.Context) (T, error)
	// Validate reports whether obj is still usable. It must not have side effects.
	Validate(ctx context.Context, obj T) bool
	// Activate prepares an idle object for use and fails if it is stale.
	Activate(ctx context.Context, obj T) error
	// Destroy releases obj. It must not panic and reports errors itself.
	Destroy(obj T)
}

// SessionPool is the pool of SFTP sessions an endpoint borrows from.
type SessionPool = Pool[*Session]

// NewSessionPool creates a pool of sessions built by factory.
func NewSessionPool(factory *SessionFactory, cfg PoolConfig, opts ...PoolOption) (*SessionPool, error) {
	opts = append([]PoolOption{WithPoolLogger(factory.log)}, opts...)
	return NewPool[*Session](factory, cfg, opts...)
}

// PoolOption configures a Pool.
type PoolOption func(*poolOptions)

type poolOptions struct {
	logger logrus.FieldLogger
}

// WithPoolLogger sets the logger for pool events.
func WithPoolLogger(l logrus.FieldLogger) PoolOption {
	return func(o *poolOptions) {
		if l != nil {
			o.logger = l
		}
	}
}

// PoolStats contains pool statistics.
type PoolStats struct {
	Total int
	InUse int
	Idle  int

	Created     uint64
	Destroyed   uint64
	Borrowed    uint64
	Returned    uint64
	Invalidated uint64
}

type idleObject[T any] struct {
	obj   T
	since time.Time
}

// Pool is a bounded, concurrency safe object pool with borrow, return and
// invalidate semantics. Every object handed out is owned by exactly one
// borrower until it is returned or invalidated.
//
// The number of objects alive (idle, borrowed, being created or being
// tested) never exceeds PoolConfig.MaxTotal.
type Pool[T comparable] struct {
	factory Factory[T]
	cfg     PoolConfig
	log     logrus.FieldLogger

	mu       sync.Mutex
	idle     []idleObject[T]
	borrowed map[T]struct{}
	creating int
	testing  int
	closed   bool
	filling  bool
	// signal is closed and replaced whenever capacity or idle objects change.
	signal chan struct{}
	stats  PoolStats

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewPool creates a pool. No objects are created until the first Borrow or
// Prepare. When TimeBetweenEvictionRuns is set, a background evictor starts.
func NewPool[T comparable](factory Factory[T], cfg PoolConfig, opts ...PoolOption) (*Pool[T], error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	o := poolOptions{logger: logrus.StandardLogger()}
	for _, opt := range opts {
		opt(&o)
	}

	ctx, cancel := context.WithCancel(context.Background())
	p := &Pool[T]{
		factory:  factory,
		cfg:      cfg,
		log:      o.logger,
		borrowed: make(map[T]struct{}),
		signal:   make(chan struct{}),
		ctx:      ctx,
		cancel:   cancel,
	}

	if cfg.TimeBetweenEvictionRuns > 0 {
		p.wg.Add(1)
		go p.evictLoop()
	}
	return p, nil
}

// Config returns the pool's configuration.
func (p *Pool[T]) Config() PoolConfig { return p.cfg }

// Borrow hands out an idle object or creates one. When the pool is at
// capacity it blocks until an object is released, MaxWait elapses
// (ErrPoolExhausted) or ctx is done. Idle objects that fail activation, or
// validation when TestOnBorrow is set, are destroyed and replaced.
func (p *Pool[T]) Borrow(ctx context.Context) (T, error) {
	var zero T

	waitCtx := ctx
	if p.cfg.MaxWait > 0 {
		var cancel context.CancelFunc
		waitCtx, cancel = context.WithTimeout(ctx, p.cfg.MaxWait)
		defer cancel()
	}

	var lastErr error
	for {
		p.mu.Lock()
		if p.closed {
			p.mu.Unlock()
			return zero, ErrPoolClosed
		}

		if len(p.idle) > 0 {
			item := p.takeIdleLocked()
			p.borrowed[item.obj] = struct{}{}
			p.mu.Unlock()

			if err := p.activate(ctx, item.obj); err != nil {
				p.log.WithError(err).Debug("discarding stale idle object")
				lastErr = err
				p.discard(item.obj)
				continue
			}

			p.mu.Lock()
			p.stats.Borrowed++
			p.mu.Unlock()
			return item.obj, nil
		}

		if p.totalLocked() < p.cfg.MaxTotal {
			p.creating++
			p.mu.Unlock()

			obj, err := p.factory.Create(ctx)

			p.mu.Lock()
			p.creating--
			if err != nil {
				p.notifyLocked()
				p.mu.Unlock()
				return zero, err
			}
			p.stats.Created++
			if p.closed {
				p.mu.Unlock()
				p.destroy(obj)
				return zero, ErrPoolClosed
			}
			p.borrowed[obj] = struct{}{}
			p.stats.Borrowed++
			p.mu.Unlock()
			return obj, nil
		}

		if p.cfg.FailWhenExhausted {
			p.mu.Unlock()
			return zero, exhaustedError(0, lastErr)
		}

		wait := p.signal
		p.mu.Unlock()

		select {
		case <-wait:
		case <-waitCtx.Done():
			if err := ctx.Err(); err != nil {
				return zero, fmt.Errorf("borrow cancelled: %w", err)
			}
			return zero, exhaustedError(p.cfg.MaxWait, lastErr)
		}
	}
}

func exhaustedError(wait time.Duration, cause error) error {
	err := fmt.Errorf("%w: all objects are in use", ErrPoolExhausted)
	if wait > 0 {
		err = fmt.Errorf("%w: no object available within %s", ErrPoolExhausted, wait)
	}
	if cause != nil {
		return errors.Join(err, cause)
	}
	return err
}

func (p *Pool[T]) activate(ctx context.Context, obj T) error {
	if err := p.factory.Activate(ctx, obj); err != nil {
		return err
	}
	if p.cfg.TestOnBorrow && !p.factory.Validate(ctx, obj) {
		return fmt.Errorf("%w: validation failed on borrow", ErrStaleConnection)
	}
	return nil
}

// Return gives a borrowed object back. It is kept idle unless the pool is
// closed, the idle set is full, or it fails TestOnReturn; otherwise it is
// destroyed. Either way the idle set is then topped up towards MinIdle.
func (p *Pool[T]) Return(obj T) error {
	p.mu.Lock()
	_, ok := p.borrowed[obj]
	p.mu.Unlock()
	if !ok {
		return ErrNotBorrowed
	}

	if p.cfg.TestOnReturn && !p.factory.Validate(p.ctx, obj) {
		p.log.Debug("object failed validation on return, destroying it")
		return p.Invalidate(obj)
	}

	p.mu.Lock()
	if _, ok := p.borrowed[obj]; !ok {
		p.mu.Unlock()
		return ErrNotBorrowed
	}
	delete(p.borrowed, obj)
	p.stats.Returned++

	keep := !p.closed && len(p.idle) < p.cfg.MaxIdle
	if keep {
		p.idle = append(p.idle, idleObject[T]{obj: obj, since: time.Now()})
	}
	p.notifyLocked()
	p.mu.Unlock()

	if !keep {
		p.destroy(obj)
	}
	p.ensureMinIdle()
	return nil
}

// Invalidate destroys a borrowed object instead of returning it.
func (p *Pool[T]) Invalidate(obj T) error {
	p.mu.Lock()
	if _, ok := p.borrowed[obj]; !ok {
		p.mu.Unlock()
		return ErrNotBorrowed
	}
	delete(p.borrowed, obj)
	p.stats.Invalidated++
	p.notifyLocked()
	p.mu.Unlock()

	p.destroy(obj)
	p.ensureMinIdle()
	return nil
}

// Prepare creates objects until MinIdle idle objects exist or the pool is
// at capacity.
func (p *Pool[T]) Prepare(ctx context.Context) error {
	for {
		created, err := p.addIdle(ctx)
		if err != nil || !created {
			return err
		}
	}
}

// Close destroys all idle objects and stops background work. Borrowed
// objects are destroyed when they are returned or invalidated. Close is
// idempotent.
func (p *Pool[T]) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	idle := p.idle
	p.idle = nil
	p.notifyLocked()
	p.mu.Unlock()

	p.cancel()
	for _, item := range idle {
		p.destroy(item.obj)
	}
	p.wg.Wait()
	return nil
}

// IsClosed reports whether Close has been called.
func (p *Pool[T]) IsClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

// Stats returns current pool statistics.
func (p *Pool[T]) Stats() PoolStats {
	p.mu.Lock()
	defer p.mu.Unlock()

	s := p.stats
	s.InUse = len(p.borrowed)
	s.Idle = len(p.idle)
	s.Total = p.totalLocked()
	return s
}

func (p *Pool[T]) totalLocked() int {
	return len(p.idle) + len(p.borrowed) + p.creating + p.testing
}

func (p *Pool[T]) takeIdleLocked() idleObject[T] {
	var item idleObject[T]
	if p.cfg.FIFO {
		item = p.idle[0]
		p.idle[0] = idleObject[T]{}
		p.idle = p.idle[1:]
	} else {
		last := len(p.idle) - 1
		item = p.idle[last]
		p.idle[last] = idleObject[T]{}
		p.idle = p.idle[:last]
	}
	return item
}

func (p *Pool[T]) notifyLocked() {
	close(p.signal)
	p.signal = make(chan struct{})
}

// discard destroys an object that was taken for a borrow but never handed out.
func (p *Pool[T]) discard(obj T) {
	p.mu.Lock()
	delete(p.borrowed, obj)
	p.notifyLocked()
	p.mu.Unlock()
	p.destroy(obj)
}

func (p *Pool[T]) destroy(obj T) {
	p.factory.Destroy(obj)
	p.mu.Lock()
	p.stats.Destroyed++
	p.mu.Unlock()
}

// ensureMinIdle starts a background top-up when fewer than MinIdle objects
// are idle. At most one top-up runs at a time.
func (p *Pool[T]) ensureMinIdle() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed || p.filling || !p.needsIdleLocked() {
		return
	}
	p.filling = true
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		defer func() {
			p.mu.Lock()
			p.filling = false
			p.mu.Unlock()
		}()
		if err := p.Prepare(p.ctx); err != nil && p.ctx.Err() == nil {
			p.log.WithError(err).Warn("failed to create idle object")
		}
	}()
}

func (p *Pool[T]) needsIdleLocked() bool {
	return len(p.idle)+p.creating < p.cfg.MinIdle && p.totalLocked() < p.cfg.MaxTotal
}

// addIdle creates one object into the idle set if MinIdle is not met.
func (p *Pool[T]) addIdle(ctx context.Context) (bool, error) {
	p.mu.Lock()
	if p.closed || !p.needsIdleLocked() {
		p.mu.Unlock()
		return false, nil
	}
	p.creating++
	p.mu.Unlock()

	obj, err := p.factory.Create(ctx)

	p.mu.Lock()
	p.creating--
	if err != nil {
		p.notifyLocked()
		p.mu.Unlock()
		return false, err
	}
	p.stats.Created++
	if p.closed {
		p.mu.Unlock()
		p.destroy(obj)
		return false, nil
	}
	p.idle = append(p.idle, idleObject[T]{obj: obj, since: time.Now()})
	p.notifyLocked()
	p.mu.Unlock()
	return true, nil
}

func (p *Pool[T]) evictLoop() {
	defer p.wg.Done()

	ticker := time.NewTicker(p.cfg.TimeBetweenEvictionRuns)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			p.Evict()
		case <-p.ctx.Done():
			return
		}
	}
}

// Evict runs one eviction pass: idle objects older than MinEvictableIdleTime
// are destroyed, the rest are validated when TestWhileIdle is set, and the
// idle set is topped back up to MinIdle.
func (p *Pool[T]) Evict() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	now := time.Now()
	var expired, keep, check []idleObject[T]
	for _, item := range p.idle {
		switch {
		case p.cfg.MinEvictableIdleTime > 0 && now.Sub(item.since) >= p.cfg.MinEvictableIdleTime:
			expired = append(expired, item)
		case p.cfg.TestWhileIdle:
			check = append(check, item)
		default:
			keep = append(keep, item)
		}
	}
	p.idle = keep
	p.testing += len(check)
	p.mu.Unlock()

	for _, item := range expired {
		p.destroy(item.obj)
	}

	var invalid []T
	var valid []idleObject[T]
	for _, item := range check {
		if p.factory.Validate(p.ctx, item.obj) {
			valid = append(valid, item)
		} else {
			invalid = append(invalid, item.obj)
		}
	}

	p.mu.Lock()
	p.testing -= len(check)
	closed := p.closed
	if !closed {
		p.idle = append(valid, p.idle...)
	}
	p.notifyLocked()
	p.mu.Unlock()

	if closed {
		for _, item := range valid {
			invalid = append(invalid, item.obj)
		}
	}
	for _, obj := range invalid {
		p.destroy(obj)
	}

	if n := len(expired) + len(invalid); n > 0 {
		p.log.WithField("evicted", n).Debug("evicted idle objects")
	}
	p.ensureMinIdle()
}
