package sftppool

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sync"
	"time"
)

// PoolRegistry shares session pools between endpoints.
// It caches pools by a key derived from connection parameters, so endpoints
// pointing at the same server with the same credentials borrow from one pool.
type PoolRegistry struct {
	mu      sync.RWMutex
	pools   map[string]*registeredPool
	maxIdle time.Duration
	done    chan struct{}
	once    sync.Once
}

type registeredPool struct {
	pool     *SessionPool
	lastUsed time.Time
	inUse    int // reference count
}

// NewPoolRegistry creates a registry.
// maxIdle specifies how long an unreferenced pool is kept before it is closed.
func NewPoolRegistry(maxIdle time.Duration) *PoolRegistry {
	r := &PoolRegistry{
		pools:   make(map[string]*registeredPool),
		maxIdle: maxIdle,
		done:    make(chan struct{}),
	}

	if maxIdle > 0 {
		go r.cleanupLoop()
	}

	return r
}

// GetOrCreate gets the pool for cfg or creates one.
// The caller must call Release() when done with the pool.
func (r *PoolRegistry) GetOrCreate(cfg EndpointConfig) (*SessionPool, error) {
	key := r.poolKey(cfg)

	r.mu.Lock()
	defer r.mu.Unlock()

	if rp, ok := r.pools[key]; ok {
		if !rp.pool.IsClosed() {
			rp.inUse++
			rp.lastUsed = time.Now()
			return rp.pool, nil
		}
		delete(r.pools, key)
	}

	factory, err := NewSessionFactory(cfg.Config)
	if err != nil {
		return nil, err
	}
	pool, err := NewSessionPool(factory, cfg.PoolConfig)
	if err != nil {
		return nil, err
	}

	r.pools[key] = &registeredPool{
		pool:     pool,
		lastUsed: time.Now(),
		inUse:    1,
	}

	return pool, nil
}

// Release drops one reference to the pool for cfg.
func (r *PoolRegistry) Release(cfg EndpointConfig) {
	key := r.poolKey(cfg)

	r.mu.Lock()
	defer r.mu.Unlock()

	if rp, ok := r.pools[key]; ok {
		rp.inUse--
		if rp.inUse < 0 {
			rp.inUse = 0
		}
		rp.lastUsed = time.Now()
	}
}

// Close closes all pools and stops the cleanup goroutine.
func (r *PoolRegistry) Close() {
	r.once.Do(func() { close(r.done) })

	r.mu.Lock()
	pools := r.pools
	r.pools = make(map[string]*registeredPool)
	r.mu.Unlock()

	for _, rp := range pools {
		rp.pool.Close()
	}
}

// CloseIdle closes pools nobody references that have been unused for longer
// than maxIdle.
func (r *PoolRegistry) CloseIdle() {
	r.mu.Lock()
	var stale []*SessionPool
	now := time.Now()
	for key, rp := range r.pools {
		if rp.inUse == 0 && now.Sub(rp.lastUsed) > r.maxIdle {
			stale = append(stale, rp.pool)
			delete(r.pools, key)
		}
	}
	r.mu.Unlock()

	for _, p := range stale {
		p.Close()
	}
}

// Stats returns current registry statistics.
func (r *PoolRegistry) Stats() RegistryStats {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var inUse, idle int
	for _, rp := range r.pools {
		if rp.inUse > 0 {
			inUse++
		} else {
			idle++
		}
	}

	return RegistryStats{
		Total: len(r.pools),
		InUse: inUse,
		Idle:  idle,
	}
}

// RegistryStats contains registry statistics.
type RegistryStats struct {
	Total int
	InUse int
	Idle  int
}

// poolKey hashes every setting the session factory reads, plus the pool
// settings. Store options, the directory and the logger are left out.
func (r *PoolRegistry) poolKey(cfg EndpointConfig) string {
	c := cfg.Config.WithDefaults()
	keyPair := c.KeyPair
	c.KeyPair = nil
	c.Store = StoreOptions{}
	c.Logger = nil

	h := sha256.New()
	fmt.Fprintf(h, "%+v", c)
	if keyPair != nil {
		fmt.Fprintf(h, ":keypair:%p", keyPair)
	}
	fmt.Fprintf(h, ":pool:%+v", cfg.PoolConfig)

	return hex.EncodeToString(h.Sum(nil))[:16]
}

func (r *PoolRegistry) cleanupLoop() {
	ticker := time.NewTicker(r.maxIdle / 2)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			r.CloseIdle()
		case <-r.done:
			return
		}
	}
}
