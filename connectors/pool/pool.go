// Copyright 2025 PgScope
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package pool

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"sync"
	"time"

	"pgscope/platform/connectors/base"
	"pgscope/platform/connectors/config"
	"pgscope/platform/shared/logger"
)

// Sentinel errors returned by Acquire.
var (
	// ErrPoolExhausted means every connector was leased and the wait
	// budget ran out before one was released.
	ErrPoolExhausted = errors.New("connection pool exhausted")

	// ErrPoolClosed means the pool has been shut down.
	ErrPoolClosed = errors.New("connection pool closed")
)

// Factory dials a connector for a resolved configuration.
type Factory func(ctx context.Context, cfg *config.ConnectionConfig) (base.Connector, error)

// Options bound each per-fingerprint bucket.
type Options struct {
	// MinSize is the target number of connectors kept alive per bucket.
	MinSize int
	// MaxSize caps total connectors per bucket, leased plus free.
	MaxSize int
	// WaitTimeout bounds how long Acquire blocks on a full bucket. Zero
	// means fail immediately.
	WaitTimeout time.Duration
	// ProbeIdle forces a health probe on reuse after this much idle time.
	ProbeIdle time.Duration
	// ProbeEvery forces a probe every Nth reuse regardless of idle time.
	ProbeEvery int
}

// OptionsFromEnv reads pool bounds from the environment, falling back to
// min 5, max 30, wait 30s.
func OptionsFromEnv() Options {
	return Options{
		MinSize:     envInt("PGSCOPE_POOL_MIN_SIZE", 5),
		MaxSize:     envInt("PGSCOPE_POOL_MAX_SIZE", 30),
		WaitTimeout: time.Duration(envInt("PGSCOPE_POOL_WAIT_SECONDS", 30)) * time.Second,
		ProbeIdle:   30 * time.Second,
		ProbeEvery:  8,
	}
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			return n
		}
	}
	return fallback
}

type entry struct {
	conn      base.Connector
	leased    bool
	createdAt time.Time
	lastUsed  time.Time
	uses      int
}

type bucket struct {
	mu          sync.Mutex
	cfg         *config.ConnectionConfig
	fingerprint string
	entries     []*entry
	// waiters is FIFO: releases hand connectors to the head.
	waiters []chan *entry
	// total counts live entries plus slots reserved for in-flight dials,
	// so the invariant leased <= total <= MaxSize holds across dials.
	total  int
	closed bool
}

// Pool owns all buckets. Zero value is not usable; construct with New.
type Pool struct {
	factory Factory
	opts    Options
	log     *logger.Logger

	mu      sync.Mutex
	buckets map[string]*bucket
	closed  bool
}

// New builds a pool around a connector factory.
func New(factory Factory, opts Options) *Pool {
	if opts.MaxSize <= 0 {
		opts.MaxSize = 30
	}
	if opts.MinSize < 0 {
		opts.MinSize = 0
	}
	if opts.MinSize > opts.MaxSize {
		opts.MinSize = opts.MaxSize
	}
	if opts.ProbeEvery <= 0 {
		opts.ProbeEvery = 8
	}
	if opts.ProbeIdle <= 0 {
		opts.ProbeIdle = 30 * time.Second
	}
	return &Pool{
		factory: factory,
		opts:    opts,
		log:     logger.New("POOL"),
		buckets: make(map[string]*bucket),
	}
}

// Lease is one checked-out connector. Exactly one of Release or Discard
// must be called; both are idempotent after the first call.
type Lease struct {
	pool   *Pool
	bucket *bucket
	entry  *entry
	done   bool
}

// Connector returns the leased connector.
func (l *Lease) Connector() base.Connector { return l.entry.conn }

// Fingerprint identifies the bucket this lease came from.
func (l *Lease) Fingerprint() string { return l.bucket.fingerprint }

// Warm pre-dials connectors for the configuration up to MinSize. Dial
// failures abort warming; the bucket still exists and Acquire can retry.
func (p *Pool) Warm(ctx context.Context, cfg *config.ConnectionConfig) error {
	b, err := p.bucketFor(cfg)
	if err != nil {
		return err
	}
	for {
		b.mu.Lock()
		if b.closed || b.total >= p.opts.MinSize {
			b.mu.Unlock()
			return nil
		}
		b.total++
		b.mu.Unlock()

		conn, err := p.factory(ctx, cfg)
		if err != nil {
			b.mu.Lock()
			b.total--
			b.mu.Unlock()
			return err
		}
		now := time.Now()
		b.mu.Lock()
		b.entries = append(b.entries, &entry{conn: conn, createdAt: now, lastUsed: now})
		b.mu.Unlock()
		p.updateMetrics(b)
	}
}

// Acquire checks out a connector for the configuration, dialing a new one
// when the bucket has headroom and blocking FIFO behind other waiters when
// it does not. The wait is bounded by Options.WaitTimeout and by ctx.
func (p *Pool) Acquire(ctx context.Context, cfg *config.ConnectionConfig) (*Lease, error) {
	b, err := p.bucketFor(cfg)
	if err != nil {
		return nil, err
	}

	for {
		b.mu.Lock()
		if b.closed {
			b.mu.Unlock()
			return nil, ErrPoolClosed
		}

		if e := freeEntry(b); e != nil {
			e.leased = true
			needsProbe := time.Since(e.lastUsed) > p.opts.ProbeIdle || e.uses%p.opts.ProbeEvery == p.opts.ProbeEvery-1
			b.mu.Unlock()
			p.updateMetrics(b)

			if needsProbe {
				if err := e.conn.Probe(ctx); err != nil {
					p.log.Warn("", "evicting connector after failed probe", map[string]any{
						"fingerprint": b.fingerprint,
						"error":       err.Error(),
					})
					p.evict(b, e)
					continue
				}
			}
			e.uses++
			return &Lease{pool: p, bucket: b, entry: e}, nil
		}

		if b.total < p.opts.MaxSize {
			b.total++
			b.mu.Unlock()

			conn, err := p.factory(ctx, cfg)
			if err != nil {
				b.mu.Lock()
				b.total--
				b.mu.Unlock()
				return nil, err
			}
			now := time.Now()
			e := &entry{conn: conn, leased: true, createdAt: now, lastUsed: now, uses: 1}
			b.mu.Lock()
			b.entries = append(b.entries, e)
			b.mu.Unlock()
			p.updateMetrics(b)
			return &Lease{pool: p, bucket: b, entry: e}, nil
		}

		if p.opts.WaitTimeout == 0 {
			b.mu.Unlock()
			return nil, fmt.Errorf("%w: %d connectors leased for %s", ErrPoolExhausted, b.total, b.fingerprint)
		}

		waiter := make(chan *entry, 1)
		b.waiters = append(b.waiters, waiter)
		b.mu.Unlock()

		timer := time.NewTimer(p.opts.WaitTimeout)
		select {
		case e := <-waiter:
			timer.Stop()
			if e == nil {
				return nil, ErrPoolClosed
			}
			// Handed over already leased; no probe on a hot handoff.
			return &Lease{pool: p, bucket: b, entry: e}, nil
		case <-timer.C:
			p.dropWaiter(b, waiter)
			return nil, fmt.Errorf("%w: waited %s for %s", ErrPoolExhausted, p.opts.WaitTimeout, b.fingerprint)
		case <-ctx.Done():
			timer.Stop()
			p.dropWaiter(b, waiter)
			return nil, ctx.Err()
		}
	}
}

// Release returns a healthy connector to its bucket, handing it straight to
// the oldest waiter when one is queued.
func (l *Lease) Release() {
	if l.done {
		return
	}
	l.done = true

	b := l.bucket
	b.mu.Lock()
	l.entry.lastUsed = time.Now()
	if len(b.waiters) > 0 {
		waiter := b.waiters[0]
		b.waiters = b.waiters[1:]
		b.mu.Unlock()
		l.entry.uses++
		waiter <- l.entry
		return
	}
	l.entry.leased = false
	b.mu.Unlock()
	l.pool.updateMetrics(b)
}

// Discard evicts a broken connector instead of returning it. The slot is
// refilled up to MinSize so a bad connection does not shrink the bucket
// permanently.
func (l *Lease) Discard(ctx context.Context) {
	if l.done {
		return
	}
	l.done = true
	l.pool.evict(l.bucket, l.entry)
	l.pool.replenish(ctx, l.bucket)
}

func (p *Pool) evict(b *bucket, e *entry) {
	b.mu.Lock()
	for i, cur := range b.entries {
		if cur == e {
			b.entries = append(b.entries[:i], b.entries[i+1:]...)
			b.total--
			break
		}
	}
	b.mu.Unlock()
	p.updateMetrics(b)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := e.conn.Close(ctx); err != nil {
		p.log.Warn("", "closing evicted connector", map[string]any{
			"fingerprint": b.fingerprint,
			"error":       err.Error(),
		})
	}
}

// replenish dials one replacement when the bucket dropped below MinSize.
// Failure is logged, not returned: the next Acquire dials on demand.
func (p *Pool) replenish(ctx context.Context, b *bucket) {
	b.mu.Lock()
	if b.closed || b.total >= p.opts.MinSize {
		b.mu.Unlock()
		return
	}
	b.total++
	cfg := b.cfg
	b.mu.Unlock()

	conn, err := p.factory(ctx, cfg)
	if err != nil {
		b.mu.Lock()
		b.total--
		b.mu.Unlock()
		p.log.Warn("", "replenishing bucket failed", map[string]any{
			"fingerprint": b.fingerprint,
			"error":       err.Error(),
		})
		return
	}

	now := time.Now()
	e := &entry{conn: conn, createdAt: now, lastUsed: now}
	b.mu.Lock()
	if len(b.waiters) > 0 {
		waiter := b.waiters[0]
		b.waiters = b.waiters[1:]
		e.leased = true
		e.uses = 1
		b.entries = append(b.entries, e)
		b.mu.Unlock()
		waiter <- e
		p.updateMetrics(b)
		return
	}
	b.entries = append(b.entries, e)
	b.mu.Unlock()
	p.updateMetrics(b)
}

func (p *Pool) dropWaiter(b *bucket, waiter chan *entry) {
	b.mu.Lock()
	for i, w := range b.waiters {
		if w == waiter {
			b.waiters = append(b.waiters[:i], b.waiters[i+1:]...)
			b.mu.Unlock()
			return
		}
	}
	b.mu.Unlock()

	// Not in the queue means a release already claimed this waiter and a
	// handoff is in flight; take it and put the connector back.
	if e, ok := <-waiter; ok && e != nil {
		lease := &Lease{pool: p, bucket: b, entry: e}
		lease.Release()
	}
}

func freeEntry(b *bucket) *entry {
	for _, e := range b.entries {
		if !e.leased {
			return e
		}
	}
	return nil
}

func (p *Pool) bucketFor(cfg *config.ConnectionConfig) (*bucket, error) {
	fp := cfg.Fingerprint()
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil, ErrPoolClosed
	}
	b, ok := p.buckets[fp]
	if !ok {
		b = &bucket{cfg: cfg, fingerprint: fp}
		p.buckets[fp] = b
	}
	return b, nil
}

// Stats reports per-fingerprint occupancy.
type Stats struct {
	Total  int `json:"total"`
	Leased int `json:"leased"`
	Free   int `json:"free"`
}

// Stats snapshots every bucket.
func (p *Pool) Stats() map[string]Stats {
	p.mu.Lock()
	buckets := make([]*bucket, 0, len(p.buckets))
	for _, b := range p.buckets {
		buckets = append(buckets, b)
	}
	p.mu.Unlock()

	out := make(map[string]Stats, len(buckets))
	for _, b := range buckets {
		b.mu.Lock()
		leased := 0
		for _, e := range b.entries {
			if e.leased {
				leased++
			}
		}
		out[b.fingerprint] = Stats{Total: b.total, Leased: leased, Free: len(b.entries) - leased}
		b.mu.Unlock()
	}
	return out
}

// CloseBucket tears down one fingerprint's connectors, for explicit
// disconnect requests. Leased connectors are force-closed.
func (p *Pool) CloseBucket(ctx context.Context, cfg *config.ConnectionConfig) error {
	fp := cfg.Fingerprint()
	p.mu.Lock()
	b, ok := p.buckets[fp]
	if ok {
		delete(p.buckets, fp)
	}
	p.mu.Unlock()
	if !ok {
		return nil
	}
	return p.closeBucket(ctx, b)
}

func (p *Pool) closeBucket(ctx context.Context, b *bucket) error {
	b.mu.Lock()
	b.closed = true
	entries := b.entries
	waiters := b.waiters
	b.entries = nil
	b.waiters = nil
	b.total = 0
	b.mu.Unlock()

	for _, w := range waiters {
		close(w)
	}
	var firstErr error
	for _, e := range entries {
		if err := e.conn.Close(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	p.updateMetrics(b)
	return firstErr
}

// Shutdown drains the whole pool: free connectors close immediately, leased
// connectors get until ctx expires to come back, then are force-closed.
func (p *Pool) Shutdown(ctx context.Context) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	buckets := make([]*bucket, 0, len(p.buckets))
	for _, b := range p.buckets {
		buckets = append(buckets, b)
	}
	p.buckets = make(map[string]*bucket)
	p.mu.Unlock()

	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for {
		leased := 0
		for _, b := range buckets {
			b.mu.Lock()
			for _, e := range b.entries {
				if e.leased {
					leased++
				}
			}
			b.mu.Unlock()
		}
		if leased == 0 {
			break
		}
		select {
		case <-ctx.Done():
			p.log.Warn("", "shutdown deadline reached, force-closing leased connectors", map[string]any{
				"leased": leased,
			})
			leased = 0
		case <-ticker.C:
			continue
		}
		break
	}

	var firstErr error
	for _, b := range buckets {
		if err := p.closeBucket(ctx, b); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
