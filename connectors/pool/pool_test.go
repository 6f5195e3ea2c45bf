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
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"pgscope/platform/connectors/base"
	"pgscope/platform/connectors/config"
)

type fakeConn struct {
	id       int
	mu       sync.Mutex
	probeErr error
	execErr  error
	execked  int
	probed   int
	closed   bool
}

func (f *fakeConn) Execute(_ context.Context, _ *base.QuerySpec) (*base.QueryResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.execked++
	if f.execErr != nil {
		return nil, f.execErr
	}
	return &base.QueryResult{Rows: []map[string]any{{"id": int64(f.id)}}, RowCount: 1}, nil
}

func (f *fakeConn) Probe(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.probed++
	return f.probeErr
}

func (f *fakeConn) Close(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeConn) Kind() string { return "fake" }

type fakeFactory struct {
	mu    sync.Mutex
	dials int
	conns []*fakeConn
	// prepare customizes each dialed connector in dial order.
	prepare func(n int, c *fakeConn)
	err     error
}

func (f *fakeFactory) dial(_ context.Context, _ *config.ConnectionConfig) (base.Connector, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	f.dials++
	c := &fakeConn{id: f.dials}
	if f.prepare != nil {
		f.prepare(f.dials, c)
	}
	f.conns = append(f.conns, c)
	return c, nil
}

func testCfg() *config.ConnectionConfig {
	return &config.ConnectionConfig{
		Kind: config.KindDirect, Host: "db", Port: 5432, Database: "app", Username: "u",
	}
}

func testOpts(min, max int, wait time.Duration) Options {
	return Options{MinSize: min, MaxSize: max, WaitTimeout: wait, ProbeIdle: time.Hour, ProbeEvery: 1000}
}

func TestAcquireReusesReleasedConnector(t *testing.T) {
	f := &fakeFactory{}
	p := New(f.dial, testOpts(1, 4, time.Second))
	cfg := testCfg()

	lease, err := p.Acquire(context.Background(), cfg)
	if err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}
	lease.Release()

	lease2, err := p.Acquire(context.Background(), cfg)
	if err != nil {
		t.Fatal(err)
	}
	defer lease2.Release()

	if f.dials != 1 {
		t.Errorf("dials = %d, want 1 (connector should be reused)", f.dials)
	}
}

func TestPoolInvariant(t *testing.T) {
	f := &fakeFactory{}
	p := New(f.dial, testOpts(0, 3, 0))
	cfg := testCfg()

	var leases []*Lease
	for i := 0; i < 3; i++ {
		lease, err := p.Acquire(context.Background(), cfg)
		if err != nil {
			t.Fatalf("Acquire %d error = %v", i, err)
		}
		leases = append(leases, lease)

		stats := p.Stats()[cfg.Fingerprint()]
		if stats.Leased > stats.Total || stats.Total > 3 {
			t.Fatalf("invariant violated: %+v", stats)
		}
	}

	stats := p.Stats()[cfg.Fingerprint()]
	if stats.Total != 3 || stats.Leased != 3 || stats.Free != 0 {
		t.Errorf("stats = %+v, want total=3 leased=3 free=0", stats)
	}

	for _, l := range leases {
		l.Release()
	}
	stats = p.Stats()[cfg.Fingerprint()]
	if stats.Leased != 0 || stats.Free != 3 {
		t.Errorf("after release stats = %+v, want leased=0 free=3", stats)
	}
}

func TestAcquireExhaustedFailsFast(t *testing.T) {
	f := &fakeFactory{}
	p := New(f.dial, testOpts(2, 2, 0))
	cfg := testCfg()

	a, err := p.Acquire(context.Background(), cfg)
	if err != nil {
		t.Fatal(err)
	}
	b, err := p.Acquire(context.Background(), cfg)
	if err != nil {
		t.Fatal(err)
	}

	if _, err := p.Acquire(context.Background(), cfg); !errors.Is(err, ErrPoolExhausted) {
		t.Errorf("third Acquire error = %v, want ErrPoolExhausted", err)
	}

	a.Release()
	b.Release()
}

func TestReleaseUnblocksOldestWaiter(t *testing.T) {
	f := &fakeFactory{}
	p := New(f.dial, testOpts(1, 1, 5*time.Second))
	cfg := testCfg()

	holder, err := p.Acquire(context.Background(), cfg)
	if err != nil {
		t.Fatal(err)
	}

	order := make(chan int, 2)
	waiter := func(n int) {
		lease, err := p.Acquire(context.Background(), cfg)
		if err != nil {
			t.Errorf("waiter %d: %v", n, err)
			order <- -n
			return
		}
		order <- n
		lease.Release()
	}
	go waiter(1)
	time.Sleep(50 * time.Millisecond) // waiter 1 queued first
	go waiter(2)
	time.Sleep(50 * time.Millisecond)

	holder.Release()

	first := <-order
	second := <-order
	if first != 1 || second != 2 {
		t.Errorf("waiter order = %d,%d, want 1,2 (FIFO)", first, second)
	}
}

func TestAcquireEvictsFailedProbe(t *testing.T) {
	f := &fakeFactory{}
	opts := testOpts(0, 2, time.Second)
	opts.ProbeIdle = time.Nanosecond // probe every reuse
	p := New(f.dial, opts)
	cfg := testCfg()

	lease, err := p.Acquire(context.Background(), cfg)
	if err != nil {
		t.Fatal(err)
	}
	bad := f.conns[0]
	lease.Release()
	bad.mu.Lock()
	bad.probeErr = errors.New("connection gone")
	bad.mu.Unlock()

	time.Sleep(time.Millisecond)
	lease2, err := p.Acquire(context.Background(), cfg)
	if err != nil {
		t.Fatalf("Acquire after bad probe error = %v", err)
	}
	defer lease2.Release()

	if !bad.closed {
		t.Error("failed connector should be closed on eviction")
	}
	if f.dials != 2 {
		t.Errorf("dials = %d, want 2 (replacement dialed)", f.dials)
	}
}

func TestExecuteWithRetryTransient(t *testing.T) {
	transient := base.NewTransientError("fake", "execute", "connection reset", errors.New("reset"))
	f := &fakeFactory{prepare: func(n int, c *fakeConn) {
		if n == 1 {
			c.execErr = transient
		}
	}}
	p := New(f.dial, testOpts(0, 4, time.Second))
	cfg := testCfg()

	res, err := p.ExecuteWithRetry(context.Background(), cfg, &base.QuerySpec{SQL: "SELECT 1", ReadOnly: true})
	if err != nil {
		t.Fatalf("ExecuteWithRetry() error = %v, want success on second attempt", err)
	}
	if res.RowCount != 1 {
		t.Errorf("RowCount = %d", res.RowCount)
	}
	if f.dials != 2 {
		t.Errorf("dials = %d, want 2", f.dials)
	}
	if !f.conns[0].closed {
		t.Error("broken connector should have been evicted")
	}
}

func TestExecuteWithRetryPermanentFailsImmediately(t *testing.T) {
	permanent := base.NewConnectorError("fake", "execute", "syntax error", errors.New("42601"))
	f := &fakeFactory{prepare: func(_ int, c *fakeConn) { c.execErr = permanent }}
	p := New(f.dial, testOpts(0, 4, time.Second))
	cfg := testCfg()

	_, err := p.ExecuteWithRetry(context.Background(), cfg, &base.QuerySpec{SQL: "SELECT broken"})
	if err == nil {
		t.Fatal("want error")
	}
	if f.dials != 1 {
		t.Errorf("dials = %d, want 1 (no retry on permanent failure)", f.dials)
	}
	if f.conns[0].closed {
		t.Error("healthy connector must not be evicted on a permanent statement error")
	}
}

func TestExecuteWithRetryBothAttemptsTransient(t *testing.T) {
	transient := base.NewTransientError("fake", "execute", "connection reset", errors.New("reset"))
	f := &fakeFactory{prepare: func(_ int, c *fakeConn) { c.execErr = transient }}
	p := New(f.dial, testOpts(0, 4, time.Second))

	_, err := p.ExecuteWithRetry(context.Background(), testCfg(), &base.QuerySpec{SQL: "SELECT 1"})
	var cerr *base.ConnectorError
	if !errors.As(err, &cerr) || !cerr.Transient {
		t.Fatalf("error = %v, want the transient failure after two attempts", err)
	}
	if f.dials != 2 {
		t.Errorf("dials = %d, want exactly 2 attempts", f.dials)
	}
}

func TestWarmFillsToMinSize(t *testing.T) {
	f := &fakeFactory{}
	p := New(f.dial, testOpts(3, 5, time.Second))
	cfg := testCfg()

	if err := p.Warm(context.Background(), cfg); err != nil {
		t.Fatalf("Warm() error = %v", err)
	}
	stats := p.Stats()[cfg.Fingerprint()]
	if stats.Total != 3 || stats.Free != 3 {
		t.Errorf("stats = %+v, want total=3 free=3", stats)
	}
}

func TestCloseBucket(t *testing.T) {
	f := &fakeFactory{}
	p := New(f.dial, testOpts(2, 4, time.Second))
	cfg := testCfg()

	if err := p.Warm(context.Background(), cfg); err != nil {
		t.Fatal(err)
	}
	if err := p.CloseBucket(context.Background(), cfg); err != nil {
		t.Fatalf("CloseBucket() error = %v", err)
	}
	for i, c := range f.conns {
		if !c.closed {
			t.Errorf("connector %d not closed", i)
		}
	}
	if _, ok := p.Stats()[cfg.Fingerprint()]; ok {
		t.Error("bucket should be gone after CloseBucket")
	}
}

func TestShutdownWaitsForLeases(t *testing.T) {
	f := &fakeFactory{}
	p := New(f.dial, testOpts(0, 2, time.Second))
	cfg := testCfg()

	lease, err := p.Acquire(context.Background(), cfg)
	if err != nil {
		t.Fatal(err)
	}

	var done atomic.Bool
	go func() {
		time.Sleep(100 * time.Millisecond)
		done.Store(true)
		lease.Release()
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := p.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown() error = %v", err)
	}
	if !done.Load() {
		t.Error("Shutdown returned before the lease came back")
	}
	if !f.conns[0].closed {
		t.Error("connector not closed after shutdown")
	}

	if _, err := p.Acquire(context.Background(), cfg); !errors.Is(err, ErrPoolClosed) {
		t.Errorf("Acquire after shutdown error = %v, want ErrPoolClosed", err)
	}
}
