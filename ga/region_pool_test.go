package ga

import "testing"

func TestRegionPoolAcquireRelease(t *testing.T) {
	w := newTestWorld(t, WithRanks(1))
	p := w.Process(0)

	pool, err := NewRegionPool(p, 64, 2)
	if err != nil {
		t.Fatalf("NewRegionPool failed: %v", err)
	}
	defer pool.Close()

	r1, err := pool.Acquire()
	if err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}
	if r1 == nil || r1.Size() != 64 {
		t.Fatalf("unexpected region from pool")
	}
	r1.PutUint64(0, 42)
	pool.Release(r1)

	r2, err := pool.Acquire()
	if err != nil {
		t.Fatalf("Acquire after release failed: %v", err)
	}
	if r2 != r1 {
		t.Fatalf("expected pooled region to be reused")
	}
	if got := r2.Uint64(0); got != 0 {
		t.Fatalf("reused region must be zeroed, got %d", got)
	}
	pool.Release(r2)
}

func TestRegionPoolClose(t *testing.T) {
	w := newTestWorld(t, WithRanks(1))
	p := w.Process(0)

	pool, err := NewRegionPool(p, 32, 1)
	if err != nil {
		t.Fatalf("NewRegionPool failed: %v", err)
	}

	r, err := pool.Acquire()
	if err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}
	pool.Release(r)

	pool.Close()

	if _, err := pool.Acquire(); err == nil {
		t.Fatalf("expected error acquiring from closed pool")
	}

	other, err := p.Register(16)
	if err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	pool.Release(other) // deregisters without panic
	if _, _, err := p.Resolve(other.Address(0)); err == nil {
		t.Fatalf("released foreign region should be deregistered")
	}
}
