package permit

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestTryAcquireAndRelease(t *testing.T) {
	p := New()
	if !p.TryAcquire(10 * time.Millisecond) {
		t.Fatal("expected first acquire to succeed")
	}
	if !p.Held() {
		t.Fatal("expected permit to be held")
	}
	if p.TryAcquire(0) {
		t.Fatal("expected non-blocking acquire of held permit to fail")
	}
	if err := p.Release(); err != nil {
		t.Fatalf("Release: %v", err)
	}
	if p.Held() {
		t.Fatal("expected permit to be free after release")
	}
}

func TestTryAcquireTimesOut(t *testing.T) {
	p := New()
	p.TryAcquire(0)

	start := time.Now()
	if p.TryAcquire(30 * time.Millisecond) {
		t.Fatal("expected acquire of held permit to fail")
	}
	if elapsed := time.Since(start); elapsed < 25*time.Millisecond {
		t.Fatalf("TryAcquire returned after %s, before its timeout", elapsed)
	}
}

func TestTryAcquireWaitsForReleaseFromAnotherGoroutine(t *testing.T) {
	p := New()
	p.TryAcquire(0)

	go func() {
		time.Sleep(20 * time.Millisecond)
		p.Release()
	}()

	if !p.TryAcquire(time.Second) {
		t.Fatal("expected acquire to succeed once the holder released")
	}
}

func TestReleaseNotHeldReportsError(t *testing.T) {
	p := New()
	if err := p.Release(); !errors.Is(err, ErrNotHeld) {
		t.Fatalf("Release on free permit = %v, want ErrNotHeld", err)
	}
	p.TryAcquire(0)
	p.Release()
	if err := p.Release(); !errors.Is(err, ErrNotHeld) {
		t.Fatalf("double Release = %v, want ErrNotHeld", err)
	}
	// still usable afterwards
	if !p.TryAcquire(0) {
		t.Fatal("permit unusable after over-release")
	}
}

func TestAcquireContext(t *testing.T) {
	p := New()
	if err := p.Acquire(context.Background()); err != nil {
		t.Fatalf("Acquire: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := p.Acquire(ctx); !errors.Is(err, ErrTimeout) {
		t.Fatalf("Acquire on held permit = %v, want ErrTimeout", err)
	}

	ctx2, cancel2 := context.WithCancel(context.Background())
	cancel2()
	if err := p.Acquire(ctx2); !errors.Is(err, context.Canceled) {
		t.Fatalf("Acquire with canceled ctx = %v, want context.Canceled", err)
	}
}

func TestMutualExclusion(t *testing.T) {
	p := New()
	var inside, maxInside int32
	var wg sync.WaitGroup

	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if !p.TryAcquire(5 * time.Second) {
				t.Error("acquire timed out")
				return
			}
			n := atomic.AddInt32(&inside, 1)
			for {
				m := atomic.LoadInt32(&maxInside)
				if n <= m || atomic.CompareAndSwapInt32(&maxInside, m, n) {
					break
				}
			}
			time.Sleep(time.Millisecond)
			atomic.AddInt32(&inside, -1)
			if err := p.Release(); err != nil {
				t.Errorf("Release: %v", err)
			}
		}()
	}
	wg.Wait()

	if maxInside != 1 {
		t.Fatalf("observed %d concurrent holders, want 1", maxInside)
	}
}
