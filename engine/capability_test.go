package engine

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/hpcforge/ferry/gateway"
)

func TestCapabilityCache_SingleProbe(t *testing.T) {
	var probes atomic.Int32
	probe := func(ctx context.Context) (gateway.Capability, error) {
		probes.Add(1)
		time.Sleep(10 * time.Millisecond)
		return gateway.Capability{MaxDirectBytes: 1 << 20}, nil
	}

	cache := NewCapabilityCache(time.Minute)
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			cap, err := cache.Get(context.Background(), "cluster", probe)
			if err != nil {
				t.Errorf("Get failed: %v", err)
				return
			}
			if cap.MaxDirectBytes != 1<<20 {
				t.Errorf("Unexpected capability: %+v", cap)
			}
		}()
	}
	wg.Wait()

	if n := probes.Load(); n != 1 {
		t.Errorf("Expected exactly one probe, got %d", n)
	}
}

func TestCapabilityCache_FailureNotCached(t *testing.T) {
	var probes atomic.Int32
	probe := func(ctx context.Context) (gateway.Capability, error) {
		if probes.Add(1) == 1 {
			return gateway.Capability{}, errors.New("endpoint down")
		}
		return gateway.Capability{MaxDirectBytes: 64}, nil
	}

	cache := NewCapabilityCache(time.Minute)
	_, err := cache.Get(context.Background(), "cluster", probe)
	if gateway.KindOf(err) != gateway.KindCapabilityUnavailable {
		t.Fatalf("Expected a capability-unavailable error, got %v", err)
	}

	cap, err := cache.Get(context.Background(), "cluster", probe)
	if err != nil {
		t.Fatalf("Second Get failed: %v", err)
	}
	if cap.MaxDirectBytes != 64 {
		t.Errorf("Unexpected capability: %+v", cap)
	}
	if n := probes.Load(); n != 2 {
		t.Errorf("Expected the failure to force a second probe, got %d", n)
	}
}

func TestCapabilityCache_NoExpiryWithoutInvalidation(t *testing.T) {
	var probes atomic.Int32
	probe := func(ctx context.Context) (gateway.Capability, error) {
		probes.Add(1)
		return gateway.Capability{MaxDirectBytes: 256, ProbedAt: time.Now().Add(-24 * time.Hour)}, nil
	}

	cache := NewCapabilityCache(0)
	for i := 0; i < 3; i++ {
		if _, err := cache.Get(context.Background(), "cluster", probe); err != nil {
			t.Fatalf("Get failed: %v", err)
		}
		time.Sleep(5 * time.Millisecond)
	}
	if n := probes.Load(); n != 1 {
		t.Errorf("A probed value must hold until explicit invalidation, got %d probes", n)
	}
}

func TestCapabilityCache_OptInTTLExpires(t *testing.T) {
	var probes atomic.Int32
	probe := func(ctx context.Context) (gateway.Capability, error) {
		probes.Add(1)
		return gateway.Capability{}, nil
	}

	cache := NewCapabilityCache(time.Millisecond)
	cache.Get(context.Background(), "cluster", probe)
	time.Sleep(20 * time.Millisecond)
	cache.Get(context.Background(), "cluster", probe)
	if n := probes.Load(); n != 2 {
		t.Errorf("Expected the opt-in TTL to force a re-probe, got %d probes", n)
	}
}

func TestCapabilityCache_Invalidate(t *testing.T) {
	var probes atomic.Int32
	probe := func(ctx context.Context) (gateway.Capability, error) {
		probes.Add(1)
		return gateway.Capability{MaxDirectBytes: 128}, nil
	}

	cache := NewCapabilityCache(time.Minute)
	for i := 0; i < 3; i++ {
		if _, err := cache.Get(context.Background(), "cluster", probe); err != nil {
			t.Fatalf("Get failed: %v", err)
		}
	}
	if n := probes.Load(); n != 1 {
		t.Fatalf("Expected one probe before invalidation, got %d", n)
	}

	cache.Invalidate("cluster")
	if _, err := cache.Get(context.Background(), "cluster", probe); err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if n := probes.Load(); n != 2 {
		t.Errorf("Expected a fresh probe after invalidation, got %d", n)
	}
}

func TestCapabilityCache_PerEndpoint(t *testing.T) {
	var probes atomic.Int32
	probe := func(ctx context.Context) (gateway.Capability, error) {
		probes.Add(1)
		return gateway.Capability{}, nil
	}

	cache := NewCapabilityCache(time.Minute)
	cache.Get(context.Background(), "a", probe)
	cache.Get(context.Background(), "b", probe)
	if n := probes.Load(); n != 2 {
		t.Errorf("Expected one probe per endpoint, got %d", n)
	}
}
