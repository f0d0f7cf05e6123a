package ratelimit

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newTestQuota(t *testing.T, ceiling int) (*DailyQuota, *miniredis.Miniredis) {
	t.Helper()
	srv := miniredis.RunT(t)
	srv.SetTime(time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC))
	client := redis.NewClient(&redis.Options{Addr: srv.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	q, err := NewDailyQuota(client, "test:quota", ceiling)
	if err != nil {
		t.Fatalf("new daily quota: %v", err)
	}
	return q, srv
}

func TestDailyQuotaReserveStopsAtCeiling(t *testing.T) {
	q, _ := newTestQuota(t, 1)
	ctx := context.Background()

	ok, err := q.Reserve(ctx, "user-1", "2026-03-01")
	if err != nil || !ok {
		t.Fatalf("first reserve: ok=%v err=%v", ok, err)
	}
	ok, err = q.Reserve(ctx, "user-1", "2026-03-01")
	if err != nil || ok {
		t.Fatalf("second reserve should be refused: ok=%v err=%v", ok, err)
	}
	if used, _ := q.Used(ctx, "user-1", "2026-03-01"); used != 1 {
		t.Fatalf("used = %d, want 1", used)
	}
	if ok, _ := q.Reserve(ctx, "user-1", "2026-03-02"); !ok {
		t.Fatal("a new day starts a new bucket")
	}
	if ok, _ := q.Reserve(ctx, "user-2", "2026-03-01"); !ok {
		t.Fatal("buckets are per user")
	}
}

func TestDailyQuotaConcurrentReservationsGrantOne(t *testing.T) {
	q, _ := newTestQuota(t, 1)
	ctx := context.Background()

	var granted int32
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if ok, err := q.Reserve(ctx, "user-1", "2026-03-01"); err == nil && ok {
				atomic.AddInt32(&granted, 1)
			}
		}()
	}
	wg.Wait()
	if granted != 1 {
		t.Fatalf("granted %d reservations, want exactly 1", granted)
	}
}

func TestDailyQuotaReleaseAndExpiry(t *testing.T) {
	q, srv := newTestQuota(t, 1)
	ctx := context.Background()

	if ok, _ := q.Reserve(ctx, "user-1", "2026-03-01"); !ok {
		t.Fatal("reserve failed")
	}
	if err := q.Release(ctx, "user-1", "2026-03-01"); err != nil {
		t.Fatalf("release: %v", err)
	}
	if err := q.Release(ctx, "user-1", "2026-03-01"); err != nil {
		t.Fatalf("second release: %v", err)
	}
	if used, _ := q.Used(ctx, "user-1", "2026-03-01"); used != 0 {
		t.Fatalf("used after release = %d", used)
	}

	if ok, _ := q.Reserve(ctx, "user-1", "2026-03-01"); !ok {
		t.Fatal("reserve after release failed")
	}
	// Expires an hour after the end of the day.
	if ttl := srv.TTL("test:quota:user-1:2026-03-01"); ttl != 16*time.Hour {
		t.Fatalf("quota key ttl = %v, want 16h", ttl)
	}
}

func TestDailyQuotaFailsClosed(t *testing.T) {
	q, srv := newTestQuota(t, 1)
	srv.Close()
	if _, err := q.Reserve(context.Background(), "user-1", "2026-03-01"); err == nil {
		t.Fatal("reserve should surface redis errors")
	}
}

func TestNewDailyQuotaValidates(t *testing.T) {
	if _, err := NewDailyQuota(nil, "", 1); err == nil {
		t.Fatal("expected error for nil client")
	}
	client := redis.NewClient(&redis.Options{Addr: "127.0.0.1:0"})
	defer client.Close()
	if _, err := NewDailyQuota(client, "", 0); err == nil {
		t.Fatal("expected error for zero ceiling")
	}
}
