package app

import (
	"context"

	"github.com/gaole-2025/rizzify-sub001/pkg/store"
)

// QuotaGate tracks free-plan uses per user and UTC day bucket.
// Reserve must be atomic: it succeeds only while usage is below Ceiling.
type QuotaGate interface {
	Ceiling() int
	Used(ctx context.Context, userID, day string) (int, error)
	Reserve(ctx context.Context, userID, day string) (bool, error)
	Release(ctx context.Context, userID, day string) error
}

// StoreQuota keeps the daily counters in the relational store.
type StoreQuota struct {
	store   store.Store
	ceiling int
}

func NewStoreQuota(s store.Store, ceiling int) *StoreQuota {
	if ceiling <= 0 {
		ceiling = 1
	}
	return &StoreQuota{store: s, ceiling: ceiling}
}

func (q *StoreQuota) Ceiling() int { return q.ceiling }

func (q *StoreQuota) Used(ctx context.Context, userID, day string) (int, error) {
	return q.store.QuotaUsage(ctx, userID, day)
}

func (q *StoreQuota) Reserve(ctx context.Context, userID, day string) (bool, error) {
	return q.store.ReserveQuota(ctx, userID, day, q.ceiling)
}

func (q *StoreQuota) Release(ctx context.Context, userID, day string) error {
	return q.store.ReleaseQuota(ctx, userID, day)
}
