package store

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/redis/go-redis/v9"

	"github.com/atmx/auction-engine/internal/model"
)

// cacheEnc keeps sub-second timestamps intact across the cache.
var cacheEnc, _ = cbor.EncOptions{Time: cbor.TimeRFC3339Nano}.EncMode()

// CachedStore wraps a primary Store (PostgreSQL) with a Redis read-through
// cache. Units of work go to the primary store and invalidate every key they
// touched once committed; reads check Redis first then fall back to the
// primary. Balances and the ledger are never cached.
type CachedStore struct {
	primary Store
	rdb     *redis.Client
	ttl     time.Duration
}

// NewCachedStore creates a cached wrapper around a primary store.
func NewCachedStore(primary Store, rdb *redis.Client, ttl time.Duration) *CachedStore {
	return &CachedStore{
		primary: primary,
		rdb:     rdb,
		ttl:     ttl,
	}
}

// --- Write-through (write to primary, invalidate cache) ---

func (s *CachedStore) Atomic(ctx context.Context, fn func(tx Tx) error) error {
	var dirty []string
	err := s.primary.Atomic(ctx, func(tx Tx) error {
		dirty = dirty[:0] // the primary may retry fn
		return fn(&trackingTx{Tx: tx, dirty: &dirty})
	})
	if err != nil {
		return err
	}
	if len(dirty) > 0 {
		if err := s.rdb.Del(ctx, dirty...).Err(); err != nil {
			slog.Warn("cache invalidation failed", "keys", dirty, "err", err)
		}
	}
	return nil
}

// trackingTx records the cache keys a unit of work writes.
type trackingTx struct {
	Tx
	dirty *[]string
}

func (t *trackingTx) CreateAuction(ctx context.Context, a *model.AuctionState) error {
	*t.dirty = append(*t.dirty, auctionKey(a.ID))
	return t.Tx.CreateAuction(ctx, a)
}

func (t *trackingTx) UpdateAuction(ctx context.Context, a *model.AuctionState) error {
	*t.dirty = append(*t.dirty, auctionKey(a.ID))
	return t.Tx.UpdateAuction(ctx, a)
}

func (t *trackingTx) PutBid(ctx context.Context, b *model.Bid) error {
	*t.dirty = append(*t.dirty, bidKey(b.ID))
	return t.Tx.PutBid(ctx, b)
}

func (t *trackingTx) DeleteBid(ctx context.Context, id model.Address) error {
	*t.dirty = append(*t.dirty, bidKey(id))
	return t.Tx.DeleteBid(ctx, id)
}

// --- Read-through (check cache first) ---

func (s *CachedStore) GetAuction(ctx context.Context, id model.Address) (*model.AuctionState, error) {
	// Try cache.
	data, err := s.rdb.Get(ctx, auctionKey(id)).Bytes()
	if err == nil {
		var a model.AuctionState
		if cbor.Unmarshal(data, &a) == nil {
			return &a, nil
		}
	}

	// Cache miss: read from primary.
	a, err := s.primary.GetAuction(ctx, id)
	if err != nil {
		return nil, err
	}

	s.cache(ctx, auctionKey(id), a)
	return a, nil
}

func (s *CachedStore) GetBid(ctx context.Context, id model.Address) (*model.Bid, error) {
	data, err := s.rdb.Get(ctx, bidKey(id)).Bytes()
	if err == nil {
		var b model.Bid
		if cbor.Unmarshal(data, &b) == nil {
			return &b, nil
		}
	}

	b, err := s.primary.GetBid(ctx, id)
	if err != nil {
		return nil, err
	}

	s.cache(ctx, bidKey(id), b)
	return b, nil
}

// --- Passthrough (not cached) ---

func (s *CachedStore) ListAuctions(ctx context.Context) ([]model.AuctionState, error) {
	return s.primary.ListAuctions(ctx)
}

func (s *CachedStore) ListBids(ctx context.Context, auctionID model.Address) ([]model.Bid, error) {
	return s.primary.ListBids(ctx, auctionID)
}

func (s *CachedStore) GetBalance(ctx context.Context, account model.Address) (uint64, error) {
	return s.primary.GetBalance(ctx, account)
}

func (s *CachedStore) GetLedgerEntriesByAuction(ctx context.Context, auctionID model.Address) ([]model.LedgerEntry, error) {
	return s.primary.GetLedgerEntriesByAuction(ctx, auctionID)
}

func (s *CachedStore) GetLedgerEntriesByAccount(ctx context.Context, account model.Address) ([]model.LedgerEntry, error) {
	return s.primary.GetLedgerEntriesByAccount(ctx, account)
}

// --- Cache helpers ---

func (s *CachedStore) cache(ctx context.Context, key string, v any) {
	if data, err := cacheEnc.Marshal(v); err == nil {
		s.rdb.Set(ctx, key, data, s.ttl)
	}
}

func auctionKey(id model.Address) string { return fmt.Sprintf("auction:%s", id) }
func bidKey(id model.Address) string     { return fmt.Sprintf("bid:%s", id) }
