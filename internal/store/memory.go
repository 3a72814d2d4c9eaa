package store

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/atmx/auction-engine/internal/model"
)

// MemoryStore implements Store with in-memory maps. Used for testing
// and development. Not suitable for production (no persistence).
//
// Units of work are serialized behind a single mutex and undone on error
// or panic.
type MemoryStore struct {
	mu       sync.RWMutex
	auctions map[model.Address]*model.AuctionState
	bids     map[model.Address]*model.Bid
	balances map[model.Address]uint64
	ledger   []model.LedgerEntry
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		auctions: make(map[model.Address]*model.AuctionState),
		bids:     make(map[model.Address]*model.Bid),
		balances: make(map[model.Address]uint64),
	}
}

func (s *MemoryStore) Atomic(ctx context.Context, fn func(tx Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tx := &memoryTx{s: s}
	defer func() {
		if p := recover(); p != nil {
			tx.rollback()
			panic(p)
		}
	}()
	if err := fn(tx); err != nil {
		tx.rollback()
		return err
	}
	return nil
}

func (s *MemoryStore) GetAuction(_ context.Context, id model.Address) (*model.AuctionState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.getAuction(id)
}

func (s *MemoryStore) ListAuctions(_ context.Context) ([]model.AuctionState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	auctions := make([]model.AuctionState, 0, len(s.auctions))
	for _, a := range s.auctions {
		auctions = append(auctions, *a)
	}
	sort.Slice(auctions, func(i, j int) bool {
		if !auctions[i].CreatedAt.Equal(auctions[j].CreatedAt) {
			return auctions[i].CreatedAt.After(auctions[j].CreatedAt)
		}
		return auctions[i].ID < auctions[j].ID
	})
	return auctions, nil
}

func (s *MemoryStore) GetBid(_ context.Context, id model.Address) (*model.Bid, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.getBid(id)
}

func (s *MemoryStore) ListBids(_ context.Context, auctionID model.Address) ([]model.Bid, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.listBids(auctionID), nil
}

func (s *MemoryStore) listBids(auctionID model.Address) []model.Bid {
	var bids []model.Bid
	for _, b := range s.bids {
		if b.AuctionID == auctionID {
			bids = append(bids, *b)
		}
	}
	sort.Slice(bids, func(i, j int) bool {
		if !bids[i].CreatedAt.Equal(bids[j].CreatedAt) {
			return bids[i].CreatedAt.Before(bids[j].CreatedAt)
		}
		return bids[i].ID < bids[j].ID
	})
	return bids
}

func (s *MemoryStore) GetBalance(_ context.Context, account model.Address) (uint64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.balances[account], nil
}

func (s *MemoryStore) GetLedgerEntriesByAuction(_ context.Context, auctionID model.Address) ([]model.LedgerEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.ledgerByAuction(auctionID), nil
}

func (s *MemoryStore) ledgerByAuction(auctionID model.Address) []model.LedgerEntry {
	var result []model.LedgerEntry
	for _, e := range s.ledger {
		if e.AuctionID == auctionID {
			result = append(result, e)
		}
	}
	return result
}

func (s *MemoryStore) GetLedgerEntriesByAccount(_ context.Context, account model.Address) ([]model.LedgerEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.LedgerEntry
	for _, e := range s.ledger {
		if e.From == account || e.To == account {
			result = append(result, e)
		}
	}
	return result, nil
}

func (s *MemoryStore) getAuction(id model.Address) (*model.AuctionState, error) {
	a, ok := s.auctions[id]
	if !ok {
		return nil, fmt.Errorf("auction %s: %w", id, ErrNotFound)
	}
	// Return a copy to avoid external mutation.
	copy := *a
	return &copy, nil
}

func (s *MemoryStore) getBid(id model.Address) (*model.Bid, error) {
	b, ok := s.bids[id]
	if !ok {
		return nil, fmt.Errorf("bid %s: %w", id, ErrNotFound)
	}
	copy := *b
	return &copy, nil
}

// memoryTx writes straight into the store (the caller holds s.mu) and
// records how to reverse each write.
type memoryTx struct {
	s    *MemoryStore
	undo []func()
}

func (tx *memoryTx) rollback() {
	for i := len(tx.undo) - 1; i >= 0; i-- {
		tx.undo[i]()
	}
	tx.undo = nil
}

func (tx *memoryTx) GetAuction(_ context.Context, id model.Address) (*model.AuctionState, error) {
	return tx.s.getAuction(id)
}

func (tx *memoryTx) CreateAuction(_ context.Context, a *model.AuctionState) error {
	if _, ok := tx.s.auctions[a.ID]; ok {
		return fmt.Errorf("auction %s: %w", a.ID, ErrAlreadyExists)
	}
	copy := *a
	tx.s.auctions[a.ID] = &copy
	tx.undo = append(tx.undo, func() { delete(tx.s.auctions, a.ID) })
	return nil
}

func (tx *memoryTx) UpdateAuction(_ context.Context, a *model.AuctionState) error {
	prev, ok := tx.s.auctions[a.ID]
	if !ok {
		return fmt.Errorf("auction %s: %w", a.ID, ErrNotFound)
	}
	copy := *a
	tx.s.auctions[a.ID] = &copy
	tx.undo = append(tx.undo, func() { tx.s.auctions[a.ID] = prev })
	return nil
}

func (tx *memoryTx) GetBid(_ context.Context, id model.Address) (*model.Bid, error) {
	return tx.s.getBid(id)
}

func (tx *memoryTx) PutBid(_ context.Context, b *model.Bid) error {
	prev, existed := tx.s.bids[b.ID]
	copy := *b
	tx.s.bids[b.ID] = &copy
	tx.undo = append(tx.undo, func() {
		if existed {
			tx.s.bids[b.ID] = prev
		} else {
			delete(tx.s.bids, b.ID)
		}
	})
	return nil
}

func (tx *memoryTx) DeleteBid(_ context.Context, id model.Address) error {
	prev, ok := tx.s.bids[id]
	if !ok {
		return fmt.Errorf("bid %s: %w", id, ErrNotFound)
	}
	delete(tx.s.bids, id)
	tx.undo = append(tx.undo, func() { tx.s.bids[id] = prev })
	return nil
}

func (tx *memoryTx) ListBids(_ context.Context, auctionID model.Address) ([]model.Bid, error) {
	return tx.s.listBids(auctionID), nil
}

func (tx *memoryTx) GetBalance(_ context.Context, account model.Address) (uint64, error) {
	return tx.s.balances[account], nil
}

func (tx *memoryTx) SetBalance(_ context.Context, account model.Address, balance uint64) error {
	prev, existed := tx.s.balances[account]
	tx.s.balances[account] = balance
	tx.undo = append(tx.undo, func() {
		if existed {
			tx.s.balances[account] = prev
		} else {
			delete(tx.s.balances, account)
		}
	})
	return nil
}

func (tx *memoryTx) InsertLedgerEntry(_ context.Context, entry *model.LedgerEntry) error {
	n := len(tx.s.ledger)
	tx.s.ledger = append(tx.s.ledger, *entry)
	tx.undo = append(tx.undo, func() { tx.s.ledger = tx.s.ledger[:n] })
	return nil
}

func (tx *memoryTx) GetLedgerEntriesByAuction(_ context.Context, auctionID model.Address) ([]model.LedgerEntry, error) {
	return tx.s.ledgerByAuction(auctionID), nil
}
