package escrow

import (
	"context"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atmx/auction-engine/internal/model"
	"github.com/atmx/auction-engine/internal/store"
)

var now = time.Unix(1_700_000_000, 0)

func fund(t *testing.T, s *store.MemoryStore, account model.Address, amount uint64) {
	t.Helper()
	err := s.Atomic(context.Background(), func(tx store.Tx) error {
		_, err := Airdrop(context.Background(), tx, account, amount, now)
		return err
	})
	require.NoError(t, err)
}

func move(s *store.MemoryStore, tr Transfer) (*model.LedgerEntry, error) {
	var entry *model.LedgerEntry
	err := s.Atomic(context.Background(), func(tx store.Tx) error {
		var err error
		entry, err = Move(context.Background(), tx, tr, now)
		return err
	})
	return entry, err
}

func balance(t *testing.T, s *store.MemoryStore, account model.Address) uint64 {
	t.Helper()
	b, err := s.GetBalance(context.Background(), account)
	require.NoError(t, err)
	return b
}

func TestMove(t *testing.T) {
	s := store.NewMemoryStore()
	fund(t, s, "bob", 10)

	entry, err := move(s, Transfer{AuctionID: "a1", From: "bob", To: "treasury", Amount: 4, Kind: model.EntryDeposit})
	require.NoError(t, err)

	assert.Equal(t, uint64(6), balance(t, s, "bob"))
	assert.Equal(t, uint64(4), balance(t, s, "treasury"))
	assert.NotEmpty(t, entry.ID)
	assert.Equal(t, model.EntryDeposit, entry.Kind)
	assert.Equal(t, model.Address("a1"), entry.AuctionID)

	journal, _ := s.GetLedgerEntriesByAuction(context.Background(), "a1")
	require.Len(t, journal, 1)
	assert.Equal(t, uint64(4), journal[0].Amount)
}

func TestMove_InsufficientFunds_NoPartialWrite(t *testing.T) {
	s := store.NewMemoryStore()
	fund(t, s, "bob", 3)

	_, err := move(s, Transfer{From: "bob", To: "treasury", Amount: 4, Kind: model.EntryDeposit})
	assert.ErrorIs(t, err, ErrInsufficientFunds)

	assert.Equal(t, uint64(3), balance(t, s, "bob"))
	assert.Zero(t, balance(t, s, "treasury"))
}

func TestMove_Rejects(t *testing.T) {
	s := store.NewMemoryStore()
	fund(t, s, "bob", 5)
	fund(t, s, "whale", math.MaxUint64)

	_, err := move(s, Transfer{From: "bob", To: "treasury", Amount: 0})
	assert.ErrorIs(t, err, ErrZeroAmount)

	_, err = move(s, Transfer{From: "bob", To: "bob", Amount: 1})
	assert.ErrorIs(t, err, ErrSelfTransfer)

	_, err = move(s, Transfer{From: "bob", To: "whale", Amount: 1})
	assert.ErrorIs(t, err, ErrBalanceOverflow)
	assert.Equal(t, uint64(5), balance(t, s, "bob"))
}

func TestOpen(t *testing.T) {
	s := store.NewMemoryStore()
	ctx := context.Background()

	require.NoError(t, s.Atomic(ctx, func(tx store.Tx) error {
		return Open(ctx, tx, "treasury")
	}))

	fund(t, s, "dirty", 1)
	err := s.Atomic(ctx, func(tx store.Tx) error {
		return Open(ctx, tx, "dirty")
	})
	assert.ErrorIs(t, err, ErrAccountInUse)
}

func TestReconcile(t *testing.T) {
	state := &model.AuctionState{ID: "a1", Treasury: "t1", HighestBidder: "bob", HighestBidAmount: 7}
	bids := []model.Bid{
		{AuctionID: "a1", Bidder: "alice", Amount: 5},
		{AuctionID: "a1", Bidder: "bob", Amount: 7},
		{AuctionID: "other", Bidder: "zed", Amount: 100},
	}
	entries := []model.LedgerEntry{
		{From: "alice", To: "t1", Amount: 5},
		{From: "bob", To: "t1", Amount: 3},
		{From: "bob", To: "t1", Amount: 4},
		{From: "x", To: "y", Amount: 50},
	}

	r := Reconcile(state, 12, bids, entries)
	assert.True(t, r.Balanced)
	assert.Equal(t, uint64(12), r.Outstanding)
	assert.Equal(t, uint64(12), r.Expected)
	assert.Equal(t, uint64(12), r.Credits)

	// After settlement the winning deposit has left the treasury.
	state.SellerSettled = true
	state.HighestBidAmount = 0
	entries = append(entries, model.LedgerEntry{From: "t1", To: "seller", Amount: 7})
	r = Reconcile(state, 5, bids, entries)
	assert.True(t, r.Balanced)
	assert.Equal(t, uint64(5), r.Expected)
	assert.Equal(t, uint64(7), r.Debits)

	// A treasury short of its obligations is flagged.
	r = Reconcile(state, 4, bids, entries)
	assert.False(t, r.Balanced)
}
