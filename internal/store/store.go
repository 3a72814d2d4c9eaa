// Package store defines the persistence interface for the auction engine.
// Implementations include PostgreSQL (source of truth), Redis (read-through
// cache), and in-memory (for testing).
package store

import (
	"context"
	"errors"

	"github.com/atmx/auction-engine/internal/model"
)

var (
	// ErrNotFound is returned when a keyed record does not exist.
	ErrNotFound = errors.New("store: record not found")

	// ErrAlreadyExists is returned when creating a record whose key is taken.
	ErrAlreadyExists = errors.New("store: record already exists")
)

// Tx is a unit of work. Everything written through a Tx commits together
// or not at all, and reads made through it see a state no concurrent unit
// of work can change before commit.
type Tx interface {
	// GetAuction reads an auction and locks it for the rest of the unit of work.
	GetAuction(ctx context.Context, id model.Address) (*model.AuctionState, error)

	// CreateAuction inserts a new auction; ErrAlreadyExists if the id is taken.
	CreateAuction(ctx context.Context, a *model.AuctionState) error

	// UpdateAuction overwrites the mutable fields of an existing auction.
	UpdateAuction(ctx context.Context, a *model.AuctionState) error

	// GetBid reads a bid; ErrNotFound if absent.
	GetBid(ctx context.Context, id model.Address) (*model.Bid, error)

	// PutBid creates or overwrites a bid.
	PutBid(ctx context.Context, b *model.Bid) error

	// DeleteBid closes a bid; ErrNotFound if absent.
	DeleteBid(ctx context.Context, id model.Address) error

	// ListBids returns the outstanding bids of an auction.
	ListBids(ctx context.Context, auctionID model.Address) ([]model.Bid, error)

	// GetBalance reads and locks an account balance. Unknown accounts hold 0.
	GetBalance(ctx context.Context, account model.Address) (uint64, error)

	// SetBalance overwrites an account balance.
	SetBalance(ctx context.Context, account model.Address, balance uint64) error

	// InsertLedgerEntry appends an immutable fund-movement record.
	InsertLedgerEntry(ctx context.Context, entry *model.LedgerEntry) error

	// GetLedgerEntriesByAuction returns all fund movements of an auction.
	GetLedgerEntriesByAuction(ctx context.Context, auctionID model.Address) ([]model.LedgerEntry, error)
}

// Store is the persistence interface. PostgreSQL is the source of truth;
// Redis provides a read-through cache layer.
type Store interface {
	// Atomic runs fn as one serializable unit of work. If fn returns an
	// error nothing it wrote is kept and the error is returned unchanged.
	Atomic(ctx context.Context, fn func(tx Tx) error) error

	// --- Auction queries ---

	// GetAuction retrieves an auction by its address.
	GetAuction(ctx context.Context, id model.Address) (*model.AuctionState, error)

	// ListAuctions returns all auctions.
	ListAuctions(ctx context.Context) ([]model.AuctionState, error)

	// --- Bid queries ---

	// GetBid retrieves a bid by its address.
	GetBid(ctx context.Context, id model.Address) (*model.Bid, error)

	// ListBids returns the outstanding bids of an auction.
	ListBids(ctx context.Context, auctionID model.Address) ([]model.Bid, error)

	// --- Ledger ---

	// GetBalance returns an account balance; unknown accounts hold 0.
	GetBalance(ctx context.Context, account model.Address) (uint64, error)

	// GetLedgerEntriesByAuction returns all fund movements of an auction.
	GetLedgerEntriesByAuction(ctx context.Context, auctionID model.Address) ([]model.LedgerEntry, error)

	// GetLedgerEntriesByAccount returns all fund movements into or out of an account.
	GetLedgerEntriesByAccount(ctx context.Context, account model.Address) ([]model.LedgerEntry, error)
}
