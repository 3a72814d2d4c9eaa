// Package model defines the core domain types shared across the auction engine.
// All amounts are unsigned integer base units, never float64.
package model

import "time"

// Address identifies anything that can own a balance or a record: a
// participant identity, an auction, a bid or an auction treasury. Record
// addresses are derived deterministically (see package address).
type Address string

// Phase is the lifecycle stage of an auction at a given instant.
type Phase string

const (
	PhaseOpen    Phase = "open"    // accepting bids
	PhaseExpired Phase = "expired" // deadline passed, seller has not settled
	PhaseSettled Phase = "settled" // seller paid, refunds allowed
)

// AuctionState is the single shared record of one auction. Created once by
// Initialize, mutated by Bid and Settle, never deleted.
type AuctionState struct {
	ID               Address   `json:"id" db:"id"`
	Seller           Address   `json:"seller" db:"seller"`
	Treasury         Address   `json:"treasury" db:"treasury"`
	Deadline         int64     `json:"deadline" db:"deadline"` // unix seconds
	HighestBidAmount uint64    `json:"highest_bid_amount" db:"highest_bid_amount"`
	HighestBidder    Address   `json:"highest_bidder,omitempty" db:"highest_bidder"` // empty until the first bid
	SellerSettled    bool      `json:"seller_settled" db:"seller_settled"`
	SettledAmount    uint64    `json:"settled_amount" db:"settled_amount"`
	CreatedAt        time.Time `json:"created_at" db:"created_at"`
}

// Phase reports the auction's lifecycle stage at now.
func (a *AuctionState) Phase(now time.Time) Phase {
	switch {
	case a.SellerSettled:
		return PhaseSettled
	case now.Unix() >= a.Deadline:
		return PhaseExpired
	default:
		return PhaseOpen
	}
}

// HasLeader reports whether any bid has been placed.
func (a *AuctionState) HasLeader() bool {
	return a.HighestBidder != ""
}

// Bid is one bidder's deposit in one auction. It is owned by the bidder and
// removed by that bidder's refund; the auction only refers to it by identity.
type Bid struct {
	ID        Address   `json:"id" db:"id"`
	AuctionID Address   `json:"auction_id" db:"auction_id"`
	Bidder    Address   `json:"bidder" db:"bidder"`
	Amount    uint64    `json:"amount" db:"amount"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

// EntryKind classifies a fund movement.
type EntryKind string

const (
	EntryDeposit EntryKind = "deposit" // bidder -> treasury
	EntryPayout  EntryKind = "payout"  // treasury -> seller
	EntryRefund  EntryKind = "refund"  // treasury -> losing bidder
	EntryAirdrop EntryKind = "airdrop" // faucet -> account
)

// LedgerEntry is an immutable record of a fund movement.
// Once created, these are never modified or deleted.
type LedgerEntry struct {
	ID        string    `json:"id" db:"id"`
	AuctionID Address   `json:"auction_id,omitempty" db:"auction_id"` // empty for airdrops
	From      Address   `json:"from,omitempty" db:"from_account"`     // empty for airdrops
	To        Address   `json:"to" db:"to_account"`
	Amount    uint64    `json:"amount" db:"amount"`
	Kind      EntryKind `json:"kind" db:"kind"`
	Timestamp time.Time `json:"timestamp" db:"timestamp"`
}
