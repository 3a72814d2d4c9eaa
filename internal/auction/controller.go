// Package auction implements the escrowed English auction state machine.
//
// One seller opens an auction with a deadline. Bidders deposit into the
// auction's treasury; the strictly highest deposit leads, and ties go to
// whoever reached the amount first. After the deadline the seller settles
// once and is paid the winning deposit; only then may every bidder close
// their bid, losers getting their deposit back.
//
//	open --bid--> open --deadline--> expired --settle--> settled --refund--> settled
//
// Each operation runs as one store unit of work: it commits completely or
// is rejected with an *Error and leaves nothing behind.
package auction

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/atmx/auction-engine/internal/address"
	"github.com/atmx/auction-engine/internal/escrow"
	"github.com/atmx/auction-engine/internal/metrics"
	"github.com/atmx/auction-engine/internal/model"
	"github.com/atmx/auction-engine/internal/store"
)

// Controller exposes the auction operations over a Store.
type Controller struct {
	store store.Store
	clock Clock
}

// NewController creates a controller. A nil clock means the wall clock.
func NewController(st store.Store, clock Clock) *Controller {
	if clock == nil {
		clock = SystemClock{}
	}
	return &Controller{store: st, clock: clock}
}

// Now returns the controller's current time.
func (c *Controller) Now() time.Time {
	return c.clock.Now()
}

// BidResult describes an accepted bid.
type BidResult struct {
	Auction   model.AuctionState `json:"auction"`
	Bid       model.Bid          `json:"bid"`
	Deposited uint64             `json:"deposited"` // moved into the treasury by this call
	Leader    bool               `json:"leader"`    // this bid took or kept the lead
}

// Settlement describes the seller's claim.
type Settlement struct {
	Auction model.AuctionState `json:"auction"`
	Winner  model.Address      `json:"winner,omitempty"`
	Payout  uint64             `json:"payout"`
}

// RefundResult describes a closed bid.
type RefundResult struct {
	AuctionID model.Address `json:"auction_id"`
	Bidder    model.Address `json:"bidder"`
	Refunded  uint64        `json:"refunded"`
	Winner    bool          `json:"winner"`
}

// Initialize opens the auction of seller, closing for bids durationSeconds
// from now, with an empty treasury.
func (c *Controller) Initialize(ctx context.Context, caller, seller model.Address, durationSeconds int64) (state *model.AuctionState, err error) {
	defer c.observe("initialize", time.Now(), &err)

	if !isIdentity(caller) || caller != seller {
		return nil, ErrUnauthorized
	}

	now := c.clock.Now()
	if durationSeconds <= 0 || now.Unix() > math.MaxInt64-durationSeconds {
		return nil, fmt.Errorf("%w: %d seconds", ErrInvalidDuration, durationSeconds)
	}

	id := address.AuctionState(seller)
	state = &model.AuctionState{
		ID:        id,
		Seller:    seller,
		Treasury:  address.Treasury(id),
		Deadline:  now.Unix() + durationSeconds,
		CreatedAt: now.UTC(),
	}

	err = c.store.Atomic(ctx, func(tx store.Tx) error {
		if err := tx.CreateAuction(ctx, state); err != nil {
			if errors.Is(err, store.ErrAlreadyExists) {
				return fmt.Errorf("%w: %w", ErrAlreadyExists, err)
			}
			return err
		}
		if err := escrow.Open(ctx, tx, state.Treasury); err != nil {
			if errors.Is(err, escrow.ErrAccountInUse) {
				return fmt.Errorf("%w: %w", ErrAlreadyExists, err)
			}
			return err
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	slog.Info("auction initialized",
		"auction", state.ID,
		"seller", seller,
		"deadline", state.Deadline,
	)
	return state, nil
}

// Bid deposits amount for bidder. A bidder's first bid creates their Bid; a
// later bid must be strictly higher and deposits only the difference. The
// bid leads only if it is strictly above the current highest amount.
func (c *Controller) Bid(ctx context.Context, caller, auctionID, bidder model.Address, amount uint64) (res *BidResult, err error) {
	defer c.observe("bid", time.Now(), &err)

	if !isIdentity(caller) || caller != bidder {
		return nil, ErrUnauthorized
	}
	if amount == 0 {
		return nil, ErrInvalidAmount
	}

	now := c.clock.Now()
	err = c.store.Atomic(ctx, func(tx store.Tx) error {
		state, err := loadAuction(ctx, tx, auctionID)
		if err != nil {
			return err
		}
		if now.Unix() >= state.Deadline {
			return ErrAuctionFinished
		}

		bid, err := tx.GetBid(ctx, address.Bid(bidder, state.ID))
		switch {
		case errors.Is(err, store.ErrNotFound):
			bid = &model.Bid{
				ID:        address.Bid(bidder, state.ID),
				AuctionID: state.ID,
				Bidder:    bidder,
				CreatedAt: now.UTC(),
			}
		case err != nil:
			return err
		case amount <= bid.Amount:
			return fmt.Errorf("%w: current bid %d, new bid %d", ErrBidNotRaised, bid.Amount, amount)
		}

		deposit := amount - bid.Amount
		if _, err := escrow.Move(ctx, tx, escrow.Transfer{
			AuctionID: state.ID,
			From:      bidder,
			To:        state.Treasury,
			Amount:    deposit,
			Kind:      model.EntryDeposit,
		}, now); err != nil {
			return depositError(err)
		}

		bid.Amount = amount
		bid.UpdatedAt = now.UTC()
		if err := tx.PutBid(ctx, bid); err != nil {
			return err
		}

		leader := false
		if amount > state.HighestBidAmount {
			state.HighestBidAmount = amount
			state.HighestBidder = bidder
			if err := tx.UpdateAuction(ctx, state); err != nil {
				return err
			}
			leader = true
		}

		res = &BidResult{Auction: *state, Bid: *bid, Deposited: deposit, Leader: leader}
		return nil
	})
	if err != nil {
		return nil, err
	}

	metrics.FundsMoved.WithLabelValues(string(model.EntryDeposit)).Add(float64(res.Deposited))
	if res.Leader {
		metrics.LeaderChanges.Inc()
	}
	slog.Info("bid placed",
		"auction", auctionID,
		"bidder", bidder,
		"amount", amount,
		"deposited", res.Deposited,
		"leader", res.Auction.HighestBidder,
		"highest", res.Auction.HighestBidAmount,
	)
	return res, nil
}

// Settle pays the winning deposit to the seller. Legal once, after the
// deadline. With no bids the payout is zero and settlement still succeeds.
func (c *Controller) Settle(ctx context.Context, caller, auctionID model.Address) (res *Settlement, err error) {
	defer c.observe("settle", time.Now(), &err)

	now := c.clock.Now()
	err = c.store.Atomic(ctx, func(tx store.Tx) error {
		state, err := loadAuction(ctx, tx, auctionID)
		if err != nil {
			return err
		}
		if caller == "" || caller != state.Seller {
			return ErrUnauthorized
		}
		if now.Unix() < state.Deadline {
			return ErrAuctionStillActive
		}
		if state.SellerSettled {
			return ErrAlreadyClaimedPrize
		}

		var payout uint64
		if state.HasLeader() {
			winning, err := tx.GetBid(ctx, address.Bid(state.HighestBidder, state.ID))
			if errors.Is(err, store.ErrNotFound) {
				return fmt.Errorf("%w: leader %s has no bid record", ErrLedgerInconsistent, state.HighestBidder)
			}
			if err != nil {
				return err
			}
			if winning.Bidder != state.HighestBidder {
				return fmt.Errorf("%w: winning bid belongs to %s, leader is %s",
					ErrLedgerInconsistent, winning.Bidder, state.HighestBidder)
			}
			payout = winning.Amount
		}

		if payout > 0 {
			if _, err := escrow.Move(ctx, tx, escrow.Transfer{
				AuctionID: state.ID,
				From:      state.Treasury,
				To:        state.Seller,
				Amount:    payout,
				Kind:      model.EntryPayout,
			}, now); err != nil {
				if errors.Is(err, escrow.ErrInsufficientFunds) {
					return fmt.Errorf("%w: %w", ErrTreasuryInsufficientFunds, err)
				}
				return err
			}
		}

		state.SellerSettled = true
		state.SettledAmount = payout
		state.HighestBidAmount = 0
		if err := tx.UpdateAuction(ctx, state); err != nil {
			return err
		}

		res = &Settlement{Auction: *state, Winner: state.HighestBidder, Payout: payout}
		return nil
	})
	if err != nil {
		return nil, err
	}

	metrics.FundsMoved.WithLabelValues(string(model.EntryPayout)).Add(float64(res.Payout))
	slog.Info("auction settled",
		"auction", auctionID,
		"winner", res.Winner,
		"payout", res.Payout,
	)
	return res, nil
}

// Refund closes bidder's bid after settlement. A losing bidder gets their
// deposit back; the winner's deposit went to the seller, so nothing moves.
func (c *Controller) Refund(ctx context.Context, caller, auctionID, bidder model.Address) (res *RefundResult, err error) {
	defer c.observe("refund", time.Now(), &err)

	if !isIdentity(caller) || caller != bidder {
		return nil, ErrUnauthorized
	}

	now := c.clock.Now()
	err = c.store.Atomic(ctx, func(tx store.Tx) error {
		state, err := loadAuction(ctx, tx, auctionID)
		if err != nil {
			return err
		}
		if now.Unix() < state.Deadline {
			return ErrAuctionStillActive
		}
		if !state.SellerSettled {
			return ErrUnclaimedPrize
		}

		bid, err := tx.GetBid(ctx, address.Bid(bidder, state.ID))
		if errors.Is(err, store.ErrNotFound) {
			return ErrNoSuchBid
		}
		if err != nil {
			return err
		}

		res = &RefundResult{
			AuctionID: state.ID,
			Bidder:    bidder,
			Winner:    bidder == state.HighestBidder,
		}

		if !res.Winner && bid.Amount > 0 {
			if _, err := escrow.Move(ctx, tx, escrow.Transfer{
				AuctionID: state.ID,
				From:      state.Treasury,
				To:        bidder,
				Amount:    bid.Amount,
				Kind:      model.EntryRefund,
			}, now); err != nil {
				if errors.Is(err, escrow.ErrInsufficientFunds) {
					return fmt.Errorf("%w: %w", ErrTreasuryInsufficientFunds, err)
				}
				return err
			}
			res.Refunded = bid.Amount
		}

		return tx.DeleteBid(ctx, bid.ID)
	})
	if err != nil {
		return nil, err
	}

	metrics.FundsMoved.WithLabelValues(string(model.EntryRefund)).Add(float64(res.Refunded))
	slog.Info("bid refunded",
		"auction", auctionID,
		"bidder", bidder,
		"refunded", res.Refunded,
		"winner", res.Winner,
	)
	return res, nil
}

// Airdrop credits account from the development faucet.
func (c *Controller) Airdrop(ctx context.Context, account model.Address, amount uint64) (entry *model.LedgerEntry, err error) {
	defer c.observe("airdrop", time.Now(), &err)

	if !isIdentity(account) {
		return nil, ErrUnauthorized
	}
	if amount == 0 {
		return nil, ErrInvalidAmount
	}

	err = c.store.Atomic(ctx, func(tx store.Tx) error {
		var err error
		entry, err = escrow.Airdrop(ctx, tx, account, amount, c.clock.Now())
		return err
	})
	if err != nil {
		return nil, err
	}

	metrics.FundsMoved.WithLabelValues(string(model.EntryAirdrop)).Add(float64(amount))
	slog.Info("airdrop", "account", account, "amount", amount)
	return entry, nil
}

// Audit checks the escrow conservation invariant of one auction.
func (c *Controller) Audit(ctx context.Context, auctionID model.Address) (*escrow.Report, error) {
	var report escrow.Report
	err := c.store.Atomic(ctx, func(tx store.Tx) error {
		state, err := loadAuction(ctx, tx, auctionID)
		if err != nil {
			return err
		}
		balance, err := tx.GetBalance(ctx, state.Treasury)
		if err != nil {
			return err
		}
		// The auction row lock keeps bids and the journal still while we read.
		bids, err := tx.ListBids(ctx, state.ID)
		if err != nil {
			return err
		}
		entries, err := tx.GetLedgerEntriesByAuction(ctx, state.ID)
		if err != nil {
			return err
		}
		report = escrow.Reconcile(state, balance, bids, entries)
		return nil
	})
	if err != nil {
		return nil, err
	}

	if !report.Balanced {
		metrics.LedgerFaults.Inc()
		slog.Error("escrow audit failed",
			"auction", auctionID,
			"balance", report.Balance,
			"expected", report.Expected,
			"credits", report.Credits,
			"debits", report.Debits,
		)
	}
	return &report, nil
}

// isIdentity reports whether addr can act as a caller or hold faucet
// funds. Derived addresses belong to records and treasuries.
func isIdentity(addr model.Address) bool {
	return addr != "" && !address.IsDerived(addr)
}

// depositError classifies an escrow failure while moving a bidder's funds.
func depositError(err error) error {
	switch {
	case errors.Is(err, escrow.ErrInsufficientFunds):
		return fmt.Errorf("%w: %w", ErrTransferFailed, err)
	case errors.Is(err, escrow.ErrSelfTransfer):
		return fmt.Errorf("%w: %w", ErrUnauthorized, err)
	}
	return err
}

// loadAuction reads and locks an auction, refusing records that do not sit
// at the address their own seeds produce.
func loadAuction(ctx context.Context, tx store.Tx, id model.Address) (*model.AuctionState, error) {
	state, err := tx.GetAuction(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrNoSuchAuction, id)
	}
	if err != nil {
		return nil, err
	}
	if err := address.VerifyAuction(state); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrAddressMismatch, err)
	}
	return state, nil
}

// observe records latency and outcome of an operation. Fatal ledger faults
// are logged at error level and counted apart from routine rejections.
func (c *Controller) observe(op string, start time.Time, errp *error) {
	metrics.OperationLatency.WithLabelValues(op).Observe(time.Since(start).Seconds())

	err := *errp
	switch {
	case err == nil:
		metrics.OperationsTotal.WithLabelValues(op).Inc()
	case IsFatal(err):
		metrics.LedgerFaults.Inc()
		metrics.RejectionsTotal.WithLabelValues(op, CodeOf(err)).Inc()
		slog.Error("escrow ledger fault", "operation", op, "err", err)
	case KindOf(err) != 0:
		metrics.RejectionsTotal.WithLabelValues(op, CodeOf(err)).Inc()
		slog.Info("operation rejected", "operation", op, "code", CodeOf(err), "err", err)
	default:
		metrics.RejectionsTotal.WithLabelValues(op, "internal").Inc()
		slog.Error("operation failed", "operation", op, "err", err)
	}
}
