package escrow

import "github.com/atmx/auction-engine/internal/model"

// Report is the outcome of checking one treasury against its bids and its
// journal.
type Report struct {
	AuctionID model.Address `json:"auction_id"`
	Treasury  model.Address `json:"treasury"`

	// Balance is what the treasury actually holds.
	Balance uint64 `json:"balance"`

	// Outstanding is the sum of all bids not yet refunded.
	Outstanding uint64 `json:"outstanding"`

	// Expected is Outstanding minus the winning deposit once it has been
	// paid to the seller.
	Expected uint64 `json:"expected"`

	// Credits and Debits are the treasury's journaled inflows and outflows.
	Credits uint64 `json:"credits"`
	Debits  uint64 `json:"debits"`

	// Balanced is true when Balance equals both Expected and Credits-Debits.
	Balanced bool `json:"balanced"`
}

// Reconcile checks the conservation invariant of one auction:
//
//	balance == Σ outstanding bids − (winning amount if settled and the winning bid is still open)
//	balance == Σ journaled credits − Σ journaled debits
func Reconcile(state *model.AuctionState, balance uint64, bids []model.Bid, entries []model.LedgerEntry) Report {
	r := Report{
		AuctionID: state.ID,
		Treasury:  state.Treasury,
		Balance:   balance,
	}

	for _, b := range bids {
		if b.AuctionID != state.ID {
			continue
		}
		r.Outstanding += b.Amount
		if state.SellerSettled && b.Bidder == state.HighestBidder {
			continue // already paid out to the seller
		}
		r.Expected += b.Amount
	}

	for _, e := range entries {
		switch state.Treasury {
		case e.To:
			r.Credits += e.Amount
		case e.From:
			r.Debits += e.Amount
		}
	}

	r.Balanced = r.Debits <= r.Credits &&
		balance == r.Expected &&
		balance == r.Credits-r.Debits
	return r
}
