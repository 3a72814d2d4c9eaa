// Package escrow is the fund-custody ledger: it moves base units between
// accounts inside a store unit of work and checks that an auction treasury
// holds exactly what its outstanding bids say it should.
//
// Every movement reads both balances through the Tx (which locks them),
// rejects an overdraft before writing anything, and journals the movement.
// Money is never created here except by Airdrop, the development faucet.
package escrow

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"

	"github.com/atmx/auction-engine/internal/model"
	"github.com/atmx/auction-engine/internal/store"
)

var (
	// ErrInsufficientFunds is returned when the source account cannot cover a movement.
	ErrInsufficientFunds = errors.New("escrow: insufficient funds")

	// ErrBalanceOverflow is returned when a credit would overflow the destination balance.
	ErrBalanceOverflow = errors.New("escrow: balance overflow")

	// ErrZeroAmount is returned for empty movements; callers skip those instead.
	ErrZeroAmount = errors.New("escrow: amount must be positive")

	// ErrSelfTransfer is returned when source and destination are the same account.
	ErrSelfTransfer = errors.New("escrow: source and destination are the same account")

	// ErrAccountInUse is returned by Open when the treasury already holds funds.
	ErrAccountInUse = errors.New("escrow: account already holds funds")
)

// Transfer describes one movement of funds.
type Transfer struct {
	AuctionID model.Address
	From      model.Address
	To        model.Address
	Amount    uint64
	Kind      model.EntryKind
}

// Move applies t inside tx and returns the journal entry it wrote.
// Nothing is written unless the whole movement is valid.
func Move(ctx context.Context, tx store.Tx, t Transfer, now time.Time) (*model.LedgerEntry, error) {
	if t.Amount == 0 {
		return nil, ErrZeroAmount
	}
	if t.From == t.To {
		return nil, fmt.Errorf("%w: %s", ErrSelfTransfer, t.From)
	}

	fromBal, err := tx.GetBalance(ctx, t.From)
	if err != nil {
		return nil, fmt.Errorf("read balance of %s: %w", t.From, err)
	}
	toBal, err := tx.GetBalance(ctx, t.To)
	if err != nil {
		return nil, fmt.Errorf("read balance of %s: %w", t.To, err)
	}

	if fromBal < t.Amount {
		return nil, fmt.Errorf("%w: %s holds %d, needs %d", ErrInsufficientFunds, t.From, fromBal, t.Amount)
	}
	if toBal > math.MaxUint64-t.Amount {
		return nil, fmt.Errorf("%w: %s", ErrBalanceOverflow, t.To)
	}

	if err := tx.SetBalance(ctx, t.From, fromBal-t.Amount); err != nil {
		return nil, fmt.Errorf("debit %s: %w", t.From, err)
	}
	if err := tx.SetBalance(ctx, t.To, toBal+t.Amount); err != nil {
		return nil, fmt.Errorf("credit %s: %w", t.To, err)
	}

	entry := &model.LedgerEntry{
		ID:        uuid.New().String(),
		AuctionID: t.AuctionID,
		From:      t.From,
		To:        t.To,
		Amount:    t.Amount,
		Kind:      t.Kind,
		Timestamp: now.UTC(),
	}
	if err := tx.InsertLedgerEntry(ctx, entry); err != nil {
		return nil, fmt.Errorf("journal %s: %w", t.Kind, err)
	}
	return entry, nil
}

// Open prepares a zero-balance treasury. A treasury that already holds funds
// is refused: those funds belong to no bid and would break conservation.
func Open(ctx context.Context, tx store.Tx, treasury model.Address) error {
	balance, err := tx.GetBalance(ctx, treasury)
	if err != nil {
		return fmt.Errorf("read balance of %s: %w", treasury, err)
	}
	if balance != 0 {
		return fmt.Errorf("%w: %s holds %d", ErrAccountInUse, treasury, balance)
	}
	return tx.SetBalance(ctx, treasury, 0)
}

// Airdrop mints amount into account. Development faucet only.
func Airdrop(ctx context.Context, tx store.Tx, account model.Address, amount uint64, now time.Time) (*model.LedgerEntry, error) {
	if amount == 0 {
		return nil, ErrZeroAmount
	}
	balance, err := tx.GetBalance(ctx, account)
	if err != nil {
		return nil, fmt.Errorf("read balance of %s: %w", account, err)
	}
	if balance > math.MaxUint64-amount {
		return nil, fmt.Errorf("%w: %s", ErrBalanceOverflow, account)
	}
	if err := tx.SetBalance(ctx, account, balance+amount); err != nil {
		return nil, fmt.Errorf("credit %s: %w", account, err)
	}

	entry := &model.LedgerEntry{
		ID:        uuid.New().String(),
		To:        account,
		Amount:    amount,
		Kind:      model.EntryAirdrop,
		Timestamp: now.UTC(),
	}
	if err := tx.InsertLedgerEntry(ctx, entry); err != nil {
		return nil, fmt.Errorf("journal airdrop: %w", err)
	}
	return entry, nil
}
