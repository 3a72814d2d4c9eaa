package store

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"strconv"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/atmx/auction-engine/internal/model"
)

//go:embed schema.sql
var schemaSQL string

// Migrate creates the tables the PostgresStore needs if they are missing.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	if _, err := pool.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

// PostgresStore implements Store using PostgreSQL as the source of truth.
// All amounts are stored as NUMERIC(20,0) so the full uint64 range fits.
//
// Units of work run in one transaction. The auction row and every balance
// row are read FOR UPDATE inside it, so the auction row serializes all
// operations on one auction and balance checks hold until commit.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// querier is the subset shared by *pgxpool.Pool and pgx.Tx.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func (s *PostgresStore) Atomic(ctx context.Context, fn func(tx Tx) error) error {
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		return fn(&postgresTx{q: tx})
	})
}

const auctionColumns = `id, seller, treasury, deadline,
		        highest_bid_amount::TEXT, highest_bidder,
		        seller_settled, settled_amount::TEXT, created_at`

const bidColumns = `id, auction_id, bidder, amount::TEXT, created_at, updated_at`

const ledgerColumns = `id::TEXT, auction_id, from_account, to_account,
		        amount::TEXT, kind, timestamp`

func (s *PostgresStore) GetAuction(ctx context.Context, id model.Address) (*model.AuctionState, error) {
	return getAuction(ctx, s.pool, id, "")
}

func (s *PostgresStore) ListAuctions(ctx context.Context) ([]model.AuctionState, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+auctionColumns+` FROM auctions ORDER BY created_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var auctions []model.AuctionState
	for rows.Next() {
		a, err := scanAuction(rows)
		if err != nil {
			return nil, err
		}
		auctions = append(auctions, *a)
	}
	return auctions, rows.Err()
}

func (s *PostgresStore) GetBid(ctx context.Context, id model.Address) (*model.Bid, error) {
	return getBid(ctx, s.pool, id)
}

func (s *PostgresStore) ListBids(ctx context.Context, auctionID model.Address) ([]model.Bid, error) {
	return listBids(ctx, s.pool, auctionID)
}

func listBids(ctx context.Context, q querier, auctionID model.Address) ([]model.Bid, error) {
	rows, err := q.Query(ctx,
		`SELECT `+bidColumns+` FROM bids WHERE auction_id = $1 ORDER BY created_at, id`, auctionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var bids []model.Bid
	for rows.Next() {
		b, err := scanBid(rows)
		if err != nil {
			return nil, err
		}
		bids = append(bids, *b)
	}
	return bids, rows.Err()
}

func (s *PostgresStore) GetBalance(ctx context.Context, account model.Address) (uint64, error) {
	var balance string
	err := s.pool.QueryRow(ctx,
		`SELECT balance::TEXT FROM accounts WHERE id = $1`, account).Scan(&balance)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("get balance %s: %w", account, err)
	}
	return parseAmount(balance)
}

func (s *PostgresStore) GetLedgerEntriesByAuction(ctx context.Context, auctionID model.Address) ([]model.LedgerEntry, error) {
	return ledgerByAuction(ctx, s.pool, auctionID)
}

func ledgerByAuction(ctx context.Context, q querier, auctionID model.Address) ([]model.LedgerEntry, error) {
	rows, err := q.Query(ctx,
		`SELECT `+ledgerColumns+`
		 FROM ledger_entries WHERE auction_id = $1 ORDER BY timestamp`, auctionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanLedgerEntries(rows)
}

func (s *PostgresStore) GetLedgerEntriesByAccount(ctx context.Context, account model.Address) ([]model.LedgerEntry, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+ledgerColumns+`
		 FROM ledger_entries WHERE from_account = $1 OR to_account = $1 ORDER BY timestamp`, account)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanLedgerEntries(rows)
}

// postgresTx implements Tx on an open pgx transaction.
type postgresTx struct {
	q querier
}

func (tx *postgresTx) GetAuction(ctx context.Context, id model.Address) (*model.AuctionState, error) {
	return getAuction(ctx, tx.q, id, " FOR UPDATE")
}

func (tx *postgresTx) CreateAuction(ctx context.Context, a *model.AuctionState) error {
	_, err := tx.q.Exec(ctx,
		`INSERT INTO auctions (id, seller, treasury, deadline, highest_bid_amount,
		                       highest_bidder, seller_settled, settled_amount, created_at)
		 VALUES ($1, $2, $3, $4, $5::NUMERIC, $6, $7, $8::NUMERIC, $9)`,
		a.ID, a.Seller, a.Treasury, a.Deadline, formatAmount(a.HighestBidAmount),
		a.HighestBidder, a.SellerSettled, formatAmount(a.SettledAmount), a.CreatedAt,
	)
	if isUniqueViolation(err) {
		return fmt.Errorf("auction %s: %w", a.ID, ErrAlreadyExists)
	}
	return err
}

func (tx *postgresTx) UpdateAuction(ctx context.Context, a *model.AuctionState) error {
	tag, err := tx.q.Exec(ctx,
		`UPDATE auctions
		 SET highest_bid_amount = $2::NUMERIC, highest_bidder = $3,
		     seller_settled = $4, settled_amount = $5::NUMERIC
		 WHERE id = $1`,
		a.ID, formatAmount(a.HighestBidAmount), a.HighestBidder,
		a.SellerSettled, formatAmount(a.SettledAmount),
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("auction %s: %w", a.ID, ErrNotFound)
	}
	return nil
}

func (tx *postgresTx) GetBid(ctx context.Context, id model.Address) (*model.Bid, error) {
	return getBid(ctx, tx.q, id)
}

func (tx *postgresTx) PutBid(ctx context.Context, b *model.Bid) error {
	_, err := tx.q.Exec(ctx,
		`INSERT INTO bids (id, auction_id, bidder, amount, created_at, updated_at)
		 VALUES ($1, $2, $3, $4::NUMERIC, $5, $6)
		 ON CONFLICT (id) DO UPDATE
		 SET amount = EXCLUDED.amount, updated_at = EXCLUDED.updated_at`,
		b.ID, b.AuctionID, b.Bidder, formatAmount(b.Amount), b.CreatedAt, b.UpdatedAt,
	)
	return err
}

func (tx *postgresTx) DeleteBid(ctx context.Context, id model.Address) error {
	tag, err := tx.q.Exec(ctx, `DELETE FROM bids WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("bid %s: %w", id, ErrNotFound)
	}
	return nil
}

func (tx *postgresTx) ListBids(ctx context.Context, auctionID model.Address) ([]model.Bid, error) {
	return listBids(ctx, tx.q, auctionID)
}

func (tx *postgresTx) GetLedgerEntriesByAuction(ctx context.Context, auctionID model.Address) ([]model.LedgerEntry, error) {
	return ledgerByAuction(ctx, tx.q, auctionID)
}

func (tx *postgresTx) GetBalance(ctx context.Context, account model.Address) (uint64, error) {
	// Materialize the row first so FOR UPDATE has something to lock.
	if _, err := tx.q.Exec(ctx,
		`INSERT INTO accounts (id, balance) VALUES ($1, 0) ON CONFLICT (id) DO NOTHING`,
		account); err != nil {
		return 0, fmt.Errorf("open account %s: %w", account, err)
	}

	var balance string
	if err := tx.q.QueryRow(ctx,
		`SELECT balance::TEXT FROM accounts WHERE id = $1 FOR UPDATE`, account).
		Scan(&balance); err != nil {
		return 0, fmt.Errorf("get balance %s: %w", account, err)
	}
	return parseAmount(balance)
}

func (tx *postgresTx) SetBalance(ctx context.Context, account model.Address, balance uint64) error {
	_, err := tx.q.Exec(ctx,
		`INSERT INTO accounts (id, balance) VALUES ($1, $2::NUMERIC)
		 ON CONFLICT (id) DO UPDATE SET balance = EXCLUDED.balance`,
		account, formatAmount(balance),
	)
	return err
}

func (tx *postgresTx) InsertLedgerEntry(ctx context.Context, e *model.LedgerEntry) error {
	_, err := tx.q.Exec(ctx,
		`INSERT INTO ledger_entries (id, auction_id, from_account, to_account, amount, kind, timestamp)
		 VALUES ($1::UUID, $2, $3, $4, $5::NUMERIC, $6, $7)`,
		e.ID, e.AuctionID, e.From, e.To, formatAmount(e.Amount), string(e.Kind), e.Timestamp,
	)
	return err
}

// --- Shared query helpers ---

func getAuction(ctx context.Context, q querier, id model.Address, lock string) (*model.AuctionState, error) {
	row := q.QueryRow(ctx,
		`SELECT `+auctionColumns+` FROM auctions WHERE id = $1`+lock, id)
	a, err := scanAuction(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("auction %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get auction %s: %w", id, err)
	}
	return a, nil
}

func getBid(ctx context.Context, q querier, id model.Address) (*model.Bid, error) {
	row := q.QueryRow(ctx, `SELECT `+bidColumns+` FROM bids WHERE id = $1`, id)
	b, err := scanBid(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("bid %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get bid %s: %w", id, err)
	}
	return b, nil
}

// rowScanner is satisfied by both pgx.Row and pgx.Rows.
type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanAuction(row rowScanner) (*model.AuctionState, error) {
	var a model.AuctionState
	var highest, settled string

	if err := row.Scan(&a.ID, &a.Seller, &a.Treasury, &a.Deadline,
		&highest, &a.HighestBidder,
		&a.SellerSettled, &settled, &a.CreatedAt); err != nil {
		return nil, err
	}

	var err error
	if a.HighestBidAmount, err = parseAmount(highest); err != nil {
		return nil, err
	}
	if a.SettledAmount, err = parseAmount(settled); err != nil {
		return nil, err
	}
	return &a, nil
}

func scanBid(row rowScanner) (*model.Bid, error) {
	var b model.Bid
	var amount string

	if err := row.Scan(&b.ID, &b.AuctionID, &b.Bidder, &amount,
		&b.CreatedAt, &b.UpdatedAt); err != nil {
		return nil, err
	}

	var err error
	if b.Amount, err = parseAmount(amount); err != nil {
		return nil, err
	}
	return &b, nil
}

// scanLedgerEntries reads pgx rows into LedgerEntry slices.
type pgxRows interface {
	Next() bool
	Scan(dest ...interface{}) error
	Err() error
}

func scanLedgerEntries(rows pgxRows) ([]model.LedgerEntry, error) {
	var entries []model.LedgerEntry
	for rows.Next() {
		var e model.LedgerEntry
		var amount, kind string

		if err := rows.Scan(&e.ID, &e.AuctionID, &e.From, &e.To,
			&amount, &kind, &e.Timestamp); err != nil {
			return nil, err
		}

		var err error
		if e.Amount, err = parseAmount(amount); err != nil {
			return nil, err
		}
		e.Kind = model.EntryKind(kind)

		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func formatAmount(v uint64) string {
	return strconv.FormatUint(v, 10)
}

func parseAmount(s string) (uint64, error) {
	v, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parse amount %q: %w", s, err)
	}
	return v, nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
