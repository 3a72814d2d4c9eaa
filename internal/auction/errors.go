package auction

import "errors"

// Kind groups rejections by what went wrong.
type Kind int

const (
	// KindTemporal: the operation is not legal in the auction's current phase.
	KindTemporal Kind = iota + 1
	// KindStateConflict: already done, or a record is present/absent when it should not be.
	KindStateConflict
	// KindFunds: the ledger cannot satisfy a movement.
	KindFunds
	// KindAuthorization: the caller does not hold the required role.
	KindAuthorization
	// KindInvalidArgument: the request itself is malformed.
	KindInvalidArgument
	// KindFault: the ledger contradicts its own invariants.
	KindFault
)

func (k Kind) String() string {
	switch k {
	case KindTemporal:
		return "temporal_violation"
	case KindStateConflict:
		return "state_conflict"
	case KindFunds:
		return "funds_violation"
	case KindAuthorization:
		return "authorization_violation"
	case KindInvalidArgument:
		return "invalid_argument"
	case KindFault:
		return "fault"
	default:
		return "unknown"
	}
}

// Error is a rejection of an auction operation. Every rejection is terminal
// for the attempt and leaves no state behind.
type Error struct {
	Kind    Kind
	Code    string
	Message string
}

func (e *Error) Error() string {
	return "auction: " + e.Message
}

func newError(kind Kind, code, msg string) *Error {
	return &Error{Kind: kind, Code: code, Message: msg}
}

var (
	ErrAuctionStillActive = newError(KindTemporal, "AuctionStillActive", "auction is still active")
	ErrAuctionFinished    = newError(KindTemporal, "AuctionFinished", "auction has finished")

	ErrAlreadyExists       = newError(KindStateConflict, "AlreadyExists", "auction already exists for this seller")
	ErrAlreadyClaimedPrize = newError(KindStateConflict, "AlreadyClaimedPrize", "seller already claimed the highest bid")
	ErrUnclaimedPrize      = newError(KindStateConflict, "UnclaimedPrize", "seller has not claimed the highest bid yet")
	ErrNoSuchBid           = newError(KindStateConflict, "NoSuchBid", "no bid from this bidder")
	ErrNoSuchAuction       = newError(KindStateConflict, "NoSuchAuction", "auction not found")
	ErrBidNotRaised        = newError(KindStateConflict, "BidNotRaised", "a repeated bid must exceed the bidder's current bid")

	ErrTransferFailed            = newError(KindFunds, "TransferFailed", "bidder cannot cover the deposit")
	ErrTreasuryInsufficientFunds = newError(KindFunds, "TreasuryInsufficientFunds", "insufficient funds on treasury")

	ErrUnauthorized = newError(KindAuthorization, "Unauthorized", "caller is not allowed to perform this operation")

	ErrInvalidDuration = newError(KindInvalidArgument, "InvalidDuration", "duration must be positive and fit after now")
	ErrInvalidAmount   = newError(KindInvalidArgument, "InvalidAmount", "amount must be positive")
	ErrAddressMismatch = newError(KindInvalidArgument, "AddressMismatch", "record address does not match its seeds")

	ErrLedgerInconsistent = newError(KindFault, "LedgerInconsistent", "escrow ledger is inconsistent")
)

// KindOf returns the kind of an auction rejection, or 0 for other errors.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return 0
}

// CodeOf returns the code of an auction rejection, or "" for other errors.
func CodeOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// IsFatal reports whether err means the escrow ledger is corrupt rather than
// that the caller asked for something not allowed. A treasury shortfall can
// only happen if conservation was already broken.
func IsFatal(err error) bool {
	return errors.Is(err, ErrTreasuryInsufficientFunds) || KindOf(err) == KindFault
}
