// Package address derives deterministic record addresses from seeds.
//
// An address is the SHA3-256 digest of the seeds framed as a CBOR array of
// byte strings, rendered as lowercase hex. Framing keeps ("ab", "c") and
// ("a", "bc") distinct. Callers must pass identical seeds to reach the same
// record, and Verify rejects a record stored under an address its seeds do
// not produce.
package address

import (
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/fxamacker/cbor/v2"
	"golang.org/x/crypto/sha3"

	"github.com/atmx/auction-engine/internal/model"
)

// Seed prefixes for the three record families.
const (
	SeedState    = "state"
	SeedTreasury = "treasury"
	SeedUserBid  = "user-bid"
)

// derivedLen is the length of a hex-rendered SHA3-256 digest.
const derivedLen = 64

// ErrMismatch is returned by Verify when an address was not derived from
// the claimed seeds.
var ErrMismatch = errors.New("address: derived address does not match seeds")

var encMode = mustEncMode()

func mustEncMode() cbor.EncMode {
	em, err := cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic(fmt.Sprintf("address: cbor encoding mode: %v", err))
	}
	return em
}

// Derive returns the address for the given seeds.
func Derive(seeds ...[]byte) model.Address {
	framed, err := encMode.Marshal(seeds)
	if err != nil {
		// A [][]byte always encodes.
		panic(fmt.Sprintf("address: encode seeds: %v", err))
	}
	sum := sha3.Sum256(framed)
	return model.Address(hex.EncodeToString(sum[:]))
}

// Verify checks that addr is the address derived from seeds.
func Verify(addr model.Address, seeds ...[]byte) error {
	if want := Derive(seeds...); want != addr {
		return fmt.Errorf("%w: got %s, want %s", ErrMismatch, addr, want)
	}
	return nil
}

// IsDerived reports whether addr lies in the derived namespace, the shape
// every Derive result has. Accounts in it belong to records, so no caller
// identity may take that form.
func IsDerived(addr model.Address) bool {
	if len(addr) != derivedLen {
		return false
	}
	for i := 0; i < len(addr); i++ {
		c := addr[i]
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			return false
		}
	}
	return true
}

// AuctionState is the address of the auction created by seller.
func AuctionState(seller model.Address) model.Address {
	return Derive([]byte(SeedState), []byte(seller))
}

// Treasury is the address of the escrow account of an auction.
func Treasury(auctionID model.Address) model.Address {
	return Derive([]byte(SeedTreasury), []byte(auctionID))
}

// Bid is the address of bidder's bid in an auction.
func Bid(bidder, auctionID model.Address) model.Address {
	return Derive([]byte(SeedUserBid), []byte(bidder), []byte(auctionID))
}

// VerifyAuction checks that a stored auction lives at the address its
// seller seeds produce and that its treasury is the derived one.
func VerifyAuction(a *model.AuctionState) error {
	if err := Verify(a.ID, []byte(SeedState), []byte(a.Seller)); err != nil {
		return fmt.Errorf("auction: %w", err)
	}
	if err := Verify(a.Treasury, []byte(SeedTreasury), []byte(a.ID)); err != nil {
		return fmt.Errorf("treasury: %w", err)
	}
	return nil
}
