// Package api provides the HTTP handlers for opening auctions, bidding,
// settling, refunding and inspecting escrow.
//
// Amounts cross the wire as shopspring/decimal whole coins and are
// converted to integer base units before they reach the controller.
// Never float64 for money.
package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"

	"github.com/atmx/auction-engine/internal/auction"
	"github.com/atmx/auction-engine/internal/model"
	"github.com/atmx/auction-engine/internal/store"
	"github.com/atmx/auction-engine/internal/units"
)

// Service exposes the auction controller over HTTP. Serialization of
// operations is left to the store's units of work.
type Service struct {
	ctrl     *auction.Controller
	store    store.Store
	wsHub    *WSHub // optional WebSocket hub for real-time broadcasts
	auth     Authenticator
	validate *validator.Validate
	airdrop  bool
}

// NewService creates a new auction service.
// Pass nil for hub if WebSocket broadcasting is not needed. The airdrop
// faucet route is only mounted when airdrop is true.
func NewService(ctrl *auction.Controller, st store.Store, hub *WSHub, airdrop bool) *Service {
	return &Service{
		ctrl:     ctrl,
		store:    st,
		wsHub:    hub,
		auth:     HeaderAuthenticator{Header: CallerHeader},
		validate: validator.New(validator.WithRequiredStructEnabled()),
		airdrop:  airdrop,
	}
}

// SetAuthenticator replaces the default header authenticator. Call before Routes.
func (s *Service) SetAuthenticator(a Authenticator) {
	s.auth = a
}

// Routes mounts the auction API on r. Reads are public; every mutation
// requires a caller identity.
func (s *Service) Routes(r chi.Router) {
	r.Get("/auctions", s.ListAuctions)
	r.Get("/auctions/{auctionID}", s.GetAuction)
	r.Get("/auctions/{auctionID}/bids", s.ListBids)
	r.Get("/auctions/{auctionID}/ledger", s.GetAuctionLedger)
	r.Get("/auctions/{auctionID}/audit", s.GetAudit)
	r.Get("/accounts/{account}", s.GetAccount)

	r.Group(func(r chi.Router) {
		r.Use(RequireCaller(s.auth))
		r.Post("/auctions", s.Initialize)
		r.Post("/auctions/{auctionID}/bids", s.PlaceBid)
		r.Post("/auctions/{auctionID}/settle", s.Settle)
		r.Post("/auctions/{auctionID}/refund", s.Refund)
		if s.airdrop {
			r.Post("/accounts/{account}/airdrop", s.Airdrop)
		}
	})
}

// --- Request/Response types ---

// InitializeRequest is the JSON body for POST /auctions.
type InitializeRequest struct {
	Seller          string `json:"seller" validate:"required,max=256"`
	DurationSeconds int64  `json:"duration_seconds"` // range checked by the controller
}

// BidRequest is the JSON body for POST /auctions/{auctionID}/bids.
type BidRequest struct {
	Bidder string          `json:"bidder" validate:"required,max=256"`
	Amount decimal.Decimal `json:"amount"` // whole coins, up to 9 decimal places
}

// RefundRequest is the JSON body for POST /auctions/{auctionID}/refund.
type RefundRequest struct {
	Bidder string `json:"bidder" validate:"required,max=256"`
}

// AirdropRequest is the JSON body for POST /accounts/{account}/airdrop.
type AirdropRequest struct {
	Amount decimal.Decimal `json:"amount"`
}

// AuctionView is an auction as returned by the API.
type AuctionView struct {
	model.AuctionState
	Phase      model.Phase     `json:"phase"`
	HighestBid decimal.Decimal `json:"highest_bid"` // in coins
	Settled    decimal.Decimal `json:"settled"`     // in coins
}

// BidResponse is the JSON body returned from POST /auctions/{auctionID}/bids.
type BidResponse struct {
	Auction   AuctionView     `json:"auction"`
	Bid       model.Bid       `json:"bid"`
	Deposited decimal.Decimal `json:"deposited"`
	Leader    bool            `json:"leader"`
}

// SettleResponse is the JSON body returned from POST /auctions/{auctionID}/settle.
type SettleResponse struct {
	Auction AuctionView     `json:"auction"`
	Winner  model.Address   `json:"winner,omitempty"`
	Payout  decimal.Decimal `json:"payout"`
}

// RefundResponse is the JSON body returned from POST /auctions/{auctionID}/refund.
type RefundResponse struct {
	AuctionID model.Address   `json:"auction_id"`
	Bidder    model.Address   `json:"bidder"`
	Refunded  decimal.Decimal `json:"refunded"`
	Winner    bool            `json:"winner"`
}

// AccountView is an account balance as returned by the API.
type AccountView struct {
	Account   model.Address   `json:"account"`
	Balance   uint64          `json:"balance"` // base units
	Coins     decimal.Decimal `json:"coins"`
	Movements int             `json:"movements"`
}

func (s *Service) view(a model.AuctionState) AuctionView {
	return AuctionView{
		AuctionState: a,
		Phase:        a.Phase(s.ctrl.Now()),
		HighestBid:   units.FromBaseUnits(a.HighestBidAmount),
		Settled:      units.FromBaseUnits(a.SettledAmount),
	}
}

// --- HTTP Handlers ---

// Initialize handles POST /api/v1/auctions
func (s *Service) Initialize(w http.ResponseWriter, r *http.Request) {
	var req InitializeRequest
	if !s.decode(w, r, &req) {
		return
	}

	state, err := s.ctrl.Initialize(r.Context(), callerFrom(r.Context()), model.Address(req.Seller), req.DurationSeconds)
	if err != nil {
		writeOperationError(w, err)
		return
	}

	s.publish(WSMessage{
		Type:      EventAuctionInitialized,
		AuctionID: string(state.ID),
		Actor:     string(state.Seller),
		Deadline:  state.Deadline,
	})

	writeJSON(w, http.StatusCreated, s.view(*state))
}

// ListAuctions handles GET /api/v1/auctions
// Returns all auctions, optionally filtered by ?seller=<address> or ?phase=<phase>.
func (s *Service) ListAuctions(w http.ResponseWriter, r *http.Request) {
	auctions, err := s.store.ListAuctions(r.Context())
	if err != nil {
		slog.Error("list auctions failed", "err", err)
		writeError(w, "failed to list auctions", "internal", http.StatusInternalServerError)
		return
	}

	seller := r.URL.Query().Get("seller")
	phase := model.Phase(r.URL.Query().Get("phase"))

	views := []AuctionView{}
	for _, a := range auctions {
		v := s.view(a)
		if seller != "" && string(a.Seller) != seller {
			continue
		}
		if phase != "" && v.Phase != phase {
			continue
		}
		views = append(views, v)
	}
	writeJSON(w, http.StatusOK, views)
}

// GetAuction handles GET /api/v1/auctions/{auctionID}
func (s *Service) GetAuction(w http.ResponseWriter, r *http.Request) {
	state, ok := s.loadAuction(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, s.view(*state))
}

// PlaceBid handles POST /api/v1/auctions/{auctionID}/bids
func (s *Service) PlaceBid(w http.ResponseWriter, r *http.Request) {
	var req BidRequest
	if !s.decode(w, r, &req) {
		return
	}
	amount, err := units.ToBaseUnits(req.Amount)
	if err != nil {
		writeError(w, err.Error(), auction.ErrInvalidAmount.Code, http.StatusBadRequest)
		return
	}

	auctionID := model.Address(chi.URLParam(r, "auctionID"))
	res, err := s.ctrl.Bid(r.Context(), callerFrom(r.Context()), auctionID, model.Address(req.Bidder), amount)
	if err != nil {
		writeOperationError(w, err)
		return
	}

	s.publish(WSMessage{
		Type:       EventBidPlaced,
		AuctionID:  string(auctionID),
		Actor:      req.Bidder,
		Amount:     units.FromBaseUnits(res.Bid.Amount).String(),
		Leader:     string(res.Auction.HighestBidder),
		HighestBid: units.FromBaseUnits(res.Auction.HighestBidAmount).String(),
	})

	writeJSON(w, http.StatusOK, BidResponse{
		Auction:   s.view(res.Auction),
		Bid:       res.Bid,
		Deposited: units.FromBaseUnits(res.Deposited),
		Leader:    res.Leader,
	})
}

// ListBids handles GET /api/v1/auctions/{auctionID}/bids
// Returns the bids not yet refunded.
func (s *Service) ListBids(w http.ResponseWriter, r *http.Request) {
	state, ok := s.loadAuction(w, r)
	if !ok {
		return
	}

	bids, err := s.store.ListBids(r.Context(), state.ID)
	if err != nil {
		slog.Error("list bids failed", "auction", state.ID, "err", err)
		writeError(w, "failed to list bids", "internal", http.StatusInternalServerError)
		return
	}
	if bids == nil {
		bids = []model.Bid{}
	}
	writeJSON(w, http.StatusOK, bids)
}

// Settle handles POST /api/v1/auctions/{auctionID}/settle
func (s *Service) Settle(w http.ResponseWriter, r *http.Request) {
	auctionID := model.Address(chi.URLParam(r, "auctionID"))
	res, err := s.ctrl.Settle(r.Context(), callerFrom(r.Context()), auctionID)
	if err != nil {
		writeOperationError(w, err)
		return
	}

	payout := units.FromBaseUnits(res.Payout)
	s.publish(WSMessage{
		Type:      EventAuctionSettled,
		AuctionID: string(auctionID),
		Actor:     string(res.Auction.Seller),
		Amount:    payout.String(),
		Leader:    string(res.Winner),
	})

	writeJSON(w, http.StatusOK, SettleResponse{
		Auction: s.view(res.Auction),
		Winner:  res.Winner,
		Payout:  payout,
	})
}

// Refund handles POST /api/v1/auctions/{auctionID}/refund
func (s *Service) Refund(w http.ResponseWriter, r *http.Request) {
	var req RefundRequest
	if !s.decode(w, r, &req) {
		return
	}

	auctionID := model.Address(chi.URLParam(r, "auctionID"))
	res, err := s.ctrl.Refund(r.Context(), callerFrom(r.Context()), auctionID, model.Address(req.Bidder))
	if err != nil {
		writeOperationError(w, err)
		return
	}

	refunded := units.FromBaseUnits(res.Refunded)
	s.publish(WSMessage{
		Type:      EventBidRefunded,
		AuctionID: string(auctionID),
		Actor:     req.Bidder,
		Amount:    refunded.String(),
	})

	writeJSON(w, http.StatusOK, RefundResponse{
		AuctionID: res.AuctionID,
		Bidder:    res.Bidder,
		Refunded:  refunded,
		Winner:    res.Winner,
	})
}

// GetAuctionLedger handles GET /api/v1/auctions/{auctionID}/ledger
// Returns every fund movement of the auction.
func (s *Service) GetAuctionLedger(w http.ResponseWriter, r *http.Request) {
	auctionID := model.Address(chi.URLParam(r, "auctionID"))

	entries, err := s.store.GetLedgerEntriesByAuction(r.Context(), auctionID)
	if err != nil {
		slog.Error("auction ledger failed", "auction", auctionID, "err", err)
		writeError(w, "failed to get auction ledger", "internal", http.StatusInternalServerError)
		return
	}
	if entries == nil {
		entries = []model.LedgerEntry{}
	}
	writeJSON(w, http.StatusOK, entries)
}

// GetAudit handles GET /api/v1/auctions/{auctionID}/audit
func (s *Service) GetAudit(w http.ResponseWriter, r *http.Request) {
	auctionID := model.Address(chi.URLParam(r, "auctionID"))

	report, err := s.ctrl.Audit(r.Context(), auctionID)
	if err != nil {
		writeOperationError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

// GetAccount handles GET /api/v1/accounts/{account}
func (s *Service) GetAccount(w http.ResponseWriter, r *http.Request) {
	account := model.Address(chi.URLParam(r, "account"))
	ctx := r.Context()

	balance, err := s.store.GetBalance(ctx, account)
	if err != nil {
		slog.Error("get balance failed", "account", account, "err", err)
		writeError(w, "failed to load balance", "internal", http.StatusInternalServerError)
		return
	}
	entries, err := s.store.GetLedgerEntriesByAccount(ctx, account)
	if err != nil {
		slog.Error("account ledger failed", "account", account, "err", err)
		writeError(w, "failed to load account history", "internal", http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, AccountView{
		Account:   account,
		Balance:   balance,
		Coins:     units.FromBaseUnits(balance),
		Movements: len(entries),
	})
}

// Airdrop handles POST /api/v1/accounts/{account}/airdrop
// Development faucet; only mounted when enabled.
func (s *Service) Airdrop(w http.ResponseWriter, r *http.Request) {
	var req AirdropRequest
	if !s.decode(w, r, &req) {
		return
	}
	amount, err := units.ToBaseUnits(req.Amount)
	if err != nil {
		writeError(w, err.Error(), auction.ErrInvalidAmount.Code, http.StatusBadRequest)
		return
	}

	account := model.Address(chi.URLParam(r, "account"))
	entry, err := s.ctrl.Airdrop(r.Context(), account, amount)
	if err != nil {
		writeOperationError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, entry)
}

// --- helpers ---

func (s *Service) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeError(w, "invalid request body", "invalid_request", http.StatusBadRequest)
		return false
	}
	if err := s.validate.Struct(dst); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			writeError(w, verrs[0].Field()+" failed "+verrs[0].Tag()+" check", "invalid_request", http.StatusBadRequest)
			return false
		}
		writeError(w, err.Error(), "invalid_request", http.StatusBadRequest)
		return false
	}
	return true
}

func (s *Service) loadAuction(w http.ResponseWriter, r *http.Request) (*model.AuctionState, bool) {
	auctionID := model.Address(chi.URLParam(r, "auctionID"))
	state, err := s.store.GetAuction(r.Context(), auctionID)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, "auction not found", auction.ErrNoSuchAuction.Code, http.StatusNotFound)
		return nil, false
	}
	if err != nil {
		slog.Error("get auction failed", "auction", auctionID, "err", err)
		writeError(w, "failed to load auction", "internal", http.StatusInternalServerError)
		return nil, false
	}
	return state, true
}

func (s *Service) publish(msg WSMessage) {
	if s.wsHub != nil {
		s.wsHub.Broadcast(msg)
	}
}

// StatusFor maps an operation error to its HTTP status.
func StatusFor(err error) int {
	switch auction.KindOf(err) {
	case auction.KindAuthorization:
		return http.StatusForbidden
	case auction.KindTemporal:
		return http.StatusConflict
	case auction.KindStateConflict:
		if errors.Is(err, auction.ErrNoSuchAuction) || errors.Is(err, auction.ErrNoSuchBid) {
			return http.StatusNotFound
		}
		return http.StatusConflict
	case auction.KindInvalidArgument:
		return http.StatusBadRequest
	case auction.KindFunds:
		if auction.IsFatal(err) {
			return http.StatusInternalServerError
		}
		return http.StatusPaymentRequired
	default:
		return http.StatusInternalServerError
	}
}

// writeOperationError reports a controller error. Internal failures are
// not echoed to the client.
func writeOperationError(w http.ResponseWriter, err error) {
	status := StatusFor(err)
	code := auction.CodeOf(err)
	switch {
	case code == "":
		writeError(w, "internal error", "internal", status)
	case auction.IsFatal(err):
		writeError(w, "escrow ledger fault", code, status)
	default:
		writeError(w, err.Error(), code, status)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, message, code string, status int) {
	writeJSON(w, status, map[string]string{"error": message, "code": code})
}
