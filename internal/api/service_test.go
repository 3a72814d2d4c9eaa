package api_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atmx/auction-engine/internal/api"
	"github.com/atmx/auction-engine/internal/auction"
	"github.com/atmx/auction-engine/internal/escrow"
	"github.com/atmx/auction-engine/internal/model"
	"github.com/atmx/auction-engine/internal/store"
)

var t0 = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

func d(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

type testEnv struct {
	ms     *store.MemoryStore
	clock  *auction.ManualClock
	hub    *api.WSHub
	router chi.Router
}

// newTestEnv creates a Service with in-memory store, manual clock and chi router.
func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	ms := store.NewMemoryStore()
	clock := auction.NewManualClock(t0)
	ctrl := auction.NewController(ms, clock)
	hub := api.NewWSHub()

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go hub.Run(ctx)

	svc := api.NewService(ctrl, ms, hub, true)
	r := chi.NewRouter()
	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/ws", hub.HandleWS)
		svc.Routes(r)
	})

	return &testEnv{ms: ms, clock: clock, hub: hub, router: r}
}

func (e *testEnv) do(t *testing.T, method, path, caller string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if caller != "" {
		req.Header.Set(api.CallerHeader, caller)
	}
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	return w
}

func (e *testEnv) airdrop(t *testing.T, account, coins string) {
	t.Helper()
	w := e.do(t, "POST", "/api/v1/accounts/"+account+"/airdrop", account, api.AirdropRequest{Amount: d(coins)})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
}

func (e *testEnv) open(t *testing.T, seller string, duration int64) api.AuctionView {
	t.Helper()
	w := e.do(t, "POST", "/api/v1/auctions", seller, api.InitializeRequest{Seller: seller, DurationSeconds: duration})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	var view api.AuctionView
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &view))
	return view
}

func (e *testEnv) bid(t *testing.T, auctionID, bidder, coins string) *httptest.ResponseRecorder {
	t.Helper()
	return e.do(t, "POST", "/api/v1/auctions/"+auctionID+"/bids", bidder, api.BidRequest{Bidder: bidder, Amount: d(coins)})
}

func errorCode(t *testing.T, w *httptest.ResponseRecorder) string {
	t.Helper()
	var body map[string]string
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	return body["code"]
}

// --- Lifecycle ---

func TestAuctionLifecycle(t *testing.T) {
	e := newTestEnv(t)
	e.airdrop(t, "alice", "10")
	e.airdrop(t, "bob", "10")

	view := e.open(t, "seller", 100)
	assert.Equal(t, model.PhaseOpen, view.Phase)
	id := string(view.ID)

	e.clock.Set(t0.Add(10 * time.Second))
	w := e.bid(t, id, "alice", "5")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	e.clock.Set(t0.Add(20 * time.Second))
	w = e.bid(t, id, "bob", "3")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	e.clock.Set(t0.Add(30 * time.Second))
	w = e.bid(t, id, "bob", "7")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var bidResp api.BidResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &bidResp))
	assert.True(t, bidResp.Leader)
	assert.True(t, bidResp.Deposited.Equal(d("4")), "deposited %s", bidResp.Deposited)
	assert.True(t, bidResp.Auction.HighestBid.Equal(d("7")))

	w = e.do(t, "GET", "/api/v1/auctions/"+id+"/bids", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var bids []model.Bid
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &bids))
	assert.Len(t, bids, 2)

	e.clock.Set(t0.Add(101 * time.Second))
	w = e.bid(t, id, "alice", "9")
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, "AuctionFinished", errorCode(t, w))

	w = e.do(t, "GET", "/api/v1/auctions/"+id, "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &view))
	assert.Equal(t, model.PhaseExpired, view.Phase)

	w = e.do(t, "POST", "/api/v1/auctions/"+id+"/settle", "seller", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var settle api.SettleResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &settle))
	assert.True(t, settle.Payout.Equal(d("7")))
	assert.Equal(t, model.Address("bob"), settle.Winner)
	assert.Equal(t, model.PhaseSettled, settle.Auction.Phase)

	w = e.do(t, "POST", "/api/v1/auctions/"+id+"/refund", "alice", api.RefundRequest{Bidder: "alice"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var refund api.RefundResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &refund))
	assert.True(t, refund.Refunded.Equal(d("5")))

	w = e.do(t, "POST", "/api/v1/auctions/"+id+"/refund", "bob", api.RefundRequest{Bidder: "bob"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &refund))
	assert.True(t, refund.Refunded.IsZero())
	assert.True(t, refund.Winner)

	w = e.do(t, "POST", "/api/v1/auctions/"+id+"/refund", "alice", api.RefundRequest{Bidder: "alice"})
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, "NoSuchBid", errorCode(t, w))

	w = e.do(t, "GET", "/api/v1/accounts/seller", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var acct api.AccountView
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &acct))
	assert.EqualValues(t, 7_000_000_000, acct.Balance)
	assert.True(t, acct.Coins.Equal(d("7")))

	w = e.do(t, "GET", "/api/v1/auctions/"+id+"/audit", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var report escrow.Report
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &report))
	assert.True(t, report.Balanced)
	assert.Zero(t, report.Balance)

	w = e.do(t, "GET", "/api/v1/auctions/"+id+"/ledger", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var entries []model.LedgerEntry
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &entries))
	// alice deposit, bob deposit, bob raise, payout, alice refund
	assert.Len(t, entries, 5)
}

// --- Status mapping ---

func TestMissingCallerIdentity(t *testing.T) {
	e := newTestEnv(t)
	w := e.do(t, "POST", "/api/v1/auctions", "", api.InitializeRequest{Seller: "seller", DurationSeconds: 10})
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Equal(t, "unauthenticated", errorCode(t, w))
}

func TestInitialize_Rejections(t *testing.T) {
	e := newTestEnv(t)

	w := e.do(t, "POST", "/api/v1/auctions", "mallory", api.InitializeRequest{Seller: "seller", DurationSeconds: 10})
	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.Equal(t, "Unauthorized", errorCode(t, w))

	w = e.do(t, "POST", "/api/v1/auctions", "seller", api.InitializeRequest{Seller: "seller", DurationSeconds: 0})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "InvalidDuration", errorCode(t, w))

	w = e.do(t, "POST", "/api/v1/auctions", "seller", api.InitializeRequest{DurationSeconds: 10})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "invalid_request", errorCode(t, w))

	e.open(t, "seller", 10)
	w = e.do(t, "POST", "/api/v1/auctions", "seller", api.InitializeRequest{Seller: "seller", DurationSeconds: 10})
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, "AlreadyExists", errorCode(t, w))
}

func TestPlaceBid_Rejections(t *testing.T) {
	e := newTestEnv(t)
	e.airdrop(t, "alice", "1")
	id := string(e.open(t, "seller", 100).ID)

	w := e.bid(t, id, "alice", "2")
	assert.Equal(t, http.StatusPaymentRequired, w.Code)
	assert.Equal(t, "TransferFailed", errorCode(t, w))

	w = e.bid(t, id, "alice", "0.0000000001")
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = e.bid(t, id, "alice", "-1")
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = e.bid(t, id, "alice", "0")
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "InvalidAmount", errorCode(t, w))

	w = e.bid(t, "unknown", "alice", "1")
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, "NoSuchAuction", errorCode(t, w))

	req := httptest.NewRequest("POST", "/api/v1/auctions/"+id+"/bids", strings.NewReader("{not json"))
	req.Header.Set(api.CallerHeader, "alice")
	rec := httptest.NewRecorder()
	e.router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	w = e.bid(t, id, "alice", "0.5")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	w = e.bid(t, id, "alice", "0.5")
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, "BidNotRaised", errorCode(t, w))
}

func TestSettle_BeforeDeadline(t *testing.T) {
	e := newTestEnv(t)
	id := string(e.open(t, "seller", 100).ID)

	w := e.do(t, "POST", "/api/v1/auctions/"+id+"/settle", "seller", nil)
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, "AuctionStillActive", errorCode(t, w))

	w = e.do(t, "POST", "/api/v1/auctions/"+id+"/refund", "alice", api.RefundRequest{Bidder: "alice"})
	assert.Equal(t, http.StatusConflict, w.Code)
}

func TestGetAuction_NotFound(t *testing.T) {
	e := newTestEnv(t)
	w := e.do(t, "GET", "/api/v1/auctions/nope", "", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = e.do(t, "GET", "/api/v1/auctions/nope/audit", "", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestListAuctions_Filters(t *testing.T) {
	e := newTestEnv(t)
	e.open(t, "s1", 10)
	e.open(t, "s2", 1000)
	e.clock.Set(t0.Add(20 * time.Second))

	w := e.do(t, "GET", "/api/v1/auctions", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var views []api.AuctionView
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &views))
	assert.Len(t, views, 2)

	w = e.do(t, "GET", "/api/v1/auctions?phase=open", "", nil)
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &views))
	require.Len(t, views, 1)
	assert.Equal(t, model.Address("s2"), views[0].Seller)

	w = e.do(t, "GET", "/api/v1/auctions?seller=s1", "", nil)
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &views))
	require.Len(t, views, 1)
	assert.Equal(t, model.PhaseExpired, views[0].Phase)
}

func TestAirdropDisabled(t *testing.T) {
	ms := store.NewMemoryStore()
	svc := api.NewService(auction.NewController(ms, nil), ms, nil, false)
	r := chi.NewRouter()
	r.Route("/api/v1", svc.Routes)

	body, _ := json.Marshal(api.AirdropRequest{Amount: d("1")})
	req := httptest.NewRequest("POST", "/api/v1/accounts/alice/airdrop", bytes.NewReader(body))
	req.Header.Set(api.CallerHeader, "alice")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestAirdrop_RefusesTreasury(t *testing.T) {
	e := newTestEnv(t)
	view := e.open(t, "seller", 100)

	treasury := string(view.Treasury)
	w := e.do(t, "POST", "/api/v1/accounts/"+treasury+"/airdrop", "mallory", api.AirdropRequest{Amount: d("1")})
	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.Equal(t, auction.ErrUnauthorized.Code, errorCode(t, w))

	bal, err := e.ms.GetBalance(context.Background(), view.Treasury)
	require.NoError(t, err)
	assert.Zero(t, bal)
}

func TestStatusFor(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{auction.ErrUnauthorized, http.StatusForbidden},
		{auction.ErrAuctionStillActive, http.StatusConflict},
		{auction.ErrAlreadyClaimedPrize, http.StatusConflict},
		{auction.ErrNoSuchAuction, http.StatusNotFound},
		{auction.ErrNoSuchBid, http.StatusNotFound},
		{auction.ErrInvalidDuration, http.StatusBadRequest},
		{auction.ErrTransferFailed, http.StatusPaymentRequired},
		{auction.ErrTreasuryInsufficientFunds, http.StatusInternalServerError},
		{auction.ErrLedgerInconsistent, http.StatusInternalServerError},
		{context.Canceled, http.StatusInternalServerError},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, api.StatusFor(tc.err), "%v", tc.err)
	}
}

// --- WebSocket ---

func TestWebSocketBroadcast(t *testing.T) {
	e := newTestEnv(t)
	srv := httptest.NewServer(e.router)
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/v1/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.Eventually(t, func() bool { return e.hub.Clients() == 1 }, 2*time.Second, 10*time.Millisecond)

	view := e.open(t, "seller", 100)

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var msg api.WSMessage
	require.NoError(t, conn.ReadJSON(&msg))
	assert.Equal(t, api.EventAuctionInitialized, msg.Type)
	assert.Equal(t, string(view.ID), msg.AuctionID)
	assert.Equal(t, "seller", msg.Actor)
	assert.Equal(t, view.Deadline, msg.Deadline)
}

type fixedAuth model.Address

func (f fixedAuth) Authenticate(*http.Request) (model.Address, error) {
	return model.Address(f), nil
}

func TestCustomAuthenticator(t *testing.T) {
	ms := store.NewMemoryStore()
	svc := api.NewService(auction.NewController(ms, nil), ms, nil, false)
	svc.SetAuthenticator(fixedAuth("seller"))
	r := chi.NewRouter()
	r.Route("/api/v1", svc.Routes)

	body, _ := json.Marshal(api.InitializeRequest{Seller: "seller", DurationSeconds: 60})
	req := httptest.NewRequest("POST", "/api/v1/auctions", bytes.NewReader(body))
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusCreated, w.Code, w.Body.String())
}
