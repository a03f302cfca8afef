package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"
	"go.uber.org/zap"

	"github.com/uhyunpark/hyperescrow/pkg/app/core/asset"
	"github.com/uhyunpark/hyperescrow/pkg/app/core/bank"
	"github.com/uhyunpark/hyperescrow/pkg/app/core/escrow"
	"github.com/uhyunpark/hyperescrow/pkg/app/core/market"
	"github.com/uhyunpark/hyperescrow/pkg/app/core/matching"
	"github.com/uhyunpark/hyperescrow/pkg/app/spot"
	"github.com/uhyunpark/hyperescrow/pkg/crypto"
)

const (
	maxBodyBytes     = 1 << 16
	defaultFillLimit = 100
	shutdownTimeout  = 5 * time.Second
)

var (
	errBadRequest = errors.New("bad request")
	errStaleNonce = errors.New("stale nonce")
	errWrongScope = errors.New("payload signed for another request")
)

type Config struct {
	Addr              string
	RequireSignatures bool
	AllowedOrigins    []string
	Faucet            bool
}

// Server handles REST API and WebSocket connections
type Server struct {
	app     *spot.App
	cfg     Config
	logger  *zap.Logger
	router  *mux.Router
	hub     *Hub
	metrics http.Handler

	mu     sync.Mutex
	nonces map[common.Address]uint64 // last accepted nonce per trader
}

// NewServer builds the API over app. Metrics are served from gatherer when
// it is not nil.
func NewServer(app *spot.App, cfg Config, gatherer prometheus.Gatherer, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		app:    app,
		cfg:    cfg,
		logger: logger,
		router: mux.NewRouter(),
		hub:    NewHub(logger.Named("ws")),
		nonces: make(map[common.Address]uint64),
	}
	if gatherer != nil {
		s.metrics = promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
	}
	s.setupRoutes()
	return s
}

// Hub returns the websocket hub. Subscribe it to the app to stream events.
func (s *Server) Hub() *Hub {
	return s.hub
}

func (s *Server) setupRoutes() {
	api := s.router.PathPrefix("/api/v1").Subrouter()

	// Market endpoints
	api.HandleFunc("/markets", s.handleGetMarkets).Methods("GET")
	api.HandleFunc("/markets/{market}", s.handleGetMarket).Methods("GET")
	api.HandleFunc("/markets/{market}/orderbook", s.handleGetOrderbook).Methods("GET")
	api.HandleFunc("/markets/{market}/fills", s.handleGetFills).Methods("GET")
	api.HandleFunc("/markets/{market}/orders", s.handleGetOrders).Methods("GET")
	api.HandleFunc("/markets/{market}/vaults/{trader}", s.handleGetVault).Methods("GET")

	// Account endpoints
	api.HandleFunc("/accounts/{trader}/balances/{asset}", s.handleGetBalance).Methods("GET")
	api.HandleFunc("/state", s.handleGetState).Methods("GET")

	// Signed requests
	api.HandleFunc("/markets/{market}/traders", s.handleRegisterTrader).Methods("POST")
	api.HandleFunc("/markets/{market}/orders", s.handlePlaceOrder).Methods("POST")
	api.HandleFunc("/markets/{market}/orders/cancel", s.handleCancelOrder).Methods("POST")
	api.HandleFunc("/markets/{market}/orders/decrease", s.handleDecreaseOrder).Methods("POST")
	api.HandleFunc("/markets/{market}/orders/replace", s.handleReplaceOrder).Methods("POST")
	if s.cfg.Faucet {
		api.HandleFunc("/accounts/{trader}/mint", s.handleMint).Methods("POST")
	}

	s.router.HandleFunc("/ws", s.handleWebSocket)
	s.router.HandleFunc("/health", s.handleHealth).Methods("GET")
	if s.metrics != nil {
		s.router.Handle("/metrics", s.metrics).Methods("GET")
	}
}

// Handler returns the router wrapped in the CORS policy.
func (s *Server) Handler() http.Handler {
	c := cors.New(cors.Options{
		AllowedOrigins:   s.cfg.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Content-Type", "Authorization"},
		AllowCredentials: true,
	})
	return c.Handler(s.router)
}

// Run serves until ctx is done, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	hubCtx, stopHub := context.WithCancel(ctx)
	defer stopHub()
	go s.hub.Run(hubCtx)

	srv := &http.Server{
		Addr:              s.cfg.Addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errc := make(chan error, 1)
	go func() {
		s.logger.Info("api_listening", zap.String("addr", s.cfg.Addr))
		errc <- srv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	s.logger.Info("api_stopped")
	return nil
}

// ==============================
// REST Handlers
// ==============================

func (s *Server) handleGetMarkets(w http.ResponseWriter, r *http.Request) {
	markets := s.app.Markets()
	response := make([]MarketInfo, len(markets))
	for i, m := range markets {
		response[i] = marketInfo(m)
	}
	respondJSON(w, response)
}

func (s *Server) handleGetMarket(w http.ResponseWriter, r *http.Request) {
	addr, ok := pathAddress(w, r, "market")
	if !ok {
		return
	}
	m, err := s.app.Market(addr)
	if err != nil {
		s.respondErr(w, err)
		return
	}
	respondJSON(w, marketInfo(m))
}

func (s *Server) handleGetOrderbook(w http.ResponseWriter, r *http.Request) {
	addr, ok := pathAddress(w, r, "market")
	if !ok {
		return
	}
	depth, err := s.app.Book(addr)
	if err != nil {
		s.respondErr(w, err)
		return
	}
	respondJSON(w, OrderbookSnapshot{
		Market:    addr.Hex(),
		Bids:      priceLevels(depth.Bids),
		Asks:      priceLevels(depth.Asks),
		LastPrice: depth.LastPrice,
		Timestamp: time.Now().UnixMilli(),
	})
}

func (s *Server) handleGetFills(w http.ResponseWriter, r *http.Request) {
	addr, ok := pathAddress(w, r, "market")
	if !ok {
		return
	}
	limit := defaultFillLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			respondError(w, http.StatusBadRequest, "invalid limit", v)
			return
		}
		limit = n
	}
	fills, err := s.app.RecentFills(addr, limit)
	if err != nil {
		s.respondErr(w, err)
		return
	}
	respondJSON(w, fillInfos(fills))
}

func (s *Server) handleGetOrders(w http.ResponseWriter, r *http.Request) {
	addr, ok := pathAddress(w, r, "market")
	if !ok {
		return
	}
	var trader common.Address
	if v := r.URL.Query().Get("trader"); v != "" {
		if !common.IsHexAddress(v) {
			respondError(w, http.StatusBadRequest, "invalid trader", v)
			return
		}
		trader = common.HexToAddress(v)
	}
	orders, err := s.app.OpenOrders(addr, trader)
	if err != nil {
		s.respondErr(w, err)
		return
	}
	response := make([]OrderInfo, len(orders))
	for i, o := range orders {
		response[i] = orderInfo(o)
	}
	respondJSON(w, response)
}

func (s *Server) handleGetVault(w http.ResponseWriter, r *http.Request) {
	addr, ok := pathAddress(w, r, "market")
	if !ok {
		return
	}
	trader, ok := pathAddress(w, r, "trader")
	if !ok {
		return
	}
	v, err := s.app.Vault(addr, trader)
	if err != nil {
		s.respondErr(w, err)
		return
	}
	respondJSON(w, VaultInfo{Market: addr.Hex(), Trader: trader.Hex(), Base: v.Base, Quote: v.Quote})
}

func (s *Server) handleGetBalance(w http.ResponseWriter, r *http.Request) {
	trader, ok := pathAddress(w, r, "trader")
	if !ok {
		return
	}
	id := asset.ID(mux.Vars(r)["asset"])
	respondJSON(w, BalanceInfo{
		Trader:     trader.Hex(),
		Asset:      string(id),
		Amount:     s.app.Balance(trader, id),
		Registered: s.app.IsRegistered(trader, id),
	})
}

func (s *Server) handleGetState(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, StateInfo{
		Hash:    s.app.StateHash().Hex(),
		Markets: len(s.app.Markets()),
	})
}

func (s *Server) handleRegisterTrader(w http.ResponseWriter, r *http.Request) {
	addr, ok := pathAddress(w, r, "market")
	if !ok {
		return
	}
	var req RegisterTraderRequest
	trader, err := s.decodeSigned(r, &req, &req.Auth, ActionRegister, addr)
	if err != nil {
		s.respondErr(w, err)
		return
	}
	if err := s.app.RegisterTrader(r.Context(), addr, trader); err != nil {
		s.respondErr(w, err)
		return
	}
	respondJSON(w, StatusResponse{Status: "registered"})
}

func (s *Server) handlePlaceOrder(w http.ResponseWriter, r *http.Request) {
	addr, ok := pathAddress(w, r, "market")
	if !ok {
		return
	}
	var req PlaceOrderRequest
	trader, err := s.decodeSigned(r, &req, &req.Auth, ActionPlace, addr)
	if err != nil {
		s.respondErr(w, err)
		return
	}
	isBid, err := parseSide(req.Side)
	if err != nil {
		s.respondErr(w, err)
		return
	}

	res, err := s.app.PlaceOrder(r.Context(), spot.PlaceRequest{
		Market:   addr,
		Trader:   trader,
		Price:    req.Price,
		Size:     req.Size,
		IsBid:    isBid,
		ClientID: req.ClientID,
	})
	if err != nil {
		s.respondErr(w, err)
		return
	}
	s.logger.Info("order_placed",
		zap.String("market", addr.Hex()),
		zap.String("trader", trader.Hex()),
		zap.Uint64("order_id", res.OrderID),
		zap.Uint64("filled", res.Filled),
		zap.Bool("resting", res.Resting))
	respondJSON(w, placeOrderResponse(res))
}

func (s *Server) handleCancelOrder(w http.ResponseWriter, r *http.Request) {
	addr, ok := pathAddress(w, r, "market")
	if !ok {
		return
	}
	var req CancelOrderRequest
	trader, err := s.decodeSigned(r, &req, &req.Auth, ActionCancel, addr)
	if err != nil {
		s.respondErr(w, err)
		return
	}
	if err := s.app.CancelOrder(r.Context(), addr, trader, req.ClientID); err != nil {
		s.respondErr(w, err)
		return
	}
	respondJSON(w, StatusResponse{Status: "cancelled"})
}

func (s *Server) handleDecreaseOrder(w http.ResponseWriter, r *http.Request) {
	addr, ok := pathAddress(w, r, "market")
	if !ok {
		return
	}
	var req DecreaseOrderRequest
	trader, err := s.decodeSigned(r, &req, &req.Auth, ActionDecrease, addr)
	if err != nil {
		s.respondErr(w, err)
		return
	}
	if err := s.app.DecreaseOrder(r.Context(), addr, trader, req.ClientID, req.Delta); err != nil {
		s.respondErr(w, err)
		return
	}
	respondJSON(w, StatusResponse{Status: "decreased"})
}

func (s *Server) handleReplaceOrder(w http.ResponseWriter, r *http.Request) {
	addr, ok := pathAddress(w, r, "market")
	if !ok {
		return
	}
	var req ReplaceOrderRequest
	trader, err := s.decodeSigned(r, &req, &req.Auth, ActionReplace, addr)
	if err != nil {
		s.respondErr(w, err)
		return
	}
	isBid, err := parseSide(req.Side)
	if err != nil {
		s.respondErr(w, err)
		return
	}
	res, err := s.app.ReplaceOrder(r.Context(), addr, trader, req.ClientID, req.Price, req.Size, isBid)
	if err != nil {
		s.respondErr(w, err)
		return
	}
	respondJSON(w, placeOrderResponse(res))
}

func (s *Server) handleMint(w http.ResponseWriter, r *http.Request) {
	target, ok := pathAddress(w, r, "trader")
	if !ok {
		return
	}
	var req MintRequest
	trader, err := s.decodeSigned(r, &req, &req.Auth, ActionMint, common.Address{})
	if err != nil {
		s.respondErr(w, err)
		return
	}
	if trader != target {
		s.respondErr(w, fmt.Errorf("%w: payload trader %s does not match path", errBadRequest, trader.Hex()))
		return
	}
	if err := s.app.Mint(r.Context(), trader, asset.ID(req.Asset), req.Amount); err != nil {
		s.respondErr(w, err)
		return
	}
	respondJSON(w, BalanceInfo{
		Trader:     trader.Hex(),
		Asset:      req.Asset,
		Amount:     s.app.Balance(trader, asset.ID(req.Asset)),
		Registered: true,
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, StatusResponse{Status: "ok"})
}

// ==============================
// Signed requests
// ==============================

// decodeSigned reads a signed envelope, decodes its payload into dst and
// returns the authenticated trader. auth must point into dst. A signed
// payload must name the route's action and market; the zero market means
// the route has none.
func (s *Server) decodeSigned(r *http.Request, dst interface{}, auth *Auth, action string, marketAddr common.Address) (common.Address, error) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		return common.Address{}, fmt.Errorf("%w: read body: %v", errBadRequest, err)
	}
	var env SignedRequest
	if err := json.Unmarshal(body, &env); err != nil {
		return common.Address{}, fmt.Errorf("%w: %v", errBadRequest, err)
	}
	if len(env.Payload) == 0 {
		return common.Address{}, fmt.Errorf("%w: missing payload", errBadRequest)
	}
	if err := json.Unmarshal(env.Payload, dst); err != nil {
		return common.Address{}, fmt.Errorf("%w: payload: %v", errBadRequest, err)
	}
	if !common.IsHexAddress(auth.Trader) {
		return common.Address{}, fmt.Errorf("%w: invalid trader %q", errBadRequest, auth.Trader)
	}
	trader := common.HexToAddress(auth.Trader)
	if !s.cfg.RequireSignatures {
		return trader, nil
	}

	if err := crypto.VerifyPayload(trader, env.Payload, env.Signature); err != nil {
		return common.Address{}, err
	}
	if err := checkScope(auth, action, marketAddr); err != nil {
		return common.Address{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if auth.Nonce <= s.nonces[trader] {
		return common.Address{}, fmt.Errorf("%w: got %d, last %d", errStaleNonce, auth.Nonce, s.nonces[trader])
	}
	s.nonces[trader] = auth.Nonce
	return trader, nil
}

func checkScope(auth *Auth, action string, marketAddr common.Address) error {
	if auth.Action != action {
		return fmt.Errorf("%w: action %q, route %q", errWrongScope, auth.Action, action)
	}
	if marketAddr == (common.Address{}) {
		if auth.Market != "" {
			return fmt.Errorf("%w: market %s on an account route", errWrongScope, auth.Market)
		}
		return nil
	}
	if !common.IsHexAddress(auth.Market) || common.HexToAddress(auth.Market) != marketAddr {
		return fmt.Errorf("%w: market %q, route %s", errWrongScope, auth.Market, marketAddr.Hex())
	}
	return nil
}

func parseSide(v string) (bool, error) {
	switch v {
	case "buy":
		return true, nil
	case "sell":
		return false, nil
	}
	return false, fmt.Errorf("%w: side must be buy or sell, got %q", errBadRequest, v)
}

func pathAddress(w http.ResponseWriter, r *http.Request, name string) (common.Address, bool) {
	v := mux.Vars(r)[name]
	if !common.IsHexAddress(v) {
		respondError(w, http.StatusBadRequest, "invalid "+name, v)
		return common.Address{}, false
	}
	return common.HexToAddress(v), true
}

// ==============================
// Helpers
// ==============================

// statusFor maps domain errors to HTTP status codes.
func statusFor(err error) (int, string) {
	switch {
	case errors.Is(err, market.ErrMarketNotFound):
		return http.StatusNotFound, "market not found"
	case errors.Is(err, spot.ErrOrderNotFound), errors.Is(err, matching.ErrOrderNotFound):
		return http.StatusNotFound, "order not found"
	case errors.Is(err, market.ErrConflictingMarket):
		return http.StatusConflict, "conflicting market"
	case errors.Is(err, matching.ErrDuplicateClientID):
		return http.StatusConflict, "duplicate client id"
	case errors.Is(err, crypto.ErrInvalidSignature), errors.Is(err, crypto.ErrSignerMismatch):
		return http.StatusUnauthorized, "invalid signature"
	case errors.Is(err, errStaleNonce):
		return http.StatusUnauthorized, "stale nonce"
	case errors.Is(err, errWrongScope):
		return http.StatusUnauthorized, "wrong scope"
	case errors.Is(err, spot.ErrPreCancelled):
		return http.StatusConflict, "client id pre-cancelled"
	case errors.Is(err, bank.ErrInsufficientBalance):
		return http.StatusUnprocessableEntity, "insufficient balance"
	case errors.Is(err, escrow.ErrInsufficientEscrow):
		return http.StatusUnprocessableEntity, "insufficient escrow"
	case errors.Is(err, bank.ErrNotRegistered):
		return http.StatusUnprocessableEntity, "not registered"
	case errors.Is(err, errBadRequest),
		errors.Is(err, spot.ErrInvalidOrderSize),
		errors.Is(err, spot.ErrInvalidAsset),
		errors.Is(err, market.ErrInvalidMarket),
		errors.Is(err, market.ErrPriceOverflow),
		errors.Is(err, matching.ErrInvalidResize),
		errors.Is(err, matching.ErrOrderRejected),
		errors.Is(err, bank.ErrSupplyOverflow):
		return http.StatusBadRequest, "invalid request"
	}
	return http.StatusInternalServerError, "internal error"
}

func (s *Server) respondErr(w http.ResponseWriter, err error) {
	status, kind := statusFor(err)
	if status == http.StatusInternalServerError {
		s.logger.Error("request_failed", zap.Error(err))
	}
	respondError(w, status, kind, err.Error())
}

func respondJSON(w http.ResponseWriter, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, error string, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(ErrorResponse{
		Error:   error,
		Message: message,
	})
}
