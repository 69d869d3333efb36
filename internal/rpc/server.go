// Package rpc provides the JSON-RPC 2.0 server of the swap daemon.
package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/klingon-exchange/lnswap/internal/events"
	"github.com/klingon-exchange/lnswap/internal/lightning"
	"github.com/klingon-exchange/lnswap/internal/storage"
	"github.com/klingon-exchange/lnswap/internal/swap"
	"github.com/klingon-exchange/lnswap/internal/txfactory"
	"github.com/klingon-exchange/lnswap/pkg/logging"
)

// Service is the swap engine the server exposes.
type Service interface {
	CreateSwap(ctx context.Context, req *swap.CreateSwapRequest) (*storage.Swap, error)
	CreateReverseSwap(ctx context.Context, req *swap.CreateReverseSwapRequest) (*storage.ReverseSwap, error)
	GetSwap(id string) (*storage.Swap, error)
	GetReverseSwap(id string) (*storage.ReverseSwap, error)
	ListSwaps(limit int) ([]*storage.Swap, []*storage.ReverseSwap, error)
	Stats() ([]storage.StatusCount, error)
	DeriveKeys(currency string, index uint32) (*swap.DerivedKeys, error)
	SetPairTimeoutDelta(pairID string, delta, reverseDelta uint32) error
	Health() []swap.CurrencyHealth
	Bus() *events.Bus
}

var _ Service = (*swap.Manager)(nil)

// Server is a JSON-RPC 2.0 server.
type Server struct {
	swaps Service
	log   *logging.Logger
	wsHub *WSHub

	server      *http.Server
	listener    net.Listener
	unsubscribe func()

	handlers map[string]Handler
	mu       sync.RWMutex
}

// Handler is a JSON-RPC method handler.
type Handler func(ctx context.Context, params json.RawMessage) (interface{}, error)

// Request represents a JSON-RPC 2.0 request.
type Request struct {
	JSONRPC string          `json:"jsonrpc"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
	ID      interface{}     `json:"id,omitempty"`
}

// Response represents a JSON-RPC 2.0 response.
type Response struct {
	JSONRPC string      `json:"jsonrpc"`
	Result  interface{} `json:"result,omitempty"`
	Error   *Error      `json:"error,omitempty"`
	ID      interface{} `json:"id"`
}

// Error represents a JSON-RPC 2.0 error.
type Error struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

// Standard error codes.
const (
	ParseError     = -32700
	InvalidRequest = -32600
	MethodNotFound = -32601
	InvalidParams  = -32602
	InternalError  = -32603
)

// Server error codes.
const (
	NotFound    = -32004
	Unavailable = -32005
)

// errInvalidParams marks malformed method parameters.
var errInvalidParams = errors.New("invalid params")

// NewServer creates a new JSON-RPC server.
func NewServer(swaps Service) *Server {
	s := &Server{
		swaps:    swaps,
		log:      logging.GetDefault().Component("rpc"),
		wsHub:    NewWSHub(),
		handlers: make(map[string]Handler),
	}
	s.registerHandlers()
	return s
}

// registerHandlers registers all JSON-RPC method handlers.
func (s *Server) registerHandlers() {
	// Swap methods
	s.handlers["swap_create"] = s.swapCreate
	s.handlers["swap_createReverse"] = s.swapCreateReverse
	s.handlers["swap_get"] = s.swapGet
	s.handlers["swap_getReverse"] = s.swapGetReverse
	s.handlers["swap_list"] = s.swapList
	s.handlers["swap_stats"] = s.swapStats

	// Operator methods
	s.handlers["keys_derive"] = s.keysDerive
	s.handlers["pair_setTimeoutDelta"] = s.pairSetTimeoutDelta
	s.handlers["chain_health"] = s.chainHealth
}

// Start starts the RPC server and the status stream.
func (s *Server) Start(addr string) error {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	s.listener = listener

	go s.wsHub.Run()
	s.unsubscribe = s.swaps.Bus().Subscribe(func(ev events.Event) {
		s.wsHub.Broadcast(EventSwapUpdate, newSwapUpdate(ev))
	})

	s.server = &http.Server{
		Handler:      s.Handler(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
	}

	go func() {
		if err := s.server.Serve(listener); err != nil && err != http.ErrServerClosed {
			s.log.Error("RPC server error", "error", err)
		}
	}()

	s.log.Info("RPC server started", "addr", listener.Addr().String(), "ws", "ws://"+listener.Addr().String()+"/ws")
	return nil
}

// Handler returns the HTTP handler serving JSON-RPC and /ws.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /", s.handleRPC)
	mux.HandleFunc("POST /{$}", s.handleRPC)
	mux.HandleFunc("OPTIONS /", s.handleCORS)
	mux.HandleFunc("OPTIONS /{$}", s.handleCORS)
	mux.HandleFunc("GET /ws", s.handleWS)
	mux.HandleFunc("GET /ws/", s.handleWS)
	return corsMiddleware(mux)
}

// Addr returns the listening address once started.
func (s *Server) Addr() string {
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Stop stops the RPC server.
func (s *Server) Stop() error {
	if s.unsubscribe != nil {
		s.unsubscribe()
	}
	s.wsHub.Stop()
	if s.server != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.server.Shutdown(ctx)
	}
	return nil
}

// WSHub returns the WebSocket hub.
func (s *Server) WSHub() *WSHub {
	return s.wsHub
}

// handleRPC handles incoming JSON-RPC requests.
func (s *Server) handleRPC(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, nil, ParseError, "Parse error", nil)
		return
	}

	if req.JSONRPC != "2.0" {
		s.writeError(w, req.ID, InvalidRequest, "Invalid Request", nil)
		return
	}

	s.mu.RLock()
	handler, ok := s.handlers[req.Method]
	s.mu.RUnlock()

	if !ok {
		s.writeError(w, req.ID, MethodNotFound, "Method not found", req.Method)
		return
	}

	result, err := handler(r.Context(), req.Params)
	if err != nil {
		code := errorCode(err)
		if code == InternalError {
			s.log.Warn("RPC method failed", "method", req.Method, "error", err)
		}
		s.writeError(w, req.ID, code, err.Error(), nil)
		return
	}

	s.writeResult(w, req.ID, result)
}

// errorCode maps engine errors to JSON-RPC codes.
func errorCode(err error) int {
	switch {
	case errors.Is(err, errInvalidParams),
		errors.Is(err, swap.ErrInvalidRequest),
		errors.Is(err, swap.ErrUnknownPair),
		errors.Is(err, swap.ErrUnknownCurrency),
		errors.Is(err, swap.ErrAmountTooLow),
		errors.Is(err, swap.ErrInvoiceExpired),
		errors.Is(err, lightning.ErrInvalidInvoice),
		errors.Is(err, txfactory.ErrUnsupportedChain):
		return InvalidParams
	case errors.Is(err, storage.ErrSwapNotFound):
		return NotFound
	case errors.Is(err, swap.ErrNotRunning),
		errors.Is(err, lightning.ErrNotConnected):
		return Unavailable
	default:
		return InternalError
	}
}

// writeResult writes a successful response.
func (s *Server) writeResult(w http.ResponseWriter, id interface{}, result interface{}) {
	resp := Response{
		JSONRPC: "2.0",
		Result:  result,
		ID:      id,
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

// writeError writes an error response.
func (s *Server) writeError(w http.ResponseWriter, id interface{}, code int, message string, data interface{}) {
	resp := Response{
		JSONRPC: "2.0",
		Error: &Error{
			Code:    code,
			Message: message,
			Data:    data,
		},
		ID: id,
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

// handleCORS handles CORS preflight requests.
func (s *Server) handleCORS(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusNoContent)
}

// corsMiddleware adds CORS headers to all responses.
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin == "" {
			origin = "*"
		}
		w.Header().Set("Access-Control-Allow-Origin", origin)
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		w.Header().Set("Access-Control-Max-Age", "86400")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		next.ServeHTTP(w, r)
	})
}
