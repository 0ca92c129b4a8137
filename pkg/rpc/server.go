package rpc

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"

	"github.com/rs/zerolog/log"

	"shieldrelay/pkg/relayer"
	"shieldrelay/pkg/store"
)

// Server is the relayer's JSON-RPC surface: intent submission and
// receipt/quote queries.
type Server struct {
	relayer *relayer.Relayer
	store   *store.Store
	port    int
	server  *http.Server
	mu      sync.RWMutex
}

// JSONRPCRequest represents a JSON-RPC request
type JSONRPCRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params"`
	ID      interface{}     `json:"id"`
}

// JSONRPCResponse represents a JSON-RPC response
type JSONRPCResponse struct {
	JSONRPC string        `json:"jsonrpc"`
	Result  interface{}   `json:"result,omitempty"`
	Error   *JSONRPCError `json:"error,omitempty"`
	ID      interface{}   `json:"id"`
}

// JSONRPCError represents a JSON-RPC error
type JSONRPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// NewServer creates a new RPC server
func NewServer(rel *relayer.Relayer, st *store.Store, port int) *Server {
	return &Server{
		relayer: rel,
		store:   st,
		port:    port,
	}
}

// Start starts the RPC server
func (s *Server) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	mux := http.NewServeMux()
	mux.HandleFunc("/", s.handleRPC)

	addr := fmt.Sprintf(":%d", s.port)
	s.server = &http.Server{
		Addr:    addr,
		Handler: mux,
	}

	go func() {
		log.Info().Int("port", s.port).Msg("Starting RPC server")
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("RPC server error")
		}
	}()

	return nil
}

// Stop stops the RPC server
func (s *Server) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.server != nil {
		log.Info().Msg("Stopping RPC server")
		return s.server.Close()
	}
	return nil
}

// handleRPC handles JSON-RPC requests
func (s *Server) handleRPC(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req JSONRPCRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, &req, -32700, "Parse error")
		return
	}

	w.Header().Set("Content-Type", "application/json")

	switch req.Method {
	case "relay_sendIntent":
		s.handleSendIntent(w, &req)
	case "relay_getReceipt":
		s.handleGetReceipt(w, &req)
	case "relay_getReceiptsByUser":
		s.handleGetReceiptsByUser(w, &req)
	case "relay_getQuote":
		s.handleGetQuote(w, &req)
	default:
		writeError(w, &req, -32601, "Method not found")
	}
}

// handleSendIntent accepts a signed intent and runs the pipeline in the
// background. The intent id is returned immediately; the receipt is
// queryable once the pipeline finishes.
func (s *Server) handleSendIntent(w http.ResponseWriter, req *JSONRPCRequest) {
	var params []relayer.IntentRequest
	if err := json.Unmarshal(req.Params, &params); err != nil || len(params) < 1 {
		writeError(w, req, -32602, "Invalid params")
		return
	}
	intent := params[0]

	payload, err := json.Marshal(&intent.Transition)
	if err != nil {
		writeError(w, req, -32602, "Invalid transition")
		return
	}
	intentID := store.IntentID(string(intent.Kind), strings.ToLower(intent.Sender), payload)

	go func() {
		if _, err := s.relayer.Process(context.Background(), &intent); err != nil {
			log.Error().Err(err).Str("intent_id", intentID).Msg("Pipeline failed")
		}
	}()

	writeResult(w, req, map[string]interface{}{"intentId": intentID})
}

// handleGetReceipt handles the relay_getReceipt method
func (s *Server) handleGetReceipt(w http.ResponseWriter, req *JSONRPCRequest) {
	var params []string
	if err := json.Unmarshal(req.Params, &params); err != nil || len(params) < 1 {
		writeError(w, req, -32602, "Invalid params")
		return
	}

	receipt, err := s.store.GetReceipt(params[0])
	if err != nil {
		if store.ErrNotFound(err) {
			writeError(w, req, -32001, "Receipt not found")
			return
		}
		writeError(w, req, -32603, fmt.Sprintf("Internal error: %v", err))
		return
	}
	writeResult(w, req, receipt)
}

// handleGetReceiptsByUser handles the relay_getReceiptsByUser method
func (s *Server) handleGetReceiptsByUser(w http.ResponseWriter, req *JSONRPCRequest) {
	var params []string
	if err := json.Unmarshal(req.Params, &params); err != nil || len(params) < 1 {
		writeError(w, req, -32602, "Invalid params")
		return
	}

	receipts, err := s.store.ReceiptsByUser(params[0])
	if err != nil {
		writeError(w, req, -32603, fmt.Sprintf("Internal error: %v", err))
		return
	}
	writeResult(w, req, receipts)
}

// handleGetQuote handles the relay_getQuote method
func (s *Server) handleGetQuote(w http.ResponseWriter, req *JSONRPCRequest) {
	var params []string
	if err := json.Unmarshal(req.Params, &params); err != nil || len(params) < 1 {
		writeError(w, req, -32602, "Invalid params")
		return
	}

	quote, err := s.store.GetQuote(params[0])
	if err != nil {
		if store.ErrNotFound(err) {
			writeError(w, req, -32001, "Quote not found")
			return
		}
		writeError(w, req, -32603, fmt.Sprintf("Internal error: %v", err))
		return
	}
	writeResult(w, req, quote)
}

// writeResult writes a JSON-RPC result response
func writeResult(w http.ResponseWriter, req *JSONRPCRequest, result interface{}) {
	response := JSONRPCResponse{
		JSONRPC: "2.0",
		Result:  result,
		ID:      req.ID,
	}
	if err := json.NewEncoder(w).Encode(response); err != nil {
		log.Error().Err(err).Msg("Failed to encode response")
	}
}

// writeError writes a JSON-RPC error response
func writeError(w http.ResponseWriter, req *JSONRPCRequest, code int, message string) {
	response := JSONRPCResponse{
		JSONRPC: "2.0",
		Error: &JSONRPCError{
			Code:    code,
			Message: message,
		},
		ID: req.ID,
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(response); err != nil {
		log.Error().Err(err).Msg("Failed to encode error response")
	}
}
