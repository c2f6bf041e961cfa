package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"KwrapLedger/internal/event"
	"KwrapLedger/internal/ingestion"
	"KwrapLedger/internal/projection"
	"KwrapLedger/internal/query"

	"github.com/gagliardetto/solana-go"
	"github.com/grpc-ecosystem/grpc-gateway/v2/runtime"
)

const (
	defaultLimit = 50
	maxLimit     = 500
	maxBodyBytes = 1 << 20
)

// Querier is the read side the routes serve. *query.QueryService
// implements it.
type Querier interface {
	GetAccount(ctx context.Context, address solana.PublicKey) (*query.AccountResponse, error)
	GetWithdrawable(ctx context.Context, address, obligation solana.PublicKey) (*query.WithdrawableResponse, error)
	GetAccountSyncs(ctx context.Context, address solana.PublicKey, limit int) []projection.SyncEntry
	GetJournalHistory(ctx context.Context, address solana.PublicKey, limit int, afterSequence *int64) ([]query.JournalHistoryEntry, error)
	GetBankMetrics(ctx context.Context, bank solana.PublicKey, recent int) (*query.BankMetricsResponse, error)
	GetStatus(ctx context.Context) (*query.StatusResponse, error)
	VerifyIntegrity(ctx context.Context) (*query.IntegrityReport, error)
}

// CommandSubmitter queues a JSON command. *ingestion.CommandIngestService
// implements it.
type CommandSubmitter interface {
	Submit(ctx context.Context, name string, data []byte) (event.Event, error)
}

type handlers struct {
	deps Deps
}

func registerRoutes(mux *runtime.ServeMux, h *handlers) error {
	routes := []struct {
		method  string
		pattern string
		fn      runtime.HandlerFunc
	}{
		{http.MethodGet, "/v1/accounts/{address}", h.getAccount},
		{http.MethodGet, "/v1/accounts/{address}/withdrawable/{obligation}", h.getWithdrawable},
		{http.MethodGet, "/v1/accounts/{address}/syncs", h.getAccountSyncs},
		{http.MethodGet, "/v1/accounts/{address}/journals", h.getJournals},
		{http.MethodGet, "/v1/banks/{bank}/metrics", h.getBankMetrics},
		{http.MethodGet, "/v1/status", h.getStatus},
		{http.MethodGet, "/v1/admin/integrity", h.verifyIntegrity},
		{http.MethodPost, "/v1/admin/rebuild-projections", h.rebuildProjections},
		{http.MethodPost, "/v1/commands/{type}", h.submitCommand},
	}
	for _, r := range routes {
		if err := mux.HandlePath(r.method, r.pattern, r.fn); err != nil {
			return fmt.Errorf("register %s %s: %w", r.method, r.pattern, err)
		}
	}
	return nil
}

func (h *handlers) getAccount(w http.ResponseWriter, r *http.Request, params map[string]string) {
	address, ok := pathKey(w, params, "address")
	if !ok {
		return
	}
	resp, err := h.deps.Query.GetAccount(r.Context(), address)
	respond(w, resp, err)
}

func (h *handlers) getWithdrawable(w http.ResponseWriter, r *http.Request, params map[string]string) {
	address, ok := pathKey(w, params, "address")
	if !ok {
		return
	}
	obligation, ok := pathKey(w, params, "obligation")
	if !ok {
		return
	}
	resp, err := h.deps.Query.GetWithdrawable(r.Context(), address, obligation)
	respond(w, resp, err)
}

func (h *handlers) getAccountSyncs(w http.ResponseWriter, r *http.Request, params map[string]string) {
	address, ok := pathKey(w, params, "address")
	if !ok {
		return
	}
	limit, ok := queryLimit(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"syncs": h.deps.Query.GetAccountSyncs(r.Context(), address, limit),
	})
}

func (h *handlers) getJournals(w http.ResponseWriter, r *http.Request, params map[string]string) {
	address, ok := pathKey(w, params, "address")
	if !ok {
		return
	}
	limit, ok := queryLimit(w, r)
	if !ok {
		return
	}
	var after *int64
	if s := r.URL.Query().Get("before_sequence"); s != "" {
		v, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid before_sequence")
			return
		}
		after = &v
	}
	entries, err := h.deps.Query.GetJournalHistory(r.Context(), address, limit, after)
	if err != nil {
		writeQueryError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"journals": entries})
}

func (h *handlers) getBankMetrics(w http.ResponseWriter, r *http.Request, params map[string]string) {
	bank, ok := pathKey(w, params, "bank")
	if !ok {
		return
	}
	limit, ok := queryLimit(w, r)
	if !ok {
		return
	}
	resp, err := h.deps.Query.GetBankMetrics(r.Context(), bank, limit)
	respond(w, resp, err)
}

func (h *handlers) getStatus(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	resp, err := h.deps.Query.GetStatus(r.Context())
	respond(w, resp, err)
}

func (h *handlers) verifyIntegrity(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	report, err := h.deps.Query.VerifyIntegrity(r.Context())
	respond(w, report, err)
}

func (h *handlers) rebuildProjections(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	if h.deps.Rebuild == nil {
		writeError(w, http.StatusServiceUnavailable, "rebuild not available")
		return
	}
	if err := h.deps.Rebuild(r.Context()); err != nil {
		writeError(w, http.StatusInternalServerError, fmt.Sprintf("rebuild failed: %v", err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"rebuilt": true})
}

func (h *handlers) submitCommand(w http.ResponseWriter, r *http.Request, params map[string]string) {
	if h.deps.Commands == nil {
		writeError(w, http.StatusServiceUnavailable, "command intake not available")
		return
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, "read body")
		return
	}

	evt, err := h.deps.Commands.Submit(r.Context(), params["type"], body)
	switch {
	case err == nil:
	case ingestion.IsPermanent(err):
		writeError(w, http.StatusBadRequest, err.Error())
		return
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		writeError(w, http.StatusServiceUnavailable, "command queue busy")
		return
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]interface{}{
		"accepted":   true,
		"command_id": evt.IdempotencyKey(),
		"event_type": evt.EventType().String(),
	})
}

func pathKey(w http.ResponseWriter, params map[string]string, name string) (solana.PublicKey, bool) {
	key, err := solana.PublicKeyFromBase58(params[name])
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid %s", name))
		return solana.PublicKey{}, false
	}
	return key, true
}

func queryLimit(w http.ResponseWriter, r *http.Request) (int, bool) {
	s := r.URL.Query().Get("limit")
	if s == "" {
		return defaultLimit, true
	}
	n, err := strconv.Atoi(s)
	if err != nil || n <= 0 {
		writeError(w, http.StatusBadRequest, "invalid limit")
		return 0, false
	}
	if n > maxLimit {
		n = maxLimit
	}
	return n, true
}

// StatusForError maps a query error to an HTTP status.
func StatusForError(err error) int {
	switch query.ErrorCode(err) {
	case "not_found":
		return http.StatusNotFound
	case "unavailable":
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func respond(w http.ResponseWriter, body interface{}, err error) {
	if err != nil {
		writeQueryError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, body)
}

func writeQueryError(w http.ResponseWriter, err error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(StatusForError(err))
	json.NewEncoder(w).Encode(map[string]string{
		"error": err.Error(),
		"code":  query.ErrorCode(err),
	})
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}
