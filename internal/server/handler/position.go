package handler

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/alanyoungcy/cfoagent/internal/domain"
)

// LedgerReader is the read side of the ledger the API exposes.
type LedgerReader interface {
	GetOpenPositions(ctx context.Context, strategy domain.Strategy) ([]domain.Position, error)
	GetPosition(ctx context.Context, id string) (domain.Position, error)
	GetRecentTransactions(ctx context.Context, limit int) ([]domain.Transaction, error)
}

// LedgerHandler serves positions and transactions.
type LedgerHandler struct {
	ledger LedgerReader
	logger *slog.Logger
}

func NewLedgerHandler(ledger LedgerReader, logger *slog.Logger) *LedgerHandler {
	return &LedgerHandler{ledger: ledger, logger: logger}
}

// ListPositions returns open positions, optionally for one strategy.
// GET /api/positions?strategy=liquid_staking
func (h *LedgerHandler) ListPositions(w http.ResponseWriter, r *http.Request) {
	strategy := domain.Strategy(r.URL.Query().Get("strategy"))
	if strategy != "" && !strategy.Valid() {
		writeError(w, http.StatusBadRequest, "unknown strategy")
		return
	}
	positions, err := h.ledger.GetOpenPositions(r.Context(), strategy)
	if err != nil {
		h.logger.ErrorContext(r.Context(), "handler: list positions failed", slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "failed to list positions")
		return
	}
	if positions == nil {
		positions = []domain.Position{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"positions": positions})
}

// GetPosition GET /api/positions/{id}
func (h *LedgerHandler) GetPosition(w http.ResponseWriter, r *http.Request) {
	pos, err := h.ledger.GetPosition(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, pos)
}

// ListTransactions GET /api/transactions?limit=50
func (h *LedgerHandler) ListTransactions(w http.ResponseWriter, r *http.Request) {
	txs, err := h.ledger.GetRecentTransactions(r.Context(), parseLimit(r))
	if err != nil {
		h.logger.ErrorContext(r.Context(), "handler: list transactions failed", slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "failed to list transactions")
		return
	}
	if txs == nil {
		txs = []domain.Transaction{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"transactions": txs})
}
