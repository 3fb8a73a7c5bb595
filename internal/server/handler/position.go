package handler

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"trailstop/internal/domain"
	"trailstop/internal/service"
)

// PositionService defines the operations the position handler requires.
type PositionService interface {
	Create(ctx context.Context, spec service.CreateSpec) (string, error)
	Cancel(ctx context.Context, stateKey string) error
	Get(ctx context.Context, stateKey string) (domain.Position, error)
	ListActive(ctx context.Context) ([]domain.Position, error)
}

// PositionHandler serves the trailing-stop position endpoints.
type PositionHandler struct {
	positions PositionService
	logger    *slog.Logger
}

// NewPositionHandler creates a PositionHandler with the given service and logger.
func NewPositionHandler(positions PositionService, logger *slog.Logger) *PositionHandler {
	return &PositionHandler{
		positions: positions,
		logger:    logger,
	}
}

// createResponse wraps the create response.
type createResponse struct {
	StateKey string `json:"state_key"`
}

// listResponse wraps the list response.
type listResponse struct {
	Positions []domain.Position `json:"positions"`
}

// CreatePosition opens a new trailing stop.
// POST /api/positions
func (h *PositionHandler) CreatePosition(w http.ResponseWriter, r *http.Request) {
	var spec service.CreateSpec
	if err := json.NewDecoder(r.Body).Decode(&spec); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	stateKey, err := h.positions.Create(r.Context(), spec)
	if err != nil {
		if errors.Is(err, domain.ErrInvalidPosition) {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		h.logger.ErrorContext(r.Context(), "handler: create position failed",
			slog.String("symbol", spec.Symbol),
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "failed to create position")
		return
	}

	writeJSON(w, http.StatusCreated, createResponse{StateKey: stateKey})
}

// CancelPosition cancels a tracked position.
// DELETE /api/positions/{key}
func (h *PositionHandler) CancelPosition(w http.ResponseWriter, r *http.Request) {
	stateKey := r.PathValue("key")

	if err := h.positions.Cancel(r.Context(), stateKey); err != nil {
		switch {
		case errors.Is(err, domain.ErrNotFound):
			writeError(w, http.StatusNotFound, "position not found")
		case errors.Is(err, domain.ErrTerminal):
			writeError(w, http.StatusConflict, "position is already terminal")
		default:
			h.logger.ErrorContext(r.Context(), "handler: cancel position failed",
				slog.String("state_key", stateKey),
				slog.String("error", err.Error()),
			)
			writeError(w, http.StatusInternalServerError, "failed to cancel position")
		}
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"state_key": stateKey, "status": string(domain.StatusCancelled)})
}

// GetPosition returns a single position with its current state, including the
// error message for errored positions.
// GET /api/positions/{key}
func (h *PositionHandler) GetPosition(w http.ResponseWriter, r *http.Request) {
	stateKey := r.PathValue("key")

	pos, err := h.positions.Get(r.Context(), stateKey)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			writeError(w, http.StatusNotFound, "position not found")
			return
		}
		h.logger.ErrorContext(r.Context(), "handler: get position failed",
			slog.String("state_key", stateKey),
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "failed to get position")
		return
	}

	writeJSON(w, http.StatusOK, pos)
}

// ListPositions returns all positions that are still being monitored.
// GET /api/positions
func (h *PositionHandler) ListPositions(w http.ResponseWriter, r *http.Request) {
	positions, err := h.positions.ListActive(r.Context())
	if err != nil {
		h.logger.ErrorContext(r.Context(), "handler: list positions failed",
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "failed to list positions")
		return
	}

	if positions == nil {
		positions = []domain.Position{}
	}

	writeJSON(w, http.StatusOK, listResponse{Positions: positions})
}
