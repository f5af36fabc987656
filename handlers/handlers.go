package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/gorilla/mux"
	"github.com/holiman/uint256"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"cron-keeper/errs"
	"cron-keeper/logger"
	"cron-keeper/models"
	"cron-keeper/treasury"
)

type Upkeep interface {
	Network() string
	Evaluate(ctx context.Context, checkData []byte) (bool, []byte, error)
	Execute(ctx context.Context, performData []byte) error
	Refill(ctx context.Context) (treasury.RefillResult, error)
}

type Rotation interface {
	Networks() []models.Network
	TotalWindow() uint64
	Leader(tick uint64) (string, bool)
	AddNetwork(name string, window uint64) error
	AddNetworkDefault(name string) error
	RemoveNetwork(name string) error
	SetWindow(name string, window uint64) error
}

type JobList interface {
	Handles() []common.Address
	IsDue(ctx context.Context, handle common.Address, network string) (bool, []byte, error)
}

type Treasury interface {
	Params() models.TreasuryParams
	SetParams(p models.TreasuryParams) error
	BufferSize(ctx context.Context) (*uint256.Int, error)
	ShouldRefill(ctx context.Context) (bool, error)
}

type EventLog interface {
	GetEvents(limit int) ([]*models.Event, error)
}

type Clock interface {
	BlockNumber() uint64
}

// Handler contains the HTTP handlers for the upkeep and admin endpoints
type Handler struct {
	Upkeep   Upkeep
	Rotation Rotation
	Jobs     JobList
	Treasury Treasury
	Events   EventLog
	Clock    Clock
	// Decimals renders treasury amounts for humans; zero leaves them raw.
	Decimals uint8
}

const defaultEventLimit = 100

func NewHandler(h Handler) *Handler {
	return &h
}

type checkRequest struct {
	CheckData hexutil.Bytes `json:"checkData"`
}

type checkResponse struct {
	UpkeepNeeded bool          `json:"upkeepNeeded"`
	PerformData  hexutil.Bytes `json:"performData"`
}

type performRequest struct {
	PerformData hexutil.Bytes `json:"performData"`
}

// CheckUpkeep handles POST requests from the automation registry asking whether work is due
func (h *Handler) CheckUpkeep(w http.ResponseWriter, r *http.Request) {
	var req checkRequest
	// the body is optional
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		logger.Logger.Error("Failed to decode check request", zap.Error(err))
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "Invalid request payload"})
		return
	}

	needed, data, err := h.Upkeep.Evaluate(r.Context(), req.CheckData)
	if err != nil {
		logger.Logger.Error("Failed to check upkeep", zap.Error(err))
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, checkResponse{UpkeepNeeded: needed, PerformData: data})
}

// PerformUpkeep handles POST requests carrying the action returned by CheckUpkeep
func (h *Handler) PerformUpkeep(w http.ResponseWriter, r *http.Request) {
	var req performRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		logger.Logger.Error("Failed to decode perform request", zap.Error(err))
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "Invalid request payload"})
		return
	}

	if err := h.Upkeep.Execute(r.Context(), req.PerformData); err != nil {
		logger.Logger.Error("Failed to perform upkeep", zap.Error(err))
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"message": "Upkeep performed"})
}

func (h *Handler) GetNetworks(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"networks":     h.Rotation.Networks(),
		"total_window": h.Rotation.TotalWindow(),
	})
}

// GetLeader reports which network holds the turn at ?tick=, or at the current block
func (h *Handler) GetLeader(w http.ResponseWriter, r *http.Request) {
	tick := h.Clock.BlockNumber()
	if s := r.URL.Query().Get("tick"); s != "" {
		v, err := strconv.ParseUint(s, 10, 64)
		if err != nil {
			writeError(w, errs.InvalidParam("tick"))
			return
		}
		tick = v
	}
	leader, ok := h.Rotation.Leader(tick)
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"tick":       tick,
		"leader":     leader,
		"has_leader": ok,
	})
}

type networkRequest struct {
	Name   string  `json:"name"`
	Window *uint64 `json:"window"`
}

// AddNetwork appends a network to the rotation; an omitted window means the default
func (h *Handler) AddNetwork(w http.ResponseWriter, r *http.Request) {
	var req networkRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		logger.Logger.Error("Failed to decode network", zap.Error(err))
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "Invalid request payload"})
		return
	}

	var err error
	if req.Window == nil {
		err = h.Rotation.AddNetworkDefault(req.Name)
	} else {
		err = h.Rotation.AddNetwork(req.Name, *req.Window)
	}
	if err != nil {
		logger.Logger.Error("Failed to add network", zap.String("network", req.Name), zap.Error(err))
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]interface{}{
		"message":  "Network added successfully",
		"networks": h.Rotation.Networks(),
	})
}

func (h *Handler) RemoveNetwork(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]
	if err := h.Rotation.RemoveNetwork(name); err != nil {
		logger.Logger.Error("Failed to remove network", zap.String("network", name), zap.Error(err))
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"message": "Network removed successfully"})
}

func (h *Handler) SetWindow(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]
	var req struct {
		Window uint64 `json:"window"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		logger.Logger.Error("Failed to decode window", zap.Error(err))
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "Invalid request payload"})
		return
	}
	if err := h.Rotation.SetWindow(name, req.Window); err != nil {
		logger.Logger.Error("Failed to set window", zap.String("network", name), zap.Error(err))
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"message":  "Window updated successfully",
		"networks": h.Rotation.Networks(),
	})
}

type jobView struct {
	Handle common.Address `json:"handle"`
	Due    bool           `json:"due"`
	Error  string         `json:"error,omitempty"`
}

// GetJobs lists jobs in priority order with their due flag for this keeper's network
func (h *Handler) GetJobs(w http.ResponseWriter, r *http.Request) {
	network := h.Upkeep.Network()
	handles := h.Jobs.Handles()
	out := make([]jobView, 0, len(handles))
	for _, handle := range handles {
		v := jobView{Handle: handle}
		due, _, err := h.Jobs.IsDue(r.Context(), handle, network)
		if err != nil {
			v.Error = err.Error()
		}
		v.Due = due
		out = append(out, v)
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"network": network,
		"jobs":    out,
	})
}

// GetTreasury returns the refill parameters with the current buffer and refill decision
func (h *Handler) GetTreasury(w http.ResponseWriter, r *http.Request) {
	buffer, err := h.Treasury.BufferSize(r.Context())
	if err != nil {
		logger.Logger.Error("Failed to read buffer size", zap.Error(err))
		writeError(w, err)
		return
	}
	should, err := h.Treasury.ShouldRefill(r.Context())
	if err != nil {
		logger.Logger.Error("Failed to evaluate refill", zap.Error(err))
		writeError(w, err)
		return
	}
	params := h.Treasury.Params()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"params":            params,
		"buffer_size":       buffer,
		"buffer_display":    h.display(buffer),
		"threshold_display": h.display(params.Threshold),
		"should_refill":     should,
	})
}

func (h *Handler) SetTreasuryParams(w http.ResponseWriter, r *http.Request) {
	var p models.TreasuryParams
	if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
		logger.Logger.Error("Failed to decode treasury params", zap.Error(err))
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "Invalid request payload"})
		return
	}
	if err := h.Treasury.SetParams(p); err != nil {
		logger.Logger.Error("Failed to set treasury params", zap.Error(err))
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"message": "Treasury params updated successfully",
		"params":  h.Treasury.Params(),
	})
}

// Refill runs a refill now, outside the keeper rotation
func (h *Handler) Refill(w http.ResponseWriter, r *http.Request) {
	res, err := h.Upkeep.Refill(r.Context())
	if err != nil {
		logger.Logger.Error("Manual refill failed", zap.Error(err))
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"message":          "Refill completed",
		"amount_converted": res.AmountConverted,
		"amount_received":  res.AmountReceived,
		"minimum_out":      res.MinimumOut,
		"claimed":          res.Claimed,
		"surplus":          res.Surplus,
	})
}

// GetEvents returns the newest events first, at most ?limit= of them
func (h *Handler) GetEvents(w http.ResponseWriter, r *http.Request) {
	limit := defaultEventLimit
	if s := r.URL.Query().Get("limit"); s != "" {
		v, err := strconv.Atoi(s)
		if err != nil || v <= 0 {
			writeError(w, errs.InvalidParam("limit"))
			return
		}
		limit = v
	}
	evs, err := h.Events.GetEvents(limit)
	if err != nil {
		logger.Logger.Error("Failed to read events", zap.Error(err))
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"events": evs})
}

func (h *Handler) display(x *uint256.Int) string {
	if x == nil {
		return ""
	}
	return decimal.NewFromBigInt(x.ToBig(), -int32(h.Decimals)).String()
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, err error) {
	body := map[string]string{"error": err.Error()}
	if field, ok := errs.Field(err); ok {
		body["field"] = field
	}
	writeJSON(w, StatusFor(err), body)
}

// StatusFor maps an error onto an HTTP status code.
func StatusFor(err error) int {
	if errors.Is(err, errs.ErrNotFound) {
		return http.StatusNotFound
	}
	switch errs.Classify(err) {
	case errs.KindConfiguration:
		return http.StatusBadRequest
	case errs.KindAuthorization:
		return http.StatusUnauthorized
	case errs.KindPrecondition:
		return http.StatusConflict
	case errs.KindCollaborator:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
