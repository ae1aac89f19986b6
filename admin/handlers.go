// Package admin exposes the pipeline's operational state over HTTP: routing
// stats, active rules and destinations, delivery ledger lookups and
// transaction controls, plus the Prometheus scrape endpoint.
package admin

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/rs/zerolog/log"

	"github.com/sluicedb/sluice/delivery"
	"github.com/sluicedb/sluice/detector"
	"github.com/sluicedb/sluice/event"
	"github.com/sluicedb/sluice/routing"
	"github.com/sluicedb/sluice/txgroup"
)

// Handlers bundles the component views the admin API reads from. Optional
// components may be nil; their endpoints report absent data.
type Handlers struct {
	Engine   *routing.Engine
	Delivery *delivery.Manager
	Detector *detector.Detector
	TxGroup  *txgroup.Manager
}

// NewHandlers creates the admin handler set.
func NewHandlers(engine *routing.Engine, dm *delivery.Manager, det *detector.Detector, txg *txgroup.Manager) *Handlers {
	return &Handlers{
		Engine:   engine,
		Delivery: dm,
		Detector: det,
		TxGroup:  txg,
	}
}

// handleStats reports a point-in-time pipeline overview.
func (h *Handlers) handleStats(w http.ResponseWriter, r *http.Request) {
	stats := map[string]any{
		"destinations": h.Engine.Stats(),
		"overall":      h.Engine.Overall(),
		"rules":        h.Engine.Rules(),
	}
	if h.Delivery != nil {
		stats["ledger_entries"] = h.Delivery.LedgerLen()
	}
	if h.Detector != nil {
		stats["open_batches"] = h.Detector.OpenBatches()
	}
	if h.TxGroup != nil {
		stats["open_transactions"] = h.TxGroup.Count()
	}
	writeJSONResponse(w, stats)
}

func (h *Handlers) handleDestinations(w http.ResponseWriter, r *http.Request) {
	writeJSONResponse(w, h.Engine.Destinations())
}

func (h *Handlers) handleRules(w http.ResponseWriter, r *http.Request) {
	writeJSONResponse(w, h.Engine.Rules())
}

// handleDeliveryStatus looks up one ledger record. Query parameters:
// source, table, offset, destination.
func (h *Handlers) handleDeliveryStatus(w http.ResponseWriter, r *http.Request) {
	if h.Delivery == nil {
		writeErrorResponse(w, http.StatusNotFound, "delivery manager not available")
		return
	}

	q := r.URL.Query()
	source := q.Get("source")
	table := q.Get("table")
	destination := q.Get("destination")
	if source == "" || table == "" || destination == "" {
		writeErrorResponse(w, http.StatusBadRequest, "source, table, offset and destination are required")
		return
	}
	offset, err := strconv.ParseUint(q.Get("offset"), 10, 64)
	if err != nil {
		writeErrorResponse(w, http.StatusBadRequest, "invalid offset")
		return
	}

	ev := &event.ChangeEvent{Source: source, Table: table, Offset: offset}
	rec, ok, err := h.Delivery.Status(ev, destination)
	if err != nil {
		writeErrorResponse(w, http.StatusInternalServerError, err.Error())
		return
	}
	if !ok {
		writeErrorResponse(w, http.StatusNotFound, "no ledger record for key")
		return
	}

	writeJSONResponse(w, map[string]any{
		"key":          rec.Key,
		"status":       rec.Status.String(),
		"attempts":     rec.Attempts,
		"last_attempt": rec.LastAttempt,
	})
}

func (h *Handlers) handleTransactions(w http.ResponseWriter, r *http.Request) {
	if h.TxGroup == nil {
		writeErrorResponse(w, http.StatusNotFound, "transactional grouping not enabled")
		return
	}
	writeJSONResponse(w, map[string]any{"open": h.TxGroup.Count()})
}

// handleAbortTransaction force-aborts an open transaction.
func (h *Handlers) handleAbortTransaction(w http.ResponseWriter, r *http.Request, txnID string) {
	if h.TxGroup == nil {
		writeErrorResponse(w, http.StatusNotFound, "transactional grouping not enabled")
		return
	}
	if err := h.TxGroup.Abort(txnID); err != nil {
		writeErrorResponse(w, http.StatusConflict, err.Error())
		return
	}
	writeJSONResponse(w, map[string]any{"aborted": txnID})
}

// writeJSONResponse writes a successful JSON response
func writeJSONResponse(w http.ResponseWriter, data any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(map[string]any{"data": data}); err != nil {
		log.Error().Err(err).Msg("Failed to encode JSON response")
	}
}

// writeErrorResponse writes an error JSON response
func writeErrorResponse(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(map[string]any{"error": message}); err != nil {
		log.Error().Err(err).Msg("Failed to encode error response")
	}
}
