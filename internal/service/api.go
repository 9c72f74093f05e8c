package service

import (
	"encoding/json"
	"net/http"
	"strconv"

	"marketstructure/internal/engine"
	"marketstructure/internal/model"
)

// mountAPI attaches the query endpoints next to /metrics and /healthz.
func (svc *Service) mountAPI() {
	svc.httpSrv.Handle("/zones", http.HandlerFunc(svc.handleZones))
	svc.httpSrv.Handle("/stats", http.HandlerFunc(svc.handleStats))
	svc.httpSrv.Handle("/confirmations", http.HandlerFunc(svc.handleConfirmations))
}

// engineFor resolves the symbol query parameter; with a single tracked
// symbol the parameter may be omitted.
func (svc *Service) engineFor(w http.ResponseWriter, r *http.Request) (*engine.Engine, bool) {
	symbol := r.URL.Query().Get("symbol")
	if symbol == "" {
		if len(svc.engines) == 1 {
			for _, eng := range svc.engines {
				return eng, true
			}
		}
		http.Error(w, "symbol parameter required", http.StatusBadRequest)
		return nil, false
	}
	eng, ok := svc.engines[symbol]
	if !ok {
		http.Error(w, "unknown symbol "+symbol, http.StatusNotFound)
		return nil, false
	}
	return eng, true
}

// handleZones serves GET /zones?symbol=BTCUSDT&tf=15m&active=1. Without
// tf it returns every tracked timeframe.
func (svc *Service) handleZones(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "GET only", http.StatusMethodNotAllowed)
		return
	}
	eng, ok := svc.engineFor(w, r)
	if !ok {
		return
	}

	activeOnly := r.URL.Query().Get("active") == "1"
	snapshot := func(tf model.Timeframe) (engine.Snapshot, error) {
		if activeOnly {
			return eng.ActiveSnapshot(tf)
		}
		return eng.Snapshot(tf)
	}

	if tfParam := r.URL.Query().Get("tf"); tfParam != "" {
		snap, err := snapshot(model.Timeframe(tfParam))
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		writeJSON(w, snap)
		return
	}

	out := make(map[model.Timeframe]engine.Snapshot)
	for _, tf := range eng.Timeframes() {
		snap, err := snapshot(tf)
		if err != nil {
			continue
		}
		out[tf] = snap
	}
	writeJSON(w, out)
}

// handleStats serves GET /stats: per-engine counters plus delivery
// pipeline occupancy.
func (svc *Service) handleStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "GET only", http.StatusMethodNotAllowed)
		return
	}

	engines := make(map[string]engine.Stats, len(svc.engines))
	for symbol, eng := range svc.engines {
		engines[symbol] = eng.Stats()
	}

	out := struct {
		Engines      map[string]engine.Stats `json:"engines"`
		Fanout       interface{}             `json:"fanout"`
		BreakerState string                  `json:"redis_breaker"`
		Buffered     int                     `json:"redis_buffered_events"`
	}{
		Engines:      engines,
		Fanout:       svc.fanout.Stats(),
		BreakerState: svc.breaker.CurrentState().String(),
		Buffered:     svc.publisher.Pending(),
	}
	writeJSON(w, out)
}

// handleConfirmations serves GET /confirmations?kind=order_block&
// price=64250&tolerance=0.5&symbol=BTCUSDT, answering which timeframes
// confirm a zone of that kind near the price.
func (svc *Service) handleConfirmations(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "GET only", http.StatusMethodNotAllowed)
		return
	}
	eng, ok := svc.engineFor(w, r)
	if !ok {
		return
	}

	q := r.URL.Query()
	kind := model.IndicatorKind(q.Get("kind"))
	price, err := strconv.ParseFloat(q.Get("price"), 64)
	if err != nil {
		http.Error(w, "bad price parameter", http.StatusBadRequest)
		return
	}
	tolerance := 0.5
	if t := q.Get("tolerance"); t != "" {
		tolerance, err = strconv.ParseFloat(t, 64)
		if err != nil {
			http.Error(w, "bad tolerance parameter", http.StatusBadRequest)
			return
		}
	}

	matches, err := eng.Confirmations(kind, price, tolerance)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	writeJSON(w, matches)
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}
