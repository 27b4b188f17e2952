package query

import (
	"encoding/json"
	"net/http"
	"strconv"

	"candlevault/internal/model"
)

// defaultProvider mirrors the realtime client surface's assumption that
// a bare symbol/timeframe pair means the single configured exchange
// (spec §6 "Exact routes are out of scope" — the provider field exists
// for forward-compatibility with a multi-exchange archive).
const defaultProvider = "binance"

// RegisterRoutes wires the query surface onto mux. Route paths are the
// query surface's own choice (spec §6 leaves them out of scope); CORS
// handling follows the teacher's gateway.SetCORS convention.
func RegisterRoutes(mux *http.ServeMux, surface *Surface) {
	mux.HandleFunc("/api/candles", func(w http.ResponseWriter, r *http.Request) {
		setCORS(w)
		w.Header().Set("Content-Type", "application/json")

		q := r.URL.Query()
		symbol := q.Get("symbol")
		tf := q.Get("tf")
		if symbol == "" || tf == "" {
			writeError(w, http.StatusBadRequest, "symbol and tf are required")
			return
		}
		provider := q.Get("provider")
		if provider == "" {
			provider = defaultProvider
		}

		startMS, err := parseOptionalInt64(q.Get("start"))
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid start")
			return
		}
		endMS, err := parseOptionalInt64(q.Get("end"))
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid end")
			return
		}
		limit := DefaultLimit
		if raw := q.Get("limit"); raw != "" {
			n, err := strconv.Atoi(raw)
			if err != nil || n <= 0 {
				writeError(w, http.StatusBadRequest, "invalid limit")
				return
			}
			limit = n
		}

		series := model.Series{Provider: provider, Symbol: symbol, Timeframe: tf}
		candles, err := surface.Candles(r.Context(), series, startMS, endMS, limit)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "query failed")
			return
		}
		if candles == nil {
			candles = []model.Candle{}
		}
		json.NewEncoder(w).Encode(candles)
	})

	mux.HandleFunc("/api/pairs", func(w http.ResponseWriter, r *http.Request) {
		setCORS(w)
		w.Header().Set("Content-Type", "application/json")

		pairs, err := surface.Pairs(r.Context())
		if err != nil {
			writeError(w, http.StatusInternalServerError, "query failed")
			return
		}
		if pairs == nil {
			pairs = []model.Series{}
		}
		json.NewEncoder(w).Encode(pairs)
	})

	mux.HandleFunc("/api/indicators", func(w http.ResponseWriter, r *http.Request) {
		setCORS(w)
		w.Header().Set("Content-Type", "application/json")

		q := r.URL.Query()
		symbol := q.Get("symbol")
		tf := q.Get("tf")
		if symbol == "" || tf == "" {
			writeError(w, http.StatusBadRequest, "symbol and tf are required")
			return
		}
		provider := q.Get("provider")
		if provider == "" {
			provider = defaultProvider
		}

		series := model.Series{Provider: provider, Symbol: symbol, Timeframe: tf}
		snap, ok, err := surface.Indicators(r.Context(), series)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "query failed")
			return
		}
		if !ok {
			json.NewEncoder(w).Encode(map[string]any{"indicators": []any{}})
			return
		}
		json.NewEncoder(w).Encode(map[string]any{"indicators": snap.Indicators})
	})
}

func setCORS(w http.ResponseWriter) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
}

func writeError(w http.ResponseWriter, status int, message string) {
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}

func parseOptionalInt64(raw string) (*int64, error) {
	if raw == "" {
		return nil, nil
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return nil, err
	}
	return &v, nil
}
