package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	corestore "github.com/chainwatch/ew/internal/store"
)

type apiEnvelope struct {
	Data  interface{} `json:"data,omitempty"`
	Error string      `json:"error,omitempty"`
}

func writeJSON(w http.ResponseWriter, data interface{}) {
	json.NewEncoder(w).Encode(apiEnvelope{Data: data})
}

func writeAPIError(w http.ResponseWriter, status int, message string) {
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(apiEnvelope{Error: message})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]string{"status": "ok"})
}

// handleAddressBalance answers the current nanoERG balance tracked by
// balances.Store for one address.
func (s *Server) handleAddressBalance(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
	defer cancel()

	address := mux.Vars(r)["address"]
	id, ok, err := corestore.ResolveAddressID(ctx, s.pool, address)
	if err != nil {
		writeAPIError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if !ok {
		writeJSON(w, map[string]interface{}{"address": address, "balance": 0})
		return
	}
	balance, _, err := s.balances.BalanceFor(ctx, id)
	if err != nil {
		writeAPIError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, map[string]interface{}{"address": address, "balance": balance})
}

// handleTokenBalance answers a token id + address pair's current
// balance; address is a query parameter since the derived tables key
// token balances by (address, asset) and a single path segment can
// only name one of the two.
func (s *Server) handleTokenBalance(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
	defer cancel()

	tokenID := mux.Vars(r)["tokenID"]
	address := r.URL.Query().Get("address")
	if address == "" {
		writeAPIError(w, http.StatusBadRequest, "address query parameter is required")
		return
	}

	addressID, ok, err := corestore.ResolveAddressID(ctx, s.pool, address)
	if err != nil {
		writeAPIError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if !ok {
		writeJSON(w, map[string]interface{}{"token": tokenID, "address": address, "balance": 0})
		return
	}
	assetID, ok, err := corestore.ResolveAssetID(ctx, s.pool, tokenID)
	if err != nil {
		writeAPIError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if !ok {
		writeJSON(w, map[string]interface{}{"token": tokenID, "address": address, "balance": 0})
		return
	}
	balance, _, err := s.tokens.BalanceFor(ctx, addressID, assetID)
	if err != nil {
		writeAPIError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, map[string]interface{}{"token": tokenID, "address": address, "balance": balance})
}

// handleExchangeSupply answers the exchanges workflow's current
// running total.
func (s *Server) handleExchangeSupply(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
	defer cancel()

	total, err := s.exchanges.Total(ctx)
	if err != nil {
		writeAPIError(w, http.StatusInternalServerError, err.Error())
		return
	}
	head, err := s.exchanges.Head(ctx)
	if err != nil {
		writeAPIError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, map[string]interface{}{"total_balance": total, "height": head.Height})
}

// handleOraclePostings lists the most recent oracle-pool price
// postings, newest first.
func (s *Server) handleOraclePostings(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
	defer cancel()

	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 && n <= 500 {
			limit = n
		}
	}
	postings, err := s.oracle.LatestPostings(ctx, limit)
	if err != nil {
		writeAPIError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, postings)
}
