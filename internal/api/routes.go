package api

import (
	"net/http"

	"github.com/gorilla/mux"
)

func registerRoutes(r *mux.Router, s *Server) {
	r.HandleFunc("/health", s.handleHealth).Methods("GET", "OPTIONS")
	r.HandleFunc("/v1/address/{address}/balance", s.handleAddressBalance).Methods("GET", "OPTIONS")
	r.HandleFunc("/v1/token/{tokenID}/balance", s.handleTokenBalance).Methods("GET", "OPTIONS")
	r.HandleFunc("/v1/exchange-supply", s.handleExchangeSupply).Methods("GET", "OPTIONS")
	r.HandleFunc("/v1/oracle/postings", s.handleOraclePostings).Methods("GET", "OPTIONS")
	r.Handle("/admin/resync/{schema}/{workerID}", adminAuthMiddleware(s, http.HandlerFunc(s.handleAdminResync))).Methods("POST", "OPTIONS")
}
