// Package api is the read-only consumer HTTP surface over the derived
// tables the workflow packages populate, plus an admin endpoint that
// forces a worker to resync from scratch.
package api

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/chainwatch/ew/internal/workflows/balances"
	"github.com/chainwatch/ew/internal/workflows/exchanges"
	"github.com/chainwatch/ew/internal/workflows/oracle"
	"github.com/chainwatch/ew/internal/workflows/tokens"
)

// Resyncer is implemented by the supervisor package; kept here as a
// narrow interface so api never imports supervisor (which imports
// every workflow's Workflow type, not just its Store).
type Resyncer interface {
	Resync(ctx context.Context, schema, workerID string) error
}

// Server serves the consumer API. It holds only each workflow's Store,
// never its Workflow, since the API only ever reads already-committed
// state and must never race a running worker's in-memory cache.
type Server struct {
	pool      *pgxpool.Pool
	balances  *balances.Store
	tokens    *tokens.Store
	exchanges *exchanges.Store
	oracle    *oracle.Store
	resync    Resyncer
	adminKey  []byte

	httpServer *http.Server
}

// NewServer builds a Server listening on port. adminJWTKey may be
// empty, in which case the admin resync route answers 403.
func NewServer(pool *pgxpool.Pool, balancesStore *balances.Store, tokensStore *tokens.Store, exchangesStore *exchanges.Store, oracleStore *oracle.Store, resync Resyncer, port int, adminJWTKey string) *Server {
	s := &Server{
		pool:      pool,
		balances:  balancesStore,
		tokens:    tokensStore,
		exchanges: exchangesStore,
		oracle:    oracleStore,
		resync:    resync,
		adminKey:  []byte(adminJWTKey),
	}

	r := mux.NewRouter()
	r.Use(commonMiddleware)
	r.Use(rateLimitMiddleware)
	registerRoutes(r, s)

	s.httpServer = &http.Server{
		Addr:    addr(port),
		Handler: r,
	}
	return s
}

func addr(port int) string {
	if port <= 0 {
		return ":8080"
	}
	return ":" + strconv.Itoa(port)
}

// Start blocks serving HTTP until Shutdown is called or the listener
// fails.
func (s *Server) Start() error {
	return s.httpServer.ListenAndServe()
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

func commonMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// requestTimeout bounds how long a single handler may hold a pool
// connection, the API-layer analogue of store.NewPool's statement
// timeout.
const requestTimeout = 10 * time.Second
