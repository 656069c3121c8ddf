// Command ew runs the chain indexing engine: the tracker, every
// workflow worker, the monitor's /status endpoint, and the consumer
// API server, all under one process until SIGINT/SIGTERM.
package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"golang.org/x/sync/errgroup"

	"github.com/chainwatch/ew/internal/api"
	"github.com/chainwatch/ew/internal/config"
	"github.com/chainwatch/ew/internal/monitor"
	"github.com/chainwatch/ew/internal/nodeclient"
	"github.com/chainwatch/ew/internal/store"
	"github.com/chainwatch/ew/internal/supervisor"
	"github.com/chainwatch/ew/internal/workflows/balances"
	"github.com/chainwatch/ew/internal/workflows/exchanges"
	"github.com/chainwatch/ew/internal/workflows/metrics"
	"github.com/chainwatch/ew/internal/workflows/oracle"
	"github.com/chainwatch/ew/internal/workflows/tokens"
)

func main() {
	configPath := flag.String("config", "", "path to YAML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("[ew] loading config: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := store.NewPool(ctx, cfg.PostgresURI)
	if err != nil {
		log.Fatalf("[ew] connecting to postgres: %v", err)
	}
	defer pool.Close()

	if err := store.Migrate(ctx, pool,
		balances.SchemaDDL, tokens.SchemaDDL, exchanges.SchemaDDL, oracle.SchemaDDL, metrics.SchemaDDL,
	); err != nil {
		log.Fatalf("[ew] running migrations: %v", err)
	}

	node, err := nodeclient.New(cfg.NodeURLs, cfg.NodeRateLimitRPS, cfg.NodeRateLimitBurst, nil)
	if err != nil {
		log.Fatalf("[ew] building node client: %v", err)
	}
	mon := monitor.New()
	sup := supervisor.New(cfg, pool, node, mon)

	api.ConfigureRateLimit(cfg.APIRateLimitRPS, cfg.APIRateLimitBurst)
	apiServer := api.NewServer(pool,
		balances.NewStore(pool), tokens.NewStore(pool), exchanges.NewStore(pool), oracle.NewStore(pool),
		sup, cfg.APIPort, cfg.AdminJWTKey,
	)

	monitorRouter := mux.NewRouter()
	mon.RegisterRoutes(monitorRouter)
	monitorServer := &http.Server{Addr: addr(cfg.MonitorPort), Handler: monitorRouter}

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error { return sup.Run(groupCtx) })
	group.Go(func() error {
		if err := apiServer.Start(); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})
	group.Go(func() error {
		if err := monitorServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})
	group.Go(func() error {
		<-groupCtx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		apiServer.Shutdown(shutdownCtx)
		monitorServer.Shutdown(shutdownCtx)
		return nil
	})

	if err := group.Wait(); err != nil {
		log.Fatalf("[ew] fatal: %v", err)
	}
	log.Println("[ew] shut down cleanly")
}

const shutdownGrace = 10 * time.Second

func addr(port int) string {
	if port <= 0 {
		return ":8081"
	}
	return ":" + strconv.Itoa(port)
}
