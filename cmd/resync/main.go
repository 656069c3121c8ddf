// Command resync clears one worker's checkpoint row so the engine
// resyncs that worker from scratch on its next start, the operator
// recovery path after a rollback-horizon failure. It does not perform
// any parallel range-based backfill itself.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"

	"github.com/chainwatch/ew/internal/config"
	"github.com/chainwatch/ew/internal/store"
)

func main() {
	configPath := flag.String("config", "", "path to YAML config file")
	schema := flag.String("schema", "", "workflow schema name, e.g. balances, tokens, exchanges, oracle, metrics, core")
	workerID := flag.String("worker", "", "worker id, usually the same as -schema")
	flag.Parse()

	if *schema == "" || *workerID == "" {
		log.Fatal("[resync] -schema and -worker are both required")
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("[resync] loading config: %v", err)
	}

	ctx := context.Background()
	pool, err := store.NewPool(ctx, cfg.PostgresURI)
	if err != nil {
		log.Fatalf("[resync] connecting to postgres: %v", err)
	}
	defer pool.Close()

	if err := store.ClearCheckpoint(ctx, pool, *schema, *workerID); err != nil {
		log.Fatalf("[resync] clearing checkpoint: %v", err)
	}

	// TODO: this only rewinds the checkpoint to the initial sentinel;
	// a parallel range-based backfill tool would let a cleared worker
	// catch up much faster than replaying the live stream.
	fmt.Printf("cleared checkpoint for %s/%s; it will resync from the beginning on next supervisor start\n", *schema, *workerID)
}
