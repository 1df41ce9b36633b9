// testserver starts a Crucible API server with an in-memory database, the
// local simulated executor, and a fast monitor tick for manual testing.
// Usage: go run ./cmd/testserver
package main

import (
	"context"
	"log"
	"log/slog"
	"os"
	"time"

	"github.com/seantiz/crucible/internal/api"
	"github.com/seantiz/crucible/internal/executor"
	"github.com/seantiz/crucible/internal/lifecycle"
	"github.com/seantiz/crucible/internal/monitor"
	"github.com/seantiz/crucible/internal/registry"
	"github.com/seantiz/crucible/internal/store"
)

func main() {
	addr := ":8080"
	if v := os.Getenv("CRUCIBLE_LISTEN_ADDR"); v != "" {
		addr = v
	}

	db, err := store.NewSQLiteStore(":memory:")
	if err != nil {
		log.Fatalf("failed to open database: %v", err)
	}
	defer db.Close()

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))

	reg := registry.New(db, logger)
	exec := executor.NewLocal()
	mgr := lifecycle.NewManager(db, exec, reg, logger)

	// Aggressive policy so scaling behaviour is observable within seconds.
	policy := monitor.Policy{
		Window:   5,
		UpTicks:  2,
		Cooldown: 10 * time.Second,
	}
	mon := monitor.New(mgr, mgr, exec, db, logger, policy, 2*time.Second, 200)

	monCtx, stopMonitor := context.WithCancel(context.Background())
	defer stopMonitor()
	go mon.Run(monCtx)

	srv := api.NewServer(addr, db, reg, mgr, mon, logger)

	logger.Info("testserver: starting", "addr", addr)
	if err := srv.Run(); err != nil {
		log.Fatalf("server error: %v", err)
	}
}
