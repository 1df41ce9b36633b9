package main

import (
	"context"
	"log"
	"os"

	"github.com/seantiz/crucible/internal/api"
	"github.com/seantiz/crucible/internal/config"
	"github.com/seantiz/crucible/internal/executor"
	"github.com/seantiz/crucible/internal/lifecycle"
	"github.com/seantiz/crucible/internal/monitor"
	"github.com/seantiz/crucible/internal/registry"
	"github.com/seantiz/crucible/internal/store"
)

func main() {
	cfg := config.Load()
	logger := config.NewLogger(os.Stdout, cfg.LogLevel)

	logger.Info("crucible: starting",
		"listen_addr", cfg.ListenAddr,
		"db_path", cfg.DBPath,
		"monitor_tick", cfg.MonitorTick,
	)

	db, err := store.NewSQLiteStore(cfg.DBPath)
	if err != nil {
		log.Fatalf("failed to open database: %v", err)
	}

	// All writes go through the write-behind buffer so persistence outages
	// never block the control plane.
	buffered := store.NewBuffered(db, logger)
	defer buffered.Close()

	reg := registry.New(buffered, logger)
	exec := executor.NewLocal()
	mgr := lifecycle.NewManager(buffered, exec, reg, logger)
	mon := monitor.New(mgr, mgr, exec, buffered, logger, monitor.DefaultPolicy(), cfg.MonitorTick, cfg.HistoryCapacity)

	monCtx, stopMonitor := context.WithCancel(context.Background())
	go mon.Run(monCtx)

	srv := api.NewServer(cfg.ListenAddr, buffered, reg, mgr, mon, logger)

	if err := srv.Run(); err != nil {
		stopMonitor()
		log.Fatalf("server error: %v", err)
	}

	stopMonitor()
	mgr.Wait()
}
