package main

import (
	"context"
	"io"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fentz26/ticketd/internal/audit"
	"github.com/fentz26/ticketd/internal/config"
	"github.com/fentz26/ticketd/internal/controlplane"
	"github.com/fentz26/ticketd/internal/lifecycle"
	"github.com/fentz26/ticketd/internal/scheduler"
	"github.com/fentz26/ticketd/internal/store"
	"github.com/spf13/cobra"
)

var (
	listenAddr string
	dbPath     string
	reap       bool
)

var daemonCmd = &cobra.Command{
	Use:   "daemon",
	Short: "Start the ticketd daemon",
	Long:  `Starts the ticketd daemon which serves the HTTP API for ticket lifecycle operations.`,
	RunE:  runDaemon,
}

func init() {
	daemonCmd.Flags().StringVar(&configPath, "config", config.DefaultPath(), "Path to YAML config file")
	daemonCmd.Flags().StringVar(&listenAddr, "listen", "", "Listen address for the API server (overrides config)")
	daemonCmd.Flags().StringVar(&dbPath, "db", "", "Path to SQLite database (overrides config)")
	daemonCmd.Flags().BoolVar(&reap, "reaper", false, "Enable the expired-lease reaper (overrides config)")
}

func runDaemon(cmd *cobra.Command, args []string) error {
	log.Println("Starting ticketd daemon...")

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if listenAddr != "" {
		cfg.Listen = listenAddr
	}
	if dbPath != "" {
		cfg.DBPath = dbPath
	}
	if reap {
		cfg.Reaper.Enabled = true
	}

	// Initialize store
	s, err := store.New(cfg.DBPath)
	if err != nil {
		return err
	}

	pdr := audit.NewPDRWriter(s, lifecycle.IsRefusal)
	engine := lifecycle.NewEngine(s, lifecycle.Config{
		Caps:                cfg.Caps(),
		Operator:            cfg.Operator,
		DefaultLeaseMinutes: cfg.LeaseMinutes,
	}, pdr)

	server := controlplane.NewServer(engine, s, cfg.Listen)

	var reaper stopper
	if cfg.Reaper.Enabled {
		sched := scheduler.New(engine, slog.Default())
		if err := sched.Register(cfg.Reaper.Schedule); err != nil {
			s.Close()
			return err
		}
		server.SetScheduler(sched)
		sched.Start()
		reaper = sched
		log.Printf("Lease reaper enabled (%s)", cfg.Reaper.Schedule)
	}

	// Set up signal handling for graceful shutdown
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	serverErr := make(chan error, 1)

	go func() {
		err := server.Start()
		if err != nil && err != http.ErrServerClosed {
			serverErr <- err
		}
		close(serverErr)
	}()

	select {
	case sig := <-sigCh:
		log.Printf("Received signal %v, initiating graceful shutdown...", sig)
	case err := <-serverErr:
		if err != nil {
			log.Printf("Server error: %v", err)
			if reaper != nil {
				reaper.Stop()
			}
			s.Close()
			return err
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	shutdown(shutdownCtx, reaper, server, s)
	return nil
}

type stopper interface {
	Stop()
}

type shutdowner interface {
	Shutdown(ctx context.Context) error
}

// shutdown tears the daemon down: the reaper first so no sweep runs against a
// closed database, then the HTTP server, then the store. reaper may be nil.
func shutdown(ctx context.Context, reaper stopper, server shutdowner, db io.Closer) {
	if reaper != nil {
		log.Println("Stopping lease reaper...")
		reaper.Stop()
	}

	log.Println("Shutting down HTTP server...")
	if err := server.Shutdown(ctx); err != nil {
		log.Printf("HTTP server shutdown error: %v", err)
	}

	log.Println("Closing database connection...")
	if err := db.Close(); err != nil {
		log.Printf("Database close error: %v", err)
	}

	log.Println("Shutdown complete")
}
