package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/mayla-rppg/ingest/internal/config"
	"github.com/mayla-rppg/ingest/internal/finalize"
	"github.com/mayla-rppg/ingest/internal/health"
	"github.com/mayla-rppg/ingest/internal/httpserver"
	"github.com/mayla-rppg/ingest/internal/ingest"
	"github.com/mayla-rppg/ingest/internal/logging"
	"github.com/mayla-rppg/ingest/internal/mayla"
	"github.com/mayla-rppg/ingest/internal/rppg"
	"github.com/mayla-rppg/ingest/internal/session"
	"github.com/mayla-rppg/ingest/internal/wsserver"
	"github.com/shirou/gopsutil/v3/mem"
	"github.com/spf13/cobra"
	"golang.org/x/time/rate"
)

var (
	version = "0.1.0"
	cfgFile string
)

var log = logging.L("main")

var rootCmd = &cobra.Command{
	Use:   "rppg-server",
	Short: "rPPG session ingest and finalization service",
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP/WebSocket ingest server",
	Run: func(cmd *cobra.Command, args []string) {
		serve()
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version number",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("rppg-server v%s\n", version)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is /etc/rppg-server/rppg-server.yaml)")
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func serve() {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	var output *os.File = os.Stdout
	if cfg.LogFile != "" {
		f, err := os.OpenFile(cfg.LogFile, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
		if err != nil {
			fmt.Fprintf(os.Stderr, "failed to open log file %s: %v (logging to stdout)\n", cfg.LogFile, err)
		} else {
			output = f
			defer f.Close()
		}
	}
	logging.Init(cfg.LogFormat, cfg.LogLevel, output)
	log = logging.L("main")

	log.Info("starting rppg-server",
		"version", version,
		"listenAddr", cfg.ListenAddr,
		"mockMode", cfg.MockMode,
	)

	registry := session.NewRegistry(cfg)

	ingestor := ingest.New(cfg.DecodeWorkers)

	var processor rppg.Processor = rppg.NopProcessor{}
	finalizer := finalize.New(processor)

	finalizeLimiter := rate.NewLimiter(rate.Limit(cfg.MaxConcurrentFinalizations), cfg.MaxConcurrentFinalizations)

	var maylaClient *mayla.Client
	if cfg.MaylaAPIBase != "" {
		maylaClient = mayla.New(cfg.MaylaAPIBase)
	}

	monitor := health.NewMonitor()
	stopHealthLoop := make(chan struct{})
	go runHealthChecks(monitor, registry, stopHealthLoop)

	wsHandler := wsserver.New(registry, ingestor, finalizer, finalizeLimiter)
	restServer := httpserver.New(registry, ingestor, finalizer, finalizeLimiter, maylaClient, monitor)

	mux := restServer.Router()
	mux.Handle("/ws/sessions/{session_id}", wsHandler)

	httpSrv := &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: mux,
	}

	go func() {
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("server failed", logging.KeyError, err)
			os.Exit(1)
		}
	}()
	log.Info("rppg-server is running", "listenAddr", cfg.ListenAddr)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan
	log.Info("shutting down rppg-server")

	close(stopHealthLoop)

	// Decode pools are owned per-session (session.State.DecodePool) and
	// torn down via ReleaseBuffer as each session ends or expires; there
	// is no process-wide pool left to drain here.
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		log.Error("graceful shutdown failed", logging.KeyError, err)
	}

	log.Info("rppg-server stopped")
}

// runHealthChecks periodically samples process memory pressure and the
// registry's live session count into monitor, until stop is closed.
func runHealthChecks(monitor *health.Monitor, registry *session.Registry, stop <-chan struct{}) {
	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()

	sample := func() {
		if vmem, err := mem.VirtualMemory(); err == nil {
			status := health.Healthy
			if vmem.UsedPercent >= 95 {
				status = health.Unhealthy
			} else if vmem.UsedPercent >= 85 {
				status = health.Degraded
			}
			monitor.Update("memory", status, fmt.Sprintf("ramUsedPercent=%.1f", vmem.UsedPercent))
		} else {
			monitor.Update("memory", health.Unknown, err.Error())
		}

		monitor.Update("sessions", health.Healthy, fmt.Sprintf("active=%d", registry.Count()))
	}

	sample()
	for {
		select {
		case <-ticker.C:
			sample()
		case <-stop:
			return
		}
	}
}
