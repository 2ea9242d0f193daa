// Package main runs the offline engine daemon. UI surfaces reach it over
// REST and WebSocket on localhost.
package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/quinca-app/engine/cmd/syncd/handlers"
	"github.com/quinca-app/engine/internal/cache"
	"github.com/quinca-app/engine/internal/config"
	apperrors "github.com/quinca-app/engine/internal/errors"
	"github.com/quinca-app/engine/internal/logging"
	"github.com/quinca-app/engine/internal/store"
	syncpkg "github.com/quinca-app/engine/internal/sync"
	"github.com/quinca-app/engine/internal/sync/coordinator"
	"github.com/quinca-app/engine/internal/sync/queue"
)

func main() {
	configPath := flag.String("config", "", "path to engine.toml")
	flag.Parse()

	logging.Init(os.Stdout, logging.LevelInfo)

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	// The store may be unavailable (read-only disk, locked file). The
	// engine then degrades to network-only reads with no queueing
	// rather than failing outright.
	var engineStore *store.Store
	engineStore, err = store.Open(cfg.DataDir)
	if err != nil {
		if apperrors.Is(err, apperrors.ErrStorageUnavailable) {
			logging.Error("Local store unavailable, engine degraded to network-only", err)
			engineStore = nil
		} else {
			log.Fatalf("Failed to open store: %v", err)
		}
	}

	client := &http.Client{Timeout: cfg.Coordinator.RequestTimeout()}

	var offlineDoc []byte
	if cfg.OfflineDocument != "" {
		if doc, err := os.ReadFile(cfg.OfflineDocument); err == nil {
			offlineDoc = doc
		} else {
			logging.Warn("Offline document not readable",
				map[string]interface{}{"path": cfg.OfflineDocument, "error": err.Error()})
		}
	}

	router := cache.NewRouter(engineStore, cache.Options{
		APIPrefixes:      cfg.APIPrefixes,
		StaticExtensions: cfg.StaticExtensions,
		StaticHosts:      cfg.StaticHosts,
		OfflineDocument:  offlineDoc,
		Client:           client,
	})

	mux := http.NewServeMux()
	hub := NewWSHub()

	mux.HandleFunc("/api/health", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"ok","service":"quinca-syncd"}`))
	})
	mux.HandleFunc("/ws", HandleWebSocket(hub))

	var coord *coordinator.Coordinator
	if engineStore != nil {
		q := queue.New(engineStore, cfg.Queue.MaxSize, cfg.Queue.MaxAttempts)
		reconciler := syncpkg.NewReconciler(engineStore)
		engine := syncpkg.NewEngine(cfg.APIBaseURL, cfg.Routes, client, q, reconciler)

		coord = coordinator.New(engine, q, coordinator.Config{
			Debounce:       cfg.Coordinator.Debounce(),
			MinRunInterval: cfg.Coordinator.MinRunInterval(),
			WakeInterval:   cfg.Coordinator.WakeInterval(),
		})
		coord.Subscribe(hub)

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		coord.Start(ctx)
		defer coord.Stop()

		syncHandler := handlers.NewSyncHandler(coord, q)
		mux.HandleFunc("/api/sync/status", syncHandler.Status)
		mux.HandleFunc("/api/sync/trigger", syncHandler.Trigger)
		mux.HandleFunc("/api/sync/online", syncHandler.Online)
		mux.HandleFunc("/api/sync/queue", syncHandler.Enqueue)
		mux.HandleFunc("/api/sync/pending", syncHandler.Pending)
		mux.HandleFunc("/api/sync/dead-letter", syncHandler.DeadLetter)
	}

	gateway, err := handlers.NewGateway(router, cfg.APIBaseURL)
	if err != nil {
		log.Fatalf("Failed to build gateway: %v", err)
	}
	mux.Handle("/", gateway)

	server := &http.Server{
		Addr:         cfg.Bind,
		Handler:      mux,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
	}

	go func() {
		logging.Info("Offline engine daemon listening",
			map[string]interface{}{"bind": cfg.Bind, "degraded": engineStore == nil})
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server failed: %v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	server.Shutdown(shutdownCtx)

	if engineStore != nil {
		engineStore.Close()
	}
}
