package main

// Shoal is a Redfish aggregator service.
// Copyright (C) 2025 Matthew Burns
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"ingestor/internal/config"
	"ingestor/internal/dedup"
	"ingestor/internal/extractor"
	"ingestor/internal/fingerprint"
	"ingestor/internal/iocscan"
	"ingestor/internal/metrics"
	"ingestor/internal/pipeline"
	"ingestor/internal/remote"
	"ingestor/internal/repository"
	"ingestor/internal/store"
)

// hashAdapter satisfies dedup.Hasher over the package-level fingerprint.Hash
// function, which has no receiver to hang a method off of.
type hashAdapter struct{}

func (hashAdapter) Hash(r io.Reader) (string, error) { return fingerprint.Hash(r) }

func logConfig(cfg config.Config) {
	log.Printf("ingestor configuration:")
	log.Printf("  remote_api_id=%d", cfg.RemoteAPIID)
	log.Printf("  remote_api_hash=%s", cfg.RedactedAPIHash())
	log.Printf("  remote_channels=%v", cfg.RemoteChannels)
	log.Printf("  worker_count=%d", cfg.WorkerCount)
	log.Printf("  max_file_size_mb=%d", cfg.MaxFileSizeMB)
	log.Printf("  storage_path=%s", cfg.StoragePath)
	log.Printf("  database_url=%s", cfg.DatabaseURL)
	log.Printf("  ioc_domains=%v", cfg.IOCDomains)
	log.Printf("  ioc_emails=%v", cfg.IOCEmails)
	log.Printf("  ioc_ipv4_cidrs=%v", cfg.IOCIPv4CIDRs)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func healthHandler(repo *repository.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if _, err := repo.CountIndicatorsByKind(r.Context()); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]any{
				"status":         "unhealthy",
				"uptime_seconds": metrics.Uptime().Seconds(),
				"timestamp":      time.Now().UTC().Format(time.RFC3339),
				"error":          err.Error(),
			})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"status":         "ok",
			"uptime_seconds": metrics.Uptime().Seconds(),
			"timestamp":      time.Now().UTC().Format(time.RFC3339),
		})
	}
}

func newMux(repo *repository.Store) *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", healthHandler(repo))
	mux.Handle("/metrics", metrics.Handler())
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{
			"name":   "ingestor",
			"status": "running",
		})
	})
	return mux
}

func main() {
	log.SetFlags(log.LstdFlags | log.LUTC | log.Lmsgprefix)
	log.SetPrefix("[ingestor] ")

	cfg, err := config.Load()
	if err != nil {
		log.Printf("configuration error: %v", err)
		os.Exit(1)
	}
	logConfig(cfg)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	repo, err := repository.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Printf("failed to open repository: %v", err)
		os.Exit(1)
	}
	defer repo.Close()

	contentStore, err := store.Open(cfg.StoragePath)
	if err != nil {
		log.Printf("failed to open content store: %v", err)
		os.Exit(1)
	}

	cidrs, err := iocscan.ParseCIDRs(cfg.IOCIPv4CIDRs)
	if err != nil {
		log.Printf("invalid IOC_IPV4_CIDRS: %v", err)
		os.Exit(1)
	}
	scanner := iocscan.New(iocscan.Policy{
		Domains: cfg.IOCDomains,
		Emails:  cfg.IOCEmails,
		CIDRs:   cidrs,
	}, log.Default())

	safeExtractor := extractor.New()
	deduper := dedup.New(repo, hashAdapter{})

	client := remote.NewTelegramClient(remote.TelegramConfig{
		APIID:   cfg.RemoteAPIID,
		APIHash: cfg.RemoteAPIHash,
		Phone:   cfg.RemotePhone,
	})
	source := remote.New(client, cfg.MaxFileSizeMB, log.Default())

	p := pipeline.New(pipeline.Config{WorkerCount: cfg.WorkerCount}, repo, contentStore, deduper, safeExtractor, scanner, source, log.Default())

	if err := source.Connect(ctx); err != nil {
		log.Printf("failed to connect remote source: %v", err)
		os.Exit(1)
	}

	channelIDs, err := source.ResolveChannels(ctx, cfg.RemoteChannels)
	if err != nil {
		log.Printf("failed to resolve channels: %v", err)
		os.Exit(2)
	}

	pipelineCtx, pipelineCancel := context.WithCancel(context.Background())
	var pipelineWG sync.WaitGroup
	pipelineWG.Add(1)
	go func() {
		defer pipelineWG.Done()
		p.Run(pipelineCtx)
	}()

	listenCtx, listenCancel := context.WithCancel(context.Background())
	listenDone := make(chan error, 1)
	go func() {
		listenDone <- source.Listen(listenCtx, p.Queue(), channelIDs)
	}()

	srv := &http.Server{
		Addr:              ":8080",
		Handler:           newMux(repo),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Printf("HTTP server listening on %s", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("http server error: %w", err)
		}
	}()

	select {
	case <-ctx.Done():
		log.Printf("received shutdown signal, draining pipeline...")
	case err := <-listenDone:
		if err != nil {
			log.Printf("remote listen loop ended: %v", err)
		}
	case err := <-errCh:
		log.Printf("server error: %v", err)
	}

	listenCancel()
	pipelineCancel()
	pipelineWG.Wait()

	if err := source.Disconnect(context.Background()); err != nil {
		log.Printf("remote source disconnect: %v", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("graceful shutdown failed: %v", err)
	} else {
		log.Printf("server stopped gracefully")
	}
}
