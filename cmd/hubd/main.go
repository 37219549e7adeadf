package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"

	"github.com/casa-home/casahub-go/internal/api"
	"github.com/casa-home/casahub-go/internal/commands"
	"github.com/casa-home/casahub-go/internal/config"
	"github.com/casa-home/casahub-go/internal/discovery"
	"github.com/casa-home/casahub-go/internal/hub"
	"github.com/casa-home/casahub-go/internal/metrics"
	"github.com/casa-home/casahub-go/internal/mirror"
	"github.com/casa-home/casahub-go/internal/resync"
	"github.com/casa-home/casahub-go/internal/settings"
	"github.com/casa-home/casahub-go/pkg/logger"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, "failed to load configuration:", err)
		os.Exit(1)
	}

	log := logger.New(cfg.Logging.Level, cfg.Logging.Format)

	store, err := settings.OpenStore(cfg.Database.Path, cfg.Database.MigrationsPath, log)
	if err != nil {
		log.Fatal("Failed to open settings store: ", err)
	}
	defer store.Close()

	registry := prometheus.NewRegistry()
	m := metrics.New(registry)

	dispatcher := hub.NewDispatcher(log)
	client := hub.NewClient(hub.Options{
		HandshakeTimeout: config.Duration(cfg.Hub.HandshakeTimeout, 30*time.Second),
		PingInterval:     config.Duration(cfg.Hub.PingInterval, 10*time.Second),
		ReconnectDelay:   config.Duration(cfg.Hub.ReconnectDelay, 5*time.Second),
	}, dispatcher, m, log)

	enrich, err := mirror.LoadEnrichment(cfg.Mirror.EnrichmentPath)
	if err != nil {
		log.Fatal("Failed to load enrichment tables: ", err)
	}
	dataTimeout := config.Duration(cfg.Hub.DataTimeout, 15*time.Second)
	mir := mirror.New(client, enrich, m, log, dataTimeout)

	facade := commands.New(client, m, log, dataTimeout)

	recon, err := settings.NewReconciler(cfg.User.Slug, store, facade, log)
	if err != nil {
		log.Fatal("Failed to initialize settings reconciler: ", err)
	}
	recon.Attach(mir)

	connectHub(cfg, store, client, log)

	var scheduler *resync.Scheduler
	if cfg.Mirror.ResyncSchedule != "" {
		scheduler, err = resync.New(cfg.Mirror.ResyncSchedule, client, mir, log)
		if err != nil {
			log.WithError(err).Warn("Invalid resync schedule, periodic resync disabled")
		} else {
			scheduler.Start()
		}
	}

	router := api.NewRouter(client, mir, facade, recon, registry, log)
	srv := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Infof("Serving local API on %s", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("Failed to start server: ", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("Shutting down...")

	if scheduler != nil {
		scheduler.Stop()
	}
	client.Disconnect()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.WithError(err).Warn("Server forced to shutdown")
	}

	log.Info("Exited")
}

// connectHub resolves credentials (config, cached fallback, mDNS-assisted)
// and opens the session. Failure is not fatal: the client keeps retrying on
// its own, and auth rejection is logged for the operator.
func connectHub(cfg *config.Config, store *settings.Store, client *hub.Client, log *logrus.Logger) {
	creds := hub.Credentials{URL: cfg.Hub.URL, Token: cfg.Hub.Token}

	if creds.URL == "" || creds.Token == "" {
		if url, token, ok, err := store.Credentials(); err == nil && ok {
			if creds.URL == "" {
				creds.URL = url
			}
			if creds.Token == "" {
				creds.Token = token
			}
		}
	}

	if creds.URL == "" && cfg.Hub.Discovery {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		url, err := discovery.Lookup(ctx, 8*time.Second, log)
		cancel()
		if err == nil {
			creds.URL = url
		} else {
			log.Warn("Hub discovery failed: ", err)
		}
	}

	if creds.URL == "" || creds.Token == "" {
		log.Warn("No hub credentials available; configure hub.url and hub.token")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 35*time.Second)
	defer cancel()
	ok, err := client.Connect(ctx, creds)
	if err != nil {
		log.Error("Hub connection failed: ", err)
		return
	}
	if ok {
		log.Infof("Connected to hub at %s", creds.URL)
		if err := store.SaveCredentials(creds.URL, creds.Token); err != nil {
			log.Warn("Failed to cache credentials: ", err)
		}
		return
	}
	log.Warn("Hub connection not established; will keep retrying unless the token was rejected")
}
