package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/hostvol/hostvol/pkg/attach"
	"github.com/hostvol/hostvol/pkg/authorize"
	"github.com/hostvol/hostvol/pkg/config"
	"github.com/hostvol/hostvol/pkg/datastore"
	"github.com/hostvol/hostvol/pkg/locks"
	"github.com/hostvol/hostvol/pkg/log"
	"github.com/hostvol/hostvol/pkg/metadata"
	"github.com/hostvol/hostvol/pkg/metrics"
	"github.com/hostvol/hostvol/pkg/service"
	"github.com/hostvol/hostvol/pkg/tenantstore"
	"github.com/hostvol/hostvol/pkg/types"
	"github.com/hostvol/hostvol/pkg/vmruntime"
	"github.com/hostvol/hostvol/pkg/volumes"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the volume service",
	Long: `Run the volume service: accept volume requests on the unix socket,
authorize them against the tenant store and carry them out.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(configPath)
		if err != nil {
			return err
		}
		log.Init(log.Config{Level: log.Level(cfg.LogLevel), JSONOutput: cfg.LogJSON})
		return serve(cfg)
	},
}

func serve(cfg *config.Config) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	registry := datastore.NewRegistry(datastore.DirProber{Root: cfg.DatastoreRoot})
	resolver := datastore.NewResolver()

	store, err := tenantstore.Open(cfg.DBPath, registry, resolver)
	if err != nil {
		return err
	}
	defer store.Close()
	if store.Configured() {
		metrics.StoreConfigured.Set(1)
	} else {
		metrics.StoreConfigured.Set(0)
		log.Warn("tenant store not initialized, running in allow-all mode; run 'hostvol init' to enable tenancy")
	}

	meta, err := metadata.NewBoltStore(cfg.MetaDBPath)
	if err != nil {
		return err
	}
	defer meta.Close()

	// The hypervisor binding is deployment-specific and injected here; the
	// in-memory runtime keeps the service runnable for development.
	runtime := newRuntime()
	if _, ok := runtime.(*vmruntime.Fake); ok {
		log.Warn("no hypervisor binding compiled in, using the in-memory runtime")
	}

	vols := volumes.NewController(volumes.NewLocalDriver(), meta, store, resolver, registry,
		runtime, cfg.RemoveRetries, cfg.RemoveRetryDelay.Std())
	att := attach.NewController(runtime, meta, cfg.ReconfigureTimeout.Std())
	vols.SetStaleRecoverer(att)

	// Tenant removal with cascade purges volumes through the controller.
	store.SetRemoveVolumeFunc(func(tenantID, tenantName, dsURL, volName string) error {
		ds, err := registry.GetByURL(dsURL)
		if errors.Is(err, types.ErrNotFound) {
			log.Logger.Warn().Str("datastore", dsURL).Str("volume", volName).
				Msg("datastore gone, dropping ledger row only")
			return store.RemoveVolume(tenantID, dsURL, volName)
		}
		if err != nil {
			return err
		}
		return vols.Remove(context.Background(), &types.Tenant{ID: tenantID, Name: tenantName}, ds, volName)
	})

	dispatcher := service.NewDispatcher(authorize.NewEngine(store), registry, resolver,
		vols, att, runtime, locks.NewRegistry())

	listener := service.NewListener(dispatcher, cfg.SocketPath)
	if err := listener.Start(ctx); err != nil {
		return err
	}
	defer listener.Stop()

	var metricsSrv *http.Server
	if cfg.MetricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", metrics.Handler())
		metricsSrv = &http.Server{Addr: cfg.MetricsAddr, Handler: mux}
		go func() {
			if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Errorf("metrics listener failed", err)
			}
		}()
		log.Logger.Info().Str("addr", cfg.MetricsAddr).Msg("metrics endpoint up")
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	fmt.Printf("\nReceived signal %v, shutting down...\n", sig)

	if metricsSrv != nil {
		metricsSrv.Shutdown(context.Background())
	}
	return nil
}

func newRuntime() vmruntime.Runtime {
	return vmruntime.NewFake()
}
