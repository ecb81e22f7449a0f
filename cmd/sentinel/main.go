// Sentinel is the polis content-adaptation service: an ICAP server
// exposing the polis_dlp REQMOD service (credential DLP + OTT rewrite)
// and the polis_sentinel_resp RESPMOD service (antivirus + approval
// commit), plus an ops endpoint for metrics and health.
package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/odralabshq/polis/internal/config"
	"github.com/odralabshq/polis/internal/icap"
	"github.com/odralabshq/polis/internal/metrics"
	"github.com/odralabshq/polis/internal/policy"
	"github.com/odralabshq/polis/internal/reqmod"
	"github.com/odralabshq/polis/internal/respmod"
	"github.com/odralabshq/polis/internal/store"
)

func main() {
	// Local development convenience; production injects real env.
	_ = godotenv.Load()

	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, nil)))

	cfg := config.Load(os.Getenv("POLIS_CONFIG"))
	m := metrics.New(prometheus.DefaultRegisterer)

	coord := store.NewCoordinator(cfg.Valkey)
	defer coord.Close()

	poller := policy.NewPoller(func(ctx context.Context) (string, bool, error) {
		var value string
		var found bool
		err := coord.With(ctx, store.RoleDLPReader, func(cmd store.Commands) error {
			var err error
			value, found, err = cmd.Get(ctx, policy.SecurityLevelKey)
			return err
		})
		if err != nil {
			m.PolicyErrors.Inc()
		}
		return value, found, err
	})

	server := icap.NewServer(cfg)
	if err := server.Register(reqmod.New(coord, poller, m)); err != nil {
		slog.Error("sentinel: reqmod service failed to start", "error", err)
		os.Exit(1)
	}
	if err := server.Register(respmod.New(coord, nil, m)); err != nil {
		slog.Error("sentinel: respmod service failed to start", "error", err)
		os.Exit(1)
	}

	go serveOps(cfg, coord)

	go func() {
		if err := server.ListenAndServe(); err != nil {
			slog.Error("sentinel: icap server exited", "error", err)
			os.Exit(1)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	slog.Info("sentinel: shutting down")
	server.Shutdown()
}

func serveOps(cfg *config.Config, coord *store.Coordinator) {
	r := mux.NewRouter()
	r.Handle("/metrics", promhttp.Handler())
	r.HandleFunc("/healthz", func(w http.ResponseWriter, req *http.Request) {
		ctx, cancel := context.WithTimeout(req.Context(), 3*time.Second)
		defer cancel()
		if err := coord.Healthy(ctx, store.RoleDLPReader); err != nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			w.Write([]byte(`{"status":"degraded","store":"` + err.Error() + `"}`))
			return
		}
		w.Write([]byte(`{"status":"ok"}`))
	}).Methods("GET")

	srv := &http.Server{
		Addr:         cfg.Ops.Addr,
		Handler:      r,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
	slog.Info("sentinel: ops endpoint listening", "addr", cfg.Ops.Addr)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		slog.Error("sentinel: ops endpoint exited", "error", err)
	}
}
