/*
Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-logr/logr"
	"github.com/go-logr/zapr"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/driftplane/driftplane/pkg/controllers"
	"github.com/driftplane/driftplane/pkg/operator"
	"github.com/driftplane/driftplane/pkg/operator/options"
)

func main() {
	opts := options.New().MustParse()

	logger := newLogger(opts.LogLevel)
	defer logger.Sync() //nolint:errcheck
	log := zapr.NewLogger(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	ctx = logr.NewContext(ctx, log)
	ctx = options.ToContext(ctx, opts)

	op, err := operator.NewOperator(ctx, opts)
	if err != nil {
		log.Error(err, "assembling the control plane")
		os.Exit(1)
	}
	defer op.Close()

	metricsMux := http.NewServeMux()
	metricsMux.Handle("/metrics", promhttp.Handler())
	go serve(ctx, log, "metrics", opts.MetricsPort, metricsMux)

	probeMux := http.NewServeMux()
	probeMux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	probeMux.HandleFunc("/readyz", func(w http.ResponseWriter, r *http.Request) {
		if err := op.Ready(r.Context()); err != nil {
			http.Error(w, err.Error(), http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	})
	go serve(ctx, log, "probes", opts.HealthProbePort, probeMux)

	log.Info("starting control plane", "storage", opts.Storage, "kv-backend", opts.KVBackend)
	if err := controllers.Run(ctx, operator.NewControllers(ctx, op)...); err != nil {
		log.Error(err, "control plane failed")
		os.Exit(1)
	}
	log.Info("control plane stopped")
}

func newLogger(level string) *zap.Logger {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		lvl = zapcore.InfoLevel
	}
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(lvl)
	logger, err := cfg.Build()
	if err != nil {
		panic(fmt.Sprintf("building logger, %v", err))
	}
	return logger
}

func serve(ctx context.Context, log logr.Logger, name string, port int, mux *http.ServeMux) {
	server := &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		server.Shutdown(shutdownCtx) //nolint:errcheck
	}()
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Error(err, "http server failed", "server", name)
	}
}
