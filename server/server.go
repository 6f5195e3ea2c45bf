// Copyright 2025 PgScope
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package server

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"

	"pgscope/platform/connectors/base"
	"pgscope/platform/connectors/config"
	"pgscope/platform/connectors/pool"
	"pgscope/platform/connectors/postgres"
	"pgscope/platform/connectors/rdsdata"
	"pgscope/platform/guard"
	"pgscope/platform/shared/logger"
)

// Server owns the resolver, guard, and pool. All state hangs off this
// struct; nothing package-level is mutable.
type Server struct {
	log      *logger.Logger
	resolver *config.Resolver
	guard    *guard.Guard
	pool     *pool.Pool
	maxRows  int

	// targets are optional named connection entries from a targets file,
	// addressable by the "target" request field.
	targets map[string]config.TargetEntry
}

// SetTargets installs the named connection targets. Call before serving.
func (s *Server) SetTargets(targets map[string]config.TargetEntry) {
	s.targets = targets
}

// NewServer wires the server from its parts. Backends are dialed through a
// factory matching the resolved configuration kind.
func NewServer(resolver *config.Resolver, opts pool.Options, maxRows int) *Server {
	return newServer(resolver, nil, opts, maxRows)
}

func newServer(resolver *config.Resolver, factory pool.Factory, opts pool.Options, maxRows int) *Server {
	s := &Server{
		log:      logger.New("SERVER"),
		resolver: resolver,
		guard:    guard.New(),
		maxRows:  maxRows,
	}
	if factory == nil {
		factory = s.dial
	}
	s.pool = pool.New(factory, opts)
	return s
}

func (s *Server) dial(ctx context.Context, cfg *config.ConnectionConfig) (base.Connector, error) {
	switch cfg.Kind {
	case config.KindRDSDataAPI:
		return rdsdata.New(ctx, cfg)
	case config.KindDirect:
		return postgres.New(ctx, cfg)
	default:
		return nil, fmt.Errorf("unknown backend kind %q", cfg.Kind)
	}
}

// Router builds the HTTP route table.
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()
	r.Use(s.requestMiddleware)

	r.HandleFunc("/health", s.handleHealth).Methods("GET")
	r.Handle("/metrics", promhttp.Handler()).Methods("GET")

	v1 := r.PathPrefix("/v1").Subrouter()
	v1.HandleFunc("/connect", s.handleConnect).Methods("POST")
	v1.HandleFunc("/disconnect", s.handleDisconnect).Methods("POST")
	v1.HandleFunc("/query", s.handleQuery).Methods("POST")
	v1.HandleFunc("/schema", s.handleSchema).Methods("POST")

	analyze := v1.PathPrefix("/analyze").Subrouter()
	analyze.HandleFunc("/structure", s.handleAnalyzeStructure).Methods("POST")
	analyze.HandleFunc("/performance", s.handleAnalyzePerformance).Methods("POST")
	analyze.HandleFunc("/indexes", s.handleAnalyzeIndexes).Methods("POST")
	analyze.HandleFunc("/fragmentation", s.handleAnalyzeFragmentation).Methods("POST")
	analyze.HandleFunc("/vacuum", s.handleAnalyzeVacuum).Methods("POST")
	analyze.HandleFunc("/slow-queries", s.handleAnalyzeSlowQueries).Methods("POST")
	analyze.HandleFunc("/settings", s.handleAnalyzeSettings).Methods("POST")

	return r
}

// Run starts the HTTP server and blocks until SIGINT or SIGTERM, then
// drains the pool and shuts down.
func Run() error {
	log := logger.New("SERVER")

	var secrets config.SecretsManager
	region := os.Getenv("PGSCOPE_REGION")
	ctx := context.Background()
	if sm, err := config.NewAWSSecretsManager(ctx, region); err == nil {
		secrets = sm
	} else {
		log.Warn("", "AWS secrets manager unavailable, using environment fallback", map[string]any{
			"error": err.Error(),
		})
		secrets = config.EnvSecretsManager{}
	}

	s := NewServer(config.NewResolver(secrets), pool.OptionsFromEnv(), envInt("PGSCOPE_MAX_ROWS", 1000))

	if path := os.Getenv("PGSCOPE_TARGETS_FILE"); path != "" {
		tf, err := config.LoadTargets(path)
		if err != nil {
			return err
		}
		s.SetTargets(tf.Targets)
		s.warmTargets(ctx, tf.Targets)
	}

	handler := cors.New(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Content-Type", "X-Request-ID"},
	}).Handler(s.Router())

	addr := ":" + getEnv("PGSCOPE_PORT_HTTP", "8080")
	srv := &http.Server{
		Addr:         addr,
		Handler:      handler,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 120 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("", "listening", map[string]any{"addr": addr})
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		log.ErrorWithErr("", "http server failed", err, nil)
		return err
	case sig := <-stop:
		log.Info("", "shutting down", map[string]any{"signal": sig.String()})
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn("", "http shutdown incomplete", map[string]any{"error": err.Error()})
	}
	return s.pool.Shutdown(shutdownCtx)
}

// warmTargets pre-dials pools for declared targets. Failures are logged and
// skipped so one unreachable target does not block startup.
func (s *Server) warmTargets(ctx context.Context, targets map[string]config.TargetEntry) {
	for name, entry := range targets {
		cfg, err := s.resolver.Resolve(ctx, entry.Params())
		if err != nil {
			s.log.Warn("", "skipping target", map[string]any{"target": name, "error": err.Error()})
			continue
		}
		if err := s.pool.Warm(ctx, cfg); err != nil {
			s.log.Warn("", "warming target failed", map[string]any{"target": name, "error": err.Error()})
			continue
		}
		s.log.Info("", "target warmed", map[string]any{"target": name, "fingerprint": cfg.Fingerprint()})
	}
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		var n int
		if _, err := fmt.Sscanf(v, "%d", &n); err == nil && n > 0 {
			return n
		}
	}
	return fallback
}
