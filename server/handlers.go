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
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"

	"pgscope/platform/analysis"
	"pgscope/platform/connectors/base"
	"pgscope/platform/connectors/config"
	"pgscope/platform/connectors/pool"
	"pgscope/platform/guard"
)

type contextKey string

const requestIDKey contextKey = "request_id"

func (s *Server) requestMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = uuid.New().String()
		}
		w.Header().Set("X-Request-ID", requestID)
		ctx := context.WithValue(r.Context(), requestIDKey, requestID)

		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r.WithContext(ctx))

		duration := time.Since(start)
		observeRequest(r.Method, r.URL.Path, rec.status, duration)
		s.log.InfoWithDuration(requestID, "request completed", float64(duration.Milliseconds()), map[string]any{
			"method": r.Method,
			"path":   r.URL.Path,
			"status": rec.status,
		})
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func requestID(r *http.Request) string {
	if id, ok := r.Context().Value(requestIDKey).(string); ok {
		return id
	}
	return ""
}

// connectRequest carries connection parameters plus the optional per-request
// knobs the individual endpoints add on top.
type connectRequest struct {
	config.Params

	// Target names an entry from the targets file; it replaces inline
	// connection parameters when set.
	Target string `json:"target,omitempty"`

	SQL       string  `json:"sql,omitempty"`
	Args      []any   `json:"args,omitempty"`
	MaxRows   int     `json:"max_rows,omitempty"`
	Table     string  `json:"table,omitempty"`
	Query     string  `json:"query,omitempty"`
	Analyze   bool    `json:"analyze,omitempty"`
	Threshold float64 `json:"threshold,omitempty"`
	MinExecMS float64 `json:"min_execution_ms,omitempty"`
	Limit     int     `json:"limit,omitempty"`
	Pattern   string  `json:"pattern,omitempty"`
}

type errorResponse struct {
	Error string `json:"error"`
	Rule  string `json:"rule,omitempty"`
}

func decodeRequest(w http.ResponseWriter, r *http.Request, dst *connectRequest) bool {
	defer r.Body.Close()
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid request body: " + err.Error()})
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	resp := errorResponse{Error: err.Error()}
	var rejection *guard.RejectionError
	if errors.As(err, &rejection) {
		resp.Rule = rejection.Rule
	}
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		s.log.ErrorWithErr(requestID(r), "request failed", err, map[string]any{"path": r.URL.Path})
	} else {
		s.log.Warn(requestID(r), "request rejected", map[string]any{"path": r.URL.Path, "error": err.Error()})
	}
	writeJSON(w, status, resp)
}

func statusFor(err error) int {
	var rejection *guard.RejectionError
	var connErr *base.ConnectorError
	switch {
	case errors.As(err, &rejection),
		errors.Is(err, config.ErrAmbiguousConfiguration),
		errors.Is(err, config.ErrIncompleteConfiguration):
		return http.StatusBadRequest
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusRequestTimeout
	case errors.Is(err, pool.ErrPoolExhausted):
		return http.StatusTooManyRequests
	case errors.Is(err, config.ErrMissingCredentials), errors.Is(err, pool.ErrPoolClosed):
		return http.StatusServiceUnavailable
	case errors.As(err, &connErr):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) resolve(ctx context.Context, req *connectRequest) (*config.ConnectionConfig, error) {
	params := req.Params
	if req.Target != "" {
		entry, ok := s.targets[req.Target]
		if !ok {
			return nil, fmt.Errorf("%w: unknown target %q", config.ErrAmbiguousConfiguration, req.Target)
		}
		params = entry.Params()
	}
	return s.resolver.Resolve(ctx, params)
}

// queryRunner feeds analyzer statements through the same guard and pool as
// caller statements. There is no unguarded path to a backend.
type queryRunner struct {
	server *Server
	cfg    *config.ConnectionConfig
}

func (q *queryRunner) Run(ctx context.Context, sql string, args ...any) ([]map[string]any, error) {
	if err := q.server.guard.Validate(sql); err != nil {
		guardRejections.Inc()
		return nil, err
	}
	res, err := q.server.pool.ExecuteWithRetry(ctx, q.cfg, &base.QuerySpec{
		SQL:      sql,
		Args:     args,
		ReadOnly: q.cfg.ReadOnly,
	})
	if err != nil {
		return nil, err
	}
	return res.Rows, nil
}

func (s *Server) runner(cfg *config.ConnectionConfig) *queryRunner {
	return &queryRunner{server: s, cfg: cfg}
}

func (s *Server) handleConnect(w http.ResponseWriter, r *http.Request) {
	var req connectRequest
	if !decodeRequest(w, r, &req) {
		return
	}
	cfg, err := s.resolve(r.Context(), &req)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := s.pool.Warm(r.Context(), cfg); err != nil {
		s.writeError(w, r, err)
		return
	}
	fp := cfg.Fingerprint()
	s.log.Info(requestID(r), "connected", map[string]any{"fingerprint": fp, "kind": cfg.Kind})
	writeJSON(w, http.StatusOK, map[string]any{
		"fingerprint": fp,
		"kind":        cfg.Kind,
		"readonly":    cfg.ReadOnly,
		"pool":        s.pool.Stats()[fp],
	})
}

func (s *Server) handleDisconnect(w http.ResponseWriter, r *http.Request) {
	var req connectRequest
	if !decodeRequest(w, r, &req) {
		return
	}
	cfg, err := s.resolve(r.Context(), &req)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := s.pool.CloseBucket(r.Context(), cfg); err != nil {
		s.writeError(w, r, err)
		return
	}
	s.log.Info(requestID(r), "disconnected", map[string]any{"fingerprint": cfg.Fingerprint()})
	writeJSON(w, http.StatusOK, map[string]any{
		"disconnected": true,
		"fingerprint":  cfg.Fingerprint(),
	})
}

func (s *Server) handleQuery(w http.ResponseWriter, r *http.Request) {
	var req connectRequest
	if !decodeRequest(w, r, &req) {
		return
	}
	if req.SQL == "" {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "sql is required"})
		return
	}
	cfg, err := s.resolve(r.Context(), &req)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := s.guard.Validate(req.SQL); err != nil {
		guardRejections.Inc()
		s.writeError(w, r, err)
		return
	}
	maxRows := req.MaxRows
	if maxRows <= 0 || maxRows > s.maxRows {
		maxRows = s.maxRows
	}
	res, err := s.pool.ExecuteWithRetry(r.Context(), cfg, &base.QuerySpec{
		SQL:      req.SQL,
		Args:     req.Args,
		ReadOnly: cfg.ReadOnly,
		MaxRows:  maxRows,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"rows":        res.Rows,
		"row_count":   res.RowCount,
		"duration_ms": float64(res.Duration.Microseconds()) / 1000.0,
	})
}

func (s *Server) handleSchema(w http.ResponseWriter, r *http.Request) {
	var req connectRequest
	if !decodeRequest(w, r, &req) {
		return
	}
	if req.Table == "" {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "table is required"})
		return
	}
	cfg, err := s.resolve(r.Context(), &req)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	columns, err := analysis.GetTableSchema(r.Context(), s.runner(cfg), req.Table)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"table":   req.Table,
		"columns": columns,
	})
}

// handleHealth reports process and pool state without leasing a backend
// connection. A degraded pool is reported, not converted into a failure.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	stats := s.pool.Stats()
	status := "ok"
	for _, st := range stats {
		if st.Total == 0 {
			status = "degraded"
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":    status,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
		"pools":     stats,
	})
}

// analyzeHandler wraps the shared resolve-then-run plumbing around one
// analyzer invocation.
func (s *Server) analyzeHandler(run func(ctx context.Context, runner analysis.Runner, req *connectRequest) (*analysis.Result, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req connectRequest
		if !decodeRequest(w, r, &req) {
			return
		}
		cfg, err := s.resolve(r.Context(), &req)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		start := time.Now()
		result, err := run(r.Context(), s.runner(cfg), &req)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		if result.Metadata == nil {
			result.Metadata = make(map[string]any)
		}
		result.Metadata["execution_time_ms"] = float64(time.Since(start).Microseconds()) / 1000.0
		writeJSON(w, http.StatusOK, result)
	}
}

func (s *Server) handleAnalyzeStructure(w http.ResponseWriter, r *http.Request) {
	s.analyzeHandler(func(ctx context.Context, runner analysis.Runner, req *connectRequest) (*analysis.Result, error) {
		return analysis.AnalyzeStructure(ctx, runner)
	})(w, r)
}

func (s *Server) handleAnalyzePerformance(w http.ResponseWriter, r *http.Request) {
	s.analyzeHandler(func(ctx context.Context, runner analysis.Runner, req *connectRequest) (*analysis.Result, error) {
		if req.Query == "" {
			return nil, &guard.RejectionError{Rule: "empty_statement", Detail: "query is required"}
		}
		if err := s.guard.Validate(req.Query); err != nil {
			guardRejections.Inc()
			return nil, err
		}
		return analysis.AnalyzeQueryPerformance(ctx, runner, req.Query, req.Analyze)
	})(w, r)
}

func (s *Server) handleAnalyzeIndexes(w http.ResponseWriter, r *http.Request) {
	s.analyzeHandler(func(ctx context.Context, runner analysis.Runner, req *connectRequest) (*analysis.Result, error) {
		if req.Query == "" {
			return nil, &guard.RejectionError{Rule: "empty_statement", Detail: "query is required"}
		}
		if err := s.guard.Validate(req.Query); err != nil {
			guardRejections.Inc()
			return nil, err
		}
		return analysis.RecommendIndexes(ctx, runner, req.Query)
	})(w, r)
}

func (s *Server) handleAnalyzeFragmentation(w http.ResponseWriter, r *http.Request) {
	s.analyzeHandler(func(ctx context.Context, runner analysis.Runner, req *connectRequest) (*analysis.Result, error) {
		threshold := req.Threshold
		if threshold <= 0 {
			threshold = analysis.DefaultBloatThreshold
		}
		return analysis.AnalyzeFragmentation(ctx, runner, threshold)
	})(w, r)
}

func (s *Server) handleAnalyzeVacuum(w http.ResponseWriter, r *http.Request) {
	s.analyzeHandler(func(ctx context.Context, runner analysis.Runner, req *connectRequest) (*analysis.Result, error) {
		return analysis.AnalyzeVacuum(ctx, runner)
	})(w, r)
}

func (s *Server) handleAnalyzeSlowQueries(w http.ResponseWriter, r *http.Request) {
	s.analyzeHandler(func(ctx context.Context, runner analysis.Runner, req *connectRequest) (*analysis.Result, error) {
		minMS := req.MinExecMS
		if minMS <= 0 {
			minMS = analysis.DefaultSlowQueryMinMS
		}
		limit := req.Limit
		if limit <= 0 {
			limit = analysis.DefaultSlowQueryLimit
		}
		return analysis.AnalyzeSlowQueries(ctx, runner, minMS, limit)
	})(w, r)
}

func (s *Server) handleAnalyzeSettings(w http.ResponseWriter, r *http.Request) {
	s.analyzeHandler(func(ctx context.Context, runner analysis.Runner, req *connectRequest) (*analysis.Result, error) {
		return analysis.AnalyzeSettings(ctx, runner, req.Pattern)
	})(w, r)
}
