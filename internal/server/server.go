package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"strconv"
	"time"

	"snapmint/internal/config"
	"snapmint/internal/hmacauth"
	"snapmint/internal/ledger"
	"snapmint/internal/session"
	"snapmint/internal/uploader"
)

const maxMediaBytes = 25 << 20

type Server struct {
	cfg         *config.AppConfig
	controller  *session.Controller
	uploader    uploader.Uploader
	hmac        *hmacauth.Verifier
	httpServer  *http.Server
	metrics     *metricsRegistry
	dbHealthFn  func(context.Context) error
	rpcHealthFn func(context.Context) error
}

func NewServer(cfg *config.AppConfig, ctrl *session.Controller, up uploader.Uploader, store any, l ledger.Ledger) *Server {
	metrics := newMetricsRegistry()

	s := &Server{
		cfg:        cfg,
		controller: ctrl,
		uploader:   up,
		hmac:       hmacauth.NewVerifier(cfg.Service.FrontendSecret, cfg.Service.HMACClockSkew),
		metrics:    metrics,
	}

	if checker, ok := store.(interface{ Ping(context.Context) error }); ok {
		s.dbHealthFn = checker.Ping
	}
	if checker, ok := l.(ledger.HealthChecker); ok {
		s.rpcHealthFn = checker.Ping
	}

	mux := http.NewServeMux()
	mux.Handle("POST /api/v1/sessions", s.hmac.Middleware(http.HandlerFunc(s.handleCreateSession)))
	mux.HandleFunc("GET /api/v1/sessions/{id}", s.handlePollSession)
	mux.HandleFunc("GET /api/v1/escrow/{address}", s.handlePollByAddress)
	mux.Handle("POST /api/v1/sessions/{id}/media", s.hmac.Middleware(http.HandlerFunc(s.handleAttachMedia)))
	mux.Handle("/api/v1/metrics", metrics.handler())
	mux.HandleFunc("/api/v1/health", s.handleHealth)

	s.httpServer = &http.Server{
		Addr:              ":" + strconv.Itoa(cfg.Service.HTTPPort),
		Handler:           requestIDMiddleware(mux),
		ReadHeaderTimeout: 15 * time.Second,
	}
	return s
}

func (s *Server) Start() error {
	log.Printf("API listening on %s", s.httpServer.Addr)
	return s.httpServer.ListenAndServe()
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var payload session.CreateRequest
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		http.Error(w, "invalid json payload", http.StatusBadRequest)
		return
	}

	result, err := s.controller.Create(r.Context(), payload)
	if err != nil {
		if errors.Is(err, session.ErrUnknownOutputType) {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		http.Error(w, "failed to create session: "+err.Error(), http.StatusBadGateway)
		return
	}

	s.metrics.incSession(string(payload.OutputType))
	writeJSON(w, http.StatusCreated, result)
}

func (s *Server) handlePollSession(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	result, err := s.controller.Poll(r.Context(), id)
	if err != nil {
		if errors.Is(err, session.ErrNotFound) {
			http.Error(w, "session not found", http.StatusNotFound)
			return
		}
		http.Error(w, "failed to poll session: "+err.Error(), http.StatusBadGateway)
		return
	}

	s.metrics.incPoll(string(result.Status))
	switch result.Status {
	case session.StatusMinted, session.StatusSwept:
		if result.MintAddress != "" {
			s.metrics.incMint("success")
		}
	case session.StatusPaid, session.StatusNeedsFunding:
		if result.Message != "" {
			s.metrics.incMint("failed")
		}
	}
	s.updateSweepDLQDepth()

	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handlePollByAddress(w http.ResponseWriter, r *http.Request) {
	address := r.PathValue("address")

	result, err := s.controller.PollByAddress(r.Context(), address)
	if err != nil {
		if errors.Is(err, session.ErrNotFound) {
			http.Error(w, "escrow address not found", http.StatusNotFound)
			return
		}
		http.Error(w, "failed to poll session: "+err.Error(), http.StatusBadGateway)
		return
	}

	s.metrics.incPoll(string(result.Status))
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleAttachMedia(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	r.Body = http.MaxBytesReader(w, r.Body, maxMediaBytes)
	if err := r.ParseMultipartForm(maxMediaBytes); err != nil {
		http.Error(w, "invalid multipart payload", http.StatusBadRequest)
		return
	}
	file, header, err := r.FormFile("file")
	if err != nil {
		http.Error(w, "missing file part", http.StatusBadRequest)
		return
	}
	defer file.Close()

	data, err := io.ReadAll(file)
	if err != nil {
		http.Error(w, "failed to read file part", http.StatusBadRequest)
		return
	}

	uri, err := s.uploader.Upload(r.Context(), data, header.Header.Get("Content-Type"), header.Filename)
	if err != nil {
		s.metrics.incMediaUpload("failed")
		http.Error(w, "failed to upload media: "+err.Error(), http.StatusBadGateway)
		return
	}

	if err := s.controller.AttachMedia(r.Context(), id, uri); err != nil {
		s.metrics.incMediaUpload("rejected")
		if errors.Is(err, session.ErrNotFound) {
			http.Error(w, "session not found", http.StatusNotFound)
			return
		}
		http.Error(w, err.Error(), http.StatusConflict)
		return
	}

	s.metrics.incMediaUpload("stored")
	writeJSON(w, http.StatusOK, struct {
		URI string `json:"uri"`
	}{URI: uri})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	overallHealthy := true

	rpcInfo := struct {
		Connected bool    `json:"connected"`
		LatencyMs float64 `json:"latency_ms"`
		Error     string  `json:"error,omitempty"`
	}{}

	if s.rpcHealthFn != nil {
		start := time.Now()
		rpcCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		defer cancel()
		if err := s.rpcHealthFn(rpcCtx); err != nil {
			rpcInfo.Connected = false
			rpcInfo.Error = err.Error()
			overallHealthy = false
		} else {
			rpcInfo.Connected = true
			rpcInfo.LatencyMs = float64(time.Since(start).Microseconds()) / 1000.0
		}
	} else {
		rpcInfo.Connected = true
	}

	dbInfo := struct {
		Connected bool   `json:"connected"`
		Error     string `json:"error,omitempty"`
	}{Connected: true}

	if s.dbHealthFn != nil {
		dbCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		defer cancel()
		if err := s.dbHealthFn(dbCtx); err != nil {
			dbInfo.Connected = false
			dbInfo.Error = err.Error()
			overallHealthy = false
		}
	}

	dlqDepth := s.updateSweepDLQDepth()

	status := "healthy"
	if !overallHealthy {
		status = "degraded"
	}

	resp := struct {
		Status        string      `json:"status"`
		RPC           interface{} `json:"rpc"`
		Database      interface{} `json:"database"`
		SweepDLQDepth int         `json:"sweep_dlq_depth"`
	}{
		Status:        status,
		RPC:           rpcInfo,
		Database:      dbInfo,
		SweepDLQDepth: dlqDepth,
	}

	w.Header().Set("Content-Type", "application/json")
	if !overallHealthy {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	_ = json.NewEncoder(w).Encode(resp)
}

func (s *Server) updateSweepDLQDepth() int {
	if s.cfg.Service.SweepDLQPath == "" {
		return 0
	}
	entries, err := os.ReadDir(s.cfg.Service.SweepDLQPath)
	if err != nil {
		if !os.IsNotExist(err) {
			log.Printf("sweep dlq read error: %v", err)
		}
		s.metrics.setSweepDLQDepth(0)
		return 0
	}
	s.metrics.setSweepDLQDepth(len(entries))
	return len(entries)
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-Request-Id") == "" {
			r.Header.Set("X-Request-Id", fmt.Sprintf("%d", time.Now().UnixNano()))
		}
		next.ServeHTTP(w, r)
	})
}
