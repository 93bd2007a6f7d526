// Package server exposes a store.Store over HTTP as the remote authority of
// treesync replicas. store.Client is its counterpart.
package server

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/kevinxiao27/treesync/internal/metrics"
	"github.com/kevinxiao27/treesync/store"
)

const maxObjectSize = 64 << 20

type Server struct {
	store    store.Store
	logger   *slog.Logger
	upgrader websocket.Upgrader
	router   *mux.Router
}

func New(st store.Store, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		store:  st,
		logger: logger.With(slog.String("component", "server")),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}

	r := mux.NewRouter().UseEncodedPath()
	r.Use(s.instrument)
	r.HandleFunc("/objects/{hash}", s.handleGetObject).Methods(http.MethodGet)
	r.HandleFunc("/objects/{hash}", s.handlePutObject).Methods(http.MethodPut)
	r.HandleFunc("/branches/{key}", s.handleGetBranch).Methods(http.MethodGet)
	r.HandleFunc("/branches/{key}", s.handlePutBranch).Methods(http.MethodPut)
	r.HandleFunc("/branches/{key}/listen", s.handleListen).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)
	r.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = io.WriteString(w, "ok")
	}).Methods(http.MethodGet)
	s.router = r
	return s
}

func (s *Server) Handler() http.Handler {
	return s.router
}

// Run serves on addr until ctx is done, then shuts down gracefully.
func (s *Server) Run(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("store server listening", slog.String("addr", addr))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	if err := <-errCh; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func pathVar(r *http.Request, name string) (string, error) {
	return url.PathUnescape(mux.Vars(r)[name])
}

func (s *Server) fail(w http.ResponseWriter, code int, err error) {
	if code >= http.StatusInternalServerError {
		s.logger.Error("request failed", slog.String("error", err.Error()))
	}
	http.Error(w, err.Error(), code)
}

func (s *Server) handleGetObject(w http.ResponseWriter, r *http.Request) {
	hash, err := pathVar(r, "hash")
	if err != nil {
		s.fail(w, http.StatusBadRequest, err)
		return
	}
	data, err := s.store.GetObject(r.Context(), hash)
	switch {
	case errors.Is(err, store.ErrNotFound):
		s.fail(w, http.StatusNotFound, err)
		return
	case err != nil:
		s.fail(w, http.StatusInternalServerError, err)
		return
	}
	w.Header().Set("Content-Type", "application/octet-stream")
	_, _ = w.Write(data)
}

func (s *Server) handlePutObject(w http.ResponseWriter, r *http.Request) {
	hash, err := pathVar(r, "hash")
	if err != nil {
		s.fail(w, http.StatusBadRequest, err)
		return
	}
	data, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxObjectSize))
	if err != nil {
		s.fail(w, http.StatusBadRequest, err)
		return
	}
	if store.Hash(data) != hash {
		s.fail(w, http.StatusBadRequest, fmt.Errorf("object %s: %w", hash, store.ErrHashMismatch))
		return
	}
	if err := s.store.PutObject(r.Context(), hash, data); err != nil {
		s.fail(w, http.StatusInternalServerError, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleGetBranch(w http.ResponseWriter, r *http.Request) {
	key, err := pathVar(r, "key")
	if err != nil {
		s.fail(w, http.StatusBadRequest, err)
		return
	}
	hash, ok, err := s.store.GetBranch(r.Context(), key)
	if err != nil {
		s.fail(w, http.StatusInternalServerError, err)
		return
	}
	if !ok {
		s.fail(w, http.StatusNotFound, fmt.Errorf("branch %s not found", key))
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(store.BranchMessage{Hash: hash})
}

// handlePutBranch moves a branch pointer. The version it points to must
// already be stored.
func (s *Server) handlePutBranch(w http.ResponseWriter, r *http.Request) {
	key, err := pathVar(r, "key")
	if err != nil {
		s.fail(w, http.StatusBadRequest, err)
		return
	}
	var msg store.BranchMessage
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<16)).Decode(&msg); err != nil {
		s.fail(w, http.StatusBadRequest, fmt.Errorf("decode branch message: %w", err))
		return
	}
	if msg.Hash == "" {
		s.fail(w, http.StatusBadRequest, errors.New("hash must not be empty"))
		return
	}
	if _, err := s.store.GetObject(r.Context(), msg.Hash); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			s.fail(w, http.StatusConflict, fmt.Errorf("version %s is not stored", msg.Hash))
			return
		}
		s.fail(w, http.StatusInternalServerError, err)
		return
	}
	if err := s.store.PutBranch(r.Context(), key, msg.Hash); err != nil {
		s.fail(w, http.StatusInternalServerError, err)
		return
	}
	s.logger.Debug("branch updated", slog.String("branch", key), slog.String("hash", msg.Hash))
	w.WriteHeader(http.StatusNoContent)
}

// handleListen pushes the current value of a branch and every change to it
// until the client goes away.
func (s *Server) handleListen(w http.ResponseWriter, r *http.Request) {
	key, err := pathVar(r, "key")
	if err != nil {
		s.fail(w, http.StatusBadRequest, err)
		return
	}
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", slog.String("error", err.Error()))
		return
	}
	defer conn.Close()

	metrics.StoreListeners.Inc()
	defer metrics.StoreListeners.Dec()
	s.logger.Debug("listener connected", slog.String("branch", key))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	err = s.store.Listen(ctx, key, func(hash string) {
		if err := conn.WriteJSON(store.BranchMessage{Hash: hash}); err != nil {
			cancel()
		}
	})
	if err != nil {
		s.logger.Warn("branch listen failed", slog.String("branch", key), slog.String("error", err.Error()))
	}
	s.logger.Debug("listener disconnected", slog.String("branch", key))
}

type statusRecorder struct {
	http.ResponseWriter
	code int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.code = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	r.code = http.StatusSwitchingProtocols
	return h.Hijack()
}

func (s *Server) instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec := &statusRecorder{ResponseWriter: w, code: http.StatusOK}
		next.ServeHTTP(rec, r)
		route := "unknown"
		if cur := mux.CurrentRoute(r); cur != nil {
			if tmpl, err := cur.GetPathTemplate(); err == nil {
				route = tmpl
			}
		}
		metrics.StoreRequests.WithLabelValues(route, strconv.Itoa(rec.code)).Inc()
	})
}
