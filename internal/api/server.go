package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"reward-accumulator/internal/audit"
	xerrors "reward-accumulator/internal/errors"
	"reward-accumulator/internal/observability/metrics"
	"reward-accumulator/internal/scheduler"
	"reward-accumulator/pkg/logger"
)

// Runner 是 API 触发运行所需的调度能力。
type Runner interface {
	Trigger(ctx context.Context, source string) (string, error)
	Latest() (scheduler.Status, bool)
}

// History 提供已确认交易的查询。
type History interface {
	Latest(ctx context.Context, limit int) ([]audit.Record, error)
}

// Server 负责暴露 REST 接口，供外部触发复投流程并查询结果。
type Server struct {
	addr    string
	runner  Runner
	history History
	router  chi.Router
	log     *slog.Logger

	// runs 的生命周期跟随服务而不是单个请求。
	runCtx context.Context
}

// NewServer 构造 API 服务实例。history 为 nil 时交易查询返回 404。
func NewServer(addr string, runner Runner, history History) *Server {
	s := &Server{
		addr:    addr,
		runner:  runner,
		history: history,
		log:     logger.Named("api"),
		runCtx:  context.Background(),
	}
	s.router = s.routes()
	return s
}

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(metrics.Middleware)

	r.Get("/healthz", s.handleHealth)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())
	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/runs", s.handleTriggerRun)
		r.Get("/runs/latest", s.handleLatestRun)
		r.Get("/transactions", s.handleListTransactions)
	})
	return r
}

// Handler 返回路由，便于测试或嵌入其他服务。
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start 启动 HTTP 服务，直到上下文取消或出现错误。
func (s *Server) Start(ctx context.Context) error {
	s.runCtx = ctx
	server := &http.Server{
		Addr:              s.addr,
		Handler:           withContext(ctx, s.router),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.Info("HTTP 服务已启动", slog.String("addr", s.addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
		return nil
	case err := <-errCh:
		return err
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleTriggerRun(w http.ResponseWriter, _ *http.Request) {
	id, err := s.runner.Trigger(s.runCtx, "api")
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"run_id": id})
}

func (s *Server) handleLatestRun(w http.ResponseWriter, _ *http.Request) {
	status, ok := s.runner.Latest()
	if !ok {
		http.Error(w, "尚无运行记录", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

func (s *Server) handleListTransactions(w http.ResponseWriter, r *http.Request) {
	if s.history == nil {
		http.Error(w, "未启用 MySQL 审计", http.StatusNotFound)
		return
	}
	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 {
			limit = parsed
		}
	}
	records, err := s.history.Latest(r.Context(), limit)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, records)
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch xerrors.CodeOf(err) {
	case xerrors.CodeRunInProgress:
		status = http.StatusConflict
	case xerrors.CodeStorageFailure:
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, map[string]string{
		"code":  string(xerrors.CodeOf(err)),
		"error": err.Error(),
	})
}

// withContext 确保请求处理能够感知根上下文取消。
func withContext(ctx context.Context, handler http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-ctx.Done():
			http.Error(w, "服务已关闭", http.StatusServiceUnavailable)
			return
		default:
		}
		handler.ServeHTTP(w, r)
	})
}
