package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"ARC-Router/internal/adapter"
	"ARC-Router/internal/auth"
	xerrors "ARC-Router/internal/errors"
	"ARC-Router/internal/job"
	"ARC-Router/internal/merge"
	"ARC-Router/internal/observability/metrics"
	"ARC-Router/internal/routing"
	"ARC-Router/internal/task"
	"ARC-Router/pkg/logger"
)

const maxBodyBytes = 4 << 20

// Server 负责暴露 REST 接口，供外部提交调度、查询作业与维护路由。
type Server struct {
	addr     string
	service  *job.Service
	routes   *routing.Table
	registry *adapter.Registry
	merge    merge.Config
	metrics  *metrics.Collector
	auth     *auth.Service
	logger   *slog.Logger
}

// Option 定义 Server 的可选配置。
type Option func(*Server)

// WithRoutes 允许通过 /api/v1/routes 查看与替换路由规则。
func WithRoutes(table *routing.Table) Option {
	return func(s *Server) { s.routes = table }
}

// WithRegistry 允许通过 /api/v1/adapters 查看已注册的适配器。
func WithRegistry(registry *adapter.Registry) Option {
	return func(s *Server) { s.registry = registry }
}

// WithMergeDefaults 设置 /api/v1/merge 未指定配置时使用的合并配置。
func WithMergeDefaults(cfg merge.Config) Option {
	return func(s *Server) { s.merge = cfg }
}

// WithMetrics 指定请求指标的收集器，默认使用全局收集器。
func WithMetrics(collector *metrics.Collector) Option {
	return func(s *Server) {
		if collector != nil {
			s.metrics = collector
		}
	}
}

// WithAuth 为 /api/v1 下的接口启用 API Key 认证。
func WithAuth(svc *auth.Service) Option {
	return func(s *Server) { s.auth = svc }
}

// NewServer 构造 API 服务实例。
func NewServer(addr string, service *job.Service, opts ...Option) *Server {
	s := &Server{
		addr:    addr,
		service: service,
		merge:   merge.DefaultConfig(),
		metrics: metrics.Default(),
		logger:  logger.Named("api"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// Handler 返回注册了全部路由的处理器。
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/v1/dispatch", s.handleDispatch)
	mux.HandleFunc("POST /api/v1/tasks", s.handleCreateTask)
	mux.HandleFunc("GET /api/v1/tasks", s.handleListTasks)
	mux.HandleFunc("GET /api/v1/tasks/{id}", s.handleTaskDetail)
	mux.HandleFunc("GET /api/v1/tasks/stats", s.handleTaskStats)
	mux.HandleFunc("POST /api/v1/merge", s.handleMerge)
	mux.HandleFunc("GET /api/v1/routes", s.handleListRoutes)
	mux.HandleFunc("PUT /api/v1/routes", s.handleReplaceRoutes)
	mux.HandleFunc("GET /api/v1/adapters", s.handleAdapters)
	mux.HandleFunc("GET /api/v1/sessions/{id}/history", s.handleSessionHistory)
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	mux.Handle("GET /metrics", s.metrics.Handler())
	handler := s.observe(mux)
	if s.auth.Enabled() {
		handler = s.auth.Middleware("/healthz", "/metrics")(handler)
	}
	return handler
}

// Start 启动 HTTP 服务，直到上下文取消或出现错误。
func (s *Server) Start(ctx context.Context) error {
	server := &http.Server{
		Addr:              s.addr,
		Handler:           withContext(ctx, s.Handler()),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()
	s.logger.Info("API 服务已启动", slog.String("addr", s.addr))

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}

func (s *Server) handleDispatch(w http.ResponseWriter, r *http.Request) {
	if !s.ready(w) {
		return
	}
	var req job.Request
	if !decode(w, r, &req) {
		return
	}
	result, err := s.service.Dispatch(r.Context(), req)
	if err != nil {
		writeError(w, err)
		return
	}
	// 调度失败是数据，仍以 200 返回。
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleCreateTask(w http.ResponseWriter, r *http.Request) {
	if !s.ready(w) {
		return
	}
	var req job.Request
	if !decode(w, r, &req) {
		return
	}
	created, err := s.service.Submit(r.Context(), req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, created)
}

func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	if !s.ready(w) {
		return
	}
	opts, err := listOptions(r)
	if err != nil {
		writeError(w, err)
		return
	}
	jobs, err := s.service.List(r.Context(), opts...)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, jobs)
}

func (s *Server) handleTaskStats(w http.ResponseWriter, r *http.Request) {
	if !s.ready(w) {
		return
	}
	opts, err := listOptions(r)
	if err != nil {
		writeError(w, err)
		return
	}
	stats, err := s.service.Stats(r.Context(), opts...)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handleTaskDetail(w http.ResponseWriter, r *http.Request) {
	if !s.ready(w) {
		return
	}
	id := strings.TrimSpace(r.PathValue("id"))
	if id == "" {
		writeError(w, xerrors.New(xerrors.CodeInvalidArgument, "缺少作业 ID"))
		return
	}
	found, err := s.service.Get(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, found)
}

// MergeRequest 是 /api/v1/merge 的请求体。
type MergeRequest struct {
	Responses []*task.Response `json:"responses"`
	Config    *merge.Config    `json:"config,omitempty"`
}

func (s *Server) handleMerge(w http.ResponseWriter, r *http.Request) {
	// config 中未出现的字段沿用服务端的合并配置。
	defaults := s.merge
	req := MergeRequest{Config: &defaults}
	if !decode(w, r, &req) {
		return
	}
	cfg := s.merge
	if req.Config != nil {
		cfg = *req.Config
	}
	result, err := merge.Merge(req.Responses, cfg)
	if err != nil {
		writeError(w, err)
		return
	}
	s.metrics.ObserveMerge(cfg.Strategy.String(), result.Success)
	writeJSON(w, http.StatusOK, result)
}

// RoutesDocument 是 /api/v1/routes 的请求与响应格式。
type RoutesDocument struct {
	Rules []routing.Rule `json:"rules"`
}

func (s *Server) handleListRoutes(w http.ResponseWriter, _ *http.Request) {
	if s.routes == nil {
		writeError(w, xerrors.New(xerrors.CodeInitializationFailure, "路由表未初始化"))
		return
	}
	writeJSON(w, http.StatusOK, RoutesDocument{Rules: s.routes.ListRules()})
}

func (s *Server) handleReplaceRoutes(w http.ResponseWriter, r *http.Request) {
	if s.routes == nil {
		writeError(w, xerrors.New(xerrors.CodeInitializationFailure, "路由表未初始化"))
		return
	}
	var doc RoutesDocument
	if !decode(w, r, &doc) {
		return
	}
	if err := s.routes.Replace(doc.Rules); err != nil {
		writeError(w, err)
		return
	}
	logger.Audit().Info("路由规则已替换", slog.Int("rules", len(doc.Rules)))
	writeJSON(w, http.StatusOK, RoutesDocument{Rules: s.routes.ListRules()})
}

func (s *Server) handleAdapters(w http.ResponseWriter, _ *http.Request) {
	if s.registry == nil {
		writeError(w, xerrors.New(xerrors.CodeInitializationFailure, "适配器注册表未初始化"))
		return
	}
	writeJSON(w, http.StatusOK, s.registry.Status())
}

func (s *Server) handleSessionHistory(w http.ResponseWriter, r *http.Request) {
	if !s.ready(w) {
		return
	}
	count := 0
	if raw := r.URL.Query().Get("count"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 0 {
			writeError(w, xerrors.New(xerrors.CodeInvalidArgument, "count 必须是非负整数"))
			return
		}
		count = parsed
	}
	entries, err := s.service.History(r.Context(), r.PathValue("id"), count)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, entries)
}

func (s *Server) ready(w http.ResponseWriter) bool {
	if s.service == nil {
		writeError(w, xerrors.New(xerrors.CodeInitializationFailure, "调度服务未初始化"))
		return false
	}
	return true
}

func listOptions(r *http.Request) ([]job.ListOption, error) {
	q := r.URL.Query()
	var opts []job.ListOption
	for _, name := range []string{"limit", "offset"} {
		raw := q.Get(name)
		if raw == "" {
			continue
		}
		v, err := strconv.Atoi(raw)
		if err != nil {
			return nil, xerrors.New(xerrors.CodeInvalidArgument, name+" 必须是整数")
		}
		if name == "limit" {
			opts = append(opts, job.WithLimit(v))
		} else {
			opts = append(opts, job.WithOffset(v))
		}
	}
	if raw := q.Get("status"); raw != "" {
		var statuses []job.Status
		for _, part := range strings.Split(raw, ",") {
			status := job.Status(strings.TrimSpace(part))
			if !job.IsValidStatus(status) {
				return nil, xerrors.New(xerrors.CodeInvalidArgument, "未知的作业状态: "+part)
			}
			statuses = append(statuses, status)
		}
		opts = append(opts, job.WithStatuses(statuses...))
	}
	if raw := q.Get("kind"); raw != "" {
		var kinds []task.Kind
		for _, part := range strings.Split(raw, ",") {
			kinds = append(kinds, task.Kind(strings.TrimSpace(part)))
		}
		opts = append(opts, job.WithKinds(kinds...))
	}
	if raw := q.Get("session"); raw != "" {
		opts = append(opts, job.WithSession(raw))
	}
	if raw := q.Get("q"); raw != "" {
		opts = append(opts, job.WithQuery(raw))
	}
	if q.Get("order") == "asc" {
		opts = append(opts, job.WithSortOrder(job.SortByUpdatedAsc))
	}
	return opts, nil
}

// ErrorBody 是错误响应的 JSON 格式。
type ErrorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func writeError(w http.ResponseWriter, err error) {
	code := xerrors.CodeOf(err)
	writeJSON(w, statusFor(code), ErrorBody{Code: string(code), Message: err.Error()})
}

func statusFor(code xerrors.Code) int {
	switch code {
	case xerrors.CodeInvalidArgument, task.CodeValidation, task.CodeEmptyResponseSet:
		return http.StatusBadRequest
	case xerrors.CodeNotFound, job.CodeJobNotFound:
		return http.StatusNotFound
	case xerrors.CodeConflict, job.CodeJobConflict:
		return http.StatusConflict
	case xerrors.CodeInitializationFailure:
		return http.StatusServiceUnavailable
	case xerrors.CodeTimeout:
		return http.StatusGatewayTimeout
	case xerrors.CodeCanceled:
		return 499
	default:
		return http.StatusInternalServerError
	}
}

func decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeError(w, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "请求体解析失败"))
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// RequestIDHeader 携带请求标识；客户端未提供时由服务端生成。
const RequestIDHeader = "X-Request-ID"

// observe 记录每个请求的状态码与耗时，并把请求标识放入日志上下文。
func (s *Server) observe(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		started := time.Now()
		requestID := strings.TrimSpace(r.Header.Get(RequestIDHeader))
		if requestID == "" || len(requestID) > 128 {
			requestID = uuid.NewString()
		}
		w.Header().Set(RequestIDHeader, requestID)
		ctx := logger.With(r.Context(), "request_id", requestID)
		// mux 把匹配的模式写在它收到的请求上。
		r = r.WithContext(ctx)

		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		if rec.status >= http.StatusInternalServerError {
			s.logger.WarnContext(ctx, "请求处理失败", slog.String("method", r.Method), slog.String("path", r.URL.Path), slog.Int("status", rec.status))
		}
		pattern := r.Pattern
		if pattern == "" {
			pattern = "unmatched"
		}
		s.metrics.ObserveHTTPRequest(pattern, r.Method, rec.status, time.Since(started))
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
