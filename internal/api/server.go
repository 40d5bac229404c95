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

	"ChainDCA/internal/credential"
	xerrors "ChainDCA/internal/errors"
	"ChainDCA/internal/observability/metrics"
	"ChainDCA/internal/order"
	"ChainDCA/internal/schedule"
	"ChainDCA/pkg/logger"
)

// Sweeper 抽象手工触发的到期扫描，由 schedule.Reconciler 实现。
type Sweeper interface {
	Sweep(ctx context.Context) (schedule.SweepSummary, error)
}

// Server 暴露订单与凭证管理的 REST 接口。
// 执行路径不经过 HTTP，接口只覆盖生命周期操作与查询。
type Server struct {
	addr        string
	orders      *order.Service
	credentials *credential.Service
	sweeper     Sweeper
	logger      *slog.Logger
}

// NewServer 构造 API 服务实例。sweeper 可以为 nil，此时 /sweep 返回 503。
func NewServer(addr string, orders *order.Service, credentials *credential.Service, sweeper Sweeper) *Server {
	return &Server{
		addr:        addr,
		orders:      orders,
		credentials: credentials,
		sweeper:     sweeper,
		logger:      logger.Named("api"),
	}
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
		s.logger.Info("API 服务启动", slog.String("addr", s.addr))
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
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}

// Handler 返回完整的路由表，便于测试直接挂载。
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/api/v1/orders", instrument("orders", http.HandlerFunc(s.handleOrders)))
	mux.Handle("/api/v1/orders/stats", instrument("order_stats", http.HandlerFunc(s.handleOrderStats)))
	mux.Handle("/api/v1/orders/", instrument("order_detail", http.HandlerFunc(s.handleOrderDetail)))
	mux.Handle("/api/v1/credentials", instrument("credentials", http.HandlerFunc(s.handleCredentials)))
	mux.Handle("/api/v1/credentials/", instrument("credential_detail", http.HandlerFunc(s.handleCredentialDetail)))
	mux.Handle("/api/v1/sweep", instrument("sweep", http.HandlerFunc(s.handleSweep)))
	mux.Handle("/metrics", metrics.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	return mux
}

func (s *Server) handleOrders(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		s.handleCreateOrder(w, r)
	case http.MethodGet:
		s.handleListOrders(w, r)
	default:
		http.Error(w, "仅支持 GET/POST", http.StatusMethodNotAllowed)
	}
}

// handleCreateOrder 处理创建定投订单的请求。
func (s *Server) handleCreateOrder(w http.ResponseWriter, r *http.Request) {
	var params order.CreateParams
	if err := json.NewDecoder(r.Body).Decode(&params); err != nil {
		writeError(w, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "请求体解析失败"))
		return
	}

	o, err := s.orders.Create(r.Context(), params)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, o)
}

// handleListOrders 支持 user、status、limit、offset 查询参数。
func (s *Server) handleListOrders(w http.ResponseWriter, r *http.Request) {
	opts := listOptionsFromQuery(r)
	results, err := s.orders.List(r.Context(), opts...)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, results)
}

func (s *Server) handleOrderStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "仅支持 GET", http.StatusMethodNotAllowed)
		return
	}
	stats, err := s.orders.Stats(r.Context(), listOptionsFromQuery(r)...)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// handleOrderDetail 分发 /api/v1/orders/{id} 及其子路径。
func (s *Server) handleOrderDetail(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/api/v1/orders/")
	id, action, _ := strings.Cut(rest, "/")
	if id == "" {
		writeError(w, xerrors.New(xerrors.CodeInvalidArgument, "缺少订单 ID"))
		return
	}

	ctx := r.Context()
	switch {
	case action == "" && r.Method == http.MethodGet:
		o, err := s.orders.Get(ctx, id)
		respond(w, o, err)
	case action == "" && r.Method == http.MethodDelete:
		o, err := s.orders.Cancel(ctx, id)
		respond(w, o, err)
	case action == "pause" && r.Method == http.MethodPost:
		o, err := s.orders.Pause(ctx, id)
		respond(w, o, err)
	case action == "resume" && r.Method == http.MethodPost:
		o, err := s.orders.Resume(ctx, id)
		respond(w, o, err)
	case action == "cancel" && r.Method == http.MethodPost:
		o, err := s.orders.Cancel(ctx, id)
		respond(w, o, err)
	case action == "reschedule" && r.Method == http.MethodPost:
		s.handleReschedule(w, r, id)
	case action == "history" && r.Method == http.MethodGet:
		s.handleHistory(w, r, id)
	default:
		writeError(w, xerrors.New(xerrors.CodeInvalidArgument, "未知的订单操作: "+action))
	}
}

func (s *Server) handleReschedule(w http.ResponseWriter, r *http.Request, id string) {
	var req struct {
		NextDueAt int64 `json:"next_due_at"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "请求体解析失败"))
		return
	}
	o, err := s.orders.Reschedule(r.Context(), id, req.NextDueAt)
	respond(w, o, err)
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request, id string) {
	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 {
			limit = parsed
		}
	}
	records, err := s.orders.History(r.Context(), id, limit)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, records)
}

func (s *Server) handleCredentials(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		var params credential.IssueParams
		if err := json.NewDecoder(r.Body).Decode(&params); err != nil {
			writeError(w, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "请求体解析失败"))
			return
		}
		cred, err := s.credentials.Issue(r.Context(), params)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, cred)
	case http.MethodGet:
		user := r.URL.Query().Get("user")
		if user == "" {
			writeError(w, xerrors.New(xerrors.CodeInvalidArgument, "缺少 user 查询参数"))
			return
		}
		creds, err := s.credentials.ListByUser(r.Context(), user)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, creds)
	default:
		http.Error(w, "仅支持 GET/POST", http.StatusMethodNotAllowed)
	}
}

// handleCredentialDetail 分发 /api/v1/credentials/{id} 及撤销操作。
func (s *Server) handleCredentialDetail(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/api/v1/credentials/")
	id, action, _ := strings.Cut(rest, "/")
	if id == "" {
		writeError(w, xerrors.New(xerrors.CodeInvalidArgument, "缺少凭证 ID"))
		return
	}

	ctx := r.Context()
	switch {
	case action == "" && r.Method == http.MethodGet:
		cred, err := s.credentials.Get(ctx, id)
		respond(w, cred, err)
	case action == "" && r.Method == http.MethodDelete,
		action == "revoke" && r.Method == http.MethodPost:
		cred, err := s.credentials.Revoke(ctx, id)
		respond(w, cred, err)
	default:
		writeError(w, xerrors.New(xerrors.CodeInvalidArgument, "未知的凭证操作: "+action))
	}
}

// handleSweep 手工触发一次到期扫描，返回扫描摘要。
func (s *Server) handleSweep(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "仅支持 POST", http.StatusMethodNotAllowed)
		return
	}
	if s.sweeper == nil {
		http.Error(w, "扫描器未初始化", http.StatusServiceUnavailable)
		return
	}
	summary, err := s.sweeper.Sweep(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

func listOptionsFromQuery(r *http.Request) []order.ListOption {
	var opts []order.ListOption
	query := r.URL.Query()
	if user := query.Get("user"); user != "" {
		opts = append(opts, order.WithUserAddress(user))
	}
	if raw := query.Get("status"); raw != "" {
		var statuses []order.Status
		for _, part := range strings.Split(raw, ",") {
			status := order.Status(strings.TrimSpace(part))
			if order.IsValidStatus(status) {
				statuses = append(statuses, status)
			}
		}
		if len(statuses) > 0 {
			opts = append(opts, order.WithStatuses(statuses...))
		}
	}
	if raw := query.Get("limit"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 {
			opts = append(opts, order.WithLimit(parsed))
		}
	}
	if raw := query.Get("offset"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 {
			opts = append(opts, order.WithOffset(parsed))
		}
	}
	return opts
}

func respond(w http.ResponseWriter, payload any, err error) {
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, payload)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

// errorBody 是统一的错误响应格式。
type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// writeError 把内部错误码映射为 HTTP 状态码并输出 JSON 错误体。
func writeError(w http.ResponseWriter, err error) {
	code := xerrors.CodeOf(err)
	status := http.StatusInternalServerError
	switch code {
	case xerrors.CodeInvalidArgument, order.CodeOrderValidation:
		status = http.StatusBadRequest
	case xerrors.CodeNotFound, order.CodeOrderNotFound, credential.CodeCredentialNotFound:
		status = http.StatusNotFound
	case xerrors.CodeConflict, order.CodeOrderConflict, order.CodeOrderTerminal, order.CodeOrderLeaseHeld:
		status = http.StatusConflict
	case credential.CodeCredentialRevoked, credential.CodeCredentialExpired, credential.CodeScopeViolation:
		status = http.StatusForbidden
	case xerrors.CodeTimeout:
		status = http.StatusGatewayTimeout
	}

	message := err.Error()
	if typed, ok := xerrors.From(err); ok {
		message = typed.Message()
	}
	writeJSON(w, status, errorBody{Code: string(code), Message: message})
}

// instrument 记录每个业务路由的请求计数与耗时。
func instrument(name string, handler http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		recorder := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		handler.ServeHTTP(recorder, r)
		metrics.ObserveHTTPRequest(name, r.Method, recorder.status, time.Since(start))
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
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
