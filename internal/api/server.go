package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"referral-dapp/internal/auth"
	"referral-dapp/internal/observability/metrics"
	"referral-dapp/internal/referral"
	"referral-dapp/internal/txtrack"
	"referral-dapp/internal/web3"
	"referral-dapp/pkg/logger"
)

// ChainChecker 提供健康检查所需的链状态摘要。
type ChainChecker interface {
	FetchChainSnapshot(ctx context.Context) (web3.ChainSnapshot, error)
}

// Server 负责暴露 REST 接口与前端页面。
type Server struct {
	addr      string
	dashboard *referral.Dashboard
	tracker   *txtrack.Service
	auth      *auth.Service
	chain     ChainChecker

	metricsPath     string
	readTimeout     time.Duration
	writeTimeout    time.Duration
	shutdownTimeout time.Duration
	logger          *slog.Logger
}

// Option 定义可选配置。
type Option func(*Server)

// WithAuth 为写接口启用令牌校验。
func WithAuth(svc *auth.Service) Option {
	return func(s *Server) { s.auth = svc }
}

// WithChainChecker 配置 /healthz 使用的链客户端。
func WithChainChecker(checker ChainChecker) Option {
	return func(s *Server) { s.chain = checker }
}

// WithMetricsPath 在同一端口上暴露 Prometheus 指标。
func WithMetricsPath(path string) Option {
	return func(s *Server) { s.metricsPath = path }
}

// WithTimeouts 覆盖 HTTP 读写与关闭超时。
func WithTimeouts(read, write, shutdown time.Duration) Option {
	return func(s *Server) {
		if read > 0 {
			s.readTimeout = read
		}
		if write > 0 {
			s.writeTimeout = write
		}
		if shutdown > 0 {
			s.shutdownTimeout = shutdown
		}
	}
}

// NewServer 构造 API 服务实例。
func NewServer(addr string, dashboard *referral.Dashboard, tracker *txtrack.Service, opts ...Option) *Server {
	s := &Server{
		addr:            addr,
		dashboard:       dashboard,
		tracker:         tracker,
		readTimeout:     15 * time.Second,
		writeTimeout:    15 * time.Second,
		shutdownTimeout: 5 * time.Second,
		logger:          logger.Named("api"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// Handler 返回完整的路由表。
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.route(mux, "GET /{$}", "page", http.HandlerFunc(s.handlePage))
	s.route(mux, "GET /healthz", "healthz", http.HandlerFunc(s.handleHealth))
	s.route(mux, "GET /api/v1/wallet", "wallet", http.HandlerFunc(s.handleWallet))
	s.route(mux, "GET /api/v1/dashboard", "dashboard", http.HandlerFunc(s.handleDashboard))
	s.route(mux, "POST /api/v1/signup", "signup", s.guard(http.HandlerFunc(s.handleSignUp)))
	s.route(mux, "POST /api/v1/withdraw", "withdraw", s.guard(http.HandlerFunc(s.handleWithdraw)))
	s.route(mux, "POST /api/v1/relay", "relay", s.guard(http.HandlerFunc(s.handleRelay)))
	s.route(mux, "GET /api/v1/transactions", "transactions", http.HandlerFunc(s.handleListTransactions))
	s.route(mux, "GET /api/v1/transactions/stats", "transaction_stats", http.HandlerFunc(s.handleTransactionStats))
	s.route(mux, "GET /api/v1/transactions/{id}", "transaction_detail", http.HandlerFunc(s.handleTransactionDetail))
	if s.metricsPath != "" {
		mux.Handle("GET "+s.metricsPath, metrics.Handler())
	}
	return mux
}

// Start 启动 HTTP 服务，直到上下文取消或出现错误。
func (s *Server) Start(ctx context.Context) error {
	server := &http.Server{
		Addr:              s.addr,
		Handler:           withContext(ctx, s.Handler()),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       s.readTimeout,
		WriteTimeout:      s.writeTimeout,
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
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.shutdownTimeout)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}

func (s *Server) route(mux *http.ServeMux, pattern, name string, h http.Handler) {
	mux.Handle(pattern, instrument(name, h))
}

// guard 在启用认证时要求写接口携带 tx:write 令牌。
func (s *Server) guard(h http.Handler) http.Handler {
	if s.auth == nil || !s.auth.Enabled() {
		return h
	}
	return s.auth.Middleware(auth.ScopeWrite)(h)
}

// instrument 记录每个路由的请求数与耗时。
func instrument(name string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		metrics.ObserveHTTPRequest(name, r.Method, rec.status, time.Since(start))
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
