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

	"AgentNexus-Chain/internal/auth"
	"AgentNexus-Chain/internal/balance"
	"AgentNexus-Chain/internal/crosschain"
	"AgentNexus-Chain/internal/deployment"
	xerrors "AgentNexus-Chain/internal/errors"
	"AgentNexus-Chain/internal/observability/metrics"
	"AgentNexus-Chain/internal/orchestrator"
	"AgentNexus-Chain/internal/planner"
	"AgentNexus-Chain/internal/router"
	"AgentNexus-Chain/internal/web3"
	"AgentNexus-Chain/pkg/logger"
)

// Service 是 API 层依赖的应用服务。
type Service interface {
	Deploy(ctx context.Context, req crosschain.DeployRequest) (*crosschain.DeployResponse, error)
	Chains(ctx context.Context, agentID uint64) (*crosschain.ChainsView, error)
	History(ctx context.Context, agentID uint64, limit int) ([]deployment.Batch, error)
	Execute(ctx context.Context, req crosschain.ExecuteRequest) (*router.Outcome, error)
}

// Server 负责暴露 REST 接口。
type Server struct {
	addr string
	svc  Service
	auth *auth.Service
	log  *slog.Logger
}

// NewServer 构造 API 服务实例。authSvc 为 nil 时不做认证。
func NewServer(addr string, svc Service, authSvc *auth.Service) *Server {
	return &Server{addr: addr, svc: svc, auth: authSvc, log: logger.Named("api")}
}

// Handler 返回完整的路由。
func (s *Server) Handler() http.Handler {
	writeDeployments := s.auth.Middleware(auth.MiddlewareConfig{
		RequiredPermissions: map[string][]string{http.MethodPost: {auth.PermDeploymentsWrite}},
		AuditEvent:          "deployments.cross_chain",
	})
	writeExecutions := s.auth.Middleware(auth.MiddlewareConfig{
		RequiredPermissions: map[string][]string{http.MethodPost: {auth.PermExecutionsWrite}},
		AuditEvent:          "executions.create",
	})

	mux := http.NewServeMux()
	mux.Handle("POST /api/v1/deployments/cross-chain", instrument("/api/v1/deployments/cross-chain", writeDeployments(http.HandlerFunc(s.handleDeploy))))
	mux.Handle("GET /api/v1/deployments/{agentId}/chains", instrument("/api/v1/deployments/{agentId}/chains", http.HandlerFunc(s.handleChains)))
	mux.Handle("GET /api/v1/deployments/{agentId}/history", instrument("/api/v1/deployments/{agentId}/history", http.HandlerFunc(s.handleHistory)))
	mux.Handle("POST /api/v1/executions", instrument("/api/v1/executions", writeExecutions(http.HandlerFunc(s.handleExecute))))
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	mux.Handle("GET /metrics", metrics.Handler())
	return mux
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
	s.log.Info("API 服务已启动", slog.String("addr", s.addr))

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}

type deploymentsBody struct {
	BatchID      string                                `json:"batchId,omitempty"`
	Status       deployment.BatchStatus                `json:"status"`
	SuccessCount int                                   `json:"successCount"`
	Order        []uint64                              `json:"order"`
	Deployments  map[string]crosschain.ChainDeployment `json:"deployments"`
}

func (s *Server) handleDeploy(w http.ResponseWriter, r *http.Request) {
	var req crosschain.DeployRequest
	if !decode(w, r, &req) {
		return
	}
	wallet, err := subjectWallet(r, req.Wallet)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	req.Wallet = wallet
	resp, err := s.svc.Deploy(r.Context(), req)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	body := deploymentsBody{
		BatchID:      resp.BatchID,
		Status:       resp.Status,
		SuccessCount: resp.SuccessCount,
		Order:        resp.Order,
		Deployments:  make(map[string]crosschain.ChainDeployment, len(resp.Deployments)),
	}
	for chainID, d := range resp.Deployments {
		body.Deployments[strconv.FormatUint(chainID, 10)] = d
	}
	writeJSON(w, http.StatusOK, body)
}

func (s *Server) handleChains(w http.ResponseWriter, r *http.Request) {
	agentID, ok := agentIDParam(w, r)
	if !ok {
		return
	}
	view, err := s.svc.Chains(r.Context(), agentID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	agentID, ok := agentIDParam(w, r)
	if !ok {
		return
	}
	limit := 20
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 {
			limit = parsed
		}
	}
	batches, err := s.svc.History(r.Context(), agentID, limit)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if batches == nil {
		batches = []deployment.Batch{}
	}
	writeJSON(w, http.StatusOK, batches)
}

func (s *Server) handleExecute(w http.ResponseWriter, r *http.Request) {
	var req crosschain.ExecuteRequest
	if !decode(w, r, &req) {
		return
	}
	wallet, err := subjectWallet(r, req.Wallet)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	req.Wallet = wallet
	out, err := s.svc.Execute(r.Context(), req)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

// subjectWallet 返回本次请求代表的钱包：已认证请求一律使用令牌主体的钱包，
// 请求体中的钱包只能与之相同；未启用认证时沿用请求体。
func subjectWallet(r *http.Request, requested string) (string, error) {
	subject := auth.SubjectFromContext(r.Context())
	if subject == nil || subject.Wallet == "" {
		return requested, nil
	}
	if requested != "" && !strings.EqualFold(requested, subject.Wallet) {
		return "", xerrors.Newf(xerrors.CodePermissionDenied, "wallet %s does not match the authenticated subject", requested)
	}
	return subject.Wallet, nil
}

// StatusFor maps an error code to its HTTP status.
func StatusFor(err error) int {
	switch xerrors.CodeOf(err) {
	case xerrors.CodeInvalidArgument, web3.CodeUnsupportedChain:
		return http.StatusBadRequest
	case xerrors.CodeUnauthenticated:
		return http.StatusUnauthorized
	case planner.CodeInsufficientFunds:
		return http.StatusPaymentRequired
	case orchestrator.CodeWalletRejected, xerrors.CodePermissionDenied:
		return http.StatusForbidden
	case xerrors.CodeNotFound, deployment.CodeDeploymentNotFound, crosschain.CodeAgentNotFound:
		return http.StatusNotFound
	case router.CodeAgentNotDeployed, router.CodeAgentInactive, deployment.CodeDeploymentInProgress, xerrors.CodeConflict:
		return http.StatusConflict
	case balance.CodeBalanceUnavailable, orchestrator.CodeBridgeTimeout, web3.CodeChainUnavailable, xerrors.CodeTimeout:
		return http.StatusServiceUnavailable
	case orchestrator.CodeBridgeFailed, orchestrator.CodeExecutionFailed, xerrors.CodeUpstreamFailure:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := StatusFor(err)
	code := xerrors.CodeOf(err)
	if status >= http.StatusInternalServerError && status != http.StatusServiceUnavailable {
		s.log.Error("请求处理失败",
			slog.String("path", r.URL.Path),
			slog.String("code", string(code)),
			slog.Any("error", err))
	}
	if xerrors.IsInternal(err) {
		logger.Audit().Error("内部错误已对客户端隐藏",
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.String("code", string(code)),
			slog.Any("error", err))
		writeJSON(w, status, map[string]string{
			"code":    string(xerrors.CodeInternal),
			"message": xerrors.AttributesOf(xerrors.CodeInternal).Message,
		})
		return
	}
	writeJSON(w, status, map[string]string{"code": string(code), "message": err.Error()})
}

func decode(w http.ResponseWriter, r *http.Request, out any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(out); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"code":    string(xerrors.CodeInvalidArgument),
			"message": "请求体解析失败: " + err.Error(),
		})
		return false
	}
	return true
}

func agentIDParam(w http.ResponseWriter, r *http.Request) (uint64, bool) {
	agentID, err := strconv.ParseUint(r.PathValue("agentId"), 10, 64)
	if err != nil || agentID == 0 {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"code":    string(xerrors.CodeInvalidArgument),
			"message": "agentId 必须为正整数",
		})
		return 0, false
	}
	return agentID, true
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

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func instrument(route string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		metrics.ObserveHTTPRequest(route, r.Method, rec.status, time.Since(start))
	})
}

// withContext 确保请求处理能够感知根上下文取消。
func withContext(ctx context.Context, handler http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-ctx.Done():
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"code": "SHUTTING_DOWN", "message": "服务已关闭"})
			return
		default:
		}
		handler.ServeHTTP(w, r)
	})
}
