// Package nexus talks to a Nexus bridge SDK sidecar over HTTP. The sidecar
// owns the wallet signer and the bridge protocol; this package only maps the
// bridge.Client contract onto its REST endpoints.
package nexus

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"strings"
	"sync"
	"time"

	"AgentNexus-Chain/internal/bridge"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
)

// DefaultHTTPTimeout applies to clients created without an http.Client. It
// must exceed the receipt timeout the orchestrator passes down.
const DefaultHTTPTimeout = 6 * time.Minute

// Config describes the sidecar endpoint.
type Config struct {
	BaseURL string
	APIKey  string
	// Decimals fills balances the sidecar reports without decimals. Zero
	// leaves them unset for the planner to resolve.
	Decimals int32
}

// Connector opens bridge sessions on the sidecar.
type Connector struct {
	baseURL    *url.URL
	apiKey     string
	decimals   int32
	httpClient *http.Client
}

var (
	_ bridge.Connector     = (*Connector)(nil)
	_ bridge.StatusChecker = (*Connector)(nil)
	_ bridge.Session       = (*Session)(nil)
)

// NewConnector validates the base URL and builds a connector. A nil
// httpClient selects a client with DefaultHTTPTimeout.
func NewConnector(cfg Config, httpClient *http.Client) (*Connector, error) {
	raw := strings.TrimSpace(cfg.BaseURL)
	if raw == "" {
		return nil, fmt.Errorf("未配置 Nexus sidecar 地址")
	}
	parsed, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("解析 Nexus sidecar 地址失败: %w", err)
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: DefaultHTTPTimeout}
	}
	if cfg.Decimals < 0 {
		return nil, fmt.Errorf("Nexus 代币精度不能为负数: %d", cfg.Decimals)
	}
	return &Connector{baseURL: parsed, apiKey: cfg.APIKey, decimals: cfg.Decimals, httpClient: httpClient}, nil
}

// Connect opens a session bound to wallet.
func (c *Connector) Connect(ctx context.Context, wallet common.Address) (bridge.Session, error) {
	var resp struct {
		SessionID string `json:"sessionId"`
	}
	if err := c.do(ctx, http.MethodPost, "/v1/sessions", map[string]string{"wallet": wallet.Hex()}, &resp); err != nil {
		return nil, err
	}
	if resp.SessionID == "" {
		return nil, fmt.Errorf("%w: sidecar 未返回会话 ID", bridge.ErrUnavailable)
	}
	return &Session{connector: c, id: resp.SessionID, wallet: wallet}, nil
}

// TransferStatus queries a transfer by client reference.
func (c *Connector) TransferStatus(ctx context.Context, ref string) (bridge.TransferStatus, error) {
	var status bridge.TransferStatus
	if err := c.do(ctx, http.MethodGet, "/v1/transfers/"+url.PathEscape(ref), nil, &status); err != nil {
		return bridge.TransferStatus{}, err
	}
	if status.Ref == "" {
		status.Ref = ref
	}
	if status.State == "" {
		status.State = bridge.TransferUnknown
	}
	return status, nil
}

// Session is one wallet's connection on the sidecar.
type Session struct {
	connector *Connector
	id        string
	wallet    common.Address

	mu     sync.Mutex
	closed bool
}

// ID returns the sidecar session id.
func (s *Session) ID() string { return s.id }

// Wallet returns the wallet the session is bound to.
func (s *Session) Wallet() common.Address { return s.wallet }

// Disconnect closes the session on the sidecar. Calling it twice is a no-op.
func (s *Session) Disconnect(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()
	return s.connector.do(ctx, http.MethodDelete, s.endpoint(""), nil, nil)
}

// UnifiedBalances fetches the per-chain balances of the session wallet.
func (s *Session) UnifiedBalances(ctx context.Context) ([]bridge.UnifiedBalance, error) {
	var resp struct {
		Balances []bridge.UnifiedBalance `json:"balances"`
	}
	if err := s.call(ctx, http.MethodGet, "/balances", nil, &resp); err != nil {
		return nil, err
	}
	for i := range resp.Balances {
		if resp.Balances[i].Decimals == 0 {
			resp.Balances[i].Decimals = s.connector.decimals
		}
	}
	return resp.Balances, nil
}

// BridgeAndExecute submits a combined bridge and contract call.
func (s *Session) BridgeAndExecute(ctx context.Context, req bridge.Request) (bridge.ExecuteResult, error) {
	payload, err := newExecutePayload(req)
	if err != nil {
		return bridge.ExecuteResult{}, err
	}
	var result bridge.ExecuteResult
	if err := s.call(ctx, http.MethodPost, "/bridge-and-execute", payload, &result); err != nil {
		return bridge.ExecuteResult{}, err
	}
	return result, nil
}

// SimulateBridgeAndExecute dry-runs the same request.
func (s *Session) SimulateBridgeAndExecute(ctx context.Context, req bridge.Request) (bridge.SimulationResult, error) {
	payload, err := newExecutePayload(req)
	if err != nil {
		return bridge.SimulationResult{}, err
	}
	var result bridge.SimulationResult
	if err := s.call(ctx, http.MethodPost, "/bridge-and-execute/simulate", payload, &result); err != nil {
		return bridge.SimulationResult{}, err
	}
	return result, nil
}

// TransferStatus delegates to the connector.
func (s *Session) TransferStatus(ctx context.Context, ref string) (bridge.TransferStatus, error) {
	return s.connector.TransferStatus(ctx, ref)
}

func (s *Session) call(ctx context.Context, method, suffix string, payload, out any) error {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return fmt.Errorf("%w: 会话已关闭", bridge.ErrUnavailable)
	}
	return s.connector.do(ctx, method, s.endpoint(suffix), payload, out)
}

func (s *Session) endpoint(suffix string) string {
	return "/v1/sessions/" + url.PathEscape(s.id) + suffix
}

type executeCall struct {
	ContractAddress string `json:"contractAddress"`
	FunctionName    string `json:"functionName"`
	Data            string `json:"data"`
	Value           string `json:"value,omitempty"`
}

type executePayload struct {
	ClientRef        string      `json:"clientRef"`
	Token            string      `json:"token"`
	Amount           string      `json:"amount"`
	ToChainID        uint64      `json:"toChainId"`
	SourceChains     []uint64    `json:"sourceChains,omitempty"`
	Execute          executeCall `json:"execute"`
	WaitForReceipt   bool        `json:"waitForReceipt"`
	ReceiptTimeoutMS int64       `json:"receiptTimeoutMs,omitempty"`
}

func newExecutePayload(req bridge.Request) (executePayload, error) {
	data, err := req.Execute.Encode()
	if err != nil {
		return executePayload{}, err
	}
	payload := executePayload{
		ClientRef:        req.ClientRef,
		Token:            req.Token,
		Amount:           req.Amount.String(),
		ToChainID:        req.ToChainID,
		SourceChains:     req.SourceChains,
		WaitForReceipt:   req.WaitForReceipt,
		ReceiptTimeoutMS: req.ReceiptTimeout.Milliseconds(),
		Execute: executeCall{
			ContractAddress: req.Execute.Contract.Hex(),
			FunctionName:    req.Execute.Function,
			Data:            hexutil.Encode(data),
		},
	}
	if req.Execute.Value != nil && req.Execute.Value.Sign() > 0 {
		payload.Execute.Value = req.Execute.Value.String()
	}
	return payload, nil
}

type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (c *Connector) do(ctx context.Context, method, endpoint string, payload, out any) error {
	var body io.Reader
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("编码请求失败: %w", err)
		}
		body = bytes.NewReader(raw)
	}

	rel := &url.URL{Path: path.Join(c.baseURL.Path, endpoint)}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL.ResolveReference(rel).String(), body)
	if err != nil {
		return fmt.Errorf("创建请求失败: %w", err)
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		return fmt.Errorf("%w: %v", bridge.ErrUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
		var apiErr errorBody
		_ = json.Unmarshal(data, &apiErr)
		if apiErr.Message == "" {
			apiErr.Message = strings.TrimSpace(string(data))
		}
		if resp.StatusCode >= 500 {
			return fmt.Errorf("%w: sidecar %d %s %s", bridge.ErrUnavailable, resp.StatusCode, apiErr.Code, apiErr.Message)
		}
		return fmt.Errorf("sidecar 请求被拒绝 (%d): %s %s", resp.StatusCode, apiErr.Code, apiErr.Message)
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("解析 sidecar 响应失败: %w", err)
	}
	return nil
}
