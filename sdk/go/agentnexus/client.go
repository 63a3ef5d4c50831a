package agentnexus

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"strconv"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

// DefaultHTTPTimeout applies to clients created without a custom http.Client.
// Deployments wait for bridge receipts, so it is longer than a typical API call.
const DefaultHTTPTimeout = 10 * time.Minute

// Client wraps the HTTP interactions with the AgentNexus REST API.
type Client struct {
	baseURL    *url.URL
	httpClient *http.Client

	mu          sync.RWMutex
	accessToken string
}

// DeployRequest asks the daemon to register an agent on several chains.
type DeployRequest struct {
	AgentID        uint64   `json:"agentId"`
	SourceChainID  uint64   `json:"sourceChainId"`
	TargetChainIDs []uint64 `json:"targetChainIds"`
	Wallet         string   `json:"wallet,omitempty"`
	// Mode is "shortfall" (default) or "full_amount".
	Mode   string `json:"mode,omitempty"`
	DryRun bool   `json:"dryRun,omitempty"`
}

// ChainDeployment is the per-chain outcome of a deployment.
type ChainDeployment struct {
	Status       string `json:"status"`
	TxHash       string `json:"txHash,omitempty"`
	BridgeTxHash string `json:"bridgeTxHash,omitempty"`
	ExplorerURL  string `json:"explorerUrl,omitempty"`
	Error        string `json:"error,omitempty"`
	ErrorCode    string `json:"errorCode,omitempty"`
	Reconcilable bool   `json:"reconcilable,omitempty"`
}

// DeployResponse reports one entry per requested chain, keyed by chain id.
type DeployResponse struct {
	BatchID      string                     `json:"batchId,omitempty"`
	Status       string                     `json:"status"`
	SuccessCount int                        `json:"successCount"`
	Order        []uint64                   `json:"order"`
	Deployments  map[string]ChainDeployment `json:"deployments"`
}

// Chain returns the outcome for chainID.
func (r DeployResponse) Chain(chainID uint64) (ChainDeployment, bool) {
	d, ok := r.Deployments[strconv.FormatUint(chainID, 10)]
	return d, ok
}

// ChainsView lists where an agent is deployed and where it could be.
type ChainsView struct {
	DeployedChains  []uint64 `json:"deployedChains"`
	SupportedChains []uint64 `json:"supportedChains"`
}

// Batch is one entry of an agent's deployment history.
type Batch struct {
	BatchID      string            `json:"batchId"`
	AgentID      uint64            `json:"agentId"`
	SourceChain  uint64            `json:"sourceChain"`
	TargetChains []uint64          `json:"targetChains"`
	Status       string            `json:"status"`
	TxHashes     map[uint64]string `json:"txHashes"`
	Errors       map[uint64]string `json:"errors,omitempty"`
	Timestamp    int64             `json:"timestamp"`
}

// ExecuteRequest runs an agent on a target chain.
type ExecuteRequest struct {
	AgentID       uint64 `json:"agentId"`
	UserChainID   uint64 `json:"userChainId"`
	TargetChainID uint64 `json:"targetChainId"`
	// Params is hex encoded call data for the agent.
	Params string `json:"params,omitempty"`
	Wallet string `json:"wallet,omitempty"`
	Mode   string `json:"mode,omitempty"`
}

// ExecutionOutcome describes how an execution was routed.
type ExecutionOutcome struct {
	Route        string          `json:"route"`
	TxHash       string          `json:"txHash"`
	BridgeTxHash string          `json:"bridgeTxHash,omitempty"`
	Amount       decimal.Decimal `json:"amount"`
	Price        decimal.Decimal `json:"price"`
	ExplorerURL  string          `json:"explorerUrl,omitempty"`
}

// APIError represents an error response from the daemon.
type APIError struct {
	StatusCode int
	Code       string `json:"code"`
	Message    string `json:"message"`
}

func (e *APIError) Error() string {
	if e == nil {
		return ""
	}
	if e.Code != "" {
		return fmt.Sprintf("agentnexus api error (%d): %s - %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("agentnexus api error (%d): %s", e.StatusCode, e.Message)
}

// NewClient instantiates a client for the AgentNexus API. When httpClient is
// nil, a client with DefaultHTTPTimeout is used.
func NewClient(rawURL string, httpClient *http.Client) (*Client, error) {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("invalid base url: %w", err)
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: DefaultHTTPTimeout}
	}
	return &Client{baseURL: parsed, httpClient: httpClient}, nil
}

// SetAccessToken sets the bearer token sent with every request. An empty token
// disables the header.
func (c *Client) SetAccessToken(token string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.accessToken = token
}

// AccessToken returns the currently stored token string.
func (c *Client) AccessToken() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.accessToken
}

// DeployCrossChain registers an agent on the requested target chains.
func (c *Client) DeployCrossChain(ctx context.Context, req DeployRequest) (DeployResponse, error) {
	var out DeployResponse
	if err := c.post(ctx, "/api/v1/deployments/cross-chain", req, &out); err != nil {
		return DeployResponse{}, err
	}
	return out, nil
}

// DeployedChains returns the chains the agent is deployed on.
func (c *Client) DeployedChains(ctx context.Context, agentID uint64) (ChainsView, error) {
	var out ChainsView
	endpoint := fmt.Sprintf("/api/v1/deployments/%d/chains", agentID)
	if err := c.get(ctx, endpoint, nil, &out); err != nil {
		return ChainsView{}, err
	}
	return out, nil
}

// History returns the agent's deployment batches, newest first. limit <= 0
// uses the server default.
func (c *Client) History(ctx context.Context, agentID uint64, limit int) ([]Batch, error) {
	var query url.Values
	if limit > 0 {
		query = url.Values{"limit": {strconv.Itoa(limit)}}
	}
	var out []Batch
	endpoint := fmt.Sprintf("/api/v1/deployments/%d/history", agentID)
	if err := c.get(ctx, endpoint, query, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Execute runs an agent, bridging funds when needed.
func (c *Client) Execute(ctx context.Context, req ExecuteRequest) (ExecutionOutcome, error) {
	var out ExecutionOutcome
	if err := c.post(ctx, "/api/v1/executions", req, &out); err != nil {
		return ExecutionOutcome{}, err
	}
	return out, nil
}

func (c *Client) post(ctx context.Context, endpoint string, payload any, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}
	req, err := c.newRequest(ctx, http.MethodPost, endpoint, nil, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, out)
}

func (c *Client) get(ctx context.Context, endpoint string, query url.Values, out any) error {
	req, err := c.newRequest(ctx, http.MethodGet, endpoint, query, nil)
	if err != nil {
		return err
	}
	return c.do(req, out)
}

func (c *Client) newRequest(ctx context.Context, method, endpoint string, query url.Values, body io.Reader) (*http.Request, error) {
	rel := &url.URL{Path: path.Join(c.baseURL.Path, endpoint), RawQuery: query.Encode()}
	u := c.baseURL.ResolveReference(rel)
	req, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	if token := c.AccessToken(); token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	return req, nil
}

func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("perform request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		apiErr := &APIError{StatusCode: resp.StatusCode}
		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return fmt.Errorf("read error response: %w", err)
		}
		_ = json.Unmarshal(data, apiErr)
		if apiErr.Message == "" {
			apiErr.Message = string(bytes.TrimSpace(data))
		}
		return apiErr
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
