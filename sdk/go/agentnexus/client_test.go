package agentnexus

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestDeployCrossChainSendsTokenAndDecodes(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v1/deployments/cross-chain" || r.Method != http.MethodPost {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		if r.Header.Get("Authorization") != "Bearer token" {
			t.Errorf("expected bearer token, got %q", r.Header.Get("Authorization"))
		}
		var req DeployRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || len(req.TargetChainIDs) != 2 {
			t.Errorf("unexpected body %+v err=%v", req, err)
		}
		_, _ = w.Write([]byte(`{"batchId":"b1","status":"partial","successCount":1,"order":[84532,421614],
			"deployments":{"84532":{"status":"completed","txHash":"0xabc"},"421614":{"status":"failed","errorCode":"BRIDGE_TIMEOUT"}}}`))
	}))
	defer srv.Close()

	client, err := NewClient(srv.URL, srv.Client())
	if err != nil {
		t.Fatalf("client: %v", err)
	}
	client.SetAccessToken("token")

	resp, err := client.DeployCrossChain(context.Background(), DeployRequest{AgentID: 1, SourceChainID: 11155111, TargetChainIDs: []uint64{84532, 421614}})
	if err != nil {
		t.Fatalf("deploy: %v", err)
	}
	if d, ok := resp.Chain(421614); !ok || d.ErrorCode != "BRIDGE_TIMEOUT" {
		t.Fatalf("unexpected chain entry %+v", d)
	}
	if resp.SuccessCount != 1 || resp.BatchID != "b1" {
		t.Fatalf("unexpected response %+v", resp)
	}
}

func TestHistoryPassesLimit(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v1/deployments/7/history" || r.URL.Query().Get("limit") != "3" {
			t.Errorf("unexpected request %s", r.URL.String())
		}
		_, _ = w.Write([]byte(`[{"batchId":"b1","agentId":7,"status":"completed","txHashes":{"84532":"0x1"}}]`))
	}))
	defer srv.Close()

	client, _ := NewClient(srv.URL, srv.Client())
	batches, err := client.History(context.Background(), 7, 3)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(batches) != 1 || batches[0].TxHashes[84532] != "0x1" {
		t.Fatalf("unexpected batches %+v", batches)
	}
}

func TestExecuteReturnsAPIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
		_, _ = w.Write([]byte(`{"code":"AGENT_NOT_DEPLOYED_ON_CHAIN","message":"agent 1 is not deployed on chain 84532"}`))
	}))
	defer srv.Close()

	client, _ := NewClient(srv.URL, srv.Client())
	_, err := client.Execute(context.Background(), ExecuteRequest{AgentID: 1, TargetChainID: 84532})
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected APIError, got %v", err)
	}
	if apiErr.StatusCode != http.StatusConflict || apiErr.Code != "AGENT_NOT_DEPLOYED_ON_CHAIN" {
		t.Fatalf("unexpected api error %+v", apiErr)
	}
}

func TestExecuteDecodesDecimalAmounts(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"route":"bridge","txHash":"0x1","bridgeTxHash":"0x2","amount":"1.5","price":"1.5"}`))
	}))
	defer srv.Close()

	client, _ := NewClient(srv.URL, srv.Client())
	out, err := client.Execute(context.Background(), ExecuteRequest{AgentID: 1, TargetChainID: 84532})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if out.Route != "bridge" || out.Amount.String() != "1.5" {
		t.Fatalf("unexpected outcome %+v", out)
	}
}
