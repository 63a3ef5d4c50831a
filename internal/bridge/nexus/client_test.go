package nexus

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"AgentNexus-Chain/internal/balance"
	"AgentNexus-Chain/internal/bridge"
	xerrors "AgentNexus-Chain/internal/errors"
	"AgentNexus-Chain/internal/planner"
	"AgentNexus-Chain/internal/web3"
	"AgentNexus-Chain/internal/web3/ethereum"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
)

func TestSessionLifecycle(t *testing.T) {
	wallet := common.HexToAddress("0x00000000000000000000000000000000000000f1")
	var executed executePayload
	deleted := false

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer key" {
			t.Errorf("missing api key header")
		}
		switch {
		case r.Method == http.MethodPost && r.URL.Path == "/v1/sessions":
			var body map[string]string
			_ = json.NewDecoder(r.Body).Decode(&body)
			if body["wallet"] != wallet.Hex() {
				t.Errorf("unexpected wallet %q", body["wallet"])
			}
			_ = json.NewEncoder(w).Encode(map[string]string{"sessionId": "s-1"})
		case r.Method == http.MethodGet && r.URL.Path == "/v1/sessions/s-1/balances":
			_, _ = w.Write([]byte(`{"balances":[{"symbol":"USDC","decimals":6,"breakdown":[{"chainId":84532,"balance":"5.25"}]}]}`))
		case r.Method == http.MethodPost && r.URL.Path == "/v1/sessions/s-1/bridge-and-execute":
			_ = json.NewDecoder(r.Body).Decode(&executed)
			_ = json.NewEncoder(w).Encode(bridge.ExecuteResult{Success: true, ExecuteTxHash: "0xexec", BridgeTxHash: "0xbridge", IntentID: executed.ClientRef})
		case r.Method == http.MethodDelete && r.URL.Path == "/v1/sessions/s-1":
			deleted = true
			w.WriteHeader(http.StatusNoContent)
		case r.Method == http.MethodGet && r.URL.Path == "/v1/transfers/ref-1":
			_, _ = w.Write([]byte(`{"state":"pending"}`))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	connector, err := NewConnector(Config{BaseURL: srv.URL, APIKey: "key"}, srv.Client())
	if err != nil {
		t.Fatalf("new connector: %v", err)
	}
	session, err := connector.Connect(context.Background(), wallet)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}

	balances, err := session.UnifiedBalances(context.Background())
	if err != nil {
		t.Fatalf("balances: %v", err)
	}
	if len(balances) != 1 || !balances[0].On(84532).Equal(decimal.RequireFromString("5.25")) {
		t.Fatalf("unexpected balances %+v", balances)
	}

	call := web3.ContractCall{Contract: common.HexToAddress("0xaa"), Function: "executeAgent", CallData: []byte{0xde, 0xad}}
	res, err := session.BridgeAndExecute(context.Background(), bridge.Request{ClientRef: "ref-1", Token: "USDC", Amount: decimal.RequireFromString("5"), ToChainID: 421614, Execute: call})
	if err != nil {
		t.Fatalf("bridge and execute: %v", err)
	}
	if !res.Success || res.IntentID != "ref-1" {
		t.Fatalf("unexpected result %+v", res)
	}
	if executed.Amount != "5" || executed.Execute.Data != "0xdead" || executed.ToChainID != 421614 {
		t.Fatalf("unexpected payload %+v", executed)
	}

	status, err := connector.TransferStatus(context.Background(), "ref-1")
	if err != nil || status.State != bridge.TransferPending || status.Ref != "ref-1" {
		t.Fatalf("unexpected transfer status %+v %v", status, err)
	}

	if err := session.Disconnect(context.Background()); err != nil {
		t.Fatalf("disconnect: %v", err)
	}
	if !deleted {
		t.Fatal("expected session delete call")
	}
	if _, err := session.UnifiedBalances(context.Background()); !xerrors.HasCode(err, bridge.CodeBridgeUnavailable) {
		t.Fatalf("closed session should be unavailable, got %v", err)
	}
}

func TestServerErrorsAreUnavailable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		_, _ = w.Write([]byte(`{"code":"RPC_DOWN","message":"upstream"}`))
	}))
	defer srv.Close()

	connector, _ := NewConnector(Config{BaseURL: srv.URL}, srv.Client())
	if _, err := connector.Connect(context.Background(), common.Address{}); !xerrors.HasCode(err, bridge.CodeBridgeUnavailable) {
		t.Fatalf("expected unavailable error, got %v", err)
	}
}

type testChains map[uint64]bool

func (c testChains) Lookup(id uint64) (web3.ChainInfo, error) {
	if !c[id] {
		return web3.ChainInfo{}, web3.UnsupportedChain(id)
	}
	return web3.ChainInfo{ChainID: id}, nil
}

func (c testChains) IsSupported(id uint64) bool { return c[id] }

func (c testChains) Supported() []uint64 { return []uint64{84532, 11155420} }

// balancesWithoutDecimals serves balances shaped {symbol, breakdown}, with no
// decimals field.
func balancesWithoutDecimals(t *testing.T) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodPost && r.URL.Path == "/v1/sessions":
			_ = json.NewEncoder(w).Encode(map[string]string{"sessionId": "s-2"})
		case r.Method == http.MethodGet && r.URL.Path == "/v1/sessions/s-2/balances":
			_, _ = w.Write([]byte(`{"balances":[{"symbol":"USDC","breakdown":[{"chainId":84532,"balance":"10"},{"chainId":11155420,"balance":"2.5"}]}]}`))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
}

func TestBalancesWithoutDecimalsPlanExactDeficit(t *testing.T) {
	cases := []struct {
		name     string
		decimals int32
		reported int32
	}{
		{"connector fills configured decimals", 6, 6},
		{"planner falls back when connector has none", 0, 0},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			srv := balancesWithoutDecimals(t)
			defer srv.Close()

			connector, err := NewConnector(Config{BaseURL: srv.URL, Decimals: tc.decimals}, srv.Client())
			if err != nil {
				t.Fatalf("new connector: %v", err)
			}
			session, err := connector.Connect(context.Background(), common.HexToAddress("0xf2"))
			if err != nil {
				t.Fatalf("connect: %v", err)
			}
			balances, err := session.UnifiedBalances(context.Background())
			if err != nil {
				t.Fatalf("balances: %v", err)
			}
			if balances[0].Decimals != tc.reported {
				t.Fatalf("expected decimals %d, got %d", tc.reported, balances[0].Decimals)
			}

			chains := testChains{84532: true, 11155420: true}
			plans := planner.New(chains, balance.NewAggregator(chains, session))
			plan, err := plans.Plan(context.Background(), planner.Input{
				AgentID:        7,
				SourceChainID:  84532,
				TargetChainID:  11155420,
				Call:           ethereum.ExecuteAgentCall(common.HexToAddress("0xa1"), 7, nil),
				RequiredAmount: decimal.RequireFromString("5"),
			})
			if err != nil {
				t.Fatalf("plan: %v", err)
			}
			if !plan.Deficit.Equal(decimal.RequireFromString("2.5")) {
				t.Fatalf("unexpected deficit %s", plan.Deficit)
			}
			if !plan.Bridge.AmountDecimal.Equal(plan.Deficit) || plan.Bridge.Amount.Int64() != 2_500_000 {
				t.Fatalf("bridged %s (%s) but deficit is %s", plan.Bridge.AmountDecimal, plan.Bridge.Amount, plan.Deficit)
			}
		})
	}
}
