package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"AgentNexus-Chain/sdk/go/agentnexus"
)

// 演示如何通过 SDK 部署智能体并执行调用。默认连接本地守护进程。
func main() {
	baseURL := os.Getenv("AGENTNEXUS_URL")
	if baseURL == "" {
		baseURL = "http://127.0.0.1:8080"
	}
	client, err := agentnexus.NewClient(baseURL, nil)
	if err != nil {
		panic(err)
	}
	client.SetAccessToken(os.Getenv("AGENTNEXUS_TOKEN"))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
	defer cancel()

	resp, err := client.DeployCrossChain(ctx, agentnexus.DeployRequest{
		AgentID:        1,
		SourceChainID:  11155111,
		TargetChainIDs: []uint64{84532, 421614},
	})
	if err != nil {
		panic(err)
	}
	fmt.Printf("batch %s: %d/%d succeeded\n", resp.BatchID, resp.SuccessCount, len(resp.Order))
	for _, chainID := range resp.Order {
		d, _ := resp.Chain(chainID)
		fmt.Printf("  chain %d: %s %s%s\n", chainID, d.Status, d.TxHash, d.Error)
	}

	out, err := client.Execute(ctx, agentnexus.ExecuteRequest{AgentID: 1, UserChainID: 11155111, TargetChainID: 84532})
	if err != nil {
		panic(err)
	}
	fmt.Printf("execution routed via %s, tx %s, paid %s\n", out.Route, out.TxHash, out.Amount)
}
