// Package redis provides a lease-based distributed lock for deployment
// records, so several daemon instances can share one deployment store
// without interleaving writes to the same (agentId, chainId) key.
package redis
