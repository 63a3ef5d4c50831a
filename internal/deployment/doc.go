// Package deployment tracks which chains an agent has been registered on.
// Records are keyed by (agentId, chainId), move forward through
// pending → bridging → completed|failed, and are never deleted. The on-chain
// registry stays authoritative; these records are advisory.
package deployment
