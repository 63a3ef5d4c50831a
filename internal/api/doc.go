// Package api exposes the REST surface of the daemon: cross-chain
// deployments, deployment history and agent executions.
package api
