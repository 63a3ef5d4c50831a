// Package web3 houses blockchain connectivity utilities: chain definitions
// for the supported EVM testnets, the agent registry contract binding and the
// shared types exchanged between the registry, the planner and the router.
package web3
