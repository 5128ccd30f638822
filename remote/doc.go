// Package remote implements the authenticated RPC client for a single node
// agent's HTTP surface: power, console, file, backup, resource and transfer
// operations.
//
// The client surfaces two distinguished failure kinds so callers can map
// them without inspecting transport details: a connection failure
// (NODE_UNREACHABLE, retryable, 503 semantics) when the agent cannot be
// reached, and an auth failure (NODE_AUTH_FAILED, fatal, 403 semantics)
// when the agent rejects the panel's credential. Idempotent reads retry
// with capped exponential backoff and jitter; mutating calls run once.
package remote
