// Package federation connects this gateway to remote MCP servers.
//
// A Manager owns the registry of peer configurations and drives each peer
// through token issuance, transport open, capability handshake and
// validation. The registry holds at most one connection record per server
// id. A record being torn down stays in the registry as closing until its
// transport is closed, so a new attempt for the same id is refused until
// teardown completes.
package federation
