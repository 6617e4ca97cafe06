// Package registry tracks the worker processes the gateway can route to.
//
// Agents register over HTTP (or statically from configuration) and refresh a
// heartbeat. An agent is healthy while its status is healthy and its last
// heartbeat is younger than the staleness threshold; Monitor flips stale
// agents to unhealthy so listings reflect it too.
package registry
