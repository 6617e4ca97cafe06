// Package worker is the agent-side process a gateway connects to. Each
// connection serves one session: it is opened with session_init, carries user
// and system turns to a Model and runs tool calls through the
// toolexecutor pipeline.
package worker
