// Package push maintains the WebSocket connections to WLED devices.
//
// WLED firmware pushes its full {"state":...,"info":...} document over
// ws://<device>/ws whenever anything changes, regardless of who changed it.
// The Manager keeps one socket per device (bounded by push.max_sockets,
// with priority-based eviction), reconnects with capped exponential
// backoff, and fans all pushes into a single event channel consumed by the
// reconciliation engine.
//
// Outbound, Send mirrors a command document over the socket for low-latency
// feedback; the HTTP API remains the authoritative command path.
package push
