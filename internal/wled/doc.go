// Package wled speaks the WLED HTTP JSON API.
//
// It defines the wire shapes (State, Segment, Info) shared by the HTTP
// client and the WebSocket push transport, partial-state builders for
// commands, and the Client interface consumed by the engine's dispatcher.
//
// Partial-update semantics: every mutable wire field is a pointer, nil
// meaning "unchanged" outbound and "not reported" inbound. The engine's
// reconciliation rules depend on that distinction.
//
// Transport errors are returned raw; the engine classifies them into its
// user-facing taxonomy.
package wled
