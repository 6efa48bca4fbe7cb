// Package relay bridges browser WebSocket connections to the negotiation
// coordinator.
//
// Every inbound frame is stamped with its connection's session id and posted
// to the coordinator; the reply (or a translated error) goes back to the same
// connection only. Frames from one connection are forwarded strictly in
// order. When a connection closes its session is dropped from the registry
// and the coordinator is told, best effort, to release it.
package relay
