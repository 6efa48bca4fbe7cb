// Package coordinator talks to the negotiation coordinator over its single
// JSON request/response endpoint.
package coordinator
