// Package session tracks which session identifier belongs to each open
// client connection.
//
// A session lives exactly as long as its connection: the id is minted when the
// connection is accepted and the entry is dropped synchronously when it
// closes.
package session
