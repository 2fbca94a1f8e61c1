// Package handshake implements the Hello/Welcome state machine that every
// connection runs before application traffic may flow, and the phase
// transitions driven by connection control signals afterwards.
//
// A Machine is owned by a single connection and is not safe for concurrent
// use; the connection serializes access to it.
package handshake
