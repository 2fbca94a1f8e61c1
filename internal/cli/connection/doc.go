// Package connection opens short-lived node connections for nodelink-cli.
//
// The CLI joins a cluster as an anonymous initiator: it completes the
// handshake without claiming a node identity, so the server neither
// tracks its generation nor redials it.
package connection
