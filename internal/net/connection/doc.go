// Package connection runs one node-to-node link.
//
// A Conn owns a transport stream, the handshake state machine and the
// pending request table of one peer connection. After Handshake it runs a
// reader and a single writer goroutine. Outbound frames are numbered and
// queued under one lock, so the wire order is the msg id order. Inbound
// responses are correlated to pending requests, control signals drive the
// lifecycle, and everything else is handed to the router.
package connection
