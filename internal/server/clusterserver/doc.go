// Package clusterserver runs a node's side of the node-to-node network.
//
// A Server accepts peer connections on a raw TCP listener and as Connect
// bidirectional streams over h2c, dials the configured peers and keeps
// those links up, and tracks every open connection in a Manager. The
// manager admits peers by generation: a newer generation of a node
// supersedes its older connections, an older one is rejected.
//
// The built-in handlers answer NodePing and MetadataManager requests.
package clusterserver
