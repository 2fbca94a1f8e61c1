// Package storage persists the small amount of node state that must
// survive a restart.
//
// A node's generation is bumped in durable storage every time the process
// starts, so peers can tell a restarted node from its previous incarnation.
// The last known local metadata versions are kept alongside it.
//
// Storage is an embedded Badger database behind the KVEngine interface.
package storage
