// Package versions handles the metadata versions piggybacked on every
// message header.
//
// Outbound headers are stamped from a Source. Inbound headers are compared
// per connection by a Tracker; advances are handed to a Notifier, which
// coalesces them and calls the node's Observer from its own goroutine so
// that a slow observer never blocks a read loop.
package versions
