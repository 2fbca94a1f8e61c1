// Package domain defines the core domain models for nodelink.
//
// Domain models are pure value objects without any IO dependencies
// or framework coupling. This package contains:
//
//   - NodeID: plain and generational node identities
//   - Version: metadata versions piggybacked on every message header
//   - Errors: protocol error definitions shared by all layers
package domain
