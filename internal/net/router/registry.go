// Package router dispatches inbound binary messages to the handler
// registered for their target.
//
// The Registry is shared by every connection of a node and is read on
// every frame; registration takes the write lock only for the mutation.
// The Router hands messages to a pool of workers so that a slow handler
// never stalls a connection's read loop.
package router

import (
	"context"
	"slices"
	"sync"

	"github.com/yndnr/nodelink-go/internal/core/domain"
	"github.com/yndnr/nodelink-go/internal/net/wire"
)

// ReplyFunc sends msg back to the peer as a response to the envelope.
type ReplyFunc func(ctx context.Context, msg *wire.BinaryMessage) error

// Envelope is one routed message together with where it came from.
type Envelope struct {
	// Peer is the sender's identity, nil for anonymous peers.
	Peer    *domain.GenerationalNodeID
	ConnID  string
	Header  wire.Header
	Message *wire.BinaryMessage

	// Reply responds with in_response_to set to Header.MsgID.
	Reply ReplyFunc
}

// PeerString returns the sender's id or "anonymous".
func (e *Envelope) PeerString() string {
	if e.Peer == nil {
		return "anonymous"
	}
	return e.Peer.String()
}

// Handler processes messages for one target.
type Handler interface {
	OnMessage(ctx context.Context, env *Envelope)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, env *Envelope)

// OnMessage calls f.
func (f HandlerFunc) OnMessage(ctx context.Context, env *Envelope) { f(ctx, env) }

// Registry maps targets to handlers.
type Registry struct {
	mu       sync.RWMutex
	handlers map[wire.TargetName]Handler
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[wire.TargetName]Handler)}
}

// Register installs h for target.
func (r *Registry) Register(target wire.TargetName, h Handler) error {
	if h == nil {
		return domain.ErrInvalidArgument.WithDetails("nil handler")
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.handlers[target]; ok {
		return domain.ErrTargetAlreadyRegistered.WithDetails(target.String())
	}
	r.handlers[target] = h
	return nil
}

// Deregister removes the handler for target and reports whether one existed.
func (r *Registry) Deregister(target wire.TargetName) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	_, ok := r.handlers[target]
	delete(r.handlers, target)
	return ok
}

// Lookup returns the handler for target.
func (r *Registry) Lookup(target wire.TargetName) (Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	h, ok := r.handlers[target]
	return h, ok
}

// Targets returns the registered targets in ascending order.
func (r *Registry) Targets() []wire.TargetName {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]wire.TargetName, 0, len(r.handlers))
	for t := range r.handlers {
		out = append(out, t)
	}
	slices.Sort(out)
	return out
}
