package clusterserver

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/yndnr/nodelink-go/internal/core/domain"
	"github.com/yndnr/nodelink-go/internal/net/router"
	"github.com/yndnr/nodelink-go/internal/net/versions"
	"github.com/yndnr/nodelink-go/internal/net/wire"
)

// RegisterBuiltins installs the NodePing and MetadataManager handlers.
func RegisterBuiltins(reg *router.Registry, source versions.Source, logger *slog.Logger) error {
	if logger == nil {
		logger = slog.Default()
	}
	if err := reg.Register(wire.TargetNodePing, NewPingHandler(logger)); err != nil {
		return fmt.Errorf("register ping handler: %w", err)
	}
	if err := reg.Register(wire.TargetMetadataManager, NewMetadataHandler(source, logger)); err != nil {
		return fmt.Errorf("register metadata handler: %w", err)
	}
	return nil
}

// PingHandler answers NodePing with a NodePong echoing the payload.
type PingHandler struct {
	logger *slog.Logger
}

// NewPingHandler creates a ping handler.
func NewPingHandler(logger *slog.Logger) *PingHandler {
	return &PingHandler{logger: logger}
}

// OnMessage implements router.Handler.
func (h *PingHandler) OnMessage(ctx context.Context, env *router.Envelope) {
	pong := &wire.BinaryMessage{Target: wire.TargetNodePong, Payload: env.Message.Payload}
	if err := env.Reply(ctx, pong); err != nil {
		h.logger.DebugContext(ctx, "pong not sent", "error", err)
	}
}

// MetadataHandler answers metadata version queries. The request payload
// names one metadata kind, or is empty for all of them. The response is a
// MetadataUpdate carrying "kind=version" lines.
type MetadataHandler struct {
	source versions.Source
	logger *slog.Logger
}

// NewMetadataHandler creates a handler reporting versions from source.
func NewMetadataHandler(source versions.Source, logger *slog.Logger) *MetadataHandler {
	return &MetadataHandler{source: source, logger: logger}
}

// OnMessage implements router.Handler.
func (h *MetadataHandler) OnMessage(ctx context.Context, env *router.Envelope) {
	kinds := domain.MetadataKinds
	if name := strings.TrimSpace(string(env.Message.Payload)); name != "" {
		kind, ok := domain.ParseMetadataKind(name)
		if !ok {
			h.logger.WarnContext(ctx, "metadata request for unknown kind", "kind", name)
			kinds = nil
		} else {
			kinds = []domain.MetadataKind{kind}
		}
	}

	resp := &wire.BinaryMessage{
		Target:  wire.TargetMetadataUpdate,
		Payload: []byte(FormatVersions(h.source.CurrentVersions(), kinds)),
	}
	if err := env.Reply(ctx, resp); err != nil {
		h.logger.DebugContext(ctx, "metadata response not sent", "error", err)
	}
}

// FormatVersions renders the given kinds of v as "kind=version" lines.
func FormatVersions(v domain.Versions, kinds []domain.MetadataKind) string {
	var b strings.Builder
	for _, k := range kinds {
		fmt.Fprintf(&b, "%s=%d\n", k, v.Get(k))
	}
	return b.String()
}

// PeerVersions records the latest metadata versions each peer advertised.
// It is the server's anti-entropy bookkeeping: Behind lists the kinds a
// peer knows newer versions of than this node.
type PeerVersions struct {
	local  versions.Source
	logger *slog.Logger

	mu    sync.RWMutex
	peers map[domain.GenerationalNodeID]domain.Versions
}

// NewPeerVersions creates an empty record comparing against local.
func NewPeerVersions(local versions.Source, logger *slog.Logger) *PeerVersions {
	if logger == nil {
		logger = slog.Default()
	}
	return &PeerVersions{
		local:  local,
		logger: logger,
		peers:  make(map[domain.GenerationalNodeID]domain.Versions),
	}
}

// ObserveVersions implements versions.Observer.
func (p *PeerVersions) ObserveVersions(_ context.Context, u versions.Update) {
	if u.Peer == nil {
		return
	}

	p.mu.Lock()
	merged := p.peers[*u.Peer].Merge(u.Versions)
	p.peers[*u.Peer] = merged
	p.mu.Unlock()

	if behind := merged.AdvancedOver(p.local.CurrentVersions()); len(behind) > 0 {
		names := make([]string, len(behind))
		for i, k := range behind {
			names[i] = k.String()
		}
		p.logger.Info("peer has newer metadata",
			"peer", u.Peer.String(),
			"kinds", names)
	}
}

// Get returns the versions last seen from peer.
func (p *PeerVersions) Get(peer domain.GenerationalNodeID) (domain.Versions, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	v, ok := p.peers[peer]
	return v, ok
}

// Behind returns the kinds for which some peer advertised a newer version
// than the local one, with the highest version seen.
func (p *PeerVersions) Behind() map[domain.MetadataKind]domain.Version {
	local := p.local.CurrentVersions()

	p.mu.RLock()
	defer p.mu.RUnlock()

	out := make(map[domain.MetadataKind]domain.Version)
	for _, v := range p.peers {
		for _, k := range v.AdvancedOver(local) {
			if v.Get(k) > out[k] {
				out[k] = v.Get(k)
			}
		}
	}
	return out
}

// Forget drops what was recorded for peer.
func (p *PeerVersions) Forget(peer domain.GenerationalNodeID) {
	p.mu.Lock()
	delete(p.peers, peer)
	p.mu.Unlock()
}
