package clusterserver

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/yndnr/nodelink-go/internal/core/domain"
	"github.com/yndnr/nodelink-go/internal/net/connection"
	"github.com/yndnr/nodelink-go/internal/net/handshake"
	"github.com/yndnr/nodelink-go/internal/telemetry/metric"
	"github.com/yndnr/nodelink-go/pkg/cmap"
)

// Manager tracks the open connections of a node and decides which peer
// generations are admitted.
type Manager struct {
	conns  *cmap.Map[*connection.Conn]
	gens   *domain.GenerationTracker
	logger *slog.Logger

	// Callbacks
	onAdd    func(c *connection.Conn)
	onRemove func(c *connection.Conn, cause error)
}

// NewManager creates an empty manager.
func NewManager(logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		conns:  cmap.New[*connection.Conn](),
		gens:   domain.NewGenerationTracker(),
		logger: logger.With("component", "manager"),
	}
}

// OnAdd registers a callback for connections entering the manager.
func (m *Manager) OnAdd(fn func(c *connection.Conn)) {
	m.onAdd = fn
}

// OnRemove registers a callback for connections leaving the manager.
func (m *Manager) OnRemove(fn func(c *connection.Conn, cause error)) {
	m.onRemove = fn
}

// Admit vets a peer identity during a handshake. A generation older than
// one already seen for the same node is rejected. A newer generation
// shuts down the connections of the older ones.
func (m *Manager) Admit(peer domain.GenerationalNodeID) error {
	if !m.gens.Observe(peer) {
		latest, _ := m.gens.Latest(peer.ID)
		return domain.ErrStaleGeneration.WithDetailsf("%s is older than %s", peer, latest)
	}

	for _, c := range m.ByNode(peer.ID) {
		old := c.Peer()
		if old == nil || !peer.IsNewerThan(*old) {
			continue
		}
		m.logger.Info("superseding connection",
			"conn_id", c.ID(),
			"old_peer", old.String(),
			"new_peer", peer.String())
		go m.shutdownConn(c, "superseded by "+peer.String())
	}
	return nil
}

// Add starts tracking an open connection. A connection whose peer was
// superseded while it was handshaking is shut down instead.
func (m *Manager) Add(c *connection.Conn) {
	if p := c.Peer(); p != nil && !m.gens.IsAuthoritative(*p) {
		latest, _ := m.gens.Latest(p.ID)
		m.logger.Info("dropping superseded connection",
			"conn_id", c.ID(),
			"peer", p.String(),
			"latest", latest.String())
		go m.shutdownConn(c, "superseded by "+latest.String())
		return
	}

	if !m.conns.SetIfAbsent(c.ID(), c) {
		return
	}
	// Close may have raced with Add.
	if c.Err() != nil {
		m.conns.Delete(c.ID())
		return
	}
	if m.onAdd != nil {
		m.onAdd(c)
	}
}

// Remove stops tracking c. It is wired as the connection's OnClose hook.
func (m *Manager) Remove(c *connection.Conn, cause error) {
	if _, ok := m.conns.Pop(c.ID()); !ok {
		return
	}
	if m.onRemove != nil {
		m.onRemove(c, cause)
	}
}

// Get returns the connection with the given id.
func (m *Manager) Get(connID string) (*connection.Conn, bool) {
	return m.conns.Get(connID)
}

// ByNode returns the connections to any generation of the node.
func (m *Manager) ByNode(id domain.PlainNodeID) []*connection.Conn {
	return m.conns.Filter(func(_ string, c *connection.Conn) bool {
		p := c.Peer()
		return p != nil && p.ID == id
	})
}

// ByPeer returns an open connection to exactly peer.
func (m *Manager) ByPeer(peer domain.GenerationalNodeID) (*connection.Conn, bool) {
	var found *connection.Conn
	m.conns.Range(func(_ string, c *connection.Conn) bool {
		if p := c.Peer(); p != nil && *p == peer && c.Phase() == handshake.PhaseOpen {
			found = c
			return false
		}
		return true
	})
	return found, found != nil
}

// Conns returns every tracked connection.
func (m *Manager) Conns() []*connection.Conn {
	return m.conns.Values()
}

// Len returns the number of tracked connections.
func (m *Manager) Len() int {
	return m.conns.Count()
}

// PeerStats implements metric.StatsSource.
func (m *Manager) PeerStats() []metric.PeerStat {
	conns := m.conns.Values()
	stats := make([]metric.PeerStat, 0, len(conns))
	for _, c := range conns {
		stats = append(stats, c.Stat())
	}
	return stats
}

// SetDrainGrace changes the drain grace period of every connection.
func (m *Manager) SetDrainGrace(d time.Duration) {
	for _, c := range m.conns.Values() {
		c.SetDrainGrace(d)
	}
}

// DrainAll drains every connection.
func (m *Manager) DrainAll(ctx context.Context, reason string) error {
	var errs []error
	for _, c := range m.conns.Values() {
		if err := c.Drain(ctx, reason); err != nil && c.Err() == nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// WaitIdle blocks until no connection has pending requests or ctx ends.
func (m *Manager) WaitIdle(ctx context.Context) error {
	ticker := time.NewTicker(20 * time.Millisecond)
	defer ticker.Stop()
	for {
		idle := true
		m.conns.Range(func(_ string, c *connection.Conn) bool {
			idle = c.Pending() == 0
			return idle
		})
		if idle {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// ShutdownAll shuts every connection down in parallel.
func (m *Manager) ShutdownAll(ctx context.Context, reason string) error {
	var g errgroup.Group
	for _, c := range m.conns.Values() {
		g.Go(func() error {
			if c.Err() != nil {
				return nil
			}
			if err := c.Shutdown(ctx, reason); err != nil {
				return fmt.Errorf("shutdown %s: %w", c.ID(), err)
			}
			return nil
		})
	}
	return g.Wait()
}

func (m *Manager) shutdownConn(c *connection.Conn, reason string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := c.Shutdown(ctx, reason); err != nil {
		m.logger.Debug("shutdown of superseded connection", "conn_id", c.ID(), "error", err)
	}
}
