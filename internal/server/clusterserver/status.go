package clusterserver

import (
	"context"

	"github.com/yndnr/nodelink-go/internal/core/domain"
)

// Server states reported by Status.
const (
	StateCreated  = "created"
	StateRunning  = "running"
	StateStopped  = "stopped"
)

// ConnStatus describes one tracked connection.
type ConnStatus struct {
	ConnID     string `json:"conn_id"`
	Peer       string `json:"peer"`
	Role       string `json:"role"`
	Phase      string `json:"phase"`
	Protocol   string `json:"protocol"`
	RemoteAddr string `json:"remote_addr"`
	Pending    int    `json:"pending"`
}

// Status is a point-in-time view of a node.
type Status struct {
	Self        string            `json:"self"`
	Cluster     string            `json:"cluster"`
	State       string            `json:"state"`
	Connections []ConnStatus      `json:"connections"`
	Versions    map[string]uint32 `json:"versions"`
	Behind      map[string]uint32 `json:"behind,omitempty"`
}

// Ready reports whether the server is started and not shutting down.
func (s *Server) Ready() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.started && !s.stopped
}

// Status returns a snapshot of the node.
func (s *Server) Status() Status {
	s.mu.Lock()
	state := StateCreated
	switch {
	case s.stopped:
		state = StateStopped
	case s.started:
		state = StateRunning
	}
	s.mu.Unlock()

	conns := s.manager.Conns()
	st := Status{
		Self:        s.cfg.Self.String(),
		Cluster:     s.cfg.ClusterName,
		State:       state,
		Connections: make([]ConnStatus, 0, len(conns)),
		Versions:    versionMap(s.cfg.Versions.CurrentVersions()),
	}
	for _, c := range conns {
		cs := ConnStatus{
			ConnID:     c.ID(),
			Peer:       "anonymous",
			Role:       c.Role().String(),
			Phase:      c.Phase().String(),
			Protocol:   c.ProtocolVersion().String(),
			RemoteAddr: c.RemoteAddr(),
			Pending:    c.Pending(),
		}
		if p := c.Peer(); p != nil {
			cs.Peer = p.String()
		}
		st.Connections = append(st.Connections, cs)
	}
	if behind := s.peerVers.Behind(); len(behind) > 0 {
		st.Behind = make(map[string]uint32, len(behind))
		for k, v := range behind {
			st.Behind[k.String()] = uint32(v)
		}
	}
	return st
}

func versionMap(v domain.Versions) map[string]uint32 {
	out := make(map[string]uint32, len(domain.MetadataKinds))
	for _, k := range domain.MetadataKinds {
		out[k.String()] = uint32(v.Get(k))
	}
	return out
}

// DrainConn drains the tracked connection with the given id.
func (s *Server) DrainConn(ctx context.Context, connID, reason string) error {
	c, ok := s.manager.Get(connID)
	if !ok {
		return domain.ErrConnectionNotFound.WithDetails(connID)
	}
	s.logger.Info("draining connection on request",
		"conn_id", connID,
		"reason", reason)
	return c.Drain(ctx, reason)
}
