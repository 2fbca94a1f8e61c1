package metric

import (
	"strings"
	"testing"
)

type fakeSource []PeerStat

func (f fakeSource) PeerStats() []PeerStat { return f }

func TestCollector(t *testing.T) {
	r := NewRegistry()
	r.MustRegister(NewCollector(fakeSource{
		{ConnID: "c1", Peer: "N1:2", Role: "acceptor", Phase: "open", Pending: 4},
		{ConnID: "c2", Peer: "anonymous", Role: "acceptor", Phase: "draining", Pending: 0},
	}))

	body := scrape(t, r.Handler())
	for _, want := range []string{
		`nodelink_peer_pending_requests{conn="c1",peer="N1:2",role="acceptor"} 4`,
		`nodelink_peer_phase{conn="c2",peer="anonymous",phase="draining",role="acceptor"} 1`,
	} {
		if !strings.Contains(body, want) {
			t.Errorf("expected %s", want)
		}
	}
}

func TestCollector_Empty(t *testing.T) {
	r := NewRegistry()
	c := NewCollector(fakeSource(nil))
	r.MustRegister(c)
	body := scrape(t, r.Handler())
	if strings.Contains(body, "nodelink_peer_pending_requests{") {
		t.Error("no samples expected without connections")
	}
	if !r.Unregister(c) {
		t.Error("Unregister() = false")
	}
}
