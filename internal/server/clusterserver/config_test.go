package clusterserver

import (
	"errors"
	"testing"

	"github.com/yndnr/nodelink-go/internal/core/domain"
)

func TestParsePeer(t *testing.T) {
	tests := []struct {
		in      string
		want    Peer
		wantErr bool
	}{
		{in: "10.0.0.1:5122", want: Peer{Transport: PeerTCP, Addr: "10.0.0.1:5122"}},
		{in: "tcp://node-2:5122", want: Peer{Transport: PeerTCP, Addr: "node-2:5122"}},
		{in: "http://node-2:5123/", want: Peer{Transport: PeerConnect, Addr: "http://node-2:5123"}},
		{in: "http://node-2:5123", want: Peer{Transport: PeerConnect, Addr: "http://node-2:5123"}},
		{in: "node-2", wantErr: true},
		{in: "tcp://node-2", wantErr: true},
		{in: "https://node-2:5123", wantErr: true},
		{in: "http://", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParsePeer(tt.in)
			if tt.wantErr {
				if !errors.Is(err, domain.ErrInvalidArgument) {
					t.Fatalf("ParsePeer(%q) error = %v, want invalid argument", tt.in, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("ParsePeer(%q) error = %v", tt.in, err)
			}
			if got != tt.want {
				t.Errorf("ParsePeer(%q) = %+v, want %+v", tt.in, got, tt.want)
			}
			again, err := ParsePeer(got.String())
			if err != nil || again != got {
				t.Errorf("ParsePeer(String()) = %+v, %v; want %+v", again, err, got)
			}
		})
	}
}

func TestConfigValidate(t *testing.T) {
	base := func() Config {
		return Config{
			Self:        domain.PlainNodeID(1).WithGeneration(1),
			ClusterName: "test",
		}
	}

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{name: "valid", mutate: func(*Config) {}},
		{name: "no cluster", mutate: func(c *Config) { c.ClusterName = "" }, wantErr: true},
		{name: "no node id", mutate: func(c *Config) { c.Self = domain.GenerationalNodeID{} }, wantErr: true},
		{name: "bad peer", mutate: func(c *Config) { c.Peers = []string{"nope"} }, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := base()
			tt.mutate(&cfg)
			cfg.setDefaults()
			err := cfg.validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestConfigDefaults(t *testing.T) {
	cfg := Config{RedialMin: 10 * DefaultRedialMin}
	cfg.setDefaults()

	if cfg.RedialMax < cfg.RedialMin {
		t.Errorf("RedialMax = %s below RedialMin %s", cfg.RedialMax, cfg.RedialMin)
	}
	if cfg.Versions == nil || cfg.Logger == nil || cfg.Router.Logger == nil {
		t.Error("setDefaults left required fields nil")
	}
}
