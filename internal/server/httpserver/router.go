package httpserver

import (
	"fmt"
	"log/slog"
	"net/http"

	"github.com/yndnr/nodelink-go/internal/server/httpserver/handler"
)

// DefaultRateLimit is the per-client request rate on /v1 routes.
const DefaultRateLimit = 20

// RouterConfig holds configuration for the admin router.
type RouterConfig struct {
	Node handler.Node

	// Metrics serves /metrics when set.
	Metrics http.Handler

	// AllowList restricts /v1 routes to these IPs or CIDRs. Empty allows all.
	AllowList []string

	// RateLimit is requests per second per client on /v1 routes. Zero
	// uses DefaultRateLimit; negative disables limiting.
	RateLimit int

	Logger *slog.Logger
}

// NewRouter builds the admin handler.
func NewRouter(cfg RouterConfig) (http.Handler, error) {
	if cfg.Node == nil {
		return nil, fmt.Errorf("admin router needs a node")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	logger := cfg.Logger.With("component", "admin")

	allowed, err := AllowList(cfg.AllowList)
	if err != nil {
		return nil, err
	}
	if cfg.RateLimit == 0 {
		cfg.RateLimit = DefaultRateLimit
	}

	h := handler.New(cfg.Node, logger)
	mux := http.NewServeMux()

	mux.HandleFunc("GET /healthz", h.Health)
	mux.HandleFunc("GET /readyz", h.Ready)
	if cfg.Metrics != nil {
		mux.Handle("GET /metrics", cfg.Metrics)
	}

	guards := []Middleware{NetworkACL(allowed, logger)}
	if cfg.RateLimit > 0 {
		guards = append(guards, RateLimit(cfg.RateLimit))
	}
	mux.Handle("GET /v1/status", Chain(http.HandlerFunc(h.Status), guards...))
	mux.Handle("GET /v1/connections", Chain(http.HandlerFunc(h.Connections), guards...))
	mux.Handle("POST /v1/connections/{id}/drain", Chain(http.HandlerFunc(h.Drain), guards...))

	return Chain(mux, Recover(logger), RequestID(), AccessLog(logger)), nil
}
