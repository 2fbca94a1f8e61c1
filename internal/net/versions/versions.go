package versions

import (
	"context"
	"log/slog"
	"sync"

	"github.com/yndnr/nodelink-go/internal/core/domain"
	"github.com/yndnr/nodelink-go/internal/telemetry/metric"
)

// Source supplies the local node's current metadata versions.
type Source interface {
	CurrentVersions() domain.Versions
}

// Update reports metadata versions a peer advertised that are newer than
// what was last seen from it.
type Update struct {
	Peer     *domain.GenerationalNodeID
	ConnID   string
	Versions domain.Versions
	Advanced []domain.MetadataKind
}

// Observer consumes version updates. It is the anti-entropy collaborator.
type Observer interface {
	ObserveVersions(ctx context.Context, u Update)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(ctx context.Context, u Update)

// ObserveVersions calls f.
func (f ObserverFunc) ObserveVersions(ctx context.Context, u Update) { f(ctx, u) }

// Store is a concurrency-safe Source that can be advanced.
type Store struct {
	mu sync.RWMutex
	v  domain.Versions
}

// NewStore returns a store holding initial.
func NewStore(initial domain.Versions) *Store {
	return &Store{v: initial}
}

// CurrentVersions implements Source.
func (s *Store) CurrentVersions() domain.Versions {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.v
}

// Advance raises versions to at least v and returns the kinds that moved.
func (s *Store) Advance(v domain.Versions) []domain.MetadataKind {
	s.mu.Lock()
	defer s.mu.Unlock()

	advanced := v.AdvancedOver(s.v)
	s.v = s.v.Merge(v)
	return advanced
}

// Bump increments the version of one kind and returns the new value.
func (s *Store) Bump(kind domain.MetadataKind) domain.Version {
	s.mu.Lock()
	defer s.mu.Unlock()

	next := s.v.Get(kind).Next()
	s.v.Set(kind, next)
	return next
}

// Tracker remembers the highest versions seen from one peer. It is owned
// by a single read loop and is not safe for concurrent use.
type Tracker struct {
	last domain.Versions
}

// Observe records v and returns the kinds that advanced.
func (t *Tracker) Observe(v domain.Versions) []domain.MetadataKind {
	advanced := v.AdvancedOver(t.last)
	if len(advanced) > 0 {
		t.last = t.last.Merge(v)
	}
	return advanced
}

// Last returns the highest versions seen.
func (t *Tracker) Last() domain.Versions { return t.last }

// Notifier delivers updates to an Observer asynchronously. Updates from the
// same connection that queue up while the observer is busy are merged.
type Notifier struct {
	observer Observer
	metrics  *metric.Registry
	logger   *slog.Logger

	mu      sync.Mutex
	pending map[string]Update
	order   []string
	wake    chan struct{}
}

// NewNotifier creates a notifier for observer. metrics may be nil.
func NewNotifier(observer Observer, metrics *metric.Registry, logger *slog.Logger) *Notifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &Notifier{
		observer: observer,
		metrics:  metrics,
		logger:   logger.With("component", "versions"),
		pending:  make(map[string]Update),
		wake:     make(chan struct{}, 1),
	}
}

// Notify queues u and returns immediately.
func (n *Notifier) Notify(u Update) {
	for _, k := range u.Advanced {
		n.metrics.VersionUpdate(k.String())
	}

	n.mu.Lock()
	prev, ok := n.pending[u.ConnID]
	if ok {
		u.Advanced = mergeKinds(prev.Advanced, u.Advanced)
		u.Versions = prev.Versions.Merge(u.Versions)
	} else {
		n.order = append(n.order, u.ConnID)
	}
	n.pending[u.ConnID] = u
	n.mu.Unlock()

	select {
	case n.wake <- struct{}{}:
	default:
	}
}

// Run delivers queued updates until ctx ends.
func (n *Notifier) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-n.wake:
		}

		for _, u := range n.takePending() {
			n.logger.Debug("peer metadata advanced",
				"conn_id", u.ConnID,
				"advanced", kindsString(u.Advanced),
			)
			n.observer.ObserveVersions(ctx, u)
		}
	}
}

func (n *Notifier) takePending() []Update {
	n.mu.Lock()
	defer n.mu.Unlock()

	out := make([]Update, 0, len(n.order))
	for _, id := range n.order {
		out = append(out, n.pending[id])
	}
	n.pending = make(map[string]Update)
	n.order = n.order[:0]
	return out
}

func mergeKinds(a, b []domain.MetadataKind) []domain.MetadataKind {
	out := append([]domain.MetadataKind(nil), a...)
	for _, k := range b {
		found := false
		for _, x := range out {
			if x == k {
				found = true
				break
			}
		}
		if !found {
			out = append(out, k)
		}
	}
	return out
}

func kindsString(kinds []domain.MetadataKind) []string {
	out := make([]string, len(kinds))
	for i, k := range kinds {
		out[i] = k.String()
	}
	return out
}
