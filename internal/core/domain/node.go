package domain

import (
	"fmt"
	"strconv"
	"strings"
	"sync"
)

// PlainNodeID identifies a cluster member across restarts.
type PlainNodeID uint32

// String returns the text form "N<id>".
func (id PlainNodeID) String() string {
	return "N" + strconv.FormatUint(uint64(id), 10)
}

// WithGeneration pairs the plain id with a generation.
func (id PlainNodeID) WithGeneration(gen uint32) GenerationalNodeID {
	return GenerationalNodeID{ID: id, Generation: gen}
}

// GenerationalNodeID identifies one incarnation of a node. The generation
// increases every time the node process restarts.
type GenerationalNodeID struct {
	ID         PlainNodeID
	Generation uint32
}

// String returns the text form "N<id>:<generation>".
func (g GenerationalNodeID) String() string {
	return g.ID.String() + ":" + strconv.FormatUint(uint64(g.Generation), 10)
}

// SameNode reports whether both ids name the same plain node.
func (g GenerationalNodeID) SameNode(other GenerationalNodeID) bool {
	return g.ID == other.ID
}

// IsNewerThan reports whether g is a later incarnation of the same node.
func (g GenerationalNodeID) IsNewerThan(other GenerationalNodeID) bool {
	return g.ID == other.ID && g.Generation > other.Generation
}

// ParseGenerationalNodeID parses "N<id>:<generation>". The leading "N" is optional.
func ParseGenerationalNodeID(s string) (GenerationalNodeID, error) {
	idPart, genPart, ok := strings.Cut(s, ":")
	if !ok {
		return GenerationalNodeID{}, ErrInvalidArgument.WithDetailsf("node id %q: missing generation", s)
	}
	id, err := ParsePlainNodeID(idPart)
	if err != nil {
		return GenerationalNodeID{}, err
	}
	gen, err := strconv.ParseUint(genPart, 10, 32)
	if err != nil {
		return GenerationalNodeID{}, ErrInvalidArgument.WithDetailsf("node id %q: bad generation", s).WithCause(err)
	}
	return GenerationalNodeID{ID: id, Generation: uint32(gen)}, nil
}

// ParsePlainNodeID parses "N<id>" or a bare number.
func ParsePlainNodeID(s string) (PlainNodeID, error) {
	raw := strings.TrimPrefix(s, "N")
	v, err := strconv.ParseUint(raw, 10, 32)
	if err != nil {
		return 0, ErrInvalidArgument.WithDetails(fmt.Sprintf("node id %q", s)).WithCause(err)
	}
	return PlainNodeID(v), nil
}

// GenerationTracker records the highest generation observed for every plain
// node id. Once a generation has been observed, lower generations of the same
// node are no longer authoritative.
type GenerationTracker struct {
	mu     sync.Mutex
	latest map[PlainNodeID]uint32
}

// NewGenerationTracker returns an empty tracker.
func NewGenerationTracker() *GenerationTracker {
	return &GenerationTracker{latest: make(map[PlainNodeID]uint32)}
}

// Observe records id and reports whether it is authoritative, i.e. not
// older than a generation already seen for the same node.
func (t *GenerationTracker) Observe(id GenerationalNodeID) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	cur, ok := t.latest[id.ID]
	if ok && id.Generation < cur {
		return false
	}
	t.latest[id.ID] = id.Generation
	return true
}

// IsAuthoritative reports whether id is not older than what was observed,
// without recording it.
func (t *GenerationTracker) IsAuthoritative(id GenerationalNodeID) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	cur, ok := t.latest[id.ID]
	return !ok || id.Generation >= cur
}

// Latest returns the highest generation observed for the plain id.
func (t *GenerationTracker) Latest(id PlainNodeID) (GenerationalNodeID, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	gen, ok := t.latest[id]
	if !ok {
		return GenerationalNodeID{}, false
	}
	return GenerationalNodeID{ID: id, Generation: gen}, true
}
