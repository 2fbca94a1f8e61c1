package storage

import (
	"context"
	"encoding/binary"
	"errors"
	"math"

	"github.com/yndnr/nodelink-go/internal/core/domain"
)

var (
	generationPrefix = []byte("node/generation/")
	versionsKey      = []byte("metadata/versions")
)

// GenerationStore persists node generations and local metadata versions.
type GenerationStore struct {
	kv KVEngine
}

// NewGenerationStore creates a store on kv.
func NewGenerationStore(kv KVEngine) *GenerationStore {
	return &GenerationStore{kv: kv}
}

func generationKey(id domain.PlainNodeID) []byte {
	key := make([]byte, 0, len(generationPrefix)+4)
	key = append(key, generationPrefix...)
	return binary.BigEndian.AppendUint32(key, uint32(id))
}

// Current returns the stored generation of id, or generation 0 if it was
// never bumped.
func (s *GenerationStore) Current(ctx context.Context, id domain.PlainNodeID) (domain.GenerationalNodeID, error) {
	v, err := s.kv.Get(ctx, generationKey(id))
	if errors.Is(err, ErrKeyNotFound) {
		return id.WithGeneration(0), nil
	}
	if err != nil {
		return domain.GenerationalNodeID{}, domain.ErrStorageError.WithCause(err)
	}
	gen, err := decodeGeneration(v)
	if err != nil {
		return domain.GenerationalNodeID{}, err
	}
	return id.WithGeneration(gen), nil
}

// Bump durably increments the generation of id and returns the new
// identity. The first bump yields generation 1.
func (s *GenerationStore) Bump(ctx context.Context, id domain.PlainNodeID) (domain.GenerationalNodeID, error) {
	var gen uint32
	_, err := s.kv.Update(ctx, generationKey(id), func(old []byte) ([]byte, error) {
		if old != nil {
			prev, err := decodeGeneration(old)
			if err != nil {
				return nil, err
			}
			if prev == math.MaxUint32 {
				return nil, domain.ErrStorageError.WithDetailsf("generation of %s exhausted", id)
			}
			gen = prev
		}
		gen++
		return binary.BigEndian.AppendUint32(nil, gen), nil
	})
	if err != nil {
		if domain.GetErrorCode(err) != "" {
			return domain.GenerationalNodeID{}, err
		}
		return domain.GenerationalNodeID{}, domain.ErrStorageError.WithCause(err)
	}
	return id.WithGeneration(gen), nil
}

func decodeGeneration(v []byte) (uint32, error) {
	if len(v) != 4 {
		return 0, domain.ErrStorageError.WithDetailsf("generation record has %d bytes", len(v))
	}
	return binary.BigEndian.Uint32(v), nil
}

// SaveVersions stores the local metadata versions.
func (s *GenerationStore) SaveVersions(ctx context.Context, v domain.Versions) error {
	buf := make([]byte, 0, 4*len(domain.MetadataKinds))
	for _, k := range domain.MetadataKinds {
		buf = binary.BigEndian.AppendUint32(buf, uint32(v.Get(k)))
	}
	if err := s.kv.Set(ctx, versionsKey, buf); err != nil {
		return domain.ErrStorageError.WithCause(err)
	}
	return nil
}

// LoadVersions returns the stored metadata versions, or zero versions if
// none were saved.
func (s *GenerationStore) LoadVersions(ctx context.Context) (domain.Versions, error) {
	var v domain.Versions
	buf, err := s.kv.Get(ctx, versionsKey)
	if errors.Is(err, ErrKeyNotFound) {
		return v, nil
	}
	if err != nil {
		return v, domain.ErrStorageError.WithCause(err)
	}
	if len(buf) != 4*len(domain.MetadataKinds) {
		return v, domain.ErrStorageError.WithDetailsf("versions record has %d bytes", len(buf))
	}
	for i, k := range domain.MetadataKinds {
		v.Set(k, domain.Version(binary.BigEndian.Uint32(buf[4*i:])))
	}
	return v, nil
}
