package domain

import "strconv"

// Version is a monotonically increasing metadata version. Zero is invalid
// and means "absent".
type Version uint32

const (
	// InvalidVersion marks an absent version.
	InvalidVersion Version = 0
	// MinVersion is the first valid version.
	MinVersion Version = 1
)

// Valid reports whether v is a real version.
func (v Version) Valid() bool { return v != InvalidVersion }

// Next returns the following version.
func (v Version) Next() Version { return v + 1 }

// String returns "v<n>".
func (v Version) String() string {
	return "v" + strconv.FormatUint(uint64(v), 10)
}

// MetadataKind names one of the versioned metadata sets whose versions
// travel in every message header.
type MetadataKind int

const (
	MetadataUnknown MetadataKind = iota
	MetadataNodesConfiguration
	MetadataLogs
	MetadataSchema
	MetadataPartitionTable
)

// MetadataKinds lists every known kind in header order.
var MetadataKinds = []MetadataKind{
	MetadataNodesConfiguration,
	MetadataLogs,
	MetadataSchema,
	MetadataPartitionTable,
}

func (k MetadataKind) String() string {
	switch k {
	case MetadataNodesConfiguration:
		return "nodes_config"
	case MetadataLogs:
		return "logs"
	case MetadataSchema:
		return "schema"
	case MetadataPartitionTable:
		return "partition_table"
	default:
		return "unknown"
	}
}

// ParseMetadataKind is the inverse of MetadataKind.String.
func ParseMetadataKind(s string) (MetadataKind, bool) {
	for _, k := range MetadataKinds {
		if k.String() == s {
			return k, true
		}
	}
	return MetadataUnknown, false
}

// Versions is the set of metadata versions a node knows about.
type Versions struct {
	NodesConfig    Version
	Logs           Version
	Schema         Version
	PartitionTable Version
}

// Get returns the version of the given kind.
func (v Versions) Get(kind MetadataKind) Version {
	switch kind {
	case MetadataNodesConfiguration:
		return v.NodesConfig
	case MetadataLogs:
		return v.Logs
	case MetadataSchema:
		return v.Schema
	case MetadataPartitionTable:
		return v.PartitionTable
	default:
		return InvalidVersion
	}
}

// Set stores the version of the given kind. Unknown kinds are ignored.
func (v *Versions) Set(kind MetadataKind, ver Version) {
	switch kind {
	case MetadataNodesConfiguration:
		v.NodesConfig = ver
	case MetadataLogs:
		v.Logs = ver
	case MetadataSchema:
		v.Schema = ver
	case MetadataPartitionTable:
		v.PartitionTable = ver
	}
}

// IsZero reports whether no version is set.
func (v Versions) IsZero() bool {
	return v == Versions{}
}

// Merge returns the per-kind maximum of v and other.
func (v Versions) Merge(other Versions) Versions {
	out := v
	for _, k := range MetadataKinds {
		if other.Get(k) > out.Get(k) {
			out.Set(k, other.Get(k))
		}
	}
	return out
}

// AdvancedOver returns the kinds whose version in v is higher than in prev.
func (v Versions) AdvancedOver(prev Versions) []MetadataKind {
	var kinds []MetadataKind
	for _, k := range MetadataKinds {
		if v.Get(k) > prev.Get(k) {
			kinds = append(kinds, k)
		}
	}
	return kinds
}
