package wire

import (
	"fmt"
	"strconv"

	"github.com/yndnr/nodelink-go/internal/core/domain"
)

// ProtocolVersion is a totally ordered wire protocol revision.
type ProtocolVersion uint32

const (
	// ProtocolVersionUnknown is never negotiable.
	ProtocolVersionUnknown ProtocolVersion = 0
	// ProtocolVersionV1 is the first released revision.
	ProtocolVersionV1 ProtocolVersion = 1
	// ProtocolVersionV2 adds span context propagation to the header.
	ProtocolVersionV2 ProtocolVersion = 2
)

const (
	// MinSupportedProtocolVersion is the oldest revision this build speaks.
	MinSupportedProtocolVersion = ProtocolVersionV1
	// CurrentProtocolVersion is the newest revision this build speaks.
	CurrentProtocolVersion = ProtocolVersionV2
)

// String returns "v<n>" or "unknown".
func (v ProtocolVersion) String() string {
	if v == ProtocolVersionUnknown {
		return "unknown"
	}
	return "v" + strconv.FormatUint(uint64(v), 10)
}

// IsSupported reports whether this build can speak v.
func (v ProtocolVersion) IsSupported() bool {
	return v >= MinSupportedProtocolVersion && v <= CurrentProtocolVersion
}

// SupportsSpanContext reports whether headers carry span context at v.
func (v ProtocolVersion) SupportsSpanContext() bool {
	return v >= ProtocolVersionV2
}

// VersionRange is the inclusive range of protocol versions a peer speaks.
type VersionRange struct {
	Min ProtocolVersion
	Max ProtocolVersion
}

// LocalVersionRange returns the range this build advertises.
func LocalVersionRange() VersionRange {
	return VersionRange{Min: MinSupportedProtocolVersion, Max: CurrentProtocolVersion}
}

// Contains reports whether v lies within the range.
func (r VersionRange) Contains(v ProtocolVersion) bool {
	return v != ProtocolVersionUnknown && v >= r.Min && v <= r.Max
}

// Valid reports whether the range is non-empty and excludes Unknown.
func (r VersionRange) Valid() bool {
	return r.Min != ProtocolVersionUnknown && r.Min <= r.Max
}

func (r VersionRange) String() string {
	return fmt.Sprintf("[%s, %s]", r.Min, r.Max)
}

// VersionMismatchError reports two version ranges without a common version.
// It matches domain.ErrVersionMismatch with errors.Is.
type VersionMismatchError struct {
	Local  VersionRange
	Remote VersionRange
}

func (e *VersionMismatchError) Error() string {
	return fmt.Sprintf("%s: local %s, remote %s", domain.ErrVersionMismatch.Message, e.Local, e.Remote)
}

// Is matches domain.ErrVersionMismatch.
func (e *VersionMismatchError) Is(target error) bool {
	return domain.ErrVersionMismatch.Is(target)
}

// Negotiate picks the highest version both ranges contain. It fails when
// min(local.Max, remote.Max) is below either minimum.
func Negotiate(local, remote VersionRange) (ProtocolVersion, error) {
	agreed := local.Max
	if remote.Max < agreed {
		agreed = remote.Max
	}
	if agreed == ProtocolVersionUnknown || agreed < local.Min || agreed < remote.Min {
		return ProtocolVersionUnknown, &VersionMismatchError{Local: local, Remote: remote}
	}
	return agreed, nil
}
