package wire

import "strconv"

// TargetName identifies the internal subsystem a BinaryMessage is for.
// Values without a name below are still valid on the wire.
type TargetName int32

const (
	TargetUnknown TargetName = iota
	TargetNodePing
	TargetNodePong
	TargetMetadataManager
	TargetMetadataUpdate
	TargetAttachRequest
	TargetAttachResponse
	TargetGetProcessorsState
	TargetProcessorsStateResponse
	TargetLogServer
	TargetPartitionProcessor
	TargetIngress
)

var targetNames = map[TargetName]string{
	TargetUnknown:                 "Unknown",
	TargetNodePing:                "NodePing",
	TargetNodePong:                "NodePong",
	TargetMetadataManager:         "MetadataManager",
	TargetMetadataUpdate:          "MetadataUpdate",
	TargetAttachRequest:           "AttachRequest",
	TargetAttachResponse:          "AttachResponse",
	TargetGetProcessorsState:      "GetProcessorsState",
	TargetProcessorsStateResponse: "ProcessorsStateResponse",
	TargetLogServer:               "LogServer",
	TargetPartitionProcessor:      "PartitionProcessor",
	TargetIngress:                 "Ingress",
}

func (t TargetName) String() string {
	if s, ok := targetNames[t]; ok {
		return s
	}
	return "Target(" + strconv.FormatInt(int64(t), 10) + ")"
}

// ParseTargetName accepts a well-known name or a decimal number.
func ParseTargetName(s string) (TargetName, bool) {
	for t, name := range targetNames {
		if name == s {
			return t, true
		}
	}
	n, err := strconv.ParseInt(s, 10, 32)
	if err != nil {
		return TargetUnknown, false
	}
	return TargetName(n), true
}
