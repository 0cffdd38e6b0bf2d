package protocol

const (
	// DefaultMaxMessageSize matches the 1e9 byte buffer the browser client was built against.
	DefaultMaxMessageSize = 1_000_000_000
	DefaultChunkSize      = 64 * 1024
	MaxProgress           = 100
)

type MessageType uint16

const (
	MsgUnknown      MessageType = 0x0000
	MsgJoin         MessageType = 0x0001
	MsgWelcome      MessageType = 0x0002
	MsgUsersUpdate  MessageType = 0x0003
	MsgFileOffer    MessageType = 0x0010
	MsgFileAccept   MessageType = 0x0011
	MsgFileReject   MessageType = 0x0012
	MsgFileChunk    MessageType = 0x0020
	MsgFileComplete MessageType = 0x0021
	MsgFileCancel   MessageType = 0x0030
	MsgFileFailed   MessageType = 0x0031
)

var messageTypeNames = map[MessageType]string{
	MsgJoin:         "join",
	MsgWelcome:      "welcome",
	MsgUsersUpdate:  "users-update",
	MsgFileOffer:    "file-offer",
	MsgFileAccept:   "file-accept",
	MsgFileReject:   "file-reject",
	MsgFileChunk:    "file-chunk",
	MsgFileComplete: "file-complete",
	MsgFileCancel:   "file-cancel",
	MsgFileFailed:   "file-failed",
}

// String returns the event name used on the wire.
func (t MessageType) String() string {
	if name, ok := messageTypeNames[t]; ok {
		return name
	}
	return "unknown"
}

// ParseMessageType maps a wire event name back to its MessageType.
func ParseMessageType(name string) MessageType {
	for t, n := range messageTypeNames {
		if n == name {
			return t
		}
	}
	return MsgUnknown
}

// FailReason explains why a transfer ended in the failed state.
type FailReason string

const (
	ReasonPeerDisconnected FailReason = "peer-disconnected"
	ReasonPeerUnavailable  FailReason = "peer-unavailable"
	ReasonIdleTimeout      FailReason = "idle-timeout"
)

// FrameKind mirrors the RFC 6455 data opcodes so transports can map it directly.
type FrameKind int

const (
	FrameText   FrameKind = 1
	FrameBinary FrameKind = 2
)

func (k FrameKind) String() string {
	switch k {
	case FrameText:
		return "text"
	case FrameBinary:
		return "binary"
	default:
		return "unknown"
	}
}
