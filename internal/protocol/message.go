package protocol

type Message interface {
	Type() MessageType
}

// User is one entry of a membership snapshot.
type User struct {
	ID       string `json:"id"`
	Username string `json:"username"`
}

type Join struct {
	Username string `json:"username"`
}

func (Join) Type() MessageType { return MsgJoin }

// Welcome tells a freshly connected client which id the relay assigned to it.
type Welcome struct {
	ID       string `json:"id"`
	Username string `json:"username"`
}

func (Welcome) Type() MessageType { return MsgWelcome }

// UsersUpdate is the full membership list, sent to every connection on change.
type UsersUpdate []User

func (UsersUpdate) Type() MessageType { return MsgUsersUpdate }

// FileOffer travels client->relay with To set and relay->client with From/FromName set.
type FileOffer struct {
	To       string `json:"to,omitempty"`
	From     string `json:"from,omitempty"`
	FromName string `json:"fromName,omitempty"`
	FileName string `json:"fileName"`
	FileSize int64  `json:"fileSize"`
	FileType string `json:"fileType"`
}

func (FileOffer) Type() MessageType { return MsgFileOffer }

// FileAccept carries the sender id in From inbound and the receiver id in To outbound.
type FileAccept struct {
	From string `json:"from,omitempty"`
	To   string `json:"to,omitempty"`
}

func (FileAccept) Type() MessageType { return MsgFileAccept }

type FileReject struct {
	From string `json:"from,omitempty"`
	To   string `json:"to,omitempty"`
}

func (FileReject) Type() MessageType { return MsgFileReject }

// FileChunk is an opaque slice of file content. Progress is computed by the
// sender and never recomputed by the relay.
type FileChunk struct {
	To       string `json:"to,omitempty"`
	From     string `json:"from,omitempty"`
	Chunk    []byte `json:"chunk"`
	Progress int    `json:"progress"`

	// Frame records the frame kind the chunk arrived in so it leaves the same way.
	Frame FrameKind `json:"-"`
}

func (FileChunk) Type() MessageType { return MsgFileChunk }

type FileComplete struct {
	To   string `json:"to,omitempty"`
	From string `json:"from,omitempty"`
}

func (FileComplete) Type() MessageType { return MsgFileComplete }

// FileCancel aborts a transfer from either side.
type FileCancel struct {
	To   string `json:"to,omitempty"`
	From string `json:"from,omitempty"`
}

func (FileCancel) Type() MessageType { return MsgFileCancel }

// FileFailed is sent by the relay to the participant that is still around.
type FileFailed struct {
	Peer     string     `json:"peer"`
	FileName string     `json:"fileName"`
	Reason   FailReason `json:"reason"`
}

func (FileFailed) Type() MessageType { return MsgFileFailed }
