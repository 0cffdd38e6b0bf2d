package protocol

import (
	"encoding/json"
	"errors"
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"
)

var (
	ErrMalformedEnvelope  = errors.New("malformed envelope")
	ErrUnknownMessageType = errors.New("unknown message type")
)

// Binary chunk frame field numbers.
const (
	chunkFieldPeer     protowire.Number = 1
	chunkFieldData     protowire.Number = 2
	chunkFieldProgress protowire.Number = 3
)

// Frame is one encoded envelope ready for the transport.
type Frame struct {
	Kind FrameKind
	Data []byte
}

type envelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// Codec turns messages into frames and back. Text frames hold JSON envelopes;
// binary frames hold a file-chunk in protobuf wire format.
type Codec struct {
	// peerIsSender makes decoded binary chunks fill From instead of To.
	peerIsSender bool
}

// NewCodec returns the relay side codec.
func NewCodec() *Codec {
	return &Codec{}
}

// NewClientCodec returns a codec for the client side, where binary chunks
// arrive carrying the sender id.
func NewClientCodec() *Codec {
	return &Codec{peerIsSender: true}
}

func (c *Codec) Encode(msg Message) (Frame, error) {
	if chunk, ok := asChunk(msg); ok && chunk.Frame == FrameBinary {
		return Frame{Kind: FrameBinary, Data: encodeBinaryChunk(chunk)}, nil
	}

	data, err := json.Marshal(msg)
	if err != nil {
		return Frame{}, fmt.Errorf("encoding %s: %w", msg.Type(), err)
	}

	out, err := json.Marshal(envelope{Type: msg.Type().String(), Data: data})
	if err != nil {
		return Frame{}, fmt.Errorf("encoding envelope: %w", err)
	}
	return Frame{Kind: FrameText, Data: out}, nil
}

func (c *Codec) Decode(frame Frame) (Message, error) {
	var (
		msg Message
		err error
	)
	switch frame.Kind {
	case FrameBinary:
		msg, err = decodeBinaryChunk(frame.Data, c.peerIsSender)
	case FrameText:
		msg, err = decodeEnvelope(frame.Data)
	default:
		return nil, fmt.Errorf("%w: frame kind %d", ErrMalformedEnvelope, frame.Kind)
	}
	if err != nil {
		return nil, err
	}

	if err := Validate(msg); err != nil {
		return nil, err
	}
	return msg, nil
}

func (c *Codec) EncodeToBytes(msg Message) ([]byte, error) {
	frame, err := c.Encode(msg)
	if err != nil {
		return nil, err
	}
	return frame.Data, nil
}

func (c *Codec) DecodeFromBytes(data []byte) (Message, error) {
	return c.Decode(Frame{Kind: FrameText, Data: data})
}

// Validate reports whether an addressed message names the peer on the other end.
func Validate(msg Message) error {
	missing := ""
	switch m := msg.(type) {
	case *FileOffer:
		if m.To == "" && m.From == "" {
			missing = "to"
		}
	case *FileAccept:
		if m.From == "" && m.To == "" {
			missing = "from"
		}
	case *FileReject:
		if m.From == "" && m.To == "" {
			missing = "from"
		}
	case *FileChunk:
		if m.To == "" && m.From == "" {
			missing = "to"
		}
	case *FileComplete:
		if m.To == "" && m.From == "" {
			missing = "to"
		}
	case *FileCancel:
		if m.To == "" && m.From == "" {
			missing = "to"
		}
	}
	if missing != "" {
		return fmt.Errorf("%w: %s without %q", ErrMalformedEnvelope, msg.Type(), missing)
	}
	return nil
}

func decodeEnvelope(data []byte) (Message, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedEnvelope, err)
	}

	msg := newMessage(ParseMessageType(env.Type))
	if msg == nil {
		return nil, fmt.Errorf("%w: %q", ErrUnknownMessageType, env.Type)
	}

	if len(env.Data) > 0 && string(env.Data) != "null" {
		if err := json.Unmarshal(env.Data, msg); err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrMalformedEnvelope, env.Type, err)
		}
	}

	if chunk, ok := msg.(*FileChunk); ok {
		chunk.Frame = FrameText
	}
	return msg, nil
}

func newMessage(t MessageType) Message {
	switch t {
	case MsgJoin:
		return &Join{}
	case MsgWelcome:
		return &Welcome{}
	case MsgUsersUpdate:
		return &UsersUpdate{}
	case MsgFileOffer:
		return &FileOffer{}
	case MsgFileAccept:
		return &FileAccept{}
	case MsgFileReject:
		return &FileReject{}
	case MsgFileChunk:
		return &FileChunk{}
	case MsgFileComplete:
		return &FileComplete{}
	case MsgFileCancel:
		return &FileCancel{}
	case MsgFileFailed:
		return &FileFailed{}
	default:
		return nil
	}
}

func asChunk(msg Message) (*FileChunk, bool) {
	switch m := msg.(type) {
	case *FileChunk:
		return m, true
	case FileChunk:
		return &m, true
	default:
		return nil, false
	}
}

// The peer field holds To on the way in and From on the way out.
func encodeBinaryChunk(c *FileChunk) []byte {
	peer := c.To
	if peer == "" {
		peer = c.From
	}

	b := make([]byte, 0, len(c.Chunk)+len(peer)+16)
	b = protowire.AppendTag(b, chunkFieldPeer, protowire.BytesType)
	b = protowire.AppendString(b, peer)
	b = protowire.AppendTag(b, chunkFieldData, protowire.BytesType)
	b = protowire.AppendBytes(b, c.Chunk)
	b = protowire.AppendTag(b, chunkFieldProgress, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(int64(c.Progress)))
	return b
}

func decodeBinaryChunk(b []byte, peerIsSender bool) (*FileChunk, error) {
	chunk := &FileChunk{Frame: FrameBinary}
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, fmt.Errorf("%w: %v", ErrMalformedEnvelope, protowire.ParseError(n))
		}
		b = b[n:]

		switch {
		case num == chunkFieldPeer && typ == protowire.BytesType:
			v, m := protowire.ConsumeString(b)
			if m < 0 {
				return nil, fmt.Errorf("%w: %v", ErrMalformedEnvelope, protowire.ParseError(m))
			}
			if peerIsSender {
				chunk.From = v
			} else {
				chunk.To = v
			}
			n = m
		case num == chunkFieldData && typ == protowire.BytesType:
			v, m := protowire.ConsumeBytes(b)
			if m < 0 {
				return nil, fmt.Errorf("%w: %v", ErrMalformedEnvelope, protowire.ParseError(m))
			}
			chunk.Chunk = v
			n = m
		case num == chunkFieldProgress && typ == protowire.VarintType:
			v, m := protowire.ConsumeVarint(b)
			if m < 0 {
				return nil, fmt.Errorf("%w: %v", ErrMalformedEnvelope, protowire.ParseError(m))
			}
			chunk.Progress = int(int64(v))
			n = m
		default:
			n = protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return nil, fmt.Errorf("%w: %v", ErrMalformedEnvelope, protowire.ParseError(n))
			}
		}
		b = b[n:]
	}
	return chunk, nil
}
