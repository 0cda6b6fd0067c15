// ABOUTME: Binary framing for the audera wire protocol
// ABOUTME: Encodes and decodes [type][id][length][payload] frames for control and audio messages
package protocol

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

const (
	// HeaderSize is type(1) + id(4) + length(4)
	HeaderSize = 9

	// MaxPayload bounds a single frame so a corrupt length cannot force a huge allocation
	MaxPayload = 1 << 20

	// audio payloads start with the capture timestamp
	captureSize = 8
)

// ErrMalformed marks a protocol violation. The connection that produced it is dropped.
var ErrMalformed = errors.New("malformed frame")

// Type discriminates frames. Audio has the high bit set, everything below is control.
type Type uint8

const (
	TypeHello Type = iota + 1
	TypeRegister
	TypeSyncBegin
	TypeSyncRequest
	TypeSyncResponse
	TypeSyncReport
	TypeSessionStart
	TypeReady
	TypeSessionReset
	TypeResetRequest
	TypeHeartbeat
	TypeGoodbye

	TypeAudio Type = 0x80
)

var typeNames = map[Type]string{
	TypeHello:        "hello",
	TypeRegister:     "register",
	TypeSyncBegin:    "sync_begin",
	TypeSyncRequest:  "sync_request",
	TypeSyncResponse: "sync_response",
	TypeSyncReport:   "sync_report",
	TypeSessionStart: "session_start",
	TypeReady:        "ready",
	TypeSessionReset: "session_reset",
	TypeResetRequest: "reset_request",
	TypeHeartbeat:    "heartbeat",
	TypeGoodbye:      "goodbye",
	TypeAudio:        "audio",
}

func (t Type) String() string {
	if name, ok := typeNames[t]; ok {
		return name
	}
	return fmt.Sprintf("type(0x%02x)", uint8(t))
}

// Valid reports whether t is a known frame type.
func (t Type) Valid() bool {
	_, ok := typeNames[t]
	return ok
}

// IsControl reports whether t is a control message.
func (t Type) IsControl() bool {
	return t < TypeAudio
}

// Message is one frame. ID carries the sequence number for audio and the
// exchange id for control messages.
type Message struct {
	Type    Type
	ID      uint32
	Payload []byte
}

// AudioFrame is the decoded body of a TypeAudio message.
type AudioFrame struct {
	Seq     uint32
	Capture int64 // streamer clock, microseconds
	Payload []byte
}

// MarshalBinary encodes the message into a single frame.
func (m Message) MarshalBinary() ([]byte, error) {
	if !m.Type.Valid() {
		return nil, fmt.Errorf("%w: unknown type %s", ErrMalformed, m.Type)
	}
	if len(m.Payload) > MaxPayload {
		return nil, fmt.Errorf("%w: payload %d bytes exceeds %d", ErrMalformed, len(m.Payload), MaxPayload)
	}

	buf := make([]byte, HeaderSize+len(m.Payload))
	buf[0] = byte(m.Type)
	binary.BigEndian.PutUint32(buf[1:5], m.ID)
	binary.BigEndian.PutUint32(buf[5:9], uint32(len(m.Payload)))
	copy(buf[HeaderSize:], m.Payload)
	return buf, nil
}

// Parse decodes exactly one frame from b.
func Parse(b []byte) (Message, error) {
	if len(b) < HeaderSize {
		return Message{}, fmt.Errorf("%w: %d byte frame shorter than header", ErrMalformed, len(b))
	}

	m, length, err := parseHeader(b[:HeaderSize])
	if err != nil {
		return Message{}, err
	}
	if int(length) != len(b)-HeaderSize {
		return Message{}, fmt.Errorf("%w: header length %d, frame carries %d", ErrMalformed, length, len(b)-HeaderSize)
	}

	m.Payload = b[HeaderSize:]
	return m, nil
}

// Encode writes one frame to w.
func Encode(w io.Writer, m Message) error {
	buf, err := m.MarshalBinary()
	if err != nil {
		return err
	}
	if _, err := w.Write(buf); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}
	return nil
}

// Decode reads one frame from r.
func Decode(r io.Reader) (Message, error) {
	var header [HeaderSize]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return Message{}, fmt.Errorf("%w: truncated header", ErrMalformed)
		}
		return Message{}, err
	}

	m, length, err := parseHeader(header[:])
	if err != nil {
		return Message{}, err
	}

	m.Payload = make([]byte, length)
	if _, err := io.ReadFull(r, m.Payload); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return Message{}, fmt.Errorf("%w: truncated payload", ErrMalformed)
		}
		return Message{}, err
	}
	return m, nil
}

func parseHeader(h []byte) (Message, uint32, error) {
	t := Type(h[0])
	if !t.Valid() {
		return Message{}, 0, fmt.Errorf("%w: unknown type %s", ErrMalformed, t)
	}
	length := binary.BigEndian.Uint32(h[5:9])
	if length > MaxPayload {
		return Message{}, 0, fmt.Errorf("%w: payload %d bytes exceeds %d", ErrMalformed, length, MaxPayload)
	}
	return Message{Type: t, ID: binary.BigEndian.Uint32(h[1:5])}, length, nil
}

// NewControl builds a control message with a JSON payload.
func NewControl(t Type, id uint32, v interface{}) (Message, error) {
	if !t.IsControl() {
		return Message{}, fmt.Errorf("%s is not a control type", t)
	}
	payload, err := json.Marshal(v)
	if err != nil {
		return Message{}, fmt.Errorf("marshal %s: %w", t, err)
	}
	return Message{Type: t, ID: id, Payload: payload}, nil
}

// Control decodes the JSON payload of a control message into v.
func (m Message) Control(v interface{}) error {
	if !m.Type.IsControl() {
		return fmt.Errorf("%w: %s is not a control message", ErrMalformed, m.Type)
	}
	if err := json.Unmarshal(m.Payload, v); err != nil {
		return fmt.Errorf("%w: %s payload: %v", ErrMalformed, m.Type, err)
	}
	return nil
}

// NewAudio builds a data message for f.
func NewAudio(f AudioFrame) Message {
	payload := make([]byte, captureSize+len(f.Payload))
	binary.BigEndian.PutUint64(payload[:captureSize], uint64(f.Capture))
	copy(payload[captureSize:], f.Payload)
	return Message{Type: TypeAudio, ID: f.Seq, Payload: payload}
}

// Audio decodes a data message.
func (m Message) Audio() (AudioFrame, error) {
	if m.Type != TypeAudio {
		return AudioFrame{}, fmt.Errorf("%w: %s is not an audio message", ErrMalformed, m.Type)
	}
	if len(m.Payload) < captureSize {
		return AudioFrame{}, fmt.Errorf("%w: audio payload %d bytes, need capture timestamp", ErrMalformed, len(m.Payload))
	}
	return AudioFrame{
		Seq:     m.ID,
		Capture: int64(binary.BigEndian.Uint64(m.Payload[:captureSize])),
		Payload: m.Payload[captureSize:],
	}, nil
}
