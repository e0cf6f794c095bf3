// Package protocol implements the wire formats shared with the desktop
// clients: the length-prefixed record framing on the TCP control port and
// the fixed-header media datagrams on the UDP ports.
//
// The TCP framing mirrors the QDataStream serialization the Qt clients
// use, so the byte layout here is load-bearing: big-endian lengths,
// UTF-16BE strings and byte arrays with a 0xFFFFFFFF null marker, and a
// signed 64-bit millisecond timestamp. Change nothing without changing
// every client.
package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"unicode/utf16"
)

// Tag identifies a record type on the control channel.
type Tag uint8

// Record tags. Values 1-12 and 255 are fixed by the deployed clients;
// 13-17 were allocated from the unused range and are equally frozen.
const (
	TagLoginRequest         Tag = 1
	TagLoginResponse        Tag = 2
	TagChatMessage          Tag = 3
	TagVoiceChunk           Tag = 4 // legacy TCP voice path, superseded by UDP
	TagLogoutRequest        Tag = 5
	TagHistoryRequest       Tag = 6
	TagHistoryResponse      Tag = 7
	TagUsersListRequest     Tag = 8
	TagUsersListResponse    Tag = 9
	TagScreenFrame          Tag = 10
	TagStreamAudio          Tag = 11
	TagUdpPortsAnnouncement Tag = 12
	TagChatMedia            Tag = 13
	TagWebFrame             Tag = 14
	TagMediaControl         Tag = 15
	TagPing                 Tag = 16
	TagPong                 Tag = 17
	TagError                Tag = 255
)

// ScreenFrame reserved frame ids (first 4 payload bytes, big-endian).
const (
	ScreenFrameConfig   uint32 = 0          // codec configuration packet
	ScreenFrameStop     uint32 = 0xFFFFFFFE // explicit end-of-share marker
	ScreenFramePresence uint32 = 0xFFFFFFFF // keepalive beacon, no frame data
)

// MaxFrameLen caps the declared body length of a single record. Anything
// larger is treated as a corrupt stream rather than a frame to buffer.
const MaxFrameLen = 16 << 20

// ErrMalformedFrame is returned when a frame body does not decode.
var ErrMalformedFrame = errors.New("malformed frame")

// Message is one record on the control channel.
type Message struct {
	Type      Tag
	Sender    string
	Recipient string
	Payload   []byte
	Timestamp int64 // milliseconds since epoch
}

func (t Tag) String() string {
	switch t {
	case TagLoginRequest:
		return "LoginRequest"
	case TagLoginResponse:
		return "LoginResponse"
	case TagChatMessage:
		return "ChatMessage"
	case TagVoiceChunk:
		return "VoiceChunk"
	case TagLogoutRequest:
		return "LogoutRequest"
	case TagHistoryRequest:
		return "HistoryRequest"
	case TagHistoryResponse:
		return "HistoryResponse"
	case TagUsersListRequest:
		return "UsersListRequest"
	case TagUsersListResponse:
		return "UsersListResponse"
	case TagScreenFrame:
		return "ScreenFrame"
	case TagStreamAudio:
		return "StreamAudio"
	case TagUdpPortsAnnouncement:
		return "UdpPortsAnnouncement"
	case TagChatMedia:
		return "ChatMedia"
	case TagWebFrame:
		return "WebFrame"
	case TagMediaControl:
		return "MediaControl"
	case TagPing:
		return "Ping"
	case TagPong:
		return "Pong"
	case TagError:
		return "Error"
	}
	return fmt.Sprintf("Tag(%d)", uint8(t))
}

const nullMarker = 0xFFFFFFFF

// Encode serializes m as one complete frame, length prefix included.
func Encode(m Message) []byte {
	body := make([]byte, 0, 32+len(m.Payload))
	body = append(body, byte(m.Type))
	body = appendString(body, m.Sender)
	body = appendString(body, m.Recipient)
	body = appendBytes(body, m.Payload)
	body = binary.BigEndian.AppendUint64(body, uint64(m.Timestamp))

	out := make([]byte, 0, 4+len(body))
	out = binary.BigEndian.AppendUint32(out, uint32(len(body)))
	return append(out, body...)
}

// appendString writes a QString: byte length of the UTF-16BE encoding,
// then the code units. Empty strings are written as the null marker,
// which is what default-constructed fields on the client produce.
func appendString(dst []byte, s string) []byte {
	if s == "" {
		return binary.BigEndian.AppendUint32(dst, nullMarker)
	}
	units := utf16.Encode([]rune(s))
	dst = binary.BigEndian.AppendUint32(dst, uint32(len(units)*2))
	for _, u := range units {
		dst = binary.BigEndian.AppendUint16(dst, u)
	}
	return dst
}

func appendBytes(dst, b []byte) []byte {
	if len(b) == 0 {
		return binary.BigEndian.AppendUint32(dst, nullMarker)
	}
	dst = binary.BigEndian.AppendUint32(dst, uint32(len(b)))
	return append(dst, b...)
}

// Decode parses one complete frame (length prefix included) into a
// Message. The declared length must match the slice exactly.
func Decode(frame []byte) (Message, error) {
	var m Message
	if len(frame) < 4 {
		return m, ErrMalformedFrame
	}
	declared := binary.BigEndian.Uint32(frame[:4])
	if uint64(declared)+4 != uint64(len(frame)) {
		return m, fmt.Errorf("%w: declared %d bytes, frame has %d", ErrMalformedFrame, declared, len(frame)-4)
	}

	d := decoder{buf: frame[4:]}
	typ, err := d.u8()
	if err != nil {
		return m, err
	}
	m.Type = Tag(typ)
	if m.Sender, err = d.qstring(); err != nil {
		return m, err
	}
	if m.Recipient, err = d.qstring(); err != nil {
		return m, err
	}
	if m.Payload, err = d.qbytes(); err != nil {
		return m, err
	}
	ts, err := d.u64()
	if err != nil {
		return m, err
	}
	m.Timestamp = int64(ts)
	return m, nil
}

// ReadFrame reads exactly one frame from r, returning it with the length
// prefix still attached so it can be handed to Decode. It blocks until a
// full frame is available, however the underlying reads are split.
func ReadFrame(r io.Reader) ([]byte, error) {
	var head [4]byte
	if _, err := io.ReadFull(r, head[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(head[:])
	if n > MaxFrameLen {
		return nil, fmt.Errorf("%w: declared length %d exceeds limit", ErrMalformedFrame, n)
	}
	frame := make([]byte, 4+n)
	copy(frame, head[:])
	if _, err := io.ReadFull(r, frame[4:]); err != nil {
		return nil, err
	}
	return frame, nil
}

type decoder struct {
	buf []byte
	off int
}

func (d *decoder) take(n int) ([]byte, error) {
	if n < 0 || d.off+n > len(d.buf) {
		return nil, ErrMalformedFrame
	}
	b := d.buf[d.off : d.off+n]
	d.off += n
	return b, nil
}

func (d *decoder) u8() (uint8, error) {
	b, err := d.take(1)
	if err != nil {
		return 0, err
	}
	return b[0], nil
}

func (d *decoder) u32() (uint32, error) {
	b, err := d.take(4)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint32(b), nil
}

func (d *decoder) u64() (uint64, error) {
	b, err := d.take(8)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint64(b), nil
}

func (d *decoder) qstring() (string, error) {
	n, err := d.u32()
	if err != nil {
		return "", err
	}
	if n == nullMarker {
		return "", nil
	}
	if n%2 != 0 {
		return "", ErrMalformedFrame
	}
	raw, err := d.take(int(n))
	if err != nil {
		return "", err
	}
	units := make([]uint16, n/2)
	for i := range units {
		units[i] = binary.BigEndian.Uint16(raw[2*i:])
	}
	return string(utf16.Decode(units)), nil
}

func (d *decoder) qbytes() ([]byte, error) {
	n, err := d.u32()
	if err != nil {
		return nil, err
	}
	if n == nullMarker {
		return nil, nil
	}
	raw, err := d.take(int(n))
	if err != nil {
		return nil, err
	}
	out := make([]byte, n)
	copy(out, raw)
	return out, nil
}
