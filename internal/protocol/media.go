package protocol

import (
	"crypto/sha1"
	"encoding/binary"
)

// MediaHeaderSize is the fixed datagram header length in bytes.
const MediaHeaderSize = 16

// Media types carried in the datagram header.
const (
	MediaVoice uint8 = 0
	MediaVideo uint8 = 1
)

// Codec identifiers.
const (
	CodecOpus uint8 = 0
	CodecH264 uint8 = 1
)

// Header flag bits.
const (
	FlagKeyframe uint8 = 1 << 0
	FlagMarker   uint8 = 1 << 1
)

// MediaHeader is the fixed 16-byte header on every media datagram.
// TimestampMS is unsigned and wraps roughly every 49 days; receivers
// treat it as relative and order on Seq instead.
type MediaHeader struct {
	Version     uint8
	MediaType   uint8
	Codec       uint8
	Flags       uint8
	SSRC        uint32
	TimestampMS uint32
	Seq         uint16
	PayloadLen  uint16
}

// PackMedia serializes hdr followed by payload. hdr.PayloadLen is set
// from the payload.
func PackMedia(hdr MediaHeader, payload []byte) []byte {
	out := make([]byte, MediaHeaderSize+len(payload))
	out[0] = hdr.Version
	out[1] = hdr.MediaType
	out[2] = hdr.Codec
	out[3] = hdr.Flags
	binary.BigEndian.PutUint32(out[4:], hdr.SSRC)
	binary.BigEndian.PutUint32(out[8:], hdr.TimestampMS)
	binary.BigEndian.PutUint16(out[12:], hdr.Seq)
	binary.BigEndian.PutUint16(out[14:], uint16(len(payload)))
	copy(out[MediaHeaderSize:], payload)
	return out
}

// UnpackMedia parses a datagram. The returned payload aliases dgram.
// ok is false for anything shorter than header plus declared payload.
func UnpackMedia(dgram []byte) (hdr MediaHeader, payload []byte, ok bool) {
	if len(dgram) < MediaHeaderSize {
		return hdr, nil, false
	}
	hdr.Version = dgram[0]
	hdr.MediaType = dgram[1]
	hdr.Codec = dgram[2]
	hdr.Flags = dgram[3]
	hdr.SSRC = binary.BigEndian.Uint32(dgram[4:])
	hdr.TimestampMS = binary.BigEndian.Uint32(dgram[8:])
	hdr.Seq = binary.BigEndian.Uint16(dgram[12:])
	hdr.PayloadLen = binary.BigEndian.Uint16(dgram[14:])
	if len(dgram) < MediaHeaderSize+int(hdr.PayloadLen) {
		return hdr, nil, false
	}
	return hdr, dgram[MediaHeaderSize : MediaHeaderSize+int(hdr.PayloadLen)], true
}

// RewriteSSRC overwrites the SSRC field in place. The caller must have
// validated the datagram first.
func RewriteSSRC(dgram []byte, ssrc uint32) {
	binary.BigEndian.PutUint32(dgram[4:], ssrc)
}

// SSRC derives the stable 32-bit stream identifier for a username:
// the first four bytes of SHA-1 over the UTF-8 name, big-endian. Zero
// is reserved as invalid and remapped to one. Clients compute the same
// value, so receivers can attribute datagrams without trusting the
// sender-supplied field.
func SSRC(username string) uint32 {
	sum := sha1.Sum([]byte(username))
	v := binary.BigEndian.Uint32(sum[:4])
	if v == 0 {
		v = 1
	}
	return v
}

// SeqLess reports whether a precedes b in 16-bit sequence space,
// wraparound-aware.
func SeqLess(a, b uint16) bool {
	return a != b && b-a < 0x8000
}
