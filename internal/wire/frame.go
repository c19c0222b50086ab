// Package wire implements the Omesh frame codec: a fixed 40-byte header
// followed by a variable-length payload, little-endian on the wire, with a
// CRC32C (Castagnoli) integrity checksum.
package wire

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"

	"omesh/internal/omesherr"
)

// HeaderSize is the fixed size of a frame header in bytes.
const HeaderSize = 40

// MaxMsgSize is NET_MAX_MSG_SIZE: the compile-time payload ceiling both
// sides of the wire protocol must agree on and enforce.
const MaxMsgSize = 1 << 20 // 1 MiB

// MsgMagic and MsgVersion are fixed protocol constants. A differing value on
// receipt fails validation.
const (
	MsgMagic   uint32 = 0x4f4d4553 // "OMES"
	MsgVersion byte   = 1
)

// Type is the 8-bit message type tag.
type Type byte

const (
	TypeHello   Type = 0x10
	TypePing    Type = 0x11
	TypePong    Type = 0x12
	TypeSearch  Type = 0x30
	TypeResults Type = 0x31
	TypeIndex   Type = 0x32
)

func (t Type) String() string {
	switch t {
	case TypeHello:
		return "HELLO"
	case TypePing:
		return "PING"
	case TypePong:
		return "PONG"
	case TypeSearch:
		return "SEARCH"
	case TypeResults:
		return "RESULTS"
	case TypeIndex:
		return "INDEX"
	default:
		return fmt.Sprintf("TYPE(0x%02x)", byte(t))
	}
}

// Flags carries boolean wire-frame toggles.
type Flags uint16

// FlagReliable requests acknowledgement/retry semantics at a higher layer;
// the codec itself never inspects it.
const FlagReliable Flags = 1 << 0

var crc32cTable = crc32.MakeTable(crc32.Castagnoli)

// header field byte offsets.
const (
	offMagic     = 0
	offVersion   = 4
	offType      = 5
	offFlags     = 6
	offSeq       = 8
	offLength    = 12
	offSrcNode   = 16
	offDstNode   = 24
	offChecksum  = 32
	offReserved  = 36
)

// Init writes magic, version, type, src and dst into buf, zeroing flags,
// seq, length, checksum and reserved. buf must be at least HeaderSize bytes.
// Always succeeds (per contract) provided buf is large enough; a short buf
// panics, as it indicates a caller bug rather than a wire-level failure.
func Init(buf []byte, typ Type, src, dst uint64) {
	_ = buf[:HeaderSize] // bounds check hint

	binary.LittleEndian.PutUint32(buf[offMagic:], MsgMagic)
	buf[offVersion] = MsgVersion
	buf[offType] = byte(typ)
	binary.LittleEndian.PutUint16(buf[offFlags:], 0)
	binary.LittleEndian.PutUint32(buf[offSeq:], 0)
	binary.LittleEndian.PutUint32(buf[offLength:], 0)
	binary.LittleEndian.PutUint64(buf[offSrcNode:], src)
	binary.LittleEndian.PutUint64(buf[offDstNode:], dst)
	binary.LittleEndian.PutUint32(buf[offChecksum:], 0)
	binary.LittleEndian.PutUint32(buf[offReserved:], 0)
}

// SetPayload writes length and copies data immediately after the header.
// buf must have room for HeaderSize+len(data) bytes. Fails ErrInvalidArg if
// len(data) exceeds MaxMsgSize.
func SetPayload(buf []byte, data []byte) error {
	if len(data) > MaxMsgSize {
		return fmt.Errorf("set payload: %w: length %d exceeds %d", omesherr.ErrInvalidArg, len(data), MaxMsgSize)
	}
	if len(buf) < HeaderSize+len(data) {
		return fmt.Errorf("set payload: %w: buffer too small for payload", omesherr.ErrInvalidArg)
	}
	binary.LittleEndian.PutUint32(buf[offLength:], uint32(len(data)))
	copy(buf[HeaderSize:HeaderSize+len(data)], data)
	return nil
}

// Finalize zeros the checksum field, computes CRC32C over the header and
// payload, and stores the result back into the checksum field. buf must
// span exactly HeaderSize+Length(buf) bytes.
func Finalize(buf []byte) {
	binary.LittleEndian.PutUint32(buf[offChecksum:], 0)
	sum := crc32.Checksum(buf, crc32cTable)
	binary.LittleEndian.PutUint32(buf[offChecksum:], sum)
}

// Build is a convenience wrapper: Init, optionally SetPayload, Finalize.
// Returns the full frame (HeaderSize+len(payload) bytes).
func Build(typ Type, src, dst uint64, payload []byte) ([]byte, error) {
	if len(payload) > MaxMsgSize {
		return nil, fmt.Errorf("build: %w: length %d exceeds %d", omesherr.ErrInvalidArg, len(payload), MaxMsgSize)
	}
	buf := make([]byte, HeaderSize+len(payload))
	Init(buf, typ, src, dst)
	if len(payload) > 0 {
		if err := SetPayload(buf, payload); err != nil {
			return nil, err
		}
	}
	Finalize(buf)
	return buf, nil
}

// Validate checks that avail bytes of buf hold a complete, well-formed
// frame: magic and version match, length fits MaxMsgSize, and the stored
// checksum matches CRC32C computed with the checksum field treated as zero.
// The stored checksum bytes are left intact afterward.
func Validate(buf []byte, avail int) error {
	if avail < HeaderSize {
		return fmt.Errorf("validate: %w: %d bytes available, need %d header bytes", omesherr.ErrIncomplete, avail, HeaderSize)
	}
	length := binary.LittleEndian.Uint32(buf[offLength:])
	if length > MaxMsgSize {
		return fmt.Errorf("validate: %w: length %d exceeds %d", omesherr.ErrInvalidArg, length, MaxMsgSize)
	}
	if avail < HeaderSize+int(length) {
		return fmt.Errorf("validate: %w: %d bytes available, need %d", omesherr.ErrIncomplete, avail, HeaderSize+int(length))
	}

	magic := binary.LittleEndian.Uint32(buf[offMagic:])
	if magic != MsgMagic {
		return fmt.Errorf("validate: %w: bad magic 0x%08x", omesherr.ErrInvalidArg, magic)
	}
	if buf[offVersion] != MsgVersion {
		return fmt.Errorf("validate: %w: bad version %d", omesherr.ErrInvalidArg, buf[offVersion])
	}

	frame := buf[:HeaderSize+int(length)]
	stored := binary.LittleEndian.Uint32(frame[offChecksum:])
	binary.LittleEndian.PutUint32(frame[offChecksum:], 0)
	computed := crc32.Checksum(frame, crc32cTable)
	binary.LittleEndian.PutUint32(frame[offChecksum:], stored)

	if computed != stored {
		return fmt.Errorf("validate: %w: checksum mismatch (stored 0x%08x, computed 0x%08x)", omesherr.ErrInvalidArg, stored, computed)
	}
	return nil
}

// --- accessors; never validate, always read host-order values ---

func Magic(buf []byte) uint32    { return binary.LittleEndian.Uint32(buf[offMagic:]) }
func Version(buf []byte) byte    { return buf[offVersion] }
func MsgType(buf []byte) Type    { return Type(buf[offType]) }
func MsgFlags(buf []byte) Flags  { return Flags(binary.LittleEndian.Uint16(buf[offFlags:])) }
func Seq(buf []byte) uint32      { return binary.LittleEndian.Uint32(buf[offSeq:]) }
func Length(buf []byte) uint32   { return binary.LittleEndian.Uint32(buf[offLength:]) }
func SrcNode(buf []byte) uint64  { return binary.LittleEndian.Uint64(buf[offSrcNode:]) }
func DstNode(buf []byte) uint64  { return binary.LittleEndian.Uint64(buf[offDstNode:]) }
func Checksum(buf []byte) uint32 { return binary.LittleEndian.Uint32(buf[offChecksum:]) }

// Payload returns the payload slice of a frame already known to span
// HeaderSize+Length(buf) bytes (i.e. post-Validate).
func Payload(buf []byte) []byte {
	n := Length(buf)
	return buf[HeaderSize : HeaderSize+int(n)]
}

// SetSeq overwrites the seq field in place; does not recompute the checksum.
// Callers that mutate a frame after Finalize must call Finalize again.
func SetSeq(buf []byte, seq uint32) {
	binary.LittleEndian.PutUint32(buf[offSeq:], seq)
}

// SetFlags overwrites the flags field in place; does not recompute the
// checksum.
func SetFlags(buf []byte, flags Flags) {
	binary.LittleEndian.PutUint16(buf[offFlags:], uint16(flags))
}
