// Package wire implements the wire representation of wrapped
// control-channel packets. The frame layout is fixed-position and big
// endian throughout; byte order and tag width are interoperability
// critical and must match the peer bit for bit.
//
// Long form (control channel):
//
//	1 byte   opcode (high 5 bits) / key id (low 3 bits)
//	8 bytes  session id
//	4 bytes  packet id
//	8 bytes  timestamp (Unix seconds)
//	32 bytes authentication tag (HMAC-SHA256)
//	N bytes  ciphertext
//
// Short form (data channel replay header, not wrapped):
//
//	1 byte   opcode / key id
//	4 bytes  packet id
//	N bytes  payload
package wire

import (
	"bytes"
	"errors"
	"fmt"
	"io"

	"github.com/Blyss1987/openvpn/internal/bytesx"
	"github.com/Blyss1987/openvpn/internal/model"
)

// TagSize is the width in bytes of the frame authentication tag.
const TagSize = 32

// longHeaderSize is the number of fixed bytes preceding the ciphertext in
// a long-form frame.
const longHeaderSize = 1 + 8 + 4 + 8 + TagSize

// ErrPacketTooShort indicates that a packet is too short.
var ErrPacketTooShort = errors.New("openvpn: packet too short")

// ErrParsePacket is a generic packet parse error which may be further qualified.
var ErrParsePacket = errors.New("openvpn: packet parse error")

// ErrMarshalPacket is the error returned when we cannot marshal a packet.
var ErrMarshalPacket = errors.New("openvpn: cannot marshal packet")

// ErrEmptyPayload indicates that the payload of a control packet is empty.
var ErrEmptyPayload = errors.New("openvpn: empty payload")

// Frame is the parsed representation of a wrapped control-channel packet.
type Frame struct {
	// Opcode is the packet opcode (high five bits of the first byte).
	Opcode model.Opcode

	// KeyID selects the rekey epoch (low three bits of the first byte).
	KeyID model.KeyID

	// SessionID identifies the sending side of the tunnel session.
	SessionID model.SessionID

	// PacketID is the long-form replay identifier.
	PacketID model.PacketID

	// Timestamp augments the packet id on the long form.
	Timestamp model.PacketTimestamp

	// Tag authenticates header, replay identifier and payload. It must
	// validate before any other field is trusted.
	Tag [TagSize]byte

	// Ciphertext is the encrypted payload.
	Ciphertext []byte
}

// opcodeKeyByte packs opcode and key id into the leading frame byte.
func opcodeKeyByte(opcode model.Opcode, keyID model.KeyID) byte {
	return (byte(opcode) << 3) | (byte(keyID) & 0x07)
}

// Header returns the fixed header bytes: opcode/key-id and session id.
// This is the first segment covered by the authentication tag.
func (f *Frame) Header() []byte {
	var buf [9]byte
	buf[0] = opcodeKeyByte(f.Opcode, f.KeyID)
	copy(buf[1:], f.SessionID[:])
	return buf[:]
}

// ReplayID returns the long-form replay identifier bytes: packet id and
// timestamp. This is the second segment covered by the authentication tag.
func (f *Frame) ReplayID() []byte {
	var buf [12]byte
	bytesx.PutUint32(buf[0:4], uint32(f.PacketID))
	bytesx.PutUint64(buf[4:12], uint64(f.Timestamp))
	return buf[:]
}

// Marshal serializes the frame into its wire representation.
func (f *Frame) Marshal() ([]byte, error) {
	if !f.Opcode.IsControl() && f.Opcode != model.P_ACK_V1 {
		return nil, fmt.Errorf("%w: opcode %s is not a control opcode", ErrMarshalPacket, f.Opcode)
	}
	if f.KeyID > model.MaxKeyID {
		return nil, fmt.Errorf("%w: key id %d overflows the 3-bit space", ErrMarshalPacket, f.KeyID)
	}
	buf := make([]byte, 0, longHeaderSize+len(f.Ciphertext))
	buf = append(buf, f.Header()...)
	buf = append(buf, f.ReplayID()...)
	buf = append(buf, f.Tag[:]...)
	buf = append(buf, f.Ciphertext...)
	return buf, nil
}

// Unmarshal parses a wrapped control-channel frame. We assume the
// underlying connection has already stripped out the transport framing.
// No cryptographic checks happen here; the caller must validate the tag
// before trusting any field.
func Unmarshal(raw []byte) (*Frame, error) {
	if len(raw) < longHeaderSize {
		return nil, ErrPacketTooShort
	}

	f := &Frame{
		Opcode: model.Opcode(raw[0] >> 3),
		KeyID:  model.KeyID(raw[0] & 0x07),
	}
	if !f.Opcode.IsControl() && f.Opcode != model.P_ACK_V1 {
		return nil, fmt.Errorf("%w: unexpected opcode %s", ErrParsePacket, f.Opcode)
	}

	buf := bytes.NewBuffer(raw[1:])
	if _, err := io.ReadFull(buf, f.SessionID[:]); err != nil {
		return nil, fmt.Errorf("%w: bad session id: %s", ErrParsePacket, err)
	}

	packetID, err := bytesx.ReadUint32(buf)
	if err != nil {
		return nil, fmt.Errorf("%w: bad replay packet id: %s", ErrParsePacket, err)
	}
	f.PacketID = model.PacketID(packetID)

	timestamp, err := bytesx.ReadUint64(buf)
	if err != nil {
		return nil, fmt.Errorf("%w: bad packet timestamp: %s", ErrParsePacket, err)
	}
	f.Timestamp = model.PacketTimestamp(timestamp)

	if _, err := io.ReadFull(buf, f.Tag[:]); err != nil {
		return nil, fmt.Errorf("%w: bad packet digest: %s", ErrParsePacket, err)
	}

	f.Ciphertext = buf.Bytes()
	return f, nil
}

// DataHeader is the short-form replay header carried by data-channel
// packets, which bypass the wrapper but still consult the replay window.
type DataHeader struct {
	Opcode   model.Opcode
	KeyID    model.KeyID
	PacketID model.PacketID
	Payload  []byte
}

// Marshal serializes the short-form data header.
func (d *DataHeader) Marshal() ([]byte, error) {
	if !d.Opcode.IsData() {
		return nil, fmt.Errorf("%w: opcode %s is not a data opcode", ErrMarshalPacket, d.Opcode)
	}
	if len(d.Payload) == 0 {
		return nil, ErrEmptyPayload
	}
	buf := make([]byte, 0, 5+len(d.Payload))
	buf = append(buf, opcodeKeyByte(d.Opcode, d.KeyID))
	var id [4]byte
	bytesx.PutUint32(id[:], uint32(d.PacketID))
	buf = append(buf, id[:]...)
	buf = append(buf, d.Payload...)
	return buf, nil
}

// UnmarshalDataHeader parses a short-form data-channel header.
func UnmarshalDataHeader(raw []byte) (*DataHeader, error) {
	if len(raw) < 5 {
		return nil, ErrPacketTooShort
	}
	d := &DataHeader{
		Opcode: model.Opcode(raw[0] >> 3),
		KeyID:  model.KeyID(raw[0] & 0x07),
	}
	if !d.Opcode.IsData() {
		return nil, fmt.Errorf("%w: unexpected opcode %s", ErrParsePacket, d.Opcode)
	}
	buf := bytes.NewBuffer(raw[1:])
	id, err := bytesx.ReadUint32(buf)
	if err != nil {
		return nil, fmt.Errorf("%w: bad packet id: %s", ErrParsePacket, err)
	}
	d.PacketID = model.PacketID(id)
	d.Payload = buf.Bytes()
	return d, nil
}
