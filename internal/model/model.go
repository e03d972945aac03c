// Package model contains the shared types used across the secure-channel
// core: packet identifiers, session identifiers, opcodes and the logging
// interface consumed by every service.
package model

import "fmt"

// PacketID is the monotonically-assigned 32-bit packet identifier used for
// replay protection on both the control and the data channel.
type PacketID uint32

// MaxPacketID is the highest assignable packet ID. Reaching it means the
// identifier space for the direction is exhausted and the session must
// renegotiate keys; the counter never wraps.
const MaxPacketID = PacketID(0xFFFFFFFF)

// PacketTimestamp is the timestamp that augments the packet ID on the
// long-form (control channel) replay identifier. It carries Unix seconds.
type PacketTimestamp uint64

// SessionID is the 8-byte session identifier included in every wrapped
// control-channel frame.
type SessionID [8]byte

// KeyID is the 3-bit key identifier carried in the opcode byte. It selects
// the rekey epoch a packet belongs to.
type KeyID uint8

// MaxKeyID is the highest value representable in the 3-bit key ID space.
const MaxKeyID = KeyID(0x07)

// Opcode is an OpenVPN packet opcode.
type Opcode byte

// OpenVPN packets opcodes.
const (
	P_CONTROL_HARD_RESET_CLIENT_V1 = Opcode(1) // control channel reset & connect to remote
	P_CONTROL_HARD_RESET_SERVER_V1 = Opcode(2) // control channel reset & connect from remote
	P_CONTROL_SOFT_RESET_V1        = Opcode(3) // graceful transition to new key
	P_CONTROL_V1                   = Opcode(4) // control channel packet (usually TLS ciphertext)
	P_ACK_V1                       = Opcode(5) // acknowledgement for control packets received
	P_DATA_V1                      = Opcode(6) // data channel packet
	P_CONTROL_HARD_RESET_CLIENT_V2 = Opcode(7) // control channel reset & connect to remote
	P_CONTROL_HARD_RESET_SERVER_V2 = Opcode(8) // control channel reset & connect from remote
	P_DATA_V2                      = Opcode(9) // data channel packet with peer-id
	P_CONTROL_HARD_RESET_CLIENT_V3 = Opcode(10)
)

// IsControl returns true when this opcode is a control opcode.
func (op Opcode) IsControl() bool {
	switch op {
	case P_CONTROL_HARD_RESET_CLIENT_V1,
		P_CONTROL_HARD_RESET_SERVER_V1,
		P_CONTROL_SOFT_RESET_V1,
		P_CONTROL_V1,
		P_CONTROL_HARD_RESET_CLIENT_V2,
		P_CONTROL_HARD_RESET_SERVER_V2,
		P_CONTROL_HARD_RESET_CLIENT_V3:
		return true
	default:
		return false
	}
}

// IsData returns true when this opcode is a data opcode.
func (op Opcode) IsData() bool {
	switch op {
	case P_DATA_V1, P_DATA_V2:
		return true
	default:
		return false
	}
}

// String implements fmt.Stringer.
func (op Opcode) String() string {
	switch op {
	case P_CONTROL_HARD_RESET_CLIENT_V1:
		return "P_CONTROL_HARD_RESET_CLIENT_V1"
	case P_CONTROL_HARD_RESET_SERVER_V1:
		return "P_CONTROL_HARD_RESET_SERVER_V1"
	case P_CONTROL_SOFT_RESET_V1:
		return "P_CONTROL_SOFT_RESET_V1"
	case P_CONTROL_V1:
		return "P_CONTROL_V1"
	case P_ACK_V1:
		return "P_ACK_V1"
	case P_DATA_V1:
		return "P_DATA_V1"
	case P_CONTROL_HARD_RESET_CLIENT_V2:
		return "P_CONTROL_HARD_RESET_CLIENT_V2"
	case P_CONTROL_HARD_RESET_SERVER_V2:
		return "P_CONTROL_HARD_RESET_SERVER_V2"
	case P_DATA_V2:
		return "P_DATA_V2"
	case P_CONTROL_HARD_RESET_CLIENT_V3:
		return "P_CONTROL_HARD_RESET_CLIENT_V3"
	default:
		return fmt.Sprintf("P_UNKNOWN(%d)", byte(op))
	}
}

// NotificationFlags carries the reason for a Notification.
type NotificationFlags int

const (
	// NotificationReset indicates the session must reset its negotiation state.
	NotificationReset = NotificationFlags(1 << iota)

	// NotificationRekey indicates the send direction exhausted its packet-id
	// space (or is close to) and the session must renegotiate keys.
	NotificationRekey
)

// Notification is a notification sent up to the layer driving the handshake.
type Notification struct {
	Flags NotificationFlags
}
