package transport

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// PacketType identifies the type of an rudp datagram.
type PacketType byte

const (
	// PacketUnreliable carries a payload with no delivery guarantee.
	PacketUnreliable PacketType = 0
	// PacketReliable carries a payload that is retried until acknowledged.
	PacketReliable PacketType = 1
	// PacketHello is the reliable handshake packet sent by Connect.
	PacketHello PacketType = 8
	// PacketDisconnect tells the peer the connection is going away.
	PacketDisconnect PacketType = 9
	// PacketAcknowledgement acknowledges a reliable, hello or ping packet.
	PacketAcknowledgement PacketType = 10
	// PacketPing is a reliable keepalive without payload.
	PacketPing PacketType = 12
)

const (
	// TypeHeaderSize is the size of the type tag.
	TypeHeaderSize = 1
	// IDHeaderSize is the size of the type tag plus the packet id.
	IDHeaderSize = 3
)

var (
	// ErrPacketTooShort is returned when a datagram is shorter than its header.
	ErrPacketTooShort = errors.New("packet too short")
	// ErrUnknownPacketType is returned for an unrecognised type tag.
	ErrUnknownPacketType = errors.New("unknown packet type")
)

// String returns a human readable name for the packet type.
func (t PacketType) String() string {
	switch t {
	case PacketUnreliable:
		return "unreliable"
	case PacketReliable:
		return "reliable"
	case PacketHello:
		return "hello"
	case PacketDisconnect:
		return "disconnect"
	case PacketAcknowledgement:
		return "ack"
	case PacketPing:
		return "ping"
	default:
		return fmt.Sprintf("unknown(%d)", byte(t))
	}
}

// HasID reports whether packets of this type carry a packet id.
func (t PacketType) HasID() bool {
	switch t {
	case PacketReliable, PacketHello, PacketAcknowledgement, PacketPing:
		return true
	}
	return false
}

// IsReliable reports whether packets of this type must be acknowledged.
func (t PacketType) IsReliable() bool {
	return t.HasID() && t != PacketAcknowledgement
}

func (t PacketType) known() bool {
	switch t {
	case PacketUnreliable, PacketReliable, PacketHello, PacketDisconnect,
		PacketAcknowledgement, PacketPing:
		return true
	}
	return false
}

// Packet represents a decoded rudp datagram.
type Packet struct {
	PacketType PacketType
	ID         uint16 // only meaningful when PacketType.HasID()
	Data       []byte
}

// Serialize converts a packet to a byte slice for transmission.
func (p *Packet) Serialize() ([]byte, error) {
	if !p.PacketType.known() {
		return nil, fmt.Errorf("%w: %d", ErrUnknownPacketType, byte(p.PacketType))
	}

	if !p.PacketType.HasID() {
		// Format: [packet type (1 byte)][data (variable length)]
		result := make([]byte, TypeHeaderSize+len(p.Data))
		result[0] = byte(p.PacketType)
		copy(result[TypeHeaderSize:], p.Data)
		return result, nil
	}

	// Format: [packet type (1 byte)][id (2 bytes, big endian)][data]
	return AppendHeader(make([]byte, 0, IDHeaderSize+len(p.Data)), p.PacketType, p.ID, p.Data), nil
}

// AppendHeader appends an id-carrying datagram to dst.
func AppendHeader(dst []byte, packetType PacketType, id uint16, data []byte) []byte {
	dst = append(dst, byte(packetType))
	dst = binary.BigEndian.AppendUint16(dst, id)
	return append(dst, data...)
}

// ParsePacket converts a byte slice to a Packet structure. The payload is
// copied so the caller may reuse data.
func ParsePacket(data []byte) (*Packet, error) {
	if len(data) < TypeHeaderSize {
		return nil, ErrPacketTooShort
	}

	packetType := PacketType(data[0])
	if !packetType.known() {
		return nil, fmt.Errorf("%w: %d", ErrUnknownPacketType, data[0])
	}

	headerSize := TypeHeaderSize
	packet := &Packet{PacketType: packetType}
	if packetType.HasID() {
		if len(data) < IDHeaderSize {
			return nil, fmt.Errorf("%w: %s needs %d bytes, got %d",
				ErrPacketTooShort, packetType, IDHeaderSize, len(data))
		}
		packet.ID = binary.BigEndian.Uint16(data[1:3])
		headerSize = IDHeaderSize
	}

	packet.Data = make([]byte, len(data)-headerSize)
	copy(packet.Data, data[headerSize:])

	return packet, nil
}
