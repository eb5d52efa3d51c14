// Package wire defines the binary message envelope shared by agents and the
// facilitator, and the typed payloads carried inside it.
package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
)

// MessageType is the closed set of envelope types. Dispatch is done on
// (Type, Name) through a lookup table, never on free-form strings.
type MessageType uint8

const (
	TypeValue MessageType = iota + 1
	TypeTransform
	TypeState
	TypeRpc
	TypeEntity
	TypeConnection
	TypeFacilitate
	TypeVoice
)

func (t MessageType) String() string {
	switch t {
	case TypeValue:
		return "value"
	case TypeTransform:
		return "transform"
	case TypeState:
		return "state"
	case TypeRpc:
		return "rpc"
	case TypeEntity:
		return "entity"
	case TypeConnection:
		return "connection"
	case TypeFacilitate:
		return "facilitate"
	case TypeVoice:
		return "voice"
	default:
		return fmt.Sprintf("type(%d)", uint8(t))
	}
}

// Flags marks a message as part of a request/response exchange.
type Flags uint8

const (
	FlagNone     Flags = 0
	FlagRequest  Flags = 1 << 0
	FlagResponse Flags = 1 << 1
)

// Well-known message names. Rpc, Transform and Value messages carry
// caller-chosen names instead.
const (
	NameAdd      = "Add"
	NameRemove   = "Remove"
	NameList     = "List"
	NameConnect  = "Connect"
	NameHost     = "Host"
	NameJoin     = "Join"
	NameDiscover = "Discover"
	NameRelay    = "Relay"

	NameNew = "New"
	NameEnd = "End"

	NameCreate  = "Create"
	NameDestroy = "Destroy"

	NameStateEnter = "StateEnter"
	NameStateExit  = "StateExit"
)

// Message is the unit of exchange. ID is assigned only when Flags contains
// FlagRequest and is echoed verbatim on the matching response; together with
// the remote endpoint key, Type and Name it identifies a pending exchange.
type Message struct {
	Type    MessageType
	Flags   Flags
	Channel uint8
	ID      uint16
	Name    string
	Value   float32
	Payload []byte
}

// IsRequest reports whether the message opens an exchange.
func (m Message) IsRequest() bool { return m.Flags&FlagRequest != 0 }

// IsResponse reports whether the message closes an exchange.
func (m Message) IsResponse() bool { return m.Flags&FlagResponse != 0 }

// Response builds the reply envelope for a request, echoing the exchange
// identity and carrying the given payload.
func (m Message) Response(payload []byte) Message {
	return Message{
		Type:    m.Type,
		Flags:   FlagResponse,
		Channel: m.Channel,
		ID:      m.ID,
		Name:    m.Name,
		Payload: payload,
	}
}

// Envelope layout, big-endian throughout:
//
//	0..1  marker 0xD9 0x77
//	2     version
//	3     type
//	4     flags
//	5     channel
//	6..7  id
//	8     name length, then name bytes
//	+4    value (IEEE 754)
//	+2    payload length, then payload bytes
const (
	marker0 = 0xD9
	marker1 = 0x77

	envelopeVersion = 1

	fixedHeaderLen = 9

	// MaxPayloadLen keeps a full envelope inside a single UDP datagram.
	MaxPayloadLen = 60 * 1024
	maxNameLen    = 255
)

// Decode failures. The receive path treats every one of them as a silent
// drop; none may escape the transport loop.
var (
	ErrShortBuffer = errors.New("wire: buffer shorter than fixed header")
	ErrBadMarker   = errors.New("wire: envelope marker mismatch")
	ErrBadVersion  = errors.New("wire: unsupported envelope version")
	ErrTruncated   = errors.New("wire: envelope truncated")

	ErrNameTooLong    = errors.New("wire: name exceeds 255 bytes")
	ErrPayloadTooLong = errors.New("wire: payload exceeds datagram budget")
)

// Encode serializes m into a fresh buffer.
func Encode(m Message) ([]byte, error) {
	if len(m.Name) > maxNameLen {
		return nil, ErrNameTooLong
	}
	if len(m.Payload) > MaxPayloadLen {
		return nil, ErrPayloadTooLong
	}

	buf := make([]byte, 0, fixedHeaderLen+1+len(m.Name)+4+2+len(m.Payload))
	buf = append(buf, marker0, marker1, envelopeVersion, byte(m.Type), byte(m.Flags), m.Channel)
	buf = binary.BigEndian.AppendUint16(buf, m.ID)
	buf = append(buf, byte(len(m.Name)))
	buf = append(buf, m.Name...)
	buf = binary.BigEndian.AppendUint32(buf, math.Float32bits(m.Value))
	buf = binary.BigEndian.AppendUint16(buf, uint16(len(m.Payload)))
	buf = append(buf, m.Payload...)
	return buf, nil
}

// Decode parses an envelope. It never panics on short or corrupt input; any
// malformed buffer yields an error the caller drops.
func Decode(buf []byte) (Message, error) {
	var m Message
	if len(buf) < fixedHeaderLen {
		return m, ErrShortBuffer
	}
	if buf[0] != marker0 || buf[1] != marker1 {
		return m, ErrBadMarker
	}
	if buf[2] != envelopeVersion {
		return m, ErrBadVersion
	}

	m.Type = MessageType(buf[3])
	m.Flags = Flags(buf[4])
	m.Channel = buf[5]
	m.ID = binary.BigEndian.Uint16(buf[6:8])

	nameLen := int(buf[8])
	off := fixedHeaderLen
	if len(buf) < off+nameLen+4+2 {
		return m, ErrTruncated
	}
	m.Name = string(buf[off : off+nameLen])
	off += nameLen

	m.Value = math.Float32frombits(binary.BigEndian.Uint32(buf[off : off+4]))
	off += 4

	payloadLen := int(binary.BigEndian.Uint16(buf[off : off+2]))
	off += 2
	if len(buf) < off+payloadLen {
		return m, ErrTruncated
	}
	if payloadLen > 0 {
		m.Payload = append([]byte(nil), buf[off:off+payloadLen]...)
	}
	return m, nil
}

// Key identifies a pending exchange in the correlation table.
func Key(endpointKey string, m Message) string {
	return fmt.Sprintf("%s:%d:%d:%s", endpointKey, m.ID, m.Type, m.Name)
}
