package wire

import (
	"encoding/binary"
	"encoding/json"
	"math"
)

// Transform payload field presence bits.
const (
	HasPosition uint8 = 1 << 0
	HasRotation uint8 = 1 << 1
	HasScale    uint8 = 1 << 2
)

// Vec3 is a position, Euler rotation, or scale triple.
type Vec3 [3]float32

// TransformData is the typed payload of a Transform message. Timestamp is a
// relative session clock used for stale-update rejection: a receiver drops
// any transform older than the last one it applied for the entity.
type TransformData struct {
	EntityID  uint64
	Has       uint8
	Position  Vec3
	Rotation  Vec3
	Scale     Vec3
	Timestamp float32
}

// EncodeTransform writes the payload bytes for d.
func EncodeTransform(d TransformData) []byte {
	buf := make([]byte, 0, 8+1+4+3*12)
	buf = binary.BigEndian.AppendUint64(buf, d.EntityID)
	buf = append(buf, d.Has)
	buf = binary.BigEndian.AppendUint32(buf, math.Float32bits(d.Timestamp))
	if d.Has&HasPosition != 0 {
		buf = appendVec3(buf, d.Position)
	}
	if d.Has&HasRotation != 0 {
		buf = appendVec3(buf, d.Rotation)
	}
	if d.Has&HasScale != 0 {
		buf = appendVec3(buf, d.Scale)
	}
	return buf
}

// DecodeTransform parses a Transform payload.
func DecodeTransform(buf []byte) (TransformData, error) {
	var d TransformData
	if len(buf) < 13 {
		return d, ErrTruncated
	}
	d.EntityID = binary.BigEndian.Uint64(buf[0:8])
	d.Has = buf[8]
	d.Timestamp = math.Float32frombits(binary.BigEndian.Uint32(buf[9:13]))
	off := 13
	var err error
	if d.Has&HasPosition != 0 {
		if d.Position, off, err = readVec3(buf, off); err != nil {
			return d, err
		}
	}
	if d.Has&HasRotation != 0 {
		if d.Rotation, off, err = readVec3(buf, off); err != nil {
			return d, err
		}
	}
	if d.Has&HasScale != 0 {
		if d.Scale, _, err = readVec3(buf, off); err != nil {
			return d, err
		}
	}
	return d, nil
}

func appendVec3(buf []byte, v Vec3) []byte {
	for _, f := range v {
		buf = binary.BigEndian.AppendUint32(buf, math.Float32bits(f))
	}
	return buf
}

func readVec3(buf []byte, off int) (Vec3, int, error) {
	var v Vec3
	if len(buf) < off+12 {
		return v, off, ErrTruncated
	}
	for i := 0; i < 3; i++ {
		v[i] = math.Float32frombits(binary.BigEndian.Uint32(buf[off : off+4]))
		off += 4
	}
	return v, off, nil
}

// StateData is the typed payload of StateEnter/StateExit messages: one state
// machine on one entity entering or leaving a named state.
type StateData struct {
	EntityID uint64
	Machine  string
	State    string
}

// EncodeState writes the payload bytes for d.
func EncodeState(d StateData) []byte {
	buf := make([]byte, 0, 8+2+len(d.Machine)+len(d.State))
	buf = binary.BigEndian.AppendUint64(buf, d.EntityID)
	buf = appendShortString(buf, d.Machine)
	buf = appendShortString(buf, d.State)
	return buf
}

// DecodeState parses a State payload.
func DecodeState(buf []byte) (StateData, error) {
	var d StateData
	if len(buf) < 8 {
		return d, ErrTruncated
	}
	d.EntityID = binary.BigEndian.Uint64(buf[0:8])
	off := 8
	var err error
	if d.Machine, off, err = readShortString(buf, off); err != nil {
		return d, err
	}
	if d.State, _, err = readShortString(buf, off); err != nil {
		return d, err
	}
	return d, nil
}

// RpcData is the typed payload of an Rpc message. EntityID zero addresses the
// global RPC scope; Args is a JSON-encoded argument string, empty when the
// call carries only the envelope value.
type RpcData struct {
	EntityID uint64
	Args     string
}

// EncodeRpc writes the payload bytes for d.
func EncodeRpc(d RpcData) []byte {
	buf := make([]byte, 0, 8+2+len(d.Args))
	buf = binary.BigEndian.AppendUint64(buf, d.EntityID)
	buf = binary.BigEndian.AppendUint16(buf, uint16(len(d.Args)))
	buf = append(buf, d.Args...)
	return buf
}

// DecodeRpc parses an Rpc payload.
func DecodeRpc(buf []byte) (RpcData, error) {
	var d RpcData
	if len(buf) < 10 {
		return d, ErrTruncated
	}
	d.EntityID = binary.BigEndian.Uint64(buf[0:8])
	n := int(binary.BigEndian.Uint16(buf[8:10]))
	if len(buf) < 10+n {
		return d, ErrTruncated
	}
	d.Args = string(buf[10 : 10+n])
	return d, nil
}

// RelayData wraps a fully encoded envelope for forwarding through the
// facilitator when no direct path to the target exists.
type RelayData struct {
	From  string
	To    string
	Inner []byte
}

// EncodeRelay writes the payload bytes for d.
func EncodeRelay(d RelayData) []byte {
	buf := make([]byte, 0, 2+len(d.From)+len(d.To)+len(d.Inner))
	buf = appendShortString(buf, d.From)
	buf = appendShortString(buf, d.To)
	buf = append(buf, d.Inner...)
	return buf
}

// DecodeRelay parses a Relay payload. Inner aliases the input buffer.
func DecodeRelay(buf []byte) (RelayData, error) {
	var d RelayData
	var err error
	off := 0
	if d.From, off, err = readShortString(buf, off); err != nil {
		return d, err
	}
	if d.To, off, err = readShortString(buf, off); err != nil {
		return d, err
	}
	d.Inner = buf[off:]
	return d, nil
}

// MarshalArgs encodes facilitator and entity payload structs as JSON args.
func MarshalArgs(v any) ([]byte, error) {
	return json.Marshal(v)
}

// UnmarshalArgs decodes JSON args into v.
func UnmarshalArgs(buf []byte, v any) error {
	return json.Unmarshal(buf, v)
}

func appendShortString(buf []byte, s string) []byte {
	if len(s) > maxNameLen {
		s = s[:maxNameLen]
	}
	buf = append(buf, byte(len(s)))
	return append(buf, s...)
}

func readShortString(buf []byte, off int) (string, int, error) {
	if len(buf) < off+1 {
		return "", off, ErrTruncated
	}
	n := int(buf[off])
	off++
	if len(buf) < off+n {
		return "", off, ErrTruncated
	}
	return string(buf[off : off+n]), off + n, nil
}
