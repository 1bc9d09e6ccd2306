package canbus

import (
	"encoding/binary"
	"fmt"
	"math"
)

// payloadVersion prefixes every payload. A version mismatch is a decode
// failure, not a best-effort parse: mixed-firmware buses must fail loudly.
const payloadVersion = 1

// Message is one typed bus payload. Encode never fails for the concrete
// types in this package; size is checked once at the frame layer.
type Message interface {
	Type() MessageType
	encodePayload() []byte
}

// SensorData carries one compensated barometer reading.
type SensorData struct {
	TemperatureCentiC int32 // 0.01 degC
	PressureCentiMbar int32 // 0.01 mbar
}

func (SensorData) Type() MessageType { return TypeSensorData }

func (m SensorData) encodePayload() []byte {
	b := make([]byte, 9)
	b[0] = payloadVersion
	binary.BigEndian.PutUint32(b[1:], uint32(m.TemperatureCentiC))
	binary.BigEndian.PutUint32(b[5:], uint32(m.PressureCentiMbar))
	return b
}

// OrientationData carries the attitude quaternion (w, x, y, z) as float32.
type OrientationData struct {
	Quat [4]float32
}

func (OrientationData) Type() MessageType { return TypeOrientationData }

func (m OrientationData) encodePayload() []byte {
	b := make([]byte, 17)
	b[0] = payloadVersion
	for i, v := range m.Quat {
		binary.BigEndian.PutUint32(b[1+4*i:], math.Float32bits(v))
	}
	return b
}

// Heartbeat is the periodic liveness beacon.
type Heartbeat struct {
	UptimeSeconds uint32
	State         uint8 // board-local run state
}

func (Heartbeat) Type() MessageType { return TypeHeartbeat }

func (m Heartbeat) encodePayload() []byte {
	b := make([]byte, 6)
	b[0] = payloadVersion
	binary.BigEndian.PutUint32(b[1:], m.UptimeSeconds)
	b[5] = m.State
	return b
}

// Command opcodes.
const (
	CmdPowerDown       = 0x01
	CmdRadioRateChange = 0x02
)

// Command requests an action on the destination board.
type Command struct {
	Opcode uint8
	Arg    uint16
}

func (Command) Type() MessageType { return TypeCommand }

func (m Command) encodePayload() []byte {
	b := make([]byte, 4)
	b[0] = payloadVersion
	b[1] = m.Opcode
	binary.BigEndian.PutUint16(b[2:], m.Arg)
	return b
}

// Fault reports a board-detected failure (sensor latched, deadline miss,
// unknown command).
type Fault struct {
	Code   uint8
	Detail uint16
}

func (Fault) Type() MessageType { return TypeFault }

func (m Fault) encodePayload() []byte {
	b := make([]byte, 4)
	b[0] = payloadVersion
	b[1] = m.Code
	binary.BigEndian.PutUint16(b[2:], m.Detail)
	return b
}

// Fault codes.
const (
	FaultSensorLatched  = 0x01
	FaultDeadlineMiss   = 0x02
	FaultUnknownCommand = 0x03
	FaultBusTxDropped   = 0x04
	FaultFrameDecode    = 0x05
	FaultBadCommandArg  = 0x06
)

// Reset reasons carried in the boot-time state report.
const (
	ResetPowerOn  = 0x00
	ResetWatchdog = 0x01
	ResetSoft     = 0x02
)

// StateReport announces a board's run state, sent once at boot with the
// reset reason and again on state transitions.
type StateReport struct {
	ResetReason uint8
	State       uint8
}

func (StateReport) Type() MessageType { return TypeStateReport }

func (m StateReport) encodePayload() []byte {
	return []byte{payloadVersion, m.ResetReason, m.State}
}

// Encode builds the wire frame for a message from the given board.
func Encode(msg Message, pri PriorityClass, board BoardID) (Frame, error) {
	p := msg.encodePayload()
	if len(p) > MaxPayload {
		return Frame{}, fmt.Errorf("%w: %s is %d bytes", ErrPayloadTooLarge, msg.Type(), len(p))
	}
	return Frame{ID: EncodeID(pri, msg.Type(), board), Data: p}, nil
}

// Decode validates and parses a received frame. Every structural problem
// (unknown type, short/long payload, version mismatch) comes back wrapped in
// ErrFrameDecode so callers can count-and-drop uniformly.
func Decode(f Frame) (Message, BoardID, error) {
	_, mt, board := DecodeID(f.ID)

	want, ok := payloadLen[mt]
	if !ok {
		return nil, board, fmt.Errorf("%w: unknown type 0x%02X", ErrFrameDecode, uint8(mt))
	}
	if len(f.Data) != want {
		return nil, board, fmt.Errorf("%w: %s payload is %d bytes, want %d", ErrFrameDecode, mt, len(f.Data), want)
	}
	if f.Data[0] != payloadVersion {
		return nil, board, fmt.Errorf("%w: %s version %d, want %d", ErrFrameDecode, mt, f.Data[0], payloadVersion)
	}

	p := f.Data[1:]
	switch mt {
	case TypeSensorData:
		return SensorData{
			TemperatureCentiC: int32(binary.BigEndian.Uint32(p)),
			PressureCentiMbar: int32(binary.BigEndian.Uint32(p[4:])),
		}, board, nil
	case TypeOrientationData:
		var m OrientationData
		for i := range m.Quat {
			m.Quat[i] = math.Float32frombits(binary.BigEndian.Uint32(p[4*i:]))
		}
		return m, board, nil
	case TypeHeartbeat:
		return Heartbeat{
			UptimeSeconds: binary.BigEndian.Uint32(p),
			State:         p[4],
		}, board, nil
	case TypeCommand:
		return Command{Opcode: p[0], Arg: binary.BigEndian.Uint16(p[1:])}, board, nil
	case TypeFault:
		return Fault{Code: p[0], Detail: binary.BigEndian.Uint16(p[1:])}, board, nil
	case TypeStateReport:
		return StateReport{ResetReason: p[0], State: p[1]}, board, nil
	}
	return nil, board, fmt.Errorf("%w: unhandled type %s", ErrFrameDecode, mt)
}

// payloadLen is the exact wire size per type, version byte included.
var payloadLen = map[MessageType]int{
	TypeSensorData:      9,
	TypeOrientationData: 17,
	TypeHeartbeat:       6,
	TypeCommand:         4,
	TypeFault:           4,
	TypeStateReport:     3,
}
