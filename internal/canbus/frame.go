// Package canbus implements the inter-board message layer for the shared
// multi-drop bus: arbitration-id assignment, the versioned compact binary
// payload encoding, and a prioritized transmit queue with bounded contention
// retry.
//
// Electrical-level arbitration and retransmission live below the FrameDriver
// interface; this layer only guarantees that what it hands down is a valid
// frame with a correctly prioritized id, and that what comes up is either a
// well-formed typed Message or a counted, dropped fault.
package canbus

import (
	"errors"
	"fmt"
)

// MaxPayload is the frame payload bound. Messages never span frames: an
// oversized payload is a caller error, not a fragmentation trigger.
const MaxPayload = 64

// PriorityClass is the 2-bit arbitration priority. Lower wins the bus, so
// class 0 is the most urgent traffic.
type PriorityClass uint8

const (
	PriorityCritical PriorityClass = iota // faults, abort commands
	PriorityHigh                          // commands
	PriorityNormal                        // sensor/orientation data
	PriorityLow                           // heartbeats
)

// BoardID identifies a compute board on the bus (4 bits).
type BoardID uint8

// MessageType tags the payload encoding (5 bits).
type MessageType uint8

const (
	TypeSensorData      MessageType = 0x01
	TypeOrientationData MessageType = 0x02
	TypeHeartbeat       MessageType = 0x03
	TypeCommand         MessageType = 0x04
	TypeFault           MessageType = 0x05
	TypeStateReport     MessageType = 0x06
)

func (t MessageType) String() string {
	switch t {
	case TypeSensorData:
		return "sensor_data"
	case TypeOrientationData:
		return "orientation_data"
	case TypeHeartbeat:
		return "heartbeat"
	case TypeCommand:
		return "command"
	case TypeFault:
		return "fault"
	case TypeStateReport:
		return "state_report"
	}
	return fmt.Sprintf("type_0x%02X", uint8(t))
}

const (
	maxBoard = 0x0F
	maxType  = 0x1F
)

// EncodeID packs the 11-bit arbitration identifier:
//
//	bits 10..9  priority class (lower value wins arbitration)
//	bits  8..4  message type
//	bits  3..0  board id
//
// The layout makes ids unique per {board, type} pair, so receivers can
// filter without decoding payloads, and makes numeric comparison equal to
// arbitration order.
func EncodeID(pri PriorityClass, mt MessageType, board BoardID) uint16 {
	return uint16(pri&0x03)<<9 | uint16(mt&maxType)<<4 | uint16(board&maxBoard)
}

// DecodeID unpacks an arbitration identifier.
func DecodeID(id uint16) (PriorityClass, MessageType, BoardID) {
	return PriorityClass(id >> 9 & 0x03), MessageType(id >> 4 & maxType), BoardID(id & maxBoard)
}

// Frame is the wire unit. DLC is implicit in len(Data).
type Frame struct {
	ID   uint16
	Data []byte
}

// ErrPayloadTooLarge is returned when an encoded message exceeds MaxPayload.
var ErrPayloadTooLarge = errors.New("canbus: payload exceeds frame size")

// ErrFrameDecode wraps every structural-validation failure on the receive
// side (wrong length for declared type, unknown tag, bad version). Frames
// failing this way are dropped and counted, never propagated as panics.
var ErrFrameDecode = errors.New("canbus: frame decode")
