package radio

import (
	"fmt"
	"io"

	"github.com/uorocketry/phoenix/internal/canbus"
)

// Link downlinks bus frames over a byte stream (the radio modem's serial
// port, or any io.Writer on the bench). Each transmitted frame carries a
// wrapping sequence byte so the ground side can measure loss.
//
// Link is not goroutine-safe; it is driven from the telemetry task.
type Link struct {
	w   io.Writer
	seq uint8

	sent   uint64
	failed uint64
}

func NewLink(w io.Writer) *Link { return &Link{w: w} }

// Send encodes one bus frame for the air link:
//
//	[seq][id hi][id lo][payload...]
//
// then frames it with CRC, stuffing, and flags. Implements the telemetry
// downlink interface.
func (l *Link) Send(f canbus.Frame) error {
	msg := make([]byte, 0, 3+len(f.Data))
	msg = append(msg, l.seq, byte(f.ID>>8), byte(f.ID))
	msg = append(msg, f.Data...)

	if _, err := l.w.Write(Frame(msg)); err != nil {
		l.failed++
		return fmt.Errorf("radio: write frame seq %d: %w", l.seq, err)
	}
	l.seq++ // wraps; loss detection only needs modular distance
	l.sent++
	return nil
}

// Counts reports sent and failed frames.
func (l *Link) Counts() (sent, failed uint64) { return l.sent, l.failed }

// DecodeAir parses one unframed air message back into a bus frame and its
// sequence byte. The ground tooling and tests share this with the flight
// side.
func DecodeAir(msg []byte) (seq uint8, f canbus.Frame, err error) {
	if len(msg) < 3 {
		return 0, canbus.Frame{}, fmt.Errorf("radio: air message too short: %d", len(msg))
	}
	f.ID = uint16(msg[1])<<8 | uint16(msg[2])
	f.Data = append([]byte{}, msg[3:]...)
	return msg[0], f, nil
}
