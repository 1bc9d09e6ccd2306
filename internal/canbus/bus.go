package canbus

import (
	"errors"
	"fmt"
	"log"
	"sort"
)

// ErrArbitrationLost is returned by a FrameDriver when the frame lost bus
// arbitration to lower-id traffic. The bus retries these up to the
// configured limit; any other driver error drops the frame immediately.
var ErrArbitrationLost = errors.New("canbus: arbitration lost")

// FrameDriver is the raw frame port underneath the bus. Both methods are
// non-blocking: TryRecv returns ok=false when no frame is pending.
type FrameDriver interface {
	Send(f Frame) error
	TryRecv() (Frame, bool, error)
}

// BusConfig tunes the transmit path.
type BusConfig struct {
	// TxRetryLimit bounds retransmission attempts after arbitration loss.
	TxRetryLimit int
	// TxQueueDepth bounds the pending transmit queue; when a send would
	// overflow it, the least urgent frame (queued or incoming) is dropped.
	TxQueueDepth int
}

// Stats counts bus-level events. Read via Bus.Stats; values only grow.
type Stats struct {
	TxFrames     uint64
	TxRetries    uint64
	TxDropped    uint64
	RxFrames     uint64
	RxDecodeErrs uint64
}

type pending struct {
	frame Frame
	seq   uint64 // FIFO tiebreak among equal ids
	tries int
}

// Bus owns a FrameDriver and gives tasks a typed, prioritized message
// interface over it. It is not goroutine-safe; all access happens from
// scheduler tasks on the executor goroutine.
type Bus struct {
	drv   FrameDriver
	board BoardID
	cfg   BusConfig

	queue  []pending
	nextSq uint64
	stats  Stats
}

func NewBus(drv FrameDriver, board BoardID, cfg BusConfig) *Bus {
	if cfg.TxRetryLimit <= 0 {
		cfg.TxRetryLimit = 3
	}
	if cfg.TxQueueDepth <= 0 {
		cfg.TxQueueDepth = 32
	}
	return &Bus{drv: drv, board: board, cfg: cfg}
}

// Send encodes the message and queues it for transmission. The queue is
// drained by PumpTx in arbitration order, so an urgent fault queued after a
// heartbeat still goes out first.
func (b *Bus) Send(msg Message, pri PriorityClass) error {
	f, err := Encode(msg, pri, b.board)
	if err != nil {
		return err
	}
	if len(b.queue) >= b.cfg.TxQueueDepth {
		// Drop whichever frame is least urgent: the worst queued one, or the
		// incoming frame itself when everything queued outranks it.
		i := b.worstQueued()
		if f.ID >= b.queue[i].frame.ID {
			pri, _, _ := DecodeID(f.ID)
			log.Printf("canbus: tx queue full, dropping incoming class-%d frame", pri)
			b.stats.TxDropped++
			return nil
		}
		victim, _, _ := DecodeID(b.queue[i].frame.ID)
		log.Printf("canbus: tx queue full, dropping class-%d frame", victim)
		b.queue = append(b.queue[:i], b.queue[i+1:]...)
		b.stats.TxDropped++
	}
	b.queue = append(b.queue, pending{frame: f, seq: b.nextSq})
	b.nextSq++
	return nil
}

func (b *Bus) worstQueued() int {
	worst := 0
	for i := 1; i < len(b.queue); i++ {
		if b.queue[i].frame.ID > b.queue[worst].frame.ID ||
			(b.queue[i].frame.ID == b.queue[worst].frame.ID && b.queue[i].seq > b.queue[worst].seq) {
			worst = i
		}
	}
	return worst
}

// Pending reports the transmit backlog.
func (b *Bus) Pending() int { return len(b.queue) }

// Board is this node's id on the bus.
func (b *Bus) Board() BoardID { return b.board }

// PumpTx pushes queued frames to the driver, lowest id first, until the
// queue empties or the driver reports arbitration loss. A frame that loses
// arbitration beyond the retry limit is dropped and counted.
func (b *Bus) PumpTx() error {
	sort.SliceStable(b.queue, func(i, j int) bool {
		if b.queue[i].frame.ID != b.queue[j].frame.ID {
			return b.queue[i].frame.ID < b.queue[j].frame.ID
		}
		return b.queue[i].seq < b.queue[j].seq
	})

	for len(b.queue) > 0 {
		head := &b.queue[0]
		err := b.drv.Send(head.frame)
		switch {
		case err == nil:
			b.stats.TxFrames++
		case errors.Is(err, ErrArbitrationLost):
			head.tries++
			b.stats.TxRetries++
			if head.tries < b.cfg.TxRetryLimit {
				// Leave it queued; the next pump retries after the winning
				// traffic clears.
				return nil
			}
			b.stats.TxDropped++
			log.Printf("canbus: frame 0x%03X dropped after %d arbitration losses", head.frame.ID, head.tries)
		default:
			b.stats.TxDropped++
			b.queue = b.queue[1:]
			return fmt.Errorf("canbus: send 0x%03X: %w", head.frame.ID, err)
		}
		b.queue = b.queue[1:]
	}
	return nil
}

// TryReceive pulls and decodes the next pending frame. ok is false when the
// driver has nothing. Malformed frames are dropped, counted, and reported
// with an ErrFrameDecode-wrapped error so the caller can raise a fault
// without stalling the receive path.
func (b *Bus) TryReceive() (Message, BoardID, bool, error) {
	f, ok, err := b.drv.TryRecv()
	if err != nil {
		return nil, 0, false, fmt.Errorf("canbus: recv: %w", err)
	}
	if !ok {
		return nil, 0, false, nil
	}
	msg, board, err := Decode(f)
	if err != nil {
		b.stats.RxDecodeErrs++
		return nil, board, true, err
	}
	b.stats.RxFrames++
	return msg, board, true, nil
}

// Stats returns a copy of the counters.
func (b *Bus) Stats() Stats { return b.stats }
