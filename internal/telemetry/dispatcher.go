package telemetry

import (
	"log"
	"time"

	"github.com/uorocketry/phoenix/internal/canbus"
)

// Downlink is where emitted frames additionally go for the ground segment
// (radio, and optionally an MQTT bridge on the bench). A nil Downlink is
// fine; the bus is the only mandatory sink.
type Downlink interface {
	Send(f canbus.Frame) error
}

// Actions are the dispatcher's hooks into the rest of the board. Any nil
// hook turns the corresponding command into an unknown-command fault.
type Actions struct {
	// SetRate switches the telemetry emit period.
	SetRate func(period time.Duration)
	// PowerDown requests an orderly shutdown.
	PowerDown func()
}

// Dispatcher emits the periodic telemetry set and routes inbound bus
// traffic. It is driven by two scheduler tasks: a periodic emit task and a
// receive-pump task.
type Dispatcher struct {
	store *Store
	bus   *canbus.Bus
	down  Downlink
	act   Actions

	runState  uint8
	startedAt time.Time

	emitted  uint64
	faultsTx uint64
}

func NewDispatcher(store *Store, bus *canbus.Bus, down Downlink, act Actions) *Dispatcher {
	return &Dispatcher{store: store, bus: bus, down: down, act: act}
}

// SetRunState updates the state byte carried in heartbeats and announces the
// transition on the bus.
func (d *Dispatcher) SetRunState(s uint8) {
	if s == d.runState {
		return
	}
	d.runState = s
	d.send(canbus.StateReport{State: s}, canbus.PriorityNormal)
}

// Start records boot time for heartbeat uptime.
func (d *Dispatcher) Start(now time.Time) { d.startedAt = now }

// ReportBoot announces the reset reason and initial run state. Sent once,
// before the first telemetry set.
func (d *Dispatcher) ReportBoot(reason uint8) {
	d.send(canbus.StateReport{ResetReason: reason, State: d.runState}, canbus.PriorityHigh)
}

// Emit queues one full telemetry set: latest barometer reading, latest
// attitude, and a heartbeat. Kinds with no data yet are skipped rather than
// sent as zeros.
func (d *Dispatcher) Emit(now time.Time) {
	snap := d.store.Snapshot()

	if snap.HasBaro {
		d.send(canbus.SensorData{
			TemperatureCentiC: snap.Baro.TemperatureCentiC,
			PressureCentiMbar: snap.Baro.PressureCentiMbar,
		}, canbus.PriorityNormal)
	}
	if snap.HasAttitude {
		var q [4]float32
		for i, v := range snap.Attitude.Quat {
			q[i] = float32(v)
		}
		d.send(canbus.OrientationData{Quat: q}, canbus.PriorityNormal)
	}

	uptime := uint32(0)
	if !d.startedAt.IsZero() && now.After(d.startedAt) {
		uptime = uint32(now.Sub(d.startedAt) / time.Second)
	}
	d.send(canbus.Heartbeat{UptimeSeconds: uptime, State: d.runState}, canbus.PriorityLow)
	d.emitted++
}

// RaiseFault queues a fault report at critical priority.
func (d *Dispatcher) RaiseFault(code uint8, detail uint16) {
	d.send(canbus.Fault{Code: code, Detail: detail}, canbus.PriorityCritical)
	d.faultsTx++
}

func (d *Dispatcher) send(msg canbus.Message, pri canbus.PriorityClass) {
	if err := d.bus.Send(msg, pri); err != nil {
		log.Printf("telemetry: bus send %s: %v", msg.Type(), err)
		return
	}
	if d.down != nil {
		f, err := canbus.Encode(msg, pri, d.bus.Board())
		if err == nil {
			if err := d.down.Send(f); err != nil {
				log.Printf("telemetry: downlink %s: %v", msg.Type(), err)
			}
		}
	}
}

// PumpInbound drains the receive side of the bus, dispatching commands and
// dropping (with a counted fault) anything malformed or unknown. It returns
// the number of frames consumed so the caller can re-fire itself while
// traffic is pending.
func (d *Dispatcher) PumpInbound() int {
	n := 0
	for {
		msg, board, ok, err := d.bus.TryReceive()
		if !ok && err == nil {
			return n
		}
		n++
		if err != nil {
			log.Printf("telemetry: dropping frame from board %d: %v", board, err)
			d.RaiseFault(canbus.FaultFrameDecode, uint16(board))
			continue
		}
		d.handle(msg, board)
	}
}

// Handle dispatches one already-decoded message as if it had arrived on the
// bus. The ground bridge injects its uplinked commands here.
func (d *Dispatcher) Handle(msg canbus.Message, from canbus.BoardID) { d.handle(msg, from) }

func (d *Dispatcher) handle(msg canbus.Message, board canbus.BoardID) {
	switch m := msg.(type) {
	case canbus.Command:
		d.handleCommand(m, board)
	case canbus.Heartbeat, canbus.SensorData, canbus.OrientationData, canbus.StateReport:
		// Peer traffic; nothing to act on for this board.
	case canbus.Fault:
		log.Printf("telemetry: fault 0x%02X detail %d from board %d", m.Code, m.Detail, board)
	default:
		log.Printf("telemetry: unhandled %s from board %d", msg.Type(), board)
	}
}

func (d *Dispatcher) handleCommand(c canbus.Command, board canbus.BoardID) {
	switch c.Opcode {
	case canbus.CmdRadioRateChange:
		if d.act.SetRate != nil {
			if c.Arg == 0 {
				log.Printf("telemetry: rejecting rate change with zero period from board %d", board)
				d.RaiseFault(canbus.FaultBadCommandArg, uint16(c.Opcode))
				return
			}
			period := time.Duration(c.Arg) * time.Millisecond
			log.Printf("telemetry: rate change to %v from board %d", period, board)
			d.act.SetRate(period)
			return
		}
	case canbus.CmdPowerDown:
		if d.act.PowerDown != nil {
			log.Printf("telemetry: power down commanded by board %d", board)
			d.act.PowerDown()
			return
		}
	}
	log.Printf("telemetry: unknown command 0x%02X arg %d from board %d", c.Opcode, c.Arg, board)
	d.RaiseFault(canbus.FaultUnknownCommand, uint16(c.Opcode))
}

// Counts reports emitted telemetry sets and transmitted faults.
func (d *Dispatcher) Counts() (emitted, faults uint64) { return d.emitted, d.faultsTx }
