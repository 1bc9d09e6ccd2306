package main

import (
	"errors"
	"testing"
	"time"

	"github.com/uorocketry/phoenix/internal/canbus"
	"github.com/uorocketry/phoenix/internal/config"
	"github.com/uorocketry/phoenix/internal/fusion"
	"github.com/uorocketry/phoenix/internal/sensors/ms5611"
	"github.com/uorocketry/phoenix/internal/statusled"
)

// benchDriver records transmitted frames and serves injected inbound ones.
type benchDriver struct {
	sent []canbus.Frame
	rx   []canbus.Frame
}

func (d *benchDriver) Send(f canbus.Frame) error {
	data := make([]byte, len(f.Data))
	copy(data, f.Data)
	d.sent = append(d.sent, canbus.Frame{ID: f.ID, Data: data})
	return nil
}

func (d *benchDriver) TryRecv() (canbus.Frame, bool, error) {
	if len(d.rx) == 0 {
		return canbus.Frame{}, false, nil
	}
	f := d.rx[0]
	d.rx = d.rx[1:]
	return f, true, nil
}

func (d *benchDriver) inject(f canbus.Frame) { d.rx = append(d.rx, f) }

// benchBaro is a barometer transport serving the datasheet example PROM and
// ADC codes, cycling D2 then D1 forever.
type benchBaro struct {
	prom [8]uint16
	adc  []uint32
	next int
}

func newBenchBaro() *benchBaro {
	b := &benchBaro{
		prom: [8]uint16{0x3132, 40127, 36924, 23317, 23282, 33464, 28312, 0x2800},
		adc:  []uint32{8569150, 9085466}, // D2 then D1
	}
	b.prom[7] |= uint16(ms5611.CRC4(b.prom))
	return b
}

func (b *benchBaro) Command(cmd byte) error { return nil }

func (b *benchBaro) Transfer(cmd byte, n int) ([]byte, error) {
	if cmd >= 0xA0 && cmd <= 0xAE {
		w := b.prom[(cmd-0xA0)/2]
		return []byte{byte(w >> 8), byte(w)}, nil
	}
	if cmd == 0x00 {
		code := b.adc[b.next%len(b.adc)]
		b.next++
		return []byte{byte(code >> 16), byte(code >> 8), byte(code)}, nil
	}
	return nil, errors.New("unexpected transfer")
}

func benchConfig() config.Config {
	return config.Config{
		Board: config.BoardConfig{ID: 2, DeadlineMissLimit: 3},
		Bus: config.BusConfig{
			PollInterval: 5 * time.Millisecond,
			TxRetryLimit: 3,
			TxQueueDepth: 32,
		},
		Baro: config.BaroConfig{
			OSR:            4096,
			Period:         50 * time.Millisecond,
			CRCRetryLimit:  3,
			ReadRetryLimit: 3,
		},
		Fusion: config.FusionConfig{Beta: 0.1, SamplePeriod: 10 * time.Millisecond},
		Telemetry: config.TelemetryConfig{
			Period:         100 * time.Millisecond,
			RatePeriodSlow: 250 * time.Millisecond,
		},
	}
}

// bench drives the runtime on a simulated clock: time only moves when the
// harness jumps it to the next scheduler deadline.
type bench struct {
	t     *testing.T
	r     *runtime
	drv   *benchDriver
	clock time.Time
}

func newBench(t *testing.T) *bench {
	t.Helper()
	drv := &benchDriver{}
	r, err := newRuntime(benchConfig(), Options{
		BaroTransport: newBenchBaro(),
		BusDriver:     drv,
		LEDs:          statusled.NewWithLines(nil, nil),
	})
	if err != nil {
		t.Fatalf("newRuntime: %v", err)
	}

	b := &bench{t: t, r: r, drv: drv, clock: time.Unix(0, 0)}
	r.sched.Now = func() time.Time { return b.clock }

	if err := r.sched.Start(b.clock); err != nil {
		t.Fatalf("start: %v", err)
	}
	r.disp.Start(b.clock)
	r.disp.SetRunState(runStateNominal)
	r.sched.Fire(r.baroID)
	return b
}

func (b *bench) runFor(d time.Duration) {
	end := b.clock.Add(d)
	for i := 0; i < 10000; i++ {
		b.r.sched.Advance(b.clock)
		for b.r.sched.Dispatch(b.clock) {
		}
		at, ok := b.r.sched.NextDeadline()
		if !ok || at.After(end) {
			b.clock = end
			return
		}
		b.clock = at
	}
	b.t.Fatalf("simulation did not converge")
}

func (b *bench) decodeSent() []canbus.Message {
	var msgs []canbus.Message
	for _, f := range b.drv.sent {
		m, _, err := canbus.Decode(f)
		if err != nil {
			b.t.Fatalf("transmitted frame does not decode: %v", err)
		}
		msgs = append(msgs, m)
	}
	return msgs
}

func TestRuntime_BaroReachesDownlinkWithinOneCycle(t *testing.T) {
	b := newBench(t)
	b.runFor(150 * time.Millisecond)

	var sensor *canbus.SensorData
	heartbeats := 0
	for _, m := range b.decodeSent() {
		switch v := m.(type) {
		case canbus.SensorData:
			if sensor == nil {
				sensor = &v
			}
		case canbus.Heartbeat:
			heartbeats++
		}
	}
	if sensor == nil {
		t.Fatalf("no sensor data transmitted in 150ms")
	}
	if sensor.TemperatureCentiC != 2007 || sensor.PressureCentiMbar != 100009 {
		t.Fatalf("sensor data = %d/%d, want 2007/100009", sensor.TemperatureCentiC, sensor.PressureCentiMbar)
	}
	if heartbeats == 0 {
		t.Fatalf("no heartbeat transmitted")
	}
}

func TestRuntime_IMUSamplesFlowToOrientationDownlink(t *testing.T) {
	b := newBench(t)

	at := b.clock
	for i := 0; i < 20; i++ {
		at = at.Add(10 * time.Millisecond)
		b.r.OfferIMUSample(fusion.Sample{Az: 1, At: at})
	}
	b.runFor(250 * time.Millisecond)

	var got *canbus.OrientationData
	for _, m := range b.decodeSent() {
		if v, ok := m.(canbus.OrientationData); ok {
			got = &v
			break
		}
	}
	if got == nil {
		t.Fatalf("no orientation data transmitted")
	}
	if got.Quat[0] < 0.9 {
		t.Fatalf("attitude w = %v, want near identity at rest", got.Quat[0])
	}
}

func TestRuntime_RateChangeCommandSlowsTelemetry(t *testing.T) {
	b := newBench(t)

	countHeartbeats := func() int {
		n := 0
		for _, m := range b.decodeSent() {
			if _, ok := m.(canbus.Heartbeat); ok {
				n++
			}
		}
		return n
	}

	b.runFor(time.Second)
	fast := countHeartbeats()
	if fast < 8 {
		t.Fatalf("fast rate emitted %d heartbeats in 1s, want ~10", fast)
	}

	cmd, err := canbus.Encode(canbus.Command{Opcode: canbus.CmdRadioRateChange, Arg: 250}, canbus.PriorityHigh, 7)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	b.drv.inject(cmd)
	b.runFor(time.Second)

	slow := countHeartbeats() - fast
	if slow > 6 {
		t.Fatalf("slow rate emitted %d heartbeats in 1s, want ~4", slow)
	}
	if slow < 3 {
		t.Fatalf("telemetry nearly stopped after rate change: %d heartbeats", slow)
	}
}

func TestRuntime_UnknownCommandTransmitsFault(t *testing.T) {
	b := newBench(t)

	cmd, err := canbus.Encode(canbus.Command{Opcode: 0x6E}, canbus.PriorityHigh, 7)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	b.drv.inject(cmd)
	b.runFor(50 * time.Millisecond)

	for _, m := range b.decodeSent() {
		if f, ok := m.(canbus.Fault); ok {
			if f.Code != canbus.FaultUnknownCommand || f.Detail != 0x6E {
				t.Fatalf("fault = %+v", f)
			}
			return
		}
	}
	t.Fatalf("no fault transmitted for unknown command")
}

func TestRuntime_PowerDownCommandStopsRun(t *testing.T) {
	b := newBench(t)

	stopped := false
	b.r.shutdown = func() { stopped = true }

	cmd, err := canbus.Encode(canbus.Command{Opcode: canbus.CmdPowerDown}, canbus.PriorityHigh, 7)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	b.drv.inject(cmd)
	b.runFor(50 * time.Millisecond)

	if !stopped {
		t.Fatalf("power down command did not trigger shutdown")
	}
}
