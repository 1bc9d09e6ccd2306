package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"sync"
	"time"

	"github.com/uorocketry/phoenix/internal/canbus"
	"github.com/uorocketry/phoenix/internal/config"
	"github.com/uorocketry/phoenix/internal/fusion"
	"github.com/uorocketry/phoenix/internal/groundlink"
	"github.com/uorocketry/phoenix/internal/radio"
	"github.com/uorocketry/phoenix/internal/sched"
	"github.com/uorocketry/phoenix/internal/sensors/ms5611"
	"github.com/uorocketry/phoenix/internal/spi"
	"github.com/uorocketry/phoenix/internal/statusled"
	"github.com/uorocketry/phoenix/internal/telemetry"
)

// Task priorities. Unique by construction; the bus receive pump outranks
// everything so inbound abort commands are never starved by local work.
const (
	prioBusRx     sched.Priority = 90
	prioBusTx     sched.Priority = 80
	prioBaro      sched.Priority = 70
	prioIMU       sched.Priority = 60
	prioTelemetry sched.Priority = 50
	prioGround    sched.Priority = 40
	prioBlink     sched.Priority = 10
)

// resStore guards the telemetry latest-value store between the acquisition
// tasks and the emit task.
const resStore sched.ResourceID = "telemetry-store"

// groundBoard is the pseudo board id commands from the MQTT bridge report.
const groundBoard canbus.BoardID = 0x0F

// Heartbeat run states.
const (
	runStateBoot uint8 = iota
	runStateNominal
	runStateDegraded
)

const imuQueueDepth = 64

// Options injects hardware for tests and bench rigs. Any nil field is
// resolved from configuration (or disabled when the config leaves the
// device empty).
type Options struct {
	BaroTransport ms5611.Transport
	BusDriver     canbus.FrameDriver
	RadioWriter   io.Writer
	Ground        *groundlink.Bridge
	LEDs          *statusled.Blinker
}

// multiDownlink fans frames out to every ground-facing sink.
type multiDownlink []telemetry.Downlink

func (m multiDownlink) Send(f canbus.Frame) error {
	var first error
	for _, d := range m {
		if err := d.Send(f); err != nil && first == nil {
			first = err
		}
	}
	return first
}

type runtime struct {
	cfg config.Config

	sched  *sched.Scheduler
	bus    *canbus.Bus
	store  *telemetry.Store
	disp   *telemetry.Dispatcher
	engine *fusion.Engine
	baro   *ms5611.Device
	leds   *statusled.Blinker
	ground *groundlink.Bridge

	baroID, busTxID, busRxID sched.TaskID
	imuID, telemID, blinkID  sched.TaskID
	groundID                 sched.TaskID

	imuMu      sync.Mutex
	imuQ       []fusion.Sample
	imuDropped uint64

	shutdown func()
	closers  []io.Closer
}

func newRuntime(cfg config.Config, opts Options) (*runtime, error) {
	r := &runtime{cfg: cfg}

	drv := opts.BusDriver
	if drv == nil {
		// TODO: SocketCAN driver once the transceiver hat is specced.
		if cfg.Bus.Device != "" {
			log.Printf("bus: device %q not supported yet, using loopback", cfg.Bus.Device)
		} else {
			log.Printf("bus: no driver injected, using loopback")
		}
		drv = canbus.NewLoopback()
	}
	r.bus = canbus.NewBus(drv, canbus.BoardID(cfg.Board.ID), canbus.BusConfig{
		TxRetryLimit: cfg.Bus.TxRetryLimit,
		TxQueueDepth: cfg.Bus.TxQueueDepth,
	})

	var down multiDownlink
	if opts.RadioWriter == nil && cfg.Radio.Device != "" {
		port, err := radio.OpenSerial(cfg.Radio.Device, cfg.Radio.Baud)
		if err != nil {
			return nil, fmt.Errorf("radio %s: %w", cfg.Radio.Device, err)
		}
		r.closers = append(r.closers, port)
		opts.RadioWriter = port
	}
	if opts.RadioWriter != nil {
		down = append(down, radio.NewLink(opts.RadioWriter))
	}
	r.ground = opts.Ground
	if r.ground != nil {
		down = append(down, r.ground)
	}

	r.store = &telemetry.Store{}
	var downlink telemetry.Downlink
	if len(down) > 0 {
		downlink = down
	}
	r.disp = telemetry.NewDispatcher(r.store, r.bus, downlink, telemetry.Actions{
		SetRate:   r.setTelemetryRate,
		PowerDown: r.powerDown,
	})

	if opts.BaroTransport == nil && cfg.Baro.Device != "" {
		port, err := spi.Open(cfg.Baro.Device, uint32(cfg.Baro.SpeedHz))
		if err != nil {
			return nil, fmt.Errorf("baro %s: %w", cfg.Baro.Device, err)
		}
		r.closers = append(r.closers, port)
		opts.BaroTransport = port
	}
	if opts.BaroTransport != nil {
		osr, err := ms5611.ParseOSR(cfg.Baro.OSR)
		if err != nil {
			return nil, err
		}
		r.baro, err = ms5611.New(opts.BaroTransport, ms5611.Config{
			OSR:            osr,
			CRCRetryLimit:  cfg.Baro.CRCRetryLimit,
			ReadRetryLimit: cfg.Baro.ReadRetryLimit,
		})
		if err != nil {
			return nil, err
		}
	}

	r.engine = fusion.NewEngine(fusion.Config{
		Beta:         cfg.Fusion.Beta,
		SamplePeriod: cfg.Fusion.SamplePeriod,
	})

	r.leds = opts.LEDs
	if r.leds == nil {
		r.leds = statusled.New(cfg.LEDs)
	}

	r.sched = sched.New(sched.Config{DeadlineMissLimit: cfg.Board.DeadlineMissLimit})
	r.sched.OnFault(r.onFault)
	if err := r.registerTasks(); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *runtime) registerTasks() error {
	reg := func(id *sched.TaskID, td sched.TaskDescriptor) error {
		got, err := r.sched.Register(td)
		if err != nil {
			return err
		}
		*id = got
		return nil
	}

	if err := reg(&r.busRxID, sched.TaskDescriptor{
		Name:     "bus-rx",
		Priority: prioBusRx,
		Trigger:  sched.Periodic(r.cfg.Bus.PollInterval),
		Deadline: 2 * time.Millisecond,
		Run:      r.busRxTask,
	}); err != nil {
		return err
	}
	if err := reg(&r.busTxID, sched.TaskDescriptor{
		Name:     "bus-tx",
		Priority: prioBusTx,
		Trigger:  sched.Signal(),
		Deadline: 2 * time.Millisecond,
		Run:      r.busTxTask,
	}); err != nil {
		return err
	}
	if r.baro != nil {
		if err := reg(&r.baroID, sched.TaskDescriptor{
			Name:     "baro",
			Priority: prioBaro,
			Trigger:  sched.Signal(),
			Deadline: 2 * time.Millisecond,
			Claims:   []sched.ResourceID{resStore},
			Run:      r.baroTask,
		}); err != nil {
			return err
		}
	}
	if err := reg(&r.imuID, sched.TaskDescriptor{
		Name:     "imu-ingest",
		Priority: prioIMU,
		Trigger:  sched.Signal(),
		Deadline: 2 * time.Millisecond,
		Claims:   []sched.ResourceID{resStore},
		Run:      r.imuTask,
	}); err != nil {
		return err
	}
	if err := reg(&r.telemID, sched.TaskDescriptor{
		Name:     "telemetry",
		Priority: prioTelemetry,
		Trigger:  sched.Periodic(r.cfg.Telemetry.Period),
		Deadline: 5 * time.Millisecond,
		Claims:   []sched.ResourceID{resStore},
		Run:      r.telemetryTask,
	}); err != nil {
		return err
	}
	if r.ground != nil {
		if err := reg(&r.groundID, sched.TaskDescriptor{
			Name:     "ground-cmds",
			Priority: prioGround,
			Trigger:  sched.Periodic(100 * time.Millisecond),
			Run:      r.groundTask,
		}); err != nil {
			return err
		}
	}
	return reg(&r.blinkID, sched.TaskDescriptor{
		Name:     "blink",
		Priority: prioBlink,
		Trigger:  sched.Periodic(500 * time.Millisecond),
		Run: func(now time.Time) {
			r.leds.Tick(now)
		},
	})
}

// kickTx wakes the transmit pump after anything queued outbound frames.
func (r *runtime) kickTx() { r.sched.Fire(r.busTxID) }

func (r *runtime) busRxTask(now time.Time) {
	if n := r.disp.PumpInbound(); n > 0 {
		r.kickTx()
	}
}

func (r *runtime) busTxTask(now time.Time) {
	if err := r.bus.PumpTx(); err != nil {
		log.Printf("bus: %v", err)
	}
	if r.bus.Pending() > 0 {
		// Contention backoff: retry after the winning traffic clears.
		r.sched.Arm(r.busTxID, r.cfg.Bus.PollInterval, now)
	}
}

func (r *runtime) baroTask(now time.Time) {
	m, delay, err := r.baro.Step(now)
	if err != nil {
		log.Printf("baro: %v (state %v)", err, r.baro.State())
		if r.baro.State() == ms5611.StateFaulted {
			r.disp.RaiseFault(canbus.FaultSensorLatched, uint16(r.baro.State()))
			r.disp.SetRunState(runStateDegraded)
			r.leds.Fault()
			r.kickTx()
			return // latched; no rearm
		}
	}
	if m != nil {
		guard := r.sched.Claim(resStore)
		r.store.SetBaro(*m)
		guard.Release()
		delay = r.cfg.Baro.Period
	}
	if delay <= 0 {
		delay = time.Millisecond
	}
	r.sched.Arm(r.baroID, delay, now)
}

// OfferIMUSample queues one sample from the IMU driver goroutine. The queue
// is bounded; under overload the oldest sample is dropped, since fusion only
// needs the freshest motion data.
func (r *runtime) OfferIMUSample(s fusion.Sample) {
	r.imuMu.Lock()
	if len(r.imuQ) >= imuQueueDepth {
		r.imuQ = r.imuQ[1:]
		r.imuDropped++
	}
	r.imuQ = append(r.imuQ, s)
	r.imuMu.Unlock()
	r.sched.Fire(r.imuID)
}

func (r *runtime) imuTask(now time.Time) {
	r.imuMu.Lock()
	batch := r.imuQ
	r.imuQ = nil
	r.imuMu.Unlock()

	for _, s := range batch {
		r.engine.Ingest(s)
	}
	if len(batch) > 0 {
		guard := r.sched.Claim(resStore)
		r.store.SetAttitude(r.engine.Estimate())
		guard.Release()
	}
}

func (r *runtime) telemetryTask(now time.Time) {
	guard := r.sched.Claim(resStore)
	r.disp.Emit(now)
	guard.Release()
	r.kickTx()
}

func (r *runtime) groundTask(now time.Time) {
	cmds := r.ground.PendingCommands()
	for _, c := range cmds {
		r.disp.Handle(c, groundBoard)
	}
	if len(cmds) > 0 {
		r.kickTx()
	}
}

func (r *runtime) setTelemetryRate(period time.Duration) {
	// Clamp to the configured fast/slow band.
	if period < r.cfg.Telemetry.Period {
		period = r.cfg.Telemetry.Period
	}
	if period > r.cfg.Telemetry.RatePeriodSlow {
		period = r.cfg.Telemetry.RatePeriodSlow
	}
	if err := r.sched.SetPeriod(r.telemID, period, r.sched.Now()); err != nil {
		log.Printf("telemetry: rate change: %v", err)
	}
}

func (r *runtime) powerDown() {
	log.Printf("power down commanded")
	if r.shutdown != nil {
		r.shutdown()
	}
}

func (r *runtime) onFault(f sched.Fault) {
	log.Printf("sched: %s: task %q ran %v (budget %v)", f.Kind, f.Task, f.Elapsed, f.Budget)
	r.disp.RaiseFault(canbus.FaultDeadlineMiss, 0)
	if f.Kind == sched.FaultTaskDegraded {
		if r.baro != nil && f.Task == "baro" {
			// A stuck conversion is recoverable: force the device through
			// reset and bring the task back online.
			now := r.sched.Now()
			delay := r.baro.ForceReset(now)
			r.sched.Revive(r.baroID)
			r.sched.Arm(r.baroID, delay, now)
		} else {
			r.disp.SetRunState(runStateDegraded)
			r.leds.Fault()
		}
	}
	r.kickTx()
}

// Run starts the executor and blocks until ctx is canceled or a power-down
// command arrives.
func (r *runtime) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	r.shutdown = cancel

	now := r.sched.Now()
	if err := r.sched.Start(now); err != nil {
		return err
	}
	r.disp.Start(now)
	r.disp.ReportBoot(canbus.ResetPowerOn)
	r.disp.SetRunState(runStateNominal)
	r.kickTx()
	if r.baro != nil {
		r.sched.Fire(r.baroID)
	}

	err := r.sched.Run(ctx)
	if errors.Is(err, context.Canceled) {
		err = nil
	}
	return err
}

// Close releases hardware.
func (r *runtime) Close() {
	r.leds.Close()
	if r.ground != nil {
		r.ground.Close()
	}
	for _, c := range r.closers {
		_ = c.Close()
	}
}
