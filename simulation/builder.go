// Package simulation assembles a machine around the virtual-time scheduler
// and drives its run loop.
package simulation

import (
	"log"
	"strconv"

	"github.com/rs/xid"
	"github.com/sarchlab/coretiming/config"
	"github.com/sarchlab/coretiming/datarecording"
	"github.com/sarchlab/coretiming/monitoring"
	"github.com/sarchlab/coretiming/sim/throttle"
	"github.com/sarchlab/coretiming/sim/timing"
)

// Builder can be used to build a machine.
type Builder struct {
	core           ExecutionCore
	throttleCfg    throttle.Config
	wallClock      throttle.WallClock
	maxSliceLength timing.Cycles
	logger         *log.Logger
	eventLogging   bool

	monitorOn   bool
	monitorPort int
	openBrowser bool

	recordingOn bool
	recorderCfg datarecording.RecorderConfig
}

// MakeBuilder creates a new builder with the default configuration.
func MakeBuilder() Builder {
	return Builder{
		logger: log.Default(),
	}.WithConfig(config.Default())
}

// WithConfig applies a loaded configuration.
func (b Builder) WithConfig(cfg config.Config) Builder {
	b.throttleCfg = throttle.Config{
		ClockRate:               cfg.EffectiveClockRate(),
		Speed:                   cfg.Speed,
		MinSleep:                cfg.MinSleep,
		MaxFallback:             cfg.MaxFallback,
		SuppressPacingInterrupt: cfg.SuppressPacingInterrupt,
	}
	b.maxSliceLength = cfg.MaxSliceLength

	b.monitorOn = cfg.Monitor.Enabled
	b.monitorPort = cfg.Monitor.Port
	b.openBrowser = cfg.Monitor.OpenBrowser

	ch := cfg.Recording.ClickHouse
	b.recordingOn = cfg.Recording.Enabled
	b.recorderCfg = datarecording.RecorderConfig{
		Type:      cfg.Recording.Backend,
		Path:      cfg.Recording.Path,
		ConnStr:   ch.DSN,
		Host:      ch.Host,
		Port:      ch.Port,
		Database:  ch.Database,
		Username:  ch.Username,
		Password:  ch.Password,
		BatchSize: cfg.Recording.BatchSize,
	}

	return b
}

// WithExecutionCore sets the core that runs between events. Without one, the
// machine uses a SpinCore.
func (b Builder) WithExecutionCore(core ExecutionCore) Builder {
	b.core = core
	return b
}

// WithClockRate sets the emulated clock rate in Hz.
func (b Builder) WithClockRate(rate uint32) Builder {
	b.throttleCfg.ClockRate = rate
	return b
}

// WithSpeed sets the emulation speed. 0 runs unthrottled.
func (b Builder) WithSpeed(speed float64) Builder {
	b.throttleCfg.Speed = speed
	return b
}

// WithMaxSliceLength caps the number of cycles the core runs between two
// advances.
func (b Builder) WithMaxSliceLength(cycles timing.Cycles) Builder {
	b.maxSliceLength = cycles
	return b
}

// WithWallClock replaces the time source of the throttle.
func (b Builder) WithWallClock(c throttle.WallClock) Builder {
	b.wallClock = c
	return b
}

// WithLogger sets the logger of the scheduler, the registry and the
// throttle.
func (b Builder) WithLogger(l *log.Logger) Builder {
	b.logger = l
	return b
}

// WithEventLogging logs every fired event.
func (b Builder) WithEventLogging() Builder {
	b.eventLogging = true
	return b
}

// WithMonitoring turns on the monitoring server.
func (b Builder) WithMonitoring() Builder {
	b.monitorOn = true
	return b
}

// WithoutMonitoring sets the machine to not use monitoring.
func (b Builder) WithoutMonitoring() Builder {
	b.monitorOn = false
	return b
}

// WithMonitorPort sets the port number for the monitoring server.
func (b Builder) WithMonitorPort(port int) Builder {
	b.monitorPort = port
	return b
}

// WithBrowser opens the monitoring page once the server runs.
func (b Builder) WithBrowser() Builder {
	b.openBrowser = true
	return b
}

// WithRecording records every fired event with the given backend.
func (b Builder) WithRecording(cfg datarecording.RecorderConfig) Builder {
	b.recordingOn = true
	b.recorderCfg = cfg

	return b
}

// WithOutputFileName records fired events into a SQLite file.
func (b Builder) WithOutputFileName(filename string) Builder {
	b.recordingOn = true
	b.recorderCfg.Type = "sqlite"
	b.recorderCfg.Path = filename

	return b
}

// WithoutRecording turns recording off.
func (b Builder) WithoutRecording() Builder {
	b.recordingOn = false
	return b
}

func (b Builder) runProperties(
	id string,
	extra map[string]string,
) map[string]string {
	props := map[string]string{
		"Machine ID": id,
		"Clock Rate": strconv.FormatUint(uint64(b.throttleCfg.ClockRate), 10),
		"Speed":      strconv.FormatFloat(b.throttleCfg.Speed, 'g', -1, 64),
	}

	for k, v := range extra {
		props[k] = v
	}

	return props
}

func (b Builder) parametersMustBeValid() {
	if !b.monitorOn && b.monitorPort != 0 {
		panic("monitor port cannot be set when monitoring is disabled")
	}

	if b.throttleCfg.ClockRate == 0 {
		panic("clock rate must be set")
	}
}

// Build builds the machine.
func (b Builder) Build() *Machine {
	b.parametersMustBeValid()

	m := &Machine{
		id:        xid.New().String(),
		logger:    b.logger,
		core:      b.core,
		clockRate: b.throttleCfg.ClockRate,
	}

	if m.core == nil {
		m.core = &SpinCore{Step: 1000}
	}

	throttleOpts := []throttle.Option{throttle.WithLogger(b.logger)}
	if b.wallClock != nil {
		throttleOpts = append(throttleOpts, throttle.WithWallClock(b.wallClock))
	}

	m.throttle = throttle.New(b.throttleCfg, throttleOpts...)

	m.registry = timing.NewRegistry(b.logger)
	m.scheduler = timing.NewScheduler(m.registry,
		timing.WithMaxSliceLength(b.maxSliceLength),
		timing.WithPacer(m.throttle),
		timing.WithExceptionChecker(m.core),
		timing.WithLogger(b.logger),
		timing.WithOwnerCheck(m.owned.Load),
	)

	if b.eventLogging {
		m.scheduler.AcceptHook(timing.NewEventLogger(b.logger))
	}

	if b.recordingOn {
		cfg := b.recorderCfg
		if cfg.Path == "" {
			cfg.Path = "coretiming_" + m.id
		}

		cfg.Properties = b.runProperties(m.id, cfg.Properties)

		m.recorder = datarecording.NewDataRecorderWithConfig(cfg)
		m.eventRecorder = datarecording.NewEventRecorder(m.recorder)
		m.scheduler.AcceptHook(m.eventRecorder)
	}

	if b.monitorOn {
		m.monitor = monitoring.NewMonitor()
		if b.monitorPort > 0 {
			m.monitor.WithPortNumber(b.monitorPort)
		}

		if b.openBrowser {
			m.monitor.WithBrowser()
		}

		m.monitor.RegisterTarget(m)
		m.scheduler.AcceptHook(m.monitor.EventHook())
		m.monitorURL = m.monitor.StartServer()
	}

	return m
}
