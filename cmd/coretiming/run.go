package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"time"

	"github.com/sarchlab/coretiming/config"
	"github.com/sarchlab/coretiming/simulation"
	"github.com/sarchlab/coretiming/sim/timing"
	"github.com/spf13/cobra"
	"github.com/tebeka/atexit"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the demo machine.",
	Long: "`run` runs a machine with a spinning core and periodic video and " +
		"audio interrupts until the cycle budget is spent or the process " +
		"is interrupted.",
	Run: func(cmd *cobra.Command, args []string) {
		err := runMachine(cmd)
		if err != nil {
			log.Printf("Error: %v", err)
			atexit.Exit(1)
		}

		atexit.Exit(0)
	},
}

func init() {
	flags := runCmd.Flags()
	flags.String("config", "", "YAML configuration file")
	flags.Int64("cycles", 0, "Cycles to run, 0 runs until interrupted")
	flags.Float64("speed", -1, "Emulation speed, 0 runs unthrottled")
	flags.Bool("monitor", false, "Serve the monitoring page")
	flags.Int("monitor-port", 0, "Port of the monitoring page")
	flags.String("record", "", "Record fired events into this SQLite file")
	flags.Bool("log-events", false, "Log every fired event")
	flags.String("load-state", "", "Save-state to start from")
	flags.String("save-state", "", "Save-state to write when the run ends")

	rootCmd.AddCommand(runCmd)
}

func loadConfig(cmd *cobra.Command) (config.Config, error) {
	path, _ := cmd.Flags().GetString("config")

	cfg, err := config.Load(path)
	if err != nil {
		return cfg, err
	}

	flags := cmd.Flags()

	if flags.Changed("speed") {
		cfg.Speed, _ = flags.GetFloat64("speed")
	}

	if flags.Changed("monitor") {
		cfg.Monitor.Enabled, _ = flags.GetBool("monitor")
	}

	if flags.Changed("monitor-port") {
		cfg.Monitor.Enabled = true
		cfg.Monitor.Port, _ = flags.GetInt("monitor-port")
	}

	if flags.Changed("record") {
		cfg.Recording.Enabled = true
		cfg.Recording.Backend = "sqlite"
		cfg.Recording.Path, _ = flags.GetString("record")
	}

	return cfg, cfg.Validate()
}

func runMachine(cmd *cobra.Command) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	builder := simulation.MakeBuilder().WithConfig(cfg)
	if logEvents, _ := cmd.Flags().GetBool("log-events"); logEvents {
		builder = builder.WithEventLogging()
	}

	m := builder.Build()
	defer m.Terminate()

	devices := newDemoDevices(m)

	if path, _ := cmd.Flags().GetString("load-state"); path != "" {
		err = m.LoadStateFromFile(path)
		if err != nil {
			return err
		}
	}

	m.Start()
	devices.start()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	cycles, _ := cmd.Flags().GetInt64("cycles")
	start := time.Now()

	if cycles > 0 {
		err = m.RunFor(ctx, cycles)
	} else {
		err = m.Run(ctx)
	}

	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}

	report(m, devices, time.Since(start))

	if path, _ := cmd.Flags().GetString("save-state"); path != "" {
		err = m.SaveStateToFile(path)
		if err != nil {
			return err
		}

		fmt.Fprintf(os.Stderr, "Save-state written to %s\n", path)
	}

	return nil
}

func report(m *simulation.Machine, d *demoDevices, wall time.Duration) {
	var now timing.Cycles

	m.Inspect(func(s *timing.Scheduler) {
		now = s.Ticks()
		s.LogPendingEvents()
	})

	stats := m.Stats()

	fmt.Printf("Machine %s\n", m.ID())
	fmt.Printf("  virtual time:   %d cycles (%.3fs at %d Hz)\n",
		now, float64(now)/float64(m.ClockRate()), m.ClockRate())
	fmt.Printf("  wall time:      %v\n", wall)
	fmt.Printf("  slices:         %d\n", stats.Slice+1)
	fmt.Printf("  fired events:   %d\n", stats.FiredEvents)
	fmt.Printf("  video fields:   %d (%d skipped)\n",
		d.fields, d.skippedFields)
	fmt.Printf("  audio DMA:      %d\n", d.dmaTransfers)
	fmt.Printf("  time slept:     %v\n", m.Throttle().Slept())
}
