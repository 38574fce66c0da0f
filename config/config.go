// Package config loads the settings of a coretiming machine.
package config

import (
	"errors"
	"fmt"
	"math"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// ErrInvalidConfig is returned when a loaded configuration does not validate.
var ErrInvalidConfig = errors.New("invalid config")

// EnvPrefix is the prefix of the environment variables that override file
// settings.
const EnvPrefix = "CORETIMING_"

// Config holds every setting of a machine.
type Config struct {
	// ClockRate is the nominal emulated clock frequency in Hz.
	ClockRate uint32 `yaml:"clock_rate"`

	// Overclock multiplies ClockRate.
	Overclock float64 `yaml:"overclock"`

	// Speed is the target emulation speed. 0 runs unthrottled.
	Speed float64 `yaml:"speed"`

	SuppressPacingInterrupt bool          `yaml:"suppress_pacing_interrupt"`
	MinSleep                time.Duration `yaml:"min_sleep"`
	MaxFallback             time.Duration `yaml:"max_fallback"`
	MaxSliceLength          int64         `yaml:"max_slice_length"`

	Monitor   MonitorConfig   `yaml:"monitor"`
	Recording RecordingConfig `yaml:"recording"`
}

// MonitorConfig configures the HTTP monitor.
type MonitorConfig struct {
	Enabled     bool `yaml:"enabled"`
	Port        int  `yaml:"port"`
	OpenBrowser bool `yaml:"open_browser"`
}

// RecordingConfig configures the fired-event recorder.
type RecordingConfig struct {
	Enabled bool `yaml:"enabled"`

	// Backend is "sqlite" or "clickhouse".
	Backend   string `yaml:"backend"`
	Path      string `yaml:"path"`
	BatchSize int    `yaml:"batch_size"`

	ClickHouse ClickHouseConfig `yaml:"clickhouse"`
}

// ClickHouseConfig holds the connection settings of the ClickHouse backend.
type ClickHouseConfig struct {
	DSN      string `yaml:"dsn"`
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Database string `yaml:"database"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

// Default returns the settings of a machine running a 486 MHz core at full
// speed.
func Default() Config {
	return Config{
		ClockRate:      486000000,
		Overclock:      1,
		Speed:          1,
		MinSleep:       time.Millisecond,
		MaxFallback:    100 * time.Millisecond,
		MaxSliceLength: 20000,
		Recording: RecordingConfig{
			Backend:   "sqlite",
			BatchSize: 100000,
		},
	}
}

// EffectiveClockRate returns the clock rate with the overclock factor
// applied. It is only meaningful for a configuration that validates.
func (c Config) EffectiveClockRate() uint32 {
	return uint32(c.overclockedRate())
}

func (c Config) overclockedRate() float64 {
	return float64(c.ClockRate) * c.Overclock
}

// Validate reports the first setting that cannot be used.
func (c Config) Validate() error {
	switch {
	case c.ClockRate == 0:
		return fmt.Errorf("%w: clock_rate must be positive", ErrInvalidConfig)
	case c.Overclock <= 0:
		return fmt.Errorf("%w: overclock must be positive", ErrInvalidConfig)
	case !(c.overclockedRate() >= 1):
		return fmt.Errorf("%w: overclocked rate is below 1 Hz", ErrInvalidConfig)
	case c.overclockedRate() > math.MaxUint32:
		return fmt.Errorf("%w: overclocked rate %.0f Hz exceeds %d Hz",
			ErrInvalidConfig, c.overclockedRate(), uint32(math.MaxUint32))
	case c.Speed < 0:
		return fmt.Errorf("%w: speed must not be negative", ErrInvalidConfig)
	case c.MinSleep < 0:
		return fmt.Errorf("%w: min_sleep must not be negative", ErrInvalidConfig)
	case c.MaxFallback <= 0:
		return fmt.Errorf("%w: max_fallback must be positive", ErrInvalidConfig)
	case c.MaxSliceLength <= 0:
		return fmt.Errorf("%w: max_slice_length must be positive",
			ErrInvalidConfig)
	case c.Monitor.Port != 0 && (c.Monitor.Port <= 1000 || c.Monitor.Port > 65535):
		return fmt.Errorf("%w: monitor port %d out of range",
			ErrInvalidConfig, c.Monitor.Port)
	}

	switch c.Recording.Backend {
	case "sqlite", "clickhouse":
	default:
		return fmt.Errorf("%w: unknown recording backend %q",
			ErrInvalidConfig, c.Recording.Backend)
	}

	return nil
}

// Load reads the YAML file at path on top of the defaults, then applies
// CORETIMING_* environment variables. Variables from envFiles are loaded
// first without overriding the real environment; with no envFiles a .env in
// the working directory is used if present. An empty path skips the file.
func Load(path string, envFiles ...string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("reading config: %w", err)
		}

		err = yaml.Unmarshal(data, &cfg)
		if err != nil {
			return cfg, fmt.Errorf("parsing config %s: %w", path, err)
		}
	}

	err := loadEnvFiles(envFiles)
	if err != nil {
		return cfg, err
	}

	err = cfg.applyEnv()
	if err != nil {
		return cfg, err
	}

	return cfg, cfg.Validate()
}

func loadEnvFiles(files []string) error {
	if len(files) == 0 {
		if _, err := os.Stat(".env"); err != nil {
			return nil
		}

		files = []string{".env"}
	}

	err := godotenv.Load(files...)
	if err != nil {
		return fmt.Errorf("loading env files: %w", err)
	}

	return nil
}

type envBinding struct {
	name string
	set  func(string) error
}

func (c *Config) envBindings() []envBinding {
	return []envBinding{
		{"CLOCK_RATE", uintSetter(&c.ClockRate)},
		{"OVERCLOCK", floatSetter(&c.Overclock)},
		{"SPEED", floatSetter(&c.Speed)},
		{"SUPPRESS_PACING_INTERRUPT", boolSetter(&c.SuppressPacingInterrupt)},
		{"MIN_SLEEP", durationSetter(&c.MinSleep)},
		{"MAX_FALLBACK", durationSetter(&c.MaxFallback)},
		{"MAX_SLICE_LENGTH", int64Setter(&c.MaxSliceLength)},
		{"MONITOR", boolSetter(&c.Monitor.Enabled)},
		{"MONITOR_PORT", intSetter(&c.Monitor.Port)},
		{"MONITOR_OPEN_BROWSER", boolSetter(&c.Monitor.OpenBrowser)},
		{"RECORDING", boolSetter(&c.Recording.Enabled)},
		{"RECORDING_BACKEND", stringSetter(&c.Recording.Backend)},
		{"RECORDING_PATH", stringSetter(&c.Recording.Path)},
		{"RECORDING_BATCH_SIZE", intSetter(&c.Recording.BatchSize)},
		{"CLICKHOUSE_DSN", stringSetter(&c.Recording.ClickHouse.DSN)},
		{"CLICKHOUSE_HOST", stringSetter(&c.Recording.ClickHouse.Host)},
		{"CLICKHOUSE_PORT", intSetter(&c.Recording.ClickHouse.Port)},
		{"CLICKHOUSE_DATABASE", stringSetter(&c.Recording.ClickHouse.Database)},
		{"CLICKHOUSE_USERNAME", stringSetter(&c.Recording.ClickHouse.Username)},
		{"CLICKHOUSE_PASSWORD", stringSetter(&c.Recording.ClickHouse.Password)},
	}
}

func (c *Config) applyEnv() error {
	for _, b := range c.envBindings() {
		value, ok := os.LookupEnv(EnvPrefix + b.name)
		if !ok {
			continue
		}

		err := b.set(value)
		if err != nil {
			return fmt.Errorf("%w: %s%s=%q: %v",
				ErrInvalidConfig, EnvPrefix, b.name, value, err)
		}
	}

	return nil
}

func stringSetter(p *string) func(string) error {
	return func(v string) error {
		*p = v
		return nil
	}
}

func boolSetter(p *bool) func(string) error {
	return func(v string) error {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return err
		}

		*p = b

		return nil
	}
}

func intSetter(p *int) func(string) error {
	return func(v string) error {
		i, err := strconv.Atoi(v)
		if err != nil {
			return err
		}

		*p = i

		return nil
	}
}

func int64Setter(p *int64) func(string) error {
	return func(v string) error {
		i, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return err
		}

		*p = i

		return nil
	}
}

func uintSetter(p *uint32) func(string) error {
	return func(v string) error {
		u, err := strconv.ParseUint(v, 10, 32)
		if err != nil {
			return err
		}

		*p = uint32(u)

		return nil
	}
}

func floatSetter(p *float64) func(string) error {
	return func(v string) error {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return err
		}

		*p = f

		return nil
	}
}

func durationSetter(p *time.Duration) func(string) error {
	return func(v string) error {
		d, err := time.ParseDuration(v)
		if err != nil {
			return err
		}

		*p = d

		return nil
	}
}
