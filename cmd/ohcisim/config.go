package main

import (
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/ardnew/softohci/host/hal"
	"github.com/ardnew/softohci/host/hal/ohci"
	"github.com/ardnew/softohci/host/hal/ohci/ohcisim"
	"github.com/ardnew/softohci/pkg"
)

const (
	envPrefix      = "OHCISIM"
	configName     = "ohcisim"
	defaultArena   = 256 << 10
	defaultPeriod  = time.Millisecond
	defaultLogging = "warn"
)

// config is everything the commands read from flags, environment and the
// config file. Keys follow the mapstructure tags, so the environment
// variable for sim.ports is OHCISIM_SIM_PORTS.
type config struct {
	Sim       ohcisim.Config    `mapstructure:"sim"`
	Power     string            `mapstructure:"power"`
	Layout    ohci.LayoutConfig `mapstructure:"layout"`
	Arena     uint32            `mapstructure:"arena"`
	Lookup    string            `mapstructure:"lookup"`
	Bandwidth ohci.Bandwidth    `mapstructure:"bandwidth"`
	Host      ohci.HostOptions  `mapstructure:"host"`
	Period    time.Duration     `mapstructure:"period"`
	Endpoints []string          `mapstructure:"endpoints"`
	LogLevel  string            `mapstructure:"log_level"`
	LogFormat string            `mapstructure:"log_format"`
	LogLevels []string          `mapstructure:"log_components"`

	Run runConfig `mapstructure:"run"`
}

// runConfig tunes the workload of the run command.
type runConfig struct {
	Transfers   int           `mapstructure:"transfers"`
	Size        int           `mapstructure:"size"`
	MetricsAddr string        `mapstructure:"metrics_addr"`
	Linger      time.Duration `mapstructure:"linger"`
	CPUProfile  string        `mapstructure:"cpu_profile"`
	HeapProfile string        `mapstructure:"heap_profile"`
}

// binding ties a flag to its config key.
type binding struct {
	key, flag string
}

// addControllerFlags defines the flags shared by every command.
func addControllerFlags(fs *pflag.FlagSet) []binding {
	fs.Int("ports", ohcisim.DefaultPorts, "number of root hub ports (1-15)")
	fs.String("power", "individual", "port power switching: individual, ganged or none")
	fs.Int("packets-per-frame", ohcisim.DefaultPacketsPerFrame, "control and bulk packets the controller runs per frame")
	fs.Int("reset-frames", ohcisim.DefaultResetFrames, "frames a port reset takes")
	fs.Int("eds", 32, "endpoint descriptors in the pool")
	fs.Int("tds", 128, "transfer descriptors in the pool")
	fs.Int("copy-bufs", 8, "bounce buffers; 0 requires DMA-visible caller buffers")
	fs.Uint32("copy-buf-size", 512, "bytes per bounce buffer")
	fs.Uint32("arena", defaultArena, "bytes of simulated DMA memory")
	fs.String("lookup", ohci.LookupIndexed.String(), "retired TD lookup: indexed or scan")
	fs.Uint32("max-full", ohci.DefaultBandwidth.MaxFull, "periodic budget per frame for full-speed endpoints")
	fs.Uint32("max-low", ohci.DefaultBandwidth.MaxLow, "periodic budget per frame for low-speed endpoints")
	fs.String("log-level", defaultLogging, "log level: debug, info, warn or error")
	fs.String("log-format", "text", "log format: text or json")
	fs.StringSlice("log-components", nil, "per-component log levels, e.g. scheduler=debug")

	return []binding{
		{"sim.ports", "ports"},
		{"power", "power"},
		{"sim.packets_per_frame", "packets-per-frame"},
		{"sim.reset_frames", "reset-frames"},
		{"layout.eds", "eds"},
		{"layout.tds", "tds"},
		{"layout.copy_bufs", "copy-bufs"},
		{"layout.copy_buf_size", "copy-buf-size"},
		{"arena", "arena"},
		{"lookup", "lookup"},
		{"bandwidth.max_full", "max-full"},
		{"bandwidth.max_low", "max-low"},
		{"log_level", "log-level"},
		{"log_format", "log-format"},
		{"log_components", "log-components"},
	}
}

func bindFlags(v *viper.Viper, fs *pflag.FlagSet, bindings []binding) error {
	for _, b := range bindings {
		if err := v.BindPFlag(b.key, fs.Lookup(b.flag)); err != nil {
			return fmt.Errorf("failed to bind flag %s: %w", b.flag, err)
		}
	}
	return nil
}

// newViper returns a viper instance with the defaults that have no flag.
func newViper() *viper.Viper {
	v := viper.New()
	v.SetDefault("bandwidth.overhead_full", ohci.DefaultBandwidth.OverheadFull)
	v.SetDefault("bandwidth.overhead_low", ohci.DefaultBandwidth.OverheadLow)
	v.SetDefault("bandwidth.overhead_iso", ohci.DefaultBandwidth.OverheadIso)
	v.SetDefault("period", defaultPeriod)
	return v
}

// loadConfig reads the config file and environment on top of the bound
// flags and decodes the result.
func loadConfig(v *viper.Viper, file string) (config, error) {
	if file != "" {
		v.SetConfigFile(file)
	} else {
		v.SetConfigName(configName)
		v.AddConfigPath("/etc/ohcisim/")
		v.AddConfigPath(".")
	}
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		// A missing file is only fine when none was named.
		if file != "" || !errors.As(err, &notFound) {
			return config{}, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var c config
	if err := v.Unmarshal(&c); err != nil {
		return config{}, fmt.Errorf("failed to decode config: %w", err)
	}
	return c, nil
}

// setupLogging applies the log level, format and component overrides.
func (c config) setupLogging() error {
	level, ok := pkg.ParseLogLevel(c.LogLevel)
	if !ok {
		return fmt.Errorf("%w: log level %q", pkg.ErrInvalidParameter, c.LogLevel)
	}
	format, ok := pkg.ParseLogFormat(c.LogFormat)
	if !ok {
		return fmt.Errorf("%w: log format %q", pkg.ErrInvalidParameter, c.LogFormat)
	}
	pkg.ResetComponentLevels()
	for _, s := range c.LogLevels {
		comp, l, err := pkg.ParseComponentLevel(s)
		if err != nil {
			return err
		}
		pkg.SetComponentLevel(comp, l)
	}
	pkg.SetLogFormat(format)
	pkg.SetLogLevel(level)
	if pkg.Enabled(pkg.ComponentCLI, slog.LevelDebug) {
		pkg.LogDebug(pkg.ComponentCLI, "configuration loaded", "config", fmt.Sprintf("%+v", c))
	}
	return nil
}

// simConfig returns the controller configuration with power switching
// resolved from its name.
func (c config) simConfig() (ohcisim.Config, error) {
	s := c.Sim
	switch c.Power {
	case "", "individual":
		s.PowerSwitching = ohci.PowerIndividual
	case "ganged":
		s.PowerSwitching = ohci.PowerGanged
	case "none":
		s.NoPowerSwitching = true
	default:
		return s, fmt.Errorf("%w: power switching %q", pkg.ErrInvalidParameter, c.Power)
	}
	return s, nil
}

// newBus builds the simulated controller and its DMA memory.
func (c config) newBus() (*ohcisim.Bus, error) {
	s, err := c.simConfig()
	if err != nil {
		return nil, err
	}
	size := c.Arena
	if size == 0 {
		size = defaultArena
	}
	return ohcisim.NewBus(s, c.Layout, size)
}

// driverConfig returns a driver configuration wired to bus.
func (c config) driverConfig(bus *ohcisim.Bus, m *ohci.Metrics) (ohci.Config, error) {
	lookup, err := ohci.ParseLookupMode(c.Lookup)
	if err != nil {
		return ohci.Config{}, err
	}
	cfg := bus.DriverConfig()
	cfg.MaxEndpoints = c.Layout.EDs
	cfg.MaxTransfers = c.Layout.TDs
	cfg.Lookup = lookup
	cfg.Bandwidth = c.Bandwidth
	cfg.Metrics = m
	return cfg, nil
}

// parseEndpoint reads an endpoint argument of the form
// type:maxpacket[:interval][:speed], for example interrupt:8:10:low.
func parseEndpoint(arg string) (ohci.EndpointInfo, error) {
	info := ohci.EndpointInfo{Speed: hal.SpeedFull}
	fields := strings.Split(arg, ":")
	if len(fields) < 2 || len(fields) > 4 {
		return info, fmt.Errorf("%w: endpoint %q: want type:maxpacket[:interval][:speed]", pkg.ErrInvalidParameter, arg)
	}

	kind, err := hal.ParseTransferType(fields[0])
	if err != nil {
		return info, fmt.Errorf("%w: endpoint %q: %w", pkg.ErrInvalidParameter, arg, err)
	}
	info.Type = kind

	mps, err := strconv.ParseUint(fields[1], 10, 16)
	if err != nil {
		return info, fmt.Errorf("%w: endpoint %q: max packet size: %w", pkg.ErrInvalidParameter, arg, err)
	}
	info.MaxPacketSize = uint16(mps)

	for _, f := range fields[2:] {
		switch f {
		case "low":
			info.Speed = hal.SpeedLow
		case "full":
			info.Speed = hal.SpeedFull
		default:
			iv, err := strconv.ParseUint(f, 10, 16)
			if err != nil {
				return info, fmt.Errorf("%w: endpoint %q: interval: %w", pkg.ErrInvalidParameter, arg, err)
			}
			info.Interval = uint16(iv)
		}
	}
	return info, nil
}
