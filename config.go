package smudge

import (
	"time"

	"github.com/spf13/viper"

	"github.com/smudge-daq/smudge/ringbuffer"
)

// DatabaseConfig selects the optional ClickHouse activity recorder.
type DatabaseConfig struct {
	Enable bool
	Addr   string
}

// SessionConfig collects the tunable parameters of a Session. Start from
// DefaultSessionConfig or LoadSessionConfig rather than a zero value.
type SessionConfig struct {
	SampleRate     float64       // nominal per-channel sample rate (samples/s)
	Bus            string        // "usb" for real hardware, "sim" for the simulator
	QueueSize      int           // per-device, per-direction sample queue depth
	DropPolicy     string        // "oldest" keeps the newest data on overflow; "newest" keeps the oldest
	IgnoreDataflow bool          // true silences input overflow errors
	MonitorPort    int           // ZMQ PUB port for state updates; 0 disables the monitor
	PollPeriod     time.Duration // hotplug rescan interval
	Database       DatabaseConfig
}

// DefaultSessionConfig returns the built-in defaults: 100 kS/s, the real USB bus,
// one second of queue depth, newest data favored on overflow, monitor and
// database off.
func DefaultSessionConfig() SessionConfig {
	return SessionConfig{
		SampleRate: 100000.0,
		Bus:        "usb",
		QueueSize:  100000,
		DropPolicy: "oldest",
		PollPeriod: time.Second,
		Database:   DatabaseConfig{Addr: "localhost:9000"},
	}
}

// LoadSessionConfig overlays the "session" section of the viper configuration
// onto the defaults.
func LoadSessionConfig() (SessionConfig, error) {
	cfg := DefaultSessionConfig()
	if err := viper.UnmarshalKey("session", &cfg); err != nil {
		return cfg, sessionErrorf("cannot parse session configuration: %v", err)
	}
	return cfg.withDefaults(), nil
}

func (c SessionConfig) dropPolicy() ringbuffer.DropPolicy {
	if c.DropPolicy == "newest" {
		return ringbuffer.DropNewest
	}
	return ringbuffer.DropOldest
}

// withDefaults fills unset fields so a partially specified config is usable.
func (c SessionConfig) withDefaults() SessionConfig {
	def := DefaultSessionConfig()
	if c.SampleRate <= 0 {
		c.SampleRate = def.SampleRate
	}
	if c.QueueSize <= 0 {
		c.QueueSize = def.QueueSize
	}
	if c.PollPeriod <= 0 {
		c.PollPeriod = def.PollPeriod
	}
	if c.Database.Addr == "" {
		c.Database.Addr = def.Database.Addr
	}
	return c
}
