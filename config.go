package kviews

import (
	"log/slog"
	"time"
)

// Option is a function that configures a Controller
type Option func(*Controller)

// Durability decides where base tables keep their rows.
type Durability int

const (
	// DurabilityMemoryOnly keeps base tables in memory.
	DurabilityMemoryOnly Durability = iota
	// DurabilityPermanent keeps base tables in Pebble below the state
	// directory across restarts.
	DurabilityPermanent
	// DurabilityDeleteOnExit keeps base tables in Pebble and removes the
	// directory on Close.
	DurabilityDeleteOnExit
)

func (d Durability) String() string {
	switch d {
	case DurabilityMemoryOnly:
		return "memory-only"
	case DurabilityPermanent:
		return "permanent"
	case DurabilityDeleteOnExit:
		return "delete-on-exit"
	default:
		return "unknown"
	}
}

const (
	DefaultQueueCapacity    = 1024
	DefaultReplayTimeout    = 5 * time.Second
	DefaultReadTimeout      = 10 * time.Second
	DefaultMigrationTimeout = time.Minute
	DefaultShutdownTimeout  = 30 * time.Second
	DefaultTickInterval     = 100 * time.Millisecond
)

// WithLog sets the logger for the controller
var WithLog = func(log *slog.Logger) Option {
	return func(c *Controller) {
		c.log = log
	}
}

// WithStateDir sets the directory durable base tables and the changelog
// checkpoint are kept in
var WithStateDir = func(stateDir string) Option {
	return func(c *Controller) {
		c.stateDir = stateDir
	}
}

// WithDurability sets how base tables are stored. Without a state directory
// DurabilityDeleteOnExit uses a temporary one.
var WithDurability = func(d Durability) Option {
	return func(c *Controller) {
		c.durability = d
	}
}

// WithPartial enables partial materialization. Enabled by default.
var WithPartial = func(enabled bool) Option {
	return func(c *Controller) {
		c.partial = enabled
	}
}

// WithQueueCapacity sets how many data packets a domain buffers per sender
var WithQueueCapacity = func(n int) Option {
	return func(c *Controller) {
		c.queueCapacity = n
	}
}

// WithReplayTimeout sets how long a replay may be outstanding
var WithReplayTimeout = func(timeout time.Duration) Option {
	return func(c *Controller) {
		c.replayTimeout = timeout
	}
}

// WithReadTimeout bounds Read, including retries
var WithReadTimeout = func(timeout time.Duration) Option {
	return func(c *Controller) {
		c.readTimeout = timeout
	}
}

// WithMigrationTimeout bounds the execution of a migration
var WithMigrationTimeout = func(timeout time.Duration) Option {
	return func(c *Controller) {
		c.migrationTimeout = timeout
	}
}

// WithShutdownTimeout bounds Close
var WithShutdownTimeout = func(timeout time.Duration) Option {
	return func(c *Controller) {
		c.shutdownTimeout = timeout
	}
}

// WithTickInterval sets how often domains expire replays
var WithTickInterval = func(interval time.Duration) Option {
	return func(c *Controller) {
		c.tickInterval = interval
	}
}

// WithChangelog logs every write to topic on the given Kafka brokers and
// restores base tables from it on Start. An empty topic uses the default.
var WithChangelog = func(brokers []string, topic string) Option {
	return func(c *Controller) {
		c.brokers = brokers
		c.changelogTopic = topic
	}
}

// WithMigration runs fn as the first migration during Start, before the
// changelog is restored.
var WithMigration = func(fn func(*Migration) error) Option {
	return func(c *Controller) {
		c.initial = append(c.initial, fn)
	}
}

// NullWriter is a writer that discards all data
type NullWriter struct{}

func (NullWriter) Write([]byte) (int, error) { return 0, nil }

// NullLogger creates a logger that discards all output
func NullLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(NullWriter{}, nil))
}
