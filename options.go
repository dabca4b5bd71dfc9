package sensorlink

import (
	"context"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// AuthStrategy acquires an authorization header value (e.g., "Basic ..." or "Bearer ...").
type AuthStrategy interface {
	AuthorizationValue() (string, error)
}

// StaticAuth implements AuthStrategy using a pre-specified token value.
type StaticAuth struct{ Value string }

func (s StaticAuth) AuthorizationValue() (string, error) { return s.Value, nil }

// Transport is an already-established, reliable, ordered channel to one
// peripheral. Bind installs the receive and disconnect callbacks; it is
// called once per session before any Send.
type Transport interface {
	Bind(receive func([]byte), disconnect func(error))
	Send(frame []byte) error
	Close() error
}

// DefinitionStore persists node definitions across sessions.
// Load returns ErrNotFound for unknown identifiers.
type DefinitionStore interface {
	Load(ctx context.Context, identifier string) (Definition, error)
	Save(ctx context.Context, identifier string, def Definition) error
}

// Options configures the engine and its outer surfaces.
type Options struct {
	Gateway   GatewayConfig   `yaml:"gateway"`
	Engine    EngineConfig    `yaml:"engine"`
	Store     StoreConfig     `yaml:"store"`
	Harvest   HarvestConfig   `yaml:"harvest"`
	Discovery DiscoveryConfig `yaml:"discovery"`
}

type GatewayConfig struct {
	URL           string        `yaml:"url"`
	DeviceID      string        `yaml:"device_id"`
	Service       string        `yaml:"service"`
	Authorization string        `yaml:"authorization"`
	DialTimeout   time.Duration `yaml:"dial_timeout"`
}

// SlotConfig mirrors the peripheral's fixed table sizes.
type SlotConfig struct {
	Filters  int `yaml:"filters"`
	Triggers int `yaml:"triggers"`
	Loggers  int `yaml:"loggers"`
}

type EngineConfig struct {
	Slots            SlotConfig    `yaml:"slots"`
	ResponseTimeout  time.Duration `yaml:"response_timeout"`
	DrainIdleTimeout time.Duration `yaml:"drain_idle_timeout"`
	QueueDepth       int           `yaml:"queue_depth"`
	Modules          []uint8       `yaml:"modules"`
}

type StoreConfig struct {
	Kind    string        `yaml:"kind"` // memory, file, nats, http
	Path    string        `yaml:"path"`
	URL     string        `yaml:"url"`
	Bucket  string        `yaml:"bucket"`
	Timeout time.Duration `yaml:"timeout"`
}

type HarvestConfig struct {
	Schedule    string   `yaml:"schedule"`
	Identifiers []string `yaml:"identifiers"`
	StopAfter   bool     `yaml:"stop_after"`
}

type DiscoveryConfig struct {
	ListenAddr string `yaml:"listen_addr"`
}

// DefaultOptions gives baseline sensible defaults for local dev.
func DefaultOptions() Options {
	opts := Options{}
	opts.Gateway = GatewayConfig{
		Service:     "sensorlink",
		DialTimeout: 10 * time.Second,
	}
	opts.Engine = EngineConfig{
		Slots: SlotConfig{
			Filters:  16,
			Triggers: 28,
			Loggers:  8,
		},
		ResponseTimeout:  5 * time.Second,
		DrainIdleTimeout: 10 * time.Second,
		QueueDepth:       64,
		Modules:          []uint8{0x01, 0x02, 0x04, 0x08, 0x09, 0x0A, 0x0B},
	}
	opts.Store = StoreConfig{
		Kind:    "memory",
		Bucket:  "sensorlink-definitions",
		Timeout: 10 * time.Second,
	}
	opts.Discovery = DiscoveryConfig{ListenAddr: ":8091"}
	return opts
}

// LoadOptions reads a YAML file over DefaultOptions.
func LoadOptions(path string) (Options, error) {
	opts := DefaultOptions()
	data, err := os.ReadFile(path)
	if err != nil {
		return opts, err
	}
	if err := yaml.Unmarshal(data, &opts); err != nil {
		return opts, fmt.Errorf("options %s: %w", path, err)
	}
	if err := opts.Validate(); err != nil {
		return opts, err
	}
	return opts, nil
}

// Validate rejects configurations the engine cannot run with.
func (o Options) Validate() error {
	s := o.Engine.Slots
	if s.Filters < 0 || s.Triggers < 0 || s.Loggers < 0 {
		return fmt.Errorf("%w: negative slot capacity", ErrInvalidParameter)
	}
	if s.Filters > int(NoSlot) || s.Triggers > int(NoSlot) || s.Loggers > int(NoSlot) {
		return fmt.Errorf("%w: slot capacity above %d", ErrInvalidParameter, NoSlot)
	}
	if o.Engine.ResponseTimeout <= 0 {
		return fmt.Errorf("%w: response_timeout must be positive", ErrInvalidParameter)
	}
	switch o.Store.Kind {
	case "", "memory", "file", "nats", "http":
	default:
		return fmt.Errorf("%w: unknown store kind %q", ErrInvalidParameter, o.Store.Kind)
	}
	return nil
}
