package config

import (
	"fmt"
	"os"
	"time"

	"github.com/AtDexters-Lab/nexus-notify/internal/client"
	"github.com/AtDexters-Lab/nexus-notify/internal/hostnames"
	"github.com/AtDexters-Lab/nexus-notify/internal/hub"
	"github.com/AtDexters-Lab/nexus-notify/internal/iface"
	"github.com/AtDexters-Lab/nexus-notify/internal/messaging"
	"gopkg.in/yaml.v3"
)

// ServerConfig holds the notification server settings.
type ServerConfig struct {
	Port                        int    `yaml:"port"`
	AcceptTimeoutMillis         int    `yaml:"acceptTimeoutMillis"`
	WebSocketListenAddress      string `yaml:"webSocketListenAddress"`
	MetricsListenAddress        string `yaml:"metricsListenAddress"`
	PingPeriodSeconds           int    `yaml:"pingPeriodSeconds"`
	ClientReconnectWaitSeconds  int    `yaml:"clientReconnectWaitSeconds"`
	HousekeepingIntervalSeconds int    `yaml:"housekeepingIntervalSeconds"`
	StatsIntervalSeconds        int    `yaml:"statsIntervalSeconds"`
}

// ClientConfig holds the settings of processes that publish and subscribe.
type ClientConfig struct {
	// Servers lists one server, or two for the dual-path transport.
	Servers                    []string `yaml:"servers"`
	ReconnectWaitSeconds       int      `yaml:"reconnectWaitSeconds"`
	MaxQueuedWhileDisconnected int      `yaml:"maxQueuedWhileDisconnected"`
	DedupTTLSeconds            int      `yaml:"dedupTTLSeconds"`
	Compression                string   `yaml:"compression"`
}

// Config holds the entire application configuration, loaded from a YAML file.
type Config struct {
	Server ServerConfig `yaml:"server"`
	Client ClientConfig `yaml:"client"`
	Debug  bool         `yaml:"debug"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			PingPeriodSeconds:           60,
			ClientReconnectWaitSeconds:  60,
			HousekeepingIntervalSeconds: 10,
			StatsIntervalSeconds:        600,
		},
		Client: ClientConfig{
			ReconnectWaitSeconds:       60,
			MaxQueuedWhileDisconnected: 100,
			DedupTTLSeconds:            300,
			Compression:                "none",
		},
	}
}

func seconds(n int) time.Duration { return time.Duration(n) * time.Second }

// AcceptTimeout returns the accept polling interval as a time.Duration.
func (s ServerConfig) AcceptTimeout() time.Duration {
	return time.Duration(s.AcceptTimeoutMillis) * time.Millisecond
}

// PingPeriod returns the server ping period as a time.Duration.
func (s ServerConfig) PingPeriod() time.Duration { return seconds(s.PingPeriodSeconds) }

// ClientReconnectWait returns the reconnect delay assumed for clients.
func (s ServerConfig) ClientReconnectWait() time.Duration {
	return seconds(s.ClientReconnectWaitSeconds)
}

// HousekeepingInterval returns the registry eviction period as a time.Duration.
func (s ServerConfig) HousekeepingInterval() time.Duration {
	return seconds(s.HousekeepingIntervalSeconds)
}

// StatsInterval returns the stats logging period as a time.Duration.
func (s ServerConfig) StatsInterval() time.Duration { return seconds(s.StatsIntervalSeconds) }

// ReconnectWait returns the client reconnect delay as a time.Duration.
func (c ClientConfig) ReconnectWait() time.Duration { return seconds(c.ReconnectWaitSeconds) }

// DedupTTL returns how long the dual-path transport remembers messages.
func (c ClientConfig) DedupTTL() time.Duration { return seconds(c.DedupTTLSeconds) }

// HubOptions maps the server section onto hub.Options.
func (c *Config) HubOptions() hub.Options {
	opts := hub.DefaultOptions(c.Server.Port)
	opts.AcceptTimeout = c.Server.AcceptTimeout()
	opts.WebSocketListenAddress = c.Server.WebSocketListenAddress
	opts.MetricsListenAddress = c.Server.MetricsListenAddress
	if c.Server.PingPeriodSeconds > 0 {
		opts.PingPeriod = c.Server.PingPeriod()
	}
	if c.Server.ClientReconnectWaitSeconds > 0 {
		opts.ReconnectWait = c.Server.ClientReconnectWait()
	}
	if c.Server.HousekeepingIntervalSeconds > 0 {
		opts.HousekeepingInterval = c.Server.HousekeepingInterval()
	}
	if c.Server.StatsIntervalSeconds > 0 {
		opts.StatsInterval = c.Server.StatsInterval()
	}
	return opts
}

// ClientOptions maps the client section onto client.Options.
func (c *Config) ClientOptions() client.Options {
	return client.Options{
		ReconnectWait:              c.Client.ReconnectWait(),
		MaxQueuedWhileDisconnected: c.Client.MaxQueuedWhileDisconnected,
	}
}

// NewTransport builds a single client for one configured server or the
// dual-path transport for two.
func (c *Config) NewTransport(h iface.MessageHandler) iface.Notifier {
	servers := c.Client.Servers
	if len(servers) == 2 {
		return client.NewDual(servers[0], servers[1], h, c.ClientOptions(), c.Client.DedupTTL())
	}
	return client.New(servers[0], h, c.ClientOptions())
}

// NewMessagingFactory builds an adapter factory over the configured transport.
func (c *Config) NewMessagingFactory() (*messaging.Factory, error) {
	if len(c.Client.Servers) == 0 {
		return nil, fmt.Errorf("client.servers must be set to use messaging")
	}
	codec, err := messaging.ParseCodec(c.Client.Compression)
	if err != nil {
		return nil, err
	}
	return messaging.NewFactory(c.NewTransport, codec), nil
}

// validate performs comprehensive validation of the loaded configuration and
// normalizes the configured server addresses.
func (c *Config) validate() error {
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port %d is out of range", c.Server.Port)
	}
	for name, v := range map[string]int{
		"server.acceptTimeoutMillis":         c.Server.AcceptTimeoutMillis,
		"server.pingPeriodSeconds":           c.Server.PingPeriodSeconds,
		"server.clientReconnectWaitSeconds":  c.Server.ClientReconnectWaitSeconds,
		"server.housekeepingIntervalSeconds": c.Server.HousekeepingIntervalSeconds,
		"server.statsIntervalSeconds":        c.Server.StatsIntervalSeconds,
		"client.reconnectWaitSeconds":        c.Client.ReconnectWaitSeconds,
		"client.maxQueuedWhileDisconnected":  c.Client.MaxQueuedWhileDisconnected,
		"client.dedupTTLSeconds":             c.Client.DedupTTLSeconds,
	} {
		if v < 0 {
			return fmt.Errorf("%s cannot be negative", name)
		}
	}

	if len(c.Client.Servers) > 2 {
		return fmt.Errorf("client.servers lists %d servers; at most two are supported", len(c.Client.Servers))
	}
	for i, s := range c.Client.Servers {
		addr, err := hostnames.NormalizeAddress(s)
		if err != nil {
			return fmt.Errorf("client.servers[%d]: %w", i, err)
		}
		c.Client.Servers[i] = addr
	}
	if len(c.Client.Servers) == 2 && c.Client.Servers[0] == c.Client.Servers[1] {
		return fmt.Errorf("client.servers must name two different servers")
	}
	if _, err := messaging.ParseCodec(c.Client.Compression); err != nil {
		return fmt.Errorf("client.compression: %w", err)
	}
	return nil
}

// Validate checks a configuration that was built in code rather than loaded.
func (c *Config) Validate() error {
	if err := c.validate(); err != nil {
		return fmt.Errorf("config validation failed: %w", err)
	}
	return nil
}

// LoadConfig reads the configuration from the given file path, unmarshals it
// over the defaults, and performs validation.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file at %s: %w", path, err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal yaml from %s: %w", path, err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}
