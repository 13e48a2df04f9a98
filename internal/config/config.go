// Package config handles configuration loading, validation, and persistence
// for a Courier node.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/courier-project/courier/internal/network"
	"github.com/courier-project/courier/internal/protocol"
)

const (
	DefaultConfigDir  = "config"
	DefaultConfigFile = "config.json"
	DefaultAPIPort    = 5080
	DefaultTCPAddr    = ":20013"
	DefaultUDPAddr    = ":20014"

	// DefaultMaxMessageLength bounds inbound and outbound payloads.
	DefaultMaxMessageLength = 16 << 20
)

// Config is the root configuration structure for a Courier node.
type Config struct {
	mu   sync.RWMutex
	path string

	Node     NodeConfig          `json:"node"`
	Packet   PacketConfig        `json:"packet"`
	Messages []MessageDefinition `json:"messages"`
	API      APIConfig           `json:"api"`
	MQTT     MQTTConfig          `json:"mqtt"`
	Database DatabaseConfig      `json:"database"`
	Timers   TimerConfig         `json:"timers"`
	Logging  LoggingConfig       `json:"logging"`
}

// NodeConfig identifies the node and its listeners.
type NodeConfig struct {
	Name    string `json:"name"`
	TCPAddr string `json:"tcp_listen_addr"`
	UDPAddr string `json:"udp_listen_addr"`

	// Peers are TCP addresses dialed and kept connected.
	Peers []string `json:"peers"`

	// SendBufferSize sets SO_SNDBUF on every socket. Zero keeps the OS default.
	SendBufferSize  int `json:"send_buffer_size"`
	ReadTimeoutSec  int `json:"read_timeout_sec"`
	WaitSendTimeout int `json:"wait_send_timeout_ms"`
}

// PacketConfig is the framing policy shared by every bundle.
type PacketConfig struct {
	StreamChunkSize     int    `json:"stream_chunk_size"`
	DatagramChunkSize   int    `json:"datagram_chunk_size"`
	BlockCipherAligned  bool   `json:"block_cipher_aligned"`
	AlwaysContainLength bool   `json:"always_contain_length"`
	MaxMessageLength    uint32 `json:"max_message_length"`
}

// MessageDefinition declares one message. A length of -1 marks a variable
// length message.
type MessageDefinition struct {
	ID     uint16 `json:"id"`
	Name   string `json:"name"`
	Length int32  `json:"length"`
}

// APIConfig holds admin API settings.
type APIConfig struct {
	Enabled        bool     `json:"enabled"`
	Port           int      `json:"port"`
	Token          string   `json:"token"`
	AllowedOrigins []string `json:"allowed_origins"`
	RateLimitRPS   int      `json:"rate_limit_rps"`
}

// MQTTConfig holds MQTT telemetry settings.
type MQTTConfig struct {
	Enabled     bool   `json:"enabled"`
	BrokerURL   string `json:"broker_url"`
	Port        int    `json:"port"`
	UseTLS      bool   `json:"use_tls"`
	CAFile      string `json:"ca_file"`
	ClientID    string `json:"client_id"`
	TopicPrefix string `json:"topic_prefix"`
}

// DatabaseConfig holds the stats store settings.
type DatabaseConfig struct {
	Path          string `json:"path"`
	RetentionDays int    `json:"retention_days"`
}

// TimerConfig holds periodic task intervals.
type TimerConfig struct {
	StatsSnapshotInterval  int `json:"stats_snapshot_interval_sec"`
	ChannelCleanupInterval int `json:"channel_cleanup_interval_sec"`
	ChannelStaleTimeout    int `json:"channel_stale_timeout_sec"`
	PeerRetryInterval      int `json:"peer_retry_interval_sec"`
	StatsPruneInterval     int `json:"stats_prune_interval_sec"`
	HealthCheckInterval    int `json:"health_check_interval_sec"` // 0 disables
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `json:"level"`
	Directory  string `json:"directory"`
	MaxSizeMB  int    `json:"max_size_mb"`
	MaxBackups int    `json:"max_backups"`
	MaxAgeDays int    `json:"max_age_days"`
}

// DefaultConfig returns a configuration with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Node: NodeConfig{
			Name:            "courier",
			TCPAddr:         DefaultTCPAddr,
			UDPAddr:         DefaultUDPAddr,
			ReadTimeoutSec:  300,
			WaitSendTimeout: 10,
		},
		Packet: PacketConfig{
			StreamChunkSize:   protocol.PacketMaxSizeTCP,
			DatagramChunkSize: protocol.PacketMaxSizeUDP,
			MaxMessageLength:  DefaultMaxMessageLength,
		},
		Messages: []MessageDefinition{
			{ID: 1, Name: "heartbeat", Length: 0},
			{ID: 2, Name: "hello", Length: protocol.VariableLength},
			{ID: 3, Name: "chat", Length: protocol.VariableLength},
			{ID: 4, Name: "position", Length: 12},
		},
		API: APIConfig{
			Enabled:      true,
			Port:         DefaultAPIPort,
			RateLimitRPS: 100,
		},
		MQTT: MQTTConfig{
			BrokerURL:   "localhost",
			Port:        1883,
			TopicPrefix: "courier",
		},
		Database: DatabaseConfig{
			Path:          filepath.Join("data", "courier.db"),
			RetentionDays: 7,
		},
		Timers: TimerConfig{
			StatsSnapshotInterval:  60,
			ChannelCleanupInterval: 60,
			ChannelStaleTimeout:    600,
			PeerRetryInterval:      5,
			StatsPruneInterval:     3600,
			HealthCheckInterval:    30,
		},
		Logging: LoggingConfig{
			Level:      "info",
			Directory:  "logs",
			MaxSizeMB:  10,
			MaxBackups: 5,
			MaxAgeDays: 28,
		},
	}
}

// Load reads configuration from a JSON file.
func Load(configDir string) (*Config, error) {
	configPath := filepath.Join(configDir, DefaultConfigFile)

	data, err := os.ReadFile(configPath)
	if err != nil {
		if os.IsNotExist(err) {
			log.Info().Str("path", configPath).Msg("config file not found, creating default")
			cfg := DefaultConfig()
			cfg.path = configPath
			if saveErr := cfg.Save(); saveErr != nil {
				return nil, fmt.Errorf("failed to save default config: %w", saveErr)
			}
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config file %s: %w", configPath, err)
	}

	cfg := DefaultConfig()
	// An explicit list replaces the default messages instead of merging by index.
	cfg.Messages = nil
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", configPath, err)
	}
	if cfg.Messages == nil {
		cfg.Messages = DefaultConfig().Messages
	}

	cfg.path = configPath
	log.Info().Str("path", configPath).Msg("configuration loaded")

	// Persist fields added since the file was written.
	if saveErr := cfg.Save(); saveErr != nil {
		log.Warn().Err(saveErr).Msg("failed to re-save config with updated defaults")
	}

	return cfg, nil
}

// Save writes the current configuration to disk.
func (c *Config) Save() error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	dir := filepath.Dir(c.path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(c.path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	log.Debug().Str("path", c.path).Msg("configuration saved")
	return nil
}

// GetNode returns a copy of the node configuration.
func (c *Config) GetNode() NodeConfig {
	c.mu.RLock()
	defer c.mu.RUnlock()
	n := c.Node
	n.Peers = append([]string(nil), c.Node.Peers...)
	return n
}

// GetPacket returns a copy of the packet policy.
func (c *Config) GetPacket() PacketConfig {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.Packet
}

// SetPacket replaces the packet policy. Bundles created afterwards use it.
func (c *Config) SetPacket(p PacketConfig) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Packet = p
}

// GetMessages returns a copy of the message definitions.
func (c *Config) GetMessages() []MessageDefinition {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]MessageDefinition(nil), c.Messages...)
}

// AddMessage appends a message definition.
func (c *Config) AddMessage(m MessageDefinition) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Messages = append(c.Messages, m)
}

// GetAPI returns a copy of the API configuration.
func (c *Config) GetAPI() APIConfig {
	c.mu.RLock()
	defer c.mu.RUnlock()
	a := c.API
	a.AllowedOrigins = append([]string(nil), c.API.AllowedOrigins...)
	return a
}

// GetMQTT returns a copy of the MQTT configuration.
func (c *Config) GetMQTT() MQTTConfig {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.MQTT
}

// GetDatabase returns a copy of the database configuration.
func (c *Config) GetDatabase() DatabaseConfig {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.Database
}

// GetTimers returns a copy of the timer configuration.
func (c *Config) GetTimers() TimerConfig {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.Timers
}

// GetLogging returns a copy of the logging configuration.
func (c *Config) GetLogging() LoggingConfig {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.Logging
}

// UpdatePacketField updates a single packet policy field by its JSON key.
func (c *Config) UpdatePacketField(key string, value interface{}) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	data, _ := json.Marshal(c.Packet)
	m := make(map[string]interface{})
	json.Unmarshal(data, &m)

	if _, ok := m[key]; !ok {
		return fmt.Errorf("unknown packet field %s", key)
	}
	m[key] = value

	updated, _ := json.Marshal(m)
	var p PacketConfig
	if err := json.Unmarshal(updated, &p); err != nil {
		return fmt.Errorf("failed to update field %s: %w", key, err)
	}
	c.Packet = p
	return nil
}

// Network builds the framing configuration for the network layer. Pools are
// sized from the configured chunk sizes.
func (c *Config) Network(stats *network.Stats) network.Config {
	c.mu.RLock()
	defer c.mu.RUnlock()

	p := c.Packet
	return network.Config{
		StreamChunkSize:     p.StreamChunkSize,
		DatagramChunkSize:   p.DatagramChunkSize,
		BlockCipherAligned:  p.BlockCipherAligned,
		AlwaysContainLength: p.AlwaysContainLength,
		MaxMessageLength:    p.MaxMessageLength,
		WaitSendTimeout:     time.Duration(c.Node.WaitSendTimeout) * time.Millisecond,
		Stats:               stats,
		Pools:               network.NewPools(p.StreamChunkSize, p.DatagramChunkSize),
	}
}

// Listener returns the listener settings for addr.
func (c *Config) Listener(addr string) network.ListenerConfig {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return network.ListenerConfig{
		Addr:           addr,
		SendBufferSize: c.Node.SendBufferSize,
		ReadTimeout:    time.Duration(c.Node.ReadTimeoutSec) * time.Second,
	}
}

// Registry builds the message registry from the configured definitions.
func (c *Config) Registry() (*protocol.Registry, error) {
	defs := c.GetMessages()
	descs := make([]protocol.MessageDescriptor, 0, len(defs))
	for _, d := range defs {
		descs = append(descs, protocol.MessageDescriptor{
			ID:     protocol.MessageID(d.ID),
			Name:   d.Name,
			Length: d.Length,
		})
	}
	reg, err := protocol.NewRegistry(descs...)
	if err != nil {
		return nil, fmt.Errorf("failed to build message registry: %w", err)
	}
	return reg, nil
}

// Path returns the config file path.
func (c *Config) Path() string {
	return c.path
}
