package config

import (
	"fmt"
	"net"
	"strings"

	"github.com/rs/zerolog"

	"github.com/courier-project/courier/internal/protocol"
)

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("config validation error [%s]: %s", e.Field, e.Message)
}

// ValidationResult holds the results of configuration validation.
type ValidationResult struct {
	Errors   []ValidationError
	Warnings []ValidationError
}

// IsValid returns true if there are no validation errors.
func (r *ValidationResult) IsValid() bool {
	return len(r.Errors) == 0
}

// AddError adds a validation error.
func (r *ValidationResult) AddError(field, message string) {
	r.Errors = append(r.Errors, ValidationError{Field: field, Message: message})
}

// AddWarning adds a validation warning.
func (r *ValidationResult) AddWarning(field, message string) {
	r.Warnings = append(r.Warnings, ValidationError{Field: field, Message: message})
}

// Validate performs comprehensive validation of the configuration.
func Validate(cfg *Config) *ValidationResult {
	cfg.mu.RLock()
	defer cfg.mu.RUnlock()

	result := &ValidationResult{}

	validateNode(&cfg.Node, result)
	validatePacket(&cfg.Packet, result)
	validateMessages(cfg.Messages, result)
	validateAPI(&cfg.API, result)
	validateMQTT(&cfg.MQTT, result)
	validateTimers(&cfg.Timers, result)
	validateLogging(&cfg.Logging, result)

	return result
}

func validateNode(node *NodeConfig, result *ValidationResult) {
	if strings.TrimSpace(node.Name) == "" {
		result.AddError("node.name", "node name is required")
	}
	if node.TCPAddr == "" && node.UDPAddr == "" {
		result.AddError("node", "at least one of tcp_listen_addr and udp_listen_addr is required")
	}
	if node.TCPAddr != "" {
		validateAddr(node.TCPAddr, "node.tcp_listen_addr", result)
	}
	if node.UDPAddr != "" {
		validateAddr(node.UDPAddr, "node.udp_listen_addr", result)
	}
	for i, peer := range node.Peers {
		field := fmt.Sprintf("node.peers[%d]", i)
		if _, _, err := net.SplitHostPort(peer); err != nil {
			result.AddError(field, fmt.Sprintf("invalid peer address %q: %v", peer, err))
		}
	}
	if node.SendBufferSize < 0 {
		result.AddError("node.send_buffer_size", "send buffer size cannot be negative")
	}
	if node.WaitSendTimeout < 1 {
		result.AddError("node.wait_send_timeout_ms", "wait send timeout must be at least 1ms")
	} else if node.WaitSendTimeout > 1000 {
		result.AddWarning("node.wait_send_timeout_ms",
			"wait send timeout above 1s can stall a send for over a minute on a full buffer")
	}
}

func validatePacket(p *PacketConfig, result *ValidationResult) {
	validateChunk(p.StreamChunkSize, protocol.PacketMaxSizeTCP, "packet.stream_chunk_size", result)
	validateChunk(p.DatagramChunkSize, protocol.PacketMaxSizeUDP, "packet.datagram_chunk_size", result)

	if p.MaxMessageLength == 0 {
		result.AddError("packet.max_message_length", "max message length must be positive")
	}
}

func validateChunk(size, mtu int, field string, result *ValidationResult) {
	// The largest message header (id, length, extended length) must fit in one packet.
	minSize := protocol.HeaderSize(true, protocol.MessageMaxSize)
	if size < minSize {
		result.AddError(field, fmt.Sprintf("chunk size %d is below the minimum of %d", size, minSize))
		return
	}
	if size > mtu {
		result.AddWarning(field,
			fmt.Sprintf("chunk size %d exceeds %d and may fragment on the wire", size, mtu))
	}
}

func validateMessages(defs []MessageDefinition, result *ValidationResult) {
	if len(defs) == 0 {
		result.AddWarning("messages", "no messages are defined, every inbound message will be rejected")
	}
	ids := make(map[uint16]bool)
	names := make(map[string]bool)
	for i, d := range defs {
		field := fmt.Sprintf("messages[%d]", i)
		if strings.TrimSpace(d.Name) == "" {
			result.AddError(field+".name", "message name is required")
		}
		if d.Length < protocol.VariableLength {
			result.AddError(field+".length", fmt.Sprintf("invalid length %d (must be -1 or positive)", d.Length))
		}
		if ids[d.ID] {
			result.AddError(field+".id", fmt.Sprintf("duplicate message id %d", d.ID))
		}
		if names[d.Name] {
			result.AddError(field+".name", fmt.Sprintf("duplicate message name %q", d.Name))
		}
		ids[d.ID] = true
		names[d.Name] = true
	}
}

func validateAPI(api *APIConfig, result *ValidationResult) {
	if !api.Enabled {
		return
	}
	validatePort(api.Port, "api.port", result)
	if api.Token == "" {
		result.AddWarning("api.token", "API token is empty, write endpoints are unauthenticated")
	}
	if api.RateLimitRPS < 1 {
		result.AddWarning("api.rate_limit_rps",
			"rate limit is disabled (0 RPS), this may expose the API to abuse")
	}
}

func validateMQTT(mqtt *MQTTConfig, result *ValidationResult) {
	if !mqtt.Enabled {
		return
	}
	if strings.TrimSpace(mqtt.BrokerURL) == "" {
		result.AddError("mqtt.broker_url", "MQTT broker URL is required when MQTT is enabled")
	}
	if mqtt.Port < 1 || mqtt.Port > 65535 {
		result.AddError("mqtt.port", "invalid MQTT port")
	}
}

func validateTimers(timers *TimerConfig, result *ValidationResult) {
	if timers.HealthCheckInterval < 0 {
		result.AddError("timers.health_check_interval_sec", "health check interval cannot be negative")
	}
	if timers.StatsSnapshotInterval < 1 {
		result.AddError("timers.stats_snapshot_interval_sec", "stats snapshot interval must be positive")
	} else if timers.StatsSnapshotInterval < 10 {
		result.AddWarning("timers.stats_snapshot_interval_sec",
			"stats snapshot interval less than 10s may grow the database quickly")
	}
	if timers.ChannelCleanupInterval < 1 {
		result.AddError("timers.channel_cleanup_interval_sec", "channel cleanup interval must be positive")
	}
	if timers.ChannelStaleTimeout < timers.ChannelCleanupInterval {
		result.AddWarning("timers.channel_stale_timeout_sec",
			"stale timeout shorter than the cleanup interval")
	}
	if timers.PeerRetryInterval < 1 {
		result.AddError("timers.peer_retry_interval_sec", "peer retry interval must be positive")
	}
}

func validateLogging(l *LoggingConfig, result *ValidationResult) {
	if _, err := zerolog.ParseLevel(l.Level); err != nil {
		result.AddError("logging.level", fmt.Sprintf("unknown log level %q", l.Level))
	}
}

func validateAddr(addr, field string, result *ValidationResult) {
	_, port, err := net.SplitHostPort(addr)
	if err != nil {
		result.AddError(field, fmt.Sprintf("invalid listen address %q: %v", addr, err))
		return
	}
	var n int
	if _, err := fmt.Sscanf(port, "%d", &n); err != nil {
		result.AddError(field, fmt.Sprintf("invalid port %q", port))
		return
	}
	// Port 0 asks the OS for an ephemeral port.
	if n != 0 {
		validatePort(n, field, result)
	}
}

func validatePort(port int, field string, result *ValidationResult) {
	if port < 1 || port > 65535 {
		result.AddError(field, fmt.Sprintf("invalid port number: %d (must be 1-65535)", port))
		return
	}
	if port < 1024 {
		result.AddWarning(field,
			fmt.Sprintf("port %d is a privileged port, may require elevated permissions", port))
	}
}

// IsPortAvailable checks if a TCP port is available for binding.
func IsPortAvailable(port int) bool {
	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
	if err != nil {
		return false
	}
	ln.Close()
	return true
}
