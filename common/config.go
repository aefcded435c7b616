// Copyright 2022 The beacon Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package common

import (
	"time"

	"github.com/spf13/viper"
)

// ============================================================================
// NATS

// NATSReconnectConfig NATS reconnect parameters
type NATSReconnectConfig struct {
	// MaxAttempts sets the max number of reconnect attempts (-1 is unlimited)
	MaxAttempts int `mapstructure:"max_attempts" json:"max_attempts" validate:"gte=-1"`
	// WaitInterval is the duration between reconnect attempts in seconds
	WaitInterval int `mapstructure:"wait_interval_sec" json:"wait_interval_sec" validate:"gte=1"`
}

// NATSConfig NATS client related configuration
type NATSConfig struct {
	// ServerURI is the NATS connection URI
	ServerURI string `mapstructure:"server_uri" json:"server_uri" validate:"required,uri"`
	// ConnectTimeout is the max duration for connecting to NATS server in seconds
	ConnectTimeout int `mapstructure:"connect_timeout_sec" json:"connect_timeout_sec" validate:"gte=1"`
	// Reconnect defines reconnect parameters
	Reconnect NATSReconnectConfig `mapstructure:"reconnect" json:"reconnect" validate:"required,dive"`
}

// EventRelayConfig config for sharing events between service instances through NATS
type EventRelayConfig struct {
	// NATS is the NATS client config
	NATS NATSConfig `mapstructure:"nats" json:"nats" validate:"required,dive"`
	// SubjectPrefix is the NATS subject prefix events are published under
	SubjectPrefix string `mapstructure:"subject_prefix" json:"subject_prefix" validate:"required,alphanum"`
}

// ============================================================================
// Core

// RegistryConfig client registry configuration
type RegistryConfig struct {
	// DBPath is the SQLite database file holding the client records
	DBPath string `mapstructure:"db_path" json:"db_path" validate:"required"`
	// CallTimeout is the max duration of one registry call in seconds
	CallTimeout int `mapstructure:"call_timeout_sec" json:"call_timeout_sec" validate:"gte=1"`
}

// HeartbeatConfig liveness tracking configuration
type HeartbeatConfig struct {
	// Timeout is the duration in seconds without a heartbeat before a client is
	// considered offline
	Timeout int `mapstructure:"timeout_sec" json:"timeout_sec" validate:"gte=1"`
	// CheckInterval is the interval in seconds between two timeout sweeps
	CheckInterval int `mapstructure:"check_interval_sec" json:"check_interval_sec" validate:"gte=1"`
}

// TimeoutDuration return Timeout as a time.Duration
func (c HeartbeatConfig) TimeoutDuration() time.Duration {
	return time.Second * time.Duration(c.Timeout)
}

// CheckIntervalDuration return CheckInterval as a time.Duration
func (c HeartbeatConfig) CheckIntervalDuration() time.Duration {
	return time.Second * time.Duration(c.CheckInterval)
}

// HubConfig subscriber connection hub configuration
type HubConfig struct {
	// SendTimeout is the max duration in seconds for sending one message to a subscriber
	SendTimeout int `mapstructure:"send_timeout_sec" json:"send_timeout_sec" validate:"gte=1"`
	// ReadLimit is the max size in bytes of one message from a subscriber
	ReadLimit int64 `mapstructure:"read_limit_bytes" json:"read_limit_bytes" validate:"gte=128"`
	// PingInterval is the interval in seconds between keepalive pings to a subscriber
	PingInterval int `mapstructure:"ping_interval_sec" json:"ping_interval_sec" validate:"gte=1"`
	// BroadcastQueueSize is the number of events which can be queued for fan-out
	BroadcastQueueSize int `mapstructure:"broadcast_queue_size" json:"broadcast_queue_size" validate:"gte=1"`
}

// ============================================================================
// HTTP

// HTTPServerConfig defines the HTTP server parameters
type HTTPServerConfig struct {
	// ListenOn is the interface the HTTP server will listen on
	ListenOn string `mapstructure:"listen_on" json:"listen_on" validate:"required,ip"`
	// Port is the port the HTTP server will listen on
	Port uint16 `mapstructure:"listen_port" json:"listen_port" validate:"required,gt=0,lt=65536"`
	// ReadTimeout is the maximum duration for reading the entire
	// request, including the body in seconds. A zero or negative
	// value means there will be no timeout.
	ReadTimeout int `mapstructure:"read_timeout_sec" json:"read_timeout_sec" validate:"gte=0"`
	// WriteTimeout is the maximum duration before timing out
	// writes of the response in seconds. A zero or negative value
	// means there will be no timeout.
	WriteTimeout int `mapstructure:"write_timeout_sec" json:"write_timeout_sec" validate:"gte=0"`
	// IdleTimeout is the maximum amount of time to wait for the
	// next request when keep-alives are enabled in seconds. If
	// IdleTimeout is zero, the value of ReadTimeout is used. If
	// both are zero, there is no timeout.
	IdleTimeout int `mapstructure:"idle_timeout_sec" json:"idle_timeout_sec" validate:"gte=0"`
}

// HTTPRequestLogging defines HTTP request logging parameters
type HTTPRequestLogging struct {
	// RequestIDHeader is the HTTP header containing the API request ID
	RequestIDHeader string `mapstructure:"request_id_header" json:"request_id_header"`
	// DoNotLogHeaders is the list of headers to not include in logging metadata
	DoNotLogHeaders []string `mapstructure:"do_not_log_headers" json:"do_not_log_headers"`
}

// HTTPConfig defines HTTP API / server parameters
type HTTPConfig struct {
	// Server defines HTTP server parameters
	Server HTTPServerConfig `mapstructure:"server_config" json:"server_config" validate:"required,dive"`
	// Logging defines operation logging parameters
	Logging HTTPRequestLogging `mapstructure:"logging_config" json:"logging_config" validate:"required,dive"`
}

// APIServerConfig defines the API server configuration
type APIServerConfig struct {
	// HTTPSetting is the HTTP API / server parameters
	HTTPSetting HTTPConfig `mapstructure:"http" json:"http" validate:"required,dive"`
	// PathPrefix is the end-point path prefix for the APIs
	PathPrefix string `mapstructure:"path_prefix" json:"path_prefix" validate:"required"`
}

// ============================================================================

// SystemConfig is the complete application configuration
type SystemConfig struct {
	// Registry is the client registry config
	Registry RegistryConfig `mapstructure:"registry" json:"registry" validate:"required,dive"`
	// Heartbeat is the liveness tracking config
	Heartbeat HeartbeatConfig `mapstructure:"heartbeat" json:"heartbeat" validate:"required,dive"`
	// Hub is the subscriber connection hub config
	Hub HubConfig `mapstructure:"hub" json:"hub" validate:"required,dive"`
	// API is the API server config
	API APIServerConfig `mapstructure:"api_server" json:"api_server" validate:"required,dive"`
	// Relay is the optional cross-instance event relay config
	Relay *EventRelayConfig `mapstructure:"relay,omitempty" json:"relay,omitempty" validate:"omitempty,dive"`
}

// InstallDefaultConfigValues installs default config parameters in viper
func InstallDefaultConfigValues() {
	// Default registry settings
	viper.SetDefault("registry.db_path", "beacon.db")
	viper.SetDefault("registry.call_timeout_sec", 10)

	// Default heartbeat settings
	viper.SetDefault("heartbeat.timeout_sec", 60)
	viper.SetDefault("heartbeat.check_interval_sec", 30)
	_ = viper.BindEnv("heartbeat.timeout_sec", "HEARTBEAT_TIMEOUT_SECONDS")
	_ = viper.BindEnv("heartbeat.check_interval_sec", "HEARTBEAT_CHECK_INTERVAL_SECONDS")

	// Default hub settings
	viper.SetDefault("hub.send_timeout_sec", 5)
	viper.SetDefault("hub.read_limit_bytes", 65536)
	viper.SetDefault("hub.ping_interval_sec", 30)
	viper.SetDefault("hub.broadcast_queue_size", 256)

	// Default API server settings
	viper.SetDefault("api_server.path_prefix", "/")
	viper.SetDefault("api_server.http.server_config.listen_on", "0.0.0.0")
	viper.SetDefault("api_server.http.server_config.listen_port", 8000)
	viper.SetDefault("api_server.http.server_config.read_timeout_sec", 60)
	viper.SetDefault("api_server.http.server_config.write_timeout_sec", 60)
	viper.SetDefault("api_server.http.server_config.idle_timeout_sec", 600)
	viper.SetDefault(
		"api_server.http.logging_config.request_id_header", "Beacon-Request-ID",
	)
	viper.SetDefault(
		"api_server.http.logging_config.do_not_log_headers", []string{
			"WWW-Authenticate", "Authorization", "Proxy-Authenticate", "Proxy-Authorization",
		},
	)
}

// InstallDefaultRelayConfigValues installs default event relay parameters in viper
//
// Only used when the cross-instance relay is enabled, as its presence turns the relay on.
func InstallDefaultRelayConfigValues() {
	viper.SetDefault("relay.subject_prefix", "beacon")
	viper.SetDefault("relay.nats.server_uri", "nats://127.0.0.1:4222")
	viper.SetDefault("relay.nats.connect_timeout_sec", 30)
	viper.SetDefault("relay.nats.reconnect.max_attempts", -1)
	viper.SetDefault("relay.nats.reconnect.wait_interval_sec", 15)
}
