// Copyright 2025 The ssehub Authors
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

import "github.com/spf13/viper"

// ===============================================================================
// Push Subsystem Related Config

// PushConfig defines parameters for the push connection registry
type PushConfig struct {
	// DefaultTimeout is the max lifetime of a subscription in seconds, used when a
	// subscriber does not request an explicit timeout
	DefaultTimeout int `mapstructure:"default_timeout_sec" json:"default_timeout_sec" validate:"gte=1"`
	// SendBuffer is the number of frames a subscription sink will buffer before the
	// subscriber is treated as dead
	SendBuffer int `mapstructure:"send_buffer" json:"send_buffer" validate:"gte=1"`
	// StatsReportInterval is the interval between connection statistics log entries
	// in seconds
	StatsReportInterval int `mapstructure:"stats_report_interval_sec" json:"stats_report_interval_sec" validate:"gte=1"`
}

// ===============================================================================
// Event Bus Related Config

// BusConfig defines parameters for the internal event bus
type BusConfig struct {
	// Workers is the number of listener workers consuming published events
	Workers int `mapstructure:"workers" json:"workers" validate:"gte=1"`
	// QueueDepth is the size of the bounded publish queue
	QueueDepth int `mapstructure:"queue_depth" json:"queue_depth" validate:"gte=1"`
}

// ===============================================================================
// HTTP Related Config

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

// ===============================================================================
// Complete Config

// EndpointConfig defines API endpoint config
type EndpointConfig struct {
	// PathPrefix is the end-point path prefix for the APIs
	PathPrefix string `mapstructure:"path_prefix" json:"path_prefix" validate:"required"`
}

// ServerConfig defines configuration for the notification API server
type ServerConfig struct {
	// HTTPSetting is the HTTP API / server parameters for the API server
	HTTPSetting HTTPConfig `mapstructure:"api_server" json:"api_server" validate:"required,dive"`
	// Endpoints is the API endpoint config parameters for the API server
	Endpoints EndpointConfig `mapstructure:"endpoint_config" json:"endpoint_config" validate:"required,dive"`
}

// SystemConfig defines the complete system config
type SystemConfig struct {
	// Push are the push connection registry config parameters
	Push PushConfig `mapstructure:"push" json:"push" validate:"required,dive"`
	// Bus are the internal event bus config parameters
	Bus BusConfig `mapstructure:"bus" json:"bus" validate:"required,dive"`
	// Server are the notification API server configs
	Server ServerConfig `mapstructure:"server" json:"server" validate:"required,dive"`
}

// ===============================================================================

// InstallDefaultConfigValues installs default config parameters in viper
func InstallDefaultConfigValues() {
	// Default push registry settings
	viper.SetDefault("push.default_timeout_sec", 1800)
	viper.SetDefault("push.send_buffer", 16)
	viper.SetDefault("push.stats_report_interval_sec", 30)

	// Default event bus settings
	viper.SetDefault("bus.workers", 4)
	viper.SetDefault("bus.queue_depth", 64)

	// Default server settings
	viper.SetDefault("server.endpoint_config.path_prefix", "/")
	viper.SetDefault("server.api_server.server_config.listen_on", "0.0.0.0")
	viper.SetDefault("server.api_server.server_config.listen_port", 3000)
	viper.SetDefault("server.api_server.server_config.read_timeout_sec", 60)
	viper.SetDefault("server.api_server.server_config.idle_timeout_sec", 600)
	viper.SetDefault(
		"server.api_server.logging_config.request_id_header", "Ssehub-Request-ID",
	)
	viper.SetDefault(
		"server.api_server.logging_config.do_not_log_headers", []string{
			"WWW-Authenticate", "Authorization", "Proxy-Authenticate", "Proxy-Authorization",
		},
	)
}
