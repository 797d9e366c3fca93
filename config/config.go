// config/config.go
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"
)

// Config holds the complete configuration for the endpoint agent.
type Config struct {
	Device       DeviceConfig       `mapstructure:"device"`
	Store        StoreConfig        `mapstructure:"store"`
	Redis        RedisConfig        `mapstructure:"redis"`
	Database     DatabaseConfig     `mapstructure:"database"`
	ServiceBus   ServiceBusConfig   `mapstructure:"service_bus"`
	Network      NetworkConfig      `mapstructure:"network"`
	Provisioning ProvisioningConfig `mapstructure:"provisioning"`
	MQTT         MQTTConfig         `mapstructure:"mqtt"`
	OTA          OTAConfig          `mapstructure:"ota"`
	Telemetry    TelemetryConfig    `mapstructure:"telemetry"`
	Startup      StartupConfig      `mapstructure:"startup"`
	BootKey      BootKeyConfig      `mapstructure:"bootkey"`
	Bus          BusConfig          `mapstructure:"bus"`
	API          APIConfig          `mapstructure:"api"`
	Logging      LoggingConfig      `mapstructure:"logging"`
	Logger       *logrus.Logger
}

// DeviceConfig identifies the product and the running image.
type DeviceConfig struct {
	ProductID       string `mapstructure:"product_id"`
	FirmwareVersion string `mapstructure:"firmware_version"`
	Board           string `mapstructure:"board"`
	MACAddress      string `mapstructure:"mac_address"`
}

// StoreConfig selects the identity store backend.
type StoreConfig struct {
	Backend     string `mapstructure:"backend"`
	Path        string `mapstructure:"path"`
	RedisPrefix string `mapstructure:"redis_prefix"`
}

// RedisConfig holds the Redis connection settings.
type RedisConfig struct {
	Addr         string        `mapstructure:"addr"`
	Password     string        `mapstructure:"password"`
	DB           int           `mapstructure:"db"`
	PoolSize     int           `mapstructure:"pool_size"`
	MinIdleConns int           `mapstructure:"min_idle_conns"`
	DialTimeout  time.Duration `mapstructure:"dial_timeout"`
}

// DatabaseConfig holds the PostgreSQL connection settings.
type DatabaseConfig struct {
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
}

// ServiceBusConfig holds the Azure Service Bus settings used to forward
// startup progress. An empty connection string disables forwarding.
type ServiceBusConfig struct {
	ConnectionString string `mapstructure:"connection_string"`
	QueueName        string `mapstructure:"queue_name"`
}

// NetworkConfig holds station attach policy.
type NetworkConfig struct {
	Interface       string        `mapstructure:"interface"`
	MaxRetries      int           `mapstructure:"max_retries"`
	RetryDelay      time.Duration `mapstructure:"retry_delay"`
	MonitorInterval time.Duration `mapstructure:"monitor_interval"`
}

// ProvisioningConfig holds settings for the configuration fetch.
type ProvisioningConfig struct {
	Timeout            time.Duration `mapstructure:"timeout"`
	InsecureSkipVerify bool          `mapstructure:"insecure_skip_verify"`
}

// MQTTConfig holds MQTT session settings. Broker address and credentials come
// from provisioning, not from here.
type MQTTConfig struct {
	KeepAlive         time.Duration `mapstructure:"keep_alive"`
	ConnectTimeout    time.Duration `mapstructure:"connect_timeout"`
	ReconnectInterval time.Duration `mapstructure:"reconnect_interval"`
	PublishTimeout    time.Duration `mapstructure:"publish_timeout"`
	QueueSize         int           `mapstructure:"queue_size"`
}

// OTAConfig holds settings for firmware self-update.
type OTAConfig struct {
	ChunkSize    int           `mapstructure:"chunk_size"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	PartitionDir string        `mapstructure:"partition_dir"`
	HeaderMagic  int           `mapstructure:"header_magic"`
	HeaderSize   int           `mapstructure:"header_size"`
}

// TelemetryConfig holds the recurring publish schedule.
type TelemetryConfig struct {
	Tick              time.Duration `mapstructure:"tick"`
	SensorInterval    time.Duration `mapstructure:"sensor_interval"`
	StatusInterval    time.Duration `mapstructure:"status_interval"`
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval"`
	SensorAttempts    int           `mapstructure:"sensor_attempts"`
	SensorRetryDelay  time.Duration `mapstructure:"sensor_retry_delay"`
	SensorReadTimeout time.Duration `mapstructure:"sensor_read_timeout"`
}

// StartupConfig holds orchestrator pacing.
type StartupConfig struct {
	StageDelay time.Duration `mapstructure:"stage_delay"`
	MQTTWait   time.Duration `mapstructure:"mqtt_wait"`
}

// BootKeyConfig holds the boot-key sampling window.
type BootKeyConfig struct {
	Window          time.Duration `mapstructure:"window"`
	SampleInterval  time.Duration `mapstructure:"sample_interval"`
	DebounceSamples int           `mapstructure:"debounce_samples"`
}

// BusConfig selects how pins are driven.
type BusConfig struct {
	Kind        string `mapstructure:"kind"`
	Port        string `mapstructure:"port"`
	Baud        int    `mapstructure:"baud"`
	URL         string `mapstructure:"url"`
	NoSSLVerify bool   `mapstructure:"no_ssl_verify"`
}

// APIConfig holds the local HTTP API settings.
type APIConfig struct {
	Address      string        `mapstructure:"address"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
}

// LoggingConfig holds logger settings.
type LoggingConfig struct {
	Level string `mapstructure:"level"`
}

// Load reads configuration from a file and environment variables.
func Load(configPath string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	v.SetEnvPrefix("ENDPOINT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	// Without a file the agent runs on defaults and ENDPOINT_* variables.
	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return &config, nil
}

// Default returns a configuration populated only with defaults.
func Default() *Config {
	v := viper.New()
	setDefaults(v)

	var config Config
	_ = v.Unmarshal(&config)
	return &config
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("device.product_id", "endpoint-std")
	v.SetDefault("device.firmware_version", "1.0.0")
	v.SetDefault("device.board", "standard")

	v.SetDefault("store.backend", "file")
	v.SetDefault("store.path", "./data/nvs.json")
	v.SetDefault("store.redis_prefix", "endpoint")

	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.pool_size", 4)
	v.SetDefault("redis.min_idle_conns", 1)
	v.SetDefault("redis.dial_timeout", "5s")

	v.SetDefault("database.max_open_conns", 4)
	v.SetDefault("database.max_idle_conns", 2)
	v.SetDefault("database.conn_max_lifetime", "5m")

	v.SetDefault("network.max_retries", 5)
	v.SetDefault("network.retry_delay", "2s")
	v.SetDefault("network.monitor_interval", "5s")

	v.SetDefault("provisioning.timeout", "15s")
	v.SetDefault("provisioning.insecure_skip_verify", true)

	v.SetDefault("mqtt.keep_alive", "90s")
	v.SetDefault("mqtt.connect_timeout", "10s")
	v.SetDefault("mqtt.reconnect_interval", "5s")
	v.SetDefault("mqtt.publish_timeout", "5s")
	v.SetDefault("mqtt.queue_size", 32)

	v.SetDefault("ota.chunk_size", 1024)
	v.SetDefault("ota.read_timeout", "30s")
	v.SetDefault("ota.partition_dir", "./data/ota")
	v.SetDefault("ota.header_magic", 0xE9)
	v.SetDefault("ota.header_size", 24)

	v.SetDefault("telemetry.tick", "5s")
	v.SetDefault("telemetry.sensor_interval", "10s")
	v.SetDefault("telemetry.status_interval", "30s")
	v.SetDefault("telemetry.heartbeat_interval", "30s")
	v.SetDefault("telemetry.sensor_attempts", 3)
	v.SetDefault("telemetry.sensor_retry_delay", "100ms")
	v.SetDefault("telemetry.sensor_read_timeout", "200ms")

	v.SetDefault("startup.stage_delay", "1500ms")
	v.SetDefault("startup.mqtt_wait", "10s")

	v.SetDefault("bootkey.window", "3s")
	v.SetDefault("bootkey.sample_interval", "100ms")
	v.SetDefault("bootkey.debounce_samples", 3)

	v.SetDefault("bus.kind", "memory")
	v.SetDefault("bus.baud", 115200)

	v.SetDefault("api.address", ":8080")
	v.SetDefault("api.read_timeout", "15s")
	v.SetDefault("api.write_timeout", "15s")

	v.SetDefault("logging.level", "info")
}
