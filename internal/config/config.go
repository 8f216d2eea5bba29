package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type BrokerConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	ClientID string `yaml:"client_id"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	QoS      byte   `yaml:"qos"`

	KeepAlive            time.Duration `yaml:"keep_alive"`
	ConnectTimeout       time.Duration `yaml:"connect_timeout"`
	ConnectRetry         bool          `yaml:"connect_retry"`
	ConnectRetryInterval time.Duration `yaml:"connect_retry_interval"`
	AutoReconnect        bool          `yaml:"auto_reconnect"`
	MaxReconnectInterval time.Duration `yaml:"max_reconnect_interval"`
}

// URL is the paho broker address for the configured host and port.
func (b BrokerConfig) URL() string {
	return fmt.Sprintf("tcp://%s:%d", b.Host, b.Port)
}

type OutputConfig struct {
	Path string `yaml:"path"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // "console" or "json"
	File   string `yaml:"file"`
}

type HTTPConfig struct {
	// Addr enables the viewer when non-empty, e.g. ":8080".
	Addr      string `yaml:"addr"`
	WebSocket bool   `yaml:"websocket"`
}

type Config struct {
	Broker    BrokerConfig  `yaml:"broker"`
	Topic     string        `yaml:"topic"`
	Output    OutputConfig  `yaml:"output"`
	QueueSize int           `yaml:"queue_size"`
	Logging   LoggingConfig `yaml:"logging"`
	HTTP      HTTPConfig    `yaml:"http"`
}

func Default() *Config {
	return &Config{
		Broker: BrokerConfig{
			Host:                 "broker.hivemq.com",
			Port:                 1883,
			KeepAlive:            60 * time.Second,
			ConnectTimeout:       30 * time.Second,
			ConnectRetryInterval: 2 * time.Second,
			AutoReconnect:        true,
			MaxReconnectInterval: 2 * time.Minute,
		},
		Topic:     "mpu6050/yourname/data",
		Output:    OutputConfig{Path: "mpu6050_log.csv"},
		QueueSize: 256,
		Logging:   LoggingConfig{Level: "info", Format: "console"},
		HTTP:      HTTPConfig{WebSocket: true},
	}
}

// Load reads a YAML file over the defaults. An empty path returns the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	var errs []error
	if c.Broker.Host == "" {
		errs = append(errs, errors.New("broker.host is required"))
	}
	if c.Broker.Port < 1 || c.Broker.Port > 65535 {
		errs = append(errs, fmt.Errorf("broker.port %d out of range", c.Broker.Port))
	}
	if c.Broker.QoS > 2 {
		errs = append(errs, fmt.Errorf("broker.qos %d must be 0, 1 or 2", c.Broker.QoS))
	}
	if c.Topic == "" {
		errs = append(errs, errors.New("topic is required"))
	} else if strings.ContainsAny(c.Topic, "#+") {
		errs = append(errs, fmt.Errorf("topic %q must not contain wildcards", c.Topic))
	}
	if c.Output.Path == "" {
		errs = append(errs, errors.New("output.path is required"))
	}
	if c.QueueSize < 1 {
		errs = append(errs, fmt.Errorf("queue_size %d must be positive", c.QueueSize))
	}
	switch c.Logging.Format {
	case "console", "json":
	default:
		errs = append(errs, fmt.Errorf("logging.format %q must be console or json", c.Logging.Format))
	}
	return errors.Join(errs...)
}
