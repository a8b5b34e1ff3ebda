// Package config handles loading and validating manager and resource
// configuration from YAML files.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/joao-brasil/xapool/pkg/resource"
	"gopkg.in/yaml.v3"
)

// ManagerConfig holds the instance-wide configuration.
type ManagerConfig struct {
	InstanceID     string        `yaml:"instance_id"`
	MetricsPort    int           `yaml:"metrics_port"`
	HealthPort     int           `yaml:"health_port"`
	ShrinkInterval time.Duration `yaml:"shrink_interval"`
	LogLevel       string        `yaml:"log_level"`
}

// RedisConfig holds the coordinator's Redis connection configuration.
type RedisConfig struct {
	Enabled           bool          `yaml:"enabled"`
	Addr              string        `yaml:"addr"`
	Password          string        `yaml:"password"`
	DB                int           `yaml:"db"`
	PoolSize          int           `yaml:"pool_size"`
	DialTimeout       time.Duration `yaml:"dial_timeout"`
	ReadTimeout       time.Duration `yaml:"read_timeout"`
	WriteTimeout      time.Duration `yaml:"write_timeout"`
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
	HeartbeatTTL      time.Duration `yaml:"heartbeat_ttl"`
}

// Config is the root configuration structure.
type Config struct {
	Manager   ManagerConfig `yaml:"manager"`
	Redis     RedisConfig   `yaml:"redis"`
	Resources []resource.Definition
}

// managerFileConfig mirrors the YAML structure for the manager config file.
type managerFileConfig struct {
	Manager ManagerConfig `yaml:"manager"`
	Redis   RedisConfig   `yaml:"redis"`
}

// resourcesFileConfig mirrors the YAML structure for the resources config file.
type resourcesFileConfig struct {
	Resources []resource.Definition `yaml:"resources"`
}

// Load reads and parses both manager and resources configuration files.
func Load(managerConfigPath, resourcesConfigPath string) (*Config, error) {
	managerData, err := os.ReadFile(managerConfigPath)
	if err != nil {
		return nil, fmt.Errorf("reading manager config %s: %w", managerConfigPath, err)
	}

	var managerFile managerFileConfig
	if err := yaml.Unmarshal(managerData, &managerFile); err != nil {
		return nil, fmt.Errorf("parsing manager config %s: %w", managerConfigPath, err)
	}

	resourcesData, err := os.ReadFile(resourcesConfigPath)
	if err != nil {
		return nil, fmt.Errorf("reading resources config %s: %w", resourcesConfigPath, err)
	}

	var resourcesFile resourcesFileConfig
	if err := yaml.Unmarshal(resourcesData, &resourcesFile); err != nil {
		return nil, fmt.Errorf("parsing resources config %s: %w", resourcesConfigPath, err)
	}

	cfg := &Config{
		Manager:   managerFile.Manager,
		Redis:     managerFile.Redis,
		Resources: resourcesFile.Resources,
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}

	cfg.applyDefaults()

	return cfg, nil
}

// validate checks mandatory fields.
func (c *Config) validate() error {
	if len(c.Resources) == 0 {
		return fmt.Errorf("at least one resource must be configured")
	}
	for i, r := range c.Resources {
		if r.UniqueName == "" {
			return fmt.Errorf("resource[%d].unique_name is required", i)
		}
		if r.Driver == "" {
			return fmt.Errorf("resource[%d].driver is required", i)
		}
		if r.DSN == "" {
			return fmt.Errorf("resource[%d].dsn is required", i)
		}
		if r.MaxPoolSize == 0 {
			return fmt.Errorf("resource[%d].max_pool_size is required", i)
		}
		if r.MinPoolSize > r.MaxPoolSize {
			return fmt.Errorf("resource[%d].min_pool_size exceeds max_pool_size", i)
		}
		switch r.DelistedReuse {
		case "", resource.DelistedReuseReenlist, resource.DelistedReusePoison:
		default:
			return fmt.Errorf("resource[%d].delisted_reuse must be %q or %q",
				i, resource.DelistedReuseReenlist, resource.DelistedReusePoison)
		}
	}
	return nil
}

// applyDefaults fills in reasonable defaults for unset optional fields.
func (c *Config) applyDefaults() {
	if c.Manager.MetricsPort == 0 {
		c.Manager.MetricsPort = 9090
	}
	if c.Manager.HealthPort == 0 {
		c.Manager.HealthPort = 8080
	}
	if c.Manager.ShrinkInterval == 0 {
		c.Manager.ShrinkInterval = 30 * time.Second
	}
	if c.Manager.LogLevel == "" {
		c.Manager.LogLevel = "info"
	}
	if c.Manager.InstanceID == "" {
		hostname, _ := os.Hostname()
		c.Manager.InstanceID = hostname
	}
	if c.Redis.Addr == "" {
		c.Redis.Addr = "redis:6379"
	}
	if c.Redis.PoolSize == 0 {
		c.Redis.PoolSize = 20
	}
	if c.Redis.DialTimeout == 0 {
		c.Redis.DialTimeout = 5 * time.Second
	}
	if c.Redis.ReadTimeout == 0 {
		c.Redis.ReadTimeout = 3 * time.Second
	}
	if c.Redis.WriteTimeout == 0 {
		c.Redis.WriteTimeout = 3 * time.Second
	}
	if c.Redis.HeartbeatInterval == 0 {
		c.Redis.HeartbeatInterval = 10 * time.Second
	}
	if c.Redis.HeartbeatTTL == 0 {
		c.Redis.HeartbeatTTL = 30 * time.Second
	}

	for i := range c.Resources {
		r := &c.Resources[i]
		if r.AcquireTimeout == 0 {
			r.AcquireTimeout = 30 * time.Second
		}
		if r.MaxIdleTime == 0 {
			r.MaxIdleTime = 5 * time.Minute
		}
		if r.ConnectionTestTimeout == 0 {
			r.ConnectionTestTimeout = 5 * time.Second
		}
		if r.DelistedReuse == "" {
			r.DelistedReuse = resource.DelistedReuseReenlist
		}
	}
}

// ResourceByName returns the definition for a given unique name.
func (c *Config) ResourceByName(name string) (*resource.Definition, bool) {
	for i := range c.Resources {
		if c.Resources[i].UniqueName == name {
			return &c.Resources[i], true
		}
	}
	return nil, false
}
