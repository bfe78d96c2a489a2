package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

type Mode string

const (
	ModeMaster Mode = "master"
	ModeSlave  Mode = "slave"
)

type Config struct {
	Mode    Mode          `json:"mode"`
	Master  MasterConfig  `json:"master,omitempty"`
	Slave   SlaveConfig   `json:"slave,omitempty"`
	Logging LoggingConfig `json:"logging,omitempty"`
}

type MasterConfig struct {
	ListenAddress    string   `json:"listen_address"`
	SlavesDir        string   `json:"slaves_dir"`
	AdminAddress     string   `json:"admin_address"`
	HealthAddress    string   `json:"health_address"`
	StatusTTL        Duration `json:"status_ttl"`
	VerifyInterval   Duration `json:"verify_interval"`
	HandshakeTimeout Duration `json:"handshake_timeout"`
	SnapshotPath     string   `json:"snapshot_path"`
}

type SlaveConfig struct {
	Name              string       `json:"name"`
	MasterAddress     string       `json:"master_address"`
	Roots             []string     `json:"roots"`
	PortRange         PortRange    `json:"port_range"`
	ListingCache      ListingCache `json:"listing_cache"`
	CollisionPolicy   string       `json:"collision_policy"`
	ShowHollowDirs    bool         `json:"show_hollow_dirs"`
	ReservedSpace     DataSize     `json:"reserved_space"`
	ReconnectMaxDelay Duration     `json:"reconnect_max_delay"`
}

// PortRange is the half-open range [Min, Max) of ports a slave leases from.
type PortRange struct {
	Min int `json:"min"`
	Max int `json:"max"`
}

type ListingCache struct {
	Mode string   `json:"mode"` // once, ttl or none
	TTL  Duration `json:"ttl,omitempty"`
	Size int      `json:"size,omitempty"`
}

type LoggingConfig struct {
	Level       string `json:"level,omitempty"`
	Development bool   `json:"development,omitempty"`
}

const (
	DefaultListenAddress = ":7400"
	DefaultAdminAddress  = "127.0.0.1:7401"
	DefaultHealthAddress = ":7402"
	DefaultMasterAddress = "localhost:7400"
)

func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func LoadFromEnv() (*Config, error) {
	cfg := &Config{
		Mode: Mode(getEnv("FSGRID_MODE", string(ModeMaster))),
		Logging: LoggingConfig{
			Level:       getEnv("FSGRID_LOG_LEVEL", "info"),
			Development: getEnv("FSGRID_LOG_DEVELOPMENT", "") == "true",
		},
	}

	if cfg.Mode == ModeMaster {
		cfg.Master = MasterConfig{
			ListenAddress: getEnv("FSGRID_LISTEN_ADDRESS", DefaultListenAddress),
			SlavesDir:     getEnv("FSGRID_SLAVES_DIR", "./slaves"),
			AdminAddress:  getEnv("FSGRID_ADMIN_ADDRESS", DefaultAdminAddress),
			HealthAddress: getEnv("FSGRID_HEALTH_ADDRESS", DefaultHealthAddress),
			SnapshotPath:  getEnv("FSGRID_SNAPSHOT_PATH", "./files.mlst"),
		}
		for key, dst := range map[string]*Duration{
			"FSGRID_STATUS_TTL":        &cfg.Master.StatusTTL,
			"FSGRID_VERIFY_INTERVAL":   &cfg.Master.VerifyInterval,
			"FSGRID_HANDSHAKE_TIMEOUT": &cfg.Master.HandshakeTimeout,
		} {
			if err := envDuration(key, dst); err != nil {
				return nil, err
			}
		}
	} else {
		cfg.Slave = SlaveConfig{
			Name:            getEnv("FSGRID_SLAVE_NAME", ""),
			MasterAddress:   getEnv("FSGRID_MASTER_ADDRESS", DefaultMasterAddress),
			CollisionPolicy: getEnv("FSGRID_COLLISION_POLICY", ""),
			ListingCache:    ListingCache{Mode: getEnv("FSGRID_LISTING_CACHE", "")},
		}
		if roots := os.Getenv("FSGRID_ROOTS"); roots != "" {
			// Comma-separated: /srv/disk1,/srv/disk2
			for _, root := range strings.Split(roots, ",") {
				if root = strings.TrimSpace(root); root != "" {
					cfg.Slave.Roots = append(cfg.Slave.Roots, root)
				}
			}
		}
		if reserved := os.Getenv("FSGRID_RESERVED_SPACE"); reserved != "" {
			if err := cfg.Slave.ReservedSpace.parse(reserved); err != nil {
				return nil, fmt.Errorf("invalid FSGRID_RESERVED_SPACE: %w", err)
			}
		}
		if ports := os.Getenv("FSGRID_PORT_RANGE"); ports != "" {
			// min-max, e.g. 50000-51000
			lo, hi, ok := strings.Cut(ports, "-")
			minPort, err1 := strconv.Atoi(lo)
			maxPort, err2 := strconv.Atoi(hi)
			if !ok || err1 != nil || err2 != nil {
				return nil, fmt.Errorf("invalid FSGRID_PORT_RANGE %q, want min-max", ports)
			}
			cfg.Slave.PortRange = PortRange{Min: minPort, Max: maxPort}
		}
		if err := envDuration("FSGRID_RECONNECT_MAX_DELAY", &cfg.Slave.ReconnectMaxDelay); err != nil {
			return nil, err
		}
	}

	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyDefaults fills every unset field of the active mode.
func (c *Config) ApplyDefaults() {
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}

	m := &c.Master
	if m.ListenAddress == "" {
		m.ListenAddress = DefaultListenAddress
	}
	if m.SlavesDir == "" {
		m.SlavesDir = "./slaves"
	}
	if m.AdminAddress == "" {
		m.AdminAddress = DefaultAdminAddress
	}
	if m.StatusTTL.Duration == 0 {
		m.StatusTTL.Duration = 10 * time.Second
	}
	if m.VerifyInterval.Duration == 0 {
		m.VerifyInterval.Duration = time.Minute
	}
	if m.HandshakeTimeout.Duration == 0 {
		m.HandshakeTimeout.Duration = 10 * time.Second
	}

	s := &c.Slave
	if s.MasterAddress == "" {
		s.MasterAddress = DefaultMasterAddress
	}
	if s.PortRange.Min == 0 && s.PortRange.Max == 0 {
		s.PortRange = PortRange{Min: 49152, Max: 65535}
	}
	if s.ListingCache.Mode == "" {
		s.ListingCache.Mode = "once"
	}
	if s.CollisionPolicy == "" {
		s.CollisionPolicy = "skip"
	}
	if s.ReconnectMaxDelay.Duration == 0 {
		s.ReconnectMaxDelay.Duration = 30 * time.Second
	}
	for i, root := range s.Roots {
		s.Roots[i] = expandPath(root)
	}
}

func (c *Config) Validate() error {
	switch c.Mode {
	case ModeMaster:
		return c.Master.Validate()
	case ModeSlave:
		return c.Slave.Validate()
	default:
		return fmt.Errorf("invalid mode %q (want %q or %q)", c.Mode, ModeMaster, ModeSlave)
	}
}

func (m *MasterConfig) Validate() error {
	if m.ListenAddress == "" {
		return fmt.Errorf("master.listen_address is required")
	}
	if m.SlavesDir == "" {
		return fmt.Errorf("master.slaves_dir is required")
	}
	if m.StatusTTL.Duration < 0 || m.VerifyInterval.Duration < 0 || m.HandshakeTimeout.Duration < 0 {
		return fmt.Errorf("master durations must not be negative")
	}
	return nil
}

func (s *SlaveConfig) Validate() error {
	if s.Name == "" {
		return fmt.Errorf("slave.name is required")
	}
	if len(s.Roots) == 0 {
		return fmt.Errorf("slave.roots needs at least one directory")
	}
	if s.PortRange.Min <= 0 || s.PortRange.Max <= s.PortRange.Min || s.PortRange.Max > 65536 {
		return fmt.Errorf("invalid slave.port_range [%d, %d)", s.PortRange.Min, s.PortRange.Max)
	}
	switch s.ListingCache.Mode {
	case "once", "none":
	case "ttl":
		if s.ListingCache.TTL.Duration <= 0 {
			return fmt.Errorf("slave.listing_cache.ttl is required in ttl mode")
		}
	default:
		return fmt.Errorf("invalid slave.listing_cache.mode %q (want once, ttl or none)", s.ListingCache.Mode)
	}
	switch s.CollisionPolicy {
	case "skip", "fail":
	default:
		return fmt.Errorf("invalid slave.collision_policy %q (want skip or fail)", s.CollisionPolicy)
	}
	if s.ReservedSpace < 0 {
		return fmt.Errorf("slave.reserved_space must not be negative")
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func envDuration(key string, dst *Duration) error {
	value := os.Getenv(key)
	if value == "" {
		return nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return fmt.Errorf("invalid %s: %w", key, err)
	}
	dst.Duration = d
	return nil
}
