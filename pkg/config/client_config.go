package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"fsgrid/pkg/utils"
)

// ClientConfig holds CLI defaults for talking to a master's admin API.
type ClientConfig struct {
	AdminAddress string   `json:"admin_address"`
	Timeout      Duration `json:"timeout,omitempty"`
	OutputFormat string   `json:"output_format,omitempty"` // styled or json
}

// GetConfigDir returns the fsgrid client configuration directory
func GetConfigDir() string {
	if dir := os.Getenv("FSGRID_CONFIG_DIR"); dir != "" {
		return dir
	}
	if xdgConfig := os.Getenv("XDG_CONFIG_HOME"); xdgConfig != "" {
		return filepath.Join(xdgConfig, "fsgrid")
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return ".fsgrid"
	}
	return filepath.Join(home, ".fsgrid")
}

func GetConfigPath() string {
	return filepath.Join(GetConfigDir(), "client.json")
}

// LoadClientConfig returns defaults when no client config exists yet.
func LoadClientConfig() (*ClientConfig, error) {
	cfg := &ClientConfig{
		AdminAddress: DefaultAdminAddress,
		Timeout:      Duration{30 * time.Second},
		OutputFormat: "styled",
	}

	data, err := os.ReadFile(GetConfigPath())
	if os.IsNotExist(err) {
		return cfg, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read client config: %w", err)
	}
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse client config: %w", err)
	}
	return cfg, nil
}

func (c *ClientConfig) Save() error {
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal client config: %w", err)
	}
	if err := utils.WriteFileAtomic(GetConfigPath(), data, 0o600); err != nil {
		return fmt.Errorf("failed to write client config: %w", err)
	}
	return nil
}

// AdminURL turns the configured address into a base URL.
func (c *ClientConfig) AdminURL() string {
	addr := c.AdminAddress
	if strings.HasPrefix(addr, "http://") || strings.HasPrefix(addr, "https://") {
		return strings.TrimSuffix(addr, "/")
	}
	if strings.HasPrefix(addr, ":") {
		addr = "localhost" + addr
	}
	return "http://" + addr
}

// expandPath expands ~ and environment variables in paths
func expandPath(path string) string {
	if path == "" {
		return path
	}
	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err == nil {
			path = filepath.Join(home, path[2:])
		}
	}
	return os.ExpandEnv(path)
}
