// Package config loads the process-wide configuration described in spec
// §6: the configured domain, store handles, and collection page sizes,
// read once at startup and threaded through a Context rather than reached
// via package-level state.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// PageSizes holds the per-endpoint default page sizes from spec §6.
type PageSizes struct {
	Followers int `yaml:"followers"`
	Following int `yaml:"following"`
	Outbox    int `yaml:"outbox"`
	Replies   int `yaml:"replies"`
}

// DefaultPageSizes matches the table in spec §6.
func DefaultPageSizes() PageSizes {
	return PageSizes{Followers: 12, Following: 12, Outbox: 20, Replies: 12}
}

// Conf is the on-disk YAML shape, mirroring the teacher's nested
// Config.Conf convention so a config file reads the same whether it
// configures the microblog or the federation core.
type Conf struct {
	Domain        string    `yaml:"domain"`
	Host          string    `yaml:"host"`
	HttpPort      int       `yaml:"httpPort"`
	UserDBPath    string    `yaml:"userDbPath"`
	ObjectDBPath  string    `yaml:"objectDbPath"`
	BlobRoot      string    `yaml:"blobRoot"`
	QuarantineDir string    `yaml:"quarantineDir"`
	KeyRoot       string    `yaml:"keyRoot"`
	PageSizes     PageSizes `yaml:"pageSizes"`
	WithJournald  bool      `yaml:"withJournald"`
	NodeName      string    `yaml:"nodeName"`
	NodeDesc      string    `yaml:"nodeDescription"`
}

// AppConfig wraps the loaded Conf, matching the teacher's
// *util.AppConfig / AppConfig.Conf nesting so call sites read
// conf.Conf.Domain the way they'd read conf.Conf.SslDomain there.
type AppConfig struct {
	Conf Conf
}

// Load reads and validates a YAML config file at path, filling in the
// defaults (page sizes, host, port) a production deployment would
// otherwise have to restate.
func Load(path string) (*AppConfig, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: reading %s: %w", path, err)
	}
	var c Conf
	if err := yaml.Unmarshal(raw, &c); err != nil {
		return nil, fmt.Errorf("config: parsing %s: %w", path, err)
	}
	if c.Domain == "" {
		return nil, fmt.Errorf("config: %s: domain is required", path)
	}
	if c.Host == "" {
		c.Host = "0.0.0.0"
	}
	if c.HttpPort == 0 {
		c.HttpPort = 8080
	}
	if c.UserDBPath == "" {
		c.UserDBPath = "users.db"
	}
	if c.ObjectDBPath == "" {
		c.ObjectDBPath = "objects.db"
	}
	if c.BlobRoot == "" {
		c.BlobRoot = "blobs"
	}
	if c.QuarantineDir == "" {
		c.QuarantineDir = "quarantine"
	}
	if c.KeyRoot == "" {
		c.KeyRoot = "keys"
	}
	if c.PageSizes == (PageSizes{}) {
		c.PageSizes = DefaultPageSizes()
	}
	if c.NodeName == "" {
		c.NodeName = "driftpub"
	}
	return &AppConfig{Conf: c}, nil
}
