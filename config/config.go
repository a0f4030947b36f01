package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// Duration is a time.Duration read from strings such as "500ms" or "3s".
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(string(text))
	if err != nil {
		return fmt.Errorf("unable to parse duration %q: %v", text, err)
	}
	d.Duration = parsed
	return nil
}

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	return d.UnmarshalText([]byte(value.Value))
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

type StoreConfig struct {
	DatabaseURL   string   `toml:"database_url" yaml:"database_url"`
	RedisHostPort string   `toml:"redis_host_port" yaml:"redis_host_port"`
	TTL           Duration `toml:"ttl" yaml:"ttl"`
}

type MapConfig struct {
	Name     string `toml:"name" yaml:"name"`
	FullCopy bool   `toml:"full_copy" yaml:"full_copy"`
}

// NodeConfig describes one tribes node.
type NodeConfig struct {
	// Host is the routable address announced to peers; outbound IP
	// discovery fills it when empty.
	Host        string `toml:"host" yaml:"host"`
	Port        int    `toml:"port" yaml:"port"`
	Domain      string `toml:"domain" yaml:"domain"`
	MetricsPort int    `toml:"metrics_port" yaml:"metrics_port"`
	// Seeds are host:port pairs heartbeated before they are known members.
	Seeds []string `toml:"seeds" yaml:"seeds"`

	HeartbeatInterval Duration `toml:"heartbeat_interval" yaml:"heartbeat_interval"`
	MemberExpiry      Duration `toml:"member_expiry" yaml:"member_expiry"`
	SettleInterval    Duration `toml:"settle_interval" yaml:"settle_interval"`
	RpcTimeout        Duration `toml:"rpc_timeout" yaml:"rpc_timeout"`

	Store StoreConfig `toml:"store" yaml:"store"`
	Maps  []MapConfig `toml:"maps" yaml:"maps"`
}

func DefaultConfig() *NodeConfig {
	return &NodeConfig{
		Port:              4000,
		HeartbeatInterval: Duration{500 * time.Millisecond},
		MemberExpiry:      Duration{3 * time.Second},
		SettleInterval:    Duration{3 * time.Second},
		RpcTimeout:        Duration{15 * time.Second},
		Store:             StoreConfig{TTL: Duration{30 * time.Second}},
	}
}

// Load reads path as TOML or YAML, chosen by extension, on top of the
// defaults and then applies environment overrides. An empty path only
// applies the environment.
func Load(path string) (*NodeConfig, error) {
	config := DefaultConfig()
	if path != "" {
		if err := decodeFile(path, config); err != nil {
			return nil, err
		}
	}
	if err := config.ApplyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	return config, config.Validate()
}

func decodeFile(path string, config *NodeConfig) error {
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".toml":
		if _, err := toml.DecodeFile(path, config); err != nil {
			return fmt.Errorf("unable to read %s: %v", path, err)
		}
	case ".yaml", ".yml":
		data, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("unable to read %s: %v", path, err)
		}
		if err := yaml.Unmarshal(data, config); err != nil {
			return fmt.Errorf("unable to parse %s: %v", path, err)
		}
	default:
		return fmt.Errorf("unsupported config format %q", ext)
	}
	return nil
}

// ApplyEnv overrides fields from PORT, METRICS_PORT, DATABASE_URL,
// REDIS_HOST_PORT, SEEDS (comma separated) and DOMAIN.
func (c *NodeConfig) ApplyEnv(lookup func(string) (string, bool)) error {
	if v, ok := lookup("PORT"); ok && v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("unable to parse PORT: %v", err)
		}
		c.Port = port
	}
	if v, ok := lookup("METRICS_PORT"); ok && v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("unable to parse METRICS_PORT: %v", err)
		}
		c.MetricsPort = port
	}
	if v, ok := lookup("DATABASE_URL"); ok && v != "" {
		c.Store.DatabaseURL = v
	}
	if v, ok := lookup("REDIS_HOST_PORT"); ok && v != "" {
		c.Store.RedisHostPort = v
	}
	if v, ok := lookup("SEEDS"); ok && v != "" {
		c.Seeds = c.Seeds[:0]
		for _, s := range strings.Split(v, ",") {
			if s = strings.TrimSpace(s); s != "" {
				c.Seeds = append(c.Seeds, s)
			}
		}
	}
	if v, ok := lookup("DOMAIN"); ok {
		c.Domain = v
	}
	return nil
}

func (c *NodeConfig) Validate() error {
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("invalid port %d", c.Port)
	}
	if c.HeartbeatInterval.Duration <= 0 {
		return fmt.Errorf("heartbeat interval must be positive")
	}
	if c.MemberExpiry.Duration <= c.HeartbeatInterval.Duration {
		return fmt.Errorf("member expiry %v must exceed heartbeat interval %v", c.MemberExpiry, c.HeartbeatInterval)
	}
	for _, s := range c.Seeds {
		if _, _, err := SplitSeed(s); err != nil {
			return err
		}
	}
	names := make(map[string]bool, len(c.Maps))
	for _, m := range c.Maps {
		if m.Name == "" {
			return fmt.Errorf("map without a name")
		}
		if names[m.Name] {
			return fmt.Errorf("map %s configured twice", m.Name)
		}
		names[m.Name] = true
	}
	return nil
}

// SplitSeed parses a host:port seed address.
func SplitSeed(seed string) (string, int, error) {
	idx := strings.LastIndex(seed, ":")
	if idx <= 0 {
		return "", 0, fmt.Errorf("invalid seed %q: expected host:port", seed)
	}
	port, err := strconv.Atoi(seed[idx+1:])
	if err != nil {
		return "", 0, fmt.Errorf("invalid seed %q: %v", seed, err)
	}
	return seed[:idx], port, nil
}
