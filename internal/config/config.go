package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config models clubops.yml.
type Config struct {
	Club struct {
		ID   string `yaml:"id"`
		Name string `yaml:"name,omitempty"`
	} `yaml:"club"`
	Roles  map[string]Role `yaml:"roles"`
	Server struct {
		Addr             string `yaml:"addr"`
		BasePath         string `yaml:"base_path"`
		AllowActorHeader bool   `yaml:"allow_actor_header"`
	} `yaml:"server"`
	Log struct {
		Level string `yaml:"level"`
	} `yaml:"log"`
}

// Role is a named capability group. System roles cannot be removed by the
// directory; the engine treats every role name as an opaque string.
type Role struct {
	Description string   `yaml:"description,omitempty"`
	System      bool     `yaml:"system,omitempty"`
	Members     []string `yaml:"members"`
}

var logLevels = map[string]bool{"debug": true, "info": true, "warn": true, "error": true}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; create one with clubops config init --club <id>", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Club.ID) == "" {
		return fmt.Errorf("config.club.id is required")
	}
	for name, role := range c.Roles {
		if strings.TrimSpace(name) == "" {
			return fmt.Errorf("config.roles contains empty role name")
		}
		seen := map[string]bool{}
		for _, m := range role.Members {
			if strings.TrimSpace(m) == "" {
				return fmt.Errorf("role %s has empty member id", name)
			}
			if seen[m] {
				return fmt.Errorf("role %s lists member %s twice", name, m)
			}
			seen[m] = true
		}
	}
	if c.Server.BasePath != "" && !strings.HasPrefix(c.Server.BasePath, "/") {
		return fmt.Errorf("config.server.base_path must start with /")
	}
	if c.Log.Level != "" && !logLevels[strings.ToLower(c.Log.Level)] {
		return fmt.Errorf("config.log.level must be one of debug, info, warn, error")
	}
	return nil
}

// RoleNames returns role names in sorted order.
func (c *Config) RoleNames() []string {
	names := make([]string, 0, len(c.Roles))
	for name := range c.Roles {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "clubops.yml")
}

// GenerateDefault returns default config YAML.
func GenerateDefault(clubID string) string {
	return fmt.Sprintf(defaultTemplate, clubID)
}

// LoadOptional returns nil,nil if the config file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	data, err := os.ReadFile(Path(workspace))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// Default returns the default Config struct for a club.
func Default(clubID string) *Config {
	var cfg Config
	_ = yaml.NewDecoder(bytes.NewBufferString(GenerateDefault(clubID))).Decode(&cfg)
	cfg.Club.ID = clubID
	return &cfg
}

// FromYAML parses and validates config from raw YAML bytes.
func FromYAML(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

// Marshal renders cfg as YAML.
func (c *Config) Marshal() ([]byte, error) {
	return yaml.Marshal(c)
}

const defaultTemplate = `club:
  id: %s

roles:
  Coach:
    description: "Runs training and matchday squads"
    system: true
    members: []
  Kit:
    description: "Kit washing and equipment"
    system: true
    members: []
  Finance:
    description: "Subs, sponsors and match fees"
    system: true
    members: []

server:
  addr: 127.0.0.1:8080
  base_path: /v0
  allow_actor_header: false

log:
  level: info
`
