package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config models quorum.yml.
type Config struct {
	Server struct {
		Addr     string `yaml:"addr"`
		BasePath string `yaml:"base_path"`
		// AllowActorHeader accepts X-Actor-Id when no bearer token is sent.
		AllowActorHeader bool   `yaml:"allow_actor_header"`
		JWTIssuer        string `yaml:"jwt_issuer"`
		JWTAudience      string `yaml:"jwt_audience"`
	} `yaml:"server"`
	Log struct {
		Level   string `yaml:"level"`
		Format  string `yaml:"format"`
		Service string `yaml:"service"`
	} `yaml:"log"`
	Steps struct {
		Seed []SeedStep `yaml:"seed"`
	} `yaml:"steps"`
}

// SeedStep is a step definition created when a workspace has none.
type SeedStep struct {
	Name                   string `yaml:"name"`
	MinimalRequiredPercent int    `yaml:"minimal_required_percent"`
	Default                bool   `yaml:"default"`
	Comment                string `yaml:"comment"`
}

var (
	logLevels  = []string{"trace", "debug", "info", "warn", "warning", "error", "fatal", "panic"}
	logFormats = []string{"json", "text"}
)

func oneOf(v string, allowed []string) bool {
	for _, a := range allowed {
		if v == a {
			return true
		}
	}
	return false
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Server.BasePath != "" && !strings.HasPrefix(c.Server.BasePath, "/") {
		return fmt.Errorf("config.server.base_path must start with /")
	}
	if c.Log.Level != "" && !oneOf(strings.ToLower(c.Log.Level), logLevels) {
		return fmt.Errorf("config.log.level %q is not a known level", c.Log.Level)
	}
	if c.Log.Format != "" && !oneOf(strings.ToLower(c.Log.Format), logFormats) {
		return fmt.Errorf("config.log.format must be json or text")
	}
	if len(c.Steps.Seed) == 0 {
		return fmt.Errorf("steps.seed must declare at least one step")
	}
	defaults := 0
	seen := map[string]bool{}
	for i, s := range c.Steps.Seed {
		name := strings.TrimSpace(s.Name)
		if len(name) < 3 {
			return fmt.Errorf("steps.seed[%d]: name must have at least 3 characters", i)
		}
		if seen[name] {
			return fmt.Errorf("steps.seed[%d]: duplicate name %s", i, name)
		}
		seen[name] = true
		if s.MinimalRequiredPercent < 0 || s.MinimalRequiredPercent > 100 {
			return fmt.Errorf("steps.seed[%d]: minimal_required_percent must be between 0 and 100", i)
		}
		if s.Default {
			defaults++
		}
	}
	if defaults > 1 {
		return fmt.Errorf("steps.seed declares %d defaults; at most one is allowed", defaults)
	}
	return nil
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "quorum.yml")
}

// GenerateDefault returns default config YAML.
func GenerateDefault() string {
	return defaultTemplate
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; create one with qm init", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// LoadOptional returns the default config if the file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	data, err := os.ReadFile(Path(workspace))
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// Default returns the default Config.
func Default() *Config {
	var cfg Config
	_ = yaml.NewDecoder(bytes.NewBufferString(defaultTemplate)).Decode(&cfg)
	return &cfg
}

// FromYAML parses and validates config from raw YAML bytes. Missing sections
// fall back to the defaults.
func FromYAML(data []byte) (*Config, error) {
	cfg := Default()
	seed := cfg.Steps.Seed
	cfg.Steps.Seed = nil
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if cfg.Steps.Seed == nil {
		cfg.Steps.Seed = seed
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

const defaultTemplate = `server:
  addr: 127.0.0.1:8080
  base_path: /v0
  allow_actor_header: false

log:
  level: info
  format: text
  service: quorum

steps:
  seed:
    - name: Approval
      minimal_required_percent: 100
      default: true
`
