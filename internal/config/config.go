package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	defaultPort          = 8080
	defaultDataDir       = "data"
	defaultBatchSize     = 100
	defaultTokenTTL      = 24 * time.Hour
	defaultTaskTTL       = 24 * time.Hour
	defaultSweepInterval = time.Hour
)

// Role is one entry of the role catalog the host site knows about.
type Role struct {
	Slug string `yaml:"slug" json:"slug"`
	Name string `yaml:"name" json:"name"`
}

// Roots are the content directories an export can include.
type Roots struct {
	Themes  string `yaml:"themes"`
	Plugins string `yaml:"plugins"`
	Uploads string `yaml:"uploads"`
}

// Auth carries the token-signing settings.
type Auth struct {
	JWTSecret string        `yaml:"jwt_secret"`
	TokenTTL  time.Duration `yaml:"token_ttl"`
}

// Config describes runtime configuration for the service.
type Config struct {
	Port          int           `yaml:"port"`
	DataDir       string        `yaml:"data_dir"`
	BatchSize     int           `yaml:"batch_size"`
	Roots         Roots         `yaml:"roots"`
	Auth          Auth          `yaml:"auth"`
	TaskTTL       time.Duration `yaml:"task_ttl"`
	SweepInterval time.Duration `yaml:"sweep_interval"`
	Roles         []Role        `yaml:"roles"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Port:      defaultPort,
		DataDir:   defaultDataDir,
		BatchSize: defaultBatchSize,
		Roots: Roots{
			Themes:  "content/themes",
			Plugins: "content/plugins",
			Uploads: "content/uploads",
		},
		Auth:          Auth{TokenTTL: defaultTokenTTL},
		TaskTTL:       defaultTaskTTL,
		SweepInterval: defaultSweepInterval,
		Roles:         defaultRoles(),
	}
}

func defaultRoles() []Role {
	return []Role{
		{Slug: "administrator", Name: "Administrator"},
		{Slug: "editor", Name: "Editor"},
		{Slug: "author", Name: "Author"},
		{Slug: "contributor", Name: "Contributor"},
		{Slug: "subscriber", Name: "Subscriber"},
	}
}

// Load reads YAML config from the provided path. If the file does not exist
// or is empty, defaults are returned with no error.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, errors.New("empty config path")
	}
	fileData, err := os.ReadFile(path) //nolint:gosec // config path is controlled by deployment
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if len(fileData) == 0 {
		return cfg, nil
	}
	if err := yaml.Unmarshal(fileData, &cfg); err != nil {
		return cfg, fmt.Errorf("parse yaml: %w", err)
	}
	// basic normalization
	if cfg.Port == 0 {
		cfg.Port = defaultPort
	}
	if cfg.DataDir == "" {
		cfg.DataDir = defaultDataDir
	}
	if cfg.BatchSize == 0 {
		cfg.BatchSize = defaultBatchSize
	}
	// negative batch sizes are never valid
	if cfg.BatchSize < 1 {
		return cfg, fmt.Errorf("invalid batch_size: %d (must be >= 1)", cfg.BatchSize)
	}
	if cfg.TaskTTL <= 0 {
		cfg.TaskTTL = defaultTaskTTL
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = defaultSweepInterval
	}
	if cfg.Auth.TokenTTL <= 0 {
		cfg.Auth.TokenTTL = defaultTokenTTL
	}
	cfg.Roles = normalizeRoles(cfg.Roles)
	return cfg, nil
}

// normalizeRoles lowercases slugs, drops blanks and duplicates, and makes
// sure the administrator role is always present in the catalog.
func normalizeRoles(in []Role) []Role {
	if len(in) == 0 {
		return defaultRoles()
	}
	seen := make(map[string]struct{}, len(in))
	normalized := make([]Role, 0, len(in))
	for _, r := range in {
		slug := strings.ToLower(strings.TrimSpace(r.Slug))
		if slug == "" {
			continue
		}
		if _, ok := seen[slug]; ok {
			continue
		}
		seen[slug] = struct{}{}
		name := strings.TrimSpace(r.Name)
		if name == "" {
			name = slug
		}
		normalized = append(normalized, Role{Slug: slug, Name: name})
	}
	if _, ok := seen["administrator"]; !ok {
		normalized = append([]Role{{Slug: "administrator", Name: "Administrator"}}, normalized...)
	}
	return normalized
}
