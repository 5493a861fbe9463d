package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// DeploymentProfile is a named YAML configuration for one ledger deployment:
// which store backs it, which witnesses countersign session roots, and how
// sessions are cut.
type DeploymentProfile struct {
	Name      string          `yaml:"name" json:"name"`
	Code      string          `yaml:"code" json:"code"`
	Store     StoreConfig     `yaml:"store" json:"store"`
	Cache     CacheConfig     `yaml:"cache" json:"cache"`
	Witnesses []WitnessConfig `yaml:"witnesses,omitempty" json:"witnesses,omitempty"`
	Session   SessionConfig   `yaml:"session" json:"session"`
}

// StoreConfig selects and parameterizes the event store backend.
type StoreConfig struct {
	Backend     string `yaml:"backend" json:"backend"` // "memory" | "sqlite" | "postgres"
	SQLitePath  string `yaml:"sqlite_path,omitempty" json:"sqlite_path,omitempty"`
	DatabaseURL string `yaml:"database_url,omitempty" json:"database_url,omitempty"`
}

// CacheConfig parameterizes the advisory projection cache.
type CacheConfig struct {
	RedisAddr string   `yaml:"redis_addr,omitempty" json:"redis_addr,omitempty"`
	TTL       Duration `yaml:"ttl,omitempty" json:"ttl,omitempty"`
}

// WitnessConfig names one counter-signing witness and its rate limit.
type WitnessConfig struct {
	ID        string  `yaml:"id" json:"id"`
	KeyID     string  `yaml:"key_id" json:"key_id"`
	PerSecond float64 `yaml:"per_second,omitempty" json:"per_second,omitempty"`
}

// SessionConfig controls session bundling.
type SessionConfig struct {
	WitnessTimeout Duration `yaml:"witness_timeout,omitempty" json:"witness_timeout,omitempty"`
	MaxEvents      int      `yaml:"max_events,omitempty" json:"max_events,omitempty"`
}

// Duration decodes YAML scalars like "5m" or "250ms".
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	parsed, err := time.ParseDuration(value.Value)
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", value.Value, err)
	}
	*d = Duration(parsed)
	return nil
}

// Std returns the wrapped standard duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// LoadProfile loads a deployment profile YAML by code. It searches the
// profiles directory for profile_<code>.yaml.
func LoadProfile(profilesDir, code string) (*DeploymentProfile, error) {
	code = strings.ToLower(code)
	path := filepath.Join(profilesDir, fmt.Sprintf("profile_%s.yaml", code))

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("load profile %q: %w", code, err)
	}

	var profile DeploymentProfile
	if err := yaml.Unmarshal(data, &profile); err != nil {
		return nil, fmt.Errorf("parse profile %q: %w", code, err)
	}

	if profile.Code == "" {
		profile.Code = code
	}
	if err := profile.Validate(); err != nil {
		return nil, fmt.Errorf("profile %q: %w", code, err)
	}

	return &profile, nil
}

// LoadAllProfiles loads all profile_*.yaml files from the profiles directory.
func LoadAllProfiles(profilesDir string) (map[string]*DeploymentProfile, error) {
	matches, err := filepath.Glob(filepath.Join(profilesDir, "profile_*.yaml"))
	if err != nil {
		return nil, err
	}

	profiles := make(map[string]*DeploymentProfile, len(matches))
	for _, path := range matches {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", path, err)
		}

		var profile DeploymentProfile
		if err := yaml.Unmarshal(data, &profile); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}

		if profile.Code == "" {
			// Extract code from filename: profile_prod.yaml -> prod
			base := filepath.Base(path)
			profile.Code = strings.TrimSuffix(strings.TrimPrefix(base, "profile_"), ".yaml")
		}
		if err := profile.Validate(); err != nil {
			return nil, fmt.Errorf("profile %s: %w", path, err)
		}

		profiles[profile.Code] = &profile
	}

	return profiles, nil
}

// Validate checks cross-field consistency.
func (p *DeploymentProfile) Validate() error {
	switch p.Store.Backend {
	case "", "memory":
	case "sqlite":
		if p.Store.SQLitePath == "" {
			return fmt.Errorf("sqlite backend requires sqlite_path")
		}
	case "postgres":
		if p.Store.DatabaseURL == "" {
			return fmt.Errorf("postgres backend requires database_url")
		}
	default:
		return fmt.Errorf("unknown store backend %q", p.Store.Backend)
	}

	seen := make(map[string]bool, len(p.Witnesses))
	for _, w := range p.Witnesses {
		if w.ID == "" || w.KeyID == "" {
			return fmt.Errorf("witness entries require id and key_id")
		}
		if seen[w.ID] {
			return fmt.Errorf("duplicate witness id %q", w.ID)
		}
		seen[w.ID] = true
	}
	return nil
}
