package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/andesco/originproxy/pkg/page"
	"github.com/andesco/originproxy/pkg/rewrite"
	"gopkg.in/yaml.v3"
)

// Config holds every process setting. It is read once at startup.
type Config struct {
	Port         string        `yaml:"port"`
	Debug        bool          `yaml:"debug"`
	Timeout      time.Duration `yaml:"timeout"`
	MaxBodyBytes int64         `yaml:"maxBodyBytes"`
	UserAgent    string        `yaml:"userAgent"`
	ForwardedFor string        `yaml:"forwardedFor"`
	Ruleset      string        `yaml:"ruleset"`
	Rewriter     string        `yaml:"rewriter"`
	Strict       bool          `yaml:"strict"`
}

// Default returns the settings used when nothing overrides them.
func Default() Config {
	return Config{
		Port:         "8080",
		Timeout:      page.DefaultTimeout,
		MaxBodyBytes: page.DefaultMaxBodyBytes,
		UserAgent:    page.DefaultUserAgent,
		Rewriter:     rewrite.NameLinks,
	}
}

// Load builds a Config from defaults, the optional YAML file at path and the
// process environment, in that order of precedence.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		if err := cfg.LoadFile(path); err != nil {
			return cfg, err
		}
	}
	if err := cfg.ApplyEnv(os.LookupEnv); err != nil {
		return cfg, err
	}
	return cfg, cfg.Validate()
}

// LoadFile overlays the YAML file at path. Keys absent from the file keep
// their current values.
func (c *Config) LoadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file '%s': %w", path, err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("syntax error in config file '%s': %w", path, err)
	}
	return nil
}

// ApplyEnv overrides fields from environment variables found through lookup.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	if v, ok := lookup("PORT"); ok && v != "" {
		c.Port = v
	}
	if v, ok := lookup("DEBUG"); ok {
		c.Debug = v != "" && v != "0"
	}
	if v, ok := lookup("HTTP_TIMEOUT"); ok && v != "" {
		secs, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid HTTP_TIMEOUT %q: %w", v, err)
		}
		c.Timeout = time.Duration(secs) * time.Second
	}
	if v, ok := lookup("MAX_BODY_BYTES"); ok && v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return fmt.Errorf("invalid MAX_BODY_BYTES %q: %w", v, err)
		}
		c.MaxBodyBytes = n
	}
	if v, ok := lookup("USER_AGENT"); ok && v != "" {
		c.UserAgent = v
	}
	if v, ok := lookup("X_FORWARDED_FOR"); ok {
		c.ForwardedFor = v
	}
	if v, ok := lookup("RULESET"); ok && v != "" {
		c.Ruleset = v
	}
	if v, ok := lookup("REWRITER"); ok && v != "" {
		c.Rewriter = v
	}
	if v, ok := lookup("STRICT"); ok && v != "" {
		strict, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("invalid STRICT %q: %w", v, err)
		}
		c.Strict = strict
	}
	return nil
}

// Validate rejects settings the server cannot start with.
func (c *Config) Validate() error {
	if _, err := strconv.ParseUint(strings.TrimPrefix(c.Port, ":"), 10, 16); err != nil {
		return fmt.Errorf("invalid port %q", c.Port)
	}
	if c.Timeout <= 0 {
		return fmt.Errorf("timeout must be positive, got %s", c.Timeout)
	}
	if _, err := rewrite.New(c.Rewriter); err != nil {
		return err
	}
	return nil
}

// Addr is the listen address for the configured port.
func (c *Config) Addr() string {
	return ":" + strings.TrimPrefix(c.Port, ":")
}
