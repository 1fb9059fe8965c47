// Package config loads and validates the colony's warren.yml: the
// project identity, data directories, timing knobs, and the per-domain
// executor pools with their working rules.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/dyluth/warren/internal/identity"
)

// Duration adds yaml support for values like "500ms" or "2s".
type Duration time.Duration

// UnmarshalYAML parses a Go duration string.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return fmt.Errorf("duration must be a string like \"2s\": %w", err)
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalYAML renders the duration string.
func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// Config is the top-level warren.yml configuration.
type Config struct {
	Project    string `yaml:"project"`
	DataDir    string `yaml:"data_dir,omitempty"`
	ReportsDir string `yaml:"reports_dir,omitempty"`

	PollInterval   Duration `yaml:"poll_interval,omitempty"`
	SurveyInterval Duration `yaml:"survey_interval,omitempty"`
	QueryTimeout   Duration `yaml:"query_timeout,omitempty"`

	FrictionThreshold   int `yaml:"friction_threshold,omitempty"`
	RevocationThreshold int `yaml:"revocation_threshold,omitempty"`

	Redis *RedisConfig `yaml:"redis,omitempty"`

	Domains []DomainConfig `yaml:"domains"`
}

// RedisConfig points the mailbox and memory store at a Redis instance.
// When absent, the colony runs on in-memory services.
type RedisConfig struct {
	URL string `yaml:"url"`
}

// DomainConfig describes one work domain and its executor pool.
type DomainConfig struct {
	Name string `yaml:"name"`

	// Executors is the inclusive id range of the domain's pool, e.g.
	// [1, 7] owns Exec-1 through Exec-7.
	Executors [2]int `yaml:"executors"`

	Can    []string `yaml:"can,omitempty"`
	Cannot []string `yaml:"cannot,omitempty"`

	// Specializations maps executor ids to a skill note passed into
	// their prompts.
	Specializations map[int]string `yaml:"specializations,omitempty"`
}

// FanOut is the size of the domain's executor pool, which is also the
// number of distinct outputs a task must collect.
func (d *DomainConfig) FanOut() int {
	return d.Executors[1] - d.Executors[0] + 1
}

// ExecutorNames lists the conventional names of the domain's pool.
func (d *DomainConfig) ExecutorNames() []string {
	names := make([]string, 0, d.FanOut())
	for n := d.Executors[0]; n <= d.Executors[1]; n++ {
		names = append(names, identity.ExecutorName(n))
	}
	return names
}

// DefaultConfig is the built-in three-domain colony.
func DefaultConfig() *Config {
	return &Config{
		Project:             "warren",
		DataDir:             "data",
		ReportsDir:          "reports",
		PollInterval:        Duration(2 * time.Second),
		SurveyInterval:      Duration(2 * time.Second),
		QueryTimeout:        Duration(5 * time.Second),
		FrictionThreshold:   25,
		RevocationThreshold: 3,
		Domains: []DomainConfig{
			{
				Name:      string(identity.DomainWeb),
				Executors: [2]int{1, 7},
				Can:       []string{"build pages and HTTP endpoints", "write frontend assets"},
				Cannot:    []string{"touch model training code", "modify trading strategies"},
				Specializations: map[int]string{
					1: "layout and CSS",
					2: "HTTP handlers",
					3: "client-side state",
				},
			},
			{
				Name:      string(identity.DomainAI),
				Executors: [2]int{8, 14},
				Can:       []string{"prepare datasets", "tune prompts and models"},
				Cannot:    []string{"serve production traffic", "modify trading strategies"},
				Specializations: map[int]string{
					8: "data cleaning",
					9: "evaluation harnesses",
				},
			},
			{
				Name:      string(identity.DomainQuant),
				Executors: [2]int{15, 21},
				Can:       []string{"build pricing models", "backtest strategies"},
				Cannot:    []string{"deploy to live trading", "touch model training code"},
				Specializations: map[int]string{
					15: "time series analysis",
				},
			},
		},
	}
}

// Load reads and validates a warren.yml. Unset fields take their
// defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config %s: %w", path, err)
	}
	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return cfg, nil
}

func (c *Config) applyDefaults() {
	def := DefaultConfig()
	if c.Project == "" {
		c.Project = def.Project
	}
	if c.DataDir == "" {
		c.DataDir = def.DataDir
	}
	if c.ReportsDir == "" {
		c.ReportsDir = def.ReportsDir
	}
	if c.PollInterval <= 0 {
		c.PollInterval = def.PollInterval
	}
	if c.SurveyInterval <= 0 {
		c.SurveyInterval = def.SurveyInterval
	}
	if c.QueryTimeout <= 0 {
		c.QueryTimeout = def.QueryTimeout
	}
	if c.FrictionThreshold <= 0 {
		c.FrictionThreshold = def.FrictionThreshold
	}
	if c.RevocationThreshold <= 0 {
		c.RevocationThreshold = def.RevocationThreshold
	}
	if len(c.Domains) == 0 {
		c.Domains = def.Domains
	}
}

// Validate checks the configuration for contradictions.
func (c *Config) Validate() error {
	if c.Project == "" {
		return fmt.Errorf("project name cannot be empty")
	}
	if len(c.Domains) == 0 {
		return fmt.Errorf("at least one domain is required")
	}

	seenNames := make(map[string]bool)
	seenIDs := make(map[int]string)
	for i := range c.Domains {
		d := &c.Domains[i]
		if d.Name == "" {
			return fmt.Errorf("domain %d has no name", i)
		}
		if seenNames[d.Name] {
			return fmt.Errorf("duplicate domain name: %s", d.Name)
		}
		seenNames[d.Name] = true

		if d.Executors[0] <= 0 || d.Executors[1] < d.Executors[0] {
			return fmt.Errorf("domain %s has an invalid executor range [%d, %d]",
				d.Name, d.Executors[0], d.Executors[1])
		}
		for n := d.Executors[0]; n <= d.Executors[1]; n++ {
			if other, taken := seenIDs[n]; taken {
				return fmt.Errorf("executor id %d claimed by both %s and %s", n, other, d.Name)
			}
			seenIDs[n] = d.Name
		}
		for n := range d.Specializations {
			if n < d.Executors[0] || n > d.Executors[1] {
				return fmt.Errorf("domain %s specialization for executor %d is outside its range", d.Name, n)
			}
		}
	}
	return nil
}
