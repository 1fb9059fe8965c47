package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "warren.yml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestDefaultConfigIsValid(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())

	assert.Len(t, cfg.Domains, 3)
	for _, d := range cfg.Domains {
		assert.Equal(t, 7, d.FanOut())
	}
	assert.Equal(t, []string{"Exec-1", "Exec-2", "Exec-3", "Exec-4", "Exec-5", "Exec-6", "Exec-7"},
		cfg.Domains[0].ExecutorNames())
	assert.Equal(t, 25, cfg.FrictionThreshold)
	assert.Equal(t, 3, cfg.RevocationThreshold)
}

func TestLoadAppliesDefaults(t *testing.T) {
	path := writeConfig(t, `
project: test-colony
domains:
  - name: web
    executors: [1, 7]
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "test-colony", cfg.Project)
	assert.Equal(t, DefaultConfig().PollInterval, cfg.PollInterval)
	assert.Equal(t, 25, cfg.FrictionThreshold)
	assert.Nil(t, cfg.Redis)
}

func TestLoadFullConfig(t *testing.T) {
	path := writeConfig(t, `
project: test-colony
data_dir: /tmp/warren-data
poll_interval: 500ms
friction_threshold: 10
redis:
  url: redis://localhost:6379
domains:
  - name: web
    executors: [1, 3]
    can: ["write handlers"]
    cannot: ["touch prod"]
    specializations:
      2: "templating"
  - name: ai
    executors: [4, 6]
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, Duration(500*time.Millisecond), cfg.PollInterval)
	assert.Equal(t, 10, cfg.FrictionThreshold)
	require.NotNil(t, cfg.Redis)
	assert.Equal(t, "redis://localhost:6379", cfg.Redis.URL)
	assert.Equal(t, 3, cfg.Domains[0].FanOut())
	assert.Equal(t, "templating", cfg.Domains[0].Specializations[2])
}

func TestValidateRejections(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{
			"overlapping executor ranges",
			func(c *Config) { c.Domains[1].Executors = [2]int{7, 10} },
			"claimed by both",
		},
		{
			"inverted range",
			func(c *Config) { c.Domains[0].Executors = [2]int{5, 2} },
			"invalid executor range",
		},
		{
			"duplicate domain name",
			func(c *Config) { c.Domains[1].Name = c.Domains[0].Name },
			"duplicate domain name",
		},
		{
			"specialization outside range",
			func(c *Config) { c.Domains[0].Specializations = map[int]string{99: "x"} },
			"outside its range",
		},
		{
			"empty domain name",
			func(c *Config) { c.Domains[0].Name = "" },
			"has no name",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yml"))
	assert.Error(t, err)
}

func TestLoadBadYAML(t *testing.T) {
	path := writeConfig(t, "project: [unclosed")
	_, err := Load(path)
	assert.Error(t, err)
}
