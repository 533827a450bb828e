package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/zen-systems/stagegate/pkg/batch"
	"github.com/zen-systems/stagegate/pkg/engine"
	"github.com/zen-systems/stagegate/pkg/features"
	"github.com/zen-systems/stagegate/pkg/predict"
)

// Config holds the application configuration, as read from
// ~/.stagegate/config.yaml.
//
// A zero numeric field means "use the default": a min_unit_size of 0 loads
// as 5 and a threshold of 0 as 0.5. To turn off the small-unit bypass set
// min_unit_size to 1, which only lets empty units through unpredicted.
type Config struct {
	Strategy           string           `yaml:"strategy"`
	ReuseBudget        int              `yaml:"reuse_budget"`
	CheckpointInterval int              `yaml:"checkpoint_interval"`
	MinPipelineLength  int              `yaml:"min_pipeline_length"`
	MinUnitSize        int              `yaml:"min_unit_size"`
	Threshold          float64          `yaml:"threshold"`
	Schema             string           `yaml:"schema"`
	ModelDir           string           `yaml:"model_dir,omitempty"`
	ArchiveDir         string           `yaml:"archive_dir,omitempty"`
	Families           map[int]string   `yaml:"families,omitempty"`
	PassThrough        map[string][]int `yaml:"pass_through,omitempty"`
	Stages             []StageConfig    `yaml:"stages,omitempty"`
	Dump               DumpConfig       `yaml:"dump"`

	// ConfigDir is where the file was looked up; not read from YAML.
	ConfigDir string `yaml:"-"`
}

// DumpConfig toggles the training dataset dump.
type DumpConfig struct {
	Enabled bool   `yaml:"enabled"`
	Dir     string `yaml:"dir,omitempty"`
	Buffer  int    `yaml:"buffer,omitempty"`
}

// ValidationError lists every problem found in a configuration.
type ValidationError struct {
	Problems []string
}

func (e *ValidationError) Error() string {
	return "invalid configuration: " + strings.Join(e.Problems, "; ")
}

// Default returns the stock configuration.
func Default() *Config {
	cfg := &Config{}
	applyDefaults(cfg)
	return cfg
}

// Load reads configuration from ~/.stagegate/config.yaml and environment
// variables. Environment variables take precedence over file configuration.
func Load() (*Config, error) {
	configDir, err := getConfigDir()
	if err != nil {
		return nil, fmt.Errorf("failed to get config directory: %w", err)
	}

	path := filepath.Join(configDir, "config.yaml")
	cfg := &Config{}
	if _, err := os.Stat(path); err == nil {
		cfg, err = readFile(path)
		if err != nil {
			return nil, err
		}
	}
	cfg.ConfigDir = configDir
	return finish(cfg)
}

// LoadFile reads configuration from an explicit file. Environment
// variables still take precedence.
func LoadFile(path string) (*Config, error) {
	cfg, err := readFile(path)
	if err != nil {
		return nil, err
	}
	cfg.ConfigDir = filepath.Dir(path)
	return finish(cfg)
}

func readFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
	}
	return &cfg, nil
}

func finish(cfg *Config) (*Config, error) {
	if err := applyEnv(cfg); err != nil {
		return nil, err
	}
	applyDefaults(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config) error {
	cfg.Strategy = getEnvOrDefault("STAGEGATE_STRATEGY", cfg.Strategy)
	cfg.ModelDir = getEnvOrDefault("STAGEGATE_MODEL_DIR", cfg.ModelDir)
	if dir := os.Getenv("STAGEGATE_DUMP_DIR"); dir != "" {
		cfg.Dump.Enabled = true
		cfg.Dump.Dir = dir
	}

	var err error
	if cfg.ReuseBudget, err = getEnvInt("STAGEGATE_REUSE_BUDGET", cfg.ReuseBudget); err != nil {
		return err
	}
	if v := os.Getenv("STAGEGATE_THRESHOLD"); v != "" {
		t, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return fmt.Errorf("STAGEGATE_THRESHOLD: %w", err)
		}
		cfg.Threshold = t
	}
	return nil
}

func applyDefaults(cfg *Config) {
	b := batch.DefaultConfig()
	if cfg.Strategy == "" {
		cfg.Strategy = string(predict.StrategyHeuristic)
	}
	if cfg.ReuseBudget == 0 {
		cfg.ReuseBudget = 4
	}
	if cfg.CheckpointInterval == 0 {
		cfg.CheckpointInterval = b.Interval
	}
	if cfg.MinPipelineLength == 0 {
		cfg.MinPipelineLength = b.MinPipelineLength
	}
	if cfg.MinUnitSize == 0 {
		cfg.MinUnitSize = b.MinUnitSize
	}
	if cfg.Threshold == 0 {
		cfg.Threshold = predict.DefaultThreshold
	}
	if cfg.Schema == "" {
		cfg.Schema = features.Full.ID()
	}
	if cfg.Families == nil {
		cfg.Families = b.Families
	}
	if cfg.Stages == nil {
		cfg.Stages = DefaultStages()
	}
	if cfg.Dump.Buffer == 0 {
		cfg.Dump.Buffer = 256
	}
	if cfg.Dump.Enabled && cfg.Dump.Dir == "" {
		cfg.Dump.Dir = "."
	}
}

// Validate checks the configuration and reports every problem at once.
func (c *Config) Validate() error {
	var problems []string
	if _, err := predict.ParseStrategy(c.Strategy); err != nil {
		problems = append(problems, err.Error())
	}
	if c.ReuseBudget < 0 {
		problems = append(problems, "reuse_budget must be positive")
	}
	if c.CheckpointInterval < 0 {
		problems = append(problems, "checkpoint_interval must be positive")
	}
	if c.MinPipelineLength < 0 {
		problems = append(problems, "min_pipeline_length must be positive")
	}
	if c.MinUnitSize < 0 {
		problems = append(problems, "min_unit_size must be positive")
	}
	if c.Threshold < 0 || c.Threshold >= 1 {
		problems = append(problems, fmt.Sprintf("threshold %v must be in (0, 1)", c.Threshold))
	}
	if _, err := features.Lookup(c.Schema); err != nil {
		problems = append(problems, err.Error())
	}
	for family, offsets := range c.PassThrough {
		for _, o := range offsets {
			if o < 0 {
				problems = append(problems, fmt.Sprintf("pass_through %s: negative offset %d", family, o))
			}
		}
	}
	if _, err := c.StageTable(); err != nil {
		problems = append(problems, err.Error())
	}
	if len(problems) > 0 {
		return &ValidationError{Problems: problems}
	}
	return nil
}

// FeatureSchema returns the configured feature schema.
func (c *Config) FeatureSchema() (*features.Schema, error) {
	return features.Lookup(c.Schema)
}

// EngineConfig converts the file configuration to engine tuning.
func (c *Config) EngineConfig() (engine.Config, error) {
	strategy, err := predict.ParseStrategy(c.Strategy)
	if err != nil {
		return engine.Config{}, err
	}
	b := batch.DefaultConfig()
	b.Interval = c.CheckpointInterval
	b.MinPipelineLength = c.MinPipelineLength
	b.MinUnitSize = c.MinUnitSize
	b.Threshold = c.Threshold
	b.Families = c.Families
	b.PassThrough = c.PassThrough

	return engine.Config{
		Strategy:    strategy,
		ReuseBudget: c.ReuseBudget,
		MinUnitSize: c.MinUnitSize,
		Threshold:   c.Threshold,
		Batch:       b,
	}, nil
}

// IsValidationError reports whether err came from Validate.
func IsValidationError(err error) bool {
	var v *ValidationError
	return errors.As(err, &v)
}

// getEnvOrDefault returns the environment variable value if set,
// otherwise returns the default value.
func getEnvOrDefault(envVar, defaultValue string) string {
	if val := os.Getenv(envVar); val != "" {
		return val
	}
	return defaultValue
}

func getEnvInt(envVar string, defaultValue int) (int, error) {
	val := os.Getenv(envVar)
	if val == "" {
		return defaultValue, nil
	}
	n, err := strconv.Atoi(val)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", envVar, err)
	}
	return n, nil
}

func getConfigDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	configDir := filepath.Join(home, ".stagegate")
	if err := os.MkdirAll(configDir, 0700); err != nil {
		return "", err
	}
	return configDir, nil
}
