package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

type fileConfig struct {
	Debug                *bool   `yaml:"debug"`
	RootDir              *string `yaml:"root_dir"`
	LoggingPrefix        *string `yaml:"logging_prefix"`
	ExecutionContext     *string `yaml:"execution_context"`
	AppContext           *string `yaml:"app_context"`
	MaxSkip              *uint32 `yaml:"max_skip"`
	MaxKeptKeys          *int    `yaml:"max_kept_keys"`
	MaxKeyAgeSec         *int64  `yaml:"max_key_age_sec"`
	ExecutionBudgetMs    *int64  `yaml:"execution_budget_ms"`
	EnvelopeRetentionSec *int64  `yaml:"envelope_retention_sec"`
	CompressThreshold    *int    `yaml:"compress_threshold"`
	BatchConcurrency     *int    `yaml:"batch_concurrency"`
}

// FromFile reads a YAML config file. Values present in the file override the
// defaults, opts are applied last.
func FromFile(path string, opts ...Option) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: error reading %s: %w", path, err)
	}
	fileOpts, err := parseFile(b)
	if err != nil {
		return nil, fmt.Errorf("config: error parsing %s: %w", path, err)
	}
	return NewConfig(append(fileOpts, opts...)...), nil
}

func parseFile(b []byte) ([]Option, error) {
	fc := &fileConfig{}
	if err := yaml.Unmarshal(b, fc); err != nil {
		return nil, err
	}

	var opts []Option
	if fc.Debug != nil {
		opts = append(opts, WithDebug(*fc.Debug))
	}
	if fc.RootDir != nil {
		opts = append(opts, WithRootDir(*fc.RootDir))
	}
	if fc.LoggingPrefix != nil {
		opts = append(opts, WithLoggingPrefix(*fc.LoggingPrefix))
	}
	if fc.ExecutionContext != nil {
		ec, err := ParseExecutionContext(*fc.ExecutionContext)
		if err != nil {
			return nil, err
		}
		opts = append(opts, WithExecutionContext(ec))
	}
	if fc.AppContext != nil {
		opts = append(opts, WithAppContext(*fc.AppContext))
	}
	if fc.MaxSkip != nil {
		opts = append(opts, WithMaxSkip(*fc.MaxSkip))
	}
	if fc.MaxKeptKeys != nil {
		opts = append(opts, WithMaxKeptKeys(*fc.MaxKeptKeys))
	}
	if fc.MaxKeyAgeSec != nil {
		opts = append(opts, WithMaxKeyAgeSec(*fc.MaxKeyAgeSec))
	}
	if fc.ExecutionBudgetMs != nil {
		opts = append(opts, WithExecutionBudgetMs(*fc.ExecutionBudgetMs))
	}
	if fc.EnvelopeRetentionSec != nil {
		opts = append(opts, WithEnvelopeRetentionSec(*fc.EnvelopeRetentionSec))
	}
	if fc.CompressThreshold != nil {
		opts = append(opts, WithCompressThreshold(*fc.CompressThreshold))
	}
	if fc.BatchConcurrency != nil {
		opts = append(opts, WithBatchConcurrency(*fc.BatchConcurrency))
	}
	return opts, nil
}
