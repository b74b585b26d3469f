package config

import (
	"path/filepath"

	"github.com/cristalhq/aconfig"
	"github.com/cristalhq/aconfig/aconfigtoml"
	"github.com/rotisserie/eris"
	"github.com/rs/zerolog"
)

// FileName is the optional per-project config file.
const FileName = ".taskrc.toml"

// Config describes all configuration options
type Config struct {
	Log struct {
		Level string `default:"info" toml:"level" usage:"Minimum level of log messages (debug, info, warn, error)"`
		JSON  bool   `default:"false" toml:"json" usage:"Output JSONND instead of pretty console messages"`
	} `toml:"log"`
	Tasks struct {
		File  string `default:"tasks.star" toml:"file" usage:"Task file, relative to the project root"`
		Cache string `default:".task/tasks.cache" toml:"cache" usage:"Parsed task cache, empty to disable"`
	} `toml:"tasks"`
	Workflow struct {
		File        string `default:".github/workflows/ci.yml" toml:"file" usage:"Workflow run by the ci command"`
		MaxParallel int    `default:"0" toml:"max_parallel" usage:"Maximum number of concurrent jobs (0 = unlimited)"`
	} `toml:"workflow"`
	History struct {
		Enabled bool   `default:"true" toml:"enabled" usage:"Record runs in the history database"`
		Dir     string `default:".task/history" toml:"dir" usage:"Directory of the history database"`
		Keep    int    `default:"50" toml:"keep" usage:"Number of runs kept by history prune"`
	} `toml:"history"`
	Telemetry struct {
		Endpoint string `toml:"endpoint" usage:"OTLP/HTTP endpoint for traces (i.e. http://localhost:4318)"`
	} `toml:"telemetry"`
}

var logLevels = map[string]zerolog.Level{
	"debug":   zerolog.DebugLevel,
	"info":    zerolog.InfoLevel,
	"warn":    zerolog.WarnLevel,
	"warning": zerolog.WarnLevel,
	"error":   zerolog.ErrorLevel,
}

// Loader initializes an empty config object and returns a new Loader for the project at root.
// Values come from the defaults, the project's config file and TASK_* environment variables.
func Loader(root string) (*Config, *aconfig.Loader) {
	cfg := Config{}
	return &cfg, aconfig.LoaderFor(&cfg, aconfig.Config{
		EnvPrefix: "TASK",
		SkipFlags: true,
		Files:     []string{filepath.Join(root, FileName)},
		FileDecoders: map[string]aconfig.FileDecoder{
			".toml": aconfigtoml.New(),
		},
	})
}

// Load reads and validates the configuration of the project at root.
func Load(root string) (*Config, error) {
	cfg, loader := Loader(root)
	if err := loader.Load(); err != nil {
		return nil, eris.Wrap(err, "failed to load configuration")
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate verifies that all config fields have valid values
func (cfg *Config) Validate() error {
	if _, ok := logLevels[cfg.Log.Level]; !ok {
		return eris.Errorf(`Invalid value for log.level: %s`, cfg.Log.Level)
	}

	if cfg.Tasks.File == "" {
		return eris.New(`tasks.file can't be empty`)
	}

	if cfg.Workflow.MaxParallel < 0 {
		return eris.Errorf(`Invalid value for workflow.max_parallel: %d (must be 0 or greater)`, cfg.Workflow.MaxParallel)
	}

	if cfg.History.Keep < 0 {
		return eris.Errorf(`Invalid value for history.keep: %d (must be 0 or greater)`, cfg.History.Keep)
	}

	return nil
}

// LogLevel converts the .Log.Level field to a zerolog.Level
func (cfg *Config) LogLevel() zerolog.Level {
	return logLevels[cfg.Log.Level]
}

// Resolve makes a config path absolute relative to the project root. Empty paths stay empty.
func Resolve(root, path string) string {
	if path == "" || filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(root, path)
}
