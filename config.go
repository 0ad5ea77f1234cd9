package andersen

import (
	"fmt"
	"os"

	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

// FileConfig is the YAML-backed subset of the analysis options, for
// drivers that load settings from a file.
type FileConfig struct {
	// MaxFields caps field-sensitive decomposition per aggregate.
	MaxFields int `yaml:"max-fields"`
	// WholeProgram selects interprocedural analysis of the whole module.
	WholeProgram bool `yaml:"whole-program"`
	// LogLevel is a logrus level name ("debug", "info", ...).
	LogLevel string `yaml:"log-level"`
}

// LoadConfig reads a FileConfig from a YAML file.
func LoadConfig(path string) (*FileConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}
	cfg := &FileConfig{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}
	if cfg.MaxFields < 0 {
		return nil, fmt.Errorf("config %s: max-fields must be non-negative", path)
	}
	return cfg, nil
}

// Apply transfers the file options onto an AnalysisConfig, constructing a
// logger when a log level is requested.
func (c *FileConfig) Apply(config *AnalysisConfig) error {
	config.MaxFields = c.MaxFields
	config.WholeProgram = c.WholeProgram
	if c.LogLevel != "" {
		level, err := logrus.ParseLevel(c.LogLevel)
		if err != nil {
			return fmt.Errorf("bad log-level %q: %w", c.LogLevel, err)
		}
		log := logrus.New()
		log.SetLevel(level)
		config.Log = log
	}
	return nil
}
