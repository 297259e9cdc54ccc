package preproc

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"
)

// Config is the YAML configuration file. Unset keys leave Options alone.
//
//	defines: [DEBUG, "LEVEL=2"]
//	undefines: [NDEBUG]
//	skip_expand: [assert]
//	max_expansion_depth: 64
//	keep_comments: false
//	keep_lines: true
//	line_markers: false
//	jobs: 4
type Config struct {
	Defines           []string `yaml:"defines"`
	Undefines         []string `yaml:"undefines"`
	SkipExpand        []string `yaml:"skip_expand"`
	MaxExpansionDepth int      `yaml:"max_expansion_depth"`
	KeepComments      *bool    `yaml:"keep_comments"`
	KeepLines         *bool    `yaml:"keep_lines"`
	LineMarkers       *bool    `yaml:"line_markers"`
	Jobs              int      `yaml:"jobs"`
}

// LoadConfig reads a YAML configuration file. Unknown keys are errors.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}

	var cfg Config
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("loading config %s: %w", path, err)
	}
	if cfg.MaxExpansionDepth < 0 {
		return nil, fmt.Errorf("loading config %s: max_expansion_depth must not be negative", path)
	}
	return &cfg, nil
}

// Apply copies the configured values into opts. Macro lists are
// prepended so definitions given later on the command line take effect
// after the configured ones.
func (c *Config) Apply(opts *Options) {
	opts.Defines = append(append([]string(nil), c.Defines...), opts.Defines...)
	opts.Undefines = append(append([]string(nil), c.Undefines...), opts.Undefines...)
	opts.SkipExpand = append(append([]string(nil), c.SkipExpand...), opts.SkipExpand...)
	if c.MaxExpansionDepth > 0 {
		opts.MaxExpansionDepth = c.MaxExpansionDepth
	}
	if c.KeepComments != nil {
		opts.KeepComments = *c.KeepComments
	}
	if c.KeepLines != nil {
		opts.KeepLines = *c.KeepLines
	}
	if c.LineMarkers != nil {
		opts.LineMarkers = *c.LineMarkers
	}
	if c.Jobs > 0 {
		opts.Jobs = c.Jobs
	}
}
