package cmd

import (
	"bytes"
	"io"
	"os"

	"github.com/go-playground/validator/v10"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"github.com/CraigKelly/nutsample/diagnostics"
	"github.com/CraigKelly/nutsample/sampler"
)

// fileConfig is the layout of the --config file. Missing keys keep their
// defaults.
type fileConfig struct {
	Sampler     sampler.Config     `yaml:"sampler"`
	Diagnostics diagnostics.Policy `yaml:"diagnostics"`
}

func defaultFileConfig() fileConfig {
	return fileConfig{
		Sampler:     sampler.DefaultConfig(),
		Diagnostics: diagnostics.DefaultPolicy(),
	}
}

// loadConfig returns the defaults overlaid with the file at path (if any)
func loadConfig(path string) (fileConfig, error) {
	cfg := defaultFileConfig()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, errors.Wrapf(err, "Could not READ config from %s", path)
	}
	return parseConfig(data)
}

func parseConfig(data []byte) (fileConfig, error) {
	cfg := defaultFileConfig()

	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && err != io.EOF {
		return cfg, errors.Wrap(err, "Invalid config YAML")
	}

	if err := validator.New().Struct(cfg); err != nil {
		return cfg, errors.Wrap(err, "Invalid config")
	}
	return cfg, nil
}
