package main

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"

	"github.com/msageha/autodispatch/internal/model"
)

const (
	envPrefix      = "AUTODISPATCH"
	configFileName = "dispatch.yaml"
)

// envConfig is read with the AUTODISPATCH_ prefix.
type envConfig struct {
	Workspace  string `envconfig:"WORKSPACE"`
	LogLevel   string `envconfig:"LOG_LEVEL"`
	RuntimeBin string `envconfig:"RUNTIME_BIN"`
}

// legacyEnv holds unprefixed variables honoured by earlier dispatcher scripts.
type legacyEnv struct {
	OpenclawBin string `envconfig:"OPENCLAW_BIN"`
}

// cliOptions mirrors the command-line flags.
type cliOptions struct {
	workspace    string
	orchestrator string
	exclude      []string
	configPath   string
	execute      bool
	interval     int
}

// flagChanged reports whether the named flag was given on the command line.
type flagChanged func(name string) bool

// resolveConfig layers defaults, dispatch.yaml, environment and flags, in that
// order, and returns the absolute workspace with the merged configuration.
func resolveConfig(opts cliOptions, changed flagChanged) (string, model.Config, error) {
	var env envConfig
	if err := envconfig.Process(envPrefix, &env); err != nil {
		return "", model.Config{}, fmt.Errorf("failed to parse environment variables: %w", err)
	}
	var legacy legacyEnv
	if err := envconfig.Process("", &legacy); err != nil {
		return "", model.Config{}, fmt.Errorf("failed to parse environment variables: %w", err)
	}

	workspace := defaultWorkspace()
	if env.Workspace != "" {
		workspace = env.Workspace
	}
	if changed("workspace") {
		workspace = opts.workspace
	}
	workspace, err := absPath(workspace)
	if err != nil {
		return "", model.Config{}, err
	}

	cfg := model.DefaultConfig()
	cfgPath := filepath.Join(workspace, configFileName)
	required := false
	if changed("config") {
		cfgPath, required = opts.configPath, true
	}
	if err := loadConfigFile(cfgPath, required, &cfg); err != nil {
		return "", model.Config{}, err
	}

	if env.LogLevel != "" {
		cfg.Logging.Level = env.LogLevel
	}
	switch {
	case env.RuntimeBin != "":
		cfg.Runtime.Bin = env.RuntimeBin
	case cfg.Runtime.Bin == "" && legacy.OpenclawBin != "":
		cfg.Runtime.Bin = legacy.OpenclawBin
	}

	if changed("orchestrator") {
		cfg.Orchestrator = opts.orchestrator
	}
	if changed("exclude") {
		cfg.Exclude = opts.exclude
	}
	if changed("interval") {
		cfg.Watch.IntervalSec = opts.interval
	}
	cfg.ApplyDefaults()
	return workspace, cfg, nil
}

// loadConfigFile decodes path over cfg. A missing optional file is not an error.
func loadConfigFile(path string, required bool, cfg *model.Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if !required && errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("read %s: %w", filepath.Base(path), err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parse %s: %w", filepath.Base(path), err)
	}
	return nil
}

func defaultWorkspace() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}
	return filepath.Join(home, ".openclaw", "workspace")
}

func absPath(p string) (string, error) {
	if p == "~" || strings.HasPrefix(p, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("expand %s: %w", p, err)
		}
		p = filepath.Join(home, strings.TrimPrefix(p, "~"))
	}
	abs, err := filepath.Abs(p)
	if err != nil {
		return "", fmt.Errorf("resolve workspace %s: %w", p, err)
	}
	return abs, nil
}
