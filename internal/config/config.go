// Package config provides configuration management for the coordinator
// using Viper: values come from .rekindle.yml, environment variables with
// the REKINDLE_ prefix, and command-line flags, in increasing precedence.
package config

import (
	"fmt"
	"net"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
)

type Config struct {
	Root    string        `yaml:"root"`
	Socket  string        `yaml:"socket"`
	Watch   WatchConfig   `yaml:"watch"`
	Rebuild RebuildConfig `yaml:"rebuild"`
	Bridge  BridgeConfig  `yaml:"bridge"`
	Log     LogConfig     `yaml:"log"`
}

type WatchConfig struct {
	// Paths are watched subpaths relative to root; the root itself when
	// empty.
	Paths []string `yaml:"paths"`
	// Exclude subpaths are never evaluated; exclusion wins on overlap.
	Exclude []string `yaml:"exclude"`
	// Extensions is the hot-reload-eligible extension set.
	Extensions []string `yaml:"extensions"`
	// HotExtensions go through the diff engine; other eligible extensions
	// force a rebuild.
	HotExtensions []string `yaml:"hot_extensions"`
}

type RebuildConfig struct {
	// Command is spawned when a rebuild is needed. Empty means no strategy
	// is configured and a rebuild terminates the session.
	Command string `yaml:"command"`
}

type BridgeConfig struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr"`
}

type LogConfig struct {
	Verbose bool   `yaml:"verbose"`
	Format  string `yaml:"format"`
}

// Default returns the built-in configuration: watch the project root,
// exclude the build output directory, verbose logging on, no rebuild
// strategy.
func Default() *Config {
	return &Config{
		Root: ".",
		Watch: WatchConfig{
			Paths:         []string{""},
			Exclude:       []string{"target"},
			Extensions:    []string{".templ", ".go", ".html", ".css", ".js", ".mod", ".toml", ".yaml", ".yml"},
			HotExtensions: []string{".templ"},
		},
		Bridge: BridgeConfig{
			Enabled: false,
			Addr:    "127.0.0.1:7331",
		},
		Log: LogConfig{
			Verbose: true,
			Format:  "text",
		},
	}
}

// Load builds the effective configuration from viper state layered over
// the defaults.
func Load() (*Config, error) {
	config := Default()
	if err := viper.Unmarshal(config); err != nil {
		return nil, err
	}

	// Explicit fetches for nested keys viper's Unmarshal does not map onto
	// yaml-tagged structs.
	if viper.IsSet("root") {
		config.Root = viper.GetString("root")
	}
	if viper.IsSet("socket") {
		config.Socket = viper.GetString("socket")
	}
	if viper.IsSet("watch.paths") {
		config.Watch.Paths = viper.GetStringSlice("watch.paths")
	}
	if viper.IsSet("watch.exclude") {
		config.Watch.Exclude = viper.GetStringSlice("watch.exclude")
	}
	if viper.IsSet("watch.extensions") {
		config.Watch.Extensions = viper.GetStringSlice("watch.extensions")
	}
	if viper.IsSet("watch.hot_extensions") {
		config.Watch.HotExtensions = viper.GetStringSlice("watch.hot_extensions")
	}
	if viper.IsSet("rebuild.command") {
		config.Rebuild.Command = viper.GetString("rebuild.command")
	}
	if viper.IsSet("bridge.enabled") {
		config.Bridge.Enabled = viper.GetBool("bridge.enabled")
	}
	if viper.IsSet("bridge.addr") {
		config.Bridge.Addr = viper.GetString("bridge.addr")
	}
	if viper.IsSet("log.verbose") {
		config.Log.Verbose = viper.GetBool("log.verbose")
	}
	if viper.IsSet("log.format") {
		config.Log.Format = viper.GetString("log.format")
	}

	if err := validate(config); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return config, nil
}

// validate rejects values that would misbehave at runtime.
func validate(config *Config) error {
	if config.Root == "" {
		return fmt.Errorf("root must not be empty")
	}

	for _, p := range config.Watch.Paths {
		if err := validateSubpath(p); err != nil {
			return fmt.Errorf("watch path %q: %w", p, err)
		}
	}
	for _, p := range config.Watch.Exclude {
		if err := validateSubpath(p); err != nil {
			return fmt.Errorf("exclude path %q: %w", p, err)
		}
	}

	for _, ext := range config.Watch.Extensions {
		if !strings.HasPrefix(ext, ".") {
			return fmt.Errorf("extension %q must start with a dot", ext)
		}
	}
	for _, ext := range config.Watch.HotExtensions {
		if !strings.HasPrefix(ext, ".") {
			return fmt.Errorf("hot extension %q must start with a dot", ext)
		}
	}

	if config.Bridge.Enabled {
		if _, _, err := net.SplitHostPort(config.Bridge.Addr); err != nil {
			return fmt.Errorf("bridge addr %q: %w", config.Bridge.Addr, err)
		}
	}

	if config.Log.Format != "" && config.Log.Format != "text" && config.Log.Format != "json" {
		return fmt.Errorf("log format %q: must be text or json", config.Log.Format)
	}

	return nil
}

// validateSubpath rejects traversal outside the project root.
func validateSubpath(path string) error {
	if path == "" {
		return nil // empty means the root itself
	}
	clean := filepath.Clean(path)
	if clean == ".." || strings.HasPrefix(clean, ".."+string(filepath.Separator)) {
		return fmt.Errorf("path escapes the project root")
	}
	return nil
}
