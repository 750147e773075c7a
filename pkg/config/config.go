// Larder uses flags and a single config file for configuration.
// The config file is YAML and holds values for the same flags, keyed by flag name. Nested mappings are joined
// with an underscore, so `redis: {address: "localhost:6379"}` sets --redis_address.
// Flags given explicitly on the command line take precedence over the config file.

package config

import (
	_ "embed"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
)

var configFilePath = flag.String("config_file", "", "Path to the YAML configuration file.")

// defaultsYAML documents every flag larder registers along with its default value.
//
//go:embed defaults.yaml
var defaultsYAML []byte

// InitFlags parses the command line and then applies the config file specified by the -config_file flag.
// It should be called after defining all flags and before using them.
func InitFlags() {
	flag.Parse()

	if *configFilePath == "" {
		slog.Info("Config file not specified. Skipping config initialization.")
		return
	}

	configBytes, err := os.ReadFile(*configFilePath)
	if errors.Is(err, os.ErrNotExist) {
		slog.Warn("Config file does not exist.", "path", *configFilePath, "error", err)
		return
	}
	if err != nil { // If the config file cannot be read, we skip loading and use default flag values.
		slog.Error("Failed to read config file.", "path", *configFilePath, "error", err)
		return
	}

	if err := applyConfig(flag.CommandLine, configBytes); err != nil {
		slog.Error("Failed to apply config file.", "path", *configFilePath, "error", err)
		return
	}
	slog.Info("Applied config file.", "path", *configFilePath)
}

// applyConfig sets every flag found in `configBytes` on `flags`, skipping flags that were set explicitly.
func applyConfig(flags *flag.FlagSet, configBytes []byte) error {
	values, err := parseFlagValues(configBytes)
	if err != nil {
		return fmt.Errorf("failed to parse config: %w", err)
	}

	explicit := make(map[ /*flagName*/ string]struct{})
	flags.Visit(func(f *flag.Flag) { explicit[f.Name] = struct{}{} })

	for flagName, flagValue := range values {
		if _, setOnCommandLine := explicit[flagName]; setOnCommandLine {
			slog.Debug("Flag was set on the command line, ignoring config value.", "flag", flagName)
			continue
		}
		if flags.Lookup(flagName) == nil {
			return fmt.Errorf("config sets unknown flag '%s'", flagName)
		}
		if err := flags.Set(flagName, flagValue); err != nil {
			return fmt.Errorf("failed to set flag %s: %w", flagName, err)
		}
	}
	return nil
}
