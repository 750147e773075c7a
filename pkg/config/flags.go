package config

import (
	"flag"
	"fmt"
	"slices"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// skippedConfigFlags is the list of command line flags that have no place in a config file.
var skippedConfigFlags = []string{"print_version", "config_file"}

// scalarToString converts a decoded YAML scalar to the string form accepted by flag.Set.
func scalarToString(value any) (string, error) {
	switch v := value.(type) {
	case string:
		return v, nil
	case bool:
		return strconv.FormatBool(v), nil
	case int:
		return strconv.Itoa(v), nil
	case int64:
		return strconv.FormatInt(v, 10), nil
	case uint64:
		return strconv.FormatUint(v, 10), nil
	case float64:
		return strconv.FormatFloat(v, 'g', -1, 64), nil
	case nil:
		return "", nil
	default:
		return "", fmt.Errorf("unsupported value type %T", value)
	}
}

// flattenFlagValues walks the decoded YAML document and collects `flagName -> flagValue` into `flags`.
// Nested mappings are joined with '_' to form the flag name. Lists are not supported.
func flattenFlagValues(flags map[ /*flagName*/ string] /*flagValue*/ string, prefix string, doc map[string]any) error {
	for key, value := range doc {
		flagName := key
		if prefix != "" {
			flagName = prefix + "_" + key
		}
		switch v := value.(type) {
		case map[string]any:
			if err := flattenFlagValues(flags, flagName, v); err != nil {
				return err
			}
		case []any:
			return fmt.Errorf("lists are not supported: %s", flagName)
		default:
			stringValue, err := scalarToString(v)
			if err != nil {
				return fmt.Errorf("failed to convert %s: %w", flagName, err)
			}
			// Check for duplicate flag entries, e.g. `redis_db` next to `redis: {db: ...}`.
			if _, alreadyExists := flags[flagName]; alreadyExists {
				return fmt.Errorf("flag '%s' has multiple entries in config", flagName)
			}
			flags[flagName] = stringValue
		}
	}
	return nil
}

// parseFlagValues decodes a YAML config document into flag values.
func parseFlagValues(configBytes []byte) (map[ /*flagName*/ string] /*flagValue*/ string, error) {
	doc := make(map[string]any)
	if err := yaml.Unmarshal(configBytes, &doc); err != nil {
		return nil, err
	}
	flags := make(map[string]string)
	if err := flattenFlagValues(flags, "", doc); err != nil {
		return nil, err
	}
	return flags, nil
}

// CollectUnregisteredFlags collects all flags that aren't documented in defaults.yaml.
// An error exists in the results corresponding to each unregistered flag.
func CollectUnregisteredFlags() []error {
	definedFlags, err := parseFlagValues(defaultsYAML)
	if err != nil {
		return []error{fmt.Errorf("failed to parse defaults.yaml: %w", err)}
	}
	errs := make([]error, 0)
	flag.VisitAll(func(f *flag.Flag) {
		if strings.HasPrefix(f.Name, "test.") { // Skip test flags.
			return
		}
		if slices.Contains(skippedConfigFlags, f.Name) {
			return
		}
		if _, flagHasConfigEntry := definedFlags[f.Name]; !flagHasConfigEntry {
			errs = append(errs, fmt.Errorf("flag '%s' has not been documented in defaults.yaml", f.Name))
		}
	})
	return errs
}
