package config

import (
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Loader materializes a config struct from three layers, lowest
// precedence first: `default` struct tags, a YAML file, environment
// variables named by `env` tags.
type Loader struct {
	configFile string
	envFile    string
}

// NewLoader creates a loader for the given file paths. Either path may
// be empty; missing files are skipped, not errors.
func NewLoader(configFile, envFile string) *Loader {
	return &Loader{configFile: configFile, envFile: envFile}
}

// Load fills target, which must be a pointer to a struct.
func (l *Loader) Load(target interface{}) error {
	if err := applyDefaults(reflect.ValueOf(target)); err != nil {
		return fmt.Errorf("failed to apply defaults: %w", err)
	}

	if l.configFile != "" {
		if err := loadYAMLFile(target, l.configFile); err != nil {
			return err
		}
	}

	if l.envFile != "" {
		if err := loadEnvFile(l.envFile); err != nil {
			return err
		}
	}

	if err := applyEnv(reflect.ValueOf(target)); err != nil {
		return fmt.Errorf("failed to apply environment: %w", err)
	}

	return nil
}

func applyDefaults(v reflect.Value) error {
	if v.Kind() == reflect.Ptr {
		if v.IsNil() {
			v.Set(reflect.New(v.Type().Elem()))
		}
		v = v.Elem()
	}
	if v.Kind() != reflect.Struct {
		return nil
	}

	t := v.Type()
	for i := 0; i < v.NumField(); i++ {
		field := v.Field(i)
		if !field.CanSet() {
			continue
		}
		if field.Kind() == reflect.Struct {
			if err := applyDefaults(field); err != nil {
				return err
			}
			continue
		}
		if def := t.Field(i).Tag.Get("default"); def != "" {
			if err := setField(field, def); err != nil {
				return fmt.Errorf("field %s: %w", t.Field(i).Name, err)
			}
		}
	}
	return nil
}

func applyEnv(v reflect.Value) error {
	if v.Kind() == reflect.Ptr {
		v = v.Elem()
	}
	if v.Kind() != reflect.Struct {
		return nil
	}

	t := v.Type()
	for i := 0; i < v.NumField(); i++ {
		field := v.Field(i)
		if !field.CanSet() {
			continue
		}
		if field.Kind() == reflect.Struct {
			if err := applyEnv(field); err != nil {
				return err
			}
			continue
		}
		envName := t.Field(i).Tag.Get("env")
		if envName == "" {
			continue
		}
		if value, ok := os.LookupEnv(envName); ok {
			if err := setField(field, value); err != nil {
				return fmt.Errorf("env %s: %w", envName, err)
			}
		}
	}
	return nil
}

func loadYAMLFile(target interface{}, filename string) error {
	data, err := os.ReadFile(filename)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to read config file %s: %w", filename, err)
	}
	if err := yaml.Unmarshal(data, target); err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", filename, err)
	}
	return nil
}

// loadEnvFile sets KEY=VALUE pairs from a dotenv-style file, without
// overriding variables already present in the real environment.
func loadEnvFile(filename string) error {
	data, err := os.ReadFile(filename)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to read environment file %s: %w", filename, err)
	}

	for lineNum, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		parts := strings.SplitN(line, "=", 2)
		if len(parts) != 2 {
			return fmt.Errorf("invalid line %d in environment file %s: %s", lineNum+1, filename, line)
		}
		key := strings.TrimSpace(parts[0])
		value := strings.Trim(strings.TrimSpace(parts[1]), `"'`)
		if _, exists := os.LookupEnv(key); !exists {
			os.Setenv(key, value)
		}
	}
	return nil
}

func setField(field reflect.Value, value string) error {
	switch field.Kind() {
	case reflect.String:
		field.SetString(value)
	case reflect.Bool:
		b, err := strconv.ParseBool(value)
		if err != nil {
			return fmt.Errorf("invalid boolean value %q", value)
		}
		field.SetBool(b)
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		if field.Type() == reflect.TypeOf(time.Duration(0)) {
			d, err := time.ParseDuration(value)
			if err != nil {
				return fmt.Errorf("invalid duration value %q", value)
			}
			field.SetInt(int64(d))
			return nil
		}
		n, err := strconv.ParseInt(value, 10, 64)
		if err != nil {
			return fmt.Errorf("invalid integer value %q", value)
		}
		field.SetInt(n)
	case reflect.Float32, reflect.Float64:
		f, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return fmt.Errorf("invalid float value %q", value)
		}
		field.SetFloat(f)
	default:
		return fmt.Errorf("unsupported field type %s", field.Type())
	}
	return nil
}

// FindConfigFile searches the standard locations for the daemon config.
func FindConfigFile() string {
	searchPaths := []string{
		"minefleet.yaml",
		filepath.Join("config", "minefleet.yaml"),
		filepath.Join("/etc", "minefleet", "minefleet.yaml"),
	}
	if homeDir, err := os.UserHomeDir(); err == nil {
		searchPaths = append(searchPaths, filepath.Join(homeDir, ".minefleet", "minefleet.yaml"))
	}
	for _, path := range searchPaths {
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}
	return ""
}
