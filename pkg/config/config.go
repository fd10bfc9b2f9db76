package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"os/user"
	"path/filepath"

	"gopkg.in/yaml.v2"

	"github.com/go-delve/faultcheck/pkg/proc/ctxpatch"
)

const (
	configDir    string = ".faultcheck"
	configDirXdg string = "faultcheck"
	configFile   string = "config.yml"
)

// Config defines all configuration options available to be set through the config file.
type Config struct {
	// StackEntryAlignment overrides the required value of SP mod 16 at
	// function entry for the named targets (GOOS/GOARCH).
	StackEntryAlignment map[string]int `yaml:"stack-entry-alignment,omitempty"`

	// WorkerThreads is the number of threads the cancel command starts and
	// cancels.
	WorkerThreads *int `yaml:"worker-threads,omitempty"`
	// ExitThreads is the number of short lived threads the cancel command
	// starts once the workers are running.
	ExitThreads *int `yaml:"exit-threads,omitempty"`

	// LogOutput is the default list of log layers, as accepted by
	// --log-output.
	LogOutput string `yaml:"log-output,omitempty"`

	// Instrumenter is the default instrumenter path used by the launch
	// command when -pin is not given.
	Instrumenter string `yaml:"instrumenter,omitempty"`
}

// Validate checks that every value in c is usable.
func (c *Config) Validate() error {
	for triple := range c.StackEntryAlignment {
		if _, err := ctxpatch.LookupTarget(triple, c.StackEntryAlignment); err != nil {
			return err
		}
	}
	if c.WorkerThreads != nil && *c.WorkerThreads < 1 {
		return fmt.Errorf("worker-threads must be at least 1, got %d", *c.WorkerThreads)
	}
	if c.ExitThreads != nil && *c.ExitThreads < 0 {
		return fmt.Errorf("exit-threads can not be negative, got %d", *c.ExitThreads)
	}
	return nil
}

// Workers returns the configured number of worker threads, or def.
func (c *Config) Workers(def int) int {
	if c.WorkerThreads == nil {
		return def
	}
	return *c.WorkerThreads
}

// Exiters returns the configured number of exit threads, or def.
func (c *Config) Exiters(def int) int {
	if c.ExitThreads == nil {
		return def
	}
	return *c.ExitThreads
}

// LoadConfig attempts to populate a Config object from the config.yml
// file, creating a default one if it does not exist.
func LoadConfig() (*Config, error) {
	err := createConfigPath()
	if err != nil {
		return &Config{}, fmt.Errorf("could not create config directory: %v", err)
	}
	fullConfigFile, err := GetConfigFilePath(configFile)
	if err != nil {
		return &Config{}, fmt.Errorf("unable to get config file path: %v", err)
	}
	if _, err := os.Stat(fullConfigFile); errors.Is(err, os.ErrNotExist) {
		if err := createDefaultConfig(fullConfigFile); err != nil {
			return &Config{}, fmt.Errorf("error creating default config file: %v", err)
		}
	}
	return LoadConfigFrom(fullConfigFile)
}

// LoadConfigFrom reads the configuration in path.
func LoadConfigFrom(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return &Config{}, err
	}
	defer f.Close()

	data, err := io.ReadAll(f)
	if err != nil {
		return &Config{}, fmt.Errorf("unable to read config data: %v", err)
	}

	var c Config
	if err := yaml.Unmarshal(data, &c); err != nil {
		return &Config{}, fmt.Errorf("unable to decode config file: %v", err)
	}
	if err := c.Validate(); err != nil {
		return &Config{}, fmt.Errorf("%s: %v", path, err)
	}
	return &c, nil
}

// Set changes the option called key. value is read as YAML, an empty
// value removes the option. c is left unchanged if the result is not a
// valid configuration.
func (c *Config) Set(key, value string) error {
	var v interface{}
	if err := yaml.Unmarshal([]byte(value), &v); err != nil {
		return fmt.Errorf("invalid value for %s: %v", key, err)
	}
	data, err := yaml.Marshal(c)
	if err != nil {
		return err
	}
	var items yaml.MapSlice
	if err := yaml.Unmarshal(data, &items); err != nil {
		return err
	}
	found := false
	for i := range items {
		if items[i].Key == key {
			items[i].Value = v
			found = true
		}
	}
	if !found {
		items = append(items, yaml.MapItem{Key: key, Value: v})
	}
	if data, err = yaml.Marshal(items); err != nil {
		return err
	}
	var nc Config
	if err := yaml.UnmarshalStrict(data, &nc); err != nil {
		return fmt.Errorf("could not set %s: %v", key, err)
	}
	if err := nc.Validate(); err != nil {
		return err
	}
	*c = nc
	return nil
}

// Dump writes c to w in the configuration file format.
func (c *Config) Dump(w io.Writer) error {
	out, err := yaml.Marshal(c)
	if err != nil {
		return err
	}
	_, err = w.Write(out)
	return err
}

// SaveConfig will marshal and save the config struct
// to disk.
func SaveConfig(conf *Config) error {
	fullConfigFile, err := GetConfigFilePath(configFile)
	if err != nil {
		return err
	}
	return SaveConfigTo(conf, fullConfigFile)
}

// SaveConfigTo writes conf to path, replacing its content.
func SaveConfigTo(conf *Config, path string) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()
	return conf.Dump(f)
}

func createDefaultConfig(path string) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("unable to create config file: %v", err)
	}
	defer f.Close()
	if err := writeDefaultConfig(f); err != nil {
		return fmt.Errorf("unable to write default configuration: %v", err)
	}
	return nil
}

func writeDefaultConfig(w io.Writer) error {
	_, err := io.WriteString(w,
		`# Configuration file for faultcheck.

# This is the default configuration file. Available options are provided, but disabled.
# Delete the leading hash mark to enable an item.

# Required value of SP mod 16 at function entry, per target. Overrides the
# built-in values (8 on amd64, 12 on 386, 0 on windows/386).
# stack-entry-alignment:
#   linux/386: 12

# Number of worker threads started and cancelled by the cancel command.
# worker-threads: 4

# Number of short lived threads started once the workers are running.
# exit-threads: 4

# Log layers enabled by default (fault, context, cancel, host, launch).
# log-output: fault,cancel

# Instrumenter used by the launch command when -pin is not given.
# instrumenter: /opt/pin/pin
`)
	return err
}

// createConfigPath creates the directory structure at which all config files are saved.
func createConfigPath() error {
	path, err := GetConfigFilePath("")
	if err != nil {
		return err
	}
	return os.MkdirAll(path, 0700)
}

// GetConfigFilePath gets the full path to the given config file name.
func GetConfigFilePath(file string) (string, error) {
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, configDirXdg, file), nil
	}
	userHomeDir := "."
	usr, err := user.Current()
	if err == nil {
		userHomeDir = usr.HomeDir
	}
	return filepath.Join(userHomeDir, configDir, file), nil
}
