package config

import (
	"fmt"
	"os"
	"os/user"
	"path"

	"gopkg.in/yaml.v2"
)

const (
	configDir  string = ".probemcp"
	configFile string = "config.yml"
)

// Breakpoint fallback policies applied when all hardware comparators are in use.
const (
	FallbackSoftware = "software"
	FallbackFail     = "fail"
)

// Config defines all configuration options available to be set through the config file.
type Config struct {
	// RTTPollIntervalMillis is the interval, in milliseconds, at which the RTT
	// poller reads the on-target up-channel ring buffers.
	RTTPollIntervalMillis int `yaml:"rtt-poll-interval-ms"`
	// RTTHostBufferSize is the per-channel host-side buffer capacity in bytes.
	// When a channel accumulates more unread data than this, the oldest bytes
	// are evicted and counted as dropped.
	RTTHostBufferSize int `yaml:"rtt-host-buffer-size"`
	// RTTFailureLimit is the number of consecutive failed poll ticks after
	// which RTT is marked unhealthy and detached.
	RTTFailureLimit int `yaml:"rtt-failure-limit"`
	// BreakpointFallback selects what happens when a hardware breakpoint is
	// requested but no comparator slot is free: "software" patches a software
	// breakpoint if the address is flash-resident, "fail" reports an error.
	BreakpointFallback string `yaml:"breakpoint-fallback"`
	// MaxReadChunk is the largest number of bytes a single read_memory call
	// may request.
	MaxReadChunk int `yaml:"max-read-chunk"`
	// MaxSessions bounds the number of concurrently connected debug sessions.
	MaxSessions int `yaml:"max-sessions"`
}

// Defaults fills any unset option with its default value.
func (c *Config) Defaults() {
	if c.RTTPollIntervalMillis <= 0 {
		c.RTTPollIntervalMillis = 20
	}
	if c.RTTHostBufferSize <= 0 {
		c.RTTHostBufferSize = 65536
	}
	if c.RTTFailureLimit <= 0 {
		c.RTTFailureLimit = 10
	}
	if c.BreakpointFallback == "" {
		c.BreakpointFallback = FallbackSoftware
	}
	if c.MaxReadChunk <= 0 {
		c.MaxReadChunk = 4096
	}
	if c.MaxSessions <= 0 {
		c.MaxSessions = 4
	}
}

// LoadConfig attempts to populate a Config object from the config.yml file.
func LoadConfig() *Config {
	c := &Config{}
	defer c.Defaults()

	err := createConfigPath()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Could not create config directory: %v.\n", err)
		return c
	}
	fullConfigFile, err := GetConfigFilePath(configFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Unable to get config file path: %v.\n", err)
		return c
	}

	f, err := os.Open(fullConfigFile)
	if err != nil {
		f, err = createDefaultConfig(fullConfigFile)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error creating default config file: %v\n", err)
			return c
		}
	}
	defer func() {
		if err := f.Close(); err != nil {
			fmt.Fprintf(os.Stderr, "Closing config file failed: %v.\n", err)
		}
	}()

	data, err := os.ReadFile(fullConfigFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Unable to read config data: %v.\n", err)
		return c
	}

	if err := yaml.Unmarshal(data, c); err != nil {
		fmt.Fprintf(os.Stderr, "Unable to decode config file: %v.\n", err)
		return &Config{}
	}

	return c
}

// SaveConfig will marshal and save the config struct to disk.
func SaveConfig(conf *Config) error {
	fullConfigFile, err := GetConfigFilePath(configFile)
	if err != nil {
		return err
	}

	out, err := yaml.Marshal(*conf)
	if err != nil {
		return err
	}

	f, err := os.Create(fullConfigFile)
	if err != nil {
		return err
	}
	defer f.Close()

	_, err = f.Write(out)
	return err
}

func createDefaultConfig(path string) (*os.File, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("unable to create config file: %v", err)
	}
	err = writeDefaultConfig(f)
	if err != nil {
		return nil, fmt.Errorf("unable to write default configuration: %v", err)
	}
	return f, nil
}

func writeDefaultConfig(f *os.File) error {
	_, err := f.WriteString(
		`# Configuration file for probemcp.

# This is the default configuration file. Available options are provided, but disabled.
# Delete the leading hash mark to enable an item.

# Interval in milliseconds between RTT up-channel polls.
# rtt-poll-interval-ms: 20

# Host-side buffer capacity per RTT channel in bytes. Oldest data is dropped
# (and counted) once a channel accumulates more unread data than this.
# rtt-host-buffer-size: 65536

# Number of consecutive failed poll ticks before RTT is marked detached.
# rtt-failure-limit: 10

# What to do when a hardware breakpoint is requested but all comparators are
# in use: "software" falls back to patching the instruction if it is in flash,
# "fail" reports BreakpointLimitExceeded.
# breakpoint-fallback: software

# Largest read_memory request in bytes.
# max-read-chunk: 4096

# Maximum number of concurrently connected debug sessions.
# max-sessions: 4
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
	userHomeDir := "."
	usr, err := user.Current()
	if err == nil {
		userHomeDir = usr.HomeDir
	}
	return path.Join(userHomeDir, configDir, file), nil
}
