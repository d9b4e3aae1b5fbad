// Package config loads gateway configuration from environment variables,
// an optional YAML file, and built-in defaults, in that order of precedence.
package config

import (
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/viper"
)

// Config holds every tunable the gateway needs at startup. Individual
// components (ADB executor, scrcpy controller, HTTP server) read their
// slice of it rather than touching viper directly.
type Config struct {
	HTTPAddr string
	WSAddr   string

	ADBPath           string
	ADBDefaultTimeout time.Duration

	ScrcpyServerPath  string
	ScrcpyPortRangeLo int
	ScrcpyPortRangeHi int

	DatabasePath string

	AgentBinaryPath string
}

var v *viper.Viper

func init() {
	v = viper.New()

	v.SetDefault("http.addr", ":8080")
	v.SetDefault("ws.addr", ":8080")

	v.SetDefault("adb.path", "")
	v.SetDefault("adb.default_timeout", "30s")

	v.SetDefault("scrcpy.server_path", "")
	v.SetDefault("scrcpy.port_range_lo", 27200)
	v.SetDefault("scrcpy.port_range_hi", 27999)

	v.SetDefault("database.path", "./data/androidcontrol.db")

	v.SetDefault("agent.binary_path", "")

	v.AutomaticEnv()
	v.BindEnv("http.addr", "GATEWAY_HTTP_ADDR")
	v.BindEnv("ws.addr", "GATEWAY_WS_ADDR")
	v.BindEnv("adb.path", "ADB_PATH")
	v.BindEnv("adb.default_timeout", "ADB_DEFAULT_TIMEOUT")
	v.BindEnv("scrcpy.server_path", "SCRCPY_SERVER_PATH")
	v.BindEnv("database.path", "GATEWAY_DB_PATH")
	v.BindEnv("agent.binary_path", "AGENT_BINARY_PATH")

	v.SetConfigName("config")
	v.SetConfigType("yaml")

	for _, path := range []string{".", "$HOME/.androidcontrol", "/etc/androidcontrol"} {
		v.AddConfigPath(os.ExpandEnv(path))
	}

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			panic("fatal error reading config file: " + err.Error())
		}
	}
}

// Load materializes a Config snapshot from the current viper state.
func Load() *Config {
	return &Config{
		HTTPAddr:          v.GetString("http.addr"),
		WSAddr:            v.GetString("ws.addr"),
		ADBPath:           v.GetString("adb.path"),
		ADBDefaultTimeout: v.GetDuration("adb.default_timeout"),
		ScrcpyServerPath:  v.GetString("scrcpy.server_path"),
		ScrcpyPortRangeLo: v.GetInt("scrcpy.port_range_lo"),
		ScrcpyPortRangeHi: v.GetInt("scrcpy.port_range_hi"),
		DatabasePath:      v.GetString("database.path"),
		AgentBinaryPath:   v.GetString("agent.binary_path"),
	}
}

// ResolveScrcpyServerPath finds the scrcpy-server JAR: configured path,
// project root, then a fixed list of system install locations.
func (c *Config) ResolveScrcpyServerPath() string {
	if c.ScrcpyServerPath != "" {
		if _, err := os.Stat(c.ScrcpyServerPath); err == nil {
			return c.ScrcpyServerPath
		}
	}

	candidates := []string{
		filepath.Join(".", "assets", "scrcpy-server"),
		"/usr/share/scrcpy/scrcpy-server",
		"/usr/local/share/scrcpy/scrcpy-server",
	}
	for _, candidate := range candidates {
		if _, err := os.Stat(candidate); err == nil {
			return candidate
		}
	}
	return candidates[0]
}
