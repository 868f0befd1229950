package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// fileConfig mirrors Config with optional fields so a config file only
// overrides what it names. Durations are written as Go duration strings.
type fileConfig struct {
	SocketPath          *string  `yaml:"socket_path"`
	DBPath              *string  `yaml:"db_path"`
	ListenHost          *string  `yaml:"listen_host"`
	PortRangeStart      *int     `yaml:"port_range_start"`
	PortRangeEnd        *int     `yaml:"port_range_end"`
	ProbeTimeout        *string  `yaml:"probe_timeout"`
	ConnectTimeout      *string  `yaml:"connect_timeout"`
	CommandTimeout      *string  `yaml:"command_timeout"`
	HeartbeatStaleAfter *string  `yaml:"heartbeat_stale_after"`
	InstallMaxAttempts  *int     `yaml:"install_max_attempts"`
	AttachMaxAttempts   *int     `yaml:"attach_max_attempts"`
	RetryBackoff        []string `yaml:"retry_backoff"`
	InjectCommand       []string `yaml:"inject_command"`
	InjectTimeout       *string  `yaml:"inject_timeout"`
	HookApp             *string  `yaml:"hook_app"`
}

// Load reads a YAML config file and applies it over base.
func Load(path string, base Config) (Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return base, fmt.Errorf("read config: %w", err)
	}
	var fc fileConfig
	if err := yaml.Unmarshal(raw, &fc); err != nil {
		return base, fmt.Errorf("parse config: %w", err)
	}

	cfg := base
	if fc.SocketPath != nil {
		cfg.SocketPath = *fc.SocketPath
	}
	if fc.DBPath != nil {
		cfg.DBPath = *fc.DBPath
	}
	if fc.ListenHost != nil {
		cfg.ListenHost = *fc.ListenHost
	}
	if fc.PortRangeStart != nil {
		cfg.PortRangeStart = *fc.PortRangeStart
	}
	if fc.PortRangeEnd != nil {
		cfg.PortRangeEnd = *fc.PortRangeEnd
	}
	if err := applyDuration(&cfg.ProbeTimeout, fc.ProbeTimeout, "probe_timeout"); err != nil {
		return base, err
	}
	if err := applyDuration(&cfg.ConnectTimeout, fc.ConnectTimeout, "connect_timeout"); err != nil {
		return base, err
	}
	if err := applyDuration(&cfg.CommandTimeout, fc.CommandTimeout, "command_timeout"); err != nil {
		return base, err
	}
	if err := applyDuration(&cfg.HeartbeatStaleAfter, fc.HeartbeatStaleAfter, "heartbeat_stale_after"); err != nil {
		return base, err
	}
	if err := applyDuration(&cfg.InjectTimeout, fc.InjectTimeout, "inject_timeout"); err != nil {
		return base, err
	}
	if fc.InstallMaxAttempts != nil {
		cfg.InstallMaxAttempts = *fc.InstallMaxAttempts
	}
	if fc.AttachMaxAttempts != nil {
		cfg.AttachMaxAttempts = *fc.AttachMaxAttempts
	}
	if len(fc.RetryBackoff) > 0 {
		backoff := make([]time.Duration, 0, len(fc.RetryBackoff))
		for _, s := range fc.RetryBackoff {
			d, err := time.ParseDuration(s)
			if err != nil {
				return base, fmt.Errorf("parse retry_backoff %q: %w", s, err)
			}
			backoff = append(backoff, d)
		}
		cfg.RetryBackoff = backoff
	}
	if len(fc.InjectCommand) > 0 {
		cfg.InjectCommand = fc.InjectCommand
	}
	if fc.HookApp != nil {
		cfg.HookApp = *fc.HookApp
	}
	return cfg, nil
}

func applyDuration(dst *time.Duration, raw *string, field string) error {
	if raw == nil {
		return nil
	}
	d, err := time.ParseDuration(*raw)
	if err != nil {
		return fmt.Errorf("parse %s %q: %w", field, *raw, err)
	}
	*dst = d
	return nil
}
