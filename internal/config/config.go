package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"
)

type Config struct {
	SocketPath string
	DBPath     string

	// ListenHost is the interface tunnel endpoints bind to. Hooks run inside
	// a web view on the same machine, so this stays on loopback.
	ListenHost     string
	PortRangeStart int
	PortRangeEnd   int

	// ProbeTimeout bounds one reattach probe; it is deliberately shorter
	// than CommandTimeout since a probe is only an existence check.
	ProbeTimeout   time.Duration
	ConnectTimeout time.Duration
	CommandTimeout time.Duration

	// HeartbeatStaleAfter must exceed both command and probe timeouts so a
	// brief reconnect gap is not declared a loss.
	HeartbeatStaleAfter time.Duration

	InstallMaxAttempts int
	AttachMaxAttempts  int
	RetryBackoff       []time.Duration

	// InjectCommand is the external injection primitive, invoked as
	// "cmd args... <window-handle> <port>". A non-zero exit is treated as
	// InjectionDenied.
	InjectCommand []string
	InjectTimeout time.Duration

	// HookApp is the application identity a probed or installed peer must
	// report. Empty accepts any peer, which is only sensible in tests.
	HookApp string
}

func DefaultConfig() Config {
	return Config{
		SocketPath:          defaultSocketPath(),
		DBPath:              defaultDBPath(),
		ListenHost:          "127.0.0.1",
		PortRangeStart:      9000,
		PortRangeEnd:        9100,
		ProbeTimeout:        1500 * time.Millisecond,
		ConnectTimeout:      5 * time.Second,
		CommandTimeout:      5 * time.Second,
		HeartbeatStaleAfter: 15 * time.Second,
		InstallMaxAttempts:  3,
		AttachMaxAttempts:   2,
		RetryBackoff:        []time.Duration{250 * time.Millisecond, 1 * time.Second},
		InjectTimeout:       10 * time.Second,
	}
}

func (c Config) Validate() error {
	if c.PortRangeStart <= 0 || c.PortRangeEnd > 65535 {
		return fmt.Errorf("port range %d-%d out of bounds", c.PortRangeStart, c.PortRangeEnd)
	}
	if c.PortRangeEnd <= c.PortRangeStart {
		return fmt.Errorf("port range end %d must be greater than start %d", c.PortRangeEnd, c.PortRangeStart)
	}
	if c.ProbeTimeout <= 0 || c.ConnectTimeout <= 0 || c.CommandTimeout <= 0 {
		return fmt.Errorf("probe, connect and command timeouts must be positive")
	}
	if c.HeartbeatStaleAfter <= c.CommandTimeout || c.HeartbeatStaleAfter <= c.ProbeTimeout {
		return fmt.Errorf("heartbeat staleness window %s must exceed command and probe timeouts", c.HeartbeatStaleAfter)
	}
	if c.InstallMaxAttempts < 1 || c.AttachMaxAttempts < 1 {
		return fmt.Errorf("install and attach attempt budgets must be at least 1")
	}
	return nil
}

func defaultSocketPath() string {
	runtimeDir := os.Getenv("XDG_RUNTIME_DIR")
	if runtimeDir != "" {
		return filepath.Join(runtimeDir, "hooktun", "hooktund.sock")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".hooktund.sock"
	}
	return filepath.Join(home, ".local", "state", "hooktun", "hooktund.sock")
}

func defaultDBPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "hooktun.db"
	}
	return filepath.Join(home, ".local", "state", "hooktun", "state.db")
}
