package config

import (
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	logx "taskd/pkg/logx"
)

// Resolved holds the parsed form of the string-typed fields of Config.
type Resolved struct {
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleGap      time.Duration
	SessionTTL   time.Duration
	PollInterval time.Duration
	ExecTimeout  time.Duration
	BusyTimeout  time.Duration
	Location     *time.Location
}

// Resolve parses durations and the timezone, filling defaults for zero values.
func (c *Config) Resolve() (Resolved, error) {
	var (
		r   Resolved
		err error
	)
	if c == nil {
		return r, errors.New("config is nil")
	}
	durations := []struct {
		key string
		raw string
		def time.Duration // used for empty or zero values; 0 keeps zero
		dst *time.Duration
	}{
		{"server.read_timeout", c.Server.ReadTimeout, 10 * time.Second, &r.ReadTimeout},
		{"server.write_timeout", c.Server.WriteTimeout, 10 * time.Second, &r.WriteTimeout},
		{"server.idle_gap", c.Server.IdleGap, 200 * time.Millisecond, &r.IdleGap},
		{"auth.session_ttl", c.Auth.SessionTTL, 0, &r.SessionTTL},
		{"scheduler.poll_interval", c.Scheduler.PollInterval, 5 * time.Second, &r.PollInterval},
		{"executor.timeout", c.Executor.Timeout, 0, &r.ExecTimeout},
		{"storage.busy_timeout", c.Storage.BusyTimeout, 5 * time.Second, &r.BusyTimeout},
	}
	for _, f := range durations {
		if *f.dst, err = parseDuration(f.key, f.raw, f.def); err != nil {
			return r, err
		}
	}

	r.Location = time.Local
	if tz := strings.TrimSpace(c.Scheduler.Timezone); tz != "" {
		loc, err := time.LoadLocation(tz)
		if err != nil {
			return r, fmt.Errorf("scheduler.timezone: %w", err)
		}
		r.Location = loc
	}
	return r, nil
}

// Validate rejects configs that cannot be applied.
func (c *Config) Validate() error {
	if _, err := c.Resolve(); err != nil {
		return err
	}
	if strings.TrimSpace(c.Server.Addr) == "" {
		return errors.New("server.addr is required")
	}
	if c.Server.MaxRequestBytes < 0 {
		return errors.New("server.max_request_bytes must be >= 0")
	}
	if c.Server.AcceptRate < 0 || c.Server.AcceptBurst < 0 {
		return errors.New("server.accept_rate/accept_burst must be >= 0")
	}
	if c.Auth.MaxSessions < 0 {
		return errors.New("auth.max_sessions must be >= 0")
	}
	if c.Executor.MaxOutputBytes < 0 {
		return errors.New("executor.max_output_bytes must be >= 0")
	}
	switch strings.ToLower(strings.TrimSpace(c.Storage.Driver)) {
	case "", "file", "sqlite", "none":
	default:
		return fmt.Errorf("storage.driver: unknown driver %q", c.Storage.Driver)
	}
	if !logx.ValidLevel(c.Logging.Level) {
		return fmt.Errorf("logging.level: unknown level %q", c.Logging.Level)
	}
	if c.Debug.Enabled && strings.TrimSpace(c.Debug.Token) == "" && !isLoopback(c.Debug.Addr) {
		return fmt.Errorf("debug.addr %q is not loopback; set debug.token", c.Debug.Addr)
	}
	return nil
}

// LogConfig maps the logging section onto logx.Config.
func (c *Config) LogConfig() logx.Config {
	return logx.Config{
		Level:   c.Logging.Level,
		Console: c.Logging.Console,
		File: logx.FileConfig{
			Enabled: c.Logging.File.Enabled,
			Path:    c.Logging.File.Path,
		},
	}
}

// parseDuration reads a Go duration string for key. Negative values are
// rejected; empty and zero values become def.
func parseDuration(key, raw string, def time.Duration) (time.Duration, error) {
	v := strings.TrimSpace(raw)
	if v == "" {
		return def, nil
	}
	d, err := time.ParseDuration(v)
	switch {
	case err != nil:
		return 0, fmt.Errorf("%s: invalid duration %q: %w", key, raw, err)
	case d < 0:
		return 0, fmt.Errorf("%s: duration must be >= 0", key)
	case d == 0:
		return def, nil
	}
	return d, nil
}

func isLoopback(addr string) bool {
	host, _, err := net.SplitHostPort(strings.TrimSpace(addr))
	if err != nil {
		return false
	}
	if host == "localhost" {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
