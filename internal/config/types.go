package config

// Config is the taskd configuration file.
//
// All durations are Go duration strings (e.g. "500ms", "10s", "1m").
// Omitted fields keep the values from Defaults().
type Config struct {
	Server    ServerConfig    `json:"server"`
	Auth      AuthConfig      `json:"auth"`
	Scheduler SchedulerConfig `json:"scheduler"`
	Executor  ExecutorConfig  `json:"executor"`
	Storage   StorageConfig   `json:"storage"`
	Logging   LoggingConfig   `json:"logging"`
	Debug     DebugConfig     `json:"debug"`
}

// ServerConfig controls the TCP listener.
//
// Changing Addr requires a restart; the other fields apply to new connections.
type ServerConfig struct {
	Addr         string `json:"addr"`
	ReadTimeout  string `json:"read_timeout"`
	WriteTimeout string `json:"write_timeout"`

	// IdleGap ends a request that has no trailing newline once the client
	// stops sending for this long.
	IdleGap string `json:"idle_gap,omitempty"`

	MaxRequestBytes int `json:"max_request_bytes"`

	// AcceptRate limits new connections per second (0 = unlimited).
	AcceptRate  float64 `json:"accept_rate,omitempty"`
	AcceptBurst int     `json:"accept_burst,omitempty"`
}

// AuthConfig holds the shared secret and the session table bounds.
type AuthConfig struct {
	Password string `json:"password"` // never logged

	// SessionTTL expires authorized peers; "0s" keeps them until restart.
	SessionTTL  string `json:"session_ttl,omitempty"`
	MaxSessions int    `json:"max_sessions,omitempty"`
}

// SchedulerConfig controls the trigger loop.
type SchedulerConfig struct {
	PollInterval string `json:"poll_interval"`

	// Timezone for HH:MM schedules (IANA name). Empty means local time.
	Timezone string `json:"timezone,omitempty"`
}

// ExecutorConfig controls how job commands are run.
type ExecutorConfig struct {
	Shell          string `json:"shell"`
	OutputDir      string `json:"output_dir"`
	MaxOutputBytes int    `json:"max_output_bytes"`

	// Timeout bounds one run; "0s" disables it.
	Timeout string `json:"timeout,omitempty"`
}

// StorageConfig selects the snapshot backend.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./tasks.db", "busy_timeout": "5s" }
type StorageConfig struct {
	Driver      string `json:"driver"` // file | sqlite | none
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // sqlite only
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// DebugConfig controls the optional HTTP listener serving /metrics and pprof.
//
// Prefer binding to localhost. A non-loopback Addr needs a Token.
type DebugConfig struct {
	Enabled bool   `json:"enabled"`
	Addr    string `json:"addr,omitempty"`
	Token   string `json:"token,omitempty"` // optional bearer token (do not log)
}

// Defaults returns the configuration used when no file is given.
func Defaults() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:            ":8080",
			ReadTimeout:     "10s",
			WriteTimeout:    "10s",
			IdleGap:         "200ms",
			MaxRequestBytes: 4096,
		},
		Auth: AuthConfig{
			Password:    "admin123",
			SessionTTL:  "0s",
			MaxSessions: 1024,
		},
		Scheduler: SchedulerConfig{
			PollInterval: "5s",
		},
		Executor: ExecutorConfig{
			Shell:          "/bin/sh",
			OutputDir:      ".",
			MaxOutputBytes: 65536,
			Timeout:        "0s",
		},
		Storage: StorageConfig{
			Driver:      "file",
			Path:        "tasks.dat",
			BusyTimeout: "5s",
		},
		Logging: LoggingConfig{
			Level:   "info",
			Console: true,
			File:    LoggingFile{Enabled: true, Path: "scheduler.log"},
		},
		Debug: DebugConfig{
			Enabled: false,
			Addr:    "127.0.0.1:6060",
		},
	}
}
