package app

import (
	"fmt"
	"strings"

	"taskd/internal/auth"
	"taskd/internal/config"
	"taskd/internal/executor"
	"taskd/internal/observability/debughttp"
	"taskd/internal/server"
	"taskd/internal/storage"
)

func mapServerConfig(cfg *config.Config, res config.Resolved) server.Config {
	return server.Config{
		Addr:            strings.TrimSpace(cfg.Server.Addr),
		ReadTimeout:     res.ReadTimeout,
		WriteTimeout:    res.WriteTimeout,
		IdleGap:         res.IdleGap,
		MaxRequestBytes: cfg.Server.MaxRequestBytes,
		AcceptRate:      cfg.Server.AcceptRate,
		AcceptBurst:     cfg.Server.AcceptBurst,
	}
}

func mapAuthConfig(cfg *config.Config, res config.Resolved) auth.Config {
	return auth.Config{
		Password:    cfg.Auth.Password,
		SessionTTL:  res.SessionTTL,
		MaxSessions: cfg.Auth.MaxSessions,
	}
}

func mapExecutorConfig(cfg *config.Config, res config.Resolved) executor.Config {
	return executor.Config{
		Shell:          strings.TrimSpace(cfg.Executor.Shell),
		OutputDir:      strings.TrimSpace(cfg.Executor.OutputDir),
		MaxOutputBytes: cfg.Executor.MaxOutputBytes,
		Timeout:        res.ExecTimeout,
	}
}

func mapStorageConfig(cfg *config.Config, res config.Resolved) (storage.Config, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Storage.Driver))
	path := strings.TrimSpace(cfg.Storage.Path)
	switch driver {
	case "", "file":
		if path == "" {
			path = "tasks.dat"
		}
		return storage.Config{Driver: "file", Path: path}, nil
	case "sqlite", "sqlite3":
		if path == "" {
			return storage.Config{}, fmt.Errorf("storage.path is required when storage.driver=sqlite")
		}
		return storage.Config{Driver: "sqlite", Path: path, BusyTimeout: res.BusyTimeout}, nil
	case "none":
		return storage.Config{Driver: "none"}, nil
	default:
		return storage.Config{}, fmt.Errorf("unknown storage.driver: %s", cfg.Storage.Driver)
	}
}

func mapDebugConfig(cfg *config.Config, res config.Resolved) debughttp.Config {
	return debughttp.Config{
		Enabled:      cfg.Debug.Enabled,
		Addr:         strings.TrimSpace(cfg.Debug.Addr),
		Token:        strings.TrimSpace(cfg.Debug.Token),
		ReadTimeout:  res.ReadTimeout,
		WriteTimeout: 0, // /debug/pprof/profile streams for up to 30s
	}
}

// validate runs every mapping so a hot reload is rejected before commit
// when any component would refuse the new config.
func validate(cfg *config.Config) error {
	res, err := cfg.Resolve()
	if err != nil {
		return err
	}
	if _, err := mapStorageConfig(cfg, res); err != nil {
		return err
	}
	if cfg.Executor.Shell != "" && !strings.HasPrefix(strings.TrimSpace(cfg.Executor.Shell), "/") {
		return fmt.Errorf("executor.shell must be an absolute path: %q", cfg.Executor.Shell)
	}
	return nil
}
