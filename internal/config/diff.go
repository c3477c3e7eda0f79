package config

import (
	"strings"

	logx "taskd/pkg/logx"
)

// SummarizeConfigChange returns (1) a compact list of changed sections,
// (2) safe structured attrs for logging (never includes the password or
// debug token), and (3) the changed keys that only take effect after a
// restart.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field, []string) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 7)
	attrs := make([]logx.Field, 0, 16)
	restart := make([]string, 0, 3)

	osrv, ns := oldCfg.Server, newCfg.Server
	if osrv != ns {
		changed = append(changed, "server")
		attrs = append(attrs,
			logx.String("server.read_timeout", strings.TrimSpace(ns.ReadTimeout)),
			logx.String("server.write_timeout", strings.TrimSpace(ns.WriteTimeout)),
			logx.Int("server.max_request_bytes", ns.MaxRequestBytes),
			logx.Any("server.accept_rate", ns.AcceptRate),
		)
		if strings.TrimSpace(osrv.Addr) != strings.TrimSpace(ns.Addr) {
			restart = append(restart, "server.addr")
		}
	}

	if oldCfg.Auth != newCfg.Auth {
		changed = append(changed, "auth")
		attrs = append(attrs,
			logx.Bool("auth.password_changed", oldCfg.Auth.Password != newCfg.Auth.Password),
			logx.String("auth.session_ttl", strings.TrimSpace(newCfg.Auth.SessionTTL)),
			logx.Int("auth.max_sessions", newCfg.Auth.MaxSessions),
		)
	}

	if oldCfg.Scheduler != newCfg.Scheduler {
		changed = append(changed, "scheduler")
		attrs = append(attrs,
			logx.String("scheduler.poll_interval", strings.TrimSpace(newCfg.Scheduler.PollInterval)),
			logx.String("scheduler.timezone", strings.TrimSpace(newCfg.Scheduler.Timezone)),
		)
		if strings.TrimSpace(oldCfg.Scheduler.Timezone) != strings.TrimSpace(newCfg.Scheduler.Timezone) {
			restart = append(restart, "scheduler.timezone")
		}
	}

	if oldCfg.Executor != newCfg.Executor {
		changed = append(changed, "executor")
		attrs = append(attrs,
			logx.String("executor.shell", newCfg.Executor.Shell),
			logx.String("executor.output_dir", newCfg.Executor.OutputDir),
			logx.String("executor.timeout", strings.TrimSpace(newCfg.Executor.Timeout)),
		)
	}

	if oldCfg.Storage != newCfg.Storage {
		changed = append(changed, "storage")
		attrs = append(attrs,
			logx.String("storage.driver", newCfg.Storage.Driver),
			logx.String("storage.path", newCfg.Storage.Path),
		)
		restart = append(restart, "storage")
	}

	if oldCfg.Logging != newCfg.Logging {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
		)
	}

	nd := newCfg.Debug
	if oldCfg.Debug != nd {
		changed = append(changed, "debug")
		attrs = append(attrs,
			logx.Bool("debug.enabled", nd.Enabled),
			logx.String("debug.addr", strings.TrimSpace(nd.Addr)),
			logx.Bool("debug.token_set", strings.TrimSpace(nd.Token) != ""),
		)
	}

	return changed, attrs, restart
}
