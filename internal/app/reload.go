package app

import (
	"context"
	"strings"

	"taskd/internal/config"
	logx "taskd/pkg/logx"
	"taskd/pkg/systemd"
)

// reloadLoop applies every committed config to the running components.
func (a *App) reloadLoop(ctx context.Context, sub <-chan *config.Config) {
	lastApplied := a.cfgm.Get()
	for {
		select {
		case <-ctx.Done():
			return
		case newCfg, ok := <-sub:
			if !ok {
				return
			}
			// Coalesce bursts: keep only the latest config in the channel.
		drain:
			for {
				select {
				case newer := <-sub:
					if newer != nil {
						newCfg = newer
					}
				default:
					break drain
				}
			}
			if newCfg == nil {
				continue
			}
			a.apply(ctx, lastApplied, newCfg)
			lastApplied = newCfg
		}
	}
}

func (a *App) apply(ctx context.Context, oldCfg, newCfg *config.Config) {
	_, _ = systemd.Reloading()
	defer func() { _, _ = systemd.Ready() }()

	sections, attrs, restart := config.SummarizeConfigChange(oldCfg, newCfg)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}

	res, err := newCfg.Resolve()
	if err != nil {
		// Reload validates before commit, so this only happens on a bug.
		a.log.Error("config resolve failed; keeping previous", logx.Err(err))
		return
	}

	// logging first so the lines below use the new sinks
	a.logs.Apply(newCfg.LogConfig())

	a.auth.Apply(mapAuthConfig(newCfg, res))
	a.trig.SetInterval(res.PollInterval)
	a.exec.Apply(mapExecutorConfig(newCfg, res))
	a.srv.Apply(mapServerConfig(newCfg, res))
	a.debug.Reconfigure(ctx, mapDebugConfig(newCfg, res))

	if len(restart) > 0 {
		a.log.Warn("config change needs a restart to take effect", logx.String("keys", strings.Join(restart, ",")))
	}
	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Info("config reloaded", fields...)
}
