package app

import (
	"context"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	"taskd/pkg/zlog"
)

// notifyReady tells systemd the daemon is up and, when the unit asks for
// watchdog pings, keeps them flowing at half the configured interval.
// Outside systemd every call here is a no-op.
func (a *App) notifyReady() {
	sent, err := daemon.SdNotify(false, daemon.SdNotifyReady)
	if err != nil {
		a.log.Warn("sd_notify ready failed", zlog.Err(err))
	} else if sent {
		a.log.Debug("sd_notify ready sent")
	}

	interval, err := daemon.SdWatchdogEnabled(false)
	if err != nil {
		a.log.Warn("sd_watchdog detection failed", zlog.Err(err))
		return
	}
	if interval <= 0 {
		return
	}
	a.sup.Go0("systemd.watchdog", func(c context.Context) {
		t := time.NewTicker(interval / 2)
		defer t.Stop()
		for {
			select {
			case <-c.Done():
				return
			case <-t.C:
				_, _ = daemon.SdNotify(false, daemon.SdNotifyWatchdog)
			}
		}
	})
	a.log.Info("systemd watchdog enabled", zlog.Duration("interval", interval))
}

// notifyStopping reports shutdown start so systemd stops expecting
// watchdog pings while the stop steps run.
func (a *App) notifyStopping() {
	if _, err := daemon.SdNotify(false, daemon.SdNotifyStopping); err != nil {
		a.log.Debug("sd_notify stopping failed", zlog.Err(err))
	}
}
