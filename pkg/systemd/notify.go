package systemd

import (
	"context"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	logx "marzbot/pkg/logx"
)

// Notify sends state to the service manager. It reports false, without an
// error, when the process is not running under systemd.
func Notify(state string) (bool, error) {
	return daemon.SdNotify(false, state)
}

func Ready(log logx.Logger) { notify(log, daemon.SdNotifyReady) }

func Stopping(log logx.Logger) { notify(log, daemon.SdNotifyStopping) }

// Status publishes a free-form status line shown by systemctl status.
func Status(log logx.Logger, msg string) { notify(log, "STATUS="+msg) }

func notify(log logx.Logger, state string) {
	sent, err := Notify(state)
	if err != nil {
		log.Warn("sd_notify failed", logx.String("state", state), logx.Err(err))
		return
	}
	if sent {
		log.Debug("sd_notify sent", logx.String("state", state))
	}
}

// Watchdog pings the service manager at half the configured WatchdogSec
// until ctx is done. It returns at once when the watchdog is disabled.
func Watchdog(ctx context.Context, log logx.Logger) {
	interval, err := daemon.SdWatchdogEnabled(false)
	if err != nil {
		log.Warn("watchdog config invalid", logx.Err(err))
		return
	}
	if interval <= 0 {
		return
	}
	t := time.NewTicker(interval / 2)
	defer t.Stop()
	log.Info("systemd watchdog enabled", logx.Duration("interval", interval))
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			notify(log, daemon.SdNotifyWatchdog)
		}
	}
}
