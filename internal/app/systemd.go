package app

import (
	"context"

	"github.com/coreos/go-systemd/v22/daemon"

	"tickd/internal/timer"
	logx "tickd/pkg/logx"
)

// sdNotifier talks to systemd over NOTIFY_SOCKET. Every call is a no-op
// when the process is not run by systemd or notify is disabled.
type sdNotifier struct {
	enabled bool
	log     logx.Logger
}

func (n sdNotifier) notify(state string) {
	if !n.enabled {
		return
	}
	sent, err := daemon.SdNotify(false, state)
	if err != nil {
		n.log.Warn("sd_notify failed", logx.String("state", state), logx.Err(err))
		return
	}
	if sent {
		n.log.Debug("sd_notify sent", logx.String("state", state))
	}
}

func (n sdNotifier) ready()    { n.notify(daemon.SdNotifyReady) }
func (n sdNotifier) stopping() { n.notify(daemon.SdNotifyStopping) }

// startWatchdog pings the systemd watchdog at half its interval, driven by
// the timer service itself so a stalled scheduler loop trips the watchdog.
// It returns nil when the watchdog is not enabled for this process.
func (n sdNotifier) startWatchdog(timers *timer.Service) (*timer.Handle, error) {
	interval, err := daemon.SdWatchdogEnabled(false)
	if err != nil || interval <= 0 {
		return nil, err
	}
	every := interval / 2
	h, err := timers.Schedule(0, every, "watchdog", timer.TargetFunc(func(context.Context, any) error {
		_, err := daemon.SdNotify(false, daemon.SdNotifyWatchdog)
		return err
	}))
	if err != nil {
		return nil, err
	}
	n.log.Info("systemd watchdog enabled", logx.Duration("interval", interval), logx.Duration("ping_every", every))
	return h, nil
}
