package heartbeat

import (
	"os"

	"github.com/coreos/go-systemd/v22/daemon"

	"github.com/teranos/forage/errors"
)

// Supervisor notification states.
const (
	NotifyReady    = daemon.SdNotifyReady
	NotifyWatchdog = daemon.SdNotifyWatchdog
	NotifyStopping = daemon.SdNotifyStopping
)

// Notifier pings whatever process supervisor manages the worker.
type Notifier interface {
	Notify(state string) error
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(state string) error

func (f NotifierFunc) Notify(state string) error { return f(state) }

// SystemdNotifier sends sd_notify states to $NOTIFY_SOCKET.
type SystemdNotifier struct{}

// NewSystemdNotifier returns a notifier, or nil when the process is not
// running under a notify-aware supervisor.
func NewSystemdNotifier() *SystemdNotifier {
	if os.Getenv("NOTIFY_SOCKET") == "" {
		return nil
	}
	return &SystemdNotifier{}
}

// Notify sends one state.
func (n *SystemdNotifier) Notify(state string) error {
	if n == nil {
		return nil
	}
	if _, err := daemon.SdNotify(false, state); err != nil {
		return errors.Wrapf(err, "failed to send %s", state)
	}
	return nil
}
