// Package systemd reports service state to the systemd manager through the
// sd_notify protocol. Every call is a no-op outside a Type=notify unit.
package systemd

import (
	"github.com/coreos/go-systemd/v22/daemon"
)

// Ready reports that startup finished, along with a free-form status line.
// It reports false when NOTIFY_SOCKET is not set.
func Ready(status string) (bool, error) {
	return daemon.SdNotify(false, daemon.SdNotifyReady+"\nSTATUS="+status)
}

// Status updates the status line shown by systemctl status.
func Status(status string) (bool, error) {
	return daemon.SdNotify(false, "STATUS="+status)
}

// Reloading reports that a configuration reload is in progress. Call Ready
// once it is applied.
func Reloading() (bool, error) {
	return daemon.SdNotify(false, daemon.SdNotifyReloading)
}

// Stopping reports that shutdown has begun.
func Stopping() (bool, error) {
	return daemon.SdNotify(false, daemon.SdNotifyStopping)
}
