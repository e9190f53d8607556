//go:build darwin

package console

import (
	"fmt"
	"os"
	"syscall"
)

const consoleDevice = "/dev/console"

// UID returns the uid of the user owning the active console session.
// On macOS the loginwindow chowns /dev/console to the console user at
// login; that owner is the trust anchor for the helper.
func UID() (uint32, error) {
	fi, err := os.Stat(consoleDevice)
	if err != nil {
		return 0, fmt.Errorf("resolve console owner: %w", err)
	}
	st, ok := fi.Sys().(*syscall.Stat_t)
	if !ok {
		return 0, fmt.Errorf("unexpected stat result for %s", consoleDevice)
	}
	return st.Uid, nil
}
