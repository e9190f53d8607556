package procmgr

import (
	"bytes"
	"os"
	"runtime"
	"strconv"
	"syscall"
)

// alive probes liveness with a null signal. On Linux a quickly-exiting
// child lingers as a zombie until reaped; treat that as not alive.
func alive(pid int) bool {
	if runtime.GOOS == "linux" && isZombieLinux(pid) {
		return false
	}
	return syscall.Kill(pid, 0) == nil
}

// isZombieLinux returns true if /proc/<pid>/status reports state Z.
func isZombieLinux(pid int) bool {
	b, err := os.ReadFile("/proc/" + strconv.Itoa(pid) + "/status")
	if err != nil {
		return false
	}
	return bytes.Contains(b, []byte("State:\tZ"))
}
