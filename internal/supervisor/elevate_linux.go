//go:build linux

package supervisor

import (
	"fmt"
	"os/exec"
	"strings"
)

// pkexecElevator runs the worker behind a polkit authorization prompt.
type pkexecElevator struct{}

func defaultElevator() Elevator { return pkexecElevator{} }

func (pkexecElevator) Start(binary, configPath string) error {
	cmd := fmt.Sprintf("%s -config %s -loglevel 2 >/dev/null 2>&1 &", binary, configPath)
	return runPkexec("sh", "-c", cmd)
}

func (pkexecElevator) Stop(binary string) error {
	return runPkexec("pkill", "-f", binary)
}

func runPkexec(args ...string) error {
	out, err := exec.Command("pkexec", args...).CombinedOutput()
	if err != nil {
		return fmt.Errorf("elevation prompt failed: %v: %s", err, strings.TrimSpace(string(out)))
	}
	return nil
}
