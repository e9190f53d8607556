//go:build darwin

package supervisor

import (
	"fmt"
	"os/exec"
	"strings"
)

// osascriptElevator runs the worker behind the standard macOS
// administrator authorization dialog. One prompt per start; used only
// when the helper daemon is not installed or not answering.
type osascriptElevator struct{}

func defaultElevator() Elevator { return osascriptElevator{} }

func (osascriptElevator) Start(binary, configPath string) error {
	cmd := fmt.Sprintf("%s -config %s -loglevel 2 >/dev/null 2>&1 &", binary, configPath)
	return runOsascript(fmt.Sprintf("do shell script %q with administrator privileges", cmd))
}

func (osascriptElevator) Stop(binary string) error {
	return runOsascript(fmt.Sprintf("do shell script %q with administrator privileges",
		"/usr/bin/pkill -f "+binary))
}

func runOsascript(script string) error {
	out, err := exec.Command("/usr/bin/osascript", "-e", script).CombinedOutput()
	if err != nil {
		return fmt.Errorf("elevation prompt failed: %v: %s", err, strings.TrimSpace(string(out)))
	}
	return nil
}
