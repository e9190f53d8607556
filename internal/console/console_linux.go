//go:build linux

package console

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
)

const sessionsDir = "/run/systemd/sessions"

// UID returns the uid of the user owning the active graphical session.
// It prefers logind session records and falls back to the owner of
// /dev/console on systems without systemd.
func UID() (uint32, error) {
	if uid, err := activeSessionUID(); err == nil {
		return uid, nil
	}
	fi, err := os.Stat("/dev/console")
	if err != nil {
		return 0, fmt.Errorf("resolve console owner: %w", err)
	}
	st, ok := fi.Sys().(*syscall.Stat_t)
	if !ok {
		return 0, fmt.Errorf("unexpected stat result for /dev/console")
	}
	return st.Uid, nil
}

// activeSessionUID scans logind session records for the first session
// marked active and returns its owner.
func activeSessionUID() (uint32, error) {
	entries, err := os.ReadDir(sessionsDir)
	if err != nil {
		return 0, err
	}
	for _, e := range entries {
		if e.IsDir() || strings.HasSuffix(e.Name(), ".ref") {
			continue
		}
		uid, active, err := parseSession(filepath.Join(sessionsDir, e.Name()))
		if err != nil {
			continue
		}
		if active {
			return uid, nil
		}
	}
	return 0, fmt.Errorf("no active session under %s", sessionsDir)
}

func parseSession(path string) (uid uint32, active bool, err error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, false, err
	}
	defer func() { _ = f.Close() }()

	var haveUID bool
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := sc.Text()
		switch {
		case strings.HasPrefix(line, "UID="):
			n, perr := strconv.ParseUint(strings.TrimPrefix(line, "UID="), 10, 32)
			if perr != nil {
				return 0, false, perr
			}
			uid = uint32(n)
			haveUID = true
		case line == "ACTIVE=1":
			active = true
		}
	}
	if err := sc.Err(); err != nil {
		return 0, false, err
	}
	if !haveUID {
		return 0, false, fmt.Errorf("no UID in %s", path)
	}
	return uid, active, nil
}
