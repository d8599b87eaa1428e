package session

import (
	"errors"
	"fmt"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strconv"
)

// ErrBrowserNotFound means no candidate browser binary exists.
var ErrBrowserNotFound = errors.New("browser binary not found")

// DefaultBinaries returns the per-OS search list: the primary browser first,
// then two alternates.
func DefaultBinaries() []string {
	switch runtime.GOOS {
	case "darwin":
		return []string{
			"/Applications/Google Chrome.app/Contents/MacOS/Google Chrome",
			"/Applications/Microsoft Edge.app/Contents/MacOS/Microsoft Edge",
			"/Applications/Chromium.app/Contents/MacOS/Chromium",
		}
	case "windows":
		return []string{
			filepath.Join(os.Getenv("ProgramFiles"), `Google\Chrome\Application\chrome.exe`),
			filepath.Join(os.Getenv("ProgramFiles(x86)"), `Google\Chrome\Application\chrome.exe`),
			filepath.Join(os.Getenv("ProgramFiles(x86)"), `Microsoft\Edge\Application\msedge.exe`),
		}
	default:
		return []string{
			"/usr/bin/google-chrome",
			"/usr/bin/chromium",
			"/usr/bin/chromium-browser",
		}
	}
}

// FindBrowserBinary returns the first candidate path that exists and is not a
// directory. stat is os.Stat outside tests.
func FindBrowserBinary(candidates []string, stat func(string) (os.FileInfo, error)) (string, error) {
	if stat == nil {
		stat = os.Stat
	}
	for _, c := range candidates {
		if c == "" {
			continue
		}
		if fi, err := stat(c); err == nil && !fi.IsDir() {
			return c, nil
		}
	}
	return "", fmt.Errorf("%w: tried %d candidates", ErrBrowserNotFound, len(candidates))
}

// LookupSystemBinary resolves the first of names found on PATH. look is
// exec.LookPath outside tests.
func LookupSystemBinary(names []string, look func(string) (string, error)) (string, error) {
	if look == nil {
		look = exec.LookPath
	}
	for _, n := range names {
		if p, err := look(n); err == nil {
			return p, nil
		}
	}
	return "", fmt.Errorf("%w: none of %v on PATH", ErrBrowserNotFound, names)
}

// ErrNoFreePort means every port in the scanned range was taken.
var ErrNoFreePort = errors.New("no free debugging port")

// FindFreePort scans span ports upward from base and returns the first one
// free reports as usable. free is PortFree outside tests.
func FindFreePort(base, span int, free func(port int) bool) (int, error) {
	if free == nil {
		free = PortFree
	}
	for port := base; port < base+span; port++ {
		if free(port) {
			return port, nil
		}
	}
	return 0, fmt.Errorf("%w in %d-%d", ErrNoFreePort, base, base+span-1)
}

// PortFree reports whether nothing listens on the loopback port.
func PortFree(port int) bool {
	l, err := net.Listen("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(port)))
	if err != nil {
		return false
	}
	_ = l.Close()
	return true
}
