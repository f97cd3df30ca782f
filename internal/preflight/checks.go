// Package preflight validates the environment before the daemon starts.
// Failures here surface as warnings or a refusal to start, not as confusing
// PTY spawn errors later.
package preflight

import (
	"fmt"
	"os"
	"os/exec"
)

// Check is the outcome of one environment probe.
type Check struct {
	Name string `json:"name"`
	OK   bool   `json:"ok"`
	Info string `json:"info,omitempty"`
}

// CheckAll probes the configured shell and optional tooling. The boolean is
// false when the shell cannot be resolved, which is fatal for the daemon.
func CheckAll(shell string) ([]Check, bool) {
	if shell == "" {
		shell = os.Getenv("SHELL")
	}
	if shell == "" {
		shell = "/bin/bash"
	}

	shellCheck := checkShell(shell)
	checks := []Check{
		shellCheck,
		checkBinary("git", "branch lookups disabled"),
	}
	return checks, shellCheck.OK
}

// Report logs one line per check.
func Report(checks []Check, out func(format string, args ...any)) {
	for _, c := range checks {
		if c.OK {
			out("preflight: %s ok (%s)", c.Name, c.Info)
		} else {
			out("preflight: %s missing; %s", c.Name, c.Info)
		}
	}
}

func checkShell(shell string) Check {
	path, err := exec.LookPath(shell)
	if err != nil {
		return Check{Name: "shell", Info: fmt.Sprintf("%s not found", shell)}
	}
	return Check{Name: "shell", OK: true, Info: path}
}

func checkBinary(name, whenMissing string) Check {
	path, err := exec.LookPath(name)
	if err != nil {
		return Check{Name: name, Info: whenMissing}
	}
	return Check{Name: name, OK: true, Info: path}
}
