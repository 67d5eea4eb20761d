//go:build windows

package executor

import "os"

// Windows has no SIGTERM, the process is killed right away.
func terminate(p *os.Process) error {
	return p.Kill()
}
