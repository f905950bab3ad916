//go:build unix

package process

import (
	"os"
	"syscall"
)

func suspendProcess(p *os.Process) error {
	return p.Signal(syscall.SIGSTOP)
}

func resumeProcess(p *os.Process) error {
	return p.Signal(syscall.SIGCONT)
}

func terminateProcess(p *os.Process) error {
	return p.Signal(syscall.SIGTERM)
}
