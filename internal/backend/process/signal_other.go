//go:build !unix

package process

import (
	"fmt"
	"os"

	"jobrelay/internal/backend"
)

func suspendProcess(*os.Process) error {
	return fmt.Errorf("process: suspend: %w", backend.ErrUnsupported)
}

func resumeProcess(*os.Process) error {
	return fmt.Errorf("process: resume: %w", backend.ErrUnsupported)
}

func terminateProcess(p *os.Process) error {
	return p.Kill()
}
