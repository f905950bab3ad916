//go:build !darwin && !linux

package condition

import (
	"fmt"
	"runtime"
)

func loadNativeLibrary(name string) error {
	return fmt.Errorf("loading native library %s is not supported on %s", libraryFileName(name), runtime.GOOS)
}
