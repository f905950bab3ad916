//go:build darwin || linux

package condition

import "github.com/ebitengine/purego"

func loadNativeLibrary(name string) error {
	handle, err := purego.Dlopen(libraryFileName(name), purego.RTLD_NOW|purego.RTLD_LOCAL)
	if err != nil {
		return err
	}
	return purego.Dlclose(handle)
}
