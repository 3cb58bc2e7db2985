//go:build windows

package testserver

import "os"

// writeFileAtomic writes path directly; renameio does not support Windows
func writeFileAtomic(path string, data []byte) error {
	return os.WriteFile(path, data, FileMode)
}
