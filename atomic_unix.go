//go:build !windows

package testserver

import "github.com/google/renameio/v2"

// writeFileAtomic replaces path so readers never observe a partial file
func writeFileAtomic(path string, data []byte) error {
	return renameio.WriteFile(path, data, FileMode)
}
