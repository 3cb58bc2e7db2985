package testserver

// Version is the current version of the go-testserver library
const Version = "1.0.0"

// VersionInfo contains detailed version information
type VersionInfo struct {
	// Version is the semantic version
	Version string
	// MutexPrefix is the named mutex prefix; processes only deduplicate
	// against each other when it matches
	MutexPrefix string
}

// GetVersion returns the current version information
func GetVersion() VersionInfo {
	return VersionInfo{
		Version:     Version,
		MutexPrefix: MutexPrefix,
	}
}
