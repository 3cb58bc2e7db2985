package testserver

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// OwnerRecord describes the process that owns a port's server. It is written
// beside the lock file for diagnostics only; the mutex alone decides
// ownership. PID is the orchestrating process, ServerPID the spawned child
// (0 while the owner is still launching).
type OwnerRecord struct {
	PID       int       `yaml:"pid"`
	ServerPID int       `yaml:"serverPid,omitempty"`
	HandleID  string    `yaml:"handleId"`
	BaseURL   string    `yaml:"baseUrl"`
	Command   string    `yaml:"command"`
	StartedAt time.Time `yaml:"startedAt"`
}

// ownerRecordPath returns the record path for a mutex name
func ownerRecordPath(dir, name string) string {
	if dir == "" {
		dir = os.TempDir()
	}
	return filepath.Join(dir, name+".owner.yaml")
}

// writeOwnerRecord atomically replaces the owner record for name
func writeOwnerRecord(dir, name string, rec OwnerRecord) error {
	data, err := yaml.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encoding owner record: %w", err)
	}
	if err := writeFileAtomic(ownerRecordPath(dir, name), data); err != nil {
		return fmt.Errorf("writing owner record: %w", err)
	}
	return nil
}

// ReadOwnerRecord returns the owner record for a port in the given lock
// directory. An empty dir selects the system temporary directory.
func ReadOwnerRecord(dir string, port int) (OwnerRecord, error) {
	var rec OwnerRecord
	data, err := os.ReadFile(ownerRecordPath(dir, MutexName(port)))
	if err != nil {
		return rec, err
	}
	if err := yaml.Unmarshal(data, &rec); err != nil {
		return rec, fmt.Errorf("decoding owner record: %w", err)
	}
	return rec, nil
}

func removeOwnerRecord(dir, name string) error {
	err := os.Remove(ownerRecordPath(dir, name))
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	return err
}
