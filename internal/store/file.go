package store

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/rs/zerolog/log"
)

// BackupSuffix is appended to a document's file name for the copy of the
// previous revision kept by every write.
const BackupSuffix = ".bak"

// FileBackend stores each document as a JSON file at
// {Dir}/{householdID}/{name}.
type FileBackend struct {
	Dir string
}

// NewFileBackend creates the data directory if needed.
func NewFileBackend(dir string) (*FileBackend, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	return &FileBackend{Dir: dir}, nil
}

// Path returns the on-disk location of a document.
func (b *FileBackend) Path(key Key) string {
	return filepath.Join(b.Dir, key.HouseholdID, key.Name)
}

func (b *FileBackend) Read(key Key) ([]byte, error) {
	if err := key.Validate(); err != nil {
		return nil, err
	}
	path := b.Path(key)
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		// A crash between backup and rename can leave only the backup.
		backup, berr := os.ReadFile(path + BackupSuffix)
		if berr != nil {
			return nil, ErrNotExist
		}
		log.Warn().Str("key", key.String()).Msg("primary document missing, recovered from backup")
		return backup, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", key, err)
	}
	return data, nil
}

// Write replaces the document atomically: the new content goes to a temp
// file in the same directory, the current file is copied to the backup, and
// the temp file is renamed over the original.
func (b *FileBackend) Write(key Key, data []byte) error {
	if err := key.Validate(); err != nil {
		return err
	}
	path := b.Path(key)
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create household dir: %w", err)
	}

	tempFile, err := os.CreateTemp(dir, "."+key.Name+"-*.tmp")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tempPath := tempFile.Name()

	success := false
	defer func() {
		if !success {
			os.Remove(tempPath)
		}
	}()

	if _, err := tempFile.Write(data); err != nil {
		tempFile.Close()
		return fmt.Errorf("write %s: %w", key, err)
	}
	if err := tempFile.Sync(); err != nil {
		tempFile.Close()
		return fmt.Errorf("sync %s: %w", key, err)
	}
	if err := tempFile.Close(); err != nil {
		return fmt.Errorf("close %s: %w", key, err)
	}

	if err := backupFile(path); err != nil {
		return fmt.Errorf("backup %s: %w", key, err)
	}

	if err := os.Rename(tempPath, path); err != nil {
		return fmt.Errorf("replace %s: %w", key, err)
	}
	success = true
	return nil
}

// ReadBackup returns the previous revision of a document.
func (b *FileBackend) ReadBackup(key Key) ([]byte, error) {
	if err := key.Validate(); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(b.Path(key) + BackupSuffix)
	if os.IsNotExist(err) {
		return nil, ErrNotExist
	}
	return data, err
}

func (b *FileBackend) Close() error { return nil }

// backupFile copies path to path+BackupSuffix. A missing source is not an error.
func backupFile(path string) error {
	prev, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}
	return os.WriteFile(path+BackupSuffix, prev, 0644)
}
