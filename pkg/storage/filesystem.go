package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"golang.org/x/oauth2"

	"github.com/nextkey/keyadmin/pkg/constants"
)

// FileSystemStore implements CredentialStore as a JSON object of the
// persisted keys in a single file with owner-only permissions.
type FileSystemStore struct {
	baseDir string
}

// NewFileSystemStore creates a new filesystem-based credential store.
// If baseDir is empty, it will use ~/.keyadmin.
func NewFileSystemStore(baseDir string) (*FileSystemStore, error) {
	if baseDir == "" {
		var err error
		baseDir, err = getDefaultStorageDir()
		if err != nil {
			return nil, err
		}
	}

	if err := ensureDir(baseDir); err != nil {
		return nil, err
	}

	return &FileSystemStore{
		baseDir: baseDir,
	}, nil
}

// MustNewFileSystemStore creates a new file system store and panics if an error occurs.
func MustNewFileSystemStore(baseDir string) *FileSystemStore {
	store, err := NewFileSystemStore(baseDir)
	if err != nil {
		panic(err)
	}
	return store
}

// LoadToken implements CredentialStore.LoadToken.
func (fs *FileSystemStore) LoadToken(_ context.Context) (*oauth2.Token, error) {
	kv, err := loadKeyValues(fs.sessionPath())
	if err != nil {
		return nil, err
	}
	return DecodeToken(kv)
}

// StoreToken implements CredentialStore.StoreToken.
func (fs *FileSystemStore) StoreToken(_ context.Context, token *oauth2.Token) error {
	return storeKeyValues(fs.sessionPath(), EncodeToken(token))
}

// ClearToken implements CredentialStore.ClearToken.
func (fs *FileSystemStore) ClearToken(_ context.Context) error {
	return removeFile(fs.sessionPath())
}

// HasToken implements CredentialStore.HasToken.
func (fs *FileSystemStore) HasToken(_ context.Context) bool {
	return fileExists(fs.sessionPath())
}

// GetStoragePath implements CredentialStore.GetStoragePath.
func (fs *FileSystemStore) GetStoragePath() string {
	return fs.sessionPath()
}

func (fs *FileSystemStore) sessionPath() string {
	return filepath.Join(fs.baseDir, constants.SessionFileName)
}

func getDefaultStorageDir() (string, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get user home directory: %w", err)
	}
	return filepath.Join(homeDir, constants.DefaultStorageDir), nil
}

func ensureDir(dir string) error {
	if err := os.MkdirAll(dir, constants.DirPermissions); err != nil {
		return fmt.Errorf("failed to create directory %s: %w", dir, err)
	}
	return nil
}

func loadKeyValues(path string) (map[string]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("session file does not exist at %s: %w", path, ErrStorageNotFound)
		}
		return nil, fmt.Errorf("failed to read session file at %s: %w", path, err)
	}

	var kv map[string]string
	if err := json.Unmarshal(data, &kv); err != nil {
		return nil, fmt.Errorf("failed to parse session JSON at %s: %w", path, ErrStorageCorrupted)
	}

	return kv, nil
}

// storeKeyValues writes through a temp file and rename so a crash never
// leaves a half-written session behind.
func storeKeyValues(path string, kv map[string]string) error {
	data, err := json.MarshalIndent(kv, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal session for %s: %w", path, err)
	}

	dir := filepath.Dir(path)
	if err := ensureDir(dir); err != nil {
		return err
	}

	tmp, err := os.CreateTemp(dir, ".session-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file in %s: %w", dir, err)
	}
	tmpName := tmp.Name()
	defer func() { _ = os.Remove(tmpName) }()

	if err := tmp.Chmod(constants.FilePermissions); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("failed to set permissions on %s: %w", tmpName, err)
	}
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("failed to write session file at %s: %w", path, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close session file at %s: %w", path, err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("failed to replace session file at %s: %w", path, err)
	}

	return nil
}

func removeFile(path string) error {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove session file at %s: %w", path, err)
	}
	return nil
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
