package settings

import (
	"context"
	"encoding/json"
	"maps"
	"os"
	"path/filepath"
	"sync"

	"github.com/cockroachdb/errors"
)

// FileStore keeps settings as a JSON object in a single file with secure
// permissions. Writes use temp file + rename for crash safety.
type FileStore struct {
	filePath string

	// mu serializes read-modify-write cycles within the process.
	mu sync.Mutex
}

// Compile-time check to ensure FileStore implements Store and Locker
var (
	_ Store  = (*FileStore)(nil)
	_ Locker = (*FileStore)(nil)
)

// NewFileStore creates a FileStore for the given path, creating parent directories
// with 0700 permissions if they don't exist.
func NewFileStore(filePath string) (*FileStore, error) {
	if filePath == "" {
		return nil, errors.New("file path cannot be empty")
	}

	dir := filepath.Dir(filePath)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, errors.Wrapf(err, "creating settings directory %s", dir)
	}

	return &FileStore{
		filePath: filePath,
	}, nil
}

// Get implements Store. A missing file reads as empty.
func (f *FileStore) Get(ctx context.Context, key string) (string, bool, error) {
	if err := ctx.Err(); err != nil {
		return "", false, err
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	values, err := f.read()
	if err != nil {
		return "", false, err
	}
	v, ok := values[key]
	return v, ok, nil
}

// Set implements Store. The whole document is rewritten atomically.
func (f *FileStore) Set(ctx context.Context, values map[string]string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	current, err := f.read()
	if err != nil {
		return err
	}
	maps.Copy(current, values)

	data, err := json.MarshalIndent(current, "", "  ")
	if err != nil {
		return errors.Wrap(err, "encoding settings")
	}

	if err := ctx.Err(); err != nil {
		return err
	}
	return f.write(data)
}

// Lock implements Locker with an advisory lock on a sibling ".lock" file,
// since the settings file itself is replaced on every write.
func (f *FileStore) Lock(ctx context.Context) (func(), error) {
	return lockFile(ctx, f.filePath+".lock")
}

// Close implements Store.
func (f *FileStore) Close() error { return nil }

func (f *FileStore) read() (map[string]string, error) {
	// Check file permissions before reading
	info, err := os.Stat(f.filePath)
	if errors.Is(err, os.ErrNotExist) {
		return map[string]string{}, nil
	}
	if err != nil {
		return nil, err
	}
	if info.Mode().Perm() != 0600 {
		return nil, errors.WithHintf(
			errors.Newf("insecure permissions on %s: %04o (expected 0600)", f.filePath, info.Mode().Perm()),
			"run: chmod 600 %s", f.filePath,
		)
	}

	data, err := os.ReadFile(f.filePath)
	if err != nil {
		return nil, err
	}

	values := map[string]string{}
	if len(data) == 0 {
		return values, nil
	}
	if err := json.Unmarshal(data, &values); err != nil {
		return nil, errors.Wrapf(err, "decoding settings file %s", f.filePath)
	}
	return values, nil
}

func (f *FileStore) write(data []byte) error {
	// Create secure temp file in same directory for atomic rename
	dir := filepath.Dir(f.filePath)
	tempFile, err := os.CreateTemp(dir, "*.tmp")
	if err != nil {
		return err
	}
	tempName := tempFile.Name()
	// Cleanup deferred for all exit paths
	defer func() { _ = os.Remove(tempName) }()
	defer func() { _ = tempFile.Close() }()

	if _, err := tempFile.Write(data); err != nil {
		return err
	}
	if err := tempFile.Sync(); err != nil {
		return err
	}
	if err := tempFile.Close(); err != nil {
		return err
	}

	// CreateTemp already uses 0600; set it again in case of an unusual umask
	if err := os.Chmod(tempName, 0600); err != nil {
		return err
	}

	return os.Rename(tempName, f.filePath)
}
