package store

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/gofrs/flock"
)

// File names inside the data directory.
const (
	KeysFile     = "keys.json"
	AccountsFile = "users.json"
	SessionsFile = "sessions.json"
)

// FileStore persists each collection as an indented JSON object in its own file.
//
// A missing file loads as an empty mapping. A file that cannot be parsed is moved
// aside (<name>.corrupt-<timestamp>) and also loads as empty. Saves replace the
// file atomically.
//
// Writes hold an advisory lock on .<name>.lock in the data directory, so several
// processes (the server and skykeyctl) can share one directory. Loads do not lock;
// a rename always exposes a complete file.
type FileStore struct {
	localStore

	dir string
	log *slog.Logger
	now func() time.Time
}

// FileOption configures FileStore.
type FileOption func(*FileStore) error

// WithFileLogger sets the logger used for self-healing warnings.
func WithFileLogger(log *slog.Logger) FileOption {
	return func(s *FileStore) error {
		if log == nil {
			return ErrInvalidInput
		}
		s.log = log
		return nil
	}
}

// NewFileStore constructs a FileStore rooted at dir. Call Init to create missing files.
func NewFileStore(dir string, opts ...FileOption) (*FileStore, error) {
	dir = strings.TrimSpace(dir)
	if dir == "" {
		return nil, ErrInvalidInput
	}
	s := &FileStore{dir: dir, log: slog.Default(), now: func() time.Time { return time.Now().UTC() }}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(s); err != nil {
			return nil, err
		}
	}

	s.keys = newFileCollection[Key](s, "keys", KeysFile)
	s.accounts = newFileCollection[Account](s, "accounts", AccountsFile)
	s.sessions = newFileCollection[Session](s, "sessions", SessionsFile)
	return s, nil
}

// Dir returns the data directory.
func (s *FileStore) Dir() string { return s.dir }

// Init creates the data directory and any missing collection file as "{}".
func (s *FileStore) Init(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := os.MkdirAll(s.dir, 0o700); err != nil {
		return fmt.Errorf("store: create data dir: %w", err)
	}
	for _, name := range []string{KeysFile, AccountsFile, SessionsFile} {
		path := filepath.Join(s.dir, name)
		_, err := os.Stat(path)
		if err == nil {
			continue
		}
		if !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("store: stat %s: %w", name, err)
		}
		if err := writeFileAtomic(path, []byte("{}\n")); err != nil {
			return fmt.Errorf("store: init %s: %w", name, err)
		}
		s.log.Info("store.file.init", "file", path)
	}
	return nil
}

func (s *FileStore) Ping(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	info, err := os.Stat(s.dir)
	if err != nil {
		return fmt.Errorf("store: data dir: %w", err)
	}
	if !info.IsDir() {
		return fmt.Errorf("store: data dir %s is not a directory", s.dir)
	}
	return nil
}

func (s *FileStore) Close() error { return nil }

// lockRetryDelay is how often a blocked writer retries the file lock.
const lockRetryDelay = 10 * time.Millisecond

func newFileCollection[T comparable](s *FileStore, name, file string) *localCollection[T] {
	path := filepath.Join(s.dir, file)
	return &localCollection[T]{
		name: name,
		lock: s.fileLock(filepath.Join(s.dir, "."+file+".lock")),
		read: func(context.Context) (map[string]T, error) {
			return readJSONFile[T](path, s.log, s.now)
		},
		write: func(_ context.Context, records map[string]T) error {
			if records == nil {
				records = map[string]T{}
			}
			b, err := json.MarshalIndent(records, "", "    ")
			if err != nil {
				return fmt.Errorf("store: encode %s: %w", name, err)
			}
			if err := writeFileAtomic(path, append(b, '\n')); err != nil {
				return fmt.Errorf("store: save %s: %w", name, err)
			}
			return nil
		},
	}
}

// fileLock returns a lock func over a flock on path. The collection mutex is held
// while it runs, so one Flock is never used by two goroutines at once.
func (s *FileStore) fileLock(path string) func(ctx context.Context) (func(), error) {
	fl := flock.New(path)
	return func(ctx context.Context) (func(), error) {
		if err := os.MkdirAll(s.dir, 0o700); err != nil {
			return nil, fmt.Errorf("store: create data dir: %w", err)
		}
		ok, err := fl.TryLockContext(ctx, lockRetryDelay)
		if err != nil {
			return nil, fmt.Errorf("store: lock %s: %w", filepath.Base(path), err)
		}
		if !ok {
			return nil, fmt.Errorf("store: lock %s: not acquired", filepath.Base(path))
		}
		return func() {
			if err := fl.Unlock(); err != nil {
				s.log.Warn("store.file.unlock.fail", "file", path, "err", err)
			}
		}, nil
	}
}

// readJSONFile never fails on I/O or parse errors; it logs and returns what it could decode.
func readJSONFile[T comparable](path string, log *slog.Logger, now func() time.Time) (map[string]T, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			log.Warn("store.file.read.fail", "file", path, "err", err)
		}
		return map[string]T{}, nil
	}

	var raw map[string]json.RawMessage
	if err := json.Unmarshal(b, &raw); err != nil {
		aside := path + ".corrupt-" + now().Format("20060102T150405Z")
		if rerr := os.Rename(path, aside); rerr != nil {
			log.Warn("store.file.corrupt", "file", path, "err", err, "quarantine_err", rerr)
		} else {
			log.Warn("store.file.corrupt", "file", path, "err", err, "moved_to", aside)
		}
		return map[string]T{}, nil
	}

	// Invalid records are skipped one by one; the next save drops them.
	out := make(map[string]T, len(raw))
	for id, rec := range raw {
		if bytes.Equal(bytes.TrimSpace(rec), []byte("null")) {
			log.Warn("store.file.record.invalid", "file", path, "id", id, "err", "null record")
			continue
		}
		var v T
		if err := json.Unmarshal(rec, &v); err != nil {
			log.Warn("store.file.record.invalid", "file", path, "id", id, "err", err)
			continue
		}
		out[id] = v
	}
	return out, nil
}

func writeFileAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	cleanup := func() { _ = os.Remove(tmpName) }

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		cleanup()
		return err
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		cleanup()
		return err
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return err
	}
	if err := os.Chmod(tmpName, 0o600); err != nil {
		cleanup()
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		cleanup()
		return err
	}
	return nil
}
