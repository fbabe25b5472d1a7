// Package storage manages the persisted browser session shared between runs:
// a cookies array, a localStorage map and a sessionStorage map, each in its
// own optional JSON file.
//
// Runs never touch the shared files directly. Stage copies them into a
// per-run directory, the generated script reads and writes only the staged
// copies, and Commit publishes what the run persisted. Both take a
// process-wide lock, so concurrent cases never observe a half-written session.
package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"

	json "github.com/json-iterator/go"
	"go.uber.org/zap"

	"github.com/xkilldash9x/e2eforge/api/schemas"
	"github.com/xkilldash9x/e2eforge/internal/config"
	"github.com/xkilldash9x/e2eforge/internal/script"
)

// ErrInvalidRunID is returned for run IDs that cannot name a directory.
var ErrInvalidRunID = errors.New("invalid run id")

// artifactsMu serialises every read-modify-write of the shared files.
var artifactsMu sync.Mutex

const runsDir = "runs"

// Store locates the shared session artifacts.
type Store struct {
	cfg    config.StorageConfig
	logger *zap.Logger
}

// New creates a Store rooted at cfg.Dir.
func New(cfg config.StorageConfig, logger *zap.Logger) *Store {
	if cfg.CookiesFile == "" {
		cfg.CookiesFile = "saved_cookies.json"
	}
	if cfg.LocalStorageFile == "" {
		cfg.LocalStorageFile = "saved_localstorage.json"
	}
	if cfg.SessionStorageFile == "" {
		cfg.SessionStorageFile = "saved_sessionstorage.json"
	}
	return &Store{cfg: cfg, logger: logger.Named("storage")}
}

// SharedPaths returns the locations of the shared artifacts.
func (s *Store) SharedPaths() script.StoragePaths {
	return s.pathsIn(s.cfg.Dir)
}

func (s *Store) pathsIn(dir string) script.StoragePaths {
	return script.StoragePaths{
		Cookies:        filepath.Join(dir, s.cfg.CookiesFile),
		LocalStorage:   filepath.Join(dir, s.cfg.LocalStorageFile),
		SessionStorage: filepath.Join(dir, s.cfg.SessionStorageFile),
	}
}

func (s *Store) runDir(runID string) (string, error) {
	if runID == "" || runID == "." || runID == ".." || strings.ContainsAny(runID, `/\`) {
		return "", fmt.Errorf("%w: %q", ErrInvalidRunID, runID)
	}
	return filepath.Join(s.cfg.Dir, runsDir, runID), nil
}

// Stage copies the shared artifacts that exist into a fresh directory for
// runID and returns the staged paths. Missing artifacts are simply absent
// from the run directory; the script's loaders treat them as empty.
func (s *Store) Stage(runID string) (script.StoragePaths, error) {
	dir, err := s.runDir(runID)
	if err != nil {
		return script.StoragePaths{}, err
	}

	artifactsMu.Lock()
	defer artifactsMu.Unlock()

	if err := os.MkdirAll(dir, 0o700); err != nil {
		return script.StoragePaths{}, fmt.Errorf("creating run directory: %w", err)
	}
	shared, staged := s.SharedPaths(), s.pathsIn(dir)
	for _, pair := range pairs(shared, staged) {
		if err := copyFile(pair[0], pair[1]); err != nil {
			if errors.Is(err, os.ErrNotExist) {
				continue
			}
			return staged, fmt.Errorf("staging %s: %w", filepath.Base(pair[0]), err)
		}
	}
	s.logger.Debug("Session staged", zap.String("run_id", runID), zap.String("dir", dir))
	return staged, nil
}

// Commit publishes the artifacts the run persisted back to the shared
// location. Artifacts that are missing or no longer valid JSON are left
// out so one broken run cannot wipe a good session.
func (s *Store) Commit(runID string) error {
	dir, err := s.runDir(runID)
	if err != nil {
		return err
	}

	artifactsMu.Lock()
	defer artifactsMu.Unlock()

	if err := os.MkdirAll(s.cfg.Dir, 0o700); err != nil {
		return fmt.Errorf("creating storage directory: %w", err)
	}
	var errs []error
	for _, pair := range pairs(s.pathsIn(dir), s.SharedPaths()) {
		b, err := os.ReadFile(pair[0])
		if errors.Is(err, os.ErrNotExist) {
			continue
		}
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if !json.Valid(b) {
			s.logger.Warn("Not publishing corrupt session artifact.", zap.String("file", pair[0]))
			continue
		}
		if err := writeAtomic(pair[1], b); err != nil {
			errs = append(errs, fmt.Errorf("publishing %s: %w", filepath.Base(pair[1]), err))
		}
	}
	return errors.Join(errs...)
}

// Release removes the run directory.
func (s *Store) Release(runID string) error {
	dir, err := s.runDir(runID)
	if err != nil {
		return err
	}
	return os.RemoveAll(dir)
}

func pairs(from, to script.StoragePaths) [3][2]string {
	return [3][2]string{
		{from.Cookies, to.Cookies},
		{from.LocalStorage, to.LocalStorage},
		{from.SessionStorage, to.SessionStorage},
	}
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

func writeAtomic(path string, b []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".tmp-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(b); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}

// -- Loaders --

// LoadCookies reads a cookies file. A missing or corrupt file yields an
// empty list.
func LoadCookies(path string, logger *zap.Logger) []schemas.Cookie {
	var cookies []schemas.Cookie
	load(path, &cookies, logger)
	return cookies
}

// LoadLocalStorage reads a localStorage map. A missing or corrupt file
// yields an empty map.
func LoadLocalStorage(path string, logger *zap.Logger) map[string]string {
	return loadMap(path, logger)
}

// LoadSessionStorage reads a sessionStorage map. A missing or corrupt file
// yields an empty map.
func LoadSessionStorage(path string, logger *zap.Logger) map[string]string {
	return loadMap(path, logger)
}

func loadMap(path string, logger *zap.Logger) map[string]string {
	m := map[string]string{}
	if !load(path, &m, logger) || m == nil {
		return map[string]string{}
	}
	return m
}

func load(path string, v any, logger *zap.Logger) bool {
	if path == "" {
		return false
	}
	b, err := os.ReadFile(path)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			logger.Warn("Could not read session artifact.", zap.String("file", path), zap.Error(err))
		}
		return false
	}
	if err := json.Unmarshal(b, v); err != nil {
		logger.Warn("Ignoring corrupt session artifact.", zap.String("file", path), zap.Error(err))
		return false
	}
	return true
}

// -- Live restore --

const webStorageScript = `(() => {
	const items = %s;
	for (const [k, v] of Object.entries(items)) { %s.setItem(k, v); }
	return Object.keys(items).length;
})()`

// Apply restores a staged session into a page that is already on the
// target origin, then reloads it so the application sees the session.
// Each artifact is restored independently; failures are logged and skipped.
func Apply(ctx context.Context, page schemas.Page, paths script.StoragePaths, logger *zap.Logger) error {
	restored := 0
	if cookies := LoadCookies(paths.Cookies, logger); len(cookies) > 0 {
		if err := page.SetCookies(ctx, cookies); err != nil {
			logger.Warn("Failed to restore cookies.", zap.Error(err))
		} else {
			restored++
		}
	}
	for _, store := range []struct {
		name  string
		items map[string]string
	}{
		{"localStorage", LoadLocalStorage(paths.LocalStorage, logger)},
		{"sessionStorage", LoadSessionStorage(paths.SessionStorage, logger)},
	} {
		if len(store.items) == 0 {
			continue
		}
		lit, err := json.MarshalToString(store.items)
		if err != nil {
			logger.Warn("Failed to encode web storage.", zap.String("store", store.name), zap.Error(err))
			continue
		}
		var n int
		if err := page.Evaluate(ctx, fmt.Sprintf(webStorageScript, lit, store.name), &n); err != nil {
			logger.Warn("Failed to restore web storage.", zap.String("store", store.name), zap.Error(err))
			continue
		}
		restored++
	}
	if restored == 0 {
		return nil
	}
	if err := page.Reload(ctx); err != nil {
		return fmt.Errorf("reloading after session restore: %w", err)
	}
	logger.Debug("Session restored", zap.Int("artifacts", restored))
	return nil
}
