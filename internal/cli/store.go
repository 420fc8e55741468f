package cli

import (
	"os"
	"path/filepath"
	"strings"

	"busping/internal/config"
	"busping/internal/storage"
)

// LocalStorage picks the client store. Without an explicit storage section it
// is a sqlite file under the user config dir.
func LocalStorage(cfg *config.Config) (storage.Config, error) {
	sc := cfg.Storage
	if strings.TrimSpace(sc.Driver) != "" {
		return storage.Config{
			Driver:      sc.Driver,
			Path:        sc.Path,
			DSN:         sc.DSN,
			BusyTimeout: config.DurationOr(sc.BusyTimeout, 0),
		}, nil
	}
	path := strings.TrimSpace(sc.Path)
	if path == "" {
		dir, err := os.UserConfigDir()
		if err != nil {
			return storage.Config{}, err
		}
		path = filepath.Join(dir, "busping", "local.db")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return storage.Config{}, err
	}
	return storage.Config{Driver: "sqlite", Path: path}, nil
}
