package audit

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"

	"github.com/teranos/aggregator/errors"
)

// DefaultExportFile is the file name used when only a directory is configured.
const DefaultExportFile = "query_audit_log.json"

// Snapshot lists every entry in store as indented JSON, oldest first.
func Snapshot(ctx context.Context, store Store) ([]byte, error) {
	entries, err := store.List(ctx, Filter{})
	if err != nil {
		return nil, errors.Wrap(err, "failed to list audit entries")
	}
	if entries == nil {
		entries = []Entry{}
	}
	data, err := json.MarshalIndent(entries, "", "  ")
	if err != nil {
		return nil, errors.Wrap(err, "failed to marshal audit log")
	}
	return data, nil
}

// Export writes the full audit log to path. The file is replaced atomically.
func Export(ctx context.Context, store Store, path string) error {
	if fi, err := os.Stat(path); err == nil && fi.IsDir() {
		path = filepath.Join(path, DefaultExportFile)
	}

	data, err := Snapshot(ctx, store)
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return errors.Wrapf(err, "failed to create directory for %s", path)
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return errors.Wrapf(err, "failed to write %s", tmp)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return errors.Wrapf(err, "failed to replace %s", path)
	}
	return nil
}
