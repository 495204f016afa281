package kv

import (
	"encoding/json"
	"os"
	"path/filepath"

	"github.com/rexliu/fgp/pkg/storage/sqlite"
)

type snapshot struct {
	Service    string         `json:"service"`
	Version    string         `json:"version"`
	ExportedAt string         `json:"exported_at"`
	Entries    []sqlite.Entry `json:"entries"`
}

func writeSnapshot(path string, snap snapshot) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return err
	}
	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()
	enc := json.NewEncoder(file)
	enc.SetIndent("", "  ")
	return enc.Encode(snap)
}
