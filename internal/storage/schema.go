package storage

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/natefinch/atomic"
)

// SchemaVersion is the on-disk layout version this build reads and
// writes.
const SchemaVersion = 1

const schemaFile = "schema.json"

// SchemaMarker records the layout version of a storage directory.
type SchemaMarker struct {
	Format    string    `json:"format"`
	Version   int       `json:"version"`
	CreatedAt time.Time `json:"created_at"`
}

// SchemaError is returned for a storage directory written by a newer
// build.
type SchemaError struct {
	Found   int
	Support int
}

func (e *SchemaError) Error() string {
	return fmt.Sprintf("storage: layout version %d is newer than supported version %d", e.Found, e.Support)
}

// checkSchemaMarker refuses directories with a newer layout and writes
// the marker on first use.
func checkSchemaMarker(dir string, now time.Time) error {
	path := filepath.Join(dir, schemaFile)

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		marker := SchemaMarker{Format: "cliwrapped", Version: SchemaVersion, CreatedAt: now.UTC()}
		encoded, err := json.MarshalIndent(marker, "", "  ")
		if err != nil {
			return err
		}
		if err := atomic.WriteFile(path, bytes.NewReader(append(encoded, '\n'))); err != nil {
			return fmt.Errorf("storage: writing schema marker: %w", err)
		}
		return nil
	}
	if err != nil {
		return fmt.Errorf("storage: reading schema marker: %w", err)
	}

	var marker SchemaMarker
	if err := json.Unmarshal(data, &marker); err != nil {
		return &CorruptionError{Path: path, Reason: "unreadable schema marker", Err: err}
	}
	if marker.Version > SchemaVersion {
		return &SchemaError{Found: marker.Version, Support: SchemaVersion}
	}
	return nil
}
