package telemetry

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/agent-racer/overlay/internal/atomicfile"
)

// backupTimeFormat names reset backups, e.g. telemetry.json.20260101T120000Z.bak.
const backupTimeFormat = "20060102T150405Z"

// PrepareResult describes what PrepareFile had to do.
type PrepareResult struct {
	Created    bool
	Reset      bool
	BackupPath string
}

// PrepareFile makes sure path holds a parseable telemetry document. A
// missing file is created with the inactive default; an unparsable one is
// renamed to a timestamped backup and replaced with the default.
func PrepareFile(path string, now time.Time) (PrepareResult, error) {
	var res PrepareResult
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return res, fmt.Errorf("creating telemetry dir: %w", err)
	}

	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
		res.Created = true
		return res, writeDefault(path)
	case err != nil:
		return res, fmt.Errorf("reading telemetry file: %w", err)
	}

	if _, _, err := UnwrapEnvelope(data); err == nil {
		return res, nil
	}

	res.Reset = true
	res.BackupPath = fmt.Sprintf("%s.%s.bak", path, now.UTC().Format(backupTimeFormat))
	if err := os.Rename(path, res.BackupPath); err != nil {
		return res, fmt.Errorf("backing up telemetry file: %w", err)
	}
	return res, writeDefault(path)
}

func writeDefault(path string) error {
	data, err := MarshalCanonical(DefaultPayload())
	if err != nil {
		return err
	}
	return atomicfile.Write(path, data)
}
