package batch

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/arkilian/courier/internal/kvstore"
)

// reconcile reconciles the persisted index with the files on disk.
//
// The index is raised past the highest finalized file so a crash between
// rename and index update cannot lead to an overwrite, and to the highest
// temp file so a lost index resumes the newest batch. Temp files below the
// resulting index are orphans from an earlier crash and are finalized.
// The temp file at the index is opened right away so Rollover and Finish
// see its events before anything new is appended.
func (m *Manager) reconcile() error {
	stored, err := kvstore.GetInt(m.store, m.indexKey(), 0)
	if err != nil {
		return fmt.Errorf("batch: failed to read file index: %w", err)
	}

	entries, err := os.ReadDir(m.dir)
	if err != nil {
		return fmt.Errorf("batch: failed to read batch directory: %w", err)
	}

	index := stored
	var temps []int64
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		i, temp, ok := m.parseName(entry.Name())
		if !ok {
			continue
		}
		if temp {
			temps = append(temps, i)
			if i > index {
				index = i
			}
		} else if i+1 > index {
			index = i + 1
		}
	}

	m.index = index
	if index != stored {
		m.logger.Info("batch file index reconciled", "stored", stored, "index", index)
		if err := kvstore.SetInt(m.store, m.indexKey(), index); err != nil {
			return fmt.Errorf("batch: failed to persist file index: %w", err)
		}
	}

	sort.Slice(temps, func(i, j int) bool { return temps[i] < temps[j] })
	for _, i := range temps {
		if i >= index {
			continue
		}
		if err := m.finalizeOrphan(i); err != nil {
			m.logger.Error("failed to finalize orphaned batch file", "error", err, "path", m.tempPath(i))
		}
	}

	if len(temps) == 0 || temps[len(temps)-1] != index {
		return nil
	}
	sealed, err := isSealed(m.tempPath(index))
	if err != nil {
		return fmt.Errorf("batch: failed to inspect batch file: %w", err)
	}
	if sealed {
		// Crashed between suffix and rename.
		if err := m.finalizeOrphan(index); err != nil {
			return fmt.Errorf("batch: failed to finalize sealed batch file: %w", err)
		}
		m.advanceIndex()
		return nil
	}
	return m.openTemp()
}

// isSealed reports whether a temp file already carries its suffix. An
// open batch is never a complete JSON document; a sealed one always is.
func isSealed(path string) (bool, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return false, err
	}
	return json.Valid(data), nil
}

// finalizeOrphan closes an abandoned temp file under its own index. An
// orphan holding no events is removed.
func (m *Manager) finalizeOrphan(index int64) error {
	path := m.tempPath(index)
	stat, err := os.Stat(path)
	if err != nil {
		return err
	}
	if stat.Size() <= int64(len(batchPrefix)) {
		return os.Remove(path)
	}

	size := stat.Size()
	sealed, err := isSealed(path)
	if err != nil {
		return err
	}
	if !sealed {
		file, err := os.OpenFile(path, os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			return err
		}
		if err := writeSuffix(file, m.clock); err != nil {
			file.Close()
			return err
		}
		if err := file.Close(); err != nil {
			return err
		}
		size += suffixLen
	}

	final := m.finalPath(index)
	if err := os.Rename(path, final); err != nil {
		return err
	}
	m.logger.Info("orphaned batch file finalized", "path", filepath.Base(final))
	if m.onFinalize != nil {
		m.onFinalize(final, size)
	}
	return nil
}
