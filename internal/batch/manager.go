// Package batch stores serialized events in append-only batch files that
// the uploader later sends one file per request.
//
// A batch file is written in place as an open JSON document:
//
//	{"batch":[e1,e2,...
//
// and finalized by appending the closing suffix and renaming it without
// its ".tmp" extension:
//
//	{"batch":[e1,e2,...],"sentAt":"2024-01-01T00:00:00.000Z"}
package batch

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/arkilian/courier/internal/clock"
	cerrors "github.com/arkilian/courier/internal/errors"
	"github.com/arkilian/courier/internal/kvstore"
	"github.com/arkilian/courier/pkg/types"
)

const (
	// DefaultMaxBatchSize is the largest finalized file, in bytes.
	DefaultMaxBatchSize = 500 * 1024

	// DefaultNamespace prefixes batch file names.
	DefaultNamespace = "events"

	tempExt = ".tmp"

	batchPrefix = `{"batch":[`
	suffixHead  = `],"sentAt":"`
	suffixTail  = `"}`
)

// suffixLen is the byte length of the finalize suffix. Timestamps are
// fixed width so it never varies.
var suffixLen = int64(len(suffixHead) + len(types.TimestampLayout) + len(suffixTail))

// ErrNoOpenFile is returned by operations that need an open temp file.
var ErrNoOpenFile = errors.New("batch: no open batch file")

// FinalizeFunc is called with the path and size of every finalized file.
type FinalizeFunc func(path string, size int64)

// Options configures a Manager.
type Options struct {
	// Dir holds the batch files
	Dir string

	// Namespace prefixes file names and the index key
	Namespace string

	// MaxBatchSize bounds a finalized file unless it holds a single event
	MaxBatchSize int64

	// Store persists the file index
	Store kvstore.Store

	// Clock stamps finalized files; defaults to the real clock
	Clock clock.Clock

	// Logger defaults to slog.Default()
	Logger *slog.Logger

	// OnFinalize is optional
	OnFinalize FinalizeFunc
}

// Manager owns the batch directory. StoreEvent, Rollover and Finish are
// expected to be called from a single writer; Read and Remove may be called
// concurrently from the uploader.
type Manager struct {
	dir        string
	namespace  string
	maxSize    int64
	store      kvstore.Store
	clock      clock.Clock
	logger     *slog.Logger
	onFinalize FinalizeFunc

	mu        sync.Mutex
	file      *os.File
	index     int64
	size      int64
	hasEvents bool

	// sealed holds files whose suffix is written but whose rename failed
	sealed []sealedFile
}

type sealedFile struct {
	path string
	size int64
}

// Open creates a Manager, reconciling the persisted index with the files
// already on disk.
func Open(opts Options) (*Manager, error) {
	if opts.Store == nil {
		return nil, fmt.Errorf("batch: a key/value store is required")
	}
	if opts.Namespace == "" {
		opts.Namespace = DefaultNamespace
	}
	if opts.MaxBatchSize <= 0 {
		opts.MaxBatchSize = DefaultMaxBatchSize
	}
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if err := os.MkdirAll(opts.Dir, 0755); err != nil {
		return nil, cerrors.NewStorageError(cerrors.CodeWriteFailed, "failed to create batch directory", err)
	}

	m := &Manager{
		dir:        opts.Dir,
		namespace:  opts.Namespace,
		maxSize:    opts.MaxBatchSize,
		store:      opts.Store,
		clock:      opts.Clock,
		logger:     opts.Logger,
		onFinalize: opts.OnFinalize,
	}
	if err := m.reconcile(); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *Manager) indexKey() string {
	return m.namespace + ".file.index"
}

func (m *Manager) finalPath(index int64) string {
	return filepath.Join(m.dir, fmt.Sprintf("%s-%016d", m.namespace, index))
}

func (m *Manager) tempPath(index int64) string {
	return m.finalPath(index) + tempExt
}

// parseName returns the index encoded in a file name and whether it is a
// temp file. ok is false for files that do not belong to this namespace.
func (m *Manager) parseName(name string) (index int64, temp bool, ok bool) {
	rest, found := strings.CutPrefix(name, m.namespace+"-")
	if !found {
		return 0, false, false
	}
	rest, temp = strings.CutSuffix(rest, tempExt)
	if len(rest) != 16 {
		return 0, false, false
	}
	index, err := strconv.ParseInt(rest, 10, 64)
	if err != nil {
		return 0, false, false
	}
	return index, temp, true
}

// StoreEvent appends one serialized event to the current batch file,
// finalizing it first when the event would push it past the size limit.
func (m *Manager) StoreEvent(event []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.publishSealed()
	if m.file == nil {
		if err := m.openTemp(); err != nil {
			return err
		}
	}

	need := int64(len(event))
	if m.hasEvents {
		need++ // separator
		if m.size+need+suffixLen > m.maxSize {
			// The old file is sealed whenever m.file is released, so
			// the event can still go to a fresh one.
			if err := m.finalize(); err != nil && m.file != nil {
				return err
			}
			if err := m.openTemp(); err != nil {
				return err
			}
			need = int64(len(event))
		}
	}

	buf := make([]byte, 0, need)
	if m.hasEvents {
		buf = append(buf, ',')
	}
	buf = append(buf, event...)
	if _, err := m.file.Write(buf); err != nil {
		return cerrors.NewStorageError(cerrors.CodeWriteFailed, "failed to append event", err)
	}
	m.size += need
	m.hasEvents = true
	return nil
}

// Rollover finalizes the current batch file if it holds any events.
func (m *Manager) Rollover() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.publishSealed()
	if m.file == nil || !m.hasEvents {
		return nil
	}
	return m.finalize()
}

// Finish finalizes the current batch file and releases it. An empty temp
// file is removed instead. A later StoreEvent opens a new file.
func (m *Manager) Finish() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.publishSealed()
	if m.file == nil {
		if len(m.sealed) > 0 {
			return cerrors.NewStorageError(cerrors.CodeWriteFailed, "batch file left unrenamed", nil)
		}
		return nil
	}
	if m.hasEvents {
		return m.finalize()
	}

	path := m.file.Name()
	m.file.Close()
	m.file = nil
	m.size = 0
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return cerrors.NewStorageError(cerrors.CodeWriteFailed, "failed to remove empty batch file", err)
	}
	return nil
}

// Close releases the temp file handle without finalizing it. The file is
// resumed by the next Manager opened on the same directory.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.file == nil {
		return nil
	}
	err := m.file.Close()
	m.file = nil
	m.size = 0
	m.hasEvents = false
	return err
}

// Read returns the finalized batch files in ascending index order. The
// temp file is never included.
func (m *Manager) Read() ([]string, error) {
	entries, err := os.ReadDir(m.dir)
	if err != nil {
		return nil, cerrors.NewStorageError(cerrors.CodeReadFailed, "failed to list batch directory", err)
	}

	type indexed struct {
		index int64
		path  string
	}
	var files []indexed
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		index, temp, ok := m.parseName(entry.Name())
		if !ok || temp {
			continue
		}
		files = append(files, indexed{index, filepath.Join(m.dir, entry.Name())})
	}
	sort.Slice(files, func(i, j int) bool { return files[i].index < files[j].index })

	paths := make([]string, len(files))
	for i, f := range files {
		paths[i] = f.path
	}
	return paths, nil
}

// Remove deletes a batch file. A missing file is not an error.
func (m *Manager) Remove(path string) error {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return cerrors.NewStorageError(cerrors.CodeWriteFailed, "failed to remove batch file", err)
	}
	return nil
}

// HasOpenEvents reports whether events are held in a temp file that Read
// does not list yet.
func (m *Manager) HasOpenEvents() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return (m.file != nil && m.hasEvents) || len(m.sealed) > 0
}

// Index returns the index the current or next temp file uses.
func (m *Manager) Index() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.index
}

// openTemp opens the temp file for the current index, resuming it when it
// already exists. Must be called with m.mu held.
func (m *Manager) openTemp() error {
	path := m.tempPath(m.index)
	file, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_APPEND, 0644)
	if err != nil {
		return cerrors.NewStorageError(cerrors.CodeWriteFailed, "failed to open batch file", err)
	}

	stat, err := file.Stat()
	if err != nil {
		file.Close()
		return cerrors.NewStorageError(cerrors.CodeWriteFailed, "failed to stat batch file", err)
	}

	size := stat.Size()
	if size == 0 {
		if _, err := file.WriteString(batchPrefix); err != nil {
			file.Close()
			return cerrors.NewStorageError(cerrors.CodeWriteFailed, "failed to write batch prefix", err)
		}
		size = int64(len(batchPrefix))
	} else {
		m.logger.Debug("resuming batch file", "path", path, "size", size)
	}

	m.file = file
	m.size = size
	m.hasEvents = size > int64(len(batchPrefix))
	return nil
}

// finalize closes the current temp file with the sentAt suffix, renames it
// and advances the index. Must be called with m.mu held.
//
// A failed suffix write is truncated away and the file stays open for
// appends. Once the suffix is on disk the index always advances, so the
// sealed file is never appended to again; a failed rename is retried by
// the next StoreEvent, Rollover or Finish.
func (m *Manager) finalize() error {
	if m.file == nil {
		return ErrNoOpenFile
	}
	file := m.file
	tmp := file.Name()

	if err := writeSuffix(file, m.clock); err != nil {
		if terr := file.Truncate(m.size); terr == nil {
			return cerrors.NewStorageError(cerrors.CodeWriteFailed, "failed to finalize batch file", err)
		}
		file.Close()
		m.file = nil
		m.hasEvents = false
		m.size = 0
		m.advanceIndex()
		m.logger.Error("abandoned batch file with a partial suffix", "path", tmp, "error", err)
		return cerrors.NewStorageError(cerrors.CodeWriteFailed, "failed to finalize batch file", err)
	}
	if err := file.Close(); err != nil {
		m.logger.Warn("failed to close finalized batch file", "path", tmp, "error", err)
	}

	size := m.size + suffixLen
	m.file = nil
	m.hasEvents = false
	m.size = 0
	m.advanceIndex()

	if err := m.publish(tmp, size); err != nil {
		m.sealed = append(m.sealed, sealedFile{path: tmp, size: size})
		return err
	}
	return nil
}

// publish renames a sealed temp file to its final name.
func (m *Manager) publish(tmp string, size int64) error {
	final := strings.TrimSuffix(tmp, tempExt)
	if err := os.Rename(tmp, final); err != nil {
		return cerrors.NewStorageError(cerrors.CodeWriteFailed, "failed to rename batch file", err)
	}
	m.logger.Debug("batch file finalized", "path", final, "size", size)
	if m.onFinalize != nil {
		m.onFinalize(final, size)
	}
	return nil
}

// publishSealed retries renames that failed earlier. Must be called with
// m.mu held.
func (m *Manager) publishSealed() {
	if len(m.sealed) == 0 {
		return
	}
	pending := m.sealed[:0]
	for _, f := range m.sealed {
		if err := m.publish(f.path, f.size); err != nil {
			m.logger.Warn("batch file rename still failing", "path", f.path, "error", err)
			pending = append(pending, f)
		}
	}
	m.sealed = pending
}

// advanceIndex moves to the next file index. A failure to persist it is
// logged; recovery reconciles the index from disk on the next open.
func (m *Manager) advanceIndex() {
	m.index++
	if err := kvstore.SetInt(m.store, m.indexKey(), m.index); err != nil {
		m.logger.Error("failed to persist batch file index", "error", err, "index", m.index)
	}
}

func writeSuffix(file *os.File, clk clock.Clock) error {
	suffix := suffixHead + types.FormatTimestamp(clk.Now()) + suffixTail
	if _, err := file.WriteString(suffix); err != nil {
		return err
	}
	return file.Sync()
}
