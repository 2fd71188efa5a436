package ingest

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// DefaultPollInterval is the fallback check interval when no fsnotify event
// arrives.
const DefaultPollInterval = time.Second

// headSize bounds the leading bytes compared to detect in-place rewrites.
const headSize = 512

// MonitorOptions configures a FileMonitor.
type MonitorOptions struct {
	Path         string        // file to follow
	PollInterval time.Duration // fallback stat interval
	FromStart    bool          // emit existing content before following
	Logger       *zap.Logger
}

// FileMonitor follows a growing file, like "tail -F". It emits only appended
// complete lines. When the file is truncated or is replaced by a different
// file (rotation), reading restarts at offset zero of the current file.
// Truncation is noticed when the file shrinks below the read offset or when
// its leading bytes no longer match those already read, which catches a
// truncate followed by growth past the old offset. An unterminated last line
// is held until its newline arrives.
type FileMonitor struct {
	opts    MonitorOptions
	logger  *zap.Logger
	file    *os.File
	info    os.FileInfo
	offset  int64
	head    []byte // first bytes of the file, up to headSize and offset
	partial []byte
	watcher *fsnotify.Watcher
}

// NewFileMonitor creates a monitor for opts.Path.
func NewFileMonitor(opts MonitorOptions) *FileMonitor {
	if opts.PollInterval <= 0 {
		opts.PollInterval = DefaultPollInterval
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &FileMonitor{opts: opts, logger: logger.With(zap.String("path", opts.Path))}
}

// Offset returns the byte offset of the next unread byte.
func (m *FileMonitor) Offset() int64 {
	return m.offset
}

// Read implements pipeline.Source. It blocks until ctx is done.
func (m *FileMonitor) Read(ctx context.Context, emit func(string) error) error {
	if err := m.openFile(); err != nil {
		return fmt.Errorf("failed to open file: %w", err)
	}
	defer m.close()

	if m.opts.FromStart {
		if err := m.readNewContent(emit); err != nil {
			return err
		}
	}

	if err := m.setupWatcher(); err != nil {
		m.logger.Warn("fsnotify unavailable, polling only", zap.Error(err))
	}

	return m.watch(ctx, emit)
}

func (m *FileMonitor) openFile() error {
	f, err := os.Open(m.opts.Path)
	if err != nil {
		return err
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return err
	}
	m.file = f
	m.info = info
	m.partial = nil
	m.head = nil
	if m.opts.FromStart {
		m.offset = 0
	} else {
		m.offset = info.Size()
	}
	return m.recordHead()
}

// setupWatcher watches the parent directory so that a file recreated under
// the same name is noticed.
func (m *FileMonitor) setupWatcher() error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := watcher.Add(filepath.Dir(m.opts.Path)); err != nil {
		watcher.Close()
		return err
	}
	m.watcher = watcher
	return nil
}

func (m *FileMonitor) watch(ctx context.Context, emit func(string) error) error {
	ticker := time.NewTicker(m.opts.PollInterval)
	defer ticker.Stop()

	var events <-chan fsnotify.Event
	var errs <-chan error
	if m.watcher != nil {
		events = m.watcher.Events
		errs = m.watcher.Errors
	}

	target := filepath.Clean(m.opts.Path)
	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			if filepath.Clean(event.Name) != target || event.Op == fsnotify.Chmod {
				continue
			}
			if err := m.check(emit); err != nil {
				return err
			}

		case err, ok := <-errs:
			if !ok {
				errs = nil
				continue
			}
			m.logger.Warn("watcher error", zap.Error(err))

		case <-ticker.C:
			if err := m.check(emit); err != nil {
				return err
			}
		}
	}
}

// check compares the file on disk with the open handle and reads whatever
// is new.
func (m *FileMonitor) check(emit func(string) error) error {
	info, err := os.Stat(m.opts.Path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			// Rotated away; wait for the new file.
			return nil
		}
		return err
	}

	switch {
	case m.file == nil || !os.SameFile(info, m.info):
		if m.file != nil {
			// Finish what was appended to the old file before switching.
			if err := m.readNewContent(emit); err != nil {
				return err
			}
			m.file.Close()
			m.file = nil
		}
		f, err := os.Open(m.opts.Path)
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				return nil
			}
			return err
		}
		m.file = f
		if m.info, err = f.Stat(); err != nil {
			return err
		}
		m.offset = 0
		m.partial = nil
		m.head = nil
		m.logger.Info("file rotated, following new file")

	default:
		rewritten, err := m.headChanged()
		if err != nil {
			return err
		}
		if info.Size() < m.offset || rewritten {
			m.offset = 0
			m.partial = nil
			m.head = nil
			m.logger.Info("file truncated, restarting at offset 0")
		}
	}

	return m.readNewContent(emit)
}

// recordHead remembers the leading bytes already read, so that a later
// rewrite of them can be told apart from an append.
func (m *FileMonitor) recordHead() error {
	n := min(m.offset, headSize)
	if int64(len(m.head)) >= n {
		return nil
	}
	buf := make([]byte, n)
	read, err := m.file.ReadAt(buf, 0)
	if err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	m.head = buf[:read]
	return nil
}

// headChanged reports whether the recorded leading bytes differ from those
// now on disk.
func (m *FileMonitor) headChanged() (bool, error) {
	if len(m.head) == 0 {
		return false, nil
	}
	buf := make([]byte, len(m.head))
	n, err := m.file.ReadAt(buf, 0)
	if err != nil && !errors.Is(err, io.EOF) {
		return false, err
	}
	return !bytes.Equal(buf[:n], m.head), nil
}

// readNewContent reads from the last offset to EOF and emits complete lines.
func (m *FileMonitor) readNewContent(emit func(string) error) error {
	if _, err := m.file.Seek(m.offset, io.SeekStart); err != nil {
		return err
	}

	buf := make([]byte, readBufferSize)
	for {
		n, err := m.file.Read(buf)
		if n > 0 {
			m.offset += int64(n)
			if emitErr := m.split(buf[:n], emit); emitErr != nil {
				return emitErr
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				return m.recordHead()
			}
			return err
		}
	}
}

func (m *FileMonitor) split(chunk []byte, emit func(string) error) error {
	data := chunk
	if len(m.partial) > 0 {
		data = append(m.partial, chunk...)
		m.partial = nil
	}
	for {
		i := bytes.IndexByte(data, '\n')
		if i < 0 {
			break
		}
		if err := emit(string(data[:i])); err != nil {
			return err
		}
		data = data[i+1:]
	}
	if len(data) > 0 {
		m.partial = append([]byte(nil), data...)
	}
	return nil
}

func (m *FileMonitor) close() {
	if m.file != nil {
		m.file.Close()
		m.file = nil
	}
	if m.watcher != nil {
		m.watcher.Close()
		m.watcher = nil
	}
}
