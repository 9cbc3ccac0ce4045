package ingest

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/fsnotify/fsnotify"
)

const followPoll = time.Second

// Follower tails a log file across truncation and rotation. Reading from it
// blocks until new data is appended; it reports io.EOF once closed or once
// its context ends.
type Follower struct {
	path   string
	logger *log.Logger

	pr     *io.PipeReader
	pw     *io.PipeWriter
	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
}

// Follow starts tailing path. With fromStart unset only lines appended after
// the call are delivered.
func Follow(ctx context.Context, path string, fromStart bool, logger *log.Logger) (*Follower, error) {
	if logger == nil {
		logger = log.Default()
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	if !fromStart {
		if _, err := f.Seek(0, io.SeekEnd); err != nil {
			_ = f.Close()
			return nil, err
		}
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		_ = f.Close()
		return nil, err
	}
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		_ = f.Close()
		_ = watcher.Close()
		return nil, err
	}

	ctx, cancel := context.WithCancel(ctx)
	pr, pw := io.Pipe()
	fl := &Follower{
		path:   path,
		logger: logger,
		pr:     pr,
		pw:     pw,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	go fl.loop(ctx, f, watcher)
	return fl, nil
}

func (fl *Follower) Read(p []byte) (int, error) {
	return fl.pr.Read(p)
}

// Close stops tailing and releases the file and the watcher.
func (fl *Follower) Close() error {
	fl.once.Do(func() {
		fl.cancel()
		_ = fl.pr.Close()
		<-fl.done
	})
	return nil
}

func (fl *Follower) loop(ctx context.Context, f *os.File, watcher *fsnotify.Watcher) {
	defer close(fl.done)
	defer func() { _ = watcher.Close() }()
	defer func() {
		if f != nil {
			_ = f.Close()
		}
	}()
	defer fl.pw.Close()

	name := filepath.Clean(fl.path)
	ticker := time.NewTicker(followPoll)
	defer ticker.Stop()

	for {
		if f != nil {
			if err := fl.drain(f); err != nil {
				if !errors.Is(err, io.ErrClosedPipe) {
					fl.logger.Warn("stopped following log", "path", fl.path, "error", err)
				}
				return
			}
		}

		select {
		case <-ctx.Done():
			return
		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != name {
				continue
			}
			switch {
			case event.Has(fsnotify.Create):
				f = fl.reopen(f)
			case event.Has(fsnotify.Remove), event.Has(fsnotify.Rename):
				fl.logger.Debug("log file moved away", "path", fl.path)
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			fl.logger.Warn("file watcher error", "path", fl.path, "error", err)
		case <-ticker.C:
			if f == nil || fl.replaced(f) {
				f = fl.reopen(f)
			}
		}
	}
}

// drain copies everything currently readable and rewinds after truncation.
func (fl *Follower) drain(f *os.File) error {
	offset, err := f.Seek(0, io.SeekCurrent)
	if err != nil {
		return err
	}
	if info, err := f.Stat(); err == nil && info.Size() < offset {
		fl.logger.Info("log file truncated, reading from start", "path", fl.path)
		if _, err := f.Seek(0, io.SeekStart); err != nil {
			return err
		}
	}
	_, err = io.Copy(fl.pw, f)
	return err
}

// replaced reports whether path now names a different file than f.
func (fl *Follower) replaced(f *os.File) bool {
	current, err := os.Stat(fl.path)
	if err != nil {
		return false
	}
	open, err := f.Stat()
	if err != nil {
		return true
	}
	return !os.SameFile(current, open)
}

// reopen switches to the file now at path, finishing the old one first.
func (fl *Follower) reopen(old *os.File) *os.File {
	next, err := os.Open(fl.path)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			fl.logger.Warn("cannot reopen log file", "path", fl.path, "error", err)
		}
		return old
	}
	if old != nil {
		if oldInfo, err := old.Stat(); err == nil {
			if nextInfo, err := next.Stat(); err == nil && os.SameFile(oldInfo, nextInfo) {
				_ = next.Close()
				return old
			}
		}
		_ = fl.drain(old)
		_ = old.Close()
	}
	fl.logger.Info("log file rotated, following new file", "path", fl.path)
	return next
}
