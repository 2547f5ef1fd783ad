package dac

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/fsnotify/fsnotify"

	"Attester/internal/logger"
)

// Watch starts reloading generation files when they are created, written
// or renamed into the directory. The directory is registered before Watch
// returns. The watch ends when ctx is done or Close is called.
func (m *Manager) Watch(ctx context.Context) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher:\n%w", err)
	}

	if err := w.Add(m.dir); err != nil {
		w.Close()
		return fmt.Errorf("watch %s:\n%w", m.dir, err)
	}

	m.watcher = w
	m.stop = make(chan struct{})

	m.wg.Add(1)
	go m.watchLoop(ctx)

	return nil
}

// Close stops the watch loop and waits for it to exit.
func (m *Manager) Close() {
	if m.watcher == nil {
		return
	}

	close(m.stop)
	m.wg.Wait()
	m.watcher = nil
}

// watchLoop applies file events until stopped.
func (m *Manager) watchLoop(ctx context.Context) {
	defer m.wg.Done()
	defer m.watcher.Close()

	for {
		select {
		case <-ctx.Done():
			return

		case <-m.stop:
			return

		case ev, ok := <-m.watcher.Events:
			if !ok {
				return
			}
			m.handleEvent(ev)

		case err, ok := <-m.watcher.Errors:
			if !ok {
				return
			}
			logger.Warn("dac watch error", "error", err)
		}
	}
}

// handleEvent reloads the file named by ev when relevant.
func (m *Manager) handleEvent(ev fsnotify.Event) {
	if !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Rename) {
		return
	}

	if !Supported(ev.Name) {
		return
	}

	logger.Debug("dac watch event", "file", ev.Name, "op", ev.Op.String())

	// A rename reports the old name, which is gone.
	if _, err := os.Stat(ev.Name); errors.Is(err, os.ErrNotExist) {
		return
	}

	if _, err := m.LoadFile(ev.Name); err != nil {
		logger.Error("dac reload failed", "file", ev.Name, "error", err)
	}
}
