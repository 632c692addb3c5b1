package core

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"golang.org/x/sys/unix"

	"execguard/utils"
)

const configEvents = unix.FAN_MODIFY | unix.FAN_CLOSE_WRITE

// ConfigWatcher calls onChange whenever the config file is written and
// closed.
type ConfigWatcher struct {
	fd       int
	path     string
	onChange func()
	logger   *slog.Logger
}

func NewConfigWatcher(path string, onChange func(), logger *slog.Logger) (*ConfigWatcher, error) {
	if logger == nil {
		logger = slog.Default().With("component", "config_watcher")
	}
	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve %s: %w", path, err)
	}
	if _, err := os.Stat(absPath); err != nil {
		return nil, fmt.Errorf("config file %s: %w", absPath, err)
	}

	fd, err := utils.InitFanotify(false)
	if err != nil {
		return nil, err
	}
	if err := utils.MarkPath(fd, absPath, false, configEvents); err != nil {
		unix.Close(fd)
		return nil, err
	}
	return &ConfigWatcher{fd: fd, path: absPath, onChange: onChange, logger: logger}, nil
}

// Run blocks until ctx is done.
func (cw *ConfigWatcher) Run(ctx context.Context) error {
	defer unix.Close(cw.fd)
	buf := make([]byte, eventBufferSize)
	fds := []unix.PollFd{{Fd: int32(cw.fd), Events: unix.POLLIN}}
	for ctx.Err() == nil {
		n, err := unix.Poll(fds, pollInterval)
		if err != nil {
			if errors.Is(err, unix.EINTR) {
				continue
			}
			return fmt.Errorf("poll config watcher: %w", err)
		}
		if n == 0 {
			continue
		}
		n, err = unix.Read(cw.fd, buf)
		if err != nil {
			if errors.Is(err, unix.EINTR) || errors.Is(err, unix.EAGAIN) {
				continue
			}
			return fmt.Errorf("read config watcher: %w", err)
		}
		if cw.handle(utils.ParseEvents(buf[:n])) {
			cw.logger.Info("config file changed", "path", cw.path)
			cw.onChange()
			cw.remark()
		}
	}
	return nil
}

// handle closes the event fds and reports whether any was a completed
// write.
func (cw *ConfigWatcher) handle(evs []utils.FanotifyEvent) bool {
	changed := false
	for _, ev := range evs {
		if ev.Fd >= 0 {
			unix.Close(int(ev.Fd))
		}
		if ev.Mask&unix.FAN_CLOSE_WRITE != 0 {
			changed = true
		}
	}
	return changed
}

// remark follows editors that replace the file instead of rewriting it.
func (cw *ConfigWatcher) remark() {
	if err := utils.MarkPath(cw.fd, cw.path, false, configEvents); err != nil {
		cw.logger.Warn("re-marking config file failed", "path", cw.path, "error", err)
	}
}
