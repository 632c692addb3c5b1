package core

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sys/unix"
	"golang.org/x/time/rate"

	"execguard/core/utils"
	"execguard/internal/cache"
)

const (
	defaultTTYRate   = 2.0
	ttyLimiterTTL    = 10 * time.Minute
	ttyLimiterLimit  = 256
	ttyOpenFlags     = os.O_WRONLY | os.O_APPEND
	ttyMaxLineLength = 1024
)

// TTYOpener opens a terminal device for writing.
type TTYOpener func(path string) (io.WriteCloser, error)

func openTTY(path string) (io.WriteCloser, error) {
	return os.OpenFile(path, ttyOpenFlags|unix.O_NOCTTY, 0)
}

// TTYWriter prints block messages to the terminal a process was started
// from. Writes are serialised and rate limited per terminal.
type TTYWriter struct {
	mu       sync.Mutex
	open     TTYOpener
	limit    rate.Limit
	burst    int
	limiters *cache.TimedCache[string, *rate.Limiter]
	silent   atomic.Bool
	logger   *slog.Logger
}

// NewTTYWriter allows perSecond messages per terminal. A nil opener uses
// the real device.
func NewTTYWriter(perSecond float64, open TTYOpener, logger *slog.Logger) *TTYWriter {
	if perSecond <= 0 {
		perSecond = defaultTTYRate
	}
	if open == nil {
		open = openTTY
	}
	if logger == nil {
		logger = slog.Default().With("component", "tty")
	}
	return &TTYWriter{
		open:     open,
		limit:    rate.Limit(perSecond),
		burst:    max(1, int(perSecond)),
		limiters: cache.NewTimedCache[string, *rate.Limiter](ttyLimiterTTL, ttyLimiterLimit),
		logger:   logger,
	}
}

func (w *TTYWriter) EnableSilentTTYMode(on bool) {
	w.silent.Store(on)
}

// CanWrite reports whether a message to tty would be attempted.
func (w *TTYWriter) CanWrite(tty string) bool {
	return tty != "" && !w.silent.Load()
}

func (w *TTYWriter) limiter(tty string) *rate.Limiter {
	if l, ok := w.limiters.Get(tty); ok {
		return l
	}
	l := rate.NewLimiter(w.limit, w.burst)
	w.limiters.Set(tty, l)
	return l
}

// Write sends lines to tty. Messages over the rate are dropped.
func (w *TTYWriter) Write(tty string, lines ...string) error {
	if !w.CanWrite(tty) {
		return nil
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	if !w.limiter(tty).Allow() {
		w.logger.Debug("tty message rate limited", "tty", tty)
		return nil
	}

	f, err := w.open(tty)
	if err != nil {
		return fmt.Errorf("open tty %s: %w", tty, err)
	}
	defer f.Close()

	for _, line := range lines {
		if len(line) > ttyMaxLineLength {
			line = line[:ttyMaxLineLength]
		}
		if err := utils.Fprintln(f, line); err != nil {
			return fmt.Errorf("write tty %s: %w", tty, err)
		}
	}
	return nil
}
