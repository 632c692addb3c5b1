package core

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"golang.org/x/sys/unix"

	"execguard/utils"
)

const (
	eventBufferSize      = 4096 * 8
	pollInterval         = 200 // ms
	defaultDecisionLimit = 5 * time.Second
	defaultQueueSize     = 1024
	defaultWorkers       = 4
)

type ExecWatcherOptions struct {
	Mounts []string
	// Deadline is how long a decision may take before the kernel gives up
	// waiting on the response.
	Deadline  time.Duration
	QueueSize int
	Workers   int
	ProcFS    utils.ProcFS
	Logger    *slog.Logger
}

// ExecWatcher feeds fanotify exec permission events to the controller
// through a bounded queue served by a fixed worker pool.
type ExecWatcher struct {
	fd       int
	ctrl     *Controller
	opts     ExecWatcherOptions
	queue    chan *KernelEvent
	stop     chan struct{}
	readDone chan struct{}
	wg       sync.WaitGroup
	logger   *slog.Logger
}

func NewExecWatcher(ctrl *Controller, opts ExecWatcherOptions) (*ExecWatcher, error) {
	if len(opts.Mounts) == 0 {
		opts.Mounts = []string{"/"}
	}
	if opts.Deadline <= 0 {
		opts.Deadline = defaultDecisionLimit
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = defaultQueueSize
	}
	if opts.Workers <= 0 {
		opts.Workers = defaultWorkers
	}
	if opts.ProcFS.Root == "" {
		opts.ProcFS = utils.Default
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default().With("component", "exec_watcher")
	}

	fd, err := utils.InitFanotify(true)
	if err != nil {
		return nil, err
	}
	for _, m := range opts.Mounts {
		if err := utils.MarkPath(fd, m, true, unix.FAN_OPEN_EXEC_PERM); err != nil {
			unix.Close(fd)
			return nil, err
		}
	}
	return &ExecWatcher{
		fd:       fd,
		ctrl:     ctrl,
		opts:     opts,
		queue:    make(chan *KernelEvent, opts.QueueSize),
		stop:     make(chan struct{}),
		readDone: make(chan struct{}),
		logger:   opts.Logger,
	}, nil
}

func (w *ExecWatcher) Start(ctx context.Context) {
	for range w.opts.Workers {
		w.wg.Add(1)
		go w.worker(ctx)
	}
	go w.readLoop()
	w.logger.Info("exec watcher started", "mounts", w.opts.Mounts, "workers", w.opts.Workers)
}

// Stop drains queued events and closes the fanotify group. The kernel
// allows anything still pending once the group is gone.
func (w *ExecWatcher) Stop() {
	close(w.stop)
	<-w.readDone
	close(w.queue)
	w.wg.Wait()
	unix.Close(w.fd)
	w.logger.Info("exec watcher stopped")
}

func (w *ExecWatcher) readLoop() {
	defer close(w.readDone)
	buf := make([]byte, eventBufferSize)
	fds := []unix.PollFd{{Fd: int32(w.fd), Events: unix.POLLIN}}
	for {
		select {
		case <-w.stop:
			return
		default:
		}
		n, err := unix.Poll(fds, pollInterval)
		if err != nil {
			if errors.Is(err, unix.EINTR) {
				continue
			}
			w.logger.Error("polling fanotify failed", "error", err)
			return
		}
		if n == 0 {
			continue
		}
		n, err = unix.Read(w.fd, buf)
		if err != nil {
			if errors.Is(err, unix.EINTR) || errors.Is(err, unix.EAGAIN) {
				continue
			}
			w.logger.Error("reading fanotify failed", "error", err)
			return
		}
		for _, fe := range utils.ParseEvents(buf[:n]) {
			w.dispatch(fe)
		}
	}
}

func (w *ExecWatcher) dispatch(fe utils.FanotifyEvent) {
	if fe.Fd < 0 {
		if fe.Mask&unix.FAN_Q_OVERFLOW != 0 {
			w.logger.Warn("fanotify queue overflowed")
		}
		return
	}
	if fe.Mask&unix.FAN_OPEN_EXEC_PERM == 0 {
		w.logger.Debug("ignoring fanotify event", "mask", utils.MaskToString(fe.Mask))
		unix.Close(int(fe.Fd))
		return
	}

	ev := w.kernelEvent(fe)
	select {
	case w.queue <- ev:
	default:
		allow := !w.ctrl.state.Load().FailClosed
		w.logger.Warn("event queue full, answering without a decision",
			"pid", ev.PID, "path", ev.Path, "allow", allow)
		w.answer(ev, allow)
	}
}

func (w *ExecWatcher) kernelEvent(fe utils.FanotifyEvent) *KernelEvent {
	now := time.Now()
	ev := &KernelEvent{
		Type:     EventExec,
		PID:      fe.Pid,
		Fd:       fe.Fd,
		Received: now,
		Deadline: now.Add(w.opts.Deadline),
	}
	path, err := utils.GetFilePathFromFD(fe.Fd)
	if err != nil {
		path = fmt.Sprintf("fd:%d", fe.Fd)
	}
	ev.Path = path
	ev.PathTruncated = len(path) >= unix.PathMax

	fs := w.opts.ProcFS
	if st, err := fs.ReadStat(fe.Pid); err == nil {
		ev.PPID = st.PPID
		ev.Generation = st.StartTime
	}
	if creds, err := fs.ReadCreds(fe.Pid); err == nil {
		ev.UID = creds.UID
	}
	ev.TTY = controllingTTY(fs, fe.Pid)
	return ev
}

// controllingTTY guesses the terminal from stdin.
func controllingTTY(fs utils.ProcFS, pid int32) string {
	target, err := os.Readlink(fmt.Sprintf("%s/%d/fd/0", fs.Root, pid))
	if err != nil {
		return ""
	}
	if strings.HasPrefix(target, "/dev/pts/") || strings.HasPrefix(target, "/dev/tty") {
		return target
	}
	return ""
}

func (w *ExecWatcher) worker(ctx context.Context) {
	defer w.wg.Done()
	for ev := range w.queue {
		w.ctrl.ValidateExec(ctx, ev, func(a Action) bool {
			// A held process is allowed through and stopped right after.
			return w.answer(ev, a.Permits())
		})
	}
}

func (w *ExecWatcher) answer(ev *KernelEvent, allow bool) bool {
	defer unix.Close(int(ev.Fd))
	if err := utils.SendResponse(w.fd, ev.Fd, allow); err != nil {
		w.logger.Warn("fanotify response failed", "pid", ev.PID, "error", err)
		return false
	}
	return true
}
