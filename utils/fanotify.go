package utils

import (
	"encoding/binary"
	"fmt"
	"strings"
	"unsafe"

	"golang.org/x/sys/unix"
)

const (
	permissionInitFlags = unix.FAN_CLASS_CONTENT |
		unix.FAN_CLOEXEC |
		unix.FAN_UNLIMITED_QUEUE |
		unix.FAN_UNLIMITED_MARKS

	notifyInitFlags = unix.FAN_CLASS_NOTIF |
		unix.FAN_CLOEXEC |
		unix.FAN_UNLIMITED_QUEUE |
		unix.FAN_UNLIMITED_MARKS

	eventFlags = unix.O_RDONLY | unix.O_LARGEFILE | unix.O_CLOEXEC
)

// InitFanotify opens a fanotify group. Permission groups can answer
// FAN_*_PERM events; notification groups only observe.
func InitFanotify(permission bool) (int, error) {
	flags := uint(notifyInitFlags)
	if permission {
		flags = permissionInitFlags
	}
	fd, err := unix.FanotifyInit(flags, eventFlags)
	if err != nil {
		return -1, fmt.Errorf("fanotify_init: %w (requires CAP_SYS_ADMIN)", err)
	}
	return fd, nil
}

// MarkPath adds events on path, or on the whole mount containing it.
func MarkPath(fd int, path string, mount bool, events uint64) error {
	flags := uint(unix.FAN_MARK_ADD)
	if mount {
		flags |= unix.FAN_MARK_MOUNT
	}
	if err := unix.FanotifyMark(fd, flags, events, unix.AT_FDCWD, path); err != nil {
		return fmt.Errorf("fanotify_mark %s: %w", path, err)
	}
	return nil
}

var maskNames = []struct {
	bit  uint64
	name string
}{
	{unix.FAN_ACCESS, "ACCESS"},
	{unix.FAN_MODIFY, "MODIFY"},
	{unix.FAN_CLOSE_WRITE, "CLOSE_WRITE"},
	{unix.FAN_CLOSE_NOWRITE, "CLOSE_NOWRITE"},
	{unix.FAN_OPEN, "OPEN"},
	{unix.FAN_OPEN_EXEC, "OPEN_EXEC"},
	{unix.FAN_OPEN_PERM, "OPEN_PERM"},
	{unix.FAN_OPEN_EXEC_PERM, "OPEN_EXEC_PERM"},
	{unix.FAN_ACCESS_PERM, "ACCESS_PERM"},
	{unix.FAN_Q_OVERFLOW, "Q_OVERFLOW"},
}

func MaskToString(mask uint64) string {
	var parts []string
	for _, m := range maskNames {
		if mask&m.bit != 0 {
			parts = append(parts, m.name)
			mask &^= m.bit
		}
	}
	if mask != 0 {
		parts = append(parts, fmt.Sprintf("0x%x", mask))
	}
	if len(parts) == 0 {
		return "NONE"
	}
	return strings.Join(parts, "|")
}

// FanotifyEvent is one decoded metadata record. Fd is owned by the caller
// and must be closed.
type FanotifyEvent struct {
	Mask uint64
	Fd   int32
	Pid  int32
}

var metadataSize = int(unsafe.Sizeof(unix.FanotifyEventMetadata{}))

// ParseEvents decodes the records in one read buffer. Records with an
// unexpected version or a truncated length end the parse.
func ParseEvents(data []byte) []FanotifyEvent {
	var out []FanotifyEvent
	for offset := 0; offset+metadataSize <= len(data); {
		md := (*unix.FanotifyEventMetadata)(unsafe.Pointer(&data[offset]))
		if md.Vers != unix.FANOTIFY_METADATA_VERSION || int(md.Event_len) < metadataSize {
			break
		}
		out = append(out, FanotifyEvent{Mask: md.Mask, Fd: md.Fd, Pid: md.Pid})
		offset += int(md.Event_len)
	}
	return out
}

// SendResponse answers a permission event.
func SendResponse(fd int, eventFd int32, allow bool) error {
	resp := uint32(unix.FAN_DENY)
	if allow {
		resp = unix.FAN_ALLOW
	}
	var buf [8]byte
	binary.NativeEndian.PutUint32(buf[0:4], uint32(eventFd))
	binary.NativeEndian.PutUint32(buf[4:8], resp)
	if _, err := unix.Write(fd, buf[:]); err != nil {
		return fmt.Errorf("fanotify response for fd %d: %w", eventFd, err)
	}
	return nil
}
