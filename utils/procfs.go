package utils

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

var ErrMalformedStat = errors.New("malformed /proc stat")

// ProcFS reads process information from a procfs mount. Root is normally
// /proc; tests point it at a fake tree.
type ProcFS struct {
	Root string
}

var Default = ProcFS{Root: "/proc"}

func (p ProcFS) path(pid int32, name string) string {
	return filepath.Join(p.Root, strconv.FormatInt(int64(pid), 10), name)
}

// ProcStat holds the fields of /proc/<pid>/stat the agent uses.
type ProcStat struct {
	PID   int32
	Comm  string
	State byte
	PPID  int32
	// StartTime is in clock ticks since boot. Together with the PID it
	// identifies a process instance.
	StartTime uint64
}

func (p ProcFS) ReadStat(pid int32) (ProcStat, error) {
	data, err := os.ReadFile(p.path(pid, "stat"))
	if err != nil {
		return ProcStat{}, err
	}
	return parseStat(data)
}

// parseStat splits on the last ')' since comm may contain spaces and
// parentheses.
func parseStat(data []byte) (ProcStat, error) {
	open := bytes.IndexByte(data, '(')
	end := bytes.LastIndexByte(data, ')')
	if open < 0 || end < open {
		return ProcStat{}, ErrMalformedStat
	}
	pid, err := strconv.ParseInt(strings.TrimSpace(string(data[:open])), 10, 32)
	if err != nil {
		return ProcStat{}, fmt.Errorf("%w: pid: %w", ErrMalformedStat, err)
	}
	// Fields after comm start at field 3 (state).
	rest := strings.Fields(string(data[end+1:]))
	const (
		idxState     = 0  // field 3
		idxPPID      = 1  // field 4
		idxStartTime = 19 // field 22
	)
	if len(rest) <= idxStartTime {
		return ProcStat{}, fmt.Errorf("%w: %d fields", ErrMalformedStat, len(rest))
	}
	ppid, err := strconv.ParseInt(rest[idxPPID], 10, 32)
	if err != nil {
		return ProcStat{}, fmt.Errorf("%w: ppid: %w", ErrMalformedStat, err)
	}
	start, err := strconv.ParseUint(rest[idxStartTime], 10, 64)
	if err != nil {
		return ProcStat{}, fmt.Errorf("%w: starttime: %w", ErrMalformedStat, err)
	}
	return ProcStat{
		PID:       int32(pid),
		Comm:      string(data[open+1 : end]),
		State:     rest[idxState][0],
		PPID:      int32(ppid),
		StartTime: start,
	}, nil
}

// StartTime is the process generation used to detect PID reuse.
func (p ProcFS) StartTime(pid int32) (uint64, error) {
	st, err := p.ReadStat(pid)
	if err != nil {
		return 0, err
	}
	return st.StartTime, nil
}

func (p ProcFS) ReadStatus(pid int32) (map[string]string, error) {
	f, err := os.Open(p.path(pid, "status"))
	if err != nil {
		return nil, err
	}
	defer f.Close()

	out := make(map[string]string)
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		k, v, ok := strings.Cut(sc.Text(), ":")
		if ok {
			out[k] = strings.TrimSpace(v)
		}
	}
	return out, sc.Err()
}

// Creds are the real and effective ids from the status file.
type Creds struct {
	UID, EUID uint32
	GID, EGID uint32
}

func (p ProcFS) ReadCreds(pid int32) (Creds, error) {
	status, err := p.ReadStatus(pid)
	if err != nil {
		return Creds{}, err
	}
	uid, euid, err := parseIDLine(status["Uid"])
	if err != nil {
		return Creds{}, fmt.Errorf("uid: %w", err)
	}
	gid, egid, err := parseIDLine(status["Gid"])
	if err != nil {
		return Creds{}, fmt.Errorf("gid: %w", err)
	}
	return Creds{UID: uid, EUID: euid, GID: gid, EGID: egid}, nil
}

func parseIDLine(line string) (id, effective uint32, err error) {
	f := strings.Fields(line)
	if len(f) < 2 {
		return 0, 0, fmt.Errorf("malformed id line %q", line)
	}
	r, err := strconv.ParseUint(f[0], 10, 32)
	if err != nil {
		return 0, 0, err
	}
	e, err := strconv.ParseUint(f[1], 10, 32)
	if err != nil {
		return 0, 0, err
	}
	return uint32(r), uint32(e), nil
}

func splitNul(data []byte) []string {
	data = bytes.TrimRight(data, "\x00")
	if len(data) == 0 {
		return nil
	}
	parts := bytes.Split(data, []byte{0})
	out := make([]string, len(parts))
	for i, b := range parts {
		out[i] = string(b)
	}
	return out
}

func (p ProcFS) ReadCmdline(pid int32) ([]string, error) {
	data, err := os.ReadFile(p.path(pid, "cmdline"))
	if err != nil {
		return nil, err
	}
	return splitNul(data), nil
}

func (p ProcFS) ReadEnviron(pid int32) (map[string]string, error) {
	data, err := os.ReadFile(p.path(pid, "environ"))
	if err != nil {
		return nil, err
	}
	env := make(map[string]string)
	for _, kv := range splitNul(data) {
		if k, v, ok := strings.Cut(kv, "="); ok {
			env[k] = v
		}
	}
	return env, nil
}

func (p ProcFS) ReadCwd(pid int32) (string, error) {
	return os.Readlink(p.path(pid, "cwd"))
}

func (p ProcFS) ReadExe(pid int32) (string, error) {
	return os.Readlink(p.path(pid, "exe"))
}

// ExePath is the magic link to the running image; stat on it reaches the
// executed file even if it was since renamed.
func (p ProcFS) ExePath(pid int32) string {
	return p.path(pid, "exe")
}

func (p ProcFS) ListPIDs() ([]int32, error) {
	entries, err := os.ReadDir(p.Root)
	if err != nil {
		return nil, err
	}
	var pids []int32
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		n, err := strconv.ParseInt(e.Name(), 10, 32)
		if err != nil {
			continue
		}
		pids = append(pids, int32(n))
	}
	return pids, nil
}

// GetFilePathFromFD resolves an fd received from fanotify to its path.
func GetFilePathFromFD(fd int32) (string, error) {
	return os.Readlink("/proc/self/fd/" + strconv.FormatInt(int64(fd), 10))
}
