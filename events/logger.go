package events

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"
)

type LogFormat int

const (
	FormatText LogFormat = iota
	FormatJSON
	FormatCEF // Common Event Format
)

func ParseLogFormat(s string) (LogFormat, error) {
	switch strings.ToLower(s) {
	case "", "text":
		return FormatText, nil
	case "json":
		return FormatJSON, nil
	case "cef":
		return FormatCEF, nil
	}
	return FormatText, fmt.Errorf("unknown log format %q", s)
}

// EventFilter returns false for events that must not be written.
type EventFilter func(*ExecutionEvent) bool

// SecurityLogger writes one line per decision. It is the audit trail and
// is independent of the diagnostic slog output.
type SecurityLogger struct {
	mu      sync.Mutex
	path    string
	file    *os.File
	w       io.Writer
	format  LogFormat
	filters []EventFilter
}

// NewSecurityLogger appends to path. An empty path or "-" writes to stdout.
func NewSecurityLogger(path string, format LogFormat) (*SecurityLogger, error) {
	sl := &SecurityLogger{path: path, format: format}
	if path == "" || path == "-" {
		sl.w = os.Stdout
		return sl, nil
	}
	if err := sl.open(); err != nil {
		return nil, err
	}
	return sl, nil
}

// NewSecurityLoggerWriter writes to w. Rotate is a no-op.
func NewSecurityLoggerWriter(w io.Writer, format LogFormat) *SecurityLogger {
	return &SecurityLogger{w: w, format: format}
}

func (sl *SecurityLogger) open() error {
	f, err := os.OpenFile(sl.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return fmt.Errorf("open decision log %s: %w", sl.path, err)
	}
	sl.file = f
	sl.w = f
	return nil
}

func (sl *SecurityLogger) AddFilter(filter EventFilter) {
	sl.mu.Lock()
	sl.filters = append(sl.filters, filter)
	sl.mu.Unlock()
}

// Log writes event in the configured format unless a filter rejects it.
func (sl *SecurityLogger) Log(event *ExecutionEvent) error {
	sl.mu.Lock()
	defer sl.mu.Unlock()
	for _, f := range sl.filters {
		if !f(event) {
			return nil
		}
	}

	var line []byte
	switch sl.format {
	case FormatJSON:
		b, err := json.Marshal(event)
		if err != nil {
			return fmt.Errorf("encode event %s: %w", event.ID, err)
		}
		line = append(b, '\n')
	case FormatCEF:
		line = appendCEF(nil, event)
	default:
		line = appendText(nil, event)
	}
	if _, err := sl.w.Write(line); err != nil {
		return fmt.Errorf("write decision log: %w", err)
	}
	return nil
}

// Rotate renames the current file with a timestamp suffix and reopens a
// fresh one at the configured path.
func (sl *SecurityLogger) Rotate() error {
	sl.mu.Lock()
	defer sl.mu.Unlock()
	if sl.file == nil {
		return nil
	}
	if err := sl.file.Close(); err != nil {
		return fmt.Errorf("close decision log: %w", err)
	}
	rotated := sl.path + "." + time.Now().UTC().Format("20060102T150405.000000000")
	if err := os.Rename(sl.path, rotated); err != nil {
		return fmt.Errorf("rotate decision log: %w", err)
	}
	return sl.open()
}

func (sl *SecurityLogger) Close() error {
	sl.mu.Lock()
	defer sl.mu.Unlock()
	if sl.file == nil {
		return nil
	}
	err := sl.file.Close()
	sl.file = nil
	return err
}

var textEscaper = strings.NewReplacer("|", "<pipe>", "\n", "\\n", "\r", "\\r")

func appendField(buf []byte, key, value string) []byte {
	if len(buf) > 0 {
		buf = append(buf, '|')
	}
	buf = append(buf, key...)
	buf = append(buf, '=')
	return append(buf, textEscaper.Replace(value)...)
}

func appendText(buf []byte, e *ExecutionEvent) []byte {
	buf = append(buf, '[')
	buf = append(buf, e.Timestamp.Format(time.RFC3339Nano)...)
	buf = append(buf, "] "...)
	var fields []byte
	fields = appendField(fields, "action", "EXEC")
	fields = appendField(fields, "decision", e.Decision)
	if e.Reason != "" {
		fields = appendField(fields, "reason", e.Reason)
	}
	if e.CustomMsg != "" {
		fields = appendField(fields, "explain", e.CustomMsg)
	}
	fields = appendField(fields, "sha256", e.SHA256)
	if e.CertSHA256 != "" {
		fields = appendField(fields, "cert_sha256", e.CertSHA256)
		fields = appendField(fields, "cert_cn", e.CertCommon)
	}
	if e.TeamID != "" {
		fields = appendField(fields, "teamid", e.TeamID)
	}
	if e.SigningID != "" {
		fields = appendField(fields, "signingid", e.SigningID)
	}
	if e.CDHash != "" {
		fields = appendField(fields, "cdhash", e.CDHash)
	}
	fields = appendField(fields, "pid", strconv.FormatInt(int64(e.PID), 10))
	fields = appendField(fields, "ppid", strconv.FormatInt(int64(e.PPID), 10))
	fields = appendField(fields, "uid", strconv.FormatUint(uint64(e.UID), 10))
	fields = appendField(fields, "user", e.Username)
	fields = appendField(fields, "mode", e.ModeLetter())
	fields = appendField(fields, "path", e.Path)
	if len(e.Args) > 0 {
		fields = appendField(fields, "args", strings.Join(e.Args, " "))
	}
	buf = append(buf, fields...)
	return append(buf, '\n')
}

var (
	cefHeaderEscaper    = strings.NewReplacer(`\`, `\\`, "|", `\|`)
	cefExtensionEscaper = strings.NewReplacer(`\`, `\\`, "=", `\=`, "\n", `\n`, "\r", `\r`)
)

func appendCEF(buf []byte, e *ExecutionEvent) []byte {
	severity := "3"
	if !e.Allowed() {
		severity = "7"
	}
	buf = append(buf, "CEF:0|execguard|execguard|1.0|"...)
	buf = append(buf, cefHeaderEscaper.Replace(e.Decision)...)
	buf = append(buf, "|Execution "...)
	if e.Allowed() {
		buf = append(buf, "allowed"...)
	} else {
		buf = append(buf, "blocked"...)
	}
	buf = append(buf, '|')
	buf = append(buf, severity...)
	buf = append(buf, '|')

	ext := []struct{ k, v string }{
		{"rt", strconv.FormatInt(e.Timestamp.UnixMilli(), 10)},
		{"externalId", e.ID},
		{"filePath", e.Path},
		{"fileHash", e.SHA256},
		{"spid", strconv.FormatInt(int64(e.PID), 10)},
		{"suid", strconv.FormatUint(uint64(e.UID), 10)},
		{"suser", e.Username},
		{"sproc", e.ParentName},
		{"cs1Label", "teamId"},
		{"cs1", e.TeamID},
		{"cs2Label", "signingId"},
		{"cs2", e.SigningID},
		{"cs3Label", "mode"},
		{"cs3", e.ClientMode},
	}
	for i, kv := range ext {
		if i > 0 {
			buf = append(buf, ' ')
		}
		buf = append(buf, kv.k...)
		buf = append(buf, '=')
		buf = append(buf, cefExtensionEscaper.Replace(kv.v)...)
	}
	return append(buf, '\n')
}
