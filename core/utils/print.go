package utils

import (
	"io"
	"os"
	"strconv"
	"unicode/utf8"
)

// Println writes args to stdout followed by a newline. Strings are
// sanitised so untrusted paths can't inject terminal escapes.
func Println(args ...any) error {
	return Fprintln(os.Stdout, args...)
}

func Fprintln(w io.Writer, args ...any) error {
	buf := appendArgs(make([]byte, 0, 256), args)
	buf = append(buf, '\n')
	_, err := w.Write(buf)
	return err
}

// Fprint is Fprintln without the trailing newline.
func Fprint(w io.Writer, args ...any) error {
	_, err := w.Write(appendArgs(make([]byte, 0, 256), args))
	return err
}

// Sanitize returns s with control characters and invalid UTF-8 replaced
// by '?'. Tabs survive.
func Sanitize(s string) string {
	return string(appendString(make([]byte, 0, len(s)), s))
}

func appendArgs(buf []byte, args []any) []byte {
	for i, arg := range args {
		if i > 0 {
			buf = append(buf, ' ')
		}
		switch v := arg.(type) {
		case string:
			buf = appendString(buf, v)
		case int:
			buf = strconv.AppendInt(buf, int64(v), 10)
		case int32:
			buf = strconv.AppendInt(buf, int64(v), 10)
		case int64:
			buf = strconv.AppendInt(buf, v, 10)
		case uint:
			buf = strconv.AppendUint(buf, uint64(v), 10)
		case uint32:
			buf = strconv.AppendUint(buf, uint64(v), 10)
		case uint64:
			buf = strconv.AppendUint(buf, v, 10)
		case float64:
			buf = strconv.AppendFloat(buf, v, 'f', -1, 64)
		case bool:
			buf = strconv.AppendBool(buf, v)
		case []byte:
			buf = appendBytes(buf, v)
		case interface{ String() string }:
			buf = appendString(buf, v.String())
		default:
			buf = append(buf, "<unsupported>"...)
		}
	}
	return buf
}

func appendString(buf []byte, s string) []byte {
	for len(s) > 0 {
		r, size := utf8.DecodeRuneInString(s)
		switch {
		case r == utf8.RuneError && size <= 1:
			buf = append(buf, '?')
		case r < 32 && r != '\t':
			buf = append(buf, '?')
		case r == 127:
			buf = append(buf, '?')
		case r >= 0x80 && r <= 0x9F:
			// C1 controls
			buf = append(buf, '?')
		default:
			buf = utf8.AppendRune(buf, r)
		}
		s = s[size:]
	}
	return buf
}

func appendBytes(buf, data []byte) []byte {
	for _, b := range data {
		if (b >= 32 && b < 127) || b == '\t' {
			buf = append(buf, b)
		} else {
			buf = append(buf, '?')
		}
	}
	return buf
}
