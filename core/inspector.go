package core

import (
	"bytes"
	"context"
	"crypto/sha256"
	"debug/elf"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/sys/unix"

	"execguard/policy"
)

const magicLen = 4

var (
	elfMagic    = []byte{0x7f, 'E', 'L', 'F'}
	machoMagics = [][]byte{
		{0xfe, 0xed, 0xfa, 0xce},
		{0xfe, 0xed, 0xfa, 0xcf},
		{0xce, 0xfa, 0xed, 0xfe},
		{0xcf, 0xfa, 0xed, 0xfe},
		{0xca, 0xfe, 0xba, 0xbe},
	}
	bundleSuffixes = []string{".app", ".AppDir"}
)

// Inspector turns a kernel event into the identity of the file being
// executed.
type Inspector interface {
	Inspect(ctx context.Context, ev *KernelEvent) (*Inspection, error)
}

// Inspection is an identity plus whatever keeps its lazy hash readable.
// Release must be called once the decision is made.
type Inspection struct {
	Identity *policy.ExecutionIdentity
	release  func()
}

func NewInspection(id *policy.ExecutionIdentity, release func()) *Inspection {
	return &Inspection{Identity: id, release: release}
}

func (in *Inspection) Release() {
	if in != nil && in.release != nil {
		in.release()
		in.release = nil
	}
}

// FileInspector reads executables through the event's file descriptor, or
// by path when the event has none.
type FileInspector struct{}

func NewFileInspector() *FileInspector { return &FileInspector{} }

func (fi *FileInspector) open(ev *KernelEvent) (*os.File, error) {
	if ev.Fd >= 0 {
		dup, err := unix.Dup(int(ev.Fd))
		if err != nil {
			return nil, fmt.Errorf("dup event fd: %w", err)
		}
		return os.NewFile(uintptr(dup), ev.Path), nil
	}
	return os.Open(ev.Path)
}

func (fi *FileInspector) Inspect(ctx context.Context, ev *KernelEvent) (*Inspection, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	f, err := fi.open(ev)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrInspection, ev.Path, err)
	}

	var st unix.Stat_t
	if err := unix.Fstat(int(f.Fd()), &st); err != nil {
		f.Close()
		return nil, fmt.Errorf("%w: fstat %s: %w", ErrInspection, ev.Path, err)
	}
	if st.Mode&unix.S_IFMT != unix.S_IFREG {
		f.Close()
		return nil, fmt.Errorf("%w: %s is not a regular file", ErrInspection, ev.Path)
	}

	size := st.Size
	id := policy.NewExecutionIdentity(ev.Path, func() (string, error) {
		return hashFile(f, size)
	})
	id.VnodeID = policy.VnodeID{
		Device: uint64(st.Dev),
		Inode:  st.Ino,
		Mtime:  st.Mtim.Nano(),
	}

	head := make([]byte, magicLen)
	n, _ := f.ReadAt(head, 0)
	id.Format = detectFormat(head[:n])
	if id.Format == policy.FormatELF {
		id.MissingRequiredSection = !hasLoadSegment(io.NewSectionReader(f, 0, size))
	}

	id.TeamID = ev.TeamID
	id.SigningID = ev.SigningID
	id.CDHash = ev.CDHash
	id.CertSHA256 = ev.CertSHA256
	id.CertCommon = ev.CertCommon
	id.Flags = ev.SigningFlags
	id.Entitlements = ev.Entitlements
	id.BundlePath = findBundle(ev.Path)

	return NewInspection(id, func() { f.Close() }), nil
}

func hashFile(f *os.File, size int64) (string, error) {
	h := sha256.New()
	if _, err := io.Copy(h, io.NewSectionReader(f, 0, size)); err != nil {
		return "", fmt.Errorf("%w: hash %s: %w", ErrInspection, f.Name(), err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

func detectFormat(head []byte) policy.ExecutableFormat {
	if bytes.HasPrefix(head, elfMagic) {
		return policy.FormatELF
	}
	for _, m := range machoMagics {
		if bytes.HasPrefix(head, m) {
			return policy.FormatMachO
		}
	}
	if bytes.HasPrefix(head, []byte("#!")) {
		return policy.FormatScript
	}
	return policy.FormatUnknown
}

// hasLoadSegment reports whether an ELF image maps anything at all. The
// loader refuses images without a PT_LOAD segment.
func hasLoadSegment(r io.ReaderAt) bool {
	ef, err := elf.NewFile(r)
	if err != nil {
		return false
	}
	defer ef.Close()
	for _, p := range ef.Progs {
		if p.Type == elf.PT_LOAD {
			return true
		}
	}
	return false
}

// findBundle returns the closest enclosing application bundle directory.
func findBundle(path string) string {
	for dir := filepath.Dir(path); dir != "/" && dir != "."; dir = filepath.Dir(dir) {
		for _, suffix := range bundleSuffixes {
			if strings.HasSuffix(dir, suffix) {
				return dir
			}
		}
	}
	return ""
}
