package events

import (
	"bytes"
	"context"
	"encoding/hex"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"

	"github.com/zeebo/blake3"
)

const defaultMaxBundleFiles = 10000

var execMagics = [][]byte{
	{0x7f, 'E', 'L', 'F'},
	{0xfe, 0xed, 0xfa, 0xce},
	{0xfe, 0xed, 0xfa, 0xcf},
	{0xce, 0xfa, 0xed, 0xfe},
	{0xcf, 0xfa, 0xed, 0xfe},
	{0xca, 0xfe, 0xba, 0xbe},
}

// BundleHasher computes a single identity for all executables under a
// bundle directory: the BLAKE3 of the sorted per-file BLAKE3 digests.
type BundleHasher struct {
	MaxFiles int
}

type BundleHash struct {
	Hash        string
	BinaryCount int
}

func (h *BundleHasher) HashBundle(ctx context.Context, root string) (BundleHash, error) {
	limit := h.MaxFiles
	if limit <= 0 {
		limit = defaultMaxBundleFiles
	}

	var digests []string
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if !d.Type().IsRegular() {
			return nil
		}
		digest, ok, err := hashExecutable(path)
		if err != nil {
			return err
		}
		if !ok {
			return nil
		}
		digests = append(digests, digest)
		if len(digests) > limit {
			return fmt.Errorf("bundle %s has more than %d executables", root, limit)
		}
		return nil
	})
	if err != nil {
		return BundleHash{}, fmt.Errorf("hash bundle: %w", err)
	}

	sort.Strings(digests)
	outer := blake3.New()
	for _, d := range digests {
		outer.WriteString(d)
	}
	return BundleHash{Hash: hex.EncodeToString(outer.Sum(nil)), BinaryCount: len(digests)}, nil
}

// hashExecutable reports ok=false for files that are not native images.
func hashExecutable(path string) (string, bool, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", false, err
	}
	defer f.Close()

	head := make([]byte, 4)
	if _, err := io.ReadFull(f, head); err != nil {
		return "", false, nil
	}
	if !isExecMagic(head) {
		return "", false, nil
	}
	hasher := blake3.New()
	hasher.Write(head)
	if _, err := io.Copy(hasher, f); err != nil {
		return "", false, err
	}
	return hex.EncodeToString(hasher.Sum(nil)), true, nil
}

func isExecMagic(head []byte) bool {
	for _, m := range execMagics {
		if bytes.Equal(head, m) {
			return true
		}
	}
	return false
}
