package events

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/klauspost/compress/zstd"
)

const spoolSuffix = ".cbor.zst"

// PendingSource is where the spool drains events from.
type PendingSource interface {
	Pending(ctx context.Context, limit int) ([]*ExecutionEvent, error)
	MarkUploaded(ctx context.Context, ids []string) error
}

type spoolBatch struct {
	Created time.Time         `json:"created"`
	Events  []*ExecutionEvent `json:"events"`
}

// Spool writes batches of events as zstd-compressed CBOR files for an
// upload agent to pick up. Each file is written to a temporary name and
// renamed, so readers never see a partial batch.
type Spool struct {
	dir string
	enc *zstd.Encoder
	dec *zstd.Decoder
}

func NewSpool(dir string) (*Spool, error) {
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("create spool dir: %w", err)
	}
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return nil, fmt.Errorf("zstd encoder: %w", err)
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		enc.Close()
		return nil, fmt.Errorf("zstd decoder: %w", err)
	}
	return &Spool{dir: dir, enc: enc, dec: dec}, nil
}

func (s *Spool) Close() {
	s.enc.Close()
	s.dec.Close()
}

// WriteBatch stores events as one spool file and returns its path.
func (s *Spool) WriteBatch(events []*ExecutionEvent) (string, error) {
	now := time.Now().UTC()
	raw, err := encMode.Marshal(spoolBatch{Created: now, Events: events})
	if err != nil {
		return "", fmt.Errorf("encode batch: %w", err)
	}
	compressed := s.enc.EncodeAll(raw, nil)

	name := strconv.FormatInt(now.UnixNano(), 10) + spoolSuffix
	final := filepath.Join(s.dir, name)
	tmp, err := os.CreateTemp(s.dir, ".batch-*")
	if err != nil {
		return "", fmt.Errorf("create spool file: %w", err)
	}
	if _, err := tmp.Write(compressed); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return "", fmt.Errorf("write spool file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return "", fmt.Errorf("close spool file: %w", err)
	}
	if err := os.Rename(tmp.Name(), final); err != nil {
		os.Remove(tmp.Name())
		return "", fmt.Errorf("publish spool file: %w", err)
	}
	return final, nil
}

func (s *Spool) ReadBatch(path string) ([]*ExecutionEvent, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open spool file: %w", err)
	}
	defer f.Close()
	compressed, err := io.ReadAll(f)
	if err != nil {
		return nil, fmt.Errorf("read spool file: %w", err)
	}
	raw, err := s.dec.DecodeAll(compressed, nil)
	if err != nil {
		return nil, fmt.Errorf("decompress %s: %w", filepath.Base(path), err)
	}
	var b spoolBatch
	if err := decMode.Unmarshal(raw, &b); err != nil {
		return nil, fmt.Errorf("decode %s: %w", filepath.Base(path), err)
	}
	return b.Events, nil
}

// List returns the published batch files, oldest first.
func (s *Spool) List() ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("list spool: %w", err)
	}
	var out []string
	for _, e := range entries {
		if e.Type().IsRegular() && strings.HasSuffix(e.Name(), spoolSuffix) {
			out = append(out, filepath.Join(s.dir, e.Name()))
		}
	}
	sort.Strings(out)
	return out, nil
}

// Drain moves up to batchSize pending events from src into one spool file
// and marks them uploaded. It returns the number of events spooled.
func (s *Spool) Drain(ctx context.Context, src PendingSource, batchSize int) (int, error) {
	pending, err := src.Pending(ctx, batchSize)
	if err != nil {
		return 0, err
	}
	if len(pending) == 0 {
		return 0, nil
	}
	if _, err := s.WriteBatch(pending); err != nil {
		return 0, err
	}
	ids := make([]string, len(pending))
	for i, e := range pending {
		ids[i] = e.ID
	}
	if err := src.MarkUploaded(ctx, ids); err != nil {
		return 0, err
	}
	return len(pending), nil
}
