// Package walstore implements the write-ahead log the ShadowState uses for
// crash recovery: CBOR-encoded, length-prefixed records with a trailing
// CRC32 checksum, appended and rolled by size (spec §4.4, §6 "persisted
// state format"). Appends are not batched into group commits: each Sync
// call fsyncs the active segment at once, and the commit window passed to
// NewWriter is stored but not used.
package walstore

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/ugorji/go/codec"
)

// Entry is one WAL record; the whole Entry is CBOR-encoded on disk. Payload
// holds the domain event as encoded by the caller (shadowstate writes JSON
// order updates, fills and position marks; no other event kinds are
// written); Kind names its type for recovery-time dispatch.
type Entry struct {
	Seq       uint64    `codec:"seq"`
	Kind      string    `codec:"kind"`
	Timestamp time.Time `codec:"ts"`
	Payload   []byte    `codec:"payload"`
}

var handle = &codec.CborHandle{}

// encodeEntry returns the CBOR encoding of e, followed by a trailing CRC32
// of that encoding, all prefixed with a uint32 length of the CBOR portion.
func encodeEntry(e Entry) ([]byte, error) {
	var cborBuf []byte
	enc := codec.NewEncoderBytes(&cborBuf, handle)
	if err := enc.Encode(e); err != nil {
		return nil, fmt.Errorf("walstore: encode entry: %w", err)
	}
	sum := crc32.ChecksumIEEE(cborBuf)

	out := make([]byte, 4+len(cborBuf)+4)
	binary.BigEndian.PutUint32(out[0:4], uint32(len(cborBuf)))
	copy(out[4:4+len(cborBuf)], cborBuf)
	binary.BigEndian.PutUint32(out[4+len(cborBuf):], sum)
	return out, nil
}

// decodeEntry reads one record from r, returning io.EOF (wrapped) when the
// stream is exhausted cleanly, or an error identifying truncation/
// corruption otherwise.
func decodeEntry(r readerAt, offset int64) (Entry, int64, error) {
	var lenBuf [4]byte
	n, err := r.ReadAt(lenBuf[:], offset)
	if n == 0 {
		return Entry{}, offset, errEOF
	}
	if err != nil || n < 4 {
		return Entry{}, offset, errTruncated
	}
	recLen := binary.BigEndian.Uint32(lenBuf[:])

	body := make([]byte, recLen+4)
	n, err = r.ReadAt(body, offset+4)
	if err != nil || n < len(body) {
		return Entry{}, offset, errTruncated
	}
	cborBuf := body[:recLen]
	wantSum := binary.BigEndian.Uint32(body[recLen:])
	gotSum := crc32.ChecksumIEEE(cborBuf)
	if gotSum != wantSum {
		return Entry{}, offset, errCorrupt
	}

	var e Entry
	dec := codec.NewDecoderBytes(cborBuf, handle)
	if err := dec.Decode(&e); err != nil {
		return Entry{}, offset, fmt.Errorf("walstore: decode entry: %w", err)
	}
	return e, offset + 4 + int64(recLen) + 4, nil
}

type readerAt interface {
	ReadAt(p []byte, off int64) (int, error)
}

var (
	errEOF       = fmt.Errorf("walstore: end of segment")
	errTruncated = fmt.Errorf("walstore: truncated record at tail, dropping")
	errCorrupt   = fmt.Errorf("walstore: checksum mismatch, record corrupt")
)

// Writer appends entries to a rolling set of segment files under dir. It
// fsyncs only on Sync, on a segment roll and on Close; fsyncs are not
// batched across appends.
type Writer struct {
	dir          string
	rollBytes    int64
	commitWindow time.Duration

	mu       sync.Mutex
	file     *os.File
	size     int64
	nextSeq  uint64
	segIndex int

	pendingSync bool
	syncErrCh   chan error
}

// NewWriter opens (creating if needed) the WAL directory and its latest
// segment, resuming the sequence counter from the highest seq found.
func NewWriter(dir string, rollBytes int64, commitWindow time.Duration) (*Writer, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("walstore: mkdir %s: %w", dir, err)
	}
	w := &Writer{dir: dir, rollBytes: rollBytes, commitWindow: commitWindow, nextSeq: 1}

	segs, err := listSegments(dir)
	if err != nil {
		return nil, err
	}
	if len(segs) == 0 {
		if err := w.openSegment(0); err != nil {
			return nil, err
		}
		return w, nil
	}

	last := segs[len(segs)-1]
	w.segIndex = last
	f, err := os.OpenFile(segmentPath(dir, last), os.O_RDWR|os.O_APPEND, 0o644)
	if err != nil {
		return nil, err
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}
	w.file = f
	w.size = info.Size()

	maxSeq, err := scanMaxSeq(dir, segs)
	if err != nil {
		return nil, err
	}
	w.nextSeq = maxSeq + 1
	return w, nil
}

func segmentPath(dir string, idx int) string {
	return filepath.Join(dir, fmt.Sprintf("wal-%010d.log", idx))
}

func listSegments(dir string) ([]int, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var segs []int
	for _, e := range entries {
		var idx int
		if _, err := fmt.Sscanf(e.Name(), "wal-%010d.log", &idx); err == nil {
			segs = append(segs, idx)
		}
	}
	sort.Ints(segs)
	return segs, nil
}

func scanMaxSeq(dir string, segs []int) (uint64, error) {
	var max uint64
	for _, idx := range segs {
		f, err := os.Open(segmentPath(dir, idx))
		if err != nil {
			return 0, err
		}
		var offset int64
		for {
			e, next, err := decodeEntry(f, offset)
			if err == errEOF {
				break
			}
			if err == errTruncated || err == errCorrupt {
				break
			}
			if err != nil {
				f.Close()
				return 0, err
			}
			if e.Seq > max {
				max = e.Seq
			}
			offset = next
		}
		f.Close()
	}
	return max, nil
}

func (w *Writer) openSegment(idx int) error {
	f, err := os.OpenFile(segmentPath(w.dir, idx), os.O_RDWR|os.O_CREATE|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	w.file = f
	w.size = 0
	w.segIndex = idx
	return nil
}

// Append writes kind/payload as a new entry, assigning the next sequence
// number, and returns the assigned seq. It does not fsync by itself — call
// Sync before acknowledging the caller.
func (w *Writer) Append(kind string, payload []byte) (uint64, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	seq := w.nextSeq
	w.nextSeq++

	e := Entry{Seq: seq, Kind: kind, Timestamp: time.Now(), Payload: payload}
	buf, err := encodeEntry(e)
	if err != nil {
		return 0, err
	}

	if w.size+int64(len(buf)) > w.rollBytes && w.size > 0 {
		if err := w.file.Sync(); err != nil {
			return 0, err
		}
		if err := w.file.Close(); err != nil {
			return 0, err
		}
		if err := w.openSegment(w.segIndex + 1); err != nil {
			return 0, err
		}
	}

	n, err := w.file.Write(buf)
	if err != nil {
		return 0, fmt.Errorf("walstore: write: %w", err)
	}
	w.size += int64(n)
	return seq, nil
}

// Sync fsyncs the active segment.
func (w *Writer) Sync() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.file.Sync()
}

// Close fsyncs and closes the active segment.
func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.file.Sync(); err != nil {
		return err
	}
	return w.file.Close()
}

// NextSeq returns the sequence number that will be assigned to the next
// Append call.
func (w *Writer) NextSeq() uint64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.nextSeq
}

// ReplayAll reads every entry across every segment in dir, in order,
// invoking fn for each. A truncated or corrupt trailing record stops replay
// of that segment without error (a crash mid-write is expected, per spec
// §4.4's crash-recovery invariant); corruption NOT at the tail is reported
// as an error, since that indicates disk-level damage rather than a
// torn write.
func ReplayAll(dir string, fn func(Entry) error) error {
	segs, err := listSegments(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	for i, idx := range segs {
		f, err := os.Open(segmentPath(dir, idx))
		if err != nil {
			return err
		}
		var offset int64
		isLastSegment := i == len(segs)-1
		for {
			e, next, derr := decodeEntry(f, offset)
			if derr == errEOF {
				break
			}
			if derr == errTruncated {
				if !isLastSegment {
					f.Close()
					return fmt.Errorf("walstore: truncated record in non-tail segment %d: %w", idx, derr)
				}
				break
			}
			if derr == errCorrupt {
				f.Close()
				return fmt.Errorf("walstore: corrupt record in segment %d: %w", idx, derr)
			}
			if derr != nil {
				f.Close()
				return derr
			}
			if err := fn(e); err != nil {
				f.Close()
				return err
			}
			offset = next
		}
		f.Close()
	}
	return nil
}

// PruneBefore deletes fully-applied segments whose highest seq is below
// beforeSeq, called after a successful snapshot (spec §4.4 snapshotting).
func PruneBefore(dir string, beforeSeq uint64) error {
	segs, err := listSegments(dir)
	if err != nil {
		return err
	}
	// Never prune the active (last) segment.
	if len(segs) <= 1 {
		return nil
	}
	for _, idx := range segs[:len(segs)-1] {
		maxSeq, err := scanMaxSeq(dir, []int{idx})
		if err != nil {
			return err
		}
		if maxSeq < beforeSeq {
			if err := os.Remove(segmentPath(dir, idx)); err != nil {
				return err
			}
		}
	}
	return nil
}
