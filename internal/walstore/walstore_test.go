package walstore

import (
	"testing"
)

func TestAppendAndReplay(t *testing.T) {
	dir := t.TempDir()
	w, err := NewWriter(dir, 1<<20, 0)
	if err != nil {
		t.Fatalf("NewWriter: %v", err)
	}

	seqs := []uint64{}
	for i := 0; i < 5; i++ {
		seq, err := w.Append("order.opened", []byte("payload"))
		if err != nil {
			t.Fatalf("Append: %v", err)
		}
		seqs = append(seqs, seq)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	var replayed []uint64
	err = ReplayAll(dir, func(e Entry) error {
		replayed = append(replayed, e.Seq)
		return nil
	})
	if err != nil {
		t.Fatalf("ReplayAll: %v", err)
	}
	if len(replayed) != len(seqs) {
		t.Fatalf("replayed %d entries, want %d", len(replayed), len(seqs))
	}
	for i, s := range seqs {
		if replayed[i] != s {
			t.Fatalf("replayed[%d] = %d, want %d", i, replayed[i], s)
		}
	}
}

func TestWriterResumesSeqAcrossReopen(t *testing.T) {
	dir := t.TempDir()
	w, _ := NewWriter(dir, 1<<20, 0)
	w.Append("a", nil)
	w.Append("b", nil)
	w.Close()

	w2, err := NewWriter(dir, 1<<20, 0)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	seq, err := w2.Append("c", nil)
	if err != nil {
		t.Fatalf("Append after reopen: %v", err)
	}
	if seq != 3 {
		t.Fatalf("seq = %d, want 3 (resumed after 2 prior entries)", seq)
	}
	w2.Close()
}

func TestRollsToNewSegment(t *testing.T) {
	dir := t.TempDir()
	w, _ := NewWriter(dir, 64, 0) // tiny roll threshold forces multiple segments
	for i := 0; i < 20; i++ {
		if _, err := w.Append("tick", []byte("0123456789")); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}
	w.Close()

	segs, err := listSegments(dir)
	if err != nil {
		t.Fatalf("listSegments: %v", err)
	}
	if len(segs) < 2 {
		t.Fatalf("expected multiple segments, got %d", len(segs))
	}

	count := 0
	err = ReplayAll(dir, func(e Entry) error {
		count++
		return nil
	})
	if err != nil {
		t.Fatalf("ReplayAll: %v", err)
	}
	if count != 20 {
		t.Fatalf("replayed %d entries across segments, want 20", count)
	}
}
