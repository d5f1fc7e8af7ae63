package shadowstate

import (
	"testing"

	"github.com/r3e-network/execution-core/internal/fixedpoint"
)

func TestRecordFillAndQuery(t *testing.T) {
	dir := t.TempDir()
	s, err := New(dir+"/wal", 1<<20, dir+"/snap")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer s.Close()

	order := OpenOrder{OrderID: "ord-1", IntentID: "in-1", Venue: "sim", Symbol: "BTC-USD", Side: "buy", Size: fixedpoint.FromInt64(1), FilledSize: fixedpoint.FromInt64(1), Status: StatusFilled}
	position := Position{Venue: "sim", Symbol: "BTC-USD", Size: fixedpoint.FromInt64(1), AvgEntryPrice: fixedpoint.FromInt64(50000)}
	fill := Fill{FillID: "f-1", OrderID: "ord-1", Venue: "sim", Symbol: "BTC-USD", Side: "buy", Price: fixedpoint.FromInt64(50000), Size: fixedpoint.FromInt64(1)}

	if err := s.RecordFill(fill, order, position); err != nil {
		t.Fatalf("RecordFill: %v", err)
	}

	got, ok := s.Position("sim", "BTC-USD")
	if !ok {
		t.Fatal("expected position to exist")
	}
	if got.Size.String() != "1" {
		t.Fatalf("position size = %v, want 1", got.Size)
	}

	o, ok := s.Order("ord-1")
	if !ok || o.Status != StatusFilled {
		t.Fatalf("order = %+v, ok=%v", o, ok)
	}
}

func TestRecoverReplaysWalAfterCrash(t *testing.T) {
	dir := t.TempDir()
	walDir := dir + "/wal"
	snapDir := dir + "/snap"

	s, err := New(walDir, 1<<20, snapDir)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	order := OpenOrder{OrderID: "ord-1", Venue: "sim", Symbol: "BTC-USD", Status: StatusWorking, Size: fixedpoint.FromInt64(1)}
	if err := s.RecordOrderUpdate(order); err != nil {
		t.Fatalf("RecordOrderUpdate: %v", err)
	}
	s.Close() // simulate crash: no snapshot taken

	s2, err := New(walDir, 1<<20, snapDir)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer s2.Close()
	if err := s2.Recover(); err != nil {
		t.Fatalf("Recover: %v", err)
	}
	got, ok := s2.Order("ord-1")
	if !ok || got.Status != StatusWorking {
		t.Fatalf("recovered order = %+v, ok=%v", got, ok)
	}
}

func TestRecoverStartsFromSnapshot(t *testing.T) {
	dir := t.TempDir()
	s, err := New(dir+"/wal", 1<<20, dir+"/snap")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer s.Close()

	order := OpenOrder{OrderID: "ord-1", Venue: "sim", Symbol: "BTC-USD", Status: StatusWorking}
	if err := s.RecordOrderUpdate(order); err != nil {
		t.Fatalf("RecordOrderUpdate: %v", err)
	}
	if err := s.Snapshot(); err != nil {
		t.Fatalf("Snapshot: %v", err)
	}

	s3, err := New(dir+"/wal", 1<<20, dir+"/snap")
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer s3.Close()
	if err := s3.Recover(); err != nil {
		t.Fatalf("Recover: %v", err)
	}
	got, ok := s3.Order("ord-1")
	if !ok || got.Status != StatusWorking {
		t.Fatalf("recovered from snapshot: order = %+v, ok=%v", got, ok)
	}
}
