package translog

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/rescale-labs/accountbridge/internal/events"
	"github.com/rescale-labs/accountbridge/internal/transferrecord"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	dir := t.TempDir()
	s, err := Open(filepath.Join(dir, "transfer_history.db"), nil)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func sampleTransfer(id string) *transferrecord.CrossAccountTransfer {
	return &transferrecord.CrossAccountTransfer{
		ID:              id,
		Timestamp:       time.Now(),
		SourceAccountID: "acc-S",
		SourcePaths:     []string{"/docs/a.txt"},
		TargetAccountID: "acc-T",
		TargetPath:      "/inbox",
		Operation:       transferrecord.Copy,
		Status:          transferrecord.Pending,
		CanRetry:        true,
	}
}

func TestLogThenGetRoundTrip(t *testing.T) {
	s := newTestStore(t)
	xfer := sampleTransfer("xfr-00000001")

	if err := s.Log(xfer); err != nil {
		t.Fatalf("Log failed: %v", err)
	}

	got, err := s.Get("xfr-00000001")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got == nil {
		t.Fatal("expected a row, got nil")
	}
	if got.SourceAccountID != "acc-S" || got.SourcePaths[0] != "/docs/a.txt" {
		t.Fatalf("unexpected round trip: %+v", got)
	}
}

func TestUpdateOverwritesRow(t *testing.T) {
	s := newTestStore(t)
	xfer := sampleTransfer("xfr-00000002")
	if err := s.Log(xfer); err != nil {
		t.Fatalf("Log failed: %v", err)
	}

	xfer.Status = transferrecord.Completed
	xfer.FilesTransferred = 1
	xfer.FilesTotal = 1
	if err := s.Update(xfer); err != nil {
		t.Fatalf("Update failed: %v", err)
	}

	got, err := s.Get("xfr-00000002")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.Status != transferrecord.Completed {
		t.Fatalf("expected Completed, got %v", got.Status)
	}
}

func TestGetMissingReturnsNil(t *testing.T) {
	s := newTestStore(t)
	got, err := s.Get("xfr-missing")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != nil {
		t.Fatal("expected nil for a missing id")
	}
}

func TestByStatusAndStatusCounts(t *testing.T) {
	s := newTestStore(t)
	a := sampleTransfer("xfr-a")
	b := sampleTransfer("xfr-b")
	b.Status = transferrecord.Failed
	_ = s.Log(a)
	_ = s.Log(b)

	pending, err := s.ByStatus(transferrecord.Pending, 10)
	if err != nil {
		t.Fatalf("ByStatus failed: %v", err)
	}
	if len(pending) != 1 || pending[0].ID != "xfr-a" {
		t.Fatalf("expected 1 pending row, got %+v", pending)
	}

	counts, err := s.StatusCounts()
	if err != nil {
		t.Fatalf("StatusCounts failed: %v", err)
	}
	if counts[transferrecord.Pending] != 1 || counts[transferrecord.Failed] != 1 {
		t.Fatalf("unexpected counts: %+v", counts)
	}
}

func TestSearchMatchesSourcePath(t *testing.T) {
	s := newTestStore(t)
	xfer := sampleTransfer("xfr-search")
	_ = s.Log(xfer)

	results, err := s.Search("docs", 10)
	if err != nil {
		t.Fatalf("Search failed: %v", err)
	}
	if len(results) != 1 {
		t.Fatalf("expected 1 match, got %d", len(results))
	}
}

func TestDeleteRemovesRow(t *testing.T) {
	s := newTestStore(t)
	xfer := sampleTransfer("xfr-delete-me")
	_ = s.Log(xfer)

	if err := s.Delete("xfr-delete-me"); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	got, err := s.Get("xfr-delete-me")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got != nil {
		t.Fatal("expected row to be gone after Delete")
	}
}

func TestLogPublishesEvent(t *testing.T) {
	dir := t.TempDir()
	bus := events.NewEventBus(10)
	defer bus.Close()
	ch := bus.Subscribe(events.EventTransferLogged)

	s, err := Open(filepath.Join(dir, "transfer_history.db"), bus)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer s.Close()

	_ = s.Log(sampleTransfer("xfr-event"))

	select {
	case ev := <-ch:
		logEv, ok := ev.(*events.TransferLogEvent)
		if !ok {
			t.Fatal("expected TransferLogEvent")
		}
		if logEv.TransferID != "xfr-event" {
			t.Fatalf("expected xfr-event, got %s", logEv.TransferID)
		}
	case <-time.After(100 * time.Millisecond):
		t.Fatal("timeout waiting for transfer_logged event")
	}
}
