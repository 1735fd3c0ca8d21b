package xferengine

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/rescale-labs/accountbridge/internal/credstore"
	"github.com/rescale-labs/accountbridge/internal/events"
	"github.com/rescale-labs/accountbridge/internal/provider"
	"github.com/rescale-labs/accountbridge/internal/sessionpool"
	"github.com/rescale-labs/accountbridge/internal/transferrecord"
	"github.com/rescale-labs/accountbridge/internal/translog"
)

type testEnv struct {
	engine *Engine
	source *provider.FakeClient
	target *provider.FakeClient
	log    *translog.Store
	bus    *events.EventBus
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	dir := t.TempDir()

	creds, err := credstore.New(filepath.Join(dir, ".sessions.enc"), filepath.Join(dir, ".salt.bin"))
	if err != nil {
		t.Fatalf("credstore.New failed: %v", err)
	}
	ctx := context.Background()
	_ = creds.Store(ctx, "acc-S", "token-S")
	_ = creds.Store(ctx, "acc-T", "token-T")

	source := provider.NewFakeClient()
	target := provider.NewFakeClient()

	pool := sessionpool.New(5, creds, func(accountID string) provider.Client {
		switch accountID {
		case "acc-S":
			return source
		case "acc-T":
			return target
		default:
			return provider.NewFakeClient()
		}
	}, nil)

	logStore, err := translog.Open(filepath.Join(dir, "transfer_history.db"), nil)
	if err != nil {
		t.Fatalf("translog.Open failed: %v", err)
	}
	t.Cleanup(func() { logStore.Close() })

	bus := events.NewEventBus(100)
	t.Cleanup(bus.Close)

	engine := New(pool, logStore, bus, 2)
	t.Cleanup(engine.Shutdown)

	return &testEnv{engine: engine, source: source, target: target, log: logStore, bus: bus}
}

func waitTerminal(t *testing.T, env *testEnv, id string, timeout time.Duration) *transferrecord.CrossAccountTransfer {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		rec, err := env.log.Get(id)
		if err != nil {
			t.Fatalf("Get failed: %v", err)
		}
		if rec != nil && rec.Status.IsTerminal() {
			return rec
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("transfer %s did not reach a terminal state within %s", id, timeout)
	return nil
}

func TestCopySingleFileHappyPath(t *testing.T) {
	env := newTestEnv(t)
	env.source.AddFile("/docs/a.txt", 100)
	env.target.AddFolder("/inbox")

	id, err := env.engine.Copy(context.Background(), []string{"/docs/a.txt"}, "acc-S", "acc-T", "/inbox")
	if err != nil {
		t.Fatalf("Copy failed: %v", err)
	}

	rec := waitTerminal(t, env, id, 2*time.Second)
	if rec.Status != transferrecord.Completed {
		t.Fatalf("expected Completed, got %v (err=%s)", rec.Status, rec.ErrorMessage)
	}
	if rec.FilesTransferred != 1 {
		t.Fatalf("expected 1 file transferred, got %d", rec.FilesTransferred)
	}
}

func TestMoveWithExistingShareRejectsWithoutSkip(t *testing.T) {
	env := newTestEnv(t)
	env.source.AddFile("/reports/r.pdf", 50)
	env.source.Export("/reports/r.pdf", "https://fake.example/existing")
	env.target.AddFolder("/archive")

	ch := env.bus.Subscribe(events.EventSharedLinksWillBreak)

	id, err := env.engine.Move(context.Background(), []string{"/reports/r.pdf"}, "acc-S", "acc-T", "/archive", false)
	if err != nil {
		t.Fatalf("Move failed: %v", err)
	}
	if id != "" {
		t.Fatalf("expected empty transfer id when rejected, got %q", id)
	}

	select {
	case ev := <-ch:
		breakEv, ok := ev.(*events.SharedLinksWillBreakEvent)
		if !ok {
			t.Fatal("expected SharedLinksWillBreakEvent")
		}
		if len(breakEv.PathsWithLinks) != 1 || breakEv.PathsWithLinks[0] != "/reports/r.pdf" {
			t.Fatalf("unexpected paths with links: %+v", breakEv.PathsWithLinks)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for shared_links_will_break event")
	}
}

func TestMoveWithExistingShareProceedsWhenSkipped(t *testing.T) {
	env := newTestEnv(t)
	env.source.AddFile("/reports/r.pdf", 50)
	env.source.Export("/reports/r.pdf", "https://fake.example/existing")
	env.target.AddFolder("/archive")

	id, err := env.engine.Move(context.Background(), []string{"/reports/r.pdf"}, "acc-S", "acc-T", "/archive", true)
	if err != nil {
		t.Fatalf("Move failed: %v", err)
	}
	if id == "" {
		t.Fatal("expected a transfer id when skip_link_warning=true")
	}

	rec := waitTerminal(t, env, id, 2*time.Second)
	if rec.Status != transferrecord.Completed {
		t.Fatalf("expected Completed, got %v (err=%s)", rec.Status, rec.ErrorMessage)
	}
}

func TestTotalImportFailure(t *testing.T) {
	env := newTestEnv(t)
	env.source.AddFile("/docs/a.txt", 100)
	env.target.AddFolder("/inbox")

	// FakeClient.ExportNode derives the export link from the node id, so the target
	// can be told in advance to refuse resolving it, forcing every file in
	// this transfer to fail the import step.
	env.target.FailImportLinks["https://fake.example/link/node-/docs/a.txt"] = true

	id, err := env.engine.Copy(context.Background(), []string{"/docs/a.txt"}, "acc-S", "acc-T", "/inbox")
	if err != nil {
		t.Fatalf("Copy failed: %v", err)
	}

	rec := waitTerminal(t, env, id, 2*time.Second)
	if rec.Status != transferrecord.Failed {
		t.Fatalf("expected Failed, got %v", rec.Status)
	}
	if rec.ErrorCode != "ImportFailed" {
		t.Fatalf("expected ImportFailed, got %s", rec.ErrorCode)
	}
	if !rec.CanRetry {
		t.Fatal("expected CanRetry true on first failure")
	}
}

func TestPartialImportFailureStillCompletes(t *testing.T) {
	env := newTestEnv(t)
	env.source.AddFile("/docs/a.txt", 10)
	env.source.AddFile("/docs/b.txt", 10)
	env.source.AddFile("/docs/c.txt", 10)
	env.target.AddFolder("/inbox")

	// b.txt's export link is refused on import; a.txt and c.txt go through.
	env.target.FailImportLinks["https://fake.example/link/node-/docs/b.txt"] = true

	id, err := env.engine.Copy(context.Background(), []string{"/docs/a.txt", "/docs/b.txt", "/docs/c.txt"}, "acc-S", "acc-T", "/inbox")
	if err != nil {
		t.Fatalf("Copy failed: %v", err)
	}

	rec := waitTerminal(t, env, id, 2*time.Second)
	if rec.Status != transferrecord.Completed {
		t.Fatalf("expected Completed despite a partial import failure, got %v (err=%s)", rec.Status, rec.ErrorMessage)
	}
	if rec.FilesTransferred != 2 {
		t.Fatalf("expected 2 of 3 files transferred, got %d", rec.FilesTransferred)
	}
}

func TestAdmissionRejectsEmptyPaths(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.engine.Copy(context.Background(), nil, "acc-S", "acc-T", "/inbox")
	if err != ErrEmptyPaths {
		t.Fatalf("expected ErrEmptyPaths, got %v", err)
	}
}

func TestAdmissionRejectsSameAccount(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.engine.Copy(context.Background(), []string{"/a"}, "acc-S", "acc-S", "/inbox")
	if err != ErrSameAccount {
		t.Fatalf("expected ErrSameAccount, got %v", err)
	}
}

func TestRetryAfterMaxRetriesReturnsEmpty(t *testing.T) {
	env := newTestEnv(t)
	rec := &transferrecord.CrossAccountTransfer{
		ID:              "xfr-maxed",
		Timestamp:       time.Now(),
		SourceAccountID: "acc-S",
		SourcePaths:     []string{"/docs/a.txt"},
		TargetAccountID: "acc-T",
		TargetPath:      "/inbox",
		Operation:       transferrecord.Copy,
		Status:          transferrecord.Failed,
		RetryCount:      3,
		CanRetry:        false,
	}
	if err := env.log.Log(rec); err != nil {
		t.Fatalf("Log failed: %v", err)
	}

	newID, err := env.engine.Retry(context.Background(), "xfr-maxed")
	if err != nil {
		t.Fatalf("Retry failed: %v", err)
	}
	if newID != "" {
		t.Fatalf("expected empty id for a non-retryable transfer, got %q", newID)
	}
}

func TestCancelMidExportStillCleansUpNewExports(t *testing.T) {
	env := newTestEnv(t)
	for _, p := range []string{"/docs/a.txt", "/docs/b.txt", "/docs/c.txt"} {
		env.source.AddFile(p, 10)
	}
	env.target.AddFolder("/inbox")

	id, err := env.engine.Copy(context.Background(), []string{"/docs/a.txt", "/docs/b.txt", "/docs/c.txt"}, "acc-S", "acc-T", "/inbox")
	if err != nil {
		t.Fatalf("Copy failed: %v", err)
	}
	_ = env.engine.Cancel(id)

	rec := waitTerminal(t, env, id, 2*time.Second)
	if rec.Status != transferrecord.Cancelled && rec.Status != transferrecord.Completed {
		t.Fatalf("expected Cancelled or a fast Completed race, got %v", rec.Status)
	}
	for _, p := range []string{"/docs/a.txt", "/docs/b.txt", "/docs/c.txt"} {
		node, err := env.source.NodeByPath(context.Background(), p).Wait(context.Background())
		if err != nil {
			t.Fatalf("NodeByPath(%s) failed: %v", p, err)
		}
		if node.IsExported {
			t.Fatalf("expected the engine-created export of %s to be disabled", p)
		}
	}
}
