package provider

import (
	"context"
	"testing"
	"time"
)

func TestFutureResolve(t *testing.T) {
	fut := NewFuture[int]()
	fut.Resolve(42)

	v, err := fut.Wait(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if v != 42 {
		t.Fatalf("expected 42, got %d", v)
	}
}

func TestFutureReject(t *testing.T) {
	fut := NewFuture[int]()
	wantErr := NewError(ErrCodeInternal, "boom")
	fut.Reject(wantErr)

	_, err := fut.Wait(context.Background())
	if err != wantErr {
		t.Fatalf("expected %v, got %v", wantErr, err)
	}
}

func TestFutureResolveOnlyOnce(t *testing.T) {
	fut := NewFuture[int]()
	fut.Resolve(1)
	fut.Resolve(2) // no-op, first write wins
	v, _ := fut.Wait(context.Background())
	if v != 1 {
		t.Fatalf("expected first resolution to win, got %d", v)
	}
}

func TestFutureWaitTimesOutOnContext(t *testing.T) {
	fut := NewFuture[int]()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	_, err := fut.Wait(ctx)
	if err == nil {
		t.Fatal("expected context deadline error")
	}
}

func TestFakeClientLoginFetchNodes(t *testing.T) {
	c := NewFakeClient()
	ctx := context.Background()

	token, err := c.Login(ctx, "user@example.com", "pw").Wait(ctx)
	if err != nil {
		t.Fatalf("Login failed: %v", err)
	}
	if token == "" {
		t.Fatal("expected non-empty session token")
	}

	root, err := c.FetchNodes(ctx).Wait(ctx)
	if err != nil {
		t.Fatalf("FetchNodes failed: %v", err)
	}
	if root.Path != "/" {
		t.Fatalf("expected root path '/', got %q", root.Path)
	}
}

func TestFakeClientExportAndResolveLink(t *testing.T) {
	c := NewFakeClient()
	ctx := context.Background()
	file := c.AddFile("/docs/a.txt", 100)

	link, err := c.ExportNode(ctx, file).Wait(ctx)
	if err != nil {
		t.Fatalf("ExportNode failed: %v", err)
	}

	resolved, err := c.PublicNodeForLink(ctx, link).Wait(ctx)
	if err != nil {
		t.Fatalf("PublicNodeForLink failed: %v", err)
	}
	if resolved.Path != file.Path {
		t.Fatalf("expected resolved node to be %q, got %q", file.Path, resolved.Path)
	}
}

func TestFakeClientNodeByPathNotFound(t *testing.T) {
	c := NewFakeClient()
	ctx := context.Background()
	_, err := c.NodeByPath(ctx, "/missing").Wait(ctx)
	if err != ErrNotFound {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}
