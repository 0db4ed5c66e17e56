package local

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/hcloud/hcloud/internal/errs"
)

func newTestBackend(t *testing.T) *LocalBackend {
	t.Helper()
	b, err := New(Config{RootPath: t.TempDir(), CreateDirs: true})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return b
}

func TestPutGetDelete(t *testing.T) {
	b := newTestBackend(t)
	ctx := context.Background()

	if err := b.PutObject(ctx, "u1/abc", strings.NewReader("hello"), 5); err != nil {
		t.Fatalf("PutObject: %v", err)
	}

	rc, size, err := b.GetObject(ctx, "u1/abc")
	if err != nil {
		t.Fatalf("GetObject: %v", err)
	}
	data, _ := io.ReadAll(rc)
	rc.Close()
	if string(data) != "hello" || size != 5 {
		t.Errorf("got %q (%d bytes)", data, size)
	}

	exists, _ := b.ObjectExists(ctx, "u1/abc")
	if !exists {
		t.Error("object should exist")
	}

	if err := b.DeleteObject(ctx, "u1/abc"); err != nil {
		t.Fatalf("DeleteObject: %v", err)
	}
	if err := b.DeleteObject(ctx, "u1/abc"); err != nil {
		t.Errorf("deleting a missing object should succeed: %v", err)
	}
	if _, _, err := b.GetObject(ctx, "u1/abc"); !errors.Is(err, errs.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestPutObjectSizeMismatch(t *testing.T) {
	b := newTestBackend(t)

	err := b.PutObject(context.Background(), "k", strings.NewReader("abc"), 10)
	if err == nil {
		t.Fatal("expected size mismatch error")
	}
	if exists, _ := b.ObjectExists(context.Background(), "k"); exists {
		t.Error("partial object should not be visible")
	}
	entries, _ := os.ReadDir(b.rootPath)
	for _, e := range entries {
		if strings.HasPrefix(e.Name(), ".hcloud-") {
			t.Errorf("temp file left behind: %s", e.Name())
		}
	}
}

func TestKeyEscapesRoot(t *testing.T) {
	b := newTestBackend(t)
	ctx := context.Background()

	for _, key := range []string{"../outside", "a/../../outside", ""} {
		if err := b.PutObject(ctx, key, strings.NewReader("x"), 1); err == nil {
			t.Errorf("PutObject(%q) should fail", key)
		}
	}
	if _, err := os.Stat(filepath.Join(filepath.Dir(b.rootPath), "outside")); err == nil {
		t.Error("file written outside root")
	}
}

func TestNewRequiresDirectory(t *testing.T) {
	if _, err := New(Config{}); err == nil {
		t.Error("empty root should fail")
	}

	file := filepath.Join(t.TempDir(), "file")
	os.WriteFile(file, []byte("x"), 0644)
	if _, err := New(Config{RootPath: file}); err == nil {
		t.Error("file as root should fail")
	}

	missing := filepath.Join(t.TempDir(), "missing")
	if _, err := New(Config{RootPath: missing}); err == nil {
		t.Error("missing root without CreateDirs should fail")
	}
	if _, err := New(Config{RootPath: missing, CreateDirs: true}); err != nil {
		t.Errorf("CreateDirs should create root: %v", err)
	}
}
