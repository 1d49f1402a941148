package portfile

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestWriteReadRemove(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	if err := Write(dir, "server-a", 9999); err != nil {
		t.Fatalf("Write: %v", err)
	}

	data, err := os.ReadFile(Path(dir, "server-a"))
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if string(data) != "9999\n" {
		t.Fatalf("content = %q, want %q", data, "9999\n")
	}

	port, err := Read(dir, "server-a")
	if err != nil || port != 9999 {
		t.Fatalf("Read = %d, %v", port, err)
	}

	// No temporary file survives the write.
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("ReadDir: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("dir holds %d entries, want 1", len(entries))
	}

	if err := Remove(dir, "server-a"); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if _, err := Read(dir, "server-a"); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("Read after remove = %v, want ErrNotExist", err)
	}
	if err := Remove(dir, "server-a"); err != nil {
		t.Fatalf("second Remove = %v, want nil", err)
	}
}

func TestWriteReplacesExisting(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	if err := Write(dir, "srv", 1111); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if err := Write(dir, "srv", 2222); err != nil {
		t.Fatalf("rewrite: %v", err)
	}
	if port, err := Read(dir, "srv"); err != nil || port != 2222 {
		t.Fatalf("Read = %d, %v, want 2222", port, err)
	}
}

func TestWriteRejectsBadPort(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	for _, port := range []int{0, -1, 65536} {
		if err := Write(dir, "srv", port); err == nil {
			t.Errorf("Write(%d) succeeded", port)
		}
	}
}

func TestReadMalformed(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "junk"), []byte("not-a-port\n"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	_, err := Read(dir, "junk")
	if err == nil || errors.Is(err, os.ErrNotExist) {
		t.Fatalf("Read = %v, want malformed error", err)
	}
}

func TestList(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	if err := Write(dir, "a", 1234); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if err := Write(dir, "b", 5678); err != nil {
		t.Fatalf("Write: %v", err)
	}
	// An announcement name ending ".tmp" is still an announcement.
	if err := Write(dir, "c.tmp", 9001); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "junk"), []byte("xyz"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	// A crashed writer's leftover temporary is hidden by name, not content.
	if err := os.WriteFile(filepath.Join(dir, ".d.tmp"), []byte("7\n"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	got, err := List(dir)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	want := map[string]int{"a": 1234, "b": 5678, "c.tmp": 9001}
	if len(got) != len(want) {
		t.Fatalf("List = %v, want %v", got, want)
	}
	for name, port := range want {
		if got[name] != port {
			t.Errorf("List[%q] = %d, want %d", name, got[name], port)
		}
	}
}

func TestWriteRejectsBadName(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	for _, name := range []string{"", ".hidden"} {
		if err := Write(dir, name, 4321); err == nil {
			t.Errorf("Write(%q) succeeded", name)
		}
	}
}

func waitEvent(t *testing.T, ch <-chan Event) Event {
	t.Helper()
	select {
	case ev, ok := <-ch:
		if !ok {
			t.Fatal("watch channel closed")
		}
		return ev
	case <-time.After(5 * time.Second):
		t.Fatal("no event within deadline")
	}
	return Event{}
}

func TestWatch(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	if err := Write(dir, "old", 1000); err != nil {
		t.Fatalf("Write: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ch, err := Watch(ctx, dir)
	if err != nil {
		t.Fatalf("Watch: %v", err)
	}

	// Pre-existing files produce no events; the first one seen is for the
	// write below.
	if err := Write(dir, "new", 2000); err != nil {
		t.Fatalf("Write: %v", err)
	}
	ev := waitEvent(t, ch)
	if ev != (Event{Name: "new", Port: 2000, Op: Added}) {
		t.Fatalf("event = %+v", ev)
	}

	if err := Write(dir, "new", 3000); err != nil {
		t.Fatalf("rewrite: %v", err)
	}
	ev = waitEvent(t, ch)
	if ev != (Event{Name: "new", Port: 3000, Op: Added}) {
		t.Fatalf("rewrite event = %+v", ev)
	}

	if err := Remove(dir, "new"); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	ev = waitEvent(t, ch)
	if ev != (Event{Name: "new", Op: Removed}) {
		t.Fatalf("remove event = %+v", ev)
	}

	cancel()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case _, ok := <-ch:
			if !ok {
				return
			}
		case <-deadline:
			t.Fatal("channel still open after cancel")
		}
	}
}

func TestWatchMissingDir(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if _, err := Watch(ctx, filepath.Join(t.TempDir(), "absent")); err == nil {
		t.Fatal("Watch on a missing directory succeeded")
	}
}
