package task

import (
	"archive/zip"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"siteexport/internal/registry"
	"siteexport/internal/store"
)

type testEnv struct {
	engine   *Engine
	registry *registry.Registry
	store    *store.SQLite
	roots    Roots
	workDir  string
}

func newTestEnv(t *testing.T, batchSize int) *testEnv {
	t.Helper()
	base := t.TempDir()
	st, err := store.OpenSQLite(filepath.Join(base, "records.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	roots := Roots{
		Themes:  filepath.Join(base, "themes"),
		Plugins: filepath.Join(base, "plugins"),
		Uploads: filepath.Join(base, "uploads"),
	}
	for _, d := range []string{roots.Themes, roots.Plugins, roots.Uploads} {
		if err := os.MkdirAll(d, 0o750); err != nil {
			t.Fatalf("mkdir %s: %v", d, err)
		}
	}

	workDir := filepath.Join(base, "work")
	reg := registry.New(st, workDir)
	eng := NewEngine(st, reg, Options{WorkDir: workDir, Roots: roots, BatchSize: batchSize})
	return &testEnv{engine: eng, registry: reg, store: st, roots: roots, workDir: workDir}
}

func (env *testEnv) seed(t *testing.T, root, rel, content string) {
	t.Helper()
	p := filepath.Join(root, rel)
	if err := os.MkdirAll(filepath.Dir(p), 0o750); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(p, []byte(content), 0o600); err != nil {
		t.Fatalf("write %s: %v", p, err)
	}
}

func (env *testEnv) seedN(t *testing.T, root string, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		env.seed(t, root, fmt.Sprintf("f-%03d.txt", i), fmt.Sprintf("content-%d", i))
	}
}

func TestCreateEnumeratesSelectedRootsInOrder(t *testing.T) {
	env := newTestEnv(t, 100)
	env.seedN(t, env.roots.Themes, 3)
	env.seedN(t, env.roots.Plugins, 2)
	env.seedN(t, env.roots.Uploads, 1)

	created, err := env.engine.Create(context.Background(), Selection{Theme: true, Plugin: true, Media: true})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if len(created.Files) != 6 {
		t.Fatalf("expected 6 files, got %d", len(created.Files))
	}
	if created.Progress != 0 || created.Completed {
		t.Fatalf("fresh task must have zero progress: %+v", created)
	}
	// fixed category order: themes, then plugins, then uploads
	if created.Files[0].Name[:7] != "themes/" || created.Files[3].Name[:8] != "plugins/" || created.Files[5].Name[:8] != "uploads/" {
		t.Fatalf("category order broken: %v", created.Files)
	}

	loaded, err := env.engine.Get(context.Background(), created.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if len(loaded.Files) != 6 || loaded.ArchivePath != created.ArchivePath {
		t.Fatalf("persisted task differs: %+v", loaded)
	}
}

func TestCreateEmptySelectionFails(t *testing.T) {
	env := newTestEnv(t, 100)
	env.seedN(t, env.roots.Themes, 2)

	// no categories selected
	if _, err := env.engine.Create(context.Background(), Selection{}); !errors.Is(err, ErrNoFilesSelected) {
		t.Fatalf("expected ErrNoFilesSelected, got %v", err)
	}
	// selected categories are all empty
	if _, err := env.engine.Create(context.Background(), Selection{Plugin: true, Media: true}); !errors.Is(err, ErrNoFilesSelected) {
		t.Fatalf("expected ErrNoFilesSelected for empty roots, got %v", err)
	}

	records, err := env.store.List(context.Background(), store.TaskPrefix())
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(records) != 0 {
		t.Fatalf("degenerate task was persisted: %v", records)
	}
}

func TestAdvanceBatchesUntilCompletion(t *testing.T) {
	env := newTestEnv(t, 2)
	env.seedN(t, env.roots.Themes, 5)
	ctx := context.Background()

	created, err := env.engine.Create(ctx, Selection{Theme: true})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	wantProgress := []int{2, 4, 5}
	for i, want := range wantProgress {
		got, err := env.engine.Advance(ctx, created.ID)
		if err != nil {
			t.Fatalf("advance %d: %v", i+1, err)
		}
		if got.Progress != want {
			t.Fatalf("after call %d expected progress %d, got %d", i+1, want, got.Progress)
		}
		wantCompleted := i == len(wantProgress)-1
		if got.Completed != wantCompleted {
			t.Fatalf("after call %d expected completed=%v, got %v", i+1, wantCompleted, got.Completed)
		}
	}

	// completion registered the archive
	entry, err := env.registry.Get(ctx, created.ID)
	if err != nil {
		t.Fatalf("registry get: %v", err)
	}
	if entry.Path != created.ArchivePath || !entry.CreatedAt.Equal(created.CreatedAt) {
		t.Fatalf("registry entry mismatch: %+v vs task %+v", entry, created)
	}

	// terminal state guard
	if _, err := env.engine.Advance(ctx, created.ID); !errors.Is(err, ErrTaskCompleted) {
		t.Fatalf("expected ErrTaskCompleted, got %v", err)
	}
	after, err := env.engine.Get(ctx, created.ID)
	if err != nil {
		t.Fatalf("get after completion: %v", err)
	}
	if after.Progress != 5 || !after.Completed {
		t.Fatalf("completed task mutated: %+v", after)
	}
}

func TestAdvanceUnknownTask(t *testing.T) {
	env := newTestEnv(t, 2)
	if _, err := env.engine.Advance(context.Background(), "no-such-task"); !errors.Is(err, ErrTaskNotFound) {
		t.Fatalf("expected ErrTaskNotFound, got %v", err)
	}
}

func TestArchiveRoundTrip(t *testing.T) {
	env := newTestEnv(t, 3)
	env.seedN(t, env.roots.Themes, 4)
	env.seed(t, env.roots.Plugins, "nested/dir/plugin.php", "<?php")
	ctx := context.Background()

	created, err := env.engine.Create(ctx, Selection{Theme: true, Plugin: true})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	var final *Task
	for i := 0; i < 10; i++ {
		final, err = env.engine.Advance(ctx, created.ID)
		if err != nil {
			t.Fatalf("advance: %v", err)
		}
		if final.Completed {
			break
		}
	}
	if !final.Completed {
		t.Fatalf("task never completed")
	}

	zr, err := zip.OpenReader(created.ArchivePath)
	if err != nil {
		t.Fatalf("open archive: %v", err)
	}
	defer zr.Close()

	got := make(map[string]string, len(zr.File))
	for _, f := range zr.File {
		rc, err := f.Open()
		if err != nil {
			t.Fatalf("open entry: %v", err)
		}
		data, err := io.ReadAll(rc)
		_ = rc.Close()
		if err != nil {
			t.Fatalf("read entry: %v", err)
		}
		got[f.Name] = string(data)
	}

	if len(got) != len(created.Files) {
		t.Fatalf("expected %d entries, got %d", len(created.Files), len(got))
	}
	for _, f := range created.Files {
		src, err := os.ReadFile(f.Path)
		if err != nil {
			t.Fatalf("read source: %v", err)
		}
		if got[f.Name] != string(src) {
			t.Fatalf("entry %s differs from source", f.Name)
		}
	}
}

func TestFailedBatchLeavesProgressUntouched(t *testing.T) {
	env := newTestEnv(t, 2)
	env.seedN(t, env.roots.Themes, 4)
	ctx := context.Background()

	created, err := env.engine.Create(ctx, Selection{Theme: true})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := env.engine.Advance(ctx, created.ID); err != nil {
		t.Fatalf("first advance: %v", err)
	}

	// break the third file so the second batch aborts
	victim := created.Files[2]
	if err := os.Remove(victim.Path); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if _, err := env.engine.Advance(ctx, created.ID); err == nil {
		t.Fatalf("expected second batch to fail")
	}

	current, err := env.engine.Get(ctx, created.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if current.Progress != 2 || current.Completed {
		t.Fatalf("failed batch mutated progress: %+v", current)
	}

	// archive still holds exactly the first batch and is re-openable
	zr, err := zip.OpenReader(created.ArchivePath)
	if err != nil {
		t.Fatalf("archive corrupted by failed batch: %v", err)
	}
	entryCount := len(zr.File)
	_ = zr.Close()
	if entryCount != 2 {
		t.Fatalf("expected 2 entries after failed batch, got %d", entryCount)
	}

	// restore the file; the retried batch completes the task
	env.seed(t, env.roots.Themes, filepath.Base(victim.Path), "restored")
	got, err := env.engine.Advance(ctx, created.ID)
	if err != nil {
		t.Fatalf("retried advance: %v", err)
	}
	if got.Progress != 4 || !got.Completed {
		t.Fatalf("retry did not complete: %+v", got)
	}
}

func TestResumeAcrossEngineInstances(t *testing.T) {
	env := newTestEnv(t, 2)
	env.seedN(t, env.roots.Uploads, 3)
	ctx := context.Background()

	created, err := env.engine.Create(ctx, Selection{Media: true})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := env.engine.Advance(ctx, created.ID); err != nil {
		t.Fatalf("advance: %v", err)
	}

	// a new engine over the same store picks up where the old one stopped
	fresh := NewEngine(env.store, env.registry, Options{WorkDir: env.workDir, Roots: env.roots, BatchSize: 2})
	got, err := fresh.Advance(ctx, created.ID)
	if err != nil {
		t.Fatalf("advance on fresh engine: %v", err)
	}
	if got.Progress != 3 || !got.Completed {
		t.Fatalf("resume broken: %+v", got)
	}
}

func TestConcurrentAdvancesDoNotOverlap(t *testing.T) {
	env := newTestEnv(t, 1)
	env.seedN(t, env.roots.Themes, 4)
	ctx := context.Background()

	created, err := env.engine.Create(ctx, Selection{Theme: true})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	done := make(chan error, 4)
	for i := 0; i < 4; i++ {
		go func() {
			_, err := env.engine.Advance(ctx, created.ID)
			done <- err
		}()
	}
	for i := 0; i < 4; i++ {
		if err := <-done; err != nil {
			t.Fatalf("concurrent advance %d: %v", i, err)
		}
	}

	got, err := env.engine.Get(ctx, created.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Progress != 4 || !got.Completed {
		t.Fatalf("lost or duplicated progress: %+v", got)
	}

	zr, err := zip.OpenReader(created.ArchivePath)
	if err != nil {
		t.Fatalf("open archive: %v", err)
	}
	defer zr.Close()
	if len(zr.File) != 4 {
		t.Fatalf("expected 4 unique entries, got %d", len(zr.File))
	}
}

func TestSweepExpiredRemovesAbandonedTasks(t *testing.T) {
	env := newTestEnv(t, 1)
	env.seedN(t, env.roots.Themes, 2)
	ctx := context.Background()

	stale, err := env.engine.Create(ctx, Selection{Theme: true})
	if err != nil {
		t.Fatalf("create stale: %v", err)
	}
	if _, err := env.engine.Advance(ctx, stale.ID); err != nil {
		t.Fatalf("advance stale: %v", err)
	}
	// age the record past the ttl
	stale.CreatedAt = time.Now().Add(-48 * time.Hour)
	if err := env.engine.persist(ctx, stale); err != nil {
		t.Fatalf("persist aged task: %v", err)
	}

	fresh, err := env.engine.Create(ctx, Selection{Theme: true})
	if err != nil {
		t.Fatalf("create fresh: %v", err)
	}

	removed, err := env.engine.SweepExpired(ctx, 24*time.Hour)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if removed != 1 {
		t.Fatalf("expected 1 removed, got %d", removed)
	}

	if _, err := env.engine.Get(ctx, stale.ID); !errors.Is(err, ErrTaskNotFound) {
		t.Fatalf("stale task survived sweep: %v", err)
	}
	if _, err := os.Stat(stale.ArchivePath); !os.IsNotExist(err) {
		t.Fatalf("partial archive survived sweep")
	}
	if _, err := env.engine.Get(ctx, fresh.ID); err != nil {
		t.Fatalf("fresh task removed by sweep: %v", err)
	}
}
