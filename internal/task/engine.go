package task

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"siteexport/internal/archive"
	"siteexport/internal/registry"
	"siteexport/internal/scan"
	"siteexport/internal/store"
)

// Engine owns task records and their progress transitions. Creation
// enumerates the selected roots once and persists the full file list;
// compression happens incrementally, one bounded batch per Advance call,
// so a single invocation never blocks on the whole archive.
type Engine struct {
	store     store.Store
	registry  *registry.Registry
	workDir   string
	roots     Roots
	batchSize int

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func NewEngine(st store.Store, reg *registry.Registry, opts Options) *Engine {
	if opts.BatchSize <= 0 {
		opts.BatchSize = defaultBatchSize
	}
	return &Engine{
		store:     st,
		registry:  reg,
		workDir:   opts.WorkDir,
		roots:     opts.Roots,
		batchSize: opts.BatchSize,
		locks:     make(map[string]*sync.Mutex),
	}
}

// selectedRoots returns the roots to enumerate in the fixed category
// order: themes, then plugins, then uploads.
func (e *Engine) selectedRoots(sel Selection) []scan.Root {
	var roots []scan.Root
	if sel.Theme {
		roots = append(roots, scan.Root{Label: "themes", Dir: e.roots.Themes})
	}
	if sel.Plugin {
		roots = append(roots, scan.Root{Label: "plugins", Dir: e.roots.Plugins})
	}
	if sel.Media {
		roots = append(roots, scan.Root{Label: "uploads", Dir: e.roots.Uploads})
	}
	return roots
}

// Create enumerates the selected categories, persists a fresh task with
// zero progress and returns it. The archive writer is not touched here.
func (e *Engine) Create(ctx context.Context, sel Selection) (*Task, error) {
	var files []scan.File
	for _, root := range e.selectedRoots(sel) {
		found, err := scan.Files(root)
		if err != nil {
			return nil, err
		}
		files = append(files, found...)
	}
	if len(files) == 0 {
		return nil, ErrNoFilesSelected
	}

	id := uuid.NewString()
	t := &Task{
		ID:          id,
		Files:       files,
		ArchivePath: filepath.Join(e.workDir, "archive-"+id+".zip"),
		CreatedAt:   time.Now().UTC(),
	}
	if err := e.persist(ctx, t); err != nil {
		return nil, err
	}
	log.Info().Str("task_id", id).Int("files", len(files)).Msg("archive task created")
	return t, nil
}

// Get returns the task by id without mutating it.
func (e *Engine) Get(ctx context.Context, id string) (*Task, error) {
	return e.load(ctx, id)
}

// Advance compresses the next batch of the task's files. The per-id lock
// serializes concurrent calls so two advances can never read the same
// progress value and append overlapping slices.
func (e *Engine) Advance(ctx context.Context, id string) (*Task, error) {
	unlock := e.lockTask(id)
	defer unlock()

	t, err := e.load(ctx, id)
	if err != nil {
		return nil, err
	}
	if t.Completed {
		return nil, fmt.Errorf("%w: %s", ErrTaskCompleted, id)
	}

	w, err := archive.OpenAppend(t.ArchivePath)
	if err != nil {
		return nil, err
	}

	end := t.Progress + e.batchSize
	if end > len(t.Files) {
		end = len(t.Files)
	}
	for _, f := range t.Files[t.Progress:end] {
		if err := w.Add(f.Path, f.Name); err != nil {
			// abort the whole batch: progress stays put, the archive on
			// disk keeps the previous batch's state, retry is safe
			w.Abort()
			return nil, fmt.Errorf("add %s: %w", f.Name, err)
		}
	}
	if err := w.Close(); err != nil {
		return nil, err
	}

	t.Progress = end
	if t.Progress >= len(t.Files) {
		t.Completed = true
		entry := registry.Entry{ID: t.ID, Path: t.ArchivePath, CreatedAt: t.CreatedAt}
		if err := e.registry.Register(ctx, entry); err != nil {
			return nil, err
		}
	}
	if err := e.persist(ctx, t); err != nil {
		return nil, err
	}

	log.Info().
		Str("task_id", t.ID).
		Int("progress", t.Progress).
		Int("total", len(t.Files)).
		Bool("completed", t.Completed).
		Msg("archive task advanced")
	return t, nil
}

// SweepExpired deletes incomplete tasks older than ttl together with
// their partial archive files. Completed tasks are left to the registry's
// single-shot delete-on-download lifecycle.
func (e *Engine) SweepExpired(ctx context.Context, ttl time.Duration) (int, error) {
	records, err := e.store.List(ctx, store.TaskPrefix())
	if err != nil {
		return 0, fmt.Errorf("list tasks: %w", err)
	}

	cutoff := time.Now().Add(-ttl)
	removed := 0
	for _, rec := range records {
		var t Task
		if err := json.Unmarshal(rec.Value, &t); err != nil {
			log.Warn().Str("key", rec.Key).Err(err).Msg("skipping unreadable task record")
			continue
		}
		if t.Completed || !t.CreatedAt.Before(cutoff) {
			continue
		}
		if err := e.remove(ctx, &t); err != nil {
			log.Warn().Str("task_id", t.ID).Err(err).Msg("sweep failed for task")
			continue
		}
		removed++
	}
	if removed > 0 {
		log.Info().Int("removed", removed).Msg("swept expired archive tasks")
	}
	return removed, nil
}

func (e *Engine) remove(ctx context.Context, t *Task) error {
	unlock := e.lockTask(t.ID)
	defer unlock()

	if err := removePartialArchive(t.ArchivePath); err != nil {
		return err
	}
	if err := e.store.Delete(ctx, store.TaskKey(t.ID)); err != nil {
		return fmt.Errorf("delete task record: %w", err)
	}
	return nil
}

func removePartialArchive(path string) error {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove partial archive: %w", err)
	}
	return nil
}

func (e *Engine) load(ctx context.Context, id string) (*Task, error) {
	value, err := e.store.Get(ctx, store.TaskKey(id))
	if errors.Is(err, store.ErrKeyNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrTaskNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("load task: %w", err)
	}
	var t Task
	if err := json.Unmarshal(value, &t); err != nil {
		return nil, fmt.Errorf("unmarshal task: %w", err)
	}
	return &t, nil
}

func (e *Engine) persist(ctx context.Context, t *Task) error {
	value, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("marshal task: %w", err)
	}
	if err := e.store.Put(ctx, store.TaskKey(t.ID), value); err != nil {
		return fmt.Errorf("persist task: %w", err)
	}
	return nil
}

// lockTask returns the unlock func for the task's mutex, creating the
// mutex on first use. Locks are never removed; one mutex per task id is
// negligible next to the task record itself.
func (e *Engine) lockTask(id string) func() {
	e.mu.Lock()
	l, ok := e.locks[id]
	if !ok {
		l = &sync.Mutex{}
		e.locks[id] = l
	}
	e.mu.Unlock()

	l.Lock()
	return l.Unlock
}
