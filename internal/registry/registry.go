package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sort"
	"time"

	"github.com/rs/zerolog/log"

	"siteexport/internal/store"
)

// ErrArchiveNotFound reports a missing registry record or a registered
// archive whose file no longer exists on disk.
var ErrArchiveNotFound = errors.New("archive not found")

// Entry is one completed, downloadable archive.
type Entry struct {
	ID        string    `json:"id"`
	Path      string    `json:"path"`
	CreatedAt time.Time `json:"created_at"`
}

// Registry tracks completed archives. It is a projection over the store:
// records are created when a task completes and removed on download,
// explicit delete or teardown.
type Registry struct {
	store   store.Store
	workDir string
}

func New(st store.Store, workDir string) *Registry {
	return &Registry{store: st, workDir: workDir}
}

// Register records a completed archive. Registering the same id twice
// overwrites the record rather than duplicating it.
func (r *Registry) Register(ctx context.Context, e Entry) error {
	value, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal archive entry: %w", err)
	}
	if err := r.store.Put(ctx, store.ArchiveKey(e.ID), value); err != nil {
		return fmt.Errorf("register archive: %w", err)
	}
	return nil
}

// List returns every registered archive, newest first.
func (r *Registry) List(ctx context.Context) ([]Entry, error) {
	records, err := r.store.List(ctx, store.ArchivePrefix())
	if err != nil {
		return nil, fmt.Errorf("list archives: %w", err)
	}
	entries := make([]Entry, 0, len(records))
	for _, rec := range records {
		var e Entry
		if err := json.Unmarshal(rec.Value, &e); err != nil {
			log.Warn().Str("key", rec.Key).Err(err).Msg("skipping unreadable archive record")
			continue
		}
		entries = append(entries, e)
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].CreatedAt.After(entries[j].CreatedAt)
	})
	return entries, nil
}

// Get resolves an archive id to its entry. Both the record and the
// on-disk file must exist.
func (r *Registry) Get(ctx context.Context, id string) (Entry, error) {
	value, err := r.store.Get(ctx, store.ArchiveKey(id))
	if errors.Is(err, store.ErrKeyNotFound) {
		return Entry{}, fmt.Errorf("%w: %s", ErrArchiveNotFound, id)
	}
	if err != nil {
		return Entry{}, fmt.Errorf("load archive record: %w", err)
	}
	var e Entry
	if err := json.Unmarshal(value, &e); err != nil {
		return Entry{}, fmt.Errorf("unmarshal archive record: %w", err)
	}
	if _, err := os.Stat(e.Path); err != nil {
		return Entry{}, fmt.Errorf("%w: %s", ErrArchiveNotFound, id)
	}
	return e, nil
}

// Delete removes the archive file and its record. A second Delete (or a
// Delete after a single-shot download) fails with ErrArchiveNotFound.
func (r *Registry) Delete(ctx context.Context, id string) error {
	e, err := r.Get(ctx, id)
	if err != nil {
		return err
	}
	if err := os.Remove(e.Path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove archive file: %w", err)
	}
	if err := r.store.Delete(ctx, store.ArchiveKey(id)); err != nil {
		return fmt.Errorf("remove archive record: %w", err)
	}
	log.Info().Str("archive_id", id).Str("path", e.Path).Msg("archive deleted")
	return nil
}

// Teardown removes every record under the service namespace (tasks,
// archives, allowed-roles) and the whole archive working directory. It
// succeeds when everything is already gone.
func (r *Registry) Teardown(ctx context.Context) error {
	records, err := r.store.List(ctx, store.Namespace)
	if err != nil {
		return fmt.Errorf("enumerate records: %w", err)
	}
	for _, rec := range records {
		if err := r.store.Delete(ctx, rec.Key); err != nil {
			return fmt.Errorf("delete record %s: %w", rec.Key, err)
		}
	}
	if r.workDir != "" {
		if err := os.RemoveAll(r.workDir); err != nil {
			return fmt.Errorf("remove work dir: %w", err)
		}
	}
	log.Info().Int("records", len(records)).Str("work_dir", r.workDir).Msg("teardown complete")
	return nil
}
