package task

import (
	"time"

	"siteexport/internal/scan"
)

// Task is one archive-in-progress. Files is fixed at creation; Progress
// counts files already written into the archive and only ever grows;
// Completed is terminal.
type Task struct {
	ID          string      `json:"id"`
	Files       []scan.File `json:"files"`
	Progress    int         `json:"progress"`
	Completed   bool        `json:"completed"`
	ArchivePath string      `json:"archive_path"`
	CreatedAt   time.Time   `json:"created_at"`
}

// Selection picks which content categories an export includes.
type Selection struct {
	Theme  bool
	Plugin bool
	Media  bool
}

// Roots are the on-disk directories behind each category.
type Roots struct {
	Themes  string
	Plugins string
	Uploads string
}

// Options configures an Engine.
type Options struct {
	WorkDir   string
	Roots     Roots
	BatchSize int
}

const defaultBatchSize = 100
