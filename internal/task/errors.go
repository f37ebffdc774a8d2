package task

import "errors"

var (
	ErrNoFilesSelected = errors.New("no files selected")
	ErrTaskNotFound    = errors.New("task not found")
	ErrTaskCompleted   = errors.New("task already completed")
)
