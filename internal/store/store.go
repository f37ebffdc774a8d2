package store

import (
	"context"
	"errors"
)

// ErrKeyNotFound distinguishes "record absent" from an empty record.
var ErrKeyNotFound = errors.New("key not found")

// Entry is one key/value pair returned by a prefix scan.
type Entry struct {
	Key   string
	Value []byte
}

// Store abstracts durable key/value persistence for task and archive
// records. Writes are last-writer-wins; serialization of concurrent
// updates to one record is the caller's concern.
type Store interface {
	Put(ctx context.Context, key string, value []byte) error
	Get(ctx context.Context, key string) ([]byte, error)
	Delete(ctx context.Context, key string) error
	List(ctx context.Context, prefix string) ([]Entry, error)
}

// Namespace is the common key prefix shared by every record this service
// writes, so bulk teardown can enumerate them with one prefix scan.
const Namespace = "siteexport/"

const (
	taskPrefix    = Namespace + "task/"
	archivePrefix = Namespace + "archive/"
	rolesKey      = Namespace + "allowed_roles"
)

// TaskKey returns the store key for a task record.
func TaskKey(id string) string { return taskPrefix + id }

// ArchiveKey returns the store key for a completed archive record.
func ArchiveKey(id string) string { return archivePrefix + id }

// TaskPrefix is the scan prefix covering every task record.
func TaskPrefix() string { return taskPrefix }

// ArchivePrefix is the scan prefix covering every archive record.
func ArchivePrefix() string { return archivePrefix }

// RolesKey is the store key of the allowed-roles configuration record.
func RolesKey() string { return rolesKey }
