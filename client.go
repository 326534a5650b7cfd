package main

import (
	"context"
	"io"
	"path"
	"strings"
	"time"
)

const listPageLimit = 1000

// RemoteEntry is one raw entry of a folder listing page, before filtering.
type RemoteEntry struct {
	Name       string
	IsDir      bool
	ModifiedAt time.Time
	Size       int64
}

type ListPage struct {
	Entries []RemoteEntry
	Cursor  string
	HasMore bool
}

type ConflictPolicy int

const (
	// ConflictFailNoRename fails the commit when the destination exists, without auto-renaming.
	ConflictFailNoRename ConflictPolicy = iota
)

type BatchCommitEntry struct {
	SessionID       string
	FinalOffset     int64
	DestinationPath string
	ConflictPolicy  ConflictPolicy
}

type JobStatus int

const (
	JobPending JobStatus = iota
	JobComplete
	JobFailed
)

func (s JobStatus) String() string {
	switch s {
	case JobPending:
		return "pending"
	case JobComplete:
		return "complete"
	default:
		return "failed"
	}
}

func (s JobStatus) Terminal() bool {
	return s == JobComplete || s == JobFailed
}

// CommitResult is the per-entry outcome of a finished batch, in commit order.
type CommitResult struct {
	DestinationPath string
	Err             error
}

type BatchJob struct {
	ID      string
	Status  JobStatus
	Results []CommitResult
}

// RemoteStore is the set of backend operations the sync engine depends on.
// Paths are slash separated and rooted at "/"; the empty string means the root folder.
type RemoteStore interface {
	ListFolder(ctx context.Context, folder string, limit int) (*ListPage, error)
	ListFolderContinue(ctx context.Context, cursor string) (*ListPage, error)
	StartSession(ctx context.Context, destination string) (string, error)
	AppendAndClose(ctx context.Context, sessionID string, offset int64, content io.Reader) error
	AbortSession(ctx context.Context, sessionID string) error
	FinishBatch(ctx context.Context, entries []BatchCommitEntry) (*BatchJob, error)
	CheckBatch(ctx context.Context, jobID string) (*BatchJob, error)
	DeleteBatch(ctx context.Context, paths []string) error
}

func normalizeFolder(folder string) string {
	if folder != "" && !strings.HasPrefix(folder, "/") {
		return "/" + folder
	}
	return folder
}

func remotePath(folder, name string) string {
	return path.Join("/", folder, name)
}
