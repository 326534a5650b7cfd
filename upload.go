package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"path/filepath"
	"time"

	"github.com/dustin/go-humanize"
	log "github.com/sirupsen/logrus"
)

type OutcomeKind int

const (
	Uploaded OutcomeKind = iota
	Skipped
)

const stageAborted = "stage aborted"

// FileOutcome records what happened to one candidate file. Reason is empty for uploads.
type FileOutcome struct {
	Path   string
	Kind   OutcomeKind
	Reason string
}

type UploadSession struct {
	SessionID  string
	SourcePath string
	ByteOffset int64
}

type UploadReport struct {
	Outcomes  []FileOutcome
	JobID     string
	Committed bool
	Status    JobStatus
}

// Success reports whether a batch was committed and its job finished without failing.
func (r *UploadReport) Success() bool {
	return r.Committed && r.Status == JobComplete
}

func (r *UploadReport) Paths(kind OutcomeKind) []string {
	paths := make([]string, 0)
	for _, outcome := range r.Outcomes {
		if outcome.Kind == kind {
			paths = append(paths, outcome.Path)
		}
	}
	return paths
}

func (r *UploadReport) skip(path, reason string) {
	r.Outcomes = append(r.Outcomes, FileOutcome{Path: path, Kind: Skipped, Reason: reason})
}

type BatchUploader struct {
	store       RemoteStore
	local       *LocalFS
	poll        PollPolicy
	callTimeout time.Duration
}

func NewBatchUploader(store RemoteStore, local *LocalFS, poll PollPolicy, callTimeout time.Duration) *BatchUploader {
	return &BatchUploader{
		store:       store,
		local:       local,
		poll:        poll,
		callTimeout: callTimeout,
	}
}

// UploadBatch uploads paths into folder through one session per file, committed
// together as a single batch job. Files are processed one at a time so only one
// session is open at any moment. A file whose content cannot be appended is
// left out of the commit and reported as skipped.
func (u *BatchUploader) UploadBatch(ctx context.Context, folder string, paths []string) (*UploadReport, error) {
	report := &UploadReport{Outcomes: make([]FileOutcome, 0, len(paths)), Status: JobPending}
	log.Debug(fmt.Sprintf("Need to upload %d file(s) to folder '%s'", len(paths), folder))

	entries := make([]BatchCommitEntry, 0, len(paths))
	sources := make([]string, 0, len(paths))
	for i, path := range paths {
		entry, skipReason, uploadErr := u.stageFile(ctx, folder, path)
		if uploadErr != nil {
			u.abortStaged(ctx, report, entries, sources)
			for _, unstaged := range paths[i:] {
				report.skip(unstaged, stageAborted)
			}
			return report, uploadErr
		}
		if skipReason != "" {
			log.WithField("file", path).Warn(fmt.Sprintf("Skipping upload: %s", skipReason))
			report.skip(path, skipReason)
			continue
		}
		entries = append(entries, *entry)
		sources = append(sources, path)
	}

	if len(entries) == 0 {
		log.Debug("Nothing to commit")
		return report, nil
	}

	job, commitErr := u.commit(ctx, entries)
	if commitErr != nil {
		return report, newSyncError(RemoteUploadError, "finish batch", folder, commitErr)
	}
	report.Committed = true
	report.JobID = job.ID

	if !job.Status.Terminal() {
		status, pollErr := pollJob(ctx, u.poll, job.ID, func(ctx context.Context) (JobStatus, error) {
			callCtx, cancel := withCallTimeout(ctx, u.callTimeout)
			defer cancel()
			current, checkErr := u.store.CheckBatch(callCtx, job.ID)
			if checkErr != nil {
				return JobPending, checkErr
			}
			job = current
			return current.Status, nil
		})
		if pollErr != nil {
			report.Status = status
			return report, newSyncError(RemoteUploadError, "check batch", job.ID, pollErr)
		}
	}
	report.Status = job.Status
	if job.Status == JobFailed {
		return report, newSyncError(RemoteUploadError, "check batch", job.ID, fmt.Errorf("could not sync files, batch job failed"))
	}

	u.recordResults(report, sources, job.Results)
	log.Info(fmt.Sprintf("Batch %s committed %d of %d file(s)", job.ID, len(report.Paths(Uploaded)), len(paths)))
	return report, nil
}

// stageFile runs the open and append steps for one file. It returns either a
// commit entry, a skip reason, or an error that aborts the whole batch.
func (u *BatchUploader) stageFile(ctx context.Context, folder, path string) (*BatchCommitEntry, string, error) {
	info, statErr := u.local.Stat(path)
	if errors.Is(statErr, fs.ErrNotExist) {
		return nil, "file not found", nil
	}
	if statErr != nil {
		return nil, fmt.Sprintf("stat failed: %s", statErr), nil
	}
	destination := remotePath(folder, filepath.Base(path))

	session, startErr := u.openSession(ctx, path, destination)
	if startErr != nil {
		return nil, "", newSyncError(RemoteUploadError, "start session", path, startErr)
	}

	log.WithField("file", path).Debug(fmt.Sprintf("Uploading %s", humanize.Bytes(uint64(info.Size()))))
	if appendErr := u.appendContent(ctx, session); appendErr != nil {
		return nil, fmt.Sprintf("append failed: %s", appendErr), nil
	}
	session.ByteOffset = info.Size()

	return &BatchCommitEntry{
		SessionID:       session.SessionID,
		FinalOffset:     session.ByteOffset,
		DestinationPath: destination,
		ConflictPolicy:  ConflictFailNoRename,
	}, "", nil
}

// abortStaged releases the sessions staged before the stage was aborted so no
// partial uploads are left behind on the backend.
func (u *BatchUploader) abortStaged(ctx context.Context, report *UploadReport, entries []BatchCommitEntry, sources []string) {
	for i, entry := range entries {
		callCtx, cancel := withCallTimeout(ctx, u.callTimeout)
		abortErr := u.store.AbortSession(callCtx, entry.SessionID)
		cancel()
		if abortErr != nil {
			log.WithField("file", sources[i]).Warn(fmt.Sprintf("Error aborting upload session %s: %s", entry.SessionID, abortErr))
		}
		report.skip(sources[i], stageAborted)
	}
}

func (u *BatchUploader) openSession(ctx context.Context, path, destination string) (*UploadSession, error) {
	callCtx, cancel := withCallTimeout(ctx, u.callTimeout)
	defer cancel()
	sessionID, startErr := u.store.StartSession(callCtx, destination)
	if startErr != nil {
		return nil, startErr
	}
	return &UploadSession{SessionID: sessionID, SourcePath: path}, nil
}

func (u *BatchUploader) appendContent(ctx context.Context, session *UploadSession) error {
	file, openErr := u.local.Open(session.SourcePath)
	if openErr != nil {
		return openErr
	}
	defer file.Close()

	callCtx, cancel := withCallTimeout(ctx, u.callTimeout)
	defer cancel()
	return u.store.AppendAndClose(callCtx, session.SessionID, session.ByteOffset, file)
}

func (u *BatchUploader) commit(ctx context.Context, entries []BatchCommitEntry) (*BatchJob, error) {
	callCtx, cancel := withCallTimeout(ctx, u.callTimeout)
	defer cancel()
	return u.store.FinishBatch(callCtx, entries)
}

// recordResults maps per-entry commit results back to source files. Backends
// that report no per-entry results mark the whole batch as uploaded.
func (u *BatchUploader) recordResults(report *UploadReport, sources []string, results []CommitResult) {
	for i, source := range sources {
		if i < len(results) && results[i].Err != nil {
			log.WithField("file", source).Warn(fmt.Sprintf("Commit failed for %s: %s", results[i].DestinationPath, results[i].Err))
			report.skip(source, fmt.Sprintf("commit failed: %s", results[i].Err))
			continue
		}
		report.Outcomes = append(report.Outcomes, FileOutcome{Path: source, Kind: Uploaded})
	}
}
