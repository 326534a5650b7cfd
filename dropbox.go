package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/dropbox/dropbox-sdk-go-unofficial/v6/dropbox"
	"github.com/dropbox/dropbox-sdk-go-unofficial/v6/dropbox/async"
	"github.com/dropbox/dropbox-sdk-go-unofficial/v6/dropbox/files"
	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
)

// DropboxClient is the subset of files.Client used by DropboxStore.
// files.New returns a value that satisfies it.
type DropboxClient interface {
	ListFolder(arg *files.ListFolderArg) (*files.ListFolderResult, error)
	ListFolderContinue(arg *files.ListFolderContinueArg) (*files.ListFolderResult, error)
	UploadSessionStart(arg *files.UploadSessionStartArg, content io.Reader) (*files.UploadSessionStartResult, error)
	UploadSessionAppendV2(arg *files.UploadSessionAppendArg, content io.Reader) error
	UploadSessionFinishBatch(arg *files.UploadSessionFinishBatchArg) (*files.UploadSessionFinishBatchLaunch, error)
	UploadSessionFinishBatchCheck(arg *async.PollArg) (*files.UploadSessionFinishBatchJobStatus, error)
	DeleteBatch(arg *files.DeleteBatchArg) (*files.DeleteBatchLaunch, error)
	DeleteBatchCheck(arg *async.PollArg) (*files.DeleteBatchJobStatus, error)
}

type DropboxStore struct {
	Client DropboxClient
	poll   PollPolicy
}

func NewDropboxStore(appConfig AppConfig) (*DropboxStore, error) {
	if appConfig.Dropbox.Token == "" {
		return nil, newSyncError(ConfigError, "dropbox client", "", errors.New("missing app token"))
	}
	dbxConfig := dropbox.Config{
		Token:    appConfig.Dropbox.Token,
		LogLevel: dropbox.LogOff,
		Client:   &http.Client{Timeout: appConfig.CallTimeout()},
	}

	return &DropboxStore{Client: files.New(dbxConfig), poll: appConfig.PollPolicy()}, nil
}

func (d *DropboxStore) ListFolder(ctx context.Context, folder string, limit int) (*ListPage, error) {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return nil, ctxErr
	}
	if folder == "/" {
		folder = ""
	}
	arg := files.NewListFolderArg(folder)
	arg.Recursive = false
	arg.IncludeMediaInfo = false
	arg.IncludeDeleted = false
	arg.IncludeHasExplicitSharedMembers = false
	arg.IncludeMountedFolders = false
	arg.IncludeNonDownloadableFiles = false
	arg.Limit = uint32(limit)

	result, listErr := d.Client.ListFolder(arg)
	if listErr != nil {
		return nil, listErr
	}
	return listResultToPage(result), nil
}

func (d *DropboxStore) ListFolderContinue(ctx context.Context, cursor string) (*ListPage, error) {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return nil, ctxErr
	}
	result, listErr := d.Client.ListFolderContinue(files.NewListFolderContinueArg(cursor))
	if listErr != nil {
		return nil, listErr
	}
	return listResultToPage(result), nil
}

func listResultToPage(result *files.ListFolderResult) *ListPage {
	page := &ListPage{
		Entries: make([]RemoteEntry, 0, len(result.Entries)),
		Cursor:  result.Cursor,
		HasMore: result.HasMore,
	}
	for _, entry := range result.Entries {
		switch meta := entry.(type) {
		case *files.FileMetadata:
			page.Entries = append(page.Entries, RemoteEntry{
				Name:       meta.Name,
				ModifiedAt: meta.ServerModified,
				Size:       int64(meta.Size),
			})
		case *files.FolderMetadata:
			page.Entries = append(page.Entries, RemoteEntry{Name: meta.Name, IsDir: true})
		}
	}
	return page
}

// StartSession opens an empty session; Dropbox picks the destination at commit time.
func (d *DropboxStore) StartSession(ctx context.Context, destination string) (string, error) {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return "", ctxErr
	}
	arg := files.NewUploadSessionStartArg()
	arg.Close = false
	result, startErr := d.Client.UploadSessionStart(arg, bytes.NewReader(nil))
	if startErr != nil {
		return "", startErr
	}
	return result.SessionId, nil
}

func (d *DropboxStore) AppendAndClose(ctx context.Context, sessionID string, offset int64, content io.Reader) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	arg := files.NewUploadSessionAppendArg(files.NewUploadSessionCursor(sessionID, uint64(offset)))
	arg.Close = true
	return d.Client.UploadSessionAppendV2(arg, content)
}

// AbortSession is a no-op: Dropbox has no call to cancel an upload session and
// drops uncommitted sessions on its own.
func (d *DropboxStore) AbortSession(ctx context.Context, sessionID string) error {
	return nil
}

func (d *DropboxStore) FinishBatch(ctx context.Context, entries []BatchCommitEntry) (*BatchJob, error) {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return nil, ctxErr
	}
	finishArgs := make([]*files.UploadSessionFinishArg, 0, len(entries))
	for _, entry := range entries {
		cursor := files.NewUploadSessionCursor(entry.SessionID, uint64(entry.FinalOffset))
		finishArgs = append(finishArgs, files.NewUploadSessionFinishArg(cursor, commitInfo(entry)))
	}

	launch, finishErr := d.Client.UploadSessionFinishBatch(files.NewUploadSessionFinishBatchArg(finishArgs))
	if finishErr != nil {
		return nil, finishErr
	}

	switch launch.Tag {
	case files.UploadSessionFinishBatchLaunchAsyncJobId:
		return &BatchJob{ID: launch.AsyncJobId, Status: JobPending}, nil
	case files.UploadSessionFinishBatchLaunchComplete:
		return &BatchJob{ID: uuid.NewString(), Status: JobComplete, Results: finishResults(entries, launch.Complete)}, nil
	default:
		return nil, fmt.Errorf("unexpected finish_batch response %q", launch.Tag)
	}
}

func commitInfo(entry BatchCommitEntry) *files.CommitInfo {
	commit := files.NewCommitInfo(entry.DestinationPath)
	switch entry.ConflictPolicy {
	case ConflictFailNoRename:
		commit.Mode = &files.WriteMode{Tagged: dropbox.Tagged{Tag: files.WriteModeAdd}}
		commit.Autorename = false
	}
	commit.Mute = false
	commit.StrictConflict = false
	return commit
}

func (d *DropboxStore) CheckBatch(ctx context.Context, jobID string) (*BatchJob, error) {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return nil, ctxErr
	}
	status, checkErr := d.Client.UploadSessionFinishBatchCheck(async.NewPollArg(jobID))
	if checkErr != nil {
		return nil, checkErr
	}

	switch status.Tag {
	case files.UploadSessionFinishBatchJobStatusInProgress:
		return &BatchJob{ID: jobID, Status: JobPending}, nil
	case files.UploadSessionFinishBatchJobStatusComplete:
		return &BatchJob{ID: jobID, Status: JobComplete, Results: finishResults(nil, status.Complete)}, nil
	default:
		log.WithField("job", jobID).Warn(fmt.Sprintf("Unexpected finish_batch/check status %q", status.Tag))
		return &BatchJob{ID: jobID, Status: JobFailed}, nil
	}
}

func finishResults(entries []BatchCommitEntry, result *files.UploadSessionFinishBatchResult) []CommitResult {
	if result == nil {
		return nil
	}
	results := make([]CommitResult, 0, len(result.Entries))
	for i, entry := range result.Entries {
		commitResult := CommitResult{}
		if i < len(entries) {
			commitResult.DestinationPath = entries[i].DestinationPath
		}
		switch entry.Tag {
		case files.UploadSessionFinishBatchResultEntrySuccess:
			if entry.Success != nil {
				commitResult.DestinationPath = entry.Success.PathDisplay
			}
		default:
			commitResult.Err = fmt.Errorf("finish failed: %s", finishFailureTag(entry.Failure))
		}
		results = append(results, commitResult)
	}
	return results
}

func finishFailureTag(failure *files.UploadSessionFinishError) string {
	if failure == nil {
		return "unknown"
	}
	return failure.Tag
}

// DeleteBatch launches a delete_batch job and waits for it to finish.
func (d *DropboxStore) DeleteBatch(ctx context.Context, paths []string) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	deleteArgs := make([]*files.DeleteArg, 0, len(paths))
	for _, path := range paths {
		deleteArgs = append(deleteArgs, files.NewDeleteArg(path))
	}

	launch, deleteErr := d.Client.DeleteBatch(files.NewDeleteBatchArg(deleteArgs))
	if deleteErr != nil {
		return deleteErr
	}

	switch launch.Tag {
	case files.DeleteBatchLaunchComplete:
		return deleteFailures(paths, launch.Complete)
	case files.DeleteBatchLaunchAsyncJobId:
		return d.waitForDelete(ctx, paths, launch.AsyncJobId)
	default:
		return fmt.Errorf("unexpected delete_batch response %q", launch.Tag)
	}
}

func (d *DropboxStore) waitForDelete(ctx context.Context, paths []string, jobID string) error {
	var finished *files.DeleteBatchJobStatus
	status, pollErr := pollJob(ctx, d.poll, jobID, func(ctx context.Context) (JobStatus, error) {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return JobPending, ctxErr
		}
		current, checkErr := d.Client.DeleteBatchCheck(async.NewPollArg(jobID))
		if checkErr != nil {
			return JobPending, checkErr
		}
		finished = current
		switch current.Tag {
		case files.DeleteBatchJobStatusInProgress:
			return JobPending, nil
		case files.DeleteBatchJobStatusComplete:
			return JobComplete, nil
		default:
			return JobFailed, nil
		}
	})
	if pollErr != nil {
		return pollErr
	}
	if status == JobFailed {
		reason := finished.Tag
		if finished.Failed != nil {
			reason = finished.Failed.Tag
		}
		return fmt.Errorf("delete_batch job %s failed: %s", jobID, reason)
	}

	return deleteFailures(paths, finished.Complete)
}

func deleteFailures(paths []string, result *files.DeleteBatchResult) error {
	if result == nil {
		return nil
	}
	failures := make([]error, 0)
	for i, entry := range result.Entries {
		if entry.Tag != files.DeleteBatchResultEntryFailure {
			continue
		}
		path := ""
		if i < len(paths) {
			path = paths[i]
		}
		reason := "unknown"
		if entry.Failure != nil {
			reason = entry.Failure.Tag
		}
		failures = append(failures, fmt.Errorf("delete %s: %s", path, reason))
	}
	return errors.Join(failures...)
}
