package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
)

type SyncState int

const (
	Idle SyncState = iota
	Listing
	Diffing
	Uploading
	RelistingForPrune
	Pruning
	LocalCleanup
	Done
	Failed
)

var syncStateNames = map[SyncState]string{
	Idle:              "idle",
	Listing:           "listing",
	Diffing:           "diffing",
	Uploading:         "uploading",
	RelistingForPrune: "relisting",
	Pruning:           "pruning",
	LocalCleanup:      "local-cleanup",
	Done:              "done",
	Failed:            "failed",
}

func (s SyncState) String() string {
	return syncStateNames[s]
}

// SyncReport describes one pass. FailedStage is only meaningful when State is Failed.
type SyncReport struct {
	PassID       string
	State        SyncState
	FailedStage  SyncState
	LocalFiles   []string
	Uploaded     []string
	Skipped      []FileOutcome
	Pruned       []string
	LocalDeleted int
	Errors       []error
	Warnings     []error
	Duration     time.Duration
}

func (r *SyncReport) Err() error {
	return errors.Join(r.Errors...)
}

func (r *SyncReport) record(stage SyncState, err error) {
	if len(r.Errors) == 0 {
		r.FailedStage = stage
	}
	r.Errors = append(r.Errors, err)
}

type Syncer struct {
	SyncFolder      string
	RemoteFolder    string
	MaxFiles        int
	DeleteAfterSync bool

	masks    *MaskSet
	local    *LocalFS
	lister   *RemoteLister
	uploader *BatchUploader
	pruner   *RetentionPruner
}

func NewSyncer(store RemoteStore, local *LocalFS, appConfig AppConfig) (*Syncer, error) {
	masks, maskErr := CompileMasks(appConfig.FilesMask)
	if maskErr != nil {
		return nil, maskErr
	}

	return &Syncer{
		SyncFolder:      appConfig.SyncFolder,
		RemoteFolder:    appConfig.RemoteFolder,
		MaxFiles:        appConfig.MaxFiles,
		DeleteAfterSync: appConfig.DeleteAfterSync,
		masks:           masks,
		local:           local,
		lister:          NewRemoteLister(store, appConfig.CallTimeout()),
		uploader:        NewBatchUploader(store, local, appConfig.PollPolicy(), appConfig.CallTimeout()),
		pruner:          NewRetentionPruner(store),
	}, nil
}

// Run performs one pass: list, diff, upload, relist, prune, clean up local
// files. Stages run strictly in order and nothing is rolled back. A failed
// listing ends the pass at once; upload and prune failures are recorded and
// the following stages still run.
func (s *Syncer) Run(ctx context.Context) *SyncReport {
	report := &SyncReport{PassID: uuid.NewString(), State: Idle}
	passLog := log.WithFields(log.Fields{"pass": report.PassID, "folder": s.SyncFolder})
	startTime := time.Now()
	defer func() {
		report.Duration = time.Since(startTime)
	}()

	enter := func(state SyncState) *log.Entry {
		report.State = state
		return passLog.WithField("stage", state.String())
	}
	fail := func(stage SyncState, err error) *SyncReport {
		report.record(stage, err)
		report.State = Failed
		passLog.WithField("stage", stage.String()).Error(fmt.Sprintf("Sync failed: %s", err))
		return report
	}

	stageLog := enter(Listing)
	stageLog.Info(fmt.Sprintf("Sync starting for %s", s.SyncFolder))
	localFiles, localErr := s.local.ListFiles(s.SyncFolder, s.masks)
	if localErr != nil {
		stageLog.Error(fmt.Sprintf("Error listing local folder: %s", localErr))
		report.record(Listing, localErr)
	}
	report.LocalFiles = localFiles
	stageLog.Debug(fmt.Sprintf("Local folder contains %d file(s) to process", len(localFiles)))

	remote, listErr := s.lister.List(ctx, s.RemoteFolder, s.masks)
	if listErr != nil {
		return fail(Listing, listErr)
	}
	stageLog.Debug(fmt.Sprintf("Remote folder contains %d file(s)", len(remote)))

	stageLog = enter(Diffing)
	toUpload := filesToUpload(localFiles, remote)
	stageLog.Info(fmt.Sprintf("%d file(s) to sync", len(toUpload)))

	if len(toUpload) > 0 {
		stageLog = enter(Uploading)
		uploadReport, uploadErr := s.uploader.UploadBatch(ctx, s.RemoteFolder, toUpload)
		report.Uploaded = uploadReport.Paths(Uploaded)
		for _, outcome := range uploadReport.Outcomes {
			if outcome.Kind == Skipped {
				report.Skipped = append(report.Skipped, outcome)
			}
		}
		if uploadErr != nil {
			stageLog.Error(fmt.Sprintf("Upload finished with error: %s", uploadErr))
			report.record(Uploading, uploadErr)
		} else {
			stageLog.Info(fmt.Sprintf("Uploaded %d file(s), skipped %d", len(report.Uploaded), len(report.Skipped)))
		}
	}

	if s.MaxFiles <= 0 && !s.DeleteAfterSync {
		return s.finish(report, passLog)
	}

	stageLog = enter(RelistingForPrune)
	remote, listErr = s.lister.List(ctx, s.RemoteFolder, s.masks)
	if listErr != nil {
		return fail(RelistingForPrune, listErr)
	}

	if s.MaxFiles > 0 {
		stageLog = enter(Pruning)
		pruned, pruneErr := s.pruner.Prune(ctx, s.RemoteFolder, remote, s.masks, s.MaxFiles)
		if pruneErr != nil {
			stageLog.Error(fmt.Sprintf("Error pruning remote folder: %s", pruneErr))
			report.record(Pruning, pruneErr)
		} else if len(pruned) > 0 {
			stageLog.Info(fmt.Sprintf("Deleted %d outdated file(s) from remote folder", len(pruned)))
		}
		report.Pruned = pruned
	}

	if s.DeleteAfterSync {
		stageLog = enter(LocalCleanup)
		synced := syncedLocalFiles(localFiles, remote)
		deleted, deleteErrs := s.local.DeleteFiles(synced)
		report.LocalDeleted = deleted
		report.Warnings = append(report.Warnings, deleteErrs...)
		stageLog.Info(fmt.Sprintf("Deleted %d of %d local file(s)", deleted, len(localFiles)))
	}

	return s.finish(report, passLog)
}

func (s *Syncer) finish(report *SyncReport, passLog *log.Entry) *SyncReport {
	if len(report.Errors) > 0 {
		report.State = Failed
		passLog.WithField("stage", report.FailedStage.String()).Error("Sync finished with errors")
		return report
	}

	report.State = Done
	passLog.Info("Sync finished")
	return report
}

// syncedLocalFiles keeps the local paths whose basename is present remotely,
// so a file that failed to upload is never removed locally.
func syncedLocalFiles(localFiles []string, remote []RemoteFileRecord) []string {
	remoteNames := mapset.NewThreadUnsafeSetWithSize[string](len(remote))
	for _, record := range remote {
		remoteNames.Add(comparableName(record.Name))
	}

	seen := mapset.NewThreadUnsafeSet[string]()
	synced := make([]string, 0, len(localFiles))
	for _, localPath := range localFiles {
		if remoteNames.Contains(comparableName(localPath)) && seen.Add(localPath) {
			synced = append(synced, localPath)
		}
	}
	return synced
}
