package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"testing"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMain(m *testing.M) {
	log.SetLevel(log.ErrorLevel)
	os.Exit(m.Run())
}

func testAppConfig(masks ...string) AppConfig {
	return AppConfig{
		Provider:        "dropbox",
		SyncFolder:      "/data",
		RemoteFolder:    "backups",
		FilesMask:       masks,
		CallTimeoutSecs: 5,
		PollTimeoutSecs: 5,
	}
}

func newTestSyncer(t *testing.T, store RemoteStore, local *LocalFS, appConfig AppConfig) *Syncer {
	syncer, syncerErr := NewSyncer(store, local, appConfig)
	require.NoError(t, syncerErr)
	syncer.uploader.poll = fastPollPolicy
	return syncer
}

func localExists(t *testing.T, local *LocalFS, path string) bool {
	exists, existsErr := afero.Exists(local.Fs, path)
	require.NoError(t, existsErr)
	return exists
}

func TestSyncUploadsMissingFiles(t *testing.T) {
	store := NewMockStore(map[string]RemoteEntry{"/backups/b.csv": remoteFile("b.csv", time.Now())})
	local := memLocalFS(t, map[string]string{"/data/a.csv": "alpha", "/data/b.csv": "bravo"})
	syncer := newTestSyncer(t, store, local, testAppConfig(`.csv$`))

	report := syncer.Run(context.Background())

	require.NoError(t, report.Err())
	assert.Equal(t, Done, report.State)
	assert.Equal(t, []string{"/data/a.csv"}, report.Uploaded)
	assert.True(t, store.HasFile("/backups/a.csv"))
	assert.True(t, store.HasFile("/backups/b.csv"))
	// no retention and no cleanup, so no second listing
	assert.Equal(t, 1, store.ListCalls)
	assert.Empty(t, store.DeleteRequests)
	assert.True(t, localExists(t, local, "/data/a.csv"))
	assert.NotEmpty(t, report.PassID)
}

func TestSyncNothingToUpload(t *testing.T) {
	store := NewMockStore(map[string]RemoteEntry{"/backups/a.csv": remoteFile("A.CSV", time.Now())})
	local := memLocalFS(t, map[string]string{"/data/a.csv": "alpha"})
	syncer := newTestSyncer(t, store, local, testAppConfig(`\.csv$`))

	report := syncer.Run(context.Background())

	assert.Equal(t, Done, report.State)
	assert.Empty(t, report.Uploaded)
	assert.Empty(t, store.StartRequests)
	assert.Empty(t, store.Commits)
}

func TestSyncMixedCaseNameMatchesOnBothSides(t *testing.T) {
	store := NewMockStore(map[string]RemoteEntry{"/backups/Backup-1.zip": remoteFile("Backup-1.zip", time.Now())})
	local := memLocalFS(t, map[string]string{"/data/Backup-1.zip": "zip"})
	appConfig := testAppConfig(`Backup-\d+\.zip`)
	appConfig.DeleteAfterSync = true
	syncer := newTestSyncer(t, store, local, appConfig)

	report := syncer.Run(context.Background())

	require.NoError(t, report.Err())
	assert.Equal(t, Done, report.State)
	assert.Empty(t, store.StartRequests)
	assert.Empty(t, report.Uploaded)
	assert.Equal(t, 1, report.LocalDeleted)
	assert.False(t, localExists(t, local, "/data/Backup-1.zip"))
}

func TestSyncPrunesOldestRemoteFiles(t *testing.T) {
	base := time.Date(2023, 6, 1, 0, 0, 0, 0, time.UTC)
	remote := make(map[string]RemoteEntry)
	for i := 1; i <= 5; i++ {
		name := fmt.Sprintf("log-%d.txt", i)
		remote["/backups/"+name] = remoteFile(name, base.Add(time.Duration(i)*time.Hour))
	}
	store := NewMockStore(remote)
	local := memLocalFS(t, nil)
	appConfig := testAppConfig(`log-\d+\.txt`)
	appConfig.MaxFiles = 3
	syncer := newTestSyncer(t, store, local, appConfig)

	report := syncer.Run(context.Background())

	require.NoError(t, report.Err())
	assert.Equal(t, Done, report.State)
	assert.Equal(t, []string{"log-1.txt", "log-2.txt"}, report.Pruned)
	assert.Equal(t, 2, store.ListCalls)
	assert.False(t, store.HasFile("/backups/log-1.txt"))
	assert.False(t, store.HasFile("/backups/log-2.txt"))
	for i := 3; i <= 5; i++ {
		assert.True(t, store.HasFile(fmt.Sprintf("/backups/log-%d.txt", i)))
	}
}

func TestSyncPrunesAfterUpload(t *testing.T) {
	base := time.Date(2023, 6, 1, 0, 0, 0, 0, time.UTC)
	store := NewMockStore(map[string]RemoteEntry{
		"/backups/log-1.txt": remoteFile("log-1.txt", base),
		"/backups/log-2.txt": remoteFile("log-2.txt", base.Add(time.Hour)),
	})
	local := memLocalFS(t, map[string]string{"/data/log-3.txt": "three"})
	appConfig := testAppConfig(`log-\d+\.txt`)
	appConfig.MaxFiles = 2
	syncer := newTestSyncer(t, store, local, appConfig)

	report := syncer.Run(context.Background())

	assert.Equal(t, Done, report.State)
	assert.Equal(t, []string{"/data/log-3.txt"}, report.Uploaded)
	assert.Equal(t, []string{"log-1.txt"}, report.Pruned)
	assert.True(t, store.HasFile("/backups/log-3.txt"))
}

func TestSyncCleanupKeepsFilesThatFailedToUpload(t *testing.T) {
	store := NewMockStore(nil)
	store.FailAppend["b.csv"] = true
	local := memLocalFS(t, map[string]string{"/data/a.csv": "alpha", "/data/b.csv": "bravo"})
	appConfig := testAppConfig(`\.csv$`)
	appConfig.DeleteAfterSync = true
	syncer := newTestSyncer(t, store, local, appConfig)

	report := syncer.Run(context.Background())

	require.NoError(t, report.Err())
	assert.Equal(t, Done, report.State)
	assert.Equal(t, []string{"/data/a.csv"}, report.Uploaded)
	require.Len(t, report.Skipped, 1)
	assert.Equal(t, "/data/b.csv", report.Skipped[0].Path)

	require.Len(t, store.Commits, 1)
	assert.Len(t, store.Commits[0], 1)
	assert.True(t, store.HasFile("/backups/a.csv"))
	assert.False(t, store.HasFile("/backups/b.csv"))

	assert.Equal(t, 1, report.LocalDeleted)
	assert.False(t, localExists(t, local, "/data/a.csv"))
	assert.True(t, localExists(t, local, "/data/b.csv"))
}

func TestSyncCleanupRemovesAlreadySyncedFiles(t *testing.T) {
	store := NewMockStore(map[string]RemoteEntry{"/backups/a.csv": remoteFile("a.csv", time.Now())})
	local := memLocalFS(t, map[string]string{"/data/a.csv": "alpha", "/data/notes.txt": "keep"})
	appConfig := testAppConfig(`\.csv$`)
	appConfig.DeleteAfterSync = true
	syncer := newTestSyncer(t, store, local, appConfig)

	report := syncer.Run(context.Background())

	assert.Equal(t, Done, report.State)
	assert.Equal(t, 1, report.LocalDeleted)
	assert.False(t, localExists(t, local, "/data/a.csv"))
	assert.True(t, localExists(t, local, "/data/notes.txt"))
}

func TestSyncListingFailureStopsPass(t *testing.T) {
	store := NewMockStore(nil)
	store.ListErr = errors.New("expired_access_token")
	local := memLocalFS(t, map[string]string{"/data/a.csv": "alpha"})
	appConfig := testAppConfig(`\.csv$`)
	appConfig.DeleteAfterSync = true
	syncer := newTestSyncer(t, store, local, appConfig)

	report := syncer.Run(context.Background())

	assert.Equal(t, Failed, report.State)
	assert.Equal(t, Listing, report.FailedStage)
	assert.ErrorIs(t, report.Err(), ErrRemoteList)
	assert.Empty(t, store.StartRequests)
	assert.True(t, localExists(t, local, "/data/a.csv"))
}

func TestSyncUploadFailureStillPrunes(t *testing.T) {
	base := time.Date(2023, 6, 1, 0, 0, 0, 0, time.UTC)
	store := NewMockStore(map[string]RemoteEntry{
		"/backups/1.csv": remoteFile("1.csv", base),
		"/backups/2.csv": remoteFile("2.csv", base.Add(time.Hour)),
	})
	store.FinishErr = errors.New("too_many_write_operations")
	local := memLocalFS(t, map[string]string{"/data/3.csv": "three"})
	appConfig := testAppConfig(`\.csv$`)
	appConfig.MaxFiles = 1
	appConfig.DeleteAfterSync = true
	syncer := newTestSyncer(t, store, local, appConfig)

	report := syncer.Run(context.Background())

	assert.Equal(t, Failed, report.State)
	assert.Equal(t, Uploading, report.FailedStage)
	assert.ErrorIs(t, report.Err(), ErrRemoteUpload)
	assert.Equal(t, []string{"1.csv"}, report.Pruned)
	assert.Equal(t, 0, report.LocalDeleted)
	assert.True(t, localExists(t, local, "/data/3.csv"))
}

func TestSyncPruneFailure(t *testing.T) {
	base := time.Date(2023, 6, 1, 0, 0, 0, 0, time.UTC)
	store := NewMockStore(map[string]RemoteEntry{
		"/backups/1.csv": remoteFile("1.csv", base),
		"/backups/2.csv": remoteFile("2.csv", base.Add(time.Hour)),
	})
	store.DeleteErr = errors.New("path_lookup/not_found")
	appConfig := testAppConfig(`\.csv$`)
	appConfig.MaxFiles = 1
	syncer := newTestSyncer(t, store, memLocalFS(t, nil), appConfig)

	report := syncer.Run(context.Background())

	assert.Equal(t, Failed, report.State)
	assert.Equal(t, Pruning, report.FailedStage)
	assert.ErrorIs(t, report.Err(), ErrRemoteDelete)
	assert.Empty(t, report.Pruned)
}

func TestSyncMissingLocalFolder(t *testing.T) {
	store := NewMockStore(nil)
	appConfig := testAppConfig(`\.csv$`)
	appConfig.SyncFolder = "/missing"
	syncer := newTestSyncer(t, store, memLocalFS(t, nil), appConfig)

	report := syncer.Run(context.Background())

	assert.Equal(t, Failed, report.State)
	assert.Equal(t, Listing, report.FailedStage)
	assert.ErrorIs(t, report.Err(), ErrLocalIO)
	assert.Equal(t, 1, store.ListCalls)
}

func TestNewSyncerRejectsBadMask(t *testing.T) {
	_, syncerErr := NewSyncer(NewMockStore(nil), memLocalFS(t, nil), testAppConfig(`(`))

	assert.ErrorIs(t, syncerErr, ErrConfig)
}

func TestSyncedLocalFiles(t *testing.T) {
	synced := syncedLocalFiles(
		[]string{"/data/A.csv", "/data/b.csv", "/data/A.csv"},
		[]RemoteFileRecord{{Name: "a.csv"}},
	)

	assert.Equal(t, []string{"/data/A.csv"}, synced)
}

func TestSyncStateNames(t *testing.T) {
	assert.Equal(t, "relisting", RelistingForPrune.String())
	assert.Equal(t, "local-cleanup", LocalCleanup.String())
	assert.Equal(t, "failed", Failed.String())
}
