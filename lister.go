package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	mapset "github.com/deckarep/golang-set/v2"
	log "github.com/sirupsen/logrus"
)

// RemoteFileRecord is a file in the remote folder. Name is always lower-cased;
// DisplayName keeps the casing the backend reported.
type RemoteFileRecord struct {
	Name        string
	DisplayName string
	ModifiedAt  time.Time
	SizeBytes   int64
}

type RemoteLister struct {
	store       RemoteStore
	pageLimit   int
	callTimeout time.Duration
}

func NewRemoteLister(store RemoteStore, callTimeout time.Duration) *RemoteLister {
	return &RemoteLister{
		store:       store,
		pageLimit:   listPageLimit,
		callTimeout: callTimeout,
	}
}

// List returns every file directly inside folder whose name matches masks,
// following continuation cursors until the backend reports no more pages.
// Names are deduplicated across pages, first occurrence wins. Any failed
// call fails the whole listing.
func (l *RemoteLister) List(ctx context.Context, folder string, masks *MaskSet) ([]RemoteFileRecord, error) {
	folder = normalizeFolder(folder)
	log.WithField("folder", folder).Debug("Listing remote folder")

	page, listErr := l.firstPage(ctx, folder)
	if listErr != nil {
		return nil, newSyncError(RemoteListError, "list folder", folder, listErr)
	}

	files := make([]RemoteFileRecord, 0, len(page.Entries))
	seen := mapset.NewThreadUnsafeSet[string]()
	merge := func(page *ListPage) {
		for _, file := range entriesToFiles(page.Entries, masks) {
			if seen.Add(file.Name) {
				files = append(files, file)
			}
		}
	}

	merge(page)
	for page.HasMore {
		page, listErr = l.nextPage(ctx, page.Cursor)
		if listErr != nil {
			return nil, newSyncError(RemoteListError, "list folder continue", folder, listErr)
		}
		merge(page)
	}

	log.Debug(fmt.Sprintf("Remote folder '%s' contains %d matching file(s)", folder, len(files)))
	return files, nil
}

func (l *RemoteLister) firstPage(ctx context.Context, folder string) (*ListPage, error) {
	callCtx, cancel := withCallTimeout(ctx, l.callTimeout)
	defer cancel()
	return l.store.ListFolder(callCtx, folder, l.pageLimit)
}

func (l *RemoteLister) nextPage(ctx context.Context, cursor string) (*ListPage, error) {
	callCtx, cancel := withCallTimeout(ctx, l.callTimeout)
	defer cancel()
	return l.store.ListFolderContinue(callCtx, cursor)
}

func entriesToFiles(entries []RemoteEntry, masks *MaskSet) []RemoteFileRecord {
	files := make([]RemoteFileRecord, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir {
			continue
		}
		name := strings.ToLower(entry.Name)
		if !masks.Match(name) {
			continue
		}
		files = append(files, RemoteFileRecord{
			Name:        name,
			DisplayName: entry.Name,
			ModifiedAt:  entry.ModifiedAt,
			SizeBytes:   entry.Size,
		})
	}
	return files
}

func withCallTimeout(ctx context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	if timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, timeout)
}
