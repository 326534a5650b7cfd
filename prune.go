package main

import (
	"context"
	"fmt"
	"sort"

	mapset "github.com/deckarep/golang-set/v2"
	log "github.com/sirupsen/logrus"
)

// RetentionGroup holds the remote files matching one mask, oldest first.
type RetentionGroup struct {
	Mask  string
	Files []RemoteFileRecord
}

func groupByMask(remote []RemoteFileRecord, masks *MaskSet) []RetentionGroup {
	groups := make([]RetentionGroup, 0, masks.Len())
	for _, mask := range masks.Masks() {
		group := RetentionGroup{Mask: mask.Pattern, Files: make([]RemoteFileRecord, 0)}
		for _, record := range remote {
			if mask.Match(record.Name) {
				group.Files = append(group.Files, record)
			}
		}
		sort.SliceStable(group.Files, func(i, j int) bool {
			return group.Files[i].ModifiedAt.Before(group.Files[j].ModifiedAt)
		})
		groups = append(groups, group)
	}
	return groups
}

// selectForDeletion picks, for every mask, the oldest files beyond maxFiles.
// Names selected by more than one mask are returned once.
func selectForDeletion(remote []RemoteFileRecord, masks *MaskSet, maxFiles int) []string {
	if maxFiles <= 0 {
		return nil
	}

	selected := mapset.NewThreadUnsafeSet[string]()
	names := make([]string, 0)
	for _, group := range groupByMask(remote, masks) {
		excess := len(group.Files) - maxFiles
		if excess <= 0 {
			continue
		}
		for _, record := range group.Files[:excess] {
			if selected.Add(record.Name) {
				names = append(names, record.Name)
			}
		}
	}

	return names
}

type RetentionPruner struct {
	store RemoteStore
}

func NewRetentionPruner(store RemoteStore) *RetentionPruner {
	return &RetentionPruner{store: store}
}

// Prune deletes the files selected by selectForDeletion with a single batch
// delete and returns the deleted names.
func (p *RetentionPruner) Prune(ctx context.Context, folder string, remote []RemoteFileRecord, masks *MaskSet, maxFiles int) ([]string, error) {
	names := selectForDeletion(remote, masks, maxFiles)
	if len(names) == 0 {
		log.Debug("No remote files exceed the retention cap")
		return names, nil
	}

	log.Debug(fmt.Sprintf("Need to delete %d file(s) from remote folder '%s'", len(names), folder))
	if deleteErr := p.batchDelete(ctx, folder, storedNames(remote, names)); deleteErr != nil {
		return nil, deleteErr
	}

	return names, nil
}

// storedNames maps lower-cased names back to the casing the backend reported,
// which case sensitive stores need to address the object.
func storedNames(remote []RemoteFileRecord, names []string) []string {
	display := make(map[string]string, len(remote))
	for _, record := range remote {
		if record.DisplayName != "" {
			display[record.Name] = record.DisplayName
		}
	}

	stored := make([]string, 0, len(names))
	for _, name := range names {
		if displayName, ok := display[name]; ok {
			name = displayName
		}
		stored = append(stored, name)
	}
	return stored
}

func (p *RetentionPruner) batchDelete(ctx context.Context, folder string, names []string) error {
	paths := make([]string, 0, len(names))
	for _, name := range names {
		paths = append(paths, remotePath(folder, name))
	}

	// no call timeout here: backends may poll an async delete job and bound each request themselves
	if deleteErr := p.store.DeleteBatch(ctx, paths); deleteErr != nil {
		return newSyncError(RemoteDeleteError, "delete batch", normalizeFolder(folder), deleteErr)
	}
	return nil
}
