package main

import (
	"path/filepath"
	"strings"

	mapset "github.com/deckarep/golang-set/v2"
)

// filesToUpload returns the local paths whose basename has no remote
// counterpart. Basenames are compared lower-cased on both sides. The result
// keeps the order of localPaths and holds each basename at most once.
func filesToUpload(localPaths []string, remote []RemoteFileRecord) []string {
	remoteNames := mapset.NewThreadUnsafeSetWithSize[string](len(remote))
	for _, record := range remote {
		remoteNames.Add(comparableName(record.Name))
	}

	picked := mapset.NewThreadUnsafeSet[string]()
	upload := make([]string, 0)
	for _, localPath := range localPaths {
		name := comparableName(localPath)
		if remoteNames.Contains(name) || !picked.Add(name) {
			continue
		}
		upload = append(upload, localPath)
	}

	return upload
}

func comparableName(p string) string {
	return strings.ToLower(filepath.Base(filepath.FromSlash(p)))
}
